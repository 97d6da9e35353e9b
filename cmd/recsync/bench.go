package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/recsync/internal/loadtest"
	"github.com/mschirtzinger/recsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure how fast an offline backlog drains",
	Long: `Queue a backlog of recordings while sync is disabled, enable sync and
measure how long each record takes to reach the remote.

The run uses a scratch SQLite database and an in-memory remote with a
simulated upload latency; it never touches your data.`,
	Run: func(cmd *cobra.Command, args []string) {
		opts := loadtest.DefaultOptions()
		opts.Records, _ = cmd.Flags().GetInt("records")
		opts.Workers, _ = cmd.Flags().GetInt("workers")
		opts.Callers, _ = cmd.Flags().GetInt("callers")
		opts.UploadLatency, _ = cmd.Flags().GetDuration("latency")
		opts.PayloadSize, _ = cmd.Flags().GetInt("payload")
		opts.Logger = logger

		dir, err := os.MkdirTemp("", "recsync-bench-*")
		if err != nil {
			fatalf("%v", err)
		}
		defer os.RemoveAll(dir)
		opts.DBPath = filepath.Join(dir, "bench.db")

		fmt.Printf("%s Draining %d records with %d workers (%v per upload)...\n\n",
			ui.RenderAccent("⏱"), opts.Records, opts.Workers, opts.UploadLatency)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		result, err := loadtest.RunDrain(ctx, opts)
		if err != nil {
			fatalf("bench failed: %v", err)
		}
		result.Print(os.Stdout)
	},
}

func init() {
	def := loadtest.DefaultOptions()
	benchCmd.Flags().Int("records", def.Records, "backlog size")
	benchCmd.Flags().Int("workers", def.Workers, "concurrent transfers")
	benchCmd.Flags().Int("callers", def.Callers, "goroutines waiting on records")
	benchCmd.Flags().Duration("latency", def.UploadLatency, "simulated latency per upload")
	benchCmd.Flags().Int("payload", def.PayloadSize, "payload bytes per record")
	rootCmd.AddCommand(benchCmd)
}
