package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/recsync/internal/record"
	"github.com/mschirtzinger/recsync/internal/ui"
)

var deleteCmd = &cobra.Command{
	Use:     "delete <record-id>...",
	GroupID: "records",
	Short:   "Delete records here and remotely",
	Long: `Delete records from the local replica and the recordings directory,
and replicate the deletion to the remote.

If the remote is unreachable the deletion stays queued and is applied by the
next sync or daemon run.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		a, err := openApp(ctx, appOptions{enabled: true})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		for _, id := range args {
			if err := record.ValidateID(id); err != nil {
				fatalf("%v", err)
			}
			path := filepath.Join(cfg.Local.RecordingsDir, id+".json")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				fatalf("failed to remove %s: %v", path, err)
			}
			if err := a.engine.DeleteRecord(ctx, id); err != nil {
				fatalf("%v", err)
			}
		}

		queued, err := drain(ctx, a.engine)
		if errors.Is(err, context.DeadlineExceeded) {
			queued, err = true, nil
		}
		if err != nil {
			fatalf("%v", err)
		}
		if queued {
			fmt.Printf("%s Deleted locally; remote deletion is queued\n", ui.RenderWarn("⚠"))
			return
		}
		fmt.Printf("%s Deleted %d record(s)\n", ui.RenderPass("✓"), len(args))
	},
}

func init() {
	deleteCmd.Flags().Duration("timeout", time.Minute, "wait this long for the remote deletion")
	rootCmd.AddCommand(deleteCmd)
}
