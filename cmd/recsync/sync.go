package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/ingest"
	"github.com/mschirtzinger/recsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [record-id...]",
	GroupID: "sync",
	Short:   "Sync records once and exit",
	Long: `Sync the given records, or everything, once and exit.

With record ids, each record is reconciled and the outcome printed. Without,
the recordings directory is ingested first, then every unsynced local record
and every record that only exists remotely is reconciled.

Conflicts are reported, not resolved. Use 'recsync resolve' to decide them.`,
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
		defer cancelTimeout()

		a, err := openApp(ctx, appOptions{enabled: true, onLocalWrite: writeBack})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		start := time.Now()
		failed := 0
		if len(args) > 0 {
			for _, id := range args {
				if err := a.engine.SyncRecord(ctx, id); err != nil {
					failed++
					printSyncFailure(id, err)
					continue
				}
				fmt.Printf("%s %s\n", ui.RenderPass("✓"), id)
			}
		} else {
			scan, err := ingest.New(a.db, logger).Scan(ctx, cfg.Local.RecordingsDir)
			if err != nil {
				fatalf("failed to scan recordings: %v", err)
			}
			if len(scan.Changed) > 0 {
				fmt.Printf("%s Ingested %d changed recording(s)\n", ui.RenderAccent("📥"), len(scan.Changed))
			}

			fmt.Printf("%s Syncing everything...\n", ui.RenderAccent("🔄"))
			if err := a.engine.SyncAll(ctx); err != nil {
				fatalf("sync failed: %v", err)
			}
			queued, err := drain(ctx, a.engine)
			if err != nil {
				fatalf("sync did not finish: %v", err)
			}
			if queued {
				fmt.Printf("%s Remote unavailable, %d record(s) queued for later\n",
					ui.RenderWarn("⚠"), len(a.engine.Pending()))
			}
		}

		total, unsynced, err := a.db.Counts(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		conflicts := a.engine.Conflicts()

		fmt.Printf("\n%s Done in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Records:   %d\n", total)
		fmt.Printf("   Unsynced:  %d\n", unsynced)
		fmt.Printf("   Conflicts: %d\n", len(conflicts))
		for _, c := range conflicts {
			fmt.Printf("     %s %s\n", ui.RenderWarn("⚠"), c.RecordID)
		}
		if len(conflicts) > 0 {
			fmt.Printf("\nRun 'recsync resolve' to decide conflicts\n")
		}

		if failed > 0 {
			os.Exit(1)
		}
	},
}

func printSyncFailure(id string, err error) {
	switch {
	case errors.Is(err, errs.ErrConflictDetected):
		fmt.Printf("%s %s: both copies changed, run 'recsync resolve %s'\n", ui.RenderWarn("⚠"), id, id)
	case errors.Is(err, errs.ErrRemoteUnavailable):
		fmt.Printf("%s %s: remote unavailable, queued for later\n", ui.RenderWarn("⚠"), id)
	default:
		fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), id, err)
	}
}

func init() {
	syncCmd.Flags().Duration("timeout", 5*time.Minute, "give up after this long")
	rootCmd.AddCommand(syncCmd)
}
