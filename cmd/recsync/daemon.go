package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/recsync/internal/daemon"
	"github.com/mschirtzinger/recsync/internal/dashboard"
	"github.com/mschirtzinger/recsync/internal/ingest"
	"github.com/mschirtzinger/recsync/internal/record"
	"github.com/mschirtzinger/recsync/internal/remote"
	"github.com/mschirtzinger/recsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon will:
  1. Ingest every {id}.json file in the recordings directory
  2. Watch the directory and queue changed records for sync
  3. Replicate removed files as deletions
  4. Probe the remote and pause while it is unreachable
  5. Periodically reconcile everything, pulling records made elsewhere
  6. Write downloaded records back into the recordings directory

With --dashboard (or dashboard.enabled) a WebSocket dashboard streams status
transitions on ws://127.0.0.1:<port>/ws.`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store, err := remote.Open(ctx, cfg.Remote)
		if err != nil {
			fatalf("failed to open remote: %v", err)
		}
		prober := newProber(store)

		// The engine reports downloads through d, which needs the engine.
		var d *daemon.Daemon
		a, err := openApp(ctx, appOptions{
			remote:       store,
			enabled:      cfg.Sync.Enabled,
			connectivity: prober,
			onLocalWrite: func(rec *record.Record) { d.WriteBack(rec) },
		})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		d, err = daemon.New(ingest.New(a.db, logger), a.engine, daemon.Config{
			RecordingsDir:    cfg.Local.RecordingsDir,
			DebounceInterval: cfg.Sync.Debounce,
			SweepInterval:    cfg.Sync.SweepInterval,
			Prober:           prober,
			Logger:           logger,
		})
		if err != nil {
			fatalf("failed to create daemon: %v", err)
		}

		fmt.Printf("%s Starting recsync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Recordings: %s\n", cfg.Local.RecordingsDir)
		fmt.Printf("   Database:   %s\n", cfg.Local.DBPath)
		fmt.Printf("   Remote:     %s\n", describeRemote())
		if !cfg.Sync.Enabled {
			fmt.Printf("   %s sync is disabled; changes are queued only\n", ui.RenderWarn("⚠"))
		}

		if cfg.Dashboard.Enabled {
			server, err := dashboard.NewServer(dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Source: a.engine,
				Logger: logger,
			})
			if err != nil {
				fatalf("%v", err)
			}
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer func() { _ = server.Stop() }()

			updates, unsubscribe := a.engine.Subscribe()
			defer unsubscribe()
			go dashboard.NewHandler(server, a.engine, logger).Run(ctx, updates)

			fmt.Printf("   Dashboard:  ws://%s/ws\n", server.GetAddr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Run(ctx); err != nil {
			fatalf("daemon stopped with error: %v", err)
		}
		fmt.Println("\nDaemon stopped")
	},
}

// describeRemote names the configured backend for humans.
func describeRemote() string {
	switch cfg.Remote.Backend {
	case remote.BackendMinio:
		return fmt.Sprintf("minio %s/%s", cfg.Remote.Endpoint, cfg.Remote.Bucket)
	case remote.BackendS3:
		return fmt.Sprintf("s3://%s/%s", cfg.Remote.Bucket, cfg.Remote.Prefix)
	default:
		return "in-memory (nothing leaves this process)"
	}
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the WebSocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 8080, "dashboard port")
	rootCmd.AddCommand(daemonCmd)
}
