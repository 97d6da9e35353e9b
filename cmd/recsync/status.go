package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/recsync/internal/localstore"
	"github.com/mschirtzinger/recsync/internal/ui"
)

// StatusReport is what 'recsync status' prints.
type StatusReport struct {
	Database    string          `json:"database" yaml:"database"`
	Recordings  string          `json:"recordings" yaml:"recordings"`
	Remote      string          `json:"remote" yaml:"remote"`
	SyncEnabled bool            `json:"sync_enabled" yaml:"sync_enabled"`
	Records     int             `json:"records" yaml:"records"`
	Unsynced    int             `json:"unsynced" yaml:"unsynced"`
	Pending     []PendingReport `json:"pending" yaml:"pending"`
	Conflicts   []string        `json:"conflicts" yaml:"conflicts"`
}

// PendingReport is one queued intent.
type PendingReport struct {
	RecordID    string    `json:"record_id" yaml:"record_id"`
	Op          string    `json:"op" yaml:"op"`
	Attempts    int       `json:"attempts" yaml:"attempts"`
	RequestedAt time.Time `json:"requested_at" yaml:"requested_at"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local sync state",
	Long: `Show the local replica's sync state: record counts, the journaled
queue of pending work and conflicts waiting for a decision.

This reads the local database only and never contacts the remote.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		ctx := context.Background()

		db, err := localstore.Open(cfg.Local.DBPath)
		if err != nil {
			fatalf("%v", err)
		}
		defer db.Close()

		report, err := buildStatusReport(ctx, db)
		if err != nil {
			fatalf("%v", err)
		}

		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				fatalf("%v", err)
			}
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				fatalf("%v", err)
			}
			_ = enc.Close()
		case "text":
			printStatus(report)
		default:
			fatalf("unknown format %q (want text, json or yaml)", format)
		}
	},
}

func buildStatusReport(ctx context.Context, db *localstore.DB) (*StatusReport, error) {
	total, unsynced, err := db.Counts(ctx)
	if err != nil {
		return nil, err
	}
	intents, err := db.LoadIntents(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := db.LoadConflicts(ctx)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Database:    cfg.Local.DBPath,
		Recordings:  cfg.Local.RecordingsDir,
		Remote:      describeRemote(),
		SyncEnabled: cfg.Sync.Enabled,
		Records:     total,
		Unsynced:    unsynced,
		Pending:     []PendingReport{},
		Conflicts:   []string{},
	}
	for _, in := range intents {
		report.Pending = append(report.Pending, PendingReport{
			RecordID:    in.RecordID,
			Op:          in.Op.String(),
			Attempts:    in.Attempts,
			RequestedAt: in.RequestedAt,
		})
	}
	for _, c := range conflicts {
		report.Conflicts = append(report.Conflicts, c.RecordID)
	}
	return report, nil
}

func printStatus(r *StatusReport) {
	fmt.Printf("\n%s recsync status\n\n", ui.RenderAccent("📊"))
	fmt.Printf("Database:   %s\n", r.Database)
	fmt.Printf("Recordings: %s\n", r.Recordings)
	fmt.Printf("Remote:     %s\n", r.Remote)
	if r.SyncEnabled {
		fmt.Printf("Sync:       %s\n", ui.RenderPass("enabled"))
	} else {
		fmt.Printf("Sync:       %s\n", ui.RenderWarn("disabled"))
	}
	fmt.Printf("Records:    %d (%d unsynced)\n", r.Records, r.Unsynced)

	if len(r.Pending) > 0 {
		fmt.Printf("\nQueued (%d):\n", len(r.Pending))
		rows := make([][]string, 0, len(r.Pending))
		for _, p := range r.Pending {
			rows = append(rows, []string{p.RecordID, p.Op, fmt.Sprint(p.Attempts), p.RequestedAt.Local().Format("2006-01-02 15:04:05")})
		}
		fmt.Print(ui.Table([]string{"RECORD", "OP", "ATTEMPTS", "REQUESTED"}, rows))
	}
	if len(r.Conflicts) > 0 {
		fmt.Printf("\n%s Conflicts (%d):\n", ui.RenderWarn("⚠"), len(r.Conflicts))
		for _, id := range r.Conflicts {
			fmt.Printf("   %s\n", id)
		}
		fmt.Printf("\nRun 'recsync resolve' to decide them\n")
	}
	fmt.Println()
}

func init() {
	statusCmd.Flags().StringP("format", "f", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
