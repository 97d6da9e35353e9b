package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/recsync/internal/localstore"
	"github.com/mschirtzinger/recsync/internal/record"
	"github.com/mschirtzinger/recsync/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "records",
	Short:   "List local records",
	Long: `List records in the local replica, most recently modified first.

--since accepts a duration ("36h"), a date ("2026-01-31"), an RFC 3339
timestamp or natural language ("2 hours ago", "yesterday", "last monday").`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceStr, _ := cmd.Flags().GetString("since")
		unsyncedOnly, _ := cmd.Flags().GetBool("unsynced")
		asJSON, _ := cmd.Flags().GetBool("json")
		ctx := context.Background()

		var since time.Time
		if sinceStr != "" {
			t, err := parseSince(sinceStr, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			since = t
		}

		db, err := localstore.Open(cfg.Local.DBPath)
		if err != nil {
			fatalf("%v", err)
		}
		defer db.Close()

		recs, err := db.List(ctx, since)
		if err != nil {
			fatalf("%v", err)
		}
		if unsyncedOnly {
			filtered := recs[:0]
			for _, rec := range recs {
				if !rec.IsSynced {
					filtered = append(filtered, rec)
				}
			}
			recs = filtered
		}

		if asJSON {
			if recs == nil {
				recs = []*record.Record{}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(recs); err != nil {
				fatalf("%v", err)
			}
			return
		}

		if len(recs) == 0 {
			fmt.Println("No records")
			return
		}
		rows := make([][]string, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, []string{
				rec.ID,
				truncate(rec.Title, 40),
				rec.StartedAt.Local().Format("2006-01-02 15:04"),
				rec.Duration.Round(time.Second).String(),
				rec.LastModified.Local().Format("2006-01-02 15:04:05"),
				ui.RenderSynced(rec.IsSynced),
			})
		}
		fmt.Print(ui.Table([]string{"ID", "TITLE", "STARTED", "DURATION", "MODIFIED", "SYNC"}, rows))
		fmt.Printf("\n%d record(s)\n", len(recs))
	},
}

var whenParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince turns a --since value into an absolute time relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	r, err := whenParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	listCmd.Flags().String("since", "", "only records modified since this time")
	listCmd.Flags().Bool("unsynced", false, "only records not yet synced")
	listCmd.Flags().Bool("json", false, "print records as JSON")
	rootCmd.AddCommand(listCmd)
}
