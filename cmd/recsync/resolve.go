package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/recsync/internal/dashboard"
	"github.com/mschirtzinger/recsync/internal/localstore"
	"github.com/mschirtzinger/recsync/internal/record"
	"github.com/mschirtzinger/recsync/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:     "resolve [record-id]",
	GroupID: "sync",
	Short:   "Decide a sync conflict",
	Long: `Decide a record that changed both locally and remotely.

  local  upload this device's copy over the remote one
  cloud  replace this device's copy with the remote one
  both   keep this device's copy as a new record and take the remote
         one for the original id

Without --keep, or without a record id, recsync prompts when run in a
terminal. If the daemon is running with its dashboard, the decision is sent
to it; otherwise recsync applies it directly.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		keep, _ := cmd.Flags().GetString("keep")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		conflicts, err := loadConflicts(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		var id string
		if len(args) == 1 {
			id = args[0]
		} else {
			if !ui.IsTerminal() {
				fatalf("record id required when not running in a terminal")
			}
			if id, err = promptConflict(conflicts); err != nil {
				fatalf("%v", err)
			}
		}
		conflict, ok := findConflict(conflicts, id)
		if !ok {
			fatalf("no pending conflict for %s", id)
		}

		var decision record.Decision
		if keep != "" {
			if decision, err = record.ParseDecision(keep); err != nil || decision == record.DecisionNone {
				fatalf("invalid --keep %q (want local, cloud or both)", keep)
			}
		} else {
			if !ui.IsTerminal() {
				fatalf("--keep required when not running in a terminal")
			}
			if decision, err = promptDecision(conflict); err != nil {
				fatalf("%v", err)
			}
		}

		if cfg.Dashboard.Enabled {
			handled, err := resolveViaDaemon(ctx, cfg.Dashboard.Port, id, decision)
			if err != nil {
				fatalf("daemon rejected decision: %v", err)
			}
			if handled {
				fmt.Printf("%s Sent %s for %s to the running daemon\n", ui.RenderPass("✓"), decision, id)
				return
			}
		}

		ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
		defer cancelTimeout()

		a, err := openApp(ctx, appOptions{enabled: true, onLocalWrite: writeBack})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if err := a.engine.ResolveSyncConflict(id, decision); err != nil {
			fatalf("%v", err)
		}
		queued, err := drain(ctx, a.engine)
		if err != nil {
			fatalf("resolution did not finish: %v", err)
		}
		if queued {
			fmt.Printf("%s Remote unavailable; the decision for %s is queued\n", ui.RenderWarn("⚠"), id)
			return
		}
		if _, still := findConflict(a.engine.Conflicts(), id); still {
			fmt.Printf("%s %s changed again while resolving; run resolve again\n", ui.RenderWarn("⚠"), id)
			os.Exit(1)
		}
		fmt.Printf("%s Resolved %s (%s)\n", ui.RenderPass("✓"), id, decision)
	},
}

func loadConflicts(ctx context.Context) ([]record.Conflict, error) {
	db, err := localstore.Open(cfg.Local.DBPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.LoadConflicts(ctx)
}

func findConflict(conflicts []record.Conflict, id string) (record.Conflict, bool) {
	for _, c := range conflicts {
		if c.RecordID == id {
			return c, true
		}
	}
	return record.Conflict{}, false
}

func promptConflict(conflicts []record.Conflict) (string, error) {
	options := make([]huh.Option[string], 0, len(conflicts))
	for _, c := range conflicts {
		label := fmt.Sprintf("%s  (detected %s)", c.RecordID, c.DetectedAt.Local().Format("2006-01-02 15:04"))
		options = append(options, huh.NewOption(label, c.RecordID))
	}

	var id string
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Which conflict?").
			Options(options...).
			Value(&id),
	)).Run()
	return id, err
}

func promptDecision(c record.Conflict) (record.Decision, error) {
	describe := func(m record.Metadata) string {
		return fmt.Sprintf("modified %s, %d bytes", m.LastModified.Local().Format("2006-01-02 15:04:05"), m.Size)
	}

	decision := record.KeepBoth
	err := huh.NewForm(huh.NewGroup(
		huh.NewNote().
			Title("Conflict on "+c.RecordID).
			Description("This device: "+describe(c.Local)+"\nCloud:       "+describe(c.Remote)),
		huh.NewSelect[record.Decision]().
			Title("Keep which copy?").
			Options(
				huh.NewOption("This device's copy", record.KeepLocal),
				huh.NewOption("The cloud copy", record.KeepCloud),
				huh.NewOption("Both (this device's copy becomes a new record)", record.KeepBoth),
			).
			Value(&decision),
	)).Run()
	return decision, err
}

// resolveViaDaemon posts the decision to a running daemon's dashboard. It
// reports handled=false when no daemon is listening.
func resolveViaDaemon(ctx context.Context, port int, id string, decision record.Decision) (bool, error) {
	body, err := json.Marshal(dashboard.ResolveRequest{RecordID: id, Decision: decision.String()})
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := fmt.Sprintf("http://127.0.0.1:%d/resolve", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return false, nil
		}
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return true, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return true, nil
}

func init() {
	resolveCmd.Flags().StringP("keep", "k", "", "decision: local, cloud or both")
	resolveCmd.Flags().Duration("timeout", 2*time.Minute, "give up after this long")
	rootCmd.AddCommand(resolveCmd)
}
