// Command recsync keeps meeting recordings in sync between this device and
// cloud object storage.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mschirtzinger/recsync/internal/config"
	"github.com/mschirtzinger/recsync/internal/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configFile string
	logLevel   string

	cfg         *config.Config
	cfgFileUsed string
	logger      = zap.NewNop()
)

// skipConfig marks commands that must run without a loadable config.
const skipConfig = "skip-config"

var rootCmd = &cobra.Command{
	Use:   "recsync",
	Short: "Sync meeting recordings with cloud storage",
	Long: `recsync keeps meeting recordings in sync between this device and a
remote object store (MinIO or S3).

Recordings are written as {id}.json files in the recordings directory. The
daemon watches that directory, keeps a local SQLite replica, and uploads or
downloads records as either side changes. Work queued while offline is
journaled and drained when the remote is reachable again.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd.Annotations[skipConfig] == "true" {
			return
		}
		if err := loadConfig(cmd); err != nil {
			fatalf("%v", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func loadConfig(cmd *cobra.Command) error {
	v, err := config.NewViper(configFile)
	if err != nil {
		return err
	}
	loaded, err := config.Decode(v)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		loaded.Log.Level = logLevel
	}

	l, err := logging.New(loaded.Log.Logging())
	if err != nil {
		return err
	}

	cfg = loaded
	cfgFileUsed = v.ConfigFileUsed()
	logger = l
	return nil
}

// fatalf prints an error and exits with status 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./recsync.toml or ~/.config/recsync/recsync.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
