package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/hyperengineering/relay/internal/config"
	"github.com/hyperengineering/relay/pkg/relay"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath   string
	dataPath     string
	jsonOutput   bool
	loadedConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:               "relay",
	Short:             "Relay - offline-first record sync",
	Long:              "Queue record mutations locally, replay them against the remote service when it is reachable, and resolve conflicts.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides RELAY_CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&dataPath, "data", "",
		"Client database path (overrides config and RELAY_DATA_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(backupCmd)
}

// setup loads configuration and installs the default logger before any
// subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		loadedConfig, err = config.LoadFromFile(configPath)
	} else {
		loadedConfig, err = config.Load()
	}
	if err != nil {
		return err
	}
	if dataPath != "" {
		loadedConfig.Client.DataPath = dataPath
	}

	slog.SetDefault(slog.New(newLogHandler(loadedConfig.Log, cmd.ErrOrStderr())))
	slog.Debug("configuration loaded", "component", "cli", "command", cmd.Name())
	return nil
}

// newLogHandler builds the handler for cfg. Output goes to a rotating file
// when one is configured and to w otherwise.
func newLogHandler(cfg config.LogConfig, w io.Writer) slog.Handler {
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openClient opens the sync client described by the loaded configuration.
// Commands other than agent never start background work: they act on the
// local database and, for drain and fetch, talk to the remote directly.
func openClient() (*relay.Client, error) {
	return relay.New(relay.ConfigFrom(loadedConfig))
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// readPayload returns the --payload flag value, or stdin when the flag is
// "-".
func readPayload(cmd *cobra.Command, flag string) ([]byte, error) {
	if flag != "-" {
		return []byte(flag), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read payload from stdin: %w", err)
	}
	return data, nil
}

// orDash renders empty values as "-" in table output.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
