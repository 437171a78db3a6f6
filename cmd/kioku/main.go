// Package main is the entry point for the kioku CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bdobrica/kioku/common/environment"
	"github.com/bdobrica/kioku/internal/kioku/app"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/observability"
)

// Global flags.
var (
	configPath string
	logLevel   string
	logFormat  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kioku",
		Short: "Per-user conversational memory for LLM agents",
		Long: `Kioku records conversation turns per user and assembles a bounded
context for each new request: the most recent turns plus older turns
that are semantically relevant to the request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", environment.StringOr("KIOKU_CONFIG", ""), "Path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (text, json)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newRecordCmd())
	root.AddCommand(newContextCmd())
	root.AddCommand(newRecentCmd())
	root.AddCommand(newReindexCmd())
	root.AddCommand(newPruneCmd())

	return root
}

// loadConfig reads the configuration and installs the process logger.
// Command-line log flags take precedence over the file and environment.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger := observability.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, logger, nil
}

// openApp loads the configuration and wires an App. The caller must Close it.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger)
}

// addUserFlag registers the --user flag shared by the per-user commands.
func addUserFlag(fs *pflag.FlagSet, dst *string) {
	fs.StringVarP(dst, "user", "u", "", "User whose memory to operate on (required)")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
