// Package commands implements the clawcore CLI using cobra.
package commands

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawcore/pkg/clawcore/config"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawcore",
		Short: "Conversational agent runtime",
		Long: `clawcore runs a conversational agent: per-chat serialized dispatch,
a self-healing LLM loop, durable sessions and memory in SQLite, and a
resumable task ledger that survives restarts.

Examples:
  clawcore chat "summarize yesterday's notes"
  clawcore serve
  clawcore status
  clawcore schedule add "0 9 * * *" "morning briefing"`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newStatusCmd(),
		newSetupCmd(),
		newScheduleCmd(),
		newMemoryCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config honoring the --config flag.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

// setupLogger configures the process-wide slog default.
func setupLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	default:
		switch strings.ToLower(cfg.Logging.Level) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
