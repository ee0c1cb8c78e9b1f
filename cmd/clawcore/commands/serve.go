// Package commands – serve.go starts the daemon: adapters, scheduler and the
// runtime core, shutting down cleanly on SIGINT/SIGTERM.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawcore/pkg/clawcore/agent"
	"github.com/jholhewres/clawcore/pkg/clawcore/channels"
	"github.com/jholhewres/clawcore/pkg/clawcore/channels/telegram"
	"github.com/jholhewres/clawcore/pkg/clawcore/channels/terminal"
	"github.com/jholhewres/clawcore/pkg/clawcore/llm"
	"github.com/jholhewres/clawcore/pkg/clawcore/scheduler"
	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// newServeCmd creates the `clawcore serve` command.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent daemon",
		Long: `Start clawcore as a daemon: sweeps interrupted tasks, connects the
enabled front-ends (terminal, telegram), starts the scheduler and serves
until interrupted.

Examples:
  clawcore serve
  clawcore serve --config ./clawcore.yaml`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cmd, cfg)

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = llm.ResolveAPIKey(cfg.LLM.Provider)
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		return err
	}

	runtime := agent.NewRuntime(cfg, st, client, logger)

	if cfg.Channels.Terminal.Enabled {
		runtime.AddAdapter(terminal.New(logger))
	}
	if cfg.Channels.Telegram.Enabled {
		runtime.AddAdapter(telegram.New(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedChats, logger))
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		sched = scheduler.New(st, func(chatID int64, goal string) error {
			runtime.Submit(ctx, channels.Event{
				ChatID:    chatID,
				Text:      goal,
				Provider:  "scheduler",
				Timestamp: time.Now(),
			})
			return nil
		}, logger)
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	logger.Info("clawcore running", "model", cfg.LLM.Model, "provider", cfg.LLM.Provider)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if sched != nil {
		sched.Stop()
	}
	runtime.Stop()
	return nil
}
