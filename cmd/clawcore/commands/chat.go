// Package commands – chat.go runs a single goal without starting the daemon.
package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawcore/pkg/clawcore/agent"
	"github.com/jholhewres/clawcore/pkg/clawcore/llm"
	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// newChatCmd creates the `clawcore chat` one-shot command.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message and print the answer",
		Long: `Run a single goal through the agent loop and print the result. One-shot
runs share the internal session but never create auto-repair tasks.

Examples:
  clawcore chat "what changed in the project this week?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
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
	out, err := runtime.RunOnce(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		return err
	}

	fmt.Println(out)
	return nil
}
