// Package commands – setup.go is the interactive first-run wizard. It writes
// clawcore.yaml and optionally stores the API key in the OS keyring, never
// in the config file.
package commands

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawcore/pkg/clawcore/config"
	"github.com/jholhewres/clawcore/pkg/clawcore/llm"
)

// newSetupCmd creates the `clawcore setup` command.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Creates the initial clawcore.yaml through an interactive form: provider,
model, database path and optional Telegram token. The API key goes into the
OS keyring, not the YAML file.

Examples:
  clawcore setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()

	var (
		apiKey        string
		telegramToken string
		storeInRing   = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model provider").
				Options(
					huh.NewOption("OpenRouter", "openrouter"),
					huh.NewOption("vLLM (local)", "vllm"),
				).
				Value(&cfg.LLM.Provider),
			huh.NewInput().
				Title("Model").
				Description("e.g. anthropic/claude-sonnet-4 or a local model name").
				Value(&cfg.LLM.Model),
			huh.NewInput().
				Title("API key").
				Description("Leave empty for local servers without auth").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewConfirm().
				Title("Store the API key in the OS keyring?").
				Value(&storeInRing),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Database path").
				Value(&cfg.Database.Path),
			huh.NewConfirm().
				Title("Enable the terminal front-end?").
				Value(&cfg.Channels.Terminal.Enabled),
			huh.NewInput().
				Title("Telegram bot token").
				Description("Leave empty to disable Telegram").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}

	if telegramToken != "" {
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = telegramToken
	}

	if apiKey != "" && storeInRing {
		if err := llm.StoreAPIKey(cfg.LLM.Provider, apiKey); err != nil {
			fmt.Printf("⚠️ Could not use the keyring (%v); set CLAWCORE_API_KEY instead.\n", err)
		} else {
			fmt.Println("🔑 API key stored in the OS keyring.")
		}
	} else if apiKey != "" {
		fmt.Println("⚠️ Key not stored; export CLAWCORE_API_KEY before running serve.")
	}

	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Printf("✅ Configuration written to %s\n", path)
	fmt.Println("Run `clawcore serve` to start.")
	return nil
}
