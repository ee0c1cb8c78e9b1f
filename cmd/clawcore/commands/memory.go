// Package commands – memory.go exposes the long-term memory store from the
// CLI: save a fact, search, forget.
package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// newMemoryCmd creates the `clawcore memory` command group.
func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage long-term memory",
		Long: `Inspect and edit the agent's long-term memory. Facts have a key, a
category and three detail tiers (L0 one-liner, L1 paragraph, L2 full detail).

Examples:
  clawcore memory remember deploy_cmd --category Skill --l0 "deploy with make release"
  clawcore memory recall "deploy"
  clawcore memory forget deploy_cmd`,
	}
	cmd.AddCommand(newMemoryRememberCmd(), newMemoryRecallCmd(), newMemoryForgetCmd())
	return cmd
}

func newMemoryRememberCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remember [key]",
		Short: "Save or update a fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l0, _ := cmd.Flags().GetString("l0")
			l1, _ := cmd.Flags().GetString("l1")
			l2, _ := cmd.Flags().GetString("l2")
			category, _ := cmd.Flags().GetString("category")
			confidence, _ := cmd.Flags().GetFloat64("confidence")

			if strings.TrimSpace(l0) == "" {
				return fmt.Errorf("--l0 is required")
			}

			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SaveMemory(store.MemoryEntry{
				Key:        args[0],
				Category:   store.NormalizeCategory(category),
				L0:         l0,
				L1:         l1,
				L2:         l2,
				Confidence: confidence,
			}); err != nil {
				return err
			}
			fmt.Printf("🧠 Remembered %q.\n", args[0])
			return nil
		},
	}
	cmd.Flags().String("l0", "", "one-line summary (required)")
	cmd.Flags().String("l1", "", "paragraph-level detail")
	cmd.Flags().String("l2", "", "full detail")
	cmd.Flags().String("category", "Project", "System, Environment, Skill, Project, Comm or Security")
	cmd.Flags().Float64("confidence", 0, "confidence 0..1 (default 0.8)")
	return cmd
}

func newMemoryRecallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recall [query]",
		Short: "Search memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.SearchMemory(strings.Join(args, " "), "", 10)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("Nothing found.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("[%s] %s (%.2f)\n    %s\n", e.Category, e.Key, e.Confidence, e.L0)
				if e.L1 != "" {
					fmt.Printf("    %s\n", truncate(e.L1, 200))
				}
			}
			return nil
		},
	}
}

func newMemoryForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget [key]",
		Short: "Delete a fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteMemory(args[0]); err != nil {
				return err
			}
			fmt.Printf("🗑️ Forgot %q.\n", args[0])
			return nil
		},
	}
}
