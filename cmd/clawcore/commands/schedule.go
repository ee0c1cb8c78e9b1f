// Package commands – schedule.go manages persisted cron jobs from the CLI.
// The daemon picks changes up on its next start.
package commands

import (
	"fmt"
	"strconv"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// newScheduleCmd creates the `clawcore schedule` command group.
func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled goals",
		Long: `Manage cron-scheduled goals. Each job fires its goal into the agent on
the configured schedule while the daemon is running.

Examples:
  clawcore schedule add "0 9 * * 1-5" "post the daily standup summary"
  clawcore schedule add --chat 12345 "@hourly" "check the error dashboard"
  clawcore schedule list
  clawcore schedule remove 3f1a2b4c`,
	}
	cmd.AddCommand(newScheduleAddCmd(), newScheduleListCmd(), newScheduleRemoveCmd())
	return cmd
}

func newScheduleAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [schedule] [goal]",
		Short: "Add a scheduled goal",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule := args[0]
			goal := args[1]
			if _, err := cron.ParseStandard(schedule); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", schedule, err)
			}

			chatFlag, _ := cmd.Flags().GetString("chat")
			var chatID int64
			if chatFlag != "" {
				n, err := strconv.ParseInt(chatFlag, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid chat id %q", chatFlag)
				}
				chatID = n
			}

			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := st.AddJob(schedule, goal, chatID)
			if err != nil {
				return err
			}
			fmt.Printf("✅ Job %s added.\n", id[:8])
			return nil
		},
	}
	cmd.Flags().String("chat", "", "chat id to deliver results to (default: internal)")
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled goals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListJobs()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No scheduled jobs.")
				return nil
			}
			for _, j := range jobs {
				state := "enabled"
				if !j.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s [%s] %s chat=%d runs=%d\n    %s\n",
					j.ID[:8], state, j.Schedule, j.ChatID, j.RunCount, truncate(j.Goal, 100))
			}
			return nil
		},
	}
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [id]",
		Short: "Remove a scheduled goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			jobs, err := st.ListJobs()
			if err != nil {
				return err
			}
			for _, j := range jobs {
				if j.ID == args[0] || (len(args[0]) >= 8 && len(j.ID) >= 8 && j.ID[:8] == args[0][:8]) {
					if err := st.DeleteJob(j.ID); err != nil {
						return err
					}
					fmt.Printf("🗑️ Job %s removed.\n", j.ID[:8])
					return nil
				}
			}
			return fmt.Errorf("no job matches %q", args[0])
		},
	}
}

// openStore opens the store using the resolved config.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cmd, cfg)
	return store.Open(cfg.Database.Path, logger)
}
