// Package commands – status.go inspects the ledger and sessions offline.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawcore/pkg/clawcore/store"
)

// newStatusCmd creates the `clawcore status` command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show running tasks and scheduled jobs",
		Long: `Inspect the persisted state: tasks still marked running (they will be
resumed on the next serve) and the scheduled job list.

Examples:
  clawcore status`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cmd, cfg)

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tasks, err := st.ListRunningTasks()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No running tasks.")
	} else {
		fmt.Printf("Running tasks (%d):\n", len(tasks))
		for _, t := range tasks {
			fmt.Printf("  #%d chat=%d resumes=%d created=%s\n      %s\n",
				t.ID, t.ChatID, t.ResumeCount, t.CreatedAt.Format("2006-01-02 15:04"), truncate(t.Goal, 100))
		}
	}

	jobs, err := st.ListJobs()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No scheduled jobs.")
		return nil
	}
	fmt.Printf("Scheduled jobs (%d):\n", len(jobs))
	for _, j := range jobs {
		state := "enabled"
		if !j.Enabled {
			state = "disabled"
		}
		fmt.Printf("  %s [%s] %s runs=%d\n      %s\n",
			j.ID[:8], state, j.Schedule, j.RunCount, truncate(j.Goal, 100))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
