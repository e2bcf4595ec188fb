package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkoster/foreman/internal/config"
	"github.com/mkoster/foreman/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workers and tasks from the store",
	Long:  `Display registered workers and the state of every task and its subtasks.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	fmt.Println("Workers:")
	total := 0
	for _, status := range []store.WorkerStatus{store.WorkerOnline, store.WorkerBusy, store.WorkerOffline} {
		workers, err := st.ListWorkersByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list workers: %w", err)
		}
		for _, w := range workers {
			total++
			fmt.Printf("  %s (%s) capabilities=%v last_heartbeat=%s\n",
				w.ID, w.Status, w.Capabilities, w.LastHeartbeat.Format("15:04:05"))
		}
	}
	if total == 0 {
		fmt.Println("  none")
	}

	fmt.Println("\nTasks:")
	total = 0
	for _, status := range []store.TaskStatus{store.TaskPending, store.TaskInProgress, store.TaskCompleted, store.TaskFailed} {
		tasks, err := st.ListTasksByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		for _, t := range tasks {
			total++
			fmt.Printf("  %s (%s) progress=%d%% revision=%d\n", t.ID, t.Status, t.Progress, t.Revision)
			subtasks, err := st.ListSubtasksByTask(ctx, t.ID)
			if err != nil {
				return fmt.Errorf("list subtasks: %w", err)
			}
			for _, sub := range subtasks {
				line := fmt.Sprintf("    %s (%s)", sub.ID, sub.Status)
				if sub.Capability != "" {
					line += " capability=" + sub.Capability
				}
				if sub.AssignedWorker != "" {
					line += " worker=" + sub.AssignedWorker
				}
				if sub.Attempts > 0 {
					line += fmt.Sprintf(" attempts=%d", sub.Attempts)
				}
				fmt.Println(line)
			}
		}
	}
	if total == 0 {
		fmt.Println("  none")
	}

	return nil
}
