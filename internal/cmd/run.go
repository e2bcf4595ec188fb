package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkoster/foreman/internal/config"
	"github.com/mkoster/foreman/internal/hub"
	"github.com/mkoster/foreman/internal/logging"
	"github.com/mkoster/foreman/internal/plan"
)

var runPlanFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration daemon",
	Long: `Start the foreman daemon: the worker registry, work queue, dispatch
loop, and quality review pump. Optionally seeds the queue from a plan
file before dispatching begins.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runPlanFile, "plan", "p", "", "plan file to apply on startup")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	h, err := hub.New(cfg, log)
	if err != nil {
		return fmt.Errorf("init hub: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Start(ctx); err != nil {
		return err
	}
	defer h.Stop()

	if runPlanFile != "" {
		p, err := plan.Load(runPlanFile)
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		applied, err := p.Apply(ctx, h.Machine(), h.Queue())
		if err != nil {
			return fmt.Errorf("apply plan: %w", err)
		}
		log.Info("plan applied", "plan", p.Name,
			"tasks", len(applied.TaskIDs), "subtasks", len(applied.SubtaskIDs))
	}

	// Hot-reload the config file when it changes on disk.
	if cfgFile := viper.ConfigFileUsed(); cfgFile != "" {
		watcher, err := config.NewWatcher(cfgFile, log, func(next *config.Config) {
			log.Info("configuration updated; restart to apply timing changes")
		})
		if err != nil {
			log.Warn("config watch unavailable", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	fmt.Println("foreman running; press Ctrl-C to stop")
	<-ctx.Done()
	fmt.Println("shutting down")
	return nil
}
