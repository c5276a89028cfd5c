package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the maintenance jobs without the API server",
	Long:  "Redispatches correspondence stuck in pending and times out orphaned AI threads on the configured cron schedules.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := newScheduler(env)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		sched.Stop()
		zap.L().Info("worker stopped")
		return nil
	},
}

func init() {
	workerCmd.GroupID = groupService
	rootCmd.AddCommand(workerCmd)
}
