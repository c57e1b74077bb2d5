package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/dispatch"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run jobs published to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		conn, ch, err := dispatch.Dial(cfg.Queue.URL)
		if err != nil {
			return err
		}
		defer conn.Close() //nolint:errcheck

		concurrency := workerConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Queue.Concurrency
		}
		consumer, err := dispatch.NewAMQPConsumer(ch, cfg.Queue.Name, env.Engine, concurrency)
		if err != nil {
			return err
		}

		err = consumer.Run(ctx)
		zap.L().Info("worker stopped")
		return err
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "jobs run at once (default from config)")
	rootCmd.AddCommand(workerCmd)
}
