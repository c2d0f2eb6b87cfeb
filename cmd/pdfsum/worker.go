package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pdfsum/pdfsum/internal/health"
	"github.com/pdfsum/pdfsum/internal/queue"
	"github.com/pdfsum/pdfsum/internal/webhook"
	"github.com/pdfsum/pdfsum/internal/worker"
)

var workerRecover bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued jobs until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p, err := newPipeline(cfg)
		if err != nil {
			return err
		}

		q, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		if rq, ok := q.(*queue.RedisQueue); ok && workerRecover {
			n, err := rq.Recover(ctx)
			if err != nil {
				return err
			}
			slog.Info("recovered in-flight messages", "count", n)
		}

		rs, mirror, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		if mirror != nil {
			defer mirror.Close()
		}

		hooks := webhook.NewSender(slog.Default())
		w := worker.New(q, rs, p, worker.Config{
			PollInterval:   cfg.PollInterval,
			ErrorBackoff:   5 * time.Second,
			MaxAttempts:    cfg.MaxAttempts,
			RetryDelay:     cfg.RetryDelay,
			DeleteAttempts: cfg.DeleteAttempts,
			DeleteDelay:    cfg.DeleteDelay,
		}, worker.WithNotifier(hooks), worker.WithLogger(slog.Default()))

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < cfg.Concurrency; i++ {
			g.Go(func() error { return w.Run(gctx) })
		}
		if cfg.HealthAddr != "" {
			lis, err := net.Listen("tcp", cfg.HealthAddr)
			if err != nil {
				return err
			}
			hs := health.NewServer(q.Ping, 10*time.Second, slog.Default())
			g.Go(func() error { return hs.Serve(gctx, lis) })
		}

		slog.Info("worker started", "concurrency", cfg.Concurrency, "queue", cfg.QueueBackend,
			"summarizer", cfg.Summarizer, "max_attempts", cfg.MaxAttempts)
		err = g.Wait()

		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		hooks.Wait(waitCtx)
		slog.Info("worker stopped")
		return err
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerRecover, "recover", false,
		"redis only: requeue messages left in flight by a crashed worker (run with no other workers)")
	rootCmd.AddCommand(workerCmd)
}
