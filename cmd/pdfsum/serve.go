package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdfsum/pdfsum/internal/api"
	"github.com/pdfsum/pdfsum/internal/status"
	"github.com/pdfsum/pdfsum/internal/submit"
	"github.com/pdfsum/pdfsum/internal/sweep"
	"github.com/pdfsum/pdfsum/internal/webhook"
)

var serveSync bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the orphan sweeper",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		q, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		rs, mirror, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		if mirror != nil {
			defer mirror.Close()
		}

		sub, err := submit.New(q, submit.Config{
			UploadDir:       cfg.UploadDir,
			DownloadTimeout: cfg.DownloadTimeout,
			MaxBytes:        cfg.MaxUploadBytes,
		}, submit.WithCallbackValidator(webhook.ValidateURL))
		if err != nil {
			return err
		}

		opts := api.Options{
			MaxUploadBytes: cfg.MaxUploadBytes,
			DeleteAttempts: cfg.DeleteAttempts,
			DeleteDelay:    cfg.DeleteDelay,
		}
		if mirror != nil {
			opts.Results = mirror
		}
		if serveSync {
			p, err := newPipeline(cfg)
			if err != nil {
				slog.Warn("synchronous summarize disabled", "error", err)
			} else {
				opts.Processor = p
			}
		}

		mux := http.NewServeMux()
		h := api.NewHandler(sub, status.NewReporter(rs, q), opts)
		h.RegisterRoutes(mux)

		handler := api.Chain(mux,
			api.CORS(cfg.CORSOrigins),
			api.RequestID,
			api.Logging(slog.Default()),
			api.Auth(cfg.APIKeys),
			api.RateLimit(cfg.RateLimitRPS),
		)

		if cfg.SweepSchedule != "" {
			c, err := sweep.New(cfg.UploadDir, cfg.OrphanTTL, q, slog.Default()).Schedule(cfg.SweepSchedule)
			if err != nil {
				return err
			}
			defer c.Stop()
		}

		srv := &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      handler,
			ReadTimeout:  2 * time.Minute,
			WriteTimeout: cfg.LLMTimeout + time.Minute,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			slog.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown error", "error", err)
			}
		}()

		slog.Info("pdfsum listening", "addr", cfg.ListenAddr, "queue", cfg.QueueBackend,
			"mirror", cfg.MirrorDriver, "sync", opts.Processor != nil)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSync, "sync", true, "serve POST /api/v1/summarize when summarizer settings are valid")
	rootCmd.AddCommand(serveCmd)
}
