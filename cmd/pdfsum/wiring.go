package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pdfsum/pdfsum/internal/analyzer"
	"github.com/pdfsum/pdfsum/internal/config"
	"github.com/pdfsum/pdfsum/internal/pipeline"
	"github.com/pdfsum/pdfsum/internal/queue"
	"github.com/pdfsum/pdfsum/internal/store"
	"github.com/pdfsum/pdfsum/internal/summarizer"
)

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.QueueBackend == config.QueueRedis {
		q, err := queue.NewRedis(ctx, cfg.RedisAddr, cfg.RedisKey, slog.Default())
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	q, err := queue.OpenSQLite(cfg.DBPath,
		queue.WithVisibilityTimeout(cfg.VisibilityTimeout),
		queue.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// openStore returns the result store and its mirror, which is nil when no
// mirror driver is configured.
func openStore(ctx context.Context, cfg *config.Config) (*store.FileStore, store.Mirror, error) {
	mirror, err := store.OpenMirror(ctx, cfg.MirrorDriver, cfg.MirrorDSN, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	fs, err := store.NewFileStore(cfg.ResultsDir, mirror, slog.Default())
	if err != nil {
		if mirror != nil {
			mirror.Close()
		}
		return nil, nil, err
	}
	return fs, mirror, nil
}

func newPipeline(cfg *config.Config) (*pipeline.Pipeline, error) {
	if err := cfg.ValidateSummarizer(); err != nil {
		return nil, err
	}
	logger := slog.Default()
	a := analyzer.NewPoppler(analyzer.Config{
		Pdftotext: cfg.Pdftotext,
		Pdfinfo:   cfg.Pdfinfo,
		Pdfimages: cfg.Pdfimages,
	}, nil, logger)

	var s summarizer.Summarizer
	switch cfg.Summarizer {
	case config.SummarizerCLI:
		s = &summarizer.CLI{Path: cfg.CLIPath, Logger: logger}
	case config.SummarizerOpenAI:
		s = summarizer.NewOpenAI(summarizer.OpenAIConfig{
			BaseURL:     cfg.LLMBaseURL,
			APIKey:      cfg.LLMAPIKey,
			Model:       cfg.LLMModel,
			Temperature: cfg.LLMTemperature,
			Timeout:     cfg.LLMTimeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown summarizer %q", cfg.Summarizer)
	}
	return pipeline.New(a, s, logger), nil
}
