// Package pipeline runs one document through analysis, summarization and
// language detection.
package pipeline

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"github.com/pdfsum/pdfsum/internal/analyzer"
	"github.com/pdfsum/pdfsum/internal/summarizer"
)

// Outcome is the processed form of one document.
type Outcome struct {
	Summary    string `json:"summary"`
	Pages      int    `json:"pages"`
	TextLength int    `json:"text_length"`
	ImageCount int    `json:"image_count"`
	Language   string `json:"language,omitempty"`
}

// SummaryError marks a failure of the summarization step.
type SummaryError struct {
	Err error
}

func (e *SummaryError) Error() string { return "summarize: " + e.Err.Error() }
func (e *SummaryError) Unwrap() error { return e.Err }

// Pipeline wires an Analyzer to a Summarizer.
type Pipeline struct {
	analyzer   analyzer.Analyzer
	summarizer summarizer.Summarizer
	logger     *slog.Logger
}

func New(a analyzer.Analyzer, s summarizer.Summarizer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{analyzer: a, summarizer: s, logger: logger}
}

// Run processes the PDF at path. Analyzer errors are returned as-is
// (*analyzer.AnalysisError for the poppler analyzer); summarizer errors are
// wrapped in *SummaryError.
func (p *Pipeline) Run(ctx context.Context, path string) (*Outcome, error) {
	start := time.Now()
	doc, err := p.analyzer.Analyze(ctx, path)
	if err != nil {
		return nil, err
	}

	summary, err := p.summarizer.Summarize(ctx, doc.Text, doc.Images)
	if err != nil {
		return nil, &SummaryError{Err: err}
	}
	if summary == "" {
		return nil, &SummaryError{Err: summarizer.ErrEmptySummary}
	}

	out := &Outcome{
		Summary:    summary,
		Pages:      doc.Pages,
		TextLength: utf8.RuneCountInString(doc.Text),
		ImageCount: len(doc.Images),
		Language:   detectLanguage(doc.Text),
	}
	p.logger.Info("document summarized",
		"pages", out.Pages,
		"text_length", out.TextLength,
		"images", out.ImageCount,
		"language", out.Language,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// detectLanguage returns an ISO 639-1 code, or "" when the text is too short
// or ambiguous to tell.
func detectLanguage(text string) string {
	if utf8.RuneCountInString(text) < 20 {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
