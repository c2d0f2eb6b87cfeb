// Package analyzer extracts text, page count and embedded images from PDF
// documents using the poppler command-line tools.
package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Image is one embedded picture, PNG encoded.
type Image struct {
	Data   []byte
	SHA256 string
}

// Document is what the analyzer pulls out of a PDF.
type Document struct {
	Text   string
	Pages  int
	Images []Image
}

// Analyzer extracts a Document from a PDF on local storage.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (*Document, error)
}

// AnalysisError wraps any failure of the extraction tools.
type AnalysisError struct {
	Stage string
	Path  string
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analyze %s (%s): %v", filepath.Base(e.Path), e.Stage, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Config names the poppler binaries.
type Config struct {
	Pdftotext string
	Pdfinfo   string
	Pdfimages string
	// MaxImages caps the images passed on; 0 keeps all.
	MaxImages int
}

// Poppler implements Analyzer with pdfinfo, pdftotext and pdfimages.
type Poppler struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

// NewPoppler returns a Poppler. A nil runner uses ExecRunner.
func NewPoppler(cfg Config, runner Runner, logger *slog.Logger) *Poppler {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdfinfo == "" {
		cfg.Pdfinfo = "pdfinfo"
	}
	if cfg.Pdfimages == "" {
		cfg.Pdfimages = "pdfimages"
	}
	return &Poppler{cfg: cfg, runner: runner, logger: logger}
}

func (p *Poppler) Analyze(ctx context.Context, path string) (*Document, error) {
	text, ffPages, err := p.text(ctx, path)
	if err != nil {
		return nil, &AnalysisError{Stage: "text", Path: path, Err: err}
	}

	pages, err := p.pageCount(ctx, path)
	if err != nil {
		p.logger.Warn("pdfinfo failed, counting pages from text", "path", path, "error", err)
		pages = ffPages
	}

	images, err := p.images(ctx, path)
	if err != nil {
		return nil, &AnalysisError{Stage: "images", Path: path, Err: err}
	}

	p.logger.Debug("document analyzed", "path", path, "pages", pages,
		"text_length", len(text), "images", len(images))
	return &Document{Text: text, Pages: pages, Images: images}, nil
}

// text returns the document text with pages separated by a blank line, and
// the number of pages pdftotext emitted.
func (p *Poppler) text(ctx context.Context, path string) (string, int, error) {
	out, errb, err := p.runner.Run(ctx, p.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", 0, fmt.Errorf("pdftotext: %w: %s", err, truncate(string(errb), 512))
	}
	// pdftotext ends every page, including the last, with a form feed.
	raw := strings.TrimSuffix(string(out), "\f")
	pages := strings.Split(raw, "\f")
	for i := range pages {
		pages[i] = strings.TrimRight(pages[i], " \t\n")
	}
	return strings.Join(pages, "\n\n"), len(pages), nil
}

func (p *Poppler) pageCount(ctx context.Context, path string) (int, error) {
	out, errb, err := p.runner.Run(ctx, p.cfg.Pdfinfo, path)
	if err != nil {
		return 0, fmt.Errorf("pdfinfo: %w: %s", err, truncate(string(errb), 512))
	}
	return parsePages(out)
}

func parsePages(info []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(info))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Pages" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("pdfinfo pages %q: %w", val, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("pdfinfo: no Pages line")
}

// images extracts embedded images as PNG, in document order, dropping
// byte-identical repeats.
func (p *Poppler) images(ctx context.Context, path string) ([]Image, error) {
	tmpDir, err := os.MkdirTemp("", "pdfsum-img-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			p.logger.Warn("remove image temp dir", "dir", tmpDir, "error", err)
		}
	}()

	prefix := filepath.Join(tmpDir, "img")
	if _, errb, err := p.runner.Run(ctx, p.cfg.Pdfimages, "-png", path, prefix); err != nil {
		return nil, fmt.Errorf("pdfimages: %w: %s", err, truncate(string(errb), 512))
	}

	// pdfimages numbers files img-000.png, img-001.png, ... and widens the
	// number past 999, so order by value rather than by name.
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return imageIndex(matches[i]) < imageIndex(matches[j])
	})

	seen := make(map[string]bool, len(matches))
	var images []Image
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		key := hex.EncodeToString(sum[:])
		if seen[key] {
			continue
		}
		seen[key] = true
		images = append(images, Image{Data: data, SHA256: key})
		if p.cfg.MaxImages > 0 && len(images) == p.cfg.MaxImages {
			break
		}
	}
	return images, nil
}

// imageIndex returns the number pdfimages put in name, or -1.
func imageIndex(name string) int {
	base := strings.TrimSuffix(filepath.Base(name), ".png")
	i := strings.LastIndexByte(base, '-')
	n, err := strconv.Atoi(base[i+1:])
	if i < 0 || err != nil {
		return -1
	}
	return n
}
