package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner answers poppler invocations from canned data.
type fakeRunner struct {
	text      string
	info      string
	images    [][]byte
	failOn    string
	infoFails bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	if name == f.failOn {
		return nil, []byte("Syntax Error: broken xref"), errors.New("exit status 1")
	}
	switch name {
	case "pdftotext":
		return []byte(f.text), nil, nil
	case "pdfinfo":
		if f.infoFails {
			return nil, nil, errors.New("exit status 1")
		}
		return []byte(f.info), nil, nil
	case "pdfimages":
		prefix := args[len(args)-1]
		for i, img := range f.images {
			name := fmt.Sprintf("%s-%03d.png", prefix, i)
			if err := os.WriteFile(name, img, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	}
	return nil, nil, errors.New("unexpected command " + name)
}

func TestPoppler_ThreePagesTwoImages(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{
		text:   "Page one\n\fPage two  \n\fPage three\n\f",
		info:   "Title:          Attention\nPages:          3\nEncrypted:      no\n",
		images: [][]byte{[]byte("figure-1"), []byte("logo"), []byte("figure-1")},
	}
	p := NewPoppler(Config{}, r, nil)

	doc, err := p.Analyze(context.Background(), "/tmp/paper.pdf")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if doc.Pages != 3 {
		t.Errorf("Pages = %d, want 3", doc.Pages)
	}
	if want := "Page one\n\nPage two\n\nPage three"; doc.Text != want {
		t.Errorf("Text = %q, want %q", doc.Text, want)
	}
	if len(doc.Images) != 2 {
		t.Fatalf("Images = %d, want 2 after de-duplication", len(doc.Images))
	}
	if string(doc.Images[0].Data) != "figure-1" || string(doc.Images[1].Data) != "logo" {
		t.Errorf("images out of order: %q, %q", doc.Images[0].Data, doc.Images[1].Data)
	}
}

func TestPoppler_MaxImages(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{
		text:   "x\f",
		info:   "Pages: 1\n",
		images: [][]byte{[]byte("a"), []byte("b"), []byte("c")},
	}
	doc, err := NewPoppler(Config{MaxImages: 2}, r, nil).Analyze(context.Background(), "/tmp/x.pdf")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(doc.Images) != 2 {
		t.Errorf("Images = %d, want 2", len(doc.Images))
	}
}

func TestPoppler_ImagesPastNineHundredNinetyNineKeepOrder(t *testing.T) {
	t.Parallel()
	images := make([][]byte, 1002)
	for i := range images {
		images[i] = []byte(fmt.Sprintf("image-%d", i))
	}
	r := &fakeRunner{text: "x\f", info: "Pages: 1\n", images: images}

	doc, err := NewPoppler(Config{}, r, nil).Analyze(context.Background(), "/tmp/x.pdf")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(doc.Images) != len(images) {
		t.Fatalf("Images = %d, want %d", len(doc.Images), len(images))
	}
	for i, img := range doc.Images {
		if want := fmt.Sprintf("image-%d", i); string(img.Data) != want {
			t.Fatalf("image at position %d is %q, want %q", i, img.Data, want)
		}
	}
}

func TestImageIndex(t *testing.T) {
	t.Parallel()
	tests := map[string]int{
		"/tmp/d/img-000.png":  0,
		"/tmp/d/img-101.png":  101,
		"/tmp/d/img-1000.png": 1000,
		"/tmp/d/img.png":      -1,
		"/tmp/d/img-x.png":    -1,
	}
	for name, want := range tests {
		if got := imageIndex(name); got != want {
			t.Errorf("imageIndex(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestPoppler_PdfinfoFallback(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{text: "a\fb\f", infoFails: true}
	doc, err := NewPoppler(Config{}, r, nil).Analyze(context.Background(), "/tmp/x.pdf")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if doc.Pages != 2 {
		t.Errorf("Pages = %d, want 2", doc.Pages)
	}
}

func TestPoppler_ToolFailureIsAnalysisError(t *testing.T) {
	t.Parallel()
	for _, tool := range []string{"pdftotext", "pdfimages"} {
		t.Run(tool, func(t *testing.T) {
			t.Parallel()
			r := &fakeRunner{text: "a\f", info: "Pages: 1\n", failOn: tool}
			_, err := NewPoppler(Config{}, r, nil).Analyze(context.Background(), "/tmp/x.pdf")
			var ae *AnalysisError
			if !errors.As(err, &ae) {
				t.Fatalf("error = %v, want *AnalysisError", err)
			}
			if !strings.Contains(err.Error(), "broken xref") {
				t.Errorf("error %q does not carry tool stderr", err)
			}
		})
	}
}

func TestParsePages(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"Pages:          12\n", 12, false},
		{"Producer: x\nPages: 1\n", 1, false},
		{"Producer: x\n", 0, true},
		{"Pages: many\n", 0, true},
	}
	for _, tt := range tests {
		got, err := parsePages([]byte(tt.in))
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parsePages(%q) = %d, %v; want %d, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestExecRunner_RunsCommand(t *testing.T) {
	t.Parallel()
	script := filepath.Join(t.TempDir(), "echo.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	out, _, err := ExecRunner{}.Run(context.Background(), script, "hello", "world")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello world" {
		t.Errorf("stdout = %q", out)
	}
}
