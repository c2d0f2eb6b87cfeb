package summarizer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/pdfsum/pdfsum/internal/analyzer"
)

// CLI summarizes by running a command-line model client that prints
// stream-json events on stdout. It is text only.
type CLI struct {
	Path   string
	Model  string
	Logger *slog.Logger
}

func (c *CLI) Summarize(ctx context.Context, text string, images []analyzer.Image) (string, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(images) > 0 {
		logger.Warn("cli summarizer ignores images", "images", len(images))
	}

	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Env = filteredEnv()
	// the document can exceed argv limits, so the prompt goes through stdin
	cmd.Stdin = strings.NewReader(Prompt(text))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", c.Path, err)
	}

	var finalResult string
	var streamed strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		text, result, ok := parseLine(line)
		if !ok {
			continue
		}
		if result != "" {
			finalResult = result
		}
		streamed.WriteString(text)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// The CLI often reports errors in the stream rather than on stderr.
		detail := stderr.String()
		if detail == "" && finalResult != "" {
			detail = finalResult
		}
		return "", fmt.Errorf("%s exited: %w: %s", c.Path, err, strings.TrimSpace(detail))
	}

	if finalResult == "" {
		finalResult = streamed.String()
	}
	finalResult = strings.TrimSpace(finalResult)
	if finalResult == "" {
		return "", ErrEmptySummary
	}
	return finalResult, nil
}

// filteredEnv drops variables that would make a nested CLI session attach to
// the parent one.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "CLAUDE") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// parseLine extracts assistant text and/or the final result from one event.
func parseLine(line []byte) (text, result string, ok bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return "", "", false
	}

	var msgType string
	if err := json.Unmarshal(raw["type"], &msgType); err != nil {
		return "", "", false
	}

	switch msgType {
	case "assistant":
		content := raw["content"]
		if msg, ok := raw["message"]; ok {
			var m struct {
				Content json.RawMessage `json:"content"`
			}
			if json.Unmarshal(msg, &m) == nil && m.Content != nil {
				content = m.Content
			}
		}
		return extractAssistantText(content), "", true

	case "result":
		if err := json.Unmarshal(raw["result"], &result); err != nil {
			return "", "", false
		}
		return "", result, true
	}

	return "", "", false
}

// extractAssistantText concatenates the "text" blocks of a content array.
func extractAssistantText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
