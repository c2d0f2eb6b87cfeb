// Package summarizer turns extracted document text and figures into a
// structured academic review using a language model.
package summarizer

import (
	"context"
	"errors"

	"github.com/pdfsum/pdfsum/internal/analyzer"
)

var ErrEmptySummary = errors.New("model returned an empty summary")

// Summarizer produces a markdown summary of a document.
type Summarizer interface {
	Summarize(ctx context.Context, text string, images []analyzer.Image) (string, error)
}

// reviewPrompt is sent ahead of the document text.
const reviewPrompt = `You are a careful technical reviewer. Summarize only what the document actually says; do not invent results or claims.

Write the review in markdown with exactly these sections:

1. **Title and authors**: the paper title and its authors as written.
2. **Objective**: the problem addressed and why it matters.
3. **Technical approach**: the method, architecture or algorithm, step by step.
4. **Distinctive features**: what is new compared with prior work.
5. **Experiments and results**: datasets, metrics, and the main quantitative findings.
6. **Strengths and limitations**: as evidenced by the document itself.
7. **Conclusion**: the overall contribution in a few sentences.

The attached images are figures from the document. Describe a figure only where it supports a section, and refer to it in context.

Document text:
`

// Prompt returns the full prompt for a document's text.
func Prompt(text string) string {
	return reviewPrompt + text
}
