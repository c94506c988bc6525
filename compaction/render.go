package compaction

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/convokit/convokit/core"
)

// renderer converts an event window into the plain-text transcript handed to
// the summarizer, trimmed to a token budget when one is configured. Trimming
// drops the oldest lines first so the summary stays anchored to the newest
// context.
type renderer struct {
	enc       *tiktoken.Tiktoken
	maxTokens int
}

func newRenderer(maxTokens int) (*renderer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &renderer{enc: enc, maxTokens: maxTokens}, nil
}

func (r *renderer) countTokens(text string) int {
	return len(r.enc.Encode(text, nil, nil))
}

// render produces one "author: text" line per content-bearing event.
func (r *renderer) render(events []core.Event) string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		if !ev.HasContent() {
			continue
		}
		text := ev.Content.Text()
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", ev.Author, text))
	}

	transcript := strings.Join(lines, "\n")
	if r.maxTokens <= 0 {
		return transcript
	}

	for len(lines) > 1 && r.countTokens(transcript) > r.maxTokens {
		lines = lines[1:]
		transcript = strings.Join(lines, "\n")
	}
	return transcript
}
