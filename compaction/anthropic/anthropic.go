// Package anthropic provides a compaction.Summarizer backed by the Anthropic
// Claude Messages API.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/convokit/convokit/compaction"
	"github.com/convokit/convokit/core"
)

// Compile-time interface check.
var _ compaction.Summarizer = (*Summarizer)(nil)

const defaultSystemPrompt = "You condense conversation transcripts. Produce a concise summary that " +
	"preserves facts, decisions, open questions and any values the participants " +
	"will need later. Output only the summary text."

// Options configures the Claude summarizer (model id, max tokens, prompt,
// API key). Extend via functional options to preserve stability.
type Options struct {
	Model        anthropic.Model
	MaxTokens    int64
	SystemPrompt string
	APIKey       string
}

// Summarizer wraps the Anthropic Messages API behind the generic
// compaction.Summarizer interface.
type Summarizer struct {
	client *anthropic.Client
	opts   Options
}

// New creates a new Claude summarizer using the official client.
func New(optFns ...func(o *Options)) *Summarizer {
	opts := Options{
		Model:        anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens:    1024,
		SystemPrompt: defaultSystemPrompt,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Summarizer{client: &client, opts: opts}
}

// NewFromClient creates a new Claude summarizer from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Summarizer {
	opts := Options{
		Model:        anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens:    1024,
		SystemPrompt: defaultSystemPrompt,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Summarizer{client: client, opts: opts}
}

// Summarize sends the transcript to the Messages API and returns the
// generated summary text.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     s.opts.Model,
		MaxTokens: s.opts.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: s.opts.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(transcript)),
		},
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: anthropic messages: %v", core.ErrConnection, err)
	}

	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	if out == "" {
		return "", fmt.Errorf("%w: summarizer returned no text", core.ErrConnection)
	}
	return out, nil
}
