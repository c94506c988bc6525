// Package openai adapts the OpenAI Embeddings API to the memory.Embedder
// interface for production semantic retrieval.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/convokit/convokit/core"
	"github.com/convokit/convokit/memory"
)

// Compile-time interface check.
var _ memory.Embedder = (*Embedder)(nil)

// Options configure the OpenAI embedder. Fields mirror a minimal subset of
// the Embeddings API parameters; extend via functional options without
// breaking callers.
type Options struct {
	Model      openai.EmbeddingModel
	Dimensions int
}

// Embedder wraps the OpenAI Embeddings API behind the generic
// memory.Embedder interface.
type Embedder struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI embedder using the official client. Credentials
// are read from the environment (OPENAI_API_KEY).
func New(optFns ...func(o *Options)) *Embedder {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new OpenAI embedder from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Embedder {
	opts := Options{
		Model:      openai.EmbeddingModelTextEmbedding3Small,
		Dimensions: 1536,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Embedder{client: client, opts: opts}
}

// Embed requests a single embedding vector for the given text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model:      e.opts.Model,
		Dimensions: openai.Int(int64(e.opts.Dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai embeddings: %v", core.ErrConnection, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: openai embeddings returned no data", core.ErrConnection)
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the configured embedding vector length.
func (e *Embedder) Dimensions() int { return e.opts.Dimensions }
