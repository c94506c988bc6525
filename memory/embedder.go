package memory

import "context"

// Embedder converts text into a vector embedding for the semantic strategy.
// Implementations live in the embedder sub-packages (mock for tests, openai
// for production); any provider satisfying this interface can be plugged in.
type Embedder interface {
	// Embed converts a single text into its embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
