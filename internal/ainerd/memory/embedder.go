package memory

import "context"

// Embedder produces vector embeddings for text. Implementations range from
// a no-op stub to an OpenAI-compatible HTTP client wrapped in rate limiting,
// a circuit breaker and an LRU cache.
type Embedder interface {
	// Embed produces a vector embedding for the given text.
	// Returns nil with no error when embedding is not available (noop).
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a plain function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// NoopEmbedder returns nil vectors. With it wired in, memories are stored
// without embeddings and every search falls back to plain summaries.
type NoopEmbedder struct{}

// Embed returns nil with no error, signalling that embedding is unavailable.
func (NoopEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, nil
}

// Compile-time interface satisfaction checks.
var (
	_ Embedder = NoopEmbedder{}
	_ Embedder = EmbedderFunc(nil)
)
