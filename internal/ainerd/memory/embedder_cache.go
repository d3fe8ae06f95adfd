package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nerdlabs-ai/ainerd/internal/ainerd/metrics"
)

// DefaultEmbedCacheSize bounds CachedEmbedder when no size is given.
const DefaultEmbedCacheSize = 1024

// CachedEmbedder memoizes embeddings by content hash. The same message text
// is embedded once for the global search, the user search and the knowledge
// lookup, and repeated greetings never hit the provider twice.
type CachedEmbedder struct {
	next    Embedder
	cache   *lru.Cache[string, []float32]
	metrics *metrics.Metrics
}

// NewCachedEmbedder wraps next with an LRU of the given size (entries).
// m may be nil.
func NewCachedEmbedder(next Embedder, size int, m *metrics.Metrics) (*CachedEmbedder, error) {
	if size <= 0 {
		size = DefaultEmbedCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("memory: embed cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache, metrics: m}, nil
}

// Embed returns a cached vector or delegates and caches a non-empty result.
// Failures and empty vectors are never cached.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := contentHash(text)
	if vec, ok := c.cache.Get(key); ok {
		c.metrics.EmbedCache(true)
		return vec, nil
	}
	c.metrics.EmbedCache(false)

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) > 0 {
		c.cache.Add(key, vec)
	}
	return vec, nil
}

// Len returns the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var _ Embedder = (*CachedEmbedder)(nil)
