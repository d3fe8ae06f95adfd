// Package knowledge keeps the configured static knowledge items embedded and
// searchable. Embeddings are cached in the kv store keyed by item text and
// recomputed only when an item is new or its content hash changed.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nerdlabs-ai/ainerd/internal/ainerd/vector"
)

// StorageKey is the kv key holding the embedded knowledge.
const StorageKey = "knowledge_data"

// DefaultEmbedTimeout bounds one item embedding when New is given no timeout.
const DefaultEmbedTimeout = 15 * time.Second

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// JSONStore is the kv storage the base persists into. *store.Store
// satisfies it.
type JSONStore interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}

type record struct {
	Hash      string    `json:"hash"`
	Embedding []float32 `json:"embedding"`
}

// Match is one knowledge search result. Index is 1-based in configured item
// order.
type Match struct {
	Index int
	Text  string
	Score float64
}

// SyncReport counts what a Sync changed.
type SyncReport struct {
	Added   int
	Updated int
	Removed int
	Failed  int
}

// Changed reports whether the stored data was rewritten.
func (r SyncReport) Changed() bool {
	return r.Added+r.Updated+r.Removed > 0
}

// Base is the embedded knowledge set. It is safe for concurrent use.
type Base struct {
	store    JSONStore
	embedder Embedder
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	items   []string
	records map[string]record
}

// New creates an empty base. Call Sync before searching. timeout bounds
// each item embedding; zero means DefaultEmbedTimeout. If logger is nil, the
// default slog logger is used.
func New(store JSONStore, embedder Embedder, timeout time.Duration, logger *slog.Logger) *Base {
	if timeout <= 0 {
		timeout = DefaultEmbedTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		store:    store,
		embedder: embedder,
		timeout:  timeout,
		logger:   logger,
		records:  make(map[string]record),
	}
}

// Hash returns the content hash of an item: SHA-256 of the trimmed text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// Sync reconciles the stored embeddings with items. New and edited items are
// embedded, items no longer configured are dropped, and the result is saved
// only when something changed. An item whose embedding fails is kept without
// a vector and retried on the next Sync.
func (b *Base) Sync(ctx context.Context, items []string) (SyncReport, error) {
	stored := make(map[string]record)
	if _, err := b.store.GetJSON(ctx, StorageKey, &stored); err != nil {
		return SyncReport{}, fmt.Errorf("knowledge: load: %w", err)
	}

	var (
		report  SyncReport
		ordered []string
		seen    = make(map[string]bool, len(items))
		next    = make(map[string]record, len(items))
	)
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		ordered = append(ordered, item)

		h := Hash(item)
		prev, existed := stored[item]
		if existed && prev.Hash == h {
			next[item] = prev
			continue
		}

		rec := record{Hash: h}
		vec, err := b.embed(ctx, item)
		if err != nil || len(vec) == 0 || !vector.Finite(vec) {
			b.logger.Warn("knowledge: embedding failed, item stays unranked", "item_len", len(item), "err", err)
			rec.Hash = ""
			report.Failed++
		} else {
			rec.Embedding = vec
		}
		next[item] = rec

		if existed {
			report.Updated++
		} else {
			report.Added++
		}
	}
	for text := range stored {
		if !seen[text] {
			report.Removed++
		}
	}

	if report.Changed() {
		if err := b.store.SetJSON(ctx, StorageKey, next); err != nil {
			return report, fmt.Errorf("knowledge: save: %w", err)
		}
		b.logger.Info("knowledge: updated",
			"items", len(ordered),
			"added", report.Added,
			"updated", report.Updated,
			"removed", report.Removed,
		)
	} else {
		b.logger.Debug("knowledge: up to date", "items", len(ordered))
	}

	b.mu.Lock()
	b.items = ordered
	b.records = next
	b.mu.Unlock()
	return report, nil
}

func (b *Base) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.embedder.Embed(ctx, text)
}

// Items returns the configured items in order.
func (b *Base) Items() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.items...)
}

// FindRelevant ranks items by cosine similarity to query. Items without an
// embedding score 0. An empty query or topK <= 0 yields no matches.
func (b *Base) FindRelevant(_ context.Context, query []float32, topK int) ([]Match, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	candidates := make([][]float32, len(b.items))
	for i, item := range b.items {
		candidates[i] = b.records[item].Embedding
	}

	ranked := vector.Rank(query, candidates, topK)
	out := make([]Match, len(ranked))
	for i, r := range ranked {
		out[i] = Match{Index: r.Position + 1, Text: b.items[r.Position], Score: r.Score}
	}
	return out, nil
}

// Relevant returns only the texts of FindRelevant.
func (b *Base) Relevant(ctx context.Context, query []float32, topK int) ([]string, error) {
	matches, err := b.FindRelevant(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Text
	}
	return texts, nil
}
