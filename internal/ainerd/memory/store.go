package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nerdlabs-ai/ainerd/internal/ainerd/metrics"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/vector"
)

// Blob keys of the two memory documents.
const (
	GlobalKey = "memories_enc"
	UsersKey  = "user_memories_enc"
)

const (
	// DefaultLimit is the per-collection capacity when none is configured.
	DefaultLimit = 100
	// DefaultEmbedTimeout bounds a single embedding call made by Append.
	DefaultEmbedTimeout = 15 * time.Second
)

var (
	// ErrInvalidScope is returned for a user scope without a user id.
	ErrInvalidScope = errors.New("memory: user scope requires a user id")

	// ErrCacheDirty is returned by LoadCache when reloading would discard
	// writes that have not been flushed.
	ErrCacheDirty = errors.New("memory: cache has unflushed writes")
)

// BlobStore is the durable storage the memory store persists into.
// *store.Store satisfies it.
type BlobStore interface {
	GetBlob(ctx context.Context, key string) ([]byte, bool, error)
	SetBlob(ctx context.Context, key string, data []byte) error
}

// Scope selects the global collection or one user's collection.
type Scope struct {
	userID string
	user   bool
}

// Global is the collection shared by every user.
var Global = Scope{}

// User returns the scope of one user's collection.
func User(id string) Scope {
	return Scope{userID: id, user: true}
}

// UserID returns the user id, or "" for Global.
func (s Scope) UserID() string { return s.userID }

// IsGlobal reports whether s is the global scope.
func (s Scope) IsGlobal() bool { return !s.user }

// Kind is "global" or "user"; it is used as a metrics label.
func (s Scope) Kind() string {
	if s.user {
		return "user"
	}
	return "global"
}

func (s Scope) validate() error {
	if s.user && s.userID == "" {
		return ErrInvalidScope
	}
	return nil
}

// Match is one similarity search result.
type Match struct {
	// Index is the 1-based position of the entry at the time of the search.
	// It is a snapshot, not an identifier: evictions and deletions shift it.
	Index   int
	Summary string
	Score   float64
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Limit caps every collection. Zero means DefaultLimit.
	Limit int
	// EmbedTimeout bounds the embedding call of Append. Zero means
	// DefaultEmbedTimeout.
	EmbedTimeout time.Duration
	// StrictDecode makes undecodable documents an error instead of loading
	// them as empty.
	StrictDecode bool
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type cachedState struct {
	global *Collection
	users  map[string]*Collection
	dirty  bool
}

// Store is the long-term memory store: one global collection and one
// collection per user, persisted as two encrypted documents.
//
// Without a loaded cache every operation reads and rewrites the durable
// document. After LoadCache writes touch memory only and reach storage on
// FlushCache. Two Stores over the same BlobStore are not coordinated; a
// flush from one overwrites direct writes made through the other.
type Store struct {
	blobs    BlobStore
	codec    *Codec
	embedder Embedder
	limit    int
	timeout  time.Duration
	strict   bool
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	cache *cachedState
}

// NewStore builds a store over blobs. A nil codec is accepted; every write
// then fails with ErrConfiguration. A nil embedder stores entries without
// embeddings.
func NewStore(blobs BlobStore, codec *Codec, embedder Embedder, cfg StoreConfig) *Store {
	if embedder == nil {
		embedder = NoopEmbedder{}
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = DefaultEmbedTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		blobs:    blobs,
		codec:    codec,
		embedder: embedder,
		limit:    cfg.Limit,
		timeout:  cfg.EmbedTimeout,
		strict:   cfg.StrictDecode,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Limit returns the configured collection capacity.
func (s *Store) Limit() int { return s.limit }

// Append embeds summary and adds a new entry at the end of the scope's
// collection, evicting the oldest entry when the collection is full. A user
// collection is created on first append. It returns the new length, which is
// also the 1-based index of the new entry.
//
// An embedding failure is not an error: the entry is stored without a vector
// and scores 0 in every search.
func (s *Store) Append(ctx context.Context, scope Scope, summary, fullText string) (int, error) {
	if err := scope.validate(); err != nil {
		return 0, err
	}
	if err := s.codec.ready(); err != nil {
		return 0, err
	}

	entry := Entry{Summary: summary, Embedding: s.embed(ctx, scope, summary), FullText: fullText}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		size    int
		evicted bool
	)
	err := s.update(ctx, scope, true, func(c *Collection) bool {
		size, evicted = c.Append(entry, s.limit)
		return true
	})
	if err != nil {
		return 0, err
	}

	s.metrics.Appended(scope.Kind(), size, evicted)
	s.logger.Debug("memory: appended",
		"scope", scope.Kind(),
		"index", size,
		"evicted", evicted,
		"embedded", entry.Embedding != nil,
	)
	return size, nil
}

// embed runs outside the store lock under the configured timeout.
func (s *Store) embed(ctx context.Context, scope Scope, text string) []float32 {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.metrics.EmbeddingFailed()
		s.logger.Warn("memory: embedding failed, storing without vector",
			"scope", scope.Kind(),
			"summary_len", len(text),
			"err", err,
		)
		return nil
	}
	if len(vec) == 0 {
		return nil
	}
	if !vector.Finite(vec) {
		s.metrics.EmbeddingFailed()
		s.logger.Warn("memory: embedding has non-finite components, storing without vector",
			"scope", scope.Kind(),
			"summary_len", len(text),
			"dims", len(vec),
		)
		return nil
	}
	return vec
}

// Detail returns the full text of the entry at the 1-based index, or "" when
// the index is out of range or the user has no memories.
func (s *Store) Detail(ctx context.Context, scope Scope, index int) (string, error) {
	if err := scope.validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.view(ctx, scope)
	if err != nil || c == nil {
		return "", err
	}
	e, ok := c.At(index)
	if !ok {
		return "", nil
	}
	return e.FullText, nil
}

// Summaries returns every summary of the scope's collection, oldest first.
func (s *Store) Summaries(ctx context.Context, scope Scope) ([]string, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.view(ctx, scope)
	if err != nil || c == nil {
		return nil, err
	}
	return c.Summaries(), nil
}

// Len returns the number of entries in the scope's collection.
func (s *Store) Len(ctx context.Context, scope Scope) (int, error) {
	if err := scope.validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.view(ctx, scope)
	if err != nil || c == nil {
		return 0, err
	}
	return c.Len(), nil
}

// FindRelevant ranks the scope's entries by cosine similarity to query and
// returns at most topK matches, best first, ties in ascending index order.
// An empty query or topK <= 0 yields no matches.
func (s *Store) FindRelevant(ctx context.Context, scope Scope, query []float32, topK int) ([]Match, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	if len(query) == 0 || topK <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.view(ctx, scope)
	if err != nil || c == nil {
		return nil, err
	}

	s.metrics.Searched(scope.Kind())
	ranked := vector.Rank(query, c.embeddings(), topK)
	matches := make([]Match, len(ranked))
	for i, r := range ranked {
		matches[i] = Match{
			Index:   r.Position + 1,
			Summary: c.entries[r.Position].Summary,
			Score:   r.Score,
		}
	}
	return matches, nil
}

// Delete removes the entry at the 1-based index; later entries shift down.
// It reports false, with no error, when the index is out of range.
func (s *Store) Delete(ctx context.Context, scope Scope, index int) (bool, error) {
	if err := scope.validate(); err != nil {
		return false, err
	}
	if err := s.codec.ready(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted bool
	err := s.update(ctx, scope, false, func(c *Collection) bool {
		deleted = c.Delete(index)
		return deleted
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.metrics.Deleted("entry")
		s.logger.Debug("memory: entry deleted", "scope", scope.Kind(), "index", index)
	}
	return deleted, nil
}

// DeleteUser removes a user's whole collection. It reports whether the user
// had one.
func (s *Store) DeleteUser(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrInvalidScope
	}
	if err := s.codec.ready(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := users[userID]; !ok {
		return false, nil
	}
	delete(users, userID)
	if err := s.writeUsers(ctx, users); err != nil {
		return false, err
	}

	s.metrics.Deleted("user")
	s.logger.Info("memory: user memories deleted", "remaining_users", len(users))
	return true, nil
}

// LoadCache reads both documents into memory. Missing or undecodable
// documents load as empty collections. Loading again while clean reloads
// from storage; loading while dirty fails with ErrCacheDirty.
func (s *Store) LoadCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil && s.cache.dirty {
		return ErrCacheDirty
	}

	s.cache = nil
	global, err := s.readGlobal(ctx)
	if err != nil {
		return fmt.Errorf("memory: load cache: %w", err)
	}
	users, err := s.readUsers(ctx)
	if err != nil {
		return fmt.Errorf("memory: load cache: %w", err)
	}

	s.cache = &cachedState{global: global, users: users}
	s.logger.Info("memory: cache loaded",
		"global_entries", global.Len(),
		"users", len(users),
	)
	return nil
}

// FlushCache writes both cached documents to storage. It is a no-op when no
// cache is loaded. The cache stays loaded, and it stays dirty if either
// write fails.
func (s *Store) FlushCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil {
		return nil
	}

	start := time.Now()
	err := errors.Join(
		s.persist(ctx, GlobalKey, documentOf(s.cache.global)),
		s.persist(ctx, UsersKey, userDocumentOf(s.cache.users)),
	)
	s.metrics.Flushed(err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("memory: flush cache: %w", err)
	}

	s.cache.dirty = false
	s.logger.Debug("memory: cache flushed",
		"global_entries", s.cache.global.Len(),
		"users", len(s.cache.users),
		"duration", time.Since(start),
	)
	return nil
}

// CacheLoaded reports whether LoadCache has populated the cache.
func (s *Store) CacheLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache != nil
}

// Dirty reports whether the cache holds writes not yet flushed.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache != nil && s.cache.dirty
}

// Stats is a point-in-time summary of the store, for status reporting.
type Stats struct {
	GlobalEntries int  `json:"global_entries"`
	Users         int  `json:"users"`
	UserEntries   int  `json:"user_entries"`
	Limit         int  `json:"limit"`
	CacheLoaded   bool `json:"cache_loaded"`
	Dirty         bool `json:"dirty"`
}

// Stats counts entries across all collections.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	global, err := s.readGlobal(ctx)
	if err != nil {
		return Stats{}, err
	}
	users, err := s.readUsers(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		GlobalEntries: global.Len(),
		Users:         len(users),
		Limit:         s.limit,
		CacheLoaded:   s.cache != nil,
		Dirty:         s.cache != nil && s.cache.dirty,
	}
	for _, c := range users {
		st.UserEntries += c.Len()
	}
	return st, nil
}

// view returns the scope's collection, or nil for a user without one.
// Callers hold s.mu and must not mutate the result.
func (s *Store) view(ctx context.Context, scope Scope) (*Collection, error) {
	if !scope.user {
		return s.readGlobal(ctx)
	}
	users, err := s.readUsers(ctx)
	if err != nil {
		return nil, err
	}
	return users[scope.userID], nil
}

// update applies fn to the scope's collection and persists it when fn
// reports a change. With create, a missing user collection is created;
// without it fn is not called for a missing user. Callers hold s.mu.
func (s *Store) update(ctx context.Context, scope Scope, create bool, fn func(*Collection) bool) error {
	if !scope.user {
		c, err := s.readGlobal(ctx)
		if err != nil {
			return err
		}
		if !fn(c) {
			return nil
		}
		return s.writeGlobal(ctx, c)
	}

	users, err := s.readUsers(ctx)
	if err != nil {
		return err
	}
	c, ok := users[scope.userID]
	if !ok {
		if !create {
			return nil
		}
		c = NewCollection()
		users[scope.userID] = c
	}
	if !fn(c) {
		return nil
	}
	return s.writeUsers(ctx, users)
}

func (s *Store) readGlobal(ctx context.Context) (*Collection, error) {
	if s.cache != nil {
		return s.cache.global, nil
	}

	raw, legacy, err := s.readDocument(ctx, GlobalKey)
	if err != nil || raw == nil {
		return NewCollection(), err
	}

	res, err := ParseCollection(raw)
	if err != nil {
		if err := s.corrupt(GlobalKey, err); err != nil {
			return nil, err
		}
		return NewCollection(), nil
	}
	s.noteParse(GlobalKey, legacy || res.Legacy, res.Dropped)
	return res.Collection, nil
}

func (s *Store) readUsers(ctx context.Context) (map[string]*Collection, error) {
	if s.cache != nil {
		return s.cache.users, nil
	}

	users := make(map[string]*Collection)
	raw, legacy, err := s.readDocument(ctx, UsersKey)
	if err != nil || raw == nil {
		return users, err
	}

	parsed, skipped, err := ParseUsers(raw)
	if err != nil {
		if err := s.corrupt(UsersKey, err); err != nil {
			return nil, err
		}
		return users, nil
	}
	if len(skipped) > 0 {
		s.metrics.CorruptDocument(UsersKey)
		s.logger.Warn("memory: skipped unreadable user collections",
			"key", UsersKey,
			"skipped", len(skipped),
		)
	}

	anyLegacy := legacy
	dropped := 0
	for id, res := range parsed {
		users[id] = res.Collection
		anyLegacy = anyLegacy || res.Legacy
		dropped += res.Dropped
	}
	s.noteParse(UsersKey, anyLegacy, dropped)
	return users, nil
}

// readDocument returns the decrypted JSON stored under key, or nil when the
// key is absent or the blob is corrupt and decoding is lenient.
func (s *Store) readDocument(ctx context.Context, key string) (json.RawMessage, bool, error) {
	blob, ok, err := s.blobs.GetBlob(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("memory: read %s: %w", key, err)
	}
	if !ok || len(blob) == 0 {
		return nil, false, nil
	}

	var raw json.RawMessage
	legacy, err := s.codec.DecodeLegacy(blob, &raw)
	if err != nil {
		if errors.Is(err, ErrCorruptData) {
			return nil, false, s.corrupt(key, err)
		}
		return nil, false, err
	}
	return raw, legacy, nil
}

// corrupt records an undecodable document. It returns nil when the document
// should be treated as empty.
func (s *Store) corrupt(key string, err error) error {
	s.metrics.CorruptDocument(key)
	if s.strict {
		return fmt.Errorf("memory: read %s: %w", key, err)
	}
	s.logger.Warn("memory: unreadable document, treating as empty", "key", key, "err", err)
	return nil
}

func (s *Store) noteParse(key string, legacy bool, dropped int) {
	if legacy {
		s.metrics.LegacyDocument(key)
		s.logger.Info("memory: read legacy document, it will be rewritten in the current format on the next write", "key", key)
	}
	if dropped > 0 {
		s.logger.Warn("memory: misaligned document truncated", "key", key, "dropped", dropped)
	}
}

func (s *Store) writeGlobal(ctx context.Context, c *Collection) error {
	if s.cache != nil {
		s.cache.dirty = true
		return nil
	}
	return s.persist(ctx, GlobalKey, documentOf(c))
}

func (s *Store) writeUsers(ctx context.Context, users map[string]*Collection) error {
	if s.cache != nil {
		s.cache.dirty = true
		return nil
	}
	return s.persist(ctx, UsersKey, userDocumentOf(users))
}

func (s *Store) persist(ctx context.Context, key string, doc any) error {
	blob, err := s.codec.Encode(doc)
	if err != nil {
		return fmt.Errorf("memory: encode %s: %w", key, err)
	}
	if err := s.blobs.SetBlob(ctx, key, blob); err != nil {
		return fmt.Errorf("memory: write %s: %w", key, err)
	}
	return nil
}
