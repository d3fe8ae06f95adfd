package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultFlushInterval is how often Flusher checks the cache when no
// interval is given.
const DefaultFlushInterval = 30 * time.Second

// finalFlushTimeout bounds the flush performed when the flusher stops.
const finalFlushTimeout = 10 * time.Second

// CacheFlusher is the part of Store the flusher drives.
type CacheFlusher interface {
	Dirty() bool
	FlushCache(ctx context.Context) error
}

// Flusher periodically writes a dirty cache to durable storage, and once
// more when it stops, so that a loaded cache loses at most one interval of
// writes on a crash.
type Flusher struct {
	store    CacheFlusher
	interval time.Duration
	logger   *slog.Logger

	stopMu sync.Mutex
	stopCh chan struct{}
}

// NewFlusher creates a flusher for store. If interval is zero it defaults to
// DefaultFlushInterval. If logger is nil, the default slog logger is used.
func NewFlusher(store CacheFlusher, interval time.Duration, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		store:    store,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Run starts the flush loop. It blocks until ctx is cancelled or Stop is
// called, then flushes one last time. Call this in a goroutine.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.finalFlush()
			return
		case <-f.stopCh:
			f.finalFlush()
			return
		case <-ticker.C:
			f.flushIfDirty(ctx)
		}
	}
}

// Stop signals the flusher to stop. Safe to call multiple times.
func (f *Flusher) Stop() {
	f.stopMu.Lock()
	defer f.stopMu.Unlock()

	select {
	case <-f.stopCh:
		// Already closed.
	default:
		close(f.stopCh)
	}
}

func (f *Flusher) flushIfDirty(ctx context.Context) {
	if !f.store.Dirty() {
		return
	}
	if err := f.store.FlushCache(ctx); err != nil {
		f.logger.Error("memory flusher: flush failed", "err", err)
		return
	}
	f.logger.Debug("memory flusher: cache flushed")
}

// finalFlush runs with its own deadline because the run context is usually
// already cancelled.
func (f *Flusher) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	f.flushIfDirty(ctx)
}
