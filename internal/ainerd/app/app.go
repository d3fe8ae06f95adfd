// Package app wires the memory host: SQLite storage, the encrypted memory
// store with its write-through cache, the knowledge base, the embedding
// chain, the periodic flusher and the optional health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/nerdlabs-ai/ainerd/common/redact"
	"github.com/nerdlabs-ai/ainerd/common/retry"
	"github.com/nerdlabs-ai/ainerd/common/trace"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/config"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/knowledge"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/memory"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/metrics"
	"github.com/nerdlabs-ai/ainerd/internal/ainerd/store"
)

// App is the running memory host. It owns a single memory.Store whose cache
// stays loaded for the whole process lifetime, so it is the only writer of
// the memory documents.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *store.Store
	metrics   *metrics.Metrics
	memory    *memory.Store
	knowledge *knowledge.Base
	recaller  *memory.Recaller
	flusher   *memory.Flusher
	health    *HealthServer

	flusherDone chan struct{}
	stopOnce    sync.Once
	stopErr     error
}

// New builds the application. A missing or malformed master key fails here,
// before anything is opened.
func New(cfg *config.Config) (*App, error) {
	logger := slog.Default()

	codec, err := memory.NewCodec(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("app: create data dir: %w", err)
		}
	}
	logger.Info("opening database", "path", cfg.DBPath)
	db, err := store.New(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}

	m := metrics.New()

	embedder, err := buildEmbedder(cfg, m, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	mem := memory.NewStore(db, codec, embedder, memory.StoreConfig{
		Limit:        cfg.Memory.Limit,
		EmbedTimeout: cfg.Memory.EmbedTimeout,
		StrictDecode: cfg.Memory.StrictDecode,
		Logger:       logger,
		Metrics:      m,
	})
	kb := knowledge.New(db, embedder, cfg.Memory.EmbedTimeout, logger)

	a := &App{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		metrics:   m,
		memory:    mem,
		knowledge: kb,
		recaller: &memory.Recaller{
			Store:         mem,
			Knowledge:     kb,
			Embedder:      embedder,
			TopK:          cfg.Memory.TopK,
			KnowledgeTopK: cfg.Knowledge.TopK,
			EmbedTimeout:  cfg.Memory.EmbedTimeout,
			Logger:        logger,
		},
		flusher: memory.NewFlusher(mem, cfg.Memory.FlushInterval, logger),
	}

	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, mem, logger)
		a.health.Handle("GET /metrics", m.Handler())
		logger.Info("health server configured", "addr", cfg.HTTPAddr)
	}

	logger.Info("memory store ready",
		"limit", cfg.Memory.Limit,
		"top_k", cfg.Memory.TopK,
		"flush_interval", cfg.Memory.FlushInterval.String(),
	)
	return a, nil
}

// buildEmbedder assembles OpenAI client → rate limit + breaker → LRU cache,
// or the noop embedder when no provider is configured.
func buildEmbedder(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (memory.Embedder, error) {
	ec := cfg.Embedding
	if !ec.Enabled() {
		logger.Info("embedder backend: noop (no API key or base URL configured); recall lists all memories")
		return memory.NoopEmbedder{}, nil
	}

	var e memory.Embedder = memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
		APIKey:  ec.APIKey,
		BaseURL: ec.BaseURL,
		Model:   ec.Model,
		Timeout: cfg.Memory.EmbedTimeout,
		Retry: retry.Config{
			MaxAttempts:  ec.MaxAttempts,
			InitialDelay: retry.DefaultConfig.InitialDelay,
			MaxDelay:     retry.DefaultConfig.MaxDelay,
		},
	})
	e = memory.NewResilientEmbedder(e, memory.ResilientConfig{
		RatePerSecond: ec.RatePerSecond,
		Burst:         ec.Burst,
	}, logger)

	cached, err := memory.NewCachedEmbedder(e, ec.CacheSize, m)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	logger.Info("embedder backend: openai", redact.Attrs(map[string]any{
		"model":      ec.Model,
		"base_url":   ec.BaseURL,
		"api_key":    ec.APIKey,
		"rate":       ec.RatePerSecond,
		"cache_size": ec.CacheSize,
	})...)
	return cached, nil
}

// Start loads the memory cache, syncs the knowledge base and starts the
// background workers. It returns once everything is running; workers stop
// when ctx is cancelled or Stop is called.
func (a *App) Start(ctx context.Context) error {
	if err := a.memory.LoadCache(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	if len(a.cfg.Knowledge.Items) > 0 {
		if _, err := a.knowledge.Sync(ctx, a.cfg.Knowledge.Items); err != nil {
			a.logger.Warn("knowledge sync failed; recall lists raw items", "err", err)
		}
	}

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	a.flusherDone = make(chan struct{})
	go func() {
		defer close(a.flusherDone)
		a.flusher.Run(ctx)
	}()
	return nil
}

// Run starts the application and blocks until ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	a.logger.Info("ainerd is running; press Ctrl+C to stop")
	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

// Stop halts the workers, flushes the memory cache one last time and closes
// the database. It is safe to call more than once; later calls return the
// first result.
func (a *App) Stop() error {
	a.stopOnce.Do(func() {
		a.flusher.Stop()
		if a.flusherDone != nil {
			<-a.flusherDone
		}

		var errs []error
		if a.memory.Dirty() {
			if err := a.memory.FlushCache(context.Background()); err != nil {
				errs = append(errs, fmt.Errorf("final flush: %w", err))
			}
		}

		if a.health != nil {
			a.logger.Info("stopping health server")
			a.health.Stop()
		}

		a.logger.Info("closing database")
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// Recall gathers the memory context for one incoming message. Every log line
// it produces carries the same trace id.
func (a *App) Recall(ctx context.Context, userID, message string) memory.Recall {
	ctx = trace.Ensure(ctx)
	r := *a.recaller
	r.Logger = WithTrace(ctx, a.logger)
	return r.Recall(ctx, userID, message)
}

// Memory returns the memory store.
func (a *App) Memory() *memory.Store { return a.memory }

// Knowledge returns the knowledge base.
func (a *App) Knowledge() *knowledge.Base { return a.knowledge }

// Metrics returns the Prometheus collectors.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
