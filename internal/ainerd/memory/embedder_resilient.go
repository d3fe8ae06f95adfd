package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrEmbedderUnavailable is returned while the circuit breaker is open.
var ErrEmbedderUnavailable = errors.New("memory: embedder unavailable")

// ResilientConfig tunes ResilientEmbedder. Zero fields take the defaults
// noted on each field.
type ResilientConfig struct {
	// RatePerSecond is the sustained request rate. Default 5.
	RatePerSecond float64
	// Burst is the limiter bucket size. Default 10.
	Burst int
	// MaxFailures consecutive failures open the breaker. Default 3.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing. Default 30s.
	OpenTimeout time.Duration
	// HalfOpenRequests probes are let through while half-open. Default 1.
	HalfOpenRequests uint32
}

// ResilientEmbedder wraps an Embedder with a token-bucket rate limiter and
// a circuit breaker, so a failing provider is skipped quickly instead of
// stalling every memory write for the full request timeout.
type ResilientEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewResilientEmbedder wraps next. If logger is nil, the default slog logger
// is used.
func NewResilientEmbedder(next Embedder, cfg ResilientConfig, logger *slog.Logger) *ResilientEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}

	r := &ResilientEmbedder{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedder",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not the provider's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("embedder: circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return r
}

// Embed waits for a rate-limit token and calls the wrapped embedder through
// the breaker.
func (r *ResilientEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("memory: embed rate limit: %w", err)
	}

	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.next.Embed(ctx, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	vec, _ := out.([]float32)
	return vec, nil
}

// State reports the breaker state ("closed", "half-open", "open").
func (r *ResilientEmbedder) State() string {
	return r.breaker.State().String()
}

var _ Embedder = (*ResilientEmbedder)(nil)
