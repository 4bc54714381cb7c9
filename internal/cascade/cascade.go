// Package cascade routes a generation request through the provider tiers,
// preferring the remote primary and degrading to the local composer so a
// reply is always produced.
package cascade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rosaviel/elara/internal/keyring"
	"github.com/rosaviel/elara/internal/observability"
	"github.com/rosaviel/elara/internal/provider"
	"github.com/rosaviel/elara/internal/reliability"
)

// Tier names the provider level that produced a reply.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
	TierLocal     Tier = "local"
)

var (
	errPrimaryDisabled = errors.New("primary provider disabled")
	errNoCredentials   = errors.New("no usable credentials")
)

// Reply is the outcome of one pass through the cascade.
type Reply struct {
	Text string
	Tier Tier
}

// Config wires the tiers and their supporting services.
type Config struct {
	Primary   provider.KeyedProvider
	Secondary provider.Provider
	Local     provider.Provider
	Keys      *keyring.Rotator
	// PrimaryEnabled gates the primary tier and is consulted on every call.
	// Nil means enabled whenever a primary is configured.
	PrimaryEnabled func() bool
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

// Engine tries primary, then secondary, then the local composer.
type Engine struct {
	primary   provider.KeyedProvider
	secondary provider.Provider
	local     provider.Provider
	keys      *keyring.Rotator
	primaryOn func() bool
	metrics   *observability.Metrics
	log       *slog.Logger
}

func New(cfg Config) *Engine {
	local := cfg.Local
	if local == nil {
		local = provider.NewLocalProvider()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		local:     local,
		keys:      cfg.Keys,
		primaryOn: cfg.PrimaryEnabled,
		metrics:   cfg.Metrics,
		log:       log,
	}
}

// Generate produces a reply for req. It never returns an error and never
// returns empty text: any tier failure falls through to the next, and the
// local composer is total.
func (e *Engine) Generate(ctx context.Context, req provider.Request) Reply {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveGenerationLatency(time.Since(start))
			e.metrics.Stages.ObserveDuration("generation_total", time.Since(start))
		}
	}()

	tierStart := time.Now()
	text, err := e.tryPrimary(ctx, req)
	if err == nil {
		e.observeStage("tier_primary", tierStart)
		return e.served(TierPrimary, text)
	}
	if !errors.Is(err, errPrimaryDisabled) {
		e.log.Warn("primary provider unavailable", "error", err)
	}

	// A canceled caller gets the local reply directly; there is no point
	// dialing the secondary with a dead context.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return e.served(TierLocal, e.localReply(ctx, req))
	}

	if e.secondary != nil {
		e.observeIndicator("fallback_secondary")
		tierStart = time.Now()
		text, err = e.secondary.Generate(ctx, req)
		if err == nil && text != "" {
			e.observeStage("tier_secondary", tierStart)
			return e.served(TierSecondary, text)
		}
		if err != nil {
			e.countProviderError(e.secondary.Name(), err)
			e.log.Warn("secondary provider unavailable", "error", err)
		}
	}

	e.observeIndicator("fallback_local")
	tierStart = time.Now()
	text = e.localReply(ctx, req)
	e.observeStage("tier_local", tierStart)
	return e.served(TierLocal, text)
}

// tryPrimary walks the credential ring, retiring rate-limited keys and
// retrying with the next one. The loop is bounded by the ring size so a
// fully exhausted ring cannot spin.
func (e *Engine) tryPrimary(ctx context.Context, req provider.Request) (string, error) {
	if e.primary == nil || e.keys == nil {
		return "", errPrimaryDisabled
	}
	if e.primaryOn != nil && !e.primaryOn() {
		return "", errPrimaryDisabled
	}

	attempts := e.keys.Len()
	var lastErr error
	for i := 0; i < attempts; i++ {
		key, ok := e.keys.Current(ctx)
		if !ok {
			break
		}
		text, err := e.primary.GenerateWithKey(ctx, key, req)
		if err == nil && text != "" {
			return text, nil
		}
		if err == nil {
			err = errors.New("empty completion")
		}
		lastErr = err
		e.countProviderError(e.primary.Name(), err)
		if reliability.IsRateLimit(err) {
			e.keys.MarkCurrentExhausted(ctx)
			if e.metrics != nil {
				e.metrics.KeyRotations.WithLabelValues("rate_limit").Inc()
			}
			e.observeIndicator("rate_limit_rotation")
			continue
		}
		// Anything else is not the credential's fault; hand off to the
		// next tier without burning the rest of the ring.
		return "", err
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", errNoCredentials
}

func (e *Engine) localReply(ctx context.Context, req provider.Request) string {
	text, err := e.local.Generate(ctx, req)
	if err != nil || text == "" {
		return provider.ApologyReply
	}
	return text
}

func (e *Engine) served(tier Tier, text string) Reply {
	if e.metrics != nil {
		e.metrics.CascadeReplies.WithLabelValues(string(tier)).Inc()
	}
	return Reply{Text: text, Tier: tier}
}

func (e *Engine) observeStage(stage string, start time.Time) {
	if e.metrics != nil {
		e.metrics.Stages.ObserveDuration(stage, time.Since(start))
	}
}

func (e *Engine) observeIndicator(name string) {
	if e.metrics != nil {
		e.metrics.Stages.ObserveIndicator(name)
	}
}

func (e *Engine) countProviderError(name string, err error) {
	if e.metrics == nil {
		return
	}
	code := "error"
	if reliability.IsRateLimit(err) {
		code = "rate_limit"
	}
	e.metrics.ProviderErrors.WithLabelValues(name, code).Inc()
}
