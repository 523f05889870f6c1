// Package priceoracle is a primary-plus-fallback BTC/fiat price source with
// a stress-test override, grounded on the swapd oracle manager's polling
// idiom but simplified from N-source median aggregation down to the
// two-source failover the escrow engine needs.
package priceoracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Quote is one price reading.
type Quote struct {
	USDMinorUnits int64 // price of 1 BTC in USD cents
	EURMinorUnits int64 // price of 1 BTC in EUR cents
	TimestampUnix int64
	Source        string
}

// Source resolves a BTC/fiat quote from one upstream provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Quote, error)
}

// Oracle polls a primary source and falls back to a secondary one when the
// primary errors or returns a stale quote, and exposes a global override
// used by stress tests to force a specific price without standing up a
// fake upstream.
type Oracle struct {
	log          *slog.Logger
	primary      Source
	fallback     Source
	maxAge       time.Duration
	pollInterval time.Duration

	mu    sync.RWMutex
	last  Quote
	valid bool

	overrideMu sync.RWMutex
	override   *Quote
}

// New builds an Oracle. fallback may be nil if no secondary source is
// configured, in which case a primary failure surfaces directly.
func New(log *slog.Logger, primary, fallback Source, pollInterval, maxAge time.Duration) *Oracle {
	if log == nil {
		log = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &Oracle{
		log:          log,
		primary:      primary,
		fallback:     fallback,
		maxAge:       maxAge,
		pollInterval: pollInterval,
	}
}

// Run polls the configured sources until ctx is cancelled.
func (o *Oracle) Run(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	o.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Oracle) tick(ctx context.Context) {
	quote, err := o.fetchOnce(ctx)
	if err != nil {
		o.log.Warn("price oracle tick failed", "error", err)
		return
	}
	o.mu.Lock()
	o.last = quote
	o.valid = true
	o.mu.Unlock()
}

func (o *Oracle) fetchOnce(ctx context.Context) (Quote, error) {
	if o.primary != nil {
		q, err := o.primary.Fetch(ctx)
		if err == nil && !stale(q, o.maxAge) {
			return q, nil
		}
		if err != nil {
			o.log.Warn("primary price source failed", "source", o.primary.Name(), "error", err)
		}
	}
	if o.fallback != nil {
		q, err := o.fallback.Fetch(ctx)
		if err == nil && !stale(q, o.maxAge) {
			return q, nil
		}
		if err != nil {
			return Quote{}, fmt.Errorf("fallback source %s failed: %w", o.fallback.Name(), err)
		}
		return Quote{}, fmt.Errorf("fallback source %s returned a stale quote", o.fallback.Name())
	}
	return Quote{}, fmt.Errorf("primary source unavailable and no fallback configured")
}

func stale(q Quote, maxAge time.Duration) bool {
	age := time.Since(time.Unix(q.TimestampUnix, 0))
	return age > maxAge
}

// SetOverride forces GetPrice to return a fixed quote regardless of what the
// upstream sources report. Every read of an active override is logged so an
// operator cannot forget one is in effect. Used only by stress tests.
func (o *Oracle) SetOverride(q *Quote) {
	o.overrideMu.Lock()
	defer o.overrideMu.Unlock()
	o.override = q
	if q != nil {
		o.log.Warn("price oracle override engaged", "usd_minor_units", q.USDMinorUnits, "eur_minor_units", q.EURMinorUnits)
	} else {
		o.log.Info("price oracle override cleared")
	}
}

// GetPrice returns the most recent quote as a {usd, eur, timestampUnix,
// source} tuple.
func (o *Oracle) GetPrice() (Quote, error) {
	o.overrideMu.RLock()
	override := o.override
	o.overrideMu.RUnlock()
	if override != nil {
		o.log.Warn("price oracle override in effect", "usd_minor_units", override.USDMinorUnits)
		return *override, nil
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.valid {
		return Quote{}, fmt.Errorf("price oracle: no quote available yet")
	}
	return o.last, nil
}

// USDPriceFunc adapts GetPrice to the executor's PriceOracle dependency
// shape: a plain fiat-minor-units lookup with no knowledge of the Quote
// type's other fields.
func (o *Oracle) USDPriceFunc() func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		q, err := o.GetPrice()
		if err != nil {
			return 0, err
		}
		return q.USDMinorUnits, nil
	}
}
