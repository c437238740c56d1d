// Package source implements the Data Source Adapter + Registry (spec
// §4.1): a uniform interface over heterogeneous market/AI data providers,
// with per-source rate limiting, short-lived response caching, hard
// per-call timeouts, and market-hours gating applied uniformly by the
// Registry rather than by each Source. Grounded on
// internal/exchange/interface.go's "one interface, many implementations"
// shape and internal/market/cache.go's cache-key-by-bucket idea,
// reimplemented in-process (no Redis — see SPEC_FULL.md §2.2 for why).
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/signalmesh/engine/internal/regime"
	sig "github.com/signalmesh/engine/internal/signal"
)

// SymbolClass is the instrument class a Source can serve.
type SymbolClass string

const (
	ClassEquity SymbolClass = "equity"
	ClassCrypto SymbolClass = "crypto"
)

// Capabilities describes what a Source supports (spec §4.1).
type Capabilities struct {
	Supports        map[SymbolClass]bool
	RateLimitPerSec float64
}

// ErrorKind enumerates SourceError's taxonomy (spec §4.1).
type ErrorKind string

const (
	ErrTimeout            ErrorKind = "TIMEOUT"
	ErrRateLimited        ErrorKind = "RATE_LIMITED"
	ErrAuthFailed         ErrorKind = "AUTH_FAILED"
	ErrUpstream5xx        ErrorKind = "UPSTREAM_5XX"
	ErrMalformedResponse  ErrorKind = "MALFORMED_RESPONSE"
	ErrDisabled           ErrorKind = "DISABLED"
)

// SourceError is the only error shape a Source may return; it must never
// let a raw panic or unrelated error type escape to the generator (spec
// §4.1: "NEVER propagate exceptions to the generator").
type SourceError struct {
	Kind ErrorKind
	Err  error
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source error %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("source error %s", e.Kind)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Snapshot is the market-data context handed to a Source alongside a
// fetch request — a rolling candle window plus the latest price.
type Snapshot struct {
	Price float64
	Bars  []regime.Candle
}

// Source is the uniform contract every data provider implements (spec
// §4.1). Implementations differ only internally; the Registry never
// branches on concrete type.
type Source interface {
	ID() string
	FetchVerdict(ctx context.Context, symbol sig.Symbol, now time.Time, snapshot *Snapshot) (sig.SourceVerdict, *SourceError)
	Capabilities() Capabilities
}

// Config is a per-source registry-side configuration entry (spec §4.1).
type Config struct {
	Enabled         bool
	RateLimitPerSec float64
	CacheTTL        time.Duration
	Timeout         time.Duration
	Slow            bool // permits timeout up to 10s
	EquitiesOnly    bool
	MarketHoursOnly bool
}

type cacheKey struct {
	symbol sig.Symbol
	bucket int64
}

type cacheEntry struct {
	verdict   sig.SourceVerdict
	err       *SourceError
	expiresAt time.Time
}

type registered struct {
	src     Source
	cfg     Config
	limiter *rate.Limiter

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// Registry holds every configured Source keyed by source_id and applies
// the uniform cross-cutting behavior spec §4.1 requires of all of them.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*registered
	now     func() time.Time // overridable for tests
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]*registered),
		now:     time.Now,
	}
}

// Register adds a Source under its own configuration. Re-registering the
// same source_id replaces the prior entry.
func (r *Registry) Register(src Source, cfg Config) {
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1)
	if cfg.RateLimitPerSec <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[src.ID()] = &registered{
		src:     src,
		cfg:     cfg,
		limiter: limiter,
		cache:   make(map[cacheKey]cacheEntry),
	}
}

// Result is one source's outcome for a symbol, as delivered over Stream's
// channel.
type Result struct {
	SourceID string
	Verdict  sig.SourceVerdict
	Err      *SourceError
}

// maxTimeout bounds even a "slow" source (spec §4.1: "up to 10s").
const maxTimeout = 10 * time.Second

// Stream fans out to every applicable Source for symbol concurrently and
// streams results as they arrive. The channel closes once every
// applicable source has returned or ctx is done. Callers (the generator)
// enforce the incremental-early-exit rule (spec §4.4 step 4) by
// cancelling ctx once they're satisfied; results that arrive afterward
// are simply never read.
func (r *Registry) Stream(ctx context.Context, symbol sig.Symbol, now time.Time, snapshot *Snapshot) <-chan Result {
	r.mu.RLock()
	applicable := make([]*registered, 0, len(r.sources))
	for _, reg := range r.sources {
		if !reg.cfg.Enabled {
			continue
		}
		if !supportsSymbol(reg, symbol) {
			continue
		}
		if skippedByMarketHours(reg.cfg, symbol, now) {
			continue
		}
		applicable = append(applicable, reg)
	}
	r.mu.RUnlock()

	out := make(chan Result, len(applicable))
	if len(applicable) == 0 {
		close(out)
		return out
	}

	var wg sync.WaitGroup
	wg.Add(len(applicable))
	for _, reg := range applicable {
		reg := reg
		go func() {
			defer wg.Done()
			v, err := r.fetchOne(ctx, reg, symbol, now, snapshot)
			select {
			case out <- Result{SourceID: reg.src.ID(), Verdict: v, Err: err}:
			case <-ctx.Done():
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func supportsSymbol(reg *registered, symbol sig.Symbol) bool {
	caps := reg.src.Capabilities()
	class := ClassEquity
	if symbol.IsCrypto() {
		class = ClassCrypto
	}
	return caps.Supports[class]
}

// skippedByMarketHours implements spec §4.1's optional gating: "stocks
// only during regular session" sources are skipped for equities outside
// the session, but still called for crypto.
func skippedByMarketHours(cfg Config, symbol sig.Symbol, now time.Time) bool {
	if !cfg.MarketHoursOnly || symbol.IsCrypto() {
		return false
	}
	return !isRegularSession(now)
}

// isRegularSession approximates the US equity regular session
// (09:30-16:00 America/New_York, Monday-Friday). Holidays are not
// modeled; a production deployment would source a trading calendar.
func isRegularSession(now time.Time) bool {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	t := now.In(loc)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), 9, 30, 0, 0, loc)
	closeT := time.Date(t.Year(), t.Month(), t.Day(), 16, 0, 0, 0, loc)
	return !t.Before(open) && !t.After(closeT)
}

func (r *Registry) fetchOne(ctx context.Context, reg *registered, symbol sig.Symbol, now time.Time, snapshot *Snapshot) (sig.SourceVerdict, *SourceError) {
	if !reg.limiter.Allow() {
		return sig.SourceVerdict{}, &SourceError{Kind: ErrRateLimited}
	}

	bucket := now.Unix() / int64(cacheBucketSeconds(reg.cfg.CacheTTL))
	key := cacheKey{symbol: symbol, bucket: bucket}

	reg.mu.Lock()
	if entry, ok := reg.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		reg.mu.Unlock()
		return entry.verdict, entry.err
	}
	reg.mu.Unlock()

	timeout := reg.cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if reg.cfg.Slow && timeout > maxTimeout {
		timeout = maxTimeout
	}
	if !reg.cfg.Slow && timeout > 3*time.Second {
		timeout = 3 * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, serr := r.callWithRecover(callCtx, reg.src, symbol, now, snapshot)
	if serr == nil {
		v.ClampConfidence()
		normalizeDirectional(&v)
	}

	reg.mu.Lock()
	reg.cache[key] = cacheEntry{verdict: v, err: serr, expiresAt: time.Now().Add(reg.cfg.CacheTTL)}
	reg.mu.Unlock()

	return v, serr
}

// callWithRecover isolates one source's call so a panicking implementation
// cannot bring down the cycle — the spec requires errors, never
// exceptions, to reach the generator.
func (r *Registry) callWithRecover(ctx context.Context, src Source, symbol sig.Symbol, now time.Time, snapshot *Snapshot) (v sig.SourceVerdict, serr *SourceError) {
	defer func() {
		if p := recover(); p != nil {
			serr = &SourceError{Kind: ErrMalformedResponse, Err: fmt.Errorf("source %s panicked: %v", src.ID(), p)}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, serr = src.FetchVerdict(ctx, symbol, now, snapshot)
	}()

	select {
	case <-done:
		if serr == nil && ctx.Err() != nil {
			// Late result arrived right at the deadline boundary; treat as
			// a timeout rather than trusting a racy success.
			return sig.SourceVerdict{}, &SourceError{Kind: ErrTimeout, Err: ctx.Err()}
		}
		return v, serr
	case <-ctx.Done():
		return sig.SourceVerdict{}, &SourceError{Kind: ErrTimeout, Err: ctx.Err()}
	}
}

// normalizeDirectional applies spec §4.1's confidence floor/cap rule:
// NEUTRAL may promote to LONG/SHORT if features expose a clear trend,
// capped at 70; any directional verdict floors at 65.
func normalizeDirectional(v *sig.SourceVerdict) {
	if v.Verdict == sig.ActionNeutral {
		if trend, ok := v.Features["trend_direction"]; ok && trend.Kind == sig.FeatureKindString {
			switch trend.Str {
			case "up":
				v.Verdict = sig.ActionLong
			case "down":
				v.Verdict = sig.ActionShort
			default:
				return
			}
			if v.Confidence > 70 {
				v.Confidence = 70
			}
			if v.Confidence < 65 {
				v.Confidence = 65
			}
		}
		return
	}
	if v.Confidence < 65 {
		v.Confidence = 65
	}
}

func cacheBucketSeconds(ttl time.Duration) int64 {
	secs := int64(ttl.Seconds())
	if secs <= 0 {
		return 10
	}
	return secs
}

// ErrNoApplicableSources is returned by helpers that expect at least one
// matching registered source for a symbol and find none.
var ErrNoApplicableSources = errors.New("source: no applicable sources registered for symbol")
