// Package regime implements the Regime Detector (spec §4.3): classifies a
// symbol's market state from a rolling OHLCV window into one of
// TRENDING/CONSOLIDATION/VOLATILE/UNKNOWN, with thresholds that MUST be
// configurable rather than hardcoded. Grounded on
// internal/risk/calculator.go's DetectMarketRegime (moving-average/
// volatility-driven classification) and internal/indicators/adx.go's
// calculateADXManual, generalized from a string regime ("bullish" /
// "bearish" / "sideways") and a Postgres-backed data load to the spec's
// four-state Regime tag over an in-memory candle window, with ATR
// computed via cinar/indicator/v2 the way internal/indicators/bollinger.go
// computes Bollinger Bands through the same library's channel pipeline.
package regime

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cinar/indicator/v2/volatility"
	"github.com/rs/zerolog/log"

	sig "github.com/signalmesh/engine/internal/signal"
)

// Candle is one OHLCV bar in the rolling window the detector classifies.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Config holds the classification thresholds. MUST be exposed by the
// caller (spec §4.3), never hardcoded inside the detector.
type Config struct {
	ADXPeriod       int
	ATRPeriod       int
	TrendADXFloor   float64 // ADX at/above this implies a trend
	VolatileATRPct  float64 // ATR% of price at/above this implies VOLATILE
	TrendSlopeFloor float64 // |linear-regression slope|/price at/above this implies a trend
	CacheTTL        time.Duration
}

// DefaultConfig returns the thresholds used when none are supplied; it
// exists so callers have a starting point to override, not as an
// authoritative constant.
func DefaultConfig() Config {
	return Config{
		ADXPeriod:       14,
		ATRPeriod:       14,
		TrendADXFloor:   25,
		VolatileATRPct:  0.03,
		TrendSlopeFloor: 0.0015,
		CacheTTL:        5 * time.Minute,
	}
}

// Auxiliary is the auxiliary indicator map spec §4.3 requires alongside
// the Regime tag.
type Auxiliary struct {
	Volatility    float64
	TrendStrength float64
	Momentum      float64
	ADX           float64
}

// Classification is the Detector's output for one symbol.
type Classification struct {
	Regime    sig.Regime
	Aux       Auxiliary
	Symbol    string
	ClassedAt time.Time
}

type cacheEntry struct {
	windowHash uint64
	result     Classification
	expiresAt  time.Time
}

// Detector classifies market regime from rolling candle windows, caching
// results per (symbol, window-hash) for Config.CacheTTL (spec §4.3: "5
// minutes").
type Detector struct {
	cfg   Config
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Detector with the given thresholds.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:   cfg,
		cache: make(map[string]cacheEntry),
	}
}

// Classify returns the Regime for symbol given its rolling candle window
// (spec §4.3: "typically ~200 bars"). Results are cached for
// Config.CacheTTL keyed on (symbol, window-hash), so repeated calls with
// an unchanged window are free.
func (d *Detector) Classify(symbol string, window []Candle) (Classification, error) {
	if len(window) < 2 {
		return Classification{}, fmt.Errorf("regime: window too short for %s: %d bars", symbol, len(window))
	}

	hash := hashWindow(window)

	d.mu.Lock()
	if entry, ok := d.cache[symbol]; ok && entry.windowHash == hash && time.Now().Before(entry.expiresAt) {
		d.mu.Unlock()
		return entry.result, nil
	}
	d.mu.Unlock()

	result, err := d.classify(symbol, window)
	if err != nil {
		return Classification{}, err
	}

	d.mu.Lock()
	d.cache[symbol] = cacheEntry{
		windowHash: hash,
		result:     result,
		expiresAt:  time.Now().Add(d.cfg.CacheTTL),
	}
	d.mu.Unlock()

	return result, nil
}

func (d *Detector) classify(symbol string, window []Candle) (Classification, error) {
	closes := make([]float64, len(window))
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	atr, err := computeATR(highs, lows, closes, d.cfg.ATRPeriod)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("regime: ATR computation failed, treating as UNKNOWN volatility")
		atr = 0
	}

	adx := calculateADXManual(highs, lows, closes, d.cfg.ADXPeriod)
	slope := linearRegressionSlope(closes)

	lastClose := closes[len(closes)-1]
	atrPct := 0.0
	if lastClose > 0 {
		atrPct = atr / lastClose
	}
	normSlope := 0.0
	if lastClose > 0 {
		normSlope = slope / lastClose
	}

	aux := Auxiliary{
		Volatility:    atrPct,
		TrendStrength: adx,
		Momentum:      normSlope,
		ADX:           adx,
	}

	var r sig.Regime
	switch {
	case atrPct >= d.cfg.VolatileATRPct:
		r = sig.RegimeVolatile
	case adx >= d.cfg.TrendADXFloor && math.Abs(normSlope) >= d.cfg.TrendSlopeFloor:
		r = sig.RegimeTrending
	case adx > 0:
		r = sig.RegimeConsolidation
	default:
		r = sig.RegimeUnknown
	}

	log.Debug().
		Str("symbol", symbol).
		Str("regime", string(r)).
		Float64("atr_pct", atrPct).
		Float64("adx", adx).
		Float64("slope", normSlope).
		Msg("regime classified")

	return Classification{
		Regime:    r,
		Aux:       aux,
		Symbol:    symbol,
		ClassedAt: time.Now(),
	}, nil
}

// computeATR runs cinar/indicator/v2's Average True Range over the
// window's channel pipeline, the same calling convention
// internal/indicators/bollinger.go uses for Bollinger Bands.
func computeATR(high, low, close []float64, period int) (float64, error) {
	if len(close) < period+1 {
		return 0, fmt.Errorf("regime: insufficient bars for ATR period %d: got %d", period, len(close))
	}

	highChan := make(chan float64, len(high))
	lowChan := make(chan float64, len(low))
	closeChan := make(chan float64, len(close))
	for i := range close {
		highChan <- high[i]
		lowChan <- low[i]
		closeChan <- close[i]
	}
	close(highChan)
	close(lowChan)
	close(closeChan)

	atrIndicator := volatility.NewAtrWithPeriod[float64](period)
	atrChan := atrIndicator.Compute(highChan, lowChan, closeChan)

	var last float64
	for v := range atrChan {
		last = v
	}
	return last, nil
}

// calculateADXManual is adapted from internal/indicators/adx.go's
// teacher implementation — cinar/indicator v2 has no ADX, so it is
// hand-rolled there and here alike.
func calculateADXManual(high, low, close []float64, period int) float64 {
	n := len(close)
	if n < period*2 {
		return 0
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		highDiff := high[i] - high[i-1]
		lowDiff := low[i-1] - low[i]

		if highDiff > lowDiff && highDiff > 0 {
			plusDM[i] = highDiff
		}
		if lowDiff > highDiff && lowDiff > 0 {
			minusDM[i] = lowDiff
		}

		hl := high[i] - low[i]
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	smoothedTR := smooth(tr, period)
	smoothedPlusDM := smooth(plusDM, period)
	smoothedMinusDM := smooth(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothedTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothedPlusDM[i] / smoothedTR[i]
		minusDI := 100 * smoothedMinusDM[i] / smoothedTR[i]
		sum := plusDI + minusDI
		if sum == 0 {
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
	}

	adx := smooth(dx, period)
	if len(adx) == 0 {
		return 0
	}
	return adx[len(adx)-1]
}

func smooth(values []float64, period int) []float64 {
	n := len(values)
	smoothed := make([]float64, n)
	if n < period {
		return smoothed
	}

	var sum float64
	for i := 0; i < period && i < n; i++ {
		sum += values[i]
	}
	if period-1 < n {
		smoothed[period-1] = sum
	}

	for i := period; i < n; i++ {
		smoothed[i] = smoothed[i-1] - smoothed[i-1]/float64(period) + values[i]
	}
	return smoothed
}

// linearRegressionSlope fits y = a + b*x over the series (x = index) and
// returns b, used as a trend-strength proxy alongside ADX.
func linearRegressionSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// hashWindow derives a cheap order-sensitive hash of the candle window so
// the cache can detect when the window has changed without storing the
// full window twice.
func hashWindow(window []Candle) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	const prime uint64 = 1099511628211
	for _, c := range window {
		bits := math.Float64bits(c.Close)
		h ^= bits
		h *= prime
		h ^= uint64(c.Time.Unix())
		h *= prime
	}
	return h
}
