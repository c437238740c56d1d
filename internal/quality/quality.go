// Package quality implements the Quality Scorer + Calibrator (spec §4.5):
// a best-effort confidence adjustment looked up against historical
// outcomes, and a pre-fit monotonic calibration curve loaded once at
// startup. Both are allowed to fail or abstain without ever blocking
// signal emission. Grounded on internal/risk/calculator.go's
// CalculateWinRate, whose "too little data -> degrade gracefully" shape
// this package generalizes from a win-rate percentage to a bounded
// confidence nudge.
package quality

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
)

// OutcomeLookup is the subset of the Signal Store the Scorer depends on
// (spec §4.6's query_outcomes), kept as an interface so this package
// never imports internal/store directly.
type OutcomeLookup interface {
	// WinRate returns the historical win rate for symbol within the last
	// 30 days among signals whose confidence landed within ±5 points of
	// confidence, plus how many such outcomes were found.
	WinRate(ctx context.Context, symbol string, confidence float64) (rate float64, sampleSize int, err error)
}

// minOutcomesForAdjustment matches spec §4.4 step 7: fewer than 20
// historical outcomes means skip adjustment entirely.
const minOutcomesForAdjustment = 20

// Scorer adjusts a raw consensus confidence by looking up this symbol's
// recent historical win rate in the given confidence band.
type Scorer struct {
	store OutcomeLookup
}

// NewScorer constructs a Scorer backed by store.
func NewScorer(store OutcomeLookup) *Scorer {
	return &Scorer{store: store}
}

// Adjust returns a bounded [-5,+5] adjustment to apply to confidence for
// symbol. Any lookup error or an insufficient sample both degrade to a
// zero adjustment — the scorer never blocks signal emission (spec §4.5).
func (s *Scorer) Adjust(ctx context.Context, symbol string, confidence float64) float64 {
	if s.store == nil {
		return 0
	}

	rate, n, err := s.store.WinRate(ctx, symbol, confidence)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("quality: win-rate lookup failed, skipping adjustment")
		return 0
	}
	if n < minOutcomesForAdjustment {
		return 0
	}

	// Map win rate linearly around 50%: a 70% historical win rate nudges
	// confidence up, a 30% win rate nudges it down, clamped to ±5.
	adjustment := (rate - 0.5) * 10
	if adjustment > 5 {
		adjustment = 5
	}
	if adjustment < -5 {
		adjustment = -5
	}
	return adjustment
}

// Point is one knot of the calibrator's monotonic raw->calibrated curve.
type Point struct {
	Raw        float64
	Calibrated float64
}

// Curve is an immutable, pre-fit monotonic calibration mapping (spec
// §4.5). It is loaded once at startup; reloads replace the handle
// atomically (Design Notes §9), never mutate in place.
type Curve struct {
	Version *semver.Version
	Points  []Point // sorted ascending by Raw
}

// Identity returns the no-op calibration curve used when fewer than 100
// historical outcomes exist.
func Identity() *Curve {
	v, _ := semver.NewVersion("0.0.0")
	return &Curve{
		Version: v,
		Points:  []Point{{Raw: 0, Calibrated: 0}, {Raw: 100, Calibrated: 100}},
	}
}

// NewCurve sorts points by Raw and validates that Calibrated is
// monotonically non-decreasing before accepting them as a fitted artifact.
func NewCurve(version string, points []Point) (*Curve, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("quality: calibration curve needs at least 2 points, got %d", len(points))
	}
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Raw < sorted[j].Raw })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Calibrated < sorted[i-1].Calibrated {
			return nil, fmt.Errorf("quality: calibration curve is not monotonic at index %d", i)
		}
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("quality: invalid calibration artifact version %q: %w", version, err)
	}
	return &Curve{Version: v, Points: sorted}, nil
}

// Apply maps a raw confidence through the curve via linear interpolation
// between the nearest knots, clamping outside the fitted range.
func (c *Curve) Apply(raw float64) float64 {
	points := c.Points
	if raw <= points[0].Raw {
		return points[0].Calibrated
	}
	last := points[len(points)-1]
	if raw >= last.Raw {
		return last.Calibrated
	}
	for i := 1; i < len(points); i++ {
		if raw <= points[i].Raw {
			lo, hi := points[i-1], points[i]
			if hi.Raw == lo.Raw {
				return hi.Calibrated
			}
			frac := (raw - lo.Raw) / (hi.Raw - lo.Raw)
			return lo.Calibrated + frac*(hi.Calibrated-lo.Calibrated)
		}
	}
	return last.Calibrated
}

// Calibrator holds the currently active Curve behind an atomic pointer so
// concurrent cycle goroutines never observe a torn reload.
type Calibrator struct {
	curve atomic.Pointer[Curve]
}

// NewCalibrator starts a Calibrator with curve (use Identity() if no
// fitted artifact is available, or when sampleCount < 100 per spec §4.5).
func NewCalibrator(curve *Curve) *Calibrator {
	c := &Calibrator{}
	c.curve.Store(curve)
	return c
}

// Reload atomically replaces the active curve.
func (c *Calibrator) Reload(curve *Curve) {
	c.curve.Store(curve)
}

// Calibrate maps raw confidence through the active curve.
func (c *Calibrator) Calibrate(raw float64) float64 {
	curve := c.curve.Load()
	if curve == nil {
		return raw
	}
	return curve.Apply(raw)
}
