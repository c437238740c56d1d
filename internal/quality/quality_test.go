package quality

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLookup struct {
	rate float64
	n    int
	err  error
}

func (s stubLookup) WinRate(ctx context.Context, symbol string, confidence float64) (float64, int, error) {
	return s.rate, s.n, s.err
}

func TestScorer_Adjust_SkipsOnThinData(t *testing.T) {
	s := NewScorer(stubLookup{rate: 0.9, n: 5})
	assert.Equal(t, 0.0, s.Adjust(context.Background(), "AAPL", 80))
}

func TestScorer_Adjust_SkipsOnError(t *testing.T) {
	s := NewScorer(stubLookup{err: errors.New("boom"), n: 100})
	assert.Equal(t, 0.0, s.Adjust(context.Background(), "AAPL", 80))
}

func TestScorer_Adjust_PositiveForHighWinRate(t *testing.T) {
	s := NewScorer(stubLookup{rate: 0.9, n: 50})
	adj := s.Adjust(context.Background(), "AAPL", 80)
	assert.Equal(t, 4.0, adj)
}

func TestScorer_Adjust_ClampsToFive(t *testing.T) {
	s := NewScorer(stubLookup{rate: 1.0, n: 50})
	assert.Equal(t, 5.0, s.Adjust(context.Background(), "AAPL", 80))
}

func TestScorer_Adjust_NilStoreIsNoop(t *testing.T) {
	s := NewScorer(nil)
	assert.Equal(t, 0.0, s.Adjust(context.Background(), "AAPL", 80))
}

func TestIdentity_IsNoop(t *testing.T) {
	c := Identity()
	assert.Equal(t, 50.0, c.Apply(50))
}

func TestNewCurve_RejectsNonMonotonic(t *testing.T) {
	_, err := NewCurve("1.0.0", []Point{{0, 10}, {50, 5}, {100, 90}})
	assert.Error(t, err)
}

func TestNewCurve_InterpolatesBetweenKnots(t *testing.T) {
	c, err := NewCurve("1.0.0", []Point{{Raw: 0, Calibrated: 0}, {Raw: 100, Calibrated: 80}})
	require.NoError(t, err)
	assert.InDelta(t, 40, c.Apply(50), 1e-9)
	assert.Equal(t, 0.0, c.Apply(-10))
	assert.Equal(t, 80.0, c.Apply(200))
}

func TestCalibrator_ReloadIsAtomic(t *testing.T) {
	c1, err := NewCurve("1.0.0", []Point{{0, 0}, {100, 100}})
	require.NoError(t, err)
	cal := NewCalibrator(c1)
	assert.Equal(t, 50.0, cal.Calibrate(50))

	c2, err := NewCurve("1.1.0", []Point{{0, 0}, {100, 50}})
	require.NoError(t, err)
	cal.Reload(c2)
	assert.Equal(t, 25.0, cal.Calibrate(50))
}
