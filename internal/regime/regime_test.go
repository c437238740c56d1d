package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sig "github.com/signalmesh/engine/internal/signal"
)

func buildWindow(n int, trendPerBar float64, noise float64) []Candle {
	window := make([]Candle, n)
	price := 100.0
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		price += trendPerBar
		wobble := noise
		if i%2 == 0 {
			wobble = -noise
		}
		window[i] = Candle{
			Time:  base.Add(time.Duration(i) * time.Hour),
			Open:  price,
			High:  price + wobble + 0.5,
			Low:   price + wobble - 0.5,
			Close: price + wobble,
		}
	}
	return window
}

func TestDetector_Classify_RejectsShortWindow(t *testing.T) {
	d := New(DefaultConfig())
	_, err := d.Classify("AAPL", buildWindow(1, 0, 0))
	assert.Error(t, err)
}

func TestDetector_Classify_CachesUnchangedWindow(t *testing.T) {
	d := New(DefaultConfig())
	window := buildWindow(60, 0.3, 0.2)

	r1, err := d.Classify("AAPL", window)
	require.NoError(t, err)
	r2, err := d.Classify("AAPL", window)
	require.NoError(t, err)

	assert.Equal(t, r1.Regime, r2.Regime)
	assert.Equal(t, r1.ClassedAt, r2.ClassedAt, "second call within TTL must hit cache, not reclassify")
}

func TestDetector_Classify_InvalidatesOnWindowChange(t *testing.T) {
	d := New(DefaultConfig())
	w1 := buildWindow(60, 0.3, 0.2)
	r1, err := d.Classify("AAPL", w1)
	require.NoError(t, err)

	w2 := buildWindow(60, -0.5, 2.0)
	r2, err := d.Classify("AAPL", w2)
	require.NoError(t, err)

	assert.NotEqual(t, r1.ClassedAt, r2.ClassedAt)
}

func TestDetector_Classify_HighVolatilityWindowIsVolatile(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg)
	window := buildWindow(60, 0, 15) // huge bar-to-bar swings relative to price
	result, err := d.Classify("BTC-USD", window)
	require.NoError(t, err)
	assert.Equal(t, sig.RegimeVolatile, result.Regime)
}

func TestLinearRegressionSlope_PositiveForUptrend(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1.0, linearRegressionSlope(values), 1e-9)
}

func TestLinearRegressionSlope_FlatIsZero(t *testing.T) {
	values := []float64{5, 5, 5, 5, 5}
	assert.InDelta(t, 0, linearRegressionSlope(values), 1e-9)
}
