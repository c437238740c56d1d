package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalmesh/engine/internal/broker"
	sig "github.com/signalmesh/engine/internal/signal"
)

func baseConfig() Config {
	return Config{
		MaxPositions:       5,
		PositionSizePct:    0.02,
		MinStopDistancePct: 0.001,
		MaxStopDistancePct: 0.1,
		MinConfidence:      70,
		TickSize:           0.01,
		LotSize:            0.0001,
	}
}

func longSignal(symbol string, confidence float64) sig.Signal {
	return sig.Signal{
		SignalID:    "sig-1",
		Symbol:      sig.Symbol(symbol),
		Action:      sig.ActionLong,
		EntryPrice:  100,
		StopPrice:   95,
		TargetPrice: 115,
		Confidence:  confidence,
		SourcesUsed: []string{"a"},
	}
}

func TestExecutor_Execute_AcceptsValidSignal(t *testing.T) {
	br := broker.NewSimulated(10000, false)
	ex := New(baseConfig(), br, nil)

	outcome := ex.Execute(context.Background(), longSignal("AAPL", 80), "sig-1:exec-1")
	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Accepted)
	assert.NotEmpty(t, outcome.OrderID)
}

func TestExecutor_Execute_IsIdempotentOnRepeatDelivery(t *testing.T) {
	br := broker.NewSimulated(10000, false)
	ex := New(baseConfig(), br, nil)

	first := ex.Execute(context.Background(), longSignal("AAPL", 80), "sig-1:exec-1")
	require.True(t, first.Accepted)

	second := ex.Execute(context.Background(), longSignal("AAPL", 80), "sig-1:exec-1")
	assert.True(t, second.Accepted)
	assert.Equal(t, first.OrderID, second.OrderID)
}

func TestExecutor_GateShortCrypto_BlocksUnsupportedShort(t *testing.T) {
	br := broker.NewSimulated(10000, false)
	ex := New(baseConfig(), br, nil)

	s := longSignal("BTC-USD", 80)
	s.Action = sig.ActionShort
	s.StopPrice = 105
	s.TargetPrice = 85

	outcome := ex.Execute(context.Background(), s, "sig-short:exec-1")
	assert.False(t, outcome.Accepted)
	assert.Equal(t, ReasonShortCryptoUnsupported, outcome.ReasonCode)
}

func TestExecutor_GateMinConfidence_BlocksLowConfidence(t *testing.T) {
	br := broker.NewSimulated(10000, false)
	ex := New(baseConfig(), br, nil)

	outcome := ex.Execute(context.Background(), longSignal("AAPL", 50), "sig-1:exec-1")
	assert.False(t, outcome.Accepted)
	assert.Equal(t, ReasonMinConfidenceNotMet, outcome.ReasonCode)
}

func TestExecutor_GatePosition_BlocksDuplicatePosition(t *testing.T) {
	br := broker.NewSimulated(10000, false)
	ex := New(baseConfig(), br, nil)

	first := ex.Execute(context.Background(), longSignal("AAPL", 80), "sig-1:exec-1")
	require.True(t, first.Accepted)

	s2 := longSignal("AAPL", 80)
	s2.SignalID = "sig-2"
	outcome := ex.Execute(context.Background(), s2, "sig-2:exec-1")
	assert.False(t, outcome.Accepted)
	assert.Equal(t, ReasonDuplicatePosition, outcome.ReasonCode)
}

func TestExecutor_GatePosition_BlocksAtMaxPositions(t *testing.T) {
	br := broker.NewSimulated(100000, false)
	cfg := baseConfig()
	cfg.MaxPositions = 1
	ex := New(cfg, br, nil)

	first := ex.Execute(context.Background(), longSignal("AAPL", 80), "sig-1:exec-1")
	require.True(t, first.Accepted)

	s2 := longSignal("MSFT", 80)
	s2.SignalID = "sig-2"
	outcome := ex.Execute(context.Background(), s2, "sig-2:exec-1")
	assert.False(t, outcome.Accepted)
	assert.Equal(t, ReasonPositionCap, outcome.ReasonCode)
}

func TestExecutor_GateDailyLoss_TripsAndStaysTrippedUntilRollover(t *testing.T) {
	br := broker.NewSimulated(10000, false)
	cfg := baseConfig()
	cfg.PropFirmEnabled = true
	cfg.DailyLossLimitPct = 0.05
	cfg.MaxDrawdownPct = 0.5
	ex := New(cfg, br, nil)

	br.ApplyFill("nonexistent", -1000) // drop equity by 10%, past the 5% floor

	outcome := ex.Execute(context.Background(), longSignal("AAPL", 80), "sig-1:exec-1")
	assert.False(t, outcome.Accepted)
	assert.Equal(t, ReasonDailyLossTripped, outcome.ReasonCode)

	br.ApplyFill("nonexistent", 1000) // equity recovers to the day's starting level

	second := ex.Execute(context.Background(), longSignal("MSFT", 80), "sig-2:exec-2")
	assert.False(t, second.Accepted, "daily-loss trip must hold for the rest of the UTC day")
	assert.Equal(t, ReasonDailyLossTripped, second.ReasonCode)
}

func TestExecutor_GateMaxDrawdown_IsTerminalOnceTripped(t *testing.T) {
	br := broker.NewSimulated(10000, false)
	cfg := baseConfig()
	cfg.PropFirmEnabled = true
	cfg.DailyLossLimitPct = 0.9
	cfg.MaxDrawdownPct = 0.1
	ex := New(cfg, br, nil)

	br.ApplyFill("nonexistent", -1500) // 15% drawdown from peak 10000

	first := ex.Execute(context.Background(), longSignal("AAPL", 80), "sig-1:exec-1")
	assert.Equal(t, ReasonMaxDrawdownTripped, first.ReasonCode)

	br.ApplyFill("nonexistent", 2000) // equity recovers above peak

	second := ex.Execute(context.Background(), longSignal("MSFT", 80), "sig-2:exec-2")
	assert.False(t, second.Accepted, "drawdown trip must not auto-reset even after recovery")
	assert.Equal(t, ReasonMaxDrawdownTripped, second.ReasonCode)
}

func TestTimeInForce_SelectsGTCForCryptoAndDAYForEquities(t *testing.T) {
	assert.Equal(t, "GTC", timeInForce(sig.Symbol("BTC-USD")))
	assert.Equal(t, "DAY", timeInForce(sig.Symbol("AAPL")))
}

func TestSymbolBucket_IsStablePerSymbol(t *testing.T) {
	assert.Equal(t, symbolBucket("AAPL"), symbolBucket("AAPL"))
}
