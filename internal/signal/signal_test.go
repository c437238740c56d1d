package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbol_IsCrypto(t *testing.T) {
	assert.True(t, Symbol("BTC-USD").IsCrypto())
	assert.True(t, Symbol("BTCUSD").IsCrypto())
	assert.False(t, Symbol("AAPL").IsCrypto())
	assert.False(t, Symbol("MSFT").IsCrypto())
}

func validLong() Signal {
	return Signal{
		SignalID:    "abc",
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Symbol:      "AAPL",
		Action:      ActionLong,
		EntryPrice:  100,
		StopPrice:   95,
		TargetPrice: 110,
		Confidence:  83,
		Regime:      RegimeTrending,
		SourcesUsed: []string{"alpha"},
	}
}

func TestSignal_ValidateSides_Long(t *testing.T) {
	s := validLong()
	require.NoError(t, s.ValidateSides())

	bad := s
	bad.StopPrice = 105
	assert.Error(t, bad.ValidateSides())
}

func TestSignal_ValidateSides_Short(t *testing.T) {
	s := validLong()
	s.Action = ActionShort
	s.StopPrice, s.EntryPrice, s.TargetPrice = 105, 100, 90
	require.NoError(t, s.ValidateSides())

	bad := s
	bad.TargetPrice = 110
	assert.Error(t, bad.ValidateSides())
}

func TestSignal_ValidateSides_RejectsNeutral(t *testing.T) {
	s := validLong()
	s.Action = ActionNeutral
	assert.Error(t, s.ValidateSides())
}

func TestSignal_ValidateSides_RequiresSources(t *testing.T) {
	s := validLong()
	s.SourcesUsed = nil
	assert.Error(t, s.ValidateSides())
}

func TestSignal_ComputeHash_Deterministic(t *testing.T) {
	s := validLong()
	h1, err := s.ComputeHash()
	require.NoError(t, err)
	h2, err := s.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestSignal_ComputeHash_IgnoresMutableOutcomeFields(t *testing.T) {
	s := validLong()
	before, err := s.ComputeHash()
	require.NoError(t, err)

	s.Outcome = OutcomeWin
	exit := 115.0
	s.ExitPrice = &exit
	s.OrderID = "order-1"

	after, err := s.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, before, after, "outcome fields must not affect the immutable hash")
}

func TestSignal_ComputeHash_ChangesOnImmutableEdit(t *testing.T) {
	s := validLong()
	before, err := s.ComputeHash()
	require.NoError(t, err)

	s.Confidence = 50
	after, err := s.ComputeHash()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestSourceVerdict_IsDirectional(t *testing.T) {
	assert.True(t, SourceVerdict{Verdict: ActionLong, Confidence: 10}.IsDirectional())
	assert.True(t, SourceVerdict{Verdict: ActionNeutral, Confidence: 65}.IsDirectional())
	assert.False(t, SourceVerdict{Verdict: ActionNeutral, Confidence: 64.9}.IsDirectional())
}

func TestSourceVerdict_ClampConfidence(t *testing.T) {
	v := SourceVerdict{Confidence: 150}
	v.ClampConfidence()
	assert.Equal(t, 100.0, v.Confidence)

	v = SourceVerdict{Confidence: -5}
	v.ClampConfidence()
	assert.Equal(t, 0.0, v.Confidence)
}
