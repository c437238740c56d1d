package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sig "github.com/signalmesh/engine/internal/signal"
)

func TestSimulated_SubmitBracketOrder_TracksPosition(t *testing.T) {
	b := NewSimulated(10000, false)
	res, err := b.SubmitBracketOrder(context.Background(), BracketOrderRequest{
		SignalID:    "sig-1",
		Symbol:      "BTCUSD",
		Side:        sig.ActionLong,
		Quantity:    0.5,
		EntryPrice:  50000,
		StopPrice:   49000,
		TargetPrice: 52000,
		TimeInForce: "GTC",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)

	positions, err := b.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSD", positions[0].Symbol)
	assert.Equal(t, 0.5, positions[0].Quantity)
}

func TestSimulated_SubmitBracketOrder_RejectsNonPositiveQuantity(t *testing.T) {
	b := NewSimulated(10000, false)
	_, err := b.SubmitBracketOrder(context.Background(), BracketOrderRequest{Symbol: "BTCUSD", Quantity: 0})
	require.Error(t, err)

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.False(t, subErr.Transient)
	assert.Equal(t, RejectInstrumentNotTradable, subErr.Reason)
}

func TestSimulated_ApplyFill_UpdatesEquityAndPeak(t *testing.T) {
	b := NewSimulated(10000, false)
	_, err := b.SubmitBracketOrder(context.Background(), BracketOrderRequest{
		Symbol: "ETHUSD", Quantity: 1, EntryPrice: 3000, StopPrice: 2900, TargetPrice: 3200,
	})
	require.NoError(t, err)

	b.ApplyFill("ETHUSD", 500)
	account, err := b.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10500.0, account.Equity)
	assert.Equal(t, 500.0, account.RealizedPnLToday)
	assert.Equal(t, 10500.0, account.PeakEquity)

	positions, err := b.ListPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	b.ApplyFill("nonexistent", -1000)
	account, err = b.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9500.0, account.Equity)
	assert.Equal(t, 10500.0, account.PeakEquity, "peak must not decay on a loss")
}

func TestSimulated_ShortsCrypto_ReflectsConfiguration(t *testing.T) {
	assert.True(t, NewSimulated(1000, true).ShortsCrypto())
	assert.False(t, NewSimulated(1000, false).ShortsCrypto())
}

func TestConvertSymbol_DashedCryptoPairBecomesCompact(t *testing.T) {
	assert.Equal(t, "BTCUSD", ConvertSymbol(sig.Symbol("BTC-USD")))
	assert.Equal(t, "AAPL", ConvertSymbol(sig.Symbol("AAPL")))
}

func TestSubmissionError_ErrorMessageReflectsTransientVsRejected(t *testing.T) {
	transient := &SubmissionError{Transient: true, Err: assert.AnError}
	assert.Contains(t, transient.Error(), "transient")

	rejected := &SubmissionError{Reason: RejectInsufficientBalance, Err: assert.AnError}
	assert.Contains(t, rejected.Error(), "INSUFFICIENT_BALANCE")
}
