package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sig "github.com/signalmesh/engine/internal/signal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:", BatchSize: 50, FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func testSignal(t *testing.T, symbol string, confidence float64, createdAt time.Time) sig.Signal {
	t.Helper()
	id, err := sig.NewSignalID()
	require.NoError(t, err)
	s := sig.Signal{
		SignalID:    id,
		CreatedAt:   createdAt,
		Symbol:      sig.Symbol(symbol),
		Action:      sig.ActionLong,
		EntryPrice:  100,
		StopPrice:   95,
		TargetPrice: 110,
		Confidence:  confidence,
		Regime:      sig.RegimeTrending,
		SourcesUsed: []string{"technical"},
		PerSourceVerdicts: []sig.SourceVerdict{
			{SourceID: "technical", Verdict: sig.ActionLong, Confidence: confidence},
		},
		Rationale: "test",
	}
	return s
}

func TestStore_AppendAndFlush_PersistsWithHashChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	a := testSignal(t, "AAPL", 80, now)
	b := testSignal(t, "AAPL", 85, now.Add(time.Second))

	require.NoError(t, s.Append(a))
	require.NoError(t, s.Append(b))

	n, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := s.QueryRecent(ctx, Filter{Symbol: "AAPL", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Most recent first.
	assert.Equal(t, b.SignalID, rows[0].SignalID)
	assert.Equal(t, a.SignalID, rows[1].SignalID)

	// The earlier-created row chains from empty; the later row chains from it.
	assert.Equal(t, "", rows[1].PrevSHA256)
	assert.Equal(t, rows[1].SHA256, rows[0].PrevSHA256)
	assert.NotEmpty(t, rows[0].SHA256)
}

func TestStore_Append_RejectsInvalidSides(t *testing.T) {
	s := newTestStore(t)
	bad := testSignal(t, "AAPL", 80, time.Now())
	bad.StopPrice = 200 // violates LONG invariant

	err := s.Append(bad)
	assert.Error(t, err)
	assert.Equal(t, 0, s.PendingCount())
}

func TestStore_Append_TriggersSizeBasedFlush(t *testing.T) {
	s := newTestStore(t)
	s.cfg.BatchSize = 2

	now := time.Now()
	require.NoError(t, s.Append(testSignal(t, "AAPL", 80, now)))
	require.NoError(t, s.Append(testSignal(t, "AAPL", 81, now.Add(time.Second))))

	require.Eventually(t, func() bool {
		return s.PendingCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStore_VerifyIntegrity_DetectsTamperedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	a := testSignal(t, "AAPL", 80, now)
	require.NoError(t, s.Append(a))
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	report, err := s.VerifyIntegrity(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.OK)
	assert.Empty(t, report.Mismatches)

	_, err = s.db.ExecContext(ctx, `UPDATE signals SET confidence = 999 WHERE signal_id = ?`, a.SignalID)
	require.NoError(t, err)

	report, err = s.VerifyIntegrity(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, report.Mismatches, 1)
	assert.Equal(t, a.SignalID, report.Mismatches[0].ID)
}

func TestStore_SetOutcome_SingleGuardedTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testSignal(t, "AAPL", 80, time.Now())
	require.NoError(t, s.Append(a))
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SetOutcome(ctx, a.SignalID, sig.OutcomeWin, 110, 10, time.Now()))

	err = s.SetOutcome(ctx, a.SignalID, sig.OutcomeLoss, 90, -10, time.Now())
	assert.Error(t, err)
}

func TestStore_WinRate_RequiresDecidedOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		sgl := testSignal(t, "AAPL", 80, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Append(sgl))
	}
	_, err := s.Flush(ctx)
	require.NoError(t, err)

	rate, n, err := s.WinRate(ctx, "AAPL", 80)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0.0, rate)

	rows, err := s.QueryRecent(ctx, Filter{Symbol: "AAPL", Limit: 10})
	require.NoError(t, err)
	require.NoError(t, s.SetOutcome(ctx, rows[0].SignalID, sig.OutcomeWin, 110, 10, now))
	require.NoError(t, s.SetOutcome(ctx, rows[1].SignalID, sig.OutcomeLoss, 90, -10, now))

	rate, n, err = s.WinRate(ctx, "AAPL", 80)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0.5, rate)
}

func TestStore_Archive_MovesOldRowsAndPreservesChain(t *testing.T) {
	primary := newTestStore(t)
	archive := newTestStore(t)
	ctx := context.Background()

	old := testSignal(t, "AAPL", 80, time.Now().Add(-48*time.Hour))
	recent := testSignal(t, "AAPL", 81, time.Now())
	require.NoError(t, primary.Append(old))
	require.NoError(t, primary.Append(recent))
	_, err := primary.Flush(ctx)
	require.NoError(t, err)

	n, err := primary.Archive(ctx, time.Now().Add(-24*time.Hour), archive)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := primary.QueryRecent(ctx, Filter{Symbol: "AAPL", Limit: 10})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, recent.SignalID, remaining[0].SignalID)

	archived, err := archive.QueryRecent(ctx, Filter{Symbol: "AAPL", Limit: 10})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, old.SignalID, archived[0].SignalID)
}
