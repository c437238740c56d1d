package rejectqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sig "github.com/signalmesh/engine/internal/signal"
)

func testSignal(id string) sig.Signal {
	return sig.Signal{SignalID: id, Symbol: "AAPL", Action: sig.ActionLong, EntryPrice: 100, StopPrice: 90, TargetPrice: 120}
}

type fakeRedeliverer struct {
	mu       sync.Mutex
	accept   bool
	reason   string
	attempts int
	err      error
}

func (f *fakeRedeliverer) Redeliver(ctx context.Context, s sig.Signal, executorID string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return f.accept, f.reason, f.err
}

func (f *fakeRedeliverer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestQueue_EnqueueAndDepth(t *testing.T) {
	q := New(Config{PollInterval: time.Hour, PositionSlotInterval: time.Hour, MaxAge: time.Hour, MaxRetries: 3}, nil, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), testSignal("s1"), "exec-1", "POSITION_CAP"))
	assert.Equal(t, 1, q.Depth())
}

func TestQueue_Sweep_ExpiresStaleSignals(t *testing.T) {
	q := New(Config{PollInterval: time.Hour, PositionSlotInterval: time.Hour, MaxAge: time.Millisecond, MaxRetries: 3}, nil, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), testSignal("s1"), "exec-1", "POSITION_CAP"))
	time.Sleep(5 * time.Millisecond)

	q.sweep(context.Background(), func(WakeCondition, time.Time) bool { return false })
	assert.Equal(t, 0, q.Depth())
}

func TestQueue_Retry_ResolvesOnAcceptance(t *testing.T) {
	redeliv := &fakeRedeliverer{accept: true}
	q := New(Config{PollInterval: time.Hour, PositionSlotInterval: time.Hour, MaxAge: time.Hour, MaxRetries: 3}, redeliv, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), testSignal("s1"), "exec-1", "POSITION_CAP"))
	q.sweep(context.Background(), func(WakeCondition, time.Time) bool { return true })

	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, 1, redeliv.calls())
}

func TestQueue_Retry_ResolvesMaxRetriesAfterLimitReached(t *testing.T) {
	redeliv := &fakeRedeliverer{accept: false, reason: "POSITION_CAP"}
	q := New(Config{PollInterval: time.Hour, PositionSlotInterval: time.Hour, MaxAge: time.Hour, MaxRetries: 2}, redeliv, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), testSignal("s1"), "exec-1", "POSITION_CAP"))

	q.sweep(context.Background(), func(WakeCondition, time.Time) bool { return true })
	assert.Equal(t, 1, q.Depth(), "should still be pending after attempt 1")

	q.sweep(context.Background(), func(WakeCondition, time.Time) bool { return true })
	assert.Equal(t, 0, q.Depth(), "should resolve as MAX_RETRIES after attempt 2")
}

func TestWakeConditionFor_ClassifiesKnownReasonCodes(t *testing.T) {
	assert.Equal(t, WakeOnPositionSlot, wakeConditionFor("POSITION_CAP"))
	assert.Equal(t, WakeOnPositionSlot, wakeConditionFor("DUPLICATE_POSITION"))
	assert.Equal(t, WakeOnDailyReset, wakeConditionFor("DAILY_LOSS_TRIPPED"))
	assert.Equal(t, WakeOnPollOnly, wakeConditionFor("SOMETHING_ELSE"))
}

func TestRolledOverUTCDay(t *testing.T) {
	enqueuedAt := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)

	assert.False(t, rolledOverUTCDay(enqueuedAt, enqueuedAt.Add(30*time.Minute)), "same UTC day")
	assert.True(t, rolledOverUTCDay(enqueuedAt, enqueuedAt.Add(2*time.Hour)), "past midnight UTC")
	assert.True(t, rolledOverUTCDay(enqueuedAt, enqueuedAt.Add(48*time.Hour)), "multiple days later")
}

// TestPollLoop_FastTickerIgnoresPositionAndDailyWaits exercises the actual
// background pollLoop (not a hand-driven sweep call) and asserts the
// general PollInterval ticker never redelivers a POSITION_CAP or
// DAILY_LOSS_TRIPPED rejection — only its own dedicated, slower ticker
// should. Without the WakeCondition gate, the fast ticker would redeliver
// every pending signal regardless of classification.
func TestPollLoop_FastTickerIgnoresPositionAndDailyWaits(t *testing.T) {
	redeliv := &fakeRedeliverer{accept: false, reason: "POSITION_CAP"}
	q := New(Config{
		PollInterval:         10 * time.Millisecond,
		PositionSlotInterval: time.Hour,
		DailyResetInterval:   time.Hour,
		MaxAge:               time.Hour,
		DailyResetMaxAge:     time.Hour,
		MaxRetries:           100,
	}, redeliv, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), testSignal("s-cap"), "exec-1", "POSITION_CAP"))
	require.NoError(t, q.Enqueue(context.Background(), testSignal("s-loss"), "exec-1", "DAILY_LOSS_TRIPPED"))

	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, 0, redeliv.calls(), "fast poll ticker must not wake position-slot or daily-reset entries")
	assert.Equal(t, 2, q.Depth(), "both entries should remain pending, untouched by the fast ticker")
}

// TestPollLoop_DailyTickerOnlyWakesAfterRollover exercises the dedicated
// daily-reset ticker directly via sweep with the same predicate pollLoop
// uses, confirming a DAILY_LOSS_TRIPPED entry is left alone before UTC
// day rollover and redelivered after.
func TestPollLoop_DailyTickerOnlyWakesAfterRollover(t *testing.T) {
	redeliv := &fakeRedeliverer{accept: true}
	q := New(Config{
		PollInterval:         time.Hour,
		PositionSlotInterval: time.Hour,
		DailyResetInterval:   time.Hour,
		MaxAge:               time.Hour,
		DailyResetMaxAge:     48 * time.Hour,
		MaxRetries:           3,
	}, redeliv, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), testSignal("s-loss"), "exec-1", "DAILY_LOSS_TRIPPED"))

	dailyWake := func(wc WakeCondition, enqueuedAt time.Time) bool {
		return wc == WakeOnDailyReset && rolledOverUTCDay(enqueuedAt, time.Now())
	}

	q.sweep(context.Background(), dailyWake)
	assert.Equal(t, 1, q.Depth(), "no UTC day has rolled over yet")
	assert.Equal(t, 0, redeliv.calls())

	q.mu.Lock()
	for _, r := range q.pending {
		r.EnqueuedAt = time.Now().UTC().Add(-25 * time.Hour)
	}
	q.mu.Unlock()

	q.sweep(context.Background(), dailyWake)
	assert.Equal(t, 0, q.Depth(), "should redeliver once the UTC day has rolled over")
	assert.Equal(t, 1, redeliv.calls())
}
