// Package rejectqueue implements the Rejected-Signal Queue (spec §4.10):
// a holding area for signals a Trading Executor rejected for a
// recoverable business reason (e.g. POSITION_CAP), re-delivered once a
// wake condition is satisfied or dropped once max_age/max_retries is
// exceeded. Its poll loop is grounded on internal/orchestrator.go's
// healthCheckLoop ticker shape.
package rejectqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/signalmesh/engine/internal/audit"
	sig "github.com/signalmesh/engine/internal/signal"
)

// WakeCondition names the event class that gates a reattempt. POLL_ONLY
// entries are retried every PollInterval; POSITION_SLOT_FREED entries only
// on the PositionSlotInterval ticker (30s by default, slower than the 5s
// poll); DAILY_LOSS_RESET entries only after the UTC day rolls over.
type WakeCondition string

const (
	WakeOnPositionSlot WakeCondition = "POSITION_SLOT_FREED"
	WakeOnDailyReset   WakeCondition = "DAILY_LOSS_RESET"
	WakeOnPollOnly     WakeCondition = "POLL_ONLY"
)

// Disposition is the terminal state a rejected signal resolves to once it
// leaves the queue.
type Disposition string

const (
	DispositionRetried    Disposition = "RETRIED"
	DispositionExpired    Disposition = "EXPIRED"
	DispositionMaxRetries Disposition = "MAX_RETRIES"
)

// RejectedSignal is one signal held for a later retry.
type RejectedSignal struct {
	ID            uuid.UUID
	Signal        sig.Signal
	ExecutorID    string
	ReasonCode    string
	WakeCondition WakeCondition
	EnqueuedAt    time.Time
	LastAttemptAt time.Time
	Attempts      int
}

// Redeliverer resubmits the original signal envelope to the executor that
// rejected it (implemented by internal/distributor.Distributor against a
// single executor; kept as an interface here to avoid an import cycle).
type Redeliverer interface {
	Redeliver(ctx context.Context, s sig.Signal, executorID string) (accepted bool, reasonCode string, err error)
}

// Config controls poll cadence and retention (spec §4.10 defaults).
type Config struct {
	PollInterval         time.Duration
	PositionSlotInterval time.Duration
	DailyResetInterval   time.Duration // cadence for checking UTC day rollover on WakeOnDailyReset entries
	MaxAge               time.Duration
	DailyResetMaxAge     time.Duration // retention for WakeOnDailyReset entries, which by nature wait up to a full UTC day
	MaxRetries           int
}

// DefaultConfig returns the spec's stated defaults. DailyResetMaxAge covers
// a full UTC day plus slack, since a DAILY_LOSS_TRIPPED rejection (spec
// §4.10) can legitimately wait up to ~24h for its one wake condition —
// the day rollover — to occur.
func DefaultConfig() Config {
	return Config{
		PollInterval:         5 * time.Second,
		PositionSlotInterval: 30 * time.Second,
		DailyResetInterval:   5 * time.Minute,
		MaxAge:               10 * time.Minute,
		DailyResetMaxAge:     26 * time.Hour,
		MaxRetries:           3,
	}
}

// maxAgeFor returns the retention window for wc. WakeOnDailyReset entries
// get DailyResetMaxAge instead of the general MaxAge, since the one event
// that could ever let one through — the UTC day rolling over — cannot
// occur within a short poll-tuned window.
func (cfg Config) maxAgeFor(wc WakeCondition) time.Duration {
	if wc == WakeOnDailyReset && cfg.DailyResetMaxAge > 0 {
		return cfg.DailyResetMaxAge
	}
	return cfg.MaxAge
}

// Queue holds rejected signals in memory and wakes them on a timer.
type Queue struct {
	cfg      Config
	redeliv  atomic.Pointer[Redeliverer]
	auditLog *audit.Logger

	mu      sync.RWMutex
	pending map[uuid.UUID]*RejectedSignal

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Queue and starts its background poll loop. redeliv may
// be nil at construction time — internal/distributor.Distributor and Queue
// depend on each other, so callers wire the Redeliverer in afterward with
// SetRedeliverer once both are built.
func New(cfg Config, redeliv Redeliverer, auditLog *audit.Logger) *Queue {
	q := &Queue{
		cfg:      cfg,
		auditLog: auditLog,
		pending:  make(map[uuid.UUID]*RejectedSignal),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if redeliv != nil {
		q.redeliv.Store(&redeliv)
	}
	go q.pollLoop()
	return q
}

// SetRedeliverer assigns (or replaces) the Redeliverer used to retry
// pending signals. Safe to call concurrently with the poll loop.
func (q *Queue) SetRedeliverer(redeliv Redeliverer) {
	q.redeliv.Store(&redeliv)
}

// Enqueue holds s for a later retry against executorID, classifying its
// wake condition from the rejection reason code.
func (q *Queue) Enqueue(ctx context.Context, s sig.Signal, executorID string, reasonCode string) error {
	r := &RejectedSignal{
		ID:            uuid.New(),
		Signal:        s,
		ExecutorID:    executorID,
		ReasonCode:    reasonCode,
		WakeCondition: wakeConditionFor(reasonCode),
		EnqueuedAt:    time.Now(),
	}

	q.mu.Lock()
	q.pending[r.ID] = r
	q.mu.Unlock()

	if q.auditLog != nil {
		_ = q.auditLog.LogSignalEvent(ctx, audit.EventTypeSignalRejected, s.SignalID,
			map[string]interface{}{"executor_id": executorID, "reason_code": reasonCode, "queued": true}, true, "")
	}
	return nil
}

func wakeConditionFor(reasonCode string) WakeCondition {
	switch reasonCode {
	case "POSITION_CAP", "DUPLICATE_POSITION":
		return WakeOnPositionSlot
	case "DAILY_LOSS_TRIPPED":
		return WakeOnDailyReset
	default:
		return WakeOnPollOnly
	}
}

// Depth reports how many signals are currently held, for metrics export
// (spec §4.11's rejection-queue depth gauge).
func (q *Queue) Depth() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

func (q *Queue) pollLoop() {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	slotTicker := time.NewTicker(q.cfg.PositionSlotInterval)
	defer slotTicker.Stop()
	dailyInterval := q.cfg.DailyResetInterval
	if dailyInterval <= 0 {
		dailyInterval = time.Hour
	}
	dailyTicker := time.NewTicker(dailyInterval)
	defer dailyTicker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			// General poll cadence: only entries with no wake condition
			// of their own ride this ticker, so a POSITION_CAP or
			// DAILY_LOSS_TRIPPED rejection isn't redelivered every
			// PollInterval regardless of whether its condition can
			// possibly be satisfied yet.
			q.sweep(context.Background(), func(wc WakeCondition, _ time.Time) bool { return wc == WakeOnPollOnly })
		case <-slotTicker.C:
			q.sweep(context.Background(), func(wc WakeCondition, _ time.Time) bool { return wc == WakeOnPositionSlot })
		case <-dailyTicker.C:
			q.sweep(context.Background(), func(wc WakeCondition, enqueuedAt time.Time) bool {
				return wc == WakeOnDailyReset && rolledOverUTCDay(enqueuedAt, time.Now())
			})
		}
	}
}

// rolledOverUTCDay reports whether now falls on a later UTC calendar day
// than enqueuedAt, i.e. whether the daily-loss reset this entry is
// waiting on has actually occurred.
func rolledOverUTCDay(enqueuedAt, now time.Time) bool {
	enqueuedAt = enqueuedAt.UTC()
	now = now.UTC()
	ey, em, ed := enqueuedAt.Date()
	ny, nm, nd := now.Date()
	return ny > ey || nm > em || (nm == em && nd > ed)
}

// sweep walks every pending signal, expiring stale ones and attempting
// redelivery of those matched by shouldWake(wakeCondition, enqueuedAt).
func (q *Queue) sweep(ctx context.Context, shouldWake func(WakeCondition, time.Time) bool) {
	now := time.Now()

	q.mu.RLock()
	candidates := make([]*RejectedSignal, 0, len(q.pending))
	for _, r := range q.pending {
		candidates = append(candidates, r)
	}
	q.mu.RUnlock()

	for _, r := range candidates {
		if now.Sub(r.EnqueuedAt) > q.cfg.maxAgeFor(r.WakeCondition) {
			q.resolve(ctx, r, DispositionExpired)
			continue
		}
		if !shouldWake(r.WakeCondition, r.EnqueuedAt) {
			continue
		}
		q.retry(ctx, r, now)
	}
}

func (q *Queue) retry(ctx context.Context, r *RejectedSignal, now time.Time) {
	q.mu.Lock()
	r.Attempts++
	r.LastAttemptAt = now
	attempts := r.Attempts
	q.mu.Unlock()

	redelivPtr := q.redeliv.Load()
	if redelivPtr == nil {
		return
	}
	redeliv := *redelivPtr

	accepted, reasonCode, err := redeliv.Redeliver(ctx, r.Signal, r.ExecutorID)
	if err != nil {
		log.Warn().Str("signal_id", r.Signal.SignalID).Err(err).Msg("rejectqueue: redeliver attempt failed")
	}

	if accepted {
		q.resolve(ctx, r, DispositionRetried)
		return
	}

	r.ReasonCode = reasonCode
	if attempts >= q.cfg.MaxRetries {
		q.resolve(ctx, r, DispositionMaxRetries)
	}
}

func (q *Queue) resolve(ctx context.Context, r *RejectedSignal, disposition Disposition) {
	q.mu.Lock()
	delete(q.pending, r.ID)
	q.mu.Unlock()

	if q.auditLog == nil {
		return
	}

	eventType := audit.EventTypeSignalExpired
	success := disposition == DispositionRetried
	_ = q.auditLog.LogSignalEvent(ctx, eventType, r.Signal.SignalID,
		map[string]interface{}{
			"executor_id": r.ExecutorID,
			"disposition": string(disposition),
			"attempts":    r.Attempts,
		}, success, string(disposition))
}

// Close stops the poll loop and waits for it to exit.
func (q *Queue) Close() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	<-q.doneCh
}
