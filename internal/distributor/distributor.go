// Package distributor implements the Signal Distributor (spec §4.8): it
// fans a finalized Signal out to every eligible downstream executor,
// HMAC-signs each request, and classifies the response into success,
// business-rejection (possibly requeued), no-retry client error, or a
// retry schedule. Delivery to a single executor is serialized by a
// per-executor worker goroutine so ordering within that executor is
// preserved; across executors there is no ordering guarantee, mirroring
// the decoupled-channel shape of internal/exchange/retry.go generalized
// from a single retry loop to one subscriber queue per destination.
package distributor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/signalmesh/engine/internal/alerts"
	"github.com/signalmesh/engine/internal/audit"
	sig "github.com/signalmesh/engine/internal/signal"
)

// backoffSchedule is the irregular retry ladder spec §4.8 requires for
// 5xx/timeout responses: 1s, 5s, 15s, 1m, 6h, then UNDELIVERED.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	1 * time.Minute,
	6 * time.Hour,
}

const maxAttempts = len(backoffSchedule)

// recoverableReasonCodes are business-rejection reason codes eligible for
// requeue onto the Rejected-Signal Queue rather than a terminal drop
// (spec §4.8's "200 business-rejection" branch).
var recoverableReasonCodes = map[string]bool{
	"MIN_CONFIDENCE_NOT_MET": false, // confidence won't change; not recoverable
	"POSITION_CAP":           true,
	"DUPLICATE_POSITION":     true,
	"SIZE_TOO_SMALL":         false,
	"DAILY_LOSS_TRIPPED":     true,
	"MAX_DRAWDOWN_TRIPPED":   false,
}

// IsRecoverable reports whether reasonCode should be enqueued for a later
// retry instead of dropped for good.
func IsRecoverable(reasonCode string) bool {
	return recoverableReasonCodes[reasonCode]
}

// Executor is the distributor's view of one downstream (spec's
// ExecutorDescriptor), duplicated here from internal/config.ExecutorConfig
// so this package doesn't import config directly — it only needs the
// filtering fields, not viper/vault plumbing.
type Executor struct {
	ID                  string
	EndpointURL         string
	SharedSecret        string
	MinConfidence       float64
	SymbolAllowlist     map[string]bool
	ActionAllowlist     map[string]bool
	MaxSignalsPerWindow int
	Enabled             bool
}

// Eligible reports whether s passes this executor's static filters (spec
// §4.8's eligibility predicate, minus the rate-limit check which the
// Distributor tracks separately per executor).
func (e Executor) Eligible(s sig.Signal) bool {
	if !e.Enabled {
		return false
	}
	if s.Confidence < e.MinConfidence {
		return false
	}
	if len(e.SymbolAllowlist) > 0 && !e.SymbolAllowlist[string(s.Symbol)] {
		return false
	}
	if len(e.ActionAllowlist) > 0 && !e.ActionAllowlist[string(s.Action)] {
		return false
	}
	return true
}

// Outcome classifies how a single executor handled a delivery attempt.
type Outcome string

const (
	OutcomeExecuted     Outcome = "EXECUTED"
	OutcomeRejected     Outcome = "REJECTED"
	OutcomeNoRetry      Outcome = "NO_RETRY"
	OutcomeUndelivered  Outcome = "UNDELIVERED"
	OutcomeRateLimited  Outcome = "RATE_LIMITED"
)

// DeliveryResult is reported to the caller after a delivery attempt
// resolves (terminally, or after exhausting retries).
type DeliveryResult struct {
	ExecutorID string
	SignalID   string
	Outcome    Outcome
	OrderID    string
	ReasonCode string
	Err        error
}

// executorResponse is the subset of the Trading Executor's JSON response
// this package needs to read (spec §4.9's success/rejection shapes).
type executorResponse struct {
	Success    bool   `json:"success"`
	OrderID    string `json:"order_id"`
	ReasonCode string `json:"reason_code"`
}

// Queuer enqueues a recoverable business-rejection for a later retry
// (implemented by internal/rejectqueue.Queue; kept as an interface here
// to avoid an import cycle between the two packages).
type Queuer interface {
	Enqueue(ctx context.Context, s sig.Signal, executorID string, reasonCode string) error
}

// Distributor fans signals out to every eligible executor. It never
// mutates the Signal it's given.
type Distributor struct {
	executors []Executor
	client    *retryablehttp.Client
	queue     Queuer
	auditLog  *audit.Logger

	mu      sync.Mutex
	queues  map[string]chan deliveryJob
	limiter map[string]*slidingWindow

	alerter alerts.Alerter // optional; fires once a signal exhausts its retry ladder (spec §7)
}

// SetAlerter attaches a critical-alert sink. Nil-safe.
func (d *Distributor) SetAlerter(a alerts.Alerter) {
	d.alerter = a
}

type deliveryJob struct {
	signal sig.Signal
	result chan DeliveryResult
}

// New constructs a Distributor. requestTimeout bounds a single HTTP call
// (spec §4.8's per-request 5s default); queue may be nil if the caller
// doesn't wire a Rejected-Signal Queue (business rejections then drop
// instead of requeuing).
func New(executors []Executor, requestTimeout time.Duration, queue Queuer, auditLog *audit.Logger) *Distributor {
	client := retryablehttp.NewClient()
	client.RetryMax = 0 // this package owns its own backoff schedule, not retryablehttp's
	client.HTTPClient.Timeout = requestTimeout
	client.Logger = nil

	d := &Distributor{
		executors: executors,
		client:    client,
		queue:     queue,
		auditLog:  auditLog,
		queues:    make(map[string]chan deliveryJob),
		limiter:   make(map[string]*slidingWindow),
	}
	for _, ex := range executors {
		d.queues[ex.ID] = make(chan deliveryJob, 256)
		d.limiter[ex.ID] = newSlidingWindow(ex.MaxSignalsPerWindow, time.Minute)
		go d.worker(ex)
	}
	return d
}

// Distribute fans s out to every eligible executor and returns once every
// executor has produced a terminal (non-retrying) result. Retries that
// are still pending past the final schedule entry resolve as
// OutcomeUndelivered rather than blocking the caller indefinitely.
func (d *Distributor) Distribute(ctx context.Context, s sig.Signal) []DeliveryResult {
	var results []DeliveryResult
	var pending []chan DeliveryResult

	for _, ex := range d.executors {
		if !ex.Eligible(s) {
			continue
		}
		resultCh := make(chan DeliveryResult, 1)
		select {
		case d.queues[ex.ID] <- deliveryJob{signal: s, result: resultCh}:
			pending = append(pending, resultCh)
		default:
			results = append(results, d.rateLimited(ctx, ex, s, "executor delivery queue full"))
		}
	}

	for _, ch := range pending {
		select {
		case r := <-ch:
			results = append(results, r)
		case <-ctx.Done():
			results = append(results, DeliveryResult{Outcome: OutcomeUndelivered, Err: ctx.Err()})
		}
	}
	return results
}

func (d *Distributor) rateLimited(ctx context.Context, ex Executor, s sig.Signal, reason string) DeliveryResult {
	if d.auditLog != nil {
		_ = d.auditLog.LogSignalEvent(ctx, audit.EventTypeSignalRejected, s.SignalID,
			map[string]interface{}{"executor_id": ex.ID, "reason": reason, "code": "RATE_LIMITED_BY_DISTRIBUTOR"},
			false, reason)
	}
	return DeliveryResult{ExecutorID: ex.ID, SignalID: s.SignalID, Outcome: OutcomeRateLimited, ReasonCode: "RATE_LIMITED_BY_DISTRIBUTOR"}
}

// worker serializes delivery to one executor: a signal's full retry
// schedule plays out here before the next queued signal for this
// executor begins, preserving per-executor order.
func (d *Distributor) worker(ex Executor) {
	for job := range d.queues[ex.ID] {
		job.result <- d.deliverWithRetry(context.Background(), ex, job.signal)
	}
}

func (d *Distributor) deliverWithRetry(ctx context.Context, ex Executor, s sig.Signal) DeliveryResult {
	if !d.limiter[ex.ID].Allow(time.Now()) {
		return d.rateLimited(ctx, ex, s, "sliding window exceeded")
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, retryable, err := d.attempt(ctx, ex, s)
		if err == nil {
			return result
		}
		lastErr = err
		if !retryable {
			return result
		}

		log.Warn().Str("executor_id", ex.ID).Str("signal_id", s.SignalID).
			Int("attempt", attempt+1).Dur("backoff", backoffSchedule[attempt]).
			Err(err).Msg("distributor: delivery failed, retrying")

		select {
		case <-time.After(backoffSchedule[attempt]):
		case <-ctx.Done():
			return DeliveryResult{ExecutorID: ex.ID, SignalID: s.SignalID, Outcome: OutcomeUndelivered, Err: ctx.Err()}
		}
	}

	if d.auditLog != nil {
		_ = d.auditLog.LogSignalEvent(ctx, audit.EventTypeSignalRejected, s.SignalID,
			map[string]interface{}{"executor_id": ex.ID, "attempts": maxAttempts}, false, lastErr.Error())
	}
	if d.alerter != nil {
		if err := d.alerter.Send(ctx, alerts.Alert{
			Title:    "Signal Undelivered",
			Message:  fmt.Sprintf("signal %s to executor %s exhausted %d delivery attempts: %v", s.SignalID, ex.ID, maxAttempts, lastErr),
			Severity: alerts.SeverityCritical,
			Metadata: map[string]interface{}{"signal_id": s.SignalID, "executor_id": ex.ID, "attempts": maxAttempts},
		}); err != nil {
			log.Error().Err(err).Msg("distributor: failed to deliver undelivered-signal alert")
		}
	}
	return DeliveryResult{ExecutorID: ex.ID, SignalID: s.SignalID, Outcome: OutcomeUndelivered, Err: lastErr}
}

// attempt makes one HTTP delivery attempt, returning (result, retryable,
// error). error is nil only for a terminal non-retryable outcome.
func (d *Distributor) attempt(ctx context.Context, ex Executor, s sig.Signal) (DeliveryResult, bool, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return DeliveryResult{}, false, fmt.Errorf("distributor: marshal signal: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, ex.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{}, false, fmt.Errorf("distributor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", sign(ex.SharedSecret, body))
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", s.SignalID, ex.ID))

	resp, err := d.client.Do(req)
	if err != nil {
		return DeliveryResult{ExecutorID: ex.ID, SignalID: s.SignalID}, true, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed executorResponse
		if jsonErr := json.Unmarshal(respBody, &parsed); jsonErr != nil {
			return DeliveryResult{ExecutorID: ex.ID, SignalID: s.SignalID}, false, fmt.Errorf("distributor: decode response: %w", jsonErr)
		}
		if parsed.Success {
			if d.auditLog != nil {
				_ = d.auditLog.LogSignalEvent(ctx, audit.EventTypeSignalDistributed, s.SignalID,
					map[string]interface{}{"executor_id": ex.ID, "order_id": parsed.OrderID}, true, "")
			}
			return DeliveryResult{ExecutorID: ex.ID, SignalID: s.SignalID, Outcome: OutcomeExecuted, OrderID: parsed.OrderID}, false, nil
		}

		log.Debug().Str("executor_id", ex.ID).Str("signal_id", s.SignalID).
			Str("reason_code", parsed.ReasonCode).Msg("distributor: business rejection")

		if IsRecoverable(parsed.ReasonCode) && d.queue != nil {
			if err := d.queue.Enqueue(ctx, s, ex.ID, parsed.ReasonCode); err != nil {
				log.Error().Err(err).Msg("distributor: failed to enqueue rejected signal")
			}
		}
		return DeliveryResult{ExecutorID: ex.ID, SignalID: s.SignalID, Outcome: OutcomeRejected, ReasonCode: parsed.ReasonCode}, false, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		log.Warn().Str("executor_id", ex.ID).Str("signal_id", s.SignalID).
			Int("status", resp.StatusCode).Msg("distributor: client error, no retry")
		return DeliveryResult{ExecutorID: ex.ID, SignalID: s.SignalID, Outcome: OutcomeNoRetry}, false, nil

	default:
		return DeliveryResult{ExecutorID: ex.ID, SignalID: s.SignalID}, true,
			fmt.Errorf("distributor: executor %s returned status %d", ex.ID, resp.StatusCode)
	}
}

// Redeliver makes one bare delivery attempt to executorID, satisfying
// internal/rejectqueue.Redeliverer. Unlike Distribute it does not re-enter
// the retry/backoff ladder or the rejection queue itself — the rejection
// queue owns its own retry cadence (spec §4.10); a transient error here
// just comes back as accepted=false for the queue to reschedule.
func (d *Distributor) Redeliver(ctx context.Context, s sig.Signal, executorID string) (accepted bool, reasonCode string, err error) {
	for _, ex := range d.executors {
		if ex.ID != executorID {
			continue
		}
		result, _, attemptErr := d.attempt(ctx, ex, s)
		if attemptErr != nil {
			return false, "", attemptErr
		}
		return result.Outcome == OutcomeExecuted, result.ReasonCode, nil
	}
	return false, "", fmt.Errorf("distributor: unknown executor %q", executorID)
}

// sign computes the HMAC-SHA256 signature over body using the executor's
// shared secret (spec §4.8's X-Signature header).
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Close drains and stops all per-executor workers. Pending jobs in a
// queue are abandoned; callers should finish in-flight Distribute calls
// before invoking Close.
func (d *Distributor) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.queues {
		close(ch)
	}
}

// slidingWindow implements the per-executor rate limit (spec §4.8's
// max_signals_per_window over a 60s window) as a timestamp queue rather
// than a token bucket, since the spec counts signals within a trailing
// window rather than refilling at a fixed rate.
type slidingWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	times  []time.Time
}

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	if max <= 0 {
		max = 1 << 30 // effectively unlimited
	}
	return &slidingWindow{max: max, window: window}
}

// Allow reports whether one more delivery is permitted at now, recording
// it if so.
func (w *slidingWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) >= w.max {
		return false
	}
	w.times = append(w.times, now)
	return true
}
