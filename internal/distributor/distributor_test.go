package distributor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sig "github.com/signalmesh/engine/internal/signal"
)

func testSignal(symbol string, confidence float64) sig.Signal {
	return sig.Signal{
		SignalID:    "sig-" + symbol,
		CreatedAt:   time.Now(),
		Symbol:      sig.Symbol(symbol),
		Action:      sig.ActionLong,
		EntryPrice:  100,
		StopPrice:   90,
		TargetPrice: 120,
		Confidence:  confidence,
		SourcesUsed: []string{"a"},
	}
}

func TestExecutor_Eligible_FiltersByConfidenceAndAllowlists(t *testing.T) {
	ex := Executor{
		Enabled:         true,
		MinConfidence:   70,
		SymbolAllowlist: map[string]bool{"AAPL": true},
		ActionAllowlist: map[string]bool{"LONG": true},
	}
	assert.True(t, ex.Eligible(testSignal("AAPL", 80)))
	assert.False(t, ex.Eligible(testSignal("AAPL", 50)), "below min confidence")
	assert.False(t, ex.Eligible(testSignal("MSFT", 80)), "not in symbol allowlist")

	disabled := ex
	disabled.Enabled = false
	assert.False(t, disabled.Eligible(testSignal("AAPL", 80)))
}

func TestDistributor_Distribute_SuccessOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Signature"))
		assert.Equal(t, "sig-AAPL:exec-1", r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(executorResponse{Success: true, OrderID: "ord-1"})
	}))
	defer srv.Close()

	d := New([]Executor{{ID: "exec-1", EndpointURL: srv.URL, SharedSecret: "s3cr3t", Enabled: true, MaxSignalsPerWindow: 100}}, time.Second, nil, nil)
	defer d.Close()

	results := d.Distribute(context.Background(), testSignal("AAPL", 80))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeExecuted, results[0].Outcome)
	assert.Equal(t, "ord-1", results[0].OrderID)
}

func TestDistributor_Distribute_BusinessRejectionEnqueuesWhenRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(executorResponse{Success: false, ReasonCode: "POSITION_CAP"})
	}))
	defer srv.Close()

	enqueued := make(chan string, 1)
	queue := queuerFunc(func(ctx context.Context, s sig.Signal, executorID, reasonCode string) error {
		enqueued <- reasonCode
		return nil
	})

	d := New([]Executor{{ID: "exec-1", EndpointURL: srv.URL, SharedSecret: "s", Enabled: true, MaxSignalsPerWindow: 100}}, time.Second, queue, nil)
	defer d.Close()

	results := d.Distribute(context.Background(), testSignal("AAPL", 80))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeRejected, results[0].Outcome)

	select {
	case reason := <-enqueued:
		assert.Equal(t, "POSITION_CAP", reason)
	case <-time.After(time.Second):
		t.Fatal("expected enqueue for recoverable reason code")
	}
}

func TestDistributor_Distribute_ClientErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := New([]Executor{{ID: "exec-1", EndpointURL: srv.URL, SharedSecret: "s", Enabled: true, MaxSignalsPerWindow: 100}}, time.Second, nil, nil)
	defer d.Close()

	results := d.Distribute(context.Background(), testSignal("AAPL", 80))
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeNoRetry, results[0].Outcome)
	assert.Equal(t, 1, calls)
}

func TestDistributor_Distribute_SkipsIneligibleExecutor(t *testing.T) {
	d := New([]Executor{{ID: "exec-1", EndpointURL: "http://unused", Enabled: true, MinConfidence: 95, MaxSignalsPerWindow: 100}}, time.Second, nil, nil)
	defer d.Close()

	results := d.Distribute(context.Background(), testSignal("AAPL", 50))
	assert.Empty(t, results)
}

func TestSlidingWindow_BlocksOverLimitThenRecoversAfterWindow(t *testing.T) {
	w := newSlidingWindow(2, 50*time.Millisecond)
	now := time.Now()
	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now))
	assert.False(t, w.Allow(now), "third request within window should be blocked")
	assert.True(t, w.Allow(now.Add(60*time.Millisecond)), "window should have rolled over")
}

func TestSign_IsDeterministicAndKeyed(t *testing.T) {
	body := []byte(`{"a":1}`)
	s1 := sign("secret-a", body)
	s2 := sign("secret-a", body)
	s3 := sign("secret-b", body)
	assert.Equal(t, s1, s2)
	assert.NotEqual(t, s1, s3)
}

type queuerFunc func(ctx context.Context, s sig.Signal, executorID, reasonCode string) error

func (f queuerFunc) Enqueue(ctx context.Context, s sig.Signal, executorID, reasonCode string) error {
	return f(ctx, s, executorID, reasonCode)
}
