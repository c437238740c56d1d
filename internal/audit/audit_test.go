package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_Defaults(t *testing.T) {
	event := &Event{
		EventType: EventTypeTradingStart,
		Severity:  SeverityInfo,
		IPAddress: "192.168.1.1",
		Action:    "Start trading session",
		Success:   true,
	}

	assert.Equal(t, uuid.Nil, event.ID)
	assert.True(t, event.Timestamp.IsZero())
}

func TestLogger_LogWithoutDatabase(t *testing.T) {
	logger := NewLogger(nil, true, "")

	event := &Event{
		EventType: EventTypeTradingStart,
		Severity:  SeverityInfo,
		Actor:     "user123",
		IPAddress: "192.168.1.1",
		Action:    "Start trading session",
		Success:   true,
	}

	err := logger.Log(context.Background(), event)
	assert.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.NotEmpty(t, event.RecordHash)
}

func TestLogger_Disabled(t *testing.T) {
	logger := NewLogger(nil, false, "")

	event := &Event{
		EventType: EventTypeTradingStart,
		Severity:  SeverityInfo,
		IPAddress: "192.168.1.1",
		Action:    "Start trading session",
		Success:   true,
	}

	err := logger.Log(context.Background(), event)
	assert.NoError(t, err)
	assert.Empty(t, event.RecordHash)
}

func TestLogger_Log_ChainsHashesWithoutDB(t *testing.T) {
	logger := NewLogger(nil, true, "")
	ctx := context.Background()

	first := &Event{EventType: EventTypeTradingStart, Severity: SeverityInfo, Actor: "operator", Action: "start"}
	require.NoError(t, logger.Log(ctx, first))
	assert.Equal(t, "", first.PrevRecordHash)
	assert.NotEmpty(t, first.RecordHash)

	second := &Event{EventType: EventTypeSignalGenerated, Severity: SeverityInfo, Actor: "generator", Action: "generated"}
	require.NoError(t, logger.Log(ctx, second))
	assert.Equal(t, first.RecordHash, second.PrevRecordHash)
	assert.NotEqual(t, first.RecordHash, second.RecordHash)
}

func TestLogger_NewLogger_SeedsChainFromLastHash(t *testing.T) {
	logger := NewLogger(nil, true, "seed-hash")
	event := &Event{EventType: EventTypeShutdown, Action: "shutdown"}
	require.NoError(t, logger.Log(context.Background(), event))
	assert.Equal(t, "seed-hash", event.PrevRecordHash)
}

func TestEvent_ComputeHash_IsDeterministicAndSensitiveToContent(t *testing.T) {
	e1 := Event{EventType: EventTypeConfigUpdated, Action: "update", Resource: "cycle.interval"}
	e2 := e1

	h1, err := e1.computeHash()
	require.NoError(t, err)
	h2, err := e2.computeHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	e2.Action = "different"
	h3, err := e2.computeHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestLogger_LogTradingAction(t *testing.T) {
	logger := NewLogger(nil, true, "")

	err := logger.LogTradingAction(
		context.Background(),
		EventTypeTradingStart,
		"user123",
		"192.168.1.1",
		"session-456",
		true,
		"",
	)

	assert.NoError(t, err)
}

func TestLogger_LogSignalEvent(t *testing.T) {
	logger := NewLogger(nil, true, "")

	err := logger.LogSignalEvent(
		context.Background(),
		EventTypeSignalGenerated,
		"sig-123",
		map[string]interface{}{"symbol": "AAPL", "confidence": 82.0},
		true,
		"",
	)

	assert.NoError(t, err)
}

func TestLogger_LogOrderAction(t *testing.T) {
	logger := NewLogger(nil, true, "")

	metadata := map[string]interface{}{
		"symbol":   "BTC-USD",
		"quantity": 0.1,
		"price":    50000.0,
	}

	err := logger.LogOrderAction(
		context.Background(),
		EventTypeOrderPlaced,
		"executor-1",
		"192.168.1.1",
		"order-789",
		metadata,
		true,
		"",
	)

	assert.NoError(t, err)
}

func TestLogger_LogSecurityEvent(t *testing.T) {
	logger := NewLogger(nil, true, "")

	metadata := map[string]interface{}{
		"attempts": 5,
		"endpoint": "/api/v1/trading/execute",
	}

	err := logger.LogSecurityEvent(
		context.Background(),
		EventTypeRateLimitExceeded,
		"",
		"192.168.1.1",
		"/api/v1/trading/execute",
		"Rate limit exceeded",
		metadata,
	)

	assert.NoError(t, err)
}

func TestLogger_LogConfigChange(t *testing.T) {
	logger := NewLogger(nil, true, "")

	err := logger.LogConfigChange(
		context.Background(),
		"admin",
		"192.168.1.1",
		"max_position_size",
		1000.0,
		2000.0,
		true,
		"",
	)

	assert.NoError(t, err)
}

func TestLogger_LogIntegrityCheck(t *testing.T) {
	logger := NewLogger(nil, true, "")

	err := logger.LogIntegrityCheck(context.Background(), "scheduler", 100, 98, 2)
	assert.NoError(t, err)
}

func TestQueryFilters(t *testing.T) {
	filters := &QueryFilters{
		EventType: EventTypeTradingStart,
		Actor:     "user123",
		IPAddress: "192.168.1.1",
		StartTime: time.Now().Add(-24 * time.Hour),
		EndTime:   time.Now(),
		Success:   boolPtr(true),
		Limit:     100,
	}

	assert.Equal(t, EventTypeTradingStart, filters.EventType)
	assert.Equal(t, "user123", filters.Actor)
	assert.Equal(t, "192.168.1.1", filters.IPAddress)
	assert.NotNil(t, filters.Success)
	assert.True(t, *filters.Success)
	assert.Equal(t, 100, filters.Limit)
}

func TestEventTypes(t *testing.T) {
	types := []EventType{
		EventTypeLogin,
		EventTypeLogout,
		EventTypeLoginFailed,
		EventTypeTradingStart,
		EventTypeTradingStop,
		EventTypeSignalGenerated,
		EventTypeSignalRejected,
		EventTypeOrderPlaced,
		EventTypeConfigUpdated,
		EventTypeRateLimitExceeded,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		assert.False(t, seen[et], "Duplicate event type: %s", et)
		assert.NotEmpty(t, string(et), "Event type should not be empty")
		seen[et] = true
	}
}

func TestSeverityLevels(t *testing.T) {
	severities := []Severity{
		SeverityInfo,
		SeverityWarning,
		SeverityError,
		SeverityCritical,
	}

	for _, s := range severities {
		assert.NotEmpty(t, string(s), "Severity should not be empty")
	}
}

func boolPtr(b bool) *bool {
	return &b
}
