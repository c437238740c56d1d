// Package audit implements the Audit Log (spec §4.7): an append-only,
// hash-chained record of every action that touches trading state. Adapted
// from the teacher's internal/audit/audit.go — same Event/EventType/
// Severity taxonomy and Log/Query/helper-method shape — generalized from
// the teacher's auth/strategy/telegram actions to this system's own
// (signal emission, config change, integrity check, executor decision,
// shutdown) and extended with the record_hash/prev_record_hash chain the
// teacher's version lacks, computed via internal/hashchain so the Audit
// Log and the Signal Store never diverge on how a hash chain is built.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/signalmesh/engine/internal/hashchain"
	"github.com/signalmesh/engine/internal/metrics"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventTypeLogin          EventType = "LOGIN"
	EventTypeLogout         EventType = "LOGOUT"
	EventTypeLoginFailed    EventType = "LOGIN_FAILED"
	EventTypePasswordChange EventType = "PASSWORD_CHANGE"

	EventTypeTradingStart  EventType = "TRADING_START"
	EventTypeTradingStop   EventType = "TRADING_STOP"
	EventTypeTradingPause  EventType = "TRADING_PAUSE"
	EventTypeTradingResume EventType = "TRADING_RESUME"
	EventTypeShutdown      EventType = "SHUTDOWN"

	EventTypeSignalGenerated   EventType = "SIGNAL_GENERATED"
	EventTypeSignalRejected    EventType = "SIGNAL_REJECTED"
	EventTypeSignalDistributed EventType = "SIGNAL_DISTRIBUTED"
	EventTypeSignalExpired     EventType = "SIGNAL_EXPIRED"

	EventTypeOrderPlaced   EventType = "ORDER_PLACED"
	EventTypeOrderCanceled EventType = "ORDER_CANCELED"
	EventTypeOrderFilled   EventType = "ORDER_FILLED"
	EventTypeGateBlocked   EventType = "EXECUTOR_GATE_BLOCKED"

	EventTypeConfigUpdated EventType = "CONFIG_UPDATED"
	EventTypeConfigViewed  EventType = "CONFIG_VIEWED"

	EventTypeIntegrityCheck   EventType = "INTEGRITY_CHECK"
	EventTypeIntegrityFailure EventType = "INTEGRITY_FAILURE"

	EventTypeRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EventTypeUnauthorizedAccess EventType = "UNAUTHORIZED_ACCESS"
	EventTypeInvalidInput       EventType = "INVALID_INPUT"

	EventTypeDataExport EventType = "DATA_EXPORT"
	EventTypeDataDelete EventType = "DATA_DELETE"
)

// Severity represents the severity level of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Event represents a single audit log record (spec §4.7's AuditRecord).
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Actor     string                 `json:"actor,omitempty"` // user, API key, or internal component name
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Resource  string                 `json:"resource,omitempty"` // signal_id, order_id, config key, etc.
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error_message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Duration  int64                 `json:"duration_ms,omitempty"`

	// RecordHash/PrevRecordHash form the append-only hash chain (spec
	// §4.7). Populated by Log before persistence; never set by callers.
	RecordHash     string `json:"record_hash"`
	PrevRecordHash string `json:"prev_record_hash"`
}

// immutableFields is the subset of Event hashed into RecordHash —
// everything except the hash fields themselves, UserAgent and Duration,
// mirroring internal/signal's immutableFields split.
type immutableFields struct {
	ID        uuid.UUID              `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Actor     string                 `json:"actor,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error_message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func (e *Event) computeHash() (string, error) {
	return hashchain.Sum(immutableFields{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		EventType: e.EventType,
		Severity:  e.Severity,
		Actor:     e.Actor,
		IPAddress: e.IPAddress,
		Resource:  e.Resource,
		Action:    e.Action,
		Success:   e.Success,
		ErrorMsg:  e.ErrorMsg,
		Metadata:  e.Metadata,
		RequestID: e.RequestID,
	})
}

// Logger handles audit logging operations. The Audit Log is a single
// append-only writer (spec §4.7), so Logger serializes hash-chain
// assignment with a mutex around the in-memory "last hash" cache rather
// than re-querying the database on every Log call.
type Logger struct {
	db      *pgxpool.Pool
	enabled bool

	mu       sync.Mutex
	lastHash string
}

// NewLogger creates a new audit logger. lastHash should be the
// record_hash of the most recently persisted row (empty for a fresh
// database), so the chain continues correctly across restarts.
func NewLogger(db *pgxpool.Pool, enabled bool, lastHash string) *Logger {
	return &Logger{
		db:       db,
		enabled:  enabled,
		lastHash: lastHash,
	}
}

// Log records an audit event, assigning it the next link in the hash
// chain before persisting.
func (l *Logger) Log(ctx context.Context, event *Event) error {
	if !l.enabled {
		return nil
	}

	start := time.Now()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	event.PrevRecordHash = l.lastHash
	hash, err := event.computeHash()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("audit: compute record hash: %w", err)
	}
	event.RecordHash = hash
	l.lastHash = hash
	l.mu.Unlock()

	logEvent := log.With().
		Str("event_id", event.ID.String()).
		Str("event_type", string(event.EventType)).
		Str("severity", string(event.Severity)).
		Str("actor", event.Actor).
		Str("resource", event.Resource).
		Str("action", event.Action).
		Bool("success", event.Success).
		Logger()

	if event.ErrorMsg != "" {
		logEvent = logEvent.With().Str("error", event.ErrorMsg).Logger()
	}
	if event.Duration > 0 {
		logEvent = logEvent.With().Int64("duration_ms", event.Duration).Logger()
	}

	switch event.Severity {
	case SeverityCritical, SeverityError:
		logEvent.Error().Msg("Audit event")
	case SeverityWarning:
		logEvent.Warn().Msg("Audit event")
	default:
		logEvent.Info().Msg("Audit event")
	}

	if l.db != nil {
		if err := l.persistEvent(ctx, event); err != nil {
			durationMs := float64(time.Since(start).Milliseconds())
			metrics.RecordAuditLog(string(event.EventType), false, durationMs)
			metrics.RecordAuditLogFailure("persist_error", string(event.EventType))
			return err
		}
	}

	durationMs := float64(time.Since(start).Milliseconds())
	metrics.RecordAuditLog(string(event.EventType), true, durationMs)

	return nil
}

// persistEvent stores the audit event in the database.
func (l *Logger) persistEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO audit_logs (
			id, timestamp, event_type, severity, actor, ip_address,
			user_agent, resource, action, success, error_message,
			metadata, request_id, duration_ms, record_hash, prev_record_hash
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	var metadataJSON []byte
	var err error
	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal audit event metadata")
			metadataJSON = []byte("{}")
		}
	}

	_, err = l.db.Exec(ctx, query,
		event.ID,
		event.Timestamp,
		event.EventType,
		event.Severity,
		event.Actor,
		event.IPAddress,
		event.UserAgent,
		event.Resource,
		event.Action,
		event.Success,
		event.ErrorMsg,
		metadataJSON,
		event.RequestID,
		event.Duration,
		event.RecordHash,
		event.PrevRecordHash,
	)

	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID.String()).
			Str("event_type", string(event.EventType)).
			Msg("Failed to persist audit event to database")
		return err
	}

	return nil
}

// Query retrieves audit events based on filters.
func (l *Logger) Query(ctx context.Context, filters *QueryFilters) ([]Event, error) {
	if l.db == nil {
		return nil, nil
	}

	query := `
		SELECT
			id, timestamp, event_type, severity, actor, ip_address,
			user_agent, resource, action, success, error_message,
			metadata, request_id, duration_ms, record_hash, prev_record_hash
		FROM audit_logs
		WHERE 1=1
	`

	args := []interface{}{}
	argPos := 1

	addFilter := func(clause string, value interface{}) {
		query += fmt.Sprintf(" AND %s $%d", clause, argPos)
		args = append(args, value)
		argPos++
	}

	if filters.EventType != "" {
		addFilter("event_type =", filters.EventType)
	}
	if filters.Actor != "" {
		addFilter("actor =", filters.Actor)
	}
	if filters.IPAddress != "" {
		addFilter("ip_address =", filters.IPAddress)
	}
	if !filters.StartTime.IsZero() {
		addFilter("timestamp >=", filters.StartTime)
	}
	if !filters.EndTime.IsZero() {
		addFilter("timestamp <=", filters.EndTime)
	}
	if filters.Success != nil {
		addFilter("success =", *filters.Success)
	}

	query += ` ORDER BY timestamp DESC`

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filters.Limit)
	}

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var event Event
		var metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.EventType,
			&event.Severity,
			&event.Actor,
			&event.IPAddress,
			&event.UserAgent,
			&event.Resource,
			&event.Action,
			&event.Success,
			&event.ErrorMsg,
			&metadataJSON,
			&event.RequestID,
			&event.Duration,
			&event.RecordHash,
			&event.PrevRecordHash,
		)
		if err != nil {
			return nil, err
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				log.Warn().Err(err).Msg("Failed to unmarshal audit event metadata")
			}
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// VerifyChain recomputes and checks the hash chain across the rows that
// filters select, oldest first (spec §4.7's tamper-evidence requirement,
// mirroring internal/store.VerifyIntegrity). hashchain.Verify expects the
// first row's PrevHash to be empty, so a selection that does not start at
// the chain's first row reports that row as a mismatch.
func (l *Logger) VerifyChain(ctx context.Context, filters *QueryFilters) (hashchain.Report, error) {
	events, err := l.Query(ctx, filters)
	if err != nil {
		return hashchain.Report{}, err
	}

	// Query returns newest first; the chain links run oldest to newest.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	links := make([]hashchain.Link, len(events))
	byID := make(map[string]Event, len(events))
	for i, e := range events {
		links[i] = hashchain.Link{ID: e.ID.String(), Hash: e.RecordHash, PrevHash: e.PrevRecordHash}
		byID[e.ID.String()] = e
	}

	return hashchain.Verify(links, func(id string) (string, error) {
		e := byID[id]
		return e.computeHash()
	})
}

// QueryFilters defines filters for querying audit events.
type QueryFilters struct {
	EventType EventType
	Actor     string
	IPAddress string
	StartTime time.Time
	EndTime   time.Time
	Success   *bool
	Limit     int
}

// Helper functions for common audit events.

// LogTradingAction logs a trading control action (start/stop/pause/resume/shutdown).
func (l *Logger) LogTradingAction(ctx context.Context, eventType EventType, actor, ipAddress, resource string, success bool, errorMsg string) error {
	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  SeverityInfo,
		Actor:     actor,
		IPAddress: ipAddress,
		Resource:  resource,
		Action:    string(eventType),
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogSignalEvent logs a signal-lifecycle action (generated/rejected/distributed/expired).
func (l *Logger) LogSignalEvent(ctx context.Context, eventType EventType, signalID string, metadata map[string]interface{}, success bool, errorMsg string) error {
	severity := SeverityInfo
	if !success {
		severity = SeverityWarning
	}
	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  severity,
		Actor:     "generator",
		Resource:  signalID,
		Action:    string(eventType),
		Success:   success,
		ErrorMsg:  errorMsg,
		Metadata:  metadata,
	})
}

// LogOrderAction logs an order-related action (place/cancel/fill/gate-blocked).
func (l *Logger) LogOrderAction(ctx context.Context, eventType EventType, actor, ipAddress, orderID string, metadata map[string]interface{}, success bool, errorMsg string) error {
	severity := SeverityInfo
	if !success {
		severity = SeverityWarning
	}

	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  severity,
		Actor:     actor,
		IPAddress: ipAddress,
		Resource:  orderID,
		Action:    string(eventType),
		Success:   success,
		ErrorMsg:  errorMsg,
		Metadata:  metadata,
	})
}

// LogSecurityEvent logs a security-related event (rate limit, unauthorized access, etc.)
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType EventType, actor, ipAddress, resource, action string, metadata map[string]interface{}) error {
	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  SeverityWarning,
		Actor:     actor,
		IPAddress: ipAddress,
		Resource:  resource,
		Action:    action,
		Success:   false,
		Metadata:  metadata,
	})
}

// LogConfigChange logs a configuration change.
func (l *Logger) LogConfigChange(ctx context.Context, actor, ipAddress, configKey string, oldValue, newValue interface{}, success bool, errorMsg string) error {
	metadata := map[string]interface{}{
		"config_key": configKey,
		"old_value":  oldValue,
		"new_value":  newValue,
	}

	severity := SeverityInfo
	if !success {
		severity = SeverityError
	}

	return l.Log(ctx, &Event{
		EventType: EventTypeConfigUpdated,
		Severity:  severity,
		Actor:     actor,
		IPAddress: ipAddress,
		Resource:  configKey,
		Action:    "Configuration updated",
		Success:   success,
		ErrorMsg:  errorMsg,
		Metadata:  metadata,
	})
}

// LogIntegrityCheck logs the outcome of a Signal Store or Audit Log
// integrity verification run.
func (l *Logger) LogIntegrityCheck(ctx context.Context, actor string, checked, ok int, mismatches int) error {
	eventType := EventTypeIntegrityCheck
	severity := SeverityInfo
	success := mismatches == 0
	if !success {
		eventType = EventTypeIntegrityFailure
		severity = SeverityCritical
	}

	return l.Log(ctx, &Event{
		EventType: eventType,
		Severity:  severity,
		Actor:     actor,
		Action:    "Hash chain integrity check",
		Success:   success,
		Metadata: map[string]interface{}{
			"checked":    checked,
			"ok":         ok,
			"mismatches": mismatches,
		},
	})
}
