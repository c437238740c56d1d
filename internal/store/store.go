// Package store implements the Signal Store (spec §4.6): an embedded,
// ACID, indexed relational store with a single-writer pending batch, a
// background batched flusher, SHA-256 hash-chain insertion, integrity
// verification, and archival. Grounded on internal/db/db.go's
// pool-lifecycle shape and internal/db/migrate.go's schema-versioning
// idea, adapted from Postgres/pgx to an embedded engine the way
// NimbleMarkets-dbn-go (_examples) drives DuckDB through plain
// database/sql — this system has no Postgres server to lean on for its
// primary store, only for executor operational state (internal/db stays
// pgx-backed for that).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/signalmesh/engine/internal/alerts"
	"github.com/signalmesh/engine/internal/errs"
	"github.com/signalmesh/engine/internal/hashchain"
	sig "github.com/signalmesh/engine/internal/signal"
)

const schemaDDL = `
CREATE SEQUENCE IF NOT EXISTS signals_seq;
CREATE TABLE IF NOT EXISTS signals (
	insertion_seq       BIGINT DEFAULT nextval('signals_seq'),
	signal_id           VARCHAR PRIMARY KEY,
	created_at          TIMESTAMP NOT NULL,
	symbol              VARCHAR NOT NULL,
	action              VARCHAR NOT NULL,
	entry_price         DOUBLE NOT NULL,
	stop_price          DOUBLE NOT NULL,
	target_price        DOUBLE NOT NULL,
	confidence          DOUBLE NOT NULL,
	regime              VARCHAR NOT NULL,
	sources_used        VARCHAR NOT NULL,
	per_source_verdicts VARCHAR NOT NULL,
	rationale           VARCHAR,
	service_type        VARCHAR,
	sha256              VARCHAR NOT NULL,
	prev_sha256         VARCHAR NOT NULL,
	outcome             VARCHAR,
	exit_price          DOUBLE,
	pnl_pct             DOUBLE,
	exit_timestamp      TIMESTAMP,
	order_id            VARCHAR
);
CREATE INDEX IF NOT EXISTS idx_signals_created ON signals(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_created ON signals(symbol, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_signals_confidence ON signals(confidence DESC);
CREATE INDEX IF NOT EXISTS idx_signals_outcome ON signals(outcome, created_at);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_conf ON signals(symbol, confidence DESC);
`

// Config controls batching and sidecar behavior (spec §3's PendingBatch,
// §4.6's batching rules).
type Config struct {
	Path          string
	SidecarDir    string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns spec §3's stated defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 50, FlushInterval: 10 * time.Second}
}

// Store owns the embedded backing database, the in-memory pending batch,
// and the background flusher. It is the exclusive owner of persisted
// Signals (spec §3's Ownership note) — callers never reach into the
// pending slice directly.
type Store struct {
	db  *sql.DB
	cfg Config

	mu      sync.Mutex
	pending []sig.Signal

	flushMu sync.Mutex // serializes actual flush transactions

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	alerter alerts.Alerter // optional; critical alert on sidecar fallback and integrity mismatch
}

// SetAlerter attaches a critical-alert sink (spec §7: StoreIntegrityError
// and a second consecutive batch-write failure are both critical events).
// Nil-safe: Store works without one, it just logs.
func (s *Store) SetAlerter(a alerts.Alerter) {
	s.alerter = a
}

// Open creates/opens the embedded store at cfg.Path, applies the schema,
// and starts the background flusher.
func Open(cfg Config) (*Store, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", cfg.Path, err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go s.flushLoop()

	return s, nil
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("store: periodic flush failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Append enqueues signal into the pending batch. It never blocks on I/O
// (spec §4.6). Side-invariant validation (spec §3) runs here as a final
// guard before the signal can ever reach the database.
func (s *Store) Append(sig_ sig.Signal) error {
	if err := sig_.ValidateSides(); err != nil {
		return &errs.ValidationError{Field: "signal", Msg: err.Error()}
	}

	s.mu.Lock()
	s.pending = append(s.pending, sig_)
	shouldFlush := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if shouldFlush {
		go func() {
			if _, err := s.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("store: size-triggered flush failed")
			}
		}()
	}
	return nil
}

// Flush synchronously writes the current pending batch in one
// transaction, assigning prev_sha256 in stable arrival order (spec
// §4.6: "by created_at, then signal_id lexically"). On failure it
// retries once; a second failure falls back to a sidecar JSONL file and
// returns an error so the caller can raise a critical alert.
func (s *Store) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].CreatedAt.Equal(batch[j].CreatedAt) {
			return batch[i].CreatedAt.Before(batch[j].CreatedAt)
		}
		return batch[i].SignalID < batch[j].SignalID
	})

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	err := s.writeBatch(ctx, batch)
	if err == nil {
		return len(batch), nil
	}

	log.Warn().Err(err).Int("batch_size", len(batch)).Msg("store: batch write failed, retrying once")
	err = s.writeBatch(ctx, batch)
	if err == nil {
		return len(batch), nil
	}

	if sidecarErr := s.writeSidecar(batch); sidecarErr != nil {
		s.raiseCritical(context.Background(), "Signal store batch write failed", fmt.Sprintf(
			"batch write failed twice and sidecar fallback also failed: %v (original: %v)", sidecarErr, err,
		), map[string]interface{}{"batch_size": len(batch)})
		return 0, fmt.Errorf("store: batch write failed twice and sidecar fallback failed: %w (original: %v)", sidecarErr, err)
	}

	log.Error().Err(err).Int("batch_size", len(batch)).Msg("CRITICAL: store batch write failed twice, signals written to sidecar")
	s.raiseCritical(context.Background(), "Signal store batch write failed", fmt.Sprintf(
		"batch write failed twice, %d signals written to sidecar", len(batch),
	), map[string]interface{}{"batch_size": len(batch)})
	return 0, &errs.StoreTransientError{Op: "flush", Err: err}
}

func (s *Store) raiseCritical(ctx context.Context, title, msg string, meta map[string]interface{}) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Send(ctx, alerts.Alert{Title: title, Message: msg, Severity: alerts.SeverityCritical, Metadata: meta}); err != nil {
		log.Error().Err(err).Msg("store: failed to deliver critical alert")
	}
}

func (s *Store) writeBatch(ctx context.Context, batch []sig.Signal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	prevHash, err := s.lastHash(ctx, tx)
	if err != nil {
		return fmt.Errorf("lookup last hash: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO signals (
			signal_id, created_at, symbol, action, entry_price, stop_price,
			target_price, confidence, regime, sources_used, per_source_verdicts,
			rationale, service_type, sha256, prev_sha256, outcome, exit_price,
			pnl_pct, exit_timestamp, order_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		row := &batch[i]
		row.PrevSHA256 = prevHash
		if row.SHA256 == "" {
			if err := row.Finalize(); err != nil {
				return fmt.Errorf("finalize signal %s: %w", row.SignalID, err)
			}
		}

		sourcesJSON, err := json.Marshal(row.SourcesUsed)
		if err != nil {
			return fmt.Errorf("marshal sources_used: %w", err)
		}
		verdictsJSON, err := json.Marshal(row.PerSourceVerdicts)
		if err != nil {
			return fmt.Errorf("marshal per_source_verdicts: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			row.SignalID, row.CreatedAt, string(row.Symbol), string(row.Action),
			row.EntryPrice, row.StopPrice, row.TargetPrice, row.Confidence,
			string(row.Regime), string(sourcesJSON), string(verdictsJSON),
			row.Rationale, string(row.ServiceType), row.SHA256, row.PrevSHA256,
			nullString(string(row.Outcome)), row.ExitPrice, row.PnLPct,
			row.ExitTimestamp, nullString(row.OrderID),
		)
		if err != nil {
			return fmt.Errorf("insert signal %s: %w", row.SignalID, err)
		}

		prevHash = row.SHA256
	}

	return tx.Commit()
}

func (s *Store) lastHash(ctx context.Context, tx *sql.Tx) (string, error) {
	var hash sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT sha256 FROM signals ORDER BY insertion_seq DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash.String, nil
}

func (s *Store) writeSidecar(batch []sig.Signal) error {
	if s.cfg.SidecarDir == "" {
		return fmt.Errorf("store: no sidecar_dir configured")
	}
	if err := os.MkdirAll(s.cfg.SidecarDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("signals_failed_%d.jsonl", time.Now().UnixNano())
	path := filepath.Join(s.cfg.SidecarDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for i := range batch {
		if err := enc.Encode(batch[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes any remaining pending signals (spec §3: PendingBatch
// "flushes on shutdown") and closes the database.
func (s *Store) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh

	if _, err := s.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("store: final flush on close failed")
	}
	return s.db.Close()
}

// PendingCount reports how many signals are buffered but not yet
// flushed, used by §4.11's metrics and §8's back-pressure property.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Filter narrows QueryRecent's result set (spec §4.6's query_recent).
type Filter struct {
	Symbol        string
	MinConfidence float64
	Since         time.Time
	Limit         int
}

// QueryRecent returns persisted signals matching f, most recent first.
func (s *Store) QueryRecent(ctx context.Context, f Filter) ([]sig.Signal, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT signal_id, created_at, symbol, action, entry_price, stop_price,
			target_price, confidence, regime, sources_used, per_source_verdicts,
			rationale, service_type, sha256, prev_sha256, outcome, exit_price,
			pnl_pct, exit_timestamp, order_id
		FROM signals
		WHERE (? = '' OR symbol = ?)
			AND confidence >= ?
			AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, f.Symbol, f.Symbol, f.MinConfidence, f.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query recent: %w", err)
	}
	defer rows.Close()

	var out []sig.Signal
	for rows.Next() {
		row, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanSignal(rows *sql.Rows) (sig.Signal, error) {
	var row sig.Signal
	var symbol, action, regime, serviceType, outcome, orderID sql.NullString
	var sourcesJSON, verdictsJSON string
	var exitPrice, pnlPct sql.NullFloat64
	var exitTimestamp sql.NullTime

	err := rows.Scan(
		&row.SignalID, &row.CreatedAt, &symbol, &action, &row.EntryPrice, &row.StopPrice,
		&row.TargetPrice, &row.Confidence, &regime, &sourcesJSON, &verdictsJSON,
		&row.Rationale, &serviceType, &row.SHA256, &row.PrevSHA256, &outcome, &exitPrice,
		&pnlPct, &exitTimestamp, &orderID,
	)
	if err != nil {
		return sig.Signal{}, fmt.Errorf("store: scan signal: %w", err)
	}

	row.Symbol = sig.Symbol(symbol.String)
	row.Action = sig.Action(action.String)
	row.Regime = sig.Regime(regime.String)
	row.ServiceType = sig.ServiceType(serviceType.String)
	row.Outcome = sig.Outcome(outcome.String)
	row.OrderID = orderID.String

	if err := json.Unmarshal([]byte(sourcesJSON), &row.SourcesUsed); err != nil {
		return sig.Signal{}, fmt.Errorf("store: unmarshal sources_used: %w", err)
	}
	if err := json.Unmarshal([]byte(verdictsJSON), &row.PerSourceVerdicts); err != nil {
		return sig.Signal{}, fmt.Errorf("store: unmarshal per_source_verdicts: %w", err)
	}
	if exitPrice.Valid {
		row.ExitPrice = &exitPrice.Float64
	}
	if pnlPct.Valid {
		row.PnLPct = &pnlPct.Float64
	}
	if exitTimestamp.Valid {
		row.ExitTimestamp = &exitTimestamp.Time
	}

	return row, nil
}

// winRateLookbackDays and confidenceBand match spec §4.5's win-rate query
// window: 30 days, ±5 confidence points.
const (
	winRateLookbackDays = 30
	confidenceBand      = 5.0
)

// WinRate implements quality.OutcomeLookup: the historical win rate for
// symbol among resolved signals within the last 30 days whose confidence
// landed within ±5 points of confidence.
func (s *Store) WinRate(ctx context.Context, symbol string, confidence float64) (float64, int, error) {
	since := time.Now().AddDate(0, 0, -winRateLookbackDays)

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE outcome = 'WIN') AS wins,
			COUNT(*) FILTER (WHERE outcome IN ('WIN', 'LOSS')) AS decided
		FROM signals
		WHERE symbol = ? AND created_at >= ?
			AND confidence BETWEEN ? AND ?
	`, symbol, since, confidence-confidenceBand, confidence+confidenceBand)

	var wins, decided int
	if err := row.Scan(&wins, &decided); err != nil {
		return 0, 0, fmt.Errorf("store: win rate query for %s: %w", symbol, err)
	}
	if decided == 0 {
		return 0, 0, nil
	}
	return float64(wins) / float64(decided), decided, nil
}

// SetOutcome applies the single guarded transition from unset to a
// terminal outcome (spec §9 Open Question resolution, DESIGN.md). A
// second call for the same signal_id affects zero rows and returns
// StoreIntegrityError.
func (s *Store) SetOutcome(ctx context.Context, signalID string, outcome sig.Outcome, exitPrice, pnlPct float64, exitAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals
		SET outcome = ?, exit_price = ?, pnl_pct = ?, exit_timestamp = ?
		WHERE signal_id = ? AND outcome IS NULL
	`, string(outcome), exitPrice, pnlPct, exitAt, signalID)
	if err != nil {
		return fmt.Errorf("store: set outcome for %s: %w", signalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set outcome rows affected for %s: %w", signalID, err)
	}
	if n == 0 {
		return &errs.StoreIntegrityError{SignalID: signalID, Reason: "outcome already set or signal not found"}
	}
	return nil
}

// IntegrityReport wraps hashchain.Report with the queried range for
// reporting purposes.
type IntegrityReport struct {
	From time.Time
	To   time.Time
	hashchain.Report
}

// VerifyIntegrity walks every signal created within [from, to) in
// insertion order and confirms the hash chain holds (spec §4.6's
// verify_integrity).
func (s *Store) VerifyIntegrity(ctx context.Context, from, to time.Time) (IntegrityReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id, sha256, prev_sha256
		FROM signals
		WHERE created_at >= ? AND created_at < ?
		ORDER BY insertion_seq ASC
	`, from, to)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("store: verify integrity query: %w", err)
	}

	var links []hashchain.Link
	for rows.Next() {
		var l hashchain.Link
		if err := rows.Scan(&l.ID, &l.Hash, &l.PrevHash); err != nil {
			rows.Close()
			return IntegrityReport{}, fmt.Errorf("store: scan link: %w", err)
		}
		links = append(links, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return IntegrityReport{}, err
	}

	report, err := hashchain.Verify(links, func(id string) (string, error) {
		return s.recomputeHash(ctx, id)
	})
	if err != nil {
		return IntegrityReport{}, err
	}
	if len(report.Mismatches) > 0 {
		s.raiseCritical(ctx, "Signal store hash chain integrity failure", fmt.Sprintf(
			"%d mismatch(es) out of %d rows checked", len(report.Mismatches), report.Checked,
		), map[string]interface{}{"mismatches": len(report.Mismatches), "checked": report.Checked})
	}
	return IntegrityReport{From: from, To: to, Report: report}, nil
}

func (s *Store) recomputeHash(ctx context.Context, signalID string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id, created_at, symbol, action, entry_price, stop_price,
			target_price, confidence, regime, sources_used, per_source_verdicts,
			rationale, service_type, sha256, prev_sha256, outcome, exit_price,
			pnl_pct, exit_timestamp, order_id
		FROM signals WHERE signal_id = ?
	`, signalID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	if !rows.Next() {
		return "", fmt.Errorf("store: signal %s not found for hash recomputation", signalID)
	}
	row, err := scanSignal(rows)
	if err != nil {
		return "", err
	}
	return row.ComputeHash()
}

// Archive moves every signal created before cutoff into dst, preserving
// the hash chain (a remaining row's prev_sha256 already points at the
// last archived row's sha256, so nothing needs rewriting), then deletes
// them from s. Both stores must be closed and reopened by the caller if
// either path changes.
func (s *Store) Archive(ctx context.Context, cutoff time.Time, dst *Store) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id, created_at, symbol, action, entry_price, stop_price,
			target_price, confidence, regime, sources_used, per_source_verdicts,
			rationale, service_type, sha256, prev_sha256, outcome, exit_price,
			pnl_pct, exit_timestamp, order_id
		FROM signals
		WHERE created_at < ?
		ORDER BY insertion_seq ASC
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: archive query: %w", err)
	}

	var batch []sig.Signal
	for rows.Next() {
		row, err := scanSignal(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := dst.writeBatchPreservingHashes(ctx, batch); err != nil {
		return 0, fmt.Errorf("store: archive write: %w", err)
	}

	ids := make([]any, len(batch))
	placeholders := make([]string, len(batch))
	for i, row := range batch {
		ids[i] = row.SignalID
		placeholders[i] = "?"
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM signals WHERE signal_id IN (%s)`, joinPlaceholders(placeholders)), ids...)
	if err != nil {
		return 0, fmt.Errorf("store: archive delete from primary: %w", err)
	}

	return len(batch), nil
}

// writeBatchPreservingHashes inserts rows into the archive store using
// their already-computed sha256/prev_sha256 rather than recomputing a
// fresh chain — archival must not alter history.
func (s *Store) writeBatchPreservingHashes(ctx context.Context, batch []sig.Signal) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO signals (
			signal_id, created_at, symbol, action, entry_price, stop_price,
			target_price, confidence, regime, sources_used, per_source_verdicts,
			rationale, service_type, sha256, prev_sha256, outcome, exit_price,
			pnl_pct, exit_timestamp, order_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range batch {
		sourcesJSON, err := json.Marshal(row.SourcesUsed)
		if err != nil {
			return err
		}
		verdictsJSON, err := json.Marshal(row.PerSourceVerdicts)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			row.SignalID, row.CreatedAt, string(row.Symbol), string(row.Action),
			row.EntryPrice, row.StopPrice, row.TargetPrice, row.Confidence,
			string(row.Regime), string(sourcesJSON), string(verdictsJSON),
			row.Rationale, string(row.ServiceType), row.SHA256, row.PrevSHA256,
			nullString(string(row.Outcome)), row.ExitPrice, row.PnLPct,
			row.ExitTimestamp, nullString(row.OrderID),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
