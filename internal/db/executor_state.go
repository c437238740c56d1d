package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// LoadTripState returns the Trading Executor's persisted prop-firm trip
// state (spec §4.9 gates e/f), adapted from GetOrchestratorState's
// single-row-keyed-by-id shape. A fresh deployment with no row yet is not
// an error: it means neither gate has ever tripped.
func (db *DB) LoadTripState(ctx context.Context) (dailyLossTrippedDay time.Time, drawdownTripped bool, err error) {
	query := `
		SELECT daily_loss_tripped_day, drawdown_tripped
		FROM executor_trip_state
		ORDER BY id DESC
		LIMIT 1
	`

	var trippedDay *time.Time
	scanErr := db.pool.QueryRow(ctx, query).Scan(&trippedDay, &drawdownTripped)
	if scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to query executor trip state: %w", scanErr)
	}
	if trippedDay != nil {
		dailyLossTrippedDay = *trippedDay
	}
	return dailyLossTrippedDay, drawdownTripped, nil
}

// SaveDailyLossTrip records that the daily-loss gate (spec §4.9.e) tripped
// for the given UTC day. Inserted rather than upserted, mirroring
// SetOrchestratorPaused's append-and-read-latest pattern — the history of
// trips is itself a useful audit trail, not just the current value.
func (db *DB) SaveDailyLossTrip(ctx context.Context, day time.Time) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO executor_trip_state (daily_loss_tripped_day, drawdown_tripped, updated_at)
		VALUES ($1, false, now())
	`, day)
	if err != nil {
		return fmt.Errorf("failed to save daily loss trip: %w", err)
	}
	return nil
}

// SaveDrawdownTrip records that the max-drawdown gate (spec §4.9.f)
// tripped. Terminal: nothing clears this row short of a manual reset.
func (db *DB) SaveDrawdownTrip(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO executor_trip_state (drawdown_tripped, updated_at)
		VALUES (true, now())
	`)
	if err != nil {
		return fmt.Errorf("failed to save drawdown trip: %w", err)
	}
	return nil
}
