// Package errs defines the typed error taxonomy shared across the signal
// engine (spec §7). Each kind wraps its underlying cause with %w so callers
// can errors.As on a concrete type instead of string-matching, the way
// internal/exchange/retry.go's IsRetryable does for HTTP errors.
package errs

import "fmt"

// ConfigError is fatal at startup: the process must refuse to start.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error (%s): %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SecretsError is fatal in production, a warning in development.
type SecretsError struct {
	Name string
	Err  error
}

func (e *SecretsError) Error() string {
	return fmt.Sprintf("secrets error (%s): %v", e.Name, e.Err)
}

func (e *SecretsError) Unwrap() error { return e.Err }

// SourceTransientError marks a data source failure that should be swallowed,
// recorded, and retried next cycle.
type SourceTransientError struct {
	Source string
	Symbol string
	Err    error
}

func (e *SourceTransientError) Error() string {
	return fmt.Sprintf("source %s transient error for %s: %v", e.Source, e.Symbol, e.Err)
}

func (e *SourceTransientError) Unwrap() error { return e.Err }

// SourcePermanentError marks a data source failure serious enough to disable
// that source for the remainder of the cycle.
type SourcePermanentError struct {
	Source string
	Err    error
}

func (e *SourcePermanentError) Error() string {
	return fmt.Sprintf("source %s permanent error: %v", e.Source, e.Err)
}

func (e *SourcePermanentError) Unwrap() error { return e.Err }

// ValidationError reports a signal-side invariant violation. The generator
// drops the signal and logs at INFO.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (%s): %s", e.Field, e.Msg)
}

// StoreTransientError marks a Signal Store I/O failure eligible for one
// retry before falling back to the sidecar file and raising an alert.
type StoreTransientError struct {
	Op  string
	Err error
}

func (e *StoreTransientError) Error() string {
	return fmt.Sprintf("store transient error during %s: %v", e.Op, e.Err)
}

func (e *StoreTransientError) Unwrap() error { return e.Err }

// StoreIntegrityError reports a broken hash chain or other integrity
// violation discovered during verification. Always a critical alert.
type StoreIntegrityError struct {
	SignalID string
	Reason   string
}

func (e *StoreIntegrityError) Error() string {
	return fmt.Sprintf("store integrity error for signal %s: %s", e.SignalID, e.Reason)
}

// ExecutorBusinessRejection is an expected outcome: the executor rejected a
// signal for a business reason (gate a-f). Logged at DEBUG, may be enqueued
// into the rejected-signal queue.
type ExecutorBusinessRejection struct {
	ExecutorID string
	ReasonCode string
}

func (e *ExecutorBusinessRejection) Error() string {
	return fmt.Sprintf("executor %s rejected signal: %s", e.ExecutorID, e.ReasonCode)
}

// ExecutorTransientError marks an HTTP/timeout failure reaching an executor,
// eligible for the distributor's backoff schedule.
type ExecutorTransientError struct {
	ExecutorID string
	Err        error
}

func (e *ExecutorTransientError) Error() string {
	return fmt.Sprintf("executor %s transient error: %v", e.ExecutorID, e.Err)
}

func (e *ExecutorTransientError) Unwrap() error { return e.Err }

// BrokerSubmissionError maps a broker-side order failure to a reason_code;
// the executor still returns HTTP 200 with success=false.
type BrokerSubmissionError struct {
	ReasonCode string
	Err        error
}

func (e *BrokerSubmissionError) Error() string {
	return fmt.Sprintf("broker submission error (%s): %v", e.ReasonCode, e.Err)
}

func (e *BrokerSubmissionError) Unwrap() error { return e.Err }

// RiskLimitTripped signals that a risk gate (daily loss / drawdown) has
// tripped. The executor suspends further order submission and raises a
// critical alert.
type RiskLimitTripped struct {
	ExecutorID string
	Limit      string
	Value      float64
	Threshold  float64
}

func (e *RiskLimitTripped) Error() string {
	return fmt.Sprintf("executor %s risk limit %s tripped: %.4f exceeds %.4f",
		e.ExecutorID, e.Limit, e.Value, e.Threshold)
}
