// Package dbconn contains the database-connection and retry-policy
// primitives shared by every other package: opening connections against
// SQL Server, classifying driver errors, and retrying transient failures
// with bounded exponential backoff.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// ErrorKind classifies a database error for retry and reporting purposes.
// It is a taxonomy, not a Go error type: classification never changes the
// error value returned to the caller, only how higher layers react to it.
type ErrorKind int

const (
	// KindFatal is the default: not transient, not schema, not recognized
	// as a local precondition or structural error. Never retried.
	KindFatal ErrorKind = iota
	// KindTransient is a network blip, throttling, deadlock victim, or
	// brief timeout. Retried in place with exponential backoff.
	KindTransient
	// KindSchema is a column/object mismatch, NULL-constraint violation,
	// identity conflict, or generated-column write. Never retried.
	KindSchema
	// KindStructural is a condition that survives constraint disable
	// (temporal history writes, unresolved FK references) under the
	// Bulk-Refresh Path. The affected table is skipped; the run continues.
	KindStructural
)

// SQL Server error numbers. See sys.messages for the canonical list;
// these are the ones the engine classifies explicitly.
const (
	errDeadlockVictim        = 1205 // transaction chosen as deadlock victim
	errBrokerTimeout         = 64
	errServiceBusy           = 233
	errResourceLimitReached  = 10928
	errResourceLimitExceeded = 10929
	errDBThrottled           = 40501
	errDBNotCurrentlyAvail   = 40613
	errDBCopyInProgress      = 40197

	errInvalidColumn        = 207
	errInvalidObjectName    = 208
	errAmbiguousColumn      = 213
	errNullInsertViolation  = 515
	errForeignKeyConflict   = 547
	errTemporalHistoryWrite = 4712
	errBulkSchemaChange     = 4891
)

var transientErrorNumbers = map[int32]bool{
	errDeadlockVictim:        true,
	errBrokerTimeout:         true,
	errServiceBusy:           true,
	errResourceLimitReached:  true,
	errResourceLimitExceeded: true,
	errDBThrottled:           true,
	errDBNotCurrentlyAvail:   true,
	errDBCopyInProgress:      true,
}

var schemaErrorNumbers = map[int32]bool{
	errInvalidColumn:       true,
	errInvalidObjectName:   true,
	errAmbiguousColumn:     true,
	errNullInsertViolation: true,
	errForeignKeyConflict:  true,
}

var schemaMessageSubstrings = []string{
	"invalid column",
	"invalid object name",
	"column",
	"does not exist",
	"identity_insert",
	"generated always",
}

// Classify assigns an ErrorKind to an error returned from the driver.
// Nil errors classify as KindFatal (callers must not invoke Classify on
// a nil error expecting anything meaningful back).
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		switch mssqlErr.Number {
		case errTemporalHistoryWrite:
			return KindStructural
		}
		if transientErrorNumbers[mssqlErr.Number] {
			return KindTransient
		}
		if schemaErrorNumbers[mssqlErr.Number] {
			return KindSchema
		}
		if mssqlErr.Number == errBulkSchemaChange {
			return KindSchema
		}
	}
	if isTimeoutErr(err) {
		return KindTransient
	}
	lower := strings.ToLower(err.Error())
	for _, s := range schemaMessageSubstrings {
		if strings.Contains(lower, s) {
			return KindSchema
		}
	}
	if strings.Contains(lower, "schema change") {
		return KindSchema
	}
	return KindFatal
}

// IsStructural reports whether err is a structural error under the
// Bulk-Refresh Path: a temporal-history-table write (4712) or an
// unresolved foreign-key reference (547) that survives constraint disable.
func IsStructural(err error) bool {
	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		return mssqlErr.Number == errTemporalHistoryWrite || mssqlErr.Number == errForeignKeyConflict
	}
	return false
}

func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout") ||
		strings.Contains(strings.ToLower(err.Error()), "i/o timeout")
}

// RetryConfig controls the Retry Policy's bounded exponential backoff.
type RetryConfig struct {
	// MaxRetries is the number of retry attempts after the first try;
	// per spec, three retries at 2^1, 2^2, 2^3 seconds.
	MaxRetries int
	BaseDelay  time.Duration
}

// NewRetryConfig returns the spec-mandated defaults: three retries with
// backoff of 2, 4, 8 seconds.
func NewRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
	}
}

// Run executes op, retrying up to config.MaxRetries times if the error
// classifies as KindTransient. Schema and fatal errors propagate on first
// occurrence. Run is the sole entry point for C1 (Retry Policy); every
// database round trip in the engine is wrapped by it.
func Run(ctx context.Context, config *RetryConfig, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = op(ctx)
		if err == nil {
			return nil
		}
		if Classify(err) != KindTransient {
			return err
		}
		if attempt >= config.MaxRetries {
			return fmt.Errorf("transient error persisted after %d retries: %w", config.MaxRetries, err)
		}
		delay := config.BaseDelay << (attempt + 1) // 2^1, 2^2, 2^3 * BaseDelay
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ExecRetryable runs a single autocommit statement through Run, retrying
// the statement on a transient classification.
// It is used for single-statement operations outside the per-batch
// transaction loop (e.g. warden ALTER statements).
func ExecRetryable(ctx context.Context, db *sql.DB, config *RetryConfig, stmt string, args ...interface{}) error {
	return Run(ctx, config, func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, stmt, args...)
		return err
	})
}
