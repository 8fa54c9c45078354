package dbconn

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestClassifyTransient(t *testing.T) {
	for _, number := range []int32{errDeadlockVictim, errDBNotCurrentlyAvail, errDBThrottled, errResourceLimitReached} {
		err := mssql.Error{Number: number, Message: "transient"}
		assert.Equal(t, KindTransient, Classify(err))
	}
}

func TestClassifySchema(t *testing.T) {
	for _, number := range []int32{errInvalidColumn, errInvalidObjectName, errAmbiguousColumn, errNullInsertViolation, errForeignKeyConflict} {
		err := mssql.Error{Number: number, Message: "schema"}
		assert.Equal(t, KindSchema, Classify(err))
	}
	err := errors.New("Invalid column name 'Email'.")
	assert.Equal(t, KindSchema, Classify(err))
}

func TestClassifyStructural(t *testing.T) {
	err := mssql.Error{Number: errTemporalHistoryWrite, Message: "cannot delete rows from a temporal history table"}
	assert.Equal(t, KindStructural, Classify(err))
	assert.True(t, IsStructural(err))
}

func TestClassifyFatal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindFatal, Classify(err))
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	attempts := 0
	err := Run(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return mssql.Error{Number: errDeadlockVictim}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunDoesNotRetrySchemaError(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	attempts := 0
	err := Run(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return mssql.Error{Number: errInvalidColumn}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRunSurfacesAfterExhaustingRetries(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	attempts := 0
	err := Run(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return mssql.Error{Number: errDeadlockVictim}
	})
	assert.Error(t, err)
	assert.Equal(t, 4, attempts) // retry_budget + 1
}
