package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fastRetry = retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}

func TestRetryOp_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := retryOp(fastRetry, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOp_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := retryOp(fastRetry, func() error {
		calls++
		return errors.New("UNIQUE constraint failed")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryOp_GivesUp(t *testing.T) {
	calls := 0
	err := retryOp(fastRetry, func() error {
		calls++
		return errors.New("SQLITE_LOCKED")
	})

	assert.Error(t, err)
	assert.Equal(t, fastRetry.maxRetries+1, calls)
}

func TestBackoffDelay_Capped(t *testing.T) {
	cfg := retryConfig{maxRetries: 10, baseDelay: 10 * time.Millisecond, maxDelay: 40 * time.Millisecond}

	for attempt := 0; attempt < 8; attempt++ {
		d := backoffDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, cfg.baseDelay)
		assert.Less(t, d, cfg.maxDelay+cfg.baseDelay)
	}
}
