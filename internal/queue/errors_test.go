package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bissquit/relay/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable error",
			err:      NewRetryableError(errors.New("temporary error")),
			expected: true,
		},
		{
			name:     "non-retryable error",
			err:      NewNonRetryableError(errors.New("permanent error")),
			expected: false,
		},
		{
			name:     "wrapped non-retryable error",
			err:      fmt.Errorf("send: %w", NewNonRetryableError(errors.New("bad recipient"))),
			expected: false,
		},
		{
			name:     "generic error defaults to retryable",
			err:      errors.New("unknown error"),
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryable(tt.err))
		})
	}
}

func TestRetryableError(t *testing.T) {
	originalErr := errors.New("original error")

	t.Run("retryable error", func(t *testing.T) {
		err := NewRetryableError(originalErr)

		assert.Equal(t, "original error", err.Error())
		assert.True(t, err.IsRetryable())
		assert.Equal(t, originalErr, errors.Unwrap(err))
	})

	t.Run("non-retryable error", func(t *testing.T) {
		err := NewNonRetryableError(originalErr)

		assert.Equal(t, "original error", err.Error())
		assert.False(t, err.IsRetryable())
		assert.ErrorIs(t, err, originalErr)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected domain.Outcome
	}{
		{"nil is success", nil, domain.OutcomeSuccess},
		{"deadline is transient", fmt.Errorf("call gateway: %w", context.DeadlineExceeded), domain.OutcomeTransientFailure},
		{"retryable is transient", NewRetryableError(errors.New("503")), domain.OutcomeTransientFailure},
		{"non-retryable is permanent", NewNonRetryableError(errors.New("400")), domain.OutcomePermanentFailure},
		{"unknown is transient", errors.New("boom"), domain.OutcomeTransientFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestListFilter_EffectiveLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ListFilter{}.EffectiveLimit())
	assert.Equal(t, 7, ListFilter{Limit: 7}.EffectiveLimit())
	assert.Equal(t, MaxListLimit, ListFilter{Limit: MaxListLimit + 1}.EffectiveLimit())
}

func TestValidateTerminal(t *testing.T) {
	assert.NoError(t, ValidateTerminal(domain.StatusSent))
	assert.NoError(t, ValidateTerminal(domain.StatusFailed))
	assert.ErrorIs(t, ValidateTerminal(domain.StatusQueued), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTerminal(domain.StatusProcessing), ErrInvalidTransition)
}

func TestValidateBatchSize(t *testing.T) {
	assert.NoError(t, ValidateBatchSize(1))
	assert.NoError(t, ValidateBatchSize(500))
	assert.ErrorIs(t, ValidateBatchSize(0), ErrInvalidBatchSize)
	assert.ErrorIs(t, ValidateBatchSize(-1), ErrInvalidBatchSize)
}
