package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CodeRoundTrip(t *testing.T) {
	for _, s := range Statuses() {
		t.Run(s.Code(), func(t *testing.T) {
			parsed, err := ParseStatus(s.Code())
			require.NoError(t, err)
			assert.Equal(t, s, parsed)
		})
	}
}

func TestParseStatus_Unknown(t *testing.T) {
	_, err := ParseStatus("pending")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestStatus_Predicates(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
		locked   bool
	}{
		{StatusQueued, false, false},
		{StatusClaimed, false, true},
		{StatusProcessing, false, true},
		{StatusSent, true, false},
		{StatusFailed, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.Code(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.locked, tt.status.IsLocked())
		})
	}
}

func TestStatus_JSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Status Status `json:"status"`
	}{StatusProcessing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"processing"}`, string(data))

	var decoded struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"status":"failed"}`), &decoded))
	assert.Equal(t, StatusFailed, decoded.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"bogus"}`), &decoded))
}

func TestStatus_MarshalUnknown(t *testing.T) {
	_, err := Status(42).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownStatus)
	assert.Equal(t, "unknown", Status(42).Code())
}

func TestWorkItem_OwnedBy(t *testing.T) {
	owner := "worker-1"
	item := &WorkItem{Status: StatusClaimed, LockOwner: &owner}

	assert.True(t, item.OwnedBy("worker-1"))
	assert.False(t, item.OwnedBy("worker-2"))

	item.Status = StatusSent
	assert.False(t, item.OwnedBy("worker-1"))
}

func TestWorkItem_Exhausted(t *testing.T) {
	item := &WorkItem{AttemptCount: 2, MaxAttempts: 3}
	assert.False(t, item.Exhausted())

	item.AttemptCount = 3
	assert.True(t, item.Exhausted())
}
