package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTransition(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(time.Minute)
	result := &JobResult{RemoteAssetURL: "http://x/a.mp3", Title: "song"}

	tests := []struct {
		name        string
		from        State
		update      Update
		wantChanged bool
		wantErr     bool
		wantState   State
	}{
		{
			name:        "pending to processing",
			from:        StatePending,
			update:      Update{State: StateProcessing},
			wantChanged: true,
			wantState:   StateProcessing,
		},
		{
			name:        "processing again is a no-op",
			from:        StateProcessing,
			update:      Update{State: StateProcessing},
			wantChanged: false,
			wantState:   StateProcessing,
		},
		{
			name:      "processing back to pending is rejected",
			from:      StateProcessing,
			update:    Update{State: StatePending},
			wantErr:   true,
			wantState: StateProcessing,
		},
		{
			name:        "pending straight to succeeded",
			from:        StatePending,
			update:      Update{State: StateSucceeded, Result: result, ArtifactRef: "J1.mp3"},
			wantChanged: true,
			wantState:   StateSucceeded,
		},
		{
			name:      "succeeded without artifact ref is rejected",
			from:      StateProcessing,
			update:    Update{State: StateSucceeded, Result: result},
			wantErr:   true,
			wantState: StateProcessing,
		},
		{
			name:      "succeeded without asset url is rejected",
			from:      StateProcessing,
			update:    Update{State: StateSucceeded, Result: &JobResult{}, ArtifactRef: "J1.mp3"},
			wantErr:   true,
			wantState: StateProcessing,
		},
		{
			name:        "processing to failed",
			from:        StateProcessing,
			update:      Update{State: StateFailed, Error: "boom"},
			wantChanged: true,
			wantState:   StateFailed,
		},
		{
			name:      "unknown state is rejected",
			from:      StatePending,
			update:    Update{State: "DONE"},
			wantErr:   true,
			wantState: StatePending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob("J1", Request{Prompt: "p"}, created)
			job.State = tt.from

			changed, err := ApplyTransition(job, tt.update, now)

			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantState, job.State)
			if changed {
				assert.Equal(t, now, job.UpdatedAt)
			} else {
				assert.Equal(t, created, job.UpdatedAt)
			}
		})
	}
}

func TestApplyTransition_TerminalIsImmutable(t *testing.T) {
	now := time.Now()
	result := &JobResult{RemoteAssetURL: "http://x/a.mp3"}

	job := NewJob("J1", Request{Prompt: "p"}, now)
	_, err := ApplyTransition(job, Update{State: StateSucceeded, Result: result, ArtifactRef: "J1.mp3"}, now)
	require.NoError(t, err)

	t.Run("identical re-delivery is a no-op", func(t *testing.T) {
		changed, err := ApplyTransition(job, Update{State: StateSucceeded, Result: result, ArtifactRef: "J1.mp3"}, now.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("conflicting artifact ref is rejected", func(t *testing.T) {
		_, err := ApplyTransition(job, Update{State: StateSucceeded, Result: result, ArtifactRef: "other.mp3"}, now)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, "J1.mp3", job.ArtifactRef)
	})

	t.Run("failure after success is rejected", func(t *testing.T) {
		_, err := ApplyTransition(job, Update{State: StateFailed, Error: "late"}, now)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StateSucceeded, job.State)
		assert.Empty(t, job.Error)
	})

	t.Run("processing after success is rejected", func(t *testing.T) {
		_, err := ApplyTransition(job, Update{State: StateProcessing}, now)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestRequest_Validate(t *testing.T) {
	assert.NoError(t, Request{Prompt: "calm piano"}.Validate())
	assert.ErrorIs(t, Request{}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, Request{Prompt: "x", CustomMode: true, Title: "t"}.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, Request{Prompt: "x", CustomMode: true, Style: "pop"}.Validate(), ErrInvalidRequest)
	assert.NoError(t, Request{Prompt: "x", CustomMode: true, Style: "pop", Title: "t"}.Validate())
}

func TestUpstreamStatusError_Is(t *testing.T) {
	err := &UpstreamStatusError{StatusCode: 500}
	assert.ErrorIs(t, err, ErrUpstreamRejected)
	assert.Contains(t, err.Error(), "500")
	assert.False(t, IsRetryable(err))
	assert.True(t, IsRetryable(NewRetryableError(err)))
}
