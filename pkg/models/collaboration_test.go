package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAggregateCollabStatus(t *testing.T) {
	tests := []struct {
		name   string
		states []TaskState
		want   CollabStatus
	}{
		{"empty flow is pending", nil, CollabPending},
		{"all queued", []TaskState{TaskStateQueued, TaskStateQueued}, CollabInProgress},
		{"one running", []TaskState{TaskStateSucceeded, TaskStateRunning}, CollabInProgress},
		{"all succeeded", []TaskState{TaskStateSucceeded, TaskStateSucceeded}, CollabSucceeded},
		{"mixed outcome is partial", []TaskState{TaskStateSucceeded, TaskStateFailed}, CollabPartial},
		{"all failed", []TaskState{TaskStateFailed, TaskStateFailed}, CollabFailed},
		{"cancelled counts as failure", []TaskState{TaskStateCancelled}, CollabFailed},
		{"failed while one still running", []TaskState{TaskStateFailed, TaskStateRunning}, CollabInProgress},
		{"single success", []TaskState{TaskStateSucceeded}, CollabSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateCollabStatus(tt.states))
		})
	}
}

func TestAgentKindParsing(t *testing.T) {
	for _, kind := range AgentKinds() {
		parsed, err := ParseAgentKind(string(kind))
		assert.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseAgentKind("finance")
	assert.Error(t, err)
}

func TestAgentStatusTransitions(t *testing.T) {
	assert.True(t, AgentIdle.CanTransitionTo(AgentPaused))
	assert.True(t, AgentPaused.CanTransitionTo(AgentIdle))
	assert.True(t, AgentStopped.CanTransitionTo(AgentIdle))
	assert.False(t, AgentPaused.CanTransitionTo(AgentBusy))
	assert.False(t, AgentStopped.CanTransitionTo(AgentBusy))
}

func TestAgentMetricsSuccessRate(t *testing.T) {
	assert.Zero(t, AgentMetrics{}.SuccessRate())
	assert.InDelta(t, 0.75, AgentMetrics{Completed: 3, Failed: 1}.SuccessRate(), 1e-9)
}

func TestSessionLive(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s := &Session{ExpiresAt: now.Add(time.Hour)}

	assert.True(t, s.Live(now))
	assert.False(t, s.Live(now.Add(2*time.Hour)))

	s.Revoked = true
	assert.False(t, s.Live(now))
}
