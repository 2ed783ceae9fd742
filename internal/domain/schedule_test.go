package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/taskcron/internal/domain"
)

func TestParseOverlapPolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    domain.OverlapPolicy
		wantErr bool
	}{
		{"skip", domain.OverlapSkip, false},
		{"queue", domain.OverlapQueue, false},
		{"replace", domain.OverlapReplace, false},
		{" Replace ", domain.OverlapReplace, false},
		{"SKIP", domain.OverlapSkip, false},
		{"reschedule", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := domain.ParseOverlapPolicy(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got)
	}
}

func TestOverlapPolicyTextRoundTrip(t *testing.T) {
	var p domain.OverlapPolicy
	require.NoError(t, p.UnmarshalText([]byte("queue")))
	assert.Equal(t, domain.OverlapQueue, p)

	text, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "queue", string(text))
}

func TestInstanceStatusClassification(t *testing.T) {
	assert.True(t, domain.InstanceScheduled.IsLive())
	assert.True(t, domain.InstanceRunning.IsLive())
	assert.False(t, domain.InstanceCompleted.IsLive())

	for _, s := range []domain.InstanceStatus{domain.InstanceCompleted, domain.InstanceFailed, domain.InstanceSkipped} {
		assert.True(t, s.IsTerminal(), "status %s", s)
		assert.False(t, s.IsLive(), "status %s", s)
	}
}

func TestInstanceStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to domain.InstanceStatus
		ok       bool
	}{
		{domain.InstanceScheduled, domain.InstanceRunning, true},
		{domain.InstanceScheduled, domain.InstanceSkipped, true},
		{domain.InstanceScheduled, domain.InstanceCompleted, false},
		{domain.InstanceRunning, domain.InstanceCompleted, true},
		{domain.InstanceRunning, domain.InstanceFailed, true},
		{domain.InstanceRunning, domain.InstanceSkipped, true},
		{domain.InstanceCompleted, domain.InstanceRunning, false},
		{domain.InstanceFailed, domain.InstanceScheduled, false},
		{domain.InstanceSkipped, domain.InstanceRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
