package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/taskcron/internal/domain"
	"github.com/mediaforge/taskcron/internal/domain/scheduler"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		params  scheduler.DecideParams
		want    scheduler.Action
		blocked bool
	}{
		{
			name:   "skip below cap materializes",
			params: scheduler.DecideParams{Policy: domain.OverlapSkip, LiveInstances: 0, MaxInstances: 1},
			want:   scheduler.ActionMaterialize,
		},
		{
			name:    "skip at cap advances only",
			params:  scheduler.DecideParams{Policy: domain.OverlapSkip, LiveInstances: 1, MaxInstances: 1},
			want:    scheduler.ActionAdvanceOnly,
			blocked: true,
		},
		{
			name:    "skip above cap advances only",
			params:  scheduler.DecideParams{Policy: domain.OverlapSkip, LiveInstances: 5, MaxInstances: 3},
			want:    scheduler.ActionAdvanceOnly,
			blocked: true,
		},
		{
			name:   "queue below cap materializes",
			params: scheduler.DecideParams{Policy: domain.OverlapQueue, LiveInstances: 0, MaxInstances: 1},
			want:   scheduler.ActionMaterialize,
		},
		{
			name:    "queue at cap still materializes",
			params:  scheduler.DecideParams{Policy: domain.OverlapQueue, LiveInstances: 4, MaxInstances: 1},
			want:    scheduler.ActionMaterialize,
			blocked: true,
		},
		{
			name:   "replace below cap materializes",
			params: scheduler.DecideParams{Policy: domain.OverlapReplace, LiveInstances: 0, MaxInstances: 2},
			want:   scheduler.ActionMaterialize,
		},
		{
			name:    "replace at cap replaces first",
			params:  scheduler.DecideParams{Policy: domain.OverlapReplace, LiveInstances: 2, MaxInstances: 2},
			want:    scheduler.ActionReplaceThenMaterialize,
			blocked: true,
		},
		{
			name:    "max instances below one clamps to one",
			params:  scheduler.DecideParams{Policy: domain.OverlapSkip, LiveInstances: 1, MaxInstances: 0},
			want:    scheduler.ActionAdvanceOnly,
			blocked: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scheduler.Decide(tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Action)
			assert.Equal(t, tt.blocked, got.Blocked)
		})
	}
}

func TestDecideUnknownPolicy(t *testing.T) {
	_, err := scheduler.Decide(scheduler.DecideParams{Policy: "reschedule", MaxInstances: 1})
	assert.Error(t, err)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "materialize", scheduler.ActionMaterialize.String())
	assert.Equal(t, "advance_only", scheduler.ActionAdvanceOnly.String())
	assert.Equal(t, "replace_then_materialize", scheduler.ActionReplaceThenMaterialize.String())
}

func TestIsDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	due := domain.Schedule{Enabled: true, NextRunAt: now.Add(-time.Minute)}
	assert.True(t, scheduler.IsDue(due, now))

	exact := domain.Schedule{Enabled: true, NextRunAt: now}
	assert.True(t, scheduler.IsDue(exact, now))

	future := domain.Schedule{Enabled: true, NextRunAt: now.Add(time.Minute)}
	assert.False(t, scheduler.IsDue(future, now))

	disabled := domain.Schedule{Enabled: false, NextRunAt: now.Add(-time.Minute)}
	assert.False(t, scheduler.IsDue(disabled, now))
}
