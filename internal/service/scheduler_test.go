package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/taskcron/internal/core"
	"github.com/mediaforge/taskcron/internal/data"
	"github.com/mediaforge/taskcron/internal/domain"
	apperrors "github.com/mediaforge/taskcron/internal/errors"
)

// stubScheduleStore is a hand-rolled ScheduleStore recording every call.
type stubScheduleStore struct {
	due        []domain.Schedule
	listDueErr error

	liveByID map[string]int
	allLive  int

	materializeErr   error
	materializeCalls []domain.MaterializeParams

	advanceErr   error
	advanceCalls []data.AdvanceParams

	replaceReturn []string
	replaceCalls  []string

	lastErrors map[string]string
}

func newStubScheduleStore() *stubScheduleStore {
	return &stubScheduleStore{
		liveByID:   map[string]int{},
		lastErrors: map[string]string{},
	}
}

func (s *stubScheduleStore) ListDue(_ context.Context, _ time.Time, _ int) ([]domain.Schedule, error) {
	return s.due, s.listDueErr
}

func (s *stubScheduleStore) CountLiveInstances(_ context.Context, scheduleID string) (int, error) {
	return s.liveByID[scheduleID], nil
}

func (s *stubScheduleStore) CountAllLiveInstances(_ context.Context) (int, error) {
	return s.allLive, nil
}

func (s *stubScheduleStore) Materialize(_ context.Context, p domain.MaterializeParams) (domain.MaterializeResult, error) {
	s.materializeCalls = append(s.materializeCalls, p)
	if s.materializeErr != nil {
		return domain.MaterializeResult{}, s.materializeErr
	}
	return domain.MaterializeResult{InstanceID: "inst-1", TaskID: "task-1"}, nil
}

func (s *stubScheduleStore) AdvanceNextOnly(_ context.Context, p data.AdvanceParams) error {
	s.advanceCalls = append(s.advanceCalls, p)
	return s.advanceErr
}

func (s *stubScheduleStore) TransitionToReplace(_ context.Context, scheduleID string) ([]string, error) {
	s.replaceCalls = append(s.replaceCalls, scheduleID)
	return s.replaceReturn, nil
}

func (s *stubScheduleStore) SetLastError(_ context.Context, id, message string) error {
	s.lastErrors[id] = message
	return nil
}

// stubTemplateReader serves a fixed template, or an error.
type stubTemplateReader struct {
	template domain.TemplateTask
	err      error
	calls    []string
}

func (r *stubTemplateReader) GetTemplate(_ context.Context, id string) (domain.TemplateTask, error) {
	r.calls = append(r.calls, id)
	if r.err != nil {
		return domain.TemplateTask{}, r.err
	}
	return r.template, nil
}

func testSchedule(policy domain.OverlapPolicy) domain.Schedule {
	return domain.Schedule{
		ID:             "sched-1",
		TemplateTaskID: "tmpl-1",
		CronExpression: "*/5 * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		NextRunAt:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		MaxInstances:   1,
		OverlapPolicy:  policy,
	}
}

func newTestScheduler(store *stubScheduleStore, templates *stubTemplateReader) *SchedulerService {
	return NewSchedulerService(SchedulerServiceOptions{
		Store:     store,
		Templates: templates,
		Config:    core.DefaultSchedulerConfig(),
	})
}

func TestTickNoDueSchedules(t *testing.T) {
	t.Parallel()

	store := newStubScheduleStore()
	svc := newTestScheduler(store, &stubTemplateReader{})

	result, err := svc.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, result.Due)
	assert.Zero(t, result.Processed())
}

func TestTickMaterializesDueSchedule(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapSkip)}
	templates := &stubTemplateReader{template: domain.TemplateTask{ID: "tmpl-1", TaskType: "report"}}

	svc := newTestScheduler(store, templates)
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Due)
	assert.Equal(t, 1, result.Materialized)
	assert.Zero(t, result.Errors)

	require.Len(t, store.materializeCalls, 1)
	call := store.materializeCalls[0]
	assert.Equal(t, "sched-1", call.Schedule.ID)
	// scheduled_for pins the observed due firing, not wall-clock time.
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), call.ScheduledFor)
	// The subsequent firing is computed from now, so the backlog coalesces.
	assert.Equal(t, time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC), call.NewNextRunAt)
	assert.Equal(t, []string{"tmpl-1"}, templates.calls)
}

func TestTickSkipPolicyAtCapacityAdvancesOnly(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapSkip)}
	store.liveByID["sched-1"] = 1

	svc := newTestScheduler(store, &stubTemplateReader{})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Advanced)
	assert.Zero(t, result.Materialized)
	assert.Empty(t, store.materializeCalls)
	require.Len(t, store.advanceCalls, 1)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), store.advanceCalls[0].ObservedNextRunAt)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC), store.advanceCalls[0].NewNextRunAt)
}

func TestTickQueuePolicyMaterializesDespiteLiveInstances(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapQueue)}
	store.liveByID["sched-1"] = 3

	svc := newTestScheduler(store, &stubTemplateReader{template: domain.TemplateTask{ID: "tmpl-1"}})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Materialized)
	assert.Empty(t, store.advanceCalls)
}

func TestTickReplacePolicySkipsLiveThenMaterializes(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapReplace)}
	store.liveByID["sched-1"] = 2
	store.replaceReturn = []string{"inst-a", "inst-b"}

	svc := newTestScheduler(store, &stubTemplateReader{template: domain.TemplateTask{ID: "tmpl-1"}})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, []string{"sched-1"}, store.replaceCalls)
	assert.Equal(t, 2, result.Replaced)
	assert.Equal(t, 1, result.Materialized)
}

func TestTickReplacePolicyWithoutLiveInstances(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapReplace)}

	svc := newTestScheduler(store, &stubTemplateReader{template: domain.TemplateTask{ID: "tmpl-1"}})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	// Nothing to replace; this is a plain materialization.
	assert.Empty(t, store.replaceCalls)
	assert.Equal(t, 1, result.Materialized)
}

func TestTickSuppressesLostAdvanceRace(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapSkip)}
	store.materializeErr = apperrors.MaterializationConflict("sched-1")

	svc := newTestScheduler(store, &stubTemplateReader{template: domain.TemplateTask{ID: "tmpl-1"}})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Conflicts)
	assert.Zero(t, result.Materialized)
	assert.Zero(t, result.Errors)
}

func TestTickTreatsDuplicateInstanceAsIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapSkip)}
	store.materializeErr = apperrors.Conflict("instance already exists")

	svc := newTestScheduler(store, &stubTemplateReader{template: domain.TemplateTask{ID: "tmpl-1"}})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Conflicts)
	assert.Zero(t, result.Errors)
}

func TestTickIsolatesUnparseableSchedule(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	broken := testSchedule(domain.OverlapSkip)
	broken.CronExpression = "61 * * * *"

	store := newStubScheduleStore()
	store.due = []domain.Schedule{broken}

	svc := newTestScheduler(store, &stubTemplateReader{})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Errors)
	assert.Contains(t, store.lastErrors, "sched-1")
	assert.Empty(t, store.materializeCalls)
}

func TestTickIsolatesBadTimezone(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	broken := testSchedule(domain.OverlapSkip)
	broken.Timezone = "Mars/Olympus"

	store := newStubScheduleStore()
	store.due = []domain.Schedule{broken}

	svc := newTestScheduler(store, &stubTemplateReader{})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Errors)
	assert.Contains(t, store.lastErrors, "sched-1")
}

func TestTickIsolatesMissingTemplate(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapSkip)}
	templates := &stubTemplateReader{err: apperrors.TemplateNotFound("tmpl-1")}

	svc := newTestScheduler(store, templates)
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Errors)
	assert.Contains(t, store.lastErrors, "sched-1")
}

func TestTickGlobalCeilingDefersFiring(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapQueue)}
	store.allLive = 100

	cfg := core.DefaultSchedulerConfig()
	cfg.MaxConcurrentInstances = 100

	svc := NewSchedulerService(SchedulerServiceOptions{
		Store:     store,
		Templates: &stubTemplateReader{template: domain.TemplateTask{ID: "tmpl-1"}},
		Config:    cfg,
	})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Advanced)
	assert.Empty(t, store.materializeCalls)
}

func TestTickSkipsNotYetDueSchedule(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapSkip)}

	svc := newTestScheduler(store, &stubTemplateReader{})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Zero(t, result.Processed())
	assert.Empty(t, store.materializeCalls)
	assert.Empty(t, store.advanceCalls)
}

func TestTickContinuesPastSingleFailure(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 1, 0, 0, time.UTC)
	broken := testSchedule(domain.OverlapSkip)
	broken.ID = "sched-broken"
	broken.CronExpression = "not a cron"

	healthy := testSchedule(domain.OverlapSkip)

	store := newStubScheduleStore()
	store.due = []domain.Schedule{broken, healthy}

	svc := newTestScheduler(store, &stubTemplateReader{template: domain.TemplateTask{ID: "tmpl-1"}})
	result, err := svc.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Due)
	assert.Equal(t, 1, result.Errors)
	assert.Equal(t, 1, result.Materialized)
}

func TestTickAbortsOnCancelledContext(t *testing.T) {
	t.Parallel()

	store := newStubScheduleStore()
	store.due = []domain.Schedule{testSchedule(domain.OverlapSkip)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := newTestScheduler(store, &stubTemplateReader{})
	_, err := svc.Tick(ctx, time.Now())
	require.ErrorIs(t, err, context.Canceled)
}
