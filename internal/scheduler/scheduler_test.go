package scheduler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/fixtures"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/store"
)

type recordingHandler struct {
	jobs    []*model.Job
	results []map[string]any

	failed  []*model.Job
	reasons []string
}

func (h *recordingHandler) ProcessResult(_ context.Context, job *model.Job, result map[string]any) error {
	h.jobs = append(h.jobs, job)
	h.results = append(h.results, result)

	return nil
}

func (h *recordingHandler) ProcessFailure(_ context.Context, job *model.Job, reason string) error {
	h.failed = append(h.failed, job)
	h.reasons = append(h.reasons, reason)

	return nil
}

func testScheduler(t *testing.T) (*Scheduler, store.Repository, *recordingHandler) {
	t.Helper()

	repository := store.NewMemStore()
	logger := logrus.New()
	logger.Out = io.Discard

	sched := New(repository, events.NoopPublisher{}, fixtures.Config(), logger)

	handler := &recordingHandler{}
	sched.SetResultHandler(handler)

	return sched, repository, handler
}

func TestEnqueueValidatesParams(t *testing.T) {
	ctx := context.Background()
	sched, repository, _ := testScheduler(t)

	job, err := sched.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{
		"cidr":       "10.0.0.0/24",
		"full_sweep": true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatePending, job.State)

	stored, err := repository.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeDiscovery, stored.Type)

	_, err = sched.Enqueue(ctx, fixtures.TenantAcme, model.JobType("bogus"), "x", map[string]any{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnqueue)
}

func TestFetchEligibleFiltersCapabilityAndAssignment(t *testing.T) {
	ctx := context.Background()
	sched, repository, _ := testScheduler(t)

	agent := fixtures.Agent(fixtures.TenantAcme)
	agent.Capabilities = []model.JobType{model.JobTypeDiscovery}
	require.NoError(t, repository.SaveAgent(ctx, agent))

	other := uuid.New()

	discovery, err := sched.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{"cidr": "10.0.0.0/24"}, nil)
	require.NoError(t, err)

	// beyond the agent's declared capabilities
	_, err = sched.Enqueue(ctx, fixtures.TenantAcme, model.JobTypePortScan, "10.0.0.5", map[string]any{"target": "10.0.0.5"}, nil)
	require.NoError(t, err)

	// pinned to another agent
	_, err = sched.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.1.0.0/24", map[string]any{"cidr": "10.1.0.0/24"}, &other)
	require.NoError(t, err)

	// different tenant
	_, err = sched.Enqueue(ctx, fixtures.TenantOther, model.JobTypeDiscovery, "10.2.0.0/24", map[string]any{"cidr": "10.2.0.0/24"}, nil)
	require.NoError(t, err)

	eligible, err := sched.FetchEligible(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, discovery.ID, eligible[0].ID)
}

func TestAcknowledgeResolvesRace(t *testing.T) {
	ctx := context.Background()
	sched, repository, _ := testScheduler(t)

	first := fixtures.Agent(fixtures.TenantAcme)
	require.NoError(t, repository.SaveAgent(ctx, first))

	second := fixtures.Agent(fixtures.TenantAcme)
	second.ID = uuid.New()
	second.Hostname = "scanner-02"
	require.NoError(t, repository.SaveAgent(ctx, second))

	job, err := sched.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{"cidr": "10.0.0.0/24"}, nil)
	require.NoError(t, err)

	require.NoError(t, sched.Acknowledge(ctx, first.ID, job.ID))

	err = sched.Acknowledge(ctx, second.ID, job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := repository.JobByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, first.ID, *got.AssignedAgentID)
}

func TestAcknowledgeRequiresCapability(t *testing.T) {
	ctx := context.Background()
	sched, repository, _ := testScheduler(t)

	agent := fixtures.Agent(fixtures.TenantAcme)
	agent.Capabilities = []model.JobType{model.JobTypePortScan}
	require.NoError(t, repository.SaveAgent(ctx, agent))

	job, err := sched.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{"cidr": "10.0.0.0/24"}, nil)
	require.NoError(t, err)

	err = sched.Acknowledge(ctx, agent.ID, job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestCompleteRoutesResult(t *testing.T) {
	ctx := context.Background()
	sched, repository, handler := testScheduler(t)

	agent := fixtures.Agent(fixtures.TenantAcme)
	require.NoError(t, repository.SaveAgent(ctx, agent))

	job, err := sched.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{"cidr": "10.0.0.0/24", "full_sweep": true}, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Acknowledge(ctx, agent.ID, job.ID))

	result := map[string]any{"devices": []map[string]any{}, "full_sweep": true}
	require.NoError(t, sched.Complete(ctx, agent.ID, job.ID, model.JobStateDone, result, ""))

	require.Len(t, handler.jobs, 1)
	assert.Equal(t, job.ID, handler.jobs[0].ID)
	assert.Equal(t, result, handler.results[0])

	got, err := repository.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateDone, got.State)
}

func TestCompleteFailedJobRoutesFailure(t *testing.T) {
	ctx := context.Background()
	sched, repository, handler := testScheduler(t)

	agent := fixtures.Agent(fixtures.TenantAcme)
	require.NoError(t, repository.SaveAgent(ctx, agent))

	job, err := sched.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{"cidr": "10.0.0.0/24"}, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Acknowledge(ctx, agent.ID, job.ID))

	require.NoError(t, sched.Complete(ctx, agent.ID, job.ID, model.JobStateError, nil, "scan tool crashed"))

	// error completions never reach the result path, only the failure path
	assert.Empty(t, handler.jobs)
	require.Len(t, handler.failed, 1)
	assert.Equal(t, job.ID, handler.failed[0].ID)
	assert.Equal(t, "scan tool crashed", handler.reasons[0])

	got, err := repository.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateError, got.State)
	assert.Equal(t, "scan tool crashed", got.ErrorReason)
}

func TestReclaimZombies(t *testing.T) {
	ctx := context.Background()
	sched, repository, handler := testScheduler(t)

	agent := fixtures.Agent(fixtures.TenantAcme)
	require.NoError(t, repository.SaveAgent(ctx, agent))

	agentID := agent.ID

	zombie := fixtures.Job(fixtures.TenantAcme)
	zombie.State = model.JobStateRunning
	zombie.AssignedAgentID = &agentID
	zombie.StartedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repository.AddJob(ctx, zombie))

	healthy := fixtures.Job(fixtures.TenantAcme)
	healthy.State = model.JobStateRunning
	healthy.AssignedAgentID = &agentID
	healthy.StartedAt = time.Now().UTC()
	require.NoError(t, repository.AddJob(ctx, healthy))

	reclaimed, err := sched.ReclaimZombies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	got, err := repository.JobByID(ctx, zombie.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateError, got.State)
	assert.Equal(t, "lease expired", got.ErrorReason)
	assert.Nil(t, got.AssignedAgentID)

	// the reclaimed lease is reported through the failure path so
	// workflows waiting on the job can settle
	require.Len(t, handler.failed, 1)
	assert.Equal(t, zombie.ID, handler.failed[0].ID)
	assert.Equal(t, "lease expired", handler.reasons[0])

	// the zombie owner's late completion is rejected as stale
	err = sched.Complete(ctx, agent.ID, zombie.ID, model.JobStateDone, nil, "")
	assert.ErrorIs(t, err, store.ErrConflict)

	untouched, err := repository.JobByID(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateRunning, untouched.State)
}

func TestCompleteRequiresTerminalState(t *testing.T) {
	ctx := context.Background()
	sched, repository, _ := testScheduler(t)

	agent := fixtures.Agent(fixtures.TenantAcme)
	require.NoError(t, repository.SaveAgent(ctx, agent))

	job, err := sched.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{"cidr": "10.0.0.0/24"}, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Acknowledge(ctx, agent.ID, job.ID))

	err = sched.Complete(ctx, agent.ID, job.ID, model.JobStateRunning, nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrComplete)
}
