package ingest

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deco-sec/tower/internal/enrich"
	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/fixtures"
	"github.com/deco-sec/tower/internal/lifecycle"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/registry"
	"github.com/deco-sec/tower/internal/remediate"
	"github.com/deco-sec/tower/internal/scheduler"
	"github.com/deco-sec/tower/internal/store"
)

type harness struct {
	repository store.Repository
	scheduler  *scheduler.Scheduler
	registry   *registry.Registry
	remediate  *remediate.Engine
	provider   *fixtures.StubProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	repository := store.NewMemStore()
	logger := logrus.New()
	logger.Out = io.Discard

	cfg := fixtures.Config()
	publisher := events.NoopPublisher{}

	sched := scheduler.New(repository, publisher, cfg, logger)

	provider := fixtures.NewStubProvider()
	provider.Records["service:smb"] = fixtures.SMBRecords()

	lifecycleEngine := lifecycle.NewEngine(repository, publisher, cfg, logger)
	enricher := enrich.NewEnricher(repository, enrich.NewCache(repository, cfg.CacheTTL), provider, publisher, logger)
	remediateEngine := remediate.NewEngine(repository, sched, publisher, logger)

	sched.SetResultHandler(NewPipeline(lifecycleEngine, enricher, remediateEngine, logger))

	return &harness{
		repository: repository,
		scheduler:  sched,
		registry:   registry.New(repository, sched, cfg, logger),
		remediate:  remediateEngine,
		provider:   provider,
	}
}

// runJob drives one job through the full lease protocol for the agent
// and reports the given result payload.
func runJob(t *testing.T, h *harness, agent *model.Agent, job *model.Job, result map[string]any) {
	t.Helper()

	ctx := context.Background()

	eligible, err := h.registry.Heartbeat(ctx, agent.ID, model.HeartbeatInfo{})
	require.NoError(t, err)

	found := false

	for _, candidate := range eligible {
		if candidate.ID == job.ID {
			found = true
		}
	}

	require.True(t, found, "job not offered to agent")

	require.NoError(t, h.scheduler.Acknowledge(ctx, agent.ID, job.ID))
	require.NoError(t, h.scheduler.Complete(ctx, agent.ID, job.ID, model.JobStateDone, result, ""))
}

func TestDiscoveryToPlaybookFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	agent, err := h.registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.4.0", "linux", nil)
	require.NoError(t, err)

	job, err := h.scheduler.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{
		"cidr":       "10.0.0.0/24",
		"full_sweep": true,
	}, nil)
	require.NoError(t, err)

	runJob(t, h, agent, job, map[string]any{
		"devices": []map[string]any{
			{
				"address":    "10.0.0.5",
				"hostname":   "fileserver",
				"os_guess":   "Windows Server 2008",
				"open_ports": []int{139, 445},
			},
		},
		"full_sweep": true,
	})

	// the device landed in the inventory
	asset, err := h.repository.AssetByAddress(ctx, fixtures.TenantAcme, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "fileserver", asset.Hostname)
	assert.Equal(t, model.AssetStateAtRisk, asset.State)
	require.NotNil(t, asset.AgentID)
	assert.Equal(t, agent.ID, *asset.AgentID)

	// enrichment recorded the SMB finding
	vulns, err := h.repository.VulnerabilitiesByAsset(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	assert.Equal(t, "CVE-2017-0144", vulns[0].CVE)
	assert.Equal(t, model.SeverityCritical, vulns[0].Severity)

	// the critical finding got a drafted playbook
	playbooks, err := h.repository.PlaybooksByTenant(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)
	assert.Equal(t, model.PlaybookStateDraft, playbooks[0].State)
	assert.Equal(t, model.RiskHigh, playbooks[0].Risk)
}

func TestPlaybookExecutionRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	agent, err := h.registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.4.0", "linux", nil)
	require.NoError(t, err)

	job, err := h.scheduler.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{
		"cidr":       "10.0.0.0/24",
		"full_sweep": true,
	}, nil)
	require.NoError(t, err)

	runJob(t, h, agent, job, map[string]any{
		"devices": []map[string]any{
			{
				"address":    "10.0.0.5",
				"hostname":   "fileserver",
				"os_guess":   "Windows Server 2008",
				"open_ports": []int{139, 445},
			},
		},
		"full_sweep": true,
	})

	playbooks, err := h.repository.PlaybooksByTenant(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)

	playbook := playbooks[0]

	require.NoError(t, h.remediate.Approve(ctx, playbook.ID))

	execution, err := h.remediate.Execute(ctx, playbook.ID)
	require.NoError(t, err)

	// the dispatched job is pinned to the asset's agent and carries the
	// playbook's actions
	execJob, err := h.repository.JobByID(ctx, execution.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobTypePlaybookRun, execJob.Type)
	require.NotNil(t, execJob.AssignedAgentID)
	assert.Equal(t, agent.ID, *execJob.AssignedAgentID)

	decoded, err := execJob.DecodeParams()
	require.NoError(t, err)

	params, ok := decoded.(*model.PlaybookParams)
	require.True(t, ok)
	assert.Equal(t, execution.ID.String(), params.ExecutionID)
	require.NotEmpty(t, params.Actions)

	stored, err := h.repository.PlaybookByID(ctx, playbook.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlaybookStateExecuting, stored.State)

	// the agent runs it and reports success through the same lease
	// protocol as any other job
	runJob(t, h, agent, execJob, map[string]any{
		"execution_id": execution.ID.String(),
		"succeeded":    true,
		"logs":         "disabled SMBv1",
	})

	finished, err := h.repository.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStateDone, finished.State)
	assert.Equal(t, "disabled SMBv1", finished.Logs)

	stored, err = h.repository.PlaybookByID(ctx, playbook.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlaybookStateDone, stored.State)
}

func TestPlaybookExecutionJobFailureMirrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	agent, err := h.registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.4.0", "linux", nil)
	require.NoError(t, err)

	job, err := h.scheduler.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{
		"cidr":       "10.0.0.0/24",
		"full_sweep": true,
	}, nil)
	require.NoError(t, err)

	runJob(t, h, agent, job, map[string]any{
		"devices": []map[string]any{
			{
				"address":    "10.0.0.5",
				"hostname":   "fileserver",
				"os_guess":   "Windows Server 2008",
				"open_ports": []int{139, 445},
			},
		},
		"full_sweep": true,
	})

	playbooks, err := h.repository.PlaybooksByTenant(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)

	playbook := playbooks[0]

	require.NoError(t, h.remediate.Approve(ctx, playbook.ID))

	execution, err := h.remediate.Execute(ctx, playbook.ID)
	require.NoError(t, err)

	// the agent picks the job up but the run itself errors out; the
	// execution and its playbook must not stay open
	require.NoError(t, h.scheduler.Acknowledge(ctx, agent.ID, execution.JobID))
	require.NoError(t, h.scheduler.Complete(ctx, agent.ID, execution.JobID, model.JobStateError, nil, "agent crashed"))

	failed, err := h.repository.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStateFailed, failed.State)
	assert.Equal(t, "agent crashed", failed.Logs)

	stored, err := h.repository.PlaybookByID(ctx, playbook.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlaybookStateFailed, stored.State)
}

func TestRepeatedDiscoveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	agent, err := h.registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.4.0", "linux", nil)
	require.NoError(t, err)

	result := map[string]any{
		"devices": []map[string]any{
			{
				"address":    "10.0.0.5",
				"hostname":   "fileserver",
				"os_guess":   "Windows Server 2008",
				"open_ports": []int{139, 445},
			},
		},
		"full_sweep": true,
	}

	for i := 0; i < 2; i++ {
		job, err := h.scheduler.Enqueue(ctx, fixtures.TenantAcme, model.JobTypeDiscovery, "10.0.0.0/24", map[string]any{
			"cidr":       "10.0.0.0/24",
			"full_sweep": true,
		}, nil)
		require.NoError(t, err)

		runJob(t, h, agent, job, result)
	}

	assets, err := h.repository.AssetsByTenant(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	assert.Len(t, assets, 1)

	vulns, err := h.repository.VulnerabilitiesByAsset(ctx, assets[0].ID)
	require.NoError(t, err)
	assert.Len(t, vulns, 1)

	playbooks, err := h.repository.PlaybooksByTenant(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	assert.Len(t, playbooks, 1)

	// the second round was served from the vulnerability cache
	assert.Equal(t, 1, h.provider.Calls["service:smb"])
}

func TestPortScanResultMergesHost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	agent, err := h.registry.Register(ctx, fixtures.TenantAcme, "scanner-01", "1.4.0", "linux", nil)
	require.NoError(t, err)

	job, err := h.scheduler.Enqueue(ctx, fixtures.TenantAcme, model.JobTypePortScan, "10.0.0.9", map[string]any{
		"target": "10.0.0.9",
	}, nil)
	require.NoError(t, err)

	runJob(t, h, agent, job, map[string]any{
		"host": map[string]any{
			"address":    "10.0.0.9",
			"hostname":   "printer",
			"open_ports": []int{9100},
		},
	})

	asset, err := h.repository.AssetByAddress(ctx, fixtures.TenantAcme, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, "printer", asset.Hostname)
	assert.Equal(t, model.AssetStateNew, asset.State)
}

func TestPlaybookResultWithBadExecutionID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	logger := logrus.New()
	logger.Out = io.Discard

	pipeline := NewPipeline(nil, nil, h.remediate, logger)

	job := fixtures.Job(fixtures.TenantAcme)
	job.Type = model.JobTypePlaybookRun

	err := pipeline.ProcessResult(ctx, job, map[string]any{
		"execution_id": "not-a-uuid",
		"succeeded":    true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIngest)
}

func TestDiscoveryResultRequiresAgent(t *testing.T) {
	ctx := context.Background()

	logger := logrus.New()
	logger.Out = io.Discard

	repository := store.NewMemStore()
	cfg := fixtures.Config()
	publisher := events.NoopPublisher{}

	sched := scheduler.New(repository, publisher, cfg, logger)

	pipeline := NewPipeline(
		lifecycle.NewEngine(repository, publisher, cfg, logger),
		enrich.NewEnricher(repository, enrich.NewCache(repository, time.Hour), fixtures.NewStubProvider(), publisher, logger),
		remediate.NewEngine(repository, sched, publisher, logger),
		logger,
	)

	job := fixtures.Job(fixtures.TenantAcme)

	err := pipeline.ProcessResult(ctx, job, map[string]any{"devices": []map[string]any{}, "full_sweep": true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnassignedResult)
}
