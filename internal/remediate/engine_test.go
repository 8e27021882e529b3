package remediate

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/fixtures"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/scheduler"
	"github.com/deco-sec/tower/internal/store"
)

func testEngine(t *testing.T) (*Engine, *scheduler.Scheduler, store.Repository) {
	t.Helper()

	repository := store.NewMemStore()
	logger := logrus.New()
	logger.Out = io.Discard

	sched := scheduler.New(repository, events.NoopPublisher{}, fixtures.Config(), logger)

	return NewEngine(repository, sched, events.NoopPublisher{}, logger), sched, repository
}

func seedFinding(t *testing.T, repository store.Repository) (*model.Asset, *model.Vulnerability) {
	t.Helper()

	ctx := context.Background()

	asset := fixtures.Asset(fixtures.TenantAcme, uuid.New())
	require.NoError(t, repository.AddAsset(ctx, asset))

	vuln := fixtures.Vulnerability(asset)
	require.NoError(t, repository.AddVulnerability(ctx, vuln))

	return asset, vuln
}

func TestGeneratePlaybooksForCriticalFinding(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	_, vuln := seedFinding(t, repository)

	playbooks, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)

	playbook := playbooks[0]
	assert.Equal(t, model.PlaybookStateDraft, playbook.State)
	assert.Equal(t, model.RiskHigh, playbook.Risk)
	assert.Equal(t, vuln.ID, *playbook.VulnerabilityID)
	assert.NotEmpty(t, playbook.Actions)

	for _, action := range playbook.Actions {
		assert.NotEmpty(t, action.ID)
		assert.NotEmpty(t, action.Title)
	}
}

func TestGeneratePlaybooksIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	seedFinding(t, repository)

	first, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestGeneratePlaybooksSkipsLowSeverity(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	asset := fixtures.Asset(fixtures.TenantAcme, uuid.New())
	require.NoError(t, repository.AddAsset(ctx, asset))

	vuln := fixtures.Vulnerability(asset)
	vuln.Severity = model.SeverityMedium
	require.NoError(t, repository.AddVulnerability(ctx, vuln))

	playbooks, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	assert.Empty(t, playbooks)
}

func TestGeneratePlaybooksSkipsGoneAssets(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	asset, _ := seedFinding(t, repository)

	asset.State = model.AssetStateGone
	require.NoError(t, repository.UpdateAsset(ctx, asset, false))

	playbooks, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	assert.Empty(t, playbooks)
}

func TestUnmatchedFindingGetsManualPlaybook(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	asset := fixtures.Asset(fixtures.TenantAcme, uuid.New())
	require.NoError(t, repository.AddAsset(ctx, asset))

	vuln := fixtures.Vulnerability(asset)
	vuln.CVE = "CVE-2024-99999"
	vuln.PlatformID = "cpe:2.3:a:vendor:product"
	vuln.Description = "Something obscure."
	require.NoError(t, repository.AddVulnerability(ctx, vuln))

	playbooks, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)

	playbook := playbooks[0]
	assert.Equal(t, model.RiskLow, playbook.Risk)
	assert.Contains(t, playbook.Title, "CVE-2024-99999")
	require.NotEmpty(t, playbook.Actions)
	assert.NotEmpty(t, playbook.Actions[0].ManualSteps)
}

func TestApproveOnlyOnce(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	seedFinding(t, repository)

	playbooks, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)

	require.NoError(t, engine.Approve(ctx, playbooks[0].ID))

	err = engine.Approve(ctx, playbooks[0].ID)
	require.Error(t, err)

	stored, err := repository.PlaybookByID(ctx, playbooks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlaybookStateApproved, stored.State)
}

func TestExecuteRequiresApproval(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	seedFinding(t, repository)

	playbooks, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)

	_, err = engine.Execute(ctx, playbooks[0].ID)
	require.Error(t, err)
}

func TestExecuteRequiresAgent(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	asset, _ := seedFinding(t, repository)

	playbooks, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)
	require.NoError(t, engine.Approve(ctx, playbooks[0].ID))

	asset.AgentID = nil
	require.NoError(t, repository.UpdateAsset(ctx, asset, false))

	_, err = engine.Execute(ctx, playbooks[0].ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestExecuteEnqueuesPinnedJob(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	asset, _ := seedFinding(t, repository)

	playbooks, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)
	require.NoError(t, engine.Approve(ctx, playbooks[0].ID))

	execution, err := engine.Execute(ctx, playbooks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatePending, execution.State)
	assert.Equal(t, *asset.AgentID, execution.AgentID)

	playbook, err := repository.PlaybookByID(ctx, playbooks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlaybookStateExecuting, playbook.State)

	job, err := repository.JobByID(ctx, execution.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobTypePlaybookRun, job.Type)
	assert.Equal(t, asset.Address, job.Target)
	require.NotNil(t, job.AssignedAgentID)
	assert.Equal(t, *asset.AgentID, *job.AssignedAgentID)

	decoded, err := model.DecodeParams(job.Type, job.Params)
	require.NoError(t, err)

	params, ok := decoded.(*model.PlaybookParams)
	require.True(t, ok)
	assert.Equal(t, execution.ID.String(), params.ExecutionID)
	assert.Equal(t, playbook.ID.String(), params.PlaybookID)
	require.Len(t, params.Actions, len(playbook.Actions))
	assert.Equal(t, playbook.Actions[0].ID, params.Actions[0].ID)
	assert.Equal(t, playbook.Actions[0].Commands, params.Actions[0].Commands)
}

func TestCompleteExecutionMirrorsOutcome(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	seedFinding(t, repository)

	playbooks, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)
	require.NoError(t, engine.Approve(ctx, playbooks[0].ID))

	execution, err := engine.Execute(ctx, playbooks[0].ID)
	require.NoError(t, err)

	require.NoError(t, engine.CompleteExecution(ctx, execution.ID, true, "disabled SMBv1"))

	done, err := repository.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStateDone, done.State)
	assert.Equal(t, "disabled SMBv1", done.Logs)
	assert.False(t, done.FinishedAt.IsZero())

	playbook, err := repository.PlaybookByID(ctx, playbooks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlaybookStateDone, playbook.State)
}

func TestCompleteExecutionFailureMirrorsOutcome(t *testing.T) {
	ctx := context.Background()
	engine, _, repository := testEngine(t)

	seedFinding(t, repository)

	playbooks, err := engine.GeneratePlaybooks(ctx, fixtures.TenantAcme)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)
	require.NoError(t, engine.Approve(ctx, playbooks[0].ID))

	execution, err := engine.Execute(ctx, playbooks[0].ID)
	require.NoError(t, err)

	require.NoError(t, engine.CompleteExecution(ctx, execution.ID, false, "access denied"))

	failed, err := repository.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStateFailed, failed.State)

	playbook, err := repository.PlaybookByID(ctx, playbooks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlaybookStateFailed, playbook.State)
}

func TestMatchRuleFallsBackToSubstring(t *testing.T) {
	vuln := &model.Vulnerability{
		CVE:         "CVE-2020-0001",
		PlatformID:  "cpe:2.3:a:vendor:product",
		Description: "Credential theft over exposed Telnet administration interface.",
	}

	matched := matchRule(vuln)
	require.NotNil(t, matched)
	assert.Equal(t, model.RiskHigh, matched.risk)
}
