// Package remediate turns high-impact vulnerability findings into
// remediation playbooks and drives them through an approval workflow to
// execution on the asset's agent.
package remediate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/metrics"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/store"
)

const pkgName = "internal/remediate"

var (
	ErrGenerate = errors.New("error generating playbooks")
	// ErrNoAgent indicates the asset has no associated agent to
	// execute on.
	ErrNoAgent = errors.New("asset has no associated agent")
)

// Enqueuer dispatches the playbook execution job to the scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID string, jobType model.JobType, target string, params map[string]any, preferredAgent *uuid.UUID) (*model.Job, error)
}

type Engine struct {
	repository store.Repository
	machine    *PlaybookStateMachine
	jobs       Enqueuer
	publisher  events.Publisher
	logger     *logrus.Logger
}

func NewEngine(repository store.Repository, jobs Enqueuer, publisher events.Publisher, logger *logrus.Logger) *Engine {
	return &Engine{
		repository: repository,
		machine:    NewPlaybookStateMachine(repository),
		jobs:       jobs,
		publisher:  publisher,
		logger:     logger,
	}
}

func (e *Engine) StateMachine() *PlaybookStateMachine { return e.machine }

// GeneratePlaybooks drafts a playbook for every unresolved high or
// critical finding of the tenant that has none yet. Unresolved means
// the finding is attached to an asset still on the network. Idempotent,
// one playbook per vulnerability.
func (e *Engine) GeneratePlaybooks(ctx context.Context, tenantID string) ([]*model.Playbook, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "GeneratePlaybooks")
	defer span.End()

	vulns, err := e.repository.VulnerabilitiesByTenant(ctx, tenantID, model.SeverityHigh)
	if err != nil {
		return nil, errors.Wrap(ErrGenerate, err.Error())
	}

	var genErr *multierror.Error

	generated := []*model.Playbook{}

	for _, vuln := range vulns {
		asset, err := e.repository.AssetByID(ctx, vuln.AssetID)
		if err != nil {
			genErr = multierror.Append(genErr, err)
			continue
		}

		if asset.State == model.AssetStateGone {
			continue
		}

		if _, err := e.repository.PlaybookByVulnerability(ctx, vuln.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			genErr = multierror.Append(genErr, err)
			continue
		}

		playbook, err := e.draftPlaybook(ctx, vuln)
		if err != nil {
			genErr = multierror.Append(genErr, err)
			continue
		}

		generated = append(generated, playbook)
	}

	return generated, genErr.ErrorOrNil()
}

func (e *Engine) draftPlaybook(ctx context.Context, vuln *model.Vulnerability) (*model.Playbook, error) {
	vulnID := vuln.ID

	playbook := &model.Playbook{
		ID:              uuid.New(),
		TenantID:        vuln.TenantID,
		AssetID:         vuln.AssetID,
		VulnerabilityID: &vulnID,
		State:           model.PlaybookStateDraft,
		CreatedAt:       time.Now().UTC(),
	}

	if matched := matchRule(vuln); matched != nil {
		playbook.Title = matched.title
		playbook.Actions = matched.actions
		playbook.Risk = matched.risk
	} else {
		playbook.Title = "Manual remediation for " + vuln.CVE
		playbook.Actions = manualActions(vuln)
		playbook.Risk = model.RiskLow
	}

	if err := e.repository.AddPlaybook(ctx, playbook); err != nil {
		return nil, err
	}

	metrics.PlaybooksGenerated.WithLabelValues(playbook.TenantID, string(playbook.Risk)).Inc()

	e.logger.WithFields(logrus.Fields{
		"tenant":     playbook.TenantID,
		"playbookID": playbook.ID,
		"cve":        vuln.CVE,
		"risk":       playbook.Risk,
	}).Info("playbook drafted")

	_ = e.publisher.Publish(&events.Event{
		Kind:     events.KindPlaybookGenerated,
		TenantID: playbook.TenantID,
		Subject:  playbook.ID.String(),
		Data: map[string]any{
			"cve":  vuln.CVE,
			"risk": string(playbook.Risk),
		},
		Timestamp: playbook.CreatedAt,
	})

	return playbook, nil
}

// Approve moves a draft playbook to approved. Anything but a draft
// fails with store.ErrConflict.
func (e *Engine) Approve(ctx context.Context, playbookID uuid.UUID) error {
	playbook, err := e.repository.PlaybookByID(ctx, playbookID)
	if err != nil {
		return err
	}

	return e.machine.Transition(ctx, playbook, TransitionApprove)
}

// Execute dispatches an approved playbook to the agent associated with
// its asset. The playbook moves to executing and a playbook_execution
// job carrying the action list is enqueued for that agent.
func (e *Engine) Execute(ctx context.Context, playbookID uuid.UUID) (*model.Execution, error) {
	playbook, err := e.repository.PlaybookByID(ctx, playbookID)
	if err != nil {
		return nil, err
	}

	asset, err := e.repository.AssetByID(ctx, playbook.AssetID)
	if err != nil {
		return nil, err
	}

	if asset.AgentID == nil {
		return nil, errors.Wrap(ErrNoAgent, asset.Address)
	}

	if err := e.machine.Transition(ctx, playbook, TransitionExecute); err != nil {
		return nil, err
	}

	execution := &model.Execution{
		ID:         uuid.New(),
		PlaybookID: playbook.ID,
		AgentID:    *asset.AgentID,
		State:      model.ExecutionStatePending,
		CreatedAt:  time.Now().UTC(),
	}

	params := map[string]any{
		"execution_id": execution.ID.String(),
		"playbook_id":  playbook.ID.String(),
		"actions":      actionMaps(playbook.Actions),
	}

	job, err := e.jobs.Enqueue(ctx, playbook.TenantID, model.JobTypePlaybookRun, asset.Address, params, asset.AgentID)
	if err != nil {
		return nil, err
	}

	execution.JobID = job.ID

	if err := e.repository.AddExecution(ctx, execution); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"tenant":      playbook.TenantID,
		"playbookID":  playbook.ID,
		"executionID": execution.ID,
		"agentID":     execution.AgentID,
	}).Info("playbook execution dispatched")

	return execution, nil
}

// CompleteExecution records the terminal outcome reported by the agent
// and mirrors it onto the playbook.
func (e *Engine) CompleteExecution(ctx context.Context, executionID uuid.UUID, succeeded bool, logs string) error {
	execution, err := e.repository.ExecutionByID(ctx, executionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	execution.Logs = logs
	execution.FinishedAt = now

	if execution.StartedAt.IsZero() {
		execution.StartedAt = now
	}

	transition := TransitionFinish
	execution.State = model.ExecutionStateDone

	if !succeeded {
		transition = TransitionFail
		execution.State = model.ExecutionStateFailed
	}

	if err := e.repository.UpdateExecution(ctx, execution); err != nil {
		return err
	}

	playbook, err := e.repository.PlaybookByID(ctx, execution.PlaybookID)
	if err != nil {
		return err
	}

	if err := e.machine.Transition(ctx, playbook, transition); err != nil {
		return err
	}

	_ = e.publisher.Publish(&events.Event{
		Kind:     events.KindExecutionFinished,
		TenantID: playbook.TenantID,
		Subject:  execution.ID.String(),
		Data: map[string]any{
			"playbook_id": playbook.ID.String(),
			"succeeded":   succeeded,
		},
		Timestamp: now,
	})

	return nil
}

func actionMaps(actions []model.FixAction) []map[string]any {
	out := make([]map[string]any, 0, len(actions))

	for _, action := range actions {
		out = append(out, map[string]any{
			"id":              action.ID,
			"title":           action.Title,
			"description":     action.Description,
			"os_family":       action.OSFamily,
			"commands":        action.Commands,
			"manual_steps":    action.ManualSteps,
			"requires_reboot": action.RequiresReboot,
		})
	}

	return out
}
