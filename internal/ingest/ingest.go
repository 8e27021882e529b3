// Package ingest routes completed job results into the engines that
// consume them. It is the only place raw result payloads are decoded;
// everything downstream works on typed values.
package ingest

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/deco-sec/tower/internal/enrich"
	"github.com/deco-sec/tower/internal/lifecycle"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/remediate"
)

const pkgName = "internal/ingest"

var (
	ErrIngest = errors.New("error ingesting job result")
	// ErrUnassignedResult indicates a result for a job that never had
	// an agent, which the lease protocol makes impossible for honest
	// completions.
	ErrUnassignedResult = errors.New("result for unassigned job")
)

type Pipeline struct {
	lifecycle *lifecycle.Engine
	enricher  *enrich.Enricher
	remediate *remediate.Engine
	logger    *logrus.Logger
}

func NewPipeline(lifecycleEngine *lifecycle.Engine, enricher *enrich.Enricher, remediateEngine *remediate.Engine, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		lifecycle: lifecycleEngine,
		enricher:  enricher,
		remediate: remediateEngine,
		logger:    logger,
	}
}

// ProcessResult decodes and dispatches the result of one completed job.
func (p *Pipeline) ProcessResult(ctx context.Context, job *model.Job, raw map[string]any) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "ProcessResult")
	defer span.End()

	decoded, err := model.DecodeResult(job.Type, raw)
	if err != nil {
		return errors.Wrap(ErrIngest, err.Error())
	}

	switch result := decoded.(type) {
	case *model.DiscoveryResult:
		return p.processDiscovery(ctx, job, result)
	case *model.PortScanResult:
		return p.processPortScan(ctx, job, result)
	case *model.PlaybookResult:
		return p.processPlaybook(ctx, result)
	default:
		return errors.Wrap(model.ErrUnknownJobType, string(job.Type))
	}
}

// processDiscovery feeds the observation batch through the asset
// lifecycle, then re-enriches the tenant's inventory and drafts
// playbooks for whatever the enrichment turned up. Each stage runs even
// if the previous one partially failed - observations already merged
// should still be enriched.
func (p *Pipeline) processDiscovery(ctx context.Context, job *model.Job, result *model.DiscoveryResult) error {
	if job.AssignedAgentID == nil {
		return errors.Wrap(ErrUnassignedResult, job.ID.String())
	}

	if err := p.lifecycle.ProcessObservationBatch(ctx, job.TenantID, *job.AssignedAgentID, result.Devices, result.FullSweep); err != nil {
		p.logger.WithFields(logrus.Fields{
			"tenant": job.TenantID,
			"jobID":  job.ID,
			"err":    err.Error(),
		}).Warn("observation batch partially failed")
	}

	newFindings, err := p.enricher.EnrichTenant(ctx, job.TenantID)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"tenant": job.TenantID,
			"err":    err.Error(),
		}).Warn("enrichment partially failed")
	}

	if newFindings > 0 {
		p.logger.WithFields(logrus.Fields{
			"tenant":   job.TenantID,
			"findings": newFindings,
		}).Info("new vulnerabilities recorded")
	}

	generated, err := p.remediate.GeneratePlaybooks(ctx, job.TenantID)
	if err != nil {
		return errors.Wrap(ErrIngest, err.Error())
	}

	if len(generated) > 0 {
		p.logger.WithFields(logrus.Fields{
			"tenant":    job.TenantID,
			"playbooks": len(generated),
		}).Info("remediation playbooks drafted")
	}

	return nil
}

// processPortScan merges the single scanned host back into the
// inventory. Never a full sweep, one host says nothing about the rest
// of the network.
func (p *Pipeline) processPortScan(ctx context.Context, job *model.Job, result *model.PortScanResult) error {
	if job.AssignedAgentID == nil {
		return errors.Wrap(ErrUnassignedResult, job.ID.String())
	}

	devices := []model.ObservedDevice{result.Host}

	if err := p.lifecycle.ProcessObservationBatch(ctx, job.TenantID, *job.AssignedAgentID, devices, false); err != nil {
		return errors.Wrap(ErrIngest, err.Error())
	}

	if _, err := p.enricher.EnrichTenant(ctx, job.TenantID); err != nil {
		p.logger.WithFields(logrus.Fields{
			"tenant": job.TenantID,
			"err":    err.Error(),
		}).Warn("enrichment partially failed")
	}

	return nil
}

func (p *Pipeline) processPlaybook(ctx context.Context, result *model.PlaybookResult) error {
	executionID, err := uuid.Parse(result.ExecutionID)
	if err != nil {
		return errors.Wrap(ErrIngest, "execution id: "+err.Error())
	}

	return p.remediate.CompleteExecution(ctx, executionID, result.Succeeded, result.Logs)
}

// ProcessFailure settles workflows waiting on a job that ended in
// error. Only playbook executions hold open state; a failed scan needs
// no settlement, the next sweep covers it.
func (p *Pipeline) ProcessFailure(ctx context.Context, job *model.Job, reason string) error {
	if job.Type != model.JobTypePlaybookRun {
		return nil
	}

	decoded, err := job.DecodeParams()
	if err != nil {
		return errors.Wrap(ErrIngest, err.Error())
	}

	params, ok := decoded.(*model.PlaybookParams)
	if !ok {
		return errors.Wrap(ErrIngest, "unexpected params for job type "+string(job.Type))
	}

	executionID, err := uuid.Parse(params.ExecutionID)
	if err != nil {
		return errors.Wrap(ErrIngest, "execution id: "+err.Error())
	}

	p.logger.WithFields(logrus.Fields{
		"tenant":      job.TenantID,
		"jobID":       job.ID,
		"executionID": executionID,
		"reason":      reason,
	}).Warn("playbook execution job failed")

	return p.remediate.CompleteExecution(ctx, executionID, false, reason)
}
