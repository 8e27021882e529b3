// Package scheduler owns the job queue and the lease protocol between
// the control plane and the agent fleet. Work is handed out in two
// phases: a read-only fetch of eligible jobs, then an acknowledge that
// claims exactly one job through a compare-and-set in the store. The
// store-level CAS is what keeps the at-most-one-owner guarantee when
// several control plane instances share a database.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/deco-sec/tower/internal/events"
	"github.com/deco-sec/tower/internal/metrics"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/store"
)

var (
	ErrEnqueue  = errors.New("error enqueuing job")
	ErrComplete = errors.New("error completing job")
	// ErrNotEligible indicates the agent cannot run the job's type.
	ErrNotEligible = errors.New("agent not eligible for job")
)

const reasonLeaseExpired = "lease expired"

// ResultHandler receives the raw result payload of every successfully
// completed job, and is notified of jobs that ended in error, reclaimed
// leases included, so workflows waiting on the job can settle. Wired
// after construction to keep the ingestion pipeline a consumer of the
// scheduler rather than a dependency.
type ResultHandler interface {
	ProcessResult(ctx context.Context, job *model.Job, result map[string]any) error
	ProcessFailure(ctx context.Context, job *model.Job, reason string) error
}

type Scheduler struct {
	repository   store.Repository
	publisher    events.Publisher
	results      ResultHandler
	leaseTimeout time.Duration
	logger       *logrus.Logger
}

func New(repository store.Repository, publisher events.Publisher, cfg *model.Config, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		repository:   repository,
		publisher:    publisher,
		leaseTimeout: cfg.LeaseTimeout,
		logger:       logger,
	}
}

// SetResultHandler wires the completion sink. Must be called before the
// scheduler serves Complete.
func (s *Scheduler) SetResultHandler(handler ResultHandler) {
	s.results = handler
}

// Enqueue validates the typed params for the job type and adds a
// pending job. A non-nil preferredAgent restricts the job to that
// agent.
func (s *Scheduler) Enqueue(ctx context.Context, tenantID string, jobType model.JobType, target string, params map[string]any, preferredAgent *uuid.UUID) (*model.Job, error) {
	if _, err := model.DecodeParams(jobType, params); err != nil {
		return nil, errors.Wrap(ErrEnqueue, err.Error())
	}

	job := &model.Job{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Type:            jobType,
		Target:          target,
		AssignedAgentID: preferredAgent,
		State:           model.JobStatePending,
		Params:          params,
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.repository.AddJob(ctx, job); err != nil {
		return nil, errors.Wrap(ErrEnqueue, err.Error())
	}

	metrics.JobsEnqueued.WithLabelValues(tenantID, string(jobType)).Inc()

	s.logger.WithFields(logrus.Fields{
		"tenant": tenantID,
		"jobID":  job.ID,
		"type":   jobType,
		"target": target,
	}).Info("job enqueued")

	return job, nil
}

// FetchEligible lists pending jobs the agent may acknowledge: jobs
// unassigned or already earmarked for it, whose type the agent is
// capable of. Read-only, fetching grants nothing.
func (s *Scheduler) FetchEligible(ctx context.Context, agentID uuid.UUID) ([]*model.Job, error) {
	agent, err := s.repository.AgentByID(ctx, agentID)
	if err != nil {
		return nil, err
	}

	pending, err := s.repository.PendingJobsByTenant(ctx, agent.TenantID)
	if err != nil {
		return nil, err
	}

	eligible := []*model.Job{}

	for _, job := range pending {
		if job.AssignedAgentID != nil && *job.AssignedAgentID != agentID {
			continue
		}

		if !agent.Capable(job.Type) {
			continue
		}

		eligible = append(eligible, job)
	}

	return eligible, nil
}

// Acknowledge claims the job for the agent. The pending→running
// transition is a single conditional store update, concurrent
// acknowledgers lose with store.ErrConflict.
func (s *Scheduler) Acknowledge(ctx context.Context, agentID, jobID uuid.UUID) error {
	agent, err := s.repository.AgentByID(ctx, agentID)
	if err != nil {
		return err
	}

	job, err := s.repository.JobByID(ctx, jobID)
	if err != nil {
		return err
	}

	if !agent.Capable(job.Type) {
		return errors.Wrap(ErrNotEligible, string(job.Type))
	}

	if err := s.repository.AcquireJob(ctx, jobID, agentID, time.Now().UTC()); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant":  job.TenantID,
		"jobID":   jobID,
		"agentID": agentID,
		"type":    job.Type,
	}).Info("job acknowledged")

	return nil
}

// Complete records the terminal state reported by the agent. Stale
// completions, arriving after the lease was reclaimed or the job
// reassigned, fail the store CAS and are dropped with a warning. On
// success the result payload is handed to the result handler; error
// completions go through its failure path instead.
func (s *Scheduler) Complete(ctx context.Context, agentID, jobID uuid.UUID, state model.JobState, result map[string]any, errReason string) error {
	if !state.Terminal() {
		return errors.Wrap(ErrComplete, "completion state must be terminal: "+string(state))
	}

	job, err := s.repository.JobByID(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if err := s.repository.CompleteJob(ctx, jobID, agentID, state, errReason, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.logger.WithFields(logrus.Fields{
				"jobID":   jobID,
				"agentID": agentID,
				"state":   job.State,
			}).Warn("stale completion dropped")
		}

		return err
	}

	metrics.JobsCompleted.WithLabelValues(job.TenantID, string(job.Type), string(state)).Inc()

	if !job.StartedAt.IsZero() {
		metrics.JobRunTimeSummary.WithLabelValues(string(job.Type), string(state)).Observe(
			now.Sub(job.StartedAt).Seconds(),
		)
	}

	_ = s.publisher.Publish(&events.Event{
		Kind:     events.KindJobCompleted,
		TenantID: job.TenantID,
		Subject:  jobID.String(),
		Data: map[string]any{
			"type":  string(job.Type),
			"state": string(state),
		},
		Timestamp: now,
	})

	job.State = state
	job.ErrorReason = errReason
	job.CompletedAt = now

	if state != model.JobStateDone {
		s.logger.WithFields(logrus.Fields{
			"tenant": job.TenantID,
			"jobID":  jobID,
			"reason": errReason,
		}).Warn("job failed")

		if s.results == nil {
			return nil
		}

		return s.results.ProcessFailure(ctx, job, errReason)
	}

	if s.results == nil {
		return nil
	}

	return s.results.ProcessResult(ctx, job, result)
}

// ForceError moves a running job to error outside the lease protocol,
// for operator cancellation. The assigned agent is cleared so its
// eventual completion is rejected as stale.
func (s *Scheduler) ForceError(ctx context.Context, jobID uuid.UUID, reason string) error {
	return s.repository.ForceJobError(ctx, jobID, reason, time.Now().UTC())
}

// ReclaimZombies fails every running job whose lease expired, clearing
// the assigned agent. Crashed or partitioned agents stop holding work
// hostage after at most one lease timeout plus one sweep interval.
func (s *Scheduler) ReclaimZombies(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.leaseTimeout)

	zombies, err := s.repository.RunningJobsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var sweepErr *multierror.Error

	reclaimed := 0

	for _, job := range zombies {
		if err := s.repository.ForceJobError(ctx, job.ID, reasonLeaseExpired, time.Now().UTC()); err != nil {
			// Lost the race with a late completion, not an error.
			if errors.Is(err, store.ErrConflict) {
				continue
			}

			sweepErr = multierror.Append(sweepErr, err)

			continue
		}

		reclaimed++

		metrics.JobsReclaimed.WithLabelValues(job.TenantID, string(job.Type)).Inc()

		s.logger.WithFields(logrus.Fields{
			"tenant":    job.TenantID,
			"jobID":     job.ID,
			"startedAt": job.StartedAt,
		}).Warn("zombie job reclaimed")

		_ = s.publisher.Publish(&events.Event{
			Kind:      events.KindJobReclaimed,
			TenantID:  job.TenantID,
			Subject:   job.ID.String(),
			Data:      map[string]any{"type": string(job.Type)},
			Timestamp: time.Now().UTC(),
		})

		if s.results != nil {
			job.State = model.JobStateError
			job.ErrorReason = reasonLeaseExpired
			job.AssignedAgentID = nil

			if err := s.results.ProcessFailure(ctx, job, reasonLeaseExpired); err != nil {
				sweepErr = multierror.Append(sweepErr, err)
			}
		}
	}

	return reclaimed, sweepErr.ErrorOrNil()
}
