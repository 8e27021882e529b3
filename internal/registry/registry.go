// Package registry tracks the scanning agents of each tenant. Agents
// self-register and prove liveness through heartbeats; liveness itself
// is never stored, it is derived from heartbeat recency on read.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	goversion "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/deco-sec/tower/internal/metrics"
	"github.com/deco-sec/tower/internal/model"
	"github.com/deco-sec/tower/internal/store"
)

var (
	ErrRegister  = errors.New("error registering agent")
	ErrHeartbeat = errors.New("error processing heartbeat")
)

// JobFetcher returns the jobs an agent may acknowledge, read-only.
type JobFetcher interface {
	FetchEligible(ctx context.Context, agentID uuid.UUID) ([]*model.Job, error)
}

type Registry struct {
	repository      store.Repository
	jobs            JobFetcher
	livenessWindow  time.Duration
	minAgentVersion string
	logger          *logrus.Logger
}

func New(repository store.Repository, jobs JobFetcher, cfg *model.Config, logger *logrus.Logger) *Registry {
	return &Registry{
		repository:      repository,
		jobs:            jobs,
		livenessWindow:  cfg.LivenessWindow,
		minAgentVersion: cfg.MinAgentVersion,
		logger:          logger,
	}
}

// Register creates or refreshes the agent record for (tenant, hostname).
// Re-registration after a reinstall keeps the agent identity stable.
func (r *Registry) Register(ctx context.Context, tenantID, hostname, agentVersion, osName string, capabilities []model.JobType) (*model.Agent, error) {
	now := time.Now().UTC()

	agent, err := r.repository.AgentByHostname(ctx, tenantID, hostname)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, errors.Wrap(ErrRegister, err.Error())
		}

		agent = &model.Agent{
			ID:        uuid.New(),
			TenantID:  tenantID,
			Hostname:  hostname,
			CreatedAt: now,
		}
	}

	agent.Version = agentVersion
	agent.OS = osName
	agent.Capabilities = capabilities
	agent.LastSeenAt = now

	if err := r.repository.SaveAgent(ctx, agent); err != nil {
		// A concurrent first registration of the same hostname won,
		// fold into its identity.
		if errors.Is(err, store.ErrConflict) {
			return r.Register(ctx, tenantID, hostname, agentVersion, osName, capabilities)
		}

		return nil, errors.Wrap(ErrRegister, err.Error())
	}

	r.logger.WithFields(logrus.Fields{
		"tenant":   tenantID,
		"agentID":  agent.ID,
		"hostname": hostname,
		"version":  agentVersion,
	}).Info("agent registered")

	return agent, nil
}

// Heartbeat refreshes the agent's last-seen timestamp and self-reported
// metadata, and returns the pending jobs the agent may acknowledge. The
// returned jobs are not granted, the agent must acknowledge each one.
func (r *Registry) Heartbeat(ctx context.Context, agentID uuid.UUID, info model.HeartbeatInfo) ([]*model.Job, error) {
	agent, err := r.repository.AgentByID(ctx, agentID)
	if err != nil {
		return nil, errors.Wrap(ErrHeartbeat, err.Error())
	}

	agent.LastSeenAt = time.Now().UTC()

	if info.LocalIP != "" {
		agent.LocalIP = info.LocalIP
	}

	if info.PrimaryCIDR != "" {
		agent.PrimaryCIDR = info.PrimaryCIDR
	}

	if len(info.Interfaces) > 0 {
		agent.Interfaces = info.Interfaces
	}

	if info.Version != "" {
		agent.Version = info.Version
	}

	if len(info.Capabilities) > 0 {
		agent.Capabilities = info.Capabilities
	}

	if err := r.repository.SaveAgent(ctx, agent); err != nil {
		return nil, errors.Wrap(ErrHeartbeat, err.Error())
	}

	metrics.HeartbeatsReceived.WithLabelValues(agent.TenantID).Inc()

	return r.jobs.FetchEligible(ctx, agentID)
}

// Online reports whether the agent heartbeated within the liveness
// window.
func (r *Registry) Online(agent *model.Agent) bool {
	return agent.Online(time.Now().UTC(), r.livenessWindow)
}

// Outdated reports whether the agent runs a version older than the
// configured fleet minimum. Unparseable versions count as outdated.
func (r *Registry) Outdated(agent *model.Agent) bool {
	if r.minAgentVersion == "" {
		return false
	}

	minimum, err := goversion.NewVersion(r.minAgentVersion)
	if err != nil {
		r.logger.WithField("minVersion", r.minAgentVersion).Warn("invalid minimum agent version configured")
		return false
	}

	current, err := goversion.NewVersion(agent.Version)
	if err != nil {
		return true
	}

	return current.LessThan(minimum)
}

// AgentsByTenant lists a tenant's agents with liveness derived for each.
func (r *Registry) AgentsByTenant(ctx context.Context, tenantID string) ([]*model.Agent, error) {
	return r.repository.AgentsByTenant(ctx, tenantID)
}
