package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/deco-sec/tower/internal/model"
)

var (
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a conditional update lost a race -
	// a concurrent actor already advanced the entity's state. Callers
	// must treat this as skip, not retry.
	ErrConflict = errors.New("conditional update conflict")
)

// Repository is the transactional entity store the control plane runs
// against. Every status read-then-write is expressed as a conditional
// update so the control plane can run as multiple stateless instances
// without a distributed lock manager.
type Repository interface {
	// agents

	AgentByID(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	AgentByHostname(ctx context.Context, tenantID, hostname string) (*model.Agent, error)
	AgentsByTenant(ctx context.Context, tenantID string) ([]*model.Agent, error)
	// SaveAgent inserts or updates the agent record by ID. Inserting a
	// second identity for the same (tenant, hostname) returns
	// ErrConflict.
	SaveAgent(ctx context.Context, agent *model.Agent) error

	// jobs

	AddJob(ctx context.Context, job *model.Job) error
	JobByID(ctx context.Context, id uuid.UUID) (*model.Job, error)
	PendingJobsByTenant(ctx context.Context, tenantID string) ([]*model.Job, error)
	RunningJobsOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Job, error)
	// AcquireJob is the single compare-and-set point of the lease
	// protocol: pending -> running iff the job is still pending and
	// unassigned or assigned to this agent. ErrConflict otherwise.
	AcquireJob(ctx context.Context, jobID, agentID uuid.UUID, now time.Time) error
	// CompleteJob transitions running -> done|error iff the job is
	// running under this agent. ErrConflict otherwise.
	CompleteJob(ctx context.Context, jobID, agentID uuid.UUID, state model.JobState, errReason string, now time.Time) error
	// ForceJobError forces a running job to error with the given
	// reason and clears its assigned agent.
	ForceJobError(ctx context.Context, jobID uuid.UUID, reason string, now time.Time) error

	// assets

	AssetByID(ctx context.Context, id uuid.UUID) (*model.Asset, error)
	AssetByAddress(ctx context.Context, tenantID, address string) (*model.Asset, error)
	AssetsByTenant(ctx context.Context, tenantID string) ([]*model.Asset, error)
	AddAsset(ctx context.Context, asset *model.Asset) error
	// UpdateAsset persists the asset's merged fields. With
	// incrementObserved the times-observed counter is incremented
	// atomically in the store, not taken from the passed struct.
	UpdateAsset(ctx context.Context, asset *model.Asset, incrementObserved bool) error
	AppendAssetHistory(ctx context.Context, entry *model.AssetHistoryEntry) error
	AssetHistory(ctx context.Context, assetID uuid.UUID) ([]*model.AssetHistoryEntry, error)
	// Tenants lists the distinct tenant identifiers with recorded assets.
	Tenants(ctx context.Context) ([]string, error)

	// vulnerabilities

	VulnerabilityByCVE(ctx context.Context, assetID uuid.UUID, cve string) (*model.Vulnerability, error)
	VulnerabilitiesByAsset(ctx context.Context, assetID uuid.UUID) ([]*model.Vulnerability, error)
	VulnerabilitiesByTenant(ctx context.Context, tenantID string, minSeverity model.Severity) ([]*model.Vulnerability, error)
	AddVulnerability(ctx context.Context, vuln *model.Vulnerability) error
	// TouchVulnerability refreshes the last-detected timestamp only.
	TouchVulnerability(ctx context.Context, id uuid.UUID, seenAt time.Time) error

	// playbooks

	AddPlaybook(ctx context.Context, playbook *model.Playbook) error
	PlaybookByID(ctx context.Context, id uuid.UUID) (*model.Playbook, error)
	PlaybookByVulnerability(ctx context.Context, vulnID uuid.UUID) (*model.Playbook, error)
	PlaybooksByTenant(ctx context.Context, tenantID string) ([]*model.Playbook, error)
	// TransitionPlaybook advances the playbook state iff it currently
	// holds the from state. ErrConflict otherwise.
	TransitionPlaybook(ctx context.Context, id uuid.UUID, from, to model.PlaybookState) error

	// executions

	AddExecution(ctx context.Context, execution *model.Execution) error
	ExecutionByID(ctx context.Context, id uuid.UUID) (*model.Execution, error)
	UpdateExecution(ctx context.Context, execution *model.Execution) error

	// vulnerability data cache, shared across tenants, keyed by
	// platform identifier. Last writer wins on concurrent refresh.

	CachedVulns(ctx context.Context, platformID string) ([]model.VulnRecord, time.Time, error)
	StoreCachedVulns(ctx context.Context, platformID string, records []model.VulnRecord, refreshedAt time.Time) error

	Close() error
}
