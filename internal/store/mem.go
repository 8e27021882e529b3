package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/deco-sec/tower/internal/model"
)

// MemStore is an in-process Repository, used in tests and for local
// single-instance runs. All conditional updates take the store lock so
// the compare-and-set semantics match the sqlite backend.
type MemStore struct {
	mu *sync.RWMutex

	agents     map[uuid.UUID]model.Agent
	jobs       map[uuid.UUID]model.Job
	assets     map[uuid.UUID]model.Asset
	history    map[uuid.UUID][]model.AssetHistoryEntry
	vulns      map[uuid.UUID]model.Vulnerability
	playbooks  map[uuid.UUID]model.Playbook
	executions map[uuid.UUID]model.Execution
	cache      map[string]cacheRow
}

type cacheRow struct {
	records     []model.VulnRecord
	refreshedAt time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		mu:         &sync.RWMutex{},
		agents:     map[uuid.UUID]model.Agent{},
		jobs:       map[uuid.UUID]model.Job{},
		assets:     map[uuid.UUID]model.Asset{},
		history:    map[uuid.UUID][]model.AssetHistoryEntry{},
		vulns:      map[uuid.UUID]model.Vulnerability{},
		playbooks:  map[uuid.UUID]model.Playbook{},
		executions: map[uuid.UUID]model.Execution{},
		cache:      map[string]cacheRow{},
	}
}

func (s *MemStore) Close() error { return nil }

// agents

func (s *MemStore) AgentByID(_ context.Context, id uuid.UUID) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, exists := s.agents[id]
	if !exists {
		return nil, errors.Wrap(ErrNotFound, "agent: "+id.String())
	}

	return &agent, nil
}

func (s *MemStore) AgentByHostname(_ context.Context, tenantID, hostname string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, agent := range s.agents {
		if agent.TenantID == tenantID && agent.Hostname == hostname {
			a := agent
			return &a, nil
		}
	}

	return nil, errors.Wrap(ErrNotFound, "agent: "+tenantID+"/"+hostname)
}

func (s *MemStore) AgentsByTenant(_ context.Context, tenantID string) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := []*model.Agent{}

	for _, agent := range s.agents {
		if agent.TenantID == tenantID {
			a := agent
			agents = append(agents, &a)
		}
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })

	return agents, nil
}

func (s *MemStore) SaveAgent(_ context.Context, agent *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.agents {
		if existing.ID != agent.ID && existing.TenantID == agent.TenantID && existing.Hostname == agent.Hostname {
			return errors.Wrap(ErrConflict, "agent exists: "+agent.TenantID+"/"+agent.Hostname)
		}
	}

	s.agents[agent.ID] = *agent

	return nil
}

// jobs

func (s *MemStore) AddJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = *job

	return nil
}

func (s *MemStore) JobByID(_ context.Context, id uuid.UUID) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, errors.Wrap(ErrNotFound, "job: "+id.String())
	}

	return &job, nil
}

func (s *MemStore) PendingJobsByTenant(_ context.Context, tenantID string) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := []*model.Job{}

	for _, job := range s.jobs {
		if job.TenantID == tenantID && job.State == model.JobStatePending {
			j := job
			jobs = append(jobs, &j)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	return jobs, nil
}

func (s *MemStore) RunningJobsOlderThan(_ context.Context, cutoff time.Time) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := []*model.Job{}

	for _, job := range s.jobs {
		if job.State == model.JobStateRunning && job.StartedAt.Before(cutoff) {
			j := job
			jobs = append(jobs, &j)
		}
	}

	return jobs, nil
}

func (s *MemStore) AcquireJob(_ context.Context, jobID, agentID uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return errors.Wrap(ErrNotFound, "job: "+jobID.String())
	}

	if job.State != model.JobStatePending {
		return errors.Wrap(ErrConflict, "job not pending: "+jobID.String())
	}

	if job.AssignedAgentID != nil && *job.AssignedAgentID != agentID {
		return errors.Wrap(ErrConflict, "job assigned to another agent: "+jobID.String())
	}

	job.State = model.JobStateRunning
	job.AssignedAgentID = &agentID
	job.StartedAt = now
	s.jobs[jobID] = job

	return nil
}

func (s *MemStore) CompleteJob(_ context.Context, jobID, agentID uuid.UUID, state model.JobState, errReason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return errors.Wrap(ErrNotFound, "job: "+jobID.String())
	}

	if job.State != model.JobStateRunning || job.AssignedAgentID == nil || *job.AssignedAgentID != agentID {
		return errors.Wrap(ErrConflict, "job not running under agent: "+jobID.String())
	}

	job.State = state
	job.ErrorReason = errReason
	job.CompletedAt = now
	s.jobs[jobID] = job

	return nil
}

func (s *MemStore) ForceJobError(_ context.Context, jobID uuid.UUID, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return errors.Wrap(ErrNotFound, "job: "+jobID.String())
	}

	if job.State != model.JobStateRunning {
		return errors.Wrap(ErrConflict, "job not running: "+jobID.String())
	}

	job.State = model.JobStateError
	job.ErrorReason = reason
	job.AssignedAgentID = nil
	job.CompletedAt = now
	s.jobs[jobID] = job

	return nil
}

// assets

func (s *MemStore) AssetByID(_ context.Context, id uuid.UUID) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, exists := s.assets[id]
	if !exists {
		return nil, errors.Wrap(ErrNotFound, "asset: "+id.String())
	}

	return &asset, nil
}

func (s *MemStore) AssetByAddress(_ context.Context, tenantID, address string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, asset := range s.assets {
		if asset.TenantID == tenantID && asset.Address == address {
			a := asset
			return &a, nil
		}
	}

	return nil, errors.Wrap(ErrNotFound, "asset: "+tenantID+"/"+address)
}

func (s *MemStore) AssetsByTenant(_ context.Context, tenantID string) ([]*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := []*model.Asset{}

	for _, asset := range s.assets {
		if asset.TenantID == tenantID {
			a := asset
			assets = append(assets, &a)
		}
	}

	sort.Slice(assets, func(i, j int) bool { return assets[i].Address < assets[j].Address })

	return assets, nil
}

func (s *MemStore) AddAsset(_ context.Context, asset *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.assets {
		if existing.TenantID == asset.TenantID && existing.Address == asset.Address {
			return errors.Wrap(ErrConflict, "asset exists: "+asset.TenantID+"/"+asset.Address)
		}
	}

	s.assets[asset.ID] = *asset

	return nil
}

func (s *MemStore) UpdateAsset(_ context.Context, asset *model.Asset, incrementObserved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.assets[asset.ID]
	if !exists {
		return errors.Wrap(ErrNotFound, "asset: "+asset.ID.String())
	}

	updated := *asset
	updated.TimesObserved = existing.TimesObserved
	if incrementObserved {
		updated.TimesObserved++
	}

	s.assets[asset.ID] = updated
	asset.TimesObserved = updated.TimesObserved

	return nil
}

func (s *MemStore) AppendAssetHistory(_ context.Context, entry *model.AssetHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[entry.AssetID] = append(s.history[entry.AssetID], *entry)

	return nil
}

func (s *MemStore) AssetHistory(_ context.Context, assetID uuid.UUID) ([]*model.AssetHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := []*model.AssetHistoryEntry{}

	for _, entry := range s.history[assetID] {
		e := entry
		entries = append(entries, &e)
	}

	return entries, nil
}

func (s *MemStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	tenants := []string{}

	for _, asset := range s.assets {
		if _, ok := seen[asset.TenantID]; !ok {
			seen[asset.TenantID] = struct{}{}
			tenants = append(tenants, asset.TenantID)
		}
	}

	sort.Strings(tenants)

	return tenants, nil
}

// vulnerabilities

func (s *MemStore) VulnerabilityByCVE(_ context.Context, assetID uuid.UUID, cve string) (*model.Vulnerability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, vuln := range s.vulns {
		if vuln.AssetID == assetID && vuln.CVE == cve {
			v := vuln
			return &v, nil
		}
	}

	return nil, errors.Wrap(ErrNotFound, "vulnerability: "+assetID.String()+"/"+cve)
}

func (s *MemStore) VulnerabilitiesByAsset(_ context.Context, assetID uuid.UUID) ([]*model.Vulnerability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vulns := []*model.Vulnerability{}

	for _, vuln := range s.vulns {
		if vuln.AssetID == assetID {
			v := vuln
			vulns = append(vulns, &v)
		}
	}

	sort.Slice(vulns, func(i, j int) bool { return vulns[i].CVE < vulns[j].CVE })

	return vulns, nil
}

func (s *MemStore) VulnerabilitiesByTenant(_ context.Context, tenantID string, minSeverity model.Severity) ([]*model.Vulnerability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vulns := []*model.Vulnerability{}

	for _, vuln := range s.vulns {
		if vuln.TenantID == tenantID && vuln.Severity.AtLeast(minSeverity) {
			v := vuln
			vulns = append(vulns, &v)
		}
	}

	sort.Slice(vulns, func(i, j int) bool { return vulns[i].CVE < vulns[j].CVE })

	return vulns, nil
}

func (s *MemStore) AddVulnerability(_ context.Context, vuln *model.Vulnerability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.vulns {
		if existing.AssetID == vuln.AssetID && existing.CVE == vuln.CVE {
			return errors.Wrap(ErrConflict, "vulnerability exists: "+vuln.CVE)
		}
	}

	s.vulns[vuln.ID] = *vuln

	return nil
}

func (s *MemStore) TouchVulnerability(_ context.Context, id uuid.UUID, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vuln, exists := s.vulns[id]
	if !exists {
		return errors.Wrap(ErrNotFound, "vulnerability: "+id.String())
	}

	vuln.LastDetected = seenAt
	s.vulns[id] = vuln

	return nil
}

// playbooks

func (s *MemStore) AddPlaybook(_ context.Context, playbook *model.Playbook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.playbooks[playbook.ID] = *playbook

	return nil
}

func (s *MemStore) PlaybookByID(_ context.Context, id uuid.UUID) (*model.Playbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	playbook, exists := s.playbooks[id]
	if !exists {
		return nil, errors.Wrap(ErrNotFound, "playbook: "+id.String())
	}

	return &playbook, nil
}

func (s *MemStore) PlaybookByVulnerability(_ context.Context, vulnID uuid.UUID) (*model.Playbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, playbook := range s.playbooks {
		if playbook.VulnerabilityID != nil && *playbook.VulnerabilityID == vulnID {
			p := playbook
			return &p, nil
		}
	}

	return nil, errors.Wrap(ErrNotFound, "playbook for vulnerability: "+vulnID.String())
}

func (s *MemStore) PlaybooksByTenant(_ context.Context, tenantID string) ([]*model.Playbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	playbooks := []*model.Playbook{}

	for _, playbook := range s.playbooks {
		if playbook.TenantID == tenantID {
			p := playbook
			playbooks = append(playbooks, &p)
		}
	}

	sort.Slice(playbooks, func(i, j int) bool { return playbooks[i].CreatedAt.Before(playbooks[j].CreatedAt) })

	return playbooks, nil
}

func (s *MemStore) TransitionPlaybook(_ context.Context, id uuid.UUID, from, to model.PlaybookState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	playbook, exists := s.playbooks[id]
	if !exists {
		return errors.Wrap(ErrNotFound, "playbook: "+id.String())
	}

	if playbook.State != from {
		return errors.Wrap(ErrConflict, "playbook not in state "+string(from)+": "+id.String())
	}

	playbook.State = to
	s.playbooks[id] = playbook

	return nil
}

// executions

func (s *MemStore) AddExecution(_ context.Context, execution *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[execution.ID] = *execution

	return nil
}

func (s *MemStore) ExecutionByID(_ context.Context, id uuid.UUID) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, exists := s.executions[id]
	if !exists {
		return nil, errors.Wrap(ErrNotFound, "execution: "+id.String())
	}

	return &execution, nil
}

func (s *MemStore) UpdateExecution(_ context.Context, execution *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[execution.ID]; !exists {
		return errors.Wrap(ErrNotFound, "execution: "+execution.ID.String())
	}

	s.executions[execution.ID] = *execution

	return nil
}

// cache

func (s *MemStore) CachedVulns(_ context.Context, platformID string) ([]model.VulnRecord, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.cache[platformID]
	if !exists {
		return nil, time.Time{}, errors.Wrap(ErrNotFound, "cache: "+platformID)
	}

	records := make([]model.VulnRecord, len(row.records))
	copy(records, row.records)

	return records, row.refreshedAt, nil
}

func (s *MemStore) StoreCachedVulns(_ context.Context, platformID string, records []model.VulnRecord, refreshedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]model.VulnRecord, len(records))
	copy(stored, records)

	s.cache[platformID] = cacheRow{records: stored, refreshedAt: refreshedAt}

	return nil
}
