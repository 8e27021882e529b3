package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/deco-sec/tower/internal/model"
)

var ErrStoreQuery = errors.New("store query error")

// SqliteStore is the durable Repository backend. All lease protocol and
// workflow transitions are single conditional UPDATE statements - the
// affected-row count decides between success and ErrConflict, so the
// compare-and-set holds across multiple control plane instances sharing
// the database.
type SqliteStore struct {
	db *sql.DB
}

// OpenSqlite opens (and migrates) the sqlite entity store at the given
// path. Pass ":memory:" for an ephemeral database.
func OpenSqlite(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, errors.Wrap(ErrStoreQuery, "schema: "+err.Error())
	}

	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() error { return s.db.Close() }

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(ErrStoreQuery, err.Error())
	}

	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}

	if err := json.Unmarshal([]byte(s), v); err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	return nil
}

func nullableID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}

	return id.String()
}

func scanNullableID(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}

	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	return &id, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t
}

// agents

func (s *SqliteStore) SaveAgent(ctx context.Context, agent *model.Agent) error {
	interfaces, err := marshalJSON(agent.Interfaces)
	if err != nil {
		return err
	}

	capabilities, err := marshalJSON(agent.Capabilities)
	if err != nil {
		return err
	}

	// Upsert keyed on id. A new id colliding on (tenant_id, hostname)
	// hits the unique constraint instead, so a concurrent first
	// registration never replaces the winner's identity.
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO agents
        (id, tenant_id, hostname, version, os, local_ip, primary_cidr, interfaces, capabilities, last_seen_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            version = excluded.version, os = excluded.os, local_ip = excluded.local_ip,
            primary_cidr = excluded.primary_cidr, interfaces = excluded.interfaces,
            capabilities = excluded.capabilities, last_seen_at = excluded.last_seen_at`,
		agent.ID.String(), agent.TenantID, agent.Hostname, agent.Version, agent.OS,
		agent.LocalIP, agent.PrimaryCIDR, interfaces, capabilities,
		nullableTime(agent.LastSeenAt), agent.CreatedAt,
	)
	if err != nil {
		return insertErr(err)
	}

	return nil
}

const agentColumns = `id, tenant_id, hostname, version, os, local_ip, primary_cidr, interfaces, capabilities, last_seen_at, created_at`

func (s *SqliteStore) scanAgent(row interface{ Scan(...any) error }) (*model.Agent, error) {
	var (
		agent        model.Agent
		id           string
		interfaces   sql.NullString
		capabilities sql.NullString
		lastSeen     sql.NullTime
	)

	err := row.Scan(&id, &agent.TenantID, &agent.Hostname, &agent.Version, &agent.OS,
		&agent.LocalIP, &agent.PrimaryCIDR, &interfaces, &capabilities, &lastSeen, &agent.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrNotFound, "agent")
		}

		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	agent.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	if err := unmarshalJSON(interfaces.String, &agent.Interfaces); err != nil {
		return nil, err
	}

	if err := unmarshalJSON(capabilities.String, &agent.Capabilities); err != nil {
		return nil, err
	}

	if lastSeen.Valid {
		agent.LastSeenAt = lastSeen.Time
	}

	return &agent, nil
}

func (s *SqliteStore) AgentByID(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id.String())
	return s.scanAgent(row)
}

func (s *SqliteStore) AgentByHostname(ctx context.Context, tenantID, hostname string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? AND hostname = ?`, tenantID, hostname)
	return s.scanAgent(row)
}

func (s *SqliteStore) AgentsByTenant(ctx context.Context, tenantID string) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}
	defer rows.Close()

	agents := []*model.Agent{}

	for rows.Next() {
		agent, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}

		agents = append(agents, agent)
	}

	return agents, rows.Err()
}

// jobs

const jobColumns = `id, tenant_id, type, target, assigned_agent_id, state, params, error_reason, created_at, started_at, completed_at`

func (s *SqliteStore) AddJob(ctx context.Context, job *model.Job) error {
	params, err := marshalJSON(job.Params)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO jobs (`+jobColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.TenantID, string(job.Type), job.Target,
		nullableID(job.AssignedAgentID), string(job.State), params, job.ErrorReason,
		job.CreatedAt, nullableTime(job.StartedAt), nullableTime(job.CompletedAt),
	)
	if err != nil {
		return insertErr(err)
	}

	return nil
}

func (s *SqliteStore) scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var (
		job       model.Job
		id        string
		jobType   string
		state     string
		agentID   sql.NullString
		params    sql.NullString
		errReason sql.NullString
		started   sql.NullTime
		completed sql.NullTime
	)

	err := row.Scan(&id, &job.TenantID, &jobType, &job.Target, &agentID, &state,
		&params, &errReason, &job.CreatedAt, &started, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrNotFound, "job")
		}

		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	job.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	job.Type = model.JobType(jobType)
	job.State = model.JobState(state)
	job.ErrorReason = errReason.String

	job.AssignedAgentID, err = scanNullableID(agentID)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(params.String, &job.Params); err != nil {
		return nil, err
	}

	if started.Valid {
		job.StartedAt = started.Time
	}

	if completed.Valid {
		job.CompletedAt = completed.Time
	}

	return &job, nil
}

func (s *SqliteStore) JobByID(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String())
	return s.scanJob(row)
}

func (s *SqliteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}
	defer rows.Close()

	jobs := []*model.Job{}

	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func (s *SqliteStore) PendingJobsByTenant(ctx context.Context, tenantID string) ([]*model.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE tenant_id = ? AND state = ? ORDER BY created_at`,
		tenantID, string(model.JobStatePending))
}

func (s *SqliteStore) RunningJobsOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? AND started_at < ?`,
		string(model.JobStateRunning), cutoff)
}

func (s *SqliteStore) AcquireJob(ctx context.Context, jobID, agentID uuid.UUID, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET state = ?, assigned_agent_id = ?, started_at = ?
        WHERE id = ? AND state = ? AND (assigned_agent_id IS NULL OR assigned_agent_id = ?)`,
		string(model.JobStateRunning), agentID.String(), now,
		jobID.String(), string(model.JobStatePending), agentID.String(),
	)
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	return s.conflictUnlessUpdated(res, "acquire job: "+jobID.String())
}

func (s *SqliteStore) CompleteJob(ctx context.Context, jobID, agentID uuid.UUID, state model.JobState, errReason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET state = ?, error_reason = ?, completed_at = ?
        WHERE id = ? AND state = ? AND assigned_agent_id = ?`,
		string(state), errReason, now,
		jobID.String(), string(model.JobStateRunning), agentID.String(),
	)
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	return s.conflictUnlessUpdated(res, "complete job: "+jobID.String())
}

func (s *SqliteStore) ForceJobError(ctx context.Context, jobID uuid.UUID, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET state = ?, error_reason = ?, assigned_agent_id = NULL, completed_at = ?
        WHERE id = ? AND state = ?`,
		string(model.JobStateError), reason, now,
		jobID.String(), string(model.JobStateRunning),
	)
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	return s.conflictUnlessUpdated(res, "force job error: "+jobID.String())
}

// insertErr maps unique constraint violations to ErrConflict so
// concurrent inserts of the same logical entity resolve the same way
// they do in MemStore.
func insertErr(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return errors.Wrap(ErrConflict, sqliteErr.Error())
	}

	return errors.Wrap(ErrStoreQuery, err.Error())
}

func (s *SqliteStore) conflictUnlessUpdated(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	if n == 0 {
		return errors.Wrap(ErrConflict, op)
	}

	return nil
}

// assets

const assetColumns = `id, tenant_id, agent_id, address, mac, mac_vendor, hostname, os_guess, device_type, open_ports, state, times_observed, confidence_score, first_seen, last_seen`

func (s *SqliteStore) AddAsset(ctx context.Context, asset *model.Asset) error {
	ports, err := marshalJSON(asset.OpenPorts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO assets (`+assetColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		asset.ID.String(), asset.TenantID, nullableID(asset.AgentID), asset.Address,
		asset.MAC, asset.MACVendor, asset.Hostname, asset.OSGuess, asset.DeviceType,
		ports, string(asset.State), asset.TimesObserved, asset.ConfidenceScore,
		asset.FirstSeen, asset.LastSeen,
	)
	if err != nil {
		return insertErr(err)
	}

	return nil
}

func (s *SqliteStore) UpdateAsset(ctx context.Context, asset *model.Asset, incrementObserved bool) error {
	ports, err := marshalJSON(asset.OpenPorts)
	if err != nil {
		return err
	}

	bump := 0
	if incrementObserved {
		bump = 1
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE assets SET agent_id = ?, mac = ?, mac_vendor = ?, hostname = ?, os_guess = ?,
            device_type = ?, open_ports = ?, state = ?, times_observed = times_observed + ?,
            confidence_score = ?, last_seen = ?
        WHERE id = ?`,
		nullableID(asset.AgentID), asset.MAC, asset.MACVendor, asset.Hostname, asset.OSGuess,
		asset.DeviceType, ports, string(asset.State), bump,
		asset.ConfidenceScore, asset.LastSeen,
		asset.ID.String(),
	)
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	if n == 0 {
		return errors.Wrap(ErrNotFound, "asset: "+asset.ID.String())
	}

	if incrementObserved {
		asset.TimesObserved++
	}

	return nil
}

func (s *SqliteStore) scanAsset(row interface{ Scan(...any) error }) (*model.Asset, error) {
	var (
		asset   model.Asset
		id      string
		agentID sql.NullString
		ports   sql.NullString
		state   string
	)

	err := row.Scan(&id, &asset.TenantID, &agentID, &asset.Address, &asset.MAC,
		&asset.MACVendor, &asset.Hostname, &asset.OSGuess, &asset.DeviceType, &ports,
		&state, &asset.TimesObserved, &asset.ConfidenceScore, &asset.FirstSeen, &asset.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrNotFound, "asset")
		}

		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	asset.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	asset.State = model.AssetState(state)

	asset.AgentID, err = scanNullableID(agentID)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(ports.String, &asset.OpenPorts); err != nil {
		return nil, err
	}

	return &asset, nil
}

func (s *SqliteStore) AssetByID(ctx context.Context, id uuid.UUID) (*model.Asset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id.String())
	return s.scanAsset(row)
}

func (s *SqliteStore) AssetByAddress(ctx context.Context, tenantID, address string) (*model.Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE tenant_id = ? AND address = ?`, tenantID, address)
	return s.scanAsset(row)
}

func (s *SqliteStore) AssetsByTenant(ctx context.Context, tenantID string) ([]*model.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE tenant_id = ? ORDER BY address`, tenantID)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}
	defer rows.Close()

	assets := []*model.Asset{}

	for rows.Next() {
		asset, err := s.scanAsset(rows)
		if err != nil {
			return nil, err
		}

		assets = append(assets, asset)
	}

	return assets, rows.Err()
}

func (s *SqliteStore) AppendAssetHistory(ctx context.Context, entry *model.AssetHistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO asset_history (id, asset_id, old_state, new_state, reason, changed_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.AssetID.String(), string(entry.OldState), string(entry.NewState),
		entry.Reason, entry.ChangedAt,
	)
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	return nil
}

func (s *SqliteStore) AssetHistory(ctx context.Context, assetID uuid.UUID) ([]*model.AssetHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, asset_id, old_state, new_state, reason, changed_at
        FROM asset_history WHERE asset_id = ? ORDER BY changed_at`, assetID.String())
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}
	defer rows.Close()

	entries := []*model.AssetHistoryEntry{}

	for rows.Next() {
		var (
			entry    model.AssetHistoryEntry
			id       string
			aid      string
			oldState string
			newState string
		)

		if err := rows.Scan(&id, &aid, &oldState, &newState, &entry.Reason, &entry.ChangedAt); err != nil {
			return nil, errors.Wrap(ErrStoreQuery, err.Error())
		}

		entry.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, errors.Wrap(ErrStoreQuery, err.Error())
		}

		entry.AssetID, err = uuid.Parse(aid)
		if err != nil {
			return nil, errors.Wrap(ErrStoreQuery, err.Error())
		}

		entry.OldState = model.AssetState(oldState)
		entry.NewState = model.AssetState(newState)

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func (s *SqliteStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM assets ORDER BY tenant_id`)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}
	defer rows.Close()

	tenants := []string{}

	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errors.Wrap(ErrStoreQuery, err.Error())
		}

		tenants = append(tenants, t)
	}

	return tenants, rows.Err()
}

// vulnerabilities

const vulnColumns = `id, tenant_id, asset_id, platform_id, cve, severity, cvss_score, description, exploit_available, first_detected, last_detected`

func (s *SqliteStore) AddVulnerability(ctx context.Context, vuln *model.Vulnerability) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO vulnerabilities (`+vulnColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vuln.ID.String(), vuln.TenantID, vuln.AssetID.String(), vuln.PlatformID, vuln.CVE,
		string(vuln.Severity), vuln.CVSSScore, vuln.Description, vuln.ExploitAvailable,
		vuln.FirstDetected, vuln.LastDetected,
	)
	if err != nil {
		return insertErr(err)
	}

	return nil
}

func (s *SqliteStore) scanVuln(row interface{ Scan(...any) error }) (*model.Vulnerability, error) {
	var (
		vuln     model.Vulnerability
		id       string
		assetID  string
		severity string
	)

	err := row.Scan(&id, &vuln.TenantID, &assetID, &vuln.PlatformID, &vuln.CVE,
		&severity, &vuln.CVSSScore, &vuln.Description, &vuln.ExploitAvailable,
		&vuln.FirstDetected, &vuln.LastDetected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrNotFound, "vulnerability")
		}

		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	vuln.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	vuln.AssetID, err = uuid.Parse(assetID)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	vuln.Severity = model.Severity(severity)

	return &vuln, nil
}

func (s *SqliteStore) VulnerabilityByCVE(ctx context.Context, assetID uuid.UUID, cve string) (*model.Vulnerability, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+vulnColumns+` FROM vulnerabilities WHERE asset_id = ? AND cve = ?`,
		assetID.String(), cve)
	return s.scanVuln(row)
}

func (s *SqliteStore) queryVulns(ctx context.Context, query string, args ...any) ([]*model.Vulnerability, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}
	defer rows.Close()

	vulns := []*model.Vulnerability{}

	for rows.Next() {
		vuln, err := s.scanVuln(rows)
		if err != nil {
			return nil, err
		}

		vulns = append(vulns, vuln)
	}

	return vulns, rows.Err()
}

func (s *SqliteStore) VulnerabilitiesByAsset(ctx context.Context, assetID uuid.UUID) ([]*model.Vulnerability, error) {
	return s.queryVulns(ctx,
		`SELECT `+vulnColumns+` FROM vulnerabilities WHERE asset_id = ? ORDER BY cve`, assetID.String())
}

func (s *SqliteStore) VulnerabilitiesByTenant(ctx context.Context, tenantID string, minSeverity model.Severity) ([]*model.Vulnerability, error) {
	vulns, err := s.queryVulns(ctx,
		`SELECT `+vulnColumns+` FROM vulnerabilities WHERE tenant_id = ? ORDER BY cve`, tenantID)
	if err != nil {
		return nil, err
	}

	// Severity ordering is a domain concern, filter here rather than
	// encoding the tier order into SQL.
	filtered := vulns[:0]
	for _, v := range vulns {
		if v.Severity.AtLeast(minSeverity) {
			filtered = append(filtered, v)
		}
	}

	return filtered, nil
}

func (s *SqliteStore) TouchVulnerability(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vulnerabilities SET last_detected = ? WHERE id = ?`, seenAt, id.String())
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	if n == 0 {
		return errors.Wrap(ErrNotFound, "vulnerability: "+id.String())
	}

	return nil
}

// playbooks

const playbookColumns = `id, tenant_id, asset_id, vulnerability_id, title, actions, risk, state, created_at`

func (s *SqliteStore) AddPlaybook(ctx context.Context, playbook *model.Playbook) error {
	actions, err := marshalJSON(playbook.Actions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO playbooks (`+playbookColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		playbook.ID.String(), playbook.TenantID, playbook.AssetID.String(),
		nullableID(playbook.VulnerabilityID), playbook.Title, actions,
		string(playbook.Risk), string(playbook.State), playbook.CreatedAt,
	)
	if err != nil {
		return insertErr(err)
	}

	return nil
}

func (s *SqliteStore) scanPlaybook(row interface{ Scan(...any) error }) (*model.Playbook, error) {
	var (
		playbook model.Playbook
		id       string
		assetID  string
		vulnID   sql.NullString
		actions  sql.NullString
		risk     string
		state    string
	)

	err := row.Scan(&id, &playbook.TenantID, &assetID, &vulnID, &playbook.Title,
		&actions, &risk, &state, &playbook.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrNotFound, "playbook")
		}

		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	playbook.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	playbook.AssetID, err = uuid.Parse(assetID)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	playbook.VulnerabilityID, err = scanNullableID(vulnID)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(actions.String, &playbook.Actions); err != nil {
		return nil, err
	}

	playbook.Risk = model.RiskTier(risk)
	playbook.State = model.PlaybookState(state)

	return &playbook, nil
}

func (s *SqliteStore) PlaybookByID(ctx context.Context, id uuid.UUID) (*model.Playbook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE id = ?`, id.String())
	return s.scanPlaybook(row)
}

func (s *SqliteStore) PlaybookByVulnerability(ctx context.Context, vulnID uuid.UUID) (*model.Playbook, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+playbookColumns+` FROM playbooks WHERE vulnerability_id = ?`, vulnID.String())
	return s.scanPlaybook(row)
}

func (s *SqliteStore) PlaybooksByTenant(ctx context.Context, tenantID string) ([]*model.Playbook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+playbookColumns+` FROM playbooks WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}
	defer rows.Close()

	playbooks := []*model.Playbook{}

	for rows.Next() {
		playbook, err := s.scanPlaybook(rows)
		if err != nil {
			return nil, err
		}

		playbooks = append(playbooks, playbook)
	}

	return playbooks, rows.Err()
}

func (s *SqliteStore) TransitionPlaybook(ctx context.Context, id uuid.UUID, from, to model.PlaybookState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE playbooks SET state = ? WHERE id = ? AND state = ?`,
		string(to), id.String(), string(from))
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	return s.conflictUnlessUpdated(res, "transition playbook: "+id.String())
}

// executions

func (s *SqliteStore) AddExecution(ctx context.Context, execution *model.Execution) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO executions (id, playbook_id, agent_id, job_id, state, logs, started_at, finished_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		execution.ID.String(), execution.PlaybookID.String(), execution.AgentID.String(),
		execution.JobID.String(), string(execution.State), execution.Logs,
		nullableTime(execution.StartedAt), nullableTime(execution.FinishedAt), execution.CreatedAt,
	)
	if err != nil {
		return insertErr(err)
	}

	return nil
}

func (s *SqliteStore) ExecutionByID(ctx context.Context, id uuid.UUID) (*model.Execution, error) {
	var (
		execution  model.Execution
		eid        string
		playbookID string
		agentID    string
		jobID      string
		state      string
		logs       sql.NullString
		started    sql.NullTime
		finished   sql.NullTime
	)

	row := s.db.QueryRowContext(ctx, `
        SELECT id, playbook_id, agent_id, job_id, state, logs, started_at, finished_at, created_at
        FROM executions WHERE id = ?`, id.String())

	err := row.Scan(&eid, &playbookID, &agentID, &jobID, &state, &logs, &started, &finished, &execution.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ErrNotFound, "execution: "+id.String())
		}

		return nil, errors.Wrap(ErrStoreQuery, err.Error())
	}

	for dst, src := range map[*uuid.UUID]string{
		&execution.ID:         eid,
		&execution.PlaybookID: playbookID,
		&execution.AgentID:    agentID,
		&execution.JobID:      jobID,
	} {
		*dst, err = uuid.Parse(src)
		if err != nil {
			return nil, errors.Wrap(ErrStoreQuery, err.Error())
		}
	}

	execution.State = model.ExecutionState(state)
	execution.Logs = logs.String

	if started.Valid {
		execution.StartedAt = started.Time
	}

	if finished.Valid {
		execution.FinishedAt = finished.Time
	}

	return &execution, nil
}

func (s *SqliteStore) UpdateExecution(ctx context.Context, execution *model.Execution) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE executions SET state = ?, logs = ?, started_at = ?, finished_at = ?
        WHERE id = ?`,
		string(execution.State), execution.Logs,
		nullableTime(execution.StartedAt), nullableTime(execution.FinishedAt),
		execution.ID.String(),
	)
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	if n == 0 {
		return errors.Wrap(ErrNotFound, "execution: "+execution.ID.String())
	}

	return nil
}

// cache

func (s *SqliteStore) CachedVulns(ctx context.Context, platformID string) ([]model.VulnRecord, time.Time, error) {
	var (
		blob        string
		refreshedAt time.Time
	)

	row := s.db.QueryRowContext(ctx,
		`SELECT records, refreshed_at FROM vuln_cache WHERE platform_id = ?`, platformID)

	if err := row.Scan(&blob, &refreshedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, errors.Wrap(ErrNotFound, "cache: "+platformID)
		}

		return nil, time.Time{}, errors.Wrap(ErrStoreQuery, err.Error())
	}

	var records []model.VulnRecord
	if err := unmarshalJSON(blob, &records); err != nil {
		return nil, time.Time{}, err
	}

	return records, refreshedAt, nil
}

func (s *SqliteStore) StoreCachedVulns(ctx context.Context, platformID string, records []model.VulnRecord, refreshedAt time.Time) error {
	blob, err := marshalJSON(records)
	if err != nil {
		return err
	}

	// Upsert, last writer wins on concurrent refreshes of the same
	// identifier.
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO vuln_cache (platform_id, records, refreshed_at) VALUES (?, ?, ?)
        ON CONFLICT (platform_id) DO UPDATE SET records = excluded.records, refreshed_at = excluded.refreshed_at`,
		platformID, blob, refreshedAt,
	)
	if err != nil {
		return errors.Wrap(ErrStoreQuery, err.Error())
	}

	return nil
}
