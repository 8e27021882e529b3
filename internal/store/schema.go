package store

// Schema is the sqlite entity store schema. One row per entity, history
// and execution logs are insert-only.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    hostname      TEXT NOT NULL,
    version       TEXT,
    os            TEXT,
    local_ip      TEXT,
    primary_cidr  TEXT,
    interfaces    TEXT,
    capabilities  TEXT,
    last_seen_at  TIMESTAMP,
    created_at    TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, hostname)
);

CREATE TABLE IF NOT EXISTS jobs (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    type              TEXT NOT NULL,
    target            TEXT NOT NULL,
    assigned_agent_id TEXT,
    state             TEXT NOT NULL,
    params            TEXT,
    error_reason      TEXT,
    created_at        TIMESTAMP NOT NULL,
    started_at        TIMESTAMP,
    completed_at      TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant_state ON jobs (tenant_id, state);
CREATE INDEX IF NOT EXISTS idx_jobs_state_started ON jobs (state, started_at);

CREATE TABLE IF NOT EXISTS assets (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    agent_id         TEXT,
    address          TEXT NOT NULL,
    mac              TEXT,
    mac_vendor       TEXT,
    hostname         TEXT,
    os_guess         TEXT,
    device_type      TEXT,
    open_ports       TEXT,
    state            TEXT NOT NULL,
    times_observed   INTEGER NOT NULL DEFAULT 1,
    confidence_score REAL NOT NULL DEFAULT 0,
    first_seen       TIMESTAMP NOT NULL,
    last_seen        TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, address)
);

CREATE TABLE IF NOT EXISTS asset_history (
    id         TEXT PRIMARY KEY,
    asset_id   TEXT NOT NULL,
    old_state  TEXT NOT NULL,
    new_state  TEXT NOT NULL,
    reason     TEXT NOT NULL,
    changed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_asset_history_asset ON asset_history (asset_id, changed_at);

CREATE TABLE IF NOT EXISTS vulnerabilities (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    asset_id          TEXT NOT NULL,
    platform_id       TEXT,
    cve               TEXT NOT NULL,
    severity          TEXT NOT NULL,
    cvss_score        REAL NOT NULL DEFAULT 0,
    description       TEXT,
    exploit_available INTEGER NOT NULL DEFAULT 0,
    first_detected    TIMESTAMP NOT NULL,
    last_detected     TIMESTAMP NOT NULL,
    UNIQUE (asset_id, cve)
);
CREATE INDEX IF NOT EXISTS idx_vulns_tenant_severity ON vulnerabilities (tenant_id, severity);

CREATE TABLE IF NOT EXISTS playbooks (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    asset_id         TEXT NOT NULL,
    vulnerability_id TEXT,
    title            TEXT NOT NULL,
    actions          TEXT NOT NULL,
    risk             TEXT NOT NULL,
    state            TEXT NOT NULL,
    created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_playbooks_vuln ON playbooks (vulnerability_id);

CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    playbook_id TEXT NOT NULL,
    agent_id    TEXT NOT NULL,
    job_id      TEXT NOT NULL,
    state       TEXT NOT NULL,
    logs        TEXT,
    started_at  TIMESTAMP,
    finished_at TIMESTAMP,
    created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS vuln_cache (
    platform_id  TEXT PRIMARY KEY,
    records      TEXT NOT NULL,
    refreshed_at TIMESTAMP NOT NULL
);
`
