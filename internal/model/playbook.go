package model

import (
	"time"

	"github.com/google/uuid"
)

// PlaybookState is the approval workflow state of a remediation playbook.
//
// draft is initial, done and failed are terminal. draft and approved
// only advance on explicit operator action.
type PlaybookState string

const (
	PlaybookStateDraft     PlaybookState = "draft"
	PlaybookStateApproved  PlaybookState = "approved"
	PlaybookStateExecuting PlaybookState = "executing"
	PlaybookStateDone      PlaybookState = "done"
	PlaybookStateFailed    PlaybookState = "failed"
)

// FixAction is one platform-specific remediation step within a playbook.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type FixAction struct {
	ID          string `mapstructure:"id" json:"id"`
	Title       string `mapstructure:"title" json:"title"`
	Description string `mapstructure:"description" json:"description,omitempty"`

	// OSFamily the commands apply to - windows, linux or generic.
	OSFamily string `mapstructure:"os_family" json:"os_family"`

	// Commands run on the target in order. Empty for manual-steps-only
	// guidance actions.
	Commands []string `mapstructure:"commands" json:"commands,omitempty"`

	ManualSteps []string `mapstructure:"manual_steps" json:"manual_steps,omitempty"`

	RequiresReboot bool `mapstructure:"requires_reboot" json:"requires_reboot,omitempty"`
}

// Playbook is a candidate or approved remediation for one finding.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Playbook struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`
	AssetID  uuid.UUID `json:"asset_id"`

	// VulnerabilityID links back to the finding the playbook was
	// generated from, nil for operator-authored playbooks.
	VulnerabilityID *uuid.UUID `json:"vulnerability_id,omitempty"`

	Title   string      `json:"title"`
	Actions []FixAction `json:"actions"`

	Risk  RiskTier      `json:"risk"`
	State PlaybookState `json:"state"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ExecutionState tracks one dispatch of a playbook to an agent.
type ExecutionState string

const (
	ExecutionStatePending ExecutionState = "pending"
	ExecutionStateRunning ExecutionState = "running"
	ExecutionStateDone    ExecutionState = "done"
	ExecutionStateFailed  ExecutionState = "failed"
)

// Execution is one dispatch of a playbook as a job. Logs are insert-only,
// appended on completion.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Execution struct {
	ID         uuid.UUID `json:"id"`
	PlaybookID uuid.UUID `json:"playbook_id"`
	AgentID    uuid.UUID `json:"agent_id"`

	// JobID is the playbook_execution job dispatched for this execution.
	JobID uuid.UUID `json:"job_id"`

	State ExecutionState `json:"state"`
	Logs  string         `json:"logs,omitempty"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}
