package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// JobType identifies the kind of work a job carries. The parameter and
// result payload shapes differ per type, see DecodeParams / DecodeResult.
type JobType string

const (
	JobTypeDiscovery   JobType = "discovery"
	JobTypePortScan    JobType = "ports"
	JobTypePlaybookRun JobType = "playbook_execution"
)

// JobTypes returns the supported job types.
func JobTypes() []JobType {
	return []JobType{JobTypeDiscovery, JobTypePortScan, JobTypePlaybookRun}
}

// JobState is the lease protocol state of a job.
//
// pending is initial, done and error are terminal. A running job may be
// forced back to error by zombie reclamation when its lease expires.
type JobState string

const (
	JobStatePending JobState = "pending"
	JobStateRunning JobState = "running"
	JobStateDone    JobState = "done"
	JobStateError   JobState = "error"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrJobPayload     = errors.New("job payload decode error")
)

// Job is one unit of scan or remediation work dispatched to an agent.
//
// At most one agent holds an active lease on a job - the transition
// pending to running happens through a single conditional update in the
// entity store, never in application memory.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Job struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`

	Type   JobType `json:"type"`
	Target string  `json:"target"`

	// AssignedAgentID is nil while the job is claimable by any capable
	// agent of the tenant. Enqueue with a preferred agent pins it.
	AssignedAgentID *uuid.UUID `json:"assigned_agent_id,omitempty"`

	State JobState `json:"state"`

	// Params is the type-tagged parameter payload, decode with DecodeParams.
	Params map[string]any `json:"params,omitempty"`

	// ErrorReason carries the human readable failure reason for jobs in
	// error - persisted on the row so operators never need log access
	// to reconstruct what happened.
	ErrorReason string `json:"error_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Terminal returns true for the done and error states.
func (s JobState) Terminal() bool {
	return s == JobStateDone || s == JobStateError
}

// Terminal returns true once the job reached a terminal state.
func (j *Job) Terminal() bool {
	return j.State.Terminal()
}

// DiscoveryParams parameterize a network discovery sweep.
type DiscoveryParams struct {
	CIDR string `mapstructure:"cidr" json:"cidr"`

	// FullSweep declares the resulting device list to be a complete
	// best-effort sweep of the tenant's visible surface. Only full
	// sweeps may mark unobserved assets gone.
	FullSweep bool `mapstructure:"full_sweep" json:"full_sweep"`
}

// PortScanParams parameterize a port scan of a single target.
type PortScanParams struct {
	Target string `mapstructure:"target" json:"target"`
	Ports  []int  `mapstructure:"ports" json:"ports,omitempty"`
}

// PlaybookParams carry the ordered remediation action list to the agent.
type PlaybookParams struct {
	ExecutionID string      `mapstructure:"execution_id" json:"execution_id"`
	PlaybookID  string      `mapstructure:"playbook_id" json:"playbook_id"`
	Actions     []FixAction `mapstructure:"actions" json:"actions"`
}

// ObservedDevice is one device record reported by a discovery scan.
type ObservedDevice struct {
	Address    string `mapstructure:"address" json:"address"`
	MAC        string `mapstructure:"mac" json:"mac,omitempty"`
	MACVendor  string `mapstructure:"mac_vendor" json:"mac_vendor,omitempty"`
	Hostname   string `mapstructure:"hostname" json:"hostname,omitempty"`
	OSGuess    string `mapstructure:"os_guess" json:"os_guess,omitempty"`
	DeviceType string `mapstructure:"device_type" json:"device_type,omitempty"`
	OpenPorts  []int  `mapstructure:"open_ports" json:"open_ports,omitempty"`
}

// DiscoveryResult is the raw payload of a completed discovery job.
type DiscoveryResult struct {
	Devices   []ObservedDevice `mapstructure:"devices" json:"devices"`
	FullSweep bool             `mapstructure:"full_sweep" json:"full_sweep"`
}

// PortScanResult is the raw payload of a completed port scan job.
type PortScanResult struct {
	Host ObservedDevice `mapstructure:"host" json:"host"`
}

// PlaybookResult is the raw payload of a completed playbook execution.
type PlaybookResult struct {
	ExecutionID string `mapstructure:"execution_id" json:"execution_id"`
	Succeeded   bool   `mapstructure:"succeeded" json:"succeeded"`
	Logs        string `mapstructure:"logs" json:"logs,omitempty"`
}

// DecodeParams decodes the untyped parameter map of a job into the
// concrete payload struct for its type.
func (j *Job) DecodeParams() (any, error) {
	return DecodeParams(j.Type, j.Params)
}

// DecodeParams decodes an untyped parameter map into the concrete
// payload struct for the job type.
func DecodeParams(jobType JobType, raw map[string]any) (any, error) {
	return decodePayload(jobType, raw, true)
}

// DecodeResult decodes a raw job result payload into the concrete
// result struct for the job type.
func DecodeResult(jobType JobType, raw map[string]any) (any, error) {
	return decodePayload(jobType, raw, false)
}

func decodePayload(jobType JobType, raw map[string]any, params bool) (any, error) {
	var out any

	switch jobType {
	case JobTypeDiscovery:
		if params {
			out = &DiscoveryParams{}
		} else {
			out = &DiscoveryResult{}
		}
	case JobTypePortScan:
		if params {
			out = &PortScanParams{}
		} else {
			out = &PortScanResult{}
		}
	case JobTypePlaybookRun:
		if params {
			out = &PlaybookParams{}
		} else {
			out = &PlaybookResult{}
		}
	default:
		return nil, errors.Wrap(ErrUnknownJobType, string(jobType))
	}

	if err := mapstructure.Decode(raw, out); err != nil {
		return nil, errors.Wrap(ErrJobPayload, err.Error())
	}

	return out, nil
}
