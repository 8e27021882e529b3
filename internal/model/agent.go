package model

import (
	"time"

	"github.com/google/uuid"
)

// Agent is one remote executor registered with the control plane.
//
// Liveness is never stored - it is derived on read from LastSeenAt,
// see Agent.Online().
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Agent struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`

	Hostname string `json:"hostname"`
	Version  string `json:"version,omitempty"`
	OS       string `json:"os,omitempty"`

	// Self-reported network metadata, refreshed on heartbeat.
	LocalIP     string   `json:"local_ip,omitempty"`
	PrimaryCIDR string   `json:"primary_cidr,omitempty"`
	Interfaces  []string `json:"interfaces,omitempty"`

	// Capabilities is the declared set of job types this agent can run.
	Capabilities []JobType `json:"capabilities,omitempty"`

	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Online derives agent liveness from heartbeat recency.
func (a *Agent) Online(now time.Time, window time.Duration) bool {
	if a.LastSeenAt.IsZero() {
		return false
	}

	return now.Sub(a.LastSeenAt) <= window
}

// Capable returns true if the agent declared the capability to run
// the given job type. An agent with no declared capabilities is
// assumed capable of everything, matching first-generation agents
// that predate capability reporting.
func (a *Agent) Capable(jobType JobType) bool {
	if len(a.Capabilities) == 0 {
		return true
	}

	for _, c := range a.Capabilities {
		if c == jobType {
			return true
		}
	}

	return false
}

// HeartbeatInfo is the liveness metadata an agent self-reports.
type HeartbeatInfo struct {
	Version      string    `json:"version,omitempty"`
	LocalIP      string    `json:"local_ip,omitempty"`
	PrimaryCIDR  string    `json:"primary_cidr,omitempty"`
	Interfaces   []string  `json:"interfaces,omitempty"`
	Capabilities []JobType `json:"capabilities,omitempty"`
}
