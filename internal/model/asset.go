package model

import (
	"time"

	"github.com/google/uuid"
)

// AssetState is the lifecycle state of a discovered network asset.
//
// new is initial. There is no terminal state - a gone asset returns to
// stable when re-observed. at_risk overlays stable/new whenever the
// risk predicate holds on the asset's current merged state.
type AssetState string

const (
	AssetStateNew    AssetState = "new"
	AssetStateStable AssetState = "stable"
	AssetStateAtRisk AssetState = "at_risk"
	AssetStateGone   AssetState = "gone"
)

// Asset is one logical network-visible host, tracked across repeated
// scans. Identity key is (tenant, address) - re-observation updates the
// same row. Assets are never deleted, a gone asset is retained for
// audit continuity.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Asset struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`

	// AgentID is the agent that most recently observed this asset,
	// remediation jobs for the asset are dispatched through it.
	AgentID *uuid.UUID `json:"agent_id,omitempty"`

	Address    string `json:"address"`
	MAC        string `json:"mac,omitempty"`
	MACVendor  string `json:"mac_vendor,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	OSGuess    string `json:"os_guess,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	OpenPorts  []int  `json:"open_ports,omitempty"`

	State AssetState `json:"state"`

	TimesObserved   int     `json:"times_observed"`
	ConfidenceScore float64 `json:"confidence_score"`

	FirstSeen time.Time `json:"first_seen,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// HasOpenPort reports whether the asset currently exposes any of the
// given ports.
func (a *Asset) HasOpenPort(ports ...int) bool {
	for _, p := range a.OpenPorts {
		for _, port := range ports {
			if p == port {
				return true
			}
		}
	}

	return false
}

// AssetHistoryEntry is an immutable, append-only record of one asset
// status transition. History rows are never mutated.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type AssetHistoryEntry struct {
	ID      uuid.UUID `json:"id"`
	AssetID uuid.UUID `json:"asset_id"`

	OldState AssetState `json:"old_state"`
	NewState AssetState `json:"new_state"`
	Reason   string     `json:"reason"`

	ChangedAt time.Time `json:"changed_at"`
}
