package model

import (
	"time"

	"github.com/google/uuid"
)

// Vulnerability is a known weakness bound to one asset. Identity key is
// (asset, CVE) - re-detection refreshes LastDetected instead of
// duplicating the row.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Vulnerability struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`
	AssetID  uuid.UUID `json:"asset_id"`

	// PlatformID is the platform identifier (CPE) the finding was
	// resolved through.
	PlatformID string `json:"platform_id,omitempty"`

	CVE string `json:"cve"`

	Severity  Severity `json:"severity"`
	CVSSScore float64  `json:"cvss_score"`

	Description      string `json:"description,omitempty"`
	ExploitAvailable bool   `json:"exploit_available"`

	FirstDetected time.Time `json:"first_detected,omitempty"`
	LastDetected  time.Time `json:"last_detected,omitempty"`
}

// VulnRecord is a provider-resolved vulnerability for a platform
// identifier, before it is bound to an asset. This is also the shape
// cached per platform identifier.
type VulnRecord struct {
	CVE              string   `json:"cve"`
	Severity         Severity `json:"severity"`
	CVSSScore        float64  `json:"cvss_score"`
	Description      string   `json:"description,omitempty"`
	ExploitAvailable bool     `json:"exploit_available"`
}
