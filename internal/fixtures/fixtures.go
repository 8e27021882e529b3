// Package fixtures provides shared test data builders and stub
// collaborators for the engine tests.
package fixtures

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/deco-sec/tower/internal/model"
)

const (
	TenantAcme  = "acme"
	TenantOther = "globex"
)

// Config returns a config with short windows suitable for tests.
func Config() *model.Config {
	return &model.Config{
		StoreKind:           model.StoreKindMem,
		LeaseTimeout:        30 * time.Minute,
		ZombieSweepInterval: 5 * time.Minute,
		LivenessWindow:      5 * time.Minute,
		PromotionWindow:     24 * time.Hour,
		StaleAssetThreshold: 168 * time.Hour,
		StaleSweepInterval:  time.Hour,
		CacheTTL:            7 * 24 * time.Hour,
		AtRiskPorts:         []int{23, 445, 3389},
	}
}

// Agent returns a registered agent for the tenant.
func Agent(tenantID string) *model.Agent {
	now := time.Now().UTC()

	return &model.Agent{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Hostname:   "scanner-01",
		Version:    "1.4.0",
		OS:         "linux",
		LocalIP:    "10.0.0.2",
		LastSeenAt: now,
		CreatedAt:  now,
	}
}

// Job returns a pending discovery job for the tenant.
func Job(tenantID string) *model.Job {
	return &model.Job{
		ID:       uuid.New(),
		TenantID: tenantID,
		Type:     model.JobTypeDiscovery,
		Target:   "10.0.0.0/24",
		State:    model.JobStatePending,
		Params: map[string]any{
			"cidr":       "10.0.0.0/24",
			"full_sweep": true,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// Asset returns a stable asset for the tenant.
func Asset(tenantID string, agentID uuid.UUID) *model.Asset {
	now := time.Now().UTC()

	return &model.Asset{
		ID:              uuid.New(),
		TenantID:        tenantID,
		AgentID:         &agentID,
		Address:         "10.0.0.5",
		Hostname:        "fileserver",
		OSGuess:         "Windows Server 2008",
		DeviceType:      "server",
		OpenPorts:       []int{139, 445},
		State:           model.AssetStateStable,
		TimesObserved:   3,
		ConfidenceScore: 0.8,
		FirstSeen:       now.Add(-48 * time.Hour),
		LastSeen:        now,
	}
}

// Vulnerability returns a critical SMB finding bound to the asset.
func Vulnerability(asset *model.Asset) *model.Vulnerability {
	now := time.Now().UTC()

	return &model.Vulnerability{
		ID:               uuid.New(),
		TenantID:         asset.TenantID,
		AssetID:          asset.ID,
		PlatformID:       "service:smb",
		CVE:              "CVE-2017-0144",
		Severity:         model.SeverityCritical,
		CVSSScore:        9.8,
		Description:      "Remote code execution in legacy-smb (SMBv1) message handling.",
		ExploitAvailable: true,
		FirstDetected:    now,
		LastDetected:     now,
	}
}

// Device returns the observation record matching Asset.
func Device() model.ObservedDevice {
	return model.ObservedDevice{
		Address:    "10.0.0.5",
		MAC:        "aa:bb:cc:dd:ee:ff",
		Hostname:   "fileserver",
		OSGuess:    "Windows Server 2008",
		DeviceType: "server",
		OpenPorts:  []int{139, 445},
	}
}

// StubProvider serves canned vulnerability records per platform
// identifier and counts lookups.
type StubProvider struct {
	Records map[string][]model.VulnRecord
	Errs    map[string]error
	Calls   map[string]int
}

func NewStubProvider() *StubProvider {
	return &StubProvider{
		Records: map[string][]model.VulnRecord{},
		Errs:    map[string]error{},
		Calls:   map[string]int{},
	}
}

func (p *StubProvider) Lookup(_ context.Context, platformID string) ([]model.VulnRecord, error) {
	p.Calls[platformID]++

	if err, ok := p.Errs[platformID]; ok {
		return nil, err
	}

	records, ok := p.Records[platformID]
	if !ok {
		return []model.VulnRecord{}, nil
	}

	return records, nil
}

var ErrStubProvider = errors.New("stub provider failure")

// SMBRecords is the canned provider response for service:smb.
func SMBRecords() []model.VulnRecord {
	return []model.VulnRecord{
		{
			CVE:              "CVE-2017-0144",
			Severity:         model.SeverityCritical,
			CVSSScore:        9.8,
			Description:      "Remote code execution in legacy-smb (SMBv1) message handling.",
			ExploitAvailable: true,
		},
	}
}
