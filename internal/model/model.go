package model

import "strings"

type AppKind string

const (
	AppKindServer  AppKind = "server"
	AppKindSweeper AppKind = "sweeper"

	StoreKindMem    = "mem"
	StoreKindSqlite = "sqlite"

	LogLevelInfo  = 0
	LogLevelDebug = 1
	LogLevelTrace = 2
)

// AppKinds returns the supported tower app kinds
func AppKinds() []AppKind { return []AppKind{AppKindServer, AppKindSweeper} }

// StoreKinds returns the supported entity store backends
func StoreKinds() []string { return []string{StoreKindMem, StoreKindSqlite} }

// Severity is the closed set of vulnerability severity tiers,
// ordered least to most severe.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity normalizes a provider-reported severity string,
// unknown values map to SeverityLow.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := severityOrder[sev]; !ok {
		return SeverityLow
	}

	return sev
}

// AtLeast returns true when s is as severe or more severe than other.
func (s Severity) AtLeast(other Severity) bool {
	return severityOrder[s] >= severityOrder[other]
}

// RiskTier classifies the blast radius of a remediation playbook.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)
