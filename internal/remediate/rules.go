package remediate

import (
	"strings"

	"github.com/deco-sec/tower/internal/enrich"
	"github.com/deco-sec/tower/internal/model"
)

// rule binds a (platform family, finding signature) pair to the ordered
// fix actions addressing it. Signature matching is a case-insensitive
// substring test over the CVE id and description.
type rule struct {
	family    string
	signature string
	title     string
	risk      model.RiskTier
	actions   []model.FixAction
}

var ruleTable = []rule{
	{
		family:    "smb",
		signature: "smb",
		title:     "Disable legacy SMB protocol",
		risk:      model.RiskHigh,
		actions: []model.FixAction{
			{
				ID:          "smb-disable-v1",
				Title:       "Disable SMBv1",
				Description: "Turn off the SMBv1 protocol on the affected host.",
				OSFamily:    "windows",
				Commands: []string{
					"Set-SmbServerConfiguration -EnableSMB1Protocol $false -Force",
				},
				RequiresReboot: true,
			},
			{
				ID:          "smb-restrict-445",
				Title:       "Restrict port 445",
				Description: "Block inbound port 445 from untrusted networks.",
				OSFamily:    "any",
				Commands: []string{
					"netsh advfirewall firewall add rule name=\"Block SMB\" dir=in protocol=TCP localport=445 action=block",
				},
			},
		},
	},
	{
		family:    "telnet",
		signature: "telnet",
		title:     "Disable telnet service",
		risk:      model.RiskHigh,
		actions: []model.FixAction{
			{
				ID:          "telnet-disable",
				Title:       "Disable telnet",
				Description: "Stop and disable the telnet daemon; use SSH instead.",
				OSFamily:    "linux",
				Commands: []string{
					"systemctl disable --now telnet.socket",
				},
			},
		},
	},
	{
		family:    "rdp",
		signature: "rdp",
		title:     "Harden remote desktop access",
		risk:      model.RiskMedium,
		actions: []model.FixAction{
			{
				ID:          "rdp-enforce-nla",
				Title:       "Enforce network level authentication",
				Description: "Require NLA for all remote desktop connections.",
				OSFamily:    "windows",
				Commands: []string{
					"Set-ItemProperty -Path 'HKLM:\\System\\CurrentControlSet\\Control\\Terminal Server\\WinStations\\RDP-Tcp' -Name UserAuthentication -Value 1",
				},
			},
		},
	},
	{
		family:    "windows",
		signature: "windows",
		title:     "Apply pending Windows updates",
		risk:      model.RiskMedium,
		actions: []model.FixAction{
			{
				ID:          "windows-update",
				Title:       "Install security updates",
				Description: "Install all pending security updates.",
				OSFamily:    "windows",
				Commands: []string{
					"Install-WindowsUpdate -AcceptAll -AutoReboot",
				},
				RequiresReboot: true,
			},
		},
	},
	{
		family:    "linux",
		signature: "linux",
		title:     "Apply pending package upgrades",
		risk:      model.RiskMedium,
		actions: []model.FixAction{
			{
				ID:          "linux-upgrade",
				Title:       "Upgrade system packages",
				Description: "Apply all pending security package upgrades.",
				OSFamily:    "linux",
				Commands: []string{
					"apt-get update && apt-get upgrade -y",
				},
			},
		},
	},
}

// matchRule finds the first rule covering the vulnerability, or nil
// when only a manual playbook can be offered.
func matchRule(vuln *model.Vulnerability) *rule {
	family := enrich.PlatformFamily(vuln.PlatformID)
	haystack := strings.ToLower(vuln.CVE + " " + vuln.Description + " " + vuln.PlatformID)

	for i := range ruleTable {
		r := &ruleTable[i]

		if r.family != family && !strings.Contains(haystack, r.signature) {
			continue
		}

		return r
	}

	return nil
}

// manualPlaybook is the fallback when no rule matches: operator
// instructions only, nothing executable, lowest risk.
func manualActions(vuln *model.Vulnerability) []model.FixAction {
	return []model.FixAction{
		{
			ID:          "manual-review",
			Title:       "Review " + vuln.CVE,
			Description: "No automated remediation is known for this finding.",
			OSFamily:    "any",
			ManualSteps: []string{
				"Review the vendor advisory for " + vuln.CVE + ".",
				"Assess exposure of the affected host and apply the vendor fix.",
				"Re-scan the host to confirm the finding is resolved.",
			},
		},
	}
}
