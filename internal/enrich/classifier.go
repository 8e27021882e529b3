package enrich

import (
	"strings"

	"github.com/deco-sec/tower/internal/model"
)

// Classify maps an asset onto the platform identifiers worth querying a
// vulnerability provider for. Pure heuristics over the OS guess and the
// open service list; unknown platforms simply yield fewer identifiers.
func Classify(asset *model.Asset) []string {
	identifiers := []string{}

	osGuess := strings.ToLower(asset.OSGuess)

	switch {
	case strings.Contains(osGuess, "windows"):
		identifiers = append(identifiers, "cpe:2.3:o:microsoft:windows")
	case strings.Contains(osGuess, "linux"):
		identifiers = append(identifiers, "cpe:2.3:o:linux:linux_kernel")
	case strings.Contains(osGuess, "mac") || strings.Contains(osGuess, "darwin"):
		identifiers = append(identifiers, "cpe:2.3:o:apple:macos")
	}

	for _, port := range asset.OpenPorts {
		switch port {
		case 23:
			identifiers = append(identifiers, "service:telnet")
		case 445:
			identifiers = append(identifiers, "service:smb")
		case 3389:
			identifiers = append(identifiers, "service:rdp")
		case 21:
			identifiers = append(identifiers, "service:ftp")
		}
	}

	return identifiers
}

// PlatformFamily collapses a platform identifier into the coarse family
// the remediation rule table keys on.
func PlatformFamily(platformID string) string {
	switch {
	case strings.Contains(platformID, "windows"):
		return "windows"
	case strings.Contains(platformID, "linux"):
		return "linux"
	case strings.Contains(platformID, "macos"):
		return "macos"
	case strings.HasPrefix(platformID, "service:"):
		return strings.TrimPrefix(platformID, "service:")
	default:
		return "unknown"
	}
}
