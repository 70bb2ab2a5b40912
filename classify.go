package supervisor

import "strings"

// Classification is what a process command line says about the process.
type Classification int

const (
	Unrelated Classification = iota
	PrimaryGateway
	LegacyBrokenWrapper
	AdminCliInvocation
)

func (c Classification) String() string {
	switch c {
	case PrimaryGateway:
		return "primary-gateway"
	case LegacyBrokenWrapper:
		return "legacy-broken-wrapper"
	case AdminCliInvocation:
		return "admin-cli"
	default:
		return "unrelated"
	}
}

// Classifier maps command lines to a Classification. It holds only the
// patterns; the result depends on nothing but the command string.
type Classifier struct {
	canonical     string
	sourceWrapper string
	legacyWrapper string
	invocation    string
	adminPatterns []string
}

// NewClassifier builds a Classifier from the gateway and secrets settings.
func NewClassifier(gw GatewayConfig, secretsFile string) Classifier {
	return Classifier{
		canonical:     gw.Command,
		sourceWrapper: ". " + secretsFile,
		legacyWrapper: "source " + secretsFile,
		invocation:    gw.Invocation,
		adminPatterns: gw.AdminPatterns,
	}
}

// Classify evaluates the exclusions first, so a legacy wrapper or an admin
// CLI call is never primary even when it also matches a primary pattern.
func (c Classifier) Classify(command string) Classification {
	if c.legacyWrapper != "" && strings.Contains(command, c.legacyWrapper) {
		return LegacyBrokenWrapper
	}
	for _, p := range c.adminPatterns {
		if p != "" && strings.Contains(command, p) {
			return AdminCliInvocation
		}
	}
	switch {
	case command == c.canonical:
		return PrimaryGateway
	case strings.Contains(command, c.sourceWrapper):
		return PrimaryGateway
	case c.invocation != "" && strings.Contains(command, c.invocation):
		return PrimaryGateway
	}
	return Unrelated
}
