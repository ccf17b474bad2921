package mcp

// LatestProtocolVersion is the newest protocol revision this module speaks.
const LatestProtocolVersion = "2025-06-18"

// supportedProtocolVersions is ordered newest first. Negotiation picks the
// client's requested version when supported, otherwise fails: the handshake
// never silently downgrades to a revision the client did not ask for.
var supportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// SupportedProtocolVersions returns a copy of the supported revisions,
// newest first.
func SupportedProtocolVersions() []string {
	out := make([]string, len(supportedProtocolVersions))
	copy(out, supportedProtocolVersions)
	return out
}

// IsSupportedProtocolVersion reports whether v is a revision this module speaks.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range supportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// NegotiateProtocolVersion resolves the version for a session given the
// client's requested revision. ok is false when no common version exists, in
// which case the session must never reach the ready state.
func NegotiateProtocolVersion(clientVersion string) (version string, ok bool) {
	if IsSupportedProtocolVersion(clientVersion) {
		return clientVersion, true
	}
	return "", false
}
