package signaling

import (
	"fmt"
	"strings"
)

const (
	candidatePrefix  = "a=candidate:"
	endOfCandidates  = "a=end-of-candidates"
	hostPriority     = 2130706431
	relayCandidateIP = "127.0.0.1"
)

// RelayCandidate is the single host candidate pointing the media engine at
// the local relay bridge.
func RelayCandidate(relayPort int) string {
	return fmt.Sprintf("a=candidate:1 1 udp %d %s %d typ host", hostPriority, relayCandidateIP, relayPort)
}

// SubstituteCandidates removes every native candidate from a session
// description and inserts the relay candidate at the end of the first media
// section. The result uses CRLF line endings.
func SubstituteCandidates(sdp string, relayPort int) string {
	lines := strings.Split(strings.ReplaceAll(sdp, "\r\n", "\n"), "\n")

	out := make([]string, 0, len(lines)+1)
	inserted := false
	seenMedia := false
	for _, line := range lines {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, candidatePrefix) || line == endOfCandidates {
			continue
		}
		if strings.HasPrefix(line, "m=") {
			if seenMedia && !inserted {
				out = append(out, RelayCandidate(relayPort))
				inserted = true
			}
			seenMedia = true
		}
		out = append(out, line)
	}
	if !inserted {
		out = append(out, RelayCandidate(relayPort))
	}
	return strings.Join(out, "\r\n") + "\r\n"
}

// CandidateLines returns the candidate lines of a session description.
func CandidateLines(sdp string) []string {
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(sdp, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(line, candidatePrefix) {
			out = append(out, line)
		}
	}
	return out
}
