package relay

import (
	"strconv"
	"strings"
)

// portMarkers precede the port in a backend's "listening" announcement,
// e.g. "server running at http://localhost:3001".
var portMarkers = []string{
	"http://localhost:",
	"http://127.0.0.1:",
	"http://0.0.0.0:",
}

// ParsePortMarker extracts the port from a readiness announcement. It
// returns false when no marker is present, no digits follow it, or the
// number is not a valid TCP port.
func ParsePortMarker(line string) (int, bool) {
	for _, marker := range portMarkers {
		idx := strings.Index(line, marker)
		if idx < 0 {
			continue
		}
		rest := line[idx+len(marker):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end == 0 || end > 5 {
			continue
		}
		port, err := strconv.Atoi(rest[:end])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		return port, true
	}
	return 0, false
}
