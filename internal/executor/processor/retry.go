package processor

import (
	"encoding/json"
	"regexp"
	"strings"
)

// silentExitMarker is the JSON key the silent_exit tool embeds in its
// output.
const silentExitMarker = "__silent_exit__"

// Transient agent-API failures worth re-querying. The CLI surfaces these as
// plain text inside assistant turns or error results.
var retryablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`API Error: 5\d\d`),
	regexp.MustCompile(`(?i)overloaded`),
	regexp.MustCompile(`Cannot read properties of undefined`),
}

// IsRetryableAPIError reports whether the text matches a known transient
// agent-API failure.
func IsRetryableAPIError(text string) bool {
	if text == "" {
		return false
	}
	for _, p := range retryablePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

type silentExitPayload struct {
	SilentExit bool   `json:"__silent_exit__"`
	Reason     string `json:"reason"`
}

// silentExitReason detects the silent-exit marker in a tool result or result
// body. The marker may arrive as a clean JSON object or embedded in
// surrounding prose; in the latter case the flag is still set, with the
// reason if the embedded object parses.
func silentExitReason(text string) (string, bool) {
	if !strings.Contains(text, silentExitMarker) {
		return "", false
	}

	var payload silentExitPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &payload); err == nil {
		if !payload.SilentExit {
			return "", false
		}
		return payload.Reason, true
	}

	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err == nil && payload.SilentExit {
				return payload.Reason, true
			}
		}
	}
	return "", true
}
