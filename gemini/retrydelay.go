package gemini

import (
	"regexp"
	"strconv"
	"time"

	"google.golang.org/genai"
)

// retryInMessage matches "retry in 14.8s", "please wait 30 seconds", etc.
var retryInMessage = regexp.MustCompile(`(?i)(?:retry in|wait)\s*([0-9]+\.?[0-9]*)\s*s(?:econds?)?`)

// extractRetryDelay recovers the endpoint's retry hint from a rate-limit
// error, trying the structured RetryInfo detail first and falling back to
// parsing the message. Returns zero when no hint is present.
func extractRetryDelay(apiErr genai.APIError) time.Duration {
	for _, detail := range apiErr.Details {
		t, _ := detail["@type"].(string)
		if len(t) < len("RetryInfo") || t[len(t)-len("RetryInfo"):] != "RetryInfo" {
			continue
		}
		raw, _ := detail["retryDelay"].(string)
		if raw == "" {
			continue
		}
		// RetryInfo delays are protobuf durations like "14s" or "0.5s".
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}

	if m := retryInMessage.FindStringSubmatch(apiErr.Message); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}

	return 0
}
