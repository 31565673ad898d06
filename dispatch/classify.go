package dispatch

import (
	"errors"
	"strings"
	"time"
)

// Classification is the classifier's verdict on an attempt failure,
// prescribing the dispatcher's recovery action.
type Classification struct {
	Kind ErrorKind

	// Permanent is meaningful only for ErrorKindKey: true means the key
	// must be suspended rather than cooled down.
	Permanent bool

	// RetryAfter is the endpoint-supplied cooldown hint for transient key
	// errors, zero when absent.
	RetryAfter time.Duration
}

// Message fragments that identify a permanently dead credential. Matched
// case-insensitively against the endpoint's status and message.
var permanentKeyPatterns = []string{
	"consumer_suspended",
	"permission denied",
	"permission_denied",
	"api key not valid",
	"api key expired",
	"invalid api key",
	"api_key_invalid",
	"unauthenticated",
}

// Message fragments that identify a transient rate-limit or quota
// condition.
var transientKeyPatterns = []string{
	"rate limit",
	"quota",
	"resource exhausted",
	"resource_exhausted",
	"too many requests",
}

// Classify maps an attempt failure onto the error taxonomy. Key errors
// (the credential is at fault) never consume a task's retry budget; task
// errors (the task's content or the response is at fault) do; anything
// unrecognized is fatal for that task so unknown failure modes cannot
// loop forever.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: ErrorKindNone}
	}

	// Sentinel-tagged task failures from backends or the JSON repair step.
	if errors.Is(err, ErrContentBlocked) ||
		errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, ErrInvalidInput) {
		return Classification{Kind: ErrorKindTask}
	}

	var fault *APIFault
	if errors.As(err, &fault) {
		lower := strings.ToLower(fault.Status + " " + fault.Message)

		for _, p := range permanentKeyPatterns {
			if strings.Contains(lower, p) {
				return Classification{Kind: ErrorKindKey, Permanent: true}
			}
		}
		if fault.StatusCode == 403 || fault.StatusCode == 401 {
			return Classification{Kind: ErrorKindKey, Permanent: true}
		}

		if fault.StatusCode == 429 || fault.RetryAfter > 0 {
			return Classification{Kind: ErrorKindKey, RetryAfter: fault.RetryAfter}
		}
		for _, p := range transientKeyPatterns {
			if strings.Contains(lower, p) {
				return Classification{Kind: ErrorKindKey, RetryAfter: fault.RetryAfter}
			}
		}

		if fault.StatusCode == 400 || strings.Contains(lower, "invalid argument") {
			return Classification{Kind: ErrorKindTask}
		}

		return Classification{Kind: ErrorKindFatal}
	}

	// Raw errors from backends that could not build a structured fault:
	// fall back to the same message patterns before giving up.
	lower := strings.ToLower(err.Error())
	for _, p := range permanentKeyPatterns {
		if strings.Contains(lower, p) {
			return Classification{Kind: ErrorKindKey, Permanent: true}
		}
	}
	for _, p := range transientKeyPatterns {
		if strings.Contains(lower, p) {
			return Classification{Kind: ErrorKindKey}
		}
	}

	return Classification{Kind: ErrorKindFatal}
}
