package outbox

import "strings"

// transientSubstrings and nonRetryableSubstrings are the closed
// substring-match vocabularies for classifying a failed send (§4.D /
// §8 Failure taxonomy). There is no teacher precedent for this
// classification — tarsy's LLM client surfaces a provider-reported
// Retryable bool instead of inferring one — so this is built straight from
// the spec's substring lists.
var transientSubstrings = []string{
	"econnreset", "etimedout", "socket hang up", "fetch failed", "429",
	"500", "501", "502", "503", "504",
}

var nonRetryableSubstrings = []string{
	"invalid", "malformed", "missing required",
}

// classifyFailure decides whether a send error should be retried. A
// non-retryable match always wins over a transient match (a 4xx response
// body that happens to mention "503" in its error text is still someone
// telling us the request itself was malformed).
func classifyFailure(err error) bool {
	if err == nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return false
		}
	}
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	// Unclassified errors default to retryable: an outbox send failing
	// silently is worse than one extra attempt.
	return true
}
