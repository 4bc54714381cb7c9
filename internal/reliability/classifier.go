// Package reliability classifies generation-provider failures. The cascade
// only consumes credential-rotation state for rate-limit failures, so the
// distinction between "throttled" and "broken" matters.
package reliability

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrRateLimit marks a failure caused by upstream rate limiting. Errors
// wrapping it trigger credential rotation; everything else falls through
// the cascade without touching rotation state.
var ErrRateLimit = errors.New("provider rate limited")

// rate-limit indicators seen in provider error payloads that arrive with a
// misleading status code.
var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"quota exceeded",
}

// ClassifyHTTP turns a non-2xx provider response into an error. HTTP 429 and
// payloads carrying a rate-limit indicator wrap ErrRateLimit.
func ClassifyHTTP(provider string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	if status == http.StatusTooManyRequests || looksRateLimited(detail) {
		return fmt.Errorf("%s: http %d: %s: %w", provider, status, detail, ErrRateLimit)
	}
	return fmt.Errorf("%s: http %d: %s", provider, status, detail)
}

func looksRateLimited(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsRateLimit reports whether err was classified as a rate-limit failure.
func IsRateLimit(err error) bool {
	return errors.Is(err, ErrRateLimit)
}
