package reliability

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyHTTPStatusCodes(t *testing.T) {
	cases := []struct {
		status      int
		body        string
		isRateLimit bool
	}{
		{429, "", true},
		{429, "slow down", true},
		{500, "internal error", false},
		{400, "bad request", false},
		{503, "overloaded", false},
		{403, `{"error":{"message":"Rate limit reached for requests"}}`, true},
		{400, `{"error":"quota exceeded for this key"}`, true},
	}
	for _, tc := range cases {
		err := ClassifyHTTP("primary", tc.status, []byte(tc.body))
		if err == nil {
			t.Fatalf("ClassifyHTTP(%d) = nil, want error", tc.status)
		}
		if got := IsRateLimit(err); got != tc.isRateLimit {
			t.Fatalf("IsRateLimit(status %d, %q) = %v, want %v", tc.status, tc.body, got, tc.isRateLimit)
		}
	}
}

func TestIsRateLimitSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("cascade attempt 2: %w", ClassifyHTTP("primary", 429, nil))
	if !IsRateLimit(err) {
		t.Fatalf("IsRateLimit() = false for wrapped 429")
	}
	if IsRateLimit(errors.New("plain failure")) {
		t.Fatalf("IsRateLimit() = true for unrelated error")
	}
}

func TestClassifyHTTPTruncatesLongBodies(t *testing.T) {
	body := make([]byte, 4096)
	for i := range body {
		body[i] = 'x'
	}
	err := ClassifyHTTP("secondary", 500, body)
	if len(err.Error()) > 300 {
		t.Fatalf("error message too long: %d chars", len(err.Error()))
	}
}
