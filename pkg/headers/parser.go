// Package headers parses rate-limit response headers from the
// authentication service so callers can tell throttling apart from
// credential rejection and know when to retry.
package headers

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimit is the throttling state advertised by a response.
type RateLimit struct {
	// Limit is the request budget of the current window; zero when unknown.
	Limit int64
	// Remaining is the budget left in the current window; -1 when unknown.
	Remaining int64
	// Reset is when the window replenishes; zero when unknown.
	Reset time.Time
	// RetryAfter is the advertised wait before the next attempt.
	RetryAfter time.Duration
}

// Throttled reports whether the response asked the caller to back off.
func (rl *RateLimit) Throttled() bool {
	return rl.RetryAfter > 0 || rl.Remaining == 0
}

// Parse extracts rate-limit state from response headers. Missing or
// malformed headers leave the corresponding field at its unknown value.
func Parse(h http.Header, now time.Time) *RateLimit {
	rl := &RateLimit{Remaining: -1}

	rl.Limit = parseIntHeader(h, "X-Ratelimit-Limit")
	if v := h.Get("X-Ratelimit-Remaining"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
			rl.Remaining = n
		}
	}
	rl.Reset = parseResetHeader(h, "X-Ratelimit-Reset", now)
	rl.RetryAfter = parseRetryAfter(h.Get("Retry-After"), now)

	// A reset time without an explicit Retry-After still tells us how
	// long to wait.
	if rl.RetryAfter == 0 && rl.Remaining == 0 && !rl.Reset.IsZero() {
		if wait := rl.Reset.Sub(now); wait > 0 {
			rl.RetryAfter = wait
		}
	}

	return rl
}

func parseIntHeader(h http.Header, name string) int64 {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseResetHeader accepts the common encodings of a reset point: a unix
// timestamp, a relative second count, or a Go-style duration like "6m0s".
func parseResetHeader(h http.Header, name string, now time.Time) time.Time {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return time.Time{}
	}

	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}
		}
		// Anything past ~2001 as a unix timestamp; small values are deltas.
		if n > 1e9 {
			return time.Unix(n, 0)
		}
		return now.Add(time.Duration(n) * time.Second)
	}

	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(d)
	}

	return time.Time{}
}

// parseRetryAfter accepts both forms of Retry-After: delay seconds and an
// HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n <= 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}

	if t, err := http.ParseTime(v); err == nil {
		if wait := t.Sub(now); wait > 0 {
			return wait
		}
	}

	return 0
}
