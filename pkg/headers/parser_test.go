package headers

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "120")

	rl := Parse(h, time.Now())
	if rl.RetryAfter != 2*time.Minute {
		t.Errorf("expected 2m retry-after, got %s", rl.RetryAfter)
	}
	if !rl.Throttled() {
		t.Error("retry-after should mean throttled")
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	h := http.Header{}
	h.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))

	rl := Parse(h, now)
	if rl.RetryAfter != 90*time.Second {
		t.Errorf("expected 90s retry-after, got %s", rl.RetryAfter)
	}
}

func TestParseRateLimitWindow(t *testing.T) {
	now := time.Now()
	h := http.Header{}
	h.Set("X-Ratelimit-Limit", "100")
	h.Set("X-Ratelimit-Remaining", "42")
	h.Set("X-Ratelimit-Reset", "30")

	rl := Parse(h, now)
	if rl.Limit != 100 || rl.Remaining != 42 {
		t.Errorf("unexpected window %d/%d", rl.Remaining, rl.Limit)
	}
	if got := rl.Reset.Sub(now); got != 30*time.Second {
		t.Errorf("expected reset in 30s, got %s", got)
	}
	if rl.Throttled() {
		t.Error("remaining budget should not mean throttled")
	}
}

func TestParseExhaustedWindowDerivesWait(t *testing.T) {
	now := time.Now()
	h := http.Header{}
	h.Set("X-Ratelimit-Remaining", "0")
	h.Set("X-Ratelimit-Reset", "6m0s")

	rl := Parse(h, now)
	if !rl.Throttled() {
		t.Error("exhausted window should mean throttled")
	}
	if rl.RetryAfter != 6*time.Minute {
		t.Errorf("expected 6m derived wait, got %s", rl.RetryAfter)
	}
}

func TestParseUnixTimestampReset(t *testing.T) {
	now := time.Now()
	h := http.Header{}
	h.Set("X-Ratelimit-Reset", "1700000000")

	rl := Parse(h, now)
	if rl.Reset != time.Unix(1700000000, 0) {
		t.Errorf("unexpected reset %s", rl.Reset)
	}
}

func TestParseMalformedHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Ratelimit-Limit", "lots")
	h.Set("X-Ratelimit-Remaining", "-5")
	h.Set("Retry-After", "soon")

	rl := Parse(h, time.Now())
	if rl.Limit != 0 || rl.Remaining != -1 || rl.RetryAfter != 0 {
		t.Errorf("malformed headers should stay unknown: %+v", rl)
	}
	if rl.Throttled() {
		t.Error("unknown state should not mean throttled")
	}
}
