package ai

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateState is the provider-reported rate limit from the most recent
// response. Remaining is -1 until a response carried the headers.
type RateState struct {
	Remaining int
	Reset     time.Time
}

// rateTracker collects x-rate-limit-* headers across calls. Safe for
// concurrent use.
type rateTracker struct {
	mu    sync.Mutex
	state RateState
}

func newRateTracker() *rateTracker {
	return &rateTracker{state: RateState{Remaining: -1}}
}

// observe parses rate limit response headers. Both the hyphenated
// x-rate-limit-* spelling and the x-ratelimit-* spelling used by
// OpenAI-contract endpoints are accepted.
func (t *rateTracker) observe(h http.Header) {
	remaining, ok := headerInt(h,
		"x-rate-limit-remaining", "x-ratelimit-remaining", "x-ratelimit-remaining-requests")
	if !ok {
		return
	}
	var reset time.Time
	if sec, ok := headerInt(h, "x-rate-limit-reset", "x-ratelimit-reset"); ok {
		reset = time.Unix(int64(sec), 0)
	}
	t.mu.Lock()
	t.state = RateState{Remaining: remaining, Reset: reset}
	t.mu.Unlock()
}

func (t *rateTracker) snapshot() RateState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func headerInt(h http.Header, names ...string) (int, bool) {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
