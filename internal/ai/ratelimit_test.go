package ai

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestRateTrackerObserve(t *testing.T) {
	tr := newRateTracker()
	if st := tr.snapshot(); st.Remaining != -1 {
		t.Errorf("initial remaining %d", st.Remaining)
	}

	h := http.Header{}
	h.Set("x-rate-limit-remaining", "42")
	h.Set("x-rate-limit-reset", "1700000000")
	tr.observe(h)
	st := tr.snapshot()
	if st.Remaining != 42 || !st.Reset.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("state %+v", st)
	}

	h2 := http.Header{}
	h2.Set("x-ratelimit-remaining-requests", "3")
	tr.observe(h2)
	if st := tr.snapshot(); st.Remaining != 3 {
		t.Errorf("remaining %d", st.Remaining)
	}

	tr.observe(http.Header{})
	if st := tr.snapshot(); st.Remaining != 3 {
		t.Errorf("state clobbered without headers: %+v", st)
	}
}

func TestEmbedderTracksRateHeaders(t *testing.T) {
	srv := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining-requests", "5")
		_, _ = w.Write([]byte(`{
			"data": [{"embedding": [1.0, 0.0], "index": 0}],
			"usage": {"prompt_tokens": 1}
		}`))
	})

	e, err := NewOpenAIEmbedder("test-key", "test-model",
		WithEmbedEndpoint(srv.URL), WithEmbedDimension(2))
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}
	if st := e.RateState(); st.Remaining != -1 {
		t.Errorf("remaining before any call: %d", st.Remaining)
	}
	if _, err := e.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if st := e.RateState(); st.Remaining != 5 {
		t.Errorf("remaining %d, want 5", st.Remaining)
	}
}
