package fallback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/ai"
	"github.com/inkporter/inkporter/internal/governor"
	"github.com/inkporter/inkporter/internal/storage/sqlite"
	"github.com/inkporter/inkporter/internal/types"
)

type fakeProvider struct {
	name  string
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, prompt string, maxTokens int64) (*ai.Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Completion{
		Text: "answer from " + f.name, Model: "m-" + f.name, Provider: f.name,
		InputTokens: 10, OutputTokens: 5,
	}, nil
}

func testManager(t *testing.T, limit int64, providers ...ai.ChatProvider) (*Manager, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "f.db"), sqlite.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	gov := governor.New(s, nil, limit, zerolog.Nop())
	return New(gov, zerolog.Nop(), providers...), s
}

func TestPrimaryServes(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	secondary := &fakeProvider{name: "secondary"}
	m, _ := testManager(t, 0, primary, secondary)

	comp, err := m.Complete(context.Background(), Request{Prompt: "hi", Kind: "chat"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Provider != "primary" || secondary.calls != 0 {
		t.Errorf("comp=%+v secondary.calls=%d", comp, secondary.calls)
	}
}

func TestFallsOverToSecondary(t *testing.T) {
	primary := &fakeProvider{name: "primary",
		err: &types.AIError{Class: types.AIQuota, Provider: "primary", Err: errors.New("429")}}
	secondary := &fakeProvider{name: "secondary"}
	m, _ := testManager(t, 0, primary, secondary)

	comp, err := m.Complete(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Provider != "secondary" {
		t.Errorf("served by %s", comp.Provider)
	}
}

// spendTokens pushes the governor's month into the wanted mode by
// recording usage directly against the shared store.
func spendTokens(t *testing.T, s *sqlite.Store, limit, tokens int64) {
	t.Helper()
	gov := governor.New(s, nil, limit, zerolog.Nop())
	if err := gov.Record(context.Background(), &types.UsageRecord{
		Provider: "anthropic", Model: "claude-3-5-haiku-latest", InputTokens: tokens,
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestDegradedModeRoutesToSecondary(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	secondary := &fakeProvider{name: "secondary"}
	m, s := testManager(t, 1000, primary, secondary)
	spendTokens(t, s, 1000, 900)

	comp, err := m.Complete(context.Background(), Request{Prompt: "hi", Class: governor.ClassStandard})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Provider != "secondary" || primary.calls != 0 {
		t.Errorf("comp=%+v primary.calls=%d, want secondary first", comp, primary.calls)
	}
}

func TestCriticalModeFallsBackToPrimary(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	secondary := &fakeProvider{name: "secondary",
		err: &types.AIError{Class: types.AIRetryable, Provider: "secondary", Err: errors.New("down")}}
	m, s := testManager(t, 1000, primary, secondary)
	spendTokens(t, s, 1000, 950)

	comp, err := m.Complete(context.Background(), Request{Prompt: "hi", Class: governor.ClassStandard})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Provider != "primary" || secondary.calls != 1 {
		t.Errorf("comp=%+v secondary.calls=%d, want secondary tried first", comp, secondary.calls)
	}
}

func TestWholeChainFails(t *testing.T) {
	e1 := &types.AIError{Class: types.AIRetryable, Provider: "primary", Err: errors.New("down")}
	e2 := &types.AIError{Class: types.AIPermanent, Provider: "secondary", Err: errors.New("auth")}
	m, _ := testManager(t, 0, &fakeProvider{name: "primary", err: e1}, &fakeProvider{name: "secondary", err: e2})

	_, err := m.Complete(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("chain failure returned nil error")
	}
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Errorf("joined error missing causes: %v", err)
	}
}

func TestUsageRecorded(t *testing.T) {
	m, s := testManager(t, 0, &fakeProvider{name: "primary"})

	if _, err := m.Complete(context.Background(), Request{Prompt: "hi", Kind: "chat", ActorID: "u1"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	var total int64
	err := s.UnderlyingDB().QueryRow(
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM usage_records`).Scan(&total)
	if err != nil || total != 15 {
		t.Errorf("recorded tokens=%d err=%v, want 15", total, err)
	}
}

func TestQuotaDenialShortCircuits(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	m, s := testManager(t, 100, primary)

	gov := governor.New(s, nil, 100, zerolog.Nop())
	if err := gov.Record(context.Background(), &types.UsageRecord{
		Provider: "anthropic", Model: "claude-3-5-haiku-latest", InputTokens: 100,
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	_, err := m.Complete(context.Background(), Request{Prompt: "hi", Class: governor.ClassEnrichment})
	if !errors.Is(err, types.ErrQuotaDenied) {
		t.Fatalf("want ErrQuotaDenied, got %v", err)
	}
	if primary.calls != 0 {
		t.Error("denied request reached the provider")
	}
}

func TestNoProviders(t *testing.T) {
	m, _ := testManager(t, 0)
	if m.Available() {
		t.Error("Available with empty chain")
	}
	_, err := m.Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrNoProviders) {
		t.Errorf("want ErrNoProviders, got %v", err)
	}
}
