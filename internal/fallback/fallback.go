// Package fallback routes chat completions across the configured
// provider chain. The primary provider serves calls in normal
// operation; when it fails, or when the token governor reports budget
// pressure, the secondary takes over; when the whole chain fails the
// caller degrades to its no-AI path (raw capture instead of a
// structured note). Admission and usage accounting run through the
// token governor on every path.
package fallback

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/ai"
	"github.com/inkporter/inkporter/internal/governor"
	"github.com/inkporter/inkporter/internal/types"
)

// ErrNoProviders means the chain is empty: the instance runs with AI
// disabled and every call degrades immediately.
var ErrNoProviders = errors.New("no chat providers configured")

// Manager is the provider chain. Safe for concurrent use.
type Manager struct {
	providers []ai.ChatProvider
	gov       *governor.Governor
	log       zerolog.Logger
}

// New builds a manager over the providers in fallback order.
func New(gov *governor.Governor, log zerolog.Logger, providers ...ai.ChatProvider) *Manager {
	return &Manager{
		providers: providers,
		gov:       gov,
		log:       log.With().Str("component", "fallback").Logger(),
	}
}

// Request carries one completion request through the chain.
type Request struct {
	Prompt    string
	MaxTokens int64
	// Class drives governor admission.
	Class governor.RequestClass
	// Kind and ActorID label the usage row.
	Kind    string
	ActorID string
}

// Complete asks the governor for admission, then walks the provider
// chain until one succeeds. Under budget pressure (degraded or
// critical mode) the walk starts at the cheaper secondary and only
// falls back to the primary when the secondary fails. Usage is
// recorded for the provider that answered. All errors from failed
// providers are joined so operators see the whole chain's story, with
// ErrQuotaDenied and ErrNoProviders surfacing unwrapped.
func (m *Manager) Complete(ctx context.Context, req Request) (*ai.Completion, error) {
	if len(m.providers) == 0 {
		return nil, ErrNoProviders
	}
	if err := m.gov.Admit(ctx, req.Class); err != nil {
		return nil, err
	}

	start := 0
	if len(m.providers) > 1 {
		if mode, err := m.gov.Mode(ctx); err == nil &&
			(mode == types.ModeDegraded || mode == types.ModeCritical) {
			start = 1
			m.log.Warn().Str("mode", string(mode)).
				Msg("budget pressure, routing to secondary provider")
		}
	}

	var errs []error
	for n := 0; n < len(m.providers); n++ {
		i := (start + n) % len(m.providers)
		p := m.providers[i]
		comp, err := p.Complete(ctx, req.Prompt, req.MaxTokens)
		if err == nil {
			if i > 0 {
				m.log.Warn().Str("provider", p.Name()).Msg("secondary provider served request")
			}
			if recErr := m.gov.Record(ctx, &types.UsageRecord{
				Provider:     comp.Provider,
				Model:        comp.Model,
				InputTokens:  comp.InputTokens,
				OutputTokens: comp.OutputTokens,
				RequestKind:  req.Kind,
				ActorID:      req.ActorID,
			}); recErr != nil {
				// The answer is already in hand; losing the usage row
				// undercounts the budget, which only errs safe later.
				m.log.Error().Err(recErr).Msg("failed to record usage")
			}
			return comp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.log.Warn().
			Str("provider", p.Name()).
			Str("class", classLabel(types.AIErrorClass(err))).
			Err(err).
			Msg("chat provider failed")
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// Available reports whether at least one provider is configured.
func (m *Manager) Available() bool { return len(m.providers) > 0 }

func classLabel(c types.AIClass) string {
	switch c {
	case types.AIPermanent:
		return "permanent"
	case types.AIQuota:
		return "quota"
	default:
		return "retryable"
	}
}
