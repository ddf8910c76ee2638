// Package governor enforces the monthly paid-token ceiling. Every
// paid AI call asks for admission first and reports its usage after;
// the governor derives an operating mode from the month's consumption
// and sheds discretionary work as the ceiling approaches.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/types"
)

// Mode thresholds as fractions of the monthly limit.
const (
	degradedRatio = 0.90
	criticalRatio = 0.95
	frozenRatio   = 1.00
)

// RequestClass partitions paid calls by who asked for them. A person
// waiting on a capture outranks housekeeping the pipeline scheduled
// for itself, so user-initiated work is shed last.
type RequestClass int

const (
	// ClassStandard: user-initiated transcription and note
	// structuring. Someone is waiting on the result.
	ClassStandard RequestClass = iota
	// ClassBackground: embedding sync for already-committed notes.
	// Nobody is waiting; the reconciler catches up later.
	ClassBackground
	// ClassEnrichment: tag suggestions, related-note lookups.
	ClassEnrichment
)

// Governor tracks consumption against the monthly ceiling. Safe for
// concurrent use.
type Governor struct {
	store storage.Store
	costs CostTable
	limit int64
	log   zerolog.Logger
	now   func() time.Time

	// audit, when set, receives every priced usage record. Wired to the
	// interactions log at startup.
	audit func(*types.UsageRecord)

	mu sync.Mutex
	// notified remembers which (month, mode) transitions were already
	// announced so each fires once per month.
	notified map[string]bool
	// warned tracks unknown models already logged.
	warned map[string]bool
}

// SetAuditHook installs the usage audit callback. Not safe to call
// after the governor is in use.
func (g *Governor) SetAuditHook(fn func(*types.UsageRecord)) { g.audit = fn }

// New builds a governor. A limit of zero or less disables enforcement:
// mode is always normal and every admission succeeds.
func New(store storage.Store, costs CostTable, monthlyLimit int64, log zerolog.Logger) *Governor {
	if costs == nil {
		costs = DefaultCostTable()
	}
	return &Governor{
		store:    store,
		costs:    costs,
		limit:    monthlyLimit,
		log:      log.With().Str("component", "governor").Logger(),
		now:      time.Now,
		notified: make(map[string]bool),
		warned:   make(map[string]bool),
	}
}

// monthWindow returns the UTC calendar month containing t.
func monthWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

// Usage returns tokens consumed in the current UTC month.
func (g *Governor) Usage(ctx context.Context) (int64, error) {
	from, to := monthWindow(g.now())
	return g.store.MonthlyTokens(ctx, "", from, to)
}

// Mode derives the operating mode from this month's consumption.
func (g *Governor) Mode(ctx context.Context) (types.GovernorMode, error) {
	if g.limit <= 0 {
		return types.ModeNormal, nil
	}
	used, err := g.Usage(ctx)
	if err != nil {
		return types.ModeNormal, err
	}
	mode := modeFor(float64(used) / float64(g.limit))
	g.announce(mode, used)
	return mode, nil
}

func modeFor(ratio float64) types.GovernorMode {
	switch {
	case ratio >= frozenRatio:
		return types.ModeFrozen
	case ratio >= criticalRatio:
		return types.ModeCritical
	case ratio >= degradedRatio:
		return types.ModeDegraded
	default:
		return types.ModeNormal
	}
}

// announce logs a mode transition once per (month, mode).
func (g *Governor) announce(mode types.GovernorMode, used int64) {
	if mode == types.ModeNormal {
		return
	}
	from, _ := monthWindow(g.now())
	key := from.Format("2006-01") + "/" + string(mode)

	g.mu.Lock()
	seen := g.notified[key]
	g.notified[key] = true
	g.mu.Unlock()
	if seen {
		return
	}
	g.log.Warn().
		Str("mode", string(mode)).
		Int64("used_tokens", used).
		Int64("limit", g.limit).
		Msg("token budget mode change")
}

// Admit decides whether a paid call of the given class may proceed.
// Frozen denies everything; critical admits only user-initiated calls;
// degraded sheds enrichment. Denials return ErrQuotaDenied.
func (g *Governor) Admit(ctx context.Context, class RequestClass) error {
	mode, err := g.Mode(ctx)
	if err != nil {
		// Accounting failures must not wedge the pipeline; admit and
		// let the usage write surface the problem.
		g.log.Error().Err(err).Msg("usage lookup failed, admitting")
		return nil
	}
	switch mode {
	case types.ModeFrozen:
		return types.ErrQuotaDenied
	case types.ModeCritical:
		if class != ClassStandard {
			return types.ErrQuotaDenied
		}
	case types.ModeDegraded:
		if class == ClassEnrichment {
			return types.ErrQuotaDenied
		}
	}
	return nil
}

// Record prices and persists one paid call. Unknown models are priced
// at the most expensive known rate and warned about once.
func (g *Governor) Record(ctx context.Context, rec *types.UsageRecord) error {
	cost, known := g.costs.Cost(rec.Model, rec.InputTokens, rec.OutputTokens)
	if !known {
		g.mu.Lock()
		warned := g.warned[rec.Model]
		g.warned[rec.Model] = true
		g.mu.Unlock()
		if !warned {
			g.log.Warn().
				Str("model", rec.Model).
				Msg("model missing from cost table, charging top rate")
		}
	}
	rec.CostMicroUSD = cost
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = g.now().UTC()
	}
	if g.audit != nil {
		g.audit(rec)
	}
	return g.store.InsertUsage(ctx, rec)
}
