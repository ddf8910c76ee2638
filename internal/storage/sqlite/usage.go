package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/inkporter/inkporter/internal/types"
)

// InsertUsage appends one paid-usage row. Rows are never updated or
// deleted; monthly totals are derived sums.
func (s *Store) InsertUsage(ctx context.Context, rec *types.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (provider, model, input_tokens, output_tokens,
			cost_micro_usd, occurred_at, request_kind, actor_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.CostMicroUSD, fmtTime(rec.OccurredAt), rec.RequestKind, rec.ActorID)
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to record usage: %w", err))
	}
	return nil
}

// MonthlyTokens sums input+output tokens for a provider in [from, to).
// Pass provider "" to sum across all providers.
func (s *Store) MonthlyTokens(ctx context.Context, provider string, from, to time.Time) (int64, error) {
	q := `SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM usage_records WHERE occurred_at >= ? AND occurred_at < ?`
	args := []any{fmtTime(from), fmtTime(to)}
	if provider != "" {
		q += ` AND provider = ?`
		args = append(args, provider)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
		return 0, types.NewStoreTransient(fmt.Errorf("failed to sum usage: %w", err))
	}
	return total, nil
}

// InsertSecurityEvent appends one privacy-audit row.
func (s *Store) InsertSecurityEvent(ctx context.Context, ev *types.SecurityEvent) error {
	alerted := 0
	if ev.Alerted {
		alerted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (rule_id, privacy_level, source_ref, origin_ref, alerted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RuleID, int(ev.Level), ev.SourceRef, ev.OriginRef, alerted, fmtTime(ev.CreatedAt))
	if err != nil {
		return types.NewStoreTransient(fmt.Errorf("failed to record security event: %w", err))
	}
	return nil
}

// AlertedForRule reports whether an alert was already raised for the
// (rule, origin) pair, so repeated matches in one message alert once.
func (s *Store) AlertedForRule(ctx context.Context, ruleID, originRef string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_events
		WHERE rule_id = ? AND origin_ref = ? AND alerted = 1`,
		ruleID, originRef).Scan(&n)
	if err != nil {
		return false, types.NewStoreTransient(fmt.Errorf("failed to check alerts: %w", err))
	}
	return n > 0, nil
}
