package privacy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/types"
)

// scanChunk bounds how much text is matched in one pass. Large bodies
// are scanned in windows with the scheduler yielded between them so a
// pathological paste cannot starve the worker pool.
const (
	scanChunk   = 64 * 1024
	scanOverlap = 512
)

// Finding is one detected sensitive span.
type Finding struct {
	RuleID string
	Level  types.PrivacyLevel
	Mask   types.Masking
	Block  bool
	Start  int
	End    int
}

// Filter applies the active rule set to content. Rule swaps via
// SetCustomRules are safe under concurrent scans.
type Filter struct {
	store storage.Store
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	rules  []Rule
	custom []Rule
}

// NewFilter builds a filter with the builtin rules active.
func NewFilter(store storage.Store, log zerolog.Logger) *Filter {
	return &Filter{
		store: store,
		log:   log.With().Str("component", "privacy").Logger(),
		now:   time.Now,
		rules: builtinRules(),
	}
}

// SetCustomRules replaces the operator-defined rule set. Builtin rules
// always stay active; custom rules run after them.
func (f *Filter) SetCustomRules(rules []Rule) {
	f.mu.Lock()
	f.custom = rules
	f.mu.Unlock()
	f.log.Info().Int("count", len(rules)).Msg("custom privacy rules loaded")
}

func (f *Filter) activeRules(level types.PrivacyLevel) []Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Rule, 0, len(f.rules)+len(f.custom))
	for _, r := range f.rules {
		if r.Level <= level {
			out = append(out, r)
		}
	}
	for _, r := range f.custom {
		if r.Level <= level {
			out = append(out, r)
		}
	}
	return out
}

// Detect scans text with every rule active at level and returns the
// findings ordered by position. Overlapping findings keep the earlier
// rule's claim.
func (f *Filter) Detect(ctx context.Context, text string, level types.PrivacyLevel) ([]Finding, error) {
	if level == types.PrivacyNone {
		return nil, nil
	}
	rules := f.activeRules(level)
	var findings []Finding

	for off := 0; off < len(text); off += scanChunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := off + scanChunk + scanOverlap
		if end > len(text) {
			end = len(text)
		}
		window := text[off:end]
		for _, r := range rules {
			for _, loc := range r.Pattern.FindAllStringIndex(window, -1) {
				start, stop := off+loc[0], off+loc[1]
				if r.ID == RuleCreditCard && !luhnValid(text[start:stop]) {
					continue
				}
				findings = append(findings, Finding{
					RuleID: r.ID, Level: r.Level, Mask: r.Mask, Block: r.Block,
					Start: start, End: stop,
				})
			}
		}
		if len(text) > scanChunk {
			runtime.Gosched()
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].End > findings[j].End
	})
	// Drop duplicates from the chunk overlap and spans already claimed
	// by an earlier finding.
	out := findings[:0]
	lastEnd := -1
	for _, fd := range findings {
		if fd.Start < lastEnd {
			continue
		}
		out = append(out, fd)
		lastEnd = fd.End
	}
	return out, nil
}

// Sanitize detects and masks sensitive spans, records an audit row per
// finding, and raises at most one alert per (rule, origin) pair. A
// blocking rule returns PrivacyError; the content must not be stored.
// Masking is idempotent: sanitized output re-scans clean.
func (f *Filter) Sanitize(ctx context.Context, text string, level types.PrivacyLevel, originRef string) (string, []Finding, error) {
	findings, err := f.Detect(ctx, text, level)
	if err != nil {
		return "", nil, err
	}
	if len(findings) == 0 {
		return text, nil, nil
	}

	sourceRef := contentRef(text)
	for _, fd := range findings {
		if err := f.audit(ctx, fd, sourceRef, originRef); err != nil {
			return "", nil, err
		}
	}
	for _, fd := range findings {
		if fd.Block {
			return "", findings, &types.PrivacyError{RuleID: fd.RuleID}
		}
	}

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, fd := range findings {
		b.WriteString(text[pos:fd.Start])
		b.WriteString(maskSpan(text[fd.Start:fd.End], fd.Mask))
		pos = fd.End
	}
	b.WriteString(text[pos:])
	return b.String(), findings, nil
}

// audit writes the security-event row, marking it alerted only when
// the (rule, origin) pair has not alerted before.
func (f *Filter) audit(ctx context.Context, fd Finding, sourceRef, originRef string) error {
	alerted := false
	if originRef != "" {
		seen, err := f.store.AlertedForRule(ctx, fd.RuleID, originRef)
		if err != nil {
			return err
		}
		alerted = !seen
	}
	ev := &types.SecurityEvent{
		RuleID:    fd.RuleID,
		Level:     fd.Level,
		SourceRef: sourceRef,
		OriginRef: originRef,
		Alerted:   alerted,
		CreatedAt: f.now().UTC(),
	}
	if err := f.store.InsertSecurityEvent(ctx, ev); err != nil {
		return err
	}
	if alerted {
		f.log.Warn().
			Str("rule", fd.RuleID).
			Str("origin", originRef).
			Msg("sensitive content detected")
	}
	return nil
}

// contentRef derives a non-reversible reference to the scanned text
// for the audit trail. Raw content never reaches the log or database.
func contentRef(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "sha256:" + hex.EncodeToString(sum[:8])
}

// maskSpan rewrites one matched span. Every strategy produces output
// that no builtin rule matches again.
func maskSpan(span string, mask types.Masking) string {
	switch mask {
	case types.MaskRemove:
		return ""
	case types.MaskHash:
		sum := sha256.Sum256([]byte(span))
		return "[redacted:" + hex.EncodeToString(sum[:4]) + "]"
	case types.MaskPartial:
		first, size := utf8.DecodeRuneInString(span)
		last, lastSize := utf8.DecodeLastRuneInString(span)
		if size+lastSize >= len(span) {
			return strings.Repeat("*", utf8.RuneCountInString(span))
		}
		middle := utf8.RuneCountInString(span) - 2
		return fmt.Sprintf("%c%s%c", first, strings.Repeat("*", middle), last)
	default: // asterisk
		return strings.Repeat("*", utf8.RuneCountInString(span))
	}
}
