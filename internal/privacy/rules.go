// Package privacy detects and masks sensitive spans in note content
// before anything durable is written. Builtin rules cover common
// secret shapes; operators extend them with a YAML rules file that
// reloads on change.
package privacy

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/inkporter/inkporter/internal/types"
)

// Rule is one detection pattern. Rules at or below the active privacy
// level are applied. A blocking rule rejects the content outright
// instead of masking it.
type Rule struct {
	ID      string
	Level   types.PrivacyLevel
	Pattern *regexp.Regexp
	Mask    types.Masking
	Block   bool
}

// Builtin rule ids, referenced by tests and audit rows.
const (
	RuleEmail       = "email"
	RulePhone       = "phone"
	RuleCreditCard  = "credit_card"
	RuleGovID       = "gov_id"
	RuleBearerToken = "bearer_token"
	RuleJWT         = "jwt"
	RuleIPv4        = "ipv4"
)

// builtinRules ships with the binary. Order matters: earlier rules
// claim overlapping spans first, so the more specific shapes (tokens)
// come before the generic ones (numbers).
func builtinRules() []Rule {
	return []Rule{
		{
			ID:      RuleBearerToken,
			Level:   types.PrivacyLow,
			Pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
			Mask:    types.MaskHash,
		},
		{
			ID:      RuleJWT,
			Level:   types.PrivacyLow,
			Pattern: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+\b`),
			Mask:    types.MaskHash,
		},
		{
			ID:      RuleEmail,
			Level:   types.PrivacyLow,
			Pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			Mask:    types.MaskPartial,
		},
		{
			ID:      RuleGovID,
			Level:   types.PrivacyMedium,
			Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Mask:    types.MaskRemove,
		},
		{
			ID:      RuleCreditCard,
			Level:   types.PrivacyMedium,
			Pattern: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
			Mask:    types.MaskPartial,
			// Validated by Luhn before it counts as a finding.
		},
		{
			ID:      RulePhone,
			Level:   types.PrivacyHigh,
			Pattern: regexp.MustCompile(`(?:^|[\s(])\+?\d[\d\s().-]{7,14}\d\b`),
			Mask:    types.MaskAsterisk,
		},
		{
			ID:      RuleIPv4,
			Level:   types.PrivacyHigh,
			Pattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			Mask:    types.MaskAsterisk,
		},
	}
}

// luhnValid checks the card-number checksum over the digits in s.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ruleSpec is the YAML form of a custom rule.
type ruleSpec struct {
	ID      string `yaml:"id"`
	Level   string `yaml:"level"`
	Pattern string `yaml:"pattern"`
	Mask    string `yaml:"mask"`
	Block   bool   `yaml:"block"`
}

type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// LoadRules parses a YAML rules file. Every entry must carry a unique
// id, a valid level, a compilable pattern and a known masking; any
// defect rejects the whole file so a half-applied policy never runs.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	seen := make(map[string]bool)
	out := make([]Rule, 0, len(rf.Rules))
	for i, spec := range rf.Rules {
		if spec.ID == "" {
			return nil, fmt.Errorf("rule %d: missing id", i)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("rule %q: duplicate id", spec.ID)
		}
		seen[spec.ID] = true

		level, ok := types.ParsePrivacyLevel(spec.Level)
		if !ok {
			return nil, fmt.Errorf("rule %q: unknown level %q", spec.ID, spec.Level)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", spec.ID, err)
		}
		mask := types.Masking(spec.Mask)
		switch mask {
		case types.MaskAsterisk, types.MaskPartial, types.MaskHash, types.MaskRemove:
		case "":
			mask = types.MaskAsterisk
		default:
			return nil, fmt.Errorf("rule %q: unknown masking %q", spec.ID, spec.Mask)
		}
		out = append(out, Rule{ID: spec.ID, Level: level, Pattern: re, Mask: mask, Block: spec.Block})
	}
	return out, nil
}
