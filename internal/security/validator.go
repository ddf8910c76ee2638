// Package security provides the pure validation layer applied to
// every path, filename and content blob before it touches the vault.
// All functions are stateless and safe for concurrent use.
package security

import (
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/inkporter/inkporter/internal/types"
)

// MaxFilenameBytes is the byte length ceiling for a filename after
// UTF-8 encoding.
const MaxFilenameBytes = 200

// reservedNames are device names rejected on any host OS. Windows
// treats them as devices regardless of extension.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// ValidateFilename rejects empty names, control characters, reserved
// device names, names over MaxFilenameBytes bytes, and names whose
// normalized form escapes the intended subdirectory. Returns the name
// unchanged when safe.
func ValidateFilename(name string) (string, error) {
	if name == "" {
		return "", types.NewValidationError("filename", "empty")
	}
	if len(name) > MaxFilenameBytes {
		return "", types.NewValidationError("filename",
			fmt.Sprintf("exceeds %d bytes", MaxFilenameBytes))
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", types.NewValidationError("filename", "control character")
		}
	}
	if strings.ContainsAny(name, `<>:"|?*`) || strings.ContainsAny(name, "/\\") {
		return "", types.NewValidationError("filename", "forbidden character")
	}
	base := strings.ToLower(name)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if reservedNames[base] {
		return "", types.NewValidationError("filename", "reserved device name")
	}
	cleaned := filepath.Clean(name)
	if cleaned != name || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "..") {
		return "", types.NewValidationError("filename", "escapes directory")
	}
	return name, nil
}

// ValidatePath resolves rel against base and rejects any result that,
// after symlink resolution, is not a descendant of base. Returns the
// absolute path.
func ValidatePath(base, rel string) (string, error) {
	if rel == "" {
		return "", types.NewValidationError("path", "empty")
	}
	if filepath.IsAbs(rel) {
		return "", types.NewValidationError("path", "absolute path not allowed")
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", types.NewValidationError("path", "cannot resolve base")
	}
	// Resolve symlinks in the base so comparison happens in canonical
	// space (/tmp vs /private/tmp on macOS).
	if resolved, err := filepath.EvalSymlinks(absBase); err == nil {
		absBase = resolved
	}
	joined := filepath.Join(absBase, rel)

	// The target may not exist yet; resolve the deepest existing
	// ancestor and re-join the remainder.
	resolved := resolveExisting(joined)
	if resolved != absBase && !strings.HasPrefix(resolved, absBase+string(filepath.Separator)) {
		return "", types.NewValidationError("path", "escapes base directory")
	}
	return joined, nil
}

// resolveExisting walks up from p to the deepest existing ancestor,
// resolves its symlinks, then re-joins the non-existing suffix.
func resolveExisting(p string) string {
	dir := p
	var suffix []string
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p
		}
		suffix = append(suffix, filepath.Base(dir))
		dir = parent
	}
}

var dangerousPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"script_tag", regexp.MustCompile(`(?i)<\s*script[\s>]`)},
	{"event_handler", regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)},
	{"javascript_url", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"data_url", regexp.MustCompile(`(?i)data\s*:\s*[a-z]+/[a-z0-9.+-]+\s*;\s*base64`)},
	{"sql_injection", regexp.MustCompile(`(?i)('\s*(or|and)\s+[\w'"]+\s*=|union\s+select|;\s*drop\s+table|--\s*$)`)},
}

// ScanResult reports the outcome of a content scan. The decision is
// advisory: callers decide whether to reject or sanitize.
type ScanResult struct {
	Clean    bool
	Patterns []string
}

// ScanContent detects script tags, event-handler attributes,
// data/javascript URLs, and SQL-shaped injection fragments.
func ScanContent(text string) ScanResult {
	var matched []string
	for _, p := range dangerousPatterns {
		if p.re.MatchString(text) {
			matched = append(matched, p.name)
		}
	}
	return ScanResult{Clean: len(matched) == 0, Patterns: matched}
}

var frontmatterKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

const (
	maxFrontmatterString = 1000
	maxFrontmatterList   = 50
)

// ValidateFrontmatter normalizes a frontmatter map. Keys must match
// ^[A-Za-z_][A-Za-z0-9_-]*$; string values are HTML-escaped and
// truncated to 1000 bytes; lists are capped at 50 items; unsupported
// value types are rejected.
func ValidateFrontmatter(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !frontmatterKeyRe.MatchString(k) {
			return nil, types.NewValidationError("frontmatter", "invalid key "+k)
		}
		normalized, err := normalizeFrontmatterValue(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = normalized
	}
	return out, nil
}

func normalizeFrontmatterValue(key string, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return truncateEscape(val), nil
	case bool, int, int64, float64:
		return val, nil
	case []string:
		if len(val) > maxFrontmatterList {
			val = val[:maxFrontmatterList]
		}
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = truncateEscape(s)
		}
		return out, nil
	case []any:
		if len(val) > maxFrontmatterList {
			val = val[:maxFrontmatterList]
		}
		out := make([]any, 0, len(val))
		for _, item := range val {
			n, err := normalizeFrontmatterValue(key, item)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, types.NewValidationError("frontmatter",
			fmt.Sprintf("unsupported type %T for key %s", v, key))
	}
}

func truncateEscape(s string) string {
	escaped := html.EscapeString(s)
	if len(escaped) > maxFrontmatterString {
		// Truncate on a rune boundary.
		b := []byte(escaped)[:maxFrontmatterString]
		for len(b) > 0 && (b[len(b)-1]&0xC0) == 0x80 {
			b = b[:len(b)-1]
		}
		escaped = string(b)
	}
	return escaped
}
