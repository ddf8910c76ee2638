package knowledge

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/inkporter/inkporter/internal/storage/sqlite"
	"github.com/inkporter/inkporter/internal/types"
)

var (
	linkRe = regexp.MustCompile(`\[\[([^\]\n]+)\]\]`)
	tagRe  = regexp.MustCompile(`(?:^|\s)#([\w\-]{1,64})`)
)

// NormalizeTitle canonicalizes a title for comparison. Link targets
// and note titles compare equal iff their normalized forms match.
func NormalizeTitle(title string) string {
	return sqlite.NormalizeTitle(title)
}

// extractLinks pulls [[title]] tokens from a body. Interior whitespace
// is preserved in TargetTitle; duplicates collapse on the normalized
// title.
func extractLinks(fromID, body string, now time.Time) []*types.Link {
	seen := make(map[string]bool)
	var links []*types.Link
	for _, m := range linkRe.FindAllStringSubmatch(body, -1) {
		title := m[1]
		key := NormalizeTitle(title)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		links = append(links, &types.Link{
			FromID:      fromID,
			TargetTitle: title,
			Kind:        types.LinkReference,
			CreatedAt:   now,
		})
	}
	return links
}

// extractTags pulls #tag tokens from a body, lowercased, deduplicated
// and sorted.
func extractTags(body string) []string {
	seen := make(map[string]bool)
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		seen[strings.ToLower(m[1])] = true
	}
	if len(seen) == 0 {
		return nil
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// mergeTags unions explicit tags with body-derived ones.
func mergeTags(explicit, derived []string) []string {
	seen := make(map[string]bool)
	for _, t := range explicit {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			seen[t] = true
		}
	}
	for _, t := range derived {
		seen[t] = true
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
