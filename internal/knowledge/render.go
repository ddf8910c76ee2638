package knowledge

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inkporter/inkporter/internal/types"
)

// slugMaxBytes keeps generated filenames comfortably under the
// 200-byte filename ceiling once "notes/" and ".md" are added.
const slugMaxBytes = 120

var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a title into a filesystem-safe stem. Falls back to the
// note id for titles with no usable characters.
func slugify(title, noteID string) string {
	s := slugStripRe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > slugMaxBytes {
		s = strings.Trim(s[:slugMaxBytes], "-")
	}
	if s == "" {
		return noteID
	}
	return s
}

// frontmatter is the YAML header written at the top of every vault
// file.
type frontmatter struct {
	ID      string   `yaml:"id"`
	Title   string   `yaml:"title"`
	Tags    []string `yaml:"tags,omitempty"`
	Source  string   `yaml:"source"`
	Created string   `yaml:"created"`
	Updated string   `yaml:"updated"`
}

// renderArtifact produces the markdown file for a note, ready for the
// outbound queue.
func renderArtifact(note *types.Note) (*types.FileArtifact, error) {
	fm := frontmatter{
		ID:      note.ID,
		Title:   note.Title,
		Tags:    note.Tags,
		Source:  string(note.SourceType),
		Created: note.CreatedAt.UTC().Format(time.RFC3339),
		Updated: note.UpdatedAt.UTC().Format(time.RFC3339),
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("failed to render frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	b.WriteString(note.Body)
	if !strings.HasSuffix(note.Body, "\n") {
		b.WriteString("\n")
	}

	return &types.FileArtifact{
		Path:      "notes/" + slugify(note.Title, note.ID) + ".md",
		Body:      b.String(),
		NoteID:    note.ID,
		OriginRef: note.OriginRef,
	}, nil
}
