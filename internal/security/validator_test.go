package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "note.md", false},
		{"unicode", "café-notes.md", false},
		{"empty", "", true},
		{"control char", "a\x00b.md", true},
		{"newline", "a\nb.md", true},
		{"reserved con", "CON", true},
		{"reserved con with ext", "con.md", true},
		{"reserved lpt", "lpt1.txt", true},
		{"slash", "a/b.md", true},
		{"backslash", `a\b.md`, true},
		{"dotdot", "..", true},
		{"windows meta", "a:b.md", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateFilename(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFilename(%q) err=%v, wantErr=%v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFilenameByteBoundary(t *testing.T) {
	// 200 bytes accepted, 201 rejected.
	ok := strings.Repeat("a", 200)
	if _, err := ValidateFilename(ok); err != nil {
		t.Errorf("200-byte filename rejected: %v", err)
	}
	long := strings.Repeat("a", 201)
	if _, err := ValidateFilename(long); err == nil {
		t.Error("201-byte filename accepted")
	}
	// Multi-byte runes count in bytes, not runes.
	multi := strings.Repeat("é", 100) // 200 bytes
	if _, err := ValidateFilename(multi); err != nil {
		t.Errorf("200-byte multibyte filename rejected: %v", err)
	}
	if _, err := ValidateFilename(multi + "a"); err == nil {
		t.Error("201-byte multibyte filename accepted")
	}
}

func TestValidatePath(t *testing.T) {
	base := t.TempDir()

	got, err := ValidatePath(base, "notes/a.md")
	if err != nil {
		t.Fatalf("ValidatePath: %v", err)
	}
	if !strings.HasSuffix(got, filepath.Join("notes", "a.md")) {
		t.Errorf("unexpected path %q", got)
	}

	for _, rel := range []string{"../escape.md", "notes/../../escape.md", "/etc/passwd"} {
		if _, err := ValidatePath(base, rel); err == nil {
			t.Errorf("ValidatePath(%q) accepted", rel)
		}
	}
}

func TestValidatePathSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(base, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := ValidatePath(base, "sneaky/file.md"); err == nil {
		t.Error("symlinked escape accepted")
	}
}

func TestScanContent(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		clean bool
	}{
		{"plain", "just a note about #golang", true},
		{"script tag", `hello <script>alert(1)</script>`, false},
		{"event handler", `<img src=x onerror=alert(1)>`, false},
		{"javascript url", `[click](javascript:alert(1))`, false},
		{"data url", `src="data:text/html;base64,PHNjcmlwdD4="`, false},
		{"sql union", "x' UNION SELECT password FROM users", false},
		{"sql drop", "; DROP TABLE notes", false},
		{"markdown link ok", "[[Alpha]] and #tag are fine", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScanContent(tt.text)
			if got.Clean != tt.clean {
				t.Errorf("ScanContent(%q).Clean=%v want %v (patterns %v)",
					tt.text, got.Clean, tt.clean, got.Patterns)
			}
		})
	}
}

func TestValidateFrontmatter(t *testing.T) {
	m := map[string]any{
		"title":  "hello <b>world</b>",
		"count":  3,
		"draft":  true,
		"labels": []string{"a", "b"},
	}
	out, err := ValidateFrontmatter(m)
	if err != nil {
		t.Fatalf("ValidateFrontmatter: %v", err)
	}
	if out["title"] != "hello &lt;b&gt;world&lt;/b&gt;" {
		t.Errorf("title not escaped: %q", out["title"])
	}

	if _, err := ValidateFrontmatter(map[string]any{"9bad": "x"}); err == nil {
		t.Error("invalid key accepted")
	}
	if _, err := ValidateFrontmatter(map[string]any{"k": map[string]any{}}); err == nil {
		t.Error("unsupported type accepted")
	}

	long := strings.Repeat("x", 2000)
	out, err = ValidateFrontmatter(map[string]any{"k": long})
	if err != nil {
		t.Fatalf("long string rejected: %v", err)
	}
	if len(out["k"].(string)) > 1000 {
		t.Errorf("string not truncated: %d bytes", len(out["k"].(string)))
	}

	big := make([]string, 80)
	for i := range big {
		big[i] = "item"
	}
	out, err = ValidateFrontmatter(map[string]any{"list": big})
	if err != nil {
		t.Fatalf("long list rejected: %v", err)
	}
	if n := len(out["list"].([]string)); n != 50 {
		t.Errorf("list capped at %d, want 50", n)
	}
}
