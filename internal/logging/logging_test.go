package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLevelFallback(t *testing.T) {
	if lg := New("", "debug"); lg.GetLevel() != zerolog.DebugLevel {
		t.Errorf("level %v", lg.GetLevel())
	}
	if lg := New("", "chatty"); lg.GetLevel() != zerolog.InfoLevel {
		t.Errorf("unknown level fell back to %v", lg.GetLevel())
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	lg := New(dir, "info")
	lg.Info().Str("k", "v").Msg("hello")

	raw, err := os.ReadFile(filepath.Join(dir, "inkporter.log"))
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(raw, &line); err != nil {
		t.Fatalf("log line not JSON: %v\n%s", err, raw)
	}
	if line["message"] != "hello" || line["k"] != "v" {
		t.Errorf("line %v", line)
	}
}

func TestAuditLogAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	audit := NewAuditLog(dir)
	audit.Record(Interaction{
		Kind: "embed", Provider: "openai", Model: "text-embedding-3-small",
		InputTokens: 42, DurationMS: 17,
	})
	audit.Record(Interaction{Kind: "chat", Provider: "anthropic",
		Model: "claude-3-5-haiku-latest", InputTokens: 10, OutputTokens: 5})

	raw, err := os.ReadFile(filepath.Join(dir, "interactions.jsonl"))
	if err != nil {
		t.Fatalf("audit file: %v", err)
	}
	lines := 0
	for _, l := range splitLines(raw) {
		var row map[string]any
		if err := json.Unmarshal(l, &row); err != nil {
			t.Fatalf("row not JSON: %v\n%s", err, l)
		}
		lines++
		if row["kind"] == "embed" && row["input_tokens"] != float64(42) {
			t.Errorf("row %v", row)
		}
	}
	if lines != 2 {
		t.Errorf("%d rows, want 2", lines)
	}
}

func splitLines(raw []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		out = append(out, raw[start:])
	}
	return out
}
