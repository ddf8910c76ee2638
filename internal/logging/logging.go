// Package logging configures the process logger and the AI audit
// trail. Operational logs are structured JSON, rotated on disk, and
// mirrored human-readably to stderr. Every paid AI interaction is
// additionally appended to interactions.jsonl for offline review.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger. Logs rotate at 20 MB keeping five
// generations; level falls back to info when the string is unknown.
func New(logDir, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}}
	if logDir != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "inkporter.log"),
			MaxSize:    20,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().Timestamp().Logger()
}

// Interaction is one audited AI call.
type Interaction struct {
	Kind         string `json:"kind"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	ActorID      string `json:"actor_id,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	Failed       bool   `json:"failed,omitempty"`
}

// AuditLog appends AI interactions to a rotated JSONL file. Bodies and
// prompts are never recorded, only accounting metadata.
type AuditLog struct {
	log zerolog.Logger
}

// NewAuditLog opens (creating if needed) interactions.jsonl in logDir.
func NewAuditLog(logDir string) *AuditLog {
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "interactions.jsonl"),
		MaxSize:    50,
		MaxBackups: 10,
	}
	return &AuditLog{
		log: zerolog.New(sink).With().Timestamp().Logger(),
	}
}

// Record appends one interaction row.
func (a *AuditLog) Record(in Interaction) {
	a.log.Log().
		Str("kind", in.Kind).
		Str("provider", in.Provider).
		Str("model", in.Model).
		Int64("input_tokens", in.InputTokens).
		Int64("output_tokens", in.OutputTokens).
		Str("actor_id", in.ActorID).
		Int64("duration_ms", in.DurationMS).
		Bool("failed", in.Failed).
		Send()
}
