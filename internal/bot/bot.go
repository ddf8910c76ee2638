// Package bot translates chat platform events into knowledge
// operations. The platform adapter delivers a neutral Event sum type;
// nothing here depends on any particular chat service. User-facing
// messages never carry note content, matched substrings or
// credentials.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/knowledge"
	"github.com/inkporter/inkporter/internal/search"
	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/transcribe"
	"github.com/inkporter/inkporter/internal/types"
)

// titleMaxRunes caps titles derived from message bodies.
const titleMaxRunes = 80

// Event is a platform-neutral inbound event.
type Event interface{ eventID() string }

// TextMessage is a plain chat message to be captured as a note.
type TextMessage struct {
	EventID   string
	ActorID   string
	ChannelID string
	GuildID   string
	Content   string
	Timestamp time.Time
}

// VoiceMessage carries an audio attachment to transcribe and capture.
type VoiceMessage struct {
	EventID   string
	ActorID   string
	ChannelID string
	GuildID   string
	Audio     io.Reader
	Filename  string
	Timestamp time.Time
}

// Command is a parsed slash command.
type Command struct {
	EventID   string
	ActorID   string
	ChannelID string
	Name      string
	Args      []string
	Timestamp time.Time
}

func (e TextMessage) eventID() string  { return e.EventID }
func (e VoiceMessage) eventID() string { return e.EventID }
func (e Command) eventID() string      { return e.EventID }

// Ack is the acknowledgement returned to the platform adapter.
type Ack struct {
	Status  string `json:"status"`
	NoteID  string `json:"note_id,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	StatusSaved   = "saved"
	StatusBlocked = "blocked"
	StatusBusy    = "busy"
	StatusError   = "error"
	StatusOK      = "ok"
)

// commandFunc handles one slash command.
type commandFunc func(ctx context.Context, cmd Command) Ack

// Handler dispatches events to the knowledge layer.
type Handler struct {
	notes    *knowledge.Manager
	voice    *transcribe.Service
	engine   *search.Engine
	log      zerolog.Logger
	commands map[string]commandFunc
}

// NewHandler builds a handler. voice and engine may be nil; the
// corresponding events and commands degrade gracefully.
func NewHandler(notes *knowledge.Manager, voice *transcribe.Service, engine *search.Engine, log zerolog.Logger) *Handler {
	h := &Handler{
		notes:  notes,
		voice:  voice,
		engine: engine,
		log:    log.With().Str("component", "bot").Logger(),
	}
	h.commands = map[string]commandFunc{
		"search":  h.cmdSearch,
		"related": h.cmdRelated,
		"delete":  h.cmdDelete,
		"merge":   h.cmdMerge,
		"tags":    h.cmdTags,
	}
	return h
}

// OnEvent handles one inbound event and returns the acknowledgement
// payload. Detailed errors go to the log keyed by event id; the ack
// carries only short non-leaking messages.
func (h *Handler) OnEvent(ctx context.Context, ev Event) Ack {
	switch e := ev.(type) {
	case TextMessage:
		return h.onText(ctx, e)
	case VoiceMessage:
		return h.onVoice(ctx, e)
	case Command:
		return h.onCommand(ctx, e)
	default:
		return Ack{Status: StatusError, Message: "unsupported event"}
	}
}

func (h *Handler) onText(ctx context.Context, e TextMessage) Ack {
	if strings.TrimSpace(e.Content) == "" {
		return Ack{Status: StatusError, Message: "nothing to save"}
	}
	note, err := h.notes.CreateNote(ctx, knowledge.CreateParams{
		Title:      deriveTitle(e.Content, e.Timestamp),
		Body:       e.Content,
		SourceType: types.SourceFleeting,
		OriginRef:  e.EventID,
		ActorID:    e.ActorID,
		ChannelID:  e.ChannelID,
	})
	if err != nil {
		return h.ackError(e.EventID, err)
	}
	return Ack{Status: StatusSaved, NoteID: note.ID, Message: "note saved"}
}

func (h *Handler) onVoice(ctx context.Context, e VoiceMessage) Ack {
	if h.voice == nil {
		return Ack{Status: StatusError, Message: "voice capture is not configured"}
	}
	body := ""
	tr, err := h.voice.Transcribe(ctx, e.Audio, e.Filename)
	switch {
	case err == nil:
		body = tr.Text
	case errors.Is(err, types.ErrQuotaDenied):
		// Local fallback: keep the capture, mark the transcript.
		body = "[transcription unavailable: monthly quota reached]"
	default:
		return h.ackError(e.EventID, err)
	}

	note, err := h.notes.CreateNote(ctx, knowledge.CreateParams{
		Title:      deriveTitle(body, e.Timestamp),
		Body:       body,
		SourceType: types.SourceVoice,
		OriginRef:  e.EventID,
		ActorID:    e.ActorID,
		ChannelID:  e.ChannelID,
	})
	if err != nil {
		return h.ackError(e.EventID, err)
	}
	return Ack{Status: StatusSaved, NoteID: note.ID, Message: "voice note saved"}
}

func (h *Handler) onCommand(ctx context.Context, e Command) Ack {
	fn, ok := h.commands[strings.ToLower(e.Name)]
	if !ok {
		return Ack{Status: StatusError, Message: "unknown command: " + e.Name}
	}
	return fn(ctx, e)
}

func (h *Handler) cmdSearch(ctx context.Context, cmd Command) Ack {
	if h.engine == nil {
		return Ack{Status: StatusError, Message: "search is not configured"}
	}
	query := strings.Join(cmd.Args, " ")
	results, err := h.engine.Search(ctx, query, 5, search.ModeHybrid)
	if err != nil {
		return h.ackError(cmd.EventID, err)
	}
	if len(results) == 0 {
		return Ack{Status: StatusOK, Message: "no matches"}
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.NoteID
	}
	return Ack{Status: StatusOK, Message: "found: " + strings.Join(ids, ", ")}
}

func (h *Handler) cmdRelated(ctx context.Context, cmd Command) Ack {
	if len(cmd.Args) != 1 {
		return Ack{Status: StatusError, Message: "usage: related <note-id>"}
	}
	results, err := h.notes.FindRelated(ctx, cmd.Args[0], 5)
	if err != nil {
		return h.ackError(cmd.EventID, err)
	}
	if len(results) == 0 {
		return Ack{Status: StatusOK, Message: "no related notes"}
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.NoteID
	}
	return Ack{Status: StatusOK, Message: "related: " + strings.Join(ids, ", ")}
}

func (h *Handler) cmdDelete(ctx context.Context, cmd Command) Ack {
	if len(cmd.Args) != 1 {
		return Ack{Status: StatusError, Message: "usage: delete <note-id>"}
	}
	if err := h.notes.DeleteNote(ctx, cmd.Args[0]); err != nil {
		return h.ackError(cmd.EventID, err)
	}
	return Ack{Status: StatusOK, NoteID: cmd.Args[0], Message: "note deleted"}
}

func (h *Handler) cmdMerge(ctx context.Context, cmd Command) Ack {
	if len(cmd.Args) < 2 {
		return Ack{Status: StatusError, Message: "usage: merge <note-id> <note-id> ..."}
	}
	merged, err := h.notes.MergeNotes(ctx, cmd.Args, "")
	if err != nil {
		return h.ackError(cmd.EventID, err)
	}
	return Ack{Status: StatusSaved, NoteID: merged.ID, Message: "notes merged"}
}

func (h *Handler) cmdTags(ctx context.Context, cmd Command) Ack {
	if len(cmd.Args) == 0 {
		return Ack{Status: StatusError, Message: "usage: tags <text>"}
	}
	suggestions, err := h.notes.SuggestTags(ctx, strings.Join(cmd.Args, " "))
	if err != nil {
		return h.ackError(cmd.EventID, err)
	}
	if len(suggestions) == 0 {
		return Ack{Status: StatusOK, Message: "no tag suggestions"}
	}
	parts := make([]string, len(suggestions))
	for i, s := range suggestions {
		parts[i] = fmt.Sprintf("#%s (%.0f%%)", s.Tag, s.Confidence*100)
	}
	return Ack{Status: StatusOK, Message: "tags: " + strings.Join(parts, " ")}
}

// ackError maps internal failures to short user-safe messages and logs
// the detail under the event id.
func (h *Handler) ackError(eventID string, err error) Ack {
	h.log.Error().Err(err).Str("event", eventID).Msg("event handling failed")

	var pe *types.PrivacyError
	switch {
	case errors.As(err, &pe):
		return Ack{Status: StatusBlocked, Message: "content blocked by privacy policy"}
	case errors.Is(err, types.ErrBackpressure):
		return Ack{Status: StatusBusy, Message: "busy right now, try again later"}
	case errors.Is(err, types.ErrQuotaDenied):
		return Ack{Status: StatusError, Message: "quota reached, try again next month"}
	case errors.Is(err, storage.ErrNotFound):
		return Ack{Status: StatusError, Message: "note not found"}
	case types.IsValidation(err):
		return Ack{Status: StatusError, Message: "invalid request"}
	default:
		return Ack{Status: StatusError, Message: "note queued, processing delayed"}
	}
}

// deriveTitle takes the first non-empty line, truncated to a sane
// length. Falls back to a timestamped label for empty bodies.
func deriveTitle(content string, ts time.Time) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > titleMaxRunes {
			runes := []rune(line)
			line = string(runes[:titleMaxRunes])
		}
		return line
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return "Note " + ts.UTC().Format("2006-01-02 15:04")
}
