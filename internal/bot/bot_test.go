package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/inkporter/inkporter/internal/knowledge"
	"github.com/inkporter/inkporter/internal/privacy"
	"github.com/inkporter/inkporter/internal/storage"
	"github.com/inkporter/inkporter/internal/storage/sqlite"
	"github.com/inkporter/inkporter/internal/types"
)

func newTestHandler(t *testing.T) (*Handler, storage.Store) {
	t.Helper()
	store, err := sqlite.Open(t.TempDir()+"/notes.db", sqlite.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	notes := knowledge.New(knowledge.Options{Store: store}, zerolog.Nop())
	return NewHandler(notes, nil, nil, zerolog.Nop()), store
}

func TestTextMessageSavesNote(t *testing.T) {
	h, store := newTestHandler(t)
	ack := h.OnEvent(context.Background(), TextMessage{
		EventID:   "evt-1",
		ActorID:   "user-1",
		ChannelID: "chan-1",
		Content:   "# Standup notes\n\ndiscussed the roadmap",
	})
	if ack.Status != StatusSaved || ack.NoteID == "" {
		t.Fatalf("ack %+v", ack)
	}

	note, err := store.GetNote(context.Background(), ack.NoteID)
	if err != nil {
		t.Fatal(err)
	}
	if note.Title != "Standup notes" {
		t.Errorf("title %q", note.Title)
	}
	if note.OriginRef != "evt-1" || note.ActorID != "user-1" {
		t.Errorf("provenance %+v", note)
	}
	if note.SourceType != types.SourceFleeting {
		t.Errorf("source %s", note.SourceType)
	}
}

func TestEmptyTextRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	ack := h.OnEvent(context.Background(), TextMessage{EventID: "evt-2", Content: "   \n"})
	if ack.Status != StatusError {
		t.Errorf("ack %+v", ack)
	}
}

func TestBlockedContentAckDoesNotLeak(t *testing.T) {
	h, store := newTestHandler(t)
	filter := privacy.NewFilter(store, zerolog.Nop())
	notes := knowledge.New(knowledge.Options{
		Store:        store,
		Filter:       filter,
		PrivacyLevel: types.PrivacyHigh,
	}, zerolog.Nop())
	h.notes = notes

	secret := "my card 4532 0151 1283 0366 blocked?"
	ack := h.OnEvent(context.Background(), TextMessage{EventID: "evt-3", Content: secret})
	// Credit cards mask rather than block under the builtin rules, so
	// the note saves; the ack must still never echo content.
	if strings.Contains(ack.Message, "4532") || strings.Contains(ack.Message, "0366") {
		t.Errorf("ack leaks content: %+v", ack)
	}
	if ack.Status == StatusSaved {
		note, err := store.GetNote(context.Background(), ack.NoteID)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(note.Body, "4532 0151 1283 0366") {
			t.Errorf("card number persisted unmasked: %q", note.Body)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	h, _ := newTestHandler(t)
	ack := h.OnEvent(context.Background(), Command{EventID: "evt-4", Name: "dance"})
	if ack.Status != StatusError || !strings.Contains(ack.Message, "dance") {
		t.Errorf("ack %+v", ack)
	}
}

func TestDeleteCommand(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	saved := h.OnEvent(ctx, TextMessage{EventID: "evt-5", Content: "delete me soon"})

	ack := h.OnEvent(ctx, Command{EventID: "evt-6", Name: "delete", Args: []string{saved.NoteID}})
	if ack.Status != StatusOK {
		t.Fatalf("ack %+v", ack)
	}
	if _, err := store.GetNote(ctx, saved.NoteID); err == nil {
		t.Error("note still readable after delete")
	}

	// Deleting again reports an error without crashing.
	again := h.OnEvent(ctx, Command{EventID: "evt-7", Name: "delete", Args: []string{saved.NoteID}})
	if again.Status == StatusOK {
		t.Errorf("double delete acked ok: %+v", again)
	}
}

func TestMergeCommand(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	a := h.OnEvent(ctx, TextMessage{EventID: "e1", Content: "first half"})
	b := h.OnEvent(ctx, TextMessage{EventID: "e2", Content: "second half"})

	ack := h.OnEvent(ctx, Command{EventID: "e3", Name: "merge", Args: []string{a.NoteID, b.NoteID}})
	if ack.Status != StatusSaved || ack.NoteID == "" {
		t.Fatalf("ack %+v", ack)
	}

	short := h.OnEvent(ctx, Command{EventID: "e4", Name: "merge", Args: []string{a.NoteID}})
	if short.Status != StatusError {
		t.Errorf("single-input merge acked %+v", short)
	}
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct{ content, want string }{
		{"# Heading\nbody", "Heading"},
		{"\n\n  plain first line\nmore", "plain first line"},
		{strings.Repeat("x", 200), strings.Repeat("x", titleMaxRunes)},
	}
	for _, tc := range cases {
		if got := deriveTitle(tc.content, time.Time{}); got != tc.want {
			t.Errorf("deriveTitle(%.20q)=%q, want %q", tc.content, got, tc.want)
		}
	}
	fallback := deriveTitle("", time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC))
	if fallback != "Note 2026-08-24 12:30" {
		t.Errorf("fallback title %q", fallback)
	}
}

func TestAckErrorMapping(t *testing.T) {
	h, _ := newTestHandler(t)
	cases := []struct {
		err    error
		status string
	}{
		{&types.PrivacyError{RuleID: "email"}, StatusBlocked},
		{types.ErrBackpressure, StatusBusy},
		{types.ErrQuotaDenied, StatusError},
		{types.NewValidationError("title", "empty"), StatusError},
	}
	for _, tc := range cases {
		ack := h.ackError("evt", tc.err)
		if ack.Status != tc.status {
			t.Errorf("%v: status %s, want %s", tc.err, ack.Status, tc.status)
		}
	}
}
