// Package types defines the shared data model for the note pipeline.
package types

import (
	"time"
)

// SourceType classifies how a note entered the system.
type SourceType string

const (
	SourceFleeting  SourceType = "fleeting"
	SourceVoice     SourceType = "voice"
	SourceManual    SourceType = "manual"
	SourceMerged    SourceType = "merged"
	SourcePermanent SourceType = "permanent"
)

// ValidSourceType reports whether s is a known source type.
func ValidSourceType(s SourceType) bool {
	switch s {
	case SourceFleeting, SourceVoice, SourceManual, SourceMerged, SourcePermanent:
		return true
	}
	return false
}

// Note is the atomic unit of knowledge: a markdown body plus metadata.
// The knowledge manager is the sole writer; search and sync hold
// read-only views.
type Note struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	Tags       []string   `json:"tags,omitempty"`
	SourceType SourceType `json:"source_type"`
	OriginRef  string     `json:"origin_ref,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	ChannelID  string     `json:"channel_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// VectorSyncedAt is the time of the last successful vector upsert.
	// When VectorSyncedAt >= UpdatedAt the vector store holds the
	// current body.
	VectorSyncedAt *time.Time `json:"vector_synced_at,omitempty"`

	// DeletedAt marks a tombstone. Tombstoned notes are excluded from
	// search and from reconciliation upserts.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Tombstoned reports whether the note has been deleted.
func (n *Note) Tombstoned() bool { return n.DeletedAt != nil }

// LinkKind is the type of a directed note-to-note edge.
type LinkKind string

const (
	LinkReference  LinkKind = "reference"
	LinkMergedFrom LinkKind = "merged_from"
)

// Link is a directed edge between notes. ToID is empty while the edge
// is pending: the target title has no matching note yet. Pending edges
// resolve automatically when a note with a matching title is created.
type Link struct {
	FromID      string   `json:"from_note_id"`
	ToID        string   `json:"to_note_id,omitempty"`
	TargetTitle string   `json:"target_title"`
	Kind        LinkKind `json:"kind"`
	CreatedAt   time.Time
}

// Pending reports whether the link target is unresolved.
func (l *Link) Pending() bool { return l.ToID == "" }

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	StatusPending QueueStatus = "pending"
	StatusLeased  QueueStatus = "leased"
	StatusDone    QueueStatus = "done"
	StatusFailed  QueueStatus = "failed"
)

// QueueItem is a durable unit of outbound work. The persistent queue
// is the sole writer; producers and the batch processor interact only
// through its API.
type QueueItem struct {
	Seq            int64       `json:"seq"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	VisibleAt      time.Time   `json:"visible_at"`
	Priority       int         `json:"priority"`
	Attempts       int         `json:"attempts"`
	Status         QueueStatus `json:"status"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Payload        []byte      `json:"payload"`
	LastError      string      `json:"last_error,omitempty"`
	LeaseToken     string      `json:"lease_token,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
}

// DeadItem is an archived queue item that exceeded the retry ceiling.
// The original payload is preserved verbatim for forensic replay.
type DeadItem struct {
	Seq        int64     `json:"seq"`
	MovedAt    time.Time `json:"moved_at"`
	FinalError string    `json:"final_error"`
	Attempts   int       `json:"attempts"`
	Priority   int       `json:"priority"`
	Payload    []byte    `json:"payload"`
}

// FileArtifact is the decoded payload of an outbound queue item: one
// file to be committed to the vault.
type FileArtifact struct {
	Path   string `json:"path"`
	Body   string `json:"body"`
	NoteID string `json:"note_id,omitempty"`

	// OriginRef carries the originating chat event reference through
	// the pipeline for privacy-alert deduplication.
	OriginRef string `json:"origin_ref,omitempty"`
}

// UsageRecord is one append-only row of paid AI usage.
type UsageRecord struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostMicroUSD int64     `json:"cost_micro_usd"`
	OccurredAt   time.Time `json:"occurred_at"`
	RequestKind  string    `json:"request_kind"`
	ActorID      string    `json:"actor_id,omitempty"`
}

// PrivacyLevel orders redaction strictness. Rules at or below the
// active level are applied when masking.
type PrivacyLevel int

const (
	PrivacyNone PrivacyLevel = iota
	PrivacyLow
	PrivacyMedium
	PrivacyHigh
)

// ParsePrivacyLevel maps the configuration strings to levels.
func ParsePrivacyLevel(s string) (PrivacyLevel, bool) {
	switch s {
	case "none":
		return PrivacyNone, true
	case "low":
		return PrivacyLow, true
	case "medium":
		return PrivacyMedium, true
	case "high":
		return PrivacyHigh, true
	}
	return PrivacyNone, false
}

func (l PrivacyLevel) String() string {
	switch l {
	case PrivacyLow:
		return "low"
	case PrivacyMedium:
		return "medium"
	case PrivacyHigh:
		return "high"
	default:
		return "none"
	}
}

// Masking selects how a matched span is rewritten.
type Masking string

const (
	MaskAsterisk Masking = "asterisk"
	MaskPartial  Masking = "partial"
	MaskHash     Masking = "hash"
	MaskRemove   Masking = "remove"
)

// SecurityEvent is an immutable audit row for a privacy-rule match.
// SourceRef is a non-reversible reference to the source content.
type SecurityEvent struct {
	RuleID    string       `json:"rule_id"`
	Level     PrivacyLevel `json:"privacy_level"`
	SourceRef string       `json:"source_ref"`
	OriginRef string       `json:"origin_ref,omitempty"`
	Alerted   bool         `json:"alerted"`
	CreatedAt time.Time    `json:"created_at"`
}

// VectorRecord is one entry of the derived embedding index.
type VectorRecord struct {
	NoteID      string            `json:"note_id"`
	Vector      []float32         `json:"vector"`
	ContentHash string            `json:"content_hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// GovernorMode is the operating mode selected by the token governor.
type GovernorMode string

const (
	ModeNormal   GovernorMode = "normal"
	ModeDegraded GovernorMode = "degraded"
	ModeCritical GovernorMode = "critical"
	ModeFrozen   GovernorMode = "frozen"
)

// TagSuggestion is one provider-suggested tag with its confidence.
// AutoApply is set when the confidence clears the auto-apply
// threshold.
type TagSuggestion struct {
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
	AutoApply  bool    `json:"auto_apply,omitempty"`
}
