package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Components must not swallow errors they cannot
// convert to one of these families; unknown errors are wrapped as
// StoreError{Corrupt} when they render state untrusted, else as a
// Transient of the appropriate family.

// ValidationError rejects input at the security or knowledge layer.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a named field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// QueueError reports a queue invariant violation. Fatal to the calling
// operation, recoverable to the system.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string { return fmt.Sprintf("queue %s: %v", e.Op, e.Err) }
func (e *QueueError) Unwrap() error { return e.Err }

// ErrBackpressure is returned by enqueue when the queue is above its
// soft cap. Callers translate it into "try again later" feedback.
var ErrBackpressure = errors.New("queue above soft cap")

// StoreError wraps a relational or vector store failure. Corrupt
// errors halt the process; transient ones are retried.
type StoreError struct {
	Corrupt bool
	Err     error
}

func (e *StoreError) Error() string {
	if e.Corrupt {
		return "store (corrupt): " + e.Err.Error()
	}
	return "store (transient): " + e.Err.Error()
}
func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreTransient wraps err as a retryable store failure.
func NewStoreTransient(err error) error { return &StoreError{Err: err} }

// NewStoreCorrupt wraps err as a fatal store failure.
func NewStoreCorrupt(err error) error { return &StoreError{Corrupt: true, Err: err} }

// IsStoreCorrupt reports whether err carries a corrupt store failure.
func IsStoreCorrupt(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Corrupt
}

// GitError wraps a git operation failure. Transient covers network,
// lock contention and non-fast-forward; Permanent covers auth,
// permission and bad refs.
type GitError struct {
	Permanent bool
	Op        string
	Err       error
}

func (e *GitError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("git %s (%s): %v", e.Op, kind, e.Err)
}
func (e *GitError) Unwrap() error { return e.Err }

// IsGitTransient reports whether err is a retryable git failure.
func IsGitTransient(err error) bool {
	var ge *GitError
	return errors.As(err, &ge) && !ge.Permanent
}

// AIClass partitions provider failures for the fallback manager.
type AIClass int

const (
	AIRetryable AIClass = iota // 429, 5xx, network, timeout
	AIPermanent                // authn/authz, malformed request
	AIQuota                    // provider-reported quota exhaustion
)

// AIError wraps a provider failure with its classification.
type AIError struct {
	Class    AIClass
	Provider string
	Err      error
}

func (e *AIError) Error() string {
	var kind string
	switch e.Class {
	case AIPermanent:
		kind = "permanent"
	case AIQuota:
		kind = "quota"
	default:
		kind = "retryable"
	}
	return fmt.Sprintf("ai %s (%s): %v", e.Provider, kind, e.Err)
}
func (e *AIError) Unwrap() error { return e.Err }

// AIErrorClass returns the classification of err, defaulting unknown
// errors to retryable so transient infrastructure noise is retried.
func AIErrorClass(err error) AIClass {
	var ae *AIError
	if errors.As(err, &ae) {
		return ae.Class
	}
	return AIRetryable
}

// ErrQuotaDenied is returned when the token governor denies a paid
// call. Distinct from a provider-reported AIQuota.
var ErrQuotaDenied = errors.New("monthly token ceiling reached")

// PrivacyError reports content blocked by policy.
type PrivacyError struct {
	RuleID string
}

func (e *PrivacyError) Error() string { return "content blocked by privacy policy" }

// ConfigError is unrecoverable; the process exits with code 64.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config %s: %s", e.Key, e.Reason) }

// NewConfigError builds a ConfigError for a named key.
func NewConfigError(key, reason string) error { return &ConfigError{Key: key, Reason: reason} }

// IsConfig reports whether err is a configuration failure.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
