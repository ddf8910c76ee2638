// Package queue implements the durable outbound work queue on top of
// the shared SQLite database. Delivery is at-least-once: producers
// enqueue with idempotency keys, workers lease items under a token and
// either complete or fail them. Items that exhaust their retries move
// to a dead-letter table with the payload preserved.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkporter/inkporter/internal/types"
)

const (
	// DefaultMaxAttempts is the retry ceiling before dead-lettering.
	DefaultMaxAttempts = 5
	// DefaultSoftCap is the pending+leased depth above which Enqueue
	// refuses with ErrBackpressure.
	DefaultSoftCap = 10000

	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// timeFmt is fixed-width RFC 3339 so the TEXT columns compare
// correctly in SQL; variable-width fractional seconds would not.
// All stored times are UTC.
const timeFmt = "2006-01-02T15:04:05.000000000Z07:00"

// Queue is the sole writer of the queue tables.
type Queue struct {
	db          *sql.DB
	maxAttempts int
	softCap     int
	now         func() time.Time

	// wake is signalled on every enqueue so the batch processor can
	// sleep until work arrives instead of polling tightly.
	wake chan struct{}
}

// Options tune queue behavior; zero values select the defaults.
type Options struct {
	MaxAttempts int
	SoftCap     int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// New builds a queue over the shared database and recovers any leases
// left over from a previous process.
func New(db *sql.DB, opts Options) (*Queue, error) {
	q := &Queue{
		db:          db,
		maxAttempts: opts.MaxAttempts,
		softCap:     opts.SoftCap,
		now:         opts.Now,
		wake:        make(chan struct{}, 1),
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.softCap <= 0 {
		q.softCap = DefaultSoftCap
	}
	if q.now == nil {
		q.now = time.Now
	}
	if err := q.recover(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

// recover returns items leased by a dead process to pending. Crash
// recovery must not count as a delivery attempt: the work may never
// have started.
func (q *Queue) recover(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending', lease_token = '', lease_expires_at = NULL
		WHERE status = 'leased'`)
	if err != nil {
		return &types.QueueError{Op: "recover", Err: err}
	}
	return nil
}

// Wake returns the channel signalled on enqueue.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Depth counts items still owed delivery (pending or leased).
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items WHERE status IN ('pending', 'leased')`).Scan(&n)
	if err != nil {
		return 0, &types.QueueError{Op: "depth", Err: err}
	}
	return n, nil
}

// Enqueue appends a work item. A non-empty idempotency key that
// matches an existing non-terminal item returns that item's seq
// without inserting. Above the soft cap it returns ErrBackpressure.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, priority int, idempotencyKey string) (int64, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return 0, err
	}
	if depth >= q.softCap {
		return 0, types.ErrBackpressure
	}

	now := q.now().UTC()
	var key any
	if idempotencyKey != "" {
		key = idempotencyKey
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_items (enqueued_at, visible_at, priority, attempts, status, idempotency_key, payload)
		VALUES (?, ?, ?, 0, 'pending', ?, ?)`,
		now.Format(timeFmt), now.Format(timeFmt), priority, key, payload)
	if err != nil {
		if idempotencyKey != "" && strings.Contains(err.Error(), "UNIQUE") {
			var seq int64
			qerr := q.db.QueryRowContext(ctx, `
				SELECT seq FROM queue_items
				WHERE idempotency_key = ? AND status IN ('pending', 'leased')`,
				idempotencyKey).Scan(&seq)
			if qerr == nil {
				return seq, nil
			}
			err = errors.Join(err, qerr)
		}
		return 0, &types.QueueError{Op: "enqueue", Err: err}
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, &types.QueueError{Op: "enqueue", Err: err}
	}
	q.signal()
	return seq, nil
}

// Lease claims up to n visible pending items for leaseDur, highest
// priority first, then enqueue order. Items carry a fresh lease token
// that Complete and Fail must present.
func (q *Queue) Lease(ctx context.Context, n int, leaseDur time.Duration) ([]*types.QueueItem, error) {
	if n <= 0 {
		return nil, nil
	}
	now := q.now().UTC()
	token := uuid.NewString()
	expires := now.Add(leaseDur)

	// Claim-then-read under one token. The UPDATE picks rows via a
	// subquery so the ordering applies before the claim. Attempts count
	// failed deliveries and are charged by Fail and the lease reaper.
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'leased', lease_token = ?, lease_expires_at = ?
		WHERE seq IN (
			SELECT seq FROM queue_items
			WHERE status = 'pending' AND visible_at <= ?
			ORDER BY priority DESC, seq ASC
			LIMIT ?
		)`, token, expires.Format(timeFmt), now.Format(timeFmt), n)
	if err != nil {
		return nil, &types.QueueError{Op: "lease", Err: err}
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, enqueued_at, visible_at, priority, attempts, status,
			COALESCE(idempotency_key, ''), payload, COALESCE(last_error, ''), lease_token, lease_expires_at
		FROM queue_items WHERE lease_token = ?
		ORDER BY priority DESC, seq ASC`, token)
	if err != nil {
		return nil, &types.QueueError{Op: "lease", Err: err}
	}
	defer rows.Close()

	var out []*types.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.QueueError{Op: "lease", Err: err}
	}
	return out, nil
}

func scanItem(rows *sql.Rows) (*types.QueueItem, error) {
	var (
		it                    types.QueueItem
		enqueuedAt, visibleAt string
		status                string
		leaseExpires          sql.NullString
	)
	err := rows.Scan(&it.Seq, &enqueuedAt, &visibleAt, &it.Priority, &it.Attempts,
		&status, &it.IdempotencyKey, &it.Payload, &it.LastError, &it.LeaseToken, &leaseExpires)
	if err != nil {
		return nil, &types.QueueError{Op: "scan", Err: err}
	}
	it.Status = types.QueueStatus(status)
	if it.EnqueuedAt, err = time.Parse(timeFmt, enqueuedAt); err != nil {
		return nil, &types.QueueError{Op: "scan", Err: err}
	}
	if it.VisibleAt, err = time.Parse(timeFmt, visibleAt); err != nil {
		return nil, &types.QueueError{Op: "scan", Err: err}
	}
	if leaseExpires.Valid && leaseExpires.String != "" {
		t, err := time.Parse(timeFmt, leaseExpires.String)
		if err != nil {
			return nil, &types.QueueError{Op: "scan", Err: err}
		}
		it.LeaseExpiresAt = &t
	}
	return &it, nil
}

// Complete acknowledges a delivered item. The row stays as 'done' so
// delivery history survives; the idempotency index only spans live
// statuses, so the key frees up for reuse. A stale or repeated call is
// a no-op so ack-after-crash replays stay safe.
func (q *Queue) Complete(ctx context.Context, seq int64, leaseToken string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'done', lease_token = '', lease_expires_at = NULL
		WHERE seq = ? AND lease_token = ? AND status = 'leased'`,
		seq, leaseToken)
	if err != nil {
		return &types.QueueError{Op: "complete", Err: err}
	}
	return nil
}

// CompletedCount reports how many items have been delivered to done.
func (q *Queue) CompletedCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items WHERE status = 'done'`).Scan(&n)
	if err != nil {
		return 0, &types.QueueError{Op: "completed", Err: err}
	}
	return n, nil
}

// Fail records a delivery failure. The item returns to pending with
// exponential backoff until it has failed maxAttempts times; the
// failure after that moves it to the dead-letter table. A stale token
// is a no-op.
func (q *Queue) Fail(ctx context.Context, seq int64, leaseToken, cause string) error {
	var attempts, priority int
	var payload []byte
	err := q.db.QueryRowContext(ctx, `
		SELECT attempts, priority, payload FROM queue_items
		WHERE seq = ? AND lease_token = ? AND status = 'leased'`,
		seq, leaseToken).Scan(&attempts, &priority, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return &types.QueueError{Op: "fail", Err: err}
	}

	now := q.now().UTC()
	attempts++
	if attempts > q.maxAttempts {
		return q.deadLetter(ctx, seq, now, cause, attempts, priority, payload)
	}

	visible := now.Add(Backoff(attempts))
	_, err = q.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending', attempts = ?, visible_at = ?, last_error = ?,
			lease_token = '', lease_expires_at = NULL
		WHERE seq = ?`,
		attempts, visible.Format(timeFmt), cause, seq)
	if err != nil {
		return &types.QueueError{Op: "fail", Err: err}
	}
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, seq int64, now time.Time, cause string, attempts, priority int, payload []byte) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.QueueError{Op: "dead-letter", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_dead (seq, moved_at, final_error, attempts, priority, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		seq, now.Format(timeFmt), cause, attempts, priority, payload)
	if err != nil {
		return &types.QueueError{Op: "dead-letter", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE seq = ?`, seq); err != nil {
		return &types.QueueError{Op: "dead-letter", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &types.QueueError{Op: "dead-letter", Err: err}
	}
	return nil
}

// ReapExpiredLeases returns items whose lease expired to pending.
// Each expiry is counted as one failed attempt exactly once: the
// reaped_expiry column remembers which expiry was already charged, so
// overlapping reapers cannot double-count. Items at the ceiling are
// dead-lettered once past the ceiling. Returns the number of items
// touched.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (int, error) {
	now := q.now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending',
			attempts = attempts + CASE WHEN reaped_expiry = lease_expires_at THEN 0 ELSE 1 END,
			reaped_expiry = lease_expires_at,
			last_error = 'lease expired',
			lease_token = '', lease_expires_at = NULL
		WHERE status = 'leased' AND lease_expires_at <= ?`,
		now.Format(timeFmt))
	if err != nil {
		return 0, &types.QueueError{Op: "reap", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}

	// Reaped items past the ceiling go straight to the dead letters.
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, attempts, priority, payload FROM queue_items
		WHERE status = 'pending' AND attempts > ?`, q.maxAttempts)
	if err != nil {
		return int(n), &types.QueueError{Op: "reap", Err: err}
	}
	type doomed struct {
		seq      int64
		attempts int
		priority int
		payload  []byte
	}
	var dead []doomed
	for rows.Next() {
		var d doomed
		if err := rows.Scan(&d.seq, &d.attempts, &d.priority, &d.payload); err != nil {
			_ = rows.Close()
			return int(n), &types.QueueError{Op: "reap", Err: err}
		}
		dead = append(dead, d)
	}
	_ = rows.Close()
	for _, d := range dead {
		if err := q.deadLetter(ctx, d.seq, now, "lease expired", d.attempts, d.priority, d.payload); err != nil {
			return int(n), err
		}
	}
	if n > 0 {
		q.signal()
	}
	return int(n), nil
}

// DeadItems lists the dead-letter archive, oldest first.
func (q *Queue) DeadItems(ctx context.Context, limit int) ([]*types.DeadItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, moved_at, final_error, attempts, priority, payload
		FROM queue_dead ORDER BY moved_at ASC, seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, &types.QueueError{Op: "dead-list", Err: err}
	}
	defer rows.Close()

	var out []*types.DeadItem
	for rows.Next() {
		var (
			d       types.DeadItem
			movedAt string
		)
		if err := rows.Scan(&d.Seq, &movedAt, &d.FinalError, &d.Attempts, &d.Priority, &d.Payload); err != nil {
			return nil, &types.QueueError{Op: "dead-list", Err: err}
		}
		if d.MovedAt, err = time.Parse(timeFmt, movedAt); err != nil {
			return nil, &types.QueueError{Op: "dead-list", Err: err}
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.QueueError{Op: "dead-list", Err: err}
	}
	return out, nil
}

// ReplayDead moves a dead-letter item back into the live queue with a
// fresh attempt budget. Returns the new seq.
func (q *Queue) ReplayDead(ctx context.Context, deadSeq int64) (int64, error) {
	var priority int
	var payload []byte
	err := q.db.QueryRowContext(ctx, `
		SELECT priority, payload FROM queue_dead WHERE seq = ?`, deadSeq).Scan(&priority, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &types.QueueError{Op: "replay", Err: fmt.Errorf("dead item %d not found", deadSeq)}
	}
	if err != nil {
		return 0, &types.QueueError{Op: "replay", Err: err}
	}

	now := q.now().UTC()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &types.QueueError{Op: "replay", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO queue_items (enqueued_at, visible_at, priority, attempts, status, payload)
		VALUES (?, ?, ?, 0, 'pending', ?)`,
		now.Format(timeFmt), now.Format(timeFmt), priority, payload)
	if err != nil {
		return 0, &types.QueueError{Op: "replay", Err: err}
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, &types.QueueError{Op: "replay", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_dead WHERE seq = ?`, deadSeq); err != nil {
		return 0, &types.QueueError{Op: "replay", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &types.QueueError{Op: "replay", Err: err}
	}
	q.signal()
	return seq, nil
}

// Backoff computes the retry delay after the given number of attempts:
// 1s doubling per attempt, jittered by +/-50%, capped at 60s.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase << (attempts - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 0.5 + rand.Float64() // 0.5x .. 1.5x
	d = time.Duration(float64(d) * jitter)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
