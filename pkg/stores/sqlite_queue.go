package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cogworks/cogworks/pkg/listener"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// SQLiteQueue implements listener.Queue on the queue_messages table of a
// SQLiteStore database.
type SQLiteQueue struct {
	db      *sql.DB
	cfg     QueueConfig
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewSQLiteQueue creates a queue over db, which must already be migrated.
func NewSQLiteQueue(db *sql.DB, cfg QueueConfig, t *telemetry.Telemetry) *SQLiteQueue {
	q := &SQLiteQueue{
		db:     db,
		cfg:    cfg.withDefaults(),
		logger: telemetry.Nop(),
		now:    time.Now,
	}
	if t != nil {
		if t.Logger != nil {
			q.logger = t.Logger.NewComponentLogger("sqlite-queue")
		}
		q.metrics = t.Metrics
	}
	return q
}

// Enqueue stores ev. An event whose dedup key is pending, or was
// acknowledged within the dedup retention, is not stored again.
func (q *SQLiteQueue) Enqueue(ctx context.Context, ev listener.Event) error {
	now := q.now()
	received := ev.ReceivedAt
	if received.IsZero() {
		received = now
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (session_key, dedup_key, kind, payload, received_at, visible_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM queue_messages
			WHERE dedup_key = ? AND dead_at IS NULL
			  AND (acked_at IS NULL OR acked_at >= ?)
		)
	`,
		int64(ev.SessionKey),
		ev.DedupKey,
		ev.Kind,
		[]byte(ev.Payload),
		millis(received),
		millis(now),
		ev.DedupKey,
		millis(now.Add(-q.cfg.DedupRetention)),
	)
	if err != nil {
		return pipeline.NewTransientError("enqueue event", err)
	}
	return nil
}

// Receive leases up to max messages, at most one per session key.
func (q *SQLiteQueue) Receive(ctx context.Context, owner string, max int, lease time.Duration) ([]listener.Delivery, error) {
	if max <= 0 {
		return nil, nil
	}
	now := millis(q.now())

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pipeline.NewTransientError("begin receive", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE queue_messages
		SET dead_at = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE acked_at IS NULL AND dead_at IS NULL
		  AND attempts >= ?
		  AND visible_at <= ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
	`, now, q.cfg.MaxDeliveries, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter messages: %w", err)
	}
	if dead, _ := res.RowsAffected(); dead > 0 {
		q.metrics.RecordDeadLettered(int(dead))
		q.logger.Warnf("Dead-lettered %d messages after %d deliveries", dead, q.cfg.MaxDeliveries)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, session_key, dedup_key, kind, payload, received_at, attempts
		FROM queue_messages q
		WHERE acked_at IS NULL AND dead_at IS NULL
		  AND visible_at <= ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
		  AND id = (
			SELECT MIN(h.id) FROM queue_messages h
			WHERE h.session_key = q.session_key AND h.acked_at IS NULL AND h.dead_at IS NULL
		  )
		ORDER BY id
		LIMIT ?
	`, now, now, max)
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
	}

	var out []listener.Delivery
	for rows.Next() {
		var (
			d        listener.Delivery
			session  int64
			payload  []byte
			received int64
		)
		if err := rows.Scan(&d.ID, &session, &d.Event.DedupKey, &d.Event.Kind, &payload, &received, &d.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		d.Event.SessionKey = pipeline.WorkItemID(session)
		d.Event.Payload = payload
		d.Event.ReceivedAt = time.UnixMilli(received).UTC()
		d.Attempts++
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	rows.Close()

	expires := now + lease.Milliseconds()
	for _, d := range out {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET attempts = attempts + 1, lease_owner = ?, lease_expires_at = ?
			WHERE id = ?
		`, owner, expires, d.ID); err != nil {
			return nil, fmt.Errorf("failed to lease message %d: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, pipeline.NewTransientError("commit receive", err)
	}
	return out, nil
}

// Ack marks a leased message done.
func (q *SQLiteQueue) Ack(ctx context.Context, id int64, owner string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET acked_at = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ? AND acked_at IS NULL AND dead_at IS NULL
	`, millis(q.now()), id, owner)
	return settled(res, err, "ack", id)
}

// Nack releases a leased message, making it receivable again after delay.
func (q *SQLiteQueue) Nack(ctx context.Context, id int64, owner string, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET lease_owner = NULL, lease_expires_at = NULL, visible_at = ?
		WHERE id = ? AND lease_owner = ? AND acked_at IS NULL AND dead_at IS NULL
	`, millis(q.now().Add(delay)), id, owner)
	return settled(res, err, "nack", id)
}

func settled(res sql.Result, err error, op string, id int64) error {
	if err != nil {
		return fmt.Errorf("failed to %s message %d: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s message %d: %w", op, id, ErrLeaseLost)
	}
	return nil
}

// Depth counts messages by state.
func (q *SQLiteQueue) Depth(ctx context.Context) (QueueDepth, error) {
	now := millis(q.now())
	var d QueueDepth
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN acked_at IS NULL AND dead_at IS NULL
				AND (lease_expires_at IS NULL OR lease_expires_at <= ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN acked_at IS NULL AND dead_at IS NULL
				AND lease_expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN dead_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM queue_messages
	`, now, now).Scan(&d.Pending, &d.Leased, &d.DeadLettered)
	if err != nil {
		return QueueDepth{}, fmt.Errorf("failed to count messages: %w", err)
	}
	return d, nil
}

// DeadLetters lists dead-lettered messages, newest first.
func (q *SQLiteQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, session_key, dedup_key, kind, attempts, dead_at
		FROM queue_messages WHERE dead_at IS NOT NULL
		ORDER BY dead_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl      DeadLetter
			session int64
			deadAt  int64
		)
		if err := rows.Scan(&dl.ID, &session, &dl.DedupKey, &dl.Kind, &dl.Attempts, &deadAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.SessionKey = uint64(session)
		dl.DeadAt = time.UnixMilli(deadAt).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Prune deletes acknowledged messages older than age. Messages inside the
// dedup retention are kept whatever age is.
func (q *SQLiteQueue) Prune(ctx context.Context, age time.Duration) (int64, error) {
	if age < q.cfg.DedupRetention {
		age = q.cfg.DedupRetention
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE acked_at IS NOT NULL AND acked_at < ?`,
		millis(q.now().Add(-age)))
	if err != nil {
		return 0, fmt.Errorf("failed to prune queue: %w", err)
	}
	return res.RowsAffected()
}

var _ listener.Queue = (*SQLiteQueue)(nil)
