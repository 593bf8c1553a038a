package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/cogworks/cogworks/pkg/listener"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresConfig configures the Postgres connection pool.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPostgresConfig returns pool defaults for url.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Validate checks the pool settings.
func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("database url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("max idle conns must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must be <= max open conns")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("connection lifetimes must be >= 0")
	}
	return nil
}

// OpenPostgres opens and pings a pgx-backed database/sql pool.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}

// PostgresQueue implements listener.Queue on Postgres. Several consumers
// may share it; leasing uses row locks with SKIP LOCKED.
type PostgresQueue struct {
	db      *sql.DB
	cfg     QueueConfig
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewPostgresQueue creates a queue over db.
func NewPostgresQueue(db *sql.DB, cfg QueueConfig, t *telemetry.Telemetry) *PostgresQueue {
	q := &PostgresQueue{db: db, cfg: cfg.withDefaults(), logger: telemetry.Nop()}
	if t != nil {
		if t.Logger != nil {
			q.logger = t.Logger.NewComponentLogger("postgres-queue")
		}
		q.metrics = t.Metrics
	}
	return q
}

// Migrate applies the embedded queue schema.
func (q *PostgresQueue) Migrate(_ context.Context) error {
	sourceDriver, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratepgx.WithInstance(q.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (q *PostgresQueue) HealthCheck(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Enqueue stores ev unless its dedup key is pending or was acknowledged
// within the dedup retention.
func (q *PostgresQueue) Enqueue(ctx context.Context, ev listener.Event) error {
	received := ev.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (session_key, dedup_key, kind, payload, received_at)
		SELECT $1, $2, $3, $4::jsonb, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM queue_messages
			WHERE dedup_key = $2 AND dead_at IS NULL
			  AND (acked_at IS NULL OR acked_at >= $6)
		)
	`, int64(ev.SessionKey), ev.DedupKey, ev.Kind, string(payload), received,
		time.Now().Add(-q.cfg.DedupRetention))
	if err != nil {
		return pipeline.NewTransientError("enqueue event", err)
	}
	return nil
}

// Receive leases up to max messages, at most one per session key.
func (q *PostgresQueue) Receive(ctx context.Context, owner string, max int, lease time.Duration) ([]listener.Delivery, error) {
	if max <= 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pipeline.NewTransientError("begin receive", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE queue_messages
		SET dead_at = now(), lease_owner = NULL, lease_expires_at = NULL
		WHERE acked_at IS NULL AND dead_at IS NULL
		  AND attempts >= $1
		  AND visible_at <= now()
		  AND (lease_expires_at IS NULL OR lease_expires_at <= now())
	`, q.cfg.MaxDeliveries)
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter messages: %w", err)
	}
	if dead, _ := res.RowsAffected(); dead > 0 {
		q.metrics.RecordDeadLettered(int(dead))
		q.logger.Warnf("Dead-lettered %d messages after %d deliveries", dead, q.cfg.MaxDeliveries)
	}

	rows, err := tx.QueryContext(ctx, `
		WITH heads AS (
			SELECT DISTINCT ON (session_key) id
			FROM queue_messages
			WHERE acked_at IS NULL AND dead_at IS NULL
			ORDER BY session_key, id
		), ready AS (
			SELECT q.id
			FROM queue_messages q
			JOIN heads h ON h.id = q.id
			WHERE q.visible_at <= now()
			  AND (q.lease_expires_at IS NULL OR q.lease_expires_at <= now())
			ORDER BY q.id
			LIMIT $1
			FOR UPDATE OF q SKIP LOCKED
		)
		UPDATE queue_messages m
		SET attempts = m.attempts + 1,
		    lease_owner = $2,
		    lease_expires_at = now() + make_interval(secs => $3)
		FROM ready
		WHERE m.id = ready.id
		RETURNING m.id, m.session_key, m.dedup_key, m.kind, m.payload, m.received_at, m.attempts
	`, max, owner, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to lease messages: %w", err)
	}
	defer rows.Close()

	var out []listener.Delivery
	for rows.Next() {
		var (
			d       listener.Delivery
			session int64
			payload []byte
		)
		if err := rows.Scan(&d.ID, &session, &d.Event.DedupKey, &d.Event.Kind, &payload, &d.Event.ReceivedAt, &d.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		d.Event.SessionKey = pipeline.WorkItemID(session)
		d.Event.Payload = payload
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, pipeline.NewTransientError("commit receive", err)
	}

	// RETURNING does not preserve the CTE order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ack marks a leased message done.
func (q *PostgresQueue) Ack(ctx context.Context, id int64, owner string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET acked_at = now(), lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2 AND acked_at IS NULL AND dead_at IS NULL
	`, id, owner)
	return settled(res, err, "ack", id)
}

// Nack releases a leased message, making it receivable again after delay.
func (q *PostgresQueue) Nack(ctx context.Context, id int64, owner string, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET lease_owner = NULL, lease_expires_at = NULL,
		    visible_at = now() + make_interval(secs => $3)
		WHERE id = $1 AND lease_owner = $2 AND acked_at IS NULL AND dead_at IS NULL
	`, id, owner, delay.Seconds())
	return settled(res, err, "nack", id)
}

// Depth counts messages by state.
func (q *PostgresQueue) Depth(ctx context.Context) (QueueDepth, error) {
	var d QueueDepth
	err := q.db.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE acked_at IS NULL AND dead_at IS NULL
				AND (lease_expires_at IS NULL OR lease_expires_at <= now())),
			count(*) FILTER (WHERE acked_at IS NULL AND dead_at IS NULL
				AND lease_expires_at > now()),
			count(*) FILTER (WHERE dead_at IS NOT NULL)
		FROM queue_messages
	`).Scan(&d.Pending, &d.Leased, &d.DeadLettered)
	if err != nil {
		return QueueDepth{}, fmt.Errorf("failed to count messages: %w", err)
	}
	return d, nil
}

var _ listener.Queue = (*PostgresQueue)(nil)
