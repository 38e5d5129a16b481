package notifystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS notification_records (
    id            TEXT PRIMARY KEY,
    event_id      TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    recipient_id  TEXT NOT NULL,
    channel       TEXT NOT NULL,
    status        TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    next_retry_at INTEGER,
    last_error    TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    version       INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_notification_records_dedup
    ON notification_records (event_id, recipient_id, channel);

CREATE INDEX IF NOT EXISTS idx_notification_records_terminal
    ON notification_records (status, updated_at);
`

const selectColumns = `id, event_id, event_type, recipient_id, channel, status,
    attempts, next_retry_at, last_error, created_at, updated_at, version`

// SQLiteStore persists notification records so that retries and dedup
// survive restarts of the notifier.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	memory := dsn == ":memory:"
	if !memory && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, rec *domain.NotificationRecord) (*domain.NotificationRecord, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_records
		    (id, event_id, event_type, recipient_id, channel, status, attempts,
		     next_retry_at, last_error, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, recipient_id, channel) DO NOTHING`,
		rec.ID, rec.EventID, string(rec.EventType), rec.RecipientID, string(rec.Channel),
		string(rec.Status), rec.Attempts, nullableTime(rec.NextRetryAt), rec.LastError,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), rec.Version,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert record: %w", err)
	}
	if n == 1 {
		return rec.Clone(), true, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+`
		FROM notification_records
		WHERE event_id = ? AND recipient_id = ? AND channel = ?`,
		rec.EventID, rec.RecipientID, string(rec.Channel))
	existing, err := scanRecord(row)
	if err != nil {
		return nil, false, fmt.Errorf("load existing record: %w", err)
	}
	return existing, false, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+`
		FROM notification_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec *domain.NotificationRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_records
		SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?,
		    updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(rec.Status), rec.Attempts, nullableTime(rec.NextRetryAt), rec.LastError,
		rec.UpdatedAt.UnixNano(), rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM notification_records WHERE id = ?`, rec.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		return domain.ErrConflict
	}

	rec.Version++
	return nil
}

func (s *SQLiteStore) ListByEvent(ctx context.Context, eventID string) ([]*domain.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+`
		FROM notification_records
		WHERE event_id = ?
		ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.NotificationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_records
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(domain.StatusSent), string(domain.StatusDeadLettered), cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal records: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.NotificationRecord, error) {
	var (
		rec                  domain.NotificationRecord
		eventType, channel   string
		status               string
		nextRetry            sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &rec.EventID, &eventType, &rec.RecipientID, &channel, &status,
		&rec.Attempts, &nextRetry, &rec.LastError, &createdAt, &updatedAt, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}

	rec.EventType = domain.EventType(eventType)
	rec.Channel = domain.Channel(channel)
	rec.Status = domain.NotificationStatus(status)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if nextRetry.Valid {
		rec.NextRetryAt = time.Unix(0, nextRetry.Int64).UTC()
	}
	return &rec, nil
}

func nullableTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
