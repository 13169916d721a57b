package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainwatch/metrics"

	"go.uber.org/zap"
)

// Archive statuses.
const (
	StatusPending   = "pending"
	StatusReplayed  = "replayed"
	StatusDiscarded = "discarded"
)

// ErrArchivedNotFound is returned by Get for an unknown id.
var ErrArchivedNotFound = errors.New("dead letter record not found")

const archiveSchema = `
CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	original_topic TEXT NOT NULL,
	original_partition INTEGER NOT NULL,
	original_offset INTEGER NOT NULL,
	message_key BLOB,
	payload BLOB NOT NULL,
	reason TEXT NOT NULL,
	error_details TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	failed_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dlq_failed_at ON dead_letter_queue(failed_at);
CREATE INDEX IF NOT EXISTS idx_dlq_status ON dead_letter_queue(status);
CREATE INDEX IF NOT EXISTS idx_dlq_reason ON dead_letter_queue(reason);
`

// ArchivedMessage is one stored dead letter envelope.
type ArchivedMessage struct {
	ID        int64     `json:"id"`
	Envelope  Envelope  `json:"envelope"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ArchiveFilter narrows List. Zero values match everything.
type ArchiveFilter struct {
	Status string
	Reason string
	Limit  int
	Offset int
}

// SQLiteArchive keeps dead letter envelopes for offline inspection and
// replay.
type SQLiteArchive struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewSQLiteArchive creates the table if needed.
func NewSQLiteArchive(db *sql.DB, logger *zap.SugaredLogger) (*SQLiteArchive, error) {
	if _, err := db.Exec(archiveSchema); err != nil {
		return nil, fmt.Errorf("failed to create dead letter table: %w", err)
	}
	return &SQLiteArchive{db: db, logger: logger, now: time.Now}, nil
}

// Add stores an envelope and returns its id.
func (a *SQLiteArchive) Add(ctx context.Context, env Envelope) (int64, error) {
	res, err := a.db.ExecContext(ctx, `
		INSERT INTO dead_letter_queue
		(original_topic, original_partition, original_offset, message_key, payload,
		 reason, error_details, attempts, status, failed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.OriginalTopic,
		env.OriginalPartition,
		env.OriginalOffset,
		env.Key,
		env.Value,
		env.Reason,
		env.Error,
		env.Attempts,
		StatusPending,
		env.FailedAt.UnixMilli(),
		a.now().UnixMilli(),
	)
	if err != nil {
		metrics.DeadLetterInsertFailures.Inc()
		a.logger.Errorw("Failed to archive dead letter", "reason", env.Reason, "offset", env.OriginalOffset, "error", err)
		return 0, fmt.Errorf("failed to archive dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read archived id: %w", err)
	}
	a.logger.Debugw("Dead letter archived", "id", id, "reason", env.Reason)
	return id, nil
}

const archiveColumns = `id, original_topic, original_partition, original_offset, message_key, payload,
	reason, COALESCE(error_details, ''), attempts, status, failed_at, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArchived(row rowScanner) (*ArchivedMessage, error) {
	var (
		m                   ArchivedMessage
		failedAt, createdAt int64
	)
	err := row.Scan(
		&m.ID,
		&m.Envelope.OriginalTopic,
		&m.Envelope.OriginalPartition,
		&m.Envelope.OriginalOffset,
		&m.Envelope.Key,
		&m.Envelope.Value,
		&m.Envelope.Reason,
		&m.Envelope.Error,
		&m.Envelope.Attempts,
		&m.Status,
		&failedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	m.Envelope.FailedAt = time.UnixMilli(failedAt).UTC()
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &m, nil
}

// Get returns one record.
func (a *SQLiteArchive) Get(ctx context.Context, id int64) (*ArchivedMessage, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM dead_letter_queue WHERE id = ?`, id)
	m, err := scanArchived(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id=%d", ErrArchivedNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return m, nil
}

// List returns matching records newest first and the total match count.
func (a *SQLiteArchive) List(ctx context.Context, f ArchiveFilter) ([]*ArchivedMessage, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, f.Reason)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letter_queue "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count dead letters: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + archiveColumns + ` FROM dead_letter_queue ` + clause + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	rows, err := a.db.QueryContext(ctx, query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	out := []*ArchivedMessage{}
	for rows.Next() {
		m, err := scanArchived(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return out, total, nil
}

// UpdateStatus sets a record's status.
func (a *SQLiteArchive) UpdateStatus(ctx context.Context, id int64, status string) error {
	switch status {
	case StatusPending, StatusReplayed, StatusDiscarded:
	default:
		return fmt.Errorf("unknown dead letter status %q", status)
	}
	res, err := a.db.ExecContext(ctx, `UPDATE dead_letter_queue SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update dead letter status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id=%d", ErrArchivedNotFound, id)
	}
	return nil
}

// MarkReplayed records that a message was re-published to its source topic.
func (a *SQLiteArchive) MarkReplayed(ctx context.Context, id int64) error {
	return a.UpdateStatus(ctx, id, StatusReplayed)
}

// ArchivingPublisher publishes to the dead letter topic, then archives the
// envelope. Archive failures are logged and never fail the publish.
type ArchivingPublisher struct {
	next    DLQPublisher
	archive *SQLiteArchive
	logger  *zap.SugaredLogger
}

// NewArchivingPublisher wraps next.
func NewArchivingPublisher(next DLQPublisher, archive *SQLiteArchive, logger *zap.SugaredLogger) *ArchivingPublisher {
	return &ArchivingPublisher{next: next, archive: archive, logger: logger}
}

// Publish implements DLQPublisher.
func (p *ArchivingPublisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	if err := p.next.Publish(ctx, topic, key, value, headers); err != nil {
		return err
	}

	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		p.logger.Warnw("Dead letter value is not an envelope, not archiving", "topic", topic, "error", err)
		return nil
	}
	if _, err := p.archive.Add(ctx, env); err != nil {
		p.logger.Warnw("Dead letter published but not archived", "topic", topic, "error", err)
	}
	return nil
}
