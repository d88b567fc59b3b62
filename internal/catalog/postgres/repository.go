package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parex/parex/internal/catalog"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) RecordQueryJob(ctx context.Context, job catalog.QueryJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	state := job.State
	if state == "" {
		state = catalog.JobStateDone
	}

	query := `
INSERT INTO query_job (job_id, statement, statement_hash, destination, cache_hit, state, error_message, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.ExecContext(ctx, query,
		job.JobID,
		job.Statement,
		job.StatementHash,
		job.Destination,
		job.CacheHit,
		string(state),
		job.ErrorMessage,
		job.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("record query job: %w", err)
	}
	return nil
}

// RegisterSession stores a session and its streams in one transaction.
func (r *Repository) RegisterSession(ctx context.Context, in catalog.RegisterSessionInput) error {
	if in.Session.SessionName == "" {
		return fmt.Errorf("session name is required")
	}
	if in.Session.ExpireTime.IsZero() {
		return fmt.Errorf("session expire time is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	s := in.Session
	if _, err := tx.ExecContext(ctx, `
INSERT INTO read_session (session_name, session_id, project, table_ref, data_format, estimated_rows, expire_time)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.SessionName, s.SessionID, s.Project, s.TableRef, s.DataFormat, s.EstimatedRows, s.ExpireTime.UTC(),
	); err != nil {
		return fmt.Errorf("insert read session: %w", err)
	}

	for _, stream := range in.Streams {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO read_stream (session_name, stream_index, object_key, row_count, size_bytes)
VALUES ($1, $2, $3, $4, $5)`,
			s.SessionName, stream.StreamIndex, stream.ObjectKey, stream.RowCount, stream.SizeBytes,
		); err != nil {
			return fmt.Errorf("insert read stream %d: %w", stream.StreamIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit register session tx: %w", err)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, sessionName string) (catalog.Session, error) {
	query := `
SELECT session_name, session_id, project, table_ref, data_format, estimated_rows, expire_time, created_at
FROM read_session
WHERE session_name = $1`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, sessionName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Session{}, catalog.ErrNotFound
		}
		return catalog.Session{}, fmt.Errorf("get read session: %w", err)
	}
	return session, nil
}

func (r *Repository) ListSessionStreams(ctx context.Context, sessionName string) ([]catalog.SessionStream, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT session_name, stream_index, object_key, row_count, size_bytes
FROM read_stream
WHERE session_name = $1
ORDER BY stream_index ASC`, sessionName)
	if err != nil {
		return nil, fmt.Errorf("list read streams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	streams := make([]catalog.SessionStream, 0)
	for rows.Next() {
		var stream catalog.SessionStream
		if err := rows.Scan(&stream.SessionName, &stream.StreamIndex, &stream.ObjectKey, &stream.RowCount, &stream.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan read stream row: %w", err)
		}
		streams = append(streams, stream)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate read stream rows: %w", err)
	}
	return streams, nil
}

func (r *Repository) ListExpiredSessions(ctx context.Context, before time.Time, limit int) ([]catalog.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listSessions(ctx, `
SELECT session_name, session_id, project, table_ref, data_format, estimated_rows, expire_time, created_at
FROM read_session
WHERE expire_time <= $1
ORDER BY expire_time ASC
LIMIT $2`, before.UTC(), limit)
}

func (r *Repository) ListLiveSessions(ctx context.Context, at time.Time, limit int) ([]catalog.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listSessions(ctx, `
SELECT session_name, session_id, project, table_ref, data_format, estimated_rows, expire_time, created_at
FROM read_session
WHERE expire_time > $1
ORDER BY created_at DESC
LIMIT $2`, at.UTC(), limit)
}

// DeleteSession removes a session; its streams go with it through the
// foreign key cascade.
func (r *Repository) DeleteSession(ctx context.Context, sessionName string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM read_session WHERE session_name = $1`, sessionName)
	if err != nil {
		return false, fmt.Errorf("delete read session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete read session rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *Repository) listSessions(ctx context.Context, query string, args ...any) ([]catalog.Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list read sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]catalog.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan read session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate read session rows: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (catalog.Session, error) {
	var session catalog.Session
	err := row.Scan(
		&session.SessionName,
		&session.SessionID,
		&session.Project,
		&session.TableRef,
		&session.DataFormat,
		&session.EstimatedRows,
		&session.ExpireTime,
		&session.CreatedAt,
	)
	return session, err
}

var _ catalog.Repository = (*Repository)(nil)
