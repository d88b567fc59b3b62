package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/parex/parex/internal/catalog"
)

func TestRecordQueryJob(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO query_job (job_id, statement, statement_hash, destination, cache_hit, state, error_message, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)).
		WithArgs("job-1", "SELECT 1", "abc123", "local._results.anon_abc123", true, "done", "", int64(1500)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RecordQueryJob(context.Background(), catalog.QueryJob{
		JobID:         "job-1",
		Statement:     "SELECT 1",
		StatementHash: "abc123",
		Destination:   "local._results.anon_abc123",
		CacheHit:      true,
		Duration:      1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RecordQueryJob() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestRecordQueryJobRequiresID(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	if err := repo.RecordQueryJob(context.Background(), catalog.QueryJob{}); err == nil {
		t.Fatal("expected error for missing job id")
	}
	assertSQLMock(t, mock)
}

func TestRegisterSessionInsertsSessionAndStreamsInTransaction(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	expire := time.Date(2026, time.October, 17, 18, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO read_session (session_name, session_id, project, table_ref, data_format, estimated_rows, expire_time)
VALUES ($1, $2, $3, $4, $5, $6, $7)`)).
		WithArgs("projects/p/locations/local/sessions/s1", "s1", "p", "p._results.anon_1", "arrow", int64(150), expire).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for i, key := range []string{"p/sessions/s1/stream-00000.arrow", "p/sessions/s1/stream-00001.arrow"} {
		mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO read_stream (session_name, stream_index, object_key, row_count, size_bytes)
VALUES ($1, $2, $3, $4, $5)`)).
			WithArgs("projects/p/locations/local/sessions/s1", i, key, int64(75), int64(2048)).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	err := repo.RegisterSession(context.Background(), catalog.RegisterSessionInput{
		Session: catalog.Session{
			SessionName:   "projects/p/locations/local/sessions/s1",
			SessionID:     "s1",
			Project:       "p",
			TableRef:      "p._results.anon_1",
			DataFormat:    "arrow",
			EstimatedRows: 150,
			ExpireTime:    expire,
		},
		Streams: []catalog.SessionStream{
			{StreamIndex: 0, ObjectKey: "p/sessions/s1/stream-00000.arrow", RowCount: 75, SizeBytes: 2048},
			{StreamIndex: 1, ObjectKey: "p/sessions/s1/stream-00001.arrow", RowCount: 75, SizeBytes: 2048},
		},
	})
	if err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestRegisterSessionRollsBackOnStreamFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO read_session`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO read_stream`)).
		WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := repo.RegisterSession(context.Background(), catalog.RegisterSessionInput{
		Session: catalog.Session{SessionName: "s", ExpireTime: time.Now()},
		Streams: []catalog.SessionStream{{StreamIndex: 0, ObjectKey: "k"}},
	})
	if err == nil {
		t.Fatal("expected error when stream insert fails")
	}
	assertSQLMock(t, mock)
}

func TestGetSessionReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT session_name, session_id, project, table_ref, data_format, estimated_rows, expire_time, created_at
FROM read_session
WHERE session_name = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSession(context.Background(), "missing")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("GetSession() error = %v, want ErrNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestGetSession(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	expire := time.Date(2026, time.October, 17, 18, 0, 0, 0, time.UTC)
	created := expire.Add(-6 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM read_session
WHERE session_name = $1`)).
		WithArgs("projects/p/locations/local/sessions/s1").
		WillReturnRows(sessionRows().AddRow("projects/p/locations/local/sessions/s1", "s1", "p", "p._results.anon_1", "parquet", int64(10), expire, created))

	session, err := repo.GetSession(context.Background(), "projects/p/locations/local/sessions/s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.SessionID != "s1" || session.DataFormat != "parquet" || !session.ExpireTime.Equal(expire) {
		t.Fatalf("GetSession() = %+v", session)
	}
	assertSQLMock(t, mock)
}

func TestListSessionStreams(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT session_name, stream_index, object_key, row_count, size_bytes
FROM read_stream
WHERE session_name = $1
ORDER BY stream_index ASC`)).
		WithArgs("s").
		WillReturnRows(sqlmock.NewRows([]string{"session_name", "stream_index", "object_key", "row_count", "size_bytes"}).
			AddRow("s", 0, "k0", int64(5), int64(100)).
			AddRow("s", 1, "k1", int64(0), int64(0)))

	streams, err := repo.ListSessionStreams(context.Background(), "s")
	if err != nil {
		t.Fatalf("ListSessionStreams() error = %v", err)
	}
	if len(streams) != 2 || streams[1].ObjectKey != "k1" || streams[0].SizeBytes != 100 {
		t.Fatalf("ListSessionStreams() = %+v", streams)
	}
	assertSQLMock(t, mock)
}

func TestListExpiredSessionsDefaultsLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE expire_time <= $1
ORDER BY expire_time ASC
LIMIT $2`)).
		WithArgs(now, 100).
		WillReturnRows(sessionRows().AddRow("s-old", "old", "p", "p._results.a", "arrow", int64(1), now.Add(-time.Hour), now.Add(-7*time.Hour)))

	sessions, err := repo.ListExpiredSessions(context.Background(), now, 0)
	if err != nil {
		t.Fatalf("ListExpiredSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionName != "s-old" {
		t.Fatalf("ListExpiredSessions() = %+v", sessions)
	}
	assertSQLMock(t, mock)
}

func TestListLiveSessions(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE expire_time > $1
ORDER BY created_at DESC
LIMIT $2`)).
		WithArgs(now, 5).
		WillReturnRows(sessionRows())

	sessions, err := repo.ListLiveSessions(context.Background(), now, 5)
	if err != nil {
		t.Fatalf("ListLiveSessions() error = %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("ListLiveSessions() = %+v", sessions)
	}
	assertSQLMock(t, mock)
}

func TestDeleteSessionReportsWhetherRowExisted(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM read_session WHERE session_name = $1`)).
		WithArgs("s").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM read_session WHERE session_name = $1`)).
		WithArgs("s").
		WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := repo.DeleteSession(context.Background(), "s")
	if err != nil || !deleted {
		t.Fatalf("DeleteSession() = %v, %v", deleted, err)
	}
	deleted, err = repo.DeleteSession(context.Background(), "s")
	if err != nil || deleted {
		t.Fatalf("second DeleteSession() = %v, %v", deleted, err)
	}
	assertSQLMock(t, mock)
}

func sessionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"session_name", "session_id", "project", "table_ref", "data_format", "estimated_rows", "expire_time", "created_at"})
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
