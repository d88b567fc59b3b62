package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("catalog: not found")

// Repository is the warehouse-side registry of query jobs and the read
// sessions served from their results.
type Repository interface {
	HealthCheck(ctx context.Context) error
	RecordQueryJob(ctx context.Context, job QueryJob) error
	RegisterSession(ctx context.Context, in RegisterSessionInput) error
	GetSession(ctx context.Context, sessionName string) (Session, error)
	ListSessionStreams(ctx context.Context, sessionName string) ([]SessionStream, error)
	ListExpiredSessions(ctx context.Context, before time.Time, limit int) ([]Session, error)
	ListLiveSessions(ctx context.Context, at time.Time, limit int) ([]Session, error)
	DeleteSession(ctx context.Context, sessionName string) (bool, error)
}

type JobState string

const (
	JobStateDone   JobState = "done"
	JobStateFailed JobState = "failed"
)

type QueryJob struct {
	JobID         string
	Statement     string
	StatementHash string
	Destination   string
	CacheHit      bool
	State         JobState
	ErrorMessage  string
	Duration      time.Duration
	CreatedAt     time.Time
}

type Session struct {
	SessionName   string
	SessionID     string
	Project       string
	TableRef      string
	DataFormat    string
	EstimatedRows int64
	ExpireTime    time.Time
	CreatedAt     time.Time
}

type SessionStream struct {
	SessionName string
	StreamIndex int
	ObjectKey   string
	RowCount    int64
	SizeBytes   int64
}

type RegisterSessionInput struct {
	Session Session
	Streams []SessionStream
}
