// Package warehouse defines the contracts between the export engine and the
// analytical warehouse: query jobs, read sessions and their streams, and the
// typed rows a stream yields.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// Done is returned by RowIterator.Next once a stream is exhausted.
	Done = errors.New("no more rows in stream")

	// ErrSessionExpired marks a read session that is past its retention
	// window or has been purged. It is never retryable.
	ErrSessionExpired = errors.New("read session expired")
)

// QueryError is a failure reported by the warehouse for a submitted
// statement (syntax, permission, quota).
type QueryError struct {
	Statement string
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

type DataFormat int

const (
	FormatUnspecified DataFormat = 0
	FormatArrow       DataFormat = 1
	FormatParquet     DataFormat = 2
)

func (f DataFormat) String() string {
	switch f {
	case FormatArrow:
		return "arrow"
	case FormatParquet:
		return "parquet"
	default:
		return "unspecified"
	}
}

func ParseDataFormat(raw string) (DataFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "arrow":
		return FormatArrow, nil
	case "parquet":
		return FormatParquet, nil
	default:
		return FormatUnspecified, fmt.Errorf("unsupported data format %q", raw)
	}
}

// TableReference names a materialized query result.
type TableReference struct {
	Project string
	Dataset string
	Table   string
}

func (t TableReference) String() string {
	return t.Project + "." + t.Dataset + "." + t.Table
}

func (t TableReference) IsZero() bool {
	return t.Project == "" && t.Dataset == "" && t.Table == ""
}

type Query struct {
	Statement string
	UseCache  bool
}

type Job interface {
	ID() string
	// Wait blocks until the job completes and returns the destination table.
	Wait(ctx context.Context) (TableReference, error)
}

type QueryService interface {
	Submit(ctx context.Context, query Query) (Job, error)
}

// Stream is one partition of a read session.
type Stream struct {
	Name string
}

// ReadSession is the session descriptor handed from the construct phase to
// the consume phase. It is never mutated after creation.
type ReadSession struct {
	Name              string
	ExpireTime        time.Time
	Format            DataFormat
	Table             TableReference
	Streams           []Stream
	EstimatedRowCount int64
}

// Expired reports whether the session retention window has passed at now.
// A zero ExpireTime never expires.
func (s *ReadSession) Expired(now time.Time) bool {
	if s.ExpireTime.IsZero() {
		return false
	}
	return !now.Before(s.ExpireTime)
}

func (s *ReadSession) HasStream(name string) bool {
	for _, stream := range s.Streams {
		if stream.Name == name {
			return true
		}
	}
	return false
}

// StreamPosition is the handle a single reader owns: a stream plus the row
// offset to start from.
type StreamPosition struct {
	Stream Stream
	Offset int64
}

type CreateReadSessionRequest struct {
	Parent     string
	Table      TableReference
	MaxStreams int
	Format     DataFormat
}

type SessionService interface {
	CreateReadSession(ctx context.Context, req CreateReadSessionRequest) (*ReadSession, error)
}

type RowIterator interface {
	// Next returns the next row, or Done once the stream is drained.
	Next(ctx context.Context) (Row, error)
	Close() error
}

type StreamOpener interface {
	OpenRowIterator(ctx context.Context, session *ReadSession, position StreamPosition) (RowIterator, error)
}
