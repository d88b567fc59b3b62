// Package reader drains every stream of a read session concurrently, one
// worker per stream, each into its own sink.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parex/parex/internal/observability"
	"github.com/parex/parex/internal/sink"
	"github.com/parex/parex/internal/warehouse"
)

// StreamResult describes one fully drained stream.
type StreamResult struct {
	Index  int
	Stream string
	Path   string
	Rows   int64
	// Duration runs from worker start to drain completion; WriteDuration is
	// the part of it spent inside sink calls.
	Duration      time.Duration
	WriteDuration time.Duration
	Bytes         int64
}

type Pool struct {
	Opener warehouse.StreamOpener
	Sinks  sink.Factory
	Logger *slog.Logger
	Clock  func() time.Time
	// StreamTimeout bounds each worker's drain; zero means no deadline.
	StreamTimeout time.Duration
}

// Read launches exactly one worker per stream in session and waits for all
// of them. Results are returned in completion order and only for streams that
// drained cleanly; a failing stream is logged and left out without affecting
// its siblings. An error is returned only when the session itself is unusable,
// in which case no worker was started.
func (p *Pool) Read(ctx context.Context, session *warehouse.ReadSession) ([]StreamResult, error) {
	if p.Opener == nil {
		return nil, fmt.Errorf("stream opener is required")
	}
	if p.Sinks == nil {
		return nil, fmt.Errorf("sink factory is required")
	}
	if session == nil {
		return nil, fmt.Errorf("read session is required")
	}
	clock := p.clock()
	if session.Expired(clock()) {
		return nil, fmt.Errorf("%w: session %s expired at %s", warehouse.ErrSessionExpired, session.Name, session.ExpireTime.Format(time.RFC3339))
	}
	switch session.Format {
	case warehouse.FormatArrow, warehouse.FormatParquet:
	default:
		return nil, fmt.Errorf("session %s has unsupported data format %s", session.Name, session.Format)
	}

	results := make(chan StreamResult, len(session.Streams))
	var wg sync.WaitGroup
	for index, stream := range session.Streams {
		wg.Add(1)
		go func(index int, position warehouse.StreamPosition) {
			defer wg.Done()
			result, err := p.drain(ctx, session, index, position)
			if err != nil {
				observability.IncrementStreamFailed()
				if p.Logger != nil {
					p.Logger.ErrorContext(ctx, "stream failed",
						slog.Int("stream_index", index),
						slog.String("stream", position.Stream.Name),
						slog.Any("error", err),
					)
				}
				return
			}
			observability.ObserveStreamSucceeded(result.Rows, result.Bytes, result.Duration, result.WriteDuration)
			results <- result
		}(index, warehouse.StreamPosition{Stream: stream, Offset: 0})
	}
	wg.Wait()
	close(results)

	out := make([]StreamResult, 0, len(session.Streams))
	for result := range results {
		out = append(out, result)
	}
	return out, nil
}

func (p *Pool) drain(ctx context.Context, session *warehouse.ReadSession, index int, position warehouse.StreamPosition) (result StreamResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("stream worker panic: %v", recovered)
		}
	}()

	clock := p.clock()
	start := clock()
	if p.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.StreamTimeout)
		defer cancel()
	}

	rows, err := p.Opener.OpenRowIterator(ctx, session, position)
	if err != nil {
		return StreamResult{}, fmt.Errorf("open stream %s: %w", position.Stream.Name, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close stream %s: %w", position.Stream.Name, closeErr)
		}
	}()

	out, err := p.Sinks.Create(index)
	if err != nil {
		return StreamResult{}, fmt.Errorf("create sink: %w", err)
	}
	// Covers the error and panic paths; the success path closes explicitly.
	defer func() { _ = out.Close() }()

	var (
		projection *Projection
		count      int64
		writing    time.Duration
	)
	for {
		row, err := rows.Next(ctx)
		if errors.Is(err, warehouse.Done) {
			break
		}
		if err != nil {
			return StreamResult{}, fmt.Errorf("read row %d: %w", count, err)
		}
		if projection == nil {
			projection, err = NewProjection(row)
			if err != nil {
				return StreamResult{}, fmt.Errorf("row %d: %w", count, err)
			}
			writeStart := clock()
			err = out.WriteHeader(projection.Columns())
			writing += clock().Sub(writeStart)
			if err != nil {
				return StreamResult{}, err
			}
		}
		values, err := projection.Apply(row)
		if err != nil {
			return StreamResult{}, fmt.Errorf("row %d: %w", count, err)
		}
		writeStart := clock()
		err = out.WriteRow(values)
		writing += clock().Sub(writeStart)
		if err != nil {
			return StreamResult{}, err
		}
		count++
	}

	writeStart := clock()
	err = out.Close()
	writing += clock().Sub(writeStart)
	if err != nil {
		return StreamResult{}, err
	}
	size, err := out.Size()
	if err != nil {
		return StreamResult{}, err
	}

	return StreamResult{
		Index:         index,
		Stream:        position.Stream.Name,
		Path:          out.Path(),
		Rows:          count,
		Duration:      clock().Sub(start),
		WriteDuration: writing,
		Bytes:         size,
	}, nil
}

func (p *Pool) clock() func() time.Time {
	if p.Clock == nil {
		return time.Now
	}
	return p.Clock
}
