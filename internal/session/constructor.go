// Package session builds read-session descriptors and moves them across the
// construct/consume process boundary.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parex/parex/internal/observability"
	"github.com/parex/parex/internal/warehouse"
)

type Constructor struct {
	Queries  warehouse.QueryService
	Sessions warehouse.SessionService
	// Project scopes the read session; it becomes the "projects/<id>" parent.
	Project string
	Format  warehouse.DataFormat
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Construct runs statement with result caching enabled, waits for it to
// complete and opens a read session over the result with requestedStreams
// partitions (0 lets the warehouse choose). Query failures are returned as
// reported by the warehouse; nothing is retried.
func (c *Constructor) Construct(ctx context.Context, statement string, requestedStreams int) (*warehouse.ReadSession, error) {
	if c.Queries == nil {
		return nil, fmt.Errorf("query service is required")
	}
	if c.Sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if strings.TrimSpace(c.Project) == "" {
		return nil, fmt.Errorf("project is required")
	}
	if strings.TrimSpace(statement) == "" {
		return nil, fmt.Errorf("statement is required")
	}
	if requestedStreams < 0 {
		return nil, fmt.Errorf("requested streams must be >= 0, got %d", requestedStreams)
	}
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}
	format := c.Format
	if format == warehouse.FormatUnspecified {
		format = warehouse.FormatArrow
	}

	start := clock()
	job, err := c.Queries.Submit(ctx, warehouse.Query{Statement: statement, UseCache: true})
	if err != nil {
		return nil, err
	}
	table, err := job.Wait(ctx)
	if err != nil {
		return nil, err
	}

	session, err := c.Sessions.CreateReadSession(ctx, warehouse.CreateReadSessionRequest{
		Parent:     "projects/" + c.Project,
		Table:      table,
		MaxStreams: requestedStreams,
		Format:     format,
	})
	if err != nil {
		return nil, fmt.Errorf("create read session over %s: %w", table, err)
	}

	observability.ObserveSessionConstructed(len(session.Streams), clock().Sub(start))
	if c.Logger != nil {
		c.Logger.InfoContext(ctx, "read session constructed",
			slog.String("job_id", job.ID()),
			slog.String("session", session.Name),
			slog.String("table", table.String()),
			slog.String("format", session.Format.String()),
			slog.Int("requested_streams", requestedStreams),
			slog.Int("streams", len(session.Streams)),
			slog.Int64("estimated_rows", session.EstimatedRowCount),
		)
	}
	return session, nil
}
