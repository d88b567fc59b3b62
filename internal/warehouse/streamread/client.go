// Package streamread opens row iterators over the stream objects of a read
// session.
package streamread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parex/parex/internal/catalog"
	"github.com/parex/parex/internal/storage"
	"github.com/parex/parex/internal/warehouse"
)

// SessionLookup reports whether the warehouse still knows a session.
type SessionLookup interface {
	GetSession(ctx context.Context, sessionName string) (catalog.Session, error)
}

type Client struct {
	Store storage.ObjectStore
	// Sessions is optional; without it only the descriptor's expire time and
	// the presence of the stream object are checked.
	Sessions SessionLookup
	Clock    func() time.Time
	// TempDir holds spooled Parquet objects; empty means os.TempDir.
	TempDir string
}

func (c *Client) OpenRowIterator(ctx context.Context, session *warehouse.ReadSession, position warehouse.StreamPosition) (warehouse.RowIterator, error) {
	if c.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if session == nil {
		return nil, fmt.Errorf("read session is required")
	}
	if position.Offset != 0 {
		return nil, fmt.Errorf("stream %s: reading from offset %d is not supported", position.Stream.Name, position.Offset)
	}
	if !session.HasStream(position.Stream.Name) {
		return nil, fmt.Errorf("stream %q does not belong to session %s", position.Stream.Name, session.Name)
	}
	if session.Expired(c.now()) {
		return nil, fmt.Errorf("%w: session %s expired at %s", warehouse.ErrSessionExpired, session.Name, session.ExpireTime.Format(time.RFC3339))
	}
	if c.Sessions != nil {
		if _, err := c.Sessions.GetSession(ctx, session.Name); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, fmt.Errorf("%w: session %s is no longer registered", warehouse.ErrSessionExpired, session.Name)
			}
			return nil, fmt.Errorf("look up session %s: %w", session.Name, err)
		}
	}

	body, err := c.Store.Get(ctx, position.Stream.Name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: stream object %s is gone", warehouse.ErrSessionExpired, position.Stream.Name)
		}
		return nil, fmt.Errorf("open stream object %s: %w", position.Stream.Name, err)
	}

	switch session.Format {
	case warehouse.FormatArrow:
		return newArrowIterator(body)
	case warehouse.FormatParquet:
		return newParquetIterator(body, c.TempDir)
	default:
		_ = body.Close()
		return nil, fmt.Errorf("unsupported data format %s", session.Format)
	}
}

func (c *Client) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}
