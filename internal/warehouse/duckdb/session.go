package duckdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parex/parex/internal/catalog"
	"github.com/parex/parex/internal/storage"
	"github.com/parex/parex/internal/warehouse"
)

const (
	contentTypeArrow   = "application/vnd.apache.arrow.stream"
	contentTypeParquet = "application/vnd.apache.parquet"
)

// CreateReadSession partitions the result table into contiguous row ranges
// and writes each range as one stream object. With MaxStreams == 0 the
// stream count follows TargetRowsPerStream; it is always capped by
// MaxStreams and by the row count, and an empty table yields no streams.
func (w *Warehouse) CreateReadSession(ctx context.Context, req warehouse.CreateReadSessionRequest) (*warehouse.ReadSession, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	if w.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	project, err := parseParent(req.Parent)
	if err != nil {
		return nil, err
	}
	if req.Table.IsZero() {
		return nil, fmt.Errorf("table reference is required")
	}
	if req.MaxStreams < 0 {
		return nil, fmt.Errorf("max streams must be >= 0, got %d", req.MaxStreams)
	}
	format := req.Format
	switch format {
	case warehouse.FormatUnspecified:
		format = warehouse.FormatArrow
	case warehouse.FormatArrow, warehouse.FormatParquet:
	default:
		return nil, fmt.Errorf("unsupported data format %s", format)
	}

	columns, err := w.describe(ctx, req.Table)
	if err != nil {
		return nil, err
	}
	var total int64
	if err := w.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+qualifiedName(req.Table)).Scan(&total); err != nil {
		return nil, fmt.Errorf("count rows of %s: %w", req.Table, err)
	}
	count := planStreamCount(total, req.MaxStreams, w.Config.MaxStreams, w.Config.TargetRowsPerStream)

	sessionID := uuid.NewString()
	workDir, err := os.MkdirTemp("", "parex-session-")
	if err != nil {
		return nil, fmt.Errorf("create session temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	streams := make([]catalog.SessionStream, count)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.partitionWriters())
	for i := 0; i < count; i++ {
		lo := total * int64(i) / int64(count)
		hi := total * int64(i+1) / int64(count)
		group.Go(func() error {
			key, err := storage.BuildStreamObjectKey(project, sessionID, i, extension(format))
			if err != nil {
				return err
			}
			part := partition{
				table:   req.Table,
				columns: columns,
				lo:      lo,
				hi:      hi,
				local:   filepath.Join(workDir, filepath.Base(key)),
			}
			size, err := w.writePartition(groupCtx, part, format, key)
			if err != nil {
				return fmt.Errorf("stream %d: %w", i, err)
			}
			streams[i] = catalog.SessionStream{StreamIndex: i, ObjectKey: key, RowCount: hi - lo, SizeBytes: size}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		w.discard(ctx, streams)
		return nil, fmt.Errorf("write read session partitions: %w", err)
	}

	session := &warehouse.ReadSession{
		Name:              fmt.Sprintf("%s/locations/local/sessions/%s", strings.TrimSuffix(req.Parent, "/"), sessionID),
		ExpireTime:        w.now().Add(w.Config.SessionTTL),
		Format:            format,
		Table:             req.Table,
		Streams:           make([]warehouse.Stream, count),
		EstimatedRowCount: total,
	}
	for i, stream := range streams {
		session.Streams[i] = warehouse.Stream{Name: stream.ObjectKey}
	}

	if w.Registry != nil {
		err := w.Registry.RegisterSession(ctx, catalog.RegisterSessionInput{
			Session: catalog.Session{
				SessionName:   session.Name,
				SessionID:     sessionID,
				Project:       project,
				TableRef:      req.Table.String(),
				DataFormat:    format.String(),
				EstimatedRows: total,
				ExpireTime:    session.ExpireTime,
			},
			Streams: streams,
		})
		if err != nil {
			w.discard(ctx, streams)
			return nil, fmt.Errorf("register read session: %w", err)
		}
	}

	if w.Logger != nil {
		w.Logger.InfoContext(ctx, "read session created",
			slog.String("session", session.Name),
			slog.String("table", req.Table.String()),
			slog.String("format", format.String()),
			slog.Int("requested_streams", req.MaxStreams),
			slog.Int("streams", count),
			slog.Int64("rows", total),
		)
	}
	return session, nil
}

type partition struct {
	table   warehouse.TableReference
	columns []column
	lo, hi  int64
	local   string
}

func (p partition) selectSQL() string {
	exprs := make([]string, len(p.columns))
	for i, c := range p.columns {
		exprs[i] = c.expr
	}
	return fmt.Sprintf(`SELECT %s FROM %s WHERE rowid >= %d AND rowid < %d ORDER BY rowid`,
		strings.Join(exprs, ", "), qualifiedName(p.table), p.lo, p.hi)
}

func (w *Warehouse) writePartition(ctx context.Context, part partition, format warehouse.DataFormat, key string) (int64, error) {
	contentType := contentTypeArrow
	switch format {
	case warehouse.FormatParquet:
		contentType = contentTypeParquet
		copySQL := fmt.Sprintf(`COPY (%s) TO %s (FORMAT PARQUET, COMPRESSION ZSTD)`, part.selectSQL(), quoteString(part.local))
		if _, err := w.DB.ExecContext(ctx, copySQL); err != nil {
			return 0, fmt.Errorf("write parquet partition: %w", err)
		}
	default:
		if err := w.writeArrowPartition(ctx, part); err != nil {
			return 0, err
		}
	}

	file, err := os.Open(part.local)
	if err != nil {
		return 0, fmt.Errorf("open partition file: %w", err)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat partition file: %w", err)
	}
	if _, err := w.Store.Put(ctx, key, file, info.Size(), storage.PutOptions{ContentType: contentType}); err != nil {
		return 0, fmt.Errorf("upload partition: %w", err)
	}
	return info.Size(), nil
}

// discard removes objects already uploaded for a session that could not be
// completed.
func (w *Warehouse) discard(ctx context.Context, streams []catalog.SessionStream) {
	for _, stream := range streams {
		if stream.ObjectKey == "" {
			continue
		}
		if err := w.Store.Delete(ctx, stream.ObjectKey); err != nil && w.Logger != nil {
			w.Logger.WarnContext(ctx, "discard stream object failed", slog.String("object_key", stream.ObjectKey), slog.Any("error", err))
		}
	}
}

func (w *Warehouse) partitionWriters() int {
	if w.Config.PartitionWriters <= 0 {
		return 1
	}
	return w.Config.PartitionWriters
}

func planStreamCount(rows int64, requested, maxStreams int, targetRows int64) int {
	if rows <= 0 {
		return 0
	}
	count := int64(requested)
	if count == 0 {
		if targetRows <= 0 {
			targetRows = rows
		}
		count = (rows + targetRows - 1) / targetRows
	}
	if maxStreams > 0 && count > int64(maxStreams) {
		count = int64(maxStreams)
	}
	if count > rows {
		count = rows
	}
	if count < 1 {
		count = 1
	}
	return int(count)
}

func parseParent(parent string) (string, error) {
	project, ok := strings.CutPrefix(strings.TrimSuffix(parent, "/"), "projects/")
	if !ok || project == "" || strings.Contains(project, "/") {
		return "", fmt.Errorf("invalid parent %q, want projects/<project>", parent)
	}
	return project, nil
}

func extension(format warehouse.DataFormat) string {
	if format == warehouse.FormatParquet {
		return "parquet"
	}
	return "arrow"
}

var errTableNotFound = errors.New("result table not found")
