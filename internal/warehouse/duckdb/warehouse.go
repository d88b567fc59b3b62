// Package duckdb serves the warehouse query and read-session APIs from an
// embedded DuckDB database. Query results are materialized into cached
// result tables; read sessions split a result table into stream objects in
// the object store.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/parex/parex/internal/catalog"
	"github.com/parex/parex/internal/storage"
	"github.com/parex/parex/internal/warehouse"
)

type Config struct {
	Project             string
	ResultDataset       string
	TargetRowsPerStream int64
	MaxStreams          int
	SessionTTL          time.Duration
	ArrowBatchRows      int
	PartitionWriters    int
	// DisableQueryCache re-executes every statement even when the query
	// asks for a cached result.
	DisableQueryCache bool
}

// Registry records jobs and sessions. It is optional.
type Registry interface {
	RecordQueryJob(ctx context.Context, job catalog.QueryJob) error
	RegisterSession(ctx context.Context, in catalog.RegisterSessionInput) error
}

type Warehouse struct {
	DB       *sql.DB
	Store    storage.ObjectStore
	Registry Registry
	Config   Config
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Open opens (or creates) the DuckDB database at path; an empty path opens
// an in-memory database.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return db, nil
}

func (w *Warehouse) Submit(ctx context.Context, query warehouse.Query) (warehouse.Job, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	statement := normalizeStatement(query.Statement)
	if statement == "" {
		return nil, fmt.Errorf("statement is required")
	}

	hash := statementHash(statement)
	j := &job{
		id:   uuid.NewString(),
		done: make(chan struct{}),
		table: warehouse.TableReference{
			Project: w.Config.Project,
			Dataset: w.Config.ResultDataset,
			Table:   "anon_" + hash,
		},
	}
	go w.run(ctx, j, statement, hash, query.UseCache && !w.Config.DisableQueryCache)
	return j, nil
}

func (w *Warehouse) run(ctx context.Context, j *job, statement, hash string, useCache bool) {
	defer close(j.done)
	start := w.now()

	cacheHit, err := w.materialize(ctx, j.table, statement, useCache)
	if err != nil {
		j.err = &warehouse.QueryError{Statement: statement, Err: err}
	}

	record := catalog.QueryJob{
		JobID:         j.id,
		Statement:     statement,
		StatementHash: hash,
		Destination:   j.table.String(),
		CacheHit:      cacheHit,
		State:         catalog.JobStateDone,
		Duration:      w.now().Sub(start),
	}
	if err != nil {
		record.State = catalog.JobStateFailed
		record.ErrorMessage = err.Error()
		record.Destination = ""
	}
	if w.Registry != nil {
		if regErr := w.Registry.RecordQueryJob(ctx, record); regErr != nil && w.Logger != nil {
			w.Logger.WarnContext(ctx, "record query job failed", slog.String("job_id", j.id), slog.Any("error", regErr))
		}
	}
	if w.Logger != nil {
		w.Logger.DebugContext(ctx, "query job finished",
			slog.String("job_id", j.id),
			slog.String("destination", j.table.String()),
			slog.Bool("cache_hit", cacheHit),
			slog.Int64("duration_ms", record.Duration.Milliseconds()),
			slog.Any("error", err),
		)
	}
}

func (w *Warehouse) materialize(ctx context.Context, table warehouse.TableReference, statement string, useCache bool) (bool, error) {
	if _, err := w.DB.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+quoteIdent(table.Dataset)); err != nil {
		return false, fmt.Errorf("create result dataset: %w", err)
	}
	if useCache {
		exists, err := w.tableExists(ctx, table)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	ddl := fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS %s`, qualifiedName(table), statement)
	if _, err := w.DB.ExecContext(ctx, ddl); err != nil {
		return false, err
	}
	return false, nil
}

func (w *Warehouse) tableExists(ctx context.Context, table warehouse.TableReference) (bool, error) {
	var count int
	err := w.DB.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM information_schema.tables
WHERE table_schema = ? AND table_name = ?`, table.Dataset, table.Table).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check cached result %s: %w", table, err)
	}
	return count > 0, nil
}

func (w *Warehouse) validate() error {
	if w.DB == nil {
		return fmt.Errorf("duckdb handle is required")
	}
	if strings.TrimSpace(w.Config.Project) == "" {
		return fmt.Errorf("project is required")
	}
	if strings.TrimSpace(w.Config.ResultDataset) == "" {
		return fmt.Errorf("result dataset is required")
	}
	return nil
}

func (w *Warehouse) now() time.Time {
	if w.Clock == nil {
		return time.Now().UTC()
	}
	return w.Clock().UTC()
}

type job struct {
	id    string
	table warehouse.TableReference
	done  chan struct{}
	err   error
}

func (j *job) ID() string { return j.id }

func (j *job) Wait(ctx context.Context) (warehouse.TableReference, error) {
	select {
	case <-ctx.Done():
		return warehouse.TableReference{}, ctx.Err()
	case <-j.done:
	}
	if j.err != nil {
		return warehouse.TableReference{}, j.err
	}
	return j.table, nil
}

// normalizeStatement trims whitespace and trailing semicolons so equivalent
// statements share one cached result.
func normalizeStatement(statement string) string {
	trimmed := strings.TrimSpace(statement)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

func statementHash(statement string) string {
	return strconv.FormatUint(xxhash.Sum64String(statement), 16)
}

func qualifiedName(table warehouse.TableReference) string {
	return quoteIdent(table.Dataset) + "." + quoteIdent(table.Table)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
