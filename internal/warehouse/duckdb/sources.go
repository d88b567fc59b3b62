package duckdb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source names a table to be loaded from Parquet objects in the object store.
type Source struct {
	Table      string
	ObjectKeys []string
}

// ParseSource parses "table=key[,key...]".
func ParseSource(raw string) (Source, error) {
	table, keys, ok := strings.Cut(raw, "=")
	table = strings.TrimSpace(table)
	if !ok || table == "" {
		return Source{}, fmt.Errorf("invalid source %q, want table=object-key[,object-key]", raw)
	}
	source := Source{Table: table}
	for _, key := range strings.Split(keys, ",") {
		if key = strings.TrimSpace(key); key != "" {
			source.ObjectKeys = append(source.ObjectKeys, key)
		}
	}
	if len(source.ObjectKeys) == 0 {
		return Source{}, fmt.Errorf("source %q names no object keys", table)
	}
	return source, nil
}

// LoadSources copies each source's Parquet objects into a table of the same
// name, replacing any previous contents. Objects for one table are combined.
// Cached query results are dropped once any table is replaced.
func (w *Warehouse) LoadSources(ctx context.Context, sources []Source) error {
	if len(sources) == 0 {
		return nil
	}
	if err := w.validate(); err != nil {
		return err
	}
	if w.Store == nil {
		return fmt.Errorf("object store is required")
	}

	workDir, err := os.MkdirTemp("", "parex-sources-")
	if err != nil {
		return fmt.Errorf("create sources temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	grouped := map[string][]string{}
	for _, source := range sources {
		if strings.TrimSpace(source.Table) == "" {
			return fmt.Errorf("source table name is required")
		}
		for _, key := range source.ObjectKeys {
			localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(source.Table), len(grouped[source.Table])))
			if err := w.download(ctx, key, localPath); err != nil {
				return err
			}
			grouped[source.Table] = append(grouped[source.Table], localPath)
		}
	}

	tables := make([]string, 0, len(grouped))
	for table := range grouped {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		ddl := fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(table), quoteStringArray(grouped[table]))
		if _, err := w.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("load source table %q: %w", table, err)
		}
		if w.Logger != nil {
			w.Logger.DebugContext(ctx, "source table loaded", slog.String("table", table), slog.Int("objects", len(grouped[table])))
		}
	}
	return w.invalidateResults(ctx)
}

func (w *Warehouse) invalidateResults(ctx context.Context) error {
	if _, err := w.DB.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+quoteIdent(w.Config.ResultDataset)+` CASCADE`); err != nil {
		return fmt.Errorf("drop cached results: %w", err)
	}
	return nil
}

func (w *Warehouse) download(ctx context.Context, key, localPath string) error {
	reader, err := w.Store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	if err := writeFile(localPath, reader); err != nil {
		_ = reader.Close()
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := reader.Close(); err != nil {
		return fmt.Errorf("close object %q: %w", key, err)
	}
	return nil
}

func writeFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, quoteString(value))
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
