package duckdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/parex/parex/internal/warehouse"
)

// column is one result column as exported: types without a direct row
// representation are rendered to VARCHAR inside DuckDB.
type column struct {
	name string
	kind warehouse.Kind
	expr string
}

func (w *Warehouse) describe(ctx context.Context, table warehouse.TableReference) ([]column, error) {
	rows, err := w.DB.QueryContext(ctx, `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`, table.Dataset, table.Table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []column
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		columns = append(columns, classify(name, dataType))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns of %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s", errTableNotFound, table)
	}
	return columns, nil
}

func classify(name, dataType string) column {
	ident := quoteIdent(name)
	c := column{name: name}
	switch strings.ToUpper(strings.TrimSpace(dataType)) {
	case "BOOLEAN":
		c.kind, c.expr = warehouse.KindBool, ident
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "UTINYINT", "USMALLINT", "UINTEGER":
		c.kind, c.expr = warehouse.KindInt64, "CAST("+ident+" AS BIGINT)"
	case "FLOAT", "DOUBLE":
		c.kind, c.expr = warehouse.KindFloat64, "CAST("+ident+" AS DOUBLE)"
	case "VARCHAR":
		c.kind, c.expr = warehouse.KindString, ident
	case "BLOB":
		c.kind, c.expr = warehouse.KindBytes, ident
	case "TIMESTAMP", "TIMESTAMP_S", "TIMESTAMP_MS", "TIMESTAMP_NS":
		c.kind, c.expr = warehouse.KindTimestamp, "CAST("+ident+" AS TIMESTAMP)"
	default:
		c.kind, c.expr = warehouse.KindString, "CAST("+ident+" AS VARCHAR)"
	}
	c.expr += " AS " + ident
	return c
}
