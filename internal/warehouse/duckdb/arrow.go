package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/parex/parex/internal/warehouse"
)

const defaultArrowBatchRows = 8192

func arrowSchema(columns []column) *arrow.Schema {
	fields := make([]arrow.Field, len(columns))
	for i, c := range columns {
		fields[i] = arrow.Field{Name: c.name, Type: arrowType(c.kind), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(kind warehouse.Kind) arrow.DataType {
	switch kind {
	case warehouse.KindBool:
		return arrow.FixedWidthTypes.Boolean
	case warehouse.KindInt64:
		return arrow.PrimitiveTypes.Int64
	case warehouse.KindFloat64:
		return arrow.PrimitiveTypes.Float64
	case warehouse.KindBytes:
		return arrow.BinaryTypes.Binary
	case warehouse.KindTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return arrow.BinaryTypes.String
	}
}

// writeArrowPartition streams the partition's rows into an Arrow IPC stream
// file, flushing a record batch every ArrowBatchRows rows.
func (w *Warehouse) writeArrowPartition(ctx context.Context, part partition) (err error) {
	rows, err := w.DB.QueryContext(ctx, part.selectSQL())
	if err != nil {
		return fmt.Errorf("query arrow partition: %w", err)
	}
	defer func() { _ = rows.Close() }()

	file, err := os.Create(part.local)
	if err != nil {
		return fmt.Errorf("create arrow partition file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close arrow partition file: %w", closeErr)
		}
	}()

	alloc := memory.DefaultAllocator
	schema := arrowSchema(part.columns)
	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()
	writer := ipc.NewWriter(file, ipc.WithSchema(schema), ipc.WithAllocator(alloc))

	batchRows := w.Config.ArrowBatchRows
	if batchRows <= 0 {
		batchRows = defaultArrowBatchRows
	}
	flush := func() error {
		rec := builder.NewRecord()
		defer rec.Release()
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("write arrow record batch: %w", err)
		}
		return nil
	}

	scan := newScanRow(part.columns)
	pending := 0
	for rows.Next() {
		if err := rows.Scan(scan.targets...); err != nil {
			_ = writer.Close()
			return fmt.Errorf("scan partition row: %w", err)
		}
		scan.appendTo(builder)
		pending++
		if pending == batchRows {
			if err := flush(); err != nil {
				_ = writer.Close()
				return err
			}
			pending = 0
		}
	}
	if err := rows.Err(); err != nil {
		_ = writer.Close()
		return fmt.Errorf("iterate partition rows: %w", err)
	}
	if pending > 0 {
		if err := flush(); err != nil {
			_ = writer.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close arrow writer: %w", err)
	}
	return nil
}

type scanRow struct {
	columns []column
	targets []any
}

func newScanRow(columns []column) *scanRow {
	s := &scanRow{columns: columns, targets: make([]any, len(columns))}
	for i, c := range columns {
		switch c.kind {
		case warehouse.KindBool:
			s.targets[i] = new(sql.NullBool)
		case warehouse.KindInt64:
			s.targets[i] = new(sql.NullInt64)
		case warehouse.KindFloat64:
			s.targets[i] = new(sql.NullFloat64)
		case warehouse.KindBytes:
			s.targets[i] = new([]byte)
		case warehouse.KindTimestamp:
			s.targets[i] = new(sql.NullTime)
		default:
			s.targets[i] = new(sql.NullString)
		}
	}
	return s
}

func (s *scanRow) appendTo(builder *array.RecordBuilder) {
	for i, target := range s.targets {
		field := builder.Field(i)
		switch v := target.(type) {
		case *sql.NullBool:
			if !v.Valid {
				field.AppendNull()
				continue
			}
			field.(*array.BooleanBuilder).Append(v.Bool)
		case *sql.NullInt64:
			if !v.Valid {
				field.AppendNull()
				continue
			}
			field.(*array.Int64Builder).Append(v.Int64)
		case *sql.NullFloat64:
			if !v.Valid {
				field.AppendNull()
				continue
			}
			field.(*array.Float64Builder).Append(v.Float64)
		case *[]byte:
			if *v == nil {
				field.AppendNull()
				continue
			}
			field.(*array.BinaryBuilder).Append(*v)
		case *sql.NullTime:
			if !v.Valid {
				field.AppendNull()
				continue
			}
			field.(*array.TimestampBuilder).Append(arrow.Timestamp(v.Time.UnixMicro()))
		case *sql.NullString:
			if !v.Valid {
				field.AppendNull()
				continue
			}
			field.(*array.StringBuilder).Append(v.String)
		}
	}
}
