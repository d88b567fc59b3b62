package streamread

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/parex/parex/internal/warehouse"
)

type arrowIterator struct {
	body     io.ReadCloser
	reader   *ipc.Reader
	columns  []string
	record   arrow.Record
	decoders []func(int) warehouse.Value
	row      int64
}

func newArrowIterator(body io.ReadCloser) (*arrowIterator, error) {
	reader, err := ipc.NewReader(body, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("open arrow stream: %w", err)
	}
	schema := reader.Schema()
	columns := make([]string, schema.NumFields())
	for i, field := range schema.Fields() {
		columns[i] = field.Name
	}
	return &arrowIterator{body: body, reader: reader, columns: columns}, nil
}

func (it *arrowIterator) Next(ctx context.Context) (warehouse.Row, error) {
	if err := ctx.Err(); err != nil {
		return warehouse.Row{}, err
	}
	for it.record == nil || it.row >= it.record.NumRows() {
		if !it.reader.Next() {
			if err := it.reader.Err(); err != nil {
				return warehouse.Row{}, fmt.Errorf("read arrow record batch: %w", err)
			}
			return warehouse.Row{}, warehouse.Done
		}
		it.record = it.reader.Record()
		it.row = 0
		it.decoders = make([]func(int) warehouse.Value, it.record.NumCols())
		for i, col := range it.record.Columns() {
			it.decoders[i] = arrowDecoder(col)
		}
	}

	values := make([]warehouse.Value, len(it.decoders))
	for i, decode := range it.decoders {
		values[i] = decode(int(it.row))
	}
	it.row++
	return warehouse.Row{Columns: it.columns, Values: values}, nil
}

func (it *arrowIterator) Close() error {
	it.reader.Release()
	return it.body.Close()
}

func arrowDecoder(col arrow.Array) func(int) warehouse.Value {
	nullable := func(decode func(int) warehouse.Value) func(int) warehouse.Value {
		return func(i int) warehouse.Value {
			if col.IsNull(i) {
				return warehouse.Null()
			}
			return decode(i)
		}
	}
	switch arr := col.(type) {
	case *array.Boolean:
		return nullable(func(i int) warehouse.Value { return warehouse.BoolValue(arr.Value(i)) })
	case *array.Int8:
		return nullable(func(i int) warehouse.Value { return warehouse.Int64Value(int64(arr.Value(i))) })
	case *array.Int16:
		return nullable(func(i int) warehouse.Value { return warehouse.Int64Value(int64(arr.Value(i))) })
	case *array.Int32:
		return nullable(func(i int) warehouse.Value { return warehouse.Int64Value(int64(arr.Value(i))) })
	case *array.Int64:
		return nullable(func(i int) warehouse.Value { return warehouse.Int64Value(arr.Value(i)) })
	case *array.Uint8:
		return nullable(func(i int) warehouse.Value { return warehouse.Int64Value(int64(arr.Value(i))) })
	case *array.Uint16:
		return nullable(func(i int) warehouse.Value { return warehouse.Int64Value(int64(arr.Value(i))) })
	case *array.Uint32:
		return nullable(func(i int) warehouse.Value { return warehouse.Int64Value(int64(arr.Value(i))) })
	case *array.Float32:
		return nullable(func(i int) warehouse.Value { return warehouse.Float64Value(float64(arr.Value(i))) })
	case *array.Float64:
		return nullable(func(i int) warehouse.Value { return warehouse.Float64Value(arr.Value(i)) })
	case *array.String:
		return nullable(func(i int) warehouse.Value { return warehouse.StringValue(arr.Value(i)) })
	case *array.LargeString:
		return nullable(func(i int) warehouse.Value { return warehouse.StringValue(arr.Value(i)) })
	case *array.Binary:
		return nullable(func(i int) warehouse.Value { return warehouse.BytesValue(append([]byte(nil), arr.Value(i)...)) })
	case *array.LargeBinary:
		return nullable(func(i int) warehouse.Value { return warehouse.BytesValue(append([]byte(nil), arr.Value(i)...)) })
	case *array.Timestamp:
		unit := arr.DataType().(*arrow.TimestampType).Unit
		return nullable(func(i int) warehouse.Value { return warehouse.TimestampValue(arr.Value(i).ToTime(unit)) })
	case *array.Date32:
		return nullable(func(i int) warehouse.Value { return warehouse.TimestampValue(arr.Value(i).ToTime()) })
	case *array.Date64:
		return nullable(func(i int) warehouse.Value { return warehouse.TimestampValue(arr.Value(i).ToTime()) })
	default:
		return nullable(func(i int) warehouse.Value { return warehouse.StringValue(col.ValueStr(i)) })
	}
}
