package streamread

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"github.com/parex/parex/internal/warehouse"
)

const parquetReadBatch = 128

// parquetIterator reads a flat Parquet object. The object is spooled to a
// local file first because the footer must be read before any row.
type parquetIterator struct {
	spool    *os.File
	file     *parquet.File
	columns  []string
	decoders []func(parquet.Value) warehouse.Value
	groups   []parquet.RowGroup
	group    int
	rows     parquet.Rows
	buf      []parquet.Row
	n, pos   int
}

func newParquetIterator(body io.ReadCloser, tempDir string) (it *parquetIterator, err error) {
	spool, err := os.CreateTemp(tempDir, "parex-stream-*.parquet")
	if err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("create parquet spool file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = spool.Close()
			_ = os.Remove(spool.Name())
		}
	}()

	size, err := io.Copy(spool, body)
	closeErr := body.Close()
	if err != nil {
		return nil, fmt.Errorf("spool parquet stream: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close parquet stream: %w", closeErr)
	}

	file, err := parquet.OpenFile(spool, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet stream: %w", err)
	}
	fields := file.Schema().Fields()
	columns := make([]string, len(fields))
	decoders := make([]func(parquet.Value) warehouse.Value, len(fields))
	for i, field := range fields {
		if !field.Leaf() || field.Repeated() {
			return nil, fmt.Errorf("parquet column %q is nested; only flat schemas are supported", field.Name())
		}
		columns[i] = field.Name()
		decoders[i] = parquetDecoder(field)
	}

	return &parquetIterator{
		spool:    spool,
		file:     file,
		columns:  columns,
		decoders: decoders,
		groups:   file.RowGroups(),
		buf:      make([]parquet.Row, parquetReadBatch),
	}, nil
}

func (it *parquetIterator) Next(ctx context.Context) (warehouse.Row, error) {
	if err := ctx.Err(); err != nil {
		return warehouse.Row{}, err
	}
	for it.pos >= it.n {
		if err := it.fill(); err != nil {
			return warehouse.Row{}, err
		}
	}
	row := it.buf[it.pos]
	it.pos++

	values := make([]warehouse.Value, len(it.decoders))
	for i := range values {
		values[i] = warehouse.Null()
	}
	for _, v := range row {
		col := v.Column()
		if col < 0 || col >= len(values) {
			return warehouse.Row{}, fmt.Errorf("parquet value for unknown column %d", col)
		}
		values[col] = it.decoders[col](v)
	}
	return warehouse.Row{Columns: it.columns, Values: values}, nil
}

// fill reads the next batch of rows, moving on to the next row group when
// the current one is exhausted. It returns warehouse.Done after the last one.
func (it *parquetIterator) fill() error {
	if it.rows == nil {
		if it.group >= len(it.groups) {
			return warehouse.Done
		}
		it.rows = it.groups[it.group].Rows()
		it.group++
	}
	n, err := it.rows.ReadRows(it.buf)
	it.n, it.pos = n, 0
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("read parquet rows: %w", err)
		}
		closeErr := it.rows.Close()
		it.rows = nil
		if closeErr != nil {
			return fmt.Errorf("close parquet row group: %w", closeErr)
		}
	}
	return nil
}

func (it *parquetIterator) Close() error {
	var rowsErr error
	if it.rows != nil {
		rowsErr = it.rows.Close()
		it.rows = nil
	}
	closeErr := it.spool.Close()
	removeErr := os.Remove(it.spool.Name())
	return errors.Join(rowsErr, closeErr, removeErr)
}

func parquetDecoder(field parquet.Field) func(parquet.Value) warehouse.Value {
	typ := field.Type()
	logical := typ.LogicalType()
	decode := physicalDecoder(typ.Kind(), logical)
	return func(v parquet.Value) warehouse.Value {
		if v.IsNull() {
			return warehouse.Null()
		}
		return decode(v)
	}
}

func physicalDecoder(kind parquet.Kind, logical *format.LogicalType) func(parquet.Value) warehouse.Value {
	switch kind {
	case parquet.Boolean:
		return func(v parquet.Value) warehouse.Value { return warehouse.BoolValue(v.Boolean()) }
	case parquet.Int32:
		switch {
		case logical != nil && logical.Date != nil:
			return func(v parquet.Value) warehouse.Value {
				return warehouse.TimestampValue(time.Unix(int64(v.Int32())*86400, 0))
			}
		case logical != nil && logical.Decimal != nil:
			scale := logical.Decimal.Scale
			return func(v parquet.Value) warehouse.Value {
				return warehouse.StringValue(formatDecimal(big.NewInt(int64(v.Int32())), scale))
			}
		}
		return func(v parquet.Value) warehouse.Value { return warehouse.Int64Value(int64(v.Int32())) }
	case parquet.Int64:
		switch {
		case logical != nil && logical.Timestamp != nil:
			unit := logical.Timestamp.Unit
			return func(v parquet.Value) warehouse.Value { return warehouse.TimestampValue(timestampFromUnit(v.Int64(), unit)) }
		case logical != nil && logical.Decimal != nil:
			scale := logical.Decimal.Scale
			return func(v parquet.Value) warehouse.Value {
				return warehouse.StringValue(formatDecimal(big.NewInt(v.Int64()), scale))
			}
		}
		return func(v parquet.Value) warehouse.Value { return warehouse.Int64Value(v.Int64()) }
	case parquet.Float:
		return func(v parquet.Value) warehouse.Value { return warehouse.Float64Value(float64(v.Float())) }
	case parquet.Double:
		return func(v parquet.Value) warehouse.Value { return warehouse.Float64Value(v.Double()) }
	case parquet.ByteArray, parquet.FixedLenByteArray:
		switch {
		case logical != nil && (logical.UTF8 != nil || logical.Enum != nil || logical.Json != nil):
			return func(v parquet.Value) warehouse.Value { return warehouse.StringValue(string(v.ByteArray())) }
		case logical != nil && logical.Decimal != nil:
			scale := logical.Decimal.Scale
			return func(v parquet.Value) warehouse.Value {
				return warehouse.StringValue(formatDecimal(twosComplement(v.ByteArray()), scale))
			}
		case logical != nil && logical.UUID != nil:
			return func(v parquet.Value) warehouse.Value {
				id, err := uuid.FromBytes(v.ByteArray())
				if err != nil {
					return warehouse.BytesValue(append([]byte(nil), v.ByteArray()...))
				}
				return warehouse.StringValue(id.String())
			}
		}
		return func(v parquet.Value) warehouse.Value { return warehouse.BytesValue(append([]byte(nil), v.ByteArray()...)) }
	default:
		return func(v parquet.Value) warehouse.Value { return warehouse.StringValue(v.String()) }
	}
}

func timestampFromUnit(value int64, unit format.TimeUnit) time.Time {
	switch {
	case unit.Millis != nil:
		return time.UnixMilli(value)
	case unit.Nanos != nil:
		return time.Unix(0, value)
	default:
		return time.UnixMicro(value)
	}
}

// twosComplement decodes a big-endian two's complement integer.
func twosComplement(b []byte) *big.Int {
	n := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(b))*8))
	}
	return n
}

func formatDecimal(unscaled *big.Int, scale int32) string {
	if scale <= 0 {
		return unscaled.String()
	}
	digits := new(big.Int).Abs(unscaled).String()
	if pad := int(scale) + 1 - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	point := len(digits) - int(scale)
	out := digits[:point] + "." + digits[point:]
	if unscaled.Sign() < 0 {
		out = "-" + out
	}
	return out
}
