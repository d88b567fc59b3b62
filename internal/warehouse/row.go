package warehouse

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTimestamp:
		return "timestamp"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a tagged scalar cell.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	t    time.Time
}

func Null() Value { return Value{kind: KindNull} }
func BoolValue(v bool) Value { return Value{kind: KindBool, b: v} }
func Int64Value(v int64) Value { return Value{kind: KindInt64, i: v} }
func Float64Value(v float64) Value { return Value{kind: KindFloat64, f: v} }
func StringValue(v string) Value { return Value{kind: KindString, s: v} }
func BytesValue(v []byte) Value { return Value{kind: KindBytes, raw: v} }

func TimestampValue(v time.Time) Value {
	return Value{kind: KindTimestamp, t: v.UTC()}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Bool() bool { return v.b }
func (v Value) Int64() int64 { return v.i }
func (v Value) Float64() float64 { return v.f }
func (v Value) Str() string { return v.s }
func (v Value) Bytes() []byte { return v.raw }
func (v Value) Time() time.Time { return v.t }

// String renders the value as delimited-text cell content. Null renders
// as the empty string.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	case KindTimestamp:
		return v.t.Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v.kind)
	}
}

// Row is an ordered mapping from column name to value. Columns and Values
// have equal length; column names are unique within a row.
type Row struct {
	Columns []string
	Values  []Value
}

func NewRow(columns []string, values []Value) (Row, error) {
	if len(columns) != len(values) {
		return Row{}, fmt.Errorf("row has %d columns but %d values", len(columns), len(values))
	}
	seen := make(map[string]struct{}, len(columns))
	for _, column := range columns {
		if _, dup := seen[column]; dup {
			return Row{}, fmt.Errorf("duplicate column %q", column)
		}
		seen[column] = struct{}{}
	}
	return Row{Columns: columns, Values: values}, nil
}

func (r Row) Len() int {
	return len(r.Columns)
}

func (r Row) Get(column string) (Value, bool) {
	for i, name := range r.Columns {
		if name == column {
			return r.Values[i], true
		}
	}
	return Value{}, false
}
