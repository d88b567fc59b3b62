package session

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/parex/parex/internal/warehouse"
)

// ErrInvalidDescriptor is returned when descriptor bytes cannot be decoded.
var ErrInvalidDescriptor = errors.New("invalid session descriptor")

// Descriptor field numbers. The layout is protobuf wire format so the blob
// stays readable by any protobuf decoder given the matching schema:
//
//	message ReadSession {
//	  string name = 1;
//	  Timestamp expire_time = 2;   // {int64 seconds = 1; int32 nanos = 2;}
//	  int32 data_format = 3;
//	  TableReference table = 4;    // {string project = 1; string dataset = 2; string table = 3;}
//	  repeated Stream streams = 5; // {string name = 1;}
//	  int64 estimated_row_count = 6;
//	}
const (
	fieldName              protowire.Number = 1
	fieldExpireTime        protowire.Number = 2
	fieldDataFormat        protowire.Number = 3
	fieldTable             protowire.Number = 4
	fieldStreams           protowire.Number = 5
	fieldEstimatedRowCount protowire.Number = 6

	fieldTimestampSeconds protowire.Number = 1
	fieldTimestampNanos   protowire.Number = 2

	fieldTableProject protowire.Number = 1
	fieldTableDataset protowire.Number = 2
	fieldTableTable   protowire.Number = 3

	fieldStreamName protowire.Number = 1
)

// Encode serializes a session descriptor. Fields are written in field-number
// order and zero values are omitted, so equal descriptors encode to equal
// bytes.
func Encode(session *warehouse.ReadSession) ([]byte, error) {
	if session == nil {
		return nil, fmt.Errorf("session is required")
	}

	var b []byte
	if session.Name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, session.Name)
	}
	if !session.ExpireTime.IsZero() {
		b = protowire.AppendTag(b, fieldExpireTime, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTimestamp(session.ExpireTime))
	}
	if session.Format != warehouse.FormatUnspecified {
		b = protowire.AppendTag(b, fieldDataFormat, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(session.Format))
	}
	if !session.Table.IsZero() {
		b = protowire.AppendTag(b, fieldTable, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTable(session.Table))
	}
	for _, stream := range session.Streams {
		var msg []byte
		if stream.Name != "" {
			msg = protowire.AppendTag(msg, fieldStreamName, protowire.BytesType)
			msg = protowire.AppendString(msg, stream.Name)
		}
		b = protowire.AppendTag(b, fieldStreams, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	if session.EstimatedRowCount != 0 {
		b = protowire.AppendTag(b, fieldEstimatedRowCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(session.EstimatedRowCount))
	}
	return b, nil
}

// Decode parses bytes produced by Encode. Unknown fields are skipped.
func Decode(data []byte) (*warehouse.ReadSession, error) {
	session := &warehouse.ReadSession{Streams: []warehouse.Stream{}}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case fieldName:
			if typ != protowire.BytesType {
				return wireTypeError("name", typ)
			}
			session.Name = string(value)
		case fieldExpireTime:
			if typ != protowire.BytesType {
				return wireTypeError("expire_time", typ)
			}
			ts, err := decodeTimestamp(value)
			if err != nil {
				return err
			}
			session.ExpireTime = ts
		case fieldDataFormat:
			if typ != protowire.VarintType {
				return wireTypeError("data_format", typ)
			}
			session.Format = warehouse.DataFormat(int32(varint))
		case fieldTable:
			if typ != protowire.BytesType {
				return wireTypeError("table", typ)
			}
			table, err := decodeTable(value)
			if err != nil {
				return err
			}
			session.Table = table
		case fieldStreams:
			if typ != protowire.BytesType {
				return wireTypeError("streams", typ)
			}
			stream, err := decodeStream(value)
			if err != nil {
				return err
			}
			session.Streams = append(session.Streams, stream)
		case fieldEstimatedRowCount:
			if typ != protowire.VarintType {
				return wireTypeError("estimated_row_count", typ)
			}
			session.EstimatedRowCount = int64(varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func encodeTimestamp(t time.Time) []byte {
	var b []byte
	if seconds := t.Unix(); seconds != 0 {
		b = protowire.AppendTag(b, fieldTimestampSeconds, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(seconds))
	}
	if nanos := t.Nanosecond(); nanos != 0 {
		b = protowire.AppendTag(b, fieldTimestampNanos, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(nanos))
	}
	return b
}

func decodeTimestamp(data []byte) (time.Time, error) {
	var seconds, nanos int64
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, _ []byte, varint uint64) error {
		switch num {
		case fieldTimestampSeconds:
			if typ != protowire.VarintType {
				return wireTypeError("expire_time.seconds", typ)
			}
			seconds = int64(varint)
		case fieldTimestampNanos:
			if typ != protowire.VarintType {
				return wireTypeError("expire_time.nanos", typ)
			}
			nanos = int64(int32(varint))
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if nanos < 0 || nanos >= int64(time.Second) {
		return time.Time{}, fmt.Errorf("%w: expire_time.nanos out of range: %d", ErrInvalidDescriptor, nanos)
	}
	return time.Unix(seconds, nanos).UTC(), nil
}

func encodeTable(table warehouse.TableReference) []byte {
	var b []byte
	for _, field := range []struct {
		num   protowire.Number
		value string
	}{
		{fieldTableProject, table.Project},
		{fieldTableDataset, table.Dataset},
		{fieldTableTable, table.Table},
	} {
		if field.value == "" {
			continue
		}
		b = protowire.AppendTag(b, field.num, protowire.BytesType)
		b = protowire.AppendString(b, field.value)
	}
	return b
}

func decodeTable(data []byte) (warehouse.TableReference, error) {
	var table warehouse.TableReference
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte, _ uint64) error {
		var dst *string
		switch num {
		case fieldTableProject:
			dst = &table.Project
		case fieldTableDataset:
			dst = &table.Dataset
		case fieldTableTable:
			dst = &table.Table
		default:
			return nil
		}
		if typ != protowire.BytesType {
			return wireTypeError("table", typ)
		}
		*dst = string(value)
		return nil
	})
	return table, err
}

func decodeStream(data []byte) (warehouse.Stream, error) {
	var stream warehouse.Stream
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, value []byte, _ uint64) error {
		if num != fieldStreamName {
			return nil
		}
		if typ != protowire.BytesType {
			return wireTypeError("stream.name", typ)
		}
		stream.Name = string(value)
		return nil
	})
	return stream, err
}

type fieldVisitor func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error

// walkFields iterates the top-level fields of one message. Length-delimited
// payloads are passed as value, varints as varint; other wire types are
// skipped.
func walkFields(data []byte, visit fieldVisitor) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidDescriptor, protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrInvalidDescriptor, num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrInvalidDescriptor, num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrInvalidDescriptor, num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := visit(num, typ, nil, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func wireTypeError(field string, typ protowire.Type) error {
	return fmt.Errorf("%w: field %s has unexpected wire type %d", ErrInvalidDescriptor, field, typ)
}
