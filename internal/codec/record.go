package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Record is a named-field record that keeps the column order of the wire.
type Record struct {
	keys   []string
	values map[string]any
}

// Keys returns the field names in wire order.
func (r Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Get returns the value of a field.
func (r Record) Get(name string) (any, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Len returns the number of fields.
func (r Record) Len() int {
	return len(r.keys)
}

// Message returns the record as an unordered Message.
func (r Record) Message() Message {
	out := make(Message, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the record as an object in column order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal field %s: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeCompact zips a positional row with its column names. Duplicate
// column names are a decode error.
func DecodeCompact(columns []string, row []any) (Record, error) {
	if len(columns) != len(row) {
		return Record{}, &DecodeError{
			Reason: fmt.Sprintf("row has %d values for %d columns", len(row), len(columns)),
		}
	}

	rec := Record{
		keys:   make([]string, 0, len(columns)),
		values: make(map[string]any, len(columns)),
	}
	for i, name := range columns {
		if _, dup := rec.values[name]; dup {
			return Record{}, &DecodeError{
				Field:  name,
				Reason: fmt.Sprintf("duplicate column at index %d", i),
			}
		}
		rec.keys = append(rec.keys, name)
		rec.values[name] = row[i]
	}
	return rec, nil
}

// DecodeGroup decodes every row of a compact group, preserving row order.
func DecodeGroup(columns []string, rows [][]any) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for i, row := range rows {
		rec, err := DecodeCompact(columns, row)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				de.Reason = fmt.Sprintf("row %d: %s", i, de.Reason)
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ExpandGroups replaces every compact group in msg with decoded Records.
//
// A compact group is a field ending in groupSuffix whose value is an array of
// arrays, sibling to columnsField. The columns field itself is dropped from
// the result. Messages without columnsField are returned unchanged.
func ExpandGroups(msg Message, columnsField, groupSuffix string) (Message, error) {
	raw, ok := msg[columnsField]
	if !ok {
		return msg, nil
	}

	columns, err := stringSlice(raw)
	if err != nil {
		return nil, &DecodeError{Field: columnsField, Reason: err.Error()}
	}

	out := msg.Clone()
	delete(out, columnsField)

	for field, v := range msg {
		if field == columnsField || !strings.HasSuffix(field, groupSuffix) {
			continue
		}
		rows, ok := compactRows(v)
		if !ok {
			continue
		}
		recs, err := DecodeGroup(columns, rows)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				de.Field = field
			}
			return nil, err
		}
		out[field] = recs
	}

	return out, nil
}

func stringSlice(v any) ([]string, error) {
	switch val := v.(type) {
	case []string:
		return val, nil
	case []any:
		out := make([]string, len(val))
		for i, c := range val {
			s, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("column %d is %T, want string", i, c)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("columns is %T, want array", v)
	}
}

// compactRows reports whether v is an array whose elements are all arrays.
func compactRows(v any) ([][]any, bool) {
	switch val := v.(type) {
	case [][]any:
		return val, true
	case []any:
		rows := make([][]any, len(val))
		for i, r := range val {
			row, ok := r.([]any)
			if !ok {
				return nil, false
			}
			rows[i] = row
		}
		return rows, true
	default:
		return nil, false
	}
}
