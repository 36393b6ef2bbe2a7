package codec

import (
	"encoding/json"
	"math"
	"strconv"
)

// Message is an opaque tag/value wire message.
type Message map[string]any

// Clone returns a shallow copy of the message.
func (m Message) Clone() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Type returns the message-type tag stored under field.
func (m Message) Type(field string) string {
	return m.String(field)
}

// String returns the value of field rendered as a string, or "" if absent.
func (m Message) String(field string) string {
	v, ok := m[field]
	if !ok || v == nil {
		return ""
	}
	return valueString(v)
}

// Int returns the integer value of field.
func (m Message) Int(field string) (int64, bool) {
	v, ok := m[field]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

func valueString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// toInt64 converts integral JSON-ish values to int64.
func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint32:
		return int64(val), true
	case float64:
		if val != math.Trunc(val) || val >= math.MaxInt64 || val < math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
