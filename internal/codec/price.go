package codec

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceExponent is the venue's fixed-point exponent: wire integers are
// prices and volumes multiplied by 10^8.
const PriceExponent = 8

// ScalePrice converts a wire integer into its decimal value.
func ScalePrice(raw int64) decimal.Decimal {
	return decimal.New(raw, -PriceExponent)
}

// UnscalePrice converts a decimal value into the wire integer, rounding half
// away from zero to the nearest unit.
func UnscalePrice(v decimal.Decimal) (int64, error) {
	scaled := v.Shift(PriceExponent).Round(0)
	n := scaled.BigInt()
	if !n.IsInt64() {
		return 0, &RangeError{Value: v.String()}
	}
	return n.Int64(), nil
}

// ScaleFields returns a copy of msg with the named integer fields converted
// to decimal values. Absent fields are skipped.
func ScaleFields(msg Message, fields ...string) (Message, error) {
	out := msg.Clone()
	for _, f := range fields {
		v, ok := msg[f]
		if !ok || v == nil {
			continue
		}
		raw, ok := toInt64(v)
		if !ok {
			return nil, &DecodeError{Field: f, Reason: fmt.Sprintf("fixed-point value %v is not an integer", v)}
		}
		out[f] = ScalePrice(raw)
	}
	return out, nil
}

// UnscaleFields returns a copy of msg with the named decimal fields converted
// to wire integers. Decimal strings and json.Number values are scaled; Go
// integer values are taken to be wire integers already and left as they are.
func UnscaleFields(msg Message, fields ...string) (Message, error) {
	out := msg.Clone()
	for _, f := range fields {
		v, ok := msg[f]
		if !ok || v == nil {
			continue
		}

		var d decimal.Decimal
		switch val := v.(type) {
		case decimal.Decimal:
			d = val
		case json.Number:
			parsed, err := decimal.NewFromString(val.String())
			if err != nil {
				return nil, &DecodeError{Field: f, Reason: "invalid number", Err: err}
			}
			d = parsed
		case float64:
			d = decimal.NewFromFloat(val)
		case string:
			parsed, err := decimal.NewFromString(val)
			if err != nil {
				return nil, &DecodeError{Field: f, Reason: "invalid number", Err: err}
			}
			d = parsed
		default:
			if _, isInt := toInt64(v); isInt {
				continue
			}
			return nil, &DecodeError{Field: f, Reason: fmt.Sprintf("unsupported value type %T", v)}
		}

		n, err := UnscalePrice(d)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f, err)
		}
		out[f] = n
	}
	return out, nil
}
