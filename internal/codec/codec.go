package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("decode error")

// DecodeError reports a malformed or length-mismatched wire record.
type DecodeError struct {
	Field  string // Offending field, if known
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode"
	if e.Field != "" {
		msg += " " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// RangeError reports a fixed-point value that does not fit the wire integer.
type RangeError struct {
	Value string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("fixed-point value %s overflows int64", e.Value)
}

// Decode parses a raw frame into a Message.
func Decode(raw []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, &DecodeError{Reason: "invalid frame", Err: err}
	}
	if msg == nil {
		return nil, &DecodeError{Reason: "frame is not an object"}
	}
	if dec.More() {
		return nil, &DecodeError{Reason: "trailing data after frame"}
	}

	return msg, nil
}

// Encode serializes a Message into a wire frame.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}
