// Package flag defines the sum type used for feature-flag values and
// payloads. The wire format stays plain JSON; only the in-memory
// representation is a closed sum type.
package flag

import "encoding/json"

// Kind identifies which alternative of Value is populated.
type Kind int

const (
	KindBool Kind = iota
	KindNumber
	KindString
	KindJSON
)

// Value is a flag value as received from the decide endpoint: a boolean,
// a number, a string, or an arbitrary JSON document. Decoding is lazy and
// exact: Value retains the original wire bytes so re-encoding round-trips
// byte-for-byte.
type Value struct {
	kind Kind
	raw  json.RawMessage
}

// NewValue wraps a raw JSON scalar or document as a Value, classifying it
// by its outermost JSON token.
func NewValue(raw json.RawMessage) Value {
	v := Value{raw: append(json.RawMessage(nil), raw...)}
	v.kind = classify(raw)
	return v
}

func classify(raw json.RawMessage) Kind {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return KindBool
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return KindNumber
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return KindString
	}
	return KindJSON
}

// Kind reports which alternative this Value holds.
func (v Value) Kind() Kind { return v.kind }

// Raw returns the original wire bytes.
func (v Value) Raw() json.RawMessage { return v.raw }

// Any decodes the value into a generic Go representation
// (bool, float64, string, map[string]any, or []any).
func (v Value) Any() any {
	var out any
	_ = json.Unmarshal(v.raw, &out)
	return out
}

// Enabled reports the per-value truth rule: a boolean value contributes
// its own truth value; every other present value (string, number, JSON)
// is truthy.
func (v Value) Enabled() bool {
	if v.kind == KindBool {
		var b bool
		_ = json.Unmarshal(v.raw, &b)
		return b
	}
	return true
}

// MarshalJSON re-emits the original wire bytes.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.raw == nil {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON captures raw bytes and classifies them.
func (v *Value) UnmarshalJSON(data []byte) error {
	*v = NewValue(data)
	return nil
}

// ParsePayload implements FlagCache.get_payload's lazy-parse rule: a
// payload is stored as a raw string from the wire; reading it attempts to
// parse that string as JSON (including bare top-level scalars), falling
// back to the original string on parse failure.
func ParsePayload(stored string) any {
	var v any
	if err := json.Unmarshal([]byte(stored), &v); err == nil {
		return v
	}
	return stored
}
