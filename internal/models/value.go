// Package models provides data model definitions for the collaboration core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// UUID is a wrapper around string for identifier type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// JSONValue is an opaque JSON document used for update values, metadata and
// cursor payloads. It is validated once at the API boundary and treated as
// a black box everywhere else.
type JSONValue json.RawMessage

// NewJSONValue validates raw bytes as JSON and returns them as a JSONValue.
func NewJSONValue(raw []byte) (JSONValue, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON value")
	}
	out := make(JSONValue, len(raw))
	copy(out, raw)
	return out, nil
}

// MustJSONValue wraps a Go value as a JSONValue, panicking on marshal
// failure. Intended for literals in tests and internal callers.
func MustJSONValue(v interface{}) JSONValue {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return JSONValue(raw)
}

// MarshalJSON implements json.Marshaler.
func (v JSONValue) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *JSONValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = nil
		return nil
	}
	out := make(JSONValue, len(data))
	copy(out, data)
	*v = out
	return nil
}

// String returns the raw JSON text.
func (v JSONValue) String() string {
	return string(v)
}
