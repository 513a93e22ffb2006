package common

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Well-known record fields.
const (
	FieldID             = "id"
	FieldUpdatedAt      = "updated_at"
	FieldOrganizationID = "org_id"
	FieldUserID         = "user_id"
)

// Record is a single row of an entity as exchanged with the remote store.
// Entity-specific shapes (courses, surveys, progress rows) all travel as
// JSON-shaped maps; typed access goes through the helpers below.
type Record map[string]any

// ID returns the record identifier rendered as a string.
func (r Record) ID() string {
	return stringValue(r[FieldID])
}

// Get returns the raw value of a field.
func (r Record) Get(field string) (any, bool) {
	v, ok := r[field]
	return v, ok
}

// String returns a field as string, or "" when missing.
func (r Record) String(field string) string {
	return stringValue(r[field])
}

// UpdatedAt returns the parsed updated_at field.
func (r Record) UpdatedAt() (time.Time, bool) {
	return ParseTime(r[FieldUpdatedAt])
}

// Clone returns a shallow copy; nested values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ParseTime interprets the timestamp encodings seen on the wire:
// RFC3339 strings, unix milliseconds and native time values.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if t == "" {
			return time.Time{}, false
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
		return time.Time{}, false
	case int64:
		return time.UnixMilli(t), true
	case int:
		return time.UnixMilli(int64(t)), true
	case uint64:
		return time.UnixMilli(int64(t)), true
	case float64:
		return time.UnixMilli(int64(t)), true
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	default:
		return time.Time{}, false
	}
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
