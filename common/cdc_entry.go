package common

import (
	"strings"
	"time"
)

// ChangeType is the kind of row-level change carried by a ChangeEvent.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Valid reports whether t is one of the known change types.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

// Verb is the past-tense suffix used for per-entity observer topics
// ("courses_updated", "notifications_created").
func (t ChangeType) Verb() string {
	switch t {
	case ChangeInsert:
		return "created"
	case ChangeDelete:
		return "deleted"
	default:
		return "updated"
	}
}

// Source records where an event entered the engine. Consumers must not
// branch on it; it exists for logging and metrics only.
type Source string

const (
	SourcePush      Source = "push"
	SourcePoll      Source = "poll"
	SourceBroadcast Source = "broadcast"
	SourceLocal     Source = "local"
)

// ChangeEvent is a single change notification, identical in shape whether it
// came from the channel transport, the fallback poller or a local mutation.
type ChangeEvent struct {
	Entity    string     `json:"entity" msgpack:"entity"`
	Type      ChangeType `json:"type" msgpack:"type"`
	Record    Record     `json:"record" msgpack:"record"`
	Previous  Record     `json:"previous,omitempty" msgpack:"previous,omitempty"`
	Timestamp time.Time  `json:"timestamp" msgpack:"ts"`
	ScopeKey  string     `json:"scope_key" msgpack:"scope_key"`
	Source    Source     `json:"source,omitempty" msgpack:"source,omitempty"`
}

// Broadcast is the payload exchanged between clients over a channel so
// that other open views see a local mutation before the remote round trip.
type Broadcast struct {
	Entity    string     `json:"entity"`
	Type      ChangeType `json:"type"`
	Data      Record     `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
	Origin    string     `json:"origin,omitempty"`
}

// EntityTopic is the observer topic for a change on an entity.
func EntityTopic(entity string, t ChangeType) string {
	return strings.ToLower(entity) + "_" + t.Verb()
}
