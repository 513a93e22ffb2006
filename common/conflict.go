package common

import "time"

// ConflictType classifies a detected conflict.
type ConflictType string

const (
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	ConflictDeleteUpdate     ConflictType = "delete_update"
)

// Conflict captures two versions of one record written within the
// detection window. It is resolved or surfaced exactly once and never stored.
type Conflict struct {
	ID         string       `json:"id"`
	Table      string       `json:"table"`
	LocalData  Record       `json:"local_data"`
	RemoteData Record       `json:"remote_data"`
	Timestamp  time.Time    `json:"timestamp"`
	Type       ConflictType `json:"conflict_type"`
}
