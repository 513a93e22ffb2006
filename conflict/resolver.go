package conflict

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/notify"
	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

// Strategy names a resolution policy.
type Strategy string

const (
	NewestWins Strategy = "newest_wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

var (
	// ErrConflictUnresolved is returned for the manual strategy. Both versions
	// stay with the caller; the engine keeps the local copy cached.
	ErrConflictUnresolved = errors.New("conflict requires manual resolution")
	ErrUnknownStrategy    = errors.New("unknown conflict strategy")
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case NewestWins, Merge, Manual:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Resolver applies strategies to detected conflicts.
type Resolver struct {
	hub         notify.Publisher
	resolutions atomic.Uint64
}

// NewResolver creates a resolver publishing manual conflicts on hub.
func NewResolver(hub notify.Publisher) *Resolver {
	return &Resolver{hub: hub}
}

// Resolutions returns the number of conflicts resolved without manual help.
func (r *Resolver) Resolutions() uint64 {
	return r.resolutions.Load()
}

// Resolve produces the record to keep. The returned record is never one of
// the conflict's own maps.
func (r *Resolver) Resolve(c *common.Conflict, strategy Strategy) (common.Record, error) {
	if c == nil {
		return nil, fmt.Errorf("conflict is required")
	}

	var resolved common.Record
	switch strategy {
	case NewestWins:
		resolved = newestWins(c.LocalData, c.RemoteData)
	case Merge:
		resolved = merge(c.LocalData, c.RemoteData)
	case Manual:
		telemetry.ConflictResolutionsTotal.With(string(strategy), "manual").Inc()
		log.Warn().Str("conflict", c.ID).Str("entity", c.Table).Msg("Conflict requires manual resolution")
		if r.hub != nil {
			r.hub.Publish(notify.TopicManualResolutionRequired, *c)
		}
		return nil, ErrConflictUnresolved
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	r.resolutions.Add(1)
	telemetry.ConflictResolutionsTotal.With(string(strategy), "resolved").Inc()
	return resolved, nil
}

// newestWins keeps the strictly newer version; ties keep local.
func newestWins(local, remote common.Record) common.Record {
	localTS, lok := local.UpdatedAt()
	remoteTS, rok := remote.UpdatedAt()
	if rok && (!lok || remoteTS.After(localTS)) {
		return remote.Clone()
	}
	return local.Clone()
}

// merge starts from local, fills fields local lacks, and takes timestamp
// fields from remote when remote is later.
func merge(local, remote common.Record) common.Record {
	out := local.Clone()
	if out == nil {
		out = common.Record{}
	}

	for field, rv := range remote {
		if rv == nil {
			continue
		}

		lv, present := out[field]
		if isTimestampField(field) {
			if !present || lv == nil || remoteIsNewer(lv, rv) {
				out[field] = rv
			}
			continue
		}
		if !present || lv == nil {
			out[field] = rv
		}
	}
	return out
}

func isTimestampField(field string) bool {
	return strings.Contains(field, "updated_at") || strings.Contains(field, "timestamp")
}

func remoteIsNewer(local, remote any) bool {
	rt, ok := common.ParseTime(remote)
	if !ok {
		return false
	}
	lt, ok := common.ParseTime(local)
	if !ok {
		return true
	}
	return rt.After(lt)
}
