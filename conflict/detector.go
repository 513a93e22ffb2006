// Package conflict flags concurrent edits of the same record and resolves
// them with a named strategy.
package conflict

import (
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/livesync/cache"
	"github.com/maxpert/livesync/clock"
	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

const DefaultWindow = 5 * time.Second

// Reader is the slice of the cache the detector needs.
type Reader interface {
	Get(key string) (common.Record, bool)
}

// Detector compares incoming records against cached state.
type Detector struct {
	cache  Reader
	window time.Duration
	clock  clock.Clock
}

// NewDetector creates a detector. A non-positive window uses DefaultWindow.
func NewDetector(c Reader, window time.Duration, clk clock.Clock) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Detector{cache: c, window: window, clock: clk}
}

// Window returns the detection window.
func (d *Detector) Window() time.Duration {
	return d.window
}

// Detect returns a conflict when entity/id is cached and both versions carry
// updated_at values strictly closer than the window. Nil otherwise.
func (d *Detector) Detect(entity string, incoming common.Record) *common.Conflict {
	return d.detect(entity, incoming, common.ConflictConcurrentUpdate)
}

// DetectChange is Detect for a full change event; deletes produce
// delete_update conflicts.
func (d *Detector) DetectChange(ev common.ChangeEvent) *common.Conflict {
	kind := common.ConflictConcurrentUpdate
	if ev.Type == common.ChangeDelete {
		kind = common.ConflictDeleteUpdate
	}
	return d.detect(ev.Entity, ev.Record, kind)
}

func (d *Detector) detect(entity string, incoming common.Record, kind common.ConflictType) *common.Conflict {
	id := incoming.ID()
	if id == "" {
		return nil
	}

	local, ok := d.cache.Get(cache.Key(entity, id))
	if !ok {
		return nil
	}

	localTS, ok := local.UpdatedAt()
	if !ok {
		return nil
	}
	remoteTS, ok := incoming.UpdatedAt()
	if !ok {
		return nil
	}

	delta := remoteTS.Sub(localTS)
	if delta < 0 {
		delta = -delta
	}
	if delta >= d.window {
		return nil
	}

	c := &common.Conflict{
		ID:         uuid.NewString(),
		Table:      entity,
		LocalData:  local,
		RemoteData: incoming.Clone(),
		Timestamp:  d.clock.Now(),
		Type:       kind,
	}

	telemetry.ConflictsTotal.With(string(kind)).Inc()
	log.Debug().
		Str("conflict", c.ID).
		Str("entity", entity).
		Str("id", id).
		Dur("delta", delta).
		Msg("Conflict detected")

	return c
}
