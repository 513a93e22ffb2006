package engine

import (
	"errors"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/livesync/cache"
	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/conflict"
	"github.com/maxpert/livesync/notify"
	"github.com/rs/zerolog/log"
)

// verdict is what processing one record version decided.
type verdict struct {
	event   common.ChangeEvent
	deliver bool
}

// ingest runs on every remote event before it is batched. Each record
// version goes through conflict handling once; other channels on the entity
// receive the same outcome. It returns false for redeliveries to the same
// scope and for versions whose conflict left the local version in place.
func (e *Engine) ingest(ev common.ChangeEvent) (common.ChangeEvent, bool) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	vk, ok := versionKey(ev)
	if !ok {
		return e.apply(ev)
	}

	if seen, _ := e.deliveries.ContainsOrAdd(deliveryKey(vk, ev.ScopeKey), struct{}{}); seen {
		log.Debug().
			Str("entity", ev.Entity).
			Str("id", ev.Record.ID()).
			Str("scope_key", ev.ScopeKey).
			Str("source", string(ev.Source)).
			Msg("Duplicate event dropped")
		return ev, false
	}

	fp := xxhash.Sum64String(vk)
	if v, ok := e.versions.Get(fp); ok {
		if !v.deliver {
			return ev, false
		}
		out := v.event
		out.ScopeKey = ev.ScopeKey
		out.Source = ev.Source
		return out, true
	}

	out, deliver := e.apply(ev)
	e.versions.Add(fp, verdict{event: out, deliver: deliver})
	return out, deliver
}

// apply detects, resolves and writes one event. Callers hold applyMu.
func (e *Engine) apply(ev common.ChangeEvent) (common.ChangeEvent, bool) {
	id := ev.Record.ID()
	if id == "" {
		e.observe(ev)
		return ev, true
	}
	key := cache.Key(ev.Entity, id)

	c := e.detector.DetectChange(ev)
	if c == nil {
		e.write(key, ev)
		e.observe(ev)
		return ev, true
	}

	e.reporter.Stats().RecordConflict()
	e.config.Hub.Publish(notify.TopicConflictDetected, *c)

	resolved, err := e.resolver.Resolve(c, e.config.ConflictStrategy)
	switch {
	case errors.Is(err, conflict.ErrConflictUnresolved):
		return ev, false
	case err != nil:
		log.Error().Err(err).Str("conflict", c.ID).Msg("Conflict resolution failed, applying remote version")
		e.write(key, ev)
		e.observe(ev)
		return ev, true
	}

	if ev.Type == common.ChangeDelete {
		if !remoteNewer(c) {
			log.Info().Str("conflict", c.ID).Str("entity", ev.Entity).Str("id", id).
				Msg("Concurrent local edit outlives remote delete")
			return ev, false
		}
		e.write(key, ev)
		e.observe(ev)
		return ev, true
	}

	ev.Record = resolved
	e.write(key, ev)
	e.observe(ev)
	return ev, true
}

func (e *Engine) write(key string, ev common.ChangeEvent) {
	if ev.Type == common.ChangeDelete {
		e.cache.Delete(key)
		return
	}
	e.cache.Set(key, ev.Record, e.config.CacheStrategy)
}

func (e *Engine) observe(ev common.ChangeEvent) {
	if ev.Timestamp.IsZero() {
		e.reporter.Stats().RecordEvent(0)
		return
	}
	e.reporter.Stats().RecordEvent(e.config.Clock.Now().Sub(ev.Timestamp))
}

func remoteNewer(c *common.Conflict) bool {
	remote, rok := c.RemoteData.UpdatedAt()
	local, lok := c.LocalData.UpdatedAt()
	return rok && (!lok || remote.After(local))
}
