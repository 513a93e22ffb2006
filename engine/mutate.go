package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/livesync/cache"
	"github.com/maxpert/livesync/channel"
	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/persistence"
	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

// Mutate applies a local write. The cache is updated first and is never
// rolled back; a failed remote write returns ErrPersistence together with a
// receipt whose Retry future tracks the queued attempt.
func (e *Engine) Mutate(ctx context.Context, m Mutation) (Receipt, error) {
	if m.Entity == "" {
		return Receipt{}, fmt.Errorf("%w: entity is required", ErrInvalid)
	}
	if !m.Type.Valid() {
		return Receipt{}, fmt.Errorf("%w: unknown change type %q", ErrInvalid, m.Type)
	}
	id := m.Record.ID()
	if id == "" {
		return Receipt{}, fmt.Errorf("%w: record id is required", ErrInvalid)
	}

	now := e.config.Clock.Now()
	record := m.Record.Clone()
	if _, ok := record.UpdatedAt(); !ok {
		record[common.FieldUpdatedAt] = now.UTC().Format(time.RFC3339Nano)
	}
	if v := e.config.Validator; v != nil && m.Type != common.ChangeDelete {
		if err := v.Validate(m.Entity, record); err != nil {
			return Receipt{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	ev := common.ChangeEvent{
		Entity:    m.Entity,
		Type:      m.Type,
		Record:    record,
		Timestamp: now,
		ScopeKey:  common.ScopeKey(m.Entity, m.Scope),
		Source:    common.SourceLocal,
	}

	e.applyMu.Lock()
	e.write(cache.Key(m.Entity, id), ev)
	e.remember(ev)
	e.applyMu.Unlock()

	receipt := Receipt{Event: ev}
	if l := e.config.EventLog; l != nil {
		seq, err := l.Append(now, ev)
		if err != nil {
			telemetry.PersistenceErrorsTotal.With("event_log").Inc()
			log.Warn().Err(err).Str("scope_key", ev.ScopeKey).Msg("Failed to append to event log")
		}
		receipt.Seq = seq
	}

	err := persistence.Apply(ctx, e.config.Store, m.Type, m.Entity, record)
	if err != nil {
		telemetry.PersistenceErrorsTotal.With(strings.ToLower(string(m.Type))).Inc()
		e.reporter.Stats().RecordError()
		log.Warn().Err(err).
			Str("entity", m.Entity).
			Str("id", id).
			Str("type", string(m.Type)).
			Msg("Remote write failed, queued for retry")

		receipt.Retry = e.retries.Enqueue(m.Entity+"/"+id, func(ctx context.Context) error {
			if err := persistence.Apply(ctx, e.config.Store, m.Type, m.Entity, record); err != nil {
				return err
			}
			e.publish(ctx, ev)
			return nil
		})
		return receipt, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	e.publish(ctx, ev)
	return receipt, nil
}

// publish broadcasts a persisted local change to other clients and hands it
// to local subscribers of the same scope key.
func (e *Engine) publish(ctx context.Context, ev common.ChangeEvent) {
	err := e.channels.Send(ctx, ev.ScopeKey, common.Broadcast{
		Entity:    ev.Entity,
		Type:      ev.Type,
		Data:      ev.Record,
		Timestamp: ev.Timestamp,
		Origin:    e.config.Origin,
	})
	switch {
	case errors.Is(err, channel.ErrNotConnected):
		log.Debug().Str("scope_key", ev.ScopeKey).Msg("No live channel, skipping broadcast")
	case err != nil:
		log.Warn().Err(err).Str("scope_key", ev.ScopeKey).Msg("Broadcast failed")
	}

	e.channels.FanOut(ev)
}
