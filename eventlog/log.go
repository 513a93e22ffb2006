// Package eventlog is a bounded, Pebble-backed append-only log of local
// mutations, kept so another session can replay what this one changed.
package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/livesync/common"
	"github.com/maxpert/livesync/encoding"
	"github.com/rs/zerolog/log"
)

// Key layout
const (
	prefixEntry = "/evlog/" // /evlog/{16-hex-digit seq}
	keySeq      = "/evseq"  // next sequence, little endian uint64
)

const (
	DefaultMaxEntries = 500
	defaultReadLimit  = 100
	trimEvery         = 0x3F // trim every 64 appends
)

var ErrClosed = errors.New("event log is closed")

// Entry is one logged mutation.
type Entry struct {
	Seq   uint64             `msgpack:"seq"`
	At    time.Time          `msgpack:"at"`
	Event common.ChangeEvent `msgpack:"event"`
}

// Log keeps at most MaxEntries recent entries.
type Log struct {
	db         *pebble.DB
	path       string
	maxEntries uint64

	appendMu sync.Mutex
	nextSeq  atomic.Uint64
	closed   atomic.Bool
}

// Open creates or opens the log under dataDir.
func Open(dataDir string, maxEntries int) (*Log, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	path := filepath.Join(dataDir, "event_log")

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open event log at %s: %w", path, err)
	}

	l := &Log{db: db, path: path, maxEntries: uint64(maxEntries)}
	if err := l.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	return l, nil
}

func (l *Log) loadNextSeq() error {
	val, closer, err := l.db.Get([]byte(keySeq))
	if errors.Is(err, pebble.ErrNotFound) {
		l.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	l.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

// Append logs ev and returns its sequence number.
func (l *Log) Append(at time.Time, ev common.ChangeEvent) (uint64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	seq := l.nextSeq.Load() + 1
	val, err := encoding.Marshal(&Entry{Seq: seq, At: at, Event: ev})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(entryKey(seq)), val, nil); err != nil {
		return 0, fmt.Errorf("failed to write event: %w", err)
	}
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(keySeq), seqBuf, nil); err != nil {
		return 0, fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	l.nextSeq.Store(seq)

	if seq&trimEvery == 0 {
		l.trim(seq)
	}
	return seq, nil
}

// LastSeq returns the sequence of the newest entry.
func (l *Log) LastSeq() uint64 {
	return l.nextSeq.Load()
}

// ReadFrom returns up to limit entries with Seq > after, oldest first.
func (l *Log) ReadFrom(after uint64, limit int) ([]Entry, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	if floor := l.floor(); after < floor {
		after = floor
	}
	start := []byte(entryKey(after + 1))
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixEntry)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	for iter.SeekGE(start); iter.Valid() && len(entries) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var entry Entry
		if err := encoding.Unmarshal(val, &entry); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal event log entry")
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Replay calls fn for every retained entry after seq, in order. It stops at
// the first error fn returns.
func (l *Log) Replay(after uint64, fn func(Entry) error) error {
	for {
		entries, err := l.ReadFrom(after, defaultReadLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			if err := fn(e); err != nil {
				return err
			}
			after = e.Seq
		}
	}
}

// floor is the newest sequence that has fallen out of the retention window.
func (l *Log) floor() uint64 {
	last := l.nextSeq.Load()
	if last <= l.maxEntries {
		return 0
	}
	return last - l.maxEntries
}

// trim deletes entries that fell out of the retention window.
func (l *Log) trim(last uint64) {
	if last <= l.maxEntries {
		return
	}
	end := last - l.maxEntries + 1
	if err := l.db.DeleteRange([]byte(prefixEntry), []byte(entryKey(end)), pebble.NoSync); err != nil {
		log.Warn().Err(err).Uint64("below", end).Msg("Failed to trim event log")
		return
	}
	log.Debug().Uint64("below", end).Msg("Trimmed event log")
}

// Close closes the database.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return l.db.Close()
}

func entryKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixEntry, seq)
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
