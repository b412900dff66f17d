// Package logstorage implements spec.md §4.1's LogStorage: a durable,
// index-addressed log built atop an embedded B+tree key-value engine
// (go.etcd.io/bbolt), with a separate column family (bucket) for
// configuration entries and truncate-prefix / truncate-suffix
// semantics used to resolve AppendEntries conflicts and log
// compaction after a snapshot.
package logstorage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/raftcore/raftcore/pkg/raft"
	"github.com/rs/zerolog"
)

var (
	defaultBucket = []byte("default")
	confBucket    = []byte("conf")
	metaFirstKey  = []byte("meta/firstLogIndex")
)

// ConfigurationObserver receives every configuration entry observed
// during init's replay of the conf column family, so a
// ConfigurationManager can rebuild its in-memory history without
// LogStorage depending on that package.
type ConfigurationObserver interface {
	ObserveConfiguration(entry raft.LogEntry)
}

// Options configures a LogStorage instance. It has no storage-engine
// tuning fields (write-buffer, block-cache, compaction or similar
// knobs): the bbolt database is always opened with bbolt's own
// defaults, apart from the Sync flag.
type Options struct {
	Path   string
	Sync   bool
	Codec  LogEntryCodec
	Logger zerolog.Logger

	Observer ConfigurationObserver
}

// Storage is the durable log. All exported methods are safe for
// concurrent use.
type Storage struct {
	mu     sync.RWMutex // guards lifecycle (init/close/reset); data paths take RLock
	opts   Options
	db     *bolt.DB
	codec  LogEntryCodec
	logger zerolog.Logger

	firstIndex atomic.Uint64
	lastIndex  atomic.Uint64

	compactions atomic.Uint64 // bumped by truncatePrefix; see DESIGN.md doCompactByTimes note
}

// Open opens (creating if absent) the embedded store at opts.Path,
// replays the conf column family into opts.Observer, and restores
// firstLogIndex from the distinguished meta key.
func Open(opts Options) (*Storage, error) {
	if opts.Codec == nil {
		opts.Codec = GobCodec{}
	}
	db, err := bolt.Open(opts.Path, 0644, &bolt.Options{NoSync: !opts.Sync})
	if err != nil {
		return nil, fmt.Errorf("logstorage: open %s: %w", opts.Path, err)
	}

	s := &Storage{opts: opts, db: db, codec: opts.Codec, logger: opts.Logger}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(defaultBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(confBucket); err != nil {
			return err
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("logstorage: create column families: %w", err)
	}

	if err := s.replay(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) replay() error {
	var first, last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(confBucket)
		if v := meta.Get(metaFirstKey); v != nil {
			first = binary.BigEndian.Uint64(v)
		}

		def := tx.Bucket(defaultBucket)
		c := def.Cursor()
		if k, _ := c.Last(); k != nil {
			last = binary.BigEndian.Uint64(k)
		}

		if s.opts.Observer != nil {
			cc := tx.Bucket(confBucket)
			cur := cc.Cursor()
			for k, v := cur.First(); k != nil; k, v = cur.Next() {
				if string(k) == string(metaFirstKey) {
					continue
				}
				entry, err := s.codec.Decode(v)
				if err != nil {
					s.logger.Warn().Err(err).Msg("logstorage: skipping unreadable conf entry during replay")
					continue
				}
				s.opts.Observer.ObserveConfiguration(entry)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("logstorage: replay: %w", err)
	}
	if first == 0 {
		first = 1
	}
	s.firstIndex.Store(first)
	s.lastIndex.Store(last)
	return nil
}

func encodeKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}

// AppendEntry appends a single entry; see AppendEntries.
func (s *Storage) AppendEntry(e raft.LogEntry) (int, error) {
	return s.AppendEntries([]raft.LogEntry{e})
}

// AppendEntries writes entries atomically in one write-batch commit
// and returns the number successfully written. Configuration entries
// are dual-written to both column families at the same key.
func (s *Storage) AppendEntries(entries []raft.LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		def := tx.Bucket(defaultBucket)
		conf := tx.Bucket(confBucket)
		for _, e := range entries {
			key := encodeKey(e.Id.Index)
			enc, err := s.codec.Encode(e)
			if err != nil {
				return err
			}
			if err := def.Put(key, enc); err != nil {
				return err
			}
			if e.Type == raft.EntryConfiguration {
				if err := conf.Put(key, enc); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Int("count", len(entries)).Msg("logstorage: append batch failed")
		return 0, fmt.Errorf("%w: %v", raft.ErrStorageIO, err)
	}

	last := entries[len(entries)-1].Id.Index
	for {
		cur := s.lastIndex.Load()
		if last <= cur {
			break
		}
		if s.lastIndex.CompareAndSwap(cur, last) {
			break
		}
	}
	return len(entries), nil
}

// GetEntry returns the entry at index, or (zero, false) when index is
// outside [firstLogIndex, lastLogIndex].
func (s *Storage) GetEntry(index uint64) (raft.LogEntry, bool) {
	if index < s.firstIndex.Load() || index > s.lastIndex.Load() || index == 0 {
		return raft.LogEntry{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entry raft.LogEntry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(defaultBucket).Get(encodeKey(index))
		if v == nil {
			return nil
		}
		e, err := s.codec.Decode(v)
		if err != nil {
			return err
		}
		entry, found = e, true
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Uint64("index", index).Msg("logstorage: read failed")
		return raft.LogEntry{}, false
	}
	return entry, found
}

// GetTerm returns the term of the entry at index, or 0 when absent.
func (s *Storage) GetTerm(index uint64) uint64 {
	e, ok := s.GetEntry(index)
	if !ok {
		return 0
	}
	return e.Id.Term
}

func (s *Storage) FirstLogIndex() uint64 { return s.firstIndex.Load() }
func (s *Storage) LastLogIndex() uint64  { return s.lastIndex.Load() }

// TruncatePrefix persists the new firstLogIndex, then range-deletes
// [oldFirst, firstIndexKept) from both column families. It must never
// be called with an index past what has already been applied; callers
// (FSMCaller/Node) are responsible for that check. Idempotent: calling
// it twice with the same (or a smaller) value is a no-op the second
// time.
func (s *Storage) TruncatePrefix(firstIndexKept uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	oldFirst := s.firstIndex.Load()
	if firstIndexKept <= oldFirst {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		conf := tx.Bucket(confBucket)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, firstIndexKept)
		if err := conf.Put(metaFirstKey, buf); err != nil {
			return err
		}
		if err := rangeDelete(tx.Bucket(defaultBucket), oldFirst, firstIndexKept); err != nil {
			return err
		}
		return rangeDelete(conf, oldFirst, firstIndexKept)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("logstorage: truncatePrefix failed")
		return fmt.Errorf("%w: %v", raft.ErrStorageIO, err)
	}
	s.firstIndex.Store(firstIndexKept)

	// doCompactByTimes: spec.md §9 flags the source's manual
	// compaction call as suspiciously commented-out. bbolt reclaims
	// freelist pages from deleted keys on its own during normal
	// writes, so no explicit compaction call exists here; we still
	// track how many prefix-truncations have run so an operator can
	// correlate file growth with truncation cadence if bbolt's own
	// policy ever proves insufficient. See DESIGN.md.
	s.compactions.Add(1)
	return nil
}

// TruncateSuffix range-deletes (lastIndexKept, lastLogIndex] from both
// column families, used to resolve AppendEntries conflicts on
// followers.
func (s *Storage) TruncateSuffix(lastIndexKept uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := s.lastIndex.Load()
	if lastIndexKept >= last {
		return nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := rangeDelete(tx.Bucket(defaultBucket), lastIndexKept+1, last+1); err != nil {
			return err
		}
		return rangeDelete(tx.Bucket(confBucket), lastIndexKept+1, last+1)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("logstorage: truncateSuffix failed")
		return fmt.Errorf("%w: %v", raft.ErrStorageIO, err)
	}
	s.lastIndex.Store(lastIndexKept)
	return nil
}

// rangeDelete removes keys in [from, to) from bucket. bbolt has no
// native range-delete, so this walks a cursor seeked at the start key.
func rangeDelete(bucket *bolt.Bucket, from, to uint64) error {
	c := bucket.Cursor()
	start := encodeKey(from)
	for k, _ := c.Seek(start); k != nil; k, _ = c.Next() {
		if len(k) != 8 {
			continue // skip the meta key, which lives in the same bucket
		}
		idx := binary.BigEndian.Uint64(k)
		if idx >= to {
			break
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// Reset destroys and recreates the store, writing a synthetic NO_OP
// entry at nextLogIndex (term 0) as a known anchor for subsequent
// appends. Used when installing a snapshot whose last-included index
// is beyond anything locally known.
func (s *Storage) Reset(nextLogIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(defaultBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if err := tx.DeleteBucket(confBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if _, err := tx.CreateBucket(defaultBucket); err != nil {
			return err
		}
		conf, err := tx.CreateBucket(confBucket)
		if err != nil {
			return err
		}

		anchor := raft.LogEntry{Id: raft.LogId{Index: nextLogIndex, Term: 0}, Type: raft.EntryNoOp}
		enc, err := s.codec.Encode(anchor)
		if err != nil {
			return err
		}
		if err := tx.Bucket(defaultBucket).Put(encodeKey(nextLogIndex), enc); err != nil {
			return err
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, nextLogIndex)
		return conf.Put(metaFirstKey, buf)
	})
	if err != nil {
		return fmt.Errorf("logstorage: reset: %w", err)
	}
	s.firstIndex.Store(nextLogIndex)
	s.lastIndex.Store(nextLogIndex)
	return nil
}

// Close releases the underlying database handle. Matches the fixed
// close order spec.md §5 describes for the shared storage engine
// handle: there are no separate CF-option objects to close with
// bbolt, so this reduces to closing the single *bolt.DB.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Compactions returns how many TruncatePrefix calls have advanced the
// first log index; calls that leave it unchanged are not counted.
func (s *Storage) Compactions() uint64 { return s.compactions.Load() }
