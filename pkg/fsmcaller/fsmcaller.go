// Package fsmcaller implements spec.md §4.3's FSMCaller: it drains
// committed log entries in order and applies them to the user state
// machine on a single dedicated goroutine, generalizing the teacher's
// Raft.applyCommittedEntries loop (repository_after/pkg/raft/raft.go)
// into a standalone, channel-driven task queue in place of the
// teacher's inline per-tick loop — the bounded-channel replacement for
// a disruptor-style ring buffer spec.md §9 calls for.
package fsmcaller

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/raftcore/raftcore/pkg/ballotbox"
	"github.com/raftcore/raftcore/pkg/raft"
)

// StateMachine is the user-supplied application being replicated.
// pkg/kv.Store satisfies this directly.
type StateMachine interface {
	Apply(command []byte) (interface{}, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// LogReader is the subset of logstorage.Storage the caller needs to
// fetch entries by index and, once a snapshot has absorbed a log
// prefix, to drop it; declared locally to avoid an import cycle.
type LogReader interface {
	GetEntry(index uint64) (raft.LogEntry, bool)
	TruncatePrefix(firstIndexKept uint64) error
}

// ConfigurationApplier is notified when a configuration entry is
// applied, so confmanager's observed history and the live peer set
// stay in lockstep with what has actually taken effect (as opposed to
// what is merely committed). It also answers the configuration a
// snapshot at a given index should capture, and drops history a
// snapshot has made obsolete.
type ConfigurationApplier interface {
	ObserveConfiguration(e raft.LogEntry)
	At(index uint64) (raft.Configuration, bool)
	TruncatePrefix(firstIndexKept uint64)
}

// Snapshotter receives the bytes produced by StateMachine.Snapshot
// along with the log position and configuration they correspond to.
// pkg/node's snapshotStore implements this and doubles as the
// replicator.SnapshotSource a lagging follower is caught up from.
type Snapshotter interface {
	SaveSnapshot(data []byte, lastIncludedIndex, lastIncludedTerm uint64, conf raft.Configuration)
}

// task is one queued unit of work: either "apply up through index,
// invoking these closures" or a snapshot request.
type task struct {
	upTo      uint64
	closures  []ballotbox.Closure
	onSnapshot func()
}

// Caller drains committed indices and applies the corresponding log
// entries on a single consumer goroutine, satisfying
// ballotbox.FSMCaller. Registered AppliedListeners are notified after
// every applied entry, letting pkg/readonly wake waiters without polling.
type Caller struct {
	sm     StateMachine
	log    LogReader
	confAp ConfigurationApplier
	snap   Snapshotter
	logger zerolog.Logger

	queue chan task
	done  chan struct{}
	wg    sync.WaitGroup

	lastApplied atomic.Uint64

	listenersMu sync.RWMutex
	listeners   []AppliedListener

	snapshotEvery uint64
	sinceSnapshot atomic.Uint64
}

// AppliedListener is notified (non-blocking, best-effort) every time
// the applied index advances. pkg/readonly registers one of these to
// resolve ReadIndex waiters without a polling loop.
type AppliedListener func(appliedIndex uint64)

// Options configures a Caller.
type Options struct {
	QueueDepth    int
	SnapshotEvery uint64 // 0 disables periodic snapshotting
	Snapshotter   Snapshotter
	Logger        zerolog.Logger
}

func New(sm StateMachine, log LogReader, confAp ConfigurationApplier, opts Options) *Caller {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}
	c := &Caller{
		sm:            sm,
		log:           log,
		confAp:        confAp,
		snap:          opts.Snapshotter,
		logger:        opts.Logger,
		queue:         make(chan task, opts.QueueDepth),
		done:          make(chan struct{}),
		snapshotEvery: opts.SnapshotEvery,
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// OnCommitted satisfies ballotbox.FSMCaller: enqueue the newly
// committed range for application. Blocks if the queue is full,
// exerting natural backpressure on the caller (BallotBox.CommitAt)
// rather than dropping work.
func (c *Caller) OnCommitted(index uint64, closures []ballotbox.Closure) {
	select {
	case c.queue <- task{upTo: index, closures: closures}:
	case <-c.done:
	}
}

// RequestSnapshot enqueues an out-of-band snapshot trigger, run after
// all entries currently queued ahead of it have been applied so the
// snapshot reflects a consistent prefix of the log.
func (c *Caller) RequestSnapshot(onDone func()) {
	select {
	case c.queue <- task{onSnapshot: onDone}:
	case <-c.done:
	}
}

// LastAppliedIndex is safe for concurrent use from any goroutine.
func (c *Caller) LastAppliedIndex() uint64 { return c.lastApplied.Load() }

// AddAppliedListener registers a callback invoked after every applied
// entry. Intended for pkg/readonly's ReadIndex notify path.
func (c *Caller) AddAppliedListener(l AppliedListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Shutdown stops the consumer loop and waits for it to drain its
// current task. Queued-but-not-yet-started tasks are discarded; their
// closures are the caller's responsibility to resolve via
// ballotbox.ClearPendingTasks on step-down.
func (c *Caller) Shutdown() {
	close(c.done)
	c.wg.Wait()
}

func (c *Caller) loop() {
	defer c.wg.Done()
	for {
		select {
		case t := <-c.queue:
			c.handle(t)
		case <-c.done:
			return
		}
	}
}

func (c *Caller) handle(t task) {
	if t.onSnapshot != nil {
		c.captureSnapshot(c.lastApplied.Load())
		t.onSnapshot()
		return
	}

	applied := c.lastApplied.Load()
	for idx := applied + 1; idx <= t.upTo; idx++ {
		entry, ok := c.log.GetEntry(idx)
		if !ok {
			c.logger.Warn().Uint64("index", idx).Msg("fsmcaller: missing log entry for committed index")
			continue
		}
		var result interface{}
		var applyErr error
		switch entry.Type {
		case raft.EntryData:
			if len(entry.Data) > 0 {
				result, applyErr = c.sm.Apply(entry.Data)
			}
		case raft.EntryConfiguration:
			if c.confAp != nil {
				c.confAp.ObserveConfiguration(entry)
			}
		case raft.EntryNoOp:
			// resolves any read-barrier waiter parked on this index; no state-machine effect.
		}

		c.lastApplied.Store(idx)
		c.notify(idx)

		if len(t.closures) > 0 {
			slot := int(idx - applied - 1)
			if slot < len(t.closures) && t.closures[slot] != nil {
				_ = result
				t.closures[slot](applyErr)
			}
		}

		if c.snapshotEvery > 0 && c.sinceSnapshot.Add(1) >= c.snapshotEvery {
			c.captureSnapshot(idx)
		}
	}
}

// captureSnapshot takes a state-machine snapshot at lastIncludedIndex,
// hands it to the Snapshotter, and truncates the log and configuration
// history prefixes it subsumes. A no-op when no Snapshotter is
// configured, or when the index has nothing applied at it yet.
func (c *Caller) captureSnapshot(lastIncludedIndex uint64) {
	c.sinceSnapshot.Store(0)
	if c.snap == nil || c.confAp == nil || lastIncludedIndex == 0 {
		return
	}

	entry, ok := c.log.GetEntry(lastIncludedIndex)
	if !ok {
		c.logger.Warn().Uint64("index", lastIncludedIndex).Msg("fsmcaller: cannot snapshot, log entry missing")
		return
	}
	conf, ok := c.confAp.At(lastIncludedIndex)
	if !ok {
		c.logger.Warn().Uint64("index", lastIncludedIndex).Msg("fsmcaller: cannot snapshot, no configuration known at index")
		return
	}

	data, err := c.sm.Snapshot()
	if err != nil {
		c.logger.Error().Err(err).Uint64("index", lastIncludedIndex).Msg("fsmcaller: state machine snapshot failed")
		return
	}

	c.snap.SaveSnapshot(data, lastIncludedIndex, entry.Id.Term, conf)

	if err := c.log.TruncatePrefix(lastIncludedIndex); err != nil {
		c.logger.Error().Err(err).Uint64("index", lastIncludedIndex).Msg("fsmcaller: log prefix truncation failed")
	}
	c.confAp.TruncatePrefix(lastIncludedIndex)

	c.logger.Info().Uint64("index", lastIncludedIndex).Uint64("term", entry.Id.Term).Msg("fsmcaller: snapshot captured")
}

func (c *Caller) notify(appliedIndex uint64) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, l := range c.listeners {
		l(appliedIndex)
	}
}
