// Package readonly implements spec.md §4.5's ReadOnlyService: it lets
// the leader serve linearizable reads without appending a log entry,
// by confirming a ReadIndex against quorum once per batch and then
// waiting for the local state machine to catch up to that index.
//
// The pending-request queue is a bounded channel (the disruptor
// ring-buffer replacement spec.md §9 calls for); the wait for the
// applied index to catch up is event-driven via an AppliedListener
// registered on fsmcaller.Caller, grounded in divtxt-raft-consensus's
// logindex/watched.go notify-on-change idiom, rather than a polling
// loop.
package readonly

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/raftcore/raftcore/pkg/raft"
)

// QuorumChecker confirms that the caller is still leader as of the
// current commit index by round-tripping a ReadIndex RPC (or
// equivalent heartbeat round) to a quorum of peers. Node implements
// this by sending ReadIndex RPCs to its voting peers directly.
type QuorumChecker interface {
	ConfirmReadIndex(ctx context.Context) (uint64, error)
}

// AppliedIndexSource exposes the local applied index; fsmcaller.Caller
// satisfies this directly.
type AppliedIndexSource interface {
	LastAppliedIndex() uint64
}

type request struct {
	ctx      context.Context
	resultCh chan result
}

type result struct {
	index uint64
	err   error
}

// Options configures a Service.
type Options struct {
	QueueDepth      int
	MaxBatchDelay   time.Duration // how long to wait collecting a batch before confirming
	MaxBatchSize    int
	SpinAttempts    int           // quick non-blocking checks before falling back to event-driven wait
	SpinInterval    time.Duration
	MaxReadIndexLag uint64 // 0 disables the check: a waiter never fails fast on apply lag alone
	Logger          zerolog.Logger
}

// Service batches concurrent ReadIndex requests into as few quorum
// round trips as possible.
type Service struct {
	opts    Options
	quorum  QuorumChecker
	applied AppliedIndexSource

	reqCh chan *request
	done  chan struct{}
	wg    sync.WaitGroup

	notifyMu sync.Mutex
	notifyCh chan struct{}
}

func New(quorum QuorumChecker, applied AppliedIndexSource, opts Options) *Service {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 4096
	}
	if opts.MaxBatchDelay <= 0 {
		opts.MaxBatchDelay = 2 * time.Millisecond
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 256
	}
	if opts.SpinAttempts <= 0 {
		opts.SpinAttempts = 3
	}
	if opts.SpinInterval <= 0 {
		opts.SpinInterval = 200 * time.Microsecond
	}
	s := &Service{
		opts:     opts,
		quorum:   quorum,
		applied:  applied,
		reqCh:    make(chan *request, opts.QueueDepth),
		done:     make(chan struct{}),
		notifyCh: make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// OnApplied is registered as an fsmcaller.AppliedListener. Non-blocking.
func (s *Service) OnApplied(appliedIndex uint64) {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// ReadIndex blocks until a safe read index is confirmed by quorum and
// locally applied, or ctx is canceled, or the service is shut down.
func (s *Service) ReadIndex(ctx context.Context) (uint64, error) {
	req := &request{ctx: ctx, resultCh: make(chan result, 1)}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, raft.ErrShutdown
	}

	select {
	case r := <-req.resultCh:
		return r.index, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, raft.ErrShutdown
	}
}

func (s *Service) Shutdown() {
	close(s.done)
	s.wg.Wait()
}

func (s *Service) loop() {
	defer s.wg.Done()
	for {
		first, ok := s.nextRequest()
		if !ok {
			return
		}
		batch := []*request{first}
		batch = s.fillBatch(batch)
		s.resolveBatch(batch)
	}
}

func (s *Service) nextRequest() (*request, bool) {
	select {
	case r := <-s.reqCh:
		return r, true
	case <-s.done:
		return nil, false
	}
}

// fillBatch drains whatever else has queued up within MaxBatchDelay,
// up to MaxBatchSize, so a burst of concurrent reads shares a single
// quorum round trip.
func (s *Service) fillBatch(batch []*request) []*request {
	deadline := time.NewTimer(s.opts.MaxBatchDelay)
	defer deadline.Stop()
	for len(batch) < s.opts.MaxBatchSize {
		select {
		case r := <-s.reqCh:
			batch = append(batch, r)
		case <-deadline.C:
			return batch
		case <-s.done:
			return batch
		}
	}
	return batch
}

func (s *Service) resolveBatch(batch []*request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	index, err := s.quorum.ConfirmReadIndex(ctx)
	if err != nil {
		for _, r := range batch {
			r.resultCh <- result{err: err}
		}
		return
	}

	if err := s.waitApplied(ctx, index); err != nil {
		for _, r := range batch {
			r.resultCh <- result{err: err}
		}
		return
	}

	for _, r := range batch {
		select {
		case <-r.ctx.Done():
			r.resultCh <- result{err: r.ctx.Err()}
		default:
			r.resultCh <- result{index: index}
		}
	}
}

// waitApplied blocks until the local applied index reaches at least
// target. It spins briefly (the common case: the index is already
// caught up, or catches up within microseconds) before parking on the
// event-driven notify channel. If MaxReadIndexLag is configured, a
// waiter that starts (or remains) further behind target than that
// fails fast with ErrReadIndexLag instead of waiting out ctx's full
// deadline for an apply that realistically will not land in time.
func (s *Service) waitApplied(ctx context.Context, target uint64) error {
	for i := 0; i < s.opts.SpinAttempts; i++ {
		applied := s.applied.LastAppliedIndex()
		if applied >= target {
			return nil
		}
		if s.lagExceeded(applied, target) {
			return raft.ErrReadIndexLag
		}
		time.Sleep(s.opts.SpinInterval)
	}

	for {
		applied := s.applied.LastAppliedIndex()
		if applied >= target {
			return nil
		}
		if s.lagExceeded(applied, target) {
			return raft.ErrReadIndexLag
		}
		select {
		case <-s.notifyCh:
			continue
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return raft.ErrShutdown
		}
	}
}

func (s *Service) lagExceeded(applied, target uint64) bool {
	if s.opts.MaxReadIndexLag == 0 {
		return false
	}
	return target-applied > s.opts.MaxReadIndexLag
}
