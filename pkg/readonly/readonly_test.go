package readonly

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftcore/raftcore/pkg/raft"
)

type fakeQuorum struct {
	index atomic.Uint64
	calls atomic.Uint64
	err   error
}

func (q *fakeQuorum) ConfirmReadIndex(ctx context.Context) (uint64, error) {
	q.calls.Add(1)
	if q.err != nil {
		return 0, q.err
	}
	return q.index.Load(), nil
}

type fakeApplied struct {
	v atomic.Uint64
}

func (a *fakeApplied) LastAppliedIndex() uint64 { return a.v.Load() }

func TestReadIndexResolvesOnceApplied(t *testing.T) {
	q := &fakeQuorum{}
	q.index.Store(5)
	applied := &fakeApplied{}
	applied.v.Store(5)

	svc := New(q, applied, Options{SpinAttempts: 2, SpinInterval: time.Millisecond})
	defer svc.Shutdown()

	idx, err := svc.ReadIndex(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), idx)
}

func TestReadIndexWaitsForApplyThenNotify(t *testing.T) {
	q := &fakeQuorum{}
	q.index.Store(10)
	applied := &fakeApplied{}
	applied.v.Store(3)

	svc := New(q, applied, Options{SpinAttempts: 1, SpinInterval: time.Millisecond})
	defer svc.Shutdown()

	done := make(chan struct{})
	var idx uint64
	var err error
	go func() {
		idx, err = svc.ReadIndex(context.Background())
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	applied.v.Store(10)
	svc.OnApplied(10)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ReadIndex did not resolve after applied index caught up")
	}
	require.NoError(t, err)
	require.Equal(t, uint64(10), idx)
}

func TestReadIndexBatchesConcurrentRequests(t *testing.T) {
	q := &fakeQuorum{}
	q.index.Store(7)
	applied := &fakeApplied{}
	applied.v.Store(7)

	svc := New(q, applied, Options{MaxBatchDelay: 20 * time.Millisecond, SpinAttempts: 1, SpinInterval: time.Millisecond})
	defer svc.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := svc.ReadIndex(context.Background())
			require.NoError(t, err)
			require.Equal(t, uint64(7), idx)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, q.calls.Load(), uint64(5))
}

func TestReadIndexPropagatesQuorumError(t *testing.T) {
	q := &fakeQuorum{err: context.DeadlineExceeded}
	applied := &fakeApplied{}

	svc := New(q, applied, Options{})
	defer svc.Shutdown()

	_, err := svc.ReadIndex(context.Background())
	require.Error(t, err)
}

func TestReadIndexFailsFastWhenLagExceedsMax(t *testing.T) {
	q := &fakeQuorum{}
	q.index.Store(100)
	applied := &fakeApplied{}
	applied.v.Store(1)

	svc := New(q, applied, Options{SpinAttempts: 1, SpinInterval: time.Millisecond, MaxReadIndexLag: 5})
	defer svc.Shutdown()

	_, err := svc.ReadIndex(context.Background())
	require.ErrorIs(t, err, raft.ErrReadIndexLag)
}
