package rcu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeferRunsAfterReaders(t *testing.T) {
	dom := New()
	defer dom.Close()

	r := dom.Reader()
	defer r.Close()

	r.Lock()
	var ran atomic.Bool
	done := make(chan struct{})
	go func() {
		dom.Defer(func() { ran.Store(true) })
		dom.Barrier()
		close(done)
	}()

	// The reader is still inside its section: the callback must not
	// have run yet.
	time.Sleep(50 * time.Millisecond)
	require.False(t, ran.Load())

	r.Unlock()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("barrier did not complete after reader exit")
	}
	require.True(t, ran.Load())
}

func TestDeferNeverSynchronous(t *testing.T) {
	dom := New()
	defer dom.Close()

	var ran atomic.Bool
	dom.Defer(func() { ran.Store(true) })
	require.False(t, ran.Load())
	dom.Barrier()
	require.True(t, ran.Load())
}

func TestReadSectionNesting(t *testing.T) {
	dom := New()
	defer dom.Close()

	r := dom.Reader()
	defer r.Close()

	r.Lock()
	r.Lock()
	r.Unlock()
	require.NotZero(t, r.state.Load(), "still inside the outer section")

	var ran atomic.Bool
	dom.Defer(func() { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	dom.kick()
	time.Sleep(20 * time.Millisecond)
	require.False(t, ran.Load())

	r.Unlock()
	require.Zero(t, r.state.Load())
	dom.Barrier()
	require.True(t, ran.Load())
}

func TestUnbalancedUnlockPanics(t *testing.T) {
	dom := New()
	defer dom.Close()
	r := dom.Reader()
	defer r.Close()
	require.Panics(t, func() { r.Unlock() })
}

func TestSynchronizeWaitsActiveSections(t *testing.T) {
	dom := New()
	defer dom.Close()

	const readers = 4
	var inSection sync.WaitGroup
	release := make(chan struct{})
	inSection.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			r := dom.Reader()
			defer r.Close()
			r.Lock()
			inSection.Done()
			<-release
			r.Unlock()
		}()
	}
	inSection.Wait()

	synced := make(chan struct{})
	go func() {
		dom.Synchronize()
		close(synced)
	}()
	select {
	case <-synced:
		t.Fatal("synchronize returned with readers inside sections")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("synchronize stuck after readers exited")
	}
}

func TestBarrierDrainsAll(t *testing.T) {
	dom := New()
	var count atomic.Int64
	const n = 10_000
	for i := 0; i < n; i++ {
		dom.Defer(func() { count.Add(1) })
	}
	dom.Barrier()
	require.EqualValues(t, n, count.Load())
	st := dom.Stats()
	require.Zero(t, st.Pending)
	require.EqualValues(t, n, st.Reclaimed)
	require.NoError(t, dom.Close())
}

func TestCloseFlushesPending(t *testing.T) {
	dom := New()
	var count atomic.Int64
	for i := 0; i < 10; i++ {
		dom.Defer(func() { count.Add(1) })
	}
	require.NoError(t, dom.Close())
	require.EqualValues(t, 10, count.Load())
	require.Error(t, dom.Close())
}

func TestStatsString(t *testing.T) {
	dom := New()
	defer dom.Close()
	r := dom.Reader()
	defer r.Close()
	require.Contains(t, dom.Stats().String(), "readers=1")
}
