// Package rcu provides the grace-period domain the index structures are
// built on: read-side critical sections that never lock, block or retry,
// and deferred reclamation of memory unlinked by writers.
//
// A Domain tracks registered readers through per-reader epoch cells.
// Writers advance the domain epoch and wait out readers still inside a
// section that began under an older epoch. Objects retired by writers are
// queued and handed to a worker pool once a grace period has elapsed, so
// no reader can still hold a reference when the reclaim callback runs.
package rcu

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"cosmossdk.io/log"
	"github.com/alitto/pond/v2"
)

// Domain is the process-wide grace-period state: the reader registry and
// the pending-reclaim queue. All structures sharing a Domain may be read
// inside the same read section.
type Domain struct {
	logger  log.Logger
	metrics *Metrics

	// epoch is bumped by Synchronize. Readers snapshot it on entering a
	// section; 0 is reserved to mean "offline".
	epoch atomic.Uint64

	regMu   sync.Mutex
	readers map[*Reader]struct{}

	pendMu  sync.Mutex
	pending []func()

	// unreclaimed counts callbacks deferred but not yet executed.
	unreclaimed atomic.Int64
	reclaimed   atomic.Uint64

	pool   pond.Pool
	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// Option configures a Domain.
type Option func(*Domain)

// WithLogger sets the domain logger. Defaults to a nop logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Domain) { d.logger = logger }
}

// WithMetrics attaches prometheus collectors to the domain.
func WithMetrics(m *Metrics) Option {
	return func(d *Domain) { d.metrics = m }
}

// reclaimWorkers is the size of the pool executing reclaim callbacks.
const reclaimWorkers = 2

// New creates a grace-period domain. Close must be called once no
// structure uses it anymore.
func New(opts ...Option) *Domain {
	d := &Domain{
		logger:  log.NewNopLogger(),
		readers: make(map[*Reader]struct{}),
		pool:    pond.NewPool(reclaimWorkers),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	// Epoch 0 means "reader offline", so the domain starts at 1.
	d.epoch.Store(1)
	d.wg.Add(1)
	go d.reclaimLoop()
	return d
}

// Close drains all pending deferrals and stops the domain. No reader may
// be inside a section and no further Defer calls may be issued.
func (d *Domain) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("rcu: domain already closed")
	}
	close(d.done)
	d.wg.Wait()
	d.flush()
	d.pool.StopAndWait()
	return nil
}

// Synchronize waits until every read section active at the time of the
// call has completed. It does not wait for later sections.
func (d *Domain) Synchronize() {
	target := d.epoch.Add(1)

	d.regMu.Lock()
	readers := make([]*Reader, 0, len(d.readers))
	for r := range d.readers {
		readers = append(readers, r)
	}
	d.regMu.Unlock()

	for _, r := range readers {
		for {
			s := r.state.Load()
			if s == 0 || s >= target {
				break
			}
			runtime.Gosched()
		}
	}
	if d.metrics != nil {
		d.metrics.GracePeriods.Inc()
	}
}

// Defer schedules fn to run after all read sections currently active have
// ended. fn is never run synchronously; it executes on the domain's
// reclaim pool.
func (d *Domain) Defer(fn func()) {
	d.unreclaimed.Add(1)
	if d.metrics != nil {
		d.metrics.Deferred.Inc()
	}
	d.pendMu.Lock()
	d.pending = append(d.pending, fn)
	n := len(d.pending)
	d.pendMu.Unlock()
	if n >= reclaimBatch {
		d.kick()
	}
}

// Barrier blocks until every deferral issued before the call has executed.
func (d *Domain) Barrier() {
	for d.unreclaimed.Load() > 0 {
		d.kick()
		runtime.Gosched()
	}
}

// reclaimBatch is the queue depth at which the reclaimer is woken early
// instead of waiting for the next Barrier or kick.
const reclaimBatch = 128

func (d *Domain) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Domain) reclaimLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.wake:
			d.flush()
		case <-d.done:
			return
		}
	}
}

// flush takes the pending batch, waits a grace period, and hands the
// callbacks to the pool.
func (d *Domain) flush() {
	d.pendMu.Lock()
	batch := d.pending
	d.pending = nil
	d.pendMu.Unlock()
	if len(batch) == 0 {
		return
	}
	d.Synchronize()
	for _, fn := range batch {
		fn := fn
		d.pool.Submit(func() {
			fn()
			d.unreclaimed.Add(-1)
			d.reclaimed.Add(1)
		})
	}
	d.logger.Debug("reclaimed batch after grace period", "size", len(batch))
}
