// Package rangemap maintains a partition of the 64-bit key space into
// allocated and free segments, indexed by a radix trie keyed on segment
// start. The non-removed segments always tile [0, MaxKey] without gaps
// or overlaps, and free neighbours are merged so free runs stay maximal.
//
// Add carves an allocated segment out of a free one, splitting it into
// up to three replacements; Del merges the freed span with adjacent free
// segments. Replacement segments are inserted before the segments they
// supersede are removed, so a concurrent reader walking the trie sees
// the old partition or the new one at every key, bridged by the trie's
// duplicate-chain guarantee.
//
// A segment's type only ever moves to Removed; removed segments are
// unlinked and recycled after a grace period.
package rangemap

import (
	"errors"
	"math"
	"sync"
	"unsafe"

	"cosmossdk.io/log"

	"github.com/kocubinski/rcuidx/internal/atomicx"
	"github.com/kocubinski/rcuidx/jatrie"
	"github.com/kocubinski/rcuidx/rcu"
)

// MaxKey is the largest key the partition covers.
const MaxKey = math.MaxUint64 - 1

var (
	// ErrExists is returned when the requested span intersects an
	// allocated segment or straddles a segment boundary.
	ErrExists = errors.New("rangemap: range already in use")

	// ErrNotFound is returned when the segment to delete was already
	// removed.
	ErrNotFound = errors.New("rangemap: segment not found")

	// ErrInvalidRange rejects inverted spans and spans reaching past
	// MaxKey.
	ErrInvalidRange = errors.New("rangemap: invalid range")
)

// Type is a segment's allocation state.
type Type uint32

const (
	Free Type = iota
	Allocated
	Removed
)

// Segment is one maximal piece of the key space. Start and End are
// inclusive and immutable; Type moves to Removed exactly once.
type Segment struct {
	start uint64
	end   uint64
	typ   uint32 // Type, ordered access
	priv  any

	mu   sync.Mutex
	node jatrie.Node
}

// Start returns the segment's first key.
func (s *Segment) Start() uint64 { return s.start }

// End returns the segment's last key.
func (s *Segment) End() uint64 { return s.end }

// Priv returns the payload attached by Add.
func (s *Segment) Priv() any { return s.priv }

// Type returns the segment's current state.
func (s *Segment) Type() Type {
	return Type(atomicx.ConsumeU32(&s.typ))
}

func (s *Segment) setType(t Type) {
	atomicx.PublishU32(&s.typ, uint32(t))
}

// Lock takes the segment's mutex for use across a read-section exit,
// providing mutual exclusion against deletion. Returns nil if the
// segment was removed first, with the mutex released.
func (s *Segment) Lock() *Segment {
	s.mu.Lock()
	if s.Type() == Removed {
		s.mu.Unlock()
		return nil
	}
	return s
}

// Unlock releases a segment locked with Lock.
func (s *Segment) Unlock() {
	s.mu.Unlock()
}

// segmentOf recovers the segment from its embedded trie linkage.
func segmentOf(n *jatrie.Node) *Segment {
	return (*Segment)(unsafe.Pointer(uintptr(unsafe.Pointer(n)) - unsafe.Offsetof(Segment{}.node)))
}

// lastSegment returns the newest segment in a duplicate chain: additions
// append, so the tail supersedes earlier entries on the same start key.
func lastSegment(n *jatrie.Node) *Segment {
	for {
		nx := n.Next()
		if nx == nil {
			return segmentOf(n)
		}
		n = nx
	}
}

// Map is the range partition. Read-side calls (Lookup) must run inside
// an rcu read section; Add and Del serialize on per-segment mutexes.
type Map struct {
	trie    *jatrie.Trie
	dom     *rcu.Domain
	logger  log.Logger
	metrics *Metrics
	pool    sync.Pool
}

// Option configures a Map.
type Option func(*Map)

// WithLogger sets the map logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Map) { m.logger = logger }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(mt *Metrics) Option {
	return func(m *Map) { m.metrics = mt }
}

// New creates a partition seeded with a single free segment covering
// [0, MaxKey].
func New(dom *rcu.Domain, opts ...Option) (*Map, error) {
	m := &Map{
		dom:    dom,
		logger: log.NewNopLogger(),
		pool:   sync.Pool{New: func() any { return new(Segment) }},
	}
	for _, opt := range opts {
		opt(m)
	}
	trie, err := jatrie.New(64, dom)
	if err != nil {
		return nil, err
	}
	m.trie = trie
	seed := m.newSegment(0, MaxKey, Free, nil)
	if err := m.trie.Add(seed.start, &seed.node); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Map) newSegment(start, end uint64, typ Type, priv any) *Segment {
	s := m.pool.Get().(*Segment)
	s.start = start
	s.end = end
	s.priv = priv
	s.setType(typ)
	return s
}

// retire recycles a removed segment once all read sections that may
// still hold it have ended.
func (m *Map) retire(s *Segment) {
	m.dom.Defer(func() {
		s.priv = nil
		m.pool.Put(s)
	})
}

func (m *Map) retried() {
	if m.metrics != nil {
		m.metrics.Retries.Inc()
	}
}

// Lookup returns the allocated segment containing key, or nil. A nil
// result during a concurrent split or merge at the boundary means "no
// allocated range here"; callers wanting certainty follow up with Lock.
func (m *Map) Lookup(key uint64) *Segment {
	if key > MaxKey {
		return nil
	}
	node := m.trie.LookupBelowEqual(key)
	if node == nil {
		return nil
	}
	seg := lastSegment(node)
	if seg.Type() != Allocated || key > seg.end {
		return nil
	}
	return seg
}

// Add allocates [start, end] with payload priv out of a single free
// segment. Fails with ErrExists when the span intersects an allocated
// segment or straddles a boundary; free-range merging happens only on
// deletion.
func (m *Map) Add(start, end uint64, priv any) (*Segment, error) {
	if start > end || end > MaxKey {
		return nil, ErrInvalidRange
	}
	for {
		node := m.trie.LookupBelowEqual(start)
		if node == nil {
			// Mid-transition hole; the partition is being republished.
			m.retried()
			continue
		}
		old := lastSegment(node)
		switch old.Type() {
		case Allocated:
			return nil, ErrExists
		case Removed:
			m.retried()
			continue
		}
		endNode := m.trie.LookupBelowEqual(end)
		if endNode == nil {
			m.retried()
			continue
		}
		if other := lastSegment(endNode); other != old {
			if other.Type() == Removed {
				m.retried()
				continue
			}
			// Straddles the segment at other.start.
			return nil, ErrExists
		}

		old.mu.Lock()
		if old.Type() == Removed {
			old.mu.Unlock()
			m.retried()
			continue
		}
		if start < old.start || end > old.end {
			// The locked segment no longer covers the span.
			old.mu.Unlock()
			return nil, ErrExists
		}

		// Replacements: free left remainder, the allocation, free right
		// remainder. All inserted before the old segment is removed, so
		// every key stays covered through the transition.
		segs := make([]*Segment, 0, 3)
		if start > old.start {
			segs = append(segs, m.newSegment(old.start, start-1, Free, nil))
		}
		created := m.newSegment(start, end, Allocated, priv)
		segs = append(segs, created)
		if end < old.end {
			segs = append(segs, m.newSegment(end+1, old.end, Free, nil))
		}
		for _, s := range segs {
			s.mu.Lock()
		}
		for _, s := range segs {
			if err := m.trie.Add(s.start, &s.node); err != nil {
				panic("rangemap: partition insert failed: " + err.Error())
			}
		}
		if err := m.trie.Del(old.start, &old.node); err != nil {
			panic("rangemap: partition remove failed: " + err.Error())
		}
		old.setType(Removed)
		old.mu.Unlock()
		for i := len(segs) - 1; i >= 0; i-- {
			segs[i].mu.Unlock()
		}
		m.retire(old)
		if m.metrics != nil {
			m.metrics.Splits.Inc()
		}
		return created, nil
	}
}

// Del releases seg back into the free space, merging with free
// neighbours so no two free segments stay adjacent. Allocated
// neighbours are locked but kept: the lock only serializes concurrent
// deletions of abutting segments.
func (m *Map) Del(seg *Segment) error {
	for {
		if seg.Type() == Removed {
			return ErrNotFound
		}

		var left, right *Segment
		if seg.start > 0 {
			ln := m.trie.LookupBelowEqual(seg.start - 1)
			if ln == nil {
				m.retried()
				continue
			}
			left = lastSegment(ln)
			if left.end != seg.start-1 {
				// Neighbour mid-republication.
				m.retried()
				continue
			}
		}
		if seg.end < MaxKey {
			rn := m.trie.LookupAboveEqual(seg.end + 1)
			if rn == nil {
				m.retried()
				continue
			}
			right = lastSegment(rn)
			if right.start != seg.end+1 {
				m.retried()
				continue
			}
		}

		// Fixed increasing-key lock order across all writers.
		locks := make([]*Segment, 0, 3)
		if left != nil {
			locks = append(locks, left)
		}
		locks = append(locks, seg)
		if right != nil {
			locks = append(locks, right)
		}
		for _, s := range locks {
			s.mu.Lock()
		}
		stale := false
		for _, s := range locks {
			if s.Type() == Removed {
				stale = true
				break
			}
		}
		if stale {
			for i := len(locks) - 1; i >= 0; i-- {
				locks[i].mu.Unlock()
			}
			if seg.Type() == Removed {
				return ErrNotFound
			}
			m.retried()
			continue
		}

		// The contiguous non-allocated run around seg becomes one free
		// segment.
		start, end := seg.start, seg.end
		merge := make([]*Segment, 0, 3)
		if left != nil && left.Type() == Free {
			start = left.start
			merge = append(merge, left)
		}
		merge = append(merge, seg)
		if right != nil && right.Type() == Free {
			end = right.end
			merge = append(merge, right)
		}

		nu := m.newSegment(start, end, Free, nil)
		if err := m.trie.Add(nu.start, &nu.node); err != nil {
			panic("rangemap: partition insert failed: " + err.Error())
		}
		for _, s := range merge {
			if err := m.trie.Del(s.start, &s.node); err != nil {
				panic("rangemap: partition remove failed: " + err.Error())
			}
			s.setType(Removed)
		}
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].mu.Unlock()
		}
		for _, s := range merge {
			m.retire(s)
		}
		if m.metrics != nil {
			m.metrics.Merges.Inc()
		}
		return nil
	}
}

// Validate checks the partition invariant: non-removed segments tile
// [0, MaxKey] in order, with no adjacent free pair. Writers must be
// quiesced.
func (m *Map) Validate() error {
	var err error
	expect := uint64(0)
	covered := false
	prevFree := false
	m.trie.ForEach(func(key uint64, head *jatrie.Node) bool {
		if head.Next() != nil {
			err = errorsf("duplicate segments at key %d", key)
			return false
		}
		seg := segmentOf(head)
		switch {
		case seg.start != key:
			err = errorsf("segment keyed at %d starts at %d", key, seg.start)
		case seg.start != expect:
			err = errorsf("gap or overlap: expected start %d, got %d", expect, seg.start)
		case seg.end < seg.start:
			err = errorsf("inverted segment [%d, %d]", seg.start, seg.end)
		case seg.Type() == Removed:
			err = errorsf("removed segment [%d, %d] still linked", seg.start, seg.end)
		case prevFree && seg.Type() == Free:
			err = errorsf("adjacent free segments at %d", seg.start)
		}
		if err != nil {
			return false
		}
		prevFree = seg.Type() == Free
		covered = seg.end == MaxKey
		expect = seg.end + 1
		return true
	})
	if err != nil {
		return err
	}
	if !covered {
		return errorsf("partition ends at %d, want %d", expect-1, uint64(MaxKey))
	}
	return nil
}

// Close tears the partition down. No concurrent use.
func (m *Map) Close() {
	m.trie.Destroy(nil)
}
