package jatrie

import (
	"errors"
	"unsafe"

	"github.com/kocubinski/rcuidx/internal/atomicx"
)

// Node is embedded by callers in the records they index. Records sharing
// a key form a singly linked duplicate chain; new duplicates are
// appended at the tail.
type Node struct {
	next unsafe.Pointer // *Node
}

// Next returns the following duplicate, or nil at the end of the chain.
// Must run inside a read section.
func (n *Node) Next() *Node {
	return (*Node)(atomicx.ConsumePtr(&n.next))
}

// header is the first field of every internal node layout, so a child
// slot can be decoded by loading one pointer and reading its class.
type header struct {
	cls class
}

// linearSet is the count-prefixed parallel-array layout shared by linear
// nodes and pool sub-arrays. Readers load count, then scan digits, then
// load the matching child slot; writers publish in the opposite order so
// a reader either stops before a half-written slot or sees it complete.
// A cleared slot keeps its digit with a nil child, which readers treat
// as absent; the slot is reused on re-insertion of the same digit and
// dropped at the next recompaction.
type linearSet struct {
	count    uint32
	digits   []uint32
	children []unsafe.Pointer
}

type linearNode struct {
	hdr header
	set linearSet
}

type poolNode struct {
	hdr   header
	pools []linearSet
}

type pigeonNode struct {
	hdr      header
	children [entriesPerNode]unsafe.Pointer
}

func headerOf(p unsafe.Pointer) *header     { return (*header)(p) }
func asLinear(p unsafe.Pointer) *linearNode { return (*linearNode)(p) }
func asPool(p unsafe.Pointer) *poolNode     { return (*poolNode)(p) }
func asPigeon(p unsafe.Pointer) *pigeonNode { return (*pigeonNode)(p) }

// newInode allocates an empty node of the given class.
func newInode(cls class) unsafe.Pointer {
	info := &classes[cls]
	switch info.kind {
	case kindLinear:
		n := &linearNode{hdr: header{cls: cls}}
		n.set.digits = make([]uint32, info.maxLinearChild)
		n.set.children = make([]unsafe.Pointer, info.maxLinearChild)
		return unsafe.Pointer(n)
	case kindPool:
		n := &poolNode{hdr: header{cls: cls}}
		n.pools = make([]linearSet, 1<<info.nrPoolOrder)
		for i := range n.pools {
			n.pools[i].digits = make([]uint32, info.maxLinearChild)
			n.pools[i].children = make([]unsafe.Pointer, info.maxLinearChild)
		}
		return unsafe.Pointer(n)
	case kindPigeon:
		return unsafe.Pointer(&pigeonNode{hdr: header{cls: classPigeon}})
	}
	panic("jatrie: unknown layout kind")
}

func (info *classInfo) poolIndex(n uint8) int {
	return int(n >> (8 - info.nrPoolOrder))
}

// errNoSpace reports that a node's class has no room for another child
// and a recompaction is needed.
var errNoSpace = errors.New("jatrie: node class full")

// get returns the child for digit n, or nil. Lock-free.
func (s *linearSet) get(n uint8) unsafe.Pointer {
	count := atomicx.ConsumeU32(&s.count)
	for i := uint32(0); i < count; i++ {
		if atomicx.ConsumeU32(&s.digits[i]) == uint32(n) {
			return atomicx.ConsumePtr(&s.children[i])
		}
	}
	return nil
}

// set publishes child under digit n. Requires the node's shadow mutex.
func (s *linearSet) set(n uint8, child unsafe.Pointer, maxLinear uint16) error {
	count := s.count
	for i := uint32(0); i < count; i++ {
		if s.digits[i] == uint32(n) {
			// Tombstone left by a clear: the digit slot is reused.
			atomicx.PublishPtr(&s.children[i], child)
			return nil
		}
	}
	if count >= uint32(maxLinear) {
		return errNoSpace
	}
	// Child first, then digit, then count: a reader scanning under the
	// old count never reaches the new slot, and one scanning under the
	// new count finds it fully initialised.
	atomicx.PublishPtr(&s.children[count], child)
	atomicx.PublishU32(&s.digits[count], uint32(n))
	atomicx.PublishU32(&s.count, count+1)
	return nil
}

// clear tombstones digit n. Requires the node's shadow mutex.
func (s *linearSet) clear(n uint8) bool {
	for i := uint32(0); i < s.count; i++ {
		if s.digits[i] == uint32(n) {
			atomicx.PublishPtr(&s.children[i], nil)
			return true
		}
	}
	return false
}

// nodeGetNth is the hot-path slot decode: no locks, no retries, at most
// one linear scan bounded by the class capacity.
func nodeGetNth(p unsafe.Pointer, n uint8) unsafe.Pointer {
	info := &classes[headerOf(p).cls]
	switch info.kind {
	case kindLinear:
		return asLinear(p).set.get(n)
	case kindPool:
		return asPool(p).pools[info.poolIndex(n)].get(n)
	default:
		return atomicx.ConsumePtr(&asPigeon(p).children[n])
	}
}

// nodeSetNth adds child under a digit not currently present (a nil slot
// counts as absent). Returns errNoSpace when the class is full.
func nodeSetNth(p unsafe.Pointer, n uint8, child unsafe.Pointer) error {
	info := &classes[headerOf(p).cls]
	switch info.kind {
	case kindLinear:
		return asLinear(p).set.set(n, child, info.maxLinearChild)
	case kindPool:
		return asPool(p).pools[info.poolIndex(n)].set(n, child, info.maxLinearChild)
	default:
		atomicx.PublishPtr(&asPigeon(p).children[n], child)
		return nil
	}
}

// nodeReplaceNth republishes the child of an existing digit, used when a
// child node is swapped for its recompacted replacement.
func nodeReplaceNth(p unsafe.Pointer, n uint8, child unsafe.Pointer) {
	if err := nodeSetNth(p, n, child); err != nil {
		panic("jatrie: replacing child of absent digit")
	}
}

// nodeClearNth removes the child for digit n.
func nodeClearNth(p unsafe.Pointer, n uint8) {
	info := &classes[headerOf(p).cls]
	switch info.kind {
	case kindLinear:
		asLinear(p).set.clear(n)
	case kindPool:
		asPool(p).pools[info.poolIndex(n)].clear(n)
	default:
		atomicx.PublishPtr(&asPigeon(p).children[n], nil)
	}
}

// forEachChild visits present children in ascending digit order. Safe on
// both sides: every load is ordered.
func forEachChild(p unsafe.Pointer, fn func(digit uint8, child unsafe.Pointer) bool) {
	info := &classes[headerOf(p).cls]
	switch info.kind {
	case kindLinear:
		forEachLinearOrdered(&asLinear(p).set, fn)
	case kindPool:
		pn := asPool(p)
		for i := range pn.pools {
			if !forEachLinearOrdered(&pn.pools[i], fn) {
				return
			}
		}
	default:
		pg := asPigeon(p)
		for d := 0; d < entriesPerNode; d++ {
			if c := atomicx.ConsumePtr(&pg.children[d]); c != nil {
				if !fn(uint8(d), c) {
					return
				}
			}
		}
	}
}

// forEachLinearOrdered scans a linear array in ascending digit order.
// Linear arrays are append-ordered, not digit-ordered, so the scan
// repeatedly picks the smallest unvisited digit. Capacities are tiny.
func forEachLinearOrdered(s *linearSet, fn func(uint8, unsafe.Pointer) bool) bool {
	count := atomicx.ConsumeU32(&s.count)
	last := -1
	for {
		best := -1
		var bestChild unsafe.Pointer
		for i := uint32(0); i < count; i++ {
			d := int(atomicx.ConsumeU32(&s.digits[i]))
			if d <= last || (best != -1 && d >= best) {
				continue
			}
			if c := atomicx.ConsumePtr(&s.children[i]); c != nil {
				best = d
				bestChild = c
			}
		}
		if best == -1 {
			return true
		}
		if !fn(uint8(best), bestChild) {
			return false
		}
		last = best
	}
}

// largestBelow returns the greatest present digit strictly below limit.
func largestBelow(p unsafe.Pointer, limit uint8) (uint8, unsafe.Pointer, bool) {
	best := -1
	var bestChild unsafe.Pointer
	forEachChild(p, func(d uint8, c unsafe.Pointer) bool {
		if d >= limit {
			return false
		}
		best = int(d)
		bestChild = c
		return true
	})
	if best == -1 {
		return 0, nil, false
	}
	return uint8(best), bestChild, true
}

// smallestAbove returns the least present digit strictly above limit.
func smallestAbove(p unsafe.Pointer, limit uint8) (uint8, unsafe.Pointer, bool) {
	found := false
	var digit uint8
	var child unsafe.Pointer
	forEachChild(p, func(d uint8, c unsafe.Pointer) bool {
		if d <= limit {
			return true
		}
		digit = d
		child = c
		found = true
		return false
	})
	if !found {
		return 0, nil, false
	}
	return digit, child, true
}

// minChildOf and maxChildOf return the extreme present children.
func minChildOf(p unsafe.Pointer) (uint8, unsafe.Pointer, bool) {
	found := false
	var digit uint8
	var child unsafe.Pointer
	forEachChild(p, func(d uint8, c unsafe.Pointer) bool {
		digit, child, found = d, c, true
		return false
	})
	return digit, child, found
}

func maxChildOf(p unsafe.Pointer) (uint8, unsafe.Pointer, bool) {
	found := false
	var digit uint8
	var child unsafe.Pointer
	forEachChild(p, func(d uint8, c unsafe.Pointer) bool {
		digit, child, found = d, c, true
		return true
	})
	return digit, child, found
}

// countChildren tallies present children with ordered loads.
func countChildren(p unsafe.Pointer) int {
	n := 0
	forEachChild(p, func(uint8, unsafe.Pointer) bool {
		n++
		return true
	})
	return n
}
