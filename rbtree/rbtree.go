// Package rbtree implements a red-black tree over half-open intervals
// that may be read without locking while a single writer mutates it.
//
// The tree is never mutated in place. Every structural change copies the
// affected nodes, wires the copies up fully, and publishes them with a
// single pointer store, so a reader inside an rcu read section always
// observes either the old or the new version of a cluster. Obsolete nodes
// are forwarded to their newest copy through a decay chain (writer-side
// only) and handed to the grace-period domain for reclamation.
//
// Each node additionally carries the maximum interval endpoint of its
// subtree, enabling pruned interval searches.
//
// Concurrency contract: all read-side calls must run inside an active
// rcu read section. All update-side calls (Insert, Remove) must be
// serialized by a caller-supplied mutex; Next and Prev also require that
// mutex since they walk parent pointers.
package rbtree

import (
	"errors"
	"math/bits"
	"unsafe"

	"cosmossdk.io/log"

	"github.com/kocubinski/rcuidx/internal/atomicx"
	"github.com/kocubinski/rcuidx/rcu"
)

// ErrOutOfMemory is returned when the injected allocator cannot supply
// the nodes an operation would need. The tree is left unchanged.
var ErrOutOfMemory = errors.New("rbtree: node allocation failed")

const (
	colorRed uint8 = iota
	colorBlack
)

// Comparator is a total order over interval endpoints.
type Comparator[K any] func(a, b K) int

// Node is one interval [Begin, End) in the tree. Nodes are created
// through Tree.NewNode, handed to Insert, and must be re-found with a
// search before Remove: the tree may have replaced the original with a
// copy at any point.
type Node[K any] struct {
	begin  K
	end    K
	maxEnd K

	// Item is an opaque caller payload, carried across node copies.
	Item any

	color uint8

	// par, left and right are *Node[K] slots. left and right are
	// published with ordered stores and consumed with ordered loads;
	// par is maintained by the update side and consulted only by
	// writers and by Next/Prev walks.
	par   unsafe.Pointer
	left  unsafe.Pointer
	right unsafe.Pointer

	// decay forwards an obsolete node to the copy that replaced it.
	// Writer-side only; nil for live nodes.
	decay unsafe.Pointer
}

// Begin returns the inclusive interval start.
func (n *Node[K]) Begin() K { return n.begin }

// End returns the exclusive interval end.
func (n *Node[K]) End() K { return n.end }

// MaxEnd returns the maximum End over the node's subtree.
func (n *Node[K]) MaxEnd() K { return n.maxEnd }

func (n *Node[K]) parNode() *Node[K] {
	return (*Node[K])(atomicx.ConsumePtr(&n.par))
}

func (n *Node[K]) leftNode() *Node[K] {
	return (*Node[K])(atomicx.ConsumePtr(&n.left))
}

func (n *Node[K]) rightNode() *Node[K] {
	return (*Node[K])(atomicx.ConsumePtr(&n.right))
}

func (n *Node[K]) decayNode() *Node[K] {
	return (*Node[K])(atomicx.ConsumePtr(&n.decay))
}

// Tree is an RCU red-black tree. The zero value is not usable; construct
// with New.
type Tree[K any] struct {
	cmp    Comparator[K]
	alloc  func() *Node[K]
	free   func(*Node[K])
	dom    *rcu.Domain
	logger log.Logger

	// sentinel is the per-tree nil node: always black, never part of the
	// ordering. Its parent field is reused transiently by the remove
	// fix-up, as in the textbook algorithm.
	sentinel *Node[K]

	root unsafe.Pointer // *Node[K], sentinel when empty

	size  int
	spare []*Node[K] // nodes reserved ahead of a mutation
}

// Option configures a Tree.
type Option[K any] func(*Tree[K])

// WithLogger sets the tree logger.
func WithLogger[K any](logger log.Logger) Option[K] {
	return func(t *Tree[K]) { t.logger = logger }
}

// WithAllocator injects the node allocator and the reclaim callback run
// after a grace period. The allocator must return zeroed storage, or nil
// when memory is exhausted.
func WithAllocator[K any](alloc func() *Node[K], free func(*Node[K])) Option[K] {
	return func(t *Tree[K]) {
		t.alloc = alloc
		t.free = free
	}
}

// New creates an empty tree ordered by cmp, reclaiming through dom.
func New[K any](cmp Comparator[K], dom *rcu.Domain, opts ...Option[K]) *Tree[K] {
	t := &Tree[K]{
		cmp:    cmp,
		alloc:  func() *Node[K] { return new(Node[K]) },
		free:   func(*Node[K]) {},
		dom:    dom,
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.sentinel = &Node[K]{color: colorBlack}
	t.root = unsafe.Pointer(t.sentinel)
	return t
}

// NewNode allocates a node for [begin, end) using the injected allocator.
// Returns nil when the allocator fails.
func (t *Tree[K]) NewNode(begin, end K) *Node[K] {
	n := t.alloc()
	if n == nil {
		return nil
	}
	n.begin = begin
	n.end = end
	n.maxEnd = end
	return n
}

// Len returns the number of intervals in the tree.
func (t *Tree[K]) Len() int { return t.size }

func (t *Tree[K]) loadRoot() *Node[K] {
	return (*Node[K])(atomicx.ConsumePtr(&t.root))
}

// live follows the decay chain from x to the copy currently wired into
// the tree. Update-side helper; readers never need it because they only
// traverse downward from published entry points.
func (t *Tree[K]) live(x *Node[K]) *Node[K] {
	for {
		nx := x.decayNode()
		if nx == nil {
			return x
		}
		x = nx
	}
}

// retire hands an unlinked node to the grace-period domain.
func (t *Tree[K]) retire(x *Node[K]) {
	free := t.free
	t.dom.Defer(func() { free(x) })
}

// computeMaxEnd derives x's max endpoint from its interval and children.
func (t *Tree[K]) computeMaxEnd(x *Node[K]) K {
	m := x.end
	if l := x.leftNode(); l != t.sentinel {
		if t.cmp(l.maxEnd, m) > 0 {
			m = l.maxEnd
		}
	}
	if r := x.rightNode(); r != t.sentinel {
		if t.cmp(r.maxEnd, m) > 0 {
			m = r.maxEnd
		}
	}
	return m
}

// reserveNodes tops the spare list up to n nodes so a mutation cannot
// fail halfway through. The tree is unchanged when it errors.
func (t *Tree[K]) reserveNodes(n int) error {
	for len(t.spare) < n {
		p := t.alloc()
		if p == nil {
			return ErrOutOfMemory
		}
		t.spare = append(t.spare, p)
	}
	return nil
}

// mutationReserve bounds the copies one insert or remove can make: one
// per level for max-end propagation plus the worst-case rotations of the
// fix-ups.
func (t *Tree[K]) mutationReserve() int {
	height := 2 * (bits.Len(uint(t.size)+1) + 1)
	return height + 8
}

func (t *Tree[K]) takeNode() *Node[K] {
	n := t.spare[len(t.spare)-1]
	t.spare = t.spare[:len(t.spare)-1]
	return n
}

// copyOf draws a reserved node and fills it with x's fields. The copy is
// unpublished: it is not reachable until a later publication store.
func (t *Tree[K]) copyOf(x *Node[K]) *Node[K] {
	c := t.takeNode()
	c.begin = x.begin
	c.end = x.end
	c.maxEnd = x.maxEnd
	c.Item = x.Item
	c.color = x.color
	c.par = x.par
	c.left = x.left
	c.right = x.right
	c.decay = nil
	return c
}

// replaceChild publishes nu in place of old: the single store that makes
// a prepared cluster visible to readers.
func (t *Tree[K]) replaceChild(old, nu *Node[K]) {
	p := old.parNode()
	if p == t.sentinel || p == nil {
		atomicx.PublishPtr(&t.root, unsafe.Pointer(nu))
	} else if old == p.leftNode() {
		atomicx.PublishPtr(&p.left, unsafe.Pointer(nu))
	} else {
		atomicx.PublishPtr(&p.right, unsafe.Pointer(nu))
	}
}

// reparent points the (unchanged) children of c back at c. These stores
// happen after publication; they are consulted only by the update side
// and by Next/Prev walks, which tolerate the window through decay chains.
func (t *Tree[K]) reparent(c *Node[K]) {
	atomicx.PublishPtr(&c.leftNode().par, unsafe.Pointer(c))
	atomicx.PublishPtr(&c.rightNode().par, unsafe.Pointer(c))
}
