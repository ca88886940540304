package rbtree

import (
	"unsafe"

	"github.com/kocubinski/rcuidx/internal/atomicx"
)

// Rotations and transplants never rewire published nodes. They prepare
// copies of the nodes whose parent/child relationships change, recompute
// the interval augmentation on the copies, forward the originals through
// their decay pointers, and only then publish the cluster with a single
// store to the parent slot. Readers descending from the root therefore
// observe the old cluster or the new one, never a mixture. The invariant
// that parent(left(x)) == x for every live node is preserved because any
// node whose parent changes is itself one of the copies.

// leftRotate rotates the edge between x and its right child. Returns the
// copy of x, which callers must use in place of their stale pointer.
func (t *Tree[K]) leftRotate(x *Node[K]) *Node[K] {
	y := x.rightNode()

	xc := t.copyOf(x)
	yc := t.copyOf(y)

	// Post-rotation topology, built entirely on the copies.
	xc.right = y.left
	xc.par = unsafe.Pointer(yc)
	yc.left = unsafe.Pointer(xc)
	yc.par = x.par

	xc.maxEnd = t.computeMaxEnd(xc)
	yc.maxEnd = t.computeMaxEnd(yc)

	// Forward the obsolete versions before they become unreachable, so
	// writers holding stale pointers can re-find the live copy.
	t.decayTo(x, xc)
	t.decayTo(y, yc)

	// Publication point.
	t.replaceChild(x, yc)

	// Late reparenting of the nodes that hang off the cluster unchanged.
	// yc.left is xc; its parent is already set in the copy.
	t.reparent(xc)
	atomicx.PublishPtr(&yc.rightNode().par, unsafe.Pointer(yc))

	t.retire(x)
	t.retire(y)
	return xc
}

// rightRotate is the mirror of leftRotate: rotates the edge between x
// and its left child and returns the copy of x.
func (t *Tree[K]) rightRotate(x *Node[K]) *Node[K] {
	y := x.leftNode()

	xc := t.copyOf(x)
	yc := t.copyOf(y)

	xc.left = y.right
	xc.par = unsafe.Pointer(yc)
	yc.right = unsafe.Pointer(xc)
	yc.par = x.par

	xc.maxEnd = t.computeMaxEnd(xc)
	yc.maxEnd = t.computeMaxEnd(yc)

	t.decayTo(x, xc)
	t.decayTo(y, yc)

	t.replaceChild(x, yc)

	t.reparent(xc)
	atomicx.PublishPtr(&yc.leftNode().par, unsafe.Pointer(yc))

	t.retire(x)
	t.retire(y)
	return xc
}

// transplant replaces u by v in u's parent slot, copying v since its
// parent changes. Returns the copy (or the sentinel, whose parent field
// is primed for the remove fix-up).
func (t *Tree[K]) transplant(u, v *Node[K]) *Node[K] {
	var vc *Node[K]
	if v != t.sentinel {
		vc = t.copyOf(v)
		vc.par = u.par
		t.decayTo(v, vc)
	} else {
		vc = t.sentinel
		atomicx.PublishPtr(&t.sentinel.par, atomicx.ConsumePtr(&u.par))
	}

	t.replaceChild(u, vc)

	if v != t.sentinel {
		t.reparent(vc)
		t.retire(v)
	}
	return vc
}

func (t *Tree[K]) decayTo(old, nu *Node[K]) {
	atomicx.PublishPtr(&old.decay, unsafe.Pointer(nu))
}
