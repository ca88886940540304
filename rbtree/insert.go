package rbtree

import (
	"unsafe"

	"github.com/kocubinski/rcuidx/internal/atomicx"
)

// Insert links z into the tree, ordered by Begin. The caller must hold
// the tree's update mutex and must not reuse z after a later Remove: the
// fix-up may have replaced it with a copy.
//
// Publication order matters for interval searches: ancestors whose
// maxEnd must grow are republished before z becomes reachable, so a
// reader never sees z while an ancestor still understates the subtree
// maximum. The transient overstatement in the other direction only costs
// readers a wasted descent.
func (t *Tree[K]) Insert(z *Node[K]) error {
	if err := t.reserveNodes(t.mutationReserve()); err != nil {
		return err
	}

	y := t.sentinel
	x := t.loadRoot()
	for x != t.sentinel {
		y = x
		if t.cmp(z.begin, x.begin) < 0 {
			x = x.leftNode()
		} else {
			x = x.rightNode()
		}
	}

	if y != t.sentinel {
		y = t.raiseMaxEnd(y, z.end)
	}

	z.par = unsafe.Pointer(y)
	z.left = unsafe.Pointer(t.sentinel)
	z.right = unsafe.Pointer(t.sentinel)
	z.color = colorRed
	z.maxEnd = z.end
	z.decay = nil

	// All stores filling z precede this publication.
	if y == t.sentinel {
		atomicx.PublishPtr(&t.root, unsafe.Pointer(z))
	} else if t.cmp(z.begin, y.begin) < 0 {
		atomicx.PublishPtr(&y.left, unsafe.Pointer(z))
	} else {
		atomicx.PublishPtr(&y.right, unsafe.Pointer(z))
	}
	t.size++

	t.insertFixup(z)
	return nil
}

// raiseMaxEnd republishes the ancestors from y to the root whose maxEnd
// is below end, walking up until the augmentation is already large
// enough. Returns the live version of y.
func (t *Tree[K]) raiseMaxEnd(y *Node[K], end K) *Node[K] {
	a := y
	for a != t.sentinel {
		if t.cmp(end, a.maxEnd) <= 0 {
			break
		}
		ac := t.copyOf(a)
		ac.maxEnd = end
		t.decayTo(a, ac)
		t.replaceChild(a, ac)
		t.reparent(ac)
		t.retire(a)
		a = ac.parNode()
	}
	return t.live(y)
}

func (t *Tree[K]) insertFixup(z *Node[K]) {
	for z.parNode().color == colorRed {
		zp := z.parNode()
		zpp := zp.parNode()
		if zp == zpp.leftNode() {
			u := zpp.rightNode()
			if u.color == colorRed {
				zp.color = colorBlack
				u.color = colorBlack
				zpp.color = colorRed
				z = zpp
			} else {
				if z == zp.rightNode() {
					z = zp
					z = t.leftRotate(z)
				}
				z.parNode().color = colorBlack
				z.parNode().parNode().color = colorRed
				t.rightRotate(z.parNode().parNode())
			}
		} else {
			u := zpp.leftNode()
			if u.color == colorRed {
				zp.color = colorBlack
				u.color = colorBlack
				zpp.color = colorRed
				z = zpp
			} else {
				if z == zp.leftNode() {
					z = zp
					z = t.rightRotate(z)
				}
				z.parNode().color = colorBlack
				z.parNode().parNode().color = colorRed
				t.leftRotate(z.parNode().parNode())
			}
		}
	}
	t.loadRoot().color = colorBlack
}

