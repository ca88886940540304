package rbtree

import "github.com/kocubinski/rcuidx/internal/atomicx"

// Remove unlinks z. The caller must hold the update mutex and must pass
// the current version of the node, as returned by a search under that
// mutex. z is handed to the grace-period domain; the caller reclaims its
// own payload separately.
func (t *Tree[K]) Remove(z *Node[K]) error {
	if err := t.reserveNodes(t.mutationReserve()); err != nil {
		return err
	}
	z = t.live(z)

	y := z
	yColor := y.color
	var x *Node[K]
	switch {
	case z.leftNode() == t.sentinel:
		x = t.transplant(z, z.rightNode())
	case z.rightNode() == t.sentinel:
		x = t.transplant(z, z.leftNode())
	default:
		y = t.minNode(z.rightNode())
		yColor = y.color
		x = t.teleport(z, y)
	}
	t.size--
	t.retire(z)

	// The deepest position whose subtree shrank; captured before the
	// fix-up since rotations reuse the sentinel's parent field.
	start := x.parNode()

	if yColor == colorBlack {
		t.removeFixup(x)
	}
	t.lowerMaxEnd(start)
	return nil
}

// teleport splices the in-order successor y into z's position. The
// replacement cluster is fully assembled before any pointer of the live
// tree is redirected at it, and the copy of y is published at z's slot
// before y's old position is emptied: a concurrent descent by key finds
// the successor in its old place, its new place, or transiently both,
// but never neither. Returns the node at y's former position, where the
// fix-up starts.
func (t *Tree[K]) teleport(z, y *Node[K]) *Node[K] {
	x := y.rightNode()

	yc := t.copyOf(y)
	yc.par = z.par
	yc.left = z.left
	yc.color = z.color

	if y.parNode() == z {
		// y is z's right child: x keeps its position under the copy.
		yc.maxEnd = t.computeMaxEnd(yc)
		t.decayTo(y, yc)

		t.replaceChild(z, yc)

		t.reparent(yc)
		t.retire(y)
		return x
	}

	var xc *Node[K]
	if x != t.sentinel {
		xc = t.copyOf(x)
		xc.par = y.par
		t.decayTo(x, xc)
	} else {
		xc = t.sentinel
		atomicx.PublishPtr(&t.sentinel.par, atomicx.ConsumePtr(&y.par))
	}
	yc.right = z.right
	// z's right subtree still counts y at this point; the transient
	// overestimate is shrunk by lowerMaxEnd once the splice is complete.
	yc.maxEnd = t.computeMaxEnd(yc)
	t.decayTo(y, yc)

	// Publish the successor at z's position first, then vacate its old
	// position.
	t.replaceChild(z, yc)
	t.replaceChild(y, xc)

	t.reparent(yc)
	if xc != t.sentinel {
		t.reparent(xc)
		t.retire(x)
	}
	t.retire(y)
	return xc
}

func (t *Tree[K]) removeFixup(x *Node[K]) {
	for x != t.loadRoot() && x.color == colorBlack {
		xp := x.parNode()
		if x == xp.leftNode() {
			w := xp.rightNode()
			if w.color == colorRed {
				w.color = colorBlack
				xp.color = colorRed
				t.leftRotate(xp)
				xp = x.parNode()
				w = xp.rightNode()
			}
			if w.leftNode().color == colorBlack && w.rightNode().color == colorBlack {
				w.color = colorRed
				x = xp
			} else {
				if w.rightNode().color == colorBlack {
					w.leftNode().color = colorBlack
					w.color = colorRed
					t.rightRotate(w)
					// xp was not copied; x's parent field may be the
					// sentinel's, which the rotation just overwrote.
					xp = t.live(xp)
					w = xp.rightNode()
				}
				w.color = xp.color
				xp.color = colorBlack
				w.rightNode().color = colorBlack
				t.leftRotate(xp)
				x = t.loadRoot()
			}
		} else {
			w := xp.leftNode()
			if w.color == colorRed {
				w.color = colorBlack
				xp.color = colorRed
				t.rightRotate(xp)
				xp = x.parNode()
				w = xp.leftNode()
			}
			if w.rightNode().color == colorBlack && w.leftNode().color == colorBlack {
				w.color = colorRed
				x = xp
			} else {
				if w.leftNode().color == colorBlack {
					w.rightNode().color = colorBlack
					w.color = colorRed
					t.leftRotate(w)
					xp = t.live(xp)
					w = xp.leftNode()
				}
				w.color = xp.color
				xp.color = colorBlack
				w.leftNode().color = colorBlack
				t.rightRotate(xp)
				x = t.loadRoot()
			}
		}
	}
	x.color = colorBlack
}

// lowerMaxEnd republishes ancestors whose subtree maximum shrank. It
// walks all the way to the root: the splice and the fix-up rotations
// leave freshly computed copies below ancestors that still count the
// removed interval, so an unchanged node does not end the walk. Only
// nodes whose value changes are copied.
func (t *Tree[K]) lowerMaxEnd(a *Node[K]) {
	for a != nil && a != t.sentinel {
		a = t.live(a)
		m := t.computeMaxEnd(a)
		if t.cmp(m, a.maxEnd) == 0 {
			a = a.parNode()
			continue
		}
		ac := t.copyOf(a)
		ac.maxEnd = m
		t.decayTo(a, ac)
		t.replaceChild(a, ac)
		t.reparent(ac)
		t.retire(a)
		a = ac.parNode()
	}
}
