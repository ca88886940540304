package rbtree

import "fmt"

// Validate checks the red-black invariants, the interval augmentation
// and parent coherence. It must only run while writers are quiesced.
func (t *Tree[K]) Validate() error {
	root := t.loadRoot()
	if root == t.sentinel {
		return nil
	}
	if root.color != colorBlack {
		return fmt.Errorf("rbtree: root is red")
	}
	if root.parNode() != t.sentinel {
		return fmt.Errorf("rbtree: root has a parent")
	}
	_, err := t.validateNode(root)
	return err
}

// validateNode returns the black-height of x's subtree.
func (t *Tree[K]) validateNode(x *Node[K]) (int, error) {
	if x == t.sentinel {
		return 1, nil
	}
	if x.decayNode() != nil {
		return 0, fmt.Errorf("rbtree: live node %v has a decay pointer", x.begin)
	}
	l, r := x.leftNode(), x.rightNode()
	if x.color == colorRed {
		if l.color != colorBlack || r.color != colorBlack {
			return 0, fmt.Errorf("rbtree: red node %v has a red child", x.begin)
		}
	}
	if l != t.sentinel {
		if l.parNode() != x {
			return 0, fmt.Errorf("rbtree: left child of %v has wrong parent", x.begin)
		}
		if t.cmp(l.begin, x.begin) > 0 {
			return 0, fmt.Errorf("rbtree: order violation at %v", x.begin)
		}
	}
	if r != t.sentinel {
		if r.parNode() != x {
			return 0, fmt.Errorf("rbtree: right child of %v has wrong parent", x.begin)
		}
		if t.cmp(r.begin, x.begin) < 0 {
			return 0, fmt.Errorf("rbtree: order violation at %v", x.begin)
		}
	}
	if t.cmp(x.maxEnd, t.computeMaxEnd(x)) != 0 {
		return 0, fmt.Errorf("rbtree: stale maxEnd at %v", x.begin)
	}
	lh, err := t.validateNode(l)
	if err != nil {
		return 0, err
	}
	rh, err := t.validateNode(r)
	if err != nil {
		return 0, err
	}
	if lh != rh {
		return 0, fmt.Errorf("rbtree: black-height mismatch at %v (%d != %d)", x.begin, lh, rh)
	}
	if x.color == colorBlack {
		lh++
	}
	return lh, nil
}
