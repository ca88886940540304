package jatrie

import (
	"unsafe"

	"github.com/kocubinski/rcuidx/internal/atomicx"
)

// Destroy tears the trie down. There must be no concurrent readers or
// writers; leftover user nodes are handed to freeNode (which may be
// nil) without waiting for grace periods, since nobody can still hold
// references.
func (t *Trie) Destroy(freeNode func(*Node)) {
	p := atomicx.ConsumePtr(&t.root)
	if p != nil {
		t.destroyNode(p, 0, freeNode)
	}
	t.root = nil
	rootRec := t.lookupRec(t.rootKey())
	if rootRec != nil {
		rootRec.nrChild = 0
		t.shadow.clear(rootRec)
	}
}

func (t *Trie) destroyNode(p unsafe.Pointer, level int, freeNode func(*Node)) {
	forEachChild(p, func(_ uint8, c unsafe.Pointer) bool {
		if level < t.depth-1 {
			t.destroyNode(c, level+1, freeNode)
		} else if freeNode != nil {
			n := (*Node)(c)
			for n != nil {
				next := n.Next()
				freeNode(n)
				n = next
			}
		}
		return true
	})
	if rec := t.lookupRec(p); rec != nil {
		t.shadow.clear(rec)
	}
}
