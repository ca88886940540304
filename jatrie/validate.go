package jatrie

import (
	"fmt"
	"unsafe"

	"github.com/kocubinski/rcuidx/internal/atomicx"
)

// Validate walks the trie and cross-checks structure against the shadow
// directory. It must only run while writers are quiesced.
func (t *Trie) Validate() error {
	rootRec := t.lookupRec(t.rootKey())
	if rootRec == nil {
		return fmt.Errorf("jatrie: root slot has no shadow record")
	}
	p := atomicx.ConsumePtr(&t.root)
	if p == nil {
		if rootRec.nrChild != 0 {
			return fmt.Errorf("jatrie: empty trie but root shadow count %d", rootRec.nrChild)
		}
		return nil
	}
	if rootRec.nrChild != 1 {
		return fmt.Errorf("jatrie: root shadow count %d, want 1", rootRec.nrChild)
	}
	return t.validateNode(p, 0)
}

func (t *Trie) validateNode(p unsafe.Pointer, level int) error {
	if level >= t.depth {
		return fmt.Errorf("jatrie: node below leaf level")
	}
	rec := t.lookupRec(p)
	if rec == nil {
		return fmt.Errorf("jatrie: node at level %d has no shadow record", level)
	}
	if rec.level != level {
		return fmt.Errorf("jatrie: shadow level %d, node at level %d", rec.level, level)
	}
	cls := headerOf(p).cls
	if cls >= nrClasses {
		return fmt.Errorf("jatrie: bad class %d at level %d", cls, level)
	}
	n := countChildren(p)
	if n != rec.nrChild {
		return fmt.Errorf("jatrie: level %d node has %d children, shadow says %d", level, n, rec.nrChild)
	}
	if n == 0 {
		return fmt.Errorf("jatrie: empty node at level %d", level)
	}
	if n > int(classes[cls].maxChild) {
		return fmt.Errorf("jatrie: class %d node holds %d children", cls, n)
	}
	var err error
	forEachChild(p, func(d uint8, c unsafe.Pointer) bool {
		if level < t.depth-1 {
			err = t.validateNode(c, level+1)
		}
		return err == nil
	})
	return err
}

func (t *Trie) lookupRec(p unsafe.Pointer) *shadowRec {
	sh := t.shadow.shard(p)
	sh.mu.Lock()
	rec := sh.m[p]
	sh.mu.Unlock()
	return rec
}
