package jatrie

import (
	"unsafe"

	"github.com/kocubinski/rcuidx/internal/atomicx"
)

// Recompaction moves a node to a neighbouring layout class. The
// replacement is fully populated and shadow-registered before a single
// ordered store swings the parent's slot (or the root slot) over to it;
// readers see the old node or the new one, never a partial copy. The
// shadow mutex is inherited, so writers serialized on the old version
// stay serialized on the new one.

// buildCopy populates a fresh node of the target class with src's
// children, dropping tombstoned slots. Fails with errNoSpace when a
// pool sub-array cannot hold its share of the digits.
func buildCopy(target class, src unsafe.Pointer) (unsafe.Pointer, error) {
	nn := newInode(target)
	var fail error
	forEachChild(src, func(d uint8, c unsafe.Pointer) bool {
		if err := nodeSetNth(nn, d, c); err != nil {
			fail = err
			return false
		}
		return true
	})
	if fail != nil {
		return nil, fail
	}
	return nn, nil
}

func buildWith(target class, src unsafe.Pointer, d uint8, child unsafe.Pointer) (unsafe.Pointer, error) {
	nn, err := buildCopy(target, src)
	if err != nil {
		return nil, err
	}
	if err := nodeSetNth(nn, d, child); err != nil {
		return nil, err
	}
	return nn, nil
}

func (t *Trie) publishReplacement(parent unsafe.Pointer, parentDigit uint8, nn unsafe.Pointer) {
	if parent == nil {
		atomicx.PublishPtr(&t.root, nn)
		return
	}
	nodeReplaceNth(parent, parentDigit, nn)
}

// recompactGrow replaces owner after nodeSetNth reported errNoSpace,
// adding the pending (d, child) pair in the same publication. Both the
// owner's and its parent slot holder's shadow mutexes are held.
func (t *Trie) recompactGrow(parent unsafe.Pointer, key uint64, owner unsafe.Pointer, ownerRec *shadowRec, d uint8, child unsafe.Pointer) {
	oldCls := headerOf(owner).cls
	oldInfo := &classes[oldCls]

	var target class
	if oldInfo.kind == kindPool && ownerRec.nrChild+1 <= int(oldInfo.maxChild) {
		// One sub-array filled before the class did: pathological digit
		// distribution, take the pigeon fallback.
		target = classPigeon
	} else {
		// Smallest class that nominally fits; equal to the current
		// class when tombstones alone exhausted the slots.
		target = oldCls
		for int(classes[target].maxChild) < ownerRec.nrChild+1 {
			target++
		}
	}

	var nn unsafe.Pointer
	for {
		var err error
		nn, err = buildWith(target, owner, d, child)
		if err == nil {
			break
		}
		// Only pool sub-arrays can reject a digit; pigeon always fits.
		target++
	}

	newRec := t.shadow.set(nn, ownerRec, ownerRec.level)
	newRec.nrChild++
	if target == classPigeon && ownerRec.nrChild+1 <= int(classes[classPool6].maxChild) {
		newRec.fallbackRemoval = fallbackRemovalCount
		t.nrFallback.Add(1)
		if t.metrics != nil {
			t.metrics.Fallbacks.Inc()
		}
		t.logger.Debug("pool node fell back to pigeon",
			"level", ownerRec.level, "children", newRec.nrChild)
	}

	var parentDigit uint8
	if parent != nil {
		parentDigit = t.digit(key, ownerRec.level-1)
	}
	t.publishReplacement(parent, parentDigit, nn)
	t.shadow.clear(ownerRec)
	t.retireInode(owner)
	if t.metrics != nil {
		t.metrics.RecompactionsUp.Inc()
	}
}

// maybeShrink recompacts owner downward once its child count falls out
// of the class window, honouring the fallback-removal budget on pigeon
// fallback nodes. Caller holds the owner's and the parent slot holder's
// mutexes; the removal has already been applied.
func (t *Trie) maybeShrink(parent unsafe.Pointer, parentDigit uint8, owner unsafe.Pointer, rec *shadowRec) {
	cls := headerOf(owner).cls
	if rec.fallbackRemoval > 0 {
		rec.fallbackRemoval--
		if rec.fallbackRemoval > 0 {
			return
		}
	}
	if cls == classLinear0 || rec.nrChild >= int(classes[cls].minChild) {
		return
	}
	if rec.nrChild == 0 {
		// Empty nodes are detached by the caller, not shrunk.
		return
	}

	target := cls
	for target > classLinear0 && rec.nrChild < int(classes[target].minChild) {
		target--
	}
	var nn unsafe.Pointer
	for target < cls {
		var err error
		nn, err = buildCopy(target, owner)
		if err == nil {
			break
		}
		nn = nil
		target++
	}
	if nn == nil {
		if cls == classPigeon {
			// Still too imbalanced for a pool: keep the fallback and
			// re-arm the removal budget.
			rec.fallbackRemoval = fallbackRemovalCount
		}
		return
	}

	newRec := t.shadow.set(nn, rec, rec.level)
	newRec.fallbackRemoval = 0
	t.publishReplacement(parent, parentDigit, nn)
	t.shadow.clear(rec)
	t.retireInode(owner)
	if t.metrics != nil {
		t.metrics.RecompactionsDown.Inc()
	}
}
