package jatrie

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"cosmossdk.io/log"

	"github.com/kocubinski/rcuidx/internal/atomicx"
	"github.com/kocubinski/rcuidx/rcu"
)

var (
	// ErrExists is returned by AddUnique when the key is already present.
	ErrExists = errors.New("jatrie: key already exists")

	// ErrNotFound is returned by Del when the node is not in the trie.
	ErrNotFound = errors.New("jatrie: node not found")

	// errRetry restarts an update that lost a race against another
	// writer; never surfaced to callers.
	errRetry = errors.New("jatrie: retry")
)

// Trie is the radix trie. Read-side calls must run inside an rcu read
// section; update-side calls serialize internally on per-node mutexes
// held in the shadow directory.
type Trie struct {
	// root is the tagged reference to the top-level node, nil when the
	// trie is empty. The root slot is guarded by its own shadow record.
	root unsafe.Pointer

	keyBits int
	depth   int
	keyMax  uint64

	dom     *rcu.Domain
	shadow  *shadowDir
	logger  log.Logger
	metrics *Metrics

	nrFallback atomic.Uint64
	retired    atomic.Uint64
}

// Option configures a Trie.
type Option func(*Trie)

// WithLogger sets the trie logger.
func WithLogger(logger log.Logger) Option {
	return func(t *Trie) { t.logger = logger }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(t *Trie) { t.metrics = m }
}

// New creates a trie over keys of the given width. keyBits must be a
// multiple of 8 between 8 and 64.
func New(keyBits int, dom *rcu.Domain, opts ...Option) (*Trie, error) {
	if keyBits <= 0 || keyBits > 64 || keyBits%8 != 0 {
		return nil, fmt.Errorf("jatrie: key width %d not a multiple of 8 in [8, 64]", keyBits)
	}
	t := &Trie{
		keyBits: keyBits,
		depth:   keyBits / 8,
		dom:     dom,
		shadow:  newShadowDir(),
		logger:  log.NewNopLogger(),
	}
	if keyBits == 64 {
		t.keyMax = ^uint64(0)
	} else {
		t.keyMax = 1<<keyBits - 1
	}
	for _, opt := range opts {
		opt(t)
	}
	// The root slot gets a shadow record of its own so attaching or
	// detaching the top-level node follows the same lock protocol as
	// any other slot.
	t.shadow.set(t.rootKey(), nil, -1)
	return t, nil
}

// KeyMax returns the largest storable key.
func (t *Trie) KeyMax() uint64 { return t.keyMax }

func (t *Trie) rootKey() unsafe.Pointer {
	return unsafe.Pointer(&t.root)
}

func (t *Trie) digit(key uint64, level int) uint8 {
	return uint8(key >> (8 * (t.depth - 1 - level)))
}

// retireInode hands a detached node to the grace-period domain. The
// callback only accounts for the node; storage is released once readers
// quiesce and the last reference drops.
func (t *Trie) retireInode(p unsafe.Pointer) {
	_ = p
	t.dom.Defer(func() { t.retired.Add(1) })
}

// Lookup returns the head of the duplicate chain at key, or nil.
func (t *Trie) Lookup(key uint64) *Node {
	if key > t.keyMax {
		return nil
	}
	p := atomicx.ConsumePtr(&t.root)
	for level := 0; level < t.depth; level++ {
		if p == nil {
			return nil
		}
		p = nodeGetNth(p, t.digit(key, level))
	}
	return (*Node)(p)
}

// LookupBelowEqual returns the chain for the greatest key <= key, or
// nil. During an update that shrinks one key and grows a neighbour the
// result may transiently be nil for a covered key; callers retry.
func (t *Trie) LookupBelowEqual(key uint64) *Node {
	if key > t.keyMax {
		key = t.keyMax
	}
	var path [8]unsafe.Pointer
	p := atomicx.ConsumePtr(&t.root)
	if p == nil {
		return nil
	}
	level := 0
	for {
		path[level] = p
		next := nodeGetNth(p, t.digit(key, level))
		if next == nil {
			break
		}
		if level == t.depth-1 {
			return (*Node)(next)
		}
		p = next
		level++
	}
	// No exact path: rewind to the last ancestor with a smaller branch
	// and take its subtree maximum.
	for l := level; l >= 0; l-- {
		if _, c, ok := largestBelow(path[l], t.digit(key, l)); ok {
			return t.maxDescend(c, l+1)
		}
	}
	return nil
}

// LookupAboveEqual returns the chain for the least key >= key, or nil.
func (t *Trie) LookupAboveEqual(key uint64) *Node {
	if key > t.keyMax {
		return nil
	}
	var path [8]unsafe.Pointer
	p := atomicx.ConsumePtr(&t.root)
	if p == nil {
		return nil
	}
	level := 0
	for {
		path[level] = p
		next := nodeGetNth(p, t.digit(key, level))
		if next == nil {
			break
		}
		if level == t.depth-1 {
			return (*Node)(next)
		}
		p = next
		level++
	}
	for l := level; l >= 0; l-- {
		if _, c, ok := smallestAbove(path[l], t.digit(key, l)); ok {
			return t.minDescend(c, l+1)
		}
	}
	return nil
}

// maxDescend walks the rightmost live path below p, which sits at the
// given level (the leaf chain itself when level == depth).
func (t *Trie) maxDescend(p unsafe.Pointer, level int) *Node {
	for level < t.depth {
		_, c, ok := maxChildOf(p)
		if !ok {
			// Transiently empty node under concurrent detach.
			return nil
		}
		p = c
		level++
	}
	return (*Node)(p)
}

func (t *Trie) minDescend(p unsafe.Pointer, level int) *Node {
	for level < t.depth {
		_, c, ok := minChildOf(p)
		if !ok {
			return nil
		}
		p = c
		level++
	}
	return (*Node)(p)
}

// ForEach visits every key in ascending order inside the caller's read
// section, passing the duplicate-chain head. Returning false stops the
// walk.
func (t *Trie) ForEach(fn func(key uint64, head *Node) bool) {
	p := atomicx.ConsumePtr(&t.root)
	if p == nil {
		return
	}
	t.forEachNode(p, 0, 0, fn)
}

func (t *Trie) forEachNode(p unsafe.Pointer, level int, prefix uint64, fn func(uint64, *Node) bool) bool {
	cont := true
	forEachChild(p, func(d uint8, c unsafe.Pointer) bool {
		key := prefix<<8 | uint64(d)
		if level == t.depth-1 {
			cont = fn(key, (*Node)(c))
		} else {
			cont = t.forEachNode(c, level+1, key, fn)
		}
		return cont
	})
	return cont
}

// Add inserts n at key, appending to the duplicate chain when the key is
// already present.
func (t *Trie) Add(key uint64, n *Node) error {
	_, err := t.addNode(key, n, false)
	return err
}

// AddUnique inserts n at key unless the key is present, in which case
// the existing chain head is returned along with ErrExists, acting as a
// lookup.
func (t *Trie) AddUnique(key uint64, n *Node) (*Node, error) {
	return t.addNode(key, n, true)
}

func (t *Trie) addNode(key uint64, n *Node, unique bool) (*Node, error) {
	if key > t.keyMax {
		return nil, fmt.Errorf("jatrie: key %d exceeds %d-bit key space", key, t.keyBits)
	}
	atomicx.PublishPtr(&n.next, nil)
	for {
		existing, err := t.tryAdd(key, n, unique)
		if err != errRetry {
			return existing, err
		}
	}
}

func (t *Trie) tryAdd(key uint64, n *Node, unique bool) (*Node, error) {
	// Read-side walk to the deepest existing node on the key's path.
	var (
		parent     unsafe.Pointer // node owning the slot pointing at owner
		owner      unsafe.Pointer // nil: the trie is empty, attach at the root slot
		ownerLevel = -1
	)
	cur := atomicx.ConsumePtr(&t.root)
	if cur != nil {
		level := 0
		for {
			owner, ownerLevel = cur, level
			next := nodeGetNth(cur, t.digit(key, level))
			if next == nil || level == t.depth-1 {
				break
			}
			parent = cur
			cur = next
			level++
		}
	}

	// Lock the slot holder above the owner, then the owner: growing the
	// owner out of its class republishes it through that upper slot.
	var parentRec, ownerRec *shadowRec
	if parent == nil {
		parentRec = t.shadow.lookupLock(t.rootKey())
	} else {
		parentRec = t.shadow.lookupLock(parent)
	}
	if parentRec == nil {
		return nil, errRetry
	}
	if owner != nil {
		ownerRec = t.shadow.lookupLock(owner)
		if ownerRec == nil {
			t.shadow.unlock(parentRec)
			return nil, errRetry
		}
	}
	unlock := func() {
		if ownerRec != nil {
			t.shadow.unlock(ownerRec)
		}
		t.shadow.unlock(parentRec)
	}

	// Revalidate the locked slots against concurrent recompaction or
	// detach.
	if owner == nil {
		if atomicx.ConsumePtr(&t.root) != nil {
			unlock()
			return nil, errRetry
		}
	} else {
		upper := atomicx.ConsumePtr(&t.root)
		if parent != nil {
			upper = nodeGetNth(parent, t.digit(key, ownerLevel-1))
		}
		if upper != owner {
			unlock()
			return nil, errRetry
		}
	}

	if owner != nil {
		d := t.digit(key, ownerLevel)
		if val := nodeGetNth(owner, d); val != nil {
			if ownerLevel == t.depth-1 {
				// Duplicate chain.
				head := (*Node)(val)
				if unique {
					unlock()
					return head, ErrExists
				}
				tail := head
				for {
					nx := tail.Next()
					if nx == nil {
						break
					}
					tail = nx
				}
				atomicx.PublishPtr(&tail.next, unsafe.Pointer(n))
				unlock()
				return n, nil
			}
			// A deeper node appeared while we were locking.
			unlock()
			return nil, errRetry
		}
	}

	// Build the missing sub-path bottom-up, fully initialised and
	// shadow-registered before the single publication store below.
	child := unsafe.Pointer(n)
	for lvl := t.depth - 1; lvl > ownerLevel; lvl-- {
		node := newInode(classLinear0)
		if err := nodeSetNth(node, t.digit(key, lvl), child); err != nil {
			panic("jatrie: fresh node rejected first child")
		}
		rec := t.shadow.set(node, nil, lvl)
		rec.nrChild = 1
		child = node
	}

	if owner == nil {
		atomicx.PublishPtr(&t.root, child)
		parentRec.nrChild = 1
		unlock()
		return n, nil
	}

	d := t.digit(key, ownerLevel)
	switch err := nodeSetNth(owner, d, child); err {
	case nil:
		ownerRec.nrChild++
	case errNoSpace:
		t.recompactGrow(parent, key, owner, ownerRec, d, child)
	default:
		unlock()
		return nil, err
	}
	unlock()
	return n, nil
}

// Del removes n, which must have been inserted at key. Removing the last
// duplicate detaches the key's path; callers reclaim n's storage after a
// grace period.
func (t *Trie) Del(key uint64, n *Node) error {
	if key > t.keyMax {
		return ErrNotFound
	}
	for {
		err := t.tryDel(key, n)
		if err != errRetry {
			return err
		}
	}
}

func (t *Trie) tryDel(key uint64, n *Node) error {
	var nodes [8]unsafe.Pointer
	cur := atomicx.ConsumePtr(&t.root)
	if cur == nil {
		return ErrNotFound
	}
	for level := 0; level < t.depth; level++ {
		nodes[level] = cur
		next := nodeGetNth(cur, t.digit(key, level))
		if next == nil {
			return ErrNotFound
		}
		if level == t.depth-1 {
			if head := (*Node)(next); head == n && head.Next() == nil {
				return t.detach(key, n, nodes[:t.depth])
			}
			return t.unlinkDuplicate(key, n, cur)
		}
		cur = next
	}
	return ErrNotFound
}

// unlinkDuplicate removes n from a chain that keeps other members.
func (t *Trie) unlinkDuplicate(key uint64, n *Node, bottom unsafe.Pointer) error {
	rec := t.shadow.lookupLock(bottom)
	if rec == nil {
		return errRetry
	}
	defer t.shadow.unlock(rec)

	d := t.digit(key, t.depth-1)
	head := (*Node)(nodeGetNth(bottom, d))
	if head == nil {
		return ErrNotFound
	}
	if head == n && head.Next() == nil {
		// Became the last member while we were locking; the detach path
		// owns this case.
		return errRetry
	}
	var prev *Node
	for c := head; c != nil; c = c.Next() {
		if c == n {
			if prev == nil {
				nodeReplaceNth(bottom, d, unsafe.Pointer(n.Next()))
			} else {
				atomicx.PublishPtr(&prev.next, unsafe.Pointer(n.Next()))
			}
			return nil
		}
		prev = c
	}
	return ErrNotFound
}

// detach removes the sole member n and unlinks the emptied nodes along
// the key's path. Locks run strictly top-down from the deepest ancestor
// that keeps other children, the same order every other update uses.
func (t *Trie) detach(key uint64, n *Node, nodes []unsafe.Pointer) error {
	cut := t.depth - 1
	for cut >= 0 && countChildren(nodes[cut]) == 1 {
		cut--
	}

	lockFrom := cut
	if lockFrom < 0 {
		lockFrom = 0
	}
	recs := make([]*shadowRec, 0, t.depth+1)
	unlockAll := func() {
		for i := len(recs) - 1; i >= 0; i-- {
			t.shadow.unlock(recs[i])
		}
	}
	var parentRec *shadowRec
	if cut <= 0 {
		parentRec = t.shadow.lookupLock(t.rootKey())
	} else {
		parentRec = t.shadow.lookupLock(nodes[cut-1])
	}
	if parentRec == nil {
		return errRetry
	}
	recs = append(recs, parentRec)
	for l := lockFrom; l < t.depth; l++ {
		rec := t.shadow.lookupLock(nodes[l])
		if rec == nil {
			unlockAll()
			return errRetry
		}
		recs = append(recs, rec)
	}

	// Revalidate the locked path: upper link, inner links, the leaf
	// chain, and the child counts the cut decision relied on.
	ok := true
	if cut <= 0 {
		ok = atomicx.ConsumePtr(&t.root) == nodes[0]
	} else {
		ok = nodeGetNth(nodes[cut-1], t.digit(key, cut-1)) == nodes[cut]
	}
	for l := lockFrom; ok && l < t.depth-1; l++ {
		ok = nodeGetNth(nodes[l], t.digit(key, l)) == nodes[l+1]
	}
	if ok {
		head := (*Node)(nodeGetNth(nodes[t.depth-1], t.digit(key, t.depth-1)))
		if head != n {
			unlockAll()
			if head == nil {
				return ErrNotFound
			}
			return errRetry
		}
		if head.Next() != nil {
			unlockAll()
			return errRetry
		}
	}
	for l := cut + 1; ok && l < t.depth; l++ {
		ok = recs[l-lockFrom+1].nrChild == 1
	}
	if ok && cut >= 0 {
		ok = recs[cut-lockFrom+1].nrChild > 1
	}
	if !ok {
		unlockAll()
		return errRetry
	}

	if cut < 0 {
		// The whole path empties.
		atomicx.PublishPtr(&t.root, nil)
		parentRec.nrChild = 0
	} else {
		cutRec := recs[cut-lockFrom+1]
		nodeClearNth(nodes[cut], t.digit(key, cut))
		cutRec.nrChild--
		var parentOfCut unsafe.Pointer
		var parentDigit uint8
		if cut > 0 {
			parentOfCut = nodes[cut-1]
			parentDigit = t.digit(key, cut-1)
		}
		t.maybeShrink(parentOfCut, parentDigit, nodes[cut], cutRec)
	}

	// Clear and retire every node below the cut; their locks are held.
	for l := cut + 1; l < t.depth; l++ {
		t.shadow.clear(recs[l-lockFrom+1])
		t.retireInode(nodes[l])
	}
	unlockAll()
	return nil
}
