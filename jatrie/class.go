// Package jatrie implements a compressed 256-ary radix trie over sparse
// integer keys, readable without locks while writers mutate it under
// fine-grained per-node mutexes.
//
// Each internal node maps 8-bit digits to children using one of several
// layout classes picked by its current child count: small linear arrays,
// pools of linear arrays selected by the digit's top bits, or a dense
// 256-slot pigeonhole array. Nodes are recompacted into a neighbouring
// class as they grow or shrink; the class windows overlap so a
// boundary-crossing insert/delete cycle does not thrash. Every
// recompaction and detach publishes a fully built replacement with one
// ordered store and retires the old node through the grace-period
// domain.
//
// The bottom level points at singly linked chains of caller-embedded
// Nodes holding duplicates of the same key.
package jatrie

// class identifies a node layout. The zero-children case is a nil child
// pointer, never a node, so it has no class constant in node headers.
type class uint8

const (
	classLinear0 class = iota
	classLinear1
	classLinear2
	classLinear3
	classLinear4
	classPool5
	classPool6
	classPigeon

	nrClasses
)

type layoutKind uint8

const (
	kindLinear layoutKind = iota
	kindPool
	kindPigeon
)

type classInfo struct {
	kind layoutKind

	// minChild overlaps the previous class's maxChild: the hysteresis
	// window against reallocation churn on cyclic add/remove around a
	// boundary.
	minChild uint16
	maxChild uint16

	// maxLinearChild is the per-array capacity; for pool classes the
	// node capacity is spread over 1<<nrPoolOrder arrays and may fill
	// unevenly, which the pigeon fallback covers.
	maxLinearChild uint16
	nrPoolOrder    uint16
}

// Class windows for 64-bit words. Pool maxChild values are statistical:
// they cover the overwhelming share of digit populations, with the
// pigeon fallback absorbing pathological distributions.
var classes = [nrClasses]classInfo{
	classLinear0: {kind: kindLinear, minChild: 1, maxChild: 1, maxLinearChild: 1},
	classLinear1: {kind: kindLinear, minChild: 1, maxChild: 3, maxLinearChild: 3},
	classLinear2: {kind: kindLinear, minChild: 3, maxChild: 7, maxLinearChild: 7},
	classLinear3: {kind: kindLinear, minChild: 5, maxChild: 14, maxLinearChild: 14},
	classLinear4: {kind: kindLinear, minChild: 10, maxChild: 28, maxLinearChild: 28},
	classPool5:   {kind: kindPool, minChild: 22, maxChild: 54, maxLinearChild: 27, nrPoolOrder: 1},
	classPool6:   {kind: kindPool, minChild: 51, maxChild: 104, maxLinearChild: 26, nrPoolOrder: 2},
	classPigeon:  {kind: kindPigeon, minChild: 101, maxChild: 256},
}

// fallbackRemovalCount is how many removals a pigeon-fallback node
// absorbs before a shrink back to a pool class is attempted. Bounds
// reallocation frequency under pathological digit distributions.
const fallbackRemovalCount = 8

const entriesPerNode = 256
