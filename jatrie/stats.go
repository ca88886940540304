package jatrie

import (
	"fmt"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/kocubinski/rcuidx/internal/atomicx"
)

// Stats is a point-in-time snapshot of trie shape. Writers should be
// quiesced for exact figures.
type Stats struct {
	Keys       uint64
	Duplicates uint64
	Nodes      [nrClasses]uint64
	Fallbacks  uint64
	Retired    uint64
}

func (t *Trie) Stats() Stats {
	s := Stats{
		Fallbacks: t.nrFallback.Load(),
		Retired:   t.retired.Load(),
	}
	p := atomicx.ConsumePtr(&t.root)
	if p == nil {
		return s
	}
	t.statsNode(p, 0, &s)
	return s
}

func (t *Trie) statsNode(p unsafe.Pointer, level int, s *Stats) {
	s.Nodes[headerOf(p).cls]++
	forEachChild(p, func(_ uint8, c unsafe.Pointer) bool {
		if level < t.depth-1 {
			t.statsNode(c, level+1, s)
			return true
		}
		s.Keys++
		for n := (*Node)(c); n != nil; n = n.Next() {
			s.Duplicates++
		}
		return true
	})
}

func (s Stats) String() string {
	nodes := uint64(0)
	for _, n := range s.Nodes {
		nodes += n
	}
	return fmt.Sprintf("keys=%s entries=%s nodes=%s (linear=%d pool=%d pigeon=%d) fallbacks=%s retired=%s",
		humanize.Comma(int64(s.Keys)),
		humanize.Comma(int64(s.Duplicates)),
		humanize.Comma(int64(nodes)),
		s.Nodes[classLinear0]+s.Nodes[classLinear1]+s.Nodes[classLinear2]+s.Nodes[classLinear3]+s.Nodes[classLinear4],
		s.Nodes[classPool5]+s.Nodes[classPool6],
		s.Nodes[classPigeon],
		humanize.Comma(int64(s.Fallbacks)),
		humanize.Comma(int64(s.Retired)))
}
