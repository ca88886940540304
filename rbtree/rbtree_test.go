package rbtree

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/btree"
	"pgregory.net/rapid"

	"github.com/kocubinski/rcuidx/rcu"
)

func intCmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func newIntTree(t *testing.T) (*Tree[int], *rcu.Domain, *rcu.Reader) {
	dom := rcu.New()
	tree := New(intCmp, dom)
	r := dom.Reader()
	t.Cleanup(func() {
		r.Close()
		require.NoError(t, dom.Close())
	})
	return tree, dom, r
}

func TestIntervalSearch(t *testing.T) {
	tree, _, r := newIntTree(t)

	for _, iv := range [][2]int{{0, 10}, {5, 20}, {30, 40}} {
		require.NoError(t, tree.Insert(tree.NewNode(iv[0], iv[1])))
		require.NoError(t, tree.Validate())
	}

	r.Lock()
	n := tree.Search(7)
	require.NotNil(t, n)
	require.True(t, n.Begin() <= 7 && 7 < n.End())

	require.Nil(t, tree.Search(25))
	require.Nil(t, tree.Search(41))
	require.NotNil(t, tree.Search(0))
	require.NotNil(t, tree.Search(19))

	// Ordered iteration sees all three intervals by Begin.
	var got [][2]int
	for n := tree.Min(); n != nil; n = tree.Next(n) {
		got = append(got, [2]int{n.Begin(), n.End()})
	}
	require.Equal(t, [][2]int{{0, 10}, {5, 20}, {30, 40}}, got)
	r.Unlock()
}

func TestInsertSearchRemove(t *testing.T) {
	tree, _, r := newIntTree(t)

	require.NoError(t, tree.Insert(tree.NewNode(1, 2)))
	r.Lock()
	n := tree.SearchBegin(1)
	r.Unlock()
	require.NotNil(t, n)

	require.NoError(t, tree.Remove(n))
	r.Lock()
	require.Nil(t, tree.SearchBegin(1))
	r.Unlock()
	require.Zero(t, tree.Len())
	require.NoError(t, tree.Validate())
}

func TestSearchRangeNested(t *testing.T) {
	tree, _, r := newIntTree(t)
	require.NoError(t, tree.Insert(tree.NewNode(0, 100)))
	require.NoError(t, tree.Insert(tree.NewNode(10, 20)))
	require.NoError(t, tree.Insert(tree.NewNode(40, 60)))

	r.Lock()
	defer r.Unlock()
	n := tree.SearchRange(10, 20)
	require.NotNil(t, n)
	require.True(t, n.Begin() <= 10 && n.End() >= 20)

	n = tree.SearchRange(0, 100)
	require.NotNil(t, n)
	require.Equal(t, 0, n.Begin())
	require.Equal(t, 100, n.End())

	require.Nil(t, tree.SearchRange(90, 150))
}

func TestPrevWalk(t *testing.T) {
	tree, _, r := newIntTree(t)
	begins := []int{50, 20, 80, 10, 30, 70, 90, 60, 40}
	for _, b := range begins {
		require.NoError(t, tree.Insert(tree.NewNode(b, b+5)))
	}
	r.Lock()
	defer r.Unlock()
	sort.Ints(begins)
	i := len(begins) - 1
	for n := tree.Max(); n != nil; n = tree.Prev(n) {
		require.Equal(t, begins[i], n.Begin())
		i--
	}
	require.Equal(t, -1, i)
}

func TestNodeItemCarriedAcrossCopies(t *testing.T) {
	tree, _, r := newIntTree(t)
	for i := 0; i < 64; i++ {
		n := tree.NewNode(i, i+1)
		n.Item = i
		require.NoError(t, tree.Insert(n))
	}
	r.Lock()
	defer r.Unlock()
	for i := 0; i < 64; i++ {
		n := tree.SearchBegin(i)
		require.NotNil(t, n)
		require.Equal(t, i, n.Item)
	}
}

func TestAllocatorFailure(t *testing.T) {
	dom := rcu.New()
	defer func() { require.NoError(t, dom.Close()) }()
	budget := 3
	tree := New(intCmp, dom, WithAllocator(func() *Node[int] {
		if budget == 0 {
			return nil
		}
		budget--
		return new(Node[int])
	}, func(*Node[int]) {}))

	n := tree.NewNode(1, 2)
	require.NotNil(t, n)
	require.ErrorIs(t, tree.Insert(n), ErrOutOfMemory)
	require.Zero(t, tree.Len())
	require.NoError(t, tree.Validate())
}

func TestRenderDotGraph(t *testing.T) {
	tree, _, _ := newIntTree(t)
	for i := 0; i < 8; i++ {
		require.NoError(t, tree.Insert(tree.NewNode(i*10, i*10+5)))
	}
	out := tree.RenderDotGraph()
	require.Contains(t, out, "digraph")
	require.Contains(t, out, "[0,5)")
}

type ival struct {
	begin, end int
}

func TestTreeSims(t *testing.T) {
	rapid.Check(t, testTreeSims)
}

func FuzzTree(f *testing.F) {
	f.Fuzz(rapid.MakeFuzz(testTreeSims))
}

// testTreeSims runs random insert/remove sequences against a reference
// btree keyed by Begin, validating structure and the augmentation after
// every mutation.
func testTreeSims(t *rapid.T) {
	dom := rcu.New()
	defer dom.Close()
	tree := New(intCmp, dom)
	r := dom.Reader()
	defer r.Close()

	oracle := btree.NewBTreeG[ival](func(a, b ival) bool { return a.begin < b.begin })

	steps := rapid.IntRange(1, 200).Draw(t, "steps")
	for i := 0; i < steps; i++ {
		begin := rapid.IntRange(0, 99).Draw(t, "begin")
		if _, held := oracle.Get(ival{begin: begin}); !held {
			length := rapid.IntRange(1, 50).Draw(t, "len")
			require.NoError(t, tree.Insert(tree.NewNode(begin, begin+length)))
			oracle.Set(ival{begin: begin, end: begin + length})
		} else {
			r.Lock()
			n := tree.SearchBegin(begin)
			r.Unlock()
			require.NotNil(t, n)
			require.NoError(t, tree.Remove(n))
			oracle.Delete(ival{begin: begin})
		}

		require.NoError(t, tree.Validate())
		require.Equal(t, oracle.Len(), tree.Len())

		// Every oracle interval must be found both by Begin and by a
		// point probe inside it; absent keys must miss.
		r.Lock()
		oracle.Scan(func(iv ival) bool {
			n := tree.SearchBegin(iv.begin)
			require.NotNil(t, n)
			require.Equal(t, iv.end, n.End())
			hit := tree.Search(iv.begin)
			require.NotNil(t, hit)
			require.True(t, hit.Begin() <= iv.begin && iv.begin < hit.End())
			return true
		})
		// In-order traversal matches the oracle's order.
		var got []int
		for n := tree.Min(); n != nil; n = tree.Next(n) {
			got = append(got, n.Begin())
		}
		var want []int
		oracle.Scan(func(iv ival) bool {
			want = append(want, iv.begin)
			return true
		})
		require.Equal(t, want, got)
		r.Unlock()
	}
}
