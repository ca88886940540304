package jatrie

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kocubinski/rcuidx/rcu"
)

type record struct {
	Node
	key uint64
	seq int
}

func newTestTrie(t *testing.T, keyBits int) (*Trie, *rcu.Reader) {
	dom := rcu.New()
	trie, err := New(keyBits, dom)
	require.NoError(t, err)
	r := dom.Reader()
	t.Cleanup(func() {
		r.Close()
		require.NoError(t, dom.Close())
	})
	return trie, r
}

func TestKeyWidths(t *testing.T) {
	dom := rcu.New()
	defer func() { require.NoError(t, dom.Close()) }()
	for _, bits := range []int{8, 16, 24, 32, 40, 48, 56, 64} {
		trie, err := New(bits, dom)
		require.NoError(t, err)
		if bits < 64 {
			require.Equal(t, uint64(1)<<bits-1, trie.KeyMax())
		} else {
			require.Equal(t, ^uint64(0), trie.KeyMax())
		}
	}
	for _, bits := range []int{0, 4, 12, 65, -8} {
		_, err := New(bits, dom)
		require.Error(t, err)
	}
}

func TestBasic8Bit(t *testing.T) {
	trie, r := newTestTrie(t, 8)

	recs := make([]*record, 200)
	for i := range recs {
		recs[i] = &record{key: uint64(i)}
		require.NoError(t, trie.Add(uint64(i), &recs[i].Node))
	}
	require.NoError(t, trie.Validate())

	r.Lock()
	for i := 0; i < 200; i++ {
		head := trie.Lookup(uint64(i))
		require.NotNil(t, head, "key %d", i)
		require.Same(t, &recs[i].Node, head)
		require.Nil(t, head.Next())
	}
	for i := 200; i < 240; i++ {
		require.Nil(t, trie.Lookup(uint64(i)))
	}
	require.Nil(t, trie.Lookup(1000))
	r.Unlock()

	for i := range recs {
		require.NoError(t, trie.Del(uint64(i), &recs[i].Node))
	}
	r.Lock()
	for i := 0; i < 200; i++ {
		require.Nil(t, trie.Lookup(uint64(i)))
	}
	r.Unlock()
	require.NoError(t, trie.Validate())
	require.Zero(t, trie.Stats().Keys)
}

func TestSparse32BitDuplicates(t *testing.T) {
	trie, r := newTestTrie(t, 32)

	const stride = uint64(1) << 24
	var keys []uint64
	for k := uint64(0); ; k += stride {
		keys = append(keys, k)
		if k == uint64(0xFF)<<24 {
			break
		}
	}
	byKey := make(map[uint64][]*record)
	for _, k := range keys {
		for d := 0; d < 3; d++ {
			rec := &record{key: k, seq: d}
			byKey[k] = append(byKey[k], rec)
			require.NoError(t, trie.Add(k, &rec.Node))
		}
	}
	require.NoError(t, trie.Validate())

	r.Lock()
	for _, k := range keys {
		head := trie.Lookup(k)
		require.NotNil(t, head)
		// Duplicates append at the tail, preserving insertion order.
		var got []int
		for n := head; n != nil; n = n.Next() {
			rec := (*record)(recordOf(n))
			require.Equal(t, k, rec.key)
			got = append(got, rec.seq)
		}
		require.Equal(t, []int{0, 1, 2}, got)

		require.Nil(t, trie.Lookup(k+42))
	}
	r.Unlock()

	for _, k := range keys {
		for _, rec := range byKey[k] {
			require.NoError(t, trie.Del(k, &rec.Node))
		}
	}
	require.NoError(t, trie.Validate())
	require.Zero(t, trie.Stats().Keys)
}

func TestAddUnique(t *testing.T) {
	trie, _ := newTestTrie(t, 16)

	a := &record{key: 7}
	b := &record{key: 7}
	got, err := trie.AddUnique(7, &a.Node)
	require.NoError(t, err)
	require.Same(t, &a.Node, got)

	got, err = trie.AddUnique(7, &b.Node)
	require.ErrorIs(t, err, ErrExists)
	require.Same(t, &a.Node, got)
}

func TestDelMiddleDuplicate(t *testing.T) {
	trie, r := newTestTrie(t, 16)

	recs := make([]*record, 3)
	for i := range recs {
		recs[i] = &record{seq: i}
		require.NoError(t, trie.Add(99, &recs[i].Node))
	}
	require.NoError(t, trie.Del(99, &recs[1].Node))

	r.Lock()
	var got []int
	for n := trie.Lookup(99); n != nil; n = n.Next() {
		got = append(got, (*record)(recordOf(n)).seq)
	}
	r.Unlock()
	require.Equal(t, []int{0, 2}, got)

	require.ErrorIs(t, trie.Del(99, &recs[1].Node), ErrNotFound)
	require.NoError(t, trie.Del(99, &recs[0].Node))
	require.NoError(t, trie.Del(99, &recs[2].Node))
	require.ErrorIs(t, trie.Del(99, &recs[2].Node), ErrNotFound)
	require.NoError(t, trie.Validate())
}

func TestLookupBelowAboveEqual(t *testing.T) {
	trie, r := newTestTrie(t, 32)

	keys := []uint64{3, 255, 256, 70_000, 1 << 20, 1<<31 + 17}
	recs := make(map[uint64]*record, len(keys))
	for _, k := range keys {
		recs[k] = &record{key: k}
		require.NoError(t, trie.Add(k, &recs[k].Node))
	}

	r.Lock()
	defer r.Unlock()

	below := func(k uint64) *record {
		n := trie.LookupBelowEqual(k)
		if n == nil {
			return nil
		}
		return (*record)(recordOf(n))
	}
	above := func(k uint64) *record {
		n := trie.LookupAboveEqual(k)
		if n == nil {
			return nil
		}
		return (*record)(recordOf(n))
	}

	require.Nil(t, below(2))
	require.Equal(t, uint64(3), below(3).key)
	require.Equal(t, uint64(3), below(254).key)
	require.Equal(t, uint64(255), below(255).key)
	require.Equal(t, uint64(256), below(256).key)
	require.Equal(t, uint64(256), below(69_999).key)
	require.Equal(t, uint64(70_000), below(1<<20-1).key)
	require.Equal(t, uint64(1)<<20, below(1<<31).key)
	require.Equal(t, uint64(1<<31+17), below(uint64(^uint32(0))).key)
	require.Equal(t, uint64(1<<31+17), below(1<<40).key) // clamped to key space

	require.Equal(t, uint64(3), above(0).key)
	require.Equal(t, uint64(3), above(3).key)
	require.Equal(t, uint64(255), above(4).key)
	require.Equal(t, uint64(256), above(256).key)
	require.Equal(t, uint64(70_000), above(257).key)
	require.Equal(t, uint64(1<<31+17), above(1<<21).key)
	require.Nil(t, above(1<<31+18))
	require.Nil(t, trie.LookupAboveEqual(1<<40))
}

func TestForEachOrder(t *testing.T) {
	trie, r := newTestTrie(t, 24)
	keys := []uint64{5, 1 << 16, 77, 300, 1<<24 - 1, 0}
	for _, k := range keys {
		require.NoError(t, trie.Add(k, &(&record{key: k}).Node))
	}
	r.Lock()
	var got []uint64
	trie.ForEach(func(key uint64, head *Node) bool {
		got = append(got, key)
		return true
	})
	r.Unlock()
	require.Equal(t, []uint64{0, 5, 77, 300, 1 << 16, 1<<24 - 1}, got)
}

func TestTrieSims(t *testing.T) {
	rapid.Check(t, testTrieSims)
}

func FuzzTrie(f *testing.F) {
	f.Fuzz(rapid.MakeFuzz(testTrieSims))
}

// testTrieSims runs random add/del sequences against a map oracle,
// checking lookups and the shadow directory after every step.
func testTrieSims(t *rapid.T) {
	dom := rcu.New()
	defer dom.Close()
	trie, err := New(16, dom)
	if err != nil {
		t.Fatal(err)
	}
	r := dom.Reader()
	defer r.Close()

	oracle := make(map[uint64][]*record)
	steps := rapid.IntRange(1, 300).Draw(t, "steps")
	for i := 0; i < steps; i++ {
		key := rapid.Uint64Range(0, 1024).Draw(t, "key")
		if chain := oracle[key]; len(chain) > 0 && rapid.Bool().Draw(t, "del") {
			idx := rapid.IntRange(0, len(chain)-1).Draw(t, "idx")
			rec := chain[idx]
			if err := trie.Del(key, &rec.Node); err != nil {
				t.Fatalf("del %d: %v", key, err)
			}
			oracle[key] = append(chain[:idx:idx], chain[idx+1:]...)
			if len(oracle[key]) == 0 {
				delete(oracle, key)
			}
		} else {
			rec := &record{key: key, seq: i}
			if err := trie.Add(key, &rec.Node); err != nil {
				t.Fatalf("add %d: %v", key, err)
			}
			oracle[key] = append(oracle[key], rec)
		}

		if err := trie.Validate(); err != nil {
			t.Fatal(err)
		}
		r.Lock()
		for k, chain := range oracle {
			var got []*record
			for n := trie.Lookup(k); n != nil; n = n.Next() {
				got = append(got, (*record)(recordOf(n)))
			}
			if len(got) != len(chain) {
				t.Fatalf("key %d: chain length %d, want %d", k, len(got), len(chain))
			}
			for j := range chain {
				if got[j] != chain[j] {
					t.Fatalf("key %d: chain order diverged at %d", k, j)
				}
			}
		}
		if trie.Lookup(key+2000) != nil {
			t.Fatalf("phantom key")
		}
		r.Unlock()
	}
}
