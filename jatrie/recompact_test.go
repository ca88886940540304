package jatrie

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func recordOf(n *Node) unsafe.Pointer {
	// Node is the record's first field.
	return unsafe.Pointer(n)
}

// TestRecompactionClassLadder grows one node from linear0 to pigeon and
// shrinks it back down, checking that all existing keys stay visible at
// each step. Consecutive digits overflow a pool sub-array, so the pool
// classes are skipped in both directions; TestPoolClasses covers them.
func TestRecompactionClassLadder(t *testing.T) {
	trie, r := newTestTrie(t, 8)

	recs := make([]*record, 256)
	for i := 0; i < 256; i++ {
		recs[i] = &record{key: uint64(i)}
		require.NoError(t, trie.Add(uint64(i), &recs[i].Node))
		r.Lock()
		for j := 0; j <= i; j++ {
			require.NotNil(t, trie.Lookup(uint64(j)), "key %d after inserting %d", j, i)
		}
		r.Unlock()
		require.NoError(t, trie.Validate())
	}
	st := trie.Stats()
	require.EqualValues(t, 256, st.Keys)
	require.EqualValues(t, 1, st.Nodes[classPigeon])

	for i := 255; i >= 0; i-- {
		require.NoError(t, trie.Del(uint64(i), &recs[i].Node))
		r.Lock()
		for j := 0; j < i; j++ {
			require.NotNil(t, trie.Lookup(uint64(j)), "key %d after deleting %d", j, i)
		}
		require.Nil(t, trie.Lookup(uint64(i)))
		r.Unlock()
		require.NoError(t, trie.Validate())
	}
	require.Zero(t, trie.Stats().Keys)
}

// TestPoolClasses spreads digits evenly across the byte so the pool
// layouts are exercised rather than skipped over by the pigeon
// fallback.
func TestPoolClasses(t *testing.T) {
	trie, r := newTestTrie(t, 8)

	// 52 digits, alternating between the low and high half of the byte:
	// each pool-5 sub-array holds 26 <= 27 and each pool-6 sub-array at
	// most 26 <= 26.
	var keys []uint64
	for i := 0; i < 26; i++ {
		keys = append(keys, uint64(i), uint64(128+i))
	}
	recs := make(map[uint64]*record, len(keys))
	for _, k := range keys {
		recs[k] = &record{key: k}
		require.NoError(t, trie.Add(k, &recs[k].Node))
	}
	require.NoError(t, trie.Validate())

	st := trie.Stats()
	require.EqualValues(t, 1, st.Nodes[classPool5], "expected a pool-5 node: %s", st)
	require.Zero(t, st.Fallbacks)

	r.Lock()
	for _, k := range keys {
		require.NotNil(t, trie.Lookup(k))
	}
	r.Unlock()

	for _, k := range keys {
		require.NoError(t, trie.Del(k, &recs[k].Node))
	}
	require.NoError(t, trie.Validate())
}

// TestPigeonFallback forces one sub-array past its capacity while the
// node is still below the pool class's nominal maximum.
func TestPigeonFallback(t *testing.T) {
	trie, _ := newTestTrie(t, 8)

	// 29 consecutive digits all land in pool-5's first sub-array (27
	// slots) and pool-6's first sub-array (26 slots): the node must fall
	// back to pigeon despite holding far fewer than 54 children.
	recs := make([]*record, 29)
	for i := range recs {
		recs[i] = &record{key: uint64(i)}
		require.NoError(t, trie.Add(uint64(i), &recs[i].Node))
	}
	st := trie.Stats()
	require.EqualValues(t, 1, st.Nodes[classPigeon], "expected pigeon fallback: %s", st)
	require.EqualValues(t, 1, st.Fallbacks)
	require.NoError(t, trie.Validate())
}

// TestRecompactionVisibility is the §concurrent variant: a reader spins
// on lookups of settled keys while the writer repeatedly grows the node
// to 256 children and shrinks it back, recompacting it each way.
func TestRecompactionVisibility(t *testing.T) {
	trie, _ := newTestTrie(t, 8)

	const settled = 8
	recs := make([]*record, 256)
	for i := 0; i < settled; i++ {
		recs[i] = &record{key: uint64(i)}
		require.NoError(t, trie.Add(uint64(i), &recs[i].Node))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r := trie.dom.Reader()
		defer r.Close()
		for {
			select {
			case <-stop:
				return
			default:
			}
			r.Lock()
			for i := 0; i < settled; i++ {
				if trie.Lookup(uint64(i)) == nil {
					r.Unlock()
					t.Errorf("settled key %d vanished during recompaction", i)
					return
				}
			}
			r.Unlock()
		}
	}()

	for round := 0; round < 50; round++ {
		for i := settled; i < 256; i++ {
			recs[i] = &record{key: uint64(i)}
			require.NoError(t, trie.Add(uint64(i), &recs[i].Node))
		}
		for i := settled; i < 256; i++ {
			require.NoError(t, trie.Del(uint64(i), &recs[i].Node))
		}
	}
	close(stop)
	wg.Wait()
	require.NoError(t, trie.Validate())
}
