package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Test_Shrink_EmptiestFirst leaves four slabs with different free counts on
// the node list and checks the order Shrink leaves behind.
func Test_Shrink_EmptiestFirst(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, nil)
	c, err := reg.CreateCache("order", 64, 8, FlagConsistencyChecks, nil, &CacheOptions{MinPartial: 10})
	require.NoError(t, err)

	per := c.Layout().Objects
	ps := make([]Pointer, 0, 4*per)
	for range 4 * per {
		p, err := c.Alloc(0)
		require.NoError(t, err)
		ps = append(ps, p)
	}
	slabs := make([]*Slab, 4)
	for i := range slabs {
		slabs[i], err = c.SlabOf(ps[i*per])
		require.NoError(t, err)
		last, err := c.SlabOf(ps[(i+1)*per-1])
		require.NoError(t, err)
		require.Same(t, slabs[i], last)
	}

	freed := []int{1, 5, 3, per}
	for i, n := range freed {
		for _, p := range ps[i*per : i*per+n] {
			require.NoError(t, c.Free(p))
		}
	}
	require.Equal(t, int64(4), c.Stats().PartialSlabs)

	require.NoError(t, c.Shrink())

	n := c.nodes[0]
	n.mu.Lock()
	got := n.partial.slice()
	n.mu.Unlock()
	require.Equal(t, []*Slab{slabs[1], slabs[2], slabs[0]}, got)
	require.Equal(t, int64(3), c.Stats().Slabs)
	require.Equal(t, int64(3), c.Stats().PartialSlabs)
}
