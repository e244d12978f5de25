package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/slab/page"
)

func Test_Registry_NewRegistryErrors(t *testing.T) {
	t.Setenv(DebugEnv, "")
	pool, err := page.NewPool(&page.PoolOptions{Nodes: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	tests := []struct {
		name string
		opts *Options
	}{
		{"too many cpus", &Options{CPUs: MaxCPUs + 1}},
		{"negative cpus", &Options{CPUs: -1}},
		{"cpu node map length", &Options{CPUs: 2, CPUNode: []int{0}}},
		{"cpu on missing node", &Options{CPUs: 2, CPUNode: []int{0, 2}}},
		{"bad cas mode", &Options{CPUs: 1, CAS: CASMode(9)}},
		{"order range", &Options{CPUs: 1, MinOrder: 3, MaxOrder: 2}},
		{"order above provider", &Options{CPUs: 1, MaxOrder: page.MaxOrder + 1}},
		{"bad debug string", &Options{CPUs: 1, Debug: "FQ"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(pool, tt.opts)
			require.Error(t, err)
		})
	}

	_, err = NewRegistry(nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	reg, err := NewRegistry(pool, &Options{CPUs: 4})
	require.NoError(t, err)
	require.Equal(t, 4, reg.CPUs())
	require.Equal(t, 2, reg.Nodes())
	require.Same(t, pool, reg.Provider())
	require.Equal(t, 0, reg.memNode(1))
	require.Equal(t, 1, reg.memNode(2))
}

func Test_Registry_CreateCache(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, nil)

	a := newTestCache(t, reg, "a", 64, 0)
	b := newTestCache(t, reg, "b", 128, 0)
	require.Equal(t, []*Cache{a, b}, reg.Caches())
	require.Same(t, a, reg.Lookup("a"))
	require.Nil(t, reg.Lookup("missing"))
	require.Same(t, reg, a.Registry())
	require.Equal(t, "b", b.Name())
	require.Equal(t, 128, b.Size())

	_, err := reg.CreateCache("a", 64, 8, 0, nil, nil)
	require.ErrorIs(t, err, ErrCacheExists)
	_, err = reg.CreateCache("", 64, 8, 0, nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = reg.CreateCache("zero", 0, 8, 0, nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = reg.CreateCache("odd-align", 64, 12, 0, nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = reg.CreateCache("huge", 8<<20, 8, 0, nil, nil)
	require.ErrorIs(t, err, ErrNoLayout)
	_, err = reg.CreateCache("ratio", 64, 8, 0, nil, &CacheOptions{RemoteNodeDefragRatio: 101})
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.Panics(t, func() {
		_, _ = reg.CreateCache("huge", 8<<20, 8, FlagPanic, nil, nil)
	})
	require.Len(t, reg.Caches(), 2)
}

func Test_Registry_DebugOptions(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, &Options{Debug: "FZ,kmalloc-*;U,dentry"})

	k := newTestCache(t, reg, "kmalloc-64", 64, 0)
	d := newTestCache(t, reg, "dentry", 192, 0)
	p := newTestCache(t, reg, "plain", 64, 0)
	assert.Equal(t, FlagConsistencyChecks|FlagRedZone, k.Flags())
	assert.Equal(t, FlagStoreUser, d.Flags())
	assert.Equal(t, Flags(0), p.Flags())
	assert.Zero(t, k.CPUPartial())
	assert.Zero(t, d.CPUPartial())
}

func Test_Registry_DebugEnv(t *testing.T) {
	t.Setenv(DebugEnv, "P")
	pool, err := page.NewPool(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	reg, err := NewRegistry(pool, &Options{CPUs: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	c := newTestCache(t, reg, "any", 64, 0)
	require.Equal(t, FlagPoison, c.Flags())
}

func Test_Registry_DestroyForeign(t *testing.T) {
	r1, _ := newTestRegistry(t, nil, nil)
	r2, _ := newTestRegistry(t, nil, nil)
	c := newTestCache(t, r1, "mine", 64, 0)

	require.ErrorIs(t, r2.DestroyCache(c), ErrInvalidArgument)
	require.ErrorIs(t, r2.DestroyCache(nil), ErrInvalidArgument)
	require.NoError(t, r1.DestroyCache(c))
	require.Empty(t, r1.Caches())
}

func Test_Registry_CPUOffline(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, nil)
	c := newTestCache(t, reg, "hotplug", 64, 0)

	p, err := c.AllocOn(1, page.NoNode, 0)
	require.NoError(t, err)
	require.Equal(t, 1, c.Stats().CPUSlabs)

	require.NoError(t, reg.CPUOffline(1))
	require.Zero(t, c.Stats().CPUSlabs, "slot flushed")
	require.Equal(t, int64(1), c.Stats().PartialSlabs)
	require.NoError(t, reg.CPUOffline(1), "already offline")
	require.ErrorIs(t, reg.CPUOffline(0), ErrInvalidArgument)
	require.ErrorIs(t, reg.CPUOffline(5), ErrInvalidArgument)

	_, err = c.AllocOn(1, page.NoNode, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	for range 20 {
		require.Equal(t, 0, reg.currentCPU())
	}

	require.NoError(t, c.Free(p))
	require.NoError(t, reg.CPUOnline(1))
	q, err := c.AllocOn(1, page.NoNode, 0)
	require.NoError(t, err)
	require.NoError(t, c.FreeOn(1, q))
	require.NoError(t, c.Validate())
}

func Test_Registry_NodeOffline(t *testing.T) {
	reg, _ := newTestRegistry(t, &page.PoolOptions{Nodes: 2}, nil)

	require.ErrorIs(t, reg.NodeOffline(2), ErrInvalidArgument)
	require.NoError(t, reg.NodeOffline(0))
	require.ErrorIs(t, reg.NodeOffline(1), ErrInvalidArgument)
	require.Equal(t, 1, reg.memNode(0), "cpu 0 falls back to the nearest node with memory")

	c := newTestCache(t, reg, "numa", 64, 0)
	p, err := c.AllocOn(0, page.NoNode, 0)
	require.NoError(t, err)
	s, err := c.SlabOf(p)
	require.NoError(t, err)
	require.Equal(t, 1, s.Node())

	require.NoError(t, reg.NodeOnline(0))
	require.Equal(t, 0, reg.memNode(0))
	require.NoError(t, c.Free(p))
}

func Test_Registry_ShrinkAndClose(t *testing.T) {
	reg, pool := newTestRegistry(t, nil, nil)
	a := newTestCache(t, reg, "a", 64, 0)
	b := newTestCache(t, reg, "b", 256, 0)

	pa, err := a.Alloc(0)
	require.NoError(t, err)
	pb, err := b.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, b.Free(pb))
	require.NoError(t, a.SetMinPartial(0))
	require.NoError(t, b.SetMinPartial(0))
	require.NoError(t, reg.ShrinkAll())
	require.Zero(t, b.Stats().Slabs)
	require.Equal(t, int64(1), a.Stats().Slabs)

	require.ErrorIs(t, reg.Close(), ErrCacheBusy)
	require.Same(t, a, reg.Lookup("a"), "busy cache stays registered")
	require.Nil(t, reg.Lookup("b"))
	require.NoError(t, reg.Close(), "second close is a no-op")

	_, err = reg.CreateCache("late", 64, 8, 0, nil, nil)
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, a.Free(pa))
	require.NoError(t, reg.DestroyCache(a))
	require.Equal(t, []int{0}, pool.Stats().InUse)
}

func Test_Registry_SeedDeterminism(t *testing.T) {
	order := func() []Pointer {
		reg, _ := newTestRegistry(t, nil, &Options{Seed: 42})
		c := newTestCache(t, reg, "rand", 64, FlagRandomFreelist)
		return fillSlab(t, c, 0)
	}
	first, second := order(), order()
	require.Equal(t, first, second)
}
