package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/slab/page"
)

// newTestRegistry builds a registry over a fresh pool. CPUs defaults to 2
// and the seed to 1; the debug environment variable is ignored.
func newTestRegistry(t *testing.T, popts *page.PoolOptions, opts *Options) (*Registry, *page.Pool) {
	t.Helper()
	t.Setenv(DebugEnv, "")

	pool, err := page.NewPool(popts)
	require.NoError(t, err)

	var o Options
	if opts != nil {
		o = *opts
	}
	if o.CPUs == 0 {
		o.CPUs = 2
	}
	if o.Seed == 0 {
		o.Seed = 1
	}
	reg, err := NewRegistry(pool, &o)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Close()
		_ = pool.Close()
	})
	return reg, pool
}

func newTestCache(t *testing.T, reg *Registry, name string, size int, flags Flags) *Cache {
	t.Helper()
	c, err := reg.CreateCache(name, size, 8, flags, nil, nil)
	require.NoError(t, err)
	return c
}

// fillSlab allocates objects on cpu until one full slab has been handed out
// and returns them.
func fillSlab(t *testing.T, c *Cache, cpu int) []Pointer {
	t.Helper()
	n := c.Layout().Objects
	out := make([]Pointer, 0, n)
	for range n {
		p, err := c.AllocOn(cpu, page.NoNode, 0)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}
