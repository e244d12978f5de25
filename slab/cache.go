package slab

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/slabkit/internal/format"
	"github.com/joshuapare/slabkit/pkg/types"
	"github.com/joshuapare/slabkit/slab/codec"
	"github.com/joshuapare/slabkit/slab/page"
	"github.com/joshuapare/slabkit/slab/planner"
)

// Per-CPU partial targets in objects, by stride.
const (
	cpuPartialPage  = 6   // stride >= page size
	cpuPartialLarge = 24  // stride >= 1024
	cpuPartialMid   = 52  // stride >= 256
	cpuPartialSmall = 120 // smaller strides

	minPartialFloor = 5
	minPartialCeil  = 10

	// DefaultRemoteNodeDefragRatio is the default remote scan percentage.
	DefaultRemoteNodeDefragRatio = 100
)

// Cache allocates objects of one size. All methods are safe for concurrent
// use.
type Cache struct {
	reg    *Registry
	id     uint32
	name   string
	flags  Flags
	layout planner.Layout
	ctor   func([]byte)
	codec  codec.Codec
	seq    codec.Sequence

	debug      bool // Any debug flag: CPU slabs are bypassed
	checks     bool
	storeUser  bool
	trace      bool
	hardened   bool
	lockedSlab bool

	cpus  []*cpuSlot
	nodes []*cacheNode

	minPartial      atomic.Int64
	cpuPartial      atomic.Int64
	cpuPartialSlabs atomic.Int64
	remoteRatio     atomic.Int64 // Percentage times ten

	reportMu sync.Mutex
	report   *types.Report

	dead atomic.Bool
}

func newCache(r *Registry, id uint32, name string, size, align int, flags Flags, ctor func([]byte), opts *CacheOptions) (*Cache, error) {
	var o CacheOptions
	if opts != nil {
		o = *opts
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: cache %s: object size %d", ErrInvalidArgument, name, size)
	}
	if o.MinPartial < 0 || o.CPUPartial < 0 || o.RemoteNodeDefragRatio < 0 || o.RemoteNodeDefragRatio > 100 {
		return nil, fmt.Errorf("%w: cache %s: tunables %+v", ErrInvalidArgument, name, o)
	}

	layout, err := planner.Plan(planner.Request{
		ObjectSize:   size,
		Align:        align,
		RedZone:      flags&FlagRedZone != 0,
		Poison:       flags&FlagPoison != 0,
		StoreUser:    flags&FlagStoreUser != 0,
		HWCacheAlign: flags&FlagHWCacheAlign != 0,
		HasCtor:      ctor != nil,
		PageSize:     page.PageSize,
		CPUs:         r.opts.cpus,
		MinObjects:   r.opts.minObjects,
		MinOrder:     r.opts.minOrder,
		MaxOrder:     r.opts.maxOrder,
		HardMaxOrder: page.MaxOrder,
		Fractions:    o.Fractions,
	})
	switch {
	case errors.Is(err, planner.ErrNoLayout):
		return nil, fmt.Errorf("%w: cache %s: %w", ErrNoLayout, name, err)
	case err != nil:
		return nil, fmt.Errorf("%w: cache %s: %w", ErrInvalidArgument, name, err)
	}

	c := &Cache{
		reg:        r,
		id:         id,
		name:       name,
		flags:      flags,
		layout:     layout,
		ctor:       ctor,
		codec:      codec.New(flags&FlagHardenedFreelist != 0),
		debug:      flags&FlagDebug != 0,
		checks:     flags&FlagConsistencyChecks != 0,
		storeUser:  flags&FlagStoreUser != 0,
		trace:      flags&FlagTrace != 0,
		hardened:   flags&FlagHardenedFreelist != 0,
		lockedSlab: flags&FlagDebug != 0 || r.opts.cas == CASLocked,
		report:     types.NewReport(),
	}
	if flags&FlagRandomFreelist != 0 {
		c.seq = r.newSequence(layout.Objects)
	}

	step := tidStep(r.opts.cpus)
	c.cpus = make([]*cpuSlot, r.opts.cpus)
	for cpu := range c.cpus {
		c.cpus[cpu] = newCPUSlot(cpu, step, r.opts.cas == CASLocked)
	}
	c.nodes = make([]*cacheNode, r.nodes)
	for n := range c.nodes {
		c.nodes[n] = new(cacheNode)
	}

	minPartial := int64(min(max(format.Ilog2(uint(layout.Stride))/2, minPartialFloor), minPartialCeil))
	if o.MinPartial > 0 {
		minPartial = int64(o.MinPartial)
	}
	c.minPartial.Store(minPartial)

	cpuPartial := defaultCPUPartial(layout.Stride)
	if o.CPUPartial > 0 {
		cpuPartial = o.CPUPartial
	}
	if c.debug {
		cpuPartial = 0
	}
	c.setCPUPartial(cpuPartial)

	ratio := DefaultRemoteNodeDefragRatio
	if o.RemoteNodeDefragRatio > 0 {
		ratio = o.RemoteNodeDefragRatio
	}
	c.remoteRatio.Store(int64(ratio) * 10)
	return c, nil
}

func defaultCPUPartial(stride int) int {
	switch {
	case stride >= page.PageSize:
		return cpuPartialPage
	case stride >= 1024:
		return cpuPartialLarge
	case stride >= 256:
		return cpuPartialMid
	default:
		return cpuPartialSmall
	}
}

func (c *Cache) setCPUPartial(objects int) {
	c.cpuPartial.Store(int64(objects))
	slabs := 0
	if objects > 0 {
		per := max(c.layout.Objects, 1)
		slabs = (objects*2 + per - 1) / per
	}
	c.cpuPartialSlabs.Store(int64(slabs))
}

func (c *Cache) hasCPUPartial() bool {
	return !c.debug && c.cpuPartialSlabs.Load() > 0
}

// SetMinPartial sets how many partial slabs a node keeps before empty slabs
// are returned to the provider.
func (c *Cache) SetMinPartial(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: min partial %d", ErrInvalidArgument, n)
	}
	c.minPartial.Store(int64(n))
	return nil
}

// SetCPUPartial sets the number of objects kept in per-CPU partial slabs.
// Zero disables CPU partial lists. Debug caches only accept zero.
func (c *Cache) SetCPUPartial(objects int) error {
	if objects < 0 || (c.debug && objects != 0) {
		return fmt.Errorf("%w: cpu partial %d for cache %s", ErrInvalidArgument, objects, c.name)
	}
	c.setCPUPartial(objects)
	if objects == 0 {
		c.flushAll()
	}
	return nil
}

// SetRemoteNodeDefragRatio sets the percentage (0..100) of slow-path
// allocations allowed to take partial slabs from remote nodes.
func (c *Cache) SetRemoteNodeDefragRatio(ratio int) error {
	if ratio < 0 || ratio > 100 {
		return fmt.Errorf("%w: remote node defrag ratio %d", ErrInvalidArgument, ratio)
	}
	c.remoteRatio.Store(int64(ratio) * 10)
	return nil
}

// MinPartial returns the current min partial setting.
func (c *Cache) MinPartial() int { return int(c.minPartial.Load()) }

// CPUPartial returns the current CPU partial target in objects.
func (c *Cache) CPUPartial() int { return int(c.cpuPartial.Load()) }

// RemoteNodeDefragRatio returns the remote scan percentage.
func (c *Cache) RemoteNodeDefragRatio() int { return int(c.remoteRatio.Load() / 10) }

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// Size returns the object size requested at creation.
func (c *Cache) Size() int { return c.layout.ObjectSize }

// Flags returns the effective flags, debug overrides included.
func (c *Cache) Flags() Flags { return c.flags }

// Layout returns the planned object layout.
func (c *Cache) Layout() planner.Layout { return c.layout }

// Registry returns the owning registry.
func (c *Cache) Registry() *Registry { return c.reg }

// Object returns the bytes of object p. The slice aliases slab memory and
// is valid until p is freed.
func (c *Cache) Object(p Pointer) ([]byte, error) {
	s, err := c.slabOf(uint64(p))
	if err != nil {
		return nil, err
	}
	return c.objectBytes(s, uint64(p)), nil
}

// SlabOf returns the slab holding p.
func (c *Cache) SlabOf(p Pointer) (*Slab, error) {
	return c.slabOf(uint64(p))
}

// Diagnostics returns a copy of every debug report recorded for the cache.
func (c *Cache) Diagnostics() *types.Report {
	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	return c.report.Clone()
}
