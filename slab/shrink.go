package slab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/joshuapare/slabkit/internal/format"
	"github.com/joshuapare/slabkit/slab/verify"
)

// flushCPU deactivates the active slab of cpu and unfreezes its partial
// chain.
func (c *Cache) flushCPU(cpu int) {
	sl := c.cpus[cpu]
	sl.mu.Lock()
	s, list := sl.detach()
	chain := sl.partial
	sl.partial = nil
	sl.mu.Unlock()

	if s != nil {
		c.stat(cpu, StatCPUSlabFlush)
		c.deactivateSlab(cpu, s, list)
	}
	if chain != nil {
		c.unfreezePartials(cpu, chain)
	}
}

func (c *Cache) flushAll() {
	for cpu := range c.cpus {
		c.flushCPU(cpu)
	}
}

type shrinkEntry struct {
	slab *Slab
	free int
}

// Shrink returns every empty slab to the provider and sorts the partial
// lists emptiest first, so the slabs closest to being freed take the next
// frees. Debug caches are validated afterwards.
func (c *Cache) Shrink() error {
	if c.dead.Load() {
		return fmt.Errorf("%w: cache %s", ErrClosed, c.name)
	}
	c.flushAll()

	for _, n := range c.nodes {
		var (
			keep    []shrinkEntry
			discard []*Slab
		)
		n.mu.Lock()
		for _, s := range n.partial.slice() {
			// Lockless frees may still land; the snapshot keeps the sort stable.
			if free := s.objects - s.InUse(); free == s.objects {
				discard = append(discard, s)
			} else {
				keep = append(keep, shrinkEntry{s, free})
			}
		}
		sort.SliceStable(keep, func(i, j int) bool { return keep[i].free > keep[j].free })
		n.partial.reset()
		for _, e := range keep {
			n.partial.pushBack(e.slab)
		}
		for _, s := range discard {
			s.list = listNone
			s.prev, s.next = nil, nil
			n.decSlabs(s.objects)
		}
		n.nrPartial.Store(int64(n.partial.n))
		n.mu.Unlock()

		for _, s := range discard {
			c.freeSlab(s)
		}
	}

	if c.debug {
		return c.Validate()
	}
	return nil
}

// Validate flushes the CPU slots and checks every slab of the cache: header,
// freelist shape, counters, node list accounting and, for debug caches,
// every object. It expects no concurrent use of the cache.
func (c *Cache) Validate() error {
	c.flushAll()

	var errs []error
	slabs := c.reg.slabs(c)
	perNode := make([]int64, len(c.nodes))
	for _, s := range slabs {
		n := c.nodes[s.node]
		perNode[s.node]++
		n.mu.Lock()
		err := c.validateSlab(s)
		n.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}

	for i, n := range c.nodes {
		n.mu.Lock()
		partial := int64(0)
		for s := n.partial.head; s != nil; s = s.next {
			partial++
		}
		full := int64(n.full.n)
		nr := n.nrPartial.Load()
		n.mu.Unlock()

		if partial != nr {
			errs = append(errs, fmt.Errorf("node %d: %d partial slabs counted but counter=%d", i, partial, nr))
		}
		if slabs := n.nrSlabs.Load(); slabs != perNode[i] {
			errs = append(errs, fmt.Errorf("node %d: %d slabs counted but counter=%d", i, perNode[i], slabs))
		}
		if c.debug && full+partial != perNode[i] {
			errs = append(errs, fmt.Errorf("node %d: %d listed slabs but %d live", i, full+partial, perNode[i]))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: cache %s: %w", ErrConsistency, c.name, err)
	}
	return nil
}

// validateSlab checks one slab. The node lock is held.
func (c *Cache) validateSlab(s *Slab) error {
	if err := verify.Header(s.mem, c.header(s)); err != nil {
		return err
	}
	st := s.load()
	if st.frozen {
		return fmt.Errorf("slab 0x%X: frozen with no CPU owner", s.addr)
	}
	free := make(map[uint64]struct{})
	chain, err := verify.Freelist(st.freelist, s.objects, s.isObject, func(p uint64) uint64 {
		free[p] = struct{}{}
		return c.freeptr(s, p)
	})
	if err != nil {
		return err
	}
	if err := verify.Counts(s.objects, st.inuse, chain.Count); err != nil {
		return fmt.Errorf("slab 0x%X: %w", s.addr, err)
	}
	if !c.debug {
		return nil
	}

	ok := c.slabPadCheck(s)
	for i := 0; i < s.objects; i++ {
		p := s.objectAt(i)
		val := format.RedActive
		if _, isFree := free[p]; isFree {
			val = format.RedInactive
		}
		ok = c.checkObject(s, p, val) && ok
	}
	if !ok {
		return fmt.Errorf("slab 0x%X: object checks failed", s.addr)
	}
	return nil
}

// shutdown releases every empty slab after flushing the CPU slots. It fails
// with ErrCacheBusy while objects remain allocated.
func (c *Cache) shutdown() error {
	c.flushAll()

	var busy []uint64
	for i, n := range c.nodes {
		var discard []*Slab
		n.mu.Lock()
		for _, s := range n.partial.slice() {
			if s.InUse() == 0 {
				n.removePartial(s)
				n.decSlabs(s.objects)
				discard = append(discard, s)
			} else {
				busy = append(busy, c.allocatedObjects(s)...)
			}
		}
		for s := n.full.head; s != nil; s = s.next {
			busy = append(busy, c.allocatedObjects(s)...)
		}
		n.mu.Unlock()

		for _, s := range discard {
			c.freeSlab(s)
		}
		if slabs := n.nrSlabs.Load(); slabs > 0 {
			c.reg.log().LogAttrs(context.Background(), slog.LevelError, "objects remaining on cache shutdown",
				slog.String("cache", c.name),
				slog.Int("node", i),
				slog.Int64("slabs", slabs),
				slog.Int64("objects", n.totalObjects.Load()))
		}
	}

	var slabs int64
	for _, n := range c.nodes {
		slabs += n.nrSlabs.Load()
	}
	if slabs == 0 {
		return nil
	}
	for _, p := range busy {
		c.reg.log().LogAttrs(context.Background(), slog.LevelError, "object remaining",
			slog.String("cache", c.name),
			slog.String("object", fmt.Sprintf("0x%X", p)))
	}
	return fmt.Errorf("%w: cache %s has %d slabs in use", ErrCacheBusy, c.name, slabs)
}

// allocatedObjects lists the objects of s that are not on its freelist.
// The node lock is held.
func (c *Cache) allocatedObjects(s *Slab) []uint64 {
	free := make(map[uint64]struct{})
	_, _ = verify.Freelist(s.load().freelist, s.objects, s.isObject, func(p uint64) uint64 {
		free[p] = struct{}{}
		return c.freeptr(s, p)
	})
	var out []uint64
	for i := 0; i < s.objects; i++ {
		if p := s.objectAt(i); !contains(free, p) {
			out = append(out, p)
		}
	}
	return out
}

func contains(m map[uint64]struct{}, k uint64) bool {
	_, ok := m[k]
	return ok
}
