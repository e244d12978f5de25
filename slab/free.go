package slab

import (
	"fmt"
)

// Free returns an object to the cache on the CPU slot of the calling goroutine.
func (c *Cache) Free(p Pointer) error {
	return c.free(c.reg.currentCPU(), p, c.caller())
}

// FreeOn returns an object to the cache on the given CPU slot.
func (c *Cache) FreeOn(cpu int, p Pointer) error {
	if err := c.reg.checkCPU(cpu); err != nil {
		return err
	}
	return c.free(cpu, p, c.caller())
}

func (c *Cache) free(cpu int, p Pointer, pc uintptr) error {
	if p == 0 {
		return nil
	}
	s, err := c.slabOf(uint64(p))
	if err != nil {
		return err
	}
	return c.slabFree(cpu, s, uint64(p), uint64(p), 1, pc)
}

// slabOf resolves the slab owning object p.
func (c *Cache) slabOf(p uint64) (*Slab, error) {
	s := c.reg.lookup(p)
	if s == nil {
		return nil, fmt.Errorf("%w: 0x%X", ErrBadPointer, p)
	}
	if s.cache != c {
		if c.debug {
			c.pointerError(s, p, "Wrong slab cache. "+c.name+" but object is from "+s.cache.name)
		}
		return nil, fmt.Errorf("%w: 0x%X belongs to %s, not %s", ErrWrongCache, p, s.cache.name, c.name)
	}
	if !s.isObject(p) {
		if c.debug {
			c.pointerError(s, p, "Invalid object pointer")
		}
		return nil, fmt.Errorf("%w: 0x%X is not an object boundary", ErrBadPointer, p)
	}
	return s, nil
}

func (c *Cache) doubleFree(s *Slab, p uint64) error {
	c.pointerError(s, p, "Object already free")
	return fmt.Errorf("%w: double free of 0x%X in %s", ErrBadPointer, p, c.name)
}

// slowFree frees a chain into a slab that is not the active slab of the
// slot. The outcome is decided by the same CAS that links the chain:
//   - frozen slab: nothing else to do
//   - full slab becoming partial: frozen onto the CPU partial chain, or put
//     on the node list when CPU partials are disabled
//   - empty slab while the node holds MinPartial partials: discarded
func (c *Cache) slowFree(cpu int, s *Slab, head, tail uint64, cnt int) error {
	var (
		n       *cacheNode
		old, nu counters
	)
	for {
		if n != nil {
			n.mu.Unlock()
			n = nil
		}
		old = s.load()
		if old.inuse < cnt {
			return c.doubleFree(s, head)
		}
		c.setFreeptr(s, tail, old.freelist)
		nu = old
		nu.freelist = head
		nu.inuse -= cnt
		if (nu.inuse == 0 || old.freelist == 0) && !old.frozen {
			if c.hasCPUPartial() && old.freelist == 0 {
				nu.frozen = true
			} else {
				n = c.nodes[s.node]
				n.mu.Lock()
			}
		}
		if c.cmpxchg(cpu, s, old, nu) {
			break
		}
	}
	c.statAdd(cpu, StatFreeSlowpath, cnt)

	if n == nil {
		if old.frozen {
			c.stat(cpu, StatFreeFrozen)
		} else if nu.frozen {
			c.putCPUPartial(cpu, s, true)
			c.stat(cpu, StatCPUPartialFree)
		}
		return nil
	}

	if nu.inuse == 0 && n.nrPartial.Load() >= c.minPartial.Load() {
		if old.freelist != 0 {
			n.removePartial(s)
			c.stat(cpu, StatFreeRemovePartial)
		} else {
			n.removeFull(s)
		}
		n.decSlabs(s.objects)
		n.mu.Unlock()
		c.stat(cpu, StatFreeSlab)
		c.freeSlab(s)
		return nil
	}
	if old.freelist == 0 {
		n.removeFull(s)
		n.addPartial(s, true)
		c.stat(cpu, StatFreeAddPartial)
	}
	n.mu.Unlock()
	return nil
}

// deactivateSlab unfreezes a slab taken off a CPU slot, merging the slot's
// freelist back. The slab ends on the node partial list, unlisted when full,
// or discarded when empty and the node has enough partials.
func (c *Cache) deactivateSlab(cpu int, s *Slab, list uint64) {
	n := c.nodes[s.node]
	tail := false
	if s.load().freelist != 0 {
		c.stat(cpu, StatDeactivateRemoteFrees)
		tail = true
	}

	// Count the CPU freelist and remember its tail. A corrupt pointer cuts
	// the chain before the object holding it.
	var last uint64
	delta := 0
	for p := list; p != 0; {
		next := c.freeptr(s, p)
		if !validPointer(s, next) {
			c.freechainCorrupt(s, p, next)
			break
		}
		if delta == s.objects {
			c.freechainCorrupt(s, p, next)
			last, delta = 0, 0
			break
		}
		last = p
		delta++
		p = next
	}

	const (
		modeFree = iota
		modePartial
		modeFull
	)
	for {
		old := s.load()
		nu := old
		if last != 0 && delta <= old.inuse {
			nu.inuse -= delta
			c.setFreeptr(s, last, old.freelist)
			nu.freelist = list
		}
		nu.frozen = false

		mode := modeFull
		switch {
		case nu.inuse == 0 && n.nrPartial.Load() >= c.minPartial.Load():
			mode = modeFree
		case nu.freelist != 0:
			mode = modePartial
			n.mu.Lock()
		}

		if !c.cmpxchg(cpu, s, old, nu) {
			if mode == modePartial {
				n.mu.Unlock()
			}
			continue
		}

		switch mode {
		case modePartial:
			n.addPartial(s, tail)
			n.mu.Unlock()
			if tail {
				c.stat(cpu, StatDeactivateToTail)
			} else {
				c.stat(cpu, StatDeactivateToHead)
			}
		case modeFree:
			c.stat(cpu, StatDeactivateEmpty)
			c.discardSlab(s)
			c.stat(cpu, StatFreeSlab)
		default:
			c.stat(cpu, StatDeactivateFull)
		}
		return
	}
}

// putCPUPartial pushes a frozen slab onto the CPU partial chain. With drain
// set, a chain already at its target is unfrozen to the node lists first.
func (c *Cache) putCPUPartial(cpu int, s *Slab, drain bool) {
	sl := c.cpus[cpu]
	var unfreeze *Slab
	slabs := 0

	sl.mu.Lock()
	old := sl.partial
	if old != nil {
		if drain && int64(old.slabs) >= c.cpuPartialSlabs.Load() {
			unfreeze, old = old, nil
		} else {
			slabs = old.slabs
		}
	}
	s.slabs = slabs + 1
	s.nextPartial = old
	sl.partial = s
	sl.mu.Unlock()

	if unfreeze != nil {
		c.unfreezePartials(cpu, unfreeze)
		c.stat(cpu, StatCPUPartialDrain)
	}
}

// unfreezePartials moves a detached CPU partial chain to the node lists,
// taking each node lock once per run of slabs on that node.
func (c *Cache) unfreezePartials(cpu int, chain *Slab) {
	var (
		n       *cacheNode
		discard []*Slab
	)
	for chain != nil {
		s := chain
		chain = s.nextPartial
		s.nextPartial, s.slabs = nil, 0

		if n2 := c.nodes[s.node]; n2 != n {
			if n != nil {
				n.mu.Unlock()
			}
			n = n2
			n.mu.Lock()
		}

		var nu counters
		for {
			old := s.load()
			nu = old
			nu.frozen = false
			if c.cmpxchg(cpu, s, old, nu) {
				break
			}
		}

		switch {
		case nu.inuse == 0 && n.nrPartial.Load() >= c.minPartial.Load():
			discard = append(discard, s)
		case nu.freelist == 0:
			c.stat(cpu, StatDeactivateFull)
		default:
			n.addPartial(s, true)
			c.stat(cpu, StatFreeAddPartial)
		}
	}
	if n != nil {
		n.mu.Unlock()
	}

	for _, s := range discard {
		c.stat(cpu, StatDeactivateEmpty)
		c.discardSlab(s)
		c.stat(cpu, StatFreeSlab)
	}
}

// freeToPartialList is the free path of debug caches: checks and the list
// update happen under the node lock.
func (c *Cache) freeToPartialList(cpu int, s *Slab, head, tail uint64, cnt int, pc uintptr) error {
	n := c.nodes[s.node]
	var discard bool

	n.mu.Lock()
	freed, err := c.freeDebug(cpu, s, head, tail, cnt, pc)
	if err == nil {
		st := s.load()
		prior := st.freelist
		st.inuse -= freed
		c.setFreeptr(s, tail, prior)
		st.freelist = head
		c.storeCounters(s, st)

		discard = st.inuse == 0 && n.nrPartial.Load() >= c.minPartial.Load()
		if prior == 0 {
			n.removeFull(s)
			if !discard {
				n.addPartial(s, true)
				c.stat(cpu, StatFreeAddPartial)
			}
		} else if discard {
			n.removePartial(s)
			c.stat(cpu, StatFreeRemovePartial)
		}
		if discard {
			n.decSlabs(s.objects)
		}
		c.statAdd(cpu, StatFreeSlowpath, freed)
	}
	n.mu.Unlock()

	if discard {
		c.stat(cpu, StatFreeSlab)
		c.freeSlab(s)
	}
	return err
}
