package slab

import (
	"runtime"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/slab/page"
)

// Pointer is the address of an object. The zero Pointer is nil.
type Pointer uint64

// Alloc allocates one object on the CPU slot of the calling goroutine.
func (c *Cache) Alloc(flags page.GFP) (Pointer, error) {
	return c.alloc(c.reg.currentCPU(), page.NoNode, flags, c.caller())
}

// AllocOn allocates one object on the given CPU slot. node restricts the
// object to a node (page.NoNode for any); an offline node is treated as
// page.NoNode.
func (c *Cache) AllocOn(cpu, node int, flags page.GFP) (Pointer, error) {
	if err := c.reg.checkCPU(cpu); err != nil {
		return 0, err
	}
	if err := c.reg.checkNode(node); err != nil {
		return 0, err
	}
	return c.alloc(cpu, node, flags, c.caller())
}

func (c *Cache) alloc(cpu, node int, gfp page.GFP, pc uintptr) (Pointer, error) {
	var (
		p   uint64
		s   *Slab
		err error
		ok  bool
	)
	switch {
	case c.debug:
		p, s, err = c.allocSingle(cpu, node, gfp, pc)
	default:
		if p, s, ok = c.fastAlloc(cpu, node); !ok {
			p, s, err = c.slowAlloc(cpu, node, gfp)
		}
	}
	if err != nil {
		return 0, err
	}
	c.postAlloc(s, p, gfp)
	return Pointer(p), nil
}

// caller returns the PC of the code that called the public entry point,
// or 0 when the cache does not record tracks.
func (c *Cache) caller() uintptr {
	if !c.storeUser {
		return 0
	}
	var pcs [1]uintptr
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// postAlloc zeroes the object for GFPZero. The free pointer word is cleared
// atomically; a stale fast-path reader may still be loading it.
func (c *Cache) postAlloc(s *Slab, p uint64, gfp page.GFP) {
	if gfp&page.GFPZero == 0 {
		return
	}
	obj := c.objectBytes(s, p)
	off := c.layout.Offset
	if off+8 > len(obj) {
		clear(obj)
		return
	}
	clear(obj[:off])
	buf.Store64(obj, off, 0)
	clear(obj[off+8:])
}

func nodeMatch(s *Slab, node int) bool {
	return node == page.NoNode || s.node == node
}

// pfmemallocMatch reports whether a request may take objects from s. Slabs
// built from the emergency reserve serve GFPMemalloc requests only.
func pfmemallocMatch(s *Slab, gfp page.GFP) bool {
	return !s.pfmemalloc || gfp&page.GFPMemalloc != 0
}

// slowAlloc runs when the fast path finds no usable object. In order it
// reuses the slot freelist or refills it from the active slab, promotes a
// CPU partial slab, takes slabs from the local node, scans remote nodes and
// finally mints a new slab.
func (c *Cache) slowAlloc(cpu, node int, gfp page.GFP) (uint64, *Slab, error) {
	if c.dead.Load() {
		return 0, nil, ErrClosed
	}
	sl := c.cpus[cpu]
	if node != page.NoNode && !c.reg.nodeOnline(node) {
		node = page.NoNode
	}

	sl.mu.Lock()
	s, list := sl.detach()
	if s != nil && (!nodeMatch(s, node) || !pfmemallocMatch(s, gfp)) {
		sl.mu.Unlock()
		if !nodeMatch(s, node) {
			c.stat(cpu, StatAllocNodeMismatch)
		}
		c.deactivateSlab(cpu, s, list)
		sl.mu.Lock()
		s = nil
	}
	if s != nil && list == 0 {
		if list = c.getFreelist(cpu, s); list == 0 {
			c.stat(cpu, StatDeactivateBypass)
			s = nil
		} else {
			c.stat(cpu, StatAllocRefill)
		}
	}
	if s == nil {
		s, list = c.popCPUPartial(cpu, sl, node, gfp)
	}
	if s != nil {
		return c.load(cpu, sl, s, list)
	}
	sl.mu.Unlock()

	s, list = c.getPartial(cpu, node, gfp)
	if s == nil {
		var err error
		if s, list, err = c.newSlab(cpu, gfp, node); err != nil {
			c.outOfMemory(cpu, gfp, node, err)
			return 0, nil, err
		}
		c.stat(cpu, StatAllocSlab)
	}

	if !pfmemallocMatch(s, gfp) {
		// Hand out one object and do not make further mismatched
		// allocations easier.
		c.deactivateSlab(cpu, s, c.nextFree(s, list))
		c.stat(cpu, StatAllocSlowpath)
		return list, s, nil
	}

	sl.mu.Lock()
	return c.load(cpu, sl, s, list)
}

// load installs s as the active slab with list as its freelist and returns
// the first object. sl.mu is held on entry and released. A slab another
// goroutine installed meanwhile is flushed.
func (c *Cache) load(cpu int, sl *cpuSlot, s *Slab, list uint64) (uint64, *Slab, error) {
	old, oldList := sl.detach()
	sl.attach(s, c.nextFree(s, list))
	sl.mu.Unlock()
	if old != nil {
		c.stat(cpu, StatCPUSlabFlush)
		c.deactivateSlab(cpu, old, oldList)
	}
	c.stat(cpu, StatAllocSlowpath)
	return list, s, nil
}

// popCPUPartial promotes the first usable slab of the CPU partial chain and
// takes its freelist. sl.mu held; it is released and retaken while
// deactivating mismatched slabs.
func (c *Cache) popCPUPartial(cpu int, sl *cpuSlot, node int, gfp page.GFP) (*Slab, uint64) {
	for sl.partial != nil {
		s := sl.partial
		sl.partial = s.nextPartial
		s.nextPartial = nil
		if !nodeMatch(s, node) || !pfmemallocMatch(s, gfp) {
			sl.mu.Unlock()
			c.deactivateSlab(cpu, s, 0)
			sl.mu.Lock()
			continue
		}
		c.stat(cpu, StatCPUPartialAlloc)
		if list := c.getFreelist(cpu, s); list != 0 {
			return s, list
		}
		c.stat(cpu, StatDeactivateBypass)
	}
	return nil, 0
}

// nextFree returns the free pointer of p, isolating the rest of the chain
// when it does not point at an object of s.
func (c *Cache) nextFree(s *Slab, p uint64) uint64 {
	next := c.freeptr(s, p)
	if !validPointer(s, next) {
		c.freechainCorrupt(s, p, next)
		return 0
	}
	return next
}

// getFreelist takes the whole freelist of a frozen slab. The slab stays
// frozen only if the list was not empty.
func (c *Cache) getFreelist(cpu int, s *Slab) uint64 {
	for {
		old := s.load()
		nu := old
		nu.freelist = 0
		nu.inuse = s.objects
		nu.frozen = old.freelist != 0
		if c.cmpxchg(cpu, s, old, nu) {
			return old.freelist
		}
	}
}

// getPartial takes a slab from the requested (or local) node, then from
// remote nodes when no node was requested.
func (c *Cache) getPartial(cpu, node int, gfp page.GFP) (*Slab, uint64) {
	search := node
	if node == page.NoNode {
		search = c.reg.memNode(cpu)
	}
	if s, list := c.getPartialNode(cpu, search, gfp); s != nil || node != page.NoNode {
		return s, list
	}
	return c.getAnyPartial(cpu, gfp)
}

// getPartialNode freezes the first matching partial slab of node for the
// caller and keeps moving slabs to the CPU partial chain until it holds more
// than half of its target.
func (c *Cache) getPartialNode(cpu, node int, gfp page.GFP) (*Slab, uint64) {
	n := c.nodes[node]
	if n.nrPartial.Load() == 0 {
		return nil, 0
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var (
		got    *Slab
		list   uint64
		pulled int
	)
	for s := n.partial.head; s != nil; {
		next := s.next
		if !pfmemallocMatch(s, gfp) {
			s = next
			continue
		}
		fl, ok := c.acquireSlab(cpu, n, s, got == nil)
		if !ok {
			break
		}
		if got == nil {
			got, list = s, fl
			c.stat(cpu, StatAllocFromPartial)
		} else {
			c.putCPUPartial(cpu, s, false)
			c.stat(cpu, StatCPUPartialNode)
			pulled++
		}
		if !c.hasCPUPartial() || pulled > int(c.cpuPartialSlabs.Load())/2 {
			break
		}
		s = next
	}
	return got, list
}

// acquireSlab freezes a node partial slab and unlinks it. With take set the
// freelist is taken as well. n.mu held.
func (c *Cache) acquireSlab(cpu int, n *cacheNode, s *Slab, take bool) (uint64, bool) {
	old := s.load()
	nu := old
	if take {
		nu.inuse = s.objects
		nu.freelist = 0
	}
	nu.frozen = true
	if !c.cmpxchg(cpu, s, old, nu) {
		return 0, false
	}
	n.removePartial(s)
	return old.freelist, true
}

// getAnyPartial scans other nodes by increasing distance. The scan runs
// with probability remoteRatio/1024 and only takes from nodes holding more
// than MinPartial partial slabs.
func (c *Cache) getAnyPartial(cpu int, gfp page.GFP) (*Slab, uint64) {
	if !c.remoteDraw() {
		return nil, 0
	}
	for _, node := range c.reg.nodesByDistance(c.reg.memNode(cpu)) {
		if !c.reg.nodeOnline(node) || c.nodes[node].nrPartial.Load() <= c.minPartial.Load() {
			continue
		}
		if s, list := c.getPartialNode(cpu, node, gfp); s != nil {
			return s, list
		}
	}
	return nil, 0
}

func (c *Cache) remoteDraw() bool {
	ratio := c.remoteRatio.Load()
	return ratio != 0 && int64(c.reg.randN(1024)) <= ratio
}

// allocSingle is the allocation path of debug caches. CPU slots are not
// used; objects are taken one at a time under the node lock.
func (c *Cache) allocSingle(cpu, node int, gfp page.GFP, pc uintptr) (uint64, *Slab, error) {
	if c.dead.Load() {
		return 0, nil, ErrClosed
	}
	if node != page.NoNode && !c.reg.nodeOnline(node) {
		node = page.NoNode
	}
	for {
		search := node
		if node == page.NoNode {
			search = c.reg.memNode(cpu)
		}
		if p, s := c.singleFromNode(cpu, search, gfp, pc); s != nil {
			c.stat(cpu, StatAllocSlowpath)
			return p, s, nil
		}
		if node == page.NoNode && c.remoteDraw() {
			for _, nid := range c.reg.nodesByDistance(search) {
				if !c.reg.nodeOnline(nid) || c.nodes[nid].nrPartial.Load() <= c.minPartial.Load() {
					continue
				}
				if p, s := c.singleFromNode(cpu, nid, gfp, pc); s != nil {
					c.stat(cpu, StatAllocSlowpath)
					return p, s, nil
				}
			}
		}

		s, err := c.allocateSlab(cpu, gfp, node)
		if err != nil {
			c.outOfMemory(cpu, gfp, node, err)
			return 0, nil, err
		}
		c.stat(cpu, StatAllocSlab)
		if p, ok := c.singleFromNewSlab(cpu, s, pc); ok {
			c.stat(cpu, StatAllocSlowpath)
			return p, s, nil
		}
	}
}

func (c *Cache) singleFromNode(cpu, node int, gfp page.GFP, pc uintptr) (uint64, *Slab) {
	n := c.nodes[node]
	if n.nrPartial.Load() == 0 {
		return 0, nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := n.partial.head; s != nil; {
		next := s.next
		if pfmemallocMatch(s, gfp) {
			if p, ok := c.singleFromPartial(cpu, n, s, pc); ok {
				c.stat(cpu, StatAllocFromPartial)
				return p, s
			}
		}
		s = next
	}
	return 0, nil
}

// singleFromPartial takes one object from a node partial slab. A slab that
// fails the checks is forced fully in use and moved to the full list. n.mu
// held.
func (c *Cache) singleFromPartial(cpu int, n *cacheNode, s *Slab, pc uintptr) (uint64, bool) {
	st := s.load()
	p := st.freelist
	if !c.allocDebug(cpu, s, p, pc) {
		c.markAllUsed(s)
		n.removePartial(s)
		n.addFull(s)
		return 0, false
	}
	st = s.load()
	st.freelist = c.nextFree(s, p)
	st.inuse++
	c.storeCounters(s, st)
	if st.inuse == s.objects {
		n.removePartial(s)
		n.addFull(s)
	}
	return p, true
}

// singleFromNewSlab takes the first object of a freshly built slab and
// lists the slab. A slab failing the checks is leaked.
func (c *Cache) singleFromNewSlab(cpu int, s *Slab, pc uintptr) (uint64, bool) {
	st := s.load()
	p := st.freelist
	if !c.allocDebug(cpu, s, p, pc) {
		return 0, false
	}
	st = s.load()
	st.freelist = c.nextFree(s, p)
	st.inuse = 1

	n := c.nodes[s.node]
	n.mu.Lock()
	c.storeCounters(s, st)
	if st.inuse == s.objects {
		n.addFull(s)
	} else {
		n.addPartial(s, false)
	}
	n.incSlabs(s.objects)
	n.mu.Unlock()
	return p, true
}

// storeCounters replaces the slab word. Only for slabs no lockless path can
// reach: debug slabs under the node lock, or slabs not yet published.
func (c *Cache) storeCounters(s *Slab, st counters) {
	st.gen = s.load().gen + 1
	s.word.store(st.pack())
}

// markAllUsed isolates a slab that failed checks.
func (c *Cache) markAllUsed(s *Slab) {
	st := s.load()
	st.freelist = 0
	st.inuse = s.objects
	c.storeCounters(s, st)
	c.fix(s, "Marking all objects used")
}
