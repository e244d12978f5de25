package slab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joshuapare/slabkit/slab/page"
)

// Stat is a per-CPU event counter.
type Stat int

const (
	StatAllocFastpath         Stat = iota // Allocation from the CPU freelist
	StatAllocSlowpath                     // Allocation through the slow path
	StatFreeFastpath                      // Free to the CPU freelist
	StatFreeSlowpath                      // Free to a slab that is not the active one
	StatFreeFrozen                        // Free to a frozen slab
	StatFreeAddPartial                    // Free moved a slab to a node partial list
	StatFreeRemovePartial                 // Free removed an empty slab from a partial list
	StatAllocFromPartial                  // Slab taken from a node partial list
	StatAllocSlab                         // New slab minted
	StatAllocRefill                       // CPU freelist refilled from the active slab
	StatAllocNodeMismatch                 // Active slab dropped for a node mismatch
	StatFreeSlab                          // Slab returned to the provider
	StatCPUSlabFlush                      // Active slab flushed
	StatDeactivateFull                    // Deactivated slab was full
	StatDeactivateEmpty                   // Deactivated slab was empty
	StatDeactivateToHead                  // Deactivated slab added to partial head
	StatDeactivateToTail                  // Deactivated slab added to partial tail
	StatDeactivateRemoteFrees             // Deactivated slab had remote frees
	StatDeactivateBypass                  // Active slab was exhausted on refill
	StatOrderFallback                     // Slab minted at the minimal order
	StatCmpxchgDoubleCPUFail              // CPU word CAS retried
	StatCmpxchgDoubleFail                 // Slab word CAS retried
	StatCPUPartialAlloc                   // Slab promoted from the CPU partial list
	StatCPUPartialFree                    // Slab frozen onto the CPU partial list by a free
	StatCPUPartialNode                    // Slab moved from a node to a CPU partial list
	StatCPUPartialDrain                   // CPU partial list drained to the nodes
	NumStats
)

var statNames = [NumStats]string{
	"alloc_fastpath", "alloc_slowpath", "free_fastpath", "free_slowpath",
	"free_frozen", "free_add_partial", "free_remove_partial", "alloc_from_partial",
	"alloc_slab", "alloc_refill", "alloc_node_mismatch", "free_slab",
	"cpuslab_flush", "deactivate_full", "deactivate_empty", "deactivate_to_head",
	"deactivate_to_tail", "deactivate_remote_frees", "deactivate_bypass", "order_fallback",
	"cmpxchg_double_cpu_fail", "cmpxchg_double_fail", "cpu_partial_alloc", "cpu_partial_free",
	"cpu_partial_node", "cpu_partial_drain",
}

func (s Stat) String() string {
	if s < 0 || s >= NumStats {
		return fmt.Sprintf("stat(%d)", int(s))
	}
	return statNames[s]
}

func (c *Cache) stat(cpu int, st Stat) { c.cpus[cpu].stats[st].Add(1) }

func (c *Cache) statAdd(cpu int, st Stat, n int) { c.cpus[cpu].stats[st].Add(uint64(n)) }

// NodeStats describes the slabs of one node.
type NodeStats struct {
	Node    int
	Slabs   int64 // Slabs accounted to the node, frozen ones included
	Objects int64 // Object capacity of those slabs
	Partial int64 // Slabs on the node partial list
	Free    int64 // Free objects of the partial slabs
}

// Stats is a snapshot of a cache.
type Stats struct {
	Name           string
	ObjectSize     int
	Stride         int
	Order          int
	ObjectsPerSlab int

	Slabs         int64 // All slabs
	Objects       int64 // Object capacity
	ActiveObjects int64 // Allocated minus freed objects
	PartialSlabs  int64 // Slabs on node partial lists
	CPUPartial    int   // Slabs on CPU partial lists
	CPUSlabs      int   // Active CPU slabs

	Nodes  []NodeStats
	Events [NumStats]uint64 // Summed over CPUs
	PerCPU [][NumStats]uint64
}

// Event returns the summed counter for st.
func (s Stats) Event(st Stat) uint64 { return s.Events[st] }

// Stats returns a snapshot of the cache. Counters are read without stopping
// concurrent operations.
func (c *Cache) Stats() Stats {
	st := Stats{
		Name:           c.name,
		ObjectSize:     c.layout.ObjectSize,
		Stride:         c.layout.Stride,
		Order:          c.layout.Order,
		ObjectsPerSlab: c.layout.Objects,
		PerCPU:         make([][NumStats]uint64, len(c.cpus)),
	}
	for i, sl := range c.cpus {
		for e := range NumStats {
			v := sl.stats[e].Load()
			st.PerCPU[i][e] = v
			st.Events[e] += v
		}
		if sl.slab.Load() != nil {
			st.CPUSlabs++
		}
		sl.mu.Lock()
		if sl.partial != nil {
			st.CPUPartial += sl.partial.slabs
		}
		sl.mu.Unlock()
	}
	st.ActiveObjects = int64(st.Events[StatAllocFastpath]+st.Events[StatAllocSlowpath]) -
		int64(st.Events[StatFreeFastpath]+st.Events[StatFreeSlowpath])

	for i, n := range c.nodes {
		ns := NodeStats{
			Node:    i,
			Slabs:   n.nrSlabs.Load(),
			Objects: n.totalObjects.Load(),
		}
		n.mu.Lock()
		ns.Partial = int64(n.partial.n)
		for s := n.partial.head; s != nil; s = s.next {
			ns.Free += int64(s.objects - s.InUse())
		}
		n.mu.Unlock()
		st.Nodes = append(st.Nodes, ns)
		st.Slabs += ns.Slabs
		st.Objects += ns.Objects
		st.PartialSlabs += ns.Partial
	}
	return st
}

// ratelimit allows burst events per interval.
type ratelimit struct {
	mu       sync.Mutex
	interval time.Duration
	burst    int
	begin    time.Time
	printed  int
	missed   int
}

const (
	oomInterval = 5 * time.Second
	oomBurst    = 10
)

// allow reports whether an event may be emitted now, and how many were
// suppressed since the previous interval began.
func (r *ratelimit) allow(now time.Time) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.begin.IsZero() || now.Sub(r.begin) >= r.interval {
		missed := r.missed
		r.begin, r.printed, r.missed = now, 0, 0
		r.printed++
		return true, missed
	}
	if r.printed < r.burst {
		r.printed++
		return true, 0
	}
	r.missed++
	return false, 0
}

// outOfMemory logs a snapshot of the cache after a failed slab allocation.
func (c *Cache) outOfMemory(cpu int, gfp page.GFP, node int, err error) {
	if gfp&page.GFPNoWarn != 0 {
		return
	}
	ok, missed := c.reg.oom.allow(time.Now())
	if !ok {
		return
	}
	log := c.reg.log()
	attrs := []slog.Attr{
		slog.String("cache", c.name),
		slog.Int("cpu", cpu),
		slog.Int("node", node),
		slog.String("gfp", fmt.Sprintf("%#x", uint32(gfp))),
		slog.Int("object_size", c.layout.ObjectSize),
		slog.Int("buffer_size", c.layout.Stride),
		slog.Int("order", c.layout.Order),
		slog.Int("min_order", c.layout.MinOrder),
		slog.String("error", err.Error()),
	}
	if missed > 0 {
		attrs = append(attrs, slog.Int("suppressed", missed))
	}
	log.LogAttrs(context.Background(), slog.LevelWarn, "unable to allocate slab", attrs...)

	for i, n := range c.nodes {
		var free int64
		n.mu.Lock()
		for s := n.partial.head; s != nil; s = s.next {
			free += int64(s.objects - s.InUse())
		}
		n.mu.Unlock()
		log.LogAttrs(context.Background(), slog.LevelWarn, "slab node usage",
			slog.String("cache", c.name),
			slog.Int("node", i),
			slog.Int64("slabs", n.nrSlabs.Load()),
			slog.Int64("objects", n.totalObjects.Load()),
			slog.Int64("free", free))
	}
}
