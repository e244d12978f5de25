package slab

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/slabkit/slab/page"
)

// cpuSlot is the per-CPU state of a cache.
//
// The word packs the lockless freelist of the active slab with a tid. Every
// mutation advances the tid by step, so a fast path that read a stale word
// fails its CAS and retries. Slow paths first detach the slot (slab nil, empty
// freelist), work on the detached state, then attach a new one; while
// detached no fast path can modify the word.
type cpuSlot struct {
	mu   sync.Mutex // local lock, lock level 3
	word cell
	slab atomic.Pointer[Slab]
	step uint64

	partial *Slab // frozen partial chain, guarded by mu

	stats [NumStats]atomic.Uint64
}

func newCPUSlot(cpu int, step uint64, locked bool) *cpuSlot {
	sl := &cpuSlot{step: step}
	sl.word.setLocked(locked)
	sl.word.store(packCPU(0, uint64(cpu)))
	return sl
}

// detach takes the active slab and its lockless freelist out of the slot.
// sl.mu held.
func (sl *cpuSlot) detach() (*Slab, uint64) {
	s := sl.slab.Swap(nil)
	for {
		w := sl.word.load()
		list, tid := unpackCPU(w)
		if sl.word.cas(w, packCPU(0, tid+sl.step)) {
			return s, list
		}
	}
}

// attach installs s with the lockless freelist list. sl.mu held and the slot
// detached.
func (sl *cpuSlot) attach(s *Slab, list uint64) {
	_, tid := unpackCPU(sl.word.load())
	sl.word.store(packCPU(list, tid+sl.step))
	sl.slab.Store(s)
}

// fastAlloc pops the head of the slot freelist. ok is false when the slow
// path must run.
func (c *Cache) fastAlloc(cpu, node int) (uint64, *Slab, bool) {
	sl := c.cpus[cpu]
	for {
		w := sl.word.load()
		obj, tid := unpackCPU(w)
		s := sl.slab.Load()
		if obj == 0 || s == nil || (node != page.NoNode && s.node != node) {
			return 0, nil, false
		}
		if !s.isObject(obj) {
			return 0, nil, false
		}
		next := c.freeptr(s, obj)
		if !validPointer(s, next) {
			return 0, nil, false
		}
		if sl.word.cas(w, packCPU(next, tid+sl.step)) {
			c.stat(cpu, StatAllocFastpath)
			return obj, s, true
		}
		c.stat(cpu, StatCmpxchgDoubleCPUFail)
	}
}

// slabFree frees the chain head..tail of cnt objects of s on cpu. The chain
// is already linked through the free pointers.
func (c *Cache) slabFree(cpu int, s *Slab, head, tail uint64, cnt int, pc uintptr) error {
	if c.debug {
		return c.freeToPartialList(cpu, s, head, tail, cnt, pc)
	}
	sl := c.cpus[cpu]
	for {
		w := sl.word.load()
		list, tid := unpackCPU(w)
		if sl.slab.Load() != s {
			return c.slowFree(cpu, s, head, tail, cnt)
		}
		if c.hardened && head == list {
			return c.doubleFree(s, head)
		}
		c.setFreeptr(s, tail, list)
		if sl.word.cas(w, packCPU(head, tid+sl.step)) {
			c.statAdd(cpu, StatFreeFastpath, cnt)
			return nil
		}
		c.stat(cpu, StatCmpxchgDoubleCPUFail)
	}
}
