package slab

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/slabkit/slab/page"
)

// Packed word layouts. Object addresses are 8-byte aligned and below
// page.MaxAddress, so they fit in addrBits once shifted.
//
// CPU word:  | tid:27 | freelist>>3:37 |
// Slab word: | gen:10 | frozen:1 | inuse:16 | freelist>>3:37 |
const (
	addrShift = 3
	addrBits  = page.AddressBits - addrShift
	addrMask  = 1<<addrBits - 1

	tidBits = 64 - addrBits
	tidMask = 1<<tidBits - 1

	inuseShift  = addrBits
	inuseBits   = 16
	inuseMask   = 1<<inuseBits - 1
	frozenShift = inuseShift + inuseBits
	genShift    = frozenShift + 1
	genMask     = 1<<(64-genShift) - 1
)

// cell is a 64-bit word updated either by hardware CAS or under a mutex.
// Loads are always atomic.
type cell struct {
	v  atomic.Uint64
	mu *sync.Mutex // non-nil in CASLocked mode
}

// setLocked switches c to CASLocked mode. Only valid before c is shared.
func (c *cell) setLocked(locked bool) {
	if locked {
		c.mu = new(sync.Mutex)
	}
}

func (c *cell) load() uint64 { return c.v.Load() }

func (c *cell) store(x uint64) {
	if c.mu != nil {
		c.mu.Lock()
		c.v.Store(x)
		c.mu.Unlock()
		return
	}
	c.v.Store(x)
}

func (c *cell) cas(old, val uint64) bool {
	if c.mu == nil {
		return c.v.CompareAndSwap(old, val)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v.Load() != old {
		return false
	}
	c.v.Store(val)
	return true
}

func packCPU(freelist, tid uint64) uint64 {
	return freelist>>addrShift | (tid&tidMask)<<addrBits
}

func unpackCPU(w uint64) (freelist, tid uint64) {
	return (w & addrMask) << addrShift, w >> addrBits
}

// counters is the unpacked slab word.
type counters struct {
	freelist uint64
	inuse    int
	frozen   bool
	gen      uint64
}

func (c counters) pack() uint64 {
	w := c.freelist>>addrShift | uint64(c.inuse&inuseMask)<<inuseShift | (c.gen&genMask)<<genShift
	if c.frozen {
		w |= 1 << frozenShift
	}
	return w
}

func unpackSlab(w uint64) counters {
	return counters{
		freelist: (w & addrMask) << addrShift,
		inuse:    int(w >> inuseShift & inuseMask),
		frozen:   w>>frozenShift&1 != 0,
		gen:      w >> genShift,
	}
}

// tidStep returns the distance between consecutive tids of one CPU. Tids of
// different CPUs never collide because each starts at its CPU number.
func tidStep(cpus int) uint64 {
	step := uint64(1)
	for step < uint64(cpus) {
		step <<= 1
	}
	return step
}
