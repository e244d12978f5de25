package slab

import (
	"errors"
	"fmt"

	"github.com/joshuapare/slabkit/slab/page"
)

// bulkLookahead is how many objects of other slabs a detached freelist
// build skips before it gives up on finding more objects of its slab.
const bulkLookahead = 3

// AllocBulk allocates n objects. It either returns all n or none.
func (c *Cache) AllocBulk(flags page.GFP, n int) ([]Pointer, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: bulk count %d", ErrInvalidArgument, n)
	}
	cpu := c.reg.currentCPU()
	pc := c.caller()
	out := make([]Pointer, 0, n)
	for len(out) < n {
		var (
			p   uint64
			s   *Slab
			err error
		)
		if c.debug {
			p, s, err = c.allocSingle(cpu, page.NoNode, flags, pc)
		} else {
			if out = c.takeCPUList(cpu, flags, out, n); len(out) == n {
				break
			}
			p, s, err = c.slowAlloc(cpu, page.NoNode, flags)
		}
		if err != nil {
			if ferr := c.freeBulk(cpu, out, pc); ferr != nil {
				err = errors.Join(err, ferr)
			}
			return nil, err
		}
		c.postAlloc(s, p, flags)
		out = append(out, Pointer(p))
	}
	return out, nil
}

// takeCPUList moves objects from the slot freelist to out until it holds n.
func (c *Cache) takeCPUList(cpu int, gfp page.GFP, out []Pointer, n int) []Pointer {
	sl := c.cpus[cpu]
	sl.mu.Lock()
	s, list := sl.detach()
	got := 0
	if s != nil && pfmemallocMatch(s, gfp) {
		for list != 0 && len(out) < n {
			p := list
			list = c.nextFree(s, p)
			c.postAlloc(s, p, gfp)
			out = append(out, Pointer(p))
			got++
		}
	}
	sl.attach(s, list)
	sl.mu.Unlock()
	c.statAdd(cpu, StatAllocFastpath, got)
	return out
}

// FreeBulk frees every object of ps; nil entries are skipped. Objects are
// grouped into detached freelists, one per slab run, and each list is freed
// with a single update. Invalid entries are reported and skipped.
func (c *Cache) FreeBulk(ps []Pointer) error {
	return c.freeBulk(c.reg.currentCPU(), ps, c.caller())
}

func (c *Cache) freeBulk(cpu int, ps []Pointer, pc uintptr) error {
	objs := make([]uint64, len(ps))
	for i, p := range ps {
		objs[i] = uint64(p)
	}
	var errs []error
	for size := len(objs); size > 0; {
		df, next, err := c.buildDetached(objs[:size])
		size = next
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if df.slab == nil {
			continue
		}
		if err := c.slabFree(cpu, df.slab, df.head, df.tail, df.cnt, pc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type detached struct {
	slab       *Slab
	head, tail uint64
	cnt        int
}

// buildDetached links the last object of objs with every other object of
// the same slab found scanning backwards, consuming them. It returns the
// length of the prefix still holding unconsumed objects.
func (c *Cache) buildDetached(objs []uint64) (detached, int, error) {
	var df detached
	size := len(objs)
	for size > 0 && objs[size-1] == 0 {
		size--
	}
	if size == 0 {
		return df, 0, nil
	}
	size--
	p := objs[size]
	objs[size] = 0
	s, err := c.slabOf(p)
	if err != nil {
		return df, size, err
	}
	df = detached{slab: s, head: p, tail: p, cnt: 1}
	c.setFreeptr(s, p, 0)

	lookahead := bulkLookahead
	firstSkipped := 0
	for size > 0 {
		size--
		q := objs[size]
		if q == 0 {
			continue
		}
		if c.reg.lookup(q) == s && s.isObject(q) {
			c.setFreeptr(s, q, df.head)
			df.head = q
			df.cnt++
			objs[size] = 0
			continue
		}
		lookahead--
		if lookahead == 0 {
			break
		}
		if firstSkipped == 0 {
			firstSkipped = size + 1
		}
	}
	return df, firstSkipped, nil
}
