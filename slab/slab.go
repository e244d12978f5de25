package slab

import (
	"fmt"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/internal/format"
	"github.com/joshuapare/slabkit/slab/page"
	"github.com/joshuapare/slabkit/slab/planner"
)

// Slab is a naturally aligned block of 2^order pages carved into equally
// sized objects of one cache.
//
// The packed word holds the intra-slab freelist head, the in-use count and
// the frozen flag. A frozen slab is owned by one CPU slot, either as its
// active slab or on its partial chain. An unfrozen slab is on its node's
// partial list, on the full list (debug caches), or unlisted when full.
type Slab struct {
	cache      *Cache
	block      *page.Block
	addr       uint64
	mem        []byte
	order      int
	objects    int
	node       int
	pfmemalloc bool

	start  uint64 // Address of object 0
	end    uint64 // End of the last object slot
	stride uint64

	word cell

	// Node list linkage, guarded by the node lock.
	prev, next *Slab
	list       listKind

	// CPU partial chain, guarded by the CPU slot lock. slabs counts the
	// chain length from this slab on.
	nextPartial *Slab
	slabs       int
}

// Addr returns the block address.
func (s *Slab) Addr() uint64 { return s.addr }

// Order returns log2 of the page count.
func (s *Slab) Order() int { return s.order }

// Node returns the node the block belongs to.
func (s *Slab) Node() int { return s.node }

// Objects returns the number of objects in the slab.
func (s *Slab) Objects() int { return s.objects }

// InUse returns the in-use count of the slab word. Objects sitting on a CPU
// freelist count as in use.
func (s *Slab) InUse() int { return unpackSlab(s.word.load()).inuse }

// Frozen reports whether a CPU slot owns the slab.
func (s *Slab) Frozen() bool { return unpackSlab(s.word.load()).frozen }

// Pfmemalloc reports whether the block came from the emergency reserve.
func (s *Slab) Pfmemalloc() bool { return s.pfmemalloc }

func (s *Slab) objectAt(i int) uint64 { return s.start + uint64(i)*s.stride }

func (s *Slab) index(p uint64) int { return int((p - s.start) / s.stride) }

// isObject reports whether p is the address of an object of s.
func (s *Slab) isObject(p uint64) bool {
	return p >= s.start && p < s.end && (p-s.start)%s.stride == 0
}

// off returns the byte offset of addr within the block.
func (s *Slab) off(addr uint64) int { return int(addr - s.addr) }

func (s *Slab) load() counters { return unpackSlab(s.word.load()) }

// cmpxchg updates the slab word from old to nu.
func (c *Cache) cmpxchg(cpu int, s *Slab, old, nu counters) bool {
	nu.gen = old.gen + 1
	if s.word.cas(old.pack(), nu.pack()) {
		return true
	}
	c.stat(cpu, StatCmpxchgDoubleFail)
	return false
}

// freeptr returns the decoded free pointer stored in object p.
func (c *Cache) freeptr(s *Slab, p uint64) uint64 {
	slot := p + uint64(c.layout.Offset)
	return c.codec.Decode(buf.Load64(s.mem, s.off(slot)), slot)
}

func (c *Cache) setFreeptr(s *Slab, p, next uint64) {
	slot := p + uint64(c.layout.Offset)
	buf.Store64(s.mem, s.off(slot), c.codec.Encode(next, slot))
}

// validPointer reports whether p is nil or an object of s.
func validPointer(s *Slab, p uint64) bool { return p == 0 || s.isObject(p) }

// objectBytes returns the user-visible bytes of object p.
func (c *Cache) objectBytes(s *Slab, p uint64) []byte {
	o := s.off(p)
	return s.mem[o : o+c.layout.ObjectSize : o+c.layout.ObjectSize]
}

func (c *Cache) objectsFor(order int) int {
	n := ((page.PageSize << order) - c.layout.Reserved) / c.layout.Stride
	return min(n, planner.MaxObjsPerSlab)
}

// allocateSlab obtains a block from the provider and builds a slab on it.
// The preferred order is tried without retries first, then the minimal order.
// The slab is returned unfrozen with its whole freelist and in-use 0.
func (c *Cache) allocateSlab(cpu int, gfp page.GFP, node int) (*Slab, error) {
	if node == page.NoNode {
		node = c.reg.memNode(cpu)
	}
	prov := c.reg.provider
	blk, err := prov.AllocPages(c.layout.Order, node, gfp|page.GFPNoWarn|page.GFPNoRetry)
	if err != nil {
		blk, err = prov.AllocPages(c.layout.MinOrder, node, gfp)
		if err != nil {
			return nil, fmt.Errorf("%w: cache %s order %d node %d: %w", ErrOutOfMemory, c.name, c.layout.MinOrder, node, err)
		}
		c.stat(cpu, StatOrderFallback)
	}
	if len(blk.Mem) != blk.Size() || !buf.Aligned64(blk.Mem, 0) || blk.Addr&uint64(blk.Size()-1) != 0 || blk.Node < 0 || blk.Node >= len(c.nodes) {
		prov.FreePages(blk)
		return nil, fmt.Errorf("%w: cache %s: provider returned malformed block 0x%X order %d node %d",
			ErrOutOfMemory, c.name, blk.Addr, blk.Order, blk.Node)
	}

	s := &Slab{
		cache:      c,
		block:      blk,
		addr:       blk.Addr,
		mem:        blk.Mem,
		order:      blk.Order,
		objects:    c.objectsFor(blk.Order),
		node:       blk.Node,
		pfmemalloc: blk.Pfmemalloc,
		stride:     uint64(c.layout.Stride),
	}
	s.start = blk.Addr + uint64(c.layout.Reserved+c.layout.RedLeftPad)
	s.end = s.start + uint64(s.objects)*s.stride
	s.word.setLocked(c.lockedSlab)

	if c.flags&FlagPoison != 0 {
		buf.Fill(s.mem, format.PoisonInuse)
	}
	format.PutHeader(s.mem, c.header(s))
	head := c.buildFreelist(s)
	s.word.store(counters{freelist: head}.pack())

	c.reg.bindFrames(s)
	return s, nil
}

func (c *Cache) header(s *Slab) format.Header {
	return format.Header{
		CacheID: c.id,
		Order:   uint16(s.order),
		Node:    uint16(s.node),
		Objects: uint32(s.objects),
		Stride:  uint32(c.layout.Stride),
		First:   uint32(c.layout.Reserved),
		Addr:    s.addr,
	}
}

// buildFreelist runs object setup and links every object, sequentially or in
// the order of the cache's random sequence.
func (c *Cache) buildFreelist(s *Slab) uint64 {
	if s.objects == 0 {
		return 0
	}
	at := func(i int) uint64 { return s.objectAt(i) }
	if c.seq != nil && s.objects > 1 {
		pos := c.reg.randN(len(c.seq))
		at = func(int) uint64 { return s.objectAt(int(c.seq.Next(&pos, s.objects))) }
	}

	head := at(0)
	c.setupObject(s, head)
	cur := head
	for i := 1; i < s.objects; i++ {
		next := at(i)
		c.setupObject(s, next)
		c.setFreeptr(s, cur, next)
		cur = next
	}
	c.setFreeptr(s, cur, 0)
	return head
}

func (c *Cache) setupObject(s *Slab, p uint64) {
	if c.flags&(FlagRedZone|FlagPoison|FlagStoreUser) != 0 {
		c.initObject(s, p, format.RedInactive)
		c.initTracking(s, p)
	}
	if c.ctor != nil {
		c.ctor(c.objectBytes(s, p))
	}
}

// newSlab mints a slab for a CPU slot: the whole freelist is taken, the slab
// is frozen and fully in use.
func (c *Cache) newSlab(cpu int, gfp page.GFP, node int) (*Slab, uint64, error) {
	s, err := c.allocateSlab(cpu, gfp, node)
	if err != nil {
		return nil, 0, err
	}
	list := s.load().freelist
	s.word.store(counters{inuse: s.objects, frozen: true}.pack())
	c.nodes[s.node].incSlabs(s.objects)
	return s, list, nil
}

// discardSlab returns an empty, unlisted slab to the provider.
func (c *Cache) discardSlab(s *Slab) {
	c.nodes[s.node].decSlabs(s.objects)
	c.freeSlab(s)
}

func (c *Cache) freeSlab(s *Slab) {
	if c.checks {
		c.slabPadCheck(s)
		for i := 0; i < s.objects; i++ {
			c.checkObject(s, s.objectAt(i), format.RedInactive)
		}
	} else if c.hasZones() {
		for i := 0; i < s.objects; i++ {
			c.checkZones(s, s.objectAt(i), format.RedInactive)
		}
	}
	c.reg.unbindFrames(s)
	c.reg.provider.FreePages(s.block)
}
