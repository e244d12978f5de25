package slab

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/internal/format"
	"github.com/joshuapare/slabkit/pkg/types"
	"github.com/joshuapare/slabkit/slab/verify"
)

// Track is an alloc or free record kept by caches with FlagStoreUser.
type Track struct {
	PC   uintptr   // Caller of Alloc or Free
	Func string    // Function containing PC, empty when unknown
	CPU  int       // Slot the operation ran on
	When time.Time // Zero when never recorded
}

// Valid reports whether the record was written.
func (t Track) Valid() bool { return !t.When.IsZero() }

type trackItem int

const (
	trackAlloc trackItem = iota
	trackFree
)

// Track returns the last alloc and free records of object p.
func (c *Cache) Track(p Pointer) (alloc, free Track, err error) {
	if !c.storeUser {
		return Track{}, Track{}, fmt.Errorf("%w: cache %s does not store tracks", ErrInvalidArgument, c.name)
	}
	s, err := c.slabOf(uint64(p))
	if err != nil {
		return Track{}, Track{}, err
	}
	return c.getTrack(s, uint64(p), trackAlloc), c.getTrack(s, uint64(p), trackFree), nil
}

func (c *Cache) trackOff(s *Slab, p uint64, which trackItem) int {
	return s.off(p) + c.layout.TrackOff + int(which)*format.TrackSize
}

func (c *Cache) setTrack(s *Slab, p uint64, which trackItem, cpu int, pc uintptr) {
	o := c.trackOff(s, p, which)
	format.PutU64(s.mem, o, uint64(pc))
	format.PutU32(s.mem, o+8, uint32(cpu))
	format.PutU32(s.mem, o+12, 0)
	format.PutI64(s.mem, o+16, time.Now().UnixNano())
}

func (c *Cache) getTrack(s *Slab, p uint64, which trackItem) Track {
	o := c.trackOff(s, p, which)
	ns := format.ReadI64(s.mem, o+16)
	if ns == 0 {
		return Track{}
	}
	t := Track{
		PC:   uintptr(format.ReadU64(s.mem, o)),
		CPU:  int(format.ReadU32(s.mem, o+8)),
		When: time.Unix(0, ns),
	}
	if t.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{t.PC}).Next()
		t.Func = frame.Function
	}
	return t
}

func (c *Cache) initTracking(s *Slab, p uint64) {
	if !c.storeUser {
		return
	}
	o := c.trackOff(s, p, trackAlloc)
	clear(s.mem[o : o+2*format.TrackSize])
}

// initObject writes the red zones with val and, for a free object, the
// poison pattern.
func (c *Cache) initObject(s *Slab, p uint64, val byte) {
	l := c.layout
	o := s.off(p)
	if l.RedZone {
		buf.Fill(s.mem[o-l.RedLeftPad:o], val)
	}
	if l.Poison && val == format.RedInactive {
		buf.Fill(s.mem[o:o+l.ObjectSize-1], format.PoisonFree)
		s.mem[o+l.ObjectSize-1] = format.PoisonEnd
	}
	if l.RedZone {
		buf.Fill(s.mem[o+l.ObjectSize:o+l.Inuse], val)
	}
}

// checkBytes verifies that n bytes at addr hold val. A mismatch is reported
// and the range restored.
func (c *Cache) checkBytes(s *Slab, p uint64, cat types.Category, what string, addr uint64, val byte, n int) bool {
	if n <= 0 {
		return true
	}
	o := s.off(addr)
	b := s.mem[o : o+n]
	first := buf.FirstMismatch(b, val)
	if first < 0 {
		return true
	}
	last := buf.LastMismatch(b, val)
	bad := addr + uint64(first)
	d := types.Diagnostic{
		Severity: types.SevError,
		Category: cat,
		Slab:     s.addr,
		Object:   p,
		Offset:   int(bad - s.addr),
		Issue:    what + " overwritten",
		Expected: fmt.Sprintf("0x%02x", val),
		Actual:   fmt.Sprintf("0x%02x", b[first]),
		Repair:   fmt.Sprintf("Restoring 0x%X-0x%X=0x%02x", bad, addr+uint64(last), val),
	}
	if p != 0 {
		d.Offset = int(int64(bad) - int64(p))
	}
	c.diagnose(d)
	buf.Fill(b[first:last+1], val)
	return false
}

// checkPadBytes verifies the padding after the object metadata.
func (c *Cache) checkPadBytes(s *Slab, p uint64) bool {
	l := c.layout
	off := l.InfoEnd
	if l.StoreUser {
		off += 2 * format.TrackSize
	}
	size := l.Stride - l.RedLeftPad
	return c.checkBytes(s, p, types.CatPadding, "Object padding", p+uint64(off), format.PoisonInuse, size-off)
}

// slabPadCheck verifies the bytes around the objects of a poisoned slab: the
// alignment gap after the header and the unused tail.
func (c *Cache) slabPadCheck(s *Slab) bool {
	if c.flags&FlagPoison == 0 {
		return true
	}
	ok := c.checkBytes(s, 0, types.CatPadding, "Slab header padding",
		s.addr+format.HeaderSize, format.PoisonInuse, c.layout.Reserved-format.HeaderSize)
	tail := c.layout.Reserved + s.objects*c.layout.Stride
	return c.checkBytes(s, 0, types.CatPadding, "Slab padding",
		s.addr+uint64(tail), format.PoisonInuse, len(s.mem)-tail) && ok
}

// checkObject verifies the debug patterns of object p against the state val
// (format.RedActive or format.RedInactive) and its free pointer.
func (c *Cache) checkObject(s *Slab, p uint64, val byte) bool {
	if !c.checkZones(s, p, val) {
		return false
	}
	if !c.layout.FreeptrOutside() && val == format.RedActive {
		// The object owns the free pointer word while allocated.
		return true
	}
	if next := c.freeptr(s, p); !validPointer(s, next) {
		c.objectErr(s, p, types.CatFreelist, "Freepointer corrupt", next)
		c.setFreeptr(s, p, 0)
		return false
	}
	return true
}

// hasZones reports whether objects carry red zones or poison.
func (c *Cache) hasZones() bool {
	return c.layout.RedZone || c.flags&FlagPoison != 0
}

// checkZones verifies the red zones, poison and padding of object p. These
// run whenever Z or P is set, with or without consistency checks.
func (c *Cache) checkZones(s *Slab, p uint64, val byte) bool {
	l := c.layout
	end := p + uint64(l.ObjectSize)
	if l.RedZone {
		if !c.checkBytes(s, p, types.CatRedzone, "Left Redzone", p-uint64(l.RedLeftPad), val, l.RedLeftPad) {
			return false
		}
		if !c.checkBytes(s, p, types.CatRedzone, "Right Redzone", end, val, l.Inuse-l.ObjectSize) {
			return false
		}
	} else if c.flags&FlagPoison != 0 && l.ObjectSize < l.Inuse {
		if !c.checkBytes(s, p, types.CatPadding, "Alignment padding", end, format.PoisonInuse, l.Inuse-l.ObjectSize) {
			return false
		}
	}
	if c.flags&FlagPoison != 0 {
		if val != format.RedActive && l.Poison {
			if !c.checkBytes(s, p, types.CatPoison, "Poison", p, format.PoisonFree, l.ObjectSize-1) ||
				!c.checkBytes(s, p, types.CatPoison, "End Poison", end-1, format.PoisonEnd, 1) {
				return false
			}
		}
		if !c.checkPadBytes(s, p) {
			return false
		}
	}
	return true
}

// checkSlab verifies the header and counters of s.
func (c *Cache) checkSlab(s *Slab) bool {
	if err := verify.Header(s.mem, c.header(s)); err != nil {
		c.slabErr(s, types.CatMemory, "Not a valid slab: "+err.Error())
		return false
	}
	if maxObj := c.objectsFor(s.order); s.objects > maxObj {
		c.slabErr(s, types.CatCounts, fmt.Sprintf("objects %d > max %d", s.objects, maxObj))
		return false
	}
	if inuse := s.InUse(); inuse > s.objects {
		c.slabErr(s, types.CatCounts, fmt.Sprintf("inuse %d > max %d", inuse, s.objects))
		return false
	}
	c.slabPadCheck(s)
	return true
}

// onFreelist reports whether search is on the slab freelist. A corrupt chain
// is truncated and a wrong in-use counter corrected. Callers hold the node
// lock; only debug slabs are checked this way.
func (c *Cache) onFreelist(s *Slab, search uint64) bool {
	st := s.load()
	var (
		obj uint64
		nr  int
	)
	for fp := st.freelist; fp != 0 && nr <= s.objects; nr++ {
		if fp == search {
			return true
		}
		if !s.isObject(fp) {
			if obj != 0 {
				c.objectErr(s, obj, types.CatFreelist, "Freechain corrupt", fp)
				c.setFreeptr(s, obj, 0)
			} else {
				c.slabErr(s, types.CatFreelist, fmt.Sprintf("Freepointer 0x%X corrupt", fp))
				st.freelist = 0
				st.inuse = s.objects
				c.storeCounters(s, st)
				c.fix(s, "Freelist cleared")
				return false
			}
			break
		}
		obj = fp
		fp = c.freeptr(s, obj)
	}
	if nr <= s.objects && st.inuse != s.objects-nr {
		c.slabErr(s, types.CatCounts, fmt.Sprintf("Wrong object count. Counter is %d but counted were %d", st.inuse, s.objects-nr))
		st = s.load()
		st.inuse = s.objects - nr
		c.storeCounters(s, st)
		c.fix(s, "Object count adjusted")
	}
	return search == 0
}

// allocDebug runs the checks of a debug allocation of p and marks it
// allocated. It reports false when p must not be handed out.
func (c *Cache) allocDebug(cpu int, s *Slab, p uint64, pc uintptr) bool {
	if c.checks {
		if !c.checkSlab(s) {
			return false
		}
		if p == 0 || !s.isObject(p) {
			c.objectErr(s, p, types.CatFreelist, "Freelist Pointer check fails", 0)
			return false
		}
		if !c.checkObject(s, p, format.RedInactive) {
			return false
		}
	} else if p == 0 || !s.isObject(p) {
		c.objectErr(s, p, types.CatFreelist, "Freelist Pointer check fails", 0)
		return false
	} else if c.hasZones() && !c.checkZones(s, p, format.RedInactive) {
		return false
	}
	if c.storeUser {
		c.setTrack(s, p, trackAlloc, cpu, pc)
	}
	c.traceOp(s, p, "alloc")
	c.initObject(s, p, format.RedActive)
	return true
}

// freeDebug runs the checks of a debug free of the chain head..tail and
// marks its objects free. It returns the number of objects that may be
// linked back. n.mu held.
func (c *Cache) freeDebug(cpu int, s *Slab, head, tail uint64, cnt int, pc uintptr) (int, error) {
	fail := func(p uint64, reason string) (int, error) {
		c.fix(s, fmt.Sprintf("Object at 0x%X not freed", p))
		return 0, fmt.Errorf("%w: cache %s object 0x%X: %s", ErrConsistency, c.name, p, reason)
	}
	if c.checks && !c.checkSlab(s) {
		return fail(head, "slab check failed")
	}
	if inuse := s.InUse(); inuse < cnt {
		c.slabErr(s, types.CatCounts, fmt.Sprintf("Slab has %d allocated objects but %d are to be freed", inuse, cnt))
		return fail(head, "too many objects freed")
	}

	n := 0
	for p := head; ; {
		if !s.isObject(p) {
			c.objectErr(s, p, types.CatPointer, "Invalid object pointer", 0)
			return fail(p, "invalid pointer")
		}
		if c.checks {
			if c.onFreelist(s, p) {
				c.objectErr(s, p, types.CatFreelist, "Object already free", 0)
				return fail(p, "double free")
			}
			if !c.checkObject(s, p, format.RedActive) {
				return fail(p, "object check failed")
			}
		} else if c.hasZones() && !c.checkZones(s, p, format.RedActive) {
			return fail(p, "object check failed")
		}
		if c.storeUser {
			c.setTrack(s, p, trackFree, cpu, pc)
		}
		c.traceOp(s, p, "free")
		c.initObject(s, p, format.RedInactive)
		n++
		if p == tail {
			break
		}
		if n == cnt {
			n++
			break
		}
		p = c.freeptr(s, p)
	}
	if n != cnt {
		c.slabErr(s, types.CatCounts, fmt.Sprintf("Bulk free expected %d objects but found %d", cnt, n))
		return fail(head, "chain length mismatch")
	}
	return n, nil
}

// freechainCorrupt isolates the rest of a freelist whose link from p to
// next leaves the slab.
func (c *Cache) freechainCorrupt(s *Slab, p, next uint64) {
	c.objectErr(s, p, types.CatFreelist, "Freechain corrupt", next)
	c.setFreeptr(s, p, 0)
	c.fix(s, "Isolate corrupted freechain")
}

func (c *Cache) pointerError(s *Slab, p uint64, reason string) {
	c.objectErr(s, p, types.CatPointer, reason, 0)
}

func (c *Cache) objectErr(s *Slab, p uint64, cat types.Category, reason string, actual uint64) {
	d := types.Diagnostic{
		Severity: types.SevError,
		Category: cat,
		Slab:     s.addr,
		Object:   p,
		Issue:    reason,
	}
	if actual != 0 {
		d.Actual = fmt.Sprintf("0x%X", actual)
	}
	c.diagnose(d)
}

func (c *Cache) slabErr(s *Slab, cat types.Category, reason string) {
	c.diagnose(types.Diagnostic{
		Severity: types.SevError,
		Category: cat,
		Slab:     s.addr,
		Issue:    reason,
	})
}

func (c *Cache) fix(s *Slab, action string) {
	c.diagnose(types.Diagnostic{
		Severity: types.SevInfo,
		Category: types.CatMemory,
		Slab:     s.addr,
		Issue:    "FIX " + c.name,
		Repair:   action,
	})
}

// diagnose logs d, appends it to the cache report and taints the registry.
func (c *Cache) diagnose(d types.Diagnostic) {
	d.Cache = c.name
	c.reportMu.Lock()
	c.report.Add(d)
	c.reportMu.Unlock()

	level := slog.LevelError
	if d.Severity == types.SevInfo {
		level = slog.LevelWarn
	} else {
		c.reg.taint()
	}
	attrs := []slog.Attr{
		slog.String("cache", c.name),
		slog.String("category", d.Category.String()),
		slog.String("slab", fmt.Sprintf("0x%X", d.Slab)),
	}
	if d.Object != 0 {
		attrs = append(attrs, slog.String("object", fmt.Sprintf("0x%X", d.Object)), slog.Int("offset", d.Offset))
	}
	if d.Expected != nil {
		attrs = append(attrs, slog.Any("expected", d.Expected))
	}
	if d.Actual != nil {
		attrs = append(attrs, slog.Any("actual", d.Actual))
	}
	if d.Repair != "" {
		attrs = append(attrs, slog.String("repair", d.Repair))
	}
	c.reg.log().LogAttrs(context.Background(), level, d.Issue, attrs...)
}

func (c *Cache) traceOp(s *Slab, p uint64, op string) {
	if !c.trace {
		return
	}
	c.reg.log().LogAttrs(context.Background(), slog.LevelDebug, "trace "+op,
		slog.String("cache", c.name),
		slog.String("object", fmt.Sprintf("0x%X", p)),
		slog.Int("inuse", s.InUse()),
		slog.Int("objects", s.objects))
}
