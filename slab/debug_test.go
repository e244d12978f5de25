package slab

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/internal/format"
	"github.com/joshuapare/slabkit/pkg/types"
	"github.com/joshuapare/slabkit/slab/page"
)

// Test_Debug_RedZoneOverwrite writes one byte past an object and expects the
// red zone check to catch it on free, shrink and alloc.
func Test_Debug_RedZoneOverwrite(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, &Options{Debug: "FZ,dbg"})
	c := newTestCache(t, reg, "dbg", 24, 0)
	require.Equal(t, FlagConsistencyChecks|FlagRedZone, c.Flags())

	l := c.Layout()
	require.Equal(t, 32, l.Inuse)
	require.Equal(t, 8, l.RedLeftPad)
	require.Equal(t, 48, l.Stride)

	p, err := c.Alloc(0)
	require.NoError(t, err)
	q, err := c.Alloc(0)
	require.NoError(t, err)
	s, err := c.SlabOf(p)
	require.NoError(t, err)
	require.Equal(t, 2, s.InUse())

	// free
	past := s.off(uint64(p)) + 24
	s.mem[past] = 0x42
	require.ErrorIs(t, c.Free(p), ErrConsistency)
	require.Equal(t, format.RedActive, s.mem[past], "red zone restored")
	require.Equal(t, 2, s.InUse(), "object not freed")
	require.True(t, reg.Tainted())

	diags := c.Diagnostics()
	rz := diags.Category(types.CatRedzone)
	require.Len(t, rz, 1)
	assert.Equal(t, uint64(p), rz[0].Object)
	assert.Equal(t, 24, rz[0].Offset)
	assert.Equal(t, "dbg", rz[0].Cache)
	assert.Contains(t, rz[0].Issue, "Right Redzone")
	assert.Positive(t, diags.Summary.Repaired)

	// shrink
	require.NoError(t, c.Free(q))
	s.mem[s.off(uint64(q))-1] = 0
	require.ErrorIs(t, c.Shrink(), ErrConsistency)
	require.Len(t, c.Diagnostics().Category(types.CatRedzone), 2)
	require.NoError(t, c.Validate(), "red zone restored by the previous check")

	// alloc: corrupt the next free object
	head := s.load().freelist
	require.Equal(t, uint64(q), head)
	s.mem[s.off(head)+24] = 0
	r, err := c.Alloc(0)
	require.NoError(t, err)
	s2, err := c.SlabOf(r)
	require.NoError(t, err)
	require.NotSame(t, s, s2, "allocation moved on to a new slab")
	require.Equal(t, s.Objects(), s.InUse(), "corrupt slab isolated")
	require.Len(t, c.Diagnostics().Category(types.CatRedzone), 3)
}

// Test_Debug_RedZoneWithoutChecks covers a cache with red zones but no
// consistency checks: the overflow must still be caught before the zone is
// repainted.
func Test_Debug_RedZoneWithoutChecks(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, nil)
	c := newTestCache(t, reg, "zonly", 24, FlagRedZone)
	require.Equal(t, FlagRedZone, c.Flags())
	require.True(t, c.Layout().RedZone)

	p, err := c.Alloc(0)
	require.NoError(t, err)
	q, err := c.Alloc(0)
	require.NoError(t, err)
	s, err := c.SlabOf(p)
	require.NoError(t, err)

	// free
	past := s.off(uint64(p)) + 24
	s.mem[past] = 0x42
	require.ErrorIs(t, c.Free(p), ErrConsistency)
	require.Equal(t, format.RedActive, s.mem[past])
	require.Equal(t, 2, s.InUse())
	require.True(t, reg.Tainted())
	rz := c.Diagnostics().Category(types.CatRedzone)
	require.Len(t, rz, 1)
	assert.Equal(t, 24, rz[0].Offset)
	assert.Contains(t, rz[0].Issue, "Right Redzone")

	// shrink
	require.NoError(t, c.Free(q))
	s.mem[s.off(uint64(q))-1] = 0
	require.ErrorIs(t, c.Shrink(), ErrConsistency)
	require.Len(t, c.Diagnostics().Category(types.CatRedzone), 2)
	require.NoError(t, c.Validate())

	// alloc
	head := s.load().freelist
	require.Equal(t, uint64(q), head)
	s.mem[s.off(head)+24] = 0
	r, err := c.Alloc(0)
	require.NoError(t, err)
	s2, err := c.SlabOf(r)
	require.NoError(t, err)
	require.NotSame(t, s, s2)
	require.Equal(t, s.Objects(), s.InUse())
	require.Len(t, c.Diagnostics().Category(types.CatRedzone), 3)
}

func Test_Debug_PoisonUseAfterFree(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, nil)
	c := newTestCache(t, reg, "poison", 32, FlagConsistencyChecks|FlagRedZone|FlagPoison)
	require.True(t, c.Layout().FreeptrOutside())

	p, err := c.Alloc(0)
	require.NoError(t, err)
	obj, err := c.Object(p)
	require.NoError(t, err)
	require.Equal(t, format.PoisonFree, obj[0])
	copy(obj, "live data")

	require.NoError(t, c.Free(p))
	require.Equal(t, format.PoisonFree, obj[0])
	require.Equal(t, format.PoisonEnd, obj[31])

	obj[3] = 1
	r, err := c.Alloc(0)
	require.NoError(t, err)
	require.NotEqual(t, p, r)
	require.Equal(t, format.PoisonFree, obj[3], "poison restored")

	poison := c.Diagnostics().Category(types.CatPoison)
	require.Len(t, poison, 1)
	assert.Equal(t, 3, poison[0].Offset)
	assert.Equal(t, "0x6b", poison[0].Expected)
	assert.Equal(t, "0x01", poison[0].Actual)
}

func Test_Debug_DoubleFree(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, nil)
	c := newTestCache(t, reg, "double", 64, FlagConsistencyChecks)

	a, err := c.Alloc(0)
	require.NoError(t, err)
	_, err = c.Alloc(0)
	require.NoError(t, err)

	require.NoError(t, c.Free(a))
	require.ErrorIs(t, c.Free(a), ErrConsistency)

	found := false
	for _, d := range c.Diagnostics().Category(types.CatFreelist) {
		if d.Issue == "Object already free" && d.Object == uint64(a) {
			found = true
		}
	}
	require.True(t, found)
	require.Equal(t, int64(1), c.Stats().ActiveObjects)
}

func Test_Debug_WrongCacheReported(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, nil)
	a := newTestCache(t, reg, "owner", 64, FlagConsistencyChecks)
	b := newTestCache(t, reg, "other", 64, FlagConsistencyChecks)

	p, err := a.Alloc(0)
	require.NoError(t, err)
	require.ErrorIs(t, b.Free(p), ErrWrongCache)
	ptr := b.Diagnostics().Category(types.CatPointer)
	require.Len(t, ptr, 1)
	assert.Equal(t, "Wrong slab cache. other but object is from owner", ptr[0].Issue)
	require.NoError(t, a.Free(p))
}

func Test_Debug_StoreUser(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, nil)
	c := newTestCache(t, reg, "tracks", 64, FlagStoreUser)

	p, err := c.AllocOn(1, page.NoNode, 0)
	require.NoError(t, err)
	alloc, free, err := c.Track(p)
	require.NoError(t, err)
	require.True(t, alloc.Valid())
	require.Equal(t, 1, alloc.CPU)
	require.NotZero(t, alloc.PC)
	require.False(t, free.Valid())

	require.NoError(t, c.FreeOn(0, p))
	_, free, err = c.Track(p)
	require.NoError(t, err)
	require.True(t, free.Valid())
	require.Equal(t, 0, free.CPU)
	require.False(t, free.When.Before(alloc.When))

	plain := newTestCache(t, reg, "no-tracks", 64, 0)
	q, err := plain.Alloc(0)
	require.NoError(t, err)
	_, _, err = plain.Track(q)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func Test_Debug_Trace(t *testing.T) {
	var out bytes.Buffer
	log := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reg, _ := newTestRegistry(t, nil, &Options{Logger: log})
	c := newTestCache(t, reg, "traced", 64, FlagTrace)

	p, err := c.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, c.Free(p))

	text := out.String()
	require.Contains(t, text, "trace alloc")
	require.Contains(t, text, "trace free")
	require.Contains(t, text, "cache=traced")
}

// Test_Debug_FullChecksClean runs a clean workload through a cache with all
// default debug options and expects no diagnostics.
func Test_Debug_FullChecksClean(t *testing.T) {
	reg, pool := newTestRegistry(t, nil, nil)
	c := newTestCache(t, reg, "clean", 64, FlagDebugDefault)

	l := c.Layout()
	require.Equal(t, 144, l.Stride)
	require.Equal(t, 28, l.Objects)

	objs := make([]Pointer, 0, 200)
	for range 200 {
		p, err := c.Alloc(page.GFPZero)
		require.NoError(t, err)
		obj, err := c.Object(p)
		require.NoError(t, err)
		for i := range obj {
			obj[i] = byte(i)
		}
		objs = append(objs, p)
	}
	for i := 0; i < len(objs); i += 2 {
		require.NoError(t, c.Free(objs[i]))
	}
	require.NoError(t, c.Validate())
	for i := 1; i < len(objs); i += 2 {
		require.NoError(t, c.Free(objs[i]))
	}
	require.NoError(t, c.Shrink())

	require.Zero(t, c.Diagnostics().Len())
	require.False(t, reg.Tainted())
	require.Zero(t, c.Stats().Slabs)
	require.Equal(t, []int{0}, pool.Stats().InUse)
}

func Test_Debug_ReportFormatting(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, nil)
	c := newTestCache(t, reg, "fmt", 24, FlagRedZone|FlagConsistencyChecks)

	p, err := c.Alloc(0)
	require.NoError(t, err)
	s, err := c.SlabOf(p)
	require.NoError(t, err)
	s.mem[s.off(uint64(p))+25] = 1
	require.Error(t, c.Free(p))

	text := c.Diagnostics().FormatTextCompact()
	require.True(t, strings.Contains(text, "Right Redzone overwritten"), text)
}
