package verify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/slabkit/internal/format"
)

// fakeSlab is a 4-object slab with objects at base+0x20+i*0x10.
type fakeSlab struct {
	base uint64
	next map[uint64]uint64
}

func newFakeSlab() *fakeSlab {
	return &fakeSlab{base: 0x1_0000_0000, next: map[uint64]uint64{}}
}

func (s *fakeSlab) obj(i int) uint64 { return s.base + 0x20 + uint64(i)*0x10 }

func (s *fakeSlab) valid(p uint64) bool {
	if p < s.obj(0) || p > s.obj(3) {
		return false
	}
	return (p-s.obj(0))%0x10 == 0
}

func (s *fakeSlab) link(ps ...uint64) {
	for i := 0; i+1 < len(ps); i++ {
		s.next[ps[i]] = ps[i+1]
	}
	s.next[ps[len(ps)-1]] = 0
}

func (s *fakeSlab) nextOf(p uint64) uint64 { return s.next[p] }

func Test_Freelist_Valid(t *testing.T) {
	s := newFakeSlab()
	s.link(s.obj(2), s.obj(0), s.obj(3))

	c, err := Freelist(s.obj(2), 4, s.valid, s.nextOf)
	require.NoError(t, err)
	require.Equal(t, 3, c.Count)
	require.Equal(t, s.obj(3), c.Tail)
	require.NoError(t, Counts(4, 1, c.Count))

	c, err = Freelist(0, 4, s.valid, s.nextOf)
	require.NoError(t, err)
	require.Zero(t, c.Count)
}

func Test_Freelist_OutOfRange(t *testing.T) {
	s := newFakeSlab()
	s.link(s.obj(1), s.obj(1)+8)

	c, err := Freelist(s.obj(1), 4, s.valid, s.nextOf)
	require.Error(t, err)
	require.Equal(t, 1, c.Count)
	require.Equal(t, s.obj(1), c.Tail)
	require.Equal(t, s.obj(1)+8, c.Bad)
	require.False(t, IsCycle(err))
}

func Test_Freelist_Cycle(t *testing.T) {
	s := newFakeSlab()
	s.link(s.obj(0), s.obj(1), s.obj(2))
	s.next[s.obj(2)] = s.obj(0)

	c, err := Freelist(s.obj(0), 4, s.valid, s.nextOf)
	require.Error(t, err)
	require.True(t, IsCycle(err))
	require.Equal(t, 4, c.Count)
}

func Test_Verify_Counts(t *testing.T) {
	require.NoError(t, Counts(254, 254, 0))
	require.Error(t, Counts(254, 253, 0))
	require.Error(t, Counts(4, 5, 0))
	require.Error(t, Counts(4, -1, 5))
}

func Test_Verify_Header(t *testing.T) {
	mem := make([]byte, 4096)
	want := format.Header{CacheID: 3, Objects: 254, Stride: 16, First: 32, Addr: 0x1_0000_0000}
	format.PutHeader(mem, want)
	require.NoError(t, Header(mem, want))

	other := want
	other.Node = 1
	err := Header(mem, other)
	require.Error(t, err)
	require.Contains(t, err.Error(), "SlabHeader at 0x100000000")

	mem[0] = 'x'
	require.Error(t, Header(mem, want))
}
