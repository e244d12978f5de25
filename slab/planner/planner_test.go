package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Plan_SixteenByteObjects(t *testing.T) {
	l, err := Plan(Request{ObjectSize: 16, Align: 8, CPUs: 8})
	require.NoError(t, err)

	assert.Equal(t, 0, l.Order)
	assert.Equal(t, 16, l.Stride)
	assert.Equal(t, 32, l.Reserved)
	assert.Equal(t, 254, l.Objects)
	assert.Equal(t, 8, l.Offset, "free pointer sits in the middle of the object")
	assert.False(t, l.FreeptrOutside())
	assert.Equal(t, 0, l.Waste())
	assert.Equal(t, 16, l.Fraction)
}

func Test_Plan_DebugLayouts(t *testing.T) {
	tests := []struct {
		name                                string
		req                                 Request
		stride, inuse, offset, leftPad, trk int
		outside                             bool
	}{
		{
			name:   "red zone uses an extra word when there is no slack",
			req:    Request{ObjectSize: 16, RedZone: true},
			stride: 40, inuse: 24, offset: 8, leftPad: 8,
		},
		{
			name:   "red zone reuses alignment slack",
			req:    Request{ObjectSize: 12, RedZone: true},
			stride: 32, inuse: 16, offset: 0, leftPad: 8,
		},
		{
			name:   "poison moves the free pointer out",
			req:    Request{ObjectSize: 16, Poison: true},
			stride: 24, inuse: 16, offset: 16, outside: true,
		},
		{
			name:   "constructor moves the free pointer out",
			req:    Request{ObjectSize: 32, HasCtor: true},
			stride: 40, inuse: 32, offset: 32, outside: true,
		},
		{
			name:   "objects smaller than a pointer keep it outside",
			req:    Request{ObjectSize: 4},
			stride: 16, inuse: 8, offset: 8, outside: true,
		},
		{
			name:   "full debug",
			req:    Request{ObjectSize: 16, RedZone: true, Poison: true, StoreUser: true},
			stride: 96, inuse: 24, offset: 24, leftPad: 8, trk: 32, outside: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := Plan(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.stride, l.Stride, "stride")
			assert.Equal(t, tt.inuse, l.Inuse, "inuse")
			assert.Equal(t, tt.offset, l.Offset, "offset")
			assert.Equal(t, tt.leftPad, l.RedLeftPad, "left pad")
			assert.Equal(t, tt.trk, l.TrackOff, "track offset")
			assert.Equal(t, tt.outside, l.FreeptrOutside(), "free pointer outside")
		})
	}
}

func Test_Plan_PoisonDisabledByConstructor(t *testing.T) {
	l, err := Plan(Request{ObjectSize: 64, Poison: true, HasCtor: true})
	require.NoError(t, err)
	require.False(t, l.Poison)
	require.True(t, l.FreeptrOutside())
}

func Test_Plan_Alignment(t *testing.T) {
	l, err := Plan(Request{ObjectSize: 100, HWCacheAlign: true})
	require.NoError(t, err)
	require.Equal(t, 64, l.Align)
	require.Equal(t, 128, l.Stride)
	require.Equal(t, 64, l.Reserved, "header is padded to the alignment")

	l, err = Plan(Request{ObjectSize: 20, HWCacheAlign: true})
	require.NoError(t, err)
	require.Equal(t, 32, l.Align, "cache line shrinks while the object fits in half")

	l, err = Plan(Request{ObjectSize: 24, Align: 2})
	require.NoError(t, err)
	require.Equal(t, 8, l.Align)
}

func Test_Plan_LayoutInvariants(t *testing.T) {
	for size := 8; size <= 16384; size += 24 {
		for _, cpus := range []int{1, 4, 64} {
			l, err := Plan(Request{ObjectSize: size, CPUs: cpus})
			require.NoError(t, err, "size %d", size)

			slab := l.SlabSize(l.Order)
			require.LessOrEqual(t, l.Reserved+l.Objects*l.Stride, slab, "size %d", size)
			require.GreaterOrEqual(t, l.Objects, 1)
			require.LessOrEqual(t, l.Order, DefaultMaxOrder)
			require.LessOrEqual(t, l.MinOrder, l.Order)
			require.GreaterOrEqual(t, l.MinObjs, 1)

			if l.Fraction != 0 {
				require.LessOrEqual(t, l.Waste(), slab/4, "size %d exceeds the loosest fraction", size)
				continue
			}
			// The fallback is only taken when no order within MaxOrder
			// holds two objects with at most 1/4 waste.
			for order := 0; order <= DefaultMaxOrder; order++ {
				sz := l.SlabSize(order)
				n := (sz - l.Reserved) / l.Stride
				if n >= 2 {
					require.Greater(t, (sz-l.Reserved)%l.Stride, sz/4, "size %d order %d", size, order)
				}
			}
		}
	}
}

func Test_Plan_FallbackOrders(t *testing.T) {
	l, err := Plan(Request{ObjectSize: 100000})
	require.NoError(t, err)
	require.Equal(t, 5, l.Order)
	require.Equal(t, 1, l.Objects)
	require.Equal(t, 0, l.Fraction)

	_, err = Plan(Request{ObjectSize: 5 << 20})
	require.ErrorIs(t, err, ErrNoLayout)
}

func Test_Plan_OverridesAndValidation(t *testing.T) {
	l, err := Plan(Request{ObjectSize: 256, MinObjects: 64})
	require.NoError(t, err)
	require.GreaterOrEqual(t, l.Objects, 64)

	l, err = Plan(Request{ObjectSize: 16, MinOrder: 1, MaxOrder: 2})
	require.NoError(t, err)
	require.Equal(t, 1, l.Order)

	_, err = Plan(Request{ObjectSize: 0})
	require.ErrorIs(t, err, ErrBadRequest)
	_, err = Plan(Request{ObjectSize: 8, Align: 12})
	require.ErrorIs(t, err, ErrBadRequest)
	_, err = Plan(Request{ObjectSize: 8, MinOrder: 4, MaxOrder: 3})
	require.ErrorIs(t, err, ErrBadRequest)
}

func Test_Plan_Deterministic(t *testing.T) {
	req := Request{ObjectSize: 700, RedZone: true, StoreUser: true, CPUs: 16}
	a, err := Plan(req)
	require.NoError(t, err)
	b, err := Plan(req)
	require.NoError(t, err)
	require.Equal(t, a, b)
}
