package planner

import (
	"errors"
	"fmt"

	"github.com/joshuapare/slabkit/internal/buf"
	"github.com/joshuapare/slabkit/internal/format"
)

const (
	// DefaultPageSize is the base page size assumed when Request.PageSize is 0.
	DefaultPageSize = 4096

	// DefaultMaxOrder bounds the normal order search.
	DefaultMaxOrder = 3

	// DefaultHardMaxOrder bounds the one-object-per-slab fallback.
	DefaultHardMaxOrder = 10

	// MaxObjsPerSlab caps the number of objects in one slab.
	MaxObjsPerSlab = 32767

	// MinObjectsPerCPUBit scales the CPU-derived minimum object count:
	// min_objects = MinObjectsPerCPUBit * (fls(cpus) + 1).
	MinObjectsPerCPUBit = 4
)

// DefaultFractions are the waste fractions tried, tightest first: a slab may
// leave at most 1/16, then 1/8, then 1/4 of its size unused.
var DefaultFractions = []int{16, 8, 4}

var (
	// ErrNoLayout indicates that not even one object fits below HardMaxOrder.
	ErrNoLayout = errors.New("planner: no order fits the object")

	// ErrBadRequest indicates an invalid size or alignment.
	ErrBadRequest = errors.New("planner: invalid request")
)

// Request describes the cache being planned.
type Request struct {
	ObjectSize int // Requested object size in bytes
	Align      int // Required alignment (power of two, 0 = pointer size)

	RedZone      bool // Guard words around each object
	Poison       bool // Poison free objects
	StoreUser    bool // Alloc/free track records
	HWCacheAlign bool // Align to the cache line
	HasCtor      bool // Objects are constructed once per slab

	PageSize     int   // Base page size (default 4096)
	HeaderSize   int   // Bytes before the first object (default format.HeaderSize)
	CPUs         int   // CPU count feeding the min-objects heuristic (default 1)
	MinObjects   int   // Overrides the CPU-derived minimum object count
	MinOrder     int   // Lowest order considered
	MaxOrder     int   // Highest order for the waste search (default 3)
	HardMaxOrder int   // Highest order for the fallback (default 10)
	Fractions    []int // Waste fractions (default DefaultFractions)
}

// Layout is the result of Plan. Offsets are relative to the object address.
type Layout struct {
	ObjectSize int // Requested object size
	Align      int // Effective alignment
	Stride     int // Distance between consecutive objects
	Inuse      int // Object plus right red zone
	Offset     int // Free pointer offset
	RedLeftPad int // Left red zone size, 0 when red zoning is off
	TrackOff   int // Offset of the alloc track record, 0 when not stored
	InfoEnd    int // End of object, red zone and free pointer metadata
	Poison     bool
	RedZone    bool
	StoreUser  bool

	PageSize int // Base page size used for the plan
	Reserved int // Bytes before the first object
	Order    int // Preferred order
	Objects  int // Objects per slab at Order
	MinOrder int // Fallback order holding at least one object
	MinObjs  int // Objects per slab at MinOrder
	Fraction int // Waste fraction that chose Order (0 for the fallback)
}

// FreeptrOutside reports whether the free pointer lives outside the object.
func (l Layout) FreeptrOutside() bool { return l.Offset >= l.Inuse }

// SlabSize returns the block size for order.
func (l Layout) SlabSize(order int) int { return l.PageSize << order }

// Waste returns the bytes left over at Order.
func (l Layout) Waste() int {
	return l.SlabSize(l.Order) - l.Reserved - l.Objects*l.Stride
}

// Plan computes the layout for r.
func Plan(r Request) (Layout, error) {
	r = withDefaults(r)
	if r.ObjectSize <= 0 || r.Align < 0 || (r.Align != 0 && !format.IsPow2(r.Align)) || !format.IsPow2(r.PageSize) {
		return Layout{}, fmt.Errorf("%w: size=%d align=%d page=%d", ErrBadRequest, r.ObjectSize, r.Align, r.PageSize)
	}
	if r.MinOrder > r.MaxOrder || r.MaxOrder > r.HardMaxOrder {
		return Layout{}, fmt.Errorf("%w: orders min=%d max=%d hard=%d", ErrBadRequest, r.MinOrder, r.MaxOrder, r.HardMaxOrder)
	}

	l := Layout{
		ObjectSize: r.ObjectSize,
		Align:      alignment(r),
		PageSize:   r.PageSize,
		RedZone:    r.RedZone,
		StoreUser:  r.StoreUser,
		Poison:     r.Poison && !r.HasCtor,
	}
	sizes(&l, r)
	l.Reserved = format.Align(r.HeaderSize, l.Align)

	order, fraction, err := calculateOrder(l.Stride, l.Reserved, r)
	if err != nil {
		return Layout{}, fmt.Errorf("object size %d stride %d: %w", r.ObjectSize, l.Stride, err)
	}
	l.Order, l.Fraction = order, fraction
	l.Objects = orderObjects(order, l.Stride, l.Reserved, r.PageSize)

	l.MinOrder = max(r.MinOrder, format.OrderFor(l.Stride+l.Reserved, format.Ilog2(uint(r.PageSize))))
	if l.MinOrder > l.Order {
		l.MinOrder = l.Order
	}
	l.MinObjs = orderObjects(l.MinOrder, l.Stride, l.Reserved, r.PageSize)
	return l, nil
}

func withDefaults(r Request) Request {
	if r.PageSize == 0 {
		r.PageSize = DefaultPageSize
	}
	if r.HeaderSize == 0 {
		r.HeaderSize = format.HeaderSize
	}
	if r.CPUs <= 0 {
		r.CPUs = 1
	}
	if r.MaxOrder == 0 {
		r.MaxOrder = DefaultMaxOrder
	}
	if r.HardMaxOrder == 0 {
		r.HardMaxOrder = DefaultHardMaxOrder
	}
	if len(r.Fractions) == 0 {
		r.Fractions = DefaultFractions
	}
	return r
}

// alignment raises the requested alignment to the cache line (shrunk while
// the object fits in half of it) and to at least a pointer.
func alignment(r Request) int {
	align := r.Align
	if r.HWCacheAlign {
		ralign := format.CacheLineSize
		for r.ObjectSize <= ralign/2 {
			ralign /= 2
		}
		align = max(align, ralign)
	}
	align = max(align, format.PointerSize)
	return format.AlignPtr(align)
}

// sizes fills in the stride and metadata offsets.
func sizes(l *Layout, r Request) {
	size := format.AlignPtr(r.ObjectSize)

	// Right red zone: use alignment slack when there is some, else add a word.
	if r.RedZone && size == r.ObjectSize {
		size += format.PointerSize
	}
	l.Inuse = size

	if r.Poison || r.HasCtor || r.ObjectSize < format.PointerSize {
		l.Offset = size
		size += format.PointerSize
	} else {
		l.Offset = format.AlignDown(r.ObjectSize/2, format.PointerSize)
	}
	l.InfoEnd = size

	if r.StoreUser {
		l.TrackOff = size
		size += 2 * format.TrackSize
	}

	if r.RedZone {
		// Empty word after the metadata catches overwrites from the previous
		// object before they reach the tracks or the free pointer.
		size += format.PointerSize
		l.RedLeftPad = format.Align(format.PointerSize, l.Align)
		size += l.RedLeftPad
	}
	l.Stride = format.Align(size, l.Align)
}

// orderObjects returns how many objects of stride bytes fit at order.
func orderObjects(order, stride, reserved, pageSize int) int {
	usable := (pageSize << order) - reserved
	if usable <= 0 {
		return 0
	}
	return usable / stride
}

// slabOrder returns the first order in [max(minOrder, order holding
// minObjects), maxOrder] whose leftover is at most slabSize/fraction, or
// maxOrder+1 when none qualifies.
func slabOrder(stride, reserved, minObjects, minOrder, maxOrder, fraction, pageSize int) int {
	pageShift := format.Ilog2(uint(pageSize))
	if orderObjects(minOrder, stride, reserved, pageSize) > MaxObjsPerSlab {
		return format.OrderFor(stride*MaxObjsPerSlab, pageShift) - 1
	}

	need, ok := buf.MulOverflowSafe(minObjects, stride)
	if !ok {
		return maxOrder + 1
	}
	order := max(minOrder, format.OrderFor(need+reserved, pageShift))
	for ; order <= maxOrder; order++ {
		slabSize := pageSize << order
		rem := (slabSize - reserved) % stride
		if rem <= slabSize/fraction {
			break
		}
	}
	return order
}

func calculateOrder(stride, reserved int, r Request) (order, fraction int, err error) {
	minObjects := r.MinObjects
	if minObjects <= 0 {
		minObjects = MinObjectsPerCPUBit * (format.Fls(uint(r.CPUs)) + 1)
	}
	maxObjects := orderObjects(r.MaxOrder, stride, reserved, r.PageSize)
	minObjects = min(minObjects, maxObjects)

	for minObjects > 1 {
		for _, fraction := range r.Fractions {
			order := slabOrder(stride, reserved, minObjects, r.MinOrder, r.MaxOrder, fraction, r.PageSize)
			if order <= r.MaxOrder {
				return order, fraction, nil
			}
		}
		minObjects--
	}

	// One object per slab, first within MaxOrder, then up to HardMaxOrder.
	order = slabOrder(stride, reserved, 1, r.MinOrder, r.MaxOrder, 1, r.PageSize)
	if order <= r.MaxOrder {
		return order, 0, nil
	}
	order = slabOrder(stride, reserved, 1, r.MinOrder, r.HardMaxOrder, 1, r.PageSize)
	if order <= r.HardMaxOrder {
		return order, 0, nil
	}
	return 0, 0, ErrNoLayout
}
