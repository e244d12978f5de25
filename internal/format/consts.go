// Package format describes the in-memory layout shared by every slab: the
// 32-byte in-band header at the start of each page block and the byte
// patterns written by the debug guard. It is kept free of allocator state so
// validators and tools can decode a raw block on their own.
package format

// SlabSignature is the four-byte magic at the start of every slab block.
// Layout:
//
//	0x00  's' 'l' 'a' 'b'
var SlabSignature = []byte{'s', 'l', 'a', 'b'}

const (
	// PointerSize is the width of a stored free pointer and of a redzone word.
	PointerSize = 8

	// PointerAlignMask aligns to PointerSize.
	PointerAlignMask = PointerSize - 1

	// CacheLineSize is used for FlagHWCacheAlign.
	CacheLineSize = 64

	// HeaderSize is the size of the in-band slab header. Objects start at the
	// first multiple of the cache alignment at or after this offset.
	HeaderSize = 0x20
)

// Slab header layout (little-endian):
//
//	Offset  Size  Field
//	0x00    4     's' 'l' 'a' 'b'
//	0x04    4     Cache id
//	0x08    2     Order
//	0x0A    2     Node
//	0x0C    4     Object count
//	0x10    4     Stride (bytes between consecutive objects)
//	0x14    4     Offset of the first object
//	0x18    8     Block address
const (
	HeaderSignatureOffset = 0x00
	HeaderCacheIDOffset   = 0x04
	HeaderOrderOffset     = 0x08
	HeaderNodeOffset      = 0x0A
	HeaderObjectsOffset   = 0x0C
	HeaderStrideOffset    = 0x10
	HeaderFirstOffset     = 0x14
	HeaderAddrOffset      = 0x18
)

// Debug byte patterns.
const (
	// PoisonInuse fills slab padding and the unused tail of a block.
	PoisonInuse byte = 0x5a

	// PoisonFree fills the payload of a free object.
	PoisonFree byte = 0x6b

	// PoisonEnd is the last payload byte of a free poisoned object.
	PoisonEnd byte = 0xa5

	// RedInactive fills the red zones of a free object.
	RedInactive byte = 0xbb

	// RedActive fills the red zones of an allocated object.
	RedActive byte = 0xcc
)

// TrackSize is the encoded size of one alloc/free track record:
//
//	0x00  8  caller PC
//	0x08  4  cpu
//	0x0C  4  pid (reserved, always 0)
//	0x10  8  timestamp (unix nanoseconds)
const TrackSize = 24
