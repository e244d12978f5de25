package format

import (
	"bytes"
	"fmt"

	"github.com/joshuapare/slabkit/internal/buf"
)

// Header mirrors the 32-byte in-band slab header.
type Header struct {
	CacheID uint32
	Order   uint16
	Node    uint16
	Objects uint32
	Stride  uint32
	First   uint32
	Addr    uint64
}

// PutHeader writes h at the start of b.
func PutHeader(b []byte, h Header) {
	copy(b[HeaderSignatureOffset:], SlabSignature)
	PutU32(b, HeaderCacheIDOffset, h.CacheID)
	PutU16(b, HeaderOrderOffset, h.Order)
	PutU16(b, HeaderNodeOffset, h.Node)
	PutU32(b, HeaderObjectsOffset, h.Objects)
	PutU32(b, HeaderStrideOffset, h.Stride)
	PutU32(b, HeaderFirstOffset, h.First)
	PutU64(b, HeaderAddrOffset, h.Addr)
}

// DecodeHeader validates the signature at the start of b and returns the header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("slab header: %w", ErrTruncated)
	}
	head := b[:HeaderSize]
	if !bytes.Equal(head[:4], SlabSignature) {
		return Header{}, fmt.Errorf("slab header: %w", ErrSignatureMismatch)
	}
	h := Header{
		CacheID: buf.U32LE(head[HeaderCacheIDOffset:]),
		Order:   buf.U16LE(head[HeaderOrderOffset:]),
		Node:    buf.U16LE(head[HeaderNodeOffset:]),
		Objects: buf.U32LE(head[HeaderObjectsOffset:]),
		Stride:  buf.U32LE(head[HeaderStrideOffset:]),
		First:   buf.U32LE(head[HeaderFirstOffset:]),
		Addr:    buf.U64LE(head[HeaderAddrOffset:]),
	}
	if h.Stride == 0 || h.First < HeaderSize {
		return h, fmt.Errorf("slab header: invalid geometry stride=%d first=%d", h.Stride, h.First)
	}
	end := uint64(h.First) + uint64(h.Objects)*uint64(h.Stride)
	if end > uint64(len(b)) {
		return h, fmt.Errorf("slab header: %d objects of %d bytes overrun %d byte block: %w",
			h.Objects, h.Stride, len(b), ErrTruncated)
	}
	return h, nil
}
