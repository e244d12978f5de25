// Package codec encodes the free pointers that chain free objects together
// inside their own storage.
//
// A free object holds, at a fixed offset, the address of the next free object.
// The Hardened codec obfuscates that value with a per-cache key and the
// address it is stored at, so a leaked or overwritten free pointer does not
// directly reveal or redirect the freelist. Plain stores addresses as-is.
//
// A Codec is chosen once per cache; allocation logic never branches on the
// codec kind.
package codec

import (
	"crypto/rand"
	"encoding/binary"
	"math/bits"
)

// Codec transforms a free pointer on its way into and out of object memory.
// slot is the address the encoded value is stored at.
type Codec interface {
	Encode(ptr, slot uint64) uint64
	Decode(stored, slot uint64) uint64
	Name() string
}

// Plain stores free pointers unchanged.
type Plain struct{}

func (Plain) Encode(ptr, _ uint64) uint64    { return ptr }
func (Plain) Decode(stored, _ uint64) uint64 { return stored }
func (Plain) Name() string                   { return "plain" }

// Hardened XORs free pointers with a secret key and the byte-swapped
// storage address.
type Hardened struct {
	Key uint64
}

func (h Hardened) Encode(ptr, slot uint64) uint64 {
	return ptr ^ h.Key ^ bits.ReverseBytes64(slot)
}

func (h Hardened) Decode(stored, slot uint64) uint64 {
	return stored ^ h.Key ^ bits.ReverseBytes64(slot)
}

func (Hardened) Name() string { return "hardened" }

// NewKey returns a random non-zero key.
func NewKey() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("codec: crypto/rand: " + err.Error())
		}
		if k := binary.LittleEndian.Uint64(b[:]); k != 0 {
			return k
		}
	}
}

// New returns a Hardened codec with a fresh key when hardened is set,
// Plain otherwise.
func New(hardened bool) Codec {
	if hardened {
		return Hardened{Key: NewKey()}
	}
	return Plain{}
}
