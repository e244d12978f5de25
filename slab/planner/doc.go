// Package planner computes the object layout and page order of a slab cache.
//
// # Overview
//
// Plan is a pure function of its Request: it decides the stride between
// objects, where the free pointer lives, where debug metadata (red zones,
// track records) goes, and which page order wastes the least memory.
//
// # Object Layout
//
// With every debug feature enabled, one stride looks like:
//
//	| left red zone | object | right red zone | free ptr | alloc track | free track | pad |
//	                ^ object address
//
// The free pointer moves outside the object whenever the object must stay
// fully writable by its user (constructor, poisoning, objects smaller than a
// pointer). Otherwise it sits in the middle of the object, which keeps small
// overflows from the previous object away from it.
//
// # Order Search
//
// Starting from a minimum object count derived from the CPU count, the
// planner tries the waste fractions 1/16, 1/8 and 1/4 for every order up to
// MaxOrder, lowering the object count until something fits. If nothing does,
// it falls back to one object per slab, first within MaxOrder and then up to
// HardMaxOrder. Each slab reserves Reserved bytes (the in-band header) before
// the first object.
package planner
