package slab

import "errors"

var (
	// ErrOutOfMemory indicates the page provider could not supply even the
	// minimal slab order on any allowed node.
	ErrOutOfMemory = errors.New("slab: out of memory")

	// ErrNoLayout indicates no object layout fits within the allowed order range.
	ErrNoLayout = errors.New("slab: no layout fits the object")

	// ErrConsistency indicates a debug check found corrupted slab or object state.
	ErrConsistency = errors.New("slab: consistency violation")

	// ErrCacheBusy indicates a cache still has outstanding objects.
	ErrCacheBusy = errors.New("slab: cache still has objects")

	// ErrCacheExists indicates a cache with the same name is already registered.
	ErrCacheExists = errors.New("slab: cache already exists")

	// ErrBadPointer indicates a pointer that is not an object of any live slab.
	ErrBadPointer = errors.New("slab: invalid object pointer")

	// ErrWrongCache indicates an object freed to a cache that does not own it.
	ErrWrongCache = errors.New("slab: object belongs to another cache")

	// ErrInvalidArgument indicates an out-of-range argument.
	ErrInvalidArgument = errors.New("slab: invalid argument")

	// ErrClosed indicates use of a closed registry or a destroyed cache.
	ErrClosed = errors.New("slab: closed")
)
