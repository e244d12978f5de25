// Package verify provides validation functions for slab structures.
//
// # Overview
//
// The checks here work on raw slab memory and on callbacks supplied by the
// allocator, so they can run against a live cache (debug consistency passes,
// Cache.Validate) or against a block captured by a test.
//
// Validation categories:
//   - Slab header: signature, cache id, order, node, geometry, block address
//   - Freelist: every pointer in range and on an object boundary, no cycles
//   - Counts: in-use plus free objects equals the slab's object count
//
// # Quick Start
//
//	if err := verify.Header(mem, want); err != nil {
//	    log.Printf("header invalid: %v", err)
//	}
//
//	chain, err := verify.Freelist(head, objects, isObject, nextFree)
//	if err != nil {
//	    // chain.Count objects were reachable before the corruption,
//	    // chain.Tail is the last good one
//	}
//	if err := verify.Counts(objects, inuse, chain.Count); err != nil {
//	    ...
//	}
package verify
