// Package slab implements a per-CPU, NUMA-aware slab allocator over a page
// provider.
//
// A Registry owns caches. Each Cache hands out fixed-size objects carved from
// slabs: naturally aligned page blocks obtained from a page.Provider. Objects
// are identified by their address (Pointer) in the provider's address space
// and accessed through Cache.Object.
//
// # Fast and slow paths
//
// Every cache keeps one slot per logical CPU. A slot holds an active slab and
// a lockless freelist packed with a transaction id into one 64-bit word;
// allocation and free on the active slab are a single compare-and-swap.
// Everything else goes through the slow paths: refilling from the active
// slab, per-CPU partial slabs, the node partial lists, remote nodes, and
// finally a new slab from the provider.
//
// Goroutines are mapped to slots through per-P hints. Alloc and Free use the
// slot of the calling goroutine; AllocOn and FreeOn take an explicit one.
//
// # Debugging
//
// Caches created with debug flags (see ParseDebug) bypass the CPU slots and
// check red zones, poison patterns, padding and freelists on every
// operation. Corruption is logged, recorded in Cache.Diagnostics, repaired
// where possible, and taints the registry.
//
// Basic use:
//
//	pool, _ := page.NewPool(nil)
//	reg, _ := slab.NewRegistry(pool, nil)
//	c, _ := reg.CreateCache("dentry", 192, 8, 0, nil, nil)
//	p, _ := c.Alloc(0)
//	obj, _ := c.Object(p)
//	copy(obj, "hello")
//	_ = c.Free(p)
package slab
