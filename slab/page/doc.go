// Package page provides the page-block provider that slabs are carved from.
//
// # Overview
//
// A Provider hands out naturally aligned blocks of 2^order pages on a given
// NUMA node and takes them back. Blocks live in a simulated physical address
// space: Block.Addr is the block's address, Block.Mem its storage. Addresses
// are never zero, always aligned to the block size and always below
// MaxAddress, which lets the allocator pack an object address together with
// a tag into a single 64-bit word.
//
// # Pool
//
// Pool is the provider shipped with slabkit:
//
//   - Per-node page budgets (PagesPerNode) make out-of-memory reproducible
//   - An emergency reserve is only handed to GFPMemalloc requests, and the
//     blocks it produces are flagged Pfmemalloc
//   - FailOrderAbove simulates fragmentation so callers exercise their
//     minimum-order fallback
//   - Backing selects Go heap memory or anonymous mmap (unix only)
//
// # Usage
//
//	p, err := page.NewPool(&page.PoolOptions{Nodes: 2, PagesPerNode: 1024})
//	if err != nil {
//	    return err
//	}
//
//	b, err := p.AllocPages(0, 1, page.GFPThisNode)
//	if err != nil {
//	    return err
//	}
//	defer p.FreePages(b)
//
// # Thread Safety
//
// Pool is safe for concurrent use.
package page
