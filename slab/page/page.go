package page

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// PageShift is log2 of the base page size.
	PageShift = 12

	// PageSize is the base page size in bytes.
	PageSize = 1 << PageShift

	// MaxOrder is the largest order a provider serves.
	MaxOrder = 10

	// AddressBits bounds the simulated address space.
	AddressBits = 40

	// MaxAddress is the first address outside the simulated address space.
	MaxAddress = uint64(1) << AddressBits

	// ArenaBase is the lowest address handed out; everything below stays
	// unmapped so small integers never look like valid objects.
	ArenaBase = uint64(1) << 32

	// NoNode requests memory from any node.
	NoNode = -1
)

// GFP modifies how a page request is served.
type GFP uint32

const (
	// GFPNoWarn suppresses allocation failure diagnostics.
	GFPNoWarn GFP = 1 << iota
	// GFPNoRetry fails fast: the emergency reserve is not touched.
	GFPNoRetry
	// GFPThisNode restricts the request to the requested node.
	GFPThisNode
	// GFPMemalloc allows the request to use emergency reserves.
	GFPMemalloc
	// GFPZero asks the consumer to zero what it hands out. Providers ignore it.
	GFPZero
)

var (
	// ErrNoMemory indicates the request could not be satisfied on any allowed node.
	ErrNoMemory = errors.New("page: out of memory")

	// ErrBadOrder indicates an order outside [0, MaxOrder].
	ErrBadOrder = errors.New("page: invalid order")

	// ErrBadNode indicates a node outside the provider's topology.
	ErrBadNode = errors.New("page: invalid node")
)

// Block is a naturally aligned run of 2^Order pages.
type Block struct {
	Addr       uint64 // Address of the first byte
	Order      int    // log2 of the page count
	Node       int    // Node the memory belongs to
	Pfmemalloc bool   // Served from the emergency reserve
	Mem        []byte // Backing storage, len == Size()
}

// Size returns the block size in bytes.
func (b *Block) Size() int { return PageSize << b.Order }

// Pages returns the number of base pages in the block.
func (b *Block) Pages() int { return 1 << b.Order }

// PFN returns the frame number of the first page.
func (b *Block) PFN() uint64 { return b.Addr >> PageShift }

// Contains reports whether addr falls inside the block.
func (b *Block) Contains(addr uint64) bool {
	return addr >= b.Addr && addr < b.Addr+uint64(b.Size())
}

// Provider supplies and reclaims page blocks. Both calls are synchronous
// from the caller's point of view.
type Provider interface {
	// AllocPages returns a block of 2^order pages, preferably on node.
	AllocPages(order, node int, gfp GFP) (*Block, error)
	// FreePages returns a block obtained from AllocPages.
	FreePages(b *Block)
	// Nodes returns the number of NUMA nodes.
	Nodes() int
	// Distance returns the relative access cost between two nodes.
	Distance(from, to int) int
}

// LocalDistance and RemoteDistance follow the usual SLIT scale.
const (
	LocalDistance  = 10
	RemoteDistance = 20
)

// DefaultDistance is LocalDistance for the same node and grows by
// RemoteDistance-LocalDistance per hop otherwise.
func DefaultDistance(from, to int) int {
	d := from - to
	if d < 0 {
		d = -d
	}
	if d == 0 {
		return LocalDistance
	}
	return LocalDistance + d*(RemoteDistance-LocalDistance)
}

// Arena hands out naturally aligned address ranges in [ArenaBase, MaxAddress).
// Released ranges are reused for requests of the same order.
type Arena struct {
	mu   sync.Mutex
	next uint64
	free [MaxOrder + 1][]uint64
}

// Reserve returns the address of a fresh 2^order page range.
func (a *Arena) Reserve(order int) (uint64, error) {
	if order < 0 || order > MaxOrder {
		return 0, fmt.Errorf("arena: order %d: %w", order, ErrBadOrder)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free[order]); n > 0 {
		addr := a.free[order][n-1]
		a.free[order] = a.free[order][:n-1]
		return addr, nil
	}
	if a.next == 0 {
		a.next = ArenaBase
	}
	size := uint64(PageSize) << order
	addr := (a.next + size - 1) &^ (size - 1)
	if addr+size > MaxAddress {
		return 0, fmt.Errorf("arena: address space exhausted: %w", ErrNoMemory)
	}
	a.next = addr + size
	return addr, nil
}

// Release makes a range returned by Reserve available again.
func (a *Arena) Release(addr uint64, order int) {
	if order < 0 || order > MaxOrder {
		return
	}
	a.mu.Lock()
	a.free[order] = append(a.free[order], addr)
	a.mu.Unlock()
}
