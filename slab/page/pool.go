package page

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Backing selects where a Pool gets block storage from.
type Backing int

const (
	// BackingHeap allocates block storage on the Go heap.
	BackingHeap Backing = iota
	// BackingMmap maps anonymous memory per block (heap on non-unix platforms).
	// A freed block keeps its mapping with the pages dropped, so late readers
	// of a recycled block never fault; Close unmaps everything.
	BackingMmap
)

func (b Backing) String() string {
	switch b {
	case BackingHeap:
		return "heap"
	case BackingMmap:
		return "mmap"
	default:
		return "unknown"
	}
}

// PoolOptions configures a Pool. The zero value is one node, unlimited pages,
// heap backing.
type PoolOptions struct {
	Nodes        int                    // Number of NUMA nodes (default 1)
	PagesPerNode int                    // Page budget per node; 0 = unlimited
	ReservePages int                    // Emergency pages per node, GFPMemalloc only
	Backing      Backing                // Block storage
	Distance     func(from, to int) int // Node distance; default DefaultDistance
}

// PoolStats is a snapshot of Pool counters.
type PoolStats struct {
	Allocs        uint64 // Successful AllocPages calls
	Frees         uint64 // FreePages calls
	Failures      uint64 // Failed AllocPages calls
	ReserveAllocs uint64 // Blocks served from the emergency reserve
	InUse         []int  // Pages handed out per node
}

// Pool is a Provider with per-node page budgets.
type Pool struct {
	opts  PoolOptions
	arena Arena

	mu     sync.Mutex
	inUse  []int
	maps   map[uint64][]byte // block address -> mapping, BackingMmap only
	closed bool

	failAbove atomic.Int32

	allocs   atomic.Uint64
	frees    atomic.Uint64
	failures atomic.Uint64
	reserve  atomic.Uint64
}

var _ Provider = (*Pool)(nil)

// NewPool creates a Pool. A nil opts uses the defaults.
func NewPool(opts *PoolOptions) (*Pool, error) {
	var o PoolOptions
	if opts != nil {
		o = *opts
	}
	if o.Nodes == 0 {
		o.Nodes = 1
	}
	if o.Nodes < 0 || o.Nodes > 64 {
		return nil, fmt.Errorf("page: %d nodes: %w", o.Nodes, ErrBadNode)
	}
	if o.PagesPerNode < 0 || o.ReservePages < 0 {
		return nil, fmt.Errorf("page: negative page budget")
	}
	if o.Distance == nil {
		o.Distance = DefaultDistance
	}
	p := &Pool{
		opts:  o,
		inUse: make([]int, o.Nodes),
		maps:  make(map[uint64][]byte),
	}
	p.failAbove.Store(-1)
	return p, nil
}

// Nodes returns the number of NUMA nodes.
func (p *Pool) Nodes() int { return p.opts.Nodes }

// Distance returns the configured distance between two nodes.
func (p *Pool) Distance(from, to int) int { return p.opts.Distance(from, to) }

// SetFailOrderAbove makes every request with an order above n fail, simulating
// a fragmented provider. A negative n disables the behaviour.
func (p *Pool) SetFailOrderAbove(n int) { p.failAbove.Store(int32(n)) }

// AllocPages returns a block of 2^order pages, preferring node. Unless
// GFPThisNode is set, other nodes are tried in order of increasing distance.
func (p *Pool) AllocPages(order, node int, gfp GFP) (*Block, error) {
	if order < 0 || order > MaxOrder {
		p.failures.Add(1)
		return nil, fmt.Errorf("page: order %d: %w", order, ErrBadOrder)
	}
	if node == NoNode {
		node = 0
	}
	if node < 0 || node >= p.opts.Nodes {
		p.failures.Add(1)
		return nil, fmt.Errorf("page: node %d: %w", node, ErrBadNode)
	}
	if limit := int(p.failAbove.Load()); limit >= 0 && order > limit {
		p.failures.Add(1)
		return nil, fmt.Errorf("page: order %d unavailable: %w", order, ErrNoMemory)
	}

	candidates := []int{node}
	if gfp&GFPThisNode == 0 {
		candidates = p.fallbackOrder(node)
	}

	pages := 1 << order
	for _, n := range candidates {
		pfmemalloc, ok := p.charge(n, pages, gfp)
		if !ok {
			continue
		}
		b, err := p.mint(order, n)
		if err != nil {
			p.uncharge(n, pages)
			p.failures.Add(1)
			return nil, err
		}
		b.Pfmemalloc = pfmemalloc
		if pfmemalloc {
			p.reserve.Add(1)
		}
		p.allocs.Add(1)
		return b, nil
	}

	p.failures.Add(1)
	return nil, fmt.Errorf("page: order %d on node %d: %w", order, node, ErrNoMemory)
}

// FreePages returns a block to the pool.
func (p *Pool) FreePages(b *Block) {
	if b == nil {
		return
	}
	if p.opts.Backing == BackingMmap {
		_ = discardAnon(b.Mem)
	}
	p.arena.Release(b.Addr, b.Order)
	p.uncharge(b.Node, b.Pages())
	p.frees.Add(1)
}

// Close unmaps the storage of every block the pool ever handed out. Blocks
// still held by callers become invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for addr, mem := range p.maps {
		if err := unmapAnon(mem); err != nil {
			errs = append(errs, fmt.Errorf("page: unmap 0x%X: %w", addr, err))
		}
		delete(p.maps, addr)
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	inUse := make([]int, len(p.inUse))
	copy(inUse, p.inUse)
	p.mu.Unlock()
	return PoolStats{
		Allocs:        p.allocs.Load(),
		Frees:         p.frees.Load(),
		Failures:      p.failures.Load(),
		ReserveAllocs: p.reserve.Load(),
		InUse:         inUse,
	}
}

// fallbackOrder lists every node, nearest to node first.
func (p *Pool) fallbackOrder(node int) []int {
	order := make([]int, p.opts.Nodes)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return p.opts.Distance(node, order[i]) < p.opts.Distance(node, order[j])
	})
	return order
}

// charge reserves pages on node. The second result reports success; the first
// reports that the emergency reserve had to be used.
func (p *Pool) charge(node, pages int, gfp GFP) (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	limit := p.opts.PagesPerNode
	if limit == 0 || p.inUse[node]+pages <= limit {
		p.inUse[node] += pages
		return false, true
	}
	if gfp&GFPMemalloc != 0 && gfp&GFPNoRetry == 0 && p.inUse[node]+pages <= limit+p.opts.ReservePages {
		p.inUse[node] += pages
		return true, true
	}
	return false, false
}

func (p *Pool) uncharge(node, pages int) {
	p.mu.Lock()
	p.inUse[node] -= pages
	p.mu.Unlock()
}

func (p *Pool) mint(order, node int) (*Block, error) {
	addr, err := p.arena.Reserve(order)
	if err != nil {
		return nil, err
	}
	size := PageSize << order
	b := &Block{Addr: addr, Order: order, Node: node}
	if p.opts.Backing != BackingMmap {
		b.Mem = make([]byte, size)
		return b, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.arena.Release(addr, order)
		return nil, fmt.Errorf("page: pool closed: %w", ErrNoMemory)
	}
	if mem, ok := p.maps[addr]; ok {
		b.Mem = mem
		return b, nil
	}
	mem, err := mapAnon(size)
	if err != nil {
		p.arena.Release(addr, order)
		return nil, fmt.Errorf("page: map %d bytes: %w", size, err)
	}
	p.maps[addr] = mem
	b.Mem = mem
	return b, nil
}
