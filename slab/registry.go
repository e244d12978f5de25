package slab

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/slabkit/internal/logger"
	"github.com/joshuapare/slabkit/slab/codec"
	"github.com/joshuapare/slabkit/slab/page"
)

// Registry owns a set of caches sharing one page provider, one CPU and node
// topology and one debug configuration.
//
// Lock order: registry mutex, node list locks, CPU slot locks, slab word
// locks. A lower ranked lock is never taken while holding a higher one.
type Registry struct {
	mu     sync.Mutex // lock level 1
	caches []*Cache
	byName map[string]*Cache
	nextID uint32
	closed atomic.Bool

	provider page.Provider
	opts     resolved
	nodes    int

	frames sync.Map // pfn -> *Slab

	cpuOnline []atomic.Bool
	nodeMem   []atomic.Bool
	distOrder [][]int // Other nodes by increasing distance

	hints    sync.Pool // *cpuHint
	nextHint atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	oom     ratelimit
	tainted atomic.Bool
}

// cpuHint pins goroutines to a slot. sync.Pool keeps a per-P cache of
// hints, so goroutines running on the same P tend to get the same slot.
type cpuHint struct{ cpu int }

// NewRegistry creates a registry drawing slabs from provider.
func NewRegistry(provider page.Provider, opts *Options) (*Registry, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: nil page provider", ErrInvalidArgument)
	}
	nodes := provider.Nodes()
	if nodes <= 0 {
		return nil, fmt.Errorf("%w: provider reports %d nodes", ErrInvalidArgument, nodes)
	}
	ro, err := resolveOptions(opts, nodes)
	if err != nil {
		return nil, err
	}

	seed := ro.seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	r := &Registry{
		byName:    make(map[string]*Cache),
		provider:  provider,
		opts:      ro,
		nodes:     nodes,
		cpuOnline: make([]atomic.Bool, ro.cpus),
		nodeMem:   make([]atomic.Bool, nodes),
		distOrder: make([][]int, nodes),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		oom:       ratelimit{interval: oomInterval, burst: oomBurst},
	}
	for i := range r.cpuOnline {
		r.cpuOnline[i].Store(true)
	}
	for n := range nodes {
		r.nodeMem[n].Store(true)
		var others []int
		for m := range nodes {
			if m != n {
				others = append(others, m)
			}
		}
		sort.SliceStable(others, func(i, j int) bool {
			return provider.Distance(n, others[i]) < provider.Distance(n, others[j])
		})
		r.distOrder[n] = others
	}
	return r, nil
}

// CPUs returns the number of CPU slots.
func (r *Registry) CPUs() int { return r.opts.cpus }

// Nodes returns the number of nodes.
func (r *Registry) Nodes() int { return r.nodes }

// Provider returns the page provider.
func (r *Registry) Provider() page.Provider { return r.provider }

// Tainted reports whether a debug check ever found corruption.
func (r *Registry) Tainted() bool { return r.tainted.Load() }

func (r *Registry) taint() { r.tainted.Store(true) }

func (r *Registry) log() *slog.Logger {
	if r.opts.log != nil {
		return r.opts.log
	}
	return logger.L
}

// CreateCache creates and registers a cache of size-byte objects. align is
// the required alignment (0 for pointer alignment); ctor, when not nil, runs
// once on every object of a new slab. Debug flags from the registry debug
// string are applied by name.
func (r *Registry) CreateCache(name string, size, align int, flags Flags, ctor func([]byte), opts *CacheOptions) (*Cache, error) {
	c, err := r.createCache(name, size, align, flags, ctor, opts)
	if err != nil && flags&FlagPanic != 0 {
		panic(err)
	}
	return c, err
}

func (r *Registry) createCache(name string, size, align int, flags Flags, ctor func([]byte), opts *CacheOptions) (*Cache, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty cache name", ErrInvalidArgument)
	}
	flags = r.opts.debug.Apply(name, flags)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCacheExists, name)
	}
	c, err := newCache(r, r.nextID+1, name, size, align, flags, ctor, opts)
	if err != nil {
		return nil, err
	}
	r.nextID++
	r.caches = append(r.caches, c)
	r.byName[name] = c
	r.log().Debug("cache created",
		slog.String("cache", name),
		slog.Int("size", c.layout.ObjectSize),
		slog.Int("stride", c.layout.Stride),
		slog.Int("order", c.layout.Order),
		slog.Int("objects", c.layout.Objects),
		slog.String("flags", flags.String()))
	return c, nil
}

// DestroyCache releases every slab of c and unregisters it. If objects are
// still allocated the cache stays registered and ErrCacheBusy is returned.
func (r *Registry) DestroyCache(c *Cache) error {
	if c == nil || c.reg != r {
		return fmt.Errorf("%w: cache not owned by this registry", ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyLocked(c)
}

func (r *Registry) destroyLocked(c *Cache) error {
	if c.dead.Load() {
		return fmt.Errorf("%w: cache %s already destroyed", ErrClosed, c.name)
	}
	if err := c.shutdown(); err != nil {
		return err
	}
	c.dead.Store(true)
	delete(r.byName, c.name)
	for i, x := range r.caches {
		if x == c {
			r.caches = append(r.caches[:i], r.caches[i+1:]...)
			break
		}
	}
	r.log().Debug("cache destroyed", slog.String("cache", c.name))
	return nil
}

// Lookup returns the cache registered under name, or nil.
func (r *Registry) Lookup(name string) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// Caches returns the registered caches in creation order.
func (r *Registry) Caches() []*Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Cache(nil), r.caches...)
}

// ShrinkAll shrinks every registered cache.
func (r *Registry) ShrinkAll() error {
	var errs []error
	for _, c := range r.Caches() {
		if err := c.Shrink(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CPUOffline takes a CPU slot out of service and flushes its active and
// partial slabs in every cache. The last online CPU cannot be taken offline.
func (r *Registry) CPUOffline(cpu int) error {
	if cpu < 0 || cpu >= r.opts.cpus {
		return fmt.Errorf("%w: cpu %d", ErrInvalidArgument, cpu)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cpuOnline[cpu].Load() {
		return nil
	}
	online := 0
	for i := range r.cpuOnline {
		if r.cpuOnline[i].Load() {
			online++
		}
	}
	if online == 1 {
		return fmt.Errorf("%w: cpu %d is the last online cpu", ErrInvalidArgument, cpu)
	}
	r.cpuOnline[cpu].Store(false)
	for _, c := range r.caches {
		c.flushCPU(cpu)
	}
	return nil
}

// CPUOnline puts a CPU slot back into service.
func (r *Registry) CPUOnline(cpu int) error {
	if cpu < 0 || cpu >= r.opts.cpus {
		return fmt.Errorf("%w: cpu %d", ErrInvalidArgument, cpu)
	}
	r.cpuOnline[cpu].Store(true)
	return nil
}

// NodeOffline marks a node as having no memory: allocations for CPUs on it
// are served from the nearest node with memory and explicit requests for it
// are treated as requests for any node. Existing slabs stay where they are.
func (r *Registry) NodeOffline(node int) error {
	if node < 0 || node >= r.nodes {
		return fmt.Errorf("%w: node %d", ErrInvalidArgument, node)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	online := 0
	for i := range r.nodeMem {
		if r.nodeMem[i].Load() {
			online++
		}
	}
	if online == 1 && r.nodeMem[node].Load() {
		return fmt.Errorf("%w: node %d is the last node with memory", ErrInvalidArgument, node)
	}
	r.nodeMem[node].Store(false)
	return nil
}

// NodeOnline marks a node as having memory again.
func (r *Registry) NodeOnline(node int) error {
	if node < 0 || node >= r.nodes {
		return fmt.Errorf("%w: node %d", ErrInvalidArgument, node)
	}
	r.nodeMem[node].Store(true)
	return nil
}

// Close destroys every cache. Caches that still hold objects stay alive and
// are reported with ErrCacheBusy; the registry refuses new caches either way.
func (r *Registry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, c := range append([]*Cache(nil), r.caches...) {
		if err := r.destroyLocked(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// currentCPU picks the slot for the calling goroutine.
func (r *Registry) currentCPU() int {
	h, _ := r.hints.Get().(*cpuHint)
	if h == nil {
		h = &cpuHint{cpu: r.nextOnlineCPU()}
	} else if !r.cpuOnline[h.cpu].Load() {
		h.cpu = r.nextOnlineCPU()
	}
	cpu := h.cpu
	r.hints.Put(h)
	return cpu
}

func (r *Registry) nextOnlineCPU() int {
	n := uint64(r.opts.cpus)
	start := r.nextHint.Add(1)
	for i := range n {
		cpu := int((start + i) % n)
		if r.cpuOnline[cpu].Load() {
			return cpu
		}
	}
	return int(start % n)
}

func (r *Registry) checkCPU(cpu int) error {
	if cpu < 0 || cpu >= r.opts.cpus {
		return fmt.Errorf("%w: cpu %d out of range [0,%d)", ErrInvalidArgument, cpu, r.opts.cpus)
	}
	if !r.cpuOnline[cpu].Load() {
		return fmt.Errorf("%w: cpu %d is offline", ErrInvalidArgument, cpu)
	}
	return nil
}

func (r *Registry) checkNode(node int) error {
	if node == page.NoNode || (node >= 0 && node < r.nodes) {
		return nil
	}
	return fmt.Errorf("%w: node %d out of range [0,%d)", ErrInvalidArgument, node, r.nodes)
}

func (r *Registry) nodeOnline(node int) bool {
	return node >= 0 && node < r.nodes && r.nodeMem[node].Load()
}

// memNode returns the node of cpu, or the nearest node with memory when the
// CPU's node has none.
func (r *Registry) memNode(cpu int) int {
	n := r.opts.cpuNode[cpu]
	if r.nodeMem[n].Load() {
		return n
	}
	for _, m := range r.distOrder[n] {
		if r.nodeMem[m].Load() {
			return m
		}
	}
	return n
}

func (r *Registry) nodesByDistance(from int) []int { return r.distOrder[from] }

// randN returns a uniform value in [0, n).
func (r *Registry) randN(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.IntN(n)
}

func (r *Registry) newSequence(count int) codec.Sequence {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return codec.NewSequence(count, r.rng)
}

func (r *Registry) bindFrames(s *Slab) {
	pfn := s.addr >> page.PageShift
	for i := range uint64(1) << s.order {
		r.frames.Store(pfn+i, s)
	}
}

func (r *Registry) unbindFrames(s *Slab) {
	pfn := s.addr >> page.PageShift
	for i := range uint64(1) << s.order {
		r.frames.CompareAndDelete(pfn+i, s)
	}
}

// lookup returns the slab whose block contains addr.
func (r *Registry) lookup(addr uint64) *Slab {
	v, ok := r.frames.Load(addr >> page.PageShift)
	if !ok {
		return nil
	}
	return v.(*Slab)
}

// slabs returns every live slab of c.
func (r *Registry) slabs(c *Cache) []*Slab {
	var out []*Slab
	r.frames.Range(func(k, v any) bool {
		s := v.(*Slab)
		if s.cache == c && k.(uint64) == s.addr>>page.PageShift {
			out = append(out, s)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}
