package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/slabkit/slab"
	"github.com/joshuapare/slabkit/slab/page"
)

var (
	stressSize    int
	stressWorkers int
	stressOps     int
	stressHold    int
	stressNodes   int
	stressCPUs    int
	stressPages   int
	stressMmap    bool
	stressDebug   string
	stressCAS     string
	stressBulk    int
	stressSeed    uint64
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressSize, "size", 64, "Object size in bytes")
	cmd.Flags().IntVar(&stressWorkers, "workers", 8, "Concurrent workers")
	cmd.Flags().IntVar(&stressOps, "ops", 10000, "Operations per worker")
	cmd.Flags().IntVar(&stressHold, "hold", 512, "Most objects a worker holds at once")
	cmd.Flags().IntVar(&stressNodes, "nodes", 1, "NUMA nodes of the page pool")
	cmd.Flags().IntVar(&stressCPUs, "cpus", 0, "CPU slots (0 = CPUs available)")
	cmd.Flags().IntVar(&stressPages, "pages", 0, "Page budget per node (0 = unlimited)")
	cmd.Flags().BoolVar(&stressMmap, "mmap", false, "Back slabs with anonymous mappings")
	cmd.Flags().StringVar(&stressDebug, "debug", "", "Debug options string (e.g. FZPU)")
	cmd.Flags().StringVar(&stressCAS, "cas", "double", "Packed word update: double or locked")
	cmd.Flags().IntVar(&stressBulk, "bulk", 0, "Use bulk alloc/free with this batch size")
	cmd.Flags().Uint64Var(&stressSeed, "seed", 1, "Workload seed")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent alloc/free workload against one cache",
		Long: `The stress command creates a cache and runs workers that allocate and
free objects in random order. Each worker checks that no object it holds is
handed out twice. The cache is validated, shrunk and destroyed at the end and
its statistics are printed.

Example:
  slabctl stress --size 128 --workers 16 --ops 100000
  slabctl stress --debug FZP --cas locked
  slabctl stress --nodes 2 --pages 64 --bulk 16 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

// StressResult summarizes a stress run.
type StressResult struct {
	Cache       string            `json:"cache"`
	Workers     int               `json:"workers"`
	Allocs      uint64            `json:"allocs"`
	Frees       uint64            `json:"frees"`
	Failures    uint64            `json:"failures"`
	Duration    time.Duration     `json:"duration_ns"`
	Stats       slab.Stats        `json:"stats"`
	Events      map[string]uint64 `json:"events"`
	Diagnostics int               `json:"diagnostics"`
	Pool        page.PoolStats    `json:"pool"`
}

func runStress() error {
	if stressWorkers <= 0 || stressOps < 0 || stressHold <= 0 || stressBulk < 0 {
		return fmt.Errorf("workers, hold and bulk must be positive")
	}
	cas := slab.CASDouble
	switch stressCAS {
	case "double":
	case "locked":
		cas = slab.CASLocked
	default:
		return fmt.Errorf("unknown cas mode %q", stressCAS)
	}
	backing := page.BackingHeap
	if stressMmap {
		backing = page.BackingMmap
	}

	pool, err := page.NewPool(&page.PoolOptions{Nodes: stressNodes, PagesPerNode: stressPages, Backing: backing})
	if err != nil {
		return err
	}
	defer pool.Close()

	debug := stressDebug
	if debug == "" {
		debug = "-"
	}
	reg, err := slab.NewRegistry(pool, &slab.Options{CPUs: stressCPUs, CAS: cas, Debug: debug, Seed: stressSeed})
	if err != nil {
		return err
	}
	defer reg.Close()

	name := fmt.Sprintf("stress-%d", stressSize)
	c, err := reg.CreateCache(name, stressSize, 0, 0, nil, nil)
	if err != nil {
		return err
	}
	printVerbose("Cache %s: stride %d, %d objects per order-%d slab\n",
		name, c.Layout().Stride, c.Layout().Objects, c.Layout().Order)

	res := StressResult{Cache: name, Workers: stressWorkers}
	start := time.Now()
	if err := stressWorkload(c, &res); err != nil {
		return err
	}
	res.Duration = time.Since(start)

	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("validate: %w", err))
	}
	if err := c.Shrink(); err != nil {
		errs = append(errs, fmt.Errorf("shrink: %w", err))
	}
	res.Stats = c.Stats()
	res.Events = make(map[string]uint64)
	for st := range slab.NumStats {
		if v := res.Stats.Event(st); v != 0 {
			res.Events[st.String()] = v
		}
	}
	diags := c.Diagnostics()
	res.Diagnostics = diags.Len()
	if err := reg.DestroyCache(c); err != nil {
		errs = append(errs, fmt.Errorf("destroy: %w", err))
	}
	res.Pool = pool.Stats()

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printStress(res)
		if diags.Len() > 0 {
			printInfo("\n%s", diags.FormatText(printerTag()))
		}
	}
	return errors.Join(errs...)
}

// stressWorkload runs the workers and frees whatever they still hold.
func stressWorkload(c *slab.Cache, res *StressResult) error {
	var (
		mu    sync.Mutex
		errs  []error
		owner sync.Map
		wg    sync.WaitGroup
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	tag := c.Layout().Offset > 0 || c.Layout().FreeptrOutside()

	for w := range stressWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(stressSeed, uint64(w)))
			held := make([]slab.Pointer, 0, stressHold)
			var allocs, frees, failures uint64

			take := func(p slab.Pointer) bool {
				if prev, dup := owner.LoadOrStore(p, w); dup {
					fail(fmt.Errorf("object 0x%X handed to worker %d while held by worker %v", p, w, prev))
					return false
				}
				if tag {
					if obj, err := c.Object(p); err == nil {
						obj[0] = byte(w)
					}
				}
				held = append(held, p)
				allocs++
				return true
			}

			for range stressOps {
				if len(held) == 0 || (len(held) < stressHold && rng.IntN(2) == 0) {
					if stressBulk > 0 {
						ps, err := c.AllocBulk(0, stressBulk)
						if err != nil {
							failures++
							continue
						}
						for _, p := range ps {
							if !take(p) {
								return
							}
						}
						continue
					}
					p, err := c.Alloc(page.GFPNoWarn)
					if err != nil {
						failures++
						continue
					}
					if !take(p) {
						return
					}
					continue
				}

				n := 1
				if stressBulk > 0 {
					n = min(stressBulk, len(held))
				}
				batch := make([]slab.Pointer, 0, n)
				for range n {
					i := rng.IntN(len(held))
					p := held[i]
					held[i] = held[len(held)-1]
					held = held[:len(held)-1]
					owner.Delete(p)
					batch = append(batch, p)
				}
				var err error
				if stressBulk > 0 {
					err = c.FreeBulk(batch)
				} else {
					err = c.Free(batch[0])
				}
				if err != nil {
					fail(err)
					return
				}
				frees += uint64(n)
			}

			for _, p := range held {
				owner.Delete(p)
			}
			if err := c.FreeBulk(held); err != nil {
				fail(err)
			}
			frees += uint64(len(held))

			mu.Lock()
			res.Allocs += allocs
			res.Frees += frees
			res.Failures += failures
			mu.Unlock()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func printStress(res StressResult) {
	st := res.Stats
	printInfo("\nStress: %s\n", res.Cache)
	printInfo("  Workers: %d\n", res.Workers)
	printInfo("  Allocations: %d (%d failed)\n", res.Allocs, res.Failures)
	printInfo("  Frees: %d\n", res.Frees)
	printInfo("  Duration: %s\n", res.Duration.Round(time.Millisecond))
	if res.Duration > 0 {
		ops := float64(res.Allocs+res.Frees) / res.Duration.Seconds()
		printInfo("  Throughput: %.0f ops/s\n", ops)
	}
	printInfo("  Slabs left: %d (%d active objects)\n", st.Slabs, st.ActiveObjects)
	printInfo("  Pool: %d page allocs, %d frees, %d failures\n\n", res.Pool.Allocs, res.Pool.Frees, res.Pool.Failures)

	p := printer()
	rows := make([][]string, 0, len(res.Events))
	for e := range slab.NumStats {
		if v := st.Event(e); v != 0 {
			rows = append(rows, []string{e.String(), p.Sprintf("%d", v)})
		}
	}
	printInfo("%s\n", renderTable([]string{"Event", "Count"}, rows, 1))
}
