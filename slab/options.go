package slab

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joshuapare/slabkit/slab/page"
	"github.com/joshuapare/slabkit/slab/planner"
)

// DebugEnv names the environment variable read when Options.Debug is empty.
const DebugEnv = "SLABKIT_DEBUG"

// MaxCPUs bounds Options.CPUs.
const MaxCPUs = 1024

// CASMode selects how the packed CPU and slab words are updated.
type CASMode int

const (
	// CASDouble updates packed words with a single atomic compare-and-swap.
	CASDouble CASMode = iota
	// CASLocked guards the same read-modify-write with a short mutex.
	CASLocked
)

func (m CASMode) String() string {
	switch m {
	case CASDouble:
		return "double"
	case CASLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Options configures a Registry. A nil *Options uses the defaults.
type Options struct {
	CPUs       int          // Logical CPU slots (default: CPUs available to the process)
	CPUNode    []int        // Node of each CPU (default: contiguous blocks per node)
	CAS        CASMode      // Packed word update strategy
	MinOrder   int          // Lowest slab order considered by the planner
	MaxOrder   int          // Highest order for the waste search (default 3)
	MinObjects int          // Overrides the CPU-derived minimum objects per slab
	Debug      string       // Debug options string, see ParseDebug (default: $SLABKIT_DEBUG)
	Logger     *slog.Logger // Default: the package logger (internal/logger.L)
	Seed       uint64       // Seeds remote-defrag draws and freelist sequences; 0 = random
}

// CacheOptions tunes a single cache. Zero fields select the defaults; use
// the Cache setters to set a tunable to zero.
type CacheOptions struct {
	MinPartial            int   // Partial slabs a node keeps before discarding empties
	CPUPartial            int   // Objects kept in per-CPU partial slabs
	RemoteNodeDefragRatio int   // 0..100, chance of scanning remote nodes (default 100)
	Fractions             []int // Planner waste fractions (default planner.DefaultFractions)
}

// resolved holds Options after defaults are applied.
type resolved struct {
	cpus       int
	cpuNode    []int
	cas        CASMode
	minOrder   int
	maxOrder   int
	minObjects int
	debug      DebugConfig
	log        *slog.Logger
	seed       uint64
}

func resolveOptions(opts *Options, nodes int) (resolved, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	r := resolved{
		cpus:       o.CPUs,
		cas:        o.CAS,
		minOrder:   o.MinOrder,
		maxOrder:   o.MaxOrder,
		minObjects: o.MinObjects,
		log:        o.Logger,
		seed:       o.Seed,
	}
	if r.cpus == 0 {
		r.cpus = min(onlineCPUs(), MaxCPUs)
	}
	if r.cpus < 0 || r.cpus > MaxCPUs {
		return r, fmt.Errorf("%w: %d cpus", ErrInvalidArgument, r.cpus)
	}
	if r.cas != CASDouble && r.cas != CASLocked {
		return r, fmt.Errorf("%w: cas mode %d", ErrInvalidArgument, r.cas)
	}
	if r.maxOrder == 0 {
		r.maxOrder = planner.DefaultMaxOrder
	}
	if r.minOrder < 0 || r.maxOrder < r.minOrder || r.maxOrder > page.MaxOrder {
		return r, fmt.Errorf("%w: orders min=%d max=%d", ErrInvalidArgument, r.minOrder, r.maxOrder)
	}
	if r.minObjects < 0 {
		return r, fmt.Errorf("%w: min objects %d", ErrInvalidArgument, r.minObjects)
	}

	if o.CPUNode != nil {
		if len(o.CPUNode) != r.cpus {
			return r, fmt.Errorf("%w: cpu node map has %d entries for %d cpus", ErrInvalidArgument, len(o.CPUNode), r.cpus)
		}
		for cpu, n := range o.CPUNode {
			if n < 0 || n >= nodes {
				return r, fmt.Errorf("%w: cpu %d on node %d", ErrInvalidArgument, cpu, n)
			}
		}
		r.cpuNode = append([]int(nil), o.CPUNode...)
	} else {
		r.cpuNode = make([]int, r.cpus)
		for cpu := range r.cpuNode {
			r.cpuNode[cpu] = cpu * nodes / r.cpus
		}
	}

	debug := o.Debug
	if debug == "" {
		debug = os.Getenv(DebugEnv)
	}
	cfg, err := ParseDebug(debug)
	if err != nil {
		return r, err
	}
	r.debug = cfg
	return r, nil
}
