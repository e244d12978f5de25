package slab

import (
	"sync"
	"sync/atomic"
)

// cacheNode is the per-node state of a cache: the partial list, the full
// list (debug caches only) and slab accounting.
type cacheNode struct {
	mu      sync.Mutex
	partial slabList
	full    slabList

	// nrPartial mirrors partial.n for lock-free heuristics.
	nrPartial    atomic.Int64
	nrSlabs      atomic.Int64
	totalObjects atomic.Int64
}

// addPartial links s at the head or tail of the partial list. n.mu held.
func (n *cacheNode) addPartial(s *Slab, tail bool) {
	if tail {
		n.partial.pushBack(s)
	} else {
		n.partial.pushFront(s)
	}
	s.list = listPartial
	n.nrPartial.Store(int64(n.partial.n))
}

// removePartial unlinks s from the partial list. n.mu held.
func (n *cacheNode) removePartial(s *Slab) {
	if s.list != listPartial {
		return
	}
	n.partial.remove(s)
	s.list = listNone
	n.nrPartial.Store(int64(n.partial.n))
}

// addFull tracks a fully used slab. n.mu held.
func (n *cacheNode) addFull(s *Slab) {
	n.full.pushBack(s)
	s.list = listFull
}

// removeFull stops tracking s. n.mu held.
func (n *cacheNode) removeFull(s *Slab) {
	if s.list != listFull {
		return
	}
	n.full.remove(s)
	s.list = listNone
}

func (n *cacheNode) incSlabs(objects int) {
	n.nrSlabs.Add(1)
	n.totalObjects.Add(int64(objects))
}

func (n *cacheNode) decSlabs(objects int) {
	n.nrSlabs.Add(-1)
	n.totalObjects.Add(-int64(objects))
}
