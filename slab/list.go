package slab

// listKind records which node list a slab is linked into.
type listKind uint8

const (
	listNone listKind = iota
	listPartial
	listFull
)

// slabList is an intrusive doubly linked list of slabs. It is guarded by the
// owning node's lock.
type slabList struct {
	head, tail *Slab
	n          int
}

func (l *slabList) pushFront(s *Slab) {
	s.prev, s.next = nil, l.head
	if l.head != nil {
		l.head.prev = s
	} else {
		l.tail = s
	}
	l.head = s
	l.n++
}

func (l *slabList) pushBack(s *Slab) {
	s.prev, s.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = s
	} else {
		l.head = s
	}
	l.tail = s
	l.n++
}

func (l *slabList) remove(s *Slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = nil, nil
	l.n--
}

// slice returns the list in order. Used by shrink and validation.
func (l *slabList) slice() []*Slab {
	out := make([]*Slab, 0, l.n)
	for s := l.head; s != nil; s = s.next {
		out = append(out, s)
	}
	return out
}

// reset empties the list without touching the slabs.
func (l *slabList) reset() { l.head, l.tail, l.n = nil, nil, 0 }
