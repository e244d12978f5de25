package codec

import "math/rand/v2"

// Sequence is a random permutation of object indexes used to lay out the
// initial freelist of a slab in a non-sequential order.
type Sequence []uint32

// NewSequence returns a uniformly shuffled permutation of [0, count).
func NewSequence(count int, rng *rand.Rand) Sequence {
	if count <= 0 {
		return nil
	}
	seq := make(Sequence, count)
	for i := range seq {
		seq[i] = uint32(i)
	}
	for i := count - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		seq[i], seq[j] = seq[j], seq[i]
	}
	return seq
}

// Next returns the entry at *pos and advances *pos, wrapping at the end.
// Entries >= limit are skipped; slabs minted at a smaller fallback order
// hold fewer objects than the sequence describes. limit must be at least 1
// and at most len(s).
func (s Sequence) Next(pos *int, limit int) uint32 {
	for {
		idx := s[*pos]
		*pos++
		if *pos >= len(s) {
			*pos = 0
		}
		if int(idx) < limit {
			return idx
		}
	}
}
