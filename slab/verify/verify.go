package verify

import (
	"errors"
	"fmt"

	"github.com/joshuapare/slabkit/internal/format"
)

// ValidationError describes one failed check.
type ValidationError struct {
	Type    string
	Message string
	Addr    uint64 // Address of the offending object or slab, 0 if none
	Details map[string]any
}

func (e *ValidationError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s at 0x%X: %s", e.Type, e.Addr, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Header validates the in-band slab header at the start of mem against want.
func Header(mem []byte, want format.Header) error {
	got, err := format.DecodeHeader(mem)
	if err != nil {
		return &ValidationError{
			Type:    "SlabHeader",
			Message: err.Error(),
			Addr:    want.Addr,
		}
	}
	if got != want {
		return &ValidationError{
			Type:    "SlabHeader",
			Message: fmt.Sprintf("header mismatch: got %+v, expected %+v", got, want),
			Addr:    want.Addr,
			Details: map[string]any{"got": got, "want": want},
		}
	}
	return nil
}

// Chain summarises a freelist walk.
type Chain struct {
	Count int    // Objects reachable before the end or the first bad pointer
	Tail  uint64 // Last good object, 0 for an empty chain
	Bad   uint64 // The offending pointer when the walk failed
}

// ErrCycle reports a freelist longer than the slab can hold.
var ErrCycle = errors.New("verify: freelist cycle")

// Freelist walks the chain starting at head. valid reports whether a value
// is an object address of the slab; next returns the decoded free pointer
// stored in an object. The walk fails on the first invalid pointer or when
// more than limit objects are reachable.
func Freelist(head uint64, limit int, valid func(uint64) bool, next func(uint64) uint64) (Chain, error) {
	var c Chain
	for p := head; p != 0; {
		if !valid(p) {
			c.Bad = p
			return c, &ValidationError{
				Type:    "Freelist",
				Message: fmt.Sprintf("free pointer 0x%X out of range after %d objects", p, c.Count),
				Addr:    c.Tail,
			}
		}
		if c.Count == limit {
			c.Bad = p
			return c, &ValidationError{
				Type:    "Freelist",
				Message: fmt.Sprintf("%v: more than %d objects reachable", ErrCycle, limit),
				Addr:    head,
				Details: map[string]any{"limit": limit},
			}
		}
		c.Count++
		c.Tail = p
		p = next(p)
	}
	return c, nil
}

// Counts checks that inuse + free == objects.
func Counts(objects, inuse, free int) error {
	if inuse < 0 || inuse > objects {
		return &ValidationError{
			Type:    "Counts",
			Message: fmt.Sprintf("inuse %d outside [0, %d]", inuse, objects),
		}
	}
	if inuse+free != objects {
		return &ValidationError{
			Type:    "Counts",
			Message: fmt.Sprintf("inuse %d + free %d != objects %d", inuse, free, objects),
			Details: map[string]any{"objects": objects, "inuse": inuse, "free": free},
		}
	}
	return nil
}

// IsCycle reports whether err came from a freelist cycle.
func IsCycle(err error) bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	_, ok := ve.Details["limit"]
	return ok
}
