// Package hart models the interrupt-pending state of the guest's harts.
package hart

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// mip bits
const (
	MipSSIP uint64 = 1 << 1  // Supervisor software interrupt pending
	MipMSIP uint64 = 1 << 3  // Machine software interrupt pending
	MipSTIP uint64 = 1 << 5  // Supervisor timer interrupt pending
	MipMTIP uint64 = 1 << 7  // Machine timer interrupt pending
	MipSEIP uint64 = 1 << 9  // Supervisor external interrupt pending
	MipMEIP uint64 = 1 << 11 // Machine external interrupt pending

	// Local RAS event interrupts (AIA major interrupts 35 and 43).
	MipRASHigh uint64 = 1 << 35
	MipRASLow  uint64 = 1 << 43
)

var (
	ErrAlreadyClaimed = errors.New("hart: interrupt already claimed")
	ErrNoSuchHart     = errors.New("hart: no such hart")
)

// Hart holds the architectural interrupt-pending state of one processor.
// Every update is a single atomic operation and is immediately visible to
// readers.
type Hart struct {
	id      int
	mip     atomic.Uint64
	claimed atomic.Uint64
}

// ID returns the hart's architectural id.
func (h *Hart) ID() int { return h.id }

// Claim reserves the mip bits in mask for a single device. It fails if any of
// them is already claimed.
func (h *Hart) Claim(mask uint64) error {
	for {
		old := h.claimed.Load()
		if old&mask != 0 {
			return fmt.Errorf("%w: hart %d mask 0x%x", ErrAlreadyClaimed, h.id, old&mask)
		}
		if h.claimed.CompareAndSwap(old, old|mask) {
			return nil
		}
	}
}

// Release returns claimed bits.
func (h *Hart) Release(mask uint64) {
	for {
		old := h.claimed.Load()
		if h.claimed.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// UpdateMIP replaces the bits in mask with the matching bits of value and
// returns the previous mip.
func (h *Hart) UpdateMIP(mask, value uint64) uint64 {
	for {
		old := h.mip.Load()
		next := (old &^ mask) | (value & mask)
		if h.mip.CompareAndSwap(old, next) {
			return old
		}
	}
}

// SetPending sets or clears the bits in mask.
func (h *Hart) SetPending(mask uint64, pending bool) {
	if pending {
		h.UpdateMIP(mask, mask)
	} else {
		h.UpdateMIP(mask, 0)
	}
}

// MIP returns the current interrupt-pending word.
func (h *Hart) MIP() uint64 { return h.mip.Load() }

// IsPending reports whether any bit in mask is pending.
func (h *Hart) IsPending(mask uint64) bool { return h.mip.Load()&mask != 0 }

// Set is the fixed group of harts belonging to one machine.
type Set struct {
	harts []*Hart
}

// NewSet creates n harts numbered from zero.
func NewSet(n int) *Set {
	s := &Set{harts: make([]*Hart, n)}
	for i := range s.harts {
		s.harts[i] = &Hart{id: i}
	}
	return s
}

// Hart returns the hart with the given architectural id.
func (s *Set) Hart(id int) (*Hart, error) {
	if id < 0 || id >= len(s.harts) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchHart, id)
	}
	return s.harts[id], nil
}

// Len returns the number of harts.
func (s *Set) Len() int { return len(s.harts) }
