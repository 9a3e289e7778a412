package hart

import (
	"errors"
	"testing"
)

func TestClaim(t *testing.T) {
	h, err := NewSet(2).Hart(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Claim(MipRASHigh); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := h.Claim(MipRASHigh | MipRASLow); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second Claim err = %v, want ErrAlreadyClaimed", err)
	}
	if err := h.Claim(MipRASLow); err != nil {
		t.Fatalf("Claim of a free bit: %v", err)
	}
	h.Release(MipRASHigh)
	if err := h.Claim(MipRASHigh); err != nil {
		t.Fatalf("Claim after Release: %v", err)
	}
}

func TestSetPending(t *testing.T) {
	h, _ := NewSet(1).Hart(0)
	h.SetPending(MipRASHigh, true)
	h.SetPending(MipMTIP, true)
	if h.MIP() != MipRASHigh|MipMTIP {
		t.Fatalf("mip = 0x%x", h.MIP())
	}
	h.SetPending(MipRASHigh, false)
	if h.IsPending(MipRASHigh) || !h.IsPending(MipMTIP) {
		t.Fatalf("mip = 0x%x after clearing RAS bit", h.MIP())
	}
	if old := h.UpdateMIP(MipMTIP, 0); old != MipMTIP {
		t.Errorf("UpdateMIP returned 0x%x", old)
	}
}

func TestNoSuchHart(t *testing.T) {
	s := NewSet(2)
	for _, id := range []int{-1, 2} {
		if _, err := s.Hart(id); !errors.Is(err, ErrNoSuchHart) {
			t.Errorf("Hart(%d) err = %v, want ErrNoSuchHart", id, err)
		}
	}
}

func TestRouterSharedBit(t *testing.T) {
	h, _ := NewSet(1).Hart(0)
	r := NewRouter()
	if err := r.Route(9, h, MipRASLow); err != nil {
		t.Fatal(err)
	}
	if err := r.Route(10, h, MipRASLow); err != nil {
		t.Fatal(err)
	}
	if err := r.Route(9, h, MipSEIP); err == nil {
		t.Fatal("line routed twice")
	}

	r.SetIRQ(9, true)
	r.SetIRQ(10, true)
	r.SetIRQ(9, true)
	r.SetIRQ(9, false)
	if !h.IsPending(MipRASLow) {
		t.Fatal("bit dropped while line 10 is still high")
	}
	r.SetIRQ(10, false)
	if h.IsPending(MipRASLow) {
		t.Fatal("bit still set with every line low")
	}

	// Unrouted lines are ignored.
	r.SetIRQ(11, true)
	if h.MIP() != 0 {
		t.Fatalf("mip = 0x%x", h.MIP())
	}
}
