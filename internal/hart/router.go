package hart

import (
	"fmt"
	"sync"
)

type route struct {
	hart *Hart
	bit  uint64
}

type routeKey struct {
	hart int
	bit  uint64
}

// Router delivers external interrupt lines to hart pending bits. Several
// lines may share a bit; the bit stays set while any of them is high.
type Router struct {
	mu sync.Mutex

	routes map[uint8]route
	high   map[uint8]bool
	count  map[routeKey]int
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{
		routes: make(map[uint8]route),
		high:   make(map[uint8]bool),
		count:  make(map[routeKey]int),
	}
}

// Route connects line to bit on h.
func (r *Router) Route(line uint8, h *Hart, bit uint64) error {
	if h == nil {
		return fmt.Errorf("hart: route for line %d has nil hart", line)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[line]; exists {
		return fmt.Errorf("hart: line %d already routed", line)
	}
	r.routes[line] = route{hart: h, bit: bit}
	return nil
}

// SetIRQ implements chipset.InterruptSink.
func (r *Router) SetIRQ(line uint8, level bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.routes[line]
	if !ok || r.high[line] == level {
		return
	}
	r.high[line] = level

	key := routeKey{hart: rt.hart.id, bit: rt.bit}
	if level {
		r.count[key]++
	} else {
		r.count[key]--
	}
	rt.hart.SetPending(rt.bit, r.count[key] > 0)
}
