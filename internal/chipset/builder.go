package chipset

import (
	"fmt"

	"github.com/tinyrange/rasemu/internal/hv"
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type mmioBinding struct {
	name    string
	region  hv.MMIORegion
	handler MmioHandler
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices map[string]ChipsetDevice
	order   []string
	mmio    []mmioBinding
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]ChipsetDevice),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.withMmioRegion(name, region, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	b.devices[name] = dev
	b.order = append(b.order, name)
	return nil
}

func (b *ChipsetBuilder) withMmioRegion(name string, region hv.MMIORegion, handler MmioHandler) error {
	if region.Size == 0 {
		return fmt.Errorf("MMIO region at 0x%x has zero size", region.Address)
	}
	if region.Address+region.Size < region.Address {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows", region.Address, region.Size)
	}
	for _, existing := range b.mmio {
		if region.Overlaps(existing.region) {
			return fmt.Errorf("MMIO region %s overlaps %s owned by %q",
				region, existing.region, existing.name)
		}
	}

	b.mmio = append(b.mmio, mmioBinding{
		name:    name,
		region:  region,
		handler: handler,
	})
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)

	return &Chipset{
		devices: devices,
		order:   append([]string(nil), b.order...),
		mmio:    mmio,
	}, nil
}

// Chipset represents the built dispatch tables for chipset devices. It is
// immutable once built and safe for concurrent dispatch.
type Chipset struct {
	devices map[string]ChipsetDevice
	order   []string
	mmio    []mmioBinding
}
