package chipset

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rasemu/internal/hv"
)

// ErrUnmapped is returned when no device claims an MMIO address.
var ErrUnmapped = errors.New("chipset: unmapped MMIO address")

// Start activates all registered devices in registration order.
func (c *Chipset) Start() error {
	for _, name := range c.order {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices in reverse registration order.
func (c *Chipset) Stop() error {
	var errs []error
	for i := len(c.order) - 1; i >= 0; i-- {
		name := c.order[i]
		if err := c.devices[name].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("chipset: stop device %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.order {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Init hands the enclosing machine to every device.
func (c *Chipset) Init(vm hv.VirtualMachine) error {
	for _, name := range c.order {
		if err := c.devices[name].Init(vm); err != nil {
			return fmt.Errorf("chipset: init device %q: %w", name, err)
		}
	}
	return nil
}

// HandleMMIO dispatches an MMIO access to the registered device. The access
// width is len(data).
func (c *Chipset) HandleMMIO(attrs hv.AccessAttrs, addr uint64, data []byte, isWrite bool) error {
	size := uint64(len(data))
	if addr+size < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		if binding.region.Contains(addr, size) {
			if isWrite {
				return binding.handler.WriteMMIO(attrs, addr, data)
			}
			return binding.handler.ReadMMIO(attrs, addr, data)
		}
	}

	return fmt.Errorf("%w 0x%016x", ErrUnmapped, addr)
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// DeviceNames returns the registered device names in registration order.
func (c *Chipset) DeviceNames() []string {
	return append([]string(nil), c.order...)
}
