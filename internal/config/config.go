// Package config loads the YAML description of an emulated RAS platform.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rasemu/internal/devices/ras"
	"github.com/tinyrange/rasemu/internal/hv"
	"github.com/tinyrange/rasemu/internal/ras/registry"
)

const (
	DefaultPollInterval = ras.DefaultPollInterval
	DefaultVectorBase   = uint32(registry.DefaultVectorBase)
	DefaultLogCapacity  = 256
	DefaultBase         = 0x1002_0000
	DefaultIRQBase      = 9
	DefaultVendorID     = 0x1af4
	DefaultInstanceID   = 0xabcd
)

var ErrInvalid = errors.New("config: invalid")

// Config describes one machine.
type Config struct {
	Version      int           `yaml:"version"`
	Harts        int           `yaml:"harts"`
	VectorBase   uint32        `yaml:"vectorBase,omitempty"`
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`
	LogCapacity  int           `yaml:"logCapacity,omitempty"`
	Devices      []Device      `yaml:"devices"`
}

// Device describes one RAS error bank.
type Device struct {
	Name       string `yaml:"name"`
	Base       uint64 `yaml:"base,omitempty"`
	Size       uint64 `yaml:"size,omitempty"`
	VendorID   uint32 `yaml:"vendorID"`
	InstanceID uint32 `yaml:"instanceID"`
	DeviceID   uint16 `yaml:"deviceID,omitempty"`
	Records    int    `yaml:"records,omitempty"`
	Hart       int    `yaml:"hart"`

	// IRQ is the low-priority line number. Zero selects DefaultIRQBase plus
	// the device index.
	IRQ uint8 `yaml:"irq,omitempty"`
}

// Region returns the device's MMIO window.
func (d Device) Region() hv.MMIORegion {
	return hv.MMIORegion{Address: d.Base, Size: d.Size}
}

// Identity returns the bank identity.
func (d Device) Identity() ras.Identity {
	return ras.Identity{VendorID: d.VendorID, InstanceID: d.InstanceID, DeviceID: d.DeviceID}
}

// Default returns a single-hart machine with one bank.
func Default() Config {
	cfg := Config{
		Devices: []Device{{
			Name:       "ras0",
			VendorID:   DefaultVendorID,
			InstanceID: DefaultInstanceID,
			Records:    4,
		}},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Harts == 0 {
		c.Harts = 1
	}
	if c.VectorBase == 0 {
		c.VectorBase = DefaultVectorBase
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LogCapacity == 0 {
		c.LogCapacity = DefaultLogCapacity
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("ras%d", i)
		}
		if d.Size == 0 {
			d.Size = ras.DefaultSize
		}
		if d.Base == 0 {
			d.Base = DefaultBase + uint64(i)*ras.DefaultSize
		}
		if d.Records == 0 {
			d.Records = 1
		}
		if d.IRQ == 0 {
			d.IRQ = uint8(DefaultIRQBase + i)
		}
	}
}

// Validate reports every problem with c. It does not modify c.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Version != 1 {
		fail("unsupported version %d", c.Version)
	}
	if c.Harts < 1 {
		fail("harts must be at least 1, got %d", c.Harts)
	}
	if c.PollInterval < 0 {
		fail("negative poll interval %s", c.PollInterval)
	}
	if len(c.Devices) == 0 {
		fail("no devices")
	}

	names := make(map[string]int)
	ids := make(map[registry.ComponentID]string)
	harts := make(map[int]string)
	irqs := make(map[uint8]string)
	for i, d := range c.Devices {
		if prev, ok := names[d.Name]; ok {
			fail("device %d reuses name %q of device %d", i, d.Name, prev)
		}
		names[d.Name] = i

		id := registry.ComponentIDOf(d.Identity())
		if prev, ok := ids[id]; ok {
			fail("device %q reuses component id %s of %q", d.Name, id, prev)
		}
		ids[id] = d.Name

		if d.Records < 1 || d.Records > ras.MaxRecords {
			fail("device %q records %d not in 1..%d", d.Name, d.Records, ras.MaxRecords)
		} else if d.Size < ras.RecordOffset(d.Records, 0) {
			fail("device %q size 0x%x too small for %d records", d.Name, d.Size, d.Records)
		}

		if d.Hart < 0 || d.Hart >= c.Harts {
			fail("device %q hart %d out of range (harts: %d)", d.Name, d.Hart, c.Harts)
		} else if prev, ok := harts[d.Hart]; ok {
			fail("device %q shares hart %d with %q", d.Name, d.Hart, prev)
		}
		harts[d.Hart] = d.Name

		if prev, ok := irqs[d.IRQ]; ok {
			fail("device %q shares irq %d with %q", d.Name, d.IRQ, prev)
		}
		irqs[d.IRQ] = d.Name

		for _, other := range c.Devices[:i] {
			if d.Region().Overlaps(other.Region()) {
				fail("device %q region %s overlaps %q region %s", d.Name, d.Region(), other.Name, other.Region())
			}
		}
	}
	return errors.Join(errs...)
}

// Parse decodes, normalizes and validates a YAML document. Unknown fields
// are rejected.
func Parse(r io.Reader) (Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return enc.Close()
}
