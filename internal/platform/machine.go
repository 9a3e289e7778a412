// Package platform assembles an emulated RAS platform from a configuration.
// Every Machine owns its own harts, devices, registry and agent, so several
// machines can live in one process.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/rasemu/internal/chipset"
	"github.com/tinyrange/rasemu/internal/config"
	"github.com/tinyrange/rasemu/internal/devices/ras"
	"github.com/tinyrange/rasemu/internal/hart"
	"github.com/tinyrange/rasemu/internal/hv"
	"github.com/tinyrange/rasemu/internal/metrics"
	"github.com/tinyrange/rasemu/internal/ras/agent"
	"github.com/tinyrange/rasemu/internal/ras/cper"
	"github.com/tinyrange/rasemu/internal/ras/registry"
	"github.com/tinyrange/rasemu/internal/ras/topology"
)

var ErrNoSuchDevice = errors.New("platform: no such device")

// Options carries the collaborators a Machine does not build itself.
type Options struct {
	Logger *slog.Logger

	// Registerer receives the machine's metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer

	// Reporter replaces the in-memory CPER log as the reporting sink.
	Reporter agent.Reporter
}

// Machine is one emulated platform.
type Machine struct {
	cfg config.Config
	log *slog.Logger

	harts   *hart.Set
	router  *hart.Router
	lines   *chipset.LineSet
	chipset *chipset.Chipset

	devices []*ras.Device

	registry *registry.Registry
	agent    *agent.Agent
	sink     *cper.Log
	metrics  *metrics.Metrics
}

// New builds and starts the devices described by cfg. cfg is normalized
// first; validation failures are returned unchanged.
func New(cfg config.Config, opts Options) (*Machine, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	met, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("platform: register metrics: %w", err)
	}

	m := &Machine{
		cfg:      cfg,
		log:      logger,
		harts:    hart.NewSet(cfg.Harts),
		router:   hart.NewRouter(),
		registry: registry.New(registry.Vector(cfg.VectorBase)),
		sink:     cper.NewLog(cfg.LogCapacity, logger),
		metrics:  met,
	}
	m.lines = chipset.NewLineSet(m.router)

	var reporter agent.Reporter = m.sink
	if opts.Reporter != nil {
		reporter = opts.Reporter
	}
	m.agent = agent.New(m.registry, reporter, agent.WithLogger(logger), agent.WithMetrics(met))

	builder := chipset.NewBuilder()
	for _, dc := range cfg.Devices {
		dev, err := m.newDevice(dc)
		if err != nil {
			return nil, err
		}
		if err := builder.RegisterDevice(dc.Name, dev); err != nil {
			return nil, fmt.Errorf("platform: %w", err)
		}
		if _, err := m.registry.Register(registry.ComponentIDOf(dev.Identity()), dev); err != nil {
			return nil, fmt.Errorf("platform: device %q: %w", dc.Name, err)
		}
		m.devices = append(m.devices, dev)
	}
	m.registry.Seal()

	cs, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	m.chipset = cs

	if err := cs.Init(m); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	if err := cs.Start(); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}

	logger.Info("platform: machine ready", "harts", cfg.Harts, "devices", cs.DeviceNames())
	return m, nil
}

func (m *Machine) newDevice(dc config.Device) (*ras.Device, error) {
	h, err := m.harts.Hart(dc.Hart)
	if err != nil {
		return nil, fmt.Errorf("platform: device %q: %w", dc.Name, err)
	}
	if err := m.router.Route(dc.IRQ, h, hart.MipRASLow); err != nil {
		return nil, fmt.Errorf("platform: device %q: %w", dc.Name, err)
	}
	dev, err := ras.New(ras.Config{
		Name:         dc.Name,
		Base:         dc.Base,
		Size:         dc.Size,
		Identity:     dc.Identity(),
		Records:      dc.Records,
		PollInterval: m.cfg.PollInterval,
		Hart:         h,
		LowIRQ:       m.lines.AllocateLine(dc.IRQ),
		IRQ:          dc.IRQ,
		Logger:       m.log,
		Metrics:      m.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	return dev, nil
}

// NumHarts implements hv.VirtualMachine.
func (m *Machine) NumHarts() int { return m.harts.Len() }

// Config returns the normalized configuration.
func (m *Machine) Config() config.Config { return m.cfg }

// Run drives every device scheduler until ctx is done, then stops the
// chipset. Cancellation is not reported as an error.
func (m *Machine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, dev := range m.devices {
		g.Go(func() error {
			return dev.Run(gctx)
		})
	}
	err := g.Wait()
	if stopErr := m.chipset.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return nil
		}
	}
	return err
}

// HandleMMIO dispatches a guest bus access.
func (m *Machine) HandleMMIO(attrs hv.AccessAttrs, addr uint64, data []byte, isWrite bool) error {
	return m.chipset.HandleMMIO(attrs, addr, data, isWrite)
}

// Reset returns every device to its power-on state.
func (m *Machine) Reset() error {
	return m.chipset.Reset()
}

// Device returns the named device.
func (m *Machine) Device(name string) (*ras.Device, error) {
	cd, ok := m.chipset.Device(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchDevice, name)
	}
	dev, ok := cd.(*ras.Device)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a RAS bank", ErrNoSuchDevice, name)
	}
	return dev, nil
}

// Devices returns the devices in configuration order.
func (m *Machine) Devices() []*ras.Device {
	return append([]*ras.Device(nil), m.devices...)
}

// Hart returns the hart with the given id.
func (m *Machine) Hart(id int) (*hart.Hart, error) {
	return m.harts.Hart(id)
}

// Inject requests an error on a device record.
func (m *Machine) Inject(device string, record int, sev ras.Severity, addr, info uint64) error {
	dev, err := m.Device(device)
	if err != nil {
		return err
	}
	return dev.Inject(record, sev, addr, info)
}

// Clear clears the records in mask on a device.
func (m *Machine) Clear(device string, mask uint64) error {
	dev, err := m.Device(device)
	if err != nil {
		return err
	}
	dev.Clear(mask)
	return nil
}

// SynchronizeErrors runs the agent's synchronize-errors call for hart.
func (m *Machine) SynchronizeErrors(hartID int) (agent.SyncResponse, error) {
	return m.agent.SynchronizeErrors(hartID)
}

// Agent returns the machine's agent.
func (m *Machine) Agent() *agent.Agent { return m.agent }

// Registry returns the sealed component registry.
func (m *Machine) Registry() *registry.Registry { return m.registry }

// Log returns the built-in reporting sink.
func (m *Machine) Log() *cper.Log { return m.sink }

// DeviceTree returns the FDT blob describing the RAS sources.
func (m *Machine) DeviceTree() ([]byte, error) {
	return topology.Blob(m.registry, topology.Options{})
}

var _ hv.VirtualMachine = (*Machine)(nil)
