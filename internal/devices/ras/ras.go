package ras

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/rasemu/internal/chipset"
	"github.com/tinyrange/rasemu/internal/hart"
	"github.com/tinyrange/rasemu/internal/hv"
	"github.com/tinyrange/rasemu/internal/metrics"
)

// Config describes one RAS device.
type Config struct {
	Name     string
	Base     uint64
	Size     uint64
	Identity Identity
	Records  int

	// PollInterval is the scheduler tick period while an injection is armed.
	PollInterval time.Duration

	// Hart owns the high-priority RAS pending bit this device drives.
	Hart *hart.Hart

	// LowIRQ is the level-triggered low-priority line; IRQ is its number,
	// kept for topology description only.
	LowIRQ chipset.LineInterrupt
	IRQ    uint8

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Device is a RAS error bank attached to the chipset. The register file is
// guarded by mu, which the MMIO path, the injection scheduler and the agent
// all take for the length of one access or decision.
type Device struct {
	mu   sync.Mutex
	regs *RegisterFile

	name   string
	region hv.MMIORegion
	irq    uint8

	hart   *hart.Hart
	lowIRQ chipset.LineInterrupt

	sched   *Scheduler
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates a device and claims the high-priority RAS interrupt of its
// hart. Only one device may drive a given hart.
func New(cfg Config) (*Device, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("ras: device name is empty")
	}
	if cfg.Hart == nil {
		return nil, fmt.Errorf("ras: device %q has no hart", cfg.Name)
	}
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.LowIRQ == nil {
		cfg.LowIRQ = chipset.LineInterruptDetached()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	regs, err := NewRegisterFile(cfg.Identity, cfg.Records)
	if err != nil {
		return nil, fmt.Errorf("ras: device %q: %w", cfg.Name, err)
	}
	if cfg.Size < RecordOffset(cfg.Records, 0) {
		return nil, fmt.Errorf("ras: device %q region size 0x%x too small for %d records", cfg.Name, cfg.Size, cfg.Records)
	}

	if err := cfg.Hart.Claim(hart.MipRASHigh); err != nil {
		return nil, fmt.Errorf("ras: device %q: %w", cfg.Name, err)
	}

	d := &Device{
		regs:    regs,
		name:    cfg.Name,
		region:  hv.MMIORegion{Address: cfg.Base, Size: cfg.Size},
		irq:     cfg.IRQ,
		hart:    cfg.Hart,
		lowIRQ:  cfg.LowIRQ,
		log:     logger.With("device", cfg.Name),
		metrics: cfg.Metrics,
	}
	d.sched = newScheduler(d, cfg.PollInterval)
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Identity returns the bank identity.
func (d *Device) Identity() Identity { return d.regs.Identity() }

// Region returns the MMIO window.
func (d *Device) Region() hv.MMIORegion { return d.region }

// IRQ returns the low-priority line number.
func (d *Device) IRQ() uint8 { return d.irq }

// HartID returns the id of the owning hart.
func (d *Device) HartID() int { return d.hart.ID() }

// NumRecords returns the number of error records.
func (d *Device) NumRecords() int { return d.regs.NumRecords() }

// Scheduler returns the device's injection scheduler.
func (d *Device) Scheduler() *Scheduler { return d.sched }

// Run drives the injection scheduler until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	d.log.Debug("ras: scheduler started", "interval", d.sched.Interval())
	err := d.sched.Run(ctx)
	d.log.Debug("ras: scheduler stopped", "err", err)
	return err
}

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error {
	if d.hart.ID() >= vm.NumHarts() {
		return fmt.Errorf("ras: device %q bound to hart %d, machine has %d", d.name, d.hart.ID(), vm.NumHarts())
	}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (d *Device) Stop() error {
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.regs.Reset()
	d.updateInterrupts()
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{d.region},
		Handler: d,
	}
}

func (d *Device) checkAccess(attrs hv.AccessAttrs, addr uint64, data []byte) (uint64, error) {
	if attrs.Unprivileged() {
		return 0, fmt.Errorf("%w: %s access at 0x%x", ErrInvalidAccess, attrs.Privilege, addr)
	}
	if !d.region.Contains(addr, uint64(len(data))) {
		return 0, fmt.Errorf("%w: address 0x%x out of bounds", ErrInvalidAccess, addr)
	}
	return addr - d.region.Address, nil
}

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(attrs hv.AccessAttrs, addr uint64, data []byte) error {
	offset, err := d.checkAccess(attrs, addr, data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	value, err := d.regs.Read(offset, len(data))
	d.mu.Unlock()
	if err != nil {
		return err
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	copy(data, buf[:len(data)])
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(attrs hv.AccessAttrs, addr uint64, data []byte) error {
	offset, err := d.checkAccess(attrs, addr, data)
	if err != nil {
		return err
	}

	var buf [8]byte
	copy(buf[:], data)
	value := binary.LittleEndian.Uint64(buf[:])

	d.mu.Lock()
	res, err := d.regs.Write(offset, len(data), value)
	if err == nil && res.ClearRequested {
		d.updateInterrupts()
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if res.ClearRequested {
		d.log.Debug("ras: status cleared", "mask", fmt.Sprintf("0x%x", res.ClearMask))
		d.metrics.StatusCleared(d.name)
	}
	if res.InjectionRequested {
		d.log.Debug("ras: injection requested", "record", res.Record)
		d.metrics.InjectionRequested(d.name)
		d.sched.Wake()
	}
	return nil
}

// Inject programs record with an error of the given severity and wakes the
// scheduler. It fails with ErrRecordOutOfRange for a bad record index.
func (d *Device) Inject(record int, sev Severity, addr, info uint64) error {
	if sev == SeverityNone {
		return fmt.Errorf("ras: device %q: injection needs a severity", d.name)
	}

	d.mu.Lock()
	err := d.regs.Inject(record, InjectionStatus(sev), addr, info)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ras: device %q: %w", d.name, err)
	}

	d.log.Debug("ras: injection requested", "record", record, "severity", sev, "addr", fmt.Sprintf("0x%x", addr))
	d.metrics.InjectionRequested(d.name)
	d.sched.Wake()
	return nil
}

// Clear clears the records in mask exactly as a clear-status write does.
func (d *Device) Clear(mask uint64) {
	d.mu.Lock()
	d.regs.Clear(mask)
	d.updateInterrupts()
	d.mu.Unlock()
	d.metrics.StatusCleared(d.name)
}

// Record returns a consistent copy of record n.
func (d *Device) Record(n int) (ErrorRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.Record(n)
}

// PendingRecord returns the lowest-numbered record holding an unconsumed
// error. The record is read under the device lock and is never modified.
func (d *Device) PendingRecord() (int, ErrorRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs.FirstValid()
}

// tick implements injectionTarget.
func (d *Device) tick(elapsed bool) TickResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	var res TickResult
	if elapsed {
		res = d.regs.Tick()
	} else {
		res = d.regs.Poll()
	}
	if len(res.Fired) > 0 {
		d.updateInterrupts()
	}
	return res
}

// fired implements injectionTarget.
func (d *Device) fired(f Fire) {
	d.log.Info("ras: error signalled", "record", f.Record, "severity", f.Severity, "status", f.Status)
	d.metrics.InjectionFired(d.name, f.Severity.String())
}

// updateInterrupts drives the low line and the hart's high-priority bit from
// the latched levels. Callers hold d.mu.
func (d *Device) updateInterrupts() {
	low, high := d.regs.Levels()
	d.lowIRQ.SetLevel(low)
	d.hart.SetPending(hart.MipRASHigh, high)
}

var (
	_ hv.Device                 = (*Device)(nil)
	_ chipset.ChipsetDevice     = (*Device)(nil)
	_ chipset.MmioHandler       = (*Device)(nil)
	_ chipset.ChangeDeviceState = (*Device)(nil)
)
