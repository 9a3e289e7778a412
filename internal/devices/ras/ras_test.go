package ras

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/rasemu/internal/hart"
	"github.com/tinyrange/rasemu/internal/hv"
)

const testBase = 0x1002_0000

// testIRQLine captures interrupt line state changes.
type testIRQLine struct {
	mu     sync.Mutex
	level  bool
	events []bool
}

func (t *testIRQLine) SetLevel(level bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.level == level {
		return
	}
	t.level = level
	t.events = append(t.events, level)
}

func (t *testIRQLine) PulseInterrupt() {
	t.SetLevel(true)
	t.SetLevel(false)
}

func (t *testIRQLine) Level() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func (t *testIRQLine) Events() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.events...)
}

type testDevice struct {
	*Device
	hart *hart.Hart
	line *testIRQLine
}

func newTestDevice(t *testing.T, records int) *testDevice {
	t.Helper()
	h, err := hart.NewSet(1).Hart(0)
	if err != nil {
		t.Fatal(err)
	}
	line := &testIRQLine{}
	dev, err := New(Config{
		Name:         "ras0",
		Base:         testBase,
		Identity:     Identity{VendorID: 0x1af4, InstanceID: 0xabcd},
		Records:      records,
		PollInterval: time.Millisecond,
		Hart:         h,
		LowIRQ:       line,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testDevice{Device: dev, hart: h, line: line}
}

// run starts the scheduler and stops it when the test ends.
func (d *testDevice) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("scheduler did not stop")
		}
	})
}

func (d *testDevice) write64(t *testing.T, off, value uint64) {
	t.Helper()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if err := d.WriteMMIO(hv.SupervisorAccess(0), testBase+off, buf[:]); err != nil {
		t.Fatalf("write 0x%x: %v", off, err)
	}
}

func (d *testDevice) read64(t *testing.T, off uint64) uint64 {
	t.Helper()
	var buf [8]byte
	if err := d.ReadMMIO(hv.SupervisorAccess(0), testBase+off, buf[:]); err != nil {
		t.Fatalf("read 0x%x: %v", off, err)
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func TestDeviceMMIORoundTrip(t *testing.T) {
	d := newTestDevice(t, 2)

	d.write64(t, RecordOffset(1, RecAddress), 0x8000_1000)
	d.write64(t, RecordOffset(1, RecInfo), 0x55aa)
	d.write64(t, RecordOffset(1, RecStatus), uint64(StatusCE|StatusIV))

	if got := d.read64(t, RecordOffset(1, RecAddress)); got != 0x8000_1000 {
		t.Errorf("address = 0x%x", got)
	}
	if got := d.read64(t, RecordOffset(1, RecInfo)); got != 0x55aa {
		t.Errorf("info = 0x%x", got)
	}
	if got := d.read64(t, RecordOffset(1, RecStatus)); got != uint64(StatusCE|StatusIV) {
		t.Errorf("status = 0x%x", got)
	}

	var half [4]byte
	if err := d.ReadMMIO(hv.MachineAccess(0), testBase+RegComponentID+4, half[:]); err != nil {
		t.Fatalf("identity read: %v", err)
	}
	if got := binary.LittleEndian.Uint32(half[:]); got != 0xabcd {
		t.Errorf("instance id = 0x%x, want 0xabcd", got)
	}
}

func TestDeviceRejectsUserAccess(t *testing.T) {
	d := newTestDevice(t, 1)
	d.write64(t, RecordOffset(0, RecAddress), 0x1234)

	user := hv.AccessAttrs{Privilege: hv.PrivilegeUser}
	buf := make([]byte, 8)
	if err := d.ReadMMIO(user, testBase+RecordOffset(0, RecAddress), buf); !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("user read err = %v, want ErrInvalidAccess", err)
	}
	binary.LittleEndian.PutUint64(buf, 0xffff)
	if err := d.WriteMMIO(user, testBase+RecordOffset(0, RecAddress), buf); !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("user write err = %v, want ErrInvalidAccess", err)
	}
	if got := d.read64(t, RecordOffset(0, RecAddress)); got != 0x1234 {
		t.Errorf("address changed by user write: 0x%x", got)
	}

	if err := d.ReadMMIO(hv.SupervisorAccess(0), testBase+DefaultSize-4, buf); !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("straddling read err = %v, want ErrInvalidAccess", err)
	}
	if err := d.ReadMMIO(hv.SupervisorAccess(0), testBase-8, buf); !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("below-base read err = %v, want ErrInvalidAccess", err)
	}
}

func TestLowSeverityInjectionRaisesLine(t *testing.T) {
	d := newTestDevice(t, 1)
	d.run(t)

	d.write64(t, RecordOffset(0, RecAddress), 0x4000000)
	d.write64(t, RecordOffset(0, RecStatus), uint64(StatusCE))

	waitFor(t, "low line", d.line.Level)
	if d.hart.IsPending(hart.MipRASHigh) {
		t.Errorf("high-priority bit set by low-severity injection")
	}
	if got := d.read64(t, RecordOffset(0, RecStatus)); !Status(got).Valid() {
		t.Errorf("status after fire = 0x%x, want V set", got)
	}

	// Level-triggered: still asserted until firmware clears.
	time.Sleep(5 * time.Millisecond)
	if !d.line.Level() {
		t.Fatalf("low line dropped without a clear")
	}

	d.write64(t, RegClearStatus, 1)
	if d.line.Level() {
		t.Errorf("low line still asserted after clear")
	}
	if got := d.line.Events(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("line events = %v, want [true false]", got)
	}
	if rec, _ := d.Record(0); rec != (ErrorRecord{}) {
		t.Errorf("record after clear = %+v", rec)
	}
}

func TestHighSeverityInjectionSetsHartBit(t *testing.T) {
	d := newTestDevice(t, 2)
	d.run(t)

	if err := d.Inject(1, SeverityHigh, 0x4000000, 0); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	waitFor(t, "high-priority pending bit", func() bool {
		return d.hart.IsPending(hart.MipRASHigh)
	})
	if got := d.line.Events(); len(got) != 0 {
		t.Errorf("low line events = %v, want none", got)
	}

	idx, rec, ok := d.PendingRecord()
	if !ok || idx != 1 || rec.Address != 0x4000000 {
		t.Errorf("PendingRecord = %d, %+v, %v", idx, rec, ok)
	}

	d.write64(t, RegClearStatus, 1<<1)
	if d.hart.IsPending(hart.MipRASHigh) {
		t.Errorf("high-priority bit still set after clear")
	}
}

func TestInjectionDelayHonoursControl(t *testing.T) {
	d := newTestDevice(t, 1)
	d.write64(t, RecordOffset(0, RecControl), 5)
	d.run(t)

	start := d.Scheduler().Ticks()
	began := time.Now()
	if err := d.Inject(0, SeverityLow, 0x1000, 0); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	waitFor(t, "low line", d.line.Level)
	if ticks := d.Scheduler().Ticks() - start; ticks < 6 {
		t.Errorf("fired after %d ticks, want at least 6", ticks)
	}
	if elapsed := time.Since(began); elapsed < 5*time.Millisecond {
		t.Errorf("fired after %v, want at least 5 poll intervals", elapsed)
	}
}

func TestWakeBeforeRunIsNotLost(t *testing.T) {
	d := newTestDevice(t, 1)
	if err := d.Inject(0, SeverityLow, 0x2000, 0); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	d.run(t)
	waitFor(t, "low line", d.line.Level)
}

func TestSpuriousWakeIsBenign(t *testing.T) {
	d := newTestDevice(t, 1)
	d.run(t)

	d.Scheduler().Wake()
	waitFor(t, "tick", func() bool { return d.Scheduler().Ticks() >= 1 })
	waitFor(t, "idle", func() bool { return d.Scheduler().State() == StateIdle })
	if d.line.Level() || d.hart.IsPending(hart.MipRASHigh) {
		t.Errorf("spurious wake signalled an interrupt")
	}
	if _, _, ok := d.PendingRecord(); ok {
		t.Errorf("spurious wake produced a valid record")
	}
}

func TestInjectOutOfRange(t *testing.T) {
	d := newTestDevice(t, 1)
	if err := d.Inject(3, SeverityHigh, 0, 0); !errors.Is(err, ErrRecordOutOfRange) {
		t.Errorf("Inject(3) err = %v, want ErrRecordOutOfRange", err)
	}
	if err := d.Inject(0, SeverityNone, 0, 0); err == nil {
		t.Errorf("Inject with no severity succeeded")
	}
}

func TestSchedulerRejectsSecondRun(t *testing.T) {
	d := newTestDevice(t, 1)
	d.run(t)
	waitFor(t, "running", d.Scheduler().running.Load)
	if err := d.Run(context.Background()); !errors.Is(err, errSchedulerRunning) {
		t.Errorf("second Run err = %v, want errSchedulerRunning", err)
	}
}

func TestSecondDeviceOnHartFails(t *testing.T) {
	h, _ := hart.NewSet(1).Hart(0)
	if _, err := New(Config{Name: "a", Records: 1, Hart: h}); err != nil {
		t.Fatalf("first device: %v", err)
	}
	if _, err := New(Config{Name: "b", Records: 1, Hart: h}); !errors.Is(err, hart.ErrAlreadyClaimed) {
		t.Errorf("second device err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestResetClearsRecordsAndLines(t *testing.T) {
	d := newTestDevice(t, 1)
	d.run(t)
	if err := d.Inject(0, SeverityLow, 0x10, 0); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	waitFor(t, "low line", d.line.Level)

	if err := d.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if d.line.Level() {
		t.Errorf("line asserted after reset")
	}
	if _, _, ok := d.PendingRecord(); ok {
		t.Errorf("valid record after reset")
	}
}

func TestReinjectionKeepsLowLineAsserted(t *testing.T) {
	d := newTestDevice(t, 1)
	d.run(t)

	d.write64(t, RecordOffset(0, RecStatus), uint64(StatusCE))
	waitFor(t, "low line", d.line.Level)

	d.write64(t, RecordOffset(0, RecStatus), uint64(StatusUE))
	waitFor(t, "high-priority pending bit", func() bool {
		return d.hart.IsPending(hart.MipRASHigh)
	})
	if !d.line.Level() {
		t.Fatalf("low line dropped by re-injection without a clear")
	}
	if got := d.line.Events(); len(got) != 1 || !got[0] {
		t.Errorf("line events = %v, want [true]", got)
	}

	d.write64(t, RegClearStatus, 1)
	if d.line.Level() || d.hart.IsPending(hart.MipRASHigh) {
		t.Errorf("interrupts still pending after clear")
	}
}

func TestSchedulerStateTransitions(t *testing.T) {
	d := newTestDevice(t, 2)
	sched := d.Scheduler()
	if sched.LastFired() != StateIdle {
		t.Fatalf("LastFired before any fire = %s, want idle", sched.LastFired())
	}
	d.write64(t, RecordOffset(0, RecControl), 300)
	d.run(t)
	waitFor(t, "idle", func() bool { return sched.State() == StateIdle })

	if err := d.Inject(0, SeverityLow, 0x1000, 0); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	waitFor(t, "armed", func() bool { return sched.State() == StateArmed })
	if d.line.Level() {
		t.Fatalf("line asserted while the countdown runs")
	}

	waitFor(t, "low line", d.line.Level)
	waitFor(t, "idle after fire", func() bool { return sched.State() == StateIdle })
	if got := sched.LastFired(); got != StateFiredLow {
		t.Errorf("LastFired = %s, want fired-low", got)
	}

	if err := d.Inject(1, SeverityHigh, 0x2000, 0); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	waitFor(t, "high-priority pending bit", func() bool {
		return d.hart.IsPending(hart.MipRASHigh)
	})
	waitFor(t, "idle after high fire", func() bool { return sched.State() == StateIdle })
	if got := sched.LastFired(); got != StateFiredHigh {
		t.Errorf("LastFired = %s, want fired-high", got)
	}
}

func TestWakesDoNotShortenDelay(t *testing.T) {
	d := newTestDevice(t, 2)
	d.write64(t, RecordOffset(0, RecControl), 100)
	d.run(t)

	began := time.Now()
	if err := d.Inject(0, SeverityHigh, 0x1000, 0); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	for i := 0; i < 200; i++ {
		d.write64(t, RecordOffset(1, RecStatus), uint64(StatusCE))
		time.Sleep(50 * time.Microsecond)
	}
	waitFor(t, "high-priority pending bit", func() bool {
		return d.hart.IsPending(hart.MipRASHigh)
	})
	if elapsed := time.Since(began); elapsed < 100*time.Millisecond {
		t.Errorf("record 0 fired after %v, want at least 100 poll intervals", elapsed)
	}
}
