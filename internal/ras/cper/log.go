package cper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyrange/rasemu/internal/devices/ras"
	"github.com/tinyrange/rasemu/internal/ras/registry"
)

// DefaultCapacity is the number of entries a Log keeps when none is given.
const DefaultCapacity = 256

var (
	ErrInjectedFailure = errors.New("cper: injected sink failure")
	ErrNoSuchEntry     = errors.New("cper: no such log entry")
)

// fruNamespace scopes the FRU ids derived from component ids.
var fruNamespace = uuid.MustParse("6d3f2c1a-9e0b-4c57-8a4e-72b1f0d5c3e9")

// Entry is one reported error.
type Entry struct {
	Seq       uint64
	Component registry.ComponentID
	Address   uint64
	Severity  Severity

	// ErrorStatus is the CPER error status word; zero when the record was
	// reported by address only.
	ErrorStatus uint64
	Time        time.Time
}

// MemoryError returns the entry as a CPER memory error.
func (e Entry) MemoryError() MemoryError {
	return MemoryError{
		Severity:    e.Severity,
		ErrorStatus: e.ErrorStatus,
		PhysAddr:    e.Address,
		FRU:         FRUID(e.Component),
		Timestamp:   e.Time,
	}
}

// Block returns the entry encoded as a Generic Error Status Block.
func (e Entry) Block() []byte {
	return e.MemoryError().Encode()
}

// SeverityOf maps the severity of a RAS status word to a CPER severity.
// Containable uncorrected errors are recoverable, the rest are fatal.
func SeverityOf(s ras.Status) Severity {
	switch s.Severity() {
	case ras.SeverityHigh:
		if s&ras.StatusC != 0 {
			return SeverityRecoverable
		}
		return SeverityFatal
	case ras.SeverityLow:
		return SeverityCorrected
	default:
		return SeverityNone
	}
}

// ErrorStatusOf returns the CPER error status word for a RAS status: the
// error code lands in the error type field (bits 15:8).
func ErrorStatusOf(s ras.Status) uint64 {
	return uint64(s.ErrorCode()) << 8
}

// FRUID returns the stable FRU id used for a component.
func FRUID(id registry.ComponentID) uuid.UUID {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:], id.VendorID)
	binary.LittleEndian.PutUint32(b[4:], id.InstanceID)
	return uuid.NewSHA1(fruNamespace, b[:])
}

// Log is an in-memory reporting sink. It keeps the most recent entries in a
// fixed ring; nothing survives the process.
type Log struct {
	mu      sync.Mutex
	ring    []Entry
	start   int
	n       int
	seq     uint64
	dropped uint64

	failNext int
	failErr  error

	now func() time.Time
	log *slog.Logger
}

// NewLog returns a log holding up to capacity entries.
func NewLog(capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		ring: make([]Entry, capacity),
		now:  time.Now,
		log:  logger.With("component", "cper"),
	}
}

// ReportError records an error against a component. Without a status the
// entry is recorded as recoverable.
func (l *Log) ReportError(id registry.ComponentID, addr uint64) error {
	return l.report(id, addr, SeverityRecoverable, 0)
}

// ReportRecord records an error together with the status of the record that
// held it.
func (l *Log) ReportRecord(id registry.ComponentID, rec ras.ErrorRecord) error {
	return l.report(id, rec.Address, SeverityOf(rec.Status), ErrorStatusOf(rec.Status))
}

func (l *Log) report(id registry.ComponentID, addr uint64, sev Severity, errStatus uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failNext > 0 {
		l.failNext--
		err := l.failErr
		if err == nil {
			err = ErrInjectedFailure
		}
		return err
	}

	l.seq++
	e := Entry{
		Seq:         l.seq,
		Component:   id,
		Address:     addr,
		Severity:    sev,
		ErrorStatus: errStatus,
		Time:        l.now(),
	}
	if l.n == len(l.ring) {
		l.ring[l.start] = e
		l.start = (l.start + 1) % len(l.ring)
		l.dropped++
	} else {
		l.ring[(l.start+l.n)%len(l.ring)] = e
		l.n++
	}

	l.log.Info("ras: error recorded", "seq", e.Seq, "source", id, "severity", sev, "addr", fmt.Sprintf("0x%x", addr))
	return nil
}

// FailNext makes the next n reports fail with err, or with
// ErrInjectedFailure when err is nil.
func (l *Log) FailNext(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
	l.failErr = err
}

// Entries returns the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, l.n)
	for i := range out {
		out[i] = l.ring[(l.start+i)%len(l.ring)]
	}
	return out
}

// Entry returns the retained entry with sequence number seq.
func (l *Log) Entry(seq uint64) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < l.n; i++ {
		e := l.ring[(l.start+i)%len(l.ring)]
		if e.Seq == seq {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %d", ErrNoSuchEntry, seq)
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Dropped returns how many entries were overwritten.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
