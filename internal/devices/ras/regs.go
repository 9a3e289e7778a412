// Package ras implements a RISC-V RAS error bank: a memory-mapped register
// file of error records, the background injection scheduler that simulates
// fault timing, and the interrupt signalling for fired errors.
package ras

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAccess    = errors.New("ras: invalid register access")
	ErrRecordOutOfRange = errors.New("ras: record index out of range")
)

// Register offsets relative to the device base.
const (
	RegComponentID  = 0x00 // vendor_id[31:0] instance_id[63:32] (RO)
	RegBankInfo     = 0x08 // device_id[15:0] n_err_recs[31:16] version[63:56] (RO)
	RegValidSummary = 0x10 // bit n set while record n is valid (RO)
	RegClearStatus  = 0x18 // write 1 to bit n to clear record n (WO)

	RecordBase   = 0x40
	RecordStride = 0x40

	RecStatus  = 0x00
	RecAddress = 0x08
	RecInfo    = 0x10
	RecControl = 0x18
)

const (
	// MaxRecords is the number of record slots a bank can hold.
	MaxRecords = 16

	// DefaultSize is the size of the MMIO window of one bank.
	DefaultSize = 0x1000

	BankVersion = 1
)

// RecordOffset returns the offset of field within record n.
func RecordOffset(n int, field uint64) uint64 {
	return RecordBase + uint64(n)*RecordStride + field
}

// Status is the raw status_i register of an error record.
type Status uint64

// status_i bits
const (
	StatusV   Status = 1 << 0 // record holds a valid error
	StatusCE  Status = 1 << 1 // corrected error
	StatusDE  Status = 1 << 2 // deferred error
	StatusUE  Status = 1 << 3 // uncorrected error
	StatusMO  Status = 1 << 6 // multiple occurrences
	StatusC   Status = 1 << 7 // containable
	StatusIV  Status = 1 << 11
	StatusSIV Status = 1 << 16
	StatusTSV Status = 1 << 17

	statusPRIShift = 4
	statusTTShift  = 8
	statusATShift  = 12
	statusECShift  = 24
	statusCECShift = 32
)

// Transaction types (status.TT).
const (
	TTUnspecified = 0
	TTCustom      = 1
	TTRead        = 4
	TTWrite       = 5
	TTFetch       = 6
	TTImplicit    = 7
)

// Address types (status.AT).
const (
	ATNone      = 0
	ATSPA       = 1
	ATGPA       = 2
	ATVA        = 3
	ATCustomMin = 4
)

// NewStatus assembles a status word from its fields.
func NewStatus(flags Status, tt, at uint8) Status {
	return flags | Status(tt&0x7)<<statusTTShift | Status(at&0xf)<<statusATShift
}

func (s Status) Valid() bool { return s&StatusV != 0 }

// TT returns the transaction type.
func (s Status) TT() uint8 { return uint8(s>>statusTTShift) & 0x7 }

// AT returns the address type.
func (s Status) AT() uint8 { return uint8(s>>statusATShift) & 0xf }

// Priority returns the PRI field.
func (s Status) Priority() uint8 { return uint8(s>>statusPRIShift) & 0x3 }

// ErrorCode returns the EC field.
func (s Status) ErrorCode() uint8 { return uint8(s >> statusECShift) }

// Severity classifies the status by its error-class bits.
func (s Status) Severity() Severity {
	switch {
	case s&StatusUE != 0:
		return SeverityHigh
	case s&(StatusCE|StatusDE) != 0:
		return SeverityLow
	default:
		return SeverityNone
	}
}

func (s Status) String() string {
	return fmt.Sprintf("0x%016x(v=%t sev=%s pri=%d ec=0x%02x tt=%d at=%d)",
		uint64(s), s.Valid(), s.Severity(), s.Priority(), s.ErrorCode(), s.TT(), s.AT())
}

// Severity is the interrupt class an error is signalled with.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityHigh:
		return "high"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity parses "low" or "high".
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "high":
		return SeverityHigh, nil
	default:
		return SeverityNone, fmt.Errorf("ras: unknown severity %q", s)
	}
}

// InjectionStatus returns the status bits programmatic injection uses for sev.
func InjectionStatus(sev Severity) Status {
	switch sev {
	case SeverityHigh:
		return NewStatus(StatusUE|StatusIV, TTWrite, ATVA)
	case SeverityLow:
		return NewStatus(StatusCE|StatusIV, TTRead, ATSPA)
	default:
		return 0
	}
}

// control_i fields
const (
	controlEIDMask = 0xffff
)

// ErrorRecord is one error slot. Address and Info are meaningful only while
// the status is valid.
type ErrorRecord struct {
	Status  Status
	Address uint64
	Info    uint64
	Control uint64

	armed     bool
	countdown uint16
}

// Valid reports whether the record holds an unconsumed error.
func (r ErrorRecord) Valid() bool { return r.Status.Valid() }

// Armed reports whether an injection is in progress on the record.
func (r ErrorRecord) Armed() bool { return r.armed }

// InjectionDelay returns control.EID, the number of scheduler ticks an
// injection waits before firing.
func (r ErrorRecord) InjectionDelay() uint16 {
	return uint16(r.Control & controlEIDMask)
}

// Identity is the fixed identification of a bank.
type Identity struct {
	VendorID   uint32
	InstanceID uint32
	DeviceID   uint16
}

func (id Identity) String() string {
	return fmt.Sprintf("%04x:%04x", id.VendorID, id.InstanceID)
}
