// Package cper encodes RAS errors as ACPI Generic Error Status Blocks
// carrying a CPER platform memory error section.
package cper

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Block status bits.
const (
	BlockUncorrectable         uint32 = 1 << 0
	BlockCorrectable           uint32 = 1 << 1
	BlockMultipleUncorrectable uint32 = 1 << 2
	BlockMultipleCorrectable   uint32 = 1 << 3
	blockEntryCountShift              = 4
)

// Severity is a CPER error severity.
type Severity uint32

const (
	SeverityRecoverable Severity = 0
	SeverityFatal       Severity = 1
	SeverityCorrected   Severity = 2
	SeverityNone        Severity = 3
)

func (s Severity) String() string {
	switch s {
	case SeverityRecoverable:
		return "recoverable"
	case SeverityFatal:
		return "fatal"
	case SeverityCorrected:
		return "corrected"
	case SeverityNone:
		return "none"
	default:
		return fmt.Sprintf("severity(%d)", uint32(s))
	}
}

// Memory error section validation bits.
const (
	MemValidErrorStatus  uint64 = 1 << 0
	MemValidPhysAddr     uint64 = 1 << 1
	MemValidPhysAddrMask uint64 = 1 << 2
)

// Sizes of the encoded structures.
const (
	StatusBlockSize   = 20
	DataEntrySize     = 72
	MemorySectionSize = 80
)

const dataEntryRevision = 0x0300

// Data entry validation bits.
const (
	entryValidFRUID     = 1 << 0
	entryValidTimestamp = 1 << 2
)

// PlatformMemorySection is the section type GUID of a platform memory error.
var PlatformMemorySection = uuid.MustParse("a5bc1114-6f64-4ede-b863-3e83ed7c83b1")

// MemoryError is one platform memory error.
type MemoryError struct {
	Severity    Severity
	ErrorStatus uint64
	PhysAddr    uint64
	FRU         uuid.UUID
	Timestamp   time.Time
}

// Encode returns the error as a Generic Error Status Block with a single
// Generic Error Data Entry.
func (e MemoryError) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(StatusBlockSize + DataEntrySize + MemorySectionSize)

	block := make([]byte, StatusBlockSize)
	status := uint32(1) << blockEntryCountShift
	if e.Severity == SeverityCorrected {
		status |= BlockCorrectable
	} else {
		status |= BlockUncorrectable
	}
	binary.LittleEndian.PutUint32(block[0:], status)
	// Raw data offset and length stay zero.
	binary.LittleEndian.PutUint32(block[12:], DataEntrySize+MemorySectionSize)
	binary.LittleEndian.PutUint32(block[16:], uint32(e.Severity))
	buf.Write(block)

	entry := make([]byte, DataEntrySize)
	putGUID(entry[0:16], PlatformMemorySection)
	binary.LittleEndian.PutUint32(entry[16:], uint32(e.Severity))
	binary.LittleEndian.PutUint16(entry[20:], dataEntryRevision)
	var valid uint8
	if e.FRU != uuid.Nil {
		valid |= entryValidFRUID
		putGUID(entry[28:44], e.FRU)
	}
	if !e.Timestamp.IsZero() {
		valid |= entryValidTimestamp
		binary.LittleEndian.PutUint64(entry[64:], encodeTimestamp(e.Timestamp))
	}
	entry[22] = valid
	binary.LittleEndian.PutUint32(entry[24:], MemorySectionSize)
	buf.Write(entry)

	section := make([]byte, MemorySectionSize)
	binary.LittleEndian.PutUint64(section[0:], MemValidErrorStatus|MemValidPhysAddr)
	binary.LittleEndian.PutUint64(section[8:], e.ErrorStatus)
	binary.LittleEndian.PutUint64(section[16:], e.PhysAddr)
	buf.Write(section)

	return buf.Bytes()
}

// Decode parses a block produced by Encode.
func Decode(b []byte) (MemoryError, error) {
	if len(b) < StatusBlockSize+DataEntrySize+MemorySectionSize {
		return MemoryError{}, fmt.Errorf("cper: block is %d bytes", len(b))
	}
	block, entry, section := b[:StatusBlockSize], b[StatusBlockSize:StatusBlockSize+DataEntrySize], b[StatusBlockSize+DataEntrySize:]

	if n := binary.LittleEndian.Uint32(block[0:]) >> blockEntryCountShift & 0x3ff; n != 1 {
		return MemoryError{}, fmt.Errorf("cper: %d data entries, want 1", n)
	}
	if got := getGUID(entry[0:16]); got != PlatformMemorySection {
		return MemoryError{}, fmt.Errorf("cper: unexpected section type %s", got)
	}
	if binary.LittleEndian.Uint64(section[0:])&MemValidPhysAddr == 0 {
		return MemoryError{}, fmt.Errorf("cper: physical address not valid")
	}

	e := MemoryError{
		Severity:    Severity(binary.LittleEndian.Uint32(block[16:])),
		ErrorStatus: binary.LittleEndian.Uint64(section[8:]),
		PhysAddr:    binary.LittleEndian.Uint64(section[16:]),
	}
	if entry[22]&entryValidFRUID != 0 {
		e.FRU = getGUID(entry[28:44])
	}
	if entry[22]&entryValidTimestamp != 0 {
		e.Timestamp = decodeTimestamp(binary.LittleEndian.Uint64(entry[64:]))
	}
	return e, nil
}

// putGUID writes u in EFI byte order: the first three fields little-endian.
func putGUID(dst []byte, u uuid.UUID) {
	copy(dst, u[:])
	dst[0], dst[1], dst[2], dst[3] = u[3], u[2], u[1], u[0]
	dst[4], dst[5] = u[5], u[4]
	dst[6], dst[7] = u[7], u[6]
}

func getGUID(src []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], src)
	u[0], u[1], u[2], u[3] = src[3], src[2], src[1], src[0]
	u[4], u[5] = src[5], src[4]
	u[6], u[7] = src[7], src[6]
	return u
}

func bcd(v int) uint64 {
	return uint64((v/10)<<4 | v%10)
}

func unbcd(b uint64) int {
	return int(b>>4&0xf)*10 + int(b&0xf)
}

// encodeTimestamp packs t as a CPER BCD timestamp:
// seconds, minutes, hours, flags, day, month, year, century.
func encodeTimestamp(t time.Time) uint64 {
	t = t.UTC()
	return bcd(t.Second()) |
		bcd(t.Minute())<<8 |
		bcd(t.Hour())<<16 |
		bcd(t.Day())<<32 |
		bcd(int(t.Month()))<<40 |
		bcd(t.Year()%100)<<48 |
		bcd(t.Year()/100)<<56
}

func decodeTimestamp(v uint64) time.Time {
	year := unbcd(v>>56&0xff)*100 + unbcd(v>>48&0xff)
	return time.Date(year, time.Month(unbcd(v>>40&0xff)), unbcd(v>>32&0xff),
		unbcd(v>>16&0xff), unbcd(v>>8&0xff), unbcd(v&0xff), 0, time.UTC)
}
