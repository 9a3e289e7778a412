package ras

import (
	"fmt"
)

// RegisterFile is the register bank of one RAS device. It performs no locking
// of its own; the owning Device serializes every call.
//
// A fired record latches its interrupt level. Only clear-status (or a reset)
// drops the latch, so rewriting the status of a fired record never lowers an
// asserted line.
type RegisterFile struct {
	id      Identity
	n       int
	records [MaxRecords]ErrorRecord

	lowLatch  uint64
	highLatch uint64
}

// WriteResult reports the side effects a register write requested.
type WriteResult struct {
	// InjectionRequested is set by a write to a record's status register.
	InjectionRequested bool
	Record             int

	// ClearRequested is set by a write to the clear-status register.
	ClearRequested bool
	ClearMask      uint64
}

// Fire describes one record whose injection completed on a tick.
type Fire struct {
	Record   int
	Severity Severity
	Status   Status
}

// TickResult is the decision of one scheduler tick or poll.
type TickResult struct {
	Fired []Fire

	// Waiting is set while at least one record is still counting down.
	Waiting bool
}

// NewRegisterFile returns a zeroed register file with n records.
func NewRegisterFile(id Identity, n int) (*RegisterFile, error) {
	if n < 1 || n > MaxRecords {
		return nil, fmt.Errorf("%w: %d records requested, max %d", ErrRecordOutOfRange, n, MaxRecords)
	}
	return &RegisterFile{id: id, n: n}, nil
}

// Identity returns the bank identity.
func (rf *RegisterFile) Identity() Identity { return rf.id }

// NumRecords returns the number of implemented records.
func (rf *RegisterFile) NumRecords() int { return rf.n }

type field int

const (
	fieldInvalid field = iota
	fieldComponentID
	fieldBankInfo
	fieldValidSummary
	fieldClearStatus
	fieldStatus
	fieldAddress
	fieldInfo
	fieldControl
)

// decode maps an access to the field it addresses, the record index for
// record fields and the byte shift of the access within the field.
func (rf *RegisterFile) decode(offset uint64, size int) (f field, rec int, shift uint, err error) {
	if size < 1 || size > 8 {
		return fieldInvalid, 0, 0, fmt.Errorf("%w: width %d at 0x%x", ErrInvalidAccess, size, offset)
	}

	invalid := func() (field, int, uint, error) {
		return fieldInvalid, 0, 0, fmt.Errorf("%w: width %d at 0x%x", ErrInvalidAccess, size, offset)
	}

	switch {
	case offset < RegBankInfo:
		// Identity may be read whole or as either 32-bit half.
		switch {
		case offset == RegComponentID && size == 8:
			return fieldComponentID, 0, 0, nil
		case size == 4 && (offset == RegComponentID || offset == RegComponentID+4):
			return fieldComponentID, 0, uint(offset-RegComponentID) * 8, nil
		}
		return invalid()

	case offset == RegBankInfo && size == 8:
		return fieldBankInfo, 0, 0, nil

	case offset == RegValidSummary && size == 8:
		return fieldValidSummary, 0, 0, nil

	case offset >= RegClearStatus && offset < RegClearStatus+8:
		lane := offset - RegClearStatus
		if (size != 1 && size != 2 && size != 4 && size != 8) || lane%uint64(size) != 0 {
			return invalid()
		}
		return fieldClearStatus, 0, uint(lane) * 8, nil

	case offset >= RecordBase:
		rel := offset - RecordBase
		idx := rel / RecordStride
		if idx >= uint64(rf.n) || size != 8 {
			return invalid()
		}
		switch rel % RecordStride {
		case RecStatus:
			return fieldStatus, int(idx), 0, nil
		case RecAddress:
			return fieldAddress, int(idx), 0, nil
		case RecInfo:
			return fieldInfo, int(idx), 0, nil
		case RecControl:
			return fieldControl, int(idx), 0, nil
		}
	}

	return invalid()
}

// Read returns size bytes at offset, zero-extended.
func (rf *RegisterFile) Read(offset uint64, size int) (uint64, error) {
	f, rec, shift, err := rf.decode(offset, size)
	if err != nil {
		return 0, err
	}

	var value uint64
	switch f {
	case fieldComponentID:
		value = uint64(rf.id.VendorID) | uint64(rf.id.InstanceID)<<32
	case fieldBankInfo:
		value = uint64(rf.id.DeviceID) | uint64(rf.n)<<16 | uint64(BankVersion)<<56
	case fieldValidSummary:
		value = rf.validSummary()
	case fieldClearStatus:
		value = 0
	case fieldStatus:
		value = uint64(rf.records[rec].Status)
	case fieldAddress:
		value = rf.records[rec].Address
	case fieldInfo:
		value = rf.records[rec].Info
	case fieldControl:
		value = rf.records[rec].Control
	}

	return truncate(value>>shift, size), nil
}

// Write applies value to the field at offset. A rejected write leaves every
// record unchanged.
func (rf *RegisterFile) Write(offset uint64, size int, value uint64) (WriteResult, error) {
	f, rec, shift, err := rf.decode(offset, size)
	if err != nil {
		return WriteResult{}, err
	}
	value = truncate(value, size)

	switch f {
	case fieldStatus:
		// V is owned by the injection path; every other bit is stored as written.
		r := &rf.records[rec]
		r.Status = Status(value) &^ StatusV
		rf.arm(rec)
		return WriteResult{InjectionRequested: true, Record: rec}, nil
	case fieldAddress:
		rf.records[rec].Address = value
	case fieldInfo:
		rf.records[rec].Info = value
	case fieldControl:
		rf.records[rec].Control = value
	case fieldClearStatus:
		mask := (value << shift) & rf.recordMask()
		rf.Clear(mask)
		return WriteResult{ClearRequested: true, ClearMask: mask}, nil
	default:
		return WriteResult{}, fmt.Errorf("%w: write to read-only register 0x%x", ErrInvalidAccess, offset)
	}
	return WriteResult{}, nil
}

// Record returns a copy of record n.
func (rf *RegisterFile) Record(n int) (ErrorRecord, error) {
	if n < 0 || n >= rf.n {
		return ErrorRecord{}, fmt.Errorf("%w: %d (have %d)", ErrRecordOutOfRange, n, rf.n)
	}
	return rf.records[n], nil
}

// Inject programs record n with status, address and info and arms it.
func (rf *RegisterFile) Inject(n int, status Status, addr, info uint64) error {
	if n < 0 || n >= rf.n {
		return fmt.Errorf("%w: %d (have %d)", ErrRecordOutOfRange, n, rf.n)
	}
	r := &rf.records[n]
	r.Status = status &^ StatusV
	r.Address = addr
	r.Info = info
	rf.arm(n)
	return nil
}

func (rf *RegisterFile) arm(n int) {
	r := &rf.records[n]
	r.armed = true
	r.countdown = r.InjectionDelay()
}

// Clear resets every record selected by mask to the no-error state and drops
// their interrupt latches.
func (rf *RegisterFile) Clear(mask uint64) {
	mask &= rf.recordMask()
	rf.lowLatch &^= mask
	rf.highLatch &^= mask
	for i := 0; i < rf.n; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		r := &rf.records[i]
		r.Status = 0
		r.Address = 0
		r.Info = 0
		r.armed = false
		r.countdown = 0
	}
}

// Reset clears every record, including control registers.
func (rf *RegisterFile) Reset() {
	for i := range rf.records {
		rf.records[i] = ErrorRecord{}
	}
	rf.lowLatch = 0
	rf.highLatch = 0
}

// Tick advances every armed record by one elapsed poll interval. A record
// fires on the tick that brings its countdown to zero.
func (rf *RegisterFile) Tick() TickResult {
	return rf.step(true)
}

// Poll fires armed records whose countdown has already run out without
// consuming time from the others. The scheduler polls when it is woken
// between ticks.
func (rf *RegisterFile) Poll() TickResult {
	return rf.step(false)
}

func (rf *RegisterFile) step(elapsed bool) TickResult {
	var res TickResult
	for i := 0; i < rf.n; i++ {
		r := &rf.records[i]
		if !r.armed {
			continue
		}
		if elapsed && r.countdown > 0 {
			r.countdown--
		}
		if r.countdown > 0 {
			res.Waiting = true
			continue
		}
		r.armed = false

		sev := r.Status.Severity()
		if sev == SeverityNone {
			continue
		}
		r.Status |= StatusV
		switch sev {
		case SeverityLow:
			rf.lowLatch |= 1 << i
		case SeverityHigh:
			rf.highLatch |= 1 << i
		}
		res.Fired = append(res.Fired, Fire{Record: i, Severity: sev, Status: r.Status})
	}
	return res
}

// Levels returns the interrupt outputs: a level stays up while any record
// that fired with that severity has not been cleared.
func (rf *RegisterFile) Levels() (low, high bool) {
	return rf.lowLatch != 0, rf.highLatch != 0
}

// FirstValid returns the lowest-numbered valid record.
func (rf *RegisterFile) FirstValid() (int, ErrorRecord, bool) {
	for i := 0; i < rf.n; i++ {
		if rf.records[i].Valid() {
			return i, rf.records[i], true
		}
	}
	return -1, ErrorRecord{}, false
}

func (rf *RegisterFile) validSummary() uint64 {
	var v uint64
	for i := 0; i < rf.n; i++ {
		if rf.records[i].Valid() {
			v |= 1 << i
		}
	}
	return v
}

func (rf *RegisterFile) recordMask() uint64 {
	return (uint64(1) << rf.n) - 1
}

func truncate(v uint64, size int) uint64 {
	if size >= 8 {
		return v
	}
	return v & (uint64(1)<<(uint(size)*8) - 1)
}
