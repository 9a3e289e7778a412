package ras

import (
	"errors"
	"strings"
	"testing"
)

func newTestRegisterFile(t *testing.T, n int) *RegisterFile {
	t.Helper()
	rf, err := NewRegisterFile(Identity{VendorID: 0x1af4, InstanceID: 0xabcd, DeviceID: 0x0042}, n)
	if err != nil {
		t.Fatalf("NewRegisterFile: %v", err)
	}
	return rf
}

func TestRegisterFileRoundTrip(t *testing.T) {
	rf := newTestRegisterFile(t, 4)

	for rec := 0; rec < 4; rec++ {
		for _, tc := range []struct {
			name  string
			field uint64
			value uint64
		}{
			{"status", RecStatus, 0x0000_00ff_1234_5ffe},
			{"address", RecAddress, 0x4000000 + uint64(rec)},
			{"info", RecInfo, 0xdead_beef_0000_0000 | uint64(rec)},
			{"control", RecControl, 0x0000_0000_0000_0100},
		} {
			off := RecordOffset(rec, tc.field)
			if _, err := rf.Write(off, 8, tc.value); err != nil {
				t.Fatalf("record %d %s: write: %v", rec, tc.name, err)
			}
			got, err := rf.Read(off, 8)
			if err != nil {
				t.Fatalf("record %d %s: read: %v", rec, tc.name, err)
			}
			if got != tc.value {
				t.Errorf("record %d %s: read 0x%x, want 0x%x", rec, tc.name, got, tc.value)
			}
		}
	}
}

func TestRegisterFileIdentity(t *testing.T) {
	rf := newTestRegisterFile(t, 2)

	tests := []struct {
		offset uint64
		size   int
		want   uint64
	}{
		{RegComponentID, 8, 0x0000abcd_00001af4},
		{RegComponentID, 4, 0x1af4},
		{RegComponentID + 4, 4, 0xabcd},
		{RegBankInfo, 8, 0x0042 | 2<<16 | uint64(BankVersion)<<56},
		{RegValidSummary, 8, 0},
		{RegClearStatus, 8, 0},
	}
	for _, tc := range tests {
		got, err := rf.Read(tc.offset, tc.size)
		if err != nil {
			t.Fatalf("read 0x%x/%d: %v", tc.offset, tc.size, err)
		}
		if got != tc.want {
			t.Errorf("read 0x%x/%d = 0x%x, want 0x%x", tc.offset, tc.size, got, tc.want)
		}
	}
}

func TestRegisterFileRejectsBadAccess(t *testing.T) {
	rf := newTestRegisterFile(t, 2)
	if _, err := rf.Write(RecordOffset(1, RecAddress), 8, 0x1234); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	before := rf.records

	tests := []struct {
		name   string
		offset uint64
		size   int
	}{
		{"zero width", RecordOffset(0, RecStatus), 0},
		{"too wide", RecordOffset(0, RecStatus), 16},
		{"narrow status", RecordOffset(0, RecStatus), 4},
		{"narrow address", RecordOffset(1, RecAddress), 2},
		{"misaligned record field", RecordOffset(0, RecStatus) + 4, 8},
		{"record out of range", RecordOffset(2, RecStatus), 8},
		{"hole after header", 0x20, 8},
		{"identity wide at upper half", RegComponentID + 4, 8},
		{"identity byte", RegComponentID, 1},
		{"bank info narrow", RegBankInfo, 4},
		{"clear misaligned lane", RegClearStatus + 1, 2},
		{"clear width 3", RegClearStatus, 3},
		{"unused record slot", RecordOffset(0, 0x20), 8},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := rf.Read(tc.offset, tc.size); !errors.Is(err, ErrInvalidAccess) {
				t.Errorf("read err = %v, want ErrInvalidAccess", err)
			}
			if _, err := rf.Write(tc.offset, tc.size, ^uint64(0)); !errors.Is(err, ErrInvalidAccess) {
				t.Errorf("write err = %v, want ErrInvalidAccess", err)
			}
			if rf.records != before {
				t.Errorf("records changed by rejected access")
			}
		})
	}
}

func TestRegisterFileReadOnlyFields(t *testing.T) {
	rf := newTestRegisterFile(t, 1)
	for _, off := range []uint64{RegComponentID, RegBankInfo, RegValidSummary} {
		if _, err := rf.Write(off, 8, 1); !errors.Is(err, ErrInvalidAccess) {
			t.Errorf("write 0x%x: err = %v, want ErrInvalidAccess", off, err)
		}
	}
	if got, _ := rf.Read(RegComponentID, 8); got != 0x0000abcd_00001af4 {
		t.Errorf("identity changed: 0x%x", got)
	}
}

func TestStatusWriteRequestsInjection(t *testing.T) {
	rf := newTestRegisterFile(t, 2)

	res, err := rf.Write(RecordOffset(1, RecStatus), 8, uint64(StatusCE))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !res.InjectionRequested || res.Record != 1 || res.ClearRequested {
		t.Fatalf("result = %+v, want injection on record 1", res)
	}

	res, err = rf.Write(RecordOffset(1, RecAddress), 8, 0x1000)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.InjectionRequested {
		t.Errorf("address write requested injection")
	}
}

func TestTickCountsDownAndFires(t *testing.T) {
	rf := newTestRegisterFile(t, 1)
	if _, err := rf.Write(RecordOffset(0, RecControl), 8, 2); err != nil {
		t.Fatalf("control write: %v", err)
	}
	if err := rf.Inject(0, InjectionStatus(SeverityLow), 0x4000000, 7); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	res := rf.Tick()
	if !res.Waiting || len(res.Fired) != 0 {
		t.Fatalf("first tick = %+v, want waiting", res)
	}
	if rec, _ := rf.Record(0); rec.Valid() {
		t.Fatalf("record valid before delay elapsed")
	}

	res = rf.Tick()
	if res.Waiting || len(res.Fired) != 1 || res.Fired[0].Record != 0 || res.Fired[0].Severity != SeverityLow {
		t.Fatalf("final tick = %+v, want low fire on record 0", res)
	}
	if !res.Fired[0].Status.Valid() {
		t.Errorf("fired status = %s, want V set", res.Fired[0].Status)
	}
	rec, _ := rf.Record(0)
	if !rec.Valid() || rec.Address != 0x4000000 || rec.Info != 7 {
		t.Errorf("record after fire = %+v", rec)
	}
	if low, high := rf.Levels(); !low || high {
		t.Errorf("levels = %v/%v, want low only", low, high)
	}
	if got, _ := rf.Read(RegValidSummary, 8); got != 1 {
		t.Errorf("valid summary = 0x%x, want 1", got)
	}

	if res := rf.Tick(); res.Waiting || len(res.Fired) != 0 {
		t.Errorf("tick after fire = %+v, want nothing", res)
	}
}

func TestTickWithoutSeverityIsNoop(t *testing.T) {
	rf := newTestRegisterFile(t, 1)
	if _, err := rf.Write(RecordOffset(0, RecStatus), 8, uint64(StatusIV)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if res := rf.Tick(); res.Waiting || len(res.Fired) != 0 {
		t.Fatalf("tick = %+v, want nothing", res)
	}
	if rec, _ := rf.Record(0); rec.Valid() || rec.Armed() {
		t.Errorf("record = %+v, want idle and invalid", rec)
	}
}

func TestClearStatusLanes(t *testing.T) {
	rf := newTestRegisterFile(t, 16)
	for i := 0; i < 16; i++ {
		if err := rf.Inject(i, InjectionStatus(SeverityHigh), uint64(i), 0); err != nil {
			t.Fatalf("Inject %d: %v", i, err)
		}
	}
	rf.Tick()
	if got, _ := rf.Read(RegValidSummary, 8); got != 0xffff {
		t.Fatalf("valid summary = 0x%x, want 0xffff", got)
	}

	// Byte lane 1 addresses records 8..15.
	res, err := rf.Write(RegClearStatus+1, 1, 0x01)
	if err != nil {
		t.Fatalf("clear write: %v", err)
	}
	if !res.ClearRequested || res.ClearMask != 1<<8 {
		t.Fatalf("result = %+v, want clear of record 8", res)
	}
	if got, _ := rf.Read(RegValidSummary, 8); got != 0xfeff {
		t.Errorf("valid summary = 0x%x, want 0xfeff", got)
	}
	rec, _ := rf.Record(8)
	if rec != (ErrorRecord{}) {
		t.Errorf("cleared record = %+v, want zero", rec)
	}

	if _, err := rf.Write(RegClearStatus, 8, ^uint64(0)); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if low, high := rf.Levels(); low || high {
		t.Errorf("levels after clear = %v/%v", low, high)
	}
}

func TestRecordOutOfRange(t *testing.T) {
	rf := newTestRegisterFile(t, 1)
	if err := rf.Inject(1, InjectionStatus(SeverityLow), 0, 0); !errors.Is(err, ErrRecordOutOfRange) {
		t.Errorf("Inject(1) err = %v, want ErrRecordOutOfRange", err)
	}
	if _, err := rf.Record(-1); !errors.Is(err, ErrRecordOutOfRange) {
		t.Errorf("Record(-1) err = %v, want ErrRecordOutOfRange", err)
	}
	if _, err := NewRegisterFile(Identity{}, MaxRecords+1); !errors.Is(err, ErrRecordOutOfRange) {
		t.Errorf("NewRegisterFile(17) err = %v, want ErrRecordOutOfRange", err)
	}
}

func TestStatusSeverity(t *testing.T) {
	tests := []struct {
		status Status
		want   Severity
	}{
		{0, SeverityNone},
		{StatusIV, SeverityNone},
		{StatusCE, SeverityLow},
		{StatusDE, SeverityLow},
		{StatusUE | StatusCE, SeverityHigh},
		{InjectionStatus(SeverityHigh), SeverityHigh},
	}
	for _, tc := range tests {
		if got := tc.status.Severity(); got != tc.want {
			t.Errorf("%s severity = %s, want %s", tc.status, got, tc.want)
		}
	}

	st := InjectionStatus(SeverityHigh)
	if st.TT() != TTWrite || st.AT() != ATVA || st&StatusIV == 0 {
		t.Errorf("high injection status = %s", st)
	}
}

func TestPollDoesNotConsumeDelay(t *testing.T) {
	rf := newTestRegisterFile(t, 2)
	if _, err := rf.Write(RecordOffset(0, RecControl), 8, 3); err != nil {
		t.Fatalf("control write: %v", err)
	}
	if err := rf.Inject(0, InjectionStatus(SeverityLow), 0x1000, 0); err != nil {
		t.Fatalf("Inject 0: %v", err)
	}

	// Injections on another record wake the scheduler repeatedly.
	for i := 0; i < 10; i++ {
		if err := rf.Inject(1, InjectionStatus(SeverityLow), 0x2000, 0); err != nil {
			t.Fatalf("Inject 1: %v", err)
		}
		res := rf.Poll()
		if !res.Waiting || len(res.Fired) != 1 || res.Fired[0].Record != 1 {
			t.Fatalf("poll %d = %+v, want record 1 fired and record 0 waiting", i, res)
		}
	}
	if rec, _ := rf.Record(0); rec.Valid() {
		t.Fatalf("record 0 fired before any time elapsed")
	}

	for i := 0; i < 2; i++ {
		if res := rf.Tick(); !res.Waiting || len(res.Fired) != 0 {
			t.Fatalf("tick %d = %+v, want waiting", i, res)
		}
	}
	if res := rf.Tick(); len(res.Fired) != 1 || res.Fired[0].Record != 0 {
		t.Fatalf("third tick = %+v, want record 0 fired", res)
	}
}

func TestStatusWriteCannotSetValid(t *testing.T) {
	rf := newTestRegisterFile(t, 1)
	written := uint64(StatusV | StatusUE | StatusIV)
	if _, err := rf.Write(RecordOffset(0, RecStatus), 8, written); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, _ := rf.Read(RecordOffset(0, RecStatus), 8)
	if got != written&^uint64(StatusV) {
		t.Errorf("status = 0x%x, want 0x%x", got, written&^uint64(StatusV))
	}
	if _, _, ok := rf.FirstValid(); ok {
		t.Errorf("status write produced a valid record")
	}

	// The write still arms the record; V appears once it fires.
	if res := rf.Tick(); len(res.Fired) != 1 || res.Fired[0].Severity != SeverityHigh {
		t.Fatalf("tick = %+v, want high fire", res)
	}
	if _, _, ok := rf.FirstValid(); !ok {
		t.Errorf("fired record not valid")
	}
}

func TestLevelsLatchUntilClear(t *testing.T) {
	rf := newTestRegisterFile(t, 1)
	if err := rf.Inject(0, InjectionStatus(SeverityLow), 0x1000, 0); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	rf.Tick()
	if low, _ := rf.Levels(); !low {
		t.Fatalf("low level not raised by fire")
	}

	// Re-injecting over the fired record drops V but not the line.
	if _, err := rf.Write(RecordOffset(0, RecStatus), 8, uint64(InjectionStatus(SeverityHigh))); err != nil {
		t.Fatalf("status write: %v", err)
	}
	if low, high := rf.Levels(); !low || high {
		t.Fatalf("levels after rewrite = %v/%v, want low only", low, high)
	}
	rf.Tick()
	if low, high := rf.Levels(); !low || !high {
		t.Fatalf("levels after second fire = %v/%v, want both", low, high)
	}

	if _, err := rf.Write(RegClearStatus, 8, 1); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if low, high := rf.Levels(); low || high {
		t.Errorf("levels after clear = %v/%v, want none", low, high)
	}
}

func TestStatusStringShowsFields(t *testing.T) {
	st := StatusV | StatusCE | Status(2)<<statusPRIShift | Status(0x12)<<statusECShift
	if st.Priority() != 2 || st.ErrorCode() != 0x12 {
		t.Fatalf("Priority = %d ErrorCode = 0x%x", st.Priority(), st.ErrorCode())
	}
	if got := st.String(); !strings.Contains(got, "sev=low pri=2 ec=0x12") {
		t.Errorf("String() = %q", got)
	}
}
