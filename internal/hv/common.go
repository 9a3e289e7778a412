package hv

import (
	"fmt"
)

// Privilege is the privilege level a bus transaction was issued from.
type Privilege uint8

const (
	PrivilegeUser       Privilege = 0
	PrivilegeSupervisor Privilege = 1
	PrivilegeMachine    Privilege = 3
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeUser:
		return "user"
	case PrivilegeSupervisor:
		return "supervisor"
	case PrivilegeMachine:
		return "machine"
	default:
		return fmt.Sprintf("privilege(%d)", uint8(p))
	}
}

// AccessAttrs carries the transaction attributes delivered with every MMIO
// access. The zero value is a user-mode access from hart 0.
type AccessAttrs struct {
	Privilege Privilege
	HartID    int
}

// Unprivileged reports whether the access was issued from guest user mode.
func (a AccessAttrs) Unprivileged() bool {
	return a.Privilege == PrivilegeUser
}

// SupervisorAccess returns attributes for a supervisor access from hart.
func SupervisorAccess(hart int) AccessAttrs {
	return AccessAttrs{Privilege: PrivilegeSupervisor, HartID: hart}
}

// MachineAccess returns attributes for a machine-mode (firmware) access from hart.
func MachineAccess(hart int) AccessAttrs {
	return AccessAttrs{Privilege: PrivilegeMachine, HartID: hart}
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+size) lies inside the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

// Overlaps reports whether two regions share at least one byte.
func (r MMIORegion) Overlaps(o MMIORegion) bool {
	return r.Address < o.Address+o.Size && o.Address < r.Address+r.Size
}

func (r MMIORegion) String() string {
	return fmt.Sprintf("0x%x-0x%x", r.Address, r.Address+r.Size-1)
}

type Device interface {
	Init(vm VirtualMachine) error
}

// VirtualMachine is the view of the enclosing machine handed to devices at
// Init time.
type VirtualMachine interface {
	NumHarts() int
}
