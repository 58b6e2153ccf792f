package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrInterrupted reports that KVM_RUN returned EAGAIN/EINTR before the
// guest produced a vm exit of its own; run_data was not updated and must
// not be inspected.
var ErrInterrupted = errors.New("kvm: run interrupted before vm exit")

// VCPU wraps a KVM VCPU file descriptor and its mmap'd kvm_run page.
type VCPU struct {
	fd     int
	runMem []byte
	run    *RunData
}

// RunData returns the live, mmap'd kvm_run structure. Its fields are only
// valid to inspect immediately after Run returns.
func (c *VCPU) RunData() *RunData { return c.run }

// GetRegs fetches the general purpose registers.
func (c *VCPU) GetRegs() (Regs, error) {
	var regs Regs
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioGetRegs, uintptr(unsafe.Pointer(&regs)))
	if errno != 0 {
		return regs, fmt.Errorf("kvm: KVM_GET_REGS: %w", errno)
	}
	return regs, nil
}

// SetRegs installs the general purpose registers.
func (c *VCPU) SetRegs(regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioSetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_SET_REGS: %w", errno)
	}
	return nil
}

// GetSregs fetches the segment and control registers.
func (c *VCPU) GetSregs() (Sregs, error) {
	var sregs Sregs
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioGetSregs, uintptr(unsafe.Pointer(&sregs)))
	if errno != 0 {
		return sregs, fmt.Errorf("kvm: KVM_GET_SREGS: %w", errno)
	}
	return sregs, nil
}

// SetSregs installs the segment and control registers.
func (c *VCPU) SetSregs(sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioSetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_SET_SREGS: %w", errno)
	}
	return nil
}

// GetMSRs reads the values of the given MSR indices. It panics if KVM reads
// back a different number of entries than were requested.
func (c *VCPU) GetMSRs(indices ...uint32) ([]MSREntry, error) {
	buf := newMSRsBuffer(indices)
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioGetMSRs, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return nil, fmt.Errorf("kvm: KVM_GET_MSRS: %w", errno)
	}
	if int(ret) != len(indices) {
		panic(fmt.Sprintf("kvm: KVM_GET_MSRS read %d entries, want %d", int(ret), len(indices)))
	}
	return decodeMSRsBuffer(buf, len(indices)), nil
}

// SetMSRs writes the given (index, value) pairs.
func (c *VCPU) SetMSRs(entries ...MSREntry) error {
	buf := encodeMSRsBuffer(entries)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioSetMSRs, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_SET_MSRS: %w", errno)
	}
	return nil
}

// SetGuestDebug arms software breakpoint support so a guest `int3` (or a
// synthesized breakpoint) surfaces as a KVM_EXIT_DEBUG instead of being
// reflected straight into the guest's IDT.
func (c *VCPU) SetGuestDebug(control uint32) error {
	dbg := GuestDebug{Control: control}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioSetGuestDebug, uintptr(unsafe.Pointer(&dbg)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_SET_GUEST_DEBUG: %w", errno)
	}
	return nil
}

// Run executes the guest until the next VM exit.
func (c *VCPU) Run() error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), ioRun, 0)
	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return ErrInterrupted
		}
		return fmt.Errorf("kvm: KVM_RUN: %w", errno)
	}
	return nil
}

// Close unmaps the kvm_run page and closes the VCPU file descriptor.
func (c *VCPU) Close() error {
	if err := unix.Munmap(c.runMem); err != nil {
		return err
	}
	return unix.Close(c.fd)
}
