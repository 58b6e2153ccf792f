package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VM wraps a KVM VM file descriptor.
type VM struct {
	fd           int
	vcpuMmapSize int
}

// FD returns the raw VM file descriptor, for callers that need to register
// it elsewhere (e.g. as a waitable fd).
func (v *VM) FD() int { return v.fd }

// SetUserMemoryRegion installs or updates memory slot `slot` with the guest
// physical backing store, logging dirty pages if flags requests it.
func (v *VM) SetUserMemoryRegion(slot uint32, guestPhysAddr uint64, mem []byte, flags uint32) error {
	region := UserspaceMemoryRegion{
		Slot:          slot,
		Flags:         flags,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), ioSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_SET_USER_MEMORY_REGION: %w", errno)
	}
	return nil
}

// SetTSSAddr reserves the three-page region Intel hosts require for the
// task-state segment used during privilege-level transitions.
func (v *VM) SetTSSAddr(addr uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), ioSetTSSAddr, uintptr(addr))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_SET_TSS_ADDR: %w", errno)
	}
	return nil
}

// EnableCap turns on an optional capability, such as manual dirty log
// protection, for this VM.
func (v *VM) EnableCap(cap uint32, args ...uint64) error {
	var ec EnableCap
	ec.Cap = cap
	for i := 0; i < len(args) && i < 4; i++ {
		ec.Args[i] = args[i]
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), ioEnableCap, uintptr(unsafe.Pointer(&ec)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_ENABLE_CAP(%d): %w", cap, errno)
	}
	return nil
}

// GetDirtyLog fetches the dirty bitmap for slot, sized for numPages guest
// pages, under the manual-dirty-log-protect protocol (callers must pair
// this with ClearDirtyLog once they've consumed the bitmap).
func (v *VM) GetDirtyLog(slot uint32, numPages int) ([]uint64, error) {
	words := (numPages + 63) / 64
	bitmap := make([]uint64, words)
	dl := DirtyLog{
		Slot:       slot,
		BitmapAddr: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), ioGetDirtyLog, uintptr(unsafe.Pointer(&dl)))
	if errno != 0 {
		return nil, fmt.Errorf("kvm: KVM_GET_DIRTY_LOG: %w", errno)
	}
	return bitmap, nil
}

// ClearDirtyLog clears [firstPage, firstPage+numPages) in slot's dirty
// bitmap, re-arming write-protection for those pages. bitmap must be the
// slice GetDirtyLog returned for this slot: KVM only clears and
// re-protects the pages whose bit is actually set in the bitmap passed
// here, so a freshly synthesized all-ones bitmap would re-protect pages
// that were never reported dirty and silently skip none, masking drift
// between what was read and what gets cleared.
func (v *VM) ClearDirtyLog(slot uint32, firstPage uint64, numPages int, bitmap []uint64) error {
	cdl := ClearDirtyLog{
		Slot:       slot,
		NumPages:   uint32(numPages),
		FirstPage:  firstPage,
		BitmapAddr: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), ioClearDirtyLog, uintptr(unsafe.Pointer(&cdl)))
	if errno != 0 {
		return fmt.Errorf("kvm: KVM_CLEAR_DIRTY_LOG: %w", errno)
	}
	return nil
}

// CreateVCPU creates VCPU id and mmaps its kvm_run page.
func (v *VM) CreateVCPU(id int) (*VCPU, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), ioCreateVCPU, uintptr(id))
	if errno != 0 {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VCPU: %w", errno)
	}
	fd := int(ret)

	mem, err := unix.Mmap(fd, 0, v.vcpuMmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: mmap kvm_run: %w", err)
	}
	return &VCPU{fd: fd, runMem: mem, run: (*RunData)(unsafe.Pointer(&mem[0]))}, nil
}

// Close closes the VM file descriptor.
func (v *VM) Close() error {
	return unix.Close(v.fd)
}
