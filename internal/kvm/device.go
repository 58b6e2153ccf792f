package kvm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Device is the open /dev/kvm file descriptor, the factory for VMs.
type Device struct {
	fd int
}

// OpenDevice opens /dev/kvm and checks the API version and capabilities
// this module depends on.
func OpenDevice() (*Device, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}
	d := &Device{fd: fd}

	version, err := d.apiVersion()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if version != 12 {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d", version)
	}

	for _, c := range [...]int{CapSyncRegs, CapManualDirtyLogProtect2} {
		ok, err := d.CheckExtension(c)
		if err != nil {
			unix.Close(fd)
			return nil, err
		}
		if !ok {
			unix.Close(fd)
			return nil, fmt.Errorf("kvm: required capability %d not supported", c)
		}
	}
	return d, nil
}

func (d *Device) apiVersion() (int, error) {
	var v int
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), ioGetAPIVersion, 0)
	if errno != 0 {
		return 0, errno
	}
	v = int(int32(ret))
	return v, nil
}

// CheckExtension reports whether the kernel supports the named capability.
func (d *Device) CheckExtension(cap int) (bool, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), ioCheckExtension, uintptr(cap))
	if errno != 0 {
		return false, errno
	}
	return ret != 0, nil
}

// VCPUMmapSize returns the size in bytes of the kvm_run structure the
// kernel expects to mmap for each VCPU.
func (d *Device) VCPUMmapSize() (int, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), ioGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}

// CreateVM creates a new VM file descriptor.
func (d *Device) CreateVM() (*VM, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), ioCreateVM, 0)
	if errno != 0 {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VM: %w", errno)
	}
	mmapSize, err := d.VCPUMmapSize()
	if err != nil {
		return nil, err
	}
	return &VM{fd: int(ret), vcpuMmapSize: mmapSize}, nil
}

// Close closes the /dev/kvm file descriptor.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}
