// Package kvm wraps the Linux KVM ioctl interface needed to drive a single
// x86-64 guest: device, VM and VCPU file descriptors, guest memory slots,
// register transfer, the dirty-log protocol, and the mmap'd kvm_run page.
// It is the hypervisor collaborator the vm package is built on top of.
package kvm

// ioctl request numbers, as generated by the kernel's _IO/_IOW/_IOR/_IOWR
// macros for struct kvm_*. Kept numeric (rather than derived at init time)
// because they are part of the kernel ABI and never change.
const (
	ioGetAPIVersion   = 0xae00
	ioCreateVM        = 0xae01
	ioCheckExtension  = 0xae03
	ioGetVCPUMmapSize = 0xae04

	ioCreateVCPU             = 0xae41
	ioSetTSSAddr             = 0xae47
	ioSetUserMemoryRegion    = 0x4020ae46
	ioSetGuestDebug          = 0x4048ae9b
	ioEnableCap              = 0x4068aea3
	ioGetDirtyLog            = 0x4010ae42
	ioClearDirtyLog          = 0xc018aec0

	ioRun      = 0xae80
	ioGetRegs  = 0x8090ae81
	ioSetRegs  = 0x4090ae82
	ioGetSregs = 0x8138ae83
	ioSetSregs = 0x4138ae84
	ioGetMSRs  = 0xc008ae88
	ioSetMSRs  = 0x4008ae89
)

// Capability numbers probed with KVM_CHECK_EXTENSION.
const (
	CapSyncRegs                   = 74
	CapManualDirtyLogProtect2     = 168
)

// Exit reasons reported in RunData.ExitReason.
const (
	ExitUnknown   = 0
	ExitException = 1
	ExitIO        = 2
	ExitHypercall = 3
	ExitDebug     = 4
	ExitHLT       = 5
	ExitMMIO      = 6
	ExitShutdown  = 8
	ExitFailEntry = 9
	ExitInternalError = 17
)

// MemSlotFlag bits for UserspaceMemoryRegion.Flags.
const (
	MemLogDirtyPages uint32 = 1 << 0
	MemReadonly      uint32 = 1 << 1
)

// Guest debug control bits for GuestDebug.Control.
const (
	GuestDebugEnable  uint32 = 1 << 0
	GuestDebugUseSWBP uint32 = 1 << 16
)

// MSR indices this module cares about.
const (
	MSRFSBase uint32 = 0xC0000100
	MSRGSBase uint32 = 0xC0000101
)

