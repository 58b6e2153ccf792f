package kvm

// Regs mirrors struct kvm_regs: the general purpose register file.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDTR/IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs mirrors struct kvm_sregs: segment and control registers.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MSREntry mirrors struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// GuestDebugArch mirrors struct kvm_guest_debug_arch on x86-64: the eight
// debug registers.
type GuestDebugArch struct {
	DebugReg [8]uint64
}

// GuestDebug mirrors struct kvm_guest_debug.
type GuestDebug struct {
	Control uint32
	_       uint32
	Arch    GuestDebugArch
}

// EnableCap mirrors struct kvm_enable_cap.
type EnableCap struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	_     [64]uint8
}

// DirtyLog mirrors struct kvm_dirty_log: KVM_GET_DIRTY_LOG's argument. The
// bitmap pointer is passed as a raw address into a Go-owned byte slice.
type DirtyLog struct {
	Slot        uint32
	Padding     uint32
	BitmapAddr  uint64
}

// ClearDirtyLog mirrors struct kvm_clear_dirty_log: KVM_CLEAR_DIRTY_LOG's
// argument, used under the manual-dirty-log-protect protocol so resets don't
// race a concurrently running VCPU.
type ClearDirtyLog struct {
	Slot       uint32
	NumPages   uint32
	FirstPage  uint64
	BitmapAddr uint64
}
