// Package vm is the execution substrate for a snapshot-based fuzzer: a
// single hardware-accelerated x86-64 guest driven through KVM, with guest
// memory, registers and dirty state fully owned by the host process so a
// run can be reset to a reference point in microseconds instead of
// rebooting.
package vm

import (
	"log"

	"github.com/tartiflette-go/snapvm/internal/kvm"
	"github.com/tartiflette-go/snapvm/internal/memory"
	"github.com/tartiflette-go/snapvm/internal/x64"
	"github.com/tartiflette-go/snapvm/vmerr"
)

// MSR numbers for the segment bases long mode keeps outside kvm_regs.
const (
	msrFSBase = kvm.MSRFSBase
	msrGSBase = kvm.MSRGSBase
)

// Exception bootstrap layout: a fixed, high, canonical region holding the
// IDT, its 32 hypercall-trampoline stub handlers, the GDT, the TSS and its
// IST-backed exception stack. Placed far outside any address a fuzzing
// target plausibly maps so collisions are a program bug, not bad luck.
const (
	idtAddress   = 0xffff_ffff_ff00_0000
	idtHandlers  = idtAddress + memory.PageSize
	gdtAddress   = idtAddress + memory.PageSize*2
	tssAddress   = idtAddress + memory.PageSize*3
	stackAddress = idtAddress + memory.PageSize*4
	stackSize    = memory.PageSize

	hypercallStubStride = 32
	hypercallVectors    = 32
)

// VM is a single hardware-virtualized x86-64 guest. Its registers and
// memory are read and written through the local copies below; they are
// only synchronized with KVM around a Run call.
type VM struct {
	// Debug gates verbose logging of setup and exit handling, the same way
	// the wider example stack gates its own log.Printf calls.
	Debug bool

	dev   *kvm.Device
	kvmVM *kvm.VM
	vcpu  *kvm.VCPU
	closed bool

	regs  kvm.Regs
	sregs kvm.Sregs

	fsBase uint64
	gsBase uint64

	hypercallPage uint64

	memory *memory.VirtualMemory
}

// New creates a VM with a guest physical address space of at least
// memorySize bytes (rounded up to a page multiple).
func New(memorySize uint64) (*VM, error) {
	v, err := setupBarebones(memorySize)
	if err != nil {
		return nil, err
	}
	if err := v.setupRegisters(); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.setupExceptionHandling(); err != nil {
		v.Close()
		return nil, err
	}
	if err := v.flushRegisters(); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

func setupBarebones(memorySize uint64) (*VM, error) {
	mem, err := memory.New(memorySize)
	if err != nil {
		return nil, &vmerr.Memory{Err: err}
	}

	dev, err := kvm.OpenDevice()
	if err != nil {
		return nil, &vmerr.Hypervisor{Op: "open /dev/kvm", Err: err}
	}

	kvmVM, err := dev.CreateVM()
	if err != nil {
		dev.Close()
		return nil, &vmerr.Hypervisor{Op: "create vm", Err: err}
	}

	if err := kvmVM.EnableCap(kvm.CapManualDirtyLogProtect2, 1); err != nil {
		kvmVM.Close()
		dev.Close()
		return nil, &vmerr.Hypervisor{Op: "enable manual dirty log protect", Err: err}
	}

	vcpu, err := kvmVM.CreateVCPU(0)
	if err != nil {
		kvmVM.Close()
		dev.Close()
		return nil, &vmerr.Hypervisor{Op: "create vcpu", Err: err}
	}

	if err := kvmVM.SetUserMemoryRegion(0, 0, mem.Backing(), kvm.MemLogDirtyPages); err != nil {
		vcpu.Close()
		kvmVM.Close()
		dev.Close()
		return nil, &vmerr.Hypervisor{Op: "set guest memory region", Err: err}
	}

	regs, err := vcpu.GetRegs()
	if err != nil {
		vcpu.Close()
		kvmVM.Close()
		dev.Close()
		return nil, &vmerr.Hypervisor{Op: "get initial registers", Err: err}
	}
	sregs, err := vcpu.GetSregs()
	if err != nil {
		vcpu.Close()
		kvmVM.Close()
		dev.Close()
		return nil, &vmerr.Hypervisor{Op: "get initial special registers", Err: err}
	}

	return &VM{
		dev:    dev,
		kvmVM:  kvmVM,
		vcpu:   vcpu,
		regs:   regs,
		sregs:  sregs,
		memory: mem,
	}, nil
}

// setupRegisters configures long mode: flat 64-bit code/data segments,
// CR0/CR4/EFER, CR3 pointing at the guest page tables, the TSS address KVM
// reserves for Intel hosts, and vm-exit-on-breakpoint.
func (v *VM) setupRegisters() error {
	const (
		cr0PE = 1 << 0
		cr0ET = 1 << 4
		cr0WP = 1 << 16
		cr0PG = 1 << 31

		cr4PAE     = 1 << 5
		cr4OSFXSR  = 1 << 9
		cr4OSXSAVE = 1 << 18

		efer_LME = 1 << 8
		efer_LMA = 1 << 10
		efer_NXE = 1 << 11
	)

	code := x64.CodeSegment64()
	data := x64.DataSegment64()

	seg := kvm.Segment{
		Base:     0,
		Limit:    0,
		Selector: 1 << 3, // GDT index 1, RPL 0
		Present:  1,
		Type:     segType(code),
		DPL:      0,
		S:        1,
		L:        1,
	}
	v.sregs.CS = seg

	seg.Selector = 0
	seg.Type = segType(data)
	v.sregs.DS, v.sregs.ES, v.sregs.FS, v.sregs.GS, v.sregs.SS = seg, seg, seg, seg, seg

	v.sregs.CR0 = cr0PE | cr0PG | cr0ET | cr0WP
	v.sregs.CR4 = cr4PAE | cr4OSXSAVE | cr4OSFXSR
	v.sregs.CR3 = v.memory.PageDirectory()
	v.sregs.EFER = efer_LME | efer_LMA | efer_NXE

	if err := v.kvmVM.SetTSSAddr(0xfffb_d000); err != nil {
		return &vmerr.Hypervisor{Op: "set tss address", Err: err}
	}

	if err := v.vcpu.SetGuestDebug(kvm.GuestDebugEnable | kvm.GuestDebugUseSWBP); err != nil {
		return &vmerr.Hypervisor{Op: "set guest debug", Err: err}
	}

	return nil
}

// segType pulls the "type" nibble back out of a GDTEntry built by
// internal/x64, so kvm_sregs' denormalized Segment keeps reporting the same
// access byte the in-memory GDT entry carries.
func segType(e x64.GDTEntry) uint8 { return e.Access & 0xF }

// setupExceptionHandling builds the IDT, the 32 hypercall-trampoline stub
// handlers, the GDT entries they run under, and the TSS with its IST
// exception stack. Every CPU exception ends up vectoring through a stub
// that pushes the vector number and executes hlt; Run tells a "real" guest
// halt apart from this exception-forwarding halt by checking whether RIP
// landed inside the hypercall page.
func (v *VM) setupExceptionHandling() error {
	if err := v.mmapInternal(gdtAddress, memory.PageSize, memory.Read|memory.Write); err != nil {
		return err
	}
	if err := memory.WriteVal(v.memory, gdtAddress, uint64(0)); err != nil {
		return &vmerr.Memory{Err: err}
	}
	if err := memory.WriteVal(v.memory, gdtAddress+8, x64.CodeSegment64()); err != nil {
		return &vmerr.Memory{Err: err}
	}
	tssDesc := x64.NewTSSDescriptor(tssAddress, uint32(x64.TSSSize-1), x64.Ring0)
	if err := memory.WriteVal(v.memory, gdtAddress+16, tssDesc); err != nil {
		return &vmerr.Memory{Err: err}
	}
	v.sregs.GDT.Base = gdtAddress
	v.sregs.GDT.Limit = 8*3 - 1

	if err := v.mmapInternal(tssAddress, memory.PageSize, memory.Read); err != nil {
		return err
	}
	tss := x64.NewTSS()
	tss.SetIST(1, stackAddress+uint64(stackSize-0x100))
	if err := memory.WriteVal(v.memory, tssAddress, tss); err != nil {
		return &vmerr.Memory{Err: err}
	}
	v.sregs.TR = kvm.Segment{
		Base:     tssAddress,
		Limit:    uint32(x64.TSSSize - 1),
		Selector: 2 << 3,
		Present:  1,
		Type:     11,
		L:        1,
	}

	if err := v.mmapInternal(idtHandlers, memory.PageSize, memory.Read|memory.Execute); err != nil {
		return err
	}
	v.hypercallPage = idtHandlers
	for i := uint64(0); i < hypercallVectors; i++ {
		stub := []byte{0x6a, byte(i), 0xf4} // push imm8 <vector>; hlt
		if err := v.memory.Write(idtHandlers+i*hypercallStubStride, stub); err != nil {
			return &vmerr.Memory{Err: err}
		}
	}

	if err := v.mmapInternal(idtAddress, memory.PageSize, memory.Read); err != nil {
		return err
	}
	var entries [hypercallVectors]x64.IDTEntry
	for i := range entries {
		entries[i] = x64.NewIDTEntryBuilder().
			Base(idtHandlers + uint64(i)*hypercallStubStride).
			DPL(x64.Ring0).
			SegmentSelector(1, x64.Ring0).
			GateType(x64.Trap).
			IST(1).
			Collect()
	}
	if err := memory.WriteVal(v.memory, idtAddress, entries); err != nil {
		return &vmerr.Memory{Err: err}
	}
	v.sregs.IDT.Base = idtAddress
	v.sregs.IDT.Limit = uint16(len(entries)*16 - 1)

	if err := v.mmapInternal(stackAddress, stackSize, memory.Read|memory.Write); err != nil {
		return err
	}

	return nil
}

func (v *VM) mmapInternal(vaddr, size uint64, perms memory.Perm) error {
	if err := v.memory.Mmap(vaddr, size, perms); err != nil {
		return &vmerr.Memory{Err: err}
	}
	return nil
}

func (v *VM) debugf(format string, args ...any) {
	if v.Debug {
		log.Printf(format, args...)
	}
}
