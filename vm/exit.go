package vm

import "github.com/tartiflette-go/snapvm/internal/x64"

// ExitReason is the outcome of a Run call: the condition that stopped
// guest execution. Every concrete type below implements it with a marker
// method so callers can type-switch.
type ExitReason interface {
	isExitReason()
}

// Hlt reports the guest executed a halt instruction outside the hypercall
// convention.
type Hlt struct{}

func (Hlt) isExitReason() {}

// Breakpoint reports the guest hit an int3 or a single-step trap.
type Breakpoint struct{}

func (Breakpoint) isExitReason() {}

// Interrupted reports Run was interrupted by the host (EINTR/EAGAIN from
// KVM_RUN) before the guest produced an exit of its own.
type Interrupted struct{}

func (Interrupted) isExitReason() {}

// InvalidInstruction reports the guest executed an undecodable opcode that
// wasn't recognized as the syscall sniff.
type InvalidInstruction struct{}

func (InvalidInstruction) isExitReason() {}

// PageFault reports the guest faulted accessing memory. Status is the raw
// hardware page-fault error code; Address is the faulting linear address
// (CR2).
type PageFault struct {
	Status  uint32
	Address uint64
}

func (PageFault) isExitReason() {}

// Unmapped reports whether the fault was due to the address having no
// translation at all, as opposed to a protection violation on a present
// page. Bit 0 of the hardware error code is clear for a not-present fault.
func (p PageFault) Unmapped() bool { return !x64.BitField(uint64(p.Status)).IsBitSet(0) }

// Write reports whether the faulting access was a write.
func (p PageFault) Write() bool { return x64.BitField(uint64(p.Status)).IsBitSet(1) }

// Read reports whether the faulting access was a read.
func (p PageFault) Read() bool { return !p.Write() }

// InstructionFetch reports whether the faulting access was an instruction
// fetch (requires EFER.NXE, which this module always enables).
func (p PageFault) InstructionFetch() bool { return x64.BitField(uint64(p.Status)).IsBitSet(15) }

// Exception reports an unhandled exception vector other than page fault,
// invalid opcode (syscall sniff), or breakpoint.
type Exception struct {
	Vector uint64
}

func (Exception) isExitReason() {}

// Syscall reports the guest executed a `syscall` instruction. RIP has
// already been advanced past the two-byte opcode; the caller is expected
// to emulate the call and resume with Run.
type Syscall struct{}

func (Syscall) isExitReason() {}

// Unhandled reports a KVM exit this module doesn't classify further.
type Unhandled struct{}

func (Unhandled) isExitReason() {}
