package vm

import (
	"errors"

	"github.com/tartiflette-go/snapvm/internal/kvm"
	"github.com/tartiflette-go/snapvm/internal/memory"
	"github.com/tartiflette-go/snapvm/internal/x64"
	"github.com/tartiflette-go/snapvm/vmerr"
)

// flushRegisters pushes the local register copies to KVM and immediately
// reads them back, used right after setup so the VM's view matches
// whatever KVM actually accepted.
func (v *VM) flushRegisters() error {
	v.regs.RFLAGS |= 1 << 1

	if err := v.vcpu.SetRegs(&v.regs); err != nil {
		return &vmerr.Hypervisor{Op: "commit registers", Err: err}
	}
	if err := v.vcpu.SetSregs(&v.sregs); err != nil {
		return &vmerr.Hypervisor{Op: "commit special registers", Err: err}
	}
	if err := v.vcpu.SetMSRs(
		kvm.MSREntry{Index: msrFSBase, Data: v.fsBase},
		kvm.MSREntry{Index: msrGSBase, Data: v.gsBase},
	); err != nil {
		return &vmerr.Hypervisor{Op: "commit fs_base/gs_base", Err: err}
	}

	regs, err := v.vcpu.GetRegs()
	if err != nil {
		return &vmerr.Hypervisor{Op: "read back registers", Err: err}
	}
	sregs, err := v.vcpu.GetSregs()
	if err != nil {
		return &vmerr.Hypervisor{Op: "read back special registers", Err: err}
	}
	v.regs = regs
	v.sregs = sregs
	return nil
}

// commitRegisters pushes the local register copies to KVM before a Run.
func (v *VM) commitRegisters() error {
	v.regs.RFLAGS |= 1 << 1

	if err := v.vcpu.SetRegs(&v.regs); err != nil {
		return &vmerr.Hypervisor{Op: "commit registers", Err: err}
	}
	if err := v.vcpu.SetSregs(&v.sregs); err != nil {
		return &vmerr.Hypervisor{Op: "commit special registers", Err: err}
	}
	if err := v.vcpu.SetMSRs(
		kvm.MSREntry{Index: msrFSBase, Data: v.fsBase},
		kvm.MSREntry{Index: msrGSBase, Data: v.gsBase},
	); err != nil {
		return &vmerr.Hypervisor{Op: "commit fs_base/gs_base", Err: err}
	}
	return nil
}

// pullRegisters reads the register state KVM left after a Run.
func (v *VM) pullRegisters() error {
	regs, err := v.vcpu.GetRegs()
	if err != nil {
		return &vmerr.Hypervisor{Op: "read registers", Err: err}
	}
	sregs, err := v.vcpu.GetSregs()
	if err != nil {
		return &vmerr.Hypervisor{Op: "read special registers", Err: err}
	}
	v.regs = regs
	v.sregs = sregs

	msrs, err := v.vcpu.GetMSRs(msrFSBase, msrGSBase)
	if err != nil {
		return &vmerr.Hypervisor{Op: "read fs_base/gs_base", Err: err}
	}
	v.fsBase = msrs[0].Data
	v.gsBase = msrs[1].Data
	return nil
}

// Run executes the guest until the first vm exit this module cannot
// resolve on its own: a real halt, a breakpoint, an unhandled exception, or
// a syscall instruction surfaced for the caller to emulate.
func (v *VM) Run() (ExitReason, error) {
	for {
		if err := v.commitRegisters(); err != nil {
			return nil, err
		}

		runErr := v.vcpu.Run()
		if runErr != nil && !errors.Is(runErr, kvm.ErrInterrupted) {
			return nil, &vmerr.Hypervisor{Op: "run vcpu", Err: runErr}
		}

		if err := v.pullRegisters(); err != nil {
			return nil, err
		}

		if runErr != nil {
			return Interrupted{}, nil
		}

		run := v.vcpu.RunData()
		switch run.ExitReason {
		case kvm.ExitDebug:
			return Breakpoint{}, nil

		case kvm.ExitHLT:
			reason, handled, err := v.handleHypercallHalt()
			if err != nil {
				return nil, err
			}
			if handled {
				return reason, nil
			}
			// Not within the hypercall region: a genuine guest halt.
			return Hlt{}, nil

		default:
			v.debugf("vm: unhandled kvm exit reason %d", run.ExitReason)
			return Unhandled{}, nil
		}
	}
}

// handleHypercallHalt decodes the exception-forwarding convention: every
// CPU exception lands in a trampoline stub that pushes its vector number
// and executes hlt. This reconstructs the pre-exception register context
// and classifies the exception into the right ExitReason. The second
// return value is false when rip wasn't inside the hypercall page at all,
// meaning this was a genuine guest halt rather than forwarded exception.
func (v *VM) handleHypercallHalt() (ExitReason, bool, error) {
	if v.regs.RIP < v.hypercallPage || v.regs.RIP >= v.hypercallPage+memory.PageSize {
		return nil, false, nil
	}

	vectorRaw, err := memory.ReadVal[uint64](v.memory, v.regs.RSP)
	if err != nil {
		return nil, true, &vmerr.Memory{Err: err}
	}
	vector := x64.ExceptionType(vectorRaw)

	var errorCode uint64
	hasErrorCode := vector.HasErrorCode()
	if hasErrorCode {
		errorCode, err = memory.ReadVal[uint64](v.memory, v.regs.RSP+8)
		if err != nil {
			return nil, true, &vmerr.Memory{Err: err}
		}
	}

	frameAddr := v.regs.RSP + 8
	if hasErrorCode {
		frameAddr = v.regs.RSP + 16
	}
	frame, err := memory.ReadVal[x64.ExceptionFrame](v.memory, frameAddr)
	if err != nil {
		return nil, true, &vmerr.Memory{Err: err}
	}

	// Reset register context to before the exception.
	v.regs.RSP = frame.RSP
	v.regs.RIP = frame.RIP

	switch vector {
	case x64.PageFault:
		return PageFault{Status: uint32(errorCode), Address: v.sregs.CR2}, true, nil

	case x64.InvalidOpcode:
		// EFER.SCE is never enabled (that would require building the full
		// syscall machinery and LSTAR), so a `syscall` instruction reaches
		// the guest as #UD. Sniff for the two-byte encoding and, if found,
		// advance rip past it and report Syscall instead of InvalidInstruction.
		var opcode [2]byte
		if err := v.memory.Read(v.regs.RIP, opcode[:]); err == nil {
			if opcode[0] == 0x0f && opcode[1] == 0x05 {
				v.regs.RIP += 2
				return Syscall{}, true, nil
			}
		}
		return InvalidInstruction{}, true, nil

	default:
		return Exception{Vector: uint64(vector)}, true, nil
	}
}
