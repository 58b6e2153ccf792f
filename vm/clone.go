package vm

import "github.com/tartiflette-go/snapvm/vmerr"

// Clone creates an independent VM with the same registers and memory
// contents as v. The clone has its own KVM vcpu and address space; mutating
// one never affects the other.
func (v *VM) Clone() (*VM, error) {
	clone, err := New(v.memory.Size())
	if err != nil {
		return nil, err
	}

	clone.regs = v.regs
	clone.sregs = v.sregs
	clone.fsBase = v.fsBase
	clone.gsBase = v.gsBase
	copy(clone.memory.Backing(), v.memory.Backing())
	clone.memory.AdoptBookkeeping(v.memory)

	if err := clone.flushRegisters(); err != nil {
		clone.Close()
		return nil, &vmerr.Hypervisor{Op: "commit cloned registers", Err: err}
	}
	return clone, nil
}
