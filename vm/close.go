package vm

import "github.com/tartiflette-go/snapvm/vmerr"

// Close releases the vcpu, the KVM vm, and the /dev/kvm handle, in that
// order. Idempotent: a second call, or a call on a VM that failed partway
// through New, is a no-op.
func (v *VM) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	if err := v.vcpu.Close(); err != nil {
		return &vmerr.Hypervisor{Op: "close vcpu", Err: err}
	}
	if err := v.kvmVM.Close(); err != nil {
		return &vmerr.Hypervisor{Op: "close vm", Err: err}
	}
	if err := v.dev.Close(); err != nil {
		return &vmerr.Hypervisor{Op: "close device", Err: err}
	}
	v.debugf("vm: closed")
	return nil
}
