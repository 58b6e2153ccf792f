package vm

import (
	"fmt"
	"math/bits"

	"github.com/tartiflette-go/snapvm/internal/memory"
	"github.com/tartiflette-go/snapvm/vmerr"
)

// Mmap maps [vaddr, vaddr+size) in the guest address space with perms.
func (v *VM) Mmap(vaddr uint64, size uint64, perms memory.Perm) error {
	if err := v.memory.Mmap(vaddr, size, perms); err != nil {
		return &vmerr.Memory{Err: err}
	}
	return nil
}

// Read copies len(data) bytes out of guest memory starting at vaddr.
func (v *VM) Read(vaddr uint64, data []byte) error {
	if err := v.memory.Read(vaddr, data); err != nil {
		return &vmerr.Memory{Err: err}
	}
	return nil
}

// Write copies data into guest memory starting at vaddr.
func (v *VM) Write(vaddr uint64, data []byte) error {
	if err := v.memory.Write(vaddr, data); err != nil {
		return &vmerr.Memory{Err: err}
	}
	return nil
}

// WriteValue writes val's in-memory layout to guest-virtual address vaddr.
func WriteValue[T any](v *VM, vaddr uint64, val T) error {
	if err := memory.WriteVal(v.memory, vaddr, val); err != nil {
		return &vmerr.Memory{Err: err}
	}
	return nil
}

// Mappings returns every mapped guest page.
func (v *VM) Mappings() []memory.Mapping {
	return v.memory.Mappings()
}

// DirtyMappings returns only the mapped pages whose hardware Dirty bit is
// currently set.
func (v *VM) DirtyMappings() []memory.Mapping {
	return v.memory.DirtyMappings()
}

// ClearDirtyMappings clears the software Dirty bit on every page table
// entry. Unrelated to Reset's own bookkeeping: this only affects what
// DirtyMappings reports, not what Reset restores.
func (v *VM) ClearDirtyMappings() {
	v.memory.ClearDirty()
}

// Reset restores this VM's registers and memory to match other, using
// KVM's own dirty log (not the PTE Dirty bits DirtyMappings reports) so
// only the pages actually touched since the last reset are copied back.
// other must have been created with the same memory size; mismatched sizes
// and dirty-log ioctl failures are programming/environment errors, not
// recoverable conditions, so both panic rather than return an error.
func (v *VM) Reset(other *VM) {
	v.regs = other.regs
	v.sregs = other.sregs
	v.fsBase = other.fsBase
	v.gsBase = other.gsBase

	if v.memory.Size() != other.memory.Size() {
		panic(fmt.Sprintf("vm: Reset between mismatched memory sizes (%d vs %d)", v.memory.Size(), other.memory.Size()))
	}

	numPages := int(v.memory.Size() / memory.PageSize)
	dirtyLog, err := v.kvmVM.GetDirtyLog(0, numPages)
	if err != nil {
		panic(fmt.Sprintf("vm: get dirty log: %v", err))
	}

	selfBacking := v.memory.Backing()
	otherBacking := other.memory.Backing()
	for wordIndex, word := range dirtyLog {
		bm := word
		for bm != 0 {
			bit := bits.TrailingZeros64(bm)
			pa := uint64(wordIndex*64+bit) * memory.PageSize
			copy(selfBacking[pa:pa+memory.PageSize], otherBacking[pa:pa+memory.PageSize])
			bm &= bm - 1
		}
	}

	if err := v.kvmVM.ClearDirtyLog(0, 0, numPages, dirtyLog); err != nil {
		panic(fmt.Sprintf("vm: clear dirty log: %v", err))
	}
}
