package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/tartiflette-go/snapvm/internal/memory"
	"github.com/tartiflette-go/snapvm/internal/snapshot"
	"github.com/tartiflette-go/snapvm/vmerr"
)

// FromSnapshot builds a VM from a captured manifest at infoPath plus the
// raw memory contents at dumpPath, recreating every mapping and the
// register file the manifest describes.
func FromSnapshot(infoPath, dumpPath string, memorySize uint64) (*VM, error) {
	v, err := New(memorySize)
	if err != nil {
		return nil, err
	}

	info, err := snapshot.Load(infoPath)
	if err != nil {
		return nil, &vmerr.Snapshot{Err: err}
	}

	dump, err := os.Open(dumpPath)
	if err != nil {
		return nil, &vmerr.Snapshot{Err: err}
	}
	defer dump.Close()

	buf := make([]byte, memory.PageSize)
	for _, m := range info.Mappings {
		size := m.End - m.Start
		if err := v.Mmap(m.Start, size, m.Permissions); err != nil {
			return nil, err
		}

		for off := uint64(0); off < size; off += memory.PageSize {
			if _, err := dump.Seek(int64(m.PhysicalOffset+off), io.SeekStart); err != nil {
				return nil, &vmerr.Snapshot{Err: fmt.Errorf("seeking to mapping %#x: %w", m.Start, err)}
			}
			if _, err := io.ReadFull(dump, buf); err != nil {
				return nil, &vmerr.Snapshot{Err: fmt.Errorf("reading mapping %#x: %w", m.Start, err)}
			}
			if err := v.Write(m.Start+off, buf); err != nil {
				return nil, err
			}
		}
	}

	v.setRegsFromSnapshot(&info.Registers)
	if err := v.flushRegisters(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *VM) setRegsFromSnapshot(r *snapshot.Registers) {
	v.SetReg(Rax, r.RAX)
	v.SetReg(Rbx, r.RBX)
	v.SetReg(Rcx, r.RCX)
	v.SetReg(Rdx, r.RDX)
	v.SetReg(Rsi, r.RSI)
	v.SetReg(Rdi, r.RDI)
	v.SetReg(Rsp, r.RSP)
	v.SetReg(Rbp, r.RBP)
	v.SetReg(R8, r.R8)
	v.SetReg(R9, r.R9)
	v.SetReg(R10, r.R10)
	v.SetReg(R11, r.R11)
	v.SetReg(R12, r.R12)
	v.SetReg(R13, r.R13)
	v.SetReg(R14, r.R14)
	v.SetReg(R15, r.R15)
	v.SetReg(Rip, r.RIP)
	v.SetReg(Rflags, r.RFlags)
	v.SetReg(FsBase, r.FSBase)
	v.SetReg(GsBase, r.GSBase)
}
