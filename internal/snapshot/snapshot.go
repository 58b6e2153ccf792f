// Package snapshot loads the manifest describing a previously captured
// guest state: its register file and its memory mappings, each pointing at
// a byte range inside a companion raw memory dump. It is the SnapshotInfo
// collaborator the vm package's FromSnapshot constructor is built on.
package snapshot

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tartiflette-go/snapvm/internal/memory"
)

// Registers is the general purpose and segment-base register file captured
// at snapshot time.
type Registers struct {
	RAX    uint64 `yaml:"rax"`
	RBX    uint64 `yaml:"rbx"`
	RCX    uint64 `yaml:"rcx"`
	RDX    uint64 `yaml:"rdx"`
	RSI    uint64 `yaml:"rsi"`
	RDI    uint64 `yaml:"rdi"`
	RSP    uint64 `yaml:"rsp"`
	RBP    uint64 `yaml:"rbp"`
	R8     uint64 `yaml:"r8"`
	R9     uint64 `yaml:"r9"`
	R10    uint64 `yaml:"r10"`
	R11    uint64 `yaml:"r11"`
	R12    uint64 `yaml:"r12"`
	R13    uint64 `yaml:"r13"`
	R14    uint64 `yaml:"r14"`
	R15    uint64 `yaml:"r15"`
	RIP    uint64 `yaml:"rip"`
	RFlags uint64 `yaml:"rflags"`
	FSBase uint64 `yaml:"fs_base"`
	GSBase uint64 `yaml:"gs_base"`
}

// Mapping describes one byte range of the guest's address space and where
// its initial contents live in the companion memory dump.
type Mapping struct {
	Start           uint64      `yaml:"start"`
	End             uint64      `yaml:"end"`
	PhysicalOffset  uint64      `yaml:"physical_offset"`
	Permissions     memory.Perm `yaml:"-"`
	PermissionsText string      `yaml:"permissions"`
}

// Info is the parsed manifest: every mapping to recreate plus the register
// state to restore once they're populated.
type Info struct {
	Mappings  []Mapping `yaml:"mappings"`
	Registers Registers `yaml:"registers"`
}

// Load parses a snapshot manifest from path.
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading %s: %w", path, err)
	}

	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("snapshot: parsing %s: %w", path, err)
	}

	for i := range info.Mappings {
		m := &info.Mappings[i]
		if m.Start >= m.End {
			return nil, fmt.Errorf("snapshot: mapping %#x..%#x has start >= end", m.Start, m.End)
		}
		perms, err := parsePermissions(m.PermissionsText)
		if err != nil {
			return nil, fmt.Errorf("snapshot: mapping %#x: %w", m.Start, err)
		}
		m.Permissions = perms
	}
	return &info, nil
}

func parsePermissions(text string) (memory.Perm, error) {
	var perms memory.Perm
	for _, c := range text {
		switch c {
		case 'r', 'R':
			perms |= memory.Read
		case 'w', 'W':
			perms |= memory.Write
		case 'x', 'X':
			perms |= memory.Execute
		case '-':
			// explicit absence, nothing to set
		default:
			return 0, fmt.Errorf("unrecognized permission character %q", c)
		}
	}
	return perms, nil
}
