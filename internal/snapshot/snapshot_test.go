package snapshot_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tartiflette-go/snapvm/internal/memory"
	"github.com/tartiflette-go/snapvm/internal/snapshot"
)

const manifest = `
mappings:
  - start: 0x1337000
    end: 0x1338000
    physical_offset: 0
    permissions: rx
  - start: 0xdeadb000
    end: 0xdeadc000
    physical_offset: 0x1000
    permissions: rw
registers:
  rax: 4096
  rbx: 0
  rcx: 0
  rdx: 823
  rsi: 0
  rdi: 0
  rsp: 0
  rbp: 0
  r8: 0
  r9: 0
  r10: 0
  r11: 0
  r12: 0
  r13: 0
  r14: 0
  r15: 0
  rip: 0x1337000
  rflags: 2
  fs_base: 0
  gs_base: 0
`

func writeManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return path
}

func TestLoadParsesMappingsAndRegisters(t *testing.T) {
	info, err := snapshot.Load(writeManifest(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(info.Mappings) != 2 {
		t.Fatalf("got %d mappings, want 2", len(info.Mappings))
	}

	code := info.Mappings[0]
	if code.Start != 0x1337000 || code.End != 0x1338000 {
		t.Fatalf("code mapping range = %#x..%#x", code.Start, code.End)
	}
	if code.Permissions != memory.Read|memory.Execute {
		t.Fatalf("code mapping permissions = %v, want Read|Execute", code.Permissions)
	}

	data := info.Mappings[1]
	if data.Permissions != memory.Read|memory.Write {
		t.Fatalf("data mapping permissions = %v, want Read|Write", data.Permissions)
	}

	if info.Registers.RAX != 4096 || info.Registers.RDX != 823 {
		t.Fatalf("unexpected register values: %+v", info.Registers)
	}
	if info.Registers.RIP != 0x1337000 {
		t.Fatalf("rip = %#x, want 0x1337000", info.Registers.RIP)
	}
}

func TestLoadRejectsInvertedRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	bad := "mappings:\n  - start: 0x2000\n    end: 0x1000\n    physical_offset: 0\n    permissions: r\nregisters: {}\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	if _, err := snapshot.Load(path); err == nil {
		t.Fatal("Load: expected error for start >= end, got nil")
	}
}

func TestLoadRejectsUnknownPermissionChar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad_perm.yaml")
	bad := "mappings:\n  - start: 0x1000\n    end: 0x2000\n    physical_offset: 0\n    permissions: z\nregisters: {}\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	if _, err := snapshot.Load(path); err == nil {
		t.Fatal("Load: expected error for unrecognized permission character, got nil")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := snapshot.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load: expected error for missing file, got nil")
	}
}
