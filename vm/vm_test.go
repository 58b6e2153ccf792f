package vm_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tartiflette-go/snapvm/internal/memory"
	"github.com/tartiflette-go/snapvm/vm"
)

func requireVM(t *testing.T, memorySize uint64) *vm.VM {
	t.Helper()
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("/dev/kvm not available: %v", err)
	}
	v, err := vm.New(memorySize)
	if err != nil {
		t.Skipf("creating vm: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

const shellcodePage = 0x1337000

// TestSimpleExec runs a short piece of code until it hits a software
// breakpoint.
func TestSimpleExec(t *testing.T) {
	v := requireVM(t, 512*memory.PageSize)

	shellcode := []byte{
		0x48, 0x01, 0xc2, // add rdx, rax
		0xcc, // int3
	}

	if err := v.Mmap(shellcodePage, memory.PageSize, memory.Execute); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := v.Write(shellcodePage, shellcode); err != nil {
		t.Fatalf("Write: %v", err)
	}

	v.SetReg(vm.Rax, 0x1000)
	v.SetReg(vm.Rdx, 0x337)
	v.SetReg(vm.Rip, shellcodePage)

	reason, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := reason.(vm.Breakpoint); !ok {
		t.Fatalf("Run: got %#v, want Breakpoint", reason)
	}
	if got := v.GetReg(vm.Rip); got != shellcodePage+3 {
		t.Fatalf("Rip after breakpoint = %#x, want %#x", got, shellcodePage+3)
	}
}

// TestDirtyStatus checks that a guest write to a mapped page is reflected
// in DirtyMappings, and that ClearDirtyMappings resets it.
func TestDirtyStatus(t *testing.T) {
	v := requireVM(t, 512*memory.PageSize)

	const targetPage = 0xdeadb000

	shellcode := []byte{
		0x48, 0x89, 0x10, // mov [rax], rdx
		0xcc, // int3
	}

	if err := v.Mmap(shellcodePage, memory.PageSize, memory.Execute); err != nil {
		t.Fatalf("Mmap code: %v", err)
	}
	if err := v.Write(shellcodePage, shellcode); err != nil {
		t.Fatalf("Write code: %v", err)
	}
	if err := v.Mmap(targetPage, memory.PageSize, memory.Read|memory.Write); err != nil {
		t.Fatalf("Mmap target: %v", err)
	}

	v.SetReg(vm.Rax, targetPage)
	v.SetReg(vm.Rdx, 0x42424242)
	v.SetReg(vm.Rip, shellcodePage)

	reason, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := reason.(vm.Breakpoint); !ok {
		t.Fatalf("Run: got %#v, want Breakpoint", reason)
	}

	dirtied := false
	for _, m := range v.DirtyMappings() {
		if m.VirtualAddress == targetPage {
			dirtied = true
		}
	}
	if !dirtied {
		t.Fatalf("target page %#x not reported dirty", targetPage)
	}

	v.ClearDirtyMappings()
	if len(v.DirtyMappings()) != 0 {
		t.Fatalf("dirty mappings not empty after ClearDirtyMappings: %v", v.DirtyMappings())
	}
}

// TestSimpleSyscall runs a `syscall` instruction, emulates it on the host
// side, and resumes execution.
func TestSimpleSyscall(t *testing.T) {
	v := requireVM(t, 512*memory.PageSize)

	shellcode := []byte{
		0x0f, 0x05, // syscall
		0xcc, // int3
	}

	if err := v.Mmap(shellcodePage, memory.PageSize, memory.Execute); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := v.Write(shellcodePage, shellcode); err != nil {
		t.Fatalf("Write: %v", err)
	}

	v.SetReg(vm.Rax, 0x1000)
	v.SetReg(vm.Rdx, 0x337)
	v.SetReg(vm.Rip, shellcodePage)

	reason, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := reason.(vm.Syscall); !ok {
		t.Fatalf("Run: got %#v, want Syscall", reason)
	}

	v.SetReg(vm.Rax, v.GetReg(vm.Rax)+v.GetReg(vm.Rdx))

	reason, err = v.Run()
	if err != nil {
		t.Fatalf("Run (resume): %v", err)
	}
	if _, ok := reason.(vm.Breakpoint); !ok {
		t.Fatalf("Run (resume): got %#v, want Breakpoint", reason)
	}
	if got := v.GetReg(vm.Rip); got != shellcodePage+2 {
		t.Fatalf("Rip after resume = %#x, want %#x", got, shellcodePage+2)
	}
	if got := v.GetReg(vm.Rax); got != 0x1337 {
		t.Fatalf("Rax after resume = %#x, want 0x1337", got)
	}
}

// TestPageFaultUnmappedRead checks that a read from an address with no
// translation at all surfaces as PageFault with Unmapped set and Read set.
func TestPageFaultUnmappedRead(t *testing.T) {
	v := requireVM(t, 512*memory.PageSize)

	const faultAddr = 0x2000
	shellcode := []byte{
		0x48, 0x8b, 0x04, 0x25, 0x00, 0x20, 0x00, 0x00, // mov rax, [0x2000]
		0xcc, // int3
	}

	if err := v.Mmap(shellcodePage, memory.PageSize, memory.Execute); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := v.Write(shellcodePage, shellcode); err != nil {
		t.Fatalf("Write: %v", err)
	}

	v.SetReg(vm.Rip, shellcodePage)

	reason, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	pf, ok := reason.(vm.PageFault)
	if !ok {
		t.Fatalf("Run: got %#v, want PageFault", reason)
	}
	if pf.Address != faultAddr {
		t.Fatalf("PageFault.Address = %#x, want %#x", pf.Address, uint64(faultAddr))
	}
	if !pf.Unmapped() {
		t.Fatal("PageFault.Unmapped() = false, want true")
	}
	if !pf.Read() {
		t.Fatal("PageFault.Read() = false, want true")
	}
	if pf.Write() {
		t.Fatal("PageFault.Write() = true, want false")
	}
}

// TestPageFaultWriteToReadOnly checks that a write to a present,
// read-only-mapped page surfaces as PageFault with Unmapped clear and
// Write set. This is the scenario CR0.WP gates: without it a supervisor
// write to a read-only page never faults.
func TestPageFaultWriteToReadOnly(t *testing.T) {
	v := requireVM(t, 512*memory.PageSize)

	const faultAddr = 0x2000
	shellcode := []byte{
		0x48, 0x89, 0x04, 0x25, 0x00, 0x20, 0x00, 0x00, // mov [0x2000], rax
		0xcc, // int3
	}

	if err := v.Mmap(shellcodePage, memory.PageSize, memory.Execute); err != nil {
		t.Fatalf("Mmap code: %v", err)
	}
	if err := v.Write(shellcodePage, shellcode); err != nil {
		t.Fatalf("Write code: %v", err)
	}
	if err := v.Mmap(faultAddr, memory.PageSize, memory.Read); err != nil {
		t.Fatalf("Mmap target: %v", err)
	}

	v.SetReg(vm.Rax, 0x42424242)
	v.SetReg(vm.Rip, shellcodePage)

	reason, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	pf, ok := reason.(vm.PageFault)
	if !ok {
		t.Fatalf("Run: got %#v, want PageFault", reason)
	}
	if pf.Address != faultAddr {
		t.Fatalf("PageFault.Address = %#x, want %#x", pf.Address, uint64(faultAddr))
	}
	if pf.Unmapped() {
		t.Fatal("PageFault.Unmapped() = true, want false")
	}
	if !pf.Write() {
		t.Fatal("PageFault.Write() = false, want true")
	}
	if pf.Read() {
		t.Fatal("PageFault.Read() = true, want false")
	}
}

// TestResetRestoresDirtiedPages checks that a page the guest wrote to after
// cloning the reference VM is copied back from the reference by Reset.
func TestResetRestoresDirtiedPages(t *testing.T) {
	reference := requireVM(t, 512*memory.PageSize)

	const targetPage = 0xdeadb000
	shellcode := []byte{
		0x48, 0x89, 0x10, // mov [rax], rdx
		0xcc, // int3
	}
	if err := reference.Mmap(shellcodePage, memory.PageSize, memory.Execute); err != nil {
		t.Fatalf("Mmap code: %v", err)
	}
	if err := reference.Write(shellcodePage, shellcode); err != nil {
		t.Fatalf("Write code: %v", err)
	}
	if err := reference.Mmap(targetPage, memory.PageSize, memory.Read|memory.Write); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	original := []byte("reference state")
	buf := make([]byte, len(original))
	copy(buf, original)
	if err := reference.Write(targetPage, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	live, err := reference.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer live.Close()

	live.SetReg(vm.Rax, targetPage)
	live.SetReg(vm.Rdx, 0x4242424242424242)
	live.SetReg(vm.Rip, shellcodePage)

	reason, err := live.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := reason.(vm.Breakpoint); !ok {
		t.Fatalf("Run: got %#v, want Breakpoint", reason)
	}

	live.Reset(reference)

	got := make([]byte, len(original))
	if err := live.Read(targetPage, got); err != nil {
		t.Fatalf("Read after reset: %v", err)
	}
	if string(got) != string(original) {
		t.Fatalf("Read after reset = %q, want %q", got, original)
	}
}

// TestFromSnapshotRecreatesMappingsAndRegisters builds a manifest and a
// matching raw dump file, loads them, and checks the mapped page content
// and register file landed correctly.
func TestFromSnapshotRecreatesMappingsAndRegisters(t *testing.T) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("/dev/kvm not available: %v", err)
	}

	dir := t.TempDir()
	dumpPath := filepath.Join(dir, "memory.dump")
	infoPath := filepath.Join(dir, "snapshot.yaml")

	page := make([]byte, memory.PageSize)
	copy(page, []byte{0x48, 0x01, 0xc2, 0xcc})
	if err := os.WriteFile(dumpPath, page, 0o644); err != nil {
		t.Fatalf("writing dump: %v", err)
	}

	manifest := `
mappings:
  - start: 0x1337000
    end: 0x1338000
    physical_offset: 0
    permissions: rx
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
	if err := os.WriteFile(infoPath, []byte(manifest), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	v, err := vm.FromSnapshot(infoPath, dumpPath, 512*memory.PageSize)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	defer v.Close()

	if got := v.GetReg(vm.Rax); got != 4096 {
		t.Fatalf("Rax = %d, want 4096", got)
	}
	if got := v.GetReg(vm.Rip); got != shellcodePage {
		t.Fatalf("Rip = %#x, want %#x", got, uint64(shellcodePage))
	}

	reason, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := reason.(vm.Breakpoint); !ok {
		t.Fatalf("Run: got %#v, want Breakpoint", reason)
	}
}
