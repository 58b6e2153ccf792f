// Package memory implements the guest's physical backing store and its
// software-built long-mode page tables. It is the VirtualMemory collaborator:
// the vm package drives it to map guest pages, read and write guest-virtual
// addresses, and pull per-page dirty state out of the real x86 page table
// entries after a run.
package memory

import (
	"fmt"
)

// Perm is a guest page permission bitmask.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Execute
)

// Mapping describes one guest page: its virtual address, the permissions it
// was mapped with, and whether the hardware has set its Dirty bit since the
// last ClearDirty.
type Mapping struct {
	VirtualAddress uint64
	Permissions    Perm
	Dirty          bool
}

type mappedPage struct {
	physAddr uint64
	perms    Perm
}

// VirtualMemory is the guest's entire physical address space: one flat byte
// slice that both holds guest data and, interleaved via a bump allocator,
// the PML4/PDPT/PD/PT tables that translate it. The slice is what gets
// registered as KVM memory slot 0.
type VirtualMemory struct {
	backing     []byte
	size        uint64
	nextFree    uint64
	pml4Phys    uint64
	pages       map[uint64]*mappedPage
	tableOrder  []uint64 // physical addresses of allocated page-table pages
}

// New allocates a guest physical address space of at least size bytes,
// rounded up to a page, and carves out the root PML4 table.
func New(size uint64) (*VirtualMemory, error) {
	size = alignUp(size, PageSize)
	if size == 0 {
		return nil, fmt.Errorf("memory: size must be non-zero")
	}
	vm := &VirtualMemory{
		backing: make([]byte, size),
		size:    size,
		pages:   make(map[uint64]*mappedPage),
	}
	root, err := vm.allocPage()
	if err != nil {
		return nil, fmt.Errorf("memory: allocating PML4 root: %w", err)
	}
	vm.pml4Phys = root
	vm.tableOrder = append(vm.tableOrder, root)
	return vm, nil
}

// Size returns the total guest physical address space in bytes.
func (vm *VirtualMemory) Size() uint64 { return vm.size }

// Backing exposes the raw physical backing, for registering as a KVM user
// memory region and for snapshot clone/reset byte copies.
func (vm *VirtualMemory) Backing() []byte { return vm.backing }

// PageDirectory returns the guest-physical address of the root PML4 table,
// the value CR3 must be loaded with.
func (vm *VirtualMemory) PageDirectory() uint64 { return vm.pml4Phys }

func (vm *VirtualMemory) allocPage() (uint64, error) {
	if vm.nextFree+PageSize > vm.size {
		return 0, fmt.Errorf("memory: out of guest physical memory (%d bytes)", vm.size)
	}
	addr := vm.nextFree
	vm.nextFree += PageSize
	clear(vm.backing[addr : addr+PageSize])
	return addr, nil
}

func (vm *VirtualMemory) entryAt(tablePhys, index uint64) uint64 {
	off := tablePhys + index*entryBytes
	return leUint64(vm.backing[off : off+entryBytes])
}

func (vm *VirtualMemory) setEntryAt(tablePhys, index, value uint64) {
	off := tablePhys + index*entryBytes
	putLEUint64(vm.backing[off:off+entryBytes], value)
}

// walkCreate walks the 4-level table rooted at pml4Phys for vaddr, creating
// any intermediate table that doesn't exist yet, and returns the physical
// address of (and index into) the leaf PT.
func (vm *VirtualMemory) walkCreate(vaddr uint64) (ptPhys uint64, ptIndex uint64, err error) {
	pml4i, pdpti, pdi, pti := pagingIndices(vaddr)

	next := func(tablePhys, index uint64) (uint64, error) {
		entry := vm.entryAt(tablePhys, index)
		if entry&entryPresent != 0 {
			return entry & entryAddrMask, nil
		}
		child, err := vm.allocPage()
		if err != nil {
			return 0, err
		}
		vm.tableOrder = append(vm.tableOrder, child)
		vm.setEntryAt(tablePhys, index, child|entryPresent|entryWritable|entryUser)
		return child, nil
	}

	pdptPhys, err := next(vm.pml4Phys, pml4i)
	if err != nil {
		return 0, 0, err
	}
	pdPhys, err := next(pdptPhys, pdpti)
	if err != nil {
		return 0, 0, err
	}
	ptPhys, err = next(pdPhys, pdi)
	if err != nil {
		return 0, 0, err
	}
	return ptPhys, pti, nil
}

// walk walks the table for vaddr without creating anything, returning false
// if any level is not present.
func (vm *VirtualMemory) walk(vaddr uint64) (ptPhys uint64, ptIndex uint64, ok bool) {
	pml4i, pdpti, pdi, pti := pagingIndices(vaddr)

	descend := func(tablePhys, index uint64) (uint64, bool) {
		entry := vm.entryAt(tablePhys, index)
		if entry&entryPresent == 0 {
			return 0, false
		}
		return entry & entryAddrMask, true
	}

	pdptPhys, ok := descend(vm.pml4Phys, pml4i)
	if !ok {
		return 0, 0, false
	}
	pdPhys, ok := descend(pdptPhys, pdpti)
	if !ok {
		return 0, 0, false
	}
	ptPhys, ok = descend(pdPhys, pdi)
	if !ok {
		return 0, 0, false
	}
	return ptPhys, pti, true
}

// Mmap maps [vaddr, vaddr+size) with the given permissions, allocating fresh
// zeroed physical pages and building whatever page-table levels are missing.
// vaddr and size must be page-aligned.
func (vm *VirtualMemory) Mmap(vaddr uint64, size uint64, perms Perm) error {
	if vaddr%PageSize != 0 {
		return fmt.Errorf("memory: vaddr %#x is not page-aligned", vaddr)
	}
	if size%PageSize != 0 || size == 0 {
		return fmt.Errorf("memory: size %#x is not a non-zero page multiple", size)
	}

	pages := size / PageSize
	for i := uint64(0); i < pages; i++ {
		pageVaddr := vaddr + i*PageSize
		if _, exists := vm.pages[pageVaddr]; exists {
			return fmt.Errorf("memory: %#x is already mapped", pageVaddr)
		}

		physAddr, err := vm.allocPage()
		if err != nil {
			return err
		}
		ptPhys, ptIndex, err := vm.walkCreate(pageVaddr)
		if err != nil {
			return err
		}

		entry := physAddr | entryPresent | entryUser
		if perms&Write != 0 {
			entry |= entryWritable
		}
		if perms&Execute == 0 {
			entry |= entryNoExecute
		}
		vm.setEntryAt(ptPhys, ptIndex, entry)
		vm.pages[pageVaddr] = &mappedPage{physAddr: physAddr, perms: perms}
	}
	return nil
}

func (vm *VirtualMemory) translate(vaddr uint64) (uint64, error) {
	page := alignDown(vaddr, PageSize)
	mp, ok := vm.pages[page]
	if !ok {
		return 0, fmt.Errorf("memory: %#x is not mapped", vaddr)
	}
	return mp.physAddr + (vaddr - page), nil
}

// Read copies len(data) bytes starting at vaddr out of guest memory. The
// range must lie entirely within mapped pages but may span several of them.
func (vm *VirtualMemory) Read(vaddr uint64, data []byte) error {
	remaining := len(data)
	cursor := vaddr
	offset := 0
	for remaining > 0 {
		page := alignDown(cursor, PageSize)
		phys, err := vm.translate(cursor)
		if err != nil {
			return err
		}
		n := int(page + PageSize - cursor)
		if n > remaining {
			n = remaining
		}
		copy(data[offset:offset+n], vm.backing[phys:phys+uint64(n)])
		cursor += uint64(n)
		offset += n
		remaining -= n
	}
	return nil
}

// Write copies data into guest memory starting at vaddr.
func (vm *VirtualMemory) Write(vaddr uint64, data []byte) error {
	remaining := len(data)
	cursor := vaddr
	offset := 0
	for remaining > 0 {
		page := alignDown(cursor, PageSize)
		phys, err := vm.translate(cursor)
		if err != nil {
			return err
		}
		n := int(page + PageSize - cursor)
		if n > remaining {
			n = remaining
		}
		copy(vm.backing[phys:phys+uint64(n)], data[offset:offset+n])
		cursor += uint64(n)
		offset += n
		remaining -= n
	}
	return nil
}

// ReadVal reads a fixed-size value of type T from guest-virtual address
// vaddr using its in-memory byte layout.
func ReadVal[T any](vm *VirtualMemory, vaddr uint64) (T, error) {
	var val T
	buf := make([]byte, sizeOf(val))
	if err := vm.Read(vaddr, buf); err != nil {
		return val, err
	}
	decodeInto(&val, buf)
	return val, nil
}

// WriteVal writes val's in-memory byte layout to guest-virtual address
// vaddr.
func WriteVal[T any](vm *VirtualMemory, vaddr uint64, val T) error {
	buf := encodeFrom(val)
	return vm.Write(vaddr, buf)
}

// AdoptBookkeeping replaces vm's page bookkeeping (mapped addresses,
// permissions, and the bump allocator state) with a copy of other's. Used
// by a cloned VM right after its physical backing is copied byte-for-byte
// from other, so Read/Write/Mappings see the same pages the raw page
// tables already describe.
func (vm *VirtualMemory) AdoptBookkeeping(other *VirtualMemory) {
	vm.pages = make(map[uint64]*mappedPage, len(other.pages))
	for vaddr, mp := range other.pages {
		copied := *mp
		vm.pages[vaddr] = &copied
	}
	vm.nextFree = other.nextFree
	vm.tableOrder = append([]uint64(nil), other.tableOrder...)
	vm.pml4Phys = other.pml4Phys
}

// Mappings returns every currently mapped page, with its live dirty state.
func (vm *VirtualMemory) Mappings() []Mapping {
	out := make([]Mapping, 0, len(vm.pages))
	for vaddr, mp := range vm.pages {
		out = append(out, Mapping{
			VirtualAddress: vaddr,
			Permissions:    mp.perms,
			Dirty:          vm.isDirty(vaddr),
		})
	}
	return out
}

// DirtyMappings returns only the mappings whose PTE Dirty bit is set.
func (vm *VirtualMemory) DirtyMappings() []Mapping {
	var out []Mapping
	for vaddr, mp := range vm.pages {
		if vm.isDirty(vaddr) {
			out = append(out, Mapping{VirtualAddress: vaddr, Permissions: mp.perms, Dirty: true})
		}
	}
	return out
}

func (vm *VirtualMemory) isDirty(vaddr uint64) bool {
	ptPhys, idx, ok := vm.walk(vaddr)
	if !ok {
		return false
	}
	return vm.entryAt(ptPhys, idx)&entryDirty != 0
}

// ClearDirty clears the hardware Dirty bit on every mapped page's PTE.
func (vm *VirtualMemory) ClearDirty() {
	for vaddr := range vm.pages {
		ptPhys, idx, ok := vm.walk(vaddr)
		if !ok {
			continue
		}
		entry := vm.entryAt(ptPhys, idx)
		vm.setEntryAt(ptPhys, idx, entry&^entryDirty)
	}
}
