package memory

// Long-mode 4-level paging: PML4 -> PDPT -> PD -> PT, 4KiB leaf pages only
// (no huge-page support — this toy guest address space never needs more
// than a handful of mappings).

const (
	// PageSize is the size in bytes of a single guest page and of every
	// page-table page.
	PageSize = 4096

	entriesPerTable = 512
	entryBytes      = 8
)

// Entry flag bits, standard x86-64 paging-structure layout.
const (
	entryPresent    uint64 = 1 << 0
	entryWritable   uint64 = 1 << 1
	entryUser       uint64 = 1 << 2
	entryAccessed   uint64 = 1 << 5
	entryDirty      uint64 = 1 << 6
	entryNoExecute  uint64 = 1 << 63
	entryAddrMask   uint64 = 0x000F_FFFF_FFFF_F000
)

// pagingIndices splits a canonical 48-bit virtual address into its four
// 9-bit table indices.
func pagingIndices(vaddr uint64) (pml4, pdpt, pd, pt uint64) {
	pml4 = (vaddr >> 39) & 0x1FF
	pdpt = (vaddr >> 30) & 0x1FF
	pd = (vaddr >> 21) & 0x1FF
	pt = (vaddr >> 12) & 0x1FF
	return
}

func alignDown(addr, align uint64) uint64 {
	return addr &^ (align - 1)
}

func alignUp(addr, align uint64) uint64 {
	return alignDown(addr+align-1, align)
}
