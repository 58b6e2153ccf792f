package x64

// GDTEntry is a classic 8-byte segment descriptor. Long mode only consults a
// handful of its fields for code/data segments (base and limit are mostly
// ignored when paging is active and the segment is flagged 64-bit), but the
// full layout is kept so the bytes written to guest memory match what the
// processor expects bit-for-bit.
//
//	LimitLow   bits 0:15 of the segment limit
//	BaseLow    bits 0:15 of the segment base
//	BaseMid    bits 16:23 of the segment base
//	Access     type(4) | S(1) | DPL(2) | P(1)
//	LimitHigh  limit bits 16:19 in the low nibble, flags (AVL,L,D/B,G) in the high nibble
//	BaseHigh   bits 24:31 of the segment base
type GDTEntry struct {
	LimitLow  uint16
	BaseLow   uint16
	BaseMid   uint8
	Access    uint8
	LimitHigh uint8
	BaseHigh  uint8
}

// NewGDTEntry packs a descriptor from its base/limit/access/flags fields.
func NewGDTEntry(base uint32, limit uint32, access uint8, flags uint8) GDTEntry {
	return GDTEntry{
		LimitLow:  uint16(limit & 0xFFFF),
		BaseLow:   uint16(base & 0xFFFF),
		BaseMid:   uint8((base >> 16) & 0xFF),
		Access:    access,
		LimitHigh: uint8((limit>>16)&0x0F) | (flags & 0xF0),
		BaseHigh:  uint8((base >> 24) & 0xFF),
	}
}

// NullDescriptor returns the mandatory zero entry at GDT index 0.
func NullDescriptor() GDTEntry {
	return GDTEntry{}
}

// CodeSegment64 returns a flat 64-bit ring-0 code descriptor: L=1 (long
// mode), type=11 (execute/read, accessed), present, DPL 0. Base and limit
// are ignored by the processor in 64-bit mode but are zeroed for clarity.
func CodeSegment64() GDTEntry {
	const (
		accessPresent    = 1 << 7
		accessCodeOrData = 1 << 4
		accessExecRead   = 0xA
		flagLongMode     = 1 << 5
	)
	access := uint8(accessPresent | accessCodeOrData | accessExecRead | 1) // type 11: execute/read/accessed
	return NewGDTEntry(0, 0, access, flagLongMode)
}

// DataSegment64 returns the flat data descriptor shared by DS/ES/FS/GS/SS:
// type=3 (read/write, accessed), present, DPL 0.
func DataSegment64() GDTEntry {
	const (
		accessPresent    = 1 << 7
		accessCodeOrData = 1 << 4
		accessReadWrite  = 0x3
	)
	access := uint8(accessPresent | accessCodeOrData | accessReadWrite)
	return NewGDTEntry(0, 0, access, 0)
}

// TSSDescriptor is the 16-byte system descriptor long mode uses for the TSS
// selector: a regular GDTEntry followed by the upper 32 bits of the base
// address and a reserved dword.
type TSSDescriptor struct {
	Low      GDTEntry
	BaseHigh uint32
	Reserved uint32
}

// NewTSSDescriptor builds the TSS descriptor for a TSS located at base,
// sized sizeMinusOne+1 bytes, available (type 0x9) at the given privilege
// level.
func NewTSSDescriptor(base uint64, sizeMinusOne uint32, dpl PrivilegeLevel) TSSDescriptor {
	const (
		accessPresent = 1 << 7
		accessTypeTSS = 0x9 // 64-bit TSS (available)
	)
	access := uint8(accessPresent) | (uint8(dpl) << 5) | accessTypeTSS
	low := NewGDTEntry(uint32(base), sizeMinusOne, access, 0)
	return TSSDescriptor{
		Low:      low,
		BaseHigh: uint32(base >> 32),
		Reserved: 0,
	}
}
