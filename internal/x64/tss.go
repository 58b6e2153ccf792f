package x64

// TSS is the 64-bit Task State Segment. In long mode its only job is to
// host the privilege-level stack pointers and the Interrupt Stack Table;
// the rest of the classic TSS fields are unused by hardware and kept only
// for layout correctness.
type TSS struct {
	reserved0 uint32
	RSP       [3]uint64
	reserved1 uint64
	IST       [7]uint64
	reserved2 uint64
	reserved3 uint16
	IOMapBase uint16
}

// TSSSize is the byte size of the 64-bit TSS layout.
const TSSSize = 104

// NewTSS returns a zeroed TSS with the I/O map base pointing past the end
// of the structure (no I/O permission bitmap).
func NewTSS() TSS {
	return TSS{IOMapBase: uint16(TSSSize)}
}

// SetIST installs stackTop as the stack pointer for IST index (1-7).
func (t *TSS) SetIST(index int, stackTop uint64) {
	t.IST[index-1] = stackTop
}
