package kvm

import "encoding/binary"

// struct kvm_msrs has a flexible array member (kvm_msr_entry entries[0]),
// which Go cannot express directly. These helpers pack/unpack the
// equivalent flat byte buffer: an 8-byte header (nmsrs, pad) followed by
// 16-byte entries (index uint32, reserved uint32, data uint64).
const msrsHeaderSize = 8
const msrEntrySize = 16

func newMSRsBuffer(indices []uint32) []byte {
	buf := make([]byte, msrsHeaderSize+len(indices)*msrEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(indices)))
	for i, idx := range indices {
		off := msrsHeaderSize + i*msrEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], idx)
	}
	return buf
}

func encodeMSRsBuffer(entries []MSREntry) []byte {
	buf := make([]byte, msrsHeaderSize+len(entries)*msrEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	for i, e := range entries {
		off := msrsHeaderSize + i*msrEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Index)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Data)
	}
	return buf
}

func decodeMSRsBuffer(buf []byte, n int) []MSREntry {
	entries := make([]MSREntry, n)
	for i := range entries {
		off := msrsHeaderSize + i*msrEntrySize
		entries[i].Index = binary.LittleEndian.Uint32(buf[off : off+4])
		entries[i].Data = binary.LittleEndian.Uint64(buf[off+8 : off+16])
	}
	return entries
}
