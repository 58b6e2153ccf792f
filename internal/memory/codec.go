package memory

import (
	"bytes"
	"encoding/binary"
)

func leUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func putLEUint64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// sizeOf and the encode/decode helpers below let ReadVal/WriteVal work with
// any fixed-size value (integers, arrays, structs of fixed-size fields) the
// same way encoding/binary's reflective Read/Write do.
func sizeOf(v any) int {
	return binary.Size(v)
}

func encodeFrom(v any) []byte {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err) // only fixed-size values are ever passed to WriteVal
	}
	return buf.Bytes()
}

func decodeInto(dst any, data []byte) {
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, dst); err != nil {
		panic(err) // only fixed-size values are ever passed to ReadVal
	}
}
