package ihex

import "fmt"

const hexDigits = "0123456789ABCDEF"

// AppendLine appends a complete record line, ':' mark included and line
// terminator excluded, to dst. data longer than MaxDataLen is an error.
func AppendLine(dst []byte, t RecordType, addr uint16, data []byte) ([]byte, error) {
	if len(data) > MaxDataLen {
		return dst, fmt.Errorf("ihex: %d data bytes exceed the %d byte record limit", len(data), MaxDataLen)
	}
	head := [4]byte{byte(len(data)), byte(addr >> 8), byte(addr), byte(t)}

	sum := byte(0)
	dst = append(dst, ':')
	for _, b := range head {
		dst = appendByte(dst, b)
		sum += b
	}
	for _, b := range data {
		dst = appendByte(dst, b)
		sum += b
	}
	return appendByte(dst, ^sum+1), nil
}

// Line is AppendLine into a new string. It panics on oversized data, so it
// is meant for constants and tests.
func Line(t RecordType, addr uint16, data []byte) string {
	b, err := AppendLine(nil, t, addr, data)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// EndOfFileLine is the record that closes every image.
const EndOfFileLine = ":00000001FF"

func appendByte(dst []byte, b byte) []byte {
	return append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
}
