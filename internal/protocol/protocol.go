// Package protocol holds the wire constants shared by the bootloader and the
// host-side code uploader.
package protocol

import "fmt"

// USB identifiers of a board running the bootloader.
const (
	USBVendorID  uint16 = 0x1209
	USBProductID uint16 = 0xCA4B
)

// Request is the bRequest field of a vendor control transfer (host -> device).
type Request uint8

const (
	RequestStartBootloader Request = 0
	RequestConnect         Request = 1
	RequestStatus          Request = 2 // a.k.a. GET_STATUS
	RequestWrite           Request = 3
	RequestGetError        Request = 4
)

func (r Request) String() string {
	switch r {
	case RequestStartBootloader:
		return "START_BOOTLOADER"
	case RequestConnect:
		return "CONNECT"
	case RequestStatus:
		return "STATUS"
	case RequestWrite:
		return "WRITE"
	case RequestGetError:
		return "GET_ERROR"
	}
	return fmt.Sprintf("Request(%d)", uint8(r))
}

// Status is polled by the host between writes.
type Status uint8

const (
	StatusReady Status = 0
	StatusBusy  Status = 1
	StatusError Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusBusy:
		return "BUSY"
	case StatusError:
		return "ERROR"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// BLError is the latched session error code.
type BLError uint8

const (
	ErrNone              BLError = 0
	ErrChecksumMismatch  BLError = 1
	ErrProtectedArea     BLError = 2
	ErrUnknownRecordType BLError = 3
	ErrOverflow          BLError = 4
	// ErrFlash covers a target page past the end of the flash array and a
	// failing flash primitive.
	ErrFlash BLError = 5

	numErrors = 6
)

var errorNames = [numErrors]string{
	"NONE",
	"CHECKSUM_MISMATCH",
	"PROTECTED_AREA",
	"UNKNOWN_RECORD_TYPE",
	"OVERFLOW",
	"FLASH_ERROR",
}

func (e BLError) String() string {
	if int(e) < numErrors {
		return errorNames[e]
	}
	return fmt.Sprintf("BLError(%d)", uint8(e))
}

// Valid reports whether e is a known error code.
func (e BLError) Valid() bool { return int(e) < numErrors }

// Serial handshake. The host sends Syn, the device answers Ack.
var (
	Syn = []byte("SYN")
	Ack = []byte("ACK")
)

const (
	// RecordMark starts every hex record line.
	RecordMark = ':'
	// LineEnd terminates a record line on the serial channel.
	LineEnd = '\n'

	// DefaultBaudRate of the serial channel (8N1).
	DefaultBaudRate = 115200
)

// Serial acknowledgement digits, one per frame (protocol v1). The digit
// sent for a fatal error is the last byte of the session.
const (
	AckOK                byte = '0'
	AckProtectedArea     byte = '1'
	AckChecksumMismatch  byte = '2'
	AckUnknownRecordType byte = '3'
	AckOverflow          byte = '4'
	AckFlash             byte = '5'
)

// AckFor returns the serial acknowledgement digit for an error code.
func AckFor(e BLError) byte {
	switch e {
	case ErrNone:
		return AckOK
	case ErrProtectedArea:
		return AckProtectedArea
	case ErrChecksumMismatch:
		return AckChecksumMismatch
	case ErrUnknownRecordType:
		return AckUnknownRecordType
	case ErrOverflow:
		return AckOverflow
	}
	return AckFlash
}

// ErrorForAck is the inverse of AckFor. ok is false for bytes that are not
// acknowledgement digits.
func ErrorForAck(b byte) (e BLError, ok bool) {
	switch b {
	case AckOK:
		return ErrNone, true
	case AckProtectedArea:
		return ErrProtectedArea, true
	case AckChecksumMismatch:
		return ErrChecksumMismatch, true
	case AckUnknownRecordType:
		return ErrUnknownRecordType, true
	case AckOverflow:
		return ErrOverflow, true
	case AckFlash:
		return ErrFlash, true
	}
	return ErrNone, false
}
