package bootloader

import (
	"errors"

	"github.com/shaunagostinho/tungsten-boot/internal/ihex"
	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
)

// Fatal session errors. Each one halts the session until an external reset.
var (
	ErrProtectedArea     = errors.New("bootloader: write to protected area")
	ErrUnknownRecordType = errors.New("bootloader: unknown record type")
	ErrOverflow          = errors.New("bootloader: frame buffer overflow")
	ErrFlash             = errors.New("bootloader: flash write failed")
)

// CodeOf maps an error returned by the parser or the assembler to its wire
// code. nil maps to ErrNone, anything unrecognised to ErrFlash.
func CodeOf(err error) protocol.BLError {
	switch {
	case err == nil:
		return protocol.ErrNone
	case errors.Is(err, ihex.ErrChecksumMismatch):
		return protocol.ErrChecksumMismatch
	case errors.Is(err, ErrProtectedArea):
		return protocol.ErrProtectedArea
	case errors.Is(err, ErrUnknownRecordType):
		return protocol.ErrUnknownRecordType
	case errors.Is(err, ErrOverflow):
		return protocol.ErrOverflow
	}
	return protocol.ErrFlash
}
