package uploader

import (
	"errors"
	"fmt"

	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
)

// ProtectedAreaHint is printed with a ProtectedArea error.
const ProtectedAreaHint = "This HEX file contains data required to be placed in the protected area " +
	"at the beginning of the internal Flash where the bootloader lives. " +
	"Make sure you have compiled with BOOTLOADER=true."

// ErrTimeout is returned when the device stops answering.
var ErrTimeout = errors.New("uploader: device did not answer in time")

// DeviceError is a fatal error reported by the bootloader.
type DeviceError struct {
	Code protocol.BLError
	// Line is the 1-based line of the image that was rejected, 0 if unknown.
	Line int
	// Raw holds the serial acknowledgement byte when it was not a known
	// digit.
	Raw byte
}

func (e *DeviceError) Error() string {
	name := e.Code.String()
	if e.Raw != 0 {
		name = fmt.Sprintf("%d", e.Raw)
	}
	msg := "Error " + name
	if e.Line > 0 {
		msg = fmt.Sprintf("%s at line %d", msg, e.Line)
	}
	if e.Code == protocol.ErrProtectedArea {
		msg += "\n" + ProtectedAreaHint
	}
	return msg
}

// PreflightError lists image problems found before anything is sent.
type PreflightError struct {
	Problems []string
}

func (e *PreflightError) Error() string {
	if len(e.Problems) == 1 {
		return "image rejected: " + e.Problems[0]
	}
	return fmt.Sprintf("image rejected: %d problems, first: %s", len(e.Problems), e.Problems[0])
}
