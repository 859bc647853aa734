// Package flash models the on-chip flash array as a set of numbered pages
// plus the non-volatile bootloader flags. Page numbers are the only way to
// address the array; callers never compute raw flash addresses.
package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SAM4L flash geometry.
const (
	DefaultPageSize = 512
	DefaultNumPages = 512 // 256 KiB
)

// Erased is the value of every byte of an erased page.
const Erased = 0xFF

// ErrPageRange is returned for a page number outside the array.
var ErrPageRange = errors.New("flash: page out of range")

// Geometry describes the page layout of a flash array.
type Geometry struct {
	PageSize int `yaml:"page_size" json:"pageSize"`
	NumPages int `yaml:"num_pages" json:"numPages"`
}

// DefaultGeometry returns the SAM4LC4 layout.
func DefaultGeometry() Geometry {
	return Geometry{PageSize: DefaultPageSize, NumPages: DefaultNumPages}
}

// Validate checks the page size is a non-zero multiple of the word size.
func (g Geometry) Validate() error {
	if g.PageSize <= 0 || g.PageSize%4 != 0 {
		return fmt.Errorf("flash: page size %d is not a positive multiple of 4", g.PageSize)
	}
	if g.NumPages <= 0 {
		return fmt.Errorf("flash: %d pages", g.NumPages)
	}
	return nil
}

// Size returns the size of the array in bytes.
func (g Geometry) Size() int { return g.PageSize * g.NumPages }

// Fuse identifies a non-volatile bootloader flag.
type Fuse uint8

const (
	// FuseFirmwareReady is set after a complete upload and cleared before
	// the first page write of an update.
	FuseFirmwareReady Fuse = iota
	// FuseForceBootloader is set by the application to request an update.
	FuseForceBootloader
	// FuseSkipTimeout is a one-shot flag the bootloader sets before it
	// resets into the application.
	FuseSkipTimeout

	numFuses
)

func (f Fuse) String() string {
	switch f {
	case FuseFirmwareReady:
		return "firmware_ready"
	case FuseForceBootloader:
		return "force_bootloader"
	case FuseSkipTimeout:
		return "skip_timeout"
	}
	return fmt.Sprintf("Fuse(%d)", uint8(f))
}

// Store is the flash controller boundary. Every operation is synchronous:
// it returns once the controller reports ready.
type Store interface {
	Geometry() Geometry

	// ReadPage copies page into buf, which must hold one page.
	ReadPage(page int, buf []byte) error
	// ErasePage sets every byte of page to Erased.
	ErasePage(page int) error
	// WritePage erases page and programs it with data, which must be
	// exactly one page long.
	WritePage(page int, data []byte) error

	Fuse(f Fuse) bool
	SetFuse(f Fuse, v bool) error
}

// ReadVectorTable returns the initial stack pointer and reset handler
// stored in the first two words of page.
func ReadVectorTable(s Store, page int) (sp, reset uint32, err error) {
	buf := make([]byte, s.Geometry().PageSize)
	if err := s.ReadPage(page, buf); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]), nil
}

func checkPage(g Geometry, page int) error {
	if page < 0 || page >= g.NumPages {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrPageRange, page, g.NumPages)
	}
	return nil
}

func checkLen(g Geometry, data []byte) error {
	if len(data) != g.PageSize {
		return fmt.Errorf("flash: buffer of %d bytes, page is %d", len(data), g.PageSize)
	}
	return nil
}
