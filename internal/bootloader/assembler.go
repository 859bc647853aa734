package bootloader

import (
	"fmt"

	"github.com/shaunagostinho/tungsten-boot/internal/flash"
	"github.com/shaunagostinho/tungsten-boot/internal/ihex"
)

// NoPage is the page index of an empty page buffer.
const NoPage = -1

// Assembler gathers data records into a single page-sized buffer and writes
// the buffer to flash whenever the target page changes and at end of file.
//
// Target addresses are resolved as
//
//	recordAddress + extendedSegmentAddress*16 + extendedLinearAddress<<16
//
// so images using either kind of extended address record are accepted.
type Assembler struct {
	store     flash.Store
	geom      flash.Geometry
	protected int

	buf     []byte
	current int

	extSegment uint16
	extLinear  uint16

	// wrote is per boot, not per connection: firmware_ready is cleared once.
	wrote bool

	// OnPageWrite is called after each successful page write.
	OnPageWrite func(page int, first bool)
}

// NewAssembler allocates the page buffer. Pages below protectedPages are
// never written.
func NewAssembler(store flash.Store, protectedPages int) *Assembler {
	g := store.Geometry()
	return &Assembler{
		store:     store,
		geom:      g,
		protected: protectedPages,
		buf:       make([]byte, g.PageSize),
		current:   NoPage,
	}
}

// Reset discards the page buffer and the address resolution state, as on a
// new connection.
func (a *Assembler) Reset() {
	a.extSegment = 0
	a.extLinear = 0
	a.selectPage(NoPage)
}

// CurrentPage returns the page the buffer holds, or NoPage.
func (a *Assembler) CurrentPage() int { return a.current }

// Buffer exposes the page buffer for inspection. Callers must not modify it.
func (a *Assembler) Buffer() []byte { return a.buf }

// Resolve returns the flat address of a record address under the current
// extended address state.
func (a *Assembler) Resolve(addr uint16) uint32 {
	return uint32(addr) + uint32(a.extSegment)*16 + uint32(a.extLinear)<<16
}

// Apply processes one checksum-valid record. eof is true once an end of file
// record has been committed.
func (a *Assembler) Apply(r *ihex.Record) (eof bool, err error) {
	switch r.Type {
	case ihex.TypeData:
		return false, a.applyData(r)

	case ihex.TypeEndOfFile:
		if a.current != NoPage {
			if err := a.flush(); err != nil {
				return false, err
			}
		}
		if err := a.store.SetFuse(flash.FuseFirmwareReady, true); err != nil {
			return false, fmt.Errorf("%w: set firmware ready: %w", ErrFlash, err)
		}
		return true, nil

	case ihex.TypeExtendedSegmentAddress:
		a.extSegment = r.Word()
	case ihex.TypeExtendedLinearAddress:
		a.extLinear = r.Word()

	case ihex.TypeStartSegmentAddress, ihex.TypeStartLinearAddress:
		// Entry point records mean nothing to the flash layout.

	default:
		return false, fmt.Errorf("%w: 0x%02X", ErrUnknownRecordType, uint8(r.Type))
	}
	return false, nil
}

func (a *Assembler) applyData(r *ihex.Record) error {
	addr := a.Resolve(r.Address)
	page := int(addr / uint32(a.geom.PageSize))
	offset := int(addr % uint32(a.geom.PageSize))

	if page < a.protected {
		return fmt.Errorf("%w: address 0x%08X is in page %d, first application page is %d",
			ErrProtectedArea, addr, page, a.protected)
	}
	if page >= a.geom.NumPages {
		return fmt.Errorf("%w: address 0x%08X is past the end of flash", ErrFlash, addr)
	}

	if page != a.current {
		if a.current != NoPage {
			if err := a.flush(); err != nil {
				return err
			}
		}
		a.selectPage(page)
	}

	data := r.Payload()
	for {
		n := copy(a.buf[offset:], data)
		data = data[n:]
		if len(data) == 0 {
			return nil
		}
		// The record runs over into the next page.
		if err := a.flush(); err != nil {
			return err
		}
		next := a.current + 1
		if next >= a.geom.NumPages {
			return fmt.Errorf("%w: record at 0x%08X runs past the end of flash", ErrFlash, addr)
		}
		a.selectPage(next)
		offset = 0
	}
}

// selectPage points the buffer at page and zero-fills it.
func (a *Assembler) selectPage(page int) {
	a.current = page
	for i := range a.buf {
		a.buf[i] = 0
	}
}

// flush writes the buffer to the current page. firmware_ready is cleared
// before the first write of a boot reaches the array.
func (a *Assembler) flush() error {
	first := !a.wrote
	if first {
		if err := a.store.SetFuse(flash.FuseFirmwareReady, false); err != nil {
			return fmt.Errorf("%w: clear firmware ready: %w", ErrFlash, err)
		}
		a.wrote = true
	}
	if err := a.store.WritePage(a.current, a.buf); err != nil {
		return fmt.Errorf("%w: page %d: %w", ErrFlash, a.current, err)
	}
	if a.OnPageWrite != nil {
		a.OnPageWrite(a.current, first)
	}
	return nil
}
