// Package usb models the device side of vendor control transfers: a setup
// packet, a single registered handler, and the Port that dispatches
// transfers to it the way the USB interrupt does on the chip.
package usb

import (
	"fmt"
	"sync"
)

// Direction of the data stage of a control transfer.
type Direction uint8

const (
	Out Direction = 0 // host -> device
	In  Direction = 1 // device -> host
)

func (d Direction) String() string {
	if d == In {
		return "IN"
	}
	return "OUT"
}

// Setup is the setup packet of a control transfer.
type Setup struct {
	Direction Direction
	Request   uint8
	Value     uint16
	Index     uint16
	Length    uint16
}

func (s Setup) String() string {
	return fmt.Sprintf("%v req=%d val=%d idx=%d len=%d", s.Direction, s.Request, s.Value, s.Index, s.Length)
}

// ControlHandler runs in interrupt context for every control transfer. For
// OUT transfers data holds the payload; for IN transfers the handler fills
// data and returns how many bytes it wrote. handled is false when the
// request is not recognised, which stalls the transfer.
//
// Handlers must only copy bytes and flip flags; parsing and flash writes
// belong to the main loop.
type ControlHandler func(setup Setup, data []byte) (n int, handled bool)

// Port is the device's control endpoint. A single handler is registered at
// a time, as with the interrupt vector on the chip; transfers are
// serialised, as the interrupt cannot preempt itself.
type Port struct {
	mu      sync.Mutex
	handler ControlHandler
	gen     uint64
}

// SetControlHandler registers h, replacing the previous handler. A nil h
// stalls every request.
func (p *Port) SetControlHandler(h ControlHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Detach drops the device off the bus: the handler is removed and hosts
// attached before the call see their connection go away.
func (p *Port) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = nil
	p.gen++
}

// Generation counts Detach calls.
func (p *Port) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// Control delivers one transfer to the registered handler.
func (p *Port) Control(setup Setup, data []byte) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler == nil {
		return 0, false
	}
	n, handled := p.handler(setup, data)
	if n > len(data) {
		n = len(data)
	}
	return n, handled
}
