package bootloader

import (
	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
	"github.com/shaunagostinho/tungsten-boot/internal/usb"
)

// HandleControl is the session's usb.ControlHandler. It runs in interrupt
// context: it answers status requests, flips the connection flag, and
// copies WRITE payloads into the frame buffer for the main loop.
func (s *Session) HandleControl(setup usb.Setup, data []byte) (int, bool) {
	req := protocol.Request(setup.Request)

	if setup.Direction == usb.In || setup.Length == 0 {
		switch req {
		case protocol.RequestStartBootloader:
			// Already running.
			return 0, true

		case protocol.RequestConnect:
			ch := Channel(s.channel.Load())
			if ch == ChannelSerial {
				return 0, true
			}
			if ch == ChannelNone && !s.channel.CompareAndSwap(uint32(ChannelNone), uint32(ChannelUSB)) {
				return 0, true
			}
			s.connects.Add(1)
			s.connected.Store(true)
			return 0, true

		case protocol.RequestStatus:
			if len(data) < 1 {
				return 0, true
			}
			data[0] = byte(s.status.Load())
			return 1, true

		case protocol.RequestGetError:
			if len(data) < 1 {
				return 0, true
			}
			data[0] = byte(s.errCode.Load())
			return 1, true
		}
		return 0, false
	}

	if req != protocol.RequestWrite {
		return 0, false
	}
	if Channel(s.channel.Load()) != ChannelUSB || s.Status() == protocol.StatusError {
		return 0, true
	}
	if len(data) > len(s.frame.buf) {
		s.latch(protocol.ErrOverflow)
		return 0, true
	}

	s.frame.mu.Lock()
	defer s.frame.mu.Unlock()
	if s.frame.full {
		// The host did not wait for READY.
		return 0, true
	}
	s.status.Store(uint32(protocol.StatusBusy))
	s.frame.n = copy(s.frame.buf, data)
	s.frame.full = true
	return 0, true
}
