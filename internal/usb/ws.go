package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Virtual USB: one binary WebSocket message per control transfer.
//
//	request: bmRequestType, bRequest, wValue (LE), wIndex (LE), wLength (LE), OUT payload
//	reply:   status (0 ok, 1 stall), IN payload
const (
	headerLen = 8

	replyOK    = 0
	replyStall = 1

	// Request type bit 7 set means device to host.
	requestTypeIn = 0x80
)

// ErrStall is returned when the device does not handle a request.
var ErrStall = errors.New("usb: control transfer stalled")

// ErrDetached is returned once the device has dropped off the bus.
var ErrDetached = errors.New("usb: device detached")

func encodeSetup(rType, request uint8, val, idx uint16, data []byte) []byte {
	msg := make([]byte, headerLen, headerLen+len(data))
	msg[0] = rType
	msg[1] = request
	binary.LittleEndian.PutUint16(msg[2:], val)
	binary.LittleEndian.PutUint16(msg[4:], idx)
	binary.LittleEndian.PutUint16(msg[6:], uint16(len(data)))
	if rType&requestTypeIn == 0 {
		msg = append(msg, data...)
	}
	return msg
}

func decodeSetup(msg []byte) (Setup, []byte, error) {
	if len(msg) < headerLen {
		return Setup{}, nil, fmt.Errorf("usb: short setup packet (%d bytes)", len(msg))
	}
	s := Setup{
		Direction: Out,
		Request:   msg[1],
		Value:     binary.LittleEndian.Uint16(msg[2:]),
		Index:     binary.LittleEndian.Uint16(msg[4:]),
		Length:    binary.LittleEndian.Uint16(msg[6:]),
	}
	if msg[0]&requestTypeIn != 0 {
		s.Direction = In
		return s, make([]byte, s.Length), nil
	}
	payload := msg[headerLen:]
	if len(payload) != int(s.Length) {
		return Setup{}, nil, fmt.Errorf("usb: OUT payload is %d bytes, wLength %d", len(payload), s.Length)
	}
	return s, payload, nil
}

// Handler serves the device side of the virtual bus for port.
func Handler(port *Port) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[usb] upgrade error: %v", err)
			return
		}
		defer conn.Close()

		gen := port.Generation()
		log.Printf("[usb] host attached from %s", r.RemoteAddr)
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if port.Generation() != gen {
				log.Printf("[usb] device was reset, dropping host %s", r.RemoteAddr)
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			setup, data, err := decodeSetup(msg)
			if err != nil {
				log.Printf("[usb] %v", err)
				return
			}

			n, handled := port.Control(setup, data)
			reply := []byte{replyStall}
			if handled {
				reply[0] = replyOK
				if setup.Direction == In {
					reply = append(reply, data[:n]...)
				}
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				return
			}
		}
	})
}

// WSDevice is a host-side handle on a device served by Handler.
type WSDevice struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialWS attaches to the virtual bus at url (ws://host:port/usb).
func DialWS(url string) (*WSDevice, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("usb: dial %s: %w", url, err)
	}
	return &WSDevice{conn: conn}, nil
}

// Control performs one control transfer. It has the signature of
// (*gousb.Device).Control.
func (d *WSDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.conn.WriteMessage(websocket.BinaryMessage, encodeSetup(rType, request, val, idx, data)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDetached, err)
	}
	_, reply, err := d.conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDetached, err)
	}
	if len(reply) == 0 || reply[0] != replyOK {
		return 0, ErrStall
	}
	if rType&requestTypeIn != 0 {
		return copy(data, reply[1:]), nil
	}
	return len(data), nil
}

// Close detaches from the bus.
func (d *WSDevice) Close() error {
	return d.conn.Close()
}
