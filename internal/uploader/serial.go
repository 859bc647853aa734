package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
)

// SerialLink talks to the bootloader over a UART: SYN/ACK handshake, then
// one line per frame, each answered by a single digit.
type SerialLink struct {
	rw      io.ReadWriter
	timeout time.Duration
}

// NewSerialLink wraps an open port. timeout bounds every wait for the
// device; zero waits forever.
func NewSerialLink(rw io.ReadWriter, timeout time.Duration) *SerialLink {
	return &SerialLink{rw: rw, timeout: timeout}
}

// OpenSerial opens path at 8N1. Reads time out quickly so that waits can
// check their deadline.
func OpenSerial(path string, baud int) (serial.Port, error) {
	if baud == 0 {
		baud = protocol.DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("uploader: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("uploader: failed to set timeout: %w", err)
	}
	log.Printf("[upload] opened %s at %d baud", path, baud)
	return port, nil
}

// readByte reads one byte, retrying on empty reads until the deadline.
func (l *SerialLink) readByte(ctx context.Context) (byte, error) {
	var deadline time.Time
	if l.timeout > 0 {
		deadline = time.Now().Add(l.timeout)
	}
	var b [1]byte
	for {
		n, err := l.rw.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil {
			return 0, fmt.Errorf("uploader: serial read: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, ErrTimeout
		}
	}
}

// Connect sends SYN and waits for ACK, skipping whatever comes before it.
func (l *SerialLink) Connect(ctx context.Context) error {
	if _, err := l.rw.Write(protocol.Syn); err != nil {
		return fmt.Errorf("uploader: sending SYN: %w", err)
	}
	window := make([]byte, len(protocol.Ack))
	for !bytes.Equal(window, protocol.Ack) {
		c, err := l.readByte(ctx)
		if err != nil {
			return fmt.Errorf("uploader: waiting for ACK: %w", err)
		}
		copy(window, window[1:])
		window[len(window)-1] = c
	}
	return nil
}

// Send writes one line and reads its acknowledgement.
func (l *SerialLink) Send(ctx context.Context, frame int, line string, last bool) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, protocol.LineEnd)
	if _, err := l.rw.Write(buf); err != nil {
		return fmt.Errorf("uploader: sending frame %d: %w", frame, err)
	}

	c, err := l.readByte(ctx)
	if err != nil {
		return fmt.Errorf("uploader: frame %d: %w", frame, err)
	}
	if c == protocol.AckOK {
		return nil
	}
	code, ok := protocol.ErrorForAck(c)
	if !ok {
		return &DeviceError{Raw: c}
	}
	return &DeviceError{Code: code}
}

// Close is a no-op; the caller owns the port.
func (l *SerialLink) Close() error { return nil }
