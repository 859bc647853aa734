package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"
)

// DefaultRxBuffer is the receive ring size of a serial channel.
const DefaultRxBuffer = 1024

// ErrClosed is returned by Write after the channel has been closed.
var ErrClosed = errors.New("transport: channel closed")

// Config selects the serial port the device listens on.
type Config struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// Serial is a polled byte channel over any io.ReadWriteCloser. A reader
// goroutine moves received bytes into a ring; the main loop drains it with
// Available, Peek and ReadByte.
type Serial struct {
	rx *Ring

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	closed bool
	err    error
	done   chan struct{}
}

// New starts reading from conn.
func New(conn io.ReadWriteCloser, rxSize int) *Serial {
	s := &Serial{
		rx:   NewRing(rxSize),
		conn: conn,
		done: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Serial) readLoop() {
	defer close(s.done)
	buf := make([]byte, 256)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if kept := s.rx.Write(buf[:n]); kept < n {
				log.Printf("[serial] rx buffer full, dropped %d bytes", n-kept)
			}
		}
		if err != nil {
			s.mu.Lock()
			if !s.closed && !errors.Is(err, io.EOF) {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
	}
}

// Available returns the number of received bytes not yet read.
func (s *Serial) Available() int { return s.rx.Len() }

// Peek copies waiting bytes into p without consuming them.
func (s *Serial) Peek(p []byte) int { return s.rx.Peek(p) }

// ReadByte consumes one received byte. It returns io.EOF when none is
// waiting.
func (s *Serial) ReadByte() (byte, error) {
	c, ok := s.rx.Pop()
	if !ok {
		return 0, io.EOF
	}
	return c, nil
}

// Write sends p to the peer.
func (s *Serial) Write(p []byte) (int, error) {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return conn.Write(p)
}

// Discard drops everything received so far. The device calls it on reset.
func (s *Serial) Discard() { s.rx.Reset() }

// Done is closed when the underlying connection stops delivering data.
func (s *Serial) Done() <-chan struct{} { return s.done }

// Err returns the error that stopped the reader, if any.
func (s *Serial) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the underlying connection.
func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// OpenSerial opens a real port at 8N1.
func OpenSerial(cfg Config) (*Serial, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", cfg.PortPath, err)
	}
	log.Printf("[serial] opened %s at %d baud", cfg.PortPath, baud)
	return New(port, DefaultRxBuffer), nil
}

// Dial opens the port, retrying with exponential backoff until it succeeds
// or ctx is done.
func Dial(ctx context.Context, cfg Config) (*Serial, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	var s *Serial
	attempt := 0
	err := backoff.RetryNotify(func() error {
		var err error
		s, err = OpenSerial(cfg)
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		attempt++
		log.Printf("[serial] connect attempt %d failed: %v (retry in %v)", attempt, err, d)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
