package bootloader

import (
	"bytes"
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/tungsten-boot/internal/flash"
	"github.com/shaunagostinho/tungsten-boot/internal/ihex"
	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
)

// State of the session state machine.
type State uint32

const (
	StateWaiting State = iota
	StateConnected
	StateTerminated
	StateError
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Channel is the transport a session is bound to.
type Channel uint32

const (
	ChannelNone Channel = iota
	ChannelSerial
	ChannelUSB
)

func (c Channel) String() string {
	switch c {
	case ChannelSerial:
		return "serial"
	case ChannelUSB:
		return "usb"
	}
	return "none"
}

// ByteChannel is the polled serial port seen by the main loop.
type ByteChannel interface {
	// Available returns the number of received bytes waiting to be read.
	Available() int
	// Peek copies waiting bytes into p without consuming them.
	Peek(p []byte) int
	ReadByte() (byte, error)
	Write(p []byte) (int, error)
}

// frameBuffer holds one record line, ':' mark included. The USB handler
// fills it in one go; the serial path fills it byte by byte.
type frameBuffer struct {
	mu   sync.Mutex
	buf  []byte
	n    int
	full bool
}

// Session is one bootloader run, from entry to reboot or halt. Step and Run
// belong to the main loop; HandleControl is the USB interrupt side. The two
// share only the atomics and the frame buffer.
type Session struct {
	cfg    Config
	mode   EntryMode
	store  flash.Store
	asm    *Assembler
	serial ByteChannel
	now    func() time.Time
	start  time.Time

	state     atomic.Uint32
	status    atomic.Uint32
	errCode   atomic.Uint32
	connected atomic.Bool
	channel   atomic.Uint32
	connects  atomic.Uint32
	frame     frameBuffer

	// Counters for Snapshot.
	frames       atomic.Uint32
	pagesWritten atomic.Uint32
	page         atomic.Int32

	// Main loop only.
	seenConnects uint32
	rec          ihex.Record
	line         []byte
	peek         [3]byte
}

// Option customises a Session.
type Option func(*Session)

// WithSerial enables the serial channel on ch.
func WithSerial(ch ByteChannel) Option {
	return func(s *Session) { s.serial = ch }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithPageWriteHook is called after every page write.
func WithPageWriteHook(fn func(page int, first bool)) Option {
	return func(s *Session) {
		prev := s.asm.OnPageWrite
		s.asm.OnPageWrite = func(page int, first bool) {
			if prev != nil {
				prev(page, first)
			}
			fn(page, first)
		}
	}
}

// NewSession allocates every buffer the session will use.
func NewSession(cfg Config, store flash.Store, mode EntryMode, opts ...Option) *Session {
	s := &Session{
		cfg:   cfg,
		mode:  mode,
		store: store,
		asm:   NewAssembler(store, cfg.ProtectedPages),
		now:   time.Now,
		line:  make([]byte, cfg.BufferSize),
	}
	s.frame.buf = make([]byte, cfg.BufferSize)
	s.asm.OnPageWrite = func(int, bool) { s.pagesWritten.Add(1) }
	s.page.Store(NoPage)
	for _, opt := range opts {
		opt(s)
	}
	s.start = s.now()
	return s
}

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Status returns the status the host polls.
func (s *Session) Status() protocol.Status { return protocol.Status(s.status.Load()) }

// Err returns the latched error code.
func (s *Session) Err() protocol.BLError { return protocol.BLError(s.errCode.Load()) }

// Assembler returns the session's page assembler.
func (s *Session) Assembler() *Assembler { return s.asm }

// Run steps the session until it terminates or halts, idling for
// PollInterval whenever a step makes no progress. It returns early with
// ctx.Err() when ctx is done.
func (s *Session) Run(ctx context.Context) (State, error) {
	poll := s.cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		progressed := s.Step()
		if st := s.State(); st == StateTerminated || st == StateError {
			return st, nil
		}
		if progressed {
			if err := ctx.Err(); err != nil {
				return s.State(), err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return s.State(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step runs one iteration of the main loop and reports whether anything
// happened.
func (s *Session) Step() bool {
	switch s.State() {
	case StateWaiting:
		return s.stepWaiting()
	case StateConnected:
		return s.stepConnected()
	}
	return false
}

func (s *Session) stepWaiting() bool {
	if s.connected.Load() {
		s.onConnect()
		return true
	}

	if s.mode == EntryTimeout && s.now().Sub(s.start) > s.cfg.Timeout {
		log.Printf("[session] no connection after %v, leaving bootloader", s.cfg.Timeout)
		s.terminate()
		return true
	}

	if s.serial == nil || s.serial.Available() < len(protocol.Syn) {
		return false
	}
	n := s.serial.Peek(s.peek[:])
	if n == len(protocol.Syn) && bytes.Equal(s.peek[:], protocol.Syn) {
		for range protocol.Syn {
			s.serial.ReadByte()
		}
		// A USB CONNECT may have won the race since the check above.
		if !s.channel.CompareAndSwap(uint32(ChannelNone), uint32(ChannelSerial)) {
			return true
		}
		s.serial.Write(protocol.Ack)
		s.connects.Add(1)
		s.connected.Store(true)
		s.onConnect()
		return true
	}
	// Drop one byte and look again on the next iteration.
	s.serial.ReadByte()
	return true
}

// onConnect starts a fresh transfer: address state and page buffer are
// reset on every CONNECT.
func (s *Session) onConnect() {
	s.seenConnects = s.connects.Load()
	s.asm.Reset()
	s.page.Store(NoPage)
	s.frames.Store(0)
	if s.State() != StateConnected {
		log.Printf("[session] connected over %v", Channel(s.channel.Load()))
	}
	s.state.Store(uint32(StateConnected))
}

func (s *Session) stepConnected() bool {
	progressed := false

	if c := s.connects.Load(); c != s.seenConnects {
		s.onConnect()
		progressed = true
	}

	if Channel(s.channel.Load()) == ChannelSerial {
		if s.readSerial() {
			progressed = true
		}
	}

	// Errors latched by the interrupt handler.
	if code := s.Err(); code != protocol.ErrNone {
		s.halt(code)
		return true
	}

	s.frame.mu.Lock()
	full := s.frame.full
	n := copy(s.line, s.frame.buf[:s.frame.n])
	s.frame.mu.Unlock()
	if !full {
		return progressed
	}

	s.handleFrame(s.line[:n])
	return true
}

// readSerial moves received bytes into the frame buffer until a line is
// complete. Bytes before a ':' are dropped.
func (s *Session) readSerial() bool {
	progressed := false
	s.frame.mu.Lock()
	defer s.frame.mu.Unlock()

	for !s.frame.full && s.serial.Available() > 0 {
		c, err := s.serial.ReadByte()
		if err != nil {
			break
		}
		progressed = true

		switch {
		case s.frame.n == 0:
			if c == protocol.RecordMark {
				s.frame.buf[0] = c
				s.frame.n = 1
			}
		case c == protocol.LineEnd:
			s.frame.full = true
		case s.frame.n >= len(s.frame.buf):
			s.latch(protocol.ErrOverflow)
			return true
		default:
			s.frame.buf[s.frame.n] = c
			s.frame.n++
		}
	}
	return progressed
}

func (s *Session) handleFrame(line []byte) {
	if len(line) == 0 || line[0] != protocol.RecordMark {
		// Not a record: drop it and wait for the next one.
		s.resetFrame()
		s.status.Store(uint32(protocol.StatusReady))
		return
	}

	if err := ihex.Parse(line[1:], &s.rec); err != nil {
		s.fail(err)
		return
	}
	eof, err := s.asm.Apply(&s.rec)
	s.page.Store(int32(s.asm.CurrentPage()))
	if err != nil {
		s.fail(err)
		return
	}

	s.frames.Add(1)
	s.resetFrame()
	if Channel(s.channel.Load()) == ChannelSerial {
		s.serial.Write([]byte{protocol.AckOK})
	}
	s.status.Store(uint32(protocol.StatusReady))

	if eof {
		log.Printf("[session] end of file after %d frames, %d pages written", s.frames.Load(), s.pagesWritten.Load())
		s.terminate()
	}
}

func (s *Session) resetFrame() {
	s.frame.mu.Lock()
	s.frame.n = 0
	s.frame.full = false
	s.frame.mu.Unlock()
}

// latch records code unless an error is already latched. The first error
// of a session wins.
func (s *Session) latch(code protocol.BLError) bool {
	if !s.errCode.CompareAndSwap(uint32(protocol.ErrNone), uint32(code)) {
		return false
	}
	s.status.Store(uint32(protocol.StatusError))
	return true
}

func (s *Session) fail(err error) {
	code := CodeOf(err)
	log.Printf("[session] fatal: %v", err)
	s.latch(code)
	s.halt(s.Err())
}

// halt enters the terminal error state. The serial host gets the error
// digit; the USB host reads it with GET_ERROR.
func (s *Session) halt(code protocol.BLError) {
	s.status.Store(uint32(protocol.StatusError))
	if Channel(s.channel.Load()) == ChannelSerial {
		s.serial.Write([]byte{protocol.AckFor(code)})
	}
	log.Printf("[session] halted with %v, waiting for reset", code)
	s.state.Store(uint32(StateError))
}

// terminate leaves the bootloader. The skip-timeout flag keeps the reset
// that follows from re-entering it in timeout mode.
func (s *Session) terminate() {
	if err := s.store.SetFuse(flash.FuseSkipTimeout, true); err != nil {
		log.Printf("[session] set skip-timeout failed: %v", err)
	}
	s.state.Store(uint32(StateTerminated))
}

// Snapshot is a point-in-time view of the session, safe to take from any
// goroutine.
type Snapshot struct {
	State        string `json:"state"`
	Status       string `json:"status"`
	Error        string `json:"error"`
	Channel      string `json:"channel"`
	Mode         string `json:"mode"`
	CurrentPage  int    `json:"currentPage"`
	Frames       int    `json:"frames"`
	PagesWritten int    `json:"pagesWritten"`
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:        s.State().String(),
		Status:       s.Status().String(),
		Error:        s.Err().String(),
		Channel:      Channel(s.channel.Load()).String(),
		Mode:         s.mode.String(),
		CurrentPage:  int(s.page.Load()),
		Frames:       int(s.frames.Load()),
		PagesWritten: int(s.pagesWritten.Load()),
	}
}
