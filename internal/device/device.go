// Package device emulates the microcontroller around the bootloader: the
// reset loop, the boot decision, the bootloader session, a stub
// application, and the external reset line and button.
package device

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/tungsten-boot/internal/bootloader"
	"github.com/shaunagostinho/tungsten-boot/internal/flash"
	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
	"github.com/shaunagostinho/tungsten-boot/internal/usb"
)

// Mode is what the emulated chip is doing.
type Mode string

const (
	ModeReset       Mode = "reset"
	ModeBootloader  Mode = "bootloader"
	ModeApplication Mode = "application"
	ModeParked      Mode = "parked"
	ModeStopped     Mode = "stopped"
)

// SerialChannel is the device's UART as seen by the bootloader. Discard is
// called on every reset.
type SerialChannel interface {
	bootloader.ByteChannel
	Discard()
}

// PageWrite describes one completed flash page write.
type PageWrite struct {
	Time    time.Time
	Boot    int
	Page    int
	Address uint32
	First   bool
	Data    []byte
}

// Status is a point-in-time view of the device for the monitor.
type Status struct {
	Mode          Mode                 `json:"mode"`
	Boots         int                  `json:"boots"`
	EntryMode     string               `json:"entryMode,omitempty"`
	Forced        string               `json:"forced,omitempty"`
	Button        bool                 `json:"button"`
	FirmwareReady bool                 `json:"firmwareReady"`
	StackPointer  uint32               `json:"stackPointer"`
	ResetHandler  uint32               `json:"resetHandler"`
	Session       *bootloader.Snapshot `json:"session,omitempty"`
	LastError     string               `json:"lastError,omitempty"`
}

// Device is one emulated board.
type Device struct {
	cfg    bootloader.Config
	store  flash.Store
	port   *usb.Port
	serial SerialChannel

	// OnPageWrite, if set, is called after every flash page write.
	OnPageWrite func(PageWrite)

	button atomic.Bool
	reset  chan struct{}

	mu      sync.Mutex
	mode    Mode
	boots   int
	inputs  bootloader.BootInputs
	dec     bootloader.Decision
	session *bootloader.Session
	lastErr string
}

// New returns a device that has not been powered on yet. serial may be nil
// when the serial channel is not wired.
func New(cfg bootloader.Config, store flash.Store, port *usb.Port, serial SerialChannel) *Device {
	return &Device{
		cfg:    cfg,
		store:  store,
		port:   port,
		serial: serial,
		reset:  make(chan struct{}, 1),
		mode:   ModeStopped,
	}
}

// Reset pulls the reset line. It never blocks.
func (d *Device) Reset() {
	select {
	case d.reset <- struct{}{}:
	default:
	}
}

// SetButton holds or releases the bootloader entry button.
func (d *Device) SetButton(held bool) { d.button.Store(held) }

// Asserted implements bootloader.Pin.
func (d *Device) Asserted() bool { return d.button.Load() }

// Run powers the device on and runs reset cycles until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	defer d.setMode(ModeStopped)
	for {
		if err := d.cycle(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// cycle runs one boot, from reset to the next reset.
func (d *Device) cycle(ctx context.Context) error {
	d.port.Detach()
	if d.serial != nil {
		d.serial.Discard()
	}
	// Resets requested before this point are absorbed by this one.
	select {
	case <-d.reset:
	default:
	}

	d.mu.Lock()
	d.mode = ModeReset
	d.boots++
	d.session = nil
	d.mu.Unlock()

	dec, in, err := bootloader.Boot(d.cfg, d.store, d)
	if err != nil {
		return fmt.Errorf("device: boot: %w", err)
	}
	d.mu.Lock()
	d.dec, d.inputs = dec, in
	d.mu.Unlock()

	if dec.EnterBootloader {
		return d.runBootloader(ctx, dec.Mode)
	}
	return d.runApplication(ctx, in)
}

func (d *Device) runBootloader(ctx context.Context, mode bootloader.EntryMode) error {
	var opts []bootloader.Option
	if d.cfg.ChannelSerial && d.serial != nil {
		opts = append(opts, bootloader.WithSerial(d.serial))
	}
	boot := d.Boots()
	opts = append(opts, bootloader.WithPageWriteHook(func(page int, first bool) {
		d.pageWritten(boot, page, first)
	}))
	s := bootloader.NewSession(d.cfg, d.store, mode, opts...)

	if d.cfg.ChannelUSB {
		d.port.SetControlHandler(s.HandleControl)
	}
	d.mu.Lock()
	d.session = s
	d.mode = ModeBootloader
	d.lastErr = ""
	d.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.reset:
			log.Printf("[device] external reset")
			cancel()
		case <-sctx.Done():
		}
	}()

	st, _ := s.Run(sctx)
	switch st {
	case bootloader.StateTerminated:
		log.Printf("[device] bootloader done, resetting")
		return nil
	case bootloader.StateError:
		d.mu.Lock()
		d.mode = ModeParked
		d.lastErr = s.Err().String()
		d.mu.Unlock()
		log.Printf("[device] parked with %v, waiting for reset", s.Err())
		<-sctx.Done()
	}
	return nil
}

func (d *Device) runApplication(ctx context.Context, in bootloader.BootInputs) error {
	d.port.SetControlHandler(d.applicationControl)
	d.setMode(ModeApplication)
	log.Printf("[device] jumping to application (sp=0x%08X reset=0x%08X)", in.StackPointer, in.ResetHandler)

	select {
	case <-ctx.Done():
	case <-d.reset:
		log.Printf("[device] application reset")
	}
	return nil
}

// applicationControl is the USB handler of the stub application. It only
// knows START_BOOTLOADER.
func (d *Device) applicationControl(setup usb.Setup, data []byte) (int, bool) {
	if protocol.Request(setup.Request) != protocol.RequestStartBootloader {
		return 0, false
	}
	if err := d.store.SetFuse(flash.FuseForceBootloader, true); err != nil {
		log.Printf("[device] set force-bootloader failed: %v", err)
		return 0, true
	}
	log.Printf("[device] application requested the bootloader")
	d.Reset()
	return 0, true
}

func (d *Device) pageWritten(boot, page int, first bool) {
	if d.OnPageWrite == nil {
		return
	}
	g := d.store.Geometry()
	buf := make([]byte, g.PageSize)
	if err := d.store.ReadPage(page, buf); err != nil {
		log.Printf("[device] read back page %d: %v", page, err)
		return
	}
	d.OnPageWrite(PageWrite{
		Time:    time.Now(),
		Boot:    boot,
		Page:    page,
		Address: uint32(page * g.PageSize),
		First:   first,
		Data:    buf,
	})
}

func (d *Device) setMode(m Mode) {
	d.mu.Lock()
	d.mode = m
	d.mu.Unlock()
}

// Mode returns what the device is doing.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Boots returns the number of resets since power-on.
func (d *Device) Boots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boots
}

// Session returns the running bootloader session, or nil.
func (d *Device) Session() *bootloader.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Status returns the current view of the device.
func (d *Device) Status() Status {
	d.mu.Lock()
	st := Status{
		Mode:          d.mode,
		Boots:         d.boots,
		Forced:        d.dec.Forced,
		FirmwareReady: d.inputs.FirmwareReady,
		StackPointer:  d.inputs.StackPointer,
		ResetHandler:  d.inputs.ResetHandler,
		LastError:     d.lastErr,
	}
	if d.dec.EnterBootloader {
		st.EntryMode = d.dec.Mode.String()
	}
	s := d.session
	d.mu.Unlock()

	st.Button = d.button.Load()
	if s != nil {
		snap := s.Snapshot()
		st.Session = &snap
	}
	return st
}
