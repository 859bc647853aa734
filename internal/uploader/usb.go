package uploader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
	"github.com/shaunagostinho/tungsten-boot/internal/usb"
)

// USBOptions tune the USB link.
type USBOptions struct {
	// RebootDelay is how long the board gets to restart into the
	// bootloader after START_BOOTLOADER.
	RebootDelay time.Duration
	// ReopenTimeout bounds the attempts to find the board again.
	ReopenTimeout time.Duration
	// PollInterval is the GET_STATUS period while the device is busy.
	PollInterval time.Duration
	// BusyTimeout bounds a single wait for READY; zero waits forever.
	BusyTimeout time.Duration
}

// DefaultUSBOptions mirror the stock uploader.
func DefaultUSBOptions() USBOptions {
	return USBOptions{
		RebootDelay:   2 * time.Second,
		ReopenTimeout: 10 * time.Second,
		PollInterval:  time.Millisecond,
		BusyTimeout:   5 * time.Second,
	}
}

// USBLink talks to the bootloader with vendor control transfers.
type USBLink struct {
	open func() (usb.ControlDevice, error)
	opts USBOptions
	dev  usb.ControlDevice
}

// NewUSBLink returns a link that opens the device with open, once before
// and once after the reboot into the bootloader.
func NewUSBLink(open func() (usb.ControlDevice, error), opts USBOptions) *USBLink {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}
	return &USBLink{open: open, opts: opts}
}

func (l *USBLink) request(req protocol.Request, idx uint16, data []byte) error {
	_, err := l.dev.Control(usb.RequestTypeOut, uint8(req), 0, idx, data)
	if err != nil {
		return fmt.Errorf("uploader: %v: %w", req, err)
	}
	return nil
}

func (l *USBLink) ask(req protocol.Request) (byte, error) {
	buf := make([]byte, 1)
	n, err := l.dev.Control(usb.RequestTypeIn, uint8(req), 0, 0, buf)
	if err != nil {
		return 0, fmt.Errorf("uploader: %v: %w", req, err)
	}
	if n != 1 {
		return 0, fmt.Errorf("uploader: %v: short answer (%d bytes)", req, n)
	}
	return buf[0], nil
}

// Connect asks the running application to start the bootloader, finds
// the board again once it has rebooted, and sends CONNECT.
func (l *USBLink) Connect(ctx context.Context) error {
	dev, err := l.open()
	if err != nil {
		if errors.Is(err, usb.ErrNotFound) {
			return fmt.Errorf("uploader: device not found, is the cable plugged and the bootloader started? (%w)", err)
		}
		return err
	}
	l.dev = dev
	// The board may reset before answering.
	if err := l.request(protocol.RequestStartBootloader, 0, nil); err != nil {
		log.Printf("[upload] START_BOOTLOADER: %v", err)
	}
	l.dev.Close()
	l.dev = nil

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.opts.RebootDelay):
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = l.opts.ReopenTimeout
	attempt := 0
	err = backoff.RetryNotify(func() error {
		dev, err := l.open()
		if err != nil {
			return err
		}
		l.dev = dev
		if err := l.request(protocol.RequestConnect, 0, nil); err != nil {
			l.dev.Close()
			l.dev = nil
			return err
		}
		return nil
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		attempt++
		log.Printf("[upload] reopen attempt %d failed: %v (retry in %v)", attempt, err, d)
	})
	if err != nil {
		return fmt.Errorf("uploader: unable to open device: %w", err)
	}
	return l.waitReady(ctx)
}

// waitReady polls GET_STATUS until the device is ready. An ERROR status is
// resolved with GET_ERROR.
func (l *USBLink) waitReady(ctx context.Context) error {
	var deadline time.Time
	if l.opts.BusyTimeout > 0 {
		deadline = time.Now().Add(l.opts.BusyTimeout)
	}
	for {
		st, err := l.ask(protocol.RequestStatus)
		if err != nil {
			return err
		}
		switch protocol.Status(st) {
		case protocol.StatusReady:
			return nil
		case protocol.StatusError:
			code, err := l.ask(protocol.RequestGetError)
			if err != nil {
				return err
			}
			return &DeviceError{Code: protocol.BLError(code)}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.PollInterval):
		}
	}
}

// Send writes one frame. The device reboots after the last one, so only
// the others wait for READY.
func (l *USBLink) Send(ctx context.Context, frame int, line string, last bool) error {
	if err := l.request(protocol.RequestWrite, uint16(frame), []byte(line)); err != nil {
		return err
	}
	if last {
		return nil
	}
	return l.waitReady(ctx)
}

// Close releases the device.
func (l *USBLink) Close() error {
	if l.dev == nil {
		return nil
	}
	err := l.dev.Close()
	l.dev = nil
	return err
}
