package usb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/gousb"
)

// Request types of the bootloader's vendor requests.
const (
	RequestTypeOut uint8 = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
	RequestTypeIn  uint8 = gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice
)

// ErrNotFound is returned when no device with the requested IDs is present.
var ErrNotFound = errors.New("usb: device not found")

// ControlDevice is the host's handle on a device's control endpoint.
type ControlDevice interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Close() error
}

// libusbDevice is a real device opened through libusb.
type libusbDevice struct {
	ctx *gousb.Context
	dev *gousb.Device
}

// OpenUSB opens the first device matching vid:pid.
func OpenUSB(vid, pid uint16) (ControlDevice, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usb: opening %04x:%04x: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: %04x:%04x", ErrNotFound, vid, pid)
	}
	return &libusbDevice{ctx: ctx, dev: dev}, nil
}

func (d *libusbDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := d.dev.Control(rType, request, val, idx, data)
	if errors.Is(err, gousb.ErrorPipe) {
		return n, ErrStall
	}
	return n, err
}

func (d *libusbDevice) Close() error {
	err := d.dev.Close()
	d.ctx.Close()
	return err
}

// Open returns a device handle for target: a ws:// or wss:// URL attaches
// to a virtual bus, anything else opens real hardware by vid:pid.
func Open(target string, vid, pid uint16) (ControlDevice, error) {
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		return DialWS(target)
	}
	return OpenUSB(vid, pid)
}
