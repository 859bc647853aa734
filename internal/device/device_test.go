package device

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/tungsten-boot/internal/bootloader"
	"github.com/shaunagostinho/tungsten-boot/internal/flash"
	"github.com/shaunagostinho/tungsten-boot/internal/ihex"
	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
	"github.com/shaunagostinho/tungsten-boot/internal/usb"
)

var testGeom = flash.Geometry{PageSize: 64, NumPages: 64}

const testProtected = 4

func testConfig() bootloader.Config {
	cfg := bootloader.DefaultConfig()
	cfg.ProtectedPages = testProtected
	return cfg
}

func appImage() []string {
	vt := make([]byte, 8)
	binary.LittleEndian.PutUint32(vt[0:], 0x20008000)
	binary.LittleEndian.PutUint32(vt[4:], 0x00004101)
	base := uint16(testProtected * testGeom.PageSize)
	return []string{
		ihex.Line(ihex.TypeData, base, vt),
		ihex.Line(ihex.TypeData, base+uint16(testGeom.PageSize), []byte{0xDE, 0xAD}),
		ihex.EndOfFileLine,
	}
}

type harness struct {
	t      *testing.T
	dev    *Device
	port   *usb.Port
	mem    *flash.Memory
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, mem *flash.Memory, setup ...func(*Device)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		port:   &usb.Port{},
		mem:    mem,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	h.dev = New(testConfig(), mem, h.port, nil)
	for _, fn := range setup {
		fn(h.dev)
	}
	go func() { h.done <- h.dev.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			h.t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		h.t.Errorf("device did not stop")
	}
}

func (h *harness) waitFor(what string, cond func(Status) bool) Status {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := h.dev.Status()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; status %+v", what, st)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitMode(m Mode) Status {
	h.t.Helper()
	return h.waitFor(string(m), func(st Status) bool { return st.Mode == m })
}

func (h *harness) request(dir usb.Direction, req protocol.Request, data []byte) (int, bool) {
	return h.port.Control(usb.Setup{Direction: dir, Request: uint8(req), Length: uint16(len(data))}, data)
}

func (h *harness) status() protocol.Status {
	buf := make([]byte, 1)
	if n, ok := h.request(usb.In, protocol.RequestStatus, buf); !ok || n != 1 {
		return protocol.StatusBusy
	}
	return protocol.Status(buf[0])
}

// upload sends lines the way the host uploader does: one WRITE, then STATUS
// until the device is ready again.
func (h *harness) upload(lines []string) {
	h.t.Helper()
	if _, ok := h.request(usb.Out, protocol.RequestConnect, nil); !ok {
		h.t.Fatal("CONNECT stalled")
	}
	for i, line := range lines {
		if _, ok := h.request(usb.Out, protocol.RequestWrite, []byte(line)); !ok {
			h.t.Fatalf("WRITE %d stalled", i)
		}
		if i == len(lines)-1 {
			return
		}
		deadline := time.Now().Add(2 * time.Second)
		for {
			st := h.status()
			if st == protocol.StatusReady {
				break
			}
			if st == protocol.StatusError {
				return
			}
			if time.Now().After(deadline) {
				h.t.Fatalf("line %d: device stuck busy", i)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestDeviceUploadThenRunApplication(t *testing.T) {
	var (
		mu     sync.Mutex
		writes []PageWrite
	)
	mem := flash.NewMemory(testGeom)
	h := start(t, mem, func(d *Device) {
		d.OnPageWrite = func(w PageWrite) {
			mu.Lock()
			writes = append(writes, w)
			mu.Unlock()
		}
	})

	st := h.waitMode(ModeBootloader)
	if st.Forced == "" {
		t.Errorf("blank flash entry not forced: %+v", st)
	}

	h.upload(appImage())
	st = h.waitMode(ModeApplication)
	if !st.FirmwareReady || st.StackPointer != 0x20008000 || st.ResetHandler != 0x00004101 {
		t.Errorf("application status = %+v", st)
	}
	if st.Boots != 2 {
		t.Errorf("Boots = %d, want 2", st.Boots)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(writes) != 2 {
		t.Fatalf("OnPageWrite called %d times, want 2", len(writes))
	}
	if !writes[0].First || writes[1].First || writes[1].Page != testProtected+1 {
		t.Errorf("page writes = %+v", writes)
	}
	if writes[1].Address != uint32((testProtected+1)*testGeom.PageSize) || writes[1].Data[0] != 0xDE {
		t.Errorf("second write at 0x%X starts with 0x%02X", writes[1].Address, writes[1].Data[0])
	}
}

func TestDeviceStartBootloaderFromApplication(t *testing.T) {
	mem := flash.NewMemory(testGeom)
	h := start(t, mem)
	h.waitMode(ModeBootloader)
	h.upload(appImage())
	h.waitMode(ModeApplication)

	if _, ok := h.request(usb.Out, protocol.RequestStatus, nil); ok {
		t.Errorf("application handled STATUS")
	}
	if _, ok := h.request(usb.Out, protocol.RequestStartBootloader, nil); !ok {
		t.Fatal("START_BOOTLOADER stalled")
	}
	st := h.waitMode(ModeBootloader)
	if st.Forced == "" {
		t.Errorf("entry after START_BOOTLOADER not forced: %+v", st)
	}
	if mem.Fuse(flash.FuseForceBootloader) {
		t.Errorf("force flag not cleared on entry")
	}
}

func TestDeviceParksOnErrorUntilReset(t *testing.T) {
	mem := flash.NewMemory(testGeom)
	h := start(t, mem)
	h.waitMode(ModeBootloader)

	h.upload([]string{ihex.Line(ihex.TypeData, 0, []byte{1}), ihex.EndOfFileLine})
	st := h.waitMode(ModeParked)
	if st.LastError != protocol.ErrProtectedArea.String() {
		t.Errorf("LastError = %q", st.LastError)
	}

	// GET_ERROR still answers while parked.
	buf := make([]byte, 1)
	if n, ok := h.request(usb.In, protocol.RequestGetError, buf); !ok || n != 1 || protocol.BLError(buf[0]) != protocol.ErrProtectedArea {
		t.Errorf("GET_ERROR while parked = %v %v %d", buf[0], ok, n)
	}

	time.Sleep(20 * time.Millisecond)
	if h.dev.Mode() != ModeParked || h.dev.Boots() != 1 {
		t.Fatalf("device left the parked state on its own")
	}

	h.dev.Reset()
	h.waitFor("second boot", func(st Status) bool { return st.Boots == 2 && st.Mode == ModeBootloader })
}

func TestDeviceButton(t *testing.T) {
	mem := flash.NewMemory(testGeom)
	h := start(t, mem)
	h.waitMode(ModeBootloader)
	h.upload(appImage())
	h.waitMode(ModeApplication)

	h.dev.SetButton(true)
	h.dev.Reset()
	st := h.waitFor("button entry", func(st Status) bool { return st.Boots == 3 && st.Mode == ModeBootloader })
	if st.EntryMode != bootloader.EntryInputPin.String() || st.Forced != "" || !st.Button {
		t.Errorf("button entry status = %+v", st)
	}
}
