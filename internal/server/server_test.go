package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/tungsten-boot/internal/device"
	"github.com/shaunagostinho/tungsten-boot/internal/journal"
	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
	"github.com/shaunagostinho/tungsten-boot/internal/usb"
)

type fakeTarget struct {
	mu     sync.Mutex
	status device.Status
	resets int
	held   bool
}

func (f *fakeTarget) Status() device.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status
	st.Button = f.held
	return st
}

func (f *fakeTarget) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeTarget) SetButton(held bool) {
	f.mu.Lock()
	f.held = held
	f.mu.Unlock()
}

func (f *fakeTarget) setMode(m device.Mode) {
	f.mu.Lock()
	f.status.Mode = m
	f.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *fakeTarget, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Server.BroadcastMs = 5
	target := &fakeTarget{status: device.Status{Mode: device.ModeBootloader, Boots: 1}}
	j := journal.New(journal.Config{Path: t.TempDir()})
	s := New(cfg, target, &usb.Port{}, j, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, target, ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var f Frame
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.Device == nil || f.Device.Mode != device.ModeBootloader || f.Device.Boots != 1 {
		t.Errorf("status frame = %+v", f.Device)
	}
	if f.Journal == nil || f.Journal.Enabled {
		t.Errorf("journal state = %+v", f.Journal)
	}

	if resp := post(t, ts.URL+"/api/status", ""); resp.StatusCode != 405 {
		t.Errorf("POST /api/status = %d, want 405", resp.StatusCode)
	}
}

func TestResetAndButton(t *testing.T) {
	_, target, ts := newTestServer(t)

	if resp := post(t, ts.URL+"/api/reset", ""); resp.StatusCode != 200 {
		t.Fatalf("POST /api/reset = %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/button", `{"held":true}`); resp.StatusCode != 200 {
		t.Fatalf("POST /api/button = %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/button", `not json`); resp.StatusCode != 400 {
		t.Errorf("POST /api/button with bad body = %d, want 400", resp.StatusCode)
	}

	st := target.Status()
	target.mu.Lock()
	resets := target.resets
	target.mu.Unlock()
	if resets != 1 || !st.Button {
		t.Errorf("resets = %d, button = %v", resets, st.Button)
	}
}

func TestConfigEndpoint(t *testing.T) {
	s, _, ts := newTestServer(t)

	resp := post(t, ts.URL+"/api/config", `{"journal":{"enabled":true},"server":{"listenAddr":":9090"}}`)
	if resp.StatusCode != 200 {
		t.Fatalf("POST /api/config = %d", resp.StatusCode)
	}
	if !s.journal.IsEnabled() {
		t.Errorf("journal switch not applied")
	}
	if s.cfg.ServerSettings().ListenAddr != ":9090" || s.cfg.Bootloader.BufferSize != 128 {
		t.Errorf("merged config = %+v", s.cfg.Server)
	}
	if _, err := os.Stat(s.cfg.path); err != nil {
		t.Errorf("config not saved: %v", err)
	}

	r, err := http.Get(ts.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var got map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got["bootloader"]; !ok {
		t.Errorf("GET /api/config has no bootloader section: %v", got)
	}

	if resp := post(t, ts.URL+"/api/config", `{`); resp.StatusCode != 400 {
		t.Errorf("POST /api/config with bad body = %d, want 400", resp.StatusCode)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	s, target, ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.broadcastLoop(ctx)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	read := func() Frame {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatal(err)
		}
		return f
	}

	if f := read(); f.Device == nil || f.Device.Mode != device.ModeBootloader {
		t.Fatalf("initial frame = %+v", f.Device)
	}

	target.setMode(device.ModeApplication)
	for {
		f := read()
		if f.Device != nil && f.Device.Mode == device.ModeApplication {
			break
		}
	}
}

func TestUSBEndpoint(t *testing.T) {
	s, _, ts := newTestServer(t)
	s.port.SetControlHandler(func(setup usb.Setup, data []byte) (int, bool) {
		if protocol.Request(setup.Request) != protocol.RequestStatus {
			return 0, false
		}
		data[0] = byte(protocol.StatusBusy)
		return 1, true
	})

	dev, err := usb.DialWS("ws" + strings.TrimPrefix(ts.URL, "http") + "/usb")
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	buf := make([]byte, 1)
	if n, err := dev.Control(usb.RequestTypeIn, uint8(protocol.RequestStatus), 0, 0, buf); err != nil || n != 1 {
		t.Fatalf("Control() = %d, %v", n, err)
	}
	if protocol.Status(buf[0]) != protocol.StatusBusy {
		t.Errorf("STATUS = %v, want BUSY", protocol.Status(buf[0]))
	}
}

func TestConfigUpdateWhileRunning(t *testing.T) {
	s, _, ts := newTestServer(t)
	s.cfg.Server.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 20; i++ {
		body := fmt.Sprintf(`{"server":{"broadcastMs":%d,"listenAddr":"127.0.0.1:0"}}`, 10+i)
		if resp := post(t, ts.URL+"/api/config", body); resp.StatusCode != 200 {
			t.Fatalf("POST /api/config = %d", resp.StatusCode)
		}
	}
	if got := s.cfg.ServerSettings().BroadcastMs; got != 29 {
		t.Errorf("BroadcastMs = %d, want 29", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("server did not stop")
	}
}
