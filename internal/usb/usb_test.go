package usb

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPortControl(t *testing.T) {
	var p Port
	if _, handled := p.Control(Setup{Request: 1}, nil); handled {
		t.Errorf("Control() with no handler handled the request")
	}

	p.SetControlHandler(func(s Setup, data []byte) (int, bool) {
		return 10, s.Request == 2
	})
	n, handled := p.Control(Setup{Direction: In, Request: 2, Length: 1}, make([]byte, 1))
	if !handled || n != 1 {
		t.Errorf("Control() = %d, %v, want 1, true", n, handled)
	}

	gen := p.Generation()
	p.Detach()
	if p.Generation() != gen+1 {
		t.Errorf("Generation() = %d, want %d", p.Generation(), gen+1)
	}
	if _, handled := p.Control(Setup{Request: 2}, nil); handled {
		t.Errorf("detached port handled a request")
	}
}

func TestSetupCoding(t *testing.T) {
	msg := encodeSetup(RequestTypeOut, 3, 0x1234, 7, []byte(":00000001FF"))
	got, data, err := decodeSetup(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := Setup{Direction: Out, Request: 3, Value: 0x1234, Index: 7, Length: 11}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded setup mismatch (-want +got):\n%s", diff)
	}
	if string(data) != ":00000001FF" {
		t.Errorf("payload = %q", data)
	}

	in, data, err := decodeSetup(encodeSetup(RequestTypeIn, 2, 0, 0, make([]byte, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if in.Direction != In || len(data) != 1 {
		t.Errorf("IN setup = %v with %d byte buffer", in, len(data))
	}

	if _, _, err := decodeSetup([]byte{0, 1}); err == nil {
		t.Errorf("decodeSetup() accepted a short packet")
	}
	bad := encodeSetup(RequestTypeOut, 3, 0, 0, []byte("abc"))
	if _, _, err := decodeSetup(bad[:len(bad)-1]); err == nil {
		t.Errorf("decodeSetup() accepted a truncated payload")
	}
}

func TestWebSocketBus(t *testing.T) {
	var (
		port    Port
		written []byte
	)
	port.SetControlHandler(func(s Setup, data []byte) (int, bool) {
		switch {
		case s.Request == 2 && s.Direction == In:
			data[0] = 0x01
			return 1, true
		case s.Request == 3 && s.Direction == Out:
			written = append([]byte(nil), data...)
			return 0, true
		}
		return 0, false
	})

	srv := httptest.NewServer(Handler(&port))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	dev, err := Open(url, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	buf := make([]byte, 1)
	n, err := dev.Control(RequestTypeIn, 2, 0, 0, buf)
	if err != nil || n != 1 || buf[0] != 0x01 {
		t.Errorf("IN Control() = %d, %v, data % X", n, err, buf)
	}

	line := []byte(":00000001FF")
	n, err = dev.Control(RequestTypeOut, 3, 0, 1, line)
	if err != nil || n != len(line) {
		t.Errorf("OUT Control() = %d, %v", n, err)
	}
	if string(written) != string(line) {
		t.Errorf("device received %q", written)
	}

	if _, err := dev.Control(RequestTypeOut, 9, 0, 0, nil); !errors.Is(err, ErrStall) {
		t.Errorf("unknown request error = %v, want ErrStall", err)
	}

	// A reset drops the host off the bus.
	port.Detach()
	if _, err := dev.Control(RequestTypeIn, 2, 0, 0, buf); !errors.Is(err, ErrDetached) {
		t.Errorf("Control() after Detach error = %v, want ErrDetached", err)
	}
}
