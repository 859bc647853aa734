package transport

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestRing(t *testing.T) {
	r := NewRing(4)
	if n := r.Write([]byte("abcdef")); n != 4 {
		t.Fatalf("Write() = %d, want 4", n)
	}
	if r.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", r.Dropped())
	}

	p := make([]byte, 3)
	if n := r.Peek(p); n != 3 || string(p) != "abc" {
		t.Errorf("Peek() = %d %q", n, p)
	}
	if r.Len() != 4 {
		t.Errorf("Peek consumed bytes: Len() = %d", r.Len())
	}

	c, _ := r.Pop()
	c2, _ := r.Pop()
	if c != 'a' || c2 != 'b' {
		t.Errorf("Pop() = %c %c, want a b", c, c2)
	}

	// Wrap around.
	r.Write([]byte("xy"))
	var got []byte
	for {
		c, ok := r.Pop()
		if !ok {
			break
		}
		got = append(got, c)
	}
	if string(got) != "cdxy" {
		t.Errorf("drained %q, want cdxy", got)
	}

	r.Write([]byte("z"))
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len() after Reset = %d", r.Len())
	}
}

func waitAvailable(t *testing.T, s *Serial, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Available() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Available() = %d, want %d", s.Available(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSerialOverPipe(t *testing.T) {
	host, dev := net.Pipe()
	s := New(dev, 64)
	defer s.Close()

	go host.Write([]byte("SYN"))
	waitAvailable(t, s, 3)

	p := make([]byte, 3)
	if n := s.Peek(p); n != 3 || string(p) != "SYN" {
		t.Fatalf("Peek() = %q", p[:n])
	}
	for i := 0; i < 3; i++ {
		if _, err := s.ReadByte(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ReadByte(); err != io.EOF {
		t.Errorf("ReadByte() on empty channel error = %v, want io.EOF", err)
	}

	go s.Write([]byte("ACK"))
	buf := make([]byte, 3)
	if _, err := io.ReadFull(host, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ACK" {
		t.Errorf("host read %q, want ACK", buf)
	}

	host.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after the peer closed")
	}
}

func TestSerialClose(t *testing.T) {
	_, dev := net.Pipe()
	s := New(dev, 0)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	<-s.Done()
	if err := s.Err(); err != nil {
		t.Errorf("Err() after Close = %v, want nil", err)
	}
	if _, err := s.Write([]byte("x")); err != ErrClosed {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}
