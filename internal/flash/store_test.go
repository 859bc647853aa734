package flash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
)

var testGeom = Geometry{PageSize: 64, NumPages: 16}

func pattern(g Geometry, seed byte) []byte {
	b := make([]byte, g.PageSize)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// exerciseStore runs the Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	g := s.Geometry()
	buf := make([]byte, g.PageSize)

	if err := s.ReadPage(3, buf); err != nil {
		t.Fatalf("ReadPage() error = %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{Erased}, g.PageSize)) {
		t.Errorf("fresh page not erased: % X", buf[:8])
	}

	want := pattern(g, 7)
	if err := s.WritePage(3, want); err != nil {
		t.Fatalf("WritePage() error = %v", err)
	}
	if err := s.ReadPage(3, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("ReadPage() after write = % X..., want % X...", buf[:8], want[:8])
	}

	if err := s.ErasePage(3); err != nil {
		t.Fatalf("ErasePage() error = %v", err)
	}
	if err := s.ReadPage(3, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != Erased || buf[g.PageSize-1] != Erased {
		t.Errorf("page not erased after ErasePage")
	}

	for _, p := range []int{-1, g.NumPages} {
		if err := s.WritePage(p, want); !errors.Is(err, ErrPageRange) {
			t.Errorf("WritePage(%d) error = %v, want ErrPageRange", p, err)
		}
	}
	if err := s.WritePage(1, want[:10]); err == nil {
		t.Error("WritePage() with a short buffer succeeded")
	}

	for f := FuseFirmwareReady; f < numFuses; f++ {
		if s.Fuse(f) {
			t.Errorf("fuse %v set on a fresh store", f)
		}
	}
	if err := s.SetFuse(FuseForceBootloader, true); err != nil {
		t.Fatal(err)
	}
	if !s.Fuse(FuseForceBootloader) || s.Fuse(FuseFirmwareReady) || s.Fuse(FuseSkipTimeout) {
		t.Errorf("SetFuse(force) leaked into other fuses")
	}
	if err := s.SetFuse(FuseForceBootloader, false); err != nil {
		t.Fatal(err)
	}
	if s.Fuse(FuseForceBootloader) {
		t.Errorf("fuse still set after clearing")
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory(testGeom)
	exerciseStore(t, m)
	if got := m.Writes(3); got != 1 {
		t.Errorf("Writes(3) = %d, want 1", got)
	}
	if got := m.TotalWrites(); got != 1 {
		t.Errorf("TotalWrites() = %d, want 1", got)
	}
}

func TestMemoryFailWrites(t *testing.T) {
	m := NewMemory(testGeom)
	boom := errors.New("boom")
	m.FailWrites = boom
	if err := m.WritePage(2, pattern(testGeom, 0)); !errors.Is(err, boom) {
		t.Errorf("WritePage() error = %v, want %v", err, boom)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	s, err := OpenFile(path, testGeom)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	s, err := OpenFile(path, testGeom)
	if err != nil {
		t.Fatal(err)
	}
	want := pattern(testGeom, 0x40)
	if err := s.WritePage(5, want); err != nil {
		t.Fatal(err)
	}
	if err := s.SetFuse(FuseFirmwareReady, true); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenFile(path, testGeom)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	buf := make([]byte, testGeom.PageSize)
	if err := s.ReadPage(5, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("page 5 lost across reopen")
	}
	if !s.Fuse(FuseFirmwareReady) {
		t.Errorf("firmware_ready lost across reopen")
	}

	if _, err := OpenFile(path, Geometry{PageSize: 128, NumPages: 16}); err == nil {
		t.Error("OpenFile() with a different geometry succeeded")
	}
}

func TestReadVectorTable(t *testing.T) {
	m := NewMemory(testGeom)
	sp, reset, err := ReadVectorTable(m, 4)
	if err != nil {
		t.Fatal(err)
	}
	if sp != 0xFFFFFFFF || reset != 0xFFFFFFFF {
		t.Errorf("erased vector table = 0x%08X 0x%08X", sp, reset)
	}

	page := make([]byte, testGeom.PageSize)
	binary.LittleEndian.PutUint32(page[0:], 0x20008000)
	binary.LittleEndian.PutUint32(page[4:], 0x00004101)
	if err := m.Load(4, page); err != nil {
		t.Fatal(err)
	}
	sp, reset, err = ReadVectorTable(m, 4)
	if err != nil {
		t.Fatal(err)
	}
	if sp != 0x20008000 || reset != 0x00004101 {
		t.Errorf("ReadVectorTable() = 0x%08X 0x%08X", sp, reset)
	}
}

func TestGeometryValidate(t *testing.T) {
	for _, g := range []Geometry{{0, 1}, {6, 1}, {512, 0}} {
		if err := g.Validate(); err == nil {
			t.Errorf("Validate(%+v) succeeded", g)
		}
	}
	if err := DefaultGeometry().Validate(); err != nil {
		t.Errorf("DefaultGeometry().Validate() = %v", err)
	}
}
