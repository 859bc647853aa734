package flash

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
)

// File is a Store backed by an image file so the emulated flash survives
// restarts. The file holds the NumPages pages followed by one user page;
// the fuses are the bits of the user page's first word.
type File struct {
	mu    sync.Mutex
	geom  Geometry
	f     *os.File
	fuses uint32
}

// OpenFile opens the image at path, creating an erased one if it does not
// exist. An existing image must match g exactly.
func OpenFile(path string, g Geometry) (*File, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	want := int64(g.Size() + g.PageSize)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("flash: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flash: stat %s: %w", path, err)
	}

	s := &File{geom: g, f: f}
	switch st.Size() {
	case 0:
		if err := s.format(); err != nil {
			f.Close()
			return nil, err
		}
		log.Printf("[flash] created erased image %s (%d pages of %d bytes)", path, g.NumPages, g.PageSize)
	case want:
		var word [4]byte
		if _, err := f.ReadAt(word[:], int64(g.Size())); err != nil {
			f.Close()
			return nil, fmt.Errorf("flash: read user page: %w", err)
		}
		s.fuses = binary.LittleEndian.Uint32(word[:])
		log.Printf("[flash] opened image %s", path)
	default:
		f.Close()
		return nil, fmt.Errorf("flash: %s is %d bytes, geometry needs %d", path, st.Size(), want)
	}
	return s, nil
}

func (s *File) format() error {
	page := make([]byte, s.geom.PageSize)
	for i := range page {
		page[i] = Erased
	}
	for p := 0; p < s.geom.NumPages; p++ {
		if _, err := s.f.WriteAt(page, int64(p*s.geom.PageSize)); err != nil {
			return fmt.Errorf("flash: format: %w", err)
		}
	}
	if _, err := s.f.WriteAt(make([]byte, s.geom.PageSize), int64(s.geom.Size())); err != nil {
		return fmt.Errorf("flash: format user page: %w", err)
	}
	return s.f.Sync()
}

func (s *File) Geometry() Geometry { return s.geom }

func (s *File) ReadPage(page int, buf []byte) error {
	if err := checkPage(s.geom, page); err != nil {
		return err
	}
	if err := checkLen(s.geom, buf); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.ReadAt(buf, int64(page*s.geom.PageSize)); err != nil {
		return fmt.Errorf("flash: read page %d: %w", page, err)
	}
	return nil
}

func (s *File) ErasePage(page int) error {
	if err := checkPage(s.geom, page); err != nil {
		return err
	}
	erased := make([]byte, s.geom.PageSize)
	for i := range erased {
		erased[i] = Erased
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAt(page, erased)
}

func (s *File) WritePage(page int, data []byte) error {
	if err := checkPage(s.geom, page); err != nil {
		return err
	}
	if err := checkLen(s.geom, data); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAt(page, data)
}

func (s *File) writeAt(page int, data []byte) error {
	if _, err := s.f.WriteAt(data, int64(page*s.geom.PageSize)); err != nil {
		return fmt.Errorf("flash: write page %d: %w", page, err)
	}
	return s.f.Sync()
}

func (s *File) Fuse(f Fuse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fuses&(1<<f) != 0
}

func (s *File) SetFuse(f Fuse, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fuses := s.fuses &^ (1 << f)
	if v {
		fuses |= 1 << f
	}
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], fuses)
	if _, err := s.f.WriteAt(word[:], int64(s.geom.Size())); err != nil {
		return fmt.Errorf("flash: write fuse %v: %w", f, err)
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	s.fuses = fuses
	return nil
}

// Close releases the image file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
