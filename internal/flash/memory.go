package flash

import "sync"

// Memory is a Store held in RAM. It counts writes per page so callers can
// observe flash wear.
type Memory struct {
	mu     sync.Mutex
	geom   Geometry
	data   []byte
	fuses  [numFuses]bool
	writes map[int]int

	// FailWrites makes WritePage fail, for exercising error paths.
	FailWrites error
}

// NewMemory returns an erased array.
func NewMemory(g Geometry) *Memory {
	m := &Memory{
		geom:   g,
		data:   make([]byte, g.Size()),
		writes: make(map[int]int),
	}
	for i := range m.data {
		m.data[i] = Erased
	}
	return m
}

func (m *Memory) Geometry() Geometry { return m.geom }

func (m *Memory) ReadPage(page int, buf []byte) error {
	if err := checkPage(m.geom, page); err != nil {
		return err
	}
	if err := checkLen(m.geom, buf); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(buf, m.page(page))
	return nil
}

func (m *Memory) ErasePage(page int) error {
	if err := checkPage(m.geom, page); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.page(page)
	for i := range p {
		p[i] = Erased
	}
	return nil
}

func (m *Memory) WritePage(page int, data []byte) error {
	if err := checkPage(m.geom, page); err != nil {
		return err
	}
	if err := checkLen(m.geom, data); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	copy(m.page(page), data)
	m.writes[page]++
	return nil
}

func (m *Memory) Fuse(f Fuse) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fuses[f]
}

func (m *Memory) SetFuse(f Fuse, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fuses[f] = v
	return nil
}

// Writes returns how many times page has been written.
func (m *Memory) Writes(page int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[page]
}

// TotalWrites returns the number of page writes since creation.
func (m *Memory) TotalWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.writes {
		n += c
	}
	return n
}

// Load copies data into the array starting at page, bypassing write
// accounting. It is used to preload images.
func (m *Memory) Load(page int, data []byte) error {
	if err := checkPage(m.geom, page); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[page*m.geom.PageSize:], data)
	return nil
}

func (m *Memory) page(page int) []byte {
	off := page * m.geom.PageSize
	return m.data[off : off+m.geom.PageSize]
}
