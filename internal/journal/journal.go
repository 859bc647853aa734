// Package journal records flash page writes to CSV files with rotation.
package journal

import (
	"encoding/csv"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/tungsten-boot/internal/device"
)

// Journal appends one row per page write.
type Journal struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	maxRows int

	file   *os.File
	writer *csv.Writer
	path   string
	rows   int
}

// Config holds journal configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 100_000 // a few hundred full-flash uploads

var csvHeader = []string{
	"timestamp", "boot", "page", "address", "first_write", "size", "crc32", "erased",
}

// New creates a Journal. Files are opened on the first write.
func New(cfg Config) *Journal {
	if cfg.Path == "" {
		cfg.Path = "/var/log/tungsten-boot"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Journal{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		maxRows: cfg.MaxRows,
	}
}

// SetEnabled allows toggling the journal at runtime.
func (j *Journal) SetEnabled(on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = on
	if !on && j.file != nil {
		j.closeFile()
	}
}

// IsEnabled returns whether the journal is active.
func (j *Journal) IsEnabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// Path returns the file currently written to, or "".
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Record writes a row for w. It matches device.Device.OnPageWrite.
func (j *Journal) Record(w device.PageWrite) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.enabled {
		return
	}

	if j.writer == nil || j.rows >= j.maxRows {
		if err := j.rotateFile(w.Time); err != nil {
			log.Printf("[journal] rotate failed: %v", err)
			return
		}
	}

	if err := j.writer.Write(buildRow(w)); err != nil {
		log.Printf("[journal] write failed: %v", err)
		return
	}
	j.writer.Flush()
	j.rows++
}

// Close flushes and closes the current file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeFile()
}

func (j *Journal) rotateFile(now time.Time) error {
	j.closeFile()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	// Nanoseconds keep names unique when a rotation lands in the same second.
	filename := fmt.Sprintf("pages_%s_%09d.csv", now.Format("2006-01-02_150405"), now.Nanosecond())
	path := filepath.Join(j.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	j.file = f
	j.path = path
	j.writer = csv.NewWriter(f)
	j.rows = 0

	if err := j.writer.Write(csvHeader); err != nil {
		return err
	}
	j.writer.Flush()

	log.Printf("[journal] opened %s", path)
	return nil
}

func (j *Journal) closeFile() {
	if j.writer != nil {
		j.writer.Flush()
		j.writer = nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	j.path = ""
}

func buildRow(w device.PageWrite) []string {
	return []string{
		w.Time.Format(time.RFC3339Nano),
		strconv.Itoa(w.Boot),
		strconv.Itoa(w.Page),
		fmt.Sprintf("0x%08X", w.Address),
		boolStr(w.First),
		strconv.Itoa(len(w.Data)),
		fmt.Sprintf("%08x", crc32.ChecksumIEEE(w.Data)),
		boolStr(erased(w.Data)),
	}
}

func erased(b []byte) bool {
	for _, c := range b {
		if c != 0xFF {
			return false
		}
	}
	return true
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
