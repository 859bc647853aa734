package uploader

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
)

// Image is an Intel HEX file ready to be streamed, one record per frame.
type Image struct {
	// Lines are the records in file order, ':' included, without line
	// terminator.
	Lines []string
	// LineNumbers maps each entry of Lines to its line in the source.
	LineNumbers []int
	// Ignored lists source lines that were skipped for not starting with ':'.
	Ignored []int
}

// ParseImage reads an Intel HEX file. Blank lines are dropped; lines that do
// not start with ':' are dropped with a warning.
func ParseImage(r io.Reader) (*Image, error) {
	img := &Image{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r\n")
		switch {
		case line == "":
			continue
		case line[0] != protocol.RecordMark:
			log.Printf("[upload] Warning : ignoring line %d not starting with ':'", n)
			img.Ignored = append(img.Ignored, n)
			continue
		}
		img.Lines = append(img.Lines, line)
		img.LineNumbers = append(img.LineNumbers, n)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("uploader: reading image: %w", err)
	}
	return img, nil
}

// LoadImage reads the Intel HEX file at path.
func LoadImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseImage(f)
}

// Memory parses the image into a gohex memory map.
func (img *Image) Memory() (*gohex.Memory, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(strings.NewReader(strings.Join(img.Lines, "\n") + "\n")); err != nil {
		return nil, fmt.Errorf("uploader: %w", err)
	}
	return mem, nil
}

// Limits describe what the target bootloader accepts.
type Limits struct {
	// ProtectedBytes is the size of the bootloader area at address 0.
	ProtectedBytes uint32
	// FlashBytes is the size of the flash array.
	FlashBytes uint32
	// MaxLine is the largest frame, ':' included.
	MaxLine int
}

// Preflight checks the image against lim without talking to the device:
// every record must decode, fit the frame buffer, and land in application
// flash.
func (img *Image) Preflight(lim Limits) error {
	var problems []string
	if lim.MaxLine > 0 {
		for i, line := range img.Lines {
			if len(line) > lim.MaxLine {
				problems = append(problems, fmt.Sprintf("line %d is %d characters, the device buffer holds %d (use -record-size)",
					img.LineNumbers[i], len(line), lim.MaxLine))
			}
		}
	}

	mem, err := img.Memory()
	if err != nil {
		return &PreflightError{Problems: append(problems, err.Error())}
	}
	for _, seg := range mem.GetDataSegments() {
		end := seg.Address + uint32(len(seg.Data))
		if seg.Address < lim.ProtectedBytes {
			problems = append(problems, fmt.Sprintf("data at 0x%08X is inside the protected area (0x%08X bytes). %s",
				seg.Address, lim.ProtectedBytes, ProtectedAreaHint))
		}
		if lim.FlashBytes > 0 && end > lim.FlashBytes {
			problems = append(problems, fmt.Sprintf("data up to 0x%08X is past the end of flash (0x%08X)", end, lim.FlashBytes))
		}
	}
	if len(problems) > 0 {
		return &PreflightError{Problems: problems}
	}
	return nil
}

// Reencode rewrites the image with at most recordSize data bytes per
// record, so that every frame fits a small device buffer.
func (img *Image) Reencode(recordSize int) (*Image, error) {
	if recordSize <= 0 || recordSize > 255 {
		return nil, fmt.Errorf("uploader: record size %d out of range 1..255", recordSize)
	}
	mem, err := img.Memory()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	mem.DumpIntelHex(&buf, byte(recordSize))
	return ParseImage(&buf)
}

// DataBytes returns the number of payload bytes in the image.
func (img *Image) DataBytes() (int, error) {
	mem, err := img.Memory()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, seg := range mem.GetDataSegments() {
		n += len(seg.Data)
	}
	return n, nil
}
