// Package uploader is the host side of the update protocol: it streams an
// Intel HEX image to the bootloader over USB or a serial port.
package uploader

import (
	"context"
	"errors"
	"log"
	"time"
)

// Link is one transport to the bootloader.
type Link interface {
	// Connect brings the device into a session ready for the first frame.
	Connect(ctx context.Context) error
	// Send delivers one record line. last marks the final frame of the
	// image.
	Send(ctx context.Context, frame int, line string, last bool) error
	Close() error
}

// Progress reports how far an upload got.
type Progress struct {
	Sent    int
	Total   int
	Elapsed time.Duration
}

// Uploader drives a Link through a whole image.
type Uploader struct {
	link       Link
	onProgress func(Progress)
}

// Option customises an Uploader.
type Option func(*Uploader)

// WithProgress sets a callback run after every acknowledged frame.
func WithProgress(fn func(Progress)) Option {
	return func(u *Uploader) { u.onProgress = fn }
}

// New returns an Uploader over link.
func New(link Link, opts ...Option) *Uploader {
	u := &Uploader{link: link}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload connects and sends every line of img. A fatal device error comes
// back as *DeviceError with the offending source line filled in.
func (u *Uploader) Upload(ctx context.Context, img *Image) error {
	if err := u.link.Connect(ctx); err != nil {
		return err
	}
	log.Printf("[upload] connected to bootloader")

	start := time.Now()
	total := len(img.Lines)
	for i, line := range img.Lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.link.Send(ctx, i, line, i == total-1); err != nil {
			var de *DeviceError
			if errors.As(err, &de) && de.Line == 0 {
				de.Line = img.LineNumbers[i]
			}
			return err
		}
		if u.onProgress != nil {
			u.onProgress(Progress{Sent: i + 1, Total: total, Elapsed: time.Since(start)})
		}
	}
	log.Printf("[upload] %d frames sent in %v", total, time.Since(start).Round(time.Millisecond))
	return nil
}
