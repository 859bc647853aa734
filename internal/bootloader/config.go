package bootloader

import (
	"fmt"
	"time"
)

// Config selects the bootloader's variation points. Defaults match the
// Carbide board build: button entry over USB.
type Config struct {
	// ModeInput enters the bootloader while the input pin is asserted.
	ModeInput bool `yaml:"mode_input" json:"modeInput"`
	// ModeTimeout enters the bootloader on every reset not caused by the
	// bootloader itself, and leaves after Timeout without a connection.
	ModeTimeout bool          `yaml:"mode_timeout" json:"modeTimeout"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`

	ChannelSerial bool `yaml:"channel_serial" json:"channelSerial"`
	ChannelUSB    bool `yaml:"channel_usb" json:"channelUsb"`

	// ProtectedPages is the number of flash pages, from page 0, that hold
	// the bootloader. The application's vector table starts right after.
	ProtectedPages int `yaml:"protected_pages" json:"protectedPages"`
	// BufferSize is the capacity of the frame buffer in bytes.
	BufferSize int `yaml:"buffer_size" json:"bufferSize"`
	// PollInterval is how long the main loop idles when nothing happened.
	PollInterval time.Duration `yaml:"poll_interval" json:"pollInterval"`
}

const (
	DefaultProtectedPages = 32 // 16 KiB with 512-byte pages
	DefaultBufferSize     = 128
	DefaultTimeout        = 3000 * time.Millisecond
	DefaultPollInterval   = time.Millisecond
)

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		ModeInput:      true,
		ModeTimeout:    false,
		Timeout:        DefaultTimeout,
		ChannelSerial:  false,
		ChannelUSB:     true,
		ProtectedPages: DefaultProtectedPages,
		BufferSize:     DefaultBufferSize,
		PollInterval:   DefaultPollInterval,
	}
}

// Validate rejects configurations the bootloader cannot run with.
func (c Config) Validate() error {
	if !c.ChannelSerial && !c.ChannelUSB {
		return fmt.Errorf("bootloader: no channel enabled")
	}
	if c.ProtectedPages < 1 {
		return fmt.Errorf("bootloader: %d protected pages", c.ProtectedPages)
	}
	// The shortest useful frame is the end-of-file record.
	if c.BufferSize < len(":00000001FF") {
		return fmt.Errorf("bootloader: frame buffer of %d bytes cannot hold a record", c.BufferSize)
	}
	if c.ModeTimeout && c.Timeout <= 0 {
		return fmt.Errorf("bootloader: timeout mode needs a positive timeout")
	}
	return nil
}
