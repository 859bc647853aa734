package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/tungsten-boot/internal/bootloader"
	"github.com/shaunagostinho/tungsten-boot/internal/flash"
	"github.com/shaunagostinho/tungsten-boot/internal/journal"
	"github.com/shaunagostinho/tungsten-boot/internal/protocol"
	"github.com/shaunagostinho/tungsten-boot/internal/transport"
)

// Config holds all emulator configuration.
type Config struct {
	mu sync.RWMutex

	// Bootloader build options
	Bootloader bootloader.Config `yaml:"bootloader" json:"bootloader"`

	// Flash array and its backing image
	Flash FlashConfig `yaml:"flash" json:"flash"`

	// UART the serial channel listens on
	Serial transport.Config `yaml:"serial" json:"serial"`

	// Page-write journal
	Journal journal.Config `yaml:"journal" json:"journal"`

	// Monitor
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type FlashConfig struct {
	Image    string         `yaml:"image" json:"image"` // "" keeps flash in memory
	Geometry flash.Geometry `yaml:"geometry" json:"geometry"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	// BroadcastMs is the monitor's status refresh period.
	BroadcastMs int `yaml:"broadcast_ms" json:"broadcastMs"`
}

// DefaultConfig returns the stock board configuration.
func DefaultConfig() *Config {
	return &Config{
		Bootloader: bootloader.DefaultConfig(),
		Flash: FlashConfig{
			Image:    "/var/lib/tungsten-boot/flash.bin",
			Geometry: flash.DefaultGeometry(),
		},
		Serial: transport.Config{
			PortPath: "/dev/ttyBootloader",
			BaudRate: protocol.DefaultBaudRate,
		},
		Journal: journal.Config{
			Enabled: false,
			Path:    "/var/log/tungsten-boot",
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastMs: 100,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config wins over one in the working directory
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real environment takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BL_MODE_INPUT, BL_MODE_TIMEOUT, BL_TIMEOUT_MS, BL_CHANNEL_SERIAL,
// BL_CHANNEL_USB, BL_SERIAL_PORT, BL_SERIAL_BAUD, BL_FLASH_IMAGE,
// BL_LISTEN_ADDR, BL_JOURNAL_ENABLED, BL_JOURNAL_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BL_MODE_INPUT"); v != "" {
		c.Bootloader.ModeInput = envBool(v)
	}
	if v := os.Getenv("BL_MODE_TIMEOUT"); v != "" {
		c.Bootloader.ModeTimeout = envBool(v)
	}
	if v := os.Getenv("BL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bootloader.Timeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("BL_CHANNEL_SERIAL"); v != "" {
		c.Bootloader.ChannelSerial = envBool(v)
	}
	if v := os.Getenv("BL_CHANNEL_USB"); v != "" {
		c.Bootloader.ChannelUSB = envBool(v)
	}
	if v := os.Getenv("BL_SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("BL_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v, ok := os.LookupEnv("BL_FLASH_IMAGE"); ok {
		c.Flash.Image = v
	}
	if v := os.Getenv("BL_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("BL_JOURNAL_ENABLED"); v != "" {
		c.Journal.Enabled = envBool(v)
	}
	if v := os.Getenv("BL_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

// Validate checks the parts the device cannot start without.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.Bootloader.Validate(); err != nil {
		return err
	}
	if err := c.Flash.Geometry.Validate(); err != nil {
		return err
	}
	if c.Bootloader.ProtectedPages >= c.Flash.Geometry.NumPages {
		return fmt.Errorf("config: %d protected pages leave no room in a %d page array",
			c.Bootloader.ProtectedPages, c.Flash.Geometry.NumPages)
	}
	return nil
}

// ServerSettings returns a copy of the monitor settings.
func (c *Config) ServerSettings() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// JournalEnabled returns the current journal switch.
func (c *Config) JournalEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Journal.Enabled
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/tungsten-boot/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
