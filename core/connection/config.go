package connection

import (
	"fmt"
	"time"

	"github.com/kilianp07/buoyfleet/core/model"
)

// Config tunes the connection workflow.
type Config struct {
	// DefaultPort is the MAVLink port attached on connect.
	DefaultPort int `json:"default_port"`
	// AutoRetry starts the periodic scan at startup.
	AutoRetry bool `json:"auto_retry"`
	// ScanIntervalSeconds is the auto-retry period.
	ScanIntervalSeconds int `json:"scan_interval_seconds"`
	// TickSeconds is the refresh period of elapsed disconnection times.
	TickSeconds int `json:"tick_seconds"`
}

// SetDefaults applies the dashboard defaults.
func (c *Config) SetDefaults() {
	if c.DefaultPort == 0 {
		c.DefaultPort = model.DefaultPort
	}
	if c.ScanIntervalSeconds <= 0 {
		c.ScanIntervalSeconds = 5
	}
	if c.TickSeconds <= 0 {
		c.TickSeconds = 1
	}
}

// Validate checks the port range.
func (c Config) Validate() error {
	if c.DefaultPort <= 0 || c.DefaultPort > 65535 {
		return fmt.Errorf("connection.default_port %d out of range", c.DefaultPort)
	}
	return nil
}

// ScanInterval returns the auto-retry period.
func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// Tick returns the display refresh period.
func (c Config) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}
