// Package simulator publishes synthetic buoy telemetry on the broker.
package simulator

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kilianp07/buoyfleet/core/model"
)

// Config holds parameters for the simulator.
type Config struct {
	Count int
	// FirstIP is the address of the first buoy; the others follow it.
	FirstIP string
	Port    int
	// Interval between two publications of every kind.
	Interval time.Duration
	// DisconnectRate is the probability per minute that a buoy flips its link state.
	DisconnectRate float64
	// DrainPerHour is the battery fraction consumed per hour.
	DrainPerHour float64
	CenterLat    float64
	CenterLon    float64
	// SpreadMeters bounds the initial distance from the center.
	SpreadMeters float64
	Seed         int64
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Count <= 0 {
		c.Count = 3
	}
	if c.FirstIP == "" {
		c.FirstIP = "10.8.0.50"
	}
	if c.Port == 0 {
		c.Port = model.DefaultPort
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.DrainPerHour <= 0 {
		c.DrainPerHour = 0.05
	}
	if c.CenterLat == 0 && c.CenterLon == 0 {
		c.CenterLat, c.CenterLon = 43.7167, 10.4000
	}
	if c.SpreadMeters <= 0 {
		c.SpreadMeters = 500
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

// Validate checks the simulator parameters.
func (c *Config) Validate() error {
	if ip := net.ParseIP(c.FirstIP).To4(); ip == nil {
		return fmt.Errorf("first ip %q is not an IPv4 address", c.FirstIP)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DisconnectRate < 0 || c.DisconnectRate > 1 {
		return errors.New("disconnect rate must be within [0,1]")
	}
	return nil
}
