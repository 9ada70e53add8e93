package fleet

import "time"

// Config holds the dashboard HTTP listener settings.
type Config struct {
	Addr string `json:"addr"`
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins"`
	// WriteTimeoutSeconds bounds a single WebSocket write.
	WriteTimeoutSeconds int `json:"write_timeout_seconds"`
}

// SetDefaults applies the default listener.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.WriteTimeoutSeconds <= 0 {
		c.WriteTimeoutSeconds = 5
	}
}

// WriteTimeout returns the WebSocket write deadline.
func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}
