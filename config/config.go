package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/buoyfleet/api/fleet"
	"github.com/kilianp07/buoyfleet/core/connection"
	"github.com/kilianp07/buoyfleet/core/metrics"
	"github.com/kilianp07/buoyfleet/core/registry"
	"github.com/kilianp07/buoyfleet/infra/controlplane"
	"github.com/kilianp07/buoyfleet/infra/mqtt"
)

// EnvPrefix marks environment overrides, e.g. BUOY_MQTT__BROKER.
const EnvPrefix = "BUOY_"

type Config struct {
	MQTT         mqtt.Config         `json:"mqtt"`
	ControlPlane controlplane.Config `json:"control_plane"`
	Registry     registry.Config     `json:"registry"`
	Connection   connection.Config   `json:"connection"`
	HTTP         fleet.Config        `json:"http"`
	Metrics      metrics.Config      `json:"metrics"`
	Logging      LoggingConfig       `json:"logging"`
}

// Load reads the file at path, applies environment overrides and defaults,
// and validates the result. An empty path loads defaults and environment
// only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	// Optional environment overrides
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults applies the defaults of every section.
func (c *Config) SetDefaults() {
	c.MQTT.SetDefaults()
	c.ControlPlane.SetDefaults()
	c.Registry.SetDefaults()
	c.Connection.SetDefaults()
	c.HTTP.SetDefaults()
	c.Metrics.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	if err := c.ControlPlane.Validate(); err != nil {
		return err
	}
	if err := c.Connection.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}
