// Package metrics defines the recording contract for fleet observability.
// Prometheus and InfluxDB implementations live in infra/metrics.
package metrics

import (
	"time"

	"github.com/kilianp07/buoyfleet/core/model"
)

// Recorder receives ingestion, workflow and fleet events.
type Recorder interface {
	RecordMessage(kind string)
	RecordDroppedMessage()
	RecordScan(found int, err error)
	RecordConnect(err error)
	RecordRemove(err error)
	RecordBrokerState(connected bool)
}

// FleetRecorder receives fleet snapshots. It is separate from Recorder
// because snapshot writes may block on a remote database.
type FleetRecorder interface {
	RecordFleet(vehicles []model.Vehicle, at time.Time) error
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordMessage(string)                         {}
func (NopRecorder) RecordDroppedMessage()                        {}
func (NopRecorder) RecordScan(int, error)                        {}
func (NopRecorder) RecordConnect(error)                          {}
func (NopRecorder) RecordRemove(error)                           {}
func (NopRecorder) RecordBrokerState(bool)                       {}
func (NopRecorder) RecordFleet([]model.Vehicle, time.Time) error { return nil }

// Config selects and configures the metric backends.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
	// SnapshotSeconds throttles fleet snapshots sent to InfluxDB.
	SnapshotSeconds int `json:"snapshot_seconds"`
}

// SetDefaults applies default ports and intervals.
func (c *Config) SetDefaults() {
	if c.PrometheusPort == "" {
		c.PrometheusPort = "9102"
	}
	if c.SnapshotSeconds <= 0 {
		c.SnapshotSeconds = 10
	}
}
