// Package metrics implements the fleet recorders on Prometheus and InfluxDB.
package metrics

import (
	"errors"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/buoyfleet/core/metrics"
	"github.com/kilianp07/buoyfleet/core/model"
)

// PromRecorder records ingestion, workflow and fleet metrics in Prometheus.
type PromRecorder struct {
	messages   *prometheus.CounterVec
	dropped    prometheus.Counter
	scans      *prometheus.CounterVec
	candidates prometheus.Gauge
	connects   *prometheus.CounterVec
	removals   *prometheus.CounterVec
	fleet      *prometheus.GaugeVec
	broker     prometheus.Gauge
}

// NewPromRecorder registers metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using StartPromServer.
func NewPromRecorder() (*PromRecorder, error) {
	return NewPromRecorderWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromRecorderWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer. Collectors
// already registered under the same name are reused.
func NewPromRecorderWithRegistry(reg prometheus.Registerer) (*PromRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var r PromRecorder
	var err error
	if r.messages, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buoy_telemetry_messages_total",
		Help: "Telemetry messages ingested by kind",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if r.dropped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buoy_telemetry_dropped_total",
		Help: "Messages dropped because their topic did not decode",
	})); err != nil {
		return nil, err
	}
	if r.scans, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buoy_scans_total",
		Help: "Discovery scans by outcome",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if r.candidates, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buoy_scan_candidates",
		Help: "Candidates returned by the last successful scan",
	})); err != nil {
		return nil, err
	}
	if r.connects, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buoy_connects_total",
		Help: "Connect attempts by outcome",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if r.removals, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buoy_removals_total",
		Help: "Removals by control-plane outcome",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if r.fleet, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "buoy_fleet_vehicles",
		Help: "Projected vehicles by link state",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if r.broker, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buoy_broker_connected",
		Help: "1 when the MQTT session is connected",
	})); err != nil {
		return nil, err
	}
	return &r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			// a Gauge satisfies Counter, so match the concrete type too
			if existing, ok := are.ExistingCollector.(C); ok && reflect.TypeOf(are.ExistingCollector) == reflect.TypeOf(c) {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (r *PromRecorder) RecordMessage(kind string) { r.messages.WithLabelValues(kind).Inc() }

func (r *PromRecorder) RecordDroppedMessage() { r.dropped.Inc() }

func (r *PromRecorder) RecordScan(found int, err error) {
	r.scans.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		r.candidates.Set(float64(found))
	}
}

func (r *PromRecorder) RecordConnect(err error) { r.connects.WithLabelValues(outcome(err)).Inc() }

func (r *PromRecorder) RecordRemove(err error) { r.removals.WithLabelValues(outcome(err)).Inc() }

func (r *PromRecorder) RecordBrokerState(connected bool) {
	if connected {
		r.broker.Set(1)
	} else {
		r.broker.Set(0)
	}
}

// RecordFleet sets the online and offline gauges.
func (r *PromRecorder) RecordFleet(vehicles []model.Vehicle, _ time.Time) error {
	online := 0
	for _, v := range vehicles {
		if v.IsOnline {
			online++
		}
	}
	r.fleet.WithLabelValues("online").Set(float64(online))
	r.fleet.WithLabelValues("offline").Set(float64(len(vehicles) - online))
	return nil
}

var (
	_ coremetrics.Recorder      = (*PromRecorder)(nil)
	_ coremetrics.FleetRecorder = (*PromRecorder)(nil)
)
