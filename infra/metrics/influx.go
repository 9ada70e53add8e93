package metrics

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/buoyfleet/core/metrics"
	"github.com/kilianp07/buoyfleet/core/model"
	"github.com/kilianp07/buoyfleet/infra/logger"
)

// InfluxRecorder writes fleet snapshots to an InfluxDB instance using the
// official client. Only RecordFleet does anything; the counters of Recorder
// are left to Prometheus.
type InfluxRecorder struct {
	coremetrics.NopRecorder
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxRecorder creates a recorder for the given InfluxDB endpoint.
func NewInfluxRecorder(url, token, org, bucket string, log logger.Logger) *InfluxRecorder {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxRecorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      log,
	}
}

// NewInfluxRecorderWithFallback pings the InfluxDB instance and returns a
// NopRecorder if the health check fails.
func NewInfluxRecorderWithFallback(cfg coremetrics.Config, log logger.Logger) coremetrics.Recorder {
	rec := NewInfluxRecorder(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, log)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := rec.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			log.Errorf("influx health check error: %v", err)
		} else {
			log.Errorf("influx health status: %s", health.Status)
		}
		rec.client.Close()
		return coremetrics.NopRecorder{}
	}
	return rec
}

// RecordFleet writes one buoy_state point per vehicle and a fleet_summary
// point, all stamped at.
func (r *InfluxRecorder) RecordFleet(vehicles []model.Vehicle, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	points := make([]*write.Point, 0, len(vehicles)+1)
	online := 0
	for _, v := range vehicles {
		if v.IsOnline {
			online++
		}
		points = append(points, vehiclePoint(v, at))
	}
	points = append(points, write.NewPointWithMeasurement("fleet_summary").
		AddField("total", len(vehicles)).
		AddField("online", online).
		SetTime(at))
	return r.writeAPI.WritePoint(ctx, points...)
}

func vehiclePoint(v model.Vehicle, at time.Time) *write.Point {
	p := write.NewPointWithMeasurement("buoy_state").
		AddTag("vehicle_id", v.ID).
		AddField("lat", round7(v.Lat)).
		AddField("lon", round7(v.Lon)).
		AddField("online", v.IsOnline)
	if s := v.SysStatus; s != nil {
		p = p.AddField("battery_remaining", s.BatteryRemaining).
			AddField("voltage_battery", s.VoltageBattery)
	}
	if a := v.Attitude; a != nil {
		p = p.AddField("yaw", round3(a.Yaw))
	}
	return p.SetTime(at)
}

// Close releases the client.
func (r *InfluxRecorder) Close() { r.client.Close() }

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}

func round7(f float64) float64 {
	return math.Round(f*1e7) / 1e7
}
