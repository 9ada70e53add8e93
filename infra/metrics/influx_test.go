package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/kilianp07/buoyfleet/core/metrics"
	"github.com/kilianp07/buoyfleet/core/model"
	infralogger "github.com/kilianp07/buoyfleet/infra/logger"
)

func TestInfluxRecorderRecordFleet(t *testing.T) {
	var mu sync.Mutex
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := NewInfluxRecorder(srv.URL, "token", "org", "bucket", infralogger.NopLogger{})
	defer rec.Close()
	now := time.Now()
	vehicles := []model.Vehicle{
		{ID: "10_8_0_53_14550", Lat: 45.8, Lon: 9.0, IsOnline: true,
			SysStatus: &model.SystemStatus{BatteryRemaining: 80, VoltageBattery: 12600}},
		{ID: "10_8_0_54_14550", Lat: 45.81, Lon: 9.01},
	}
	require.NoError(t, rec.RecordFleet(vehicles, now))

	p1 := write.NewPointWithMeasurement("buoy_state").
		AddTag("vehicle_id", "10_8_0_53_14550").
		AddField("lat", 45.8).
		AddField("lon", 9.0).
		AddField("online", true).
		AddField("battery_remaining", 80.0).
		AddField("voltage_battery", 12600.0).
		SetTime(now)
	p2 := write.NewPointWithMeasurement("buoy_state").
		AddTag("vehicle_id", "10_8_0_54_14550").
		AddField("lat", 45.81).
		AddField("lon", 9.01).
		AddField("online", false).
		SetTime(now)
	var want []string
	for _, p := range []*write.Point{p1, p2} {
		want = append(want, strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond)))
	}
	want = append(want, fmt.Sprintf("fleet_summary total=2i,online=1i %d", now.UnixNano()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, strings.Split(strings.TrimSpace(body), "\n"))
}

func TestInfluxRecorderWriteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := NewInfluxRecorder(srv.URL, "bad", "org", "bucket", infralogger.NopLogger{})
	defer rec.Close()
	assert.Error(t, rec.RecordFleet(nil, time.Now()))
}

func TestNewInfluxRecorderWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	cfg := coremetrics.Config{
		InfluxURL:    srv.URL + "/api/v2/write",
		InfluxToken:  "tok",
		InfluxOrg:    "org",
		InfluxBucket: "bucket",
	}
	rec := NewInfluxRecorderWithFallback(cfg, infralogger.NopLogger{})
	_, isInflux := rec.(*InfluxRecorder)
	assert.False(t, isInflux, "expected NopRecorder on failing health check")
	assert.True(t, called, "health endpoint not called")
}
