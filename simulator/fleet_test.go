package simulator

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/buoyfleet/core/geo"
	"github.com/kilianp07/buoyfleet/core/model"
	"github.com/kilianp07/buoyfleet/core/projection"
	"github.com/kilianp07/buoyfleet/core/registry"
	"github.com/kilianp07/buoyfleet/core/telemetry"
	infralogger "github.com/kilianp07/buoyfleet/infra/logger"
)

type recordPublisher struct {
	mu     sync.Mutex
	topics []string
	msgs   map[string][]byte
	err    error
}

func (p *recordPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.msgs == nil {
		p.msgs = map[string][]byte{}
	}
	p.topics = append(p.topics, topic)
	p.msgs[topic] = payload
	return nil
}

func TestGenerateFleetAddresses(t *testing.T) {
	cfg := Config{Count: 3, FirstIP: "10.8.0.254"}
	cfg.SetDefaults()
	buoys := GenerateFleet(cfg, rand.New(rand.NewSource(1)))
	require.Len(t, buoys, 3)
	assert.Equal(t, "10.8.0.254", buoys[0].IP)
	assert.Equal(t, "10.8.0.255", buoys[1].IP)
	assert.Equal(t, "10.8.1.0", buoys[2].IP)
	assert.Equal(t, model.DeviceID("10.8.1.0", model.DefaultPort), buoys[2].ID)
}

func TestGenerateFleetSpread(t *testing.T) {
	cfg := Config{Count: 50, SpreadMeters: 200}
	cfg.SetDefaults()
	center := geo.Point{Lat: cfg.CenterLat, Lon: cfg.CenterLon}
	for _, b := range GenerateFleet(cfg, rand.New(rand.NewSource(7))) {
		d := geo.Haversine(center, geo.Point{Lat: b.Lat, Lon: b.Lon})
		assert.LessOrEqual(t, d, 201.0)
		assert.True(t, b.Online)
	}
}

func TestGenerateFleetEmpty(t *testing.T) {
	assert.Nil(t, GenerateFleet(Config{}, rand.New(rand.NewSource(1))))
}

func TestBatteryDrain(t *testing.T) {
	b := &Battery{Remaining: 1, DrainPerHour: 0.5}
	assert.Equal(t, 100, b.Percent())
	assert.Equal(t, fullVoltageMV, b.VoltageMV())
	assert.InDelta(t, 0.75, b.Drain(30*time.Minute), 1e-9)
	assert.Equal(t, 75, b.Percent())
	b.Drain(10 * time.Hour)
	assert.Equal(t, 0, b.Percent())
	assert.Equal(t, emptyVoltageMV, b.VoltageMV())
	assert.Equal(t, 0.0, b.Drain(-time.Second))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{FirstIP: "not-an-ip"}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())

	cfg = Config{DisconnectRate: 2}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())

	cfg = Config{}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())
}

// TestPublishedTelemetryProjects feeds the simulator output through the
// telemetry store and checks the dashboard sees every buoy where it is.
func TestPublishedTelemetryProjects(t *testing.T) {
	pub := &recordPublisher{}
	sim, err := New(Config{Count: 4, Seed: 3}, pub, infralogger.NopLogger{})
	require.NoError(t, err)
	require.NoError(t, sim.PublishAll())

	store := telemetry.NewStore(infralogger.NopLogger{})
	ids := make([]string, 0, 4)
	for _, topic := range pub.topics {
		store.Ingest(topic, pub.msgs[topic])
	}
	for _, b := range sim.Buoys() {
		ids = append(ids, b.ID)
	}
	vs := projection.Project(store.Snapshot(), registry.NewSet(ids...))
	require.Len(t, vs, 4)
	for i, v := range vs {
		b := sim.Buoys()[i]
		assert.Equal(t, b.ID, v.ID)
		assert.InDelta(t, b.Lat, v.Lat, 1e-6)
		assert.InDelta(t, b.Lon, v.Lon, 1e-6)
		assert.True(t, v.IsOnline)
		require.NotNil(t, v.SysStatus)
		assert.Equal(t, float64(b.Battery.Percent()), v.SysStatus.BatteryRemaining)
		require.NotNil(t, v.Attitude)
	}
}

func TestOfflineBuoyPublishesOnlyLinkState(t *testing.T) {
	pub := &recordPublisher{}
	sim, err := New(Config{Count: 1, Seed: 1}, pub, infralogger.NopLogger{})
	require.NoError(t, err)
	sim.Buoys()[0].Online = false
	require.NoError(t, sim.PublishAll())

	require.Len(t, pub.topics, 1)
	assert.True(t, strings.HasSuffix(pub.topics[0], "/isonline"))
	var online bool
	require.NoError(t, json.Unmarshal(pub.msgs[pub.topics[0]], &online))
	assert.False(t, online)
}

func TestStepFlipsLinkState(t *testing.T) {
	sim, err := New(Config{Count: 5, Seed: 1, DisconnectRate: 1}, &recordPublisher{}, infralogger.NopLogger{})
	require.NoError(t, err)
	sim.Step(time.Hour)
	for _, b := range sim.Buoys() {
		assert.False(t, b.Online, b.ID)
	}
}

func TestPublishAllJoinsErrors(t *testing.T) {
	boom := errors.New("not connected")
	sim, err := New(Config{Count: 2, Seed: 1}, &recordPublisher{err: boom}, infralogger.NopLogger{})
	require.NoError(t, err)
	err = sim.PublishAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
