package projection

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/buoyfleet/core/model"
	"github.com/kilianp07/buoyfleet/core/registry"
	"github.com/kilianp07/buoyfleet/core/telemetry"
	infralogger "github.com/kilianp07/buoyfleet/infra/logger"
)

const buoy = "10_8_0_53_14550"

func ingest(s *telemetry.Store, id, kind, payload string) {
	s.Ingest(telemetry.TelemetryTopic(id, kind), []byte(payload))
}

func newStore() *telemetry.Store {
	return telemetry.NewStore(infralogger.NopLogger{}, telemetry.WithClock(func() time.Time { return time.UnixMilli(1) }))
}

func TestProjectPositionScenario(t *testing.T) {
	s := newStore()
	ingest(s, buoy, model.KindGlobalPosition, `{"lat":458000000,"lon":90000000}`)
	ingest(s, buoy, model.KindOnline, `true`)

	vs := Project(s.Snapshot(), registry.NewSet(buoy))
	require.Len(t, vs, 1)
	assert.Equal(t, buoy, vs[0].ID)
	assert.Equal(t, 45.8, vs[0].Lat)
	assert.Equal(t, 9.0, vs[0].Lon)
	assert.True(t, vs[0].IsOnline)
	require.NotNil(t, vs[0].GlobalPosition)
	assert.Equal(t, 458000000.0, vs[0].GlobalPosition.Lat)
}

func TestProjectRequiresRegistryAndPosition(t *testing.T) {
	s := newStore()
	ingest(s, "a_a_a_a_1", model.KindGlobalPosition, `{"lat":1,"lon":2}`)
	ingest(s, "b_b_b_b_1", model.KindSysStatus, `{"battery_remaining":3}`)
	ingest(s, "c_c_c_c_1", model.KindGlobalPosition, `{"lat":1,"lon":2}`)

	vs := Project(s.Snapshot(), registry.NewSet("a_a_a_a_1", "b_b_b_b_1"))
	require.Len(t, vs, 1)
	assert.Equal(t, "a_a_a_a_1", vs[0].ID)
}

func TestProjectExcludesNonNumericPosition(t *testing.T) {
	s := newStore()
	ingest(s, "nolon", model.KindGlobalPosition, `{"lat":1}`)
	ingest(s, "strlat", model.KindGlobalPosition, `{"lat":"1","lon":2}`)
	ingest(s, "raw", model.KindGlobalPosition, `garbage`)

	vs := Project(s.Snapshot(), registry.NewSet("nolon", "strlat", "raw"))
	assert.Empty(t, vs)
}

func TestProjectExcludesNonFinite(t *testing.T) {
	st := telemetry.NewState([]string{"nan", "inf"}, map[string]telemetry.Kinds{
		"nan": {model.KindGlobalPosition: {Data: map[string]any{"lat": math.NaN(), "lon": 1.0}}},
		"inf": {model.KindGlobalPosition: {Data: map[string]any{"lat": 1.0, "lon": math.Inf(1)}}},
	})
	for _, v := range Project(st, registry.NewSet("nan", "inf")) {
		assert.False(t, math.IsNaN(v.Lat) || math.IsNaN(v.Lon), v.ID)
	}
	assert.Empty(t, Project(st, registry.NewSet("nan", "inf")))
}

func TestProjectFallbackPositionKind(t *testing.T) {
	s := newStore()
	ingest(s, buoy, "GPS_RAW_INT", `{"lat":100000000,"lon":200000000,"fix_type":3}`)
	ingest(s, buoy, "ZZZ", `{"lat":1,"lon":1}`)

	vs := Project(s.Snapshot(), registry.NewSet(buoy))
	require.Len(t, vs, 1)
	assert.Equal(t, 10.0, vs[0].Lat)
	assert.Equal(t, 20.0, vs[0].Lon)
	require.NotNil(t, vs[0].GPSRaw)
	assert.Equal(t, 3.0, vs[0].GPSRaw.FixType)
}

func TestProjectGlobalPositionWinsWithoutFallback(t *testing.T) {
	s := newStore()
	ingest(s, buoy, model.KindGlobalPosition, `{"alt":3}`)
	ingest(s, buoy, "GPS_RAW_INT", `{"lat":1,"lon":1}`)
	assert.Empty(t, Project(s.Snapshot(), registry.NewSet(buoy)))
}

func TestProjectOnlineIsStrict(t *testing.T) {
	cases := map[string]bool{`true`: true, `false`: false, `1`: false, `"true"`: false, `{"value":"yes"}`: false}
	for payload, want := range cases {
		s := newStore()
		ingest(s, buoy, model.KindGlobalPosition, `{"lat":1,"lon":1}`)
		ingest(s, buoy, model.KindOnline, payload)
		vs := Project(s.Snapshot(), registry.NewSet(buoy))
		require.Len(t, vs, 1)
		assert.Equal(t, want, vs[0].IsOnline, payload)
	}

	s := newStore()
	ingest(s, buoy, model.KindGlobalPosition, `{"lat":1,"lon":1}`)
	assert.False(t, Project(s.Snapshot(), registry.NewSet(buoy))[0].IsOnline)
}

func TestProjectMergesKinds(t *testing.T) {
	s := newStore()
	ingest(s, buoy, model.KindGlobalPosition, `{"lat":1,"lon":1}`)
	ingest(s, buoy, model.KindSysStatus, `{"battery_remaining":42}`)
	ingest(s, buoy, "CUSTOM_KIND", `{"x":1}`)

	v := Project(s.Snapshot(), registry.NewSet(buoy))[0]
	require.NotNil(t, v.SysStatus)
	assert.Equal(t, 42.0, v.SysStatus.BatteryRemaining)
	assert.Equal(t, map[string]any{"x": 1.0}, v.Telemetry["CUSTOM_KIND"])
	assert.NotContains(t, v.Telemetry, model.KindOnline)
}

func TestProjectDeterministicAndOrdered(t *testing.T) {
	s := newStore()
	for _, id := range []string{"c", "a", "b"} {
		ingest(s, id, model.KindGlobalPosition, `{"lat":1,"lon":1}`)
		ingest(s, id, model.KindAttitude, `{"yaw":1}`)
	}
	reg := registry.NewSet("a", "b", "c")
	first := Project(s.Snapshot(), reg)
	second := Project(s.Snapshot(), reg)
	assert.Equal(t, first, second)
	ids := []string{first[0].ID, first[1].ID, first[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestProjectorMemoizes(t *testing.T) {
	s := newStore()
	ingest(s, buoy, model.KindGlobalPosition, `{"lat":1,"lon":1}`)
	reg := registry.New(&registry.MemoryStorage{}, infralogger.NopLogger{})
	require.NoError(t, reg.Add(buoy))

	p := NewProjector(s.Snapshot, reg.Snapshot)
	first := p.Vehicles()
	require.Len(t, first, 1)
	assert.Same(t, &first[0], &p.Vehicles()[0], "unchanged inputs reuse the projection")

	ingest(s, buoy, model.KindGlobalPosition, `{"lat":20000000,"lon":1}`)
	second := p.Vehicles()
	assert.Equal(t, 2.0, second[0].Lat)
	assert.Equal(t, 1e-7, first[0].Lat, "earlier projection left untouched")

	require.NoError(t, reg.Remove(buoy))
	assert.Empty(t, p.Vehicles())
}
