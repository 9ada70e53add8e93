package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/buoyfleet/core/model"
	"github.com/kilianp07/buoyfleet/core/registry"
	infralogger "github.com/kilianp07/buoyfleet/infra/logger"
)

type rejection struct {
	status int
	detail string
}

func (r *rejection) Error() string { return "rejected" }
func (r *rejection) Text() string  { return r.detail }

type fakeControlPlane struct {
	mu         sync.Mutex
	scanIPs    []string
	scanErr    error
	addErr     error
	removeErr  error
	scanCalls  int32
	addCalls   int32
	removed    []string
	addGate    chan struct{}
	addStarted chan struct{}
}

func (f *fakeControlPlane) Scan(context.Context) ([]string, error) {
	atomic.AddInt32(&f.scanCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scanIPs...), f.scanErr
}

func (f *fakeControlPlane) AddBuoy(ctx context.Context, ip string, port int) error {
	atomic.AddInt32(&f.addCalls, 1)
	if f.addStarted != nil {
		f.addStarted <- struct{}{}
	}
	if f.addGate != nil {
		select {
		case <-f.addGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.addErr
}

func (f *fakeControlPlane) RemoveBuoy(_ context.Context, ip string, port int) error {
	f.mu.Lock()
	f.removed = append(f.removed, model.DeviceID(ip, port))
	f.mu.Unlock()
	return f.removeErr
}

type staticVehicles struct {
	mu sync.Mutex
	vs []model.Vehicle
}

func (s *staticVehicles) Vehicles() []model.Vehicle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vs
}

func (s *staticVehicles) set(vs ...model.Vehicle) {
	s.mu.Lock()
	s.vs = vs
	s.mu.Unlock()
}

func newManager(t *testing.T, cp *fakeControlPlane, opts ...Option) (*Manager, *registry.Registry, *staticVehicles) {
	t.Helper()
	reg := registry.New(&registry.MemoryStorage{}, infralogger.NopLogger{})
	vs := &staticVehicles{}
	return NewManager(Config{}, cp, reg, vs, infralogger.NopLogger{}, opts...), reg, vs
}

func TestScanFiltersConnectedIPs(t *testing.T) {
	cp := &fakeControlPlane{scanIPs: []string{"10.8.0.53", "10.8.0.54", "10.8.0.54"}}
	m, _, vs := newManager(t, cp)
	vs.set(model.Vehicle{ID: "10_8_0_53_14550"})

	got := m.Scan(context.Background())
	assert.Equal(t, []string{"10.8.0.54"}, got)
	st := m.Status()
	assert.Equal(t, []string{"10.8.0.54"}, st.ScannedIPs)
	assert.False(t, st.Scanning)

	vs.set(model.Vehicle{ID: "10_8_0_53_14550"}, model.Vehicle{ID: "10_8_0_54_14550"})
	assert.Empty(t, m.Status().ScannedIPs, "status refilters against current vehicles")
}

func TestScanFailureYieldsEmptyList(t *testing.T) {
	cp := &fakeControlPlane{scanIPs: []string{"10.8.0.1"}}
	m, _, _ := newManager(t, cp)
	require.Len(t, m.Scan(context.Background()), 1)

	cp.scanErr = &rejection{status: 500}
	got := m.Scan(context.Background())
	assert.NotNil(t, got)
	assert.Empty(t, got)
	st := m.Status()
	assert.Empty(t, st.ScannedIPs)
	assert.False(t, st.Scanning)
}

func TestScanningFlagWhileInFlight(t *testing.T) {
	cp := &fakeControlPlane{}
	var sawScanning atomic.Bool
	var m *Manager
	m, _, _ = newManager(t, cp, WithOnChange(func() {
		if m != nil && m.Status().Scanning {
			sawScanning.Store(true)
		}
	}))
	m.Scan(context.Background())
	assert.True(t, sawScanning.Load())
	assert.False(t, m.Status().Scanning)
}

func TestConnectSuccessRegistersDevice(t *testing.T) {
	cp := &fakeControlPlane{scanIPs: []string{"10.8.0.53", "10.8.0.60"}}
	m, reg, _ := newManager(t, cp)
	m.Scan(context.Background())

	require.NoError(t, m.Connect(context.Background(), "10.8.0.53"))
	assert.True(t, reg.Contains("10_8_0_53_14550"))
	st := m.Status()
	assert.Equal(t, []string{"10.8.0.60"}, st.ScannedIPs)
	assert.Empty(t, st.ConnectingIPs)
	assert.Nil(t, st.ConnectError)

	require.NoError(t, m.Connect(context.Background(), "10.8.0.53"))
	assert.Equal(t, []string{"10_8_0_53_14550"}, reg.IDs())
}

func TestConnectRejectionRecordsDetail(t *testing.T) {
	cp := &fakeControlPlane{addErr: &rejection{status: 409, detail: "port in use"}}
	m, reg, _ := newManager(t, cp)

	err := m.Connect(context.Background(), "10.8.0.53")
	require.Error(t, err)
	st := m.Status()
	require.NotNil(t, st.ConnectError)
	assert.Equal(t, "port in use", *st.ConnectError)
	assert.Empty(t, reg.IDs())
	assert.NotContains(t, st.ConnectingIPs, "10.8.0.53")

	m.ClearConnectError()
	assert.Nil(t, m.Status().ConnectError)
}

func TestConnectErrorFallbacks(t *testing.T) {
	cp := &fakeControlPlane{addErr: &rejection{status: 500}}
	m, _, _ := newManager(t, cp)
	_ = m.Connect(context.Background(), "10.8.0.53")
	assert.Equal(t, DefaultConnectError, *m.Status().ConnectError)

	cp.addErr = errors.New("dial tcp: connection refused")
	_ = m.Connect(context.Background(), "10.8.0.53")
	assert.Equal(t, "dial tcp: connection refused", *m.Status().ConnectError)
}

func TestConnectClearsPreviousError(t *testing.T) {
	cp := &fakeControlPlane{addErr: errors.New("boom")}
	m, _, _ := newManager(t, cp)
	_ = m.Connect(context.Background(), "10.8.0.1")
	require.NotNil(t, m.Status().ConnectError)

	cp.addErr = nil
	require.NoError(t, m.Connect(context.Background(), "10.8.0.2"))
	assert.Nil(t, m.Status().ConnectError)
}

func TestConnectMarksInFlight(t *testing.T) {
	cp := &fakeControlPlane{addGate: make(chan struct{}), addStarted: make(chan struct{}, 2)}
	m, _, _ := newManager(t, cp)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), "10.8.0.53") }()
	<-cp.addStarted
	assert.Equal(t, []string{"10.8.0.53"}, m.Status().ConnectingIPs)

	close(cp.addGate)
	require.NoError(t, <-done)
	assert.Empty(t, m.Status().ConnectingIPs)
}

func TestConnectCoalescesSameIP(t *testing.T) {
	cp := &fakeControlPlane{addGate: make(chan struct{}), addStarted: make(chan struct{}, 4)}
	m, reg, _ := newManager(t, cp)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = m.Connect(context.Background(), "10.8.0.53") }()
	<-cp.addStarted

	wg.Add(1)
	go func() { defer wg.Done(); _ = m.Connect(context.Background(), "10.8.0.53") }()
	// give the second caller time to join the in-flight call
	time.Sleep(20 * time.Millisecond)
	close(cp.addGate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&cp.addCalls))
	assert.Equal(t, []string{"10_8_0_53_14550"}, reg.IDs())
}

func TestRemoveIsOptimistic(t *testing.T) {
	cp := &fakeControlPlane{removeErr: errors.New("network down")}
	m, reg, _ := newManager(t, cp)
	require.NoError(t, reg.Add("10_8_0_53_14550"))
	require.NoError(t, reg.Add("10_8_0_54_14550"))

	m.Remove(context.Background(), "10.8.0.53", 14550)
	assert.False(t, reg.Contains("10_8_0_53_14550"))
	assert.True(t, reg.Contains("10_8_0_54_14550"))
	assert.Equal(t, []string{"10_8_0_53_14550"}, cp.removed)

	cp.removeErr = nil
	m.Remove(context.Background(), "10.8.0.54", 14550)
	assert.Empty(t, reg.IDs())
}

func TestTrackDisconnections(t *testing.T) {
	m, _, _ := newManager(t, &fakeControlPlane{})
	id := "10_8_0_53_14550"
	t0 := time.UnixMilli(1000)
	tT := time.UnixMilli(5000)

	m.TrackDisconnections([]model.Vehicle{{ID: id, IsOnline: true}}, t0)
	_, ok := m.DisconnectedSince(id)
	assert.False(t, ok)

	m.TrackDisconnections([]model.Vehicle{{ID: id, IsOnline: false}}, tT)
	since, ok := m.DisconnectedSince(id)
	require.True(t, ok)
	assert.Equal(t, tT, since)

	m.TrackDisconnections([]model.Vehicle{{ID: id, IsOnline: false}}, tT.Add(time.Minute))
	since, _ = m.DisconnectedSince(id)
	assert.Equal(t, tT, since, "unchanged pairs keep the first stamp")

	elapsed, ok := m.Elapsed(id, tT.Add(90*time.Second))
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, elapsed)

	m.TrackDisconnections([]model.Vehicle{{ID: id, IsOnline: true}}, tT.Add(2*time.Minute))
	_, ok = m.DisconnectedSince(id)
	assert.False(t, ok)
	assert.NotContains(t, m.Status().DisconnectedSince, id)
}

func TestTrackDisconnectionsIgnoresUnrelatedChanges(t *testing.T) {
	var changes int
	m, _, _ := newManager(t, &fakeControlPlane{}, WithOnChange(func() { changes++ }))
	a := model.Vehicle{ID: "a", Lat: 1}
	m.TrackDisconnections([]model.Vehicle{a}, time.UnixMilli(1))
	a.Lat = 2
	m.TrackDisconnections([]model.Vehicle{a}, time.UnixMilli(2))
	assert.Equal(t, 1, changes)
	since, _ := m.DisconnectedSince("a")
	assert.Equal(t, time.UnixMilli(1), since)
}

func TestStatusOnlineCount(t *testing.T) {
	m, _, vs := newManager(t, &fakeControlPlane{})
	vs.set(model.Vehicle{ID: "a", IsOnline: true}, model.Vehicle{ID: "b"}, model.Vehicle{ID: "c", IsOnline: true})
	assert.Equal(t, 2, m.Status().OnlineCount)
}

func TestAutoRetryScansPeriodically(t *testing.T) {
	cp := &fakeControlPlane{scanIPs: []string{"10.8.0.1"}}
	m, _, vs := newManager(t, cp, WithScanInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	m.SetAutoRetry(true)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&cp.scanCalls) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"10.8.0.1"}, m.Status().ScannedIPs)

	// exclusions are recomputed on every tick
	vs.set(model.Vehicle{ID: "10_8_0_1_14550"})
	cp.mu.Lock()
	cp.scanIPs = []string{"10.8.0.1", "10.8.0.2"}
	cp.mu.Unlock()
	assert.Eventually(t, func() bool {
		st := m.Status()
		return len(st.ScannedIPs) == 1 && st.ScannedIPs[0] == "10.8.0.2"
	}, time.Second, 5*time.Millisecond)

	m.SetAutoRetry(false)
	assert.False(t, m.Status().AutoRetry)
	time.Sleep(30 * time.Millisecond)
	calls := atomic.LoadInt32(&cp.scanCalls)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, atomic.LoadInt32(&cp.scanCalls))
}

func TestAutoRetryFromConfigStartsWithRun(t *testing.T) {
	cp := &fakeControlPlane{}
	reg := registry.New(&registry.MemoryStorage{}, infralogger.NopLogger{})
	m := NewManager(Config{AutoRetry: true}, cp, reg, &staticVehicles{}, infralogger.NopLogger{}, WithScanInterval(5*time.Millisecond))
	assert.True(t, m.Status().AutoRetry)
	assert.Zero(t, atomic.LoadInt32(&cp.scanCalls), "nothing runs before Run")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = m.Run(ctx); close(done) }()
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&cp.scanCalls) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(-time.Second))
	assert.Equal(t, "6s", FormatDuration(6*time.Second+500*time.Millisecond))
	assert.Equal(t, "4m 5s", FormatDuration(4*time.Minute+5*time.Second))
	assert.Equal(t, "1h 2m 3s", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	assert.Equal(t, 14550, cfg.DefaultPort)
	assert.Equal(t, 5*time.Second, cfg.ScanInterval())
	assert.Equal(t, time.Second, cfg.Tick())
	assert.NoError(t, cfg.Validate())
	assert.Error(t, Config{DefaultPort: 70000}.Validate())
}
