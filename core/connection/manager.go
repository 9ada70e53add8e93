// Package connection drives discovery, attachment and removal of buoys
// against the control plane and tracks how long registered buoys have been
// offline.
package connection

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/kilianp07/buoyfleet/core/logger"
	"github.com/kilianp07/buoyfleet/core/metrics"
	"github.com/kilianp07/buoyfleet/core/model"
)

// DefaultConnectError is recorded when a rejection carries no message.
const DefaultConnectError = "connection failed"

// ControlPlane is the subset of the control-plane service used here.
type ControlPlane interface {
	Scan(ctx context.Context) ([]string, error)
	AddBuoy(ctx context.Context, ip string, port int) error
	RemoveBuoy(ctx context.Context, ip string, port int) error
}

// Registry stores the owned device ids.
type Registry interface {
	Add(id string) error
	Remove(id string) error
}

// VehicleSource yields the current vehicle projection.
type VehicleSource interface {
	Vehicles() []model.Vehicle
}

// Status is a point-in-time copy of the workflow state.
type Status struct {
	ScannedIPs        []string             `json:"scanned_ips"`
	Scanning          bool                 `json:"scanning"`
	ConnectingIPs     []string             `json:"connecting_ips"`
	ConnectError      *string              `json:"connect_error"`
	AutoRetry         bool                 `json:"auto_retry"`
	DisconnectedSince map[string]time.Time `json:"disconnected_since"`
	OnlineCount       int                  `json:"online_count"`
}

// Manager owns the transient connection-workflow state. Its lock is never
// held across a control-plane call.
type Manager struct {
	cfg      Config
	cp       ControlPlane
	reg      Registry
	vehicles VehicleSource
	log      logger.Logger
	metrics  metrics.Recorder
	now      func() time.Time
	onChange func()
	interval time.Duration

	connects singleflight.Group

	mu           sync.Mutex
	scanned      []string
	scans        int
	connecting   map[string]struct{}
	connectErr   *string
	autoRetry    bool
	runCtx       context.Context
	stopRetry    context.CancelFunc
	disconnected map[string]time.Time
	lastPairs    string
	tracked      bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for disconnection stamps.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithMetrics sets the recorder for workflow outcomes.
func WithMetrics(r metrics.Recorder) Option { return func(m *Manager) { m.metrics = r } }

// WithOnChange registers a hook called after every state change.
func WithOnChange(fn func()) Option { return func(m *Manager) { m.onChange = fn } }

// WithScanInterval overrides the auto-retry period.
func WithScanInterval(d time.Duration) Option { return func(m *Manager) { m.interval = d } }

// NewManager creates a Manager. Auto-retry starts from cfg.AutoRetry once Run
// is called.
func NewManager(cfg Config, cp ControlPlane, reg Registry, vehicles VehicleSource, log logger.Logger, opts ...Option) *Manager {
	cfg.SetDefaults()
	m := &Manager{
		cfg:          cfg,
		cp:           cp,
		reg:          reg,
		vehicles:     vehicles,
		log:          log,
		metrics:      metrics.NopRecorder{},
		now:          time.Now,
		interval:     cfg.ScanInterval(),
		scanned:      []string{},
		connecting:   map[string]struct{}{},
		autoRetry:    cfg.AutoRetry,
		disconnected: map[string]time.Time{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run binds the auto-retry loop to ctx and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	if m.autoRetry {
		m.startRetryLocked()
	}
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	m.runCtx = nil
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.mu.Unlock()
	return nil
}

// Scan asks the control plane for candidates. Any failure yields an empty
// list; the error is only logged. Candidates already tracked as vehicles are
// filtered out.
func (m *Manager) Scan(ctx context.Context) []string {
	m.mu.Lock()
	m.scans++
	m.mu.Unlock()
	m.notify()

	found := []string{}
	defer func() {
		m.mu.Lock()
		m.scans--
		m.mu.Unlock()
		m.notify()
	}()

	ips, err := m.cp.Scan(ctx)
	m.metrics.RecordScan(len(ips), err)
	if err != nil {
		m.log.Debugf("scan failed: %v", err)
	} else {
		connected := m.connectedIPs()
		found = lo.Filter(lo.Uniq(ips), func(ip string, _ int) bool {
			_, ok := connected[ip]
			return ip != "" && !ok
		})
	}

	m.mu.Lock()
	m.scanned = found
	m.mu.Unlock()
	return append([]string{}, found...)
}

// SetAutoRetry turns the periodic scan on or off. Turning it off stops the
// ticker immediately; a scan already in flight completes normally.
func (m *Manager) SetAutoRetry(on bool) {
	m.mu.Lock()
	if m.autoRetry == on {
		m.mu.Unlock()
		return
	}
	m.autoRetry = on
	if on {
		m.startRetryLocked()
	} else if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.mu.Unlock()
	m.log.Infof("auto retry set to %t", on)
	m.notify()
}

func (m *Manager) startRetryLocked() {
	if m.runCtx == nil || m.stopRetry != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.runCtx)
	m.stopRetry = cancel
	go m.retryLoop(ctx)
}

// retryLoop calls m.Scan on every tick, so each scan computes its exclusions
// from the vehicles current at that moment.
func (m *Manager) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Connect attaches the buoy at ip on the default port and registers it on
// success. Concurrent calls for the same ip share a single request.
func (m *Manager) Connect(ctx context.Context, ip string) error {
	_, err, shared := m.connects.Do(ip, func() (any, error) {
		return nil, m.connect(ctx, ip)
	})
	if shared {
		m.log.Debugf("connect to %s coalesced with an attempt in flight", ip)
	}
	return err
}

func (m *Manager) connect(ctx context.Context, ip string) error {
	port := m.cfg.DefaultPort
	m.mu.Lock()
	m.connecting[ip] = struct{}{}
	m.connectErr = nil
	m.mu.Unlock()
	m.notify()

	err := m.cp.AddBuoy(ctx, ip, port)
	m.metrics.RecordConnect(err)
	if err != nil {
		msg := ErrorMessage(err, DefaultConnectError)
		m.log.Warnf("connect %s:%d failed: %v", ip, port, err)
		m.mu.Lock()
		m.connectErr = &msg
		delete(m.connecting, ip)
		m.mu.Unlock()
		m.notify()
		return err
	}

	id := model.DeviceID(ip, port)
	if regErr := m.reg.Add(id); regErr != nil {
		m.log.Errorf("register %s: %v", id, regErr)
	}
	m.mu.Lock()
	m.scanned = lo.Without(m.scanned, ip)
	delete(m.connecting, ip)
	m.mu.Unlock()
	m.log.Infof("buoy %s connected", id)
	m.notify()
	return nil
}

// ClearConnectError dismisses the last connect failure.
func (m *Manager) ClearConnectError() {
	m.mu.Lock()
	m.connectErr = nil
	m.mu.Unlock()
	m.notify()
}

// Remove detaches ip:port on the control plane and unregisters it. The local
// removal happens whether or not the control plane acknowledged it.
func (m *Manager) Remove(ctx context.Context, ip string, port int) {
	id := model.DeviceID(ip, port)
	err := m.cp.RemoveBuoy(ctx, ip, port)
	m.metrics.RecordRemove(err)
	if regErr := m.reg.Remove(id); regErr != nil {
		m.log.Errorf("unregister %s: %v", id, regErr)
	}
	if err != nil {
		m.log.Warnf("remove %s on control plane failed: %v", id, err)
	} else {
		m.log.Infof("buoy %s removed", id)
	}
	m.notify()
}

// TrackDisconnections stamps offline vehicles with the first instant they
// were seen offline and clears the stamp once they are online again. It
// only acts when the (id, online) pairs differ from the previous call.
func (m *Manager) TrackDisconnections(vehicles []model.Vehicle, now time.Time) {
	key := pairsKey(vehicles)
	m.mu.Lock()
	if m.tracked && key == m.lastPairs {
		m.mu.Unlock()
		return
	}
	m.tracked = true
	m.lastPairs = key
	for _, v := range vehicles {
		if v.IsOnline {
			delete(m.disconnected, v.ID)
			continue
		}
		if _, ok := m.disconnected[v.ID]; !ok {
			m.disconnected[v.ID] = now
		}
	}
	m.mu.Unlock()
	m.notify()
}

// Refresh runs TrackDisconnections on the current projection.
func (m *Manager) Refresh() {
	m.TrackDisconnections(m.vehicles.Vehicles(), m.now())
}

func pairsKey(vehicles []model.Vehicle) string {
	var b strings.Builder
	for _, v := range vehicles {
		b.WriteString(v.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatBool(v.IsOnline))
		b.WriteByte(',')
	}
	return b.String()
}

// DisconnectedSince returns when id was first seen offline.
func (m *Manager) DisconnectedSince(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.disconnected[id]
	return t, ok
}

// Elapsed returns how long id has been offline at now.
func (m *Manager) Elapsed(id string, now time.Time) (time.Duration, bool) {
	t, ok := m.DisconnectedSince(id)
	if !ok {
		return 0, false
	}
	return now.Sub(t), true
}

// Status returns a copy of the workflow state. Scanned candidates are
// filtered again against the current vehicles.
func (m *Manager) Status() Status {
	vehicles := m.vehicles.Vehicles()
	connected := ipSet(vehicles)

	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		ScannedIPs: lo.Filter(m.scanned, func(ip string, _ int) bool {
			_, ok := connected[ip]
			return !ok
		}),
		Scanning:          m.scans > 0,
		ConnectingIPs:     lo.Keys(m.connecting),
		AutoRetry:         m.autoRetry,
		DisconnectedSince: make(map[string]time.Time, len(m.disconnected)),
		OnlineCount:       lo.CountBy(vehicles, func(v model.Vehicle) bool { return v.IsOnline }),
	}
	sort.Strings(st.ConnectingIPs)
	if m.connectErr != nil {
		msg := *m.connectErr
		st.ConnectError = &msg
	}
	for id, t := range m.disconnected {
		st.DisconnectedSince[id] = t
	}
	return st
}

func (m *Manager) connectedIPs() map[string]struct{} {
	return ipSet(m.vehicles.Vehicles())
}

func ipSet(vehicles []model.Vehicle) map[string]struct{} {
	out := make(map[string]struct{}, len(vehicles))
	for _, v := range vehicles {
		out[model.DeviceIP(v.ID)] = struct{}{}
	}
	return out
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// ErrorMessage returns the text shown to the operator for err. Errors that
// carry a server message (Text method) use it; others use their own text;
// def is the last resort.
func ErrorMessage(err error, def string) string {
	if err == nil {
		return def
	}
	var rejected interface{ Text() string }
	if errors.As(err, &rejected) {
		if msg := rejected.Text(); msg != "" {
			return msg
		}
		return def
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return def
}
