// Package app wires the dashboard components together.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/buoyfleet/api/fleet"
	"github.com/kilianp07/buoyfleet/config"
	"github.com/kilianp07/buoyfleet/core/connection"
	coremetrics "github.com/kilianp07/buoyfleet/core/metrics"
	"github.com/kilianp07/buoyfleet/core/projection"
	"github.com/kilianp07/buoyfleet/core/registry"
	"github.com/kilianp07/buoyfleet/core/telemetry"
	"github.com/kilianp07/buoyfleet/infra/controlplane"
	"github.com/kilianp07/buoyfleet/infra/logger"
	"github.com/kilianp07/buoyfleet/infra/metrics"
	"github.com/kilianp07/buoyfleet/infra/mqtt"
	"github.com/kilianp07/buoyfleet/internal/eventbus"
)

// Service owns every long-lived component of the dashboard.
type Service struct {
	cfg *config.Config
	log logger.Logger
	now func() time.Time

	recorder     coremetrics.Recorder
	gatherer     prometheus.Gatherer
	closeMetrics func()
	changes      *eventbus.Bus[struct{}]

	store     *telemetry.Store
	registry  *registry.Registry
	projector *projection.Projector
	control   *controlplane.Client
	manager   *connection.Manager
	session   *mqtt.Session
	api       *fleet.Server
}

type options struct {
	storage    registry.Storage
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	now        func() time.Time
}

// Option customizes a Service.
type Option func(*options)

// WithStorage replaces the registry file with another backend.
func WithStorage(s registry.Storage) Option { return func(o *options) { o.storage = s } }

// WithPrometheus registers metrics on reg and serves them from g.
func WithPrometheus(reg prometheus.Registerer, g prometheus.Gatherer) Option {
	return func(o *options) { o.registerer, o.gatherer = reg, g }
}

// WithClock overrides the clock used for disconnection stamps.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New creates a Service from the configuration. Unset fields of cfg are
// filled with their defaults.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	cfg.SetDefaults()
	o := options{
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.storage == nil {
		o.storage = registry.NewFileStorage(cfg.Registry.Path)
	}

	rec, closeMetrics, err := metrics.Build(cfg.Metrics, o.registerer, logger.New("metrics"))
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	s := &Service{
		cfg:          cfg,
		log:          logger.New("service"),
		now:          o.now,
		recorder:     rec,
		gatherer:     o.gatherer,
		closeMetrics: closeMetrics,
		changes:      eventbus.New[struct{}](1),
	}
	s.store = telemetry.NewStore(logger.New("telemetry"),
		telemetry.WithMetrics(rec),
		telemetry.WithOnChange(func(telemetry.State) { s.notify() }))
	s.registry = registry.New(o.storage, logger.New("registry"),
		registry.WithOnChange(func(registry.Set) { s.notify() }))
	s.projector = projection.NewProjector(s.store.Snapshot, s.registry.Snapshot)
	s.control = controlplane.New(cfg.ControlPlane, nil, logger.New("controlplane"))
	s.manager = connection.NewManager(cfg.Connection, s.control, s.registry, s.projector, logger.New("connection"),
		connection.WithMetrics(rec),
		connection.WithClock(o.now),
		connection.WithOnChange(s.notify))
	s.session = mqtt.NewSession(cfg.MQTT, s.store.Ingest, logger.New("mqtt"), mqtt.WithMetrics(rec))
	s.api = fleet.New(cfg.HTTP, fleet.Deps{
		Vehicles:    s.projector,
		Connections: s.manager,
		Navigator:   s.control,
		Broker:      s.session,
		Now:         o.now,
	}, logger.New("api"))
	return s, nil
}

// Handler exposes the dashboard routes.
func (s *Service) Handler() http.Handler { return s.api.Handler() }

// Store returns the telemetry store fed by the broker session.
func (s *Service) Store() *telemetry.Store { return s.store }

// Registry returns the device registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Manager returns the connection workflow.
func (s *Service) Manager() *connection.Manager { return s.manager }

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if err := s.session.Open(ctx); err != nil {
		return fmt.Errorf("mqtt session: %w", err)
	}
	g.Go(func() error { return s.manager.Run(ctx) })
	g.Go(func() error { return s.api.Run(ctx) })
	g.Go(func() error { return s.loop(ctx) })
	g.Go(func() error { return s.watchBroker(ctx) })
	g.Go(func() error { return s.recordFleet(ctx) })
	if s.cfg.Metrics.PrometheusEnabled {
		g.Go(func() error {
			return metrics.StartPromServer(ctx, ":"+s.cfg.Metrics.PrometheusPort, s.gatherer, s.log)
		})
	}
	s.log.Infof("buoy fleet dashboard started with %d registered buoys", s.registry.Snapshot().Len())
	return g.Wait()
}

func (s *Service) notify() { s.changes.Publish(struct{}{}) }

// loop recomputes the projection on every change and re-pushes on every
// tick so elapsed disconnection times stay current.
func (s *Service) loop(ctx context.Context) error {
	sub := s.changes.Subscribe()
	defer s.changes.Unsubscribe(sub)
	ticker := time.NewTicker(s.cfg.Connection.Tick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub:
			s.Refresh()
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Refresh tracks disconnections on the current projection and pushes the
// dashboard snapshot.
func (s *Service) Refresh() {
	s.manager.TrackDisconnections(s.projector.Vehicles(), s.now())
	s.api.Push()
}

func (s *Service) watchBroker(ctx context.Context) error {
	events := s.session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.log.Debugw("broker event", map[string]any{"type": ev.Type, "error": ev.Err})
			s.notify()
		}
	}
}

func (s *Service) recordFleet(ctx context.Context) error {
	fr, ok := s.recorder.(coremetrics.FleetRecorder)
	if !ok {
		return nil
	}
	ticker := time.NewTicker(time.Duration(s.cfg.Metrics.SnapshotSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fr.RecordFleet(s.projector.Vehicles(), s.now()); err != nil {
				s.log.Warnf("record fleet snapshot: %v", err)
			}
		}
	}
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.session.Close()
	s.closeMetrics()
	s.changes.Close()
	return nil
}
