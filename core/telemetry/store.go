// Package telemetry reconciles broker messages into per-device snapshots.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilianp07/buoyfleet/core/logger"
	"github.com/kilianp07/buoyfleet/core/metrics"
	"github.com/kilianp07/buoyfleet/core/model"
)

// Kinds maps a kind to the latest message received for it.
type Kinds map[string]model.TelemetryMessage

// State is an immutable snapshot of everything received so far. Callers must
// not modify the maps it returns.
type State struct {
	version uint64
	order   []string
	devices map[string]Kinds
}

// Version increases by one for every ingested message.
func (s State) Version() uint64 { return s.version }

// Devices returns device ids in first-seen order.
func (s State) Devices() []string { return s.order }

// Kinds returns the latest messages for id, or nil when never seen.
func (s State) Kinds(id string) Kinds { return s.devices[id] }

// Len returns the number of devices seen.
func (s State) Len() int { return len(s.order) }

// NewState builds a snapshot from an ordered device list, mainly for tests.
func NewState(order []string, devices map[string]Kinds) State {
	return State{order: order, devices: devices}
}

// Store holds the latest TelemetryState. Ingest is the only mutation path;
// each call publishes a new snapshot so readers never see partial writes.
type Store struct {
	mu       sync.Mutex
	current  atomic.Pointer[State]
	now      func() time.Time
	onChange func(State)
	onDrop   func(topic string)
	metrics  metrics.Recorder
	log      logger.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOnChange registers a hook called after every accepted message.
func WithOnChange(fn func(State)) Option {
	return func(s *Store) { s.onChange = fn }
}

// WithOnDrop registers a hook called for every topic that could not be decoded.
func WithOnDrop(fn func(topic string)) Option {
	return func(s *Store) { s.onDrop = fn }
}

// WithMetrics counts accepted and dropped messages.
func WithMetrics(r metrics.Recorder) Option {
	return func(s *Store) { s.metrics = r }
}

// NewStore creates an empty Store.
func NewStore(log logger.Logger, opts ...Option) *Store {
	s := &Store{now: time.Now, log: log, metrics: metrics.NopRecorder{}}
	for _, o := range opts {
		o(s)
	}
	s.current.Store(&State{devices: map[string]Kinds{}})
	return s
}

// Ingest records one broker message. Malformed topics are dropped silently.
func (s *Store) Ingest(topic string, payload []byte) {
	t, ok := DecodeTopic(topic)
	if !ok {
		s.log.Debugf("dropping message on malformed topic %q", topic)
		s.metrics.RecordDroppedMessage()
		if s.onDrop != nil {
			s.onDrop(topic)
		}
		return
	}
	msg := model.TelemetryMessage{
		Timestamp: s.now().UnixMilli(),
		Kind:      t.Kind,
		Data:      DecodePayload(payload),
	}

	s.mu.Lock()
	prev := s.current.Load()
	next := &State{
		version: prev.version + 1,
		order:   prev.order,
		devices: make(map[string]Kinds, len(prev.devices)+1),
	}
	for id, kinds := range prev.devices {
		next.devices[id] = kinds
	}
	old, seen := prev.devices[t.DeviceID]
	if !seen {
		order := make([]string, len(prev.order), len(prev.order)+1)
		copy(order, prev.order)
		next.order = append(order, t.DeviceID)
	}
	kinds := make(Kinds, len(old)+1)
	for k, m := range old {
		kinds[k] = m
	}
	kinds[t.Kind] = msg
	next.devices[t.DeviceID] = kinds
	s.current.Store(next)
	s.mu.Unlock()
	s.metrics.RecordMessage(t.Kind)

	if s.onChange != nil {
		s.onChange(*next)
	}
}

// Snapshot returns the latest consistent state.
func (s *Store) Snapshot() State {
	return *s.current.Load()
}
