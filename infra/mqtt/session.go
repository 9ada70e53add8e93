// Package mqtt owns the single broker connection used to receive buoy
// telemetry and, for the simulator, to publish it.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/buoyfleet/core/metrics"
	"github.com/kilianp07/buoyfleet/infra/logger"
	"github.com/kilianp07/buoyfleet/internal/eventbus"
)

// ErrNotOpen is returned when publishing on a session that is not open.
var ErrNotOpen = errors.New("mqtt session not open")

// State is the lifecycle of the broker connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventType names a connection lifecycle event.
type EventType string

const (
	EventConnect   EventType = "connect"
	EventReconnect EventType = "reconnect"
	EventClose     EventType = "close"
	EventError     EventType = "error"
)

// Event is emitted on connection lifecycle changes.
type Event struct {
	Type EventType `json:"type"`
	Err  string    `json:"error,omitempty"`
	At   time.Time `json:"at"`
}

// MessageHandler receives every message on the subscribed topic, in
// transport order.
type MessageHandler func(topic string, payload []byte)

// Status describes the session for operators.
type Status struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
	ClientID  string `json:"client_id"`
	Topic     string `json:"topic"`
	LastError string `json:"last_error,omitempty"`
}

// pahoClient is the subset of paho.Client used by the session.
type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Session is one owned broker connection. Create it once, call Open, and
// Close it on shutdown.
type Session struct {
	cfg     Config
	handler MessageHandler
	log     logger.Logger
	metrics metrics.Recorder
	events  *eventbus.Bus[Event]
	now     func() time.Time

	state         atomic.Int32
	everConnected atomic.Bool

	mu      sync.Mutex
	cli     pahoClient
	lastErr string
	closed  bool
}

// Option customizes a Session.
type Option func(*Session)

// WithMetrics records broker connectivity.
func WithMetrics(r metrics.Recorder) Option { return func(s *Session) { s.metrics = r } }

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// NewSession prepares a session. handler may be nil for publish-only use.
func NewSession(cfg Config, handler MessageHandler, log logger.Logger, opts ...Option) *Session {
	cfg.SetDefaults()
	s := &Session{
		cfg:     cfg,
		handler: handler,
		log:     log,
		metrics: metrics.NopRecorder{},
		events:  eventbus.New[Event](16),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open starts the connection. The broker need not be reachable: paho keeps
// retrying in the background and the session reports StateConnecting until
// it succeeds. The session is closed when ctx is done.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.cli != nil {
		s.mu.Unlock()
		return errors.New("mqtt session already open")
	}
	opts, err := NewClientOptions(s.cfg)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("mqtt options: %w", err)
	}
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		s.setState(StateConnecting)
		s.log.Warnf("reconnecting to MQTT broker %s", s.cfg.Broker)
	})
	cli := newMQTTClient(opts)
	s.cli = cli
	s.mu.Unlock()

	s.setState(StateConnecting)
	s.log.Infof("connecting to MQTT broker %s as %s", s.cfg.Broker, s.cfg.ClientID)
	token := cli.Connect()
	go s.watch(ctx, token)
	return nil
}

func (s *Session) watch(ctx context.Context, token paho.Token) {
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			s.fail(err)
		}
		<-ctx.Done()
	case <-ctx.Done():
	}
	s.Close()
}

func (s *Session) onConnect(c paho.Client) {
	s.setState(StateConnected)
	s.metrics.RecordBrokerState(true)
	if s.everConnected.Swap(true) {
		s.log.Infof("MQTT reconnected")
		s.emit(Event{Type: EventReconnect})
	} else {
		s.log.Infof("MQTT connected")
		s.emit(Event{Type: EventConnect})
	}
	if s.handler == nil {
		return
	}
	if token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage); token.Wait() && token.Error() != nil {
		s.log.Errorf("subscribe %s: %v", s.cfg.Topic, token.Error())
		s.fail(token.Error())
	}
}

func (s *Session) onConnectionLost(_ paho.Client, err error) {
	s.setState(StateDisconnected)
	s.metrics.RecordBrokerState(false)
	s.log.Errorf("connection lost: %v", err)
	s.fail(err)
}

func (s *Session) onMessage(_ paho.Client, msg paho.Message) {
	s.handler(msg.Topic(), msg.Payload())
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.emit(Event{Type: EventError, Err: err.Error()})
}

func (s *Session) emit(e Event) {
	e.At = s.now()
	s.events.Publish(e)
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Connected reports whether the broker connection is up.
func (s *Session) Connected() bool { return s.State() == StateConnected }

// Events returns a new subscription to lifecycle events. The channel is
// closed when the session closes.
func (s *Session) Events() <-chan Event { return s.events.Subscribe() }

// Status returns a description of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	lastErr := s.lastErr
	s.mu.Unlock()
	st := s.State()
	return Status{
		State:     st.String(),
		Connected: st == StateConnected,
		Broker:    s.cfg.Broker,
		ClientID:  s.cfg.ClientID,
		Topic:     s.cfg.Topic,
		LastError: lastErr,
	}
}

// Publish sends payload on topic and waits for the broker to accept it.
func (s *Session) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	cli, closed := s.cli, s.closed
	s.mu.Unlock()
	if cli == nil || closed {
		return ErrNotOpen
	}
	token := cli.Publish(topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(s.cfg.ConnectTimeout()) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close force-closes the connection. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cli := s.cli
	s.mu.Unlock()

	if cli != nil {
		cli.Disconnect(0)
	}
	s.setState(StateDisconnected)
	s.metrics.RecordBrokerState(false)
	s.log.Infof("MQTT session closed")
	s.emit(Event{Type: EventClose})
	s.events.Close()
}
