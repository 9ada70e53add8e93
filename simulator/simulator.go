package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/kilianp07/buoyfleet/core/logger"
	"github.com/kilianp07/buoyfleet/core/model"
	"github.com/kilianp07/buoyfleet/core/telemetry"
)

// Publisher sends one payload on a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Simulator drives a fleet of buoys and publishes their telemetry.
type Simulator struct {
	cfg   Config
	pub   Publisher
	log   logger.Logger
	rng   *rand.Rand
	buoys []*Buoy
}

// New creates a Simulator. cfg is completed with defaults and validated.
func New(cfg Config, pub Publisher, log logger.Logger) (*Simulator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &Simulator{
		cfg:   cfg,
		pub:   pub,
		log:   log,
		rng:   rng,
		buoys: GenerateFleet(cfg, rng),
	}, nil
}

// Buoys returns the simulated devices.
func (s *Simulator) Buoys() []*Buoy { return s.buoys }

// Run publishes the fleet every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	for _, b := range s.buoys {
		s.log.Infof("simulating buoy %s at %s:%d", b.ID, b.IP, b.Port)
	}
	if err := s.PublishAll(); err != nil {
		s.log.Warnf("publish: %v", err)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Step(s.cfg.Interval)
			if err := s.PublishAll(); err != nil {
				s.log.Warnf("publish: %v", err)
			}
		}
	}
}

// Step advances every buoy by dt.
func (s *Simulator) Step(dt time.Duration) {
	for _, b := range s.buoys {
		was := b.Online
		b.Step(dt, s.cfg.DisconnectRate, s.rng)
		if was != b.Online {
			s.log.Infof("buoy %s online=%t", b.ID, b.Online)
		}
	}
}

// PublishAll sends the current payload of every kind for every buoy. An
// offline buoy only publishes its link state.
func (s *Simulator) PublishAll() error {
	var errs []error
	for _, b := range s.buoys {
		msgs := b.Messages()
		kinds := lo.Keys(msgs)
		sort.Strings(kinds)
		for _, kind := range kinds {
			if !b.Online && kind != model.KindOnline {
				continue
			}
			payload, err := json.Marshal(msgs[kind])
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", b.ID, kind, err))
				continue
			}
			if err := s.pub.Publish(telemetry.TelemetryTopic(b.ID, kind), payload); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", b.ID, kind, err))
			}
		}
	}
	return errors.Join(errs...)
}
