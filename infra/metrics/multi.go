package metrics

import (
	"time"

	coremetrics "github.com/kilianp07/buoyfleet/core/metrics"
	"github.com/kilianp07/buoyfleet/core/model"
)

// MultiRecorder fans events out to several recorders.
type MultiRecorder struct {
	Recorders []coremetrics.Recorder
}

// NewMultiRecorder creates a MultiRecorder with the provided recorders.
func NewMultiRecorder(recs ...coremetrics.Recorder) *MultiRecorder {
	return &MultiRecorder{Recorders: recs}
}

func (m *MultiRecorder) RecordMessage(kind string) {
	for _, r := range m.Recorders {
		r.RecordMessage(kind)
	}
}

func (m *MultiRecorder) RecordDroppedMessage() {
	for _, r := range m.Recorders {
		r.RecordDroppedMessage()
	}
}

func (m *MultiRecorder) RecordScan(found int, err error) {
	for _, r := range m.Recorders {
		r.RecordScan(found, err)
	}
}

func (m *MultiRecorder) RecordConnect(err error) {
	for _, r := range m.Recorders {
		r.RecordConnect(err)
	}
}

func (m *MultiRecorder) RecordRemove(err error) {
	for _, r := range m.Recorders {
		r.RecordRemove(err)
	}
}

func (m *MultiRecorder) RecordBrokerState(connected bool) {
	for _, r := range m.Recorders {
		r.RecordBrokerState(connected)
	}
}

// RecordFleet forwards snapshots to recorders that accept them, returning the
// first error encountered.
func (m *MultiRecorder) RecordFleet(vehicles []model.Vehicle, at time.Time) error {
	for _, r := range m.Recorders {
		if fr, ok := r.(coremetrics.FleetRecorder); ok {
			if err := fr.RecordFleet(vehicles, at); err != nil {
				return err
			}
		}
	}
	return nil
}
