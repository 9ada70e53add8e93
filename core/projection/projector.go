// Package projection derives display-ready vehicles from raw telemetry and
// registry membership.
package projection

import (
	"math"
	"sort"
	"sync"

	"github.com/kilianp07/buoyfleet/core/model"
	"github.com/kilianp07/buoyfleet/core/registry"
	"github.com/kilianp07/buoyfleet/core/telemetry"
)

// positionScale converts the transmitted degrees * 1e7 integers to degrees.
const positionScale = 1e7

// Project builds one Vehicle per registered device holding a valid position,
// in first-seen order. It has no side effects.
func Project(state telemetry.State, reg registry.Set) []model.Vehicle {
	out := make([]model.Vehicle, 0, reg.Len())
	for _, id := range state.Devices() {
		if !reg.Contains(id) {
			continue
		}
		v, ok := projectDevice(id, state.Kinds(id))
		if !ok {
			continue
		}
		out = append(out, v)
	}
	return out
}

func projectDevice(id string, kinds telemetry.Kinds) (model.Vehicle, bool) {
	pos, ok := positionMessage(kinds)
	if !ok {
		return model.Vehicle{}, false
	}
	lat, latOK := number(pos.Data["lat"])
	lon, lonOK := number(pos.Data["lon"])
	if !latOK || !lonOK {
		return model.Vehicle{}, false
	}
	lat /= positionScale
	lon /= positionScale
	if !finite(lat) || !finite(lon) {
		return model.Vehicle{}, false
	}

	v := model.Vehicle{ID: id, Lat: lat, Lon: lon, IsOnline: online(kinds)}
	for kind, msg := range kinds {
		v.SetKind(kind, msg.Data)
	}
	return v, true
}

// positionMessage prefers GLOBAL_POSITION_INT. Without it, the first kind by
// name exposing numeric lat and lon is used, which tolerates firmware that
// reports position under another kind.
func positionMessage(kinds telemetry.Kinds) (model.TelemetryMessage, bool) {
	if msg, ok := kinds[model.KindGlobalPosition]; ok {
		return msg, true
	}
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		msg := kinds[k]
		_, latOK := number(msg.Data["lat"])
		_, lonOK := number(msg.Data["lon"])
		if latOK && lonOK {
			return msg, true
		}
	}
	return model.TelemetryMessage{}, false
}

// online is true only for a payload that is strictly the boolean true.
func online(kinds telemetry.Kinds) bool {
	msg, ok := kinds[model.KindOnline]
	if !ok {
		return false
	}
	b, ok := msg.Data["value"].(bool)
	return ok && b
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Projector memoizes Project on the telemetry and registry versions. A new
// slice is built whenever either input changes; returned slices are shared
// between callers and must be treated as read-only.
type Projector struct {
	telemetry func() telemetry.State
	registry  func() registry.Set

	mu       sync.Mutex
	tVersion uint64
	rVersion uint64
	computed bool
	vehicles []model.Vehicle
}

// NewProjector reads its inputs through the given snapshot functions.
func NewProjector(state func() telemetry.State, reg func() registry.Set) *Projector {
	return &Projector{telemetry: state, registry: reg}
}

// Vehicles returns the current projection.
func (p *Projector) Vehicles() []model.Vehicle {
	st := p.telemetry()
	reg := p.registry()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.computed && st.Version() == p.tVersion && reg.Version() == p.rVersion {
		return p.vehicles
	}
	p.vehicles = Project(st, reg)
	p.tVersion = st.Version()
	p.rVersion = reg.Version()
	p.computed = true
	return p.vehicles
}
