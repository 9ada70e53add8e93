package model

import (
	"encoding/json"

	"github.com/go-viper/mapstructure/v2"
)

// Vehicle is the read-only projection of one registered buoy.
type Vehicle struct {
	ID       string  `json:"id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	IsOnline bool    `json:"isonline"`

	GlobalPosition *GlobalPosition
	SysStatus      *SystemStatus
	Attitude       *Attitude
	GPSRaw         *GPSRaw
	VFRHUD         *VFRHUD
	Heartbeat      *Heartbeat

	// Telemetry holds the payload of every kind, typed or not, keyed by kind.
	Telemetry map[string]map[string]any
}

// SetKind stores a payload and fills the matching typed field when the kind
// is known. Payloads that do not fit the typed shape only land in Telemetry.
func (v *Vehicle) SetKind(kind string, data map[string]any) {
	if kind == KindOnline {
		return
	}
	if v.Telemetry == nil {
		v.Telemetry = make(map[string]map[string]any)
	}
	v.Telemetry[kind] = data
	switch kind {
	case KindGlobalPosition:
		v.GlobalPosition = decodeKind[GlobalPosition](data)
	case KindSysStatus:
		v.SysStatus = decodeKind[SystemStatus](data)
	case KindAttitude:
		v.Attitude = decodeKind[Attitude](data)
	case KindGPSRaw:
		v.GPSRaw = decodeKind[GPSRaw](data)
	case KindVFRHUD:
		v.VFRHUD = decodeKind[VFRHUD](data)
	case KindHeartbeat:
		v.Heartbeat = decodeKind[Heartbeat](data)
	}
}

func decodeKind[T any](data map[string]any) *T {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return nil
	}
	if err := dec.Decode(data); err != nil {
		return nil
	}
	return &out
}

// MarshalJSON flattens every telemetry kind next to the identity fields so
// the dashboard reads vehicle.SYS_STATUS.battery_remaining directly.
func (v Vehicle) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(v.Telemetry)+4)
	for kind, data := range v.Telemetry {
		out[kind] = data
	}
	out["id"] = v.ID
	out["lat"] = v.Lat
	out["lon"] = v.Lon
	out["isonline"] = v.IsOnline
	return json.Marshal(out)
}
