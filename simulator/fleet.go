package simulator

import (
	"math"
	"math/rand"
	"net"

	"github.com/kilianp07/buoyfleet/core/model"
)

// GenerateFleet creates cfg.Count buoys with consecutive addresses starting
// at cfg.FirstIP, scattered within cfg.SpreadMeters of the center.
func GenerateFleet(cfg Config, rng *rand.Rand) []*Buoy {
	if cfg.Count <= 0 {
		return nil
	}
	first := net.ParseIP(cfg.FirstIP)
	if first.To4() == nil {
		return nil
	}
	buoys := make([]*Buoy, cfg.Count)
	for i := range buoys {
		ip := nextIP(first, i).String()
		dist := rng.Float64() * cfg.SpreadMeters
		bearing := rng.Float64() * 2 * math.Pi
		lat := cfg.CenterLat + dist*math.Cos(bearing)/metersPerDegree
		lon := cfg.CenterLon + dist*math.Sin(bearing)/(metersPerDegree*math.Cos(cfg.CenterLat*math.Pi/180))
		buoys[i] = &Buoy{
			ID:      model.DeviceID(ip, cfg.Port),
			IP:      ip,
			Port:    cfg.Port,
			Lat:     lat,
			Lon:     lon,
			Heading: rng.Float64() * 2 * math.Pi,
			Speed:   0.2 + rng.Float64()*0.5,
			Online:  true,
			Battery: &Battery{
				Remaining:    0.7 + rng.Float64()*0.3,
				DrainPerHour: cfg.DrainPerHour,
				CurrentCA:    150 + rng.Float64()*100,
			},
		}
	}
	return buoys
}
