package simulator

import (
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/kilianp07/buoyfleet/core/model"
)

const metersPerDegree = 111320.0

// Buoy is one simulated device drifting around its start position.
type Buoy struct {
	ID      string
	IP      string
	Port    int
	Lat     float64
	Lon     float64
	Heading float64 // radians, 0 is north
	Speed   float64 // m/s
	Online  bool
	Battery *Battery

	boot time.Duration
}

// Step advances the buoy by dt. The heading wanders, the battery drains and
// the link state flips with probability rate per minute.
func (b *Buoy) Step(dt time.Duration, rate float64, rng *rand.Rand) {
	b.boot += dt
	b.Heading = math.Mod(b.Heading+(rng.Float64()-0.5)*0.2+2*math.Pi, 2*math.Pi)
	dist := b.Speed * dt.Seconds()
	b.Lat += dist * math.Cos(b.Heading) / metersPerDegree
	b.Lon += dist * math.Sin(b.Heading) / (metersPerDegree * math.Cos(b.Lat*math.Pi/180))
	b.Battery.Drain(dt)
	if rate > 0 && rng.Float64() < rate*dt.Minutes() {
		b.Online = !b.Online
	}
}

// Messages returns the payload of every kind the buoy publishes.
func (b *Buoy) Messages() map[string]any {
	yaw := b.Heading
	if yaw > math.Pi {
		yaw -= 2 * math.Pi
	}
	return map[string]any{
		model.KindGlobalPosition: map[string]any{
			"lat":          int64(math.Round(b.Lat * 1e7)),
			"lon":          int64(math.Round(b.Lon * 1e7)),
			"alt":          0,
			"relative_alt": 0,
			"vx":           int(math.Round(b.Speed * math.Cos(b.Heading) * 100)),
			"vy":           int(math.Round(b.Speed * math.Sin(b.Heading) * 100)),
			"vz":           0,
			"hdg":          int(math.Round(b.Heading*180/math.Pi*100)) % 36000,
		},
		model.KindSysStatus: map[string]any{
			"voltage_battery":   b.Battery.VoltageMV(),
			"current_battery":   int(b.Battery.CurrentCA),
			"battery_remaining": b.Battery.Percent(),
			"drop_rate_comm":    0,
			"errors_comm":       0,
		},
		model.KindAttitude: map[string]any{
			"time_boot_ms": b.boot.Milliseconds(),
			"roll":         0.0,
			"pitch":        0.0,
			"yaw":          yaw,
		},
		model.KindOnline: b.Online,
	}
}

// nextIP returns ip advanced by n addresses.
func nextIP(ip net.IP, n int) net.IP {
	v4 := ip.To4()
	u := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	u += uint32(n)
	return net.IPv4(byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}
