package simulator

import (
	"sync"
	"time"
)

const (
	fullVoltageMV  = 12600
	emptyVoltageMV = 10500
)

// Battery models a 3S pack discharging at a constant rate.
type Battery struct {
	Remaining    float64 // state of charge [0,1]
	DrainPerHour float64 // fraction consumed per hour
	CurrentCA    float64 // reported current, centiamperes
	mu           sync.Mutex
}

// Drain consumes the charge used over dt and returns the remaining fraction.
func (b *Battery) Drain(dt time.Duration) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	hours := dt.Hours()
	if hours <= 0 {
		return b.Remaining
	}
	b.Remaining -= b.DrainPerHour * hours
	if b.Remaining < 0 {
		b.Remaining = 0
	}
	if b.Remaining > 1 {
		b.Remaining = 1
	}
	return b.Remaining
}

// Percent returns the remaining charge as reported by SYS_STATUS.
func (b *Battery) Percent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.Remaining*100 + 0.5)
}

// VoltageMV interpolates the pack voltage from the remaining charge.
func (b *Battery) VoltageMV() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return emptyVoltageMV + int(b.Remaining*(fullVoltageMV-emptyVoltageMV))
}
