package sensor

import (
	"context"
	"time"
)

// MphToKmh converts a bike speed reading to km/h.
const MphToKmh = 1.609344

// Sample is one raw reading from the bike. Speed is nil when the bike does not report it.
type Sample struct {
	Power      float32 // W
	Cadence    float32 // rpm
	Resistance float32 // 0-100
	Speed      *float32
	Timestamp  time.Time
}

// NewSample builds a Sample stamped with now.
func NewSample(power, cadence, resistance float32, speedMph *float32, now time.Time) Sample {
	var speed *float32
	if speedMph != nil {
		v := *speedMph
		speed = &v
	}
	return Sample{
		Power:      power,
		Cadence:    cadence,
		Resistance: resistance,
		Speed:      speed,
		Timestamp:  now,
	}
}

// Source produces samples until its context is cancelled or Stop is called.
// Start must return once the source is running; samples are delivered through emit.
type Source interface {
	Name() string
	Start(ctx context.Context, emit func(Sample)) error
	Stop()
}
