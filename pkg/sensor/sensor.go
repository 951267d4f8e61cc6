package sensor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nm-morais/waterme/pkg/message"
)

// Sample is one averaged read: raw capacitance and soil temperature in Celsius.
type Sample struct {
	MoistureRaw  float64
	TemperatureC float64
}

// Reader returns the latest sample. Reads are synchronous and may take
// around a hundred milliseconds.
type Reader interface {
	Read(ctx context.Context) (Sample, error)
}

type ReaderFunc func(ctx context.Context) (Sample, error)

func (f ReaderFunc) Read(ctx context.Context) (Sample, error) { return f(ctx) }

// ToReading converts a sample to a percentage and whole degrees Fahrenheit.
func ToReading(s Sample) message.Reading {
	moisture := int(s.MoistureRaw / 10)
	if moisture < 0 {
		moisture = 0
	}
	if moisture > 100 {
		moisture = 100
	}
	return message.Reading{
		Moisture:    moisture,
		Temperature: int(s.TemperatureC*9/5 + 32),
	}
}

// Simulated drifts around a plausible reading, for running without hardware.
type Simulated struct {
	mu      sync.Mutex
	rng     *rand.Rand
	current Sample
	delay   time.Duration
}

func NewSimulated(delay time.Duration) *Simulated {
	return &Simulated{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		current: Sample{MoistureRaw: 700, TemperatureC: 21},
		delay:   delay,
	}
}

func (s *Simulated) Read(ctx context.Context) (Sample, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return Sample{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.MoistureRaw = clamp(s.current.MoistureRaw+s.rng.Float64()*20-10, 200, 1000)
	s.current.TemperatureC = clamp(s.current.TemperatureC+s.rng.Float64()*0.4-0.2, 10, 35)
	return s.current, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
