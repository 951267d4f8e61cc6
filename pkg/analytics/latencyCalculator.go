package analytics

import (
	"sync"
	"time"
)

// LatencyCalculator keeps an exponentially weighted round-trip time.
type LatencyCalculator struct {
	mu                    sync.Mutex
	newMeasurementsWeight float32
	oldMeasurementsWeight float32
	nMeasurements         int
	currValue             time.Duration
}

func NewLatencyCalculator(newMeasurementsWeight float32, oldMeasurementsWeight float32) *LatencyCalculator {
	return &LatencyCalculator{
		newMeasurementsWeight: newMeasurementsWeight,
		oldMeasurementsWeight: oldMeasurementsWeight,
	}
}

func (l *LatencyCalculator) AddMeasurement(measurement time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nMeasurements++
	if l.nMeasurements == 1 {
		l.currValue = measurement
		return
	}
	l.currValue = time.Duration(float32(measurement)*l.newMeasurementsWeight + float32(l.currValue)*l.oldMeasurementsWeight)
}

// CurrValue returns the smoothed latency, or false before the first sample.
func (l *LatencyCalculator) CurrValue() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currValue, l.nMeasurements > 0
}
