package status

import (
	"sync"
	"time"
)

const (
	AttemptingReset = "Sensor Error: Attempting Reset!"
	ReplugSensor    = "Sensor Error: Please Unplug and Plug Back In"

	attemptingResetAfter = 20
	replugAfter          = 40
)

// Advisory is the warning shown next to the last known reading after the
// given number of consecutive failed exchanges. Empty means no warning.
func Advisory(failures int) string {
	switch {
	case failures >= replugAfter:
		return ReplugSensor
	case failures >= attemptingResetAfter:
		return AttemptingReset
	default:
		return ""
	}
}

const (
	WateringWindow    = 5
	WateringThreshold = 8
)

// WateringDetector flags a watering when moisture rises by more than
// WateringThreshold points across the last WateringWindow readings.
type WateringDetector struct {
	mu          sync.Mutex
	values      []int
	lastWatered time.Time
	now         func() time.Time
}

func NewWateringDetector() *WateringDetector {
	return &WateringDetector{now: time.Now}
}

// Observe records a moisture value and reports whether it completes a watering.
func (d *WateringDetector) Observe(moisture int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = append(d.values, moisture)
	if len(d.values) > WateringWindow {
		d.values = d.values[len(d.values)-WateringWindow:]
	}
	if len(d.values) < WateringWindow {
		return false
	}
	if d.values[len(d.values)-1]-d.values[0] > WateringThreshold {
		d.lastWatered = d.now()
		d.values = d.values[:0]
		return true
	}
	return false
}

// LastWatered is the zero time until a watering was seen.
func (d *WateringDetector) LastWatered() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastWatered
}
