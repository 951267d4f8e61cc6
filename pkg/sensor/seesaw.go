package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nm-morais/waterme/pkg/errors"
)

const (
	seesawCaller = "Seesaw"

	DefaultSeesawAddress byte = 0x36
	DefaultSamples            = 15

	statusBase         byte = 0x00
	statusTemp         byte = 0x04
	touchBase          byte = 0x0F
	touchChannelOffset byte = 0x10

	seesawReadDelay   = 5 * time.Millisecond
	seesawSettleDelay = time.Millisecond
	maxTouchRetries   = 3
	maxValidTouch     = 4095
)

// Bus is the subset of an I2C bus the soil sensor needs; reef-pi's i2c.Bus
// satisfies it.
type Bus interface {
	ReadBytes(addr byte, num int) ([]byte, error)
	WriteBytes(addr byte, value []byte) error
}

// Seesaw reads an Adafruit STEMMA capacitive soil sensor.
type Seesaw struct {
	bus     Bus
	address byte
	samples int
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewSeesaw(bus Bus, address byte, samples int) *Seesaw {
	if samples < 1 {
		samples = 1
	}
	return &Seesaw{bus: bus, address: address, samples: samples, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Seesaw) Read(ctx context.Context) (Sample, error) {
	var sum float64
	for i := 0; i < s.samples; i++ {
		v, err := s.moisture(ctx)
		if err != nil {
			return Sample{}, err
		}
		sum += float64(v)
	}
	tempC, err := s.temperature(ctx)
	if err != nil {
		return Sample{}, err
	}
	return Sample{MoistureRaw: sum / float64(s.samples), TemperatureC: tempC}, nil
}

func (s *Seesaw) moisture(ctx context.Context) (uint16, error) {
	for attempt := 0; attempt <= maxTouchRetries; attempt++ {
		buf, err := s.read(ctx, touchBase, touchChannelOffset, 2)
		if err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint16(buf)
		if err := s.sleep(ctx, seesawSettleDelay); err != nil {
			return 0, err
		}
		if v <= maxValidTouch {
			return v, nil
		}
	}
	return 0, errors.NonFatalError(errors.CodeSensor, "could not get a valid moisture reading", seesawCaller)
}

func (s *Seesaw) temperature(ctx context.Context) (float64, error) {
	buf, err := s.read(ctx, statusBase, statusTemp, 4)
	if err != nil {
		return 0, err
	}
	raw := binary.BigEndian.Uint32(buf) & 0x3FFFFFFF
	return float64(raw) / (1 << 16), nil
}

func (s *Seesaw) read(ctx context.Context, base, fn byte, n int) ([]byte, error) {
	if err := s.bus.WriteBytes(s.address, []byte{base, fn}); err != nil {
		return nil, errors.NonFatalError(errors.CodeSensor, fmt.Sprintf("write register %#x/%#x: %v", base, fn, err), seesawCaller)
	}
	if err := s.sleep(ctx, seesawReadDelay); err != nil {
		return nil, err
	}
	buf, err := s.bus.ReadBytes(s.address, n)
	if err != nil {
		return nil, errors.NonFatalError(errors.CodeSensor, fmt.Sprintf("read register %#x/%#x: %v", base, fn, err), seesawCaller)
	}
	if len(buf) != n {
		return nil, errors.NonFatalError(errors.CodeSensor, fmt.Sprintf("short read %d/%d", len(buf), n), seesawCaller)
	}
	return buf, nil
}
