// Package sensors feeds the sample bus from real hardware: the IMU and
// barometer polled over I2C, and GPS fixes parsed from an NMEA serial
// stream. The sim package is the other bus producer; exactly one of the
// two runs in a given process.
package sensors

import (
	"context"
	"fmt"
	"log"
	"time"

	"pyxis-fc/internal/bus"
	"pyxis-fc/internal/i2c"
	"pyxis-fc/internal/sensors/bmp280"
	"pyxis-fc/internal/sensors/icm20948"
)

type Config struct {
	I2CPath string
	Period  time.Duration

	// SeaLevelPa is the barometric reference; altitude on the bus is
	// relative to it. Defaults to the ISA standard atmosphere.
	SeaLevelPa float64
}

// imuReader and baroReader are the device seams; tests inject fakes.
type imuReader interface {
	Read() (icm20948.Reading, error)
}

type baroReader interface {
	Altitude(refPa float64) (float64, error)
}

// Sampler polls the inertial sensors at the control rate and publishes
// one sample per kind per tick. A failed read publishes an invalid
// sample so the estimator's staleness tracking sees the fault.
type Sampler struct {
	cfg  Config
	bus  *bus.Bus
	imu  imuReader
	baro baroReader

	i2cBus *i2c.Bus
	tick   uint64
}

// New probes the IMU and barometer on the configured I2C bus.
func New(cfg Config, b *bus.Bus) (*Sampler, error) {
	if cfg.Period <= 0 {
		cfg.Period = 10 * time.Millisecond
	}
	if cfg.SeaLevelPa <= 0 {
		cfg.SeaLevelPa = bmp280.SeaLevelPa
	}

	i2cBus, err := i2c.Open(cfg.I2CPath)
	if err != nil {
		return nil, fmt.Errorf("open i2c %s: %w", cfg.I2CPath, err)
	}
	imu, err := icm20948.New(i2cBus.Dev(icm20948.DefaultAddress()))
	if err != nil {
		_ = i2cBus.Close()
		return nil, fmt.Errorf("probe imu: %w", err)
	}
	baro, err := bmp280.New(i2cBus.Dev(bmp280.DefaultAddress()))
	if err != nil {
		_ = i2cBus.Close()
		return nil, fmt.Errorf("probe baro: %w", err)
	}

	s := newWithDevices(cfg, b, imu, baro)
	s.i2cBus = i2cBus
	return s, nil
}

func newWithDevices(cfg Config, b *bus.Bus, imu imuReader, baro baroReader) *Sampler {
	return &Sampler{cfg: cfg, bus: b, imu: imu, baro: baro}
}

// Run polls until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Sampler) poll() {
	s.tick++

	if r, err := s.imu.Read(); err != nil {
		log.Printf("sensors: imu read failed: %v", err)
		s.bus.Publish(bus.Sample{Kind: bus.Accel, Tick: s.tick})
		s.bus.Publish(bus.Sample{Kind: bus.Gyro, Tick: s.tick})
	} else {
		s.bus.Publish(bus.Sample{Kind: bus.Accel, Tick: s.tick, Vec: r.Accel, Valid: true})
		s.bus.Publish(bus.Sample{Kind: bus.Gyro, Tick: s.tick, Vec: r.Gyro, Valid: true})
	}

	if alt, err := s.baro.Altitude(s.cfg.SeaLevelPa); err != nil {
		log.Printf("sensors: baro read failed: %v", err)
		s.bus.Publish(bus.Sample{Kind: bus.Baro, Tick: s.tick})
	} else {
		s.bus.Publish(bus.Sample{Kind: bus.Baro, Tick: s.tick, Scalar: alt, Valid: true})
	}
}

func (s *Sampler) Close() error {
	if s.i2cBus == nil {
		return nil
	}
	return s.i2cBus.Close()
}
