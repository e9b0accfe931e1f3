// Package icm20948 drives the ICM-20948 IMU over I2C: probe, configure
// for flight ranges, and read accel+gyro in SI units.
//
// A rocket under boost sees several g and fast roll, so the full-scale
// ranges are wide: accel ±16 g, gyro ±2000 deg/s.
package icm20948

import (
	"fmt"
	"math"
	"time"

	"pyxis-fc/internal/i2c"
)

var sleep = time.Sleep

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regIntEnable  = 0x38
	regAccelXoutH = 0x2D // contiguous accel+gyro block

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig   = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	fsGyro2000dps = 0x06 // GYRO_FS_SEL = 3
	fsAccel16g    = 0x06 // ACCEL_FS_SEL = 3

	// Internal sample base is 1125 Hz; divide down to ~2x the control
	// rate so every tick sees a fresh reading.
	sampleDiv = 4 // 1125/(4+1) = 225 Hz

	gravity = 9.80665
)

// Reading is one accel+gyro sample: specific force in m/s^2, angular
// rate in rad/s, both in the body frame.
type Reading struct {
	Accel [3]float64
	Gyro  [3]float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

type Device struct {
	dev     regIO
	curBank byte

	scaleAccel float64 // raw -> m/s^2
	scaleGyro  float64 // raw -> rad/s
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(dev)
}

func newWithIO(dev regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &Device{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	if err := d.setBank(0); err != nil {
		return err
	}

	_ = d.dev.WriteReg(regIntEnable, 0x00)

	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)

	// Wake with the PLL clock; CLKSEL=1 for full gyro performance.
	if err := d.dev.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.setBank(bank2); err != nil {
		return err
	}

	_ = d.dev.WriteReg(regGyroSmplrt, sampleDiv)
	_ = d.dev.WriteReg(regAccelSmplrt2, sampleDiv)

	if err := d.dev.WriteReg(regGyroConfig, fsGyro2000dps); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fsAccel16g); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}

	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = 16.0 / 32768.0 * gravity
	d.scaleGyro = 2000.0 / 32768.0 * math.Pi / 180.0
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

// Read returns the current accel+gyro sample.
func (d *Device) Read() (Reading, error) {
	if d == nil {
		return Reading{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Reading{}, err
	}

	buf := make([]byte, 12)
	if err := d.dev.ReadReg(regAccelXoutH, buf); err != nil {
		return Reading{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}

	raw := func(i int) float64 {
		return float64(int16(buf[i])<<8 | int16(buf[i+1]))
	}
	return Reading{
		Accel: [3]float64{raw(0) * d.scaleAccel, raw(2) * d.scaleAccel, raw(4) * d.scaleAccel},
		Gyro:  [3]float64{raw(6) * d.scaleGyro, raw(8) * d.scaleGyro, raw(10) * d.scaleGyro},
	}, nil
}
