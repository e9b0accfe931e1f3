// Package sim renders scripted flight profiles into synthetic sensor
// samples. Profiles are deterministic: the same script and tick always
// produce the same samples, which makes them usable as test fixtures and
// for bench replay against the real pipeline.
package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pyxis-fc/internal/bus"
)

const gravity = 9.80665

// ProfileScript is the YAML flight description.
//
// Keyframes give the vehicle's net vertical acceleration over time
// (thrust minus gravity minus drag, m/s^2); the trajectory is integrated
// from them at the control rate. Values between keyframes interpolate
// linearly; after the last keyframe the final value holds.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 120s
//	gps_period: 1s
//	keyframes:
//	  - t: 0s
//	    accel_mps2: 0
//	  - t: 5s
//	    accel_mps2: 50
type ProfileScript struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	GPSPeriod time.Duration `yaml:"gps_period"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

// Keyframe is a time-stamped net vertical acceleration.
type Keyframe struct {
	T     time.Duration `yaml:"t"`
	Accel float64       `yaml:"accel_mps2"`
}

// Profile is the validated, integrated trajectory.
type Profile struct {
	dt       float64
	gpsEvery uint64
	numTicks uint64
	accel    []float64 // net vertical acceleration per tick
	altitude []float64
	vSpeed   []float64
	onGround []bool
}

// LoadProfile reads and integrates a YAML profile script.
func LoadProfile(path string, period time.Duration) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	script, err := ParseProfileYAML(b)
	if err != nil {
		return nil, err
	}
	return NewProfile(script, period)
}

// ParseProfileYAML unmarshals and validates a profile script.
func ParseProfileYAML(b []byte) (ProfileScript, error) {
	var s ProfileScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ProfileScript{}, err
	}
	if s.Version != 1 {
		return ProfileScript{}, fmt.Errorf("sim: unsupported profile version %d", s.Version)
	}
	if len(s.Keyframes) == 0 {
		return ProfileScript{}, fmt.Errorf("sim: profile needs at least one keyframe")
	}
	for i := 1; i < len(s.Keyframes); i++ {
		if s.Keyframes[i].T < s.Keyframes[i-1].T {
			return ProfileScript{}, fmt.Errorf("sim: keyframes must be sorted by time")
		}
	}
	if s.Duration <= 0 {
		s.Duration = s.Keyframes[len(s.Keyframes)-1].T
	}
	if s.Duration <= 0 {
		return ProfileScript{}, fmt.Errorf("sim: profile duration is zero")
	}
	if s.GPSPeriod <= 0 {
		s.GPSPeriod = time.Second
	}
	return s, nil
}

// NewProfile integrates the script at the given control period.
func NewProfile(s ProfileScript, period time.Duration) (*Profile, error) {
	if period <= 0 {
		return nil, fmt.Errorf("sim: invalid control period %s", period)
	}
	p := &Profile{
		dt:       period.Seconds(),
		gpsEvery: uint64(s.GPSPeriod / period),
		numTicks: uint64(s.Duration / period),
	}
	if p.gpsEvery == 0 {
		p.gpsEvery = 1
	}
	if p.numTicks == 0 {
		return nil, fmt.Errorf("sim: profile shorter than one control period")
	}

	var alt, vs float64
	p.accel = make([]float64, p.numTicks)
	p.altitude = make([]float64, p.numTicks)
	p.vSpeed = make([]float64, p.numTicks)
	p.onGround = make([]bool, p.numTicks)

	for i := uint64(0); i < p.numTicks; i++ {
		a := accelAt(s.Keyframes, time.Duration(i)*period)
		vs += a * p.dt
		alt += vs * p.dt
		grounded := false
		if alt <= 0 {
			// The ground absorbs the impact; the vehicle does not tunnel.
			alt = 0
			if vs < 0 {
				vs = 0
			}
			if a < 0 {
				a = 0
			}
			grounded = true
		}
		p.accel[i] = a
		p.altitude[i] = alt
		p.vSpeed[i] = vs
		p.onGround[i] = grounded
	}
	return p, nil
}

func accelAt(kf []Keyframe, t time.Duration) float64 {
	if t <= kf[0].T {
		return kf[0].Accel
	}
	for i := 1; i < len(kf); i++ {
		if t <= kf[i].T {
			span := kf[i].T - kf[i-1].T
			if span <= 0 {
				return kf[i].Accel
			}
			frac := float64(t-kf[i-1].T) / float64(span)
			return kf[i-1].Accel + frac*(kf[i].Accel-kf[i-1].Accel)
		}
	}
	return kf[len(kf)-1].Accel
}

// NumTicks is how many control periods the profile covers.
func (p *Profile) NumTicks() uint64 {
	return p.numTicks
}

// AltitudeAt returns the true (scripted) altitude, for test assertions.
func (p *Profile) AltitudeAt(tick uint64) float64 {
	if tick >= p.numTicks {
		tick = p.numTicks - 1
	}
	return p.altitude[tick]
}

// VSpeedAt returns the true vertical speed, for test assertions.
func (p *Profile) VSpeedAt(tick uint64) float64 {
	if tick >= p.numTicks {
		tick = p.numTicks - 1
	}
	return p.vSpeed[tick]
}

// SamplesAt renders the sensor readings for one tick: accel and gyro
// every tick, baro every tick, GPS at its configured period. The vehicle
// is modeled upright, so the accelerometer sees specific force a+g on
// its body Z axis.
func (p *Profile) SamplesAt(tick uint64) []bus.Sample {
	i := tick
	if i >= p.numTicks {
		i = p.numTicks - 1
	}

	specific := p.accel[i] + gravity
	if p.onGround[i] {
		specific = gravity
	}

	samples := []bus.Sample{
		{Kind: bus.Accel, Tick: tick, Vec: [3]float64{0, 0, specific}, Valid: true},
		{Kind: bus.Gyro, Tick: tick, Valid: true},
		{Kind: bus.Baro, Tick: tick, Scalar: p.altitude[i], Valid: true},
	}
	if tick%p.gpsEvery == 0 {
		samples = append(samples, bus.Sample{
			Kind:   bus.GPS,
			Tick:   tick,
			Scalar: p.altitude[i],
			Vec:    [3]float64{0, 0, p.vSpeed[i]},
			Valid:  true,
		})
	}
	return samples
}
