package sim

import (
	"testing"
	"time"

	"pyxis-fc/internal/bus"
)

const flightYAML = `
version: 1
duration: 60s
gps_period: 1s
keyframes:
  - t: 0s
    accel_mps2: 0
  - t: 5s
    accel_mps2: 0
  - t: 5s
    accel_mps2: 50
  - t: 8s
    accel_mps2: 50
  - t: 8s
    accel_mps2: -9.81
`

func loadFlight(t *testing.T) *Profile {
	t.Helper()
	script, err := ParseProfileYAML([]byte(flightYAML))
	if err != nil {
		t.Fatalf("ParseProfileYAML: %v", err)
	}
	p, err := NewProfile(script, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}
	return p
}

func TestParseProfileYAML_Validation(t *testing.T) {
	if _, err := ParseProfileYAML([]byte("version: 2\nkeyframes: [{t: 0s, accel_mps2: 0}]")); err == nil {
		t.Fatalf("wrong version must not parse")
	}
	if _, err := ParseProfileYAML([]byte("version: 1\nkeyframes: []")); err == nil {
		t.Fatalf("empty keyframes must not parse")
	}
	if _, err := ParseProfileYAML([]byte("version: 1\nkeyframes: [{t: 5s, accel_mps2: 0}, {t: 1s, accel_mps2: 0}]")); err == nil {
		t.Fatalf("unsorted keyframes must not parse")
	}
}

func TestProfile_PadThenBoost(t *testing.T) {
	p := loadFlight(t)

	// On the pad: 1 g specific force, zero altitude.
	s := p.SamplesAt(100)
	if s[0].Vec[2] < 9.7 || s[0].Vec[2] > 9.9 {
		t.Fatalf("pad specific force=%v want ~1g", s[0].Vec[2])
	}
	if s[2].Scalar != 0 {
		t.Fatalf("pad baro altitude=%v want 0", s[2].Scalar)
	}

	// Under boost (t=6s, tick 600): specific force ~50+g.
	s = p.SamplesAt(600)
	if s[0].Vec[2] < 55 || s[0].Vec[2] > 65 {
		t.Fatalf("boost specific force=%v want ~59.8", s[0].Vec[2])
	}
	if p.AltitudeAt(600) <= 0 {
		t.Fatalf("altitude must be climbing under boost")
	}
}

func TestProfile_ReachesApogeeAndLands(t *testing.T) {
	p := loadFlight(t)

	var maxAlt float64
	var apogeeTick uint64
	for tick := uint64(0); tick < p.NumTicks(); tick++ {
		if alt := p.AltitudeAt(tick); alt > maxAlt {
			maxAlt = alt
			apogeeTick = tick
		}
	}
	if maxAlt < 100 {
		t.Fatalf("max altitude=%v, profile should fly", maxAlt)
	}
	if p.VSpeedAt(apogeeTick+10) >= 0 {
		t.Fatalf("vertical speed after apogee=%v want negative", p.VSpeedAt(apogeeTick+10))
	}

	last := p.NumTicks() - 1
	if p.AltitudeAt(last) != 0 || p.VSpeedAt(last) != 0 {
		t.Fatalf("profile should end on the ground: alt=%v vs=%v", p.AltitudeAt(last), p.VSpeedAt(last))
	}
}

func TestProfile_GPSCadence(t *testing.T) {
	p := loadFlight(t)

	hasGPS := func(samples []bus.Sample) bool {
		for _, s := range samples {
			if s.Kind == bus.GPS {
				return true
			}
		}
		return false
	}
	if !hasGPS(p.SamplesAt(0)) || !hasGPS(p.SamplesAt(100)) {
		t.Fatalf("GPS expected every 100 ticks at 10ms period")
	}
	if hasGPS(p.SamplesAt(50)) {
		t.Fatalf("unexpected GPS between fixes")
	}
}

func TestProfile_Deterministic(t *testing.T) {
	a := loadFlight(t)
	b := loadFlight(t)
	for _, tick := range []uint64{0, 1, 599, 601, 3000} {
		sa := a.SamplesAt(tick)
		sb := b.SamplesAt(tick)
		if len(sa) != len(sb) {
			t.Fatalf("tick %d: sample counts differ", tick)
		}
		for i := range sa {
			if sa[i] != sb[i] {
				t.Fatalf("tick %d sample %d differs: %+v vs %+v", tick, i, sa[i], sb[i])
			}
		}
	}
}
