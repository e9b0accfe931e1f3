package estimator

import (
	"math"
	"testing"

	"pyxis-fc/internal/bus"
)

func accelSample(tick uint64, v [3]float64) *bus.Sample {
	return &bus.Sample{Kind: bus.Accel, Tick: tick, Vec: v, Valid: true}
}

func baroSample(tick uint64, alt float64) *bus.Sample {
	return &bus.Sample{Kind: bus.Baro, Tick: tick, Scalar: alt, Valid: true}
}

func TestStep_PredictOnlyContinuity(t *testing.T) {
	f := New(Config{DT: 0.01})
	for tick := uint64(1); tick <= 200; tick++ {
		est := f.Step(tick, bus.Batch{})
		if est.Tick != tick {
			t.Fatalf("tick=%d want %d", est.Tick, tick)
		}
		if math.IsNaN(est.Altitude) || math.IsNaN(est.VSpeed) {
			t.Fatalf("NaN state at tick %d", tick)
		}
		for _, c := range est.CovDiag {
			if math.IsNaN(c) || c < 0 {
				t.Fatalf("bad covariance diag %v at tick %d", est.CovDiag, tick)
			}
		}
		if n := est.Orientation.Norm(); math.Abs(n-1) > 1e-6 {
			t.Fatalf("quaternion norm=%v at tick %d", n, tick)
		}
	}
}

func TestStep_OrientationStaysNormalized(t *testing.T) {
	f := New(Config{DT: 0.01})
	for tick := uint64(1); tick <= 500; tick++ {
		batch := bus.Batch{
			Gyro:  &bus.Sample{Kind: bus.Gyro, Tick: tick, Vec: [3]float64{0.5, -0.3, 1.1}, Valid: true},
			Accel: accelSample(tick, [3]float64{0.2, 0.1, 9.8}),
		}
		est := f.Step(tick, batch)
		if n := est.Orientation.Norm(); math.Abs(n-1) > 1e-6 {
			t.Fatalf("quaternion norm=%v at tick %d", n, tick)
		}
	}
}

func TestStep_BaroAnchorsAltitude(t *testing.T) {
	f := New(Config{DT: 0.01})
	est := f.Step(1, bus.Batch{Baro: baroSample(1, 250)})
	if math.Abs(est.Altitude-250) > 1e-9 {
		t.Fatalf("altitude=%v want 250 (first baro anchors)", est.Altitude)
	}
}

func TestStep_BaroPullsAltitude(t *testing.T) {
	f := New(Config{DT: 0.01, SigmaBaro: 1.0})
	f.Step(1, bus.Batch{Baro: baroSample(1, 0)})
	var est Estimate
	for tick := uint64(2); tick <= 400; tick++ {
		est = f.Step(tick, bus.Batch{Baro: baroSample(tick, 100)})
	}
	if math.Abs(est.Altitude-100) > 5 {
		t.Fatalf("altitude=%v want ~100 after sustained baro", est.Altitude)
	}
	if est.MaxAltitude < est.Altitude-1e-9 {
		t.Fatalf("max altitude %v below current %v", est.MaxAltitude, est.Altitude)
	}
}

func TestStep_GPSCorrectsVelocity(t *testing.T) {
	f := New(Config{DT: 0.01, SigmaGPSVel: 0.1})
	f.Step(1, bus.Batch{Baro: baroSample(1, 0)})
	var est Estimate
	for tick := uint64(2); tick <= 200; tick++ {
		batch := bus.Batch{}
		if tick%10 == 0 { // GPS at a tenth of the tick rate.
			batch.GPS = []bus.Sample{{
				Kind: bus.GPS, Tick: tick,
				Scalar: 0,
				Vec:    [3]float64{12, 0, 0},
				Valid:  true,
			}}
		}
		est = f.Step(tick, batch)
	}
	if math.Abs(est.Velocity[0]-12) > 2 {
		t.Fatalf("vN=%v want ~12 after GPS corrections", est.Velocity[0])
	}
}

func TestStep_StaleKindExcluded(t *testing.T) {
	f := New(Config{DT: 0.01, StaleAfter: 3})
	f.Step(1, bus.Batch{Baro: baroSample(1, 0)})

	// Invalid baro beyond the stale threshold.
	for tick := uint64(2); tick <= 10; tick++ {
		f.Step(tick, bus.Batch{Baro: &bus.Sample{Kind: bus.Baro, Tick: tick, Scalar: 9999, Valid: false}})
	}
	est := f.Step(11, bus.Batch{})
	if !est.Stale[bus.Baro] {
		t.Fatalf("baro should be stale after sustained invalid samples")
	}
	if math.Abs(est.Altitude) > 1 {
		t.Fatalf("altitude=%v; invalid baro must not be applied", est.Altitude)
	}

	// One valid sample clears staleness.
	est = f.Step(12, bus.Batch{Baro: baroSample(12, 5)})
	if est.Stale[bus.Baro] {
		t.Fatalf("baro should recover on a valid sample")
	}
}

func TestCorrectTilt_ConvergesTowardGravity(t *testing.T) {
	f := New(Config{DT: 0.01, TiltGain: 10})
	// Start tilted 20 degrees about X.
	f.q = fromAxisAngle([3]float64{1, 0, 0}, 20*math.Pi/180)

	var est Estimate
	for tick := uint64(1); tick <= 2000; tick++ {
		// Vehicle is actually upright: gravity along body +Z.
		est = f.Step(tick, bus.Batch{Accel: accelSample(tick, [3]float64{0, 0, gravity})})
	}
	if est.TiltDeg > 2 {
		t.Fatalf("tilt=%v deg, accel correction should level the attitude", est.TiltDeg)
	}
}

func TestCorrectTilt_GatedUnderThrust(t *testing.T) {
	f := New(Config{DT: 0.01, TiltGain: 10})
	f.q = fromAxisAngle([3]float64{1, 0, 0}, 10*math.Pi/180)
	before := f.q.TiltRad()

	// 6 g axial: no gravity information, correction must not run.
	est := f.Step(1, bus.Batch{Accel: accelSample(1, [3]float64{0, 0, 6 * gravity})})
	if math.Abs(est.TiltDeg-before*180/math.Pi) > 1e-9 {
		t.Fatalf("tilt correction ran on a 6g reading: %v", est.TiltDeg)
	}
}
