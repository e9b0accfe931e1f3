// Package estimator fuses inertial, barometric and GPS readings into a
// single attitude/kinematic state per control tick.
//
// Attitude runs as a gyro-integrated quaternion with a gravity-vector
// correction from the accelerometer. The kinematic state (altitude and
// world-frame velocity) runs as a small Kalman filter: acceleration-driven
// prediction, with barometric and GPS corrections applied through the
// usual innovation/gain machinery. Sensor dropouts never halt the filter;
// it degrades to prediction-only and keeps producing estimates.
package estimator

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"pyxis-fc/internal/bus"
)

const gravity = 9.80665

// Kinematic state vector layout: [altitude, vNorth, vEast, vUp].
const (
	idxAlt = iota
	idxVN
	idxVE
	idxVU
	stateDim
)

type Config struct {
	// DT is the control period in seconds.
	DT float64

	// TiltGain blends the accelerometer gravity correction into the
	// attitude (1/s). Applied only when the specific-force magnitude is
	// close to 1 g; under thrust the accelerometer says nothing about
	// gravity.
	TiltGain float64

	// StaleAfter is how many consecutive invalid samples of a kind are
	// tolerated before that kind is excluded from updates.
	StaleAfter int

	// Process/measurement noise (1-sigma).
	SigmaAccel  float64 // m/s^2, drives process noise growth
	SigmaBaro   float64 // m
	SigmaGPSAlt float64 // m
	SigmaGPSVel float64 // m/s
}

func (c *Config) defaults() {
	if c.DT <= 0 {
		c.DT = 0.01
	}
	if c.TiltGain <= 0 {
		c.TiltGain = 2.0
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 50
	}
	if c.SigmaAccel <= 0 {
		c.SigmaAccel = 0.5
	}
	if c.SigmaBaro <= 0 {
		c.SigmaBaro = 1.5
	}
	if c.SigmaGPSAlt <= 0 {
		c.SigmaGPSAlt = 5.0
	}
	if c.SigmaGPSVel <= 0 {
		c.SigmaGPSVel = 0.5
	}
}

// Estimate is the per-tick filter output. Read-only downstream.
type Estimate struct {
	Tick uint64

	Orientation Quat
	AngularVel  [3]float64 // body rad/s
	Velocity    [3]float64 // world m/s, Z up
	Altitude    float64    // m above ground reference
	VSpeed      float64    // m/s, positive up
	MaxAltitude float64    // running apogee-so-far
	TiltDeg     float64

	// Most recent raw readings, for telemetry.
	RawAccel   [3]float64
	RawGyro    [3]float64
	RawBaroAlt float64

	CovDiag  [stateDim]float64
	Stale    [4]bool // indexed by bus.Kind
	Degraded uint64  // cumulative updates skipped for numerical reasons
}

type Filter struct {
	cfg Config

	q      Quat
	x      *mat.VecDense
	p      *mat.SymDense
	maxAlt float64

	invalidRun [4]int
	stale      [4]bool
	degraded   uint64

	lastGyro    [3]float64
	lastAccel   [3]float64
	lastBaroAlt float64
	altAnchored bool
}

func New(cfg Config) *Filter {
	cfg.defaults()
	f := &Filter{
		cfg: cfg,
		q:   identityQuat(),
		x:   mat.NewVecDense(stateDim, nil),
		p:   mat.NewSymDense(stateDim, nil),
	}
	// Loose prior until the first baro anchor.
	f.p.SetSym(idxAlt, idxAlt, 100)
	f.p.SetSym(idxVN, idxVN, 1)
	f.p.SetSym(idxVE, idxVE, 1)
	f.p.SetSym(idxVU, idxVU, 1)
	return f
}

// Step runs one predict/update cycle. It always produces an estimate,
// even for an empty batch.
func (f *Filter) Step(tick uint64, batch bus.Batch) Estimate {
	dt := f.cfg.DT

	f.trackValidity(bus.Accel, sampleValid(batch.Accel), batch.Accel != nil)
	f.trackValidity(bus.Gyro, sampleValid(batch.Gyro), batch.Gyro != nil)
	f.trackValidity(bus.Baro, sampleValid(batch.Baro), batch.Baro != nil)
	gpsArrived := len(batch.GPS) > 0
	gpsValid := false
	for _, s := range batch.GPS {
		if s.Valid {
			gpsValid = true
			break
		}
	}
	f.trackValidity(bus.GPS, gpsValid, gpsArrived)

	// Attitude: accelerometer correction first (fast loop), then gyro
	// propagation, then renormalize.
	if f.fresh(bus.Accel, batch.Accel) {
		f.lastAccel = batch.Accel.Vec
		f.correctTilt(batch.Accel.Vec, dt)
	}
	if f.fresh(bus.Gyro, batch.Gyro) {
		f.lastGyro = batch.Gyro.Vec
	}
	f.q = integrateRate(f.q, f.lastGyro, dt).Normalize()

	// Kinematic predict from the rotated specific force.
	f.predict(dt, f.fresh(bus.Accel, batch.Accel))

	// Slow corrections: baro, then GPS.
	if f.fresh(bus.Baro, batch.Baro) {
		f.lastBaroAlt = batch.Baro.Scalar
		f.updateBaro(batch.Baro.Scalar)
	}
	if !f.stale[bus.GPS] {
		for i := range batch.GPS {
			if batch.GPS[i].Valid {
				f.updateGPS(&batch.GPS[i])
			}
		}
	}

	f.conditionCovariance()

	if alt := f.x.AtVec(idxAlt); alt > f.maxAlt {
		f.maxAlt = alt
	}

	est := Estimate{
		Tick:        tick,
		Orientation: f.q,
		AngularVel:  f.lastGyro,
		Velocity:    [3]float64{f.x.AtVec(idxVN), f.x.AtVec(idxVE), f.x.AtVec(idxVU)},
		Altitude:    f.x.AtVec(idxAlt),
		VSpeed:      f.x.AtVec(idxVU),
		MaxAltitude: f.maxAlt,
		TiltDeg:     f.q.TiltRad() * 180 / math.Pi,
		RawAccel:    f.lastAccel,
		RawGyro:     f.lastGyro,
		RawBaroAlt:  f.lastBaroAlt,
		Stale:       f.stale,
		Degraded:    f.degraded,
	}
	for i := 0; i < stateDim; i++ {
		est.CovDiag[i] = f.p.At(i, i)
	}
	return est
}

func sampleValid(s *bus.Sample) bool {
	return s != nil && s.Valid
}

// trackValidity maintains per-kind staleness. Absence is not invalidity:
// a kind that simply did not report this tick (GPS most ticks) keeps its
// previous standing.
func (f *Filter) trackValidity(k bus.Kind, valid, arrived bool) {
	if !arrived {
		return
	}
	if valid {
		f.invalidRun[k] = 0
		f.stale[k] = false
		return
	}
	f.invalidRun[k]++
	if f.invalidRun[k] > f.cfg.StaleAfter {
		f.stale[k] = true
	}
}

func (f *Filter) fresh(k bus.Kind, s *bus.Sample) bool {
	return sampleValid(s) && !f.stale[k]
}

// correctTilt nudges the attitude so the predicted gravity direction
// agrees with the measured specific force. Gated to near-1g magnitudes:
// under thrust or in freefall the reading carries no gravity information.
func (f *Filter) correctTilt(accel [3]float64, dt float64) {
	n := norm3(accel)
	if n < 0.8*gravity || n > 1.2*gravity {
		return
	}
	meas := [3]float64{accel[0] / n, accel[1] / n, accel[2] / n}
	// Gravity direction in body frame as predicted by the attitude.
	pred := f.q.RotateInverse([3]float64{0, 0, 1})
	e := cross(meas, pred)
	en := norm3(e)
	if en < 1e-9 {
		return
	}
	angle := math.Asin(clamp(en, -1, 1)) * f.cfg.TiltGain * dt
	axis := [3]float64{e[0] / en, e[1] / en, e[2] / en}
	f.q = f.q.Mul(fromAxisAngle(axis, angle)).Normalize()
}

func (f *Filter) predict(dt float64, haveAccel bool) {
	// Net world acceleration. With no fresh accelerometer the motion
	// model coasts (zero net acceleration).
	var aw [3]float64
	if haveAccel {
		aw = f.q.Rotate(f.lastAccel)
		aw[2] -= gravity
	}

	alt := f.x.AtVec(idxAlt)
	vn := f.x.AtVec(idxVN)
	ve := f.x.AtVec(idxVE)
	vu := f.x.AtVec(idxVU)

	f.x.SetVec(idxAlt, alt+vu*dt+0.5*aw[2]*dt*dt)
	f.x.SetVec(idxVN, vn+aw[0]*dt)
	f.x.SetVec(idxVE, ve+aw[1]*dt)
	f.x.SetVec(idxVU, vu+aw[2]*dt)

	// P = F P F^T + Q with F = I except F[alt][vU] = dt.
	fm := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		fm.Set(i, i, 1)
	}
	fm.Set(idxAlt, idxVU, dt)

	var fp, fpf mat.Dense
	fp.Mul(fm, f.p)
	fpf.Mul(&fp, fm.T())

	qa := f.cfg.SigmaAccel * f.cfg.SigmaAccel
	qPos := qa * dt * dt * dt / 3
	qCross := qa * dt * dt / 2
	qVel := qa * dt

	for i := 0; i < stateDim; i++ {
		for j := i; j < stateDim; j++ {
			v := (fpf.At(i, j) + fpf.At(j, i)) / 2
			switch {
			case i == idxAlt && j == idxAlt:
				v += qPos
			case i == idxAlt && j == idxVU:
				v += qCross
			case i == j:
				v += qVel
			}
			f.p.SetSym(i, j, v)
		}
	}
}

// updateBaro applies a scalar altitude correction. The first valid baro
// reading anchors the altitude state directly instead of filtering, so
// startup does not spend seconds converging from zero.
func (f *Filter) updateBaro(altMeas float64) {
	if !f.altAnchored {
		f.x.SetVec(idxAlt, altMeas)
		f.p.SetSym(idxAlt, idxAlt, f.cfg.SigmaBaro*f.cfg.SigmaBaro)
		f.altAnchored = true
		return
	}

	r := f.cfg.SigmaBaro * f.cfg.SigmaBaro
	s := f.p.At(idxAlt, idxAlt) + r
	if s < 1e-12 || math.IsNaN(s) {
		f.degraded++
		return
	}

	innov := altMeas - f.x.AtVec(idxAlt)
	// K_i = P[i][alt] / S; x += K * innov; P -= K H P.
	var k [stateDim]float64
	for i := 0; i < stateDim; i++ {
		k[i] = f.p.At(i, idxAlt) / s
		f.x.SetVec(i, f.x.AtVec(i)+k[i]*innov)
	}
	for i := 0; i < stateDim; i++ {
		for j := i; j < stateDim; j++ {
			f.p.SetSym(i, j, f.p.At(i, j)-k[i]*f.p.At(idxAlt, j))
		}
	}
}

// updateGPS applies a full-state correction from one fix: altitude plus
// NEU velocity. A near-singular innovation covariance skips the update
// for this tick rather than corrupting the state.
func (f *Filter) updateGPS(s *bus.Sample) {
	z := mat.NewVecDense(stateDim, []float64{s.Scalar, s.Vec[0], s.Vec[1], s.Vec[2]})

	r := mat.NewSymDense(stateDim, nil)
	r.SetSym(idxAlt, idxAlt, f.cfg.SigmaGPSAlt*f.cfg.SigmaGPSAlt)
	for i := idxVN; i <= idxVU; i++ {
		r.SetSym(i, i, f.cfg.SigmaGPSVel*f.cfg.SigmaGPSVel)
	}

	// H = I, so S = P + R.
	sm := mat.NewSymDense(stateDim, nil)
	for i := 0; i < stateDim; i++ {
		for j := i; j < stateDim; j++ {
			sm.SetSym(i, j, f.p.At(i, j)+r.At(i, j))
		}
	}

	var sInv mat.Dense
	if err := sInv.Inverse(sm); err != nil {
		f.degraded++
		return
	}

	var innov mat.VecDense
	innov.SubVec(z, f.x)

	var k mat.Dense
	k.Mul(f.p, &sInv)

	var dx mat.VecDense
	dx.MulVec(&k, &innov)
	f.x.AddVec(f.x, &dx)

	// P = (I - K) P.
	eye := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		eye.Set(i, i, 1)
	}
	var ik, newP mat.Dense
	ik.Sub(eye, &k)
	newP.Mul(&ik, f.p)
	for i := 0; i < stateDim; i++ {
		for j := i; j < stateDim; j++ {
			f.p.SetSym(i, j, (newP.At(i, j)+newP.At(j, i))/2)
		}
	}
}

// conditionCovariance keeps P usable: non-negative diagonal, no NaN/Inf.
// A poisoned matrix resets to the loose prior and counts as degraded.
func (f *Filter) conditionCovariance() {
	bad := false
	for i := 0; i < stateDim && !bad; i++ {
		for j := i; j < stateDim; j++ {
			v := f.p.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				bad = true
				break
			}
		}
	}
	if bad {
		f.degraded++
		f.p = mat.NewSymDense(stateDim, nil)
		f.p.SetSym(idxAlt, idxAlt, 100)
		for i := idxVN; i <= idxVU; i++ {
			f.p.SetSym(i, i, 1)
		}
		return
	}
	for i := 0; i < stateDim; i++ {
		if f.p.At(i, i) < 0 {
			f.p.SetSym(i, i, 0)
		}
	}
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
