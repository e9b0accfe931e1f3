// Package phase decides the rocket's flight phase from estimator output
// and issues recovery deployment events.
//
// Transitions are monotonic except Abort, which is reachable from any
// phase and terminal. Every deployment-relevant trigger is debounced:
// the condition must hold for a configured dwell window before the
// transition fires. When signals are ambiguous the machine stays put; a
// late event is the safer failure than a premature one.
package phase

import (
	"math"

	"pyxis-fc/internal/bus"
	"pyxis-fc/internal/estimator"
)

// Phase enumerates the flight phases in flight order.
type Phase int

const (
	Idle Phase = iota
	Armed
	Boost
	Coast
	Apogee
	DrogueDescent
	MainDescent
	Landed
	Abort
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Boost:
		return "boost"
	case Coast:
		return "coast"
	case Apogee:
		return "apogee"
	case DrogueDescent:
		return "drogue"
	case MainDescent:
		return "main"
	case Landed:
		return "landed"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// EventKind identifies a side effect emitted on a transition.
type EventKind int

const (
	EventArmRecovery EventKind = iota
	EventFireDrogue
	EventFireMain
	EventAbort
)

func (k EventKind) String() string {
	switch k {
	case EventArmRecovery:
		return "arm-recovery"
	case EventFireDrogue:
		return "fire-drogue"
	case EventFireMain:
		return "fire-main"
	case EventAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Event is emitted at most once per transition, never on re-entry.
type Event struct {
	Kind EventKind
	Tick uint64
}

// Command is an operator request arriving over the uplink.
type Command int

const (
	CommandArm Command = iota + 1
	CommandDisarm
	CommandAbort
)

type Config struct {
	// LiftoffAccel is the sustained axial specific force (m/s^2) that
	// declares liftoff, LiftoffDwell the number of consecutive ticks it
	// must hold.
	LiftoffAccel float64
	LiftoffDwell int

	// BurnoutAccel declares motor burnout once specific force drops
	// below it for BurnoutDwell ticks.
	BurnoutAccel float64
	BurnoutDwell int

	// ApogeeConfirm is how many consecutive non-positive vertical-speed
	// ticks confirm apogee.
	ApogeeConfirm int

	// MainAltitude is the descent altitude (m) at which the main
	// parachute deploys.
	MainAltitude float64

	// LandedSpeed / LandedAccelBand bound "near zero" vertical speed
	// (m/s) and deviation of total specific force from 1 g (m/s^2);
	// both must hold for LandedDwell ticks.
	LandedSpeed     float64
	LandedAccelBand float64
	LandedDwell     int

	// MaxTiltDeg aborts the flight if exceeded while under thrust.
	// Zero disables the check.
	MaxTiltDeg float64
}

func (c *Config) defaults() {
	if c.LiftoffAccel <= 0 {
		c.LiftoffAccel = 30 // ~3 g
	}
	if c.LiftoffDwell <= 0 {
		c.LiftoffDwell = 3
	}
	if c.BurnoutAccel <= 0 {
		c.BurnoutAccel = 15
	}
	if c.BurnoutDwell <= 0 {
		c.BurnoutDwell = 3
	}
	if c.ApogeeConfirm <= 0 {
		c.ApogeeConfirm = 5
	}
	if c.MainAltitude <= 0 {
		c.MainAltitude = 300
	}
	if c.LandedSpeed <= 0 {
		c.LandedSpeed = 0.5
	}
	if c.LandedAccelBand <= 0 {
		c.LandedAccelBand = 1.0
	}
	if c.LandedDwell <= 0 {
		c.LandedDwell = 100
	}
}

// Machine owns the flight phase. It is driven once per tick by Advance
// and asynchronously by accepted uplink commands via Command.
type Machine struct {
	cfg   Config
	phase Phase

	// Dwell counters, reset on every phase change.
	liftoffRun int
	burnoutRun int
	apogeeRun  int
	landedRun  int

	pendingCommand Command
	hasCommand     bool
}

func New(cfg Config) *Machine {
	cfg.defaults()
	return &Machine{cfg: cfg, phase: Idle}
}

func (m *Machine) Phase() Phase {
	return m.phase
}

// Command queues an operator command for the next Advance. Only one
// command is held; a newer one replaces an unconsumed older one.
func (m *Machine) Command(c Command) {
	m.pendingCommand = c
	m.hasCommand = true
}

// Advance evaluates one tick. It returns the emitted event, or nil when
// the phase persisted or the transition emits nothing.
func (m *Machine) Advance(est estimator.Estimate, raw bus.Batch) *Event {
	if m.phase == Abort {
		// Terminal: keep reporting, never transition again.
		m.hasCommand = false
		return nil
	}

	if ev := m.consumeCommand(est.Tick); ev != nil {
		return ev
	}

	accelMag := m.accelMagnitude(est, raw)

	switch m.phase {
	case Idle, Landed:
		// Idle waits for an arm command; Landed is quiescent.
		return nil

	case Armed:
		if accelMag >= m.cfg.LiftoffAccel {
			m.liftoffRun++
		} else {
			m.liftoffRun = 0
		}
		if m.liftoffRun >= m.cfg.LiftoffDwell {
			m.transition(Boost)
		}
		return nil

	case Boost:
		if m.cfg.MaxTiltDeg > 0 && est.TiltDeg > m.cfg.MaxTiltDeg {
			m.transition(Abort)
			return &Event{Kind: EventAbort, Tick: est.Tick}
		}
		if accelMag <= m.cfg.BurnoutAccel {
			m.burnoutRun++
		} else {
			m.burnoutRun = 0
		}
		if m.burnoutRun >= m.cfg.BurnoutDwell {
			m.transition(Coast)
		}
		return nil

	case Coast:
		if est.VSpeed <= 0 {
			m.apogeeRun++
		} else {
			m.apogeeRun = 0
		}
		if m.apogeeRun >= m.cfg.ApogeeConfirm {
			// Apogee immediately cascades into drogue deployment.
			m.transition(Apogee)
			m.transition(DrogueDescent)
			return &Event{Kind: EventFireDrogue, Tick: est.Tick}
		}
		return nil

	case DrogueDescent:
		if est.Altitude <= m.cfg.MainAltitude {
			m.transition(MainDescent)
			return &Event{Kind: EventFireMain, Tick: est.Tick}
		}
		return nil

	case MainDescent:
		still := math.Abs(est.VSpeed) <= m.cfg.LandedSpeed &&
			math.Abs(accelMag-gravity) <= m.cfg.LandedAccelBand
		if still {
			m.landedRun++
		} else {
			m.landedRun = 0
		}
		if m.landedRun >= m.cfg.LandedDwell {
			m.transition(Landed)
		}
		return nil
	}
	return nil
}

const gravity = 9.80665

// accelMagnitude prefers the raw accelerometer for threshold decisions;
// deployment gating must not depend on filter convergence. With no raw
// sample this tick, the estimator's last reading is used.
func (m *Machine) accelMagnitude(est estimator.Estimate, raw bus.Batch) float64 {
	if raw.Accel != nil && raw.Accel.Valid {
		v := raw.Accel.Vec
		return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	}
	v := est.RawAccel
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func (m *Machine) consumeCommand(tick uint64) *Event {
	if !m.hasCommand {
		return nil
	}
	cmd := m.pendingCommand
	m.hasCommand = false

	switch cmd {
	case CommandArm:
		if m.phase == Idle {
			m.transition(Armed)
			return &Event{Kind: EventArmRecovery, Tick: tick}
		}
	case CommandDisarm:
		// Only meaningful before flight.
		if m.phase == Armed {
			m.transition(Idle)
		}
	case CommandAbort:
		m.transition(Abort)
		return &Event{Kind: EventAbort, Tick: tick}
	}
	return nil
}

func (m *Machine) transition(to Phase) {
	m.phase = to
	m.liftoffRun = 0
	m.burnoutRun = 0
	m.apogeeRun = 0
	m.landedRun = 0
}
