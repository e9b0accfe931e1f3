// Package sched drives the control loop: at a fixed period it drains the
// sample bus, runs the estimator and the phase machine, frames telemetry
// and fans the results out to the link, pyro outputs, recorder and web
// collaborators.
//
// The in-tick order is fixed: estimator before phase machine before
// codec. A tick that exceeds the period is flagged and logged; the loop
// proceeds with the next period rather than buffering catch-up work.
package sched

import (
	"context"
	"log"
	"sync"
	"time"

	"pyxis-fc/internal/bus"
	"pyxis-fc/internal/estimator"
	"pyxis-fc/internal/phase"
	"pyxis-fc/internal/telemetry"
)

// Transport transmits completed telemetry frames. Implementations must
// not block the control loop; buffer or drop instead.
type Transport interface {
	Send(frame []byte) error
}

// Firer drives a recovery output channel. The loop guarantees
// at-most-once per transition; implementations must additionally
// tolerate duplicate calls.
type Firer interface {
	Fire(kind phase.EventKind, tick uint64) error
}

// Recorder persists one tick of flight data.
type Recorder interface {
	Record(snap telemetry.Snapshot, frame []byte) error
}

// Publisher pushes snapshots to live viewers.
type Publisher interface {
	Publish(snap telemetry.Snapshot)
}

type Config struct {
	Period time.Duration

	// Token authenticates uplink commands; a mismatched token is
	// counted and dropped.
	Token uint64
}

// Stats is a snapshot of loop health counters.
type Stats struct {
	Ticks            uint64
	Overruns         uint64
	CommandsAccepted uint64
	CommandsRejected uint64
}

type Loop struct {
	cfg     Config
	bus     *bus.Bus
	filter  *estimator.Filter
	machine *phase.Machine
	enc     telemetry.Encoder

	transport Transport
	firer     Firer
	recorder  Recorder
	publisher Publisher

	commands chan telemetry.CommandMsg

	tick uint64

	statsMu sync.Mutex
	stats   Stats
}

// New wires a loop. Transport, firer, recorder and publisher may be nil;
// nil collaborators are skipped.
func New(cfg Config, b *bus.Bus, f *estimator.Filter, m *phase.Machine,
	transport Transport, firer Firer, recorder Recorder, publisher Publisher) *Loop {
	if cfg.Period <= 0 {
		cfg.Period = 10 * time.Millisecond
	}
	return &Loop{
		cfg:       cfg,
		bus:       b,
		filter:    f,
		machine:   m,
		transport: transport,
		firer:     firer,
		recorder:  recorder,
		publisher: publisher,
		commands:  make(chan telemetry.CommandMsg, 8),
	}
}

// Commands is where the uplink delivers decoded command messages.
// Delivery must not block: senders should drop on a full channel.
func (l *Loop) Commands() chan<- telemetry.CommandMsg {
	return l.commands
}

func (l *Loop) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

func (l *Loop) bumpStats(f func(*Stats)) {
	l.statsMu.Lock()
	f(&l.stats)
	l.statsMu.Unlock()
}

// Run executes the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			l.Step()
			if elapsed := time.Since(start); elapsed > l.cfg.Period {
				l.bumpStats(func(s *Stats) { s.Overruns++ })
				log.Printf("tick %d overran: %s > %s", l.tick, elapsed, l.cfg.Period)
			}
		}
	}
}

// Step executes exactly one tick. Exposed for replay and tests; Run is
// the normal driver.
func (l *Loop) Step() {
	l.tick++
	l.bumpStats(func(s *Stats) { s.Ticks++ })

	l.drainCommands()

	batch := l.bus.Drain()
	est := l.filter.Step(l.tick, batch)
	ev := l.machine.Advance(est, batch)

	snap := buildSnapshot(est, l.machine.Phase(), ev)
	frame := l.enc.Encode(telemetry.EncodeSnapshot(snap))

	if l.transport != nil {
		if err := l.transport.Send(frame); err != nil {
			log.Printf("telemetry send failed: %v", err)
		}
	}
	if ev != nil && l.firer != nil {
		switch ev.Kind {
		case phase.EventFireDrogue, phase.EventFireMain, phase.EventAbort:
			if err := l.firer.Fire(ev.Kind, ev.Tick); err != nil {
				log.Printf("fire %s failed: %v", ev.Kind, err)
			}
		}
	}
	if l.recorder != nil {
		if err := l.recorder.Record(snap, frame); err != nil {
			log.Printf("blackbox record failed: %v", err)
		}
	}
	if l.publisher != nil {
		l.publisher.Publish(snap)
	}
}

func (l *Loop) drainCommands() {
	for {
		select {
		case msg := <-l.commands:
			if msg.Token != l.cfg.Token {
				l.bumpStats(func(s *Stats) { s.CommandsRejected++ })
				log.Printf("uplink command %d rejected: bad token", msg.Command)
				continue
			}
			l.bumpStats(func(s *Stats) { s.CommandsAccepted++ })
			l.machine.Command(msg.Command)
		default:
			return
		}
	}
}

func buildSnapshot(est estimator.Estimate, ph phase.Phase, ev *phase.Event) telemetry.Snapshot {
	snap := telemetry.Snapshot{
		Tick:        est.Tick,
		Phase:       ph,
		Orientation: est.Orientation,
		AngularVel:  est.AngularVel,
		Velocity:    est.Velocity,
		Altitude:    est.Altitude,
		VSpeed:      est.VSpeed,
		MaxAltitude: est.MaxAltitude,
		TiltDeg:     est.TiltDeg,
		RawAccel:    est.RawAccel,
		RawGyro:     est.RawGyro,
		RawBaroAlt:  est.RawBaroAlt,
		Degraded:    uint32(est.Degraded),
	}
	for i, stale := range est.Stale {
		if stale {
			snap.StaleMask |= 1 << i
		}
	}
	if ev != nil {
		snap.Events = []phase.Event{*ev}
	}
	return snap
}
