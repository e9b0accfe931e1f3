// Package actuation drives the recovery pyro outputs. Each deployment
// channel is a digital output pulsed high for a configured duration.
//
// The control loop guarantees at-most-once per transition; this layer
// additionally de-duplicates, so a repeated Fire for the same channel is
// a no-op rather than a second ignition pulse.
package actuation

import (
	"fmt"
	"log"
	"sync"
	"time"

	"pyxis-fc/internal/phase"
)

// line is one digital output. The Linux implementation sits on the GPIO
// character device; tests use a recorder.
type line interface {
	SetValue(v int) error
	Close() error
}

type Config struct {
	DroguePin int
	MainPin   int
	Pulse     time.Duration
}

// Pyro owns the deployment channels.
type Pyro struct {
	pulse time.Duration

	mu     sync.Mutex
	drogue line
	main   line
	fired  map[phase.EventKind]bool

	closeOnce sync.Once
}

// New opens the configured GPIO lines.
func New(cfg Config) (*Pyro, error) {
	if cfg.Pulse <= 0 {
		cfg.Pulse = 500 * time.Millisecond
	}
	drogue, err := openLine(cfg.DroguePin)
	if err != nil {
		return nil, fmt.Errorf("drogue channel: %w", err)
	}
	main, err := openLine(cfg.MainPin)
	if err != nil {
		_ = drogue.Close()
		return nil, fmt.Errorf("main channel: %w", err)
	}
	return newWithLines(drogue, main, cfg.Pulse), nil
}

func newWithLines(drogue, main line, pulse time.Duration) *Pyro {
	return &Pyro{
		pulse:  pulse,
		drogue: drogue,
		main:   main,
		fired:  map[phase.EventKind]bool{},
	}
}

// Fire pulses the channel for the event kind. Abort fires the drogue
// channel: getting a chute out is the safe response to a terminated
// flight.
func (p *Pyro) Fire(kind phase.EventKind, tick uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var l line
	switch kind {
	case phase.EventFireDrogue, phase.EventAbort:
		l = p.drogue
	case phase.EventFireMain:
		l = p.main
	default:
		return fmt.Errorf("actuation: no output for event %s", kind)
	}

	if p.fired[kind] {
		return nil
	}
	p.fired[kind] = true

	log.Printf("pyro: firing %s at tick %d", kind, tick)
	if err := l.SetValue(1); err != nil {
		return fmt.Errorf("actuation: %s set high: %w", kind, err)
	}
	time.AfterFunc(p.pulse, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if err := l.SetValue(0); err != nil {
			log.Printf("pyro: %s set low failed: %v", kind, err)
		}
	})
	return nil
}

// Close drops both channels low and releases them.
func (p *Pyro) Close() error {
	if p == nil {
		return nil
	}
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, l := range []line{p.drogue, p.main} {
			if l == nil {
				continue
			}
			_ = l.SetValue(0)
			if cerr := l.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
