package main

import (
	"context"
	"fmt"
	"log"

	"gopkg.in/yaml.v3"

	"pyxis-fc/internal/actuation"
	"pyxis-fc/internal/blackbox"
	"pyxis-fc/internal/bus"
	"pyxis-fc/internal/config"
	"pyxis-fc/internal/estimator"
	"pyxis-fc/internal/phase"
	"pyxis-fc/internal/sched"
	"pyxis-fc/internal/sensors"
	"pyxis-fc/internal/sim"
	"pyxis-fc/internal/telemetry"
	"pyxis-fc/internal/transport"
	"pyxis-fc/internal/web"
)

// multiSender fans one frame out to every enabled link.
type multiSender []sched.Transport

func (m multiSender) Send(frame []byte) error {
	var first error
	for _, t := range m {
		if err := t.Send(frame); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// runtime owns the wired flight stack for one process lifetime.
type runtime struct {
	cfg     config.Config
	bus     *bus.Bus
	loop    *sched.Loop
	machine *phase.Machine

	udp    *transport.UDP
	uplink *transport.Uplink
	serial *transport.Serial
	pyro   *actuation.Pyro
	box    *blackbox.Store
	hub    *web.Hub
	webSrv *web.Server

	sampler *sensors.Sampler
	gps     *sensors.GPS
	profile *sim.Profile
}

func newRuntime(cfg config.Config) (*runtime, error) {
	r := &runtime{cfg: cfg, bus: bus.New()}

	filter := estimator.New(estimator.Config{
		DT:          cfg.Loop.Period.Seconds(),
		TiltGain:    cfg.Estimator.TiltGain,
		StaleAfter:  cfg.Estimator.StaleAfter,
		SigmaAccel:  cfg.Estimator.SigmaAccel,
		SigmaBaro:   cfg.Estimator.SigmaBaro,
		SigmaGPSAlt: cfg.Estimator.SigmaGPSAlt,
		SigmaGPSVel: cfg.Estimator.SigmaGPSVel,
	})

	r.machine = phase.New(phase.Config{
		LiftoffAccel:    cfg.Phase.LiftoffAccel,
		LiftoffDwell:    cfg.Phase.LiftoffDwell,
		BurnoutAccel:    cfg.Phase.BurnoutAccel,
		BurnoutDwell:    cfg.Phase.BurnoutDwell,
		ApogeeConfirm:   cfg.Phase.ApogeeConfirm,
		MainAltitude:    cfg.Phase.MainAltitude,
		LandedSpeed:     cfg.Phase.LandedSpeed,
		LandedAccelBand: cfg.Phase.LandedAccelBand,
		LandedDwell:     cfg.Phase.LandedDwell,
		MaxTiltDeg:      cfg.Phase.MaxTiltDeg,
	})

	var senders multiSender
	if cfg.Link.UDP.Enable {
		udp, err := transport.NewUDP(cfg.Link.UDP.Dest)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.udp = udp
		senders = append(senders, udp)

		if cfg.Link.UDP.Listen != "" {
			uplink, err := transport.NewUplink(cfg.Link.UDP.Listen)
			if err != nil {
				r.Close()
				return nil, err
			}
			r.uplink = uplink
		}
	}
	if cfg.Link.Serial.Enable {
		serial, err := transport.NewSerial(cfg.Link.Serial.Path, cfg.Link.Serial.Baud)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.serial = serial
		senders = append(senders, serial)
	}

	var firer sched.Firer
	if cfg.Pyro.Enable {
		pyro, err := actuation.New(actuation.Config{
			DroguePin: cfg.Pyro.DroguePin,
			MainPin:   cfg.Pyro.MainPin,
			Pulse:     cfg.Pyro.Pulse,
		})
		if err != nil {
			r.Close()
			return nil, err
		}
		r.pyro = pyro
		firer = pyro
	}

	var recorder sched.Recorder
	if cfg.Blackbox.Enable {
		cfgYAML, err := yaml.Marshal(cfg)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("marshal config for blackbox: %w", err)
		}
		r.box = blackbox.New(cfg.Blackbox.Path, string(cfgYAML))
		recorder = r.box
	}

	var publisher sched.Publisher
	if cfg.Web.Enable {
		r.hub = web.NewHub()
		publisher = r.hub
	}

	var sender sched.Transport
	if len(senders) > 0 {
		sender = senders
	}
	r.loop = sched.New(sched.Config{
		Period: cfg.Loop.Period,
		Token:  cfg.Link.Token,
	}, r.bus, filter, r.machine, sender, firer, recorder, publisher)

	if cfg.Web.Enable {
		srv, err := web.NewServer(cfg.Web.Listen, r.hub, r.status)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.webSrv = srv
	}

	if cfg.Sim.Enable {
		profile, err := sim.LoadProfile(cfg.Sim.Profile, cfg.Loop.Period)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("load sim profile: %w", err)
		}
		r.profile = profile
	}

	if cfg.Sensors.Enable {
		sampler, err := sensors.New(sensors.Config{
			I2CPath:    cfg.Sensors.I2C,
			Period:     cfg.Loop.Period,
			SeaLevelPa: cfg.Sensors.SeaLevelPa,
		}, r.bus)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.sampler = sampler

		if cfg.Sensors.GPS.Enable {
			gps, err := sensors.NewGPS(sensors.GPSConfig{
				Device: cfg.Sensors.GPS.Device,
				Baud:   cfg.Sensors.GPS.Baud,
			}, r.bus)
			if err != nil {
				r.Close()
				return nil, err
			}
			r.gps = gps
		}
	}

	return r, nil
}

func (r *runtime) status() web.Status {
	stats := r.loop.Stats()
	st := web.Status{
		Overruns:         stats.Overruns,
		CommandsAccepted: stats.CommandsAccepted,
		CommandsRejected: stats.CommandsRejected,
	}
	if r.hub != nil {
		if snap, ok := r.hub.Last(); ok {
			st.Phase = snap.Phase.String()
			st.Tick = snap.Tick
			st.AltitudeM = snap.Altitude
			st.MaxAltitudeM = snap.MaxAltitude
			st.VSpeedMps = snap.VSpeed
			st.TiltDeg = snap.TiltDeg
			st.Degraded = snap.Degraded
		}
	}
	return st
}

// Run starts the link and web goroutines, then drives the control loop
// until ctx is done. In sim mode the loop replays the scripted profile
// instead of running on the wall clock.
func (r *runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.uplink != nil {
		go func() {
			if err := r.uplink.Run(ctx, r.loop.Commands()); err != nil && ctx.Err() == nil {
				log.Printf("uplink stopped: %v", err)
				cancel()
			}
		}()
	}
	if r.serial != nil {
		go func() {
			if err := r.serial.Run(ctx, r.loop.Commands()); err != nil && ctx.Err() == nil {
				log.Printf("serial link stopped: %v", err)
				cancel()
			}
		}()
	}
	if r.webSrv != nil {
		go func() {
			if err := r.webSrv.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
				cancel()
			}
		}()
	}
	if r.sampler != nil {
		go func() {
			if err := r.sampler.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("sensor sampler stopped: %v", err)
				cancel()
			}
		}()
	}
	if r.gps != nil {
		go func() {
			if err := r.gps.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("gps reader stopped: %v", err)
			}
		}()
	}

	if r.profile != nil {
		return r.replay(ctx)
	}
	if err := r.loop.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// replay drives the loop from the scripted profile as fast as it will
// go; tick time is simulated, not wall time. The vehicle is armed up
// front so the flight actually flies.
func (r *runtime) replay(ctx context.Context) error {
	r.loop.Commands() <- telemetry.CommandMsg{
		Command: phase.CommandArm,
		Token:   r.cfg.Link.Token,
	}

	for tick := uint64(0); tick < r.profile.NumTicks(); tick++ {
		if ctx.Err() != nil {
			return nil
		}
		for _, s := range r.profile.SamplesAt(tick) {
			r.bus.Publish(s)
		}
		r.loop.Step()
	}
	log.Printf("sim profile complete after %d ticks, final phase %s",
		r.profile.NumTicks(), r.machine.Phase())
	return nil
}

// LogSummary prints end-of-run counters, one line per concern.
func (r *runtime) LogSummary() {
	stats := r.loop.Stats()
	log.Printf("loop: ticks=%d overruns=%d commands accepted=%d rejected=%d",
		stats.Ticks, stats.Overruns, stats.CommandsAccepted, stats.CommandsRejected)
	log.Printf("bus: dropped gps samples=%d", r.bus.DroppedGPS())
	if r.uplink != nil {
		s := r.uplink.Stats()
		log.Printf("uplink: rejected=%d malformed=%d dropped=%d", s.Rejected, s.Malformed, s.Dropped)
	}
	if r.box != nil {
		log.Printf("blackbox: flight=%d failed writes=%d", r.box.FlightID(), r.box.Failed())
	}
}

func (r *runtime) Close() {
	if r.webSrv != nil {
		_ = r.webSrv.Close()
	}
	if r.uplink != nil {
		_ = r.uplink.Close()
	}
	if r.serial != nil {
		_ = r.serial.Close()
	}
	if r.udp != nil {
		_ = r.udp.Close()
	}
	if r.sampler != nil {
		_ = r.sampler.Close()
	}
	if r.gps != nil {
		_ = r.gps.Close()
	}
	if r.pyro != nil {
		_ = r.pyro.Close()
	}
	if r.box != nil {
		_ = r.box.Close()
	}
}
