package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"pyxis-fc/internal/phase"
	"pyxis-fc/internal/telemetry"
)

// monitor consumes downlink datagrams and keeps the ground-side picture
// of the flight: last snapshot, link counters, byte totals.
type monitor struct {
	dec   telemetry.Decoder
	bytes uint64

	last     telemetry.Snapshot
	haveLast bool
	lastSeen time.Time
}

// handle decodes one datagram. It returns a line for every phase change
// and every event, since those are what the operator watches for.
func (m *monitor) handle(pkt []byte, now time.Time) []string {
	m.bytes += uint64(len(pkt))

	var lines []string
	for _, f := range m.dec.Feed(pkt) {
		snap, err := telemetry.DecodeSnapshot(f.Payload)
		if err != nil {
			lines = append(lines, fmt.Sprintf("frame %d: undecodable snapshot: %v", f.Seq, err))
			continue
		}
		if !m.haveLast || snap.Phase != m.last.Phase {
			lines = append(lines, fmt.Sprintf("tick %d: phase %s alt=%.1fm vspeed=%.1fm/s",
				snap.Tick, snap.Phase, snap.Altitude, snap.VSpeed))
		}
		for _, ev := range snap.Events {
			lines = append(lines, fmt.Sprintf("tick %d: event %s", ev.Tick, ev.Kind))
		}
		m.last = snap
		m.haveLast = true
		m.lastSeen = now
	}
	return lines
}

// summary is the periodic one-liner: link health plus where the vehicle
// thinks it is.
func (m *monitor) summary(now time.Time) string {
	s := m.dec.Stats()
	link := fmt.Sprintf("frames=%s bytes=%s rejected=%d gaps=%d missing=%d",
		humanize.Comma(int64(s.Frames)), humanize.Bytes(m.bytes),
		s.Rejected, s.GapEvents, s.GapMissing)
	if !m.haveLast {
		return link + " | no telemetry yet"
	}
	age := now.Sub(m.lastSeen).Truncate(100 * time.Millisecond)
	return fmt.Sprintf("%s | %s tick=%s alt=%.1fm max=%.1fm vspeed=%.1fm/s tilt=%.1f° (age %s)",
		link, m.last.Phase, humanize.Comma(int64(m.last.Tick)),
		m.last.Altitude, m.last.MaxAltitude, m.last.VSpeed, m.last.TiltDeg, age)
}

func parseCommand(name string) (phase.Command, error) {
	switch name {
	case "arm":
		return phase.CommandArm, nil
	case "disarm":
		return phase.CommandDisarm, nil
	case "abort":
		return phase.CommandAbort, nil
	default:
		return 0, fmt.Errorf("unknown command %q (want arm, disarm or abort)", name)
	}
}
