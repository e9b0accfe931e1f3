package blackbox

import (
	"path/filepath"
	"testing"

	"pyxis-fc/internal/phase"
	"pyxis-fc/internal/telemetry"
)

func TestRecord_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.db")
	s := New(path, "loop:\n  period: 10ms\n")
	defer s.Close()

	var enc telemetry.Encoder
	for tick := uint64(0); tick < 5; tick++ {
		snap := telemetry.Snapshot{
			Tick:        tick,
			Phase:       phase.Boost,
			Altitude:    float64(tick) * 12.5,
			VSpeed:      55,
			MaxAltitude: float64(tick) * 12.5,
			TiltDeg:     2.5,
		}
		frame := enc.Encode(telemetry.EncodeSnapshot(snap))
		if err := s.Record(snap, frame); err != nil {
			t.Fatalf("Record tick %d: %v", tick, err)
		}
	}
	id := s.FlightID()
	if id == 0 {
		t.Fatalf("flight id not assigned")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows, err := ReadTicks(path, id)
	if err != nil {
		t.Fatalf("ReadTicks: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("read %d ticks, want 5", len(rows))
	}
	for i, r := range rows {
		if r.Tick != uint64(i) {
			t.Fatalf("row %d has tick %d", i, r.Tick)
		}
		if r.Phase != int(phase.Boost) {
			t.Fatalf("row %d phase=%d", i, r.Phase)
		}
	}

	// The stored frames must decode back to the original snapshots.
	var dec telemetry.Decoder
	frames := dec.Feed(rows[3].Frame)
	if len(frames) != 1 {
		t.Fatalf("frame column decoded to %d frames", len(frames))
	}
	snap, err := telemetry.DecodeSnapshot(frames[0].Payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if snap.Tick != 3 || snap.Altitude != 37.5 {
		t.Fatalf("decoded snapshot %+v", snap)
	}
}

func TestRecord_Events(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.db")
	s := New(path, "")
	defer s.Close()

	snap := telemetry.Snapshot{
		Tick:  900,
		Phase: phase.DrogueDescent,
		Events: []phase.Event{
			{Kind: phase.EventFireDrogue, Tick: 900},
		},
	}
	if err := s.Record(snap, []byte{0}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	id := s.FlightID()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := ReadEvents(path, id)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("read %d events, want 1", len(events))
	}
	if events[0].Tick != 900 || events[0].Kind != int(phase.EventFireDrogue) {
		t.Fatalf("event %+v", events[0])
	}
}

func TestRecord_DuplicateTickFailsAndCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.db")
	s := New(path, "")
	defer s.Close()

	snap := telemetry.Snapshot{Tick: 1}
	if err := s.Record(snap, []byte{0}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(snap, []byte{0}); err == nil {
		t.Fatalf("duplicate tick must fail")
	}
	if s.Failed() != 1 {
		t.Fatalf("failed=%d want 1", s.Failed())
	}
}
