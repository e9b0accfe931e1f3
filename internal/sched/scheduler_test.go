package sched

import (
	"testing"
	"time"

	"pyxis-fc/internal/bus"
	"pyxis-fc/internal/estimator"
	"pyxis-fc/internal/phase"
	"pyxis-fc/internal/telemetry"
)

type fakeTransport struct {
	frames [][]byte
}

func (f *fakeTransport) Send(frame []byte) error {
	f.frames = append(f.frames, frame)
	return nil
}

type fakeFirer struct {
	fired []phase.EventKind
}

func (f *fakeFirer) Fire(kind phase.EventKind, tick uint64) error {
	f.fired = append(f.fired, kind)
	return nil
}

type fakeRecorder struct {
	rows int
}

func (f *fakeRecorder) Record(snap telemetry.Snapshot, frame []byte) error {
	f.rows++
	return nil
}

func newTestLoop(t *testing.T, token uint64) (*Loop, *bus.Bus, *fakeTransport, *fakeFirer) {
	t.Helper()
	b := bus.New()
	f := estimator.New(estimator.Config{DT: 0.01})
	m := phase.New(phase.Config{LiftoffDwell: 2, BurnoutDwell: 2, ApogeeConfirm: 2})
	tr := &fakeTransport{}
	fr := &fakeFirer{}
	l := New(Config{Period: 10 * time.Millisecond, Token: token}, b, f, m, tr, fr, nil, nil)
	return l, b, tr, fr
}

func decodeAll(t *testing.T, frames [][]byte) []telemetry.Snapshot {
	t.Helper()
	var dec telemetry.Decoder
	var out []telemetry.Snapshot
	for _, f := range frames {
		for _, fr := range dec.Feed(f) {
			snap, err := telemetry.DecodeSnapshot(fr.Payload)
			if err != nil {
				t.Fatalf("DecodeSnapshot: %v", err)
			}
			out = append(out, snap)
		}
	}
	if s := dec.Stats(); s.GapEvents != 0 || s.Rejected != 0 {
		t.Fatalf("link stats=%+v want clean", s)
	}
	return out
}

func TestStep_EmitsFrameEveryTick(t *testing.T) {
	l, _, tr, _ := newTestLoop(t, 0)
	for i := 0; i < 5; i++ {
		l.Step()
	}
	snaps := decodeAll(t, tr.frames)
	if len(snaps) != 5 {
		t.Fatalf("frames=%d want 5", len(snaps))
	}
	for i, s := range snaps {
		if s.Tick != uint64(i+1) {
			t.Fatalf("snapshot tick=%d want %d", s.Tick, i+1)
		}
	}
}

func TestStep_CommandTokenChecked(t *testing.T) {
	l, _, _, _ := newTestLoop(t, 42)

	l.Commands() <- telemetry.CommandMsg{Command: phase.CommandArm, Token: 7}
	l.Step()
	if st := l.Stats(); st.CommandsRejected != 1 || st.CommandsAccepted != 0 {
		t.Fatalf("stats=%+v want rejection", st)
	}

	l.Commands() <- telemetry.CommandMsg{Command: phase.CommandArm, Token: 42}
	l.Step()
	if st := l.Stats(); st.CommandsAccepted != 1 {
		t.Fatalf("stats=%+v want acceptance", st)
	}
}

func TestStep_FullFlightFiresEachEventOnce(t *testing.T) {
	l, b, tr, fr := newTestLoop(t, 0)

	l.Commands() <- telemetry.CommandMsg{Command: phase.CommandArm}
	l.Step()

	feed := func(n int, accel float64, baroAlt float64) {
		for i := 0; i < n; i++ {
			b.Publish(bus.Sample{Kind: bus.Accel, Vec: [3]float64{0, 0, accel}, Valid: true})
			b.Publish(bus.Sample{Kind: bus.Baro, Scalar: baroAlt, Valid: true})
			l.Step()
		}
	}

	feed(10, 9.81, 0)   // pad
	feed(10, 60, 50)    // boost
	feed(10, 2, 800)    // burnout, coasting up
	feed(120, 2, 1200)  // near-freefall at apogee: vertical speed bleeds through zero
	feed(10, 9.81, 100) // under drogue, below main altitude (default 300 m)

	if len(fr.fired) != 2 || fr.fired[0] != phase.EventFireDrogue || fr.fired[1] != phase.EventFireMain {
		t.Fatalf("fired=%v want [fire-drogue fire-main]", fr.fired)
	}

	// Events must appear exactly once across the telemetry stream too.
	counts := map[phase.EventKind]int{}
	for _, s := range decodeAll(t, tr.frames) {
		for _, ev := range s.Events {
			counts[ev.Kind]++
		}
	}
	if counts[phase.EventFireDrogue] != 1 || counts[phase.EventFireMain] != 1 {
		t.Fatalf("event counts=%v want exactly one of each deployment", counts)
	}
}

func TestStep_RecorderSeesEveryTick(t *testing.T) {
	b := bus.New()
	f := estimator.New(estimator.Config{DT: 0.01})
	m := phase.New(phase.Config{})
	rec := &fakeRecorder{}
	l := New(Config{Period: 10 * time.Millisecond}, b, f, m, nil, nil, rec, nil)

	for i := 0; i < 7; i++ {
		l.Step()
	}
	if rec.rows != 7 {
		t.Fatalf("rows=%d want 7", rec.rows)
	}
}
