package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"

	"pyxis-fc/internal/estimator"
	"pyxis-fc/internal/phase"
)

// Payload type discriminators (first payload byte).
const (
	msgTelemetry = 0x01
	msgCommand   = 0x02
)

// Snapshot is the logical content of one downlink frame: estimator
// output, active phase, raw readings and any events since the last tick.
// The same snapshot always serializes to the same bytes.
type Snapshot struct {
	Tick  uint64
	Phase phase.Phase

	Orientation estimator.Quat
	AngularVel  [3]float64
	Velocity    [3]float64
	Altitude    float64
	VSpeed      float64
	MaxAltitude float64
	TiltDeg     float64

	RawAccel   [3]float64
	RawGyro    [3]float64
	RawBaroAlt float64

	StaleMask uint8 // bit per bus.Kind
	Degraded  uint32

	Events []phase.Event
}

// Telemetry values cross the wire as f32; full f64 precision buys
// nothing on a radio link.
const snapshotFixedLen = 1 + 8 + 1 + 1 + 21*4 + 4 + 1

// EncodeSnapshot serializes a snapshot into a frame payload.
func EncodeSnapshot(s Snapshot) []byte {
	buf := make([]byte, 0, snapshotFixedLen+len(s.Events)*9)
	buf = append(buf, msgTelemetry)
	buf = binary.LittleEndian.AppendUint64(buf, s.Tick)
	buf = append(buf, byte(s.Phase), s.StaleMask)

	f := func(v float64) {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
	}
	f(s.Orientation.W)
	f(s.Orientation.X)
	f(s.Orientation.Y)
	f(s.Orientation.Z)
	for _, v := range s.AngularVel {
		f(v)
	}
	for _, v := range s.Velocity {
		f(v)
	}
	f(s.Altitude)
	f(s.VSpeed)
	f(s.MaxAltitude)
	f(s.TiltDeg)
	for _, v := range s.RawAccel {
		f(v)
	}
	for _, v := range s.RawGyro {
		f(v)
	}
	f(s.RawBaroAlt)

	buf = binary.LittleEndian.AppendUint32(buf, s.Degraded)
	buf = append(buf, byte(len(s.Events)))
	for _, ev := range s.Events {
		buf = append(buf, byte(ev.Kind))
		buf = binary.LittleEndian.AppendUint64(buf, ev.Tick)
	}
	return buf
}

// DecodeSnapshot parses a telemetry payload produced by EncodeSnapshot.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	if len(b) < snapshotFixedLen {
		return s, fmt.Errorf("telemetry: payload too short (%d bytes)", len(b))
	}
	if b[0] != msgTelemetry {
		return s, fmt.Errorf("telemetry: not a telemetry payload (type 0x%02x)", b[0])
	}
	s.Tick = binary.LittleEndian.Uint64(b[1:9])
	s.Phase = phase.Phase(b[9])
	s.StaleMask = b[10]

	off := 11
	f := func() float64 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		return float64(v)
	}
	s.Orientation.W = f()
	s.Orientation.X = f()
	s.Orientation.Y = f()
	s.Orientation.Z = f()
	for i := range s.AngularVel {
		s.AngularVel[i] = f()
	}
	for i := range s.Velocity {
		s.Velocity[i] = f()
	}
	s.Altitude = f()
	s.VSpeed = f()
	s.MaxAltitude = f()
	s.TiltDeg = f()
	for i := range s.RawAccel {
		s.RawAccel[i] = f()
	}
	for i := range s.RawGyro {
		s.RawGyro[i] = f()
	}
	s.RawBaroAlt = f()

	s.Degraded = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	n := int(b[off])
	off++
	if len(b) < off+n*9 {
		return s, fmt.Errorf("telemetry: truncated event list (%d events, %d bytes left)", n, len(b)-off)
	}
	for i := 0; i < n; i++ {
		ev := phase.Event{
			Kind: phase.EventKind(b[off]),
			Tick: binary.LittleEndian.Uint64(b[off+1 : off+9]),
		}
		off += 9
		s.Events = append(s.Events, ev)
	}
	return s, nil
}

// CommandMsg is one authenticated uplink command.
type CommandMsg struct {
	Command phase.Command
	Token   uint64 // must match the configured link token
}

// EncodeCommand serializes a command into a frame payload.
func EncodeCommand(c CommandMsg) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, msgCommand, byte(c.Command))
	buf = binary.LittleEndian.AppendUint64(buf, c.Token)
	return buf
}

// DecodeCommand parses a command payload.
func DecodeCommand(b []byte) (CommandMsg, error) {
	var c CommandMsg
	if len(b) != 10 {
		return c, fmt.Errorf("telemetry: command payload length %d, want 10", len(b))
	}
	if b[0] != msgCommand {
		return c, fmt.Errorf("telemetry: not a command payload (type 0x%02x)", b[0])
	}
	c.Command = phase.Command(b[1])
	if c.Command < phase.CommandArm || c.Command > phase.CommandAbort {
		return c, fmt.Errorf("telemetry: unknown command %d", b[1])
	}
	c.Token = binary.LittleEndian.Uint64(b[2:10])
	return c, nil
}

// IsCommand reports whether a frame payload carries a command.
func IsCommand(payload []byte) bool {
	return len(payload) > 0 && payload[0] == msgCommand
}
