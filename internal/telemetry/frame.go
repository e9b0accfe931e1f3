// Package telemetry implements the downlink/uplink wire protocol:
// length-framed, CRC-protected packets carrying state snapshots one way
// and operator commands the other.
//
// Wire layout, all little-endian:
//
//	[sequence u32][payload_length u16][payload][crc u32]
//
// The CRC (IEEE CRC-32) covers sequence, length and payload. A frame
// whose checksum fails is discarded and counted, never applied.
package telemetry

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	headerLen   = 6 // sequence + payload length
	trailerLen  = 4 // crc
	minFrameLen = headerLen + trailerLen

	// MaxPayload bounds a frame; a decoded length above this is treated
	// as corruption, not as a huge frame.
	MaxPayload = 1024
)

// Frame is one validated wire frame.
type Frame struct {
	Seq     uint32
	Payload []byte
}

// Encoder assigns strictly increasing sequence numbers and frames
// payloads for transmission. Not safe for concurrent use; the tick loop
// is the only producer.
type Encoder struct {
	nextSeq uint32
}

// Encode wraps payload into a wire frame. The returned buffer is freshly
// allocated and never mutated afterwards.
func (e *Encoder) Encode(payload []byte) []byte {
	buf := make([]byte, minFrameLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], e.nextSeq)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(payload)))
	copy(buf[headerLen:], payload)
	crc := crc32.ChecksumIEEE(buf[:headerLen+len(payload)])
	binary.LittleEndian.PutUint32(buf[headerLen+len(payload):], crc)
	e.nextSeq++
	return buf
}

// LinkStats counts what the decoder has seen. Gaps are observable for
// link diagnostics but never block the frames that did arrive.
type LinkStats struct {
	Frames     uint64
	Rejected   uint64 // CRC failures and malformed lengths
	GapEvents  uint64 // number of discontinuities
	GapMissing uint64 // total frames skipped across all gaps
}

// Decoder reassembles frames from an arbitrary byte stream. Partial
// frames are buffered across Feed calls; corruption resynchronizes by
// scanning forward.
type Decoder struct {
	buf     []byte
	stats   LinkStats
	lastSeq uint32
	haveSeq bool
	badRun  bool
}

func (d *Decoder) Stats() LinkStats {
	return d.stats
}

// Feed appends raw bytes and returns every complete, checksum-valid
// frame found. A corrupt stretch counts one rejection per run, then the
// decoder slides forward byte-wise until it locks onto a valid frame.
func (d *Decoder) Feed(b []byte) []Frame {
	d.buf = append(d.buf, b...)

	var out []Frame
	for len(d.buf) >= minFrameLen {
		payLen := int(binary.LittleEndian.Uint16(d.buf[4:6]))
		if payLen > MaxPayload {
			d.reject()
			continue
		}
		total := minFrameLen + payLen
		if len(d.buf) < total {
			break
		}

		wantCRC := binary.LittleEndian.Uint32(d.buf[headerLen+payLen : total])
		if crc32.ChecksumIEEE(d.buf[:headerLen+payLen]) != wantCRC {
			d.reject()
			continue
		}

		seq := binary.LittleEndian.Uint32(d.buf[0:4])
		payload := make([]byte, payLen)
		copy(payload, d.buf[headerLen:headerLen+payLen])
		d.buf = d.buf[total:]
		d.badRun = false

		if d.haveSeq && seq != d.lastSeq+1 {
			d.stats.GapEvents++
			if seq > d.lastSeq+1 {
				d.stats.GapMissing += uint64(seq - d.lastSeq - 1)
			}
		}
		d.lastSeq = seq
		d.haveSeq = true
		d.stats.Frames++
		out = append(out, Frame{Seq: seq, Payload: payload})
	}
	return out
}

// reject advances one byte to resync. Only the first failure of a
// contiguous corrupt run is counted, so one flipped bit costs one
// rejection, not one per scan position.
func (d *Decoder) reject() {
	if !d.badRun {
		d.stats.Rejected++
		d.badRun = true
	}
	d.buf = d.buf[1:]
}
