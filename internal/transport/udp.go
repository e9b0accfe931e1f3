// Package transport moves telemetry frames to the ground station and
// command bytes back. The core never blocks on it: sends are fire and
// forget, receives run on their own goroutine and hand decoded commands
// over a non-blocking channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"pyxis-fc/internal/telemetry"
)

// UDP is the downlink sender.
type UDP struct {
	dest string
	conn *net.UDPConn
}

func NewUDP(dest string) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}

	return &UDP{dest: dest, conn: conn}, nil
}

func (u *UDP) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	_, err := u.conn.Write(frame)
	return err
}

func (u *UDP) Close() error {
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}

// Uplink listens for command datagrams. Each datagram is decoded
// independently: a corrupt packet cannot misalign the ones after it.
type Uplink struct {
	pc net.PacketConn

	mu        sync.Mutex
	rejected  uint64
	malformed uint64
	dropped   uint64

	closeOnce sync.Once
}

func NewUplink(listen string) (*Uplink, error) {
	pc, err := net.ListenPacket("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	return &Uplink{pc: pc}, nil
}

// Addr returns the bound address (useful with a ":0" listen spec).
func (u *Uplink) Addr() net.Addr {
	return u.pc.LocalAddr()
}

// UplinkStats counts uplink health.
type UplinkStats struct {
	Rejected  uint64 // CRC failures
	Malformed uint64 // valid frame, bad command payload
	Dropped   uint64 // command channel full
}

func (u *Uplink) Stats() UplinkStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UplinkStats{Rejected: u.rejected, Malformed: u.malformed, Dropped: u.dropped}
}

// Run reads datagrams until ctx is done, pushing decoded commands to
// out. It never blocks on a full channel; excess commands are dropped
// and counted.
func (u *Uplink) Run(ctx context.Context, out chan<- telemetry.CommandMsg) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			u.Close()
		case <-done:
		}
	}()

	buf := make([]byte, 2048)
	for {
		n, _, err := u.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("uplink read: %w", err)
		}
		u.handle(buf[:n], out)
	}
}

func (u *Uplink) handle(pkt []byte, out chan<- telemetry.CommandMsg) {
	var dec telemetry.Decoder
	frames := dec.Feed(pkt)

	u.mu.Lock()
	u.rejected += dec.Stats().Rejected
	u.mu.Unlock()

	for _, f := range frames {
		if !telemetry.IsCommand(f.Payload) {
			continue
		}
		cmd, err := telemetry.DecodeCommand(f.Payload)
		if err != nil {
			u.mu.Lock()
			u.malformed++
			u.mu.Unlock()
			log.Printf("uplink: discarding malformed command: %v", err)
			continue
		}
		select {
		case out <- cmd:
		default:
			u.mu.Lock()
			u.dropped++
			u.mu.Unlock()
		}
	}
}

func (u *Uplink) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = u.pc.Close()
	})
	return err
}
