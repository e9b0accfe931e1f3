package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"pyxis-fc/internal/telemetry"
)

// Serial is the USB/serial ground link: frames out, command bytes in.
// Unlike UDP, the inbound side is a true byte stream, so one persistent
// decoder reassembles frames across reads.
type Serial struct {
	file *os.File

	mu        sync.Mutex
	dec       telemetry.Decoder
	malformed uint64
	dropped   uint64

	closeOnce sync.Once
}

func NewSerial(path string, baud int) (*Serial, error) {
	f, err := openSerial(path, baud)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	return &Serial{file: f}, nil
}

// OpenPort opens a raw-mode serial port. The GPS reader shares the same
// termios setup as the ground link.
func OpenPort(path string, baud int) (*os.File, error) {
	return openSerial(path, baud)
}

func (s *Serial) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	_, err := s.file.Write(frame)
	return err
}

// Run reads inbound bytes until ctx is done, pushing decoded commands to
// out without blocking.
func (s *Serial) Run(ctx context.Context, out chan<- telemetry.CommandMsg) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	buf := make([]byte, 512)
	for {
		n, err := s.file.Read(buf)
		if n > 0 {
			s.feed(buf[:n], out)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}
	}
}

func (s *Serial) feed(b []byte, out chan<- telemetry.CommandMsg) {
	s.mu.Lock()
	frames := s.dec.Feed(b)
	s.mu.Unlock()

	for _, f := range frames {
		if !telemetry.IsCommand(f.Payload) {
			continue
		}
		cmd, err := telemetry.DecodeCommand(f.Payload)
		if err != nil {
			s.mu.Lock()
			s.malformed++
			s.mu.Unlock()
			log.Printf("serial: discarding malformed command: %v", err)
			continue
		}
		select {
		case out <- cmd:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
}

// LinkStats reports the inbound decoder counters.
func (s *Serial) LinkStats() telemetry.LinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec.Stats()
}

func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.file.Close()
	})
	return err
}
