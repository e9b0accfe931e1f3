package sensors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"pyxis-fc/internal/bus"
	"pyxis-fc/internal/transport"
)

type GPSConfig struct {
	Device string
	Baud   int
}

// GPS reads NMEA sentences from a serial receiver and publishes a bus
// sample per complete fix. The receiver sets the cadence (typically
// 1 Hz); the bus queues fixes until the next control tick drains them.
type GPS struct {
	rc io.ReadCloser
	b  *bus.Bus

	now func() time.Time

	mu   sync.Mutex
	fix  fix
	tick uint64

	closeOnce sync.Once
}

func NewGPS(cfg GPSConfig, b *bus.Bus) (*GPS, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = 9600
	}
	f, err := transport.OpenPort(cfg.Device, cfg.Baud)
	if err != nil {
		return nil, fmt.Errorf("open gps %s: %w", cfg.Device, err)
	}
	return newGPSWithReader(f, b), nil
}

func newGPSWithReader(rc io.ReadCloser, b *bus.Bus) *GPS {
	return &GPS{rc: rc, b: b, now: time.Now}
}

// Run parses the NMEA stream until ctx is done. Unparseable lines are
// skipped; receivers emit plenty of sentence types this reader does not
// care about.
func (g *GPS) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			g.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(g.rc)
	for scanner.Scan() {
		g.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("gps read: %w", err)
	}
	return nil
}

func (g *GPS) handleLine(line string) {
	sent, err := parseNMEASentence(line)
	if err != nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.fix.apply(g.now(), sent) {
		return
	}
	// Publish only once altitude is known; a velocity-only fix cannot
	// fill the estimator's measurement vector.
	if !g.fix.altOK {
		return
	}
	g.tick++
	g.b.Publish(bus.Sample{
		Kind:   bus.GPS,
		Tick:   g.tick,
		Scalar: g.fix.altM,
		Vec:    g.fix.VelocityNEU(),
		Valid:  true,
	})
}

// Snapshot reports the current fix state for diagnostics.
func (g *GPS) Snapshot() (altM float64, vel [3]float64, valid bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fix.altM, g.fix.VelocityNEU(), g.fix.valid
}

func (g *GPS) Close() error {
	var err error
	g.closeOnce.Do(func() {
		err = g.rc.Close()
	})
	return err
}
