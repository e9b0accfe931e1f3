// Package bus carries timestamped sensor readings from driver goroutines
// into the control loop.
//
// Producers (one per sensor kind, typically interrupt-fed driver loops)
// publish without blocking; the tick loop drains once per control period.
// Inertial kinds only ever need the newest reading, so they use a
// single-writer latest-value cell. GPS fixes arrive rarely enough that
// dropping the only fix in a tick would hurt, so they go through a small
// bounded FIFO instead.
package bus

import (
	"sync"
	"sync/atomic"
)

// Kind identifies a sensor source.
type Kind int

const (
	Accel Kind = iota
	Gyro
	Baro
	GPS

	numKinds
)

func (k Kind) String() string {
	switch k {
	case Accel:
		return "accel"
	case Gyro:
		return "gyro"
	case Baro:
		return "baro"
	case GPS:
		return "gps"
	default:
		return "unknown"
	}
}

// Sample is one sensor reading. Values are SI units in the body frame:
// accel m/s^2 (specific force), gyro rad/s. Baro uses Scalar for altitude
// in meters. GPS uses Scalar for altitude and Vec for NEU velocity.
// Drivers set Valid=false for out-of-range or self-test failures; invalid
// samples still flow through so the estimator can track staleness.
type Sample struct {
	Kind   Kind
	Tick   uint64
	Vec    [3]float64
	Scalar float64
	Valid  bool
}

// Batch is everything the estimator gets to see for one tick.
// Inertial/baro entries are nil when nothing arrived since the last drain.
type Batch struct {
	Accel *Sample
	Gyro  *Sample
	Baro  *Sample
	GPS   []Sample
}

const gpsQueueCap = 4

// Bus is the producer/consumer exchange. Publish is safe to call
// concurrently with Drain as long as each kind has a single producer.
type Bus struct {
	cells [3]atomic.Pointer[Sample] // Accel, Gyro, Baro latest-value cells.

	gpsMu      sync.Mutex
	gpsQueue   []Sample
	gpsDropped uint64
}

func New() *Bus {
	return &Bus{gpsQueue: make([]Sample, 0, gpsQueueCap)}
}

// Publish hands a sample to the bus. For inertial kinds an unconsumed
// older sample is overwritten; for GPS the oldest queued fix is dropped
// once the queue is full.
func (b *Bus) Publish(s Sample) {
	switch s.Kind {
	case Accel, Gyro, Baro:
		c := s
		b.cells[s.Kind].Store(&c)
	case GPS:
		b.gpsMu.Lock()
		if len(b.gpsQueue) >= gpsQueueCap {
			b.gpsQueue = b.gpsQueue[1:]
			b.gpsDropped++
		}
		b.gpsQueue = append(b.gpsQueue, s)
		b.gpsMu.Unlock()
	}
}

// Drain takes everything published since the previous drain.
func (b *Bus) Drain() Batch {
	var batch Batch
	batch.Accel = b.cells[Accel].Swap(nil)
	batch.Gyro = b.cells[Gyro].Swap(nil)
	batch.Baro = b.cells[Baro].Swap(nil)

	b.gpsMu.Lock()
	if len(b.gpsQueue) > 0 {
		batch.GPS = b.gpsQueue
		b.gpsQueue = make([]Sample, 0, gpsQueueCap)
	}
	b.gpsMu.Unlock()
	return batch
}

// DroppedGPS reports how many GPS fixes were discarded due to a full queue.
func (b *Bus) DroppedGPS() uint64 {
	b.gpsMu.Lock()
	defer b.gpsMu.Unlock()
	return b.gpsDropped
}
