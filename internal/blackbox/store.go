// Package blackbox persists every control tick to an on-board sqlite
// database so a flight can be reconstructed after recovery.
package blackbox

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"pyxis-fc/internal/telemetry"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS flights (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at  TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
    config      TEXT
);

CREATE TABLE IF NOT EXISTS ticks (
    flight_id    INTEGER NOT NULL REFERENCES flights(id),
    tick         INTEGER NOT NULL,
    phase        INTEGER NOT NULL,
    altitude     REAL NOT NULL,
    vspeed       REAL NOT NULL,
    max_altitude REAL NOT NULL,
    tilt_deg     REAL NOT NULL,
    stale_mask   INTEGER NOT NULL,
    degraded     INTEGER NOT NULL,
    frame        BLOB NOT NULL,
    PRIMARY KEY (flight_id, tick)
);

CREATE TABLE IF NOT EXISTS events (
    flight_id INTEGER NOT NULL REFERENCES flights(id),
    tick      INTEGER NOT NULL,
    kind      INTEGER NOT NULL
);
`

// Store is the flight recorder. The database is opened lazily on the
// first write so a missing SD card does not block boot.
type Store struct {
	path   string
	config string

	once     sync.Once
	db       *sql.DB
	openErr  error
	flightID int64

	mu     sync.Mutex
	failed uint64
}

// New prepares a recorder writing to the sqlite file at path. The
// config string (serialized YAML) is stored alongside the flight row.
func New(path, config string) *Store {
	return &Store{path: path, config: config}
}

func (s *Store) ensure() (*sql.DB, error) {
	s.once.Do(func() {
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", s.path)
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			s.openErr = fmt.Errorf("open blackbox: %w", err)
			return
		}
		if _, err := db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			s.openErr = fmt.Errorf("init blackbox schema: %w", err)
			return
		}
		res, err := db.Exec(`INSERT INTO flights (config) VALUES (?)`, s.config)
		if err != nil {
			_ = db.Close()
			s.openErr = fmt.Errorf("create flight row: %w", err)
			return
		}
		id, err := res.LastInsertId()
		if err != nil {
			_ = db.Close()
			s.openErr = fmt.Errorf("flight row id: %w", err)
			return
		}
		s.db = db
		s.flightID = id
		log.Printf("blackbox: recording flight %d to %s", id, s.path)
	})
	return s.db, s.openErr
}

const insertTickSQL = `
INSERT INTO ticks (flight_id, tick, phase, altitude, vspeed, max_altitude,
                   tilt_deg, stale_mask, degraded, frame)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertEventSQL = `INSERT INTO events (flight_id, tick, kind) VALUES (?, ?, ?)`

// Record persists one tick. A write failure is counted and returned but
// must not stop the control loop; the caller logs and carries on.
func (s *Store) Record(snap telemetry.Snapshot, frame []byte) error {
	db, err := s.ensure()
	if err != nil {
		s.countFailure()
		return err
	}

	_, err = db.Exec(insertTickSQL,
		s.flightID, snap.Tick, int(snap.Phase),
		snap.Altitude, snap.VSpeed, snap.MaxAltitude, snap.TiltDeg,
		snap.StaleMask, snap.Degraded, frame)
	if err != nil {
		s.countFailure()
		return fmt.Errorf("record tick %d: %w", snap.Tick, err)
	}

	for _, ev := range snap.Events {
		if _, err := db.Exec(insertEventSQL, s.flightID, ev.Tick, int(ev.Kind)); err != nil {
			s.countFailure()
			return fmt.Errorf("record event at tick %d: %w", ev.Tick, err)
		}
	}
	return nil
}

func (s *Store) countFailure() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

// Failed reports how many writes have been lost.
func (s *Store) Failed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// FlightID returns the current flight row id, or 0 before the first write.
func (s *Store) FlightID() int64 {
	if s.db == nil {
		return 0
	}
	return s.flightID
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TickRow is one recorded control tick, as read back from the database.
type TickRow struct {
	Tick        uint64
	Phase       int
	Altitude    float64
	VSpeed      float64
	MaxAltitude float64
	TiltDeg     float64
	StaleMask   uint8
	Degraded    uint32
	Frame       []byte
}

const selectTicksSQL = `
SELECT tick, phase, altitude, vspeed, max_altitude, tilt_deg, stale_mask, degraded, frame
FROM ticks WHERE flight_id = ? ORDER BY tick`

// ReadTicks returns every recorded tick of a flight in order.
func ReadTicks(path string, flightID int64) (out []TickRow, err error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open blackbox read-only: %w", err)
	}
	defer func() {
		if cErr := db.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	rows, err := db.Query(selectTicksSQL, flightID)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r TickRow
		if err := rows.Scan(&r.Tick, &r.Phase, &r.Altitude, &r.VSpeed,
			&r.MaxAltitude, &r.TiltDeg, &r.StaleMask, &r.Degraded, &r.Frame); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectEventsSQL = `
SELECT tick, kind FROM events WHERE flight_id = ? ORDER BY tick`

// EventRow is one recorded flight event.
type EventRow struct {
	Tick uint64
	Kind int
}

// ReadEvents returns every recorded event of a flight in order.
func ReadEvents(path string, flightID int64) (out []EventRow, err error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open blackbox read-only: %w", err)
	}
	defer func() {
		if cErr := db.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	rows, err := db.Query(selectEventsSQL, flightID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.Tick, &r.Kind); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
