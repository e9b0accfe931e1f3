package sensors

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const knotsToMps = 0.514444

type nmeaSentence struct {
	Type string
	// Fields is the comma-split payload, excluding $ and checksum.
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return nmeaSentence{}, fmt.Errorf("nmea: bad checksum")
	}
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	if len(parts) == 0 || len(parts[0]) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type")
	}
	// GNxxx, GPxxx and friends all normalize to the last 3 chars.
	t := parts[0]
	if len(t) > 3 {
		t = t[len(t)-3:]
	}
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

// fix accumulates RMC+GGA into the flight quantities the estimator
// wants: altitude, horizontal velocity (north/east) and climb rate, all
// SI. Climb is differenced between consecutive altitude fixes.
type fix struct {
	altM  float64
	altOK bool

	groundMps float64
	trackDeg  float64
	velOK     bool

	climbMps float64
	climbOK  bool

	prevAltM  float64
	prevAltAt time.Time
	havePrev  bool

	lastFix time.Time
	valid   bool
}

func (s *fix) apply(now time.Time, sent nmeaSentence) bool {
	switch sent.Type {
	case "RMC":
		return s.applyRMC(now, sent.Fields)
	case "GGA":
		return s.applyGGA(now, sent.Fields)
	default:
		return false
	}
}

// VelocityNEU returns [vN, vE, vU] in m/s.
func (s *fix) VelocityNEU() [3]float64 {
	var v [3]float64
	if s.velOK {
		rad := s.trackDeg * math.Pi / 180
		v[0] = s.groundMps * math.Cos(rad)
		v[1] = s.groundMps * math.Sin(rad)
	}
	if s.climbOK {
		v[2] = s.climbMps
	}
	return v
}

// RMC carries status, ground speed (knots) and track (deg true).
func (s *fix) applyRMC(now time.Time, f []string) bool {
	if len(f) < 10 {
		return false
	}
	if strings.TrimSpace(f[2]) != "A" {
		// Void fix: keep the previous state, report nothing new.
		return false
	}
	gs, gsOK := parseFloat(f[7])
	trk, trkOK := parseFloat(f[8])
	if gsOK && trkOK {
		s.groundMps = gs * knotsToMps
		s.trackDeg = math.Mod(trk+360.0, 360.0)
		s.velOK = true
	}
	s.lastFix = now
	s.valid = true
	return true
}

// GGA carries fix quality and altitude (meters MSL).
func (s *fix) applyGGA(now time.Time, f []string) bool {
	if len(f) < 11 {
		return false
	}
	q := strings.TrimSpace(f[6])
	if q == "" || q == "0" {
		return false
	}
	altM, ok := parseFloat(f[9])
	if !ok {
		return false
	}

	if s.havePrev {
		if dt := now.Sub(s.prevAltAt).Seconds(); dt > 0.05 {
			s.climbMps = (altM - s.prevAltM) / dt
			s.climbOK = true
		}
	}
	s.prevAltM = altM
	s.prevAltAt = now
	s.havePrev = true

	s.altM = altM
	s.altOK = true
	s.lastFix = now
	s.valid = true
	return true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
