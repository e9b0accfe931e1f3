package icm20948

import (
	"errors"
	"math"
	"testing"
	"time"
)

type fakeI2C struct {
	regs   map[byte][]byte
	writes []writeOp
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	b := f.regs[reg]
	if len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	b := f.regs[reg]
	if len(b) < len(dst) {
		return errors.New("short reg")
	}
	copy(dst, b[:len(dst)])
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func stubSleep(t *testing.T) {
	t.Helper()
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })
}

func TestNew_WhoAmIMismatch(t *testing.T) {
	stubSleep(t)

	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x00}}}
	if _, err := newWithIO(f); err == nil {
		t.Fatalf("wrong chip accepted")
	}
}

func TestNew_ConfiguresFlightRanges(t *testing.T) {
	stubSleep(t)

	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	if _, err := newWithIO(f); err != nil {
		t.Fatalf("newWithIO: %v", err)
	}

	var sawReset, sawWake, sawBank2, sawGyroFS, sawAccelFS bool
	for _, w := range f.writes {
		switch {
		case w.reg == regPwrMgmt1 && w.val == bitReset:
			sawReset = true
		case w.reg == regPwrMgmt1 && w.val == 0x01:
			sawWake = true
		case w.reg == regBankSel && w.val == bank2<<4:
			sawBank2 = true
		case w.reg == regGyroConfig && w.val == fsGyro2000dps:
			sawGyroFS = true
		case w.reg == regAccelConfig && w.val == fsAccel16g:
			sawAccelFS = true
		}
	}
	if !sawReset || !sawWake {
		t.Fatalf("missing reset/wake writes: %+v", f.writes)
	}
	if !sawBank2 {
		t.Fatalf("bank 2 never selected")
	}
	if !sawGyroFS || !sawAccelFS {
		t.Fatalf("full-scale ranges not configured: %+v", f.writes)
	}
}

func TestRead_ScalesToSI(t *testing.T) {
	stubSleep(t)

	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {whoAmIVal}}}
	// Half of full scale on ax and gx, negative half scale on az and gz.
	f.regs[regAccelXoutH] = []byte{
		0x40, 0x00, // ax = 16384
		0x00, 0x00, // ay
		0xC0, 0x00, // az = -16384
		0x40, 0x00, // gx = 16384
		0x00, 0x00, // gy
		0xC0, 0x00, // gz = -16384
	}

	d, err := newWithIO(f)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	r, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	// 16384/32768 of ±16 g is 8 g; of ±2000 dps is 1000 dps.
	wantAccel := 8 * gravity
	wantGyro := 1000 * math.Pi / 180
	if math.Abs(r.Accel[0]-wantAccel) > 1e-9 {
		t.Fatalf("accel x=%v want %v", r.Accel[0], wantAccel)
	}
	if math.Abs(r.Accel[2]+wantAccel) > 1e-9 {
		t.Fatalf("accel z=%v want %v", r.Accel[2], -wantAccel)
	}
	if math.Abs(r.Gyro[0]-wantGyro) > 1e-9 {
		t.Fatalf("gyro x=%v want %v", r.Gyro[0], wantGyro)
	}
	if math.Abs(r.Gyro[2]+wantGyro) > 1e-9 {
		t.Fatalf("gyro z=%v want %v", r.Gyro[2], -wantGyro)
	}
	if r.Accel[1] != 0 || r.Gyro[1] != 0 {
		t.Fatalf("y axes nonzero: %+v", r)
	}
}
