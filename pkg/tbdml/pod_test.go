package tbdml

import (
	"bytes"
	"errors"
	"testing"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hcs12bdm"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/targetdesc"
)

func testDesc() *targetdesc.Description {
	return targetdesc.New("sim32",
		targetdesc.Entry{Key: "family", Value: "hcs12"},
		targetdesc.Entry{Key: "ram_size", Value: "2K"},
		targetdesc.Entry{Key: "ram_base", Value: "0x3800"},
		targetdesc.Entry{Key: "flash_size", Value: "32K"},
		targetdesc.Entry{Key: "bdm_startup_delay", Value: "0"},
	)
}

// fakeUSB answers control requests from a simulated MCU.
type fakeUSB struct {
	sim        *hcs12bdm.SimPod
	status     byte
	lastStatus byte
	speed      uint16
	requests   []uint8
	closed     bool
}

func newFakeUSB(t *testing.T) *fakeUSB {
	t.Helper()
	geom, err := mcu.FromDescription(testDesc(), target.AddressBankedLinear)
	if err != nil {
		t.Fatalf("FromDescription() error = %v", err)
	}
	sim := hcs12bdm.NewSimPod(geom)
	sim.Open()
	return &fakeUSB{sim: sim, status: StatusOK}
}

func (f *fakeUSB) Control(rType, req uint8, val, idx uint16, data []byte) (int, error) {
	f.requests = append(f.requests, req)
	s := f.sim
	if rType == RequestOut {
		if req != ReqWriteBlock {
			return 0, errors.New("unexpected OUT request")
		}
		addr := uint16(data[0])<<8 | uint16(data[1])
		s.WriteMem(addr, data[3:3+int(data[2])])
		f.lastStatus = f.status
		return len(data), nil
	}

	var reply []byte
	switch req {
	case ReqGetVersion:
		reply = []byte{0x12, 0x10}
	case ReqGetLastStatus:
		data[0] = f.lastStatus
		return len(data), nil
	case ReqSetSpeed:
		f.speed = val
	case ReqReset:
		if val == ResetSpecial {
			s.ResetSpecial()
		} else {
			s.ResetNormal()
		}
	case ReqConnect:
	case ReqGetStatus:
		reply = []byte{0x01}
	case ReqHalt:
		s.Background()
	case ReqGo:
		s.Go()
	case ReqReadBD:
		v, _ := s.ReadBD(val)
		reply = []byte{v}
	case ReqWriteBD:
		s.WriteBD(val, byte(idx))
	case ReqRead8:
		v, _ := s.ReadByteAt(val)
		reply = []byte{v}
	case ReqWrite8:
		s.WriteByteAt(val, byte(idx))
	case ReqRead16:
		v, _ := s.ReadWordAt(val)
		reply = []byte{byte(v >> 8), byte(v)}
	case ReqWrite16:
		s.WriteWordAt(val, idx)
	case ReqReadBlock:
		reply = make([]byte, idx)
		s.ReadMem(val, reply)
	case ReqWritePC:
		s.WritePC(val)
	default:
		return 0, errors.New("unknown request")
	}
	data[0] = f.status
	copy(data[1:], reply)
	return 1 + len(reply), nil
}

func (f *fakeUSB) Close() error {
	f.closed = true
	return nil
}

func (f *fakeUSB) opener() Opener {
	return func() (Transport, error) { return f, nil }
}

func (f *fakeUSB) count(req uint8) int {
	n := 0
	for _, r := range f.requests {
		if r == req {
			n++
		}
	}
	return n
}

func TestOpenVersion(t *testing.T) {
	fake := newFakeUSB(t)
	pod := New(fake.opener())
	if err := pod.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer pod.Close()
	if got := pod.Info().Firmware; got != "sw 1.2 hw 1.0" {
		t.Fatalf("Info().Firmware = %q", got)
	}
	if err := pod.SetClock(16000000); err != nil {
		t.Fatalf("SetClock() error = %v", err)
	}
	if fake.speed != 8000 {
		t.Fatalf("speed = %d kHz, want 8000", fake.speed)
	}
}

func TestBadStatus(t *testing.T) {
	fake := newFakeUSB(t)
	fake.status = 0x55
	pod := New(fake.opener())
	if err := pod.Open(); !errors.Is(err, target.ErrIO) {
		t.Fatalf("Open() error = %v, want ErrIO", err)
	}
	if !fake.closed {
		t.Fatal("transport left open after failed Open()")
	}
}

func TestMemRoundTrip(t *testing.T) {
	fake := newFakeUSB(t)
	pod := New(fake.opener())
	if err := pod.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer pod.Close()
	if err := pod.ResetSpecial(); err != nil {
		t.Fatalf("ResetSpecial() error = %v", err)
	}
	if fake.count(ReqConnect) != 1 {
		t.Fatal("special reset did not reconnect")
	}

	data := make([]byte, 3*MaxBlock+1)
	for i := range data {
		data[i] = byte(255 - i)
	}
	if err := pod.WriteMem(0x3801, data); err != nil {
		t.Fatalf("WriteMem() error = %v", err)
	}
	if !bytes.Equal(fake.sim.RAM()[1:1+len(data)], data) {
		t.Fatal("RAM mismatch after WriteMem")
	}
	got := make([]byte, len(data))
	if err := pod.ReadMem(0x3801, got); err != nil {
		t.Fatalf("ReadMem() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadMem() = % x", got)
	}
	if fake.count(ReqWriteBlock) != fake.count(ReqGetLastStatus) {
		t.Fatal("WRITE_BLOCK without GET_LAST_STATUS")
	}
	if _, err := pod.ReadPC(); !errors.Is(err, target.ErrNotSupported) {
		t.Fatalf("ReadPC() error = %v, want ErrNotSupported", err)
	}
}

func TestHandlerOverPod(t *testing.T) {
	fake := newFakeUSB(t)
	opts := target.DefaultOptions()
	opts.Interface = target.InterfaceTBDML
	opts.Osc = 8000000
	opts.Verify = true

	h, err := hcs12bdm.New(New(fake.opener()), testDesc(), opts)
	if err != nil {
		t.Fatalf("hcs12bdm.New() error = %v", err)
	}
	if err := h.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()
	if err := h.FlashErase(); err != nil {
		t.Fatalf("FlashErase() error = %v", err)
	}
}

func TestMatch(t *testing.T) {
	if !Match(0x0425, 0x1000) || Match(0x0425, 0x1001) {
		t.Fatal("Match() mismatch")
	}
}

func TestUSBDevice(t *testing.T) {
	if testing.Short() {
		t.Skip("hardware test skipped in -short mode")
	}
	tr, err := OpenUSB()
	if err != nil {
		t.Skipf("no TBDML attached: %v", err)
	}
	pod := New(func() (Transport, error) { return tr, nil })
	if err := pod.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer pod.Close()
	t.Logf("found %s %s", pod.Info().Name, pod.Info().Firmware)
}
