package bdm12pod

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hcs12bdm"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/serialport"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/targetdesc"
)

func testDesc() *targetdesc.Description {
	return targetdesc.New("sim32",
		targetdesc.Entry{Key: "family", Value: "hcs12"},
		targetdesc.Entry{Key: "ram_size", Value: "2K"},
		targetdesc.Entry{Key: "ram_base", Value: "0x3800"},
		targetdesc.Entry{Key: "eeprom_size", Value: "1K"},
		targetdesc.Entry{Key: "eeprom_base", Value: "0x0800"},
		targetdesc.Entry{Key: "flash_size", Value: "32K"},
		targetdesc.Entry{Key: "bdm_startup_delay", Value: "0"},
	)
}

// firmware answers pod requests from a simulated MCU.
type firmware struct {
	sim     *hcs12bdm.SimPod
	version byte
	pending []byte
	frames  [][]byte
}

func newFirmware(t *testing.T, version byte) *firmware {
	t.Helper()
	geom, err := mcu.FromDescription(testDesc(), target.AddressBankedLinear)
	if err != nil {
		t.Fatalf("FromDescription() error = %v", err)
	}
	sim := hcs12bdm.NewSimPod(geom)
	sim.Open()
	return &firmware{sim: sim, version: version}
}

func (f *firmware) respond(b byte) []byte {
	f.pending = append(f.pending, b)
	n := RequestLen(f.pending)
	if n < 0 {
		f.pending = nil
		return nil
	}
	if n == 0 || len(f.pending) < n {
		return nil
	}
	req := f.pending
	f.pending = nil
	f.frames = append(f.frames, req)
	return f.exec(req)
}

func (f *firmware) count(prefix ...byte) int {
	n := 0
	for _, fr := range f.frames {
		if bytes.HasPrefix(fr, prefix) {
			n++
		}
	}
	return n
}

func be(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func word(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func (f *firmware) exec(req []byte) []byte {
	s := f.sim
	switch req[0] {
	case CmdReset:
		if req[1] == ResetSpecial {
			s.ResetSpecial()
		} else {
			s.ResetNormal()
		}
	case CmdExt:
		switch req[1] {
		case ExtGetVersion:
			return []byte{f.version}
		case ExtRegDump:
			return append(word(s.PC()), make([]byte, RegDumpLen-2)...)
		case ExtMemDump:
			out := make([]byte, 2*int(req[4]))
			s.ReadMem(be(req[2:]), out)
			return out
		case ExtMemPut:
			s.WriteMem(be(req[2:]), req[5:])
		}
	case hcs12bdm.CmdBackground:
		s.Background()
	case hcs12bdm.CmdReadBDByte:
		v, _ := s.ReadBD(be(req[1:]))
		return word(hcs12bdm.LaneWord(v))
	case hcs12bdm.CmdWriteBDByte:
		addr := be(req[1:])
		s.WriteBD(addr, hcs12bdm.ByteLane(addr, be(req[3:])))
	case hcs12bdm.CmdReadByte:
		v, _ := s.ReadByteAt(be(req[1:]))
		return word(hcs12bdm.LaneWord(v))
	case hcs12bdm.CmdWriteByte:
		addr := be(req[1:])
		s.WriteByteAt(addr, hcs12bdm.ByteLane(addr, be(req[3:])))
	case hcs12bdm.CmdReadWord:
		v, _ := s.ReadWordAt(be(req[1:]))
		return word(v)
	case hcs12bdm.CmdWriteWord:
		s.WriteWordAt(be(req[1:]), be(req[3:]))
	case hcs12bdm.CmdReadPC:
		return word(s.PC())
	case hcs12bdm.CmdWritePC:
		s.WritePC(be(req[1:]))
	case hcs12bdm.CmdGo:
		s.Go()
	}
	return nil
}

func podOptions(kind target.InterfaceKind) *target.Options {
	opts := target.DefaultOptions()
	opts.Interface = kind
	opts.Port = "/dev/ttyTEST"
	opts.Osc = 16000000
	return opts
}

func openPod(t *testing.T, kind target.InterfaceKind, version byte) (*Pod, *firmware, *serialport.Pipe) {
	t.Helper()
	fw := newFirmware(t, version)
	pipe := serialport.NewPipe(fw.respond)
	pod := New(podOptions(kind), pipe.Opener())
	if err := pod.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { pod.Close() })
	return pod, fw, pipe
}

func TestRequestLen(t *testing.T) {
	tests := []struct {
		req  []byte
		want int
	}{
		{[]byte{hcs12bdm.CmdBackground}, 1},
		{[]byte{CmdReset}, 2},
		{[]byte{CmdExt}, 0},
		{[]byte{CmdExt, ExtGetVersion}, 2},
		{[]byte{CmdExt, ExtMemPut, 0x38, 0x00}, 0},
		{EncodeMemPut(0x3800, make([]byte, 8)), 13},
		{EncodeMemDump(0x3800, 4), 5},
		{EncodeSpeed(53), 4},
		{EncodeWriteWord(0x1000, 0xabcd), 5},
		{EncodeReadBD(hcs12bdm.BDMSTS), 3},
		{[]byte{0x77}, -1},
	}
	for _, tt := range tests {
		if got := RequestLen(tt.req); got != tt.want {
			t.Errorf("RequestLen(% x) = %d, want %d", tt.req, got, tt.want)
		}
	}
}

func TestSpeedValue(t *testing.T) {
	tests := []struct {
		base, eclk uint32
		want       uint16
	}{
		{PodBase16MHz, 3000000, 53},
		{PodBase25MHz, 3000000, 83},
		{PodBase16MHz, 5000000, 31},
	}
	for _, tt := range tests {
		if got := SpeedValue(tt.base, tt.eclk); got != tt.want {
			t.Errorf("SpeedValue(%d, %d) = %d, want %d", tt.base, tt.eclk, got, tt.want)
		}
	}
}

func TestVariantFor(t *testing.T) {
	tests := []struct {
		kind   target.InterfaceKind
		name   string
		base   uint32
		membug bool
	}{
		{target.InterfaceBDM12Pod, "BDM12POD", PodBase16MHz, false},
		{target.InterfacePodex, "PODEX", PodBase16MHz, false},
		{target.InterfacePodexBug, "PODEX", PodBase16MHz, true},
		{target.InterfacePodex25, "PODEX", PodBase25MHz, false},
	}
	for _, tt := range tests {
		v := VariantFor(podOptions(tt.kind))
		if v.Name != tt.name || v.PodBase != tt.base || v.MemBug != tt.membug {
			t.Errorf("VariantFor(%s) = %+v", tt.kind, v)
		}
	}
}

func TestSetClock(t *testing.T) {
	t.Run("fixed", func(t *testing.T) {
		pod, fw, _ := openPod(t, target.InterfaceBDM12Pod, 0x45)
		if err := pod.SetClock(16000000); err != nil {
			t.Fatalf("SetClock() error = %v", err)
		}
		if fw.count(CmdExt, ExtSetParam, ParamEClock, 3) != 1 {
			t.Fatalf("SET_PARAM frame not sent: % x", fw.frames)
		}
	})
	t.Run("old firmware", func(t *testing.T) {
		pod, _, _ := openPod(t, target.InterfaceBDM12Pod, 0x46)
		if err := pod.SetClock(6000000); target.Code(err) != target.Code(target.ErrNotSupported) {
			t.Fatalf("SetClock() error = %v, want ENOTSUP", err)
		}
	})
	t.Run("speed", func(t *testing.T) {
		pod, fw, _ := openPod(t, target.InterfacePodex, 0x47)
		if err := pod.SetClock(6000000); err != nil {
			t.Fatalf("SetClock() error = %v", err)
		}
		if fw.count(CmdExt, ExtSpeed, 0x00, 53) != 1 {
			t.Fatalf("SPEED frame not sent: % x", fw.frames)
		}
	})
}

func TestMemRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		kind    target.InterfaceKind
		version byte
		batch   bool
		put     bool
	}{
		{"batch", target.InterfaceBDM12Pod, 0x47, true, true},
		{"no MEM_PUT", target.InterfaceBDM12Pod, 0x45, true, false},
		{"podex bug", target.InterfacePodexBug, 0x47, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pod, fw, _ := openPod(t, tt.kind, tt.version)
			if err := pod.ResetSpecial(); err != nil {
				t.Fatalf("ResetSpecial() error = %v", err)
			}
			data := make([]byte, 2*MaxWords+2)
			for i := range data {
				data[i] = byte(i + 1)
			}
			if err := pod.WriteMem(0x3801, data); err != nil {
				t.Fatalf("WriteMem() error = %v", err)
			}
			if got := fw.sim.RAM()[1 : 1+len(data)]; !bytes.Equal(got, data) {
				t.Fatalf("RAM mismatch after WriteMem")
			}
			got := make([]byte, len(data))
			if err := pod.ReadMem(0x3801, got); err != nil {
				t.Fatalf("ReadMem() error = %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("ReadMem() = % x, want % x", got, data)
			}

			if n := fw.count(CmdExt, ExtMemDump); (n > 0) != tt.batch {
				t.Errorf("MEM_DUMP frames = %d, batch %v", n, tt.batch)
			}
			if n := fw.count(CmdExt, ExtMemPut); (n > 0) != tt.put {
				t.Errorf("MEM_PUT frames = %d, put %v", n, tt.put)
			}
			// odd leading and trailing bytes go through single byte commands
			if fw.count(hcs12bdm.CmdWriteByte) != 2 {
				t.Errorf("WRITE_BYTE frames = %d, want 2", fw.count(hcs12bdm.CmdWriteByte))
			}
		})
	}
}

func TestByteLanes(t *testing.T) {
	pod, fw, _ := openPod(t, target.InterfaceBDM12Pod, 0x47)
	pod.ResetSpecial()
	for _, addr := range []uint16{0x3800, 0x3801} {
		if err := pod.WriteByteAt(addr, byte(addr)); err != nil {
			t.Fatalf("WriteByteAt() error = %v", err)
		}
	}
	if got := fw.sim.RAM()[:2]; !bytes.Equal(got, []byte{0x00, 0x01}) {
		t.Fatalf("RAM = % x", got)
	}
	v, err := pod.ReadByteAt(0x3801)
	if err != nil || v != 0x01 {
		t.Fatalf("ReadByteAt(0x3801) = 0x%02x, %v", v, err)
	}
	sts, err := pod.ReadBD(hcs12bdm.BDMSTS)
	if err != nil || sts&hcs12bdm.BDMSTSActive == 0 {
		t.Fatalf("ReadBD(BDMSTS) = 0x%02x, %v", sts, err)
	}
}

func TestOpenTimeout(t *testing.T) {
	pipe := serialport.NewPipe(nil)
	pod := New(podOptions(target.InterfaceBDM12Pod), pipe.Opener())
	pod.rxTimeout = time.Millisecond
	err := pod.Open()
	if !errors.Is(err, target.ErrTimeout) {
		t.Fatalf("Open() error = %v, want ErrTimeout", err)
	}
	if !pipe.Closed {
		t.Fatal("port left open after failed Open()")
	}
}

// ctsPort pins CTS to a fixed level.
type ctsPort struct {
	*serialport.Pipe
	level bool
}

func (p ctsPort) CTS() (bool, error) {
	return p.level, nil
}

func TestHandshakeFailure(t *testing.T) {
	tests := []struct {
		name  string
		level bool
	}{
		{"not ready", false},
		{"not lowered", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipe := serialport.NewPipe(nil)
			opener := func(string, int) (serialport.Port, error) {
				return ctsPort{Pipe: pipe, level: tt.level}, nil
			}
			pod := New(podOptions(target.InterfaceBDM12Pod), opener)
			pod.ctsTimeout = time.Millisecond
			err := pod.Open()
			if target.Code(err) != target.Code(target.ErrIO) || errors.Is(err, target.ErrTimeout) {
				t.Fatalf("Open() error = %v, want EIO", err)
			}
		})
	}
}

func TestHandlerOverPod(t *testing.T) {
	fw := newFirmware(t, 0x47)
	pipe := serialport.NewPipe(fw.respond)
	opts := podOptions(target.InterfaceBDM12Pod)
	opts.Verify = true
	pod := New(opts, pipe.Opener())

	h, err := hcs12bdm.New(pod, testDesc(), opts)
	if err != nil {
		t.Fatalf("hcs12bdm.New() error = %v", err)
	}
	if err := h.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	if h.Target().RAMBase != 0x3800 {
		t.Fatalf("RAMBase = 0x%04x, want 0x3800", h.Target().RAMBase)
	}
	if err := h.EEPROMErase(); err != nil {
		t.Fatalf("EEPROMErase() error = %v", err)
	}
	if h.Info().Firmware != "firmware 0x47" {
		t.Fatalf("Info() = %+v", h.Info())
	}
}
