package lrae

import (
	"bytes"
	"errors"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hcs12bdm"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/hexfile"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/serialport"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/targetdesc"
)

const (
	agentBase = 0x3800
	userBase  = 0x3a00
)

type fakeState int

const (
	stateSync fakeState = iota
	stateHeader
	stateData
	stateSum
	stateAgent
	stateUser
)

// fakeLRAE plays the bootloader and its FLASH agent.
type fakeLRAE struct {
	geom  *mcu.Target
	flash []byte
	ram   []byte

	state  fakeState
	header []byte
	data   []byte
	sum    byte
	frame  []byte

	corruptAck bool
	loads      []uint16
	commands   []byte
}

func newFake(geom *mcu.Target) *fakeLRAE {
	f := &fakeLRAE{
		geom:  geom,
		flash: bytes.Repeat([]byte{0xff}, int(geom.PPageCount*mcu.PageSize)),
		ram:   make([]byte, geom.RAMSize),
	}
	// resident bootloader and its reset vector
	top := len(f.flash)
	for i := top - int(geom.LRAESize); i < top; i++ {
		f.flash[i] = 0x11
	}
	f.flash[top-2], f.flash[top-1] = 0xf8, 0x00
	return f
}

func (f *fakeLRAE) respond(b byte) []byte {
	switch f.state {
	case stateSync:
		if b == SyncByte {
			return []byte{SyncAck}
		}
		f.header = []byte{b}
		f.state = stateHeader
	case stateHeader:
		f.header = append(f.header, b)
		if len(f.header) == 4 {
			f.sum = Checksum(f.header)
			f.data = nil
			f.state = stateData
		}
	case stateData:
		f.data = append(f.data, b)
		f.sum += b
		if len(f.data) == int(f.header[2])<<8|int(f.header[3]) {
			f.state = stateSum
		}
	case stateSum:
		if b != f.sum || f.corruptAck {
			f.state = stateSync
			return []byte{0x00}
		}
		addr := uint16(f.header[0])<<8 | uint16(f.header[1])
		copy(f.ram[uint32(addr)-f.geom.RAMBase:], f.data)
		f.loads = append(f.loads, addr)
		f.state = stateUser
		if addr == agentBase {
			f.state = stateAgent
		}
		return []byte{ChecksumAck}
	case stateAgent:
		f.frame = append(f.frame, b)
		if len(f.frame) < 2 || len(f.frame) < int(f.frame[1]) {
			return nil
		}
		frame := f.frame
		f.frame = nil
		if Checksum(frame[:len(frame)-1]) != frame[len(frame)-1] {
			return []byte{hcs12bdm.AgentStatusSum}
		}
		return f.exec(frame[0], frame[2:len(frame)-1])
	}
	return nil
}

func (f *fakeLRAE) exec(cmd byte, p []byte) []byte {
	f.commands = append(f.commands, cmd)
	if cmd == hcs12bdm.AgentInit {
		if p[0] == 0 && p[1] == 0 {
			return []byte{hcs12bdm.AgentStatusXtal}
		}
		return []byte{hcs12bdm.AgentStatusNone}
	}
	if len(p) < 6 {
		return []byte{hcs12bdm.AgentStatusCmd}
	}
	block, ppage := uint32(p[0]), uint32(p[1])
	addr := uint32(p[2])<<8 | uint32(p[3])
	n := int(p[4])<<8 | int(p[5])
	off := (ppage-f.geom.PPageBase)*mcu.PageSize + addr - mcu.PageWindow

	switch cmd {
	case hcs12bdm.AgentFlashRead:
		data := f.flash[off : off+uint32(n)]
		out := append([]byte{hcs12bdm.AgentStatusNone}, data...)
		return append(out, Checksum(data))
	case hcs12bdm.AgentFlashWrite:
		for i, v := range p[6:] {
			f.flash[off+uint32(i)] &= v
		}
	case hcs12bdm.AgentFlashEraseSector:
		start := off - off%f.geom.FlashSector
		for i := start; i < start+f.geom.FlashSector; i++ {
			f.flash[i] = 0xff
		}
	case hcs12bdm.AgentFlashMassErase, hcs12bdm.AgentFlashEraseVerify:
		first := (f.geom.BlockToPPageBase(block) - f.geom.PPageBase) * mcu.PageSize
		region := f.flash[first : first+f.geom.FlashBlockSize]
		if cmd == hcs12bdm.AgentFlashEraseVerify {
			if !hexfile.Erased(region) {
				return []byte{hcs12bdm.AgentStatusVerify}
			}
			break
		}
		for i := range region {
			region[i] = 0xff
		}
	default:
		return []byte{hcs12bdm.AgentStatusCmd}
	}
	return []byte{hcs12bdm.AgentStatusNone}
}

func writeImage(t *testing.T, name string, img *hexfile.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := hexfile.WriteFile(path, img); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func testDesc(t *testing.T) *targetdesc.Description {
	agent := writeImage(t, "agent.s19", &hexfile.Image{
		Segments: []hexfile.Segment{{Address: agentBase, Data: bytes.Repeat([]byte{0xa7}, 32)}},
		Entry:    agentBase,
		HasEntry: true,
	})
	return targetdesc.New("lraetest",
		targetdesc.Entry{Key: "family", Value: "hcs12"},
		targetdesc.Entry{Key: "ram_size", Value: "2K"},
		targetdesc.Entry{Key: "ram_base", Value: "0x3800"},
		targetdesc.Entry{Key: "flash_size", Value: "64K"},
		targetdesc.Entry{Key: "flash_sector", Value: "512"},
		targetdesc.Entry{Key: "flash_blocks", Value: "2"},
		targetdesc.Entry{Key: "ppage_base", Value: "0x3c"},
		targetdesc.Entry{Key: "ppage_count", Value: "4"},
		targetdesc.Entry{Key: "lrae_size", Value: "2K"},
		targetdesc.Entry{Key: "lrae_agent", Value: agent},
	)
}

type rig struct {
	h    *Handler
	fake *fakeLRAE
	pipe *serialport.Pipe
}

func newRig(t *testing.T, edit func(*target.Options)) *rig {
	t.Helper()
	opts := target.DefaultOptions()
	opts.Interface = target.InterfaceLRAE
	opts.Port = "fake"
	opts.Osc = 16000000
	opts.Verify = true
	if edit != nil {
		edit(opts)
	}
	h, err := New(testDesc(t), opts, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	fake := newFake(h.Target())
	pipe := serialport.NewPipe(fake.respond)
	h.open = pipe.Opener()
	return &rig{h: h, fake: fake, pipe: pipe}
}

func (r *rig) openT(t *testing.T) {
	t.Helper()
	if err := r.h.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { r.h.Close() })
}

func TestNegotiateBaud(t *testing.T) {
	tests := []struct {
		osc  uint32
		want int
	}{
		{16000000, 38400},
		{8000000, 19200},
		{24000000, 57600},
	}
	for _, tt := range tests {
		got, err := NegotiateBaud(tt.osc)
		if err != nil {
			t.Fatalf("NegotiateBaud(%d) error = %v", tt.osc, err)
		}
		if got != tt.want {
			t.Errorf("NegotiateBaud(%d) = %d, want %d", tt.osc, got, tt.want)
		}
	}
	for _, osc := range []uint32{0, 4915200} {
		if _, err := NegotiateBaud(osc); !errors.Is(err, target.ErrInvalid) {
			t.Errorf("NegotiateBaud(%d) error = %v, want ErrInvalid", osc, err)
		}
	}
}

func TestFrameChecksum(t *testing.T) {
	for c := 0; c < 256; c += 17 {
		for n := 0; n <= 40; n += 7 {
			p := make([]byte, n)
			want := c + n + 3
			for i := range p {
				p[i] = byte(c*i + n)
				want += int(p[i])
			}
			frame := Frame(byte(c), p)
			if len(frame) != n+3 || int(frame[1]) != n+3 {
				t.Fatalf("Frame(0x%02x, %d bytes) = % x", c, n, frame)
			}
			if frame[len(frame)-1] != byte(want) {
				t.Fatalf("Frame(0x%02x, %d bytes) checksum 0x%02x, want 0x%02x", c, n, frame[len(frame)-1], byte(want))
			}
			if Checksum(frame[:len(frame)-1]) != frame[len(frame)-1] {
				t.Fatal("receiver rejects frame")
			}
		}
	}
}

func TestSyncTimeoutClosesPort(t *testing.T) {
	r := newRig(t, nil)
	r.pipe.OnWrite = nil
	err := r.h.Open()
	if !errors.Is(err, target.ErrTimeout) {
		t.Fatalf("Open() error = %v, want ErrTimeout", err)
	}
	if target.Code(err) != syscall.ETIMEDOUT {
		t.Fatalf("Code() = %v, want ETIMEDOUT", target.Code(err))
	}
	if !r.pipe.Closed {
		t.Fatal("port left open after failed sync")
	}
	if got := bytes.Count(r.pipe.Written, []byte{SyncByte}); got != SyncRetries {
		t.Fatalf("sent %d sync bytes, want %d", got, SyncRetries)
	}
}

func TestSyncSkipsNoise(t *testing.T) {
	r := newRig(t, nil)
	noise := 3
	r.pipe.OnWrite = func(b byte) []byte {
		if noise > 0 {
			noise--
			return []byte{0x3f}
		}
		return r.fake.respond(b)
	}
	r.openT(t)
	if r.pipe.Baud != 38400 {
		t.Fatalf("baud = %d, want 38400", r.pipe.Baud)
	}
}

func TestOpenWithoutBaud(t *testing.T) {
	r := newRig(t, func(o *target.Options) { o.Osc = 4915200 })
	if err := r.h.Open(); !errors.Is(err, target.ErrInvalid) {
		t.Fatalf("Open() error = %v, want ErrInvalid", err)
	}
	if len(r.pipe.Written) != 0 {
		t.Fatal("bytes sent without a baud rate")
	}

	r = newRig(t, func(o *target.Options) { o.Osc = 4915200; o.Baud = 9600 })
	r.openT(t)
	if r.pipe.Baud != 9600 {
		t.Fatalf("baud = %d, want 9600", r.pipe.Baud)
	}
}

func TestFlashWriteRead(t *testing.T) {
	r := newRig(t, nil)
	r.openT(t)
	base := r.h.Target().FlashLinearBase

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}
	in := writeImage(t, "in.s19", &hexfile.Image{Segments: []hexfile.Segment{
		{Address: base + 0x0101, Data: data},
		{Address: base + 0x7ffe, Data: []byte{1, 2, 3, 4}},
	}})
	if err := r.h.FlashWrite(in); err != nil {
		t.Fatalf("FlashWrite() error = %v", err)
	}
	if !bytes.Equal(r.fake.flash[0x101:0x101+len(data)], data) {
		t.Fatal("FLASH mismatch after write")
	}
	if !bytes.Equal(r.fake.flash[0x7ffe:0x8002], []byte{1, 2, 3, 4}) {
		t.Fatalf("page boundary = % x", r.fake.flash[0x7ffe:0x8002])
	}
	if len(r.fake.loads) != 1 || r.fake.loads[0] != agentBase {
		t.Fatalf("loads = %x, want one agent load", r.fake.loads)
	}

	out := filepath.Join(t.TempDir(), "out.s19")
	if err := r.h.FlashRead(out); err != nil {
		t.Fatalf("FlashRead() error = %v", err)
	}
	img, err := hexfile.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	buf := bytes.Repeat([]byte{0xff}, int(r.h.Target().FlashSize))
	if _, _, err := img.Load(buf, r.h.Target().FlashReadAddress); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(buf, r.fake.flash) {
		t.Fatal("saved image differs from FLASH")
	}
}

func TestFlashWriteKeepsLRAE(t *testing.T) {
	r := newRig(t, func(o *target.Options) { o.KeepLRAE = true; o.Verify = false })
	r.openT(t)
	top := r.h.Target().FlashLinearBase + r.h.Target().FlashSize
	in := writeImage(t, "vec.s19", &hexfile.Image{Segments: []hexfile.Segment{
		{Address: top - 0x802, Data: []byte{0x00, 0x00, 0x00, 0x00}},
	}})
	if err := r.h.FlashWrite(in); err != nil {
		t.Fatalf("FlashWrite() error = %v", err)
	}
	n := len(r.fake.flash)
	if got := r.fake.flash[n-0x802 : n-0x7fe]; !bytes.Equal(got, []byte{0, 0, 0x11, 0x11}) {
		t.Fatalf("around LRAE = % x", got)
	}
}

func TestFlashErase(t *testing.T) {
	t.Run("mass", func(t *testing.T) {
		r := newRig(t, nil)
		r.openT(t)
		if err := r.h.FlashErase(); err != nil {
			t.Fatalf("FlashErase() error = %v", err)
		}
		if !hexfile.Erased(r.fake.flash) {
			t.Fatal("FLASH not erased")
		}
	})

	t.Run("keep LRAE", func(t *testing.T) {
		r := newRig(t, func(o *target.Options) { o.KeepLRAE = true })
		r.openT(t)
		for i := 0; i < 0x1000; i++ {
			r.fake.flash[i] = 0
		}
		if err := r.h.FlashErase(); err != nil {
			t.Fatalf("FlashErase() error = %v", err)
		}
		n := len(r.fake.flash)
		if !hexfile.Erased(r.fake.flash[:n-0x800]) {
			t.Fatal("user FLASH not erased")
		}
		if r.fake.flash[n-0x800] != 0x11 || r.fake.flash[n-2] != 0xf8 || r.fake.flash[n-1] != 0x00 {
			t.Fatal("LRAE or reset vector lost")
		}
		sectors := 0
		for _, c := range r.fake.commands {
			if c == hcs12bdm.AgentFlashEraseSector {
				sectors++
			}
			if c == hcs12bdm.AgentFlashMassErase {
				t.Fatal("mass erase with LRAE kept")
			}
		}
		if want := (n - 0x800) / 512; sectors != want {
			t.Fatalf("erased %d sectors, want %d", sectors, want)
		}
		if last := r.fake.commands[len(r.fake.commands)-1]; last != hcs12bdm.AgentFlashWrite {
			t.Fatalf("last command 0x%02x, want reset vector write", last)
		}
	})
}

func TestRAMRun(t *testing.T) {
	r := newRig(t, nil)
	r.openT(t)
	prog := writeImage(t, "prog.s19", &hexfile.Image{
		Segments: []hexfile.Segment{{Address: userBase, Data: []byte{0xcf, 0x3f, 0xff, 0x20, 0xfe}}},
	})
	if err := r.h.RAMRun(prog); !errors.Is(err, target.ErrInvalid) {
		t.Fatalf("RAMRun() without entry error = %v, want ErrInvalid", err)
	}
	if len(r.fake.loads) != 0 {
		t.Fatal("image loaded without entry")
	}

	r.h.opts.Entry, r.h.opts.EntrySet = userBase, true
	if err := r.h.RAMRun(prog); err != nil {
		t.Fatalf("RAMRun() error = %v", err)
	}
	if !bytes.Equal(r.fake.ram[userBase-agentBase:userBase-agentBase+5], []byte{0xcf, 0x3f, 0xff, 0x20, 0xfe}) {
		t.Fatal("RAM mismatch")
	}
	if err := r.h.FlashErase(); !errors.Is(err, target.ErrInvalid) {
		t.Fatalf("FlashErase() after RAM run error = %v, want ErrInvalid", err)
	}
}

func TestLoadRejected(t *testing.T) {
	r := newRig(t, nil)
	r.openT(t)
	r.fake.corruptAck = true
	if err := r.h.FlashErase(); !errors.Is(err, target.ErrInvalid) {
		t.Fatalf("FlashErase() error = %v, want ErrInvalid", err)
	}
}

func TestAgentStatus(t *testing.T) {
	r := newRig(t, nil)
	r.openT(t)
	if err := r.h.agentLoad(); err != nil {
		t.Fatalf("agentLoad() error = %v", err)
	}
	if _, err := r.h.command(0x7f, nil, 0, ReplyTimeout); !errors.Is(err, target.ErrIO) {
		t.Fatalf("command(0x7f) error = %v, want ErrIO", err)
	}
	if err := r.h.FlashProtect("all"); !errors.Is(err, target.ErrNotSupported) {
		t.Fatalf("FlashProtect() error = %v, want ErrNotSupported", err)
	}
}

func TestEEPROMStubs(t *testing.T) {
	r := newRig(t, nil)
	r.openT(t)
	sent := len(r.pipe.Written)
	ops := []func() error{
		func() error { return r.h.EEPROMRead("unused") },
		func() error { return r.h.EEPROMWrite("unused") },
		func() error { return r.h.EEPROMProtect("all") },
		r.h.EEPROMErase,
	}
	for i, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("op %d error = %v", i, err)
		}
	}
	if len(r.pipe.Written) != sent {
		t.Fatal("EEPROM stubs talked to the target")
	}
}
