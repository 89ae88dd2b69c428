// Package bdm12pod drives the BDM12POD family of serial BDM pods. Each
// byte sent to the pod is gated by an RTS/CTS handshake; replies are plain
// bytes.
package bdm12pod

import (
	"fmt"
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hcs12bdm"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/serialport"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/wordio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Link timeouts.
const (
	CTSTimeout = 2000 * time.Millisecond
	RXTimeout  = 2000 * time.Millisecond

	// ctsMinRetries keeps a slow host from timing out after very few polls.
	ctsMinRetries = 100
)

// DefaultBaud is used when no -b option is given.
const DefaultBaud = 115200

// Variant describes one pod flavour.
type Variant struct {
	Name    string
	PodBase uint32
	// MemBug disables MEM_DUMP/MEM_PUT.
	MemBug bool
}

// VariantFor selects the variant from the interface name and quirk flags.
func VariantFor(opts *target.Options) Variant {
	v := Variant{Name: "BDM12POD", PodBase: PodBase16MHz}
	switch opts.Interface {
	case target.InterfacePodex, target.InterfacePodexBug, target.InterfacePodex25:
		v.Name = "PODEX"
	}
	if opts.Interface == target.InterfacePodex25 || opts.Pod25MHz {
		v.PodBase = PodBase25MHz
	}
	if opts.Interface == target.InterfacePodexBug || opts.PodexMemBug {
		v.MemBug = true
	}
	return v
}

// Pod implements hcs12bdm.Pod over a serial line.
type Pod struct {
	variant Variant
	name    string
	baud    int
	open    serialport.Opener
	port    serialport.Port
	version byte

	ctsTimeout time.Duration
	rxTimeout  time.Duration
}

var _ hcs12bdm.Pod = (*Pod)(nil)

// New prepares a pod on opts.Port. open is usually serialport.Open.
func New(opts *target.Options, open serialport.Opener) *Pod {
	baud := opts.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	return &Pod{
		variant:    VariantFor(opts),
		name:       opts.Port,
		baud:       baud,
		open:       open,
		ctsTimeout: CTSTimeout,
		rxTimeout:  RXTimeout,
	}
}

// Version returns the firmware version read at Open.
func (p *Pod) Version() byte {
	return p.version
}

func (p *Pod) Info() target.Info {
	info := target.Info{Name: p.variant.Name, Vendor: "Kevin Ross"}
	if p.version != 0 {
		info.Firmware = fmt.Sprintf("firmware 0x%02x", p.version)
	}
	if p.variant.MemBug {
		info.Notes = "batch memory commands disabled"
	}
	return info
}

func (p *Pod) Open() error {
	port, err := p.open(p.name, p.baud)
	if err != nil {
		return err
	}
	p.port = port
	if err := p.port.Flush(); err != nil {
		p.Close()
		return errors.Wrap(target.ErrIO, err.Error())
	}
	resp, err := p.dialog(EncodeGetVersion(), 1)
	if err != nil {
		p.Close()
		return errors.Wrap(err, "get version")
	}
	p.version = resp[0]
	log.Debugf("%s: firmware 0x%02x, MEM_PUT %v, SPEED %v", p.variant.Name, p.version,
		p.version >= VersionMemPut, p.version >= VersionSpeed)
	return nil
}

func (p *Pod) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// waitCTS polls CTS until it equals want.
func (p *Pod) waitCTS(want bool) error {
	deadline := time.Now().Add(p.ctsTimeout)
	for i := 0; ; i++ {
		cts, err := p.port.CTS()
		if err != nil {
			return err
		}
		if cts == want {
			return nil
		}
		if i >= ctsMinRetries && time.Now().After(deadline) {
			if want {
				return errors.Wrap(target.ErrIO, "pod not ready")
			}
			return errors.Wrap(target.ErrIO, "pod handshake not lowered")
		}
	}
}

// send transmits one byte under the RTS/CTS handshake.
func (p *Pod) send(b byte) error {
	if err := p.port.SetRTS(true); err != nil {
		return err
	}
	if err := p.waitCTS(true); err != nil {
		p.port.SetRTS(false)
		log.Errorf("%s: CTS not asserted sending 0x%02x", p.variant.Name, b)
		return err
	}
	if _, err := p.port.Write([]byte{b}); err != nil {
		p.port.SetRTS(false)
		return err
	}
	if err := p.waitCTS(false); err != nil {
		p.port.SetRTS(false)
		log.Errorf("%s: CTS not lowered after 0x%02x", p.variant.Name, b)
		return err
	}
	return p.port.SetRTS(false)
}

// dialog sends cmd and reads n reply bytes.
func (p *Pod) dialog(cmd []byte, n int) ([]byte, error) {
	if p.port == nil {
		return nil, errors.Wrap(target.ErrIO, "pod not open")
	}
	for _, b := range cmd {
		if err := p.send(b); err != nil {
			return nil, err
		}
	}
	resp := make([]byte, n)
	if err := serialport.ReadFull(p.port, resp, p.rxTimeout); err != nil {
		if errors.Is(err, target.ErrTimeout) {
			log.Errorf("%s: connection timed out (command 0x%02x)", p.variant.Name, cmd[0])
			return nil, errors.Wrap(target.ErrTimeout, "connection timed out")
		}
		return nil, err
	}
	return resp, nil
}

func (p *Pod) word(cmd []byte) (uint16, error) {
	resp, err := p.dialog(cmd, 2)
	if err != nil {
		return 0, err
	}
	return uint16(resp[0])<<8 | uint16(resp[1]), nil
}

func (p *Pod) exec(cmd []byte) error {
	_, err := p.dialog(cmd, 0)
	return err
}

// SetClock selects a fixed E-clock when one matches, else programs the
// SPEED value on firmware that has it.
func (p *Pod) SetClock(osc uint32) error {
	eclk := osc / 2
	if e, ok := EClockEnum(eclk); ok {
		log.Debugf("%s: E-clock %d Hz, enum %d", p.variant.Name, eclk, e)
		return p.exec(EncodeSetParam(ParamEClock, e))
	}
	if p.version < VersionSpeed {
		log.Errorf("%s: E-clock %d Hz needs firmware 0x%02x, have 0x%02x", p.variant.Name, eclk, VersionSpeed, p.version)
		return errors.Wrapf(target.ErrNotSupported, "E-clock %d Hz: only 1, 2, 4 and 8 MHz supported by this firmware", eclk)
	}
	v := SpeedValue(p.variant.PodBase, eclk)
	log.Debugf("%s: E-clock %d Hz, SPEED %d", p.variant.Name, eclk, v)
	return p.exec(EncodeSpeed(v))
}

func (p *Pod) ResetSpecial() error {
	return p.exec(EncodeReset(ResetSpecial))
}

func (p *Pod) ResetNormal() error {
	return p.exec(EncodeReset(ResetHigh))
}

func (p *Pod) Background() error {
	return p.exec(EncodeBackground())
}

func (p *Pod) ReadBD(addr uint16) (byte, error) {
	w, err := p.word(EncodeReadBD(addr))
	return hcs12bdm.ByteLane(addr, w), err
}

func (p *Pod) WriteBD(addr uint16, v byte) error {
	return p.exec(EncodeWriteBD(addr, v))
}

func (p *Pod) ReadByteAt(addr uint16) (byte, error) {
	w, err := p.word(EncodeReadByte(addr))
	return hcs12bdm.ByteLane(addr, w), err
}

func (p *Pod) WriteByteAt(addr uint16, v byte) error {
	return p.exec(EncodeWriteByte(addr, v))
}

func (p *Pod) ReadWordAt(addr uint16) (uint16, error) {
	return p.word(EncodeReadWord(addr))
}

func (p *Pod) WriteWordAt(addr uint16, v uint16) error {
	return p.exec(EncodeWriteWord(addr, v))
}

func (p *Pod) ReadPC() (uint16, error) {
	return p.word(EncodeReadPC())
}

func (p *Pod) WritePC(pc uint16) error {
	return p.exec(EncodeWritePC(pc))
}

func (p *Pod) Go() error {
	return p.exec(EncodeGo())
}

// RegDump returns the raw REG_DUMP reply.
func (p *Pod) RegDump() ([]byte, error) {
	return p.dialog(EncodeRegDump(), RegDumpLen)
}

func (p *Pod) ReadMem(addr uint16, buf []byte) error {
	return wordio.Read(memory{p}, uint32(addr), buf, MaxWords)
}

func (p *Pod) WriteMem(addr uint16, buf []byte) error {
	return wordio.Write(memory{p}, uint32(addr), buf, MaxWords)
}

// memory adapts the pod to wordio.
type memory struct {
	p *Pod
}

func (m memory) ReadByteAt(addr uint32) (byte, error) {
	return m.p.ReadByteAt(uint16(addr))
}

func (m memory) WriteByteAt(addr uint32, v byte) error {
	return m.p.WriteByteAt(uint16(addr), v)
}

func (m memory) ReadWords(addr uint32, buf []byte) error {
	if m.p.variant.MemBug {
		for i := 0; i < len(buf); i += 2 {
			w, err := m.p.ReadWordAt(uint16(addr) + uint16(i))
			if err != nil {
				return err
			}
			buf[i], buf[i+1] = byte(w>>8), byte(w)
		}
		return nil
	}
	resp, err := m.p.dialog(EncodeMemDump(uint16(addr), len(buf)/2), len(buf))
	if err != nil {
		return errors.Wrapf(err, "MEM_DUMP 0x%04x", addr)
	}
	copy(buf, resp)
	return nil
}

func (m memory) WriteWords(addr uint32, buf []byte) error {
	if m.p.variant.MemBug || m.p.version < VersionMemPut {
		for i := 0; i < len(buf); i += 2 {
			w := uint16(buf[i])<<8 | uint16(buf[i+1])
			if err := m.p.WriteWordAt(uint16(addr)+uint16(i), w); err != nil {
				return err
			}
		}
		return nil
	}
	if err := m.p.exec(EncodeMemPut(uint16(addr), buf)); err != nil {
		return errors.Wrapf(err, "MEM_PUT 0x%04x", addr)
	}
	return nil
}
