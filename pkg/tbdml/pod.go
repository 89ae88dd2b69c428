// Package tbdml drives the TBDML USB BDM pod through vendor control
// requests.
package tbdml

import (
	"fmt"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hcs12bdm"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/wordio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Vendor requests.
const (
	ReqGetVersion    = 0x01
	ReqGetLastStatus = 0x02
	ReqConnect       = 0x0a
	ReqReset         = 0x0b
	ReqGetStatus     = 0x0c
	ReqSetSpeed      = 0x0e
	ReqHalt          = 0x14
	ReqGo            = 0x15
	ReqRead8         = 0x1e
	ReqRead16        = 0x1f
	ReqReadBlock     = 0x20
	ReqWrite8        = 0x28
	ReqWrite16       = 0x29
	ReqWriteBlock    = 0x2a
	ReqReadBD        = 0x32
	ReqWriteBD       = 0x33
	ReqWritePC       = 0x3c
)

// RESET modes.
const (
	ResetSpecial = 0
	ResetNormal  = 1
)

// StatusOK is the first byte of every successful reply.
const StatusOK = 0xee

// MaxBlock bounds READ_BLOCK/WRITE_BLOCK payloads.
const MaxBlock = 64

// Pod implements hcs12bdm.Pod on a TBDML.
type Pod struct {
	open    Opener
	tr      Transport
	version [2]byte
}

var _ hcs12bdm.Pod = (*Pod)(nil)

// New prepares a pod reached through open, usually OpenUSB.
func New(open Opener) *Pod {
	return &Pod{open: open}
}

func (p *Pod) Info() target.Info {
	info := target.Info{Name: "TBDML", Vendor: "Daniel Malik"}
	if p.version != [2]byte{} {
		info.Firmware = fmt.Sprintf("sw %d.%d hw %d.%d",
			p.version[0]>>4, p.version[0]&0x0f, p.version[1]>>4, p.version[1]&0x0f)
	}
	return info
}

func (p *Pod) Open() error {
	tr, err := p.open()
	if err != nil {
		return err
	}
	p.tr = tr
	resp, err := p.query(ReqGetVersion, 0, 0, 2)
	if err != nil {
		p.Close()
		return errors.Wrap(err, "get version")
	}
	copy(p.version[:], resp)
	log.Debugf("tbdml: version % x", p.version)
	return nil
}

func (p *Pod) Close() error {
	if p.tr == nil {
		return nil
	}
	err := p.tr.Close()
	p.tr = nil
	return err
}

// query issues an IN request and returns the n bytes following the status.
func (p *Pod) query(req uint8, val, idx uint16, n int) ([]byte, error) {
	if p.tr == nil {
		return nil, errors.Wrap(target.ErrIO, "tbdml: pod not open")
	}
	buf := make([]byte, 1+n)
	got, err := p.tr.Control(RequestIn, req, val, idx, buf)
	if err != nil {
		return nil, err
	}
	if got != len(buf) {
		log.Errorf("tbdml: request 0x%02x returned %d bytes, expected %d", req, got, len(buf))
		return nil, errors.Wrapf(target.ErrIO, "tbdml: request 0x%02x: short reply", req)
	}
	if buf[0] != StatusOK {
		log.Errorf("tbdml: request 0x%02x failed: status 0x%02x, expected 0x%02x", req, buf[0], StatusOK)
		return nil, errors.Wrapf(target.ErrIO, "tbdml: request 0x%02x failed", req)
	}
	return buf[1:], nil
}

func (p *Pod) exec(req uint8, val, idx uint16) error {
	_, err := p.query(req, val, idx, 0)
	return err
}

// SetClock programs the target E-clock in kHz.
func (p *Pod) SetClock(osc uint32) error {
	khz := osc / 2 / 1000
	if khz == 0 || khz > 0xffff {
		return errors.Wrapf(target.ErrInvalid, "tbdml: E-clock %d Hz out of range", osc/2)
	}
	return p.exec(ReqSetSpeed, uint16(khz), 0)
}

func (p *Pod) reset(mode uint16) error {
	if err := p.exec(ReqReset, mode, 0); err != nil {
		return err
	}
	if mode != ResetSpecial {
		return nil
	}
	return p.exec(ReqConnect, 0, 0)
}

func (p *Pod) ResetSpecial() error {
	return p.reset(ResetSpecial)
}

func (p *Pod) ResetNormal() error {
	return p.reset(ResetNormal)
}

func (p *Pod) Background() error {
	return p.exec(ReqHalt, 0, 0)
}

// Status returns the pod's view of the BDM link.
func (p *Pod) Status() (byte, error) {
	resp, err := p.query(ReqGetStatus, 0, 0, 1)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

func (p *Pod) ReadBD(addr uint16) (byte, error) {
	resp, err := p.query(ReqReadBD, addr, 0, 1)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

func (p *Pod) WriteBD(addr uint16, v byte) error {
	return p.exec(ReqWriteBD, addr, uint16(v))
}

func (p *Pod) ReadByteAt(addr uint16) (byte, error) {
	resp, err := p.query(ReqRead8, addr, 0, 1)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

func (p *Pod) WriteByteAt(addr uint16, v byte) error {
	return p.exec(ReqWrite8, addr, uint16(v))
}

func (p *Pod) ReadWordAt(addr uint16) (uint16, error) {
	resp, err := p.query(ReqRead16, addr, 0, 2)
	if err != nil {
		return 0, err
	}
	return uint16(resp[0])<<8 | uint16(resp[1]), nil
}

func (p *Pod) WriteWordAt(addr uint16, v uint16) error {
	return p.exec(ReqWrite16, addr, v)
}

// ReadPC is not offered by the pod firmware.
func (p *Pod) ReadPC() (uint16, error) {
	return 0, errors.Wrap(target.ErrNotSupported, "tbdml: READ_PC")
}

func (p *Pod) WritePC(pc uint16) error {
	return p.exec(ReqWritePC, pc, 0)
}

func (p *Pod) Go() error {
	return p.exec(ReqGo, 0, 0)
}

func (p *Pod) ReadMem(addr uint16, buf []byte) error {
	return wordio.Read(memory{p}, uint32(addr), buf, MaxBlock/2)
}

func (p *Pod) WriteMem(addr uint16, buf []byte) error {
	return wordio.Write(memory{p}, uint32(addr), buf, MaxBlock/2)
}

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
	resp, err := m.p.query(ReqReadBlock, uint16(addr), uint16(len(buf)), len(buf))
	if err != nil {
		return errors.Wrapf(err, "READ_BLOCK 0x%04x", addr)
	}
	copy(buf, resp)
	return nil
}

// WriteWords sends WRITE_BLOCK as an OUT transfer and collects its status
// with GET_LAST_STATUS.
func (m memory) WriteWords(addr uint32, buf []byte) error {
	if m.p.tr == nil {
		return errors.Wrap(target.ErrIO, "tbdml: pod not open")
	}
	out := append([]byte{byte(addr >> 8), byte(addr), byte(len(buf))}, buf...)
	if _, err := m.p.tr.Control(RequestOut, ReqWriteBlock, 0, 0, out); err != nil {
		return errors.Wrapf(err, "WRITE_BLOCK 0x%04x", addr)
	}
	if err := m.p.exec(ReqGetLastStatus, 0, 0); err != nil {
		return errors.Wrapf(err, "WRITE_BLOCK 0x%04x", addr)
	}
	return nil
}
