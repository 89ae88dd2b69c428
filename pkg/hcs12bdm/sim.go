package hcs12bdm

import (
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
)

// GoHook runs when the simulated CPU leaves background mode. Returning true
// puts the CPU straight back into background mode, as a program ending in
// BGND would.
type GoHook func(pc uint16) bool

// latch is an NVM address/data pair waiting for a command.
type latch struct {
	valid bool
	off   uint32
	data  uint16
}

// SimPod is an in-memory HCS12 reached through an ideal BDM pod. It models
// the register block, RAM, EEPROM and paged FLASH together with their
// command state machines, enough to run every BDM algorithm in tests.
type SimPod struct {
	InfoData target.Info

	PartID uint16
	INITRM byte
	INITEE byte

	OnGo GoHook

	geom   mcu.Target
	regs   [0x400]byte
	ram    []byte
	eeprom []byte
	flash  []byte

	bdmsts  byte
	pc      uint16
	osc     uint32
	open    bool
	running bool

	flashLatch  latch
	eepromLatch latch

	resets   int
	commands []byte
}

var _ Pod = (*SimPod)(nil)

// NewSimPod builds a simulated part with the static geometry of t. FLASH and
// EEPROM start erased, except for the security word which is left
// unsecured.
func NewSimPod(t *mcu.Target) *SimPod {
	s := &SimPod{
		InfoData: target.Info{Name: "Simulator", Vendor: "hcs12mem", Firmware: "sim"},
		PartID:   0x0011,
		INITRM:   byte(t.RAMBase>>8)&0xf8 | 0x01,
		INITEE:   byte(t.EEPROMBase>>8)&0xf8 | 0x01,
		geom:     *t,
		ram:      make([]byte, t.RAMSize),
		eeprom:   fill(make([]byte, t.EEPROMSize), 0xff),
		flash:    fill(make([]byte, t.PPageCount*mcu.PageSize), 0xff),
	}
	s.SetSecured(false)
	return s
}

func fill(b []byte, v byte) []byte {
	for i := range b {
		b[i] = v
	}
	return b
}

// RAM, EEPROM and Flash expose the simulated arrays. Flash is indexed by
// linear offset from the first PPAGE.
func (s *SimPod) RAM() []byte    { return s.ram }
func (s *SimPod) EEPROM() []byte { return s.eeprom }
func (s *SimPod) Flash() []byte  { return s.flash }

// PC returns the program counter last written.
func (s *SimPod) PC() uint16 { return s.pc }

// Running reports whether the CPU left background mode.
func (s *SimPod) Running() bool { return s.running }

// Resets counts special and normal mode resets.
func (s *SimPod) Resets() int { return s.resets }

// Osc returns the frequency passed to SetClock.
func (s *SimPod) Osc() uint32 { return s.osc }

// Commands returns every NVM command launched, in order.
func (s *SimPod) Commands() []byte {
	return append([]byte(nil), s.commands...)
}

// SetSecured writes the security word directly. It takes effect at the next
// reset.
func (s *SimPod) SetSecured(secured bool) {
	off := s.configOffset(mcu.FlashSecurityAddr)
	word := uint16(mcu.SecurityUnsecured)
	if secured {
		word = mcu.SecuritySecured
	}
	s.flash[off] = byte(word >> 8)
	s.flash[off+1] = byte(word)
}

// configOffset is the FLASH offset of a CPU address in the fixed top page.
func (s *SimPod) configOffset(cpu uint16) uint32 {
	return (s.geom.PPageCount-1)*mcu.PageSize + uint32(cpu)%mcu.PageSize
}

func (s *SimPod) Info() target.Info {
	return s.InfoData
}

func (s *SimPod) Open() error {
	s.open = true
	return nil
}

func (s *SimPod) Close() error {
	s.open = false
	return nil
}

func (s *SimPod) check() error {
	if !s.open {
		return errors.Wrap(target.ErrIO, "sim: pod not open")
	}
	return nil
}

func (s *SimPod) SetClock(osc uint32) error {
	if osc == 0 {
		return errors.Wrap(target.ErrInvalid, "sim: oscillator frequency required")
	}
	s.osc = osc
	return nil
}

func (s *SimPod) reset() {
	s.resets++
	s.regs = [0x400]byte{}
	s.regs[mcu.RegINITRM] = s.INITRM
	s.regs[mcu.RegINITEE] = s.INITEE
	s.regs[mcu.RegPARTID] = byte(s.PartID >> 8)
	s.regs[mcu.RegPARTID+1] = byte(s.PartID)
	s.regs[mcu.RegFSTAT] = mcu.StatCBEIF | mcu.StatCCIF
	s.regs[mcu.RegESTAT] = mcu.StatCBEIF | mcu.StatCCIF

	fsec := s.flash[s.configOffset(mcu.FlashSecurityAddr)+1]
	s.regs[mcu.RegFSEC] = fsec
	s.regs[mcu.RegFPROT] = s.flash[s.configOffset(mcu.FlashProtectAddr)]
	if len(s.eeprom) > 0 {
		s.regs[mcu.RegEPROT] = s.eeprom[len(s.eeprom)-3]
	}
	s.flashLatch = latch{}
	s.eepromLatch = latch{}

	s.bdmsts = BDMSTSEnable
	if !mcu.SecuredFSEC(fsec) {
		s.bdmsts |= BDMSTSUnsecure
	}
}

func (s *SimPod) ResetSpecial() error {
	if err := s.check(); err != nil {
		return err
	}
	s.reset()
	s.bdmsts |= BDMSTSActive
	s.running = false
	return nil
}

func (s *SimPod) ResetNormal() error {
	if err := s.check(); err != nil {
		return err
	}
	s.reset()
	s.running = true
	return nil
}

func (s *SimPod) Background() error {
	if err := s.check(); err != nil {
		return err
	}
	s.bdmsts |= BDMSTSActive
	s.running = false
	return nil
}

func (s *SimPod) ReadBD(addr uint16) (byte, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if addr == BDMSTS {
		return s.bdmsts, nil
	}
	return 0, nil
}

func (s *SimPod) WriteBD(addr uint16, v byte) error {
	if err := s.check(); err != nil {
		return err
	}
	if addr == BDMSTS {
		s.bdmsts = s.bdmsts&^BDMSTSEnable | v&BDMSTSEnable
	}
	return nil
}

func (s *SimPod) ReadPC() (uint16, error) {
	return s.pc, s.check()
}

func (s *SimPod) WritePC(pc uint16) error {
	if err := s.check(); err != nil {
		return err
	}
	s.pc = pc
	return nil
}

func (s *SimPod) Go() error {
	if err := s.check(); err != nil {
		return err
	}
	s.bdmsts &^= BDMSTSActive
	s.running = true
	if s.OnGo != nil && s.OnGo(s.pc) {
		s.bdmsts |= BDMSTSActive
		s.running = false
	}
	return nil
}

// region identifies what a CPU address decodes to.
type region int

const (
	regionNone region = iota
	regionRegs
	regionRAM
	regionEEPROM
	regionFlash
)

// decode maps a CPU address to a region and an offset inside it. Registers
// win over RAM, RAM over EEPROM, EEPROM over FLASH.
func (s *SimPod) decode(addr uint16) (region, uint32) {
	a := uint32(addr)
	if a < uint32(len(s.regs)) {
		return regionRegs, a
	}
	if base := mcu.BaseFromInit(s.regs[mcu.RegINITRM]); a >= base && a < base+uint32(len(s.ram)) {
		return regionRAM, a - base
	}
	if base := mcu.BaseFromInit(s.regs[mcu.RegINITEE]); s.regs[mcu.RegINITEE]&0x01 != 0 &&
		a >= base && a < base+uint32(len(s.eeprom)) {
		return regionEEPROM, a - base
	}
	if a < 0x4000 {
		return regionNone, 0
	}
	var ppage uint32
	switch a / mcu.PageSize {
	case 1:
		ppage = s.geom.PPageBase + s.geom.PPageCount - 2
	case 2:
		ppage = uint32(s.regs[mcu.RegPPAGE])
	default:
		ppage = s.geom.PPageBase + s.geom.PPageCount - 1
	}
	if ppage < s.geom.PPageBase || ppage >= s.geom.PPageBase+s.geom.PPageCount {
		return regionNone, 0
	}
	return regionFlash, (ppage-s.geom.PPageBase)*mcu.PageSize + a%mcu.PageSize
}

func (s *SimPod) peek(addr uint16) byte {
	r, off := s.decode(addr)
	switch r {
	case regionRegs:
		return s.regs[off]
	case regionRAM:
		return s.ram[off]
	case regionEEPROM:
		return s.eeprom[off]
	case regionFlash:
		return s.flash[off]
	}
	return 0xff
}

func (s *SimPod) ReadByteAt(addr uint16) (byte, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.peek(addr), nil
}

func (s *SimPod) ReadWordAt(addr uint16) (uint16, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return uint16(s.peek(addr))<<8 | uint16(s.peek(addr+1)), nil
}

func (s *SimPod) ReadMem(addr uint16, buf []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	for i := range buf {
		buf[i] = s.peek(addr + uint16(i))
	}
	return nil
}

func (s *SimPod) WriteByteAt(addr uint16, v byte) error {
	if err := s.check(); err != nil {
		return err
	}
	s.poke(addr, v)
	return nil
}

func (s *SimPod) WriteMem(addr uint16, buf []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	for i, v := range buf {
		s.poke(addr+uint16(i), v)
	}
	return nil
}

func (s *SimPod) WriteWordAt(addr uint16, v uint16) error {
	if err := s.check(); err != nil {
		return err
	}
	r, off := s.decode(addr)
	switch r {
	case regionFlash:
		s.latchWord(&s.flashLatch, mcu.RegFSTAT, addr, off, v)
	case regionEEPROM:
		s.latchWord(&s.eepromLatch, mcu.RegESTAT, addr, off, v)
	default:
		s.poke(addr, byte(v>>8))
		s.poke(addr+1, byte(v))
	}
	return nil
}

func (s *SimPod) latchWord(l *latch, stat uint16, addr uint16, off uint32, v uint16) {
	if addr&1 != 0 || l.valid {
		s.regs[stat] |= mcu.StatACCERR
		return
	}
	*l = latch{valid: true, off: off, data: v}
}

// poke performs a byte write with register side effects.
func (s *SimPod) poke(addr uint16, v byte) {
	r, off := s.decode(addr)
	switch r {
	case regionRegs:
		s.writeReg(uint16(off), v)
	case regionRAM:
		s.ram[off] = v
	case regionFlash:
		s.regs[mcu.RegFSTAT] |= mcu.StatACCERR
	case regionEEPROM:
		s.regs[mcu.RegESTAT] |= mcu.StatACCERR
	}
}

const fdivld = 0x80

func (s *SimPod) writeReg(reg uint16, v byte) {
	switch reg {
	case mcu.RegFSTAT:
		s.writeStat(reg, v, s.launchFlash)
	case mcu.RegESTAT:
		s.writeStat(reg, v, s.launchEEPROM)
	case mcu.RegFCLKDIV, mcu.RegECLKDIV:
		s.regs[reg] = v | fdivld
	case mcu.RegPARTID, mcu.RegPARTID + 1, mcu.RegFSEC:
	default:
		s.regs[reg] = v
	}
}

// writeStat clears the error flags written as 1 and launches a command when
// CBEIF is written as 1.
func (s *SimPod) writeStat(reg uint16, v byte, launch func()) {
	s.regs[reg] &^= v & (mcu.StatPVIOL | mcu.StatACCERR)
	if v&mcu.StatCBEIF != 0 {
		launch()
	}
}

func (s *SimPod) launchFlash() {
	l := s.flashLatch
	s.flashLatch = latch{}
	cmd := s.regs[mcu.RegFCMD]
	s.commands = append(s.commands, cmd)
	stat := &s.regs[mcu.RegFSTAT]
	if !l.valid || s.regs[mcu.RegFCLKDIV]&fdivld == 0 {
		*stat |= mcu.StatACCERR
		return
	}
	ppage := s.geom.PPageBase + l.off/mcu.PageSize
	block := s.geom.PPageToBlock(ppage)
	if uint32(s.regs[mcu.RegFCNFG]&0x03) != block {
		*stat |= mcu.StatACCERR
		return
	}
	blockSize := s.geom.PPageCount / s.geom.FlashBlocks * mcu.PageSize
	lo := (s.geom.BlockToPPageBase(block) - s.geom.PPageBase) * mcu.PageSize
	*stat &^= mcu.StatBLANK
	if !s.nvmCommand(cmd, s.flash, l, s.geom.FlashSector, lo, lo+blockSize, stat) {
		*stat |= mcu.StatACCERR
		return
	}
	*stat |= mcu.StatCBEIF | mcu.StatCCIF
}

func (s *SimPod) launchEEPROM() {
	l := s.eepromLatch
	s.eepromLatch = latch{}
	cmd := s.regs[mcu.RegECMD]
	s.commands = append(s.commands, cmd)
	stat := &s.regs[mcu.RegESTAT]
	if !l.valid || s.regs[mcu.RegECLKDIV]&fdivld == 0 {
		*stat |= mcu.StatACCERR
		return
	}
	*stat &^= mcu.StatBLANK
	if !s.nvmCommand(cmd, s.eeprom, l, eepromSectorSize, 0, uint32(len(s.eeprom)), stat) {
		*stat |= mcu.StatACCERR
		return
	}
	*stat |= mcu.StatCBEIF | mcu.StatCCIF
}

// nvmCommand executes cmd on array mem. [lo, hi) bounds the block affected
// by mass erase and erase verify.
func (s *SimPod) nvmCommand(cmd byte, mem []byte, l latch, sector, lo, hi uint32, stat *byte) bool {
	switch cmd {
	case mcu.CmdProgram:
		mem[l.off] &= byte(l.data >> 8)
		mem[l.off+1] &= byte(l.data)
	case mcu.CmdSectorErase:
		start := l.off &^ (sector - 1)
		fill(mem[start:start+sector], 0xff)
	case mcu.CmdMassErase:
		fill(mem[lo:hi], 0xff)
	case mcu.CmdEraseVerify:
		if blank(mem[lo:hi]) {
			*stat |= mcu.StatBLANK
		}
	default:
		return false
	}
	return true
}

func blank(b []byte) bool {
	for _, v := range b {
		if v != 0xff {
			return false
		}
	}
	return true
}

// EmulateAgent installs an OnGo hook that executes RAM agent commands when
// the CPU starts at entry. base is the parameter block address; the data
// buffer reported by INIT is [buf, buf+bufLen).
func (s *SimPod) EmulateAgent(base, entry, buf, bufLen uint16) {
	s.OnGo = func(pc uint16) bool {
		if pc != entry {
			return false
		}
		s.poke(base+AgentParamStatus, s.agentCommand(base, buf, bufLen))
		return true
	}
}

func (s *SimPod) word(addr uint16) uint16 {
	return uint16(s.peek(addr))<<8 | uint16(s.peek(addr+1))
}

func (s *SimPod) putWord(addr, v uint16) {
	s.poke(addr, byte(v>>8))
	s.poke(addr+1, byte(v))
}

func (s *SimPod) agentCommand(base, buf, bufLen uint16) byte {
	cmd := s.peek(base + AgentParamCmd)
	block := uint32(s.peek(base + AgentParamBlock))
	ppage := uint32(s.peek(base + AgentParamPPage))
	addr := s.word(base + AgentParamAddr)
	n := uint32(s.word(base + AgentParamLen))

	if cmd == AgentInit {
		if s.word(base+AgentParamOsc) == 0 {
			return AgentStatusXtal
		}
		s.putWord(base+AgentParamAddr, buf)
		s.putWord(base+AgentParamLen, bufLen)
		return AgentStatusNone
	}

	eeBase := mcu.BaseFromInit(s.regs[mcu.RegINITEE])
	eeOff := uint32(addr) - eeBase
	flashOff := (ppage-s.geom.PPageBase)*mcu.PageSize + uint32(addr)%mcu.PageSize
	pagesPerBlock := s.geom.PPageCount / s.geom.FlashBlocks
	blockLo := (s.geom.BlockToPPageBase(block) - s.geom.PPageBase) * mcu.PageSize
	blockHi := blockLo + pagesPerBlock*mcu.PageSize

	switch cmd {
	case AgentEEPROMMassErase:
		fill(s.eeprom, 0xff)
	case AgentEEPROMEraseVerify:
		if !blank(s.eeprom) {
			return AgentStatusVerify
		}
	case AgentEEPROMEraseArea:
		fill(s.eeprom[eeOff:eeOff+n], 0xff)
	case AgentEEPROMRead:
		copy(s.ram[s.ramOff(buf):], s.eeprom[eeOff:eeOff+n])
	case AgentEEPROMWrite:
		for i := uint32(0); i < n; i++ {
			s.eeprom[eeOff+i] &= s.ram[s.ramOff(buf)+i]
		}
	case AgentEEPROMProtect:
		s.eeprom[len(s.eeprom)-3] &= byte(n)
	case AgentFlashMassErase:
		fill(s.flash[blockLo:blockHi], 0xff)
	case AgentFlashEraseVerify:
		if !blank(s.flash[blockLo:blockHi]) {
			return AgentStatusVerify
		}
	case AgentFlashEraseSector:
		start := flashOff &^ (s.geom.FlashSector - 1)
		fill(s.flash[start:start+s.geom.FlashSector], 0xff)
	case AgentFlashRead:
		copy(s.ram[s.ramOff(buf):], s.flash[flashOff:flashOff+n])
	case AgentFlashWrite:
		for i := uint32(0); i < n; i++ {
			s.flash[flashOff+i] &= s.ram[s.ramOff(buf)+i]
		}
	case AgentFlashProtect:
		s.flash[s.configOffset(mcu.FlashProtectAddr)] &= byte(n)
	default:
		return AgentStatusCmd
	}
	return AgentStatusNone
}

func (s *SimPod) ramOff(addr uint16) uint32 {
	return uint32(addr) - mcu.BaseFromInit(s.regs[mcu.RegINITRM])
}
