package hcs12bdm

import (
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// nvm names the status/command register pair of a FLASH or EEPROM module.
type nvm struct {
	name string
	stat uint16
	cmd  uint16
}

var (
	nvmFlash  = nvm{name: "FLASH", stat: mcu.RegFSTAT, cmd: mcu.RegFCMD}
	nvmEEPROM = nvm{name: "EEPROM", stat: mcu.RegESTAT, cmd: mcu.RegECMD}
)

// clear drops stale PVIOL/ACCERR flags.
func (h *Handler) clear(m nvm) error {
	return h.pod.WriteByteAt(m.stat, mcu.StatPVIOL|mcu.StatACCERR)
}

// launch issues cmd for the address/data already latched and waits for
// completion. The final status value is returned.
func (h *Handler) launch(m nvm, cmd byte) (byte, error) {
	if err := h.pod.WriteByteAt(m.cmd, cmd); err != nil {
		return 0, err
	}
	if err := h.pod.WriteByteAt(m.stat, mcu.StatCBEIF); err != nil {
		return 0, err
	}
	deadline := time.Now().Add(CmdTimeout)
	for {
		stat, err := h.pod.ReadByteAt(m.stat)
		if err != nil {
			return 0, err
		}
		if stat&(mcu.StatPVIOL|mcu.StatACCERR) != 0 {
			log.Errorf("%s command 0x%02x failed: status 0x%02x", m.name, cmd, stat)
			return stat, errors.Wrapf(target.ErrIO, "%s command 0x%02x: %s", m.name, cmd, statError(stat))
		}
		if stat&mcu.StatCCIF != 0 {
			return stat, nil
		}
		if time.Now().After(deadline) {
			log.Errorf("%s command 0x%02x: no completion, status 0x%02x", m.name, cmd, stat)
			return stat, errors.Wrapf(target.ErrTimeout, "%s command 0x%02x", m.name, cmd)
		}
	}
}

func statError(stat byte) string {
	switch {
	case stat&mcu.StatPVIOL != 0 && stat&mcu.StatACCERR != 0:
		return "protection violation, access error"
	case stat&mcu.StatPVIOL != 0:
		return "protection violation"
	default:
		return "access error"
	}
}

// eepromCommand latches a word at EEPROM offset off and runs cmd.
func (h *Handler) eepromCommand(cmd byte, off uint32, data uint16) (byte, error) {
	if err := h.clear(nvmEEPROM); err != nil {
		return 0, err
	}
	if err := h.pod.WriteWordAt(uint16(h.mcu.EEPROMBase+off), data); err != nil {
		return 0, err
	}
	return h.launch(nvmEEPROM, cmd)
}

func (h *Handler) eepromMassErase() error {
	if err := h.pod.WriteByteAt(mcu.RegEPROT, 0xff); err != nil {
		return err
	}
	if _, err := h.eepromCommand(mcu.CmdMassErase, 0, 0); err != nil {
		return err
	}
	stat, err := h.eepromCommand(mcu.CmdEraseVerify, 0, 0)
	if err != nil {
		return err
	}
	if stat&mcu.StatBLANK == 0 {
		log.Errorf("EEPROM erase verify: status 0x%02x, BLANK not set", stat)
		return errors.Wrap(target.ErrIO, "EEPROM erase verify failed")
	}
	return nil
}

// flashSelect points FCNFG and PPAGE at a block/page pair.
func (h *Handler) flashSelect(block, ppage uint32) error {
	if err := h.pod.WriteByteAt(mcu.RegFCNFG, byte(block)); err != nil {
		return err
	}
	return h.setPPage(ppage)
}

// flashCommand latches data at a window address of (block, ppage) and runs
// cmd.
func (h *Handler) flashCommand(cmd byte, block, ppage uint32, addr uint16, data uint16) (byte, error) {
	if err := h.flashSelect(block, ppage); err != nil {
		return 0, err
	}
	if err := h.clear(nvmFlash); err != nil {
		return 0, err
	}
	if err := h.pod.WriteWordAt(addr, data); err != nil {
		return 0, err
	}
	return h.launch(nvmFlash, cmd)
}

func (h *Handler) flashMassErase(block uint32) error {
	ppage := h.mcu.BlockToPPageBase(block)
	if err := h.pod.WriteByteAt(mcu.RegFCNFG, byte(block)); err != nil {
		return err
	}
	if err := h.pod.WriteByteAt(mcu.RegFPROT, 0xff); err != nil {
		return err
	}
	if _, err := h.flashCommand(mcu.CmdMassErase, block, ppage, mcu.PageWindow, 0); err != nil {
		return errors.Wrapf(err, "block %d", block)
	}
	stat, err := h.flashCommand(mcu.CmdEraseVerify, block, ppage, mcu.PageWindow, 0)
	if err != nil {
		return errors.Wrapf(err, "block %d", block)
	}
	if stat&mcu.StatBLANK == 0 {
		log.Errorf("FLASH block %d erase verify: status 0x%02x, BLANK not set", block, stat)
		return errors.Wrapf(target.ErrIO, "FLASH block %d erase verify failed", block)
	}
	return nil
}

// configWindow returns the block, PPAGE and window address of a CPU address
// in the fixed top page (0xc000-0xffff), where the FLASH configuration field
// lives.
func (h *Handler) configWindow(cpu uint16) (block, ppage uint32, addr uint16) {
	ppage = h.mcu.PPageBase + h.mcu.PPageCount - 1
	return h.mcu.PPageToBlock(ppage), ppage, mcu.WindowAddress(uint32(cpu))
}

// readConfigWord reads a word of the FLASH configuration field.
func (h *Handler) readConfigWord(cpu uint16) (uint16, error) {
	_, ppage, addr := h.configWindow(cpu)
	if err := h.setPPage(ppage); err != nil {
		return 0, err
	}
	return h.pod.ReadWordAt(addr)
}

// programConfigWord programs a word of the FLASH configuration field.
func (h *Handler) programConfigWord(cpu uint16, v uint16) error {
	block, ppage, addr := h.configWindow(cpu)
	_, err := h.flashCommand(mcu.CmdProgram, block, ppage, addr, v)
	return err
}
