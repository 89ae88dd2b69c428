package hcs12bdm

import (
	"bytes"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hexfile"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/wordio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const eepromSectorSize = 4

// readChunk is the transfer size of direct reads.
const readChunk = 256

func (h *Handler) eepromPresent(op string) bool {
	if h.mcu.EEPROMSize == 0 {
		log.Infof("%s: target has no EEPROM", op)
		return false
	}
	return true
}

// eepromRead reads the EEPROM range [off, off+len(buf)).
func (h *Handler) eepromRead(op string, off uint32, buf []byte) error {
	mode, err := h.mode("eeprom_read")
	if err != nil {
		return err
	}
	if mode == ModeAgent {
		if err := h.agentLoad(); err != nil {
			return err
		}
		return h.agentTransfer(op, AgentEEPROMRead, true, buf, func(o uint32) (byte, byte, uint16) {
			return 0, 0, uint16(h.mcu.EEPROMBase + o)
		}, off)
	}
	for done := 0; done < len(buf); done += readChunk {
		end := done + readChunk
		if end > len(buf) {
			end = len(buf)
		}
		if err := h.pod.ReadMem(uint16(h.mcu.EEPROMBase+off+uint32(done)), buf[done:end]); err != nil {
			return err
		}
		h.progress(op, end, len(buf))
	}
	return nil
}

func (h *Handler) EEPROMRead(file string) error {
	if err := h.ready(true); err != nil {
		return err
	}
	if !h.eepromPresent("EEPROM read") {
		return errors.Wrap(target.ErrInvalid, "no EEPROM to read")
	}
	buf := make([]byte, h.mcu.EEPROMSize)
	if err := h.eepromRead("EEPROM read", 0, buf); err != nil {
		return err
	}
	img := hexfile.FromBuffer(buf, func(off uint32) uint32 { return h.mcu.EEPROMBase + off }, h.opts.IncludeErased)
	if err := hexfile.WriteFile(file, img); err != nil {
		return err
	}
	log.Infof("EEPROM read: %d bytes saved to %s", img.Size(), file)
	return nil
}

func (h *Handler) EEPROMErase() error {
	if err := h.ready(false); err != nil {
		return err
	}
	if !h.eepromPresent("EEPROM erase") {
		return nil
	}
	mode, err := h.mode("eeprom_erase")
	if err != nil {
		return err
	}
	if mode == ModeAgent {
		if err := h.agentLoad(); err != nil {
			return err
		}
		if err := h.agentRun(AgentEEPROMMassErase, 0, 0, uint16(h.mcu.EEPROMBase), 0); err != nil {
			return err
		}
		if err := h.agentRun(AgentEEPROMEraseVerify, 0, 0, uint16(h.mcu.EEPROMBase), uint16(h.mcu.EEPROMSize)); err != nil {
			return err
		}
	} else if err := h.eepromMassErase(); err != nil {
		return err
	}
	log.Infof("EEPROM erased")
	return nil
}

// eepromProgram writes buf at EEPROM offset off, which must be word
// aligned, skipping words that already hold the wanted value.
func (h *Handler) eepromProgram(op string, off uint32, buf, current []byte) error {
	mode, err := h.mode("eeprom_write")
	if err != nil {
		return err
	}
	if mode == ModeAgent {
		if err := h.agentLoad(); err != nil {
			return err
		}
		return h.agentTransfer(op, AgentEEPROMWrite, false, buf, func(o uint32) (byte, byte, uint16) {
			return 0, 0, uint16(h.mcu.EEPROMBase + o)
		}, off)
	}
	for i := 0; i < len(buf); i += 2 {
		if current != nil && buf[i] == current[i] && buf[i+1] == current[i+1] {
			continue
		}
		word := uint16(buf[i])<<8 | uint16(buf[i+1])
		if _, err := h.eepromCommand(mcu.CmdProgram, off+uint32(i), word); err != nil {
			return errors.Wrapf(err, "EEPROM write at 0x%04x", h.mcu.EEPROMBase+off+uint32(i))
		}
		h.progress(op, i+2, len(buf))
	}
	return nil
}

func (h *Handler) EEPROMWrite(file string) error {
	if err := h.ready(true); err != nil {
		return err
	}
	if !h.eepromPresent("EEPROM write") {
		return errors.Wrap(target.ErrInvalid, "no EEPROM to write")
	}
	img, err := hexfile.ReadFile(file)
	if err != nil {
		return err
	}
	image := bytes.Repeat([]byte{0xff}, int(h.mcu.EEPROMSize))
	lo, hi, err := img.Load(image, h.mcu.EEPROMReadAddress)
	if err != nil {
		return err
	}
	if h.mcu.EEPROMReserved(lo, hi-lo) {
		if !h.opts.Force {
			log.Errorf("EEPROM write: range 0x%04x-0x%04x overlaps the reserved area", lo, hi-1)
			return errors.Wrap(target.ErrInvalid, "EEPROM write into reserved area (use -f to force)")
		}
		log.Warnf("EEPROM write: writing into reserved area (forced)")
	}

	// Bytes the image leaves untouched keep their current value.
	alo, ahi := wordio.Align(lo, hi)
	current := make([]byte, ahi-alo)
	if err := h.eepromRead("EEPROM write", alo, current); err != nil {
		return err
	}
	data := make([]byte, len(current))
	copy(data, current)
	covered := make([]bool, h.mcu.EEPROMSize)
	for _, s := range img.Segments {
		for i := range s.Data {
			if off, ok := h.mcu.EEPROMReadAddress(s.Address + uint32(i)); ok {
				covered[off] = true
			}
		}
	}
	for off := alo; off < ahi; off++ {
		if covered[off] {
			data[off-alo] = image[off]
		}
	}

	if err := h.eepromProgram("EEPROM write", alo, data, current); err != nil {
		return err
	}
	if h.opts.Verify {
		if err := h.verify("EEPROM", alo, data, h.eepromRead); err != nil {
			return err
		}
	}
	log.Infof("EEPROM write: %d bytes programmed", hi-lo)
	return nil
}

// verify reads back [off, off+len(want)) and compares.
func (h *Handler) verify(what string, off uint32, want []byte, read func(string, uint32, []byte) error) error {
	got := make([]byte, len(want))
	if err := read(what+" verify", off, got); err != nil {
		return err
	}
	for i := range want {
		if got[i] != want[i] {
			log.Errorf("%s verify failed at offset 0x%05x: read 0x%02x, expected 0x%02x", what, off+uint32(i), got[i], want[i])
			return errors.Wrapf(target.ErrIO, "%s verify failed", what)
		}
	}
	log.Infof("%s verified", what)
	return nil
}

func (h *Handler) EEPROMProtect(size string) error {
	if err := h.ready(true); err != nil {
		return err
	}
	if !h.eepromPresent("EEPROM protect") {
		return errors.Wrap(target.ErrInvalid, "no EEPROM to protect")
	}
	value, err := EEPROMProtectValue(size)
	if err != nil {
		return err
	}
	mode, err := h.mode("eeprom_protect")
	if err != nil {
		return err
	}

	off := h.mcu.EEPROMProtectOffset()
	sector := off &^ (eepromSectorSize - 1)
	current := make([]byte, eepromSectorSize)
	if err := h.eepromRead("EEPROM protect", sector, current); err != nil {
		return err
	}
	existing := current[off-sector]
	if existing != 0xff {
		if !h.opts.Force {
			log.Errorf("EEPROM protection already set: 0x%02x", existing)
			return errors.Wrap(target.ErrInvalid, "EEPROM protection already set (use -f to overwrite)")
		}
		log.Warnf("EEPROM protection already set to 0x%02x, overwriting (forced)", existing)
	}

	if mode == ModeAgent {
		if err := h.agentLoad(); err != nil {
			return err
		}
		if err := h.agentRun(AgentEEPROMProtect, 0, 0, uint16(h.mcu.EEPROMBase+off), uint16(value)); err != nil {
			return err
		}
	} else {
		want := make([]byte, eepromSectorSize)
		copy(want, current)
		want[off-sector] = value
		have := current
		if existing&value != value {
			// bits must go back to 1: erase the sector first
			if _, err := h.eepromCommand(mcu.CmdSectorErase, sector, 0xffff); err != nil {
				return err
			}
			have = nil
		}
		if err := h.eepromProgram("EEPROM protect", sector, want, have); err != nil {
			return err
		}
	}

	if h.opts.Verify {
		got := make([]byte, 1)
		if err := h.eepromRead("EEPROM protect verify", off, got); err != nil {
			return err
		}
		if got[0] != value {
			log.Errorf("EEPROM protect verify: read 0x%02x, expected 0x%02x", got[0], value)
			return errors.Wrap(target.ErrIO, "EEPROM protect verify failed")
		}
	}
	log.Infof("EEPROM protection set to %s (EPROT 0x%02x), active after reset", size, value)
	return nil
}
