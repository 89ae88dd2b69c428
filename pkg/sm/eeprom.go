package sm

import (
	"github.com/george-hopkins/hcs12mem-sub000/pkg/hcs12bdm"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/hexfile"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/wordio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func (h *Handler) eepromPresent(op string) bool {
	if h.mcu.EEPROMSize == 0 {
		log.Infof("%s: target has no EEPROM", op)
		return false
	}
	return true
}

func (h *Handler) eepromAddr(off uint32) uint16 {
	return uint16(h.mcu.EEPROMBase + off)
}

func (h *Handler) EEPROMRead(file string) error {
	if !h.eepromPresent("EEPROM read") {
		return errors.Wrap(target.ErrInvalid, "no EEPROM to read")
	}
	buf := make([]byte, h.mcu.EEPROMSize)
	if err := h.readMem(h.eepromAddr(0), buf); err != nil {
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
	if !h.eepromPresent("EEPROM erase") {
		return nil
	}
	if _, err := h.transact([]byte{CmdEraseEEPROM}, 0, EraseTimeout); err != nil {
		return errors.Wrap(err, "EEPROM erase")
	}
	buf := make([]byte, h.mcu.EEPROMSize)
	if err := h.readMem(h.eepromAddr(0), buf); err != nil {
		return err
	}
	if !hexfile.Erased(buf) {
		log.Errorf("EEPROM erase verify failed")
		return errors.Wrap(target.ErrIO, "EEPROM erase verify failed")
	}
	log.Infof("EEPROM erased")
	return nil
}

// EEPROMWrite programs whole words. Bytes of a word outside the image keep
// their current value.
func (h *Handler) EEPROMWrite(file string) error {
	if !h.eepromPresent("EEPROM write") {
		return errors.Wrap(target.ErrInvalid, "no EEPROM to write")
	}
	img, err := hexfile.ReadFile(file)
	if err != nil {
		return err
	}
	buf := make([]byte, h.mcu.EEPROMSize)
	if err := h.readMem(h.eepromAddr(0), buf); err != nil {
		return err
	}
	lo, hi, err := img.Load(buf, h.mcu.EEPROMReadAddress)
	if err != nil {
		return err
	}
	if h.mcu.EEPROMReserved(lo, hi-lo) {
		log.Errorf("EEPROM write: image reaches the protected tail at offset 0x%x", h.mcu.EEPROMSize-mcu.EEPROMReservedSize)
		return errors.Wrap(target.ErrInvalid, "EEPROM write into protection area (use -D)")
	}
	lo, hi = wordio.Align(lo, hi)
	if err := h.writeMem(h.eepromAddr(lo), buf[lo:hi]); err != nil {
		return errors.Wrap(err, "EEPROM write")
	}
	if h.opts.Verify {
		got := make([]byte, hi-lo)
		if err := h.readMem(h.eepromAddr(lo), got); err != nil {
			return err
		}
		for i := range got {
			if got[i] != buf[int(lo)+i] {
				log.Errorf("EEPROM verify failed at 0x%04x: read 0x%02x, expected 0x%02x", int(h.eepromAddr(lo))+i, got[i], buf[int(lo)+i])
				return errors.Wrap(target.ErrIO, "EEPROM verify failed")
			}
		}
	}
	log.Infof("EEPROM write: %d bytes programmed", hi-lo)
	return nil
}

func (h *Handler) EEPROMProtect(size string) error {
	if !h.eepromPresent("EEPROM protect") {
		return errors.Wrap(target.ErrInvalid, "no EEPROM to protect")
	}
	value, err := hcs12bdm.EEPROMProtectValue(size)
	if err != nil {
		return err
	}
	off := h.mcu.EEPROMProtectOffset()
	word := make([]byte, 2)
	if err := h.readMem(h.eepromAddr(off&^1), word); err != nil {
		return err
	}
	existing := word[off&1]
	if existing != 0xff {
		if !h.opts.Force {
			log.Errorf("EEPROM protection already set: 0x%02x", existing)
			return errors.Wrap(target.ErrInvalid, "EEPROM protection already set (use -f to overwrite)")
		}
		log.Warnf("EEPROM protection already set to 0x%02x, overwriting (forced)", existing)
	}
	word[off&1] = value
	if err := h.writeMem(h.eepromAddr(off&^1), word); err != nil {
		return errors.Wrap(err, "EEPROM protect")
	}
	if h.opts.Verify {
		got, err := h.readByteAt(h.eepromAddr(off))
		if err != nil {
			return err
		}
		if got != value {
			log.Errorf("EEPROM protect verify: read 0x%02x, expected 0x%02x", got, value)
			return errors.Wrap(target.ErrIO, "EEPROM protect verify failed")
		}
	}
	log.Infof("EEPROM protection set to %s (EPROT 0x%02x), active after reset", size, value)
	return nil
}
