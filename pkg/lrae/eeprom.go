package lrae

import (
	"github.com/george-hopkins/hcs12mem-sub000/pkg/hcs12bdm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// eepromEraseEnabled gates the agent based EEPROM erase below. While it is
// off EEPROMErase reports the operation unsupported and succeeds.
const eepromEraseEnabled = false

func (h *Handler) EEPROMRead(string) error {
	log.Infof("EEPROM read: not supported by LRAE")
	return nil
}

func (h *Handler) EEPROMWrite(string) error {
	log.Infof("EEPROM write: not supported by LRAE")
	return nil
}

func (h *Handler) EEPROMProtect(string) error {
	log.Infof("EEPROM protect: not supported by LRAE")
	return nil
}

func (h *Handler) EEPROMErase() error {
	if !eepromEraseEnabled {
		log.Infof("EEPROM erase: not supported by LRAE")
		return nil
	}
	if h.mcu.EEPROMSize == 0 {
		log.Infof("EEPROM erase: target has no EEPROM")
		return nil
	}
	if err := h.agentLoad(); err != nil {
		return err
	}
	params := flashParams(0, 0, uint16(h.mcu.EEPROMBase), int(h.mcu.EEPROMSize))
	if _, err := h.command(hcs12bdm.AgentEEPROMMassErase, params, 0, EraseTimeout); err != nil {
		return errors.Wrap(err, "EEPROM erase")
	}
	if _, err := h.command(hcs12bdm.AgentEEPROMEraseVerify, params, 0, EraseTimeout); err != nil {
		return errors.Wrap(err, "EEPROM erase verify")
	}
	log.Infof("EEPROM erased (%d bytes at 0x%04x)", h.mcu.EEPROMSize, h.mcu.EEPROMBase)
	return nil
}
