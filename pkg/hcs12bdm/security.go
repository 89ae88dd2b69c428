package hcs12bdm

import (
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Secure programs the FLASH security word to the secured pattern. FSEC is
// loaded at reset, so the target is reconnected afterwards.
func (h *Handler) Secure() error {
	if err := h.ready(false); err != nil {
		return err
	}
	if h.mcu.Secured && !h.opts.Force {
		log.Infof("target already secured")
		return nil
	}
	if err := h.writeSecurity(mcu.SecuritySecured); err != nil {
		return err
	}
	if err := h.connect(); err != nil {
		return err
	}
	if !h.mcu.Secured {
		log.Errorf("secure: target still unsecured after reset")
		return errors.Wrap(target.ErrIO, "secure failed")
	}
	log.Infof("target secured")
	return nil
}

// Unsecure mass erases EEPROM and FLASH, then programs the unsecured
// pattern into the security word.
func (h *Handler) Unsecure() error {
	if err := h.ready(false); err != nil {
		return err
	}
	if !h.mcu.Secured && !h.opts.Force {
		log.Infof("target already unsecured")
		return nil
	}
	if h.mcu.EEPROMSize > 0 {
		log.Infof("unsecure: erasing EEPROM")
		if err := h.EEPROMErase(); err != nil {
			return err
		}
	}
	log.Infof("unsecure: erasing FLASH")
	if err := h.flashEraseAll(); err != nil {
		return err
	}
	if err := h.connect(); err != nil {
		return err
	}
	if err := h.writeSecurity(mcu.SecurityUnsecured); err != nil {
		return err
	}
	if err := h.connect(); err != nil {
		return err
	}
	if h.mcu.Secured {
		log.Errorf("unsecure: target still secured after reset")
		return errors.Wrap(target.ErrIO, "unsecure failed")
	}
	log.Infof("target unsecured")
	return nil
}

func (h *Handler) writeSecurity(value uint16) error {
	mode, err := h.mode("flash_write")
	if err != nil {
		return err
	}
	log.Debugf("security word 0x%04x = 0x%04x", mcu.FlashSecurityAddr, value)
	if mode == ModeAgent {
		if err := h.agentLoad(); err != nil {
			return err
		}
		block, ppage, addr := h.configWindow(mcu.FlashSecurityAddr)
		buf := []byte{byte(value >> 8), byte(value)}
		if err := h.pod.WriteMem(h.agent.bufAddr, buf); err != nil {
			return err
		}
		return h.agentRun(AgentFlashWrite, byte(block), byte(ppage), addr, uint16(len(buf)))
	}
	return h.programConfigWord(mcu.FlashSecurityAddr, value)
}
