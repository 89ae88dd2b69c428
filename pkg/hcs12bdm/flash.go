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

// flashAgentAddr maps a FLASH buffer offset to the agent block/ppage/window
// fields.
func (h *Handler) flashAgentAddr(off uint32) (byte, byte, uint16) {
	block, ppage, addr := h.mcu.FlashPhysical(off)
	return byte(block), byte(ppage), addr
}

// flashRead reads FLASH buffer range [off, off+len(buf)) page by page.
func (h *Handler) flashRead(op string, off uint32, buf []byte) error {
	mode, err := h.mode("flash_read")
	if err != nil {
		return err
	}
	if mode == ModeAgent {
		if err := h.agentLoad(); err != nil {
			return err
		}
		return h.agentTransfer(op, AgentFlashRead, true, buf, h.flashAgentAddr, off)
	}
	for done := 0; done < len(buf); {
		o := off + uint32(done)
		n := readChunk - int(o%readChunk)
		if n > len(buf)-done {
			n = len(buf) - done
		}
		_, ppage, addr := h.mcu.FlashPhysical(o)
		if err := h.setPPage(ppage); err != nil {
			return err
		}
		if err := h.pod.ReadMem(addr, buf[done:done+n]); err != nil {
			return errors.Wrapf(err, "FLASH read at PPAGE 0x%02x:0x%04x", ppage, addr)
		}
		done += n
		h.progress(op, done, len(buf))
	}
	return nil
}

func (h *Handler) FlashRead(file string) error {
	if err := h.ready(true); err != nil {
		return err
	}
	buf := make([]byte, h.mcu.FlashImageSize())
	if err := h.flashRead("FLASH read", 0, buf); err != nil {
		return err
	}
	img := hexfile.FromBuffer(buf, h.mcu.FlashWriteAddress, h.opts.IncludeErased)
	if err := hexfile.WriteFile(file, img); err != nil {
		return err
	}
	log.Infof("FLASH read: %d bytes saved to %s (%s)", img.Size(), file, h.mcu.Mode)
	return nil
}

func (h *Handler) FlashErase() error {
	if err := h.ready(false); err != nil {
		return err
	}
	if err := h.flashEraseAll(); err != nil {
		return err
	}
	log.Infof("FLASH erased")
	return nil
}

// flashEraseAll mass erases and blank checks every FLASH block.
func (h *Handler) flashEraseAll() error {
	mode, err := h.mode("flash_erase")
	if err != nil {
		return err
	}
	if mode == ModeAgent {
		if err := h.agentLoad(); err != nil {
			return err
		}
	}
	for block := uint32(0); block < h.mcu.FlashBlocks; block++ {
		log.Debugf("FLASH erase block %d", block)
		if mode == ModeAgent {
			ppage := byte(h.mcu.BlockToPPageBase(block))
			if err := h.agentRun(AgentFlashMassErase, byte(block), ppage, mcu.PageWindow, 0); err != nil {
				return errors.Wrapf(err, "block %d", block)
			}
			if err := h.agentRun(AgentFlashEraseVerify, byte(block), ppage, mcu.PageWindow, 0); err != nil {
				return errors.Wrapf(err, "block %d", block)
			}
		} else if err := h.flashMassErase(block); err != nil {
			return err
		}
		h.progress("FLASH erase", int(block+1), int(h.mcu.FlashBlocks))
	}
	return nil
}

// flashProgram programs buf at word aligned buffer offset off. Erased words
// are skipped.
func (h *Handler) flashProgram(op string, off uint32, buf []byte) error {
	mode, err := h.mode("flash_write")
	if err != nil {
		return err
	}
	if mode == ModeAgent {
		if err := h.agentLoad(); err != nil {
			return err
		}
		return h.agentTransfer(op, AgentFlashWrite, false, buf, h.flashAgentAddr, off)
	}
	for i := 0; i < len(buf); i += 2 {
		if buf[i] == 0xff && buf[i+1] == 0xff {
			continue
		}
		o := off + uint32(i)
		block, ppage, addr := h.mcu.FlashPhysical(o)
		word := uint16(buf[i])<<8 | uint16(buf[i+1])
		if _, err := h.flashCommand(mcu.CmdProgram, block, ppage, addr, word); err != nil {
			return errors.Wrapf(err, "FLASH write at 0x%06x", h.mcu.FlashWriteAddress(o))
		}
		if i%readChunk == 0 {
			h.progress(op, i+2, len(buf))
		}
	}
	h.progress(op, len(buf), len(buf))
	return nil
}

func (h *Handler) FlashWrite(file string) error {
	if err := h.ready(true); err != nil {
		return err
	}
	img, err := hexfile.ReadFile(file)
	if err != nil {
		return err
	}
	buf := bytes.Repeat([]byte{0xff}, int(h.mcu.FlashImageSize()))
	lo, hi, err := img.Load(buf, h.mcu.FlashReadAddress)
	if err != nil {
		return err
	}
	lo, hi = wordio.Align(lo, hi)
	log.Debugf("FLASH write: offsets 0x%05x-0x%05x", lo, hi-1)

	if err := h.flashProgram("FLASH write", lo, buf[lo:hi]); err != nil {
		return err
	}
	if h.opts.Verify {
		if err := h.verify("FLASH", lo, buf[lo:hi], h.flashRead); err != nil {
			return err
		}
	}
	log.Infof("FLASH write: %d bytes programmed", img.Size())
	return nil
}

func (h *Handler) FlashProtect(size string) error {
	if err := h.ready(true); err != nil {
		return err
	}
	value, err := FlashProtectValue(size)
	if err != nil {
		return err
	}
	mode, err := h.mode("flash_write")
	if err != nil {
		return err
	}

	// FPROT mirror shares a word with the byte below it.
	wordAddr := uint16(mcu.FlashProtectAddr &^ 1)
	word, err := h.readConfigWord(wordAddr)
	if err != nil {
		return err
	}
	existing := byte(word)
	if existing != 0xff {
		if !h.opts.Force {
			log.Errorf("FLASH protection already set: 0x%02x", existing)
			return errors.Wrap(target.ErrInvalid, "FLASH protection already set (use -f to overwrite)")
		}
		log.Warnf("FLASH protection already set to 0x%02x, overwriting (forced)", existing)
		if existing&value != value {
			log.Errorf("FLASH protection 0x%02x cannot be relaxed to 0x%02x without erase", existing, value)
			return errors.Wrap(target.ErrInvalid, "FLASH protection can only be tightened without erase")
		}
	}
	if mode == ModeAgent {
		if err := h.agentLoad(); err != nil {
			return err
		}
		block, ppage, addr := h.configWindow(mcu.FlashProtectAddr)
		if err := h.agentRun(AgentFlashProtect, byte(block), byte(ppage), addr, uint16(value)); err != nil {
			return err
		}
	} else if err := h.programConfigWord(wordAddr, word&0xff00|uint16(value)); err != nil {
		return err
	}
	if h.opts.Verify {
		got, err := h.readConfigWord(wordAddr)
		if err != nil {
			return err
		}
		if byte(got) != value {
			log.Errorf("FLASH protect verify: read 0x%02x, expected 0x%02x", byte(got), value)
			return errors.Wrap(target.ErrIO, "FLASH protect verify failed")
		}
	}
	log.Infof("FLASH protection set to %s (FPROT 0x%02x), active after reset", size, value)
	return nil
}
