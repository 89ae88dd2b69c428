package sm

import (
	"bytes"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hexfile"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/wordio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// pageChunks walks [off, off+n) in transfers that stay inside one page.
func pageChunks(off uint32, n int, fn func(off uint32, i, size int) error) error {
	for done := 0; done < n; {
		size := MaxBlock
		if size > n-done {
			size = n - done
		}
		o := off + uint32(done)
		if room := int(mcu.PageSize - o%mcu.PageSize); size > room {
			size = room
		}
		if err := fn(o, done, size); err != nil {
			return err
		}
		done += size
	}
	return nil
}

func (h *Handler) flashRead(op string, off uint32, buf []byte) error {
	return pageChunks(off, len(buf), func(o uint32, i, size int) error {
		_, ppage, addr := h.mcu.FlashPhysical(o)
		if err := h.setPPage(ppage); err != nil {
			return err
		}
		if err := h.readMem(addr, buf[i:i+size]); err != nil {
			return errors.Wrapf(err, "FLASH read at PPAGE 0x%02x:0x%04x", ppage, addr)
		}
		h.progress(op, i+size, len(buf))
		return nil
	})
}

func (h *Handler) FlashRead(file string) error {
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

// monitorOffset returns the in-page offset of buffer offset off when it
// falls into the monitor image at the top of the last page.
func (h *Handler) monitorOffset(off uint32) (uint32, bool) {
	if h.mcu.LinearToPPage(off) != h.mcu.PPageBase+h.mcu.PPageCount-1 {
		return 0, false
	}
	in := off % mcu.PageSize
	return in, in >= mcu.PageSize-MonitorSize
}

// relocate moves vector table bytes of buf to the area below the monitor,
// where the monitor dispatches user vectors from, and drops the rest of the
// monitor range. It returns the new lowest offset.
func (h *Handler) relocate(buf []byte, lo, hi uint32) uint32 {
	moved, dropped := 0, 0
	vectors := uint32(VectorAddr % mcu.PageSize)
	for off := lo; off < hi; off++ {
		in, ok := h.monitorOffset(off)
		if !ok || buf[off] == 0xff {
			continue
		}
		if in >= vectors {
			alias := off - MonitorSize
			buf[alias] = buf[off]
			if alias < lo {
				lo = alias
			}
			moved++
		} else {
			dropped++
		}
		buf[off] = 0xff
	}
	if moved > 0 {
		log.Infof("FLASH write: %d vector bytes relocated below the monitor", moved)
	}
	if dropped > 0 {
		log.Warnf("FLASH write: %d bytes inside the monitor skipped", dropped)
	}
	return lo
}

func (h *Handler) flashProgram(op string, off uint32, buf []byte) error {
	return pageChunks(off, len(buf), func(o uint32, i, size int) error {
		data := buf[i : i+size]
		if hexfile.Erased(data) {
			return nil
		}
		_, ppage, addr := h.mcu.FlashPhysical(o)
		if err := h.setPPage(ppage); err != nil {
			return err
		}
		if err := h.writeMem(addr, data); err != nil {
			return errors.Wrapf(err, "FLASH write at 0x%06x", h.mcu.FlashWriteAddress(o))
		}
		h.progress(op, i+size, len(buf))
		return nil
	})
}

func (h *Handler) FlashWrite(file string) error {
	img, err := hexfile.ReadFile(file)
	if err != nil {
		return err
	}
	buf := bytes.Repeat([]byte{0xff}, int(h.mcu.FlashImageSize()))
	lo, hi, err := img.Load(buf, h.mcu.FlashReadAddress)
	if err != nil {
		return err
	}
	lo = h.relocate(buf, lo, hi)
	lo, hi = wordio.Align(lo, hi)
	log.Debugf("FLASH write: offsets 0x%05x-0x%05x", lo, hi-1)

	if err := h.flashProgram("FLASH write", lo, buf[lo:hi]); err != nil {
		return err
	}
	if h.opts.Verify {
		got := make([]byte, hi-lo)
		if err := h.flashRead("FLASH verify", lo, got); err != nil {
			return err
		}
		for i := range got {
			if _, mon := h.monitorOffset(lo + uint32(i)); mon {
				continue
			}
			if got[i] != buf[int(lo)+i] {
				log.Errorf("FLASH verify failed at 0x%06x: read 0x%02x, expected 0x%02x",
					h.mcu.FlashWriteAddress(lo+uint32(i)), got[i], buf[int(lo)+i])
				return errors.Wrap(target.ErrIO, "FLASH verify failed")
			}
		}
	}
	log.Infof("FLASH write: %d bytes programmed", img.Size())
	return nil
}

// FlashErase erases everything but the monitor and checks the result. The
// monitor reports completion only by returning its prompt.
func (h *Handler) FlashErase() error {
	if _, err := h.transact([]byte{CmdEraseAll}, 0, EraseTimeout); err != nil {
		return errors.Wrap(err, "FLASH erase")
	}
	h.ppage = -1

	last := h.mcu.PPageBase + h.mcu.PPageCount - 1
	block := make([]byte, MaxBlock)
	total := int(h.mcu.FlashSize)
	for off := uint32(0); off < h.mcu.FlashSize; off += MaxBlock {
		ppage := h.mcu.PPageBase + off/mcu.PageSize
		in := off % mcu.PageSize
		if ppage == last && in >= mcu.PageSize-MonitorSize {
			continue
		}
		if err := h.setPPage(ppage); err != nil {
			return err
		}
		addr := mcu.WindowAddress(off)
		if err := h.readMem(addr, block); err != nil {
			return err
		}
		if !hexfile.Erased(block) {
			for i, v := range block {
				if v != 0xff {
					log.Errorf("FLASH erase verify failed at PPAGE 0x%02x:0x%04x: read 0x%02x, expected 0xff", ppage, int(addr)+i, v)
					break
				}
			}
			return errors.Wrap(target.ErrIO, "FLASH erase verify failed")
		}
		h.progress("FLASH erase verify", int(off)+MaxBlock, total)
	}
	log.Infof("FLASH erased, monitor kept")
	return nil
}

// FlashProtect is refused: FPROT lives in the configuration field owned by
// the monitor image.
func (h *Handler) FlashProtect(string) error {
	log.Errorf("FLASH protect: not supported by the serial monitor")
	return errors.Wrap(target.ErrNotSupported, "SM FLASH protect")
}
