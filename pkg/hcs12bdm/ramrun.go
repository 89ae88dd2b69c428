package hcs12bdm

import (
	"github.com/george-hopkins/hcs12mem-sub000/pkg/hexfile"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RAMRun loads an image into RAM, points PC at its entry and starts the
// CPU. The entry comes from -j or, failing that, the image itself.
func (h *Handler) RAMRun(file string) error {
	if err := h.ready(true); err != nil {
		return err
	}
	img, err := hexfile.ReadFile(file)
	if err != nil {
		return err
	}

	entry := img.Entry
	switch {
	case h.opts.EntrySet:
		entry = h.opts.Entry
	case !img.HasEntry:
		log.Errorf("RAM run: %s has no entry address", file)
		return errors.Wrap(target.ErrInvalid, "no entry address (use -j)")
	}
	entryOff, ok := h.mcu.RAMReadAddress(entry)
	if !ok {
		log.Errorf("RAM run: entry 0x%04x outside RAM 0x%04x-0x%04x", entry, h.mcu.RAMBase, h.mcu.RAMBase+h.mcu.RAMSize-1)
		return errors.Wrapf(target.ErrInvalid, "entry address 0x%04x outside RAM", entry)
	}

	buf := make([]byte, h.mcu.RAMSize)
	lo, hi, err := img.Load(buf, h.mcu.RAMReadAddress)
	if err != nil {
		return err
	}
	if err := h.pod.WriteMem(uint16(h.mcu.RAMBase+lo), buf[lo:hi]); err != nil {
		return errors.Wrap(err, "RAM load")
	}
	if h.opts.Verify {
		got := make([]byte, hi-lo)
		if err := h.pod.ReadMem(uint16(h.mcu.RAMBase+lo), got); err != nil {
			return err
		}
		for i := range got {
			if got[i] != buf[int(lo)+i] {
				log.Errorf("RAM verify failed at 0x%04x: read 0x%02x, expected 0x%02x",
					h.mcu.RAMBase+lo+uint32(i), got[i], buf[int(lo)+i])
				return errors.Wrap(target.ErrIO, "RAM verify failed")
			}
		}
	}

	pc := uint16(h.mcu.RAMBase + entryOff)
	if err := h.pod.WritePC(pc); err != nil {
		return err
	}
	if err := h.pod.Go(); err != nil {
		return err
	}
	h.agent.loaded = false
	log.Infof("RAM run: %d bytes loaded at 0x%04x, running from 0x%04x", hi-lo, h.mcu.RAMBase+lo, pc)
	return nil
}
