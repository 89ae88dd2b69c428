// Package lrae talks to the LRAE (load RAM and execute) serial bootloader.
// After a sync handshake the bootloader accepts one RAM image and jumps to
// it; FLASH operations are carried out by an agent loaded that way.
package lrae

import (
	"bytes"
	"fmt"
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hcs12bdm"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/hexfile"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/serialport"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/targetdesc"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/wordio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DataMax bounds the data carried by one agent frame.
const DataMax = 128

// Handler implements target.Handler over the LRAE bootloader.
type Handler struct {
	opts *target.Options
	desc *targetdesc.Description
	mcu  *mcu.Target
	open serialport.Opener
	port serialport.Port
	baud int

	// agent is set once the FLASH agent answers frames; user is set once a
	// user image took over the bootloader.
	agent bool
	user  bool
}

var _ target.Handler = (*Handler)(nil)

// New prepares a handler. open is usually serialport.Open.
func New(desc *targetdesc.Description, opts *target.Options, open serialport.Opener) (*Handler, error) {
	t, err := mcu.FromDescription(desc, opts.AddressMode)
	if err != nil {
		return nil, err
	}
	return &Handler{opts: opts, desc: desc, mcu: t, open: open}, nil
}

func (h *Handler) Info() target.Info {
	info := target.Info{Name: "LRAE", Vendor: "Motorola"}
	if h.baud != 0 {
		info.Notes = fmt.Sprintf("synchronized at %d baud", h.baud)
	}
	return info
}

// Target returns the MCU geometry.
func (h *Handler) Target() *mcu.Target {
	return h.mcu
}

// Open selects the baud rate, opens the port and synchronizes with the
// bootloader. The port is closed again if synchronization fails.
func (h *Handler) Open() error {
	baud := h.opts.Baud
	if baud == 0 {
		var err error
		if baud, err = NegotiateBaud(h.opts.Osc); err != nil {
			log.Errorf("LRAE: no baud rate for oscillator %d Hz", h.opts.Osc)
			return err
		}
		log.Debugf("LRAE: negotiated %d baud for oscillator %d Hz", baud, h.opts.Osc)
	}
	port, err := h.open(h.opts.Port, baud)
	if err != nil {
		return err
	}
	h.port = port
	if err := h.port.Flush(); err != nil {
		h.closePort()
		return err
	}
	if err := h.sync(); err != nil {
		h.closePort()
		return err
	}
	h.baud = baud
	log.Infof("LRAE: synchronized at %d baud", baud)
	return nil
}

func (h *Handler) sync() error {
	var last byte
	for i := 0; i < SyncRetries; i++ {
		if _, err := h.port.Write([]byte{SyncByte}); err != nil {
			return err
		}
		b, err := h.port.Recv(SyncTimeout)
		if errors.Is(err, target.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		if b == SyncAck {
			return nil
		}
		last = b
		log.Debugf("LRAE: sync attempt %d: got 0x%02x", i+1, b)
	}
	log.Errorf("LRAE: no sync after %d attempts: last 0x%02x, expected 0x%02x", SyncRetries, last, SyncAck)
	return errors.Wrap(target.ErrTimeout, "LRAE sync")
}

func (h *Handler) closePort() error {
	if h.port == nil {
		return nil
	}
	err := h.port.Close()
	h.port = nil
	return err
}

func (h *Handler) Close() error {
	h.agent = false
	return h.closePort()
}

// Reset cannot be requested over the bootloader link.
func (h *Handler) Reset() error {
	log.Errorf("reset: not supported by LRAE")
	return errors.Wrap(target.ErrNotSupported, "LRAE reset")
}

// load sends a RAM image to the bootloader, which starts it once the
// checksum matches.
func (h *Handler) load(addr uint16, data []byte) error {
	if h.port == nil {
		return errors.Wrap(target.ErrIO, "LRAE: port not open")
	}
	if h.agent || h.user {
		log.Errorf("LRAE: bootloader already handed over to a RAM image")
		return errors.Wrap(target.ErrInvalid, "LRAE: reset the target before loading another image")
	}
	header := LoadHeader(addr, uint16(len(data)))
	sum := Checksum(header)
	if _, err := h.port.Write(header); err != nil {
		return err
	}
	for _, b := range data {
		if _, err := h.port.Write([]byte{b}); err != nil {
			return err
		}
		sum += b
	}
	if _, err := h.port.Write([]byte{sum}); err != nil {
		return err
	}
	ack, err := h.port.Recv(ChecksumTimeout)
	if err != nil && !errors.Is(err, target.ErrTimeout) {
		return err
	}
	if err != nil || ack != ChecksumAck {
		log.Errorf("LRAE: load checksum not acknowledged: got 0x%02x, expected 0x%02x", ack, ChecksumAck)
		return errors.Wrap(target.ErrInvalid, "LRAE load failed, reset the target and retry")
	}
	log.Debugf("LRAE: %d bytes loaded at 0x%04x", len(data), addr)
	return nil
}

// loadImage reads file into a RAM buffer and returns its placement.
func (h *Handler) loadImage(file string) (img *hexfile.Image, buf []byte, lo, hi uint32, err error) {
	img, err = hexfile.ReadFile(file)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	buf = make([]byte, h.mcu.RAMSize)
	lo, hi, err = img.Load(buf, h.mcu.RAMReadAddress)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	return img, buf, lo, hi, nil
}

// RAMRun hands the bootloader a user image. The bootloader starts images at
// their load address, so an entry elsewhere is refused.
func (h *Handler) RAMRun(file string) error {
	img, buf, lo, hi, err := h.loadImage(file)
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
	if !ok || entryOff != lo {
		log.Errorf("RAM run: entry 0x%04x, expected load address 0x%04x", entry, h.mcu.RAMBase+lo)
		return errors.Wrap(target.ErrInvalid, "LRAE starts images at their lowest address")
	}
	base := uint16(h.mcu.RAMBase + lo)
	if err := h.load(base, buf[lo:hi]); err != nil {
		return err
	}
	h.user = true
	log.Infof("RAM run: %d bytes loaded at 0x%04x, running", hi-lo, base)
	return nil
}

// agentLoad loads the FLASH agent named by lrae_agent and initializes it.
func (h *Handler) agentLoad() error {
	if h.agent {
		return nil
	}
	name, ok := h.desc.Info("lrae_agent")
	if !ok {
		return errors.Wrapf(target.ErrInvalid, "target %s: lrae_agent not set", h.desc.Name)
	}
	_, buf, lo, hi, err := h.loadImage(h.desc.ResolvePath(name))
	if err != nil {
		return errors.Wrap(err, "agent image")
	}
	if err := h.load(uint16(h.mcu.RAMBase+lo), buf[lo:hi]); err != nil {
		return err
	}
	h.agent = true
	osc := uint16(h.opts.Osc / 1000)
	if _, err := h.command(hcs12bdm.AgentInit, []byte{byte(osc >> 8), byte(osc)}, 0, ReplyTimeout); err != nil {
		h.agent = false
		return errors.Wrap(err, "agent init")
	}
	return nil
}

// command sends one frame and collects its status, followed for reads by n
// data bytes and their checksum.
func (h *Handler) command(cmd byte, payload []byte, n int, timeout time.Duration) ([]byte, error) {
	if h.user {
		return nil, errors.Wrap(target.ErrIO, "LRAE: target is running a user image")
	}
	frame := Frame(cmd, payload)
	log.Debugf("LRAE: frame % x", frame)
	if _, err := h.port.Write(frame); err != nil {
		return nil, err
	}
	status, err := h.port.Recv(timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "LRAE command 0x%02x", cmd)
	}
	if status != hcs12bdm.AgentStatusNone {
		log.Errorf("LRAE command 0x%02x: status 0x%02x, expected 0x%02x", cmd, status, hcs12bdm.AgentStatusNone)
		if status == hcs12bdm.AgentStatusSum {
			return nil, errors.Wrapf(target.ErrIO, "LRAE command 0x%02x: checksum error", cmd)
		}
		return nil, errors.Wrapf(target.ErrIO, "LRAE command 0x%02x failed", cmd)
	}
	if n == 0 {
		return nil, nil
	}
	data := make([]byte, n+1)
	if err := serialport.ReadFull(h.port, data, ReplyTimeout); err != nil {
		return nil, errors.Wrapf(err, "LRAE command 0x%02x data", cmd)
	}
	if sum := Checksum(data[:n]); sum != data[n] {
		log.Errorf("LRAE command 0x%02x: data checksum 0x%02x, expected 0x%02x", cmd, data[n], sum)
		return nil, errors.Wrapf(target.ErrIO, "LRAE command 0x%02x: data checksum error", cmd)
	}
	return data[:n], nil
}

func flashParams(block, ppage uint32, addr uint16, n int) []byte {
	return []byte{byte(block), byte(ppage), byte(addr >> 8), byte(addr), byte(n >> 8), byte(n)}
}

func (h *Handler) progress(op string, done, total int) {
	h.opts.Progress.Report(op, done, total)
}

// lraeSector reports whether in-page offset off of PPAGE ppage lies in the
// bootloader's own sectors at the top of the last page.
func (h *Handler) lraeSector(ppage, off uint32) bool {
	if h.mcu.LRAESize == 0 {
		return false
	}
	return ppage == h.mcu.PPageBase+h.mcu.PPageCount-1 && off%mcu.PageSize >= mcu.PageSize-h.mcu.LRAESize
}

// flashChunks walks [off, off+n) in frames that stay inside one page.
func flashChunks(off uint32, n int, fn func(off uint32, i, size int) error) error {
	for done := 0; done < n; {
		size := DataMax
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
	if err := h.agentLoad(); err != nil {
		return err
	}
	return flashChunks(off, len(buf), func(o uint32, i, size int) error {
		block, ppage, addr := h.mcu.FlashPhysical(o)
		data, err := h.command(hcs12bdm.AgentFlashRead, flashParams(block, ppage, addr, size), size, ReplyTimeout)
		if err != nil {
			return errors.Wrapf(err, "FLASH read at PPAGE 0x%02x:0x%04x", ppage, addr)
		}
		copy(buf[i:], data)
		h.progress(op, i+size, len(buf))
		return nil
	})
}

func (h *Handler) flashProgram(op string, off uint32, buf []byte) error {
	if err := h.agentLoad(); err != nil {
		return err
	}
	return flashChunks(off, len(buf), func(o uint32, i, size int) error {
		data := buf[i : i+size]
		if hexfile.Erased(data) {
			return nil
		}
		block, ppage, addr := h.mcu.FlashPhysical(o)
		payload := append(flashParams(block, ppage, addr, size), data...)
		if _, err := h.command(hcs12bdm.AgentFlashWrite, payload, 0, ReplyTimeout); err != nil {
			return errors.Wrapf(err, "FLASH write at 0x%06x", h.mcu.FlashWriteAddress(o))
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
	if h.opts.KeepLRAE {
		if err := h.requireLRAESize(); err != nil {
			return err
		}
		dropped := 0
		for off := lo; off < hi; off++ {
			if h.lraeSector(h.mcu.LinearToPPage(off), off) && buf[off] != 0xff {
				buf[off] = 0xff
				dropped++
			}
		}
		if dropped > 0 {
			log.Warnf("FLASH write: %d bytes inside LRAE skipped", dropped)
		}
	}
	lo, hi = wordio.Align(lo, hi)
	if err := h.flashProgram("FLASH write", lo, buf[lo:hi]); err != nil {
		return err
	}
	if h.opts.Verify {
		got := make([]byte, hi-lo)
		if err := h.flashRead("FLASH verify", lo, got); err != nil {
			return err
		}
		for i := range got {
			off := lo + uint32(i)
			if h.opts.KeepLRAE && h.lraeSector(h.mcu.LinearToPPage(off), off) {
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

func (h *Handler) requireLRAESize() error {
	if h.mcu.LRAESize == 0 || h.mcu.LRAESize > mcu.PageSize || h.mcu.LRAESize%h.mcu.FlashSector != 0 {
		return errors.Wrapf(target.ErrInvalid, "target %s: lrae_size not set or not a whole number of sectors", h.desc.Name)
	}
	return nil
}

// configPhysical locates a CPU address of the fixed top page.
func (h *Handler) configPhysical(cpu uint16) (block, ppage uint32, addr uint16) {
	ppage = h.mcu.PPageBase + h.mcu.PPageCount - 1
	return h.mcu.PPageToBlock(ppage), ppage, mcu.WindowAddress(uint32(cpu))
}

// FlashErase mass erases every block, or with -k sweeps all sectors but the
// bootloader's own and rewrites the reset vector.
func (h *Handler) FlashErase() error {
	if err := h.agentLoad(); err != nil {
		return err
	}
	if !h.opts.KeepLRAE {
		for block := uint32(0); block < h.mcu.FlashBlocks; block++ {
			ppage := h.mcu.BlockToPPageBase(block)
			params := flashParams(block, ppage, mcu.PageWindow, 0)
			if _, err := h.command(hcs12bdm.AgentFlashMassErase, params, 0, EraseTimeout); err != nil {
				return errors.Wrapf(err, "block %d", block)
			}
			if _, err := h.command(hcs12bdm.AgentFlashEraseVerify, params, 0, EraseTimeout); err != nil {
				return errors.Wrapf(err, "block %d", block)
			}
			h.progress("FLASH erase", int(block+1), int(h.mcu.FlashBlocks))
		}
		log.Warnf("FLASH erased including LRAE; the target is secured and needs BDM to recover")
		return nil
	}

	if err := h.requireLRAESize(); err != nil {
		return err
	}
	block, ppage, vecAddr := h.configPhysical(mcu.FlashResetVector)
	vec, err := h.command(hcs12bdm.AgentFlashRead, flashParams(block, ppage, vecAddr, 2), 2, ReplyTimeout)
	if err != nil {
		return errors.Wrap(err, "read reset vector")
	}

	// Sectors are swept in linear order, not in file address order.
	total := int(h.mcu.FlashSize / h.mcu.FlashSector)
	for i := 0; i < total; i++ {
		off := uint32(i) * h.mcu.FlashSector
		sppage := h.mcu.PPageBase + off/mcu.PageSize
		if h.lraeSector(sppage, off) {
			continue
		}
		params := flashParams(h.mcu.PPageToBlock(sppage), sppage, mcu.WindowAddress(off), 0)
		if _, err := h.command(hcs12bdm.AgentFlashEraseSector, params, 0, EraseTimeout); err != nil {
			return errors.Wrapf(err, "sector at offset 0x%05x", off)
		}
		h.progress("FLASH erase", i+1, total)
	}

	payload := append(flashParams(block, ppage, vecAddr, 2), vec...)
	if _, err := h.command(hcs12bdm.AgentFlashWrite, payload, 0, ReplyTimeout); err != nil {
		return errors.Wrap(err, "rewrite reset vector")
	}
	log.Infof("FLASH erased, LRAE kept (reset vector 0x%02x%02x); target stays unsecured", vec[0], vec[1])
	return nil
}

func (h *Handler) FlashProtect(string) error {
	log.Errorf("FLASH protect: not supported by LRAE")
	return errors.Wrap(target.ErrNotSupported, "LRAE FLASH protect")
}

func (h *Handler) Secure() error {
	log.Errorf("secure: not supported by LRAE")
	return errors.Wrap(target.ErrNotSupported, "LRAE secure")
}

// Unsecure succeeds trivially: a part that runs LRAE is not secured.
func (h *Handler) Unsecure() error {
	log.Infof("unsecure: target running LRAE is unsecured")
	return nil
}
