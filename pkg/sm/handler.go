// Package sm drives the HCS12 serial monitor, a ROM resident debug monitor
// reached over the SCI that answers every command with a status byte and a
// prompt.
package sm

import (
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hexfile"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/serialport"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/targetdesc"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Handler implements target.Handler over the serial monitor.
type Handler struct {
	opts *target.Options
	desc *targetdesc.Description
	mcu  *mcu.Target
	open serialport.Opener
	port serialport.Port

	id IDBlock
	// ppage caches the PPAGE register; -1 when unknown.
	ppage int
}

var _ target.Handler = (*Handler)(nil)

// New prepares a handler. open is usually serialport.Open.
func New(desc *targetdesc.Description, opts *target.Options, open serialport.Opener) (*Handler, error) {
	t, err := mcu.FromDescription(desc, opts.AddressMode)
	if err != nil {
		return nil, err
	}
	return &Handler{opts: opts, desc: desc, mcu: t, open: open, ppage: -1}, nil
}

func (h *Handler) Info() target.Info {
	info := target.Info{Name: "Serial Monitor", Vendor: "Freescale"}
	if h.id != (IDBlock{}) {
		info.Firmware = h.id.String()
	}
	return info
}

// Target returns the MCU geometry.
func (h *Handler) Target() *mcu.Target {
	return h.mcu
}

// Open halts the monitor, waits for its prompt and probes the device.
func (h *Handler) Open() error {
	baud := h.opts.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	port, err := h.open(h.opts.Port, baud)
	if err != nil {
		return err
	}
	h.port = port
	if err := h.connect(); err != nil {
		h.Close()
		return err
	}
	return nil
}

func (h *Handler) connect() error {
	h.ppage = -1
	if err := h.port.Flush(); err != nil {
		return err
	}
	if _, err := h.port.Write([]byte{CmdHalt}); err != nil {
		return err
	}
	if err := h.scanPrompt(); err != nil {
		return err
	}
	return h.probe()
}

// scanPrompt skips whatever the monitor is still sending until a prompt
// shows up.
func (h *Handler) scanPrompt() error {
	for i := 0; i < promptScanMax; i++ {
		b, err := h.port.Recv(FlushTimeout)
		if errors.Is(err, target.ErrTimeout) {
			log.Errorf("SM: no prompt after %d bytes", i)
			return errors.Wrap(target.ErrTimeout, "SM: waiting for prompt")
		}
		if err != nil {
			return err
		}
		if b == Prompt {
			log.Debugf("SM: prompt after %d bytes", i+1)
			return nil
		}
	}
	log.Errorf("SM: no prompt within %d bytes", promptScanMax)
	return errors.Wrap(target.ErrIO, "SM: waiting for prompt")
}

// transact sends cmd and returns the n reply bytes preceding the status
// tail.
func (h *Handler) transact(cmd []byte, n int, timeout time.Duration) ([]byte, error) {
	if h.port == nil {
		return nil, errors.Wrap(target.ErrIO, "SM: port not open")
	}
	if _, err := h.port.Write(cmd); err != nil {
		return nil, err
	}
	reply := make([]byte, n+3)
	if err := serialport.ReadFull(h.port, reply, timeout); err != nil {
		log.Errorf("SM command 0x%02x: reply incomplete", cmd[0])
		return nil, errors.Wrapf(err, "SM command 0x%02x", cmd[0])
	}
	tail := reply[n:]
	if tail[1] != 0 || tail[2] != Prompt {
		log.Errorf("SM command 0x%02x: reply tail % x, expected [status] 00 %02x", cmd[0], tail, Prompt)
		return nil, errors.Wrapf(target.ErrIO, "SM command 0x%02x: lost prompt", cmd[0])
	}
	if err := StatusError(tail[0]); err != nil {
		log.Errorf("SM command 0x%02x: %s (status 0x%02x, expected 0x%02x)", cmd[0], StatusMessage(tail[0]), tail[0], StatusNone)
		return nil, errors.Wrapf(err, "SM command 0x%02x", cmd[0])
	}
	return reply[:n], nil
}

func (h *Handler) readByteAt(addr uint16) (byte, error) {
	b, err := h.transact(ReadByteCmd(addr), 1, ReplyTimeout)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (h *Handler) writeByteAt(addr uint16, v byte) error {
	_, err := h.transact(WriteByteCmd(addr, v), 0, ReplyTimeout)
	return err
}

func (h *Handler) readMem(addr uint16, buf []byte) error {
	for done := 0; done < len(buf); {
		n := MaxBlock
		if n > len(buf)-done {
			n = len(buf) - done
		}
		data, err := h.transact(ReadBlock(addr+uint16(done), n), n, ReplyTimeout)
		if err != nil {
			return errors.Wrapf(err, "read 0x%04x", addr+uint16(done))
		}
		copy(buf[done:], data)
		done += n
	}
	return nil
}

func (h *Handler) writeMem(addr uint16, buf []byte) error {
	for done := 0; done < len(buf); {
		n := MaxBlock
		if n > len(buf)-done {
			n = len(buf) - done
		}
		if _, err := h.transact(WriteBlock(addr+uint16(done), buf[done:done+n]), 0, ReplyTimeout); err != nil {
			return errors.Wrapf(err, "write 0x%04x", addr+uint16(done))
		}
		done += n
	}
	return nil
}

func (h *Handler) setPPage(ppage uint32) error {
	if h.ppage == int(ppage) {
		return nil
	}
	if err := h.writeByteAt(mcu.RegPPAGE, byte(ppage)); err != nil {
		h.ppage = -1
		return errors.Wrap(err, "set PPAGE")
	}
	h.ppage = int(ppage)
	return nil
}

// probe validates the device code and reads part ID, monitor ID block and
// the RAM/EEPROM mapping.
func (h *Handler) probe() error {
	info, err := h.transact([]byte{CmdDeviceInfo}, 3, ReplyTimeout)
	if err != nil {
		return errors.Wrap(err, "device info")
	}
	if info[0] != DeviceCode {
		log.Errorf("SM: device code 0x%02x, expected 0x%02x", info[0], DeviceCode)
		return errors.Wrap(target.ErrIO, "SM: unexpected device code")
	}
	partID := uint16(info[1])<<8 | uint16(info[2])

	var id IDBlock
	if err := h.readMem(IDBlockAddr, id[:]); err != nil {
		return errors.Wrap(err, "monitor ID block")
	}
	h.id = id

	initrm, err := h.readByteAt(mcu.RegINITRM)
	if err != nil {
		return err
	}
	initee, err := h.readByteAt(mcu.RegINITEE)
	if err != nil {
		return err
	}
	h.mcu.ApplyProbe(partID, initrm, initee, false)

	part := mcu.LookupPart(partID)
	log.Infof("%s, target %s, PARTID 0x%04x (%s rev %d)", id, h.mcu.Name, partID, part.Name, mcu.Revision(partID))
	log.Debugf("geometry: %s", h.mcu)
	return nil
}

func (h *Handler) Close() error {
	if h.port == nil {
		return nil
	}
	err := h.port.Close()
	h.port = nil
	return err
}

// Reset resets the MCU through the monitor and reconnects once it has
// restarted.
func (h *Handler) Reset() error {
	if h.port == nil {
		return errors.Wrap(target.ErrIO, "SM: port not open")
	}
	if _, err := h.port.Write([]byte{CmdReset}); err != nil {
		return err
	}
	if err := h.scanPrompt(); err != nil {
		return errors.Wrap(err, "reset")
	}
	if err := h.connect(); err != nil {
		return err
	}
	log.Infof("target reset")
	return nil
}

func (h *Handler) progress(op string, done, total int) {
	h.opts.Progress.Report(op, done, total)
}

// RAMRun loads an image into RAM and starts it at its entry address.
func (h *Handler) RAMRun(file string) error {
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
	base := uint16(h.mcu.RAMBase + lo)
	if err := h.writeMem(base, buf[lo:hi]); err != nil {
		return errors.Wrap(err, "RAM load")
	}
	if h.opts.Verify {
		got := make([]byte, hi-lo)
		if err := h.readMem(base, got); err != nil {
			return err
		}
		for i := range got {
			if got[i] != buf[int(lo)+i] {
				log.Errorf("RAM verify failed at 0x%04x: read 0x%02x, expected 0x%02x", int(base)+i, got[i], buf[int(lo)+i])
				return errors.Wrap(target.ErrIO, "RAM verify failed")
			}
		}
	}
	pc := uint16(h.mcu.RAMBase + entryOff)
	if _, err := h.transact(WritePC(pc), 0, ReplyTimeout); err != nil {
		return err
	}
	if _, err := h.transact([]byte{CmdGo}, 0, ReplyTimeout); err != nil {
		return err
	}
	log.Infof("RAM run: %d bytes loaded at 0x%04x, running from 0x%04x", hi-lo, base, pc)
	return nil
}

func (h *Handler) Secure() error {
	log.Errorf("secure: not supported by the serial monitor")
	return errors.Wrap(target.ErrNotSupported, "SM secure")
}

// Unsecure succeeds trivially: a part running the monitor is unsecured.
func (h *Handler) Unsecure() error {
	log.Infof("unsecure: target running the serial monitor is unsecured")
	return nil
}
