package hcs12bdm

import (
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hexfile"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RAM agent commands.
const (
	AgentInit              = 0x01
	AgentEEPROMMassErase   = 0x10
	AgentEEPROMEraseVerify = 0x11
	AgentEEPROMEraseArea   = 0x12
	AgentEEPROMRead        = 0x13
	AgentEEPROMWrite       = 0x14
	AgentEEPROMProtect     = 0x15
	AgentFlashMassErase    = 0x20
	AgentFlashEraseVerify  = 0x21
	AgentFlashEraseSector  = 0x22
	AgentFlashRead         = 0x23
	AgentFlashWrite        = 0x24
	AgentFlashProtect      = 0x25
)

// RAM agent status codes.
const (
	AgentStatusNone   = 0x00
	AgentStatusXtal   = 0x01
	AgentStatusCmd    = 0x02
	AgentStatusVerify = 0x03
	AgentStatusPgm    = 0x04
	AgentStatusSum    = 0x55
)

// Parameter block offsets from the lowest agent image address.
const (
	AgentParamCmd    = 0
	AgentParamStatus = 1
	AgentParamBlock  = 2
	AgentParamPPage  = 3
	AgentParamAddr   = 4
	AgentParamLen    = 6
	AgentParamOsc    = 8
)

type agent struct {
	loaded  bool
	base    uint16
	entry   uint16
	bufAddr uint16
	bufLen  uint16
}

// AgentError maps an agent status byte to the error taxonomy.
func AgentError(status byte) error {
	switch status {
	case AgentStatusNone:
		return nil
	case AgentStatusXtal:
		return errors.Wrap(target.ErrInvalid, "agent: oscillator frequency rejected")
	case AgentStatusCmd:
		return errors.Wrap(target.ErrNotSupported, "agent: command not supported")
	case AgentStatusVerify:
		return errors.Wrap(target.ErrIO, "agent: verify failed")
	case AgentStatusPgm:
		return errors.Wrap(target.ErrIO, "agent: program failed")
	case AgentStatusSum:
		return errors.Wrap(target.ErrIO, "agent: checksum failed")
	}
	return errors.Wrapf(target.ErrIO, "agent: unknown status 0x%02x", status)
}

// agentLoad writes the agent image into RAM and runs INIT. The image is
// loaded once per connection.
func (h *Handler) agentLoad() error {
	if h.agent.loaded {
		return nil
	}
	name, ok := h.desc.Info("bdm_agent")
	if !ok {
		return errors.Wrapf(target.ErrInvalid, "target %s: bdm_agent not set", h.desc.Name)
	}
	img, err := hexfile.ReadFile(h.desc.ResolvePath(name))
	if err != nil {
		return err
	}
	buf := make([]byte, h.mcu.RAMSize)
	lo, hi, err := img.Load(buf, h.mcu.RAMReadAddress)
	if err != nil {
		return errors.Wrap(err, "agent image")
	}
	if !img.HasEntry {
		return errors.Wrap(target.ErrInvalid, "agent image has no entry address")
	}
	entry, ok := h.mcu.RAMReadAddress(img.Entry)
	if !ok {
		return errors.Wrapf(target.ErrInvalid, "agent entry 0x%04x outside RAM", img.Entry)
	}
	base := h.mcu.RAMBase + lo
	if base&1 != 0 {
		return errors.Wrapf(target.ErrInvalid, "agent parameter block at odd address 0x%04x", base)
	}
	log.Debugf("agent: %d bytes at 0x%04x, entry 0x%04x", hi-lo, base, h.mcu.RAMBase+entry)
	if err := h.pod.WriteMem(uint16(base), buf[lo:hi]); err != nil {
		return errors.Wrap(err, "agent load")
	}

	h.agent = agent{base: uint16(base), entry: uint16(h.mcu.RAMBase + entry)}
	if err := h.pod.WriteWordAt(h.agent.base+AgentParamOsc, uint16(h.opts.Osc/1000)); err != nil {
		return err
	}
	if err := h.agentRun(AgentInit, 0, 0, 0, 0); err != nil {
		return errors.Wrap(err, "agent init")
	}
	if h.agent.bufAddr, err = h.pod.ReadWordAt(h.agent.base + AgentParamAddr); err != nil {
		return err
	}
	if h.agent.bufLen, err = h.pod.ReadWordAt(h.agent.base + AgentParamLen); err != nil {
		return err
	}
	if h.agent.bufLen == 0 || h.agent.bufLen&1 != 0 {
		log.Errorf("agent init: data buffer length %d", h.agent.bufLen)
		return errors.Wrap(target.ErrIO, "agent init: bad data buffer")
	}
	log.Debugf("agent: data buffer 0x%04x, %d bytes", h.agent.bufAddr, h.agent.bufLen)
	h.agent.loaded = true
	return nil
}

// agentRun populates the parameter block, runs the agent and waits for it
// to return to background mode.
func (h *Handler) agentRun(cmd, block, ppage byte, addr, length uint16) error {
	base := h.agent.base
	steps := []func() error{
		func() error { return h.pod.WriteByteAt(base+AgentParamCmd, cmd) },
		func() error { return h.pod.WriteByteAt(base+AgentParamStatus, 0xff) },
		func() error { return h.pod.WriteByteAt(base+AgentParamBlock, block) },
		func() error { return h.pod.WriteByteAt(base+AgentParamPPage, ppage) },
		func() error { return h.pod.WriteWordAt(base+AgentParamAddr, addr) },
		func() error { return h.pod.WriteWordAt(base+AgentParamLen, length) },
		func() error { return h.pod.WritePC(h.agent.entry) },
		h.pod.Go,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	h.ppage = -1

	deadline := time.Now().Add(RunTimeout)
	for {
		sts, err := h.pod.ReadBD(BDMSTS)
		if err != nil {
			return err
		}
		if sts&BDMSTSActive != 0 {
			break
		}
		if time.Now().After(deadline) {
			log.Errorf("agent command 0x%02x did not return to background", cmd)
			h.pod.Background()
			return errors.Wrapf(target.ErrTimeout, "agent command 0x%02x", cmd)
		}
		time.Sleep(time.Millisecond)
	}

	status, err := h.pod.ReadByteAt(base + AgentParamStatus)
	if err != nil {
		return err
	}
	if err := AgentError(status); err != nil {
		log.Errorf("agent command 0x%02x: status 0x%02x", cmd, status)
		return err
	}
	return nil
}

// agentTransfer runs cmd over [off, off+len(buf)) in data-buffer sized
// chunks. addrOf maps a region offset to the block/ppage/address fields.
func (h *Handler) agentTransfer(op string, cmd byte, read bool, buf []byte,
	addrOf func(off uint32) (block, ppage byte, addr uint16), start uint32) error {
	chunk := int(h.agent.bufLen)
	for done := 0; done < len(buf); {
		n := chunk
		if n > len(buf)-done {
			n = len(buf) - done
		}
		off := start + uint32(done)
		// chunks do not cross a page window
		if room := int(0x4000 - off%0x4000); n > room {
			n = room
		}
		block, ppage, addr := addrOf(off)
		data := buf[done : done+n]
		if !read {
			if err := h.pod.WriteMem(h.agent.bufAddr, data); err != nil {
				return err
			}
		}
		if err := h.agentRun(cmd, block, ppage, addr, uint16(n)); err != nil {
			return errors.Wrapf(err, "%s at offset 0x%x", op, off)
		}
		if read {
			if err := h.pod.ReadMem(h.agent.bufAddr, data); err != nil {
				return err
			}
		}
		done += n
		h.progress(op, done, len(buf))
	}
	return nil
}
