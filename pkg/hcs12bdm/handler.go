package hcs12bdm

import (
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/targetdesc"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Execution modes selectable per operation in the target description.
const (
	ModeBDM   = "bdm"
	ModeAgent = "agent"
)

// Handler implements target.Handler on top of a BDM pod.
type Handler struct {
	pod  Pod
	opts *target.Options
	desc *targetdesc.Description
	mcu  *mcu.Target

	conn      StateMachine
	initBytes []targetdesc.InitByte
	startup   time.Duration

	// ppage caches the PPAGE register; -1 when unknown.
	ppage int
	agent agent
}

var _ target.Handler = (*Handler)(nil)

// New prepares a handler for the target described by desc.
func New(pod Pod, desc *targetdesc.Description, opts *target.Options) (*Handler, error) {
	t, err := mcu.FromDescription(desc, opts.AddressMode)
	if err != nil {
		return nil, err
	}
	init, err := desc.InitBytes()
	if err != nil {
		return nil, err
	}
	delay, err := desc.Param("bdm_startup_delay", 10)
	if err != nil {
		return nil, err
	}
	return &Handler{
		pod:       pod,
		opts:      opts,
		desc:      desc,
		mcu:       t,
		initBytes: init,
		startup:   time.Duration(delay) * time.Millisecond,
		ppage:     -1,
	}, nil
}

// Target returns the MCU geometry. Dynamic fields are valid once open.
func (h *Handler) Target() *mcu.Target {
	return h.mcu
}

// State reports the connection state.
func (h *Handler) State() State {
	return h.conn.State()
}

func (h *Handler) Info() target.Info {
	return h.pod.Info()
}

// Open opens the pod and brings the target to READY.
func (h *Handler) Open() error {
	if h.opts.Osc == 0 {
		return errors.Wrap(target.ErrInvalid, "oscillator frequency required for BDM (-o)")
	}
	if err := h.pod.Open(); err != nil {
		return err
	}
	info := h.pod.Info()
	log.Infof("%s %s connected", info.Name, info.Firmware)
	if err := h.pod.SetClock(h.opts.Osc); err != nil {
		h.pod.Close()
		return err
	}
	if err := h.connect(); err != nil {
		h.pod.Close()
		return err
	}
	return nil
}

func (h *Handler) Close() error {
	h.conn.Advance(StateClosed)
	return h.pod.Close()
}

// Reset runs a fresh special-mode reset and reconnects.
func (h *Handler) Reset() error {
	if err := h.conn.Require(StateReady); err != nil {
		return err
	}
	if err := h.connect(); err != nil {
		return err
	}
	log.Infof("target reset")
	return nil
}

// connect walks Reset -> Probe -> Init -> Ready.
func (h *Handler) connect() error {
	if err := h.conn.Advance(StateReset); err != nil {
		return err
	}
	h.ppage = -1
	h.agent.loaded = false

	err := h.doConnect()
	if err != nil {
		h.conn.Advance(StateClosed)
	}
	return err
}

func (h *Handler) doConnect() error {
	if err := h.pod.ResetSpecial(); err != nil {
		return errors.Wrap(err, "reset")
	}
	time.Sleep(h.startup)

	if err := h.conn.Advance(StateProbe); err != nil {
		return err
	}
	sts, err := h.pod.ReadBD(BDMSTS)
	if err != nil {
		return errors.Wrap(err, "read BDMSTS")
	}
	log.Debugf("BDMSTS 0x%02x", sts)
	if sts&BDMSTSEnable == 0 {
		if err := h.pod.WriteBD(BDMSTS, sts|BDMSTSEnable); err != nil {
			return errors.Wrap(err, "enable BDM")
		}
	}
	if sts&BDMSTSActive == 0 {
		if err := h.pod.Background(); err != nil {
			return errors.Wrap(err, "background")
		}
	}
	partID, err := h.pod.ReadWordAt(mcu.RegPARTID)
	if err != nil {
		return errors.Wrap(err, "read PARTID")
	}
	fsec, err := h.pod.ReadByteAt(mcu.RegFSEC)
	if err != nil {
		return errors.Wrap(err, "read FSEC")
	}

	if err := h.conn.Advance(StateInit); err != nil {
		return err
	}
	for _, ib := range h.initBytes {
		log.Debugf("init byte 0x%04x = 0x%02x", ib.Addr, ib.Value)
		if err := h.pod.WriteByteAt(ib.Addr, ib.Value); err != nil {
			return errors.Wrapf(err, "init byte 0x%04x", ib.Addr)
		}
	}
	if h.nvmDirect() {
		div, err := mcu.ClockDivider(h.opts.Osc)
		if err != nil {
			return err
		}
		log.Debugf("NVM clock divider 0x%02x (%d Hz)", div, mcu.FCLK(h.opts.Osc, div))
		if err := h.pod.WriteByteAt(mcu.RegFCLKDIV, div); err != nil {
			return err
		}
		if h.mcu.EEPROMSize > 0 {
			if err := h.pod.WriteByteAt(mcu.RegECLKDIV, div); err != nil {
				return err
			}
		}
	}

	initrm, err := h.pod.ReadByteAt(mcu.RegINITRM)
	if err != nil {
		return err
	}
	initee, err := h.pod.ReadByteAt(mcu.RegINITEE)
	if err != nil {
		return err
	}
	secured := mcu.SecuredFSEC(fsec) && sts&BDMSTSUnsecure == 0
	h.mcu.ApplyProbe(partID, initrm, initee, secured)

	part := mcu.LookupPart(partID)
	log.Infof("target %s, PARTID 0x%04x (%s rev %d)", h.mcu.Name, partID, part.Name, mcu.Revision(partID))
	if secured {
		log.Warnf("target is secured")
	}
	log.Debugf("geometry: %s", h.mcu)
	return h.conn.Advance(StateReady)
}

// nvmDirect reports whether the family's NVM controller is driven by the
// direct BDM algorithms. HC12 and HCS12X parts need the RAM agent.
func (h *Handler) nvmDirect() bool {
	return h.mcu.Family == mcu.FamilyHCS12
}

// mode returns the execution mode configured for op (bdm_<op>).
func (h *Handler) mode(op string) (string, error) {
	m := h.desc.InfoDefault("bdm_"+op, ModeBDM)
	switch m {
	case ModeBDM:
		if !h.nvmDirect() {
			return "", errors.Wrapf(target.ErrNotSupported, "%s: direct BDM access not supported on %s, use agent", op, h.mcu.Family)
		}
		return m, nil
	case ModeAgent:
		return m, nil
	}
	return "", errors.Wrapf(target.ErrInvalid, "bdm_%s: unknown mode %q", op, m)
}

// ready fails unless the connection is READY and, when checkSecure is set,
// the target is unsecured.
func (h *Handler) ready(checkSecure bool) error {
	if err := h.conn.Require(StateReady); err != nil {
		return err
	}
	if checkSecure && h.mcu.Secured {
		return errors.Wrap(target.ErrIO, "target is secured, unsecure it first (-U)")
	}
	return nil
}

func (h *Handler) progress(op string, done, total int) {
	h.opts.Progress.Report(op, done, total)
}

// setPPage writes PPAGE unless the cached value already matches.
func (h *Handler) setPPage(ppage uint32) error {
	if h.ppage == int(ppage) {
		return nil
	}
	if err := h.pod.WriteByteAt(mcu.RegPPAGE, byte(ppage)); err != nil {
		return err
	}
	h.ppage = int(ppage)
	return nil
}
