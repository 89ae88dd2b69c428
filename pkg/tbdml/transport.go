package tbdml

import (
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/google/gousb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TBDML USB identifiers.
const (
	VendorID  = 0x0425
	ProductID = 0x1000
)

// DefaultTimeout bounds one control transfer.
const DefaultTimeout = 2 * time.Second

// Control request types used by the pod.
const (
	RequestIn  = uint8(gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice)
	RequestOut = uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice)
)

// Transport carries vendor control transfers. The USB implementation is
// replaced by a fake in tests.
type Transport interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Close() error
}

// Opener connects to a pod.
type Opener func() (Transport, error)

// USBTransport talks to a TBDML over libusb.
type USBTransport struct {
	ctx *gousb.Context
	dev *gousb.Device
}

var _ Transport = (*USBTransport)(nil)

// OpenUSB opens the first TBDML attached to the host.
func OpenUSB() (Transport, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(VendorID), gousb.ID(ProductID))
	if err != nil {
		ctx.Close()
		return nil, errors.Wrapf(target.ErrIO, "USB: %v", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, errors.Wrapf(target.ErrIO, "TBDML not found (VID:0x%04X PID:0x%04X)", VendorID, ProductID)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		log.Debugf("tbdml: auto detach: %v", err)
	}
	dev.ControlTimeout = DefaultTimeout
	log.Debugf("tbdml: opened %s", dev)
	return &USBTransport{ctx: ctx, dev: dev}, nil
}

func (t *USBTransport) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := t.dev.Control(rType, request, val, idx, data)
	if err != nil {
		return n, errors.Wrapf(target.ErrIO, "USB control 0x%02x: %v", request, err)
	}
	return n, nil
}

func (t *USBTransport) Close() error {
	var err error
	if t.dev != nil {
		err = t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return err
}
