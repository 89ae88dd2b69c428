package tbdml

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// Device describes an attached pod.
type Device struct {
	Bus       int
	Address   int
	VendorID  uint16
	ProductID uint16
}

// Label returns a user-friendly description.
func (d Device) Label() string {
	return fmt.Sprintf("TBDML (%04X:%04X) on bus %d address %d", d.VendorID, d.ProductID, d.Bus, d.Address)
}

// Discover lists attached TBDML pods without opening them.
func Discover(ctx context.Context) ([]Device, error) {
	var found []Device
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if Match(uint16(desc.Vendor), uint16(desc.Product)) {
			found = append(found, Device{
				Bus:       desc.Bus,
				Address:   desc.Address,
				VendorID:  uint16(desc.Vendor),
				ProductID: uint16(desc.Product),
			})
		}
		return false
	})
	if err != nil && err != gousb.ErrorAccess {
		return found, err
	}
	return found, nil
}

// Match reports whether a VID/PID pair belongs to a TBDML.
func Match(vid, pid uint16) bool {
	return vid == VendorID && pid == ProductID
}
