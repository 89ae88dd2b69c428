package hcs12bdm

import (
	"strings"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/mcu"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
)

// eepromProtectSizes is indexed by the EPROT EP[2:0] field.
var eepromProtectSizes = []string{"64B", "128B", "192B", "256B", "320B", "384B", "448B", "512B"}

// flashProtectSizes is indexed by the FPROT FPHS[1:0] field.
var flashProtectSizes = []string{"2K", "4K", "8K", "16K"}

// ProtectAll selects full protection.
const ProtectAll = "all"

// EEPROMProtectValue maps a size token to the EPROT byte: "all" clears
// EPOPEN, a size selects the protected high area with EPDIS cleared.
func EEPROMProtectValue(size string) (byte, error) {
	if strings.EqualFold(size, ProtectAll) {
		return 0xff &^ mcu.EPOPEN, nil
	}
	for i, s := range eepromProtectSizes {
		if strings.EqualFold(size, s) {
			return (byte(i) | ^byte(mcu.EPMask)) &^ mcu.EPDIS, nil
		}
	}
	return 0, errors.Wrapf(target.ErrInvalid, "invalid EEPROM protection size %q (all, %s)",
		size, strings.Join(eepromProtectSizes, ", "))
}

// FlashProtectValue maps a size token to the FPROT byte for the high
// protected area.
func FlashProtectValue(size string) (byte, error) {
	if strings.EqualFold(size, ProtectAll) {
		return 0xff &^ mcu.FPOPEN, nil
	}
	for i, s := range flashProtectSizes {
		if strings.EqualFold(size, s) {
			return (0xff &^ (mcu.FPHDIS | mcu.FPHMask)) | byte(i)<<3, nil
		}
	}
	return 0, errors.Wrapf(target.ErrInvalid, "invalid FLASH protection size %q (all, %s)",
		size, strings.Join(flashProtectSizes, ", "))
}
