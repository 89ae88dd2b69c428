package mcu

import (
	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
)

// NVM programming clock limits.
const (
	FCLKMin = 150000
	FCLKMax = 200000

	OscMin       = 2000000
	PrescaleOsc  = 12800000
	PRDIV8       = 0x40
	ClockDivMask = 0x3f
)

// ClockDivider computes the FCLKDIV/ECLKDIV value for an oscillator so the
// NVM state machine clock lands in [FCLKMin, FCLKMax]. The result includes
// PRDIV8 when the oscillator needs the 8x pre-divider.
func ClockDivider(osc uint32) (byte, error) {
	if osc < OscMin {
		return 0, errors.Wrapf(target.ErrInvalid, "oscillator frequency %d Hz too low (min %d Hz)", osc, OscMin)
	}
	var value byte
	clk := osc
	if osc > PrescaleOsc {
		value = PRDIV8
		clk = osc / 8
	}
	div := (clk + FCLKMax - 1) / FCLKMax
	if div == 0 || div > ClockDivMask+1 {
		return 0, errors.Wrapf(target.ErrInvalid, "no clock divider for oscillator %d Hz", osc)
	}
	fclk := clk / div
	if fclk < FCLKMin || fclk > FCLKMax {
		return 0, errors.Wrapf(target.ErrInvalid, "oscillator %d Hz gives FCLK %d Hz outside [%d, %d]", osc, fclk, FCLKMin, FCLKMax)
	}
	return value | byte(div-1), nil
}

// FCLK returns the NVM clock produced by divider value v.
func FCLK(osc uint32, v byte) uint32 {
	clk := osc
	if v&PRDIV8 != 0 {
		clk /= 8
	}
	return clk / (uint32(v&ClockDivMask) + 1)
}
