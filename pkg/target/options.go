package target

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// InterfaceKind selects the transport/protocol used to reach the MCU.
type InterfaceKind string

const (
	InterfaceTBDML     InterfaceKind = "tbdml"
	InterfaceBDM12Pod  InterfaceKind = "bdm12pod"
	InterfacePodex     InterfaceKind = "podex"
	InterfacePodexBug  InterfaceKind = "podex-bug"
	InterfacePodex25   InterfaceKind = "podex-25"
	InterfaceLRAE      InterfaceKind = "lrae"
	InterfaceSM        InterfaceKind = "sm"
	InterfaceSimulator InterfaceKind = "sim"
)

// Interfaces lists every accepted -i value in help order.
var Interfaces = []InterfaceKind{
	InterfaceTBDML, InterfaceBDM12Pod, InterfacePodex, InterfacePodexBug,
	InterfacePodex25, InterfaceLRAE, InterfaceSM, InterfaceSimulator,
}

// Serial reports whether the interface talks over a serial port.
func (k InterfaceKind) Serial() bool {
	switch k {
	case InterfaceBDM12Pod, InterfacePodex, InterfacePodexBug, InterfacePodex25,
		InterfaceLRAE, InterfaceSM:
		return true
	}
	return false
}

// AddressMode selects how FLASH contents are addressed in S-record files.
type AddressMode int

const (
	AddressNonBanked AddressMode = iota
	AddressBankedLinear
	AddressBankedPPage
)

var addressModeNames = map[AddressMode]string{
	AddressNonBanked:    "non-banked",
	AddressBankedLinear: "banked-linear",
	AddressBankedPPage:  "banked-ppage",
}

func (m AddressMode) String() string {
	if name, ok := addressModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("AddressMode(%d)", int(m))
}

// ParseAddressMode converts a -a argument.
func ParseAddressMode(s string) (AddressMode, error) {
	for mode, name := range addressModeNames {
		if name == s {
			return mode, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalid, "unknown address format %q (use non-banked, banked-linear or banked-ppage)", s)
}

// Options is the command snapshot built once from the command line. Drivers
// keep a pointer to it and never modify it.
type Options struct {
	Interface   InterfaceKind
	Port        string
	Baud        int    // 0 selects the driver default or auto-negotiation
	Osc         uint32 // target oscillator frequency in Hz, 0 if not given
	Target      string
	TargetDirs  []string
	Entry       uint32
	EntrySet    bool
	AddressMode AddressMode

	Verify        bool
	Force         bool
	IncludeErased bool
	KeepLRAE      bool

	// PodexMemBug disables the pod's batch MEM_DUMP/MEM_PUT commands.
	PodexMemBug bool
	// Pod25MHz marks pod firmware clocked at 25 MHz instead of 16 MHz.
	Pod25MHz bool

	Progress Progress
}

// DefaultOptions returns options with the tool defaults.
func DefaultOptions() *Options {
	return &Options{
		Interface:   InterfaceBDM12Pod,
		AddressMode: AddressBankedLinear,
		Progress:    NopProgress{},
	}
}

// Validate checks option combinations and applies interface quirks.
func (o *Options) Validate() error {
	known := false
	for _, k := range Interfaces {
		if k == o.Interface {
			known = true
			break
		}
	}
	if !known {
		return errors.Wrapf(ErrInvalid, "unknown interface %q", o.Interface)
	}
	if o.Interface.Serial() && o.Port == "" {
		return errors.Wrapf(ErrInvalid, "interface %s requires a serial port (-p)", o.Interface)
	}
	if o.Target == "" {
		return errors.Wrap(ErrInvalid, "no target specified (-t)")
	}
	if o.Baud < 0 {
		return errors.Wrapf(ErrInvalid, "invalid baud rate %d", o.Baud)
	}
	switch o.Interface {
	case InterfacePodexBug:
		o.PodexMemBug = true
	case InterfacePodex25:
		o.Pod25MHz = true
	}
	if o.Progress == nil {
		o.Progress = NopProgress{}
	}
	return nil
}

// ParseFrequency parses an oscillator frequency given as a bare number of
// Hz or with a k, M, kHz or MHz suffix.
func ParseFrequency(s string) (uint32, error) {
	v := strings.TrimSpace(s)
	mult := 1.0
	lower := strings.ToLower(v)
	switch {
	case strings.HasSuffix(lower, "mhz"):
		mult, v = 1e6, v[:len(v)-3]
	case strings.HasSuffix(lower, "khz"):
		mult, v = 1e3, v[:len(v)-3]
	case strings.HasSuffix(lower, "hz"):
		v = v[:len(v)-2]
	case strings.HasSuffix(v, "M"):
		mult, v = 1e6, v[:len(v)-1]
	case strings.HasSuffix(lower, "k"):
		mult, v = 1e3, v[:len(v)-1]
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, errors.Wrapf(ErrInvalid, "invalid frequency %q", s)
	}
	hz := f * mult
	if hz > 1<<32-1 {
		return 0, errors.Wrapf(ErrInvalid, "frequency %q out of range", s)
	}
	return uint32(hz + 0.5), nil
}
