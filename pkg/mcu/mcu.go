// Package mcu models HC12/HCS12 memory geometry and the address translation
// shared by every driver.
package mcu

import (
	"fmt"
	"strings"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/targetdesc"
	"github.com/pkg/errors"
)

// FLASH paging window.
const (
	PageSize   = 0x4000
	PageWindow = 0x8000
)

// EEPROMReservedSize is the protected tail of the EEPROM array holding the
// EPROT mirror byte.
const EEPROMReservedSize = 16

// Family of the CPU core.
type Family int

const (
	FamilyHC12 Family = iota
	FamilyHCS12
	FamilyHCS12X
)

var familyNames = map[Family]string{
	FamilyHC12:   "hc12",
	FamilyHCS12:  "hcs12",
	FamilyHCS12X: "hcs12x",
}

func (f Family) String() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// ParseFamily converts a description "family" value.
func ParseFamily(s string) (Family, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range familyNames {
		if name == s {
			return f, nil
		}
	}
	return 0, errors.Wrapf(target.ErrInvalid, "unknown MCU family %q", s)
}

// Target is the geometry of the connected MCU. The static part comes from
// the target description, the dynamic part (bases, part ID, security) from
// a post-reset probe. It is read-only once the connection is READY.
type Target struct {
	Family   Family
	Name     string
	Info     string
	PartID   uint16
	PartName string

	RAMBase  uint32
	RAMSize  uint32
	RAMSpace uint32

	EEPROMModule string
	EEPROMBase   uint32
	EEPROMSize   uint32
	EEPROMSpace  uint32

	FlashModule     string
	FlashSize       uint32
	FlashSector     uint32
	FlashBlocks     uint32
	FlashBlockSize  uint32
	FlashNBBase     uint32
	FlashNBSize     uint32
	FlashLinearBase uint32

	PPageBase    uint32
	PPageCount   uint32
	PPageDefault uint32

	LRAESize uint32

	Secured bool

	// Mode is the address format of FLASH image files.
	Mode target.AddressMode
}

// FromDescription builds the static geometry from a target description.
func FromDescription(d *targetdesc.Description, mode target.AddressMode) (*Target, error) {
	t := &Target{Mode: mode}

	family, err := ParseFamily(d.InfoDefault("family", "hcs12"))
	if err != nil {
		return nil, err
	}
	t.Family = family
	t.Name = d.InfoDefault("mcu", d.Name)
	t.Info = d.InfoDefault("info", t.Name)
	t.EEPROMModule = d.InfoDefault("eeprom_module", "")
	t.FlashModule = d.InfoDefault("flash_module", "")

	params := []struct {
		key string
		def uint32
		dst *uint32
	}{
		{"ram_size", 0, &t.RAMSize},
		{"ram_base", 0, &t.RAMBase},
		{"eeprom_size", 0, &t.EEPROMSize},
		{"eeprom_base", 0, &t.EEPROMBase},
		{"flash_size", 0, &t.FlashSize},
		{"flash_sector", 512, &t.FlashSector},
		{"flash_blocks", 1, &t.FlashBlocks},
		{"lrae_size", 0, &t.LRAESize},
	}
	for _, p := range params {
		if *p.dst, err = d.Param(p.key, p.def); err != nil {
			return nil, err
		}
	}

	if t.RAMSize == 0 {
		return nil, errors.Wrapf(target.ErrInvalid, "target %s: ram_size not set", d.Name)
	}
	if t.FlashSize == 0 || t.FlashSector == 0 || t.FlashSize%t.FlashSector != 0 {
		return nil, errors.Wrapf(target.ErrInvalid, "target %s: invalid flash_size/flash_sector", d.Name)
	}
	if t.FlashBlocks == 0 || t.FlashSize%t.FlashBlocks != 0 {
		return nil, errors.Wrapf(target.ErrInvalid, "target %s: invalid flash_blocks", d.Name)
	}
	t.FlashBlockSize = t.FlashSize / t.FlashBlocks

	pages := (t.FlashSize + PageSize - 1) / PageSize
	if t.PPageCount, err = d.Param("ppage_count", pages); err != nil {
		return nil, err
	}
	if t.PPageBase, err = d.Param("ppage_base", 0x40-t.PPageCount); err != nil {
		return nil, err
	}
	def := t.PPageBase
	if t.PPageCount > 2 {
		def = t.PPageBase + t.PPageCount - 3
	}
	if t.PPageDefault, err = d.Param("ppage_default", def); err != nil {
		return nil, err
	}
	if t.PPageCount == 0 || t.PPageCount*PageSize < t.FlashSize || t.PPageBase+t.PPageCount > 0x100 {
		return nil, errors.Wrapf(target.ErrInvalid, "target %s: invalid ppage_base/ppage_count", d.Name)
	}
	if t.PPageCount%t.FlashBlocks != 0 {
		return nil, errors.Wrapf(target.ErrInvalid, "target %s: ppage_count not a multiple of flash_blocks", d.Name)
	}

	nbSize := t.FlashSize
	if nbSize > 0xc000 {
		nbSize = 0xc000
	}
	if t.FlashNBSize, err = d.Param("flash_nb_size", nbSize); err != nil {
		return nil, err
	}
	if t.FlashNBBase, err = d.Param("flash_nb_base", 0x10000-t.FlashNBSize); err != nil {
		return nil, err
	}
	if t.FlashNBSize > t.FlashSize || t.FlashNBBase+t.FlashNBSize > 0x10000 {
		return nil, errors.Wrapf(target.ErrInvalid, "target %s: invalid flash_nb_base/flash_nb_size", d.Name)
	}
	t.FlashLinearBase = t.PPageBase * PageSize

	t.RAMSpace = space(t.RAMSize)
	t.EEPROMSpace = space(t.EEPROMSize)
	return t, nil
}

// space rounds a module size up to the power-of-two address range it
// occupies.
func space(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	s := uint32(1)
	for s < size {
		s <<= 1
	}
	return s
}

// Banked reports whether FLASH is larger than one page window view.
func (t *Target) Banked() bool {
	return t.PPageCount > 2
}

// FlashImageSize is the buffer size holding the FLASH contents in the
// selected address format. Non-banked files only see the fixed windows.
func (t *Target) FlashImageSize() uint32 {
	if t.Mode == target.AddressNonBanked {
		return t.FlashNBSize
	}
	return t.FlashSize
}

// LinearToPPage returns the PPAGE value holding buffer offset off.
func (t *Target) LinearToPPage(off uint32) uint32 {
	page := off / PageSize
	if t.Mode == target.AddressNonBanked && t.PPageCount > 2 {
		switch page {
		case 0:
			return t.PPageBase + t.PPageCount - 2
		case 1:
			return t.PPageDefault
		case 2:
			return t.PPageBase + t.PPageCount - 1
		}
	}
	return t.PPageBase + page
}

// LinearToBlock returns the physical FLASH block holding linear offset off.
// Blocks are numbered in reverse of address order.
func (t *Target) LinearToBlock(off uint32) uint32 {
	return t.FlashBlocks - off/t.FlashBlockSize - 1
}

// BlockToPPageBase returns the first PPAGE of a FLASH block.
func (t *Target) BlockToPPageBase(block uint32) uint32 {
	return t.PPageBase + (t.FlashBlocks-block-1)*(t.PPageCount/t.FlashBlocks)
}

// PPageToBlock returns the FLASH block a PPAGE belongs to.
func (t *Target) PPageToBlock(ppage uint32) uint32 {
	return t.FlashBlocks - (ppage-t.PPageBase)/(t.PPageCount/t.FlashBlocks) - 1
}

// WindowAddress is the CPU address of buffer offset off inside the page
// window.
func WindowAddress(off uint32) uint16 {
	return uint16(PageWindow + off%PageSize)
}

// FlashWriteAddress converts a FLASH buffer offset to the address written
// to an image file in the selected format.
func (t *Target) FlashWriteAddress(off uint32) uint32 {
	switch t.Mode {
	case target.AddressNonBanked:
		return t.FlashNBBase + off
	case target.AddressBankedPPage:
		page := off / PageSize
		return ((t.PPageBase + page) << 16) + PageWindow + off%PageSize
	default:
		return t.FlashLinearBase + off
	}
}

// FlashReadAddress converts an image file address back to a FLASH buffer
// offset. ok is false for addresses outside the FLASH array.
func (t *Target) FlashReadAddress(addr uint32) (off uint32, ok bool) {
	switch t.Mode {
	case target.AddressNonBanked:
		if addr < t.FlashNBBase {
			return 0, false
		}
		off = addr - t.FlashNBBase
	case target.AddressBankedPPage:
		ppage := addr >> 16
		in := addr & 0xffff
		if ppage < t.PPageBase || in < PageWindow || in >= PageWindow+PageSize {
			return 0, false
		}
		off = (ppage-t.PPageBase)*PageSize + (in - PageWindow)
	default:
		if addr < t.FlashLinearBase {
			return 0, false
		}
		off = addr - t.FlashLinearBase
	}
	if off >= t.FlashSize {
		return 0, false
	}
	return off, true
}

// FlashPhysical returns the FCNFG block, PPAGE and window address used to
// program buffer offset off.
func (t *Target) FlashPhysical(off uint32) (block, ppage uint32, addr uint16) {
	ppage = t.LinearToPPage(off)
	return t.PPageToBlock(ppage), ppage, WindowAddress(off)
}

// EEPROMReadAddress converts an image file address into an EEPROM offset.
// Both absolute CPU addresses and array-relative offsets are accepted.
func (t *Target) EEPROMReadAddress(addr uint32) (uint32, bool) {
	return mapRegion(addr, t.EEPROMBase, t.EEPROMSize)
}

// RAMReadAddress converts an image file address into a RAM offset. Both
// absolute CPU addresses and RAM-relative offsets are accepted.
func (t *Target) RAMReadAddress(addr uint32) (uint32, bool) {
	return mapRegion(addr, t.RAMBase, t.RAMSize)
}

func mapRegion(addr, base, size uint32) (uint32, bool) {
	if addr >= base && addr < base+size {
		return addr - base, true
	}
	if addr < size {
		return addr, true
	}
	return 0, false
}

// EEPROMProtectOffset is the offset of the EPROT mirror byte, loaded into
// EPROT at reset.
func (t *Target) EEPROMProtectOffset() uint32 {
	return t.EEPROMSize - 3
}

// EEPROMReserved reports whether [off, off+n) touches the reserved tail.
func (t *Target) EEPROMReserved(off, n uint32) bool {
	return n > 0 && off+n > t.EEPROMSize-EEPROMReservedSize
}

func (t *Target) String() string {
	return fmt.Sprintf("%s (%s), RAM %d@0x%04x, EEPROM %d@0x%04x, FLASH %d in %d block(s), PPAGE 0x%02x+%d",
		t.Name, t.Family, t.RAMSize, t.RAMBase, t.EEPROMSize, t.EEPROMBase,
		t.FlashSize, t.FlashBlocks, t.PPageBase, t.PPageCount)
}
