package mcu

import "fmt"

// Part describes a PARTID register value.
type Part struct {
	ID          uint16
	Name        string
	Description string
}

// parts is the in-memory part database, keyed by PARTID with the mask
// revision nibble cleared.
var parts = make(map[uint16]Part)

func register(p Part) {
	parts[p.ID&0xfff0] = p
}

func init() {
	register(Part{ID: 0x0010, Name: "MC9S12DP256", Description: "256K FLASH, 4K EEPROM, 12K RAM"})
	register(Part{ID: 0x0020, Name: "MC9S12DT128", Description: "128K FLASH, 2K EEPROM, 8K RAM"})
	register(Part{ID: 0x0030, Name: "MC9S12DJ64", Description: "64K FLASH, 1K EEPROM, 4K RAM"})
	register(Part{ID: 0x0040, Name: "MC9S12H256", Description: "256K FLASH, 4K EEPROM, 12K RAM"})
	register(Part{ID: 0x00c0, Name: "MC9S12DP512", Description: "512K FLASH, 4K EEPROM, 14K RAM"})
	register(Part{ID: 0x0100, Name: "MC9S12E128", Description: "128K FLASH, 8K RAM"})
	register(Part{ID: 0x0380, Name: "MC9S12C32", Description: "32K FLASH, 2K RAM"})
	register(Part{ID: 0x0390, Name: "MC9S12C64", Description: "64K FLASH, 4K RAM"})
	register(Part{ID: 0x03c0, Name: "MC9S12GC16", Description: "16K FLASH, 1K RAM"})
	register(Part{ID: 0x03d0, Name: "MC9S12NE64", Description: "64K FLASH, 8K RAM"})
}

// LookupPart returns the part matching a PARTID value. Unknown IDs yield a
// placeholder entry.
func LookupPart(id uint16) Part {
	if p, ok := parts[id&0xfff0]; ok {
		p.ID = id
		return p
	}
	return Part{
		ID:          id,
		Name:        "Unknown device",
		Description: fmt.Sprintf("No entry for PARTID 0x%04x", id),
	}
}

// Revision returns the mask set revision nibble of a PARTID.
func Revision(id uint16) int {
	return int(id & 0x000f)
}

// ApplyProbe records the values read from silicon after a reset. Register
// reads of INITRM/INITEE only override the description bases on families
// where they are present.
func (t *Target) ApplyProbe(partID uint16, initrm, initee byte, secured bool) {
	t.PartID = partID
	t.PartName = LookupPart(partID).Name
	t.Secured = secured
	if t.Family == FamilyHC12 {
		return
	}
	t.RAMBase = BaseFromInit(initrm)
	if t.EEPROMSize > 0 {
		t.EEPROMBase = BaseFromInit(initee)
	}
}
