package mcu

import (
	"errors"
	"testing"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/george-hopkins/hcs12mem-sub000/pkg/targetdesc"
)

func describe(entries ...string) *targetdesc.Description {
	var list []targetdesc.Entry
	for i := 0; i+1 < len(entries); i += 2 {
		list = append(list, targetdesc.Entry{Key: entries[i], Value: entries[i+1]})
	}
	return targetdesc.New("test", list...)
}

func dp256(t *testing.T, mode target.AddressMode) *Target {
	t.Helper()
	d := describe(
		"family", "hcs12",
		"ram_size", "12K",
		"eeprom_size", "4K",
		"flash_size", "256K",
		"flash_sector", "512",
		"flash_blocks", "4",
		"ppage_base", "0x30",
		"ppage_count", "16",
		"ppage_default", "0x3d",
		"flash_nb_base", "0x4000",
		"flash_nb_size", "0xc000",
	)
	tgt, err := FromDescription(d, mode)
	if err != nil {
		t.Fatalf("FromDescription: %v", err)
	}
	return tgt
}

func TestFromDescription(t *testing.T) {
	tgt := dp256(t, target.AddressBankedLinear)
	if tgt.FlashBlockSize != 0x10000 {
		t.Errorf("FlashBlockSize = 0x%x", tgt.FlashBlockSize)
	}
	if tgt.FlashLinearBase != 0xc0000 {
		t.Errorf("FlashLinearBase = 0x%x, want 0xc0000", tgt.FlashLinearBase)
	}
	if tgt.RAMSpace != 0x4000 {
		t.Errorf("RAMSpace = 0x%x, want 0x4000", tgt.RAMSpace)
	}

	bad := describe("ram_size", "2K", "flash_size", "1000", "flash_sector", "512")
	if _, err := FromDescription(bad, target.AddressBankedLinear); !errors.Is(err, target.ErrInvalid) {
		t.Errorf("misaligned flash_size: got %v, want ErrInvalid", err)
	}
	if _, err := FromDescription(describe("family", "z80"), target.AddressBankedLinear); !errors.Is(err, target.ErrInvalid) {
		t.Errorf("unknown family: got %v", err)
	}
}

func TestFlashAddressRoundTrip(t *testing.T) {
	for _, mode := range []target.AddressMode{target.AddressNonBanked, target.AddressBankedLinear, target.AddressBankedPPage} {
		t.Run(mode.String(), func(t *testing.T) {
			tgt := dp256(t, mode)
			for x := uint32(0); x < tgt.FlashSize; x += 7 {
				addr := tgt.FlashWriteAddress(x)
				got, ok := tgt.FlashReadAddress(addr)
				if !ok || got != x {
					t.Fatalf("FlashReadAddress(FlashWriteAddress(0x%x)=0x%x) = 0x%x, %v", x, addr, got, ok)
				}
			}
		})
	}
}

func TestFlashAddressFormats(t *testing.T) {
	tests := []struct {
		mode target.AddressMode
		off  uint32
		want uint32
	}{
		{target.AddressNonBanked, 0, 0x4000},
		{target.AddressNonBanked, 0xbfff, 0xffff},
		{target.AddressBankedLinear, 0, 0xc0000},
		{target.AddressBankedLinear, 0x3fffe, 0xffffe},
		{target.AddressBankedPPage, 0, 0x308000},
		{target.AddressBankedPPage, 0x4001, 0x318001},
		{target.AddressBankedPPage, 0x3ffff, 0x3fbfff},
	}
	for _, tt := range tests {
		tgt := dp256(t, tt.mode)
		if got := tgt.FlashWriteAddress(tt.off); got != tt.want {
			t.Errorf("%s: FlashWriteAddress(0x%x) = 0x%x, want 0x%x", tt.mode, tt.off, got, tt.want)
		}
	}

	tgt := dp256(t, target.AddressBankedPPage)
	if _, ok := tgt.FlashReadAddress(0x304000); ok {
		t.Error("address below the page window accepted")
	}
	if _, ok := tgt.FlashReadAddress(0x2f8000); ok {
		t.Error("PPAGE below ppage_base accepted")
	}
}

func TestLinearToPPage(t *testing.T) {
	banked := dp256(t, target.AddressBankedLinear)
	if got := banked.LinearToPPage(0); got != 0x30 {
		t.Errorf("banked page 0 -> 0x%x", got)
	}
	if got := banked.LinearToPPage(0x3ffff); got != 0x3f {
		t.Errorf("banked last page -> 0x%x", got)
	}

	nb := dp256(t, target.AddressNonBanked)
	want := []uint32{0x3e, 0x3d, 0x3f}
	for page, w := range want {
		if got := nb.LinearToPPage(uint32(page) * PageSize); got != w {
			t.Errorf("non-banked page %d -> 0x%x, want 0x%x", page, got, w)
		}
	}
}

func TestLinearToBlock(t *testing.T) {
	tgt := dp256(t, target.AddressBankedLinear)
	prev := tgt.LinearToBlock(0)
	if prev != tgt.FlashBlocks-1 {
		t.Fatalf("LinearToBlock(0) = %d", prev)
	}
	for off := uint32(1); off < tgt.FlashSize; off++ {
		b := tgt.LinearToBlock(off)
		switch {
		case off%tgt.FlashBlockSize == 0:
			if b != prev-1 {
				t.Fatalf("LinearToBlock(0x%x) = %d, want %d at block boundary", off, b, prev-1)
			}
		case b != prev:
			t.Fatalf("LinearToBlock(0x%x) = %d changed inside a block", off, b)
		}
		prev = b
	}

	for block := uint32(0); block < tgt.FlashBlocks; block++ {
		base := tgt.BlockToPPageBase(block)
		if got := tgt.PPageToBlock(base); got != block {
			t.Errorf("PPageToBlock(BlockToPPageBase(%d)=0x%x) = %d", block, base, got)
		}
	}
	if got := tgt.BlockToPPageBase(3); got != 0x30 {
		t.Errorf("BlockToPPageBase(3) = 0x%x, want 0x30", got)
	}
}

func TestFlashPhysical(t *testing.T) {
	tgt := dp256(t, target.AddressBankedLinear)
	block, ppage, addr := tgt.FlashPhysical(0x3ff0e)
	if block != 0 || ppage != 0x3f || addr != 0xbf0e {
		t.Errorf("FlashPhysical(0x3ff0e) = %d, 0x%x, 0x%x", block, ppage, addr)
	}
}

func TestRegionMapping(t *testing.T) {
	tgt := dp256(t, target.AddressBankedLinear)
	tgt.ApplyProbe(0x0011, 0x09, 0x01, false)
	if tgt.RAMBase != 0x0800 || tgt.EEPROMBase != 0 {
		t.Fatalf("bases = 0x%x 0x%x", tgt.RAMBase, tgt.EEPROMBase)
	}
	if tgt.PartName != "MC9S12DP256" {
		t.Errorf("PartName = %q", tgt.PartName)
	}

	if off, ok := tgt.RAMReadAddress(0x0900); !ok || off != 0x100 {
		t.Errorf("absolute RAM address: %x %v", off, ok)
	}
	if off, ok := tgt.RAMReadAddress(0x0010); !ok || off != 0x10 {
		t.Errorf("relative RAM address: %x %v", off, ok)
	}
	if _, ok := tgt.RAMReadAddress(0x8000); ok {
		t.Error("address outside RAM accepted")
	}
	if !tgt.EEPROMReserved(0xff0, 1) || tgt.EEPROMReserved(0xfe0, 16) {
		t.Error("EEPROMReserved boundaries wrong")
	}
}

func TestClockDivider(t *testing.T) {
	for osc := uint32(OscMin); osc <= 100000000; osc += 12345 {
		v, err := ClockDivider(osc)
		if err != nil {
			if !errors.Is(err, target.ErrInvalid) {
				t.Fatalf("ClockDivider(%d) error %v is not ErrInvalid", osc, err)
			}
			continue
		}
		if f := FCLK(osc, v); f < FCLKMin || f > FCLKMax {
			t.Fatalf("ClockDivider(%d) = 0x%02x gives FCLK %d", osc, v, f)
		}
	}

	if v, _ := ClockDivider(16000000); v != PRDIV8|0x09 {
		t.Errorf("ClockDivider(16MHz) = 0x%02x, want 0x49", v)
	}
	if v, _ := ClockDivider(4000000); v != 0x13 {
		t.Errorf("ClockDivider(4MHz) = 0x%02x, want 0x13", v)
	}
	if _, err := ClockDivider(1000000); !errors.Is(err, target.ErrInvalid) {
		t.Errorf("ClockDivider(1MHz) = %v, want ErrInvalid", err)
	}
}

func TestLookupPart(t *testing.T) {
	if p := LookupPart(0x0382); p.Name != "MC9S12C32" || p.ID != 0x0382 {
		t.Errorf("LookupPart(0x0382) = %+v", p)
	}
	if p := LookupPart(0xabcd); p.Name != "Unknown device" {
		t.Errorf("LookupPart(0xabcd) = %+v", p)
	}
	if Revision(0x0382) != 2 {
		t.Error("Revision")
	}
}
