// Package hcs12bdm implements FLASH/EEPROM/RAM operations over a BDM pod.
// The algorithms are shared by every pod; a Pod only moves bytes and words.
package hcs12bdm

import (
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
)

// BDM status register and its bits.
const (
	BDMSTS = 0xff01

	BDMSTSEnable    = 0x80 // ENBDM
	BDMSTSActive    = 0x40 // BDMACT
	BDMSTSSDV       = 0x10
	BDMSTSTrace     = 0x08
	BDMSTSClockSwap = 0x04 // CLKSW
	BDMSTSUnsecure  = 0x02 // UNSEC
)

// BDM hardware commands.
const (
	CmdBackground  = 0x90
	CmdAckEnable   = 0xd5
	CmdAckDisable  = 0xd6
	CmdReadBDByte  = 0xe4
	CmdReadBDWord  = 0xec
	CmdReadByte    = 0xe0
	CmdReadWord    = 0xe8
	CmdWriteBDByte = 0xc4
	CmdWriteBDWord = 0xcc
	CmdWriteByte   = 0xc0
	CmdWriteWord   = 0xc8
)

// BDM firmware commands.
const (
	CmdReadNext  = 0x62
	CmdReadPC    = 0x63
	CmdReadD     = 0x64
	CmdReadX     = 0x65
	CmdReadY     = 0x66
	CmdReadSP    = 0x67
	CmdWriteNext = 0x42
	CmdWritePC   = 0x43
	CmdWriteD    = 0x44
	CmdWriteX    = 0x45
	CmdWriteY    = 0x46
	CmdWriteSP   = 0x47
	CmdGo        = 0x08
	CmdGoUntil   = 0x0c
	CmdTrace1    = 0x10
	CmdTagGo     = 0x18
)

// Timeouts of the BDM-common algorithms.
const (
	CmdTimeout = 1000 * time.Millisecond
	RunTimeout = 5000 * time.Millisecond
)

// Pod is the low-level capability a BDM pod driver provides. Addresses are
// CPU addresses; FLASH pages are reached through PPAGE.
type Pod interface {
	Info() target.Info
	Open() error
	Close() error

	// SetClock configures the pod for the target oscillator frequency.
	SetClock(osc uint32) error
	ResetSpecial() error
	ResetNormal() error
	Background() error

	ReadBD(addr uint16) (byte, error)
	WriteBD(addr uint16, v byte) error

	ReadByteAt(addr uint16) (byte, error)
	WriteByteAt(addr uint16, v byte) error
	ReadWordAt(addr uint16) (uint16, error)
	WriteWordAt(addr uint16, v uint16) error
	ReadMem(addr uint16, buf []byte) error
	WriteMem(addr uint16, buf []byte) error

	ReadPC() (uint16, error)
	WritePC(pc uint16) error
	Go() error
}

// ByteLane places a byte read or written by a word-wide BDM byte command:
// even addresses use the high half, odd addresses the low half.
func ByteLane(addr uint16, word uint16) byte {
	if addr&1 == 0 {
		return byte(word >> 8)
	}
	return byte(word)
}

// LaneWord builds the data word for a byte write. The byte is replicated in
// both halves so either lane carries it.
func LaneWord(v byte) uint16 {
	return uint16(v)<<8 | uint16(v)
}
