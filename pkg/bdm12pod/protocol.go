package bdm12pod

import (
	"math"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/hcs12bdm"
)

// Pod commands.
const (
	CmdSync  = 0x00
	CmdReset = 0x01
	CmdExt   = 0x04
)

// RESET targets.
const (
	ResetSpecial = 0x00
	ResetLow     = 0x01
	ResetHigh    = 0x02
)

// EXT sub-commands.
const (
	ExtGetVersion = 0x00
	ExtRegDump    = 0x01
	ExtMemDump    = 0x02
	ExtSetParam   = 0x03
	ExtMemPut     = 0x04
	ExtSpeed      = 0x05
)

// SET_PARAM parameters.
const ParamEClock = 0x00

// RegDumpLen is the REG_DUMP response size: PC, D, X, Y, SP.
const RegDumpLen = 10

// MaxWords bounds one MEM_DUMP/MEM_PUT transfer.
const MaxWords = 64

// Firmware versions enabling optional commands.
const (
	VersionMemPut = 0x46
	VersionSpeed  = 0x47
)

// Pod firmware base clocks used by the SPEED value.
const (
	PodBase16MHz = 128000000
	PodBase25MHz = 200000000
)

// eclocks lists the E-clock frequencies selectable through SET_PARAM,
// indexed by their enum value.
var eclocks = []uint32{1000000, 2000000, 4000000, 8000000}

// EClockEnum returns the SET_PARAM value for a fixed E-clock frequency.
func EClockEnum(eclk uint32) (byte, bool) {
	for i, f := range eclocks {
		if f == eclk {
			return byte(i), true
		}
	}
	return 0, false
}

// SpeedValue computes the SPEED tick value for an E-clock frequency.
func SpeedValue(podBase, eclk uint32) uint16 {
	v := (float64(podBase)/(float64(eclk)/1000) - 1400 + 400) / 800
	return uint16(math.Ceil(v))
}

func addr16(cmd byte, addr uint16) []byte {
	return []byte{cmd, byte(addr >> 8), byte(addr)}
}

func addrWord(cmd byte, addr, v uint16) []byte {
	return []byte{cmd, byte(addr >> 8), byte(addr), byte(v >> 8), byte(v)}
}

func EncodeReset(mode byte) []byte {
	return []byte{CmdReset, mode}
}

func EncodeGetVersion() []byte {
	return []byte{CmdExt, ExtGetVersion}
}

func EncodeRegDump() []byte {
	return []byte{CmdExt, ExtRegDump}
}

func EncodeSetParam(param, value byte) []byte {
	return []byte{CmdExt, ExtSetParam, param, value}
}

func EncodeSpeed(v uint16) []byte {
	return []byte{CmdExt, ExtSpeed, byte(v >> 8), byte(v)}
}

// EncodeMemDump requests words words from addr; the reply is 2*words bytes.
func EncodeMemDump(addr uint16, words int) []byte {
	return []byte{CmdExt, ExtMemDump, byte(addr >> 8), byte(addr), byte(words)}
}

// EncodeMemPut writes len(data)/2 words at addr.
func EncodeMemPut(addr uint16, data []byte) []byte {
	out := []byte{CmdExt, ExtMemPut, byte(addr >> 8), byte(addr), byte(len(data) / 2)}
	return append(out, data...)
}

func EncodeBackground() []byte {
	return []byte{hcs12bdm.CmdBackground}
}

// EncodeReadBD reads a BD space byte; the reply is a lane word.
func EncodeReadBD(addr uint16) []byte {
	return addr16(hcs12bdm.CmdReadBDByte, addr)
}

func EncodeWriteBD(addr uint16, v byte) []byte {
	return addrWord(hcs12bdm.CmdWriteBDByte, addr, hcs12bdm.LaneWord(v))
}

// EncodeReadByte reads a memory byte; the reply is a lane word.
func EncodeReadByte(addr uint16) []byte {
	return addr16(hcs12bdm.CmdReadByte, addr)
}

func EncodeWriteByte(addr uint16, v byte) []byte {
	return addrWord(hcs12bdm.CmdWriteByte, addr, hcs12bdm.LaneWord(v))
}

func EncodeReadWord(addr uint16) []byte {
	return addr16(hcs12bdm.CmdReadWord, addr)
}

func EncodeWriteWord(addr, v uint16) []byte {
	return addrWord(hcs12bdm.CmdWriteWord, addr, v)
}

func EncodeReadPC() []byte {
	return []byte{hcs12bdm.CmdReadPC}
}

func EncodeWritePC(pc uint16) []byte {
	return []byte{hcs12bdm.CmdWritePC, byte(pc >> 8), byte(pc)}
}

func EncodeGo() []byte {
	return []byte{hcs12bdm.CmdGo}
}

// RequestLen returns the total length of the request starting with b. It
// returns 0 when more bytes are needed to tell, and -1 for an unknown
// command.
func RequestLen(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	switch b[0] {
	case CmdSync, hcs12bdm.CmdBackground, hcs12bdm.CmdAckEnable, hcs12bdm.CmdAckDisable,
		hcs12bdm.CmdGo, hcs12bdm.CmdGoUntil, hcs12bdm.CmdTrace1, hcs12bdm.CmdTagGo,
		hcs12bdm.CmdReadNext, hcs12bdm.CmdReadPC, hcs12bdm.CmdReadD, hcs12bdm.CmdReadX,
		hcs12bdm.CmdReadY, hcs12bdm.CmdReadSP:
		return 1
	case CmdReset:
		return 2
	case hcs12bdm.CmdReadBDByte, hcs12bdm.CmdReadBDWord, hcs12bdm.CmdReadByte, hcs12bdm.CmdReadWord,
		hcs12bdm.CmdWriteNext, hcs12bdm.CmdWritePC, hcs12bdm.CmdWriteD, hcs12bdm.CmdWriteX,
		hcs12bdm.CmdWriteY, hcs12bdm.CmdWriteSP:
		return 3
	case hcs12bdm.CmdWriteBDByte, hcs12bdm.CmdWriteBDWord, hcs12bdm.CmdWriteByte, hcs12bdm.CmdWriteWord:
		return 5
	case CmdExt:
		if len(b) < 2 {
			return 0
		}
		switch b[1] {
		case ExtGetVersion, ExtRegDump:
			return 2
		case ExtSetParam, ExtSpeed:
			return 4
		case ExtMemDump:
			return 5
		case ExtMemPut:
			if len(b) < 5 {
				return 0
			}
			return 5 + 2*int(b[4])
		}
	}
	return -1
}
