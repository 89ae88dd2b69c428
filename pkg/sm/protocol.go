package sm

import (
	"fmt"
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
)

// Monitor commands.
const (
	CmdReadByte    = 0xa1
	CmdWriteByte   = 0xa2
	CmdReadWord    = 0xa3
	CmdWriteWord   = 0xa4
	CmdReadBlock   = 0xa7
	CmdWriteBlock  = 0xa8
	CmdWritePC     = 0xab
	CmdGo          = 0xb1
	CmdTrace1      = 0xb2
	CmdHalt        = 0xb3
	CmdReset       = 0xb4
	CmdEraseAll    = 0xb6
	CmdDeviceInfo  = 0xb7
	CmdEraseEEPROM = 0xb9
)

// Prompt ends every reply.
const Prompt = '>'

// StatusNone is the status byte of a successful command.
const StatusNone = 0xe0

// DeviceCode is the first byte of the DEVICE_INFO reply.
const DeviceCode = 0xdc

// Monitor image at the top of FLASH.
const (
	MonitorAddr = 0xf800
	MonitorSize = 0x0800
	IDBlockAddr = 0xf800
	IDBlockSize = 8
	// VectorAddr is the CPU vector table, which the monitor relocates to
	// the area just below itself.
	VectorAddr = 0xff80
)

// MaxBlock bounds READ_BLOCK/WRITE_BLOCK.
const MaxBlock = 256

// Timing.
const (
	DefaultBaud   = 115200
	FlushTimeout  = 100 * time.Millisecond
	ReplyTimeout  = 1000 * time.Millisecond
	EraseTimeout  = 10 * time.Second
	promptScanMax = 4096
)

var statusMessages = map[byte]string{
	0xe1: "command not recognized",
	0xe2: "command not allowed in run mode",
	0xe3: "stack pointer out of range",
	0xe4: "invalid stack pointer value written",
	0xe5: "byte write to non-volatile memory",
	0xe6: "FLASH error",
	0xe7: "EEPROM error",
	0xe8: "reserved error 0xe8 (not implemented)",
	0xe9: "reserved error 0xe9 (not implemented)",
}

// StatusMessage describes a reply status byte.
func StatusMessage(status byte) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status 0x%02x", status)
}

// StatusError maps a reply status byte to the error taxonomy.
func StatusError(status byte) error {
	if status == StatusNone {
		return nil
	}
	return errors.Wrap(target.ErrIO, StatusMessage(status))
}

func addr16(a uint16) []byte {
	return []byte{byte(a >> 8), byte(a)}
}

// ReadBlock encodes READ_BLOCK for n bytes, 1 <= n <= MaxBlock.
func ReadBlock(addr uint16, n int) []byte {
	return append([]byte{CmdReadBlock}, append(addr16(addr), byte(n-1))...)
}

// WriteBlock encodes WRITE_BLOCK.
func WriteBlock(addr uint16, data []byte) []byte {
	out := append([]byte{CmdWriteBlock}, append(addr16(addr), byte(len(data)-1))...)
	return append(out, data...)
}

// WriteByteCmd encodes WRITE_BYTE.
func WriteByteCmd(addr uint16, v byte) []byte {
	return append([]byte{CmdWriteByte}, append(addr16(addr), v)...)
}

// ReadByteCmd encodes READ_BYTE.
func ReadByteCmd(addr uint16) []byte {
	return append([]byte{CmdReadByte}, addr16(addr)...)
}

// WritePC encodes WRITE_PC.
func WritePC(pc uint16) []byte {
	return append([]byte{CmdWritePC}, addr16(pc)...)
}

// IDBlock is the version and build date stamped into the monitor image.
type IDBlock [IDBlockSize]byte

// String renders version and BCD build date.
func (b IDBlock) String() string {
	return fmt.Sprintf("monitor %x.%02x, built %02x%02x-%02x-%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}
