package lrae

import (
	"math"
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
)

// Bootloader handshake bytes.
const (
	SyncByte    = 0x80
	SyncAck     = 0xfc
	ChecksumAck = 0xaa
)

// Timing.
const (
	SyncRetries     = 16
	SyncTimeout     = 100 * time.Millisecond
	ChecksumTimeout = 500 * time.Millisecond
	ReplyTimeout    = 2000 * time.Millisecond
	EraseTimeout    = 5000 * time.Millisecond
)

// MaxBaudError is the largest host/target baud mismatch accepted, in
// percent.
const MaxBaudError = 3.9

// SCIDividers are the SCI baud register values the bootloader tries, in
// order.
var SCIDividers = []uint32{13, 26, 52, 104, 208, 17, 35, 69}

// HostBauds are the baud rates the host can select.
var HostBauds = []int{115200, 57600, 38400, 19200, 9600, 4800, 2400, 1200}

// BaudError returns the mismatch between a host baud and the SCI rate
// produced by divider at bus clock eclk, in percent.
func BaudError(eclk, divider uint32, baud int) float64 {
	sci := float64(eclk) / (16 * float64(divider))
	return math.Abs(sci-float64(baud)) * 100 / float64(baud)
}

// NegotiateBaud picks the first host baud that one of the bootloader's SCI
// dividers reproduces within MaxBaudError.
func NegotiateBaud(osc uint32) (int, error) {
	eclk := osc / 2
	if eclk > 0 {
		for _, div := range SCIDividers {
			for _, baud := range HostBauds {
				if BaudError(eclk, div, baud) < MaxBaudError {
					return baud, nil
				}
			}
		}
	}
	return 0, errors.Wrapf(target.ErrInvalid,
		"no baud rate matches oscillator %d Hz. Consider specifying one with -b option", osc)
}

// Checksum is the additive checksum of the protocol.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// Frame builds a command frame: command, length (payload + 3), payload and
// checksum over everything before it.
func Frame(cmd byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, cmd, byte(len(payload)+3))
	out = append(out, payload...)
	return append(out, Checksum(out))
}

// LoadHeader is the header preceding a RAM image: load address and length.
func LoadHeader(addr, n uint16) []byte {
	return []byte{byte(addr >> 8), byte(addr), byte(n >> 8), byte(n)}
}
