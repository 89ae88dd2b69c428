// Package serialport is the byte-level serial transport shared by the
// bdm12pod, lrae and sm drivers.
package serialport

import (
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Port is the transport contract used by the serial drivers.
type Port interface {
	Write(p []byte) (int, error)
	// Recv waits up to timeout for one byte. Expiry yields
	// target.ErrTimeout.
	Recv(timeout time.Duration) (byte, error)
	SetBaud(baud int) error
	SetRTS(on bool) error
	CTS() (bool, error)
	// Flush discards pending input.
	Flush() error
	Close() error
}

// Opener opens a named port at a baud rate. Drivers take an Opener so tests
// can substitute scripted ports.
type Opener func(name string, baud int) (Port, error)

type port struct {
	name    string
	p       serial.Port
	timeout time.Duration
}

// Open opens a serial port with 8N1 framing.
func Open(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, errors.Wrapf(target.ErrIO, "open %s: %v", name, err)
	}
	log.Debugf("serial: opened %s at %d baud", name, baud)
	return &port{name: name, p: p, timeout: -1}, nil
}

func (s *port) Write(b []byte) (int, error) {
	n, err := s.p.Write(b)
	if err != nil {
		return n, errors.Wrapf(target.ErrIO, "write %s: %v", s.name, err)
	}
	return n, nil
}

func (s *port) Recv(timeout time.Duration) (byte, error) {
	if timeout != s.timeout {
		if err := s.p.SetReadTimeout(timeout); err != nil {
			return 0, errors.Wrapf(target.ErrIO, "set timeout %s: %v", s.name, err)
		}
		s.timeout = timeout
	}
	var buf [1]byte
	n, err := s.p.Read(buf[:])
	if err != nil {
		return 0, errors.Wrapf(target.ErrIO, "read %s: %v", s.name, err)
	}
	if n == 0 {
		return 0, target.ErrTimeout
	}
	return buf[0], nil
}

func (s *port) SetBaud(baud int) error {
	err := s.p.SetMode(&serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return errors.Wrapf(target.ErrIO, "set baud %d on %s: %v", baud, s.name, err)
	}
	return nil
}

func (s *port) SetRTS(on bool) error {
	if err := s.p.SetRTS(on); err != nil {
		return errors.Wrapf(target.ErrIO, "set RTS on %s: %v", s.name, err)
	}
	return nil
}

func (s *port) CTS() (bool, error) {
	bits, err := s.p.GetModemStatusBits()
	if err != nil {
		return false, errors.Wrapf(target.ErrIO, "modem status %s: %v", s.name, err)
	}
	return bits.CTS, nil
}

func (s *port) Flush() error {
	return s.p.ResetInputBuffer()
}

func (s *port) Close() error {
	log.Debugf("serial: closing %s", s.name)
	return s.p.Close()
}

// ReadFull reads len(buf) bytes, each within timeout.
func ReadFull(p Port, buf []byte, timeout time.Duration) error {
	for i := range buf {
		b, err := p.Recv(timeout)
		if err != nil {
			return err
		}
		buf[i] = b
	}
	return nil
}

// Drain discards input until the line stays quiet for timeout.
func Drain(p Port, timeout time.Duration) error {
	for {
		_, err := p.Recv(timeout)
		if errors.Is(err, target.ErrTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// List returns the serial ports present on the system.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(target.ErrIO, err.Error())
	}
	return ports, nil
}
