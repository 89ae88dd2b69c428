package serialport

import (
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
)

// Responder reacts to one written byte and returns bytes to queue for
// reading.
type Responder func(b byte) []byte

// Pipe is an in-memory Port for tests and simulations. Every written byte is
// passed to OnWrite; its reply is queued for Recv. CTS follows the pod
// handshake: asserted when RTS rises, dropped once a byte is consumed.
type Pipe struct {
	OnWrite Responder

	Baud    int
	Closed  bool
	Written []byte

	rx  []byte
	rts bool
	cts bool
}

// NewPipe creates a pipe answering through fn.
func NewPipe(fn Responder) *Pipe {
	return &Pipe{OnWrite: fn}
}

// Opener returns an Opener handing out this pipe.
func (p *Pipe) Opener() Opener {
	return func(name string, baud int) (Port, error) {
		p.Baud = baud
		p.Closed = false
		return p, nil
	}
}

// Queue appends bytes to the receive buffer.
func (p *Pipe) Queue(b ...byte) {
	p.rx = append(p.rx, b...)
}

func (p *Pipe) Write(b []byte) (int, error) {
	for _, v := range b {
		p.Written = append(p.Written, v)
		p.cts = false
		if p.OnWrite != nil {
			p.rx = append(p.rx, p.OnWrite(v)...)
		}
	}
	return len(b), nil
}

func (p *Pipe) Recv(time.Duration) (byte, error) {
	if len(p.rx) == 0 {
		return 0, target.ErrTimeout
	}
	b := p.rx[0]
	p.rx = p.rx[1:]
	return b, nil
}

func (p *Pipe) SetBaud(baud int) error {
	p.Baud = baud
	return nil
}

func (p *Pipe) SetRTS(on bool) error {
	if on && !p.rts {
		p.cts = true
	}
	if !on {
		p.cts = false
	}
	p.rts = on
	return nil
}

func (p *Pipe) CTS() (bool, error) {
	return p.cts, nil
}

func (p *Pipe) Flush() error {
	p.rx = nil
	return nil
}

func (p *Pipe) Close() error {
	p.Closed = true
	return nil
}
