package serialport

import (
	"errors"
	"testing"
	"time"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
)

func TestPipeEcho(t *testing.T) {
	p := NewPipe(func(b byte) []byte { return []byte{b, ^b} })
	if _, err := p.Write([]byte{0x12, 0x34}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if err := ReadFull(p, buf, time.Millisecond); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	want := []byte{0x12, 0xed, 0x34, 0xcb}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("ReadFull() = % x, want % x", buf, want)
		}
	}
	if _, err := p.Recv(time.Millisecond); !errors.Is(err, target.ErrTimeout) {
		t.Errorf("empty Recv = %v, want ErrTimeout", err)
	}
}

func TestPipeHandshake(t *testing.T) {
	p := NewPipe(nil)
	if cts, _ := p.CTS(); cts {
		t.Fatal("CTS asserted before RTS")
	}
	p.SetRTS(true)
	if cts, _ := p.CTS(); !cts {
		t.Fatal("CTS not asserted after RTS")
	}
	p.Write([]byte{0})
	if cts, _ := p.CTS(); cts {
		t.Fatal("CTS still asserted after byte consumed")
	}
	p.SetRTS(false)
}

func TestDrain(t *testing.T) {
	p := NewPipe(nil)
	p.Queue(1, 2, 3)
	if err := Drain(p, time.Millisecond); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if _, err := p.Recv(0); !errors.Is(err, target.ErrTimeout) {
		t.Error("Drain left data behind")
	}
}
