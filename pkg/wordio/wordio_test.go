package wordio

import (
	"bytes"
	"fmt"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		addr     uint32
		n        int
		maxWords int
		want     []Span
	}{
		{addr: 0x100, n: 0, want: nil},
		{addr: 0x101, n: 1, want: []Span{{Byte, 0x101, 0, 1}}},
		{addr: 0x100, n: 4, want: []Span{{Words, 0x100, 0, 4}}},
		{addr: 0x101, n: 4, want: []Span{{Byte, 0x101, 0, 1}, {Words, 0x102, 1, 2}, {Byte, 0x104, 3, 1}}},
		{addr: 0x100, n: 9, maxWords: 2, want: []Span{{Words, 0x100, 0, 4}, {Words, 0x104, 4, 4}, {Byte, 0x108, 8, 1}}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%x+%d", tt.addr, tt.n), func(t *testing.T) {
			got := Split(tt.addr, tt.n, tt.maxWords)
			if len(got) != len(tt.want) {
				t.Fatalf("Split() = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("span %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAlign(t *testing.T) {
	if lo, hi := Align(0x101, 0x102); lo != 0x100 || hi != 0x102 {
		t.Errorf("Align(0x101, 0x102) = %x, %x", lo, hi)
	}
	if lo, hi := Align(0x100, 0x103); lo != 0x100 || hi != 0x104 {
		t.Errorf("Align(0x100, 0x103) = %x, %x", lo, hi)
	}
}

// wordMem rejects unaligned word access so the split is exercised.
type wordMem struct {
	data []byte
}

func (m *wordMem) ReadByteAt(addr uint32) (byte, error) { return m.data[addr], nil }

func (m *wordMem) WriteByteAt(addr uint32, v byte) error {
	m.data[addr] = v
	return nil
}

func (m *wordMem) ReadWords(addr uint32, buf []byte) error {
	if addr&1 != 0 || len(buf)&1 != 0 {
		return fmt.Errorf("unaligned word read at 0x%x len %d", addr, len(buf))
	}
	copy(buf, m.data[addr:])
	return nil
}

func (m *wordMem) WriteWords(addr uint32, buf []byte) error {
	if addr&1 != 0 || len(buf)&1 != 0 {
		return fmt.Errorf("unaligned word write at 0x%x len %d", addr, len(buf))
	}
	copy(m.data[addr:], buf)
	return nil
}

func TestReadWriteRoundTrip(t *testing.T) {
	for _, addr := range []uint32{0x10, 0x11} {
		for _, n := range []int{1, 2, 7, 64, 131} {
			m := &wordMem{data: make([]byte, 512)}
			src := make([]byte, n)
			for i := range src {
				src[i] = byte(i*7 + 3)
			}
			if err := Write(m, addr, src, 16); err != nil {
				t.Fatalf("Write(0x%x, %d): %v", addr, n, err)
			}
			got := make([]byte, n)
			if err := Read(m, addr, got, 16); err != nil {
				t.Fatalf("Read(0x%x, %d): %v", addr, n, err)
			}
			if !bytes.Equal(got, src) {
				t.Errorf("round trip at 0x%x len %d mismatch", addr, n)
			}
			if m.data[addr-1] != 0 || m.data[addr+uint32(n)] != 0 {
				t.Errorf("write at 0x%x len %d touched neighbors", addr, n)
			}
		}
	}
}
