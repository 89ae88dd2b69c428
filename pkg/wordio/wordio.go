// Package wordio splits byte transfers over a 16-bit word bus into an
// optional leading odd byte, a run of aligned words and an optional
// trailing byte.
package wordio

// Kind of a transfer span.
type Kind int

const (
	Byte Kind = iota
	Words
)

// Span is one piece of a split transfer. Off indexes the caller's buffer.
type Span struct {
	Kind Kind
	Addr uint32
	Off  int
	Len  int
}

// Split decomposes the transfer of n bytes at addr. Word spans are at most
// maxWords words long; maxWords <= 0 means unbounded.
func Split(addr uint32, n int, maxWords int) []Span {
	var spans []Span
	off := 0
	if n > 0 && addr&1 != 0 {
		spans = append(spans, Span{Kind: Byte, Addr: addr, Off: 0, Len: 1})
		off = 1
	}
	words := (n - off) / 2
	for words > 0 {
		chunk := words
		if maxWords > 0 && chunk > maxWords {
			chunk = maxWords
		}
		spans = append(spans, Span{Kind: Words, Addr: addr + uint32(off), Off: off, Len: chunk * 2})
		off += chunk * 2
		words -= chunk
	}
	if off < n {
		spans = append(spans, Span{Kind: Byte, Addr: addr + uint32(off), Off: off, Len: 1})
	}
	return spans
}

// Align widens [lo, hi) to word boundaries.
func Align(lo, hi uint32) (uint32, uint32) {
	return lo &^ 1, (hi + 1) &^ 1
}

// ByteMemory is the capability used by Read and Write: single bytes plus
// aligned word runs.
type ByteMemory interface {
	ReadByteAt(addr uint32) (byte, error)
	WriteByteAt(addr uint32, v byte) error
	ReadWords(addr uint32, buf []byte) error
	WriteWords(addr uint32, buf []byte) error
}

// Read fills buf from addr using the leading/words/trailing split.
func Read(m ByteMemory, addr uint32, buf []byte, maxWords int) error {
	for _, s := range Split(addr, len(buf), maxWords) {
		if s.Kind == Byte {
			v, err := m.ReadByteAt(s.Addr)
			if err != nil {
				return err
			}
			buf[s.Off] = v
			continue
		}
		if err := m.ReadWords(s.Addr, buf[s.Off:s.Off+s.Len]); err != nil {
			return err
		}
	}
	return nil
}

// Write stores buf at addr using the leading/words/trailing split.
func Write(m ByteMemory, addr uint32, buf []byte, maxWords int) error {
	for _, s := range Split(addr, len(buf), maxWords) {
		if s.Kind == Byte {
			if err := m.WriteByteAt(s.Addr, buf[s.Off]); err != nil {
				return err
			}
			continue
		}
		if err := m.WriteWords(s.Addr, buf[s.Off:s.Off+s.Len]); err != nil {
			return err
		}
	}
	return nil
}
