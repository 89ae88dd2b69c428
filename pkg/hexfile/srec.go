package hexfile

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
)

const srecLineBytes = 16

// addrLen is the address field width of each record type.
var addrLen = map[byte]int{
	'0': 2, '1': 2, '2': 3, '3': 4, '5': 2, '6': 3, '7': 4, '8': 3, '9': 2,
}

// ReadSRecord parses a Motorola S-record stream.
func ReadSRecord(r io.Reader) (*Image, error) {
	img := &Image{}
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if len(line) < 4 || line[0] != 'S' {
			return nil, fmt.Errorf("line %d: not an S-record: %w", lineno, target.ErrInvalid)
		}
		typ := line[1]
		alen, ok := addrLen[typ]
		if !ok {
			return nil, fmt.Errorf("line %d: unknown record type S%c: %w", lineno, typ, target.ErrInvalid)
		}
		raw, err := hex.DecodeString(line[2:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %v: %w", lineno, err, target.ErrInvalid)
		}
		if len(raw) < 1+alen+1 || int(raw[0]) != len(raw)-1 {
			return nil, fmt.Errorf("line %d: bad record length: %w", lineno, target.ErrInvalid)
		}
		if sum := checksum(raw[:len(raw)-1]); sum != raw[len(raw)-1] {
			return nil, fmt.Errorf("line %d: checksum 0x%02x, expected 0x%02x: %w",
				lineno, raw[len(raw)-1], sum, target.ErrInvalid)
		}
		var addr uint32
		for _, b := range raw[1 : 1+alen] {
			addr = addr<<8 | uint32(b)
		}
		data := raw[1+alen : len(raw)-1]

		switch typ {
		case '0':
			img.Header = strings.TrimRight(string(data), "\x00")
		case '1', '2', '3':
			img.add(addr, data)
		case '7', '8', '9':
			img.Entry = addr
			img.HasEntry = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	img.normalize()
	return img, nil
}

// WriteSRecord writes an image as S-records. The record width follows the
// highest address: S1/S9, S2/S8 or S3/S7.
func WriteSRecord(w io.Writer, img *Image) error {
	bw := bufio.NewWriter(w)

	hi := img.Entry
	for _, s := range img.Segments {
		if end := s.Address + uint32(len(s.Data)) - 1; len(s.Data) > 0 && end > hi {
			hi = end
		}
	}
	dataType, endType := byte('1'), byte('9')
	switch {
	case hi > 0xffffff:
		dataType, endType = '3', '7'
	case hi > 0xffff:
		dataType, endType = '2', '8'
	}

	header := img.Header
	if header == "" {
		header = "hcs12mem"
	}
	if err := writeRecord(bw, '0', 0, []byte(header)); err != nil {
		return err
	}

	count := 0
	for _, s := range img.Segments {
		for off := 0; off < len(s.Data); off += srecLineBytes {
			end := off + srecLineBytes
			if end > len(s.Data) {
				end = len(s.Data)
			}
			if err := writeRecord(bw, dataType, s.Address+uint32(off), s.Data[off:end]); err != nil {
				return err
			}
			count++
		}
	}
	if count <= 0xffff {
		if err := writeRecord(bw, '5', uint32(count), nil); err != nil {
			return err
		}
	}
	if err := writeRecord(bw, endType, img.Entry, nil); err != nil {
		return err
	}
	return bw.Flush()
}

func writeRecord(w *bufio.Writer, typ byte, addr uint32, data []byte) error {
	alen := addrLen[typ]
	raw := make([]byte, 0, 1+alen+len(data)+1)
	raw = append(raw, byte(alen+len(data)+1))
	for i := alen - 1; i >= 0; i-- {
		raw = append(raw, byte(addr>>(8*i)))
	}
	raw = append(raw, data...)
	raw = append(raw, checksum(raw))
	_, err := fmt.Fprintf(w, "S%c%s\n", typ, strings.ToUpper(hex.EncodeToString(raw)))
	return err
}

// checksum is the one's complement of the low byte of the sum of the
// length, address and data bytes.
func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return ^sum
}
