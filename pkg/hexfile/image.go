// Package hexfile reads and writes memory images as Motorola S-records or
// Intel HEX and maps them onto target memory buffers.
package hexfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/marcinbor85/gohex"
)

// BlockSize is the granularity at which erased (all 0xFF) areas are left
// out of saved images.
const BlockSize = 256

// Segment is a contiguous run of data.
type Segment struct {
	Address uint32
	Data    []byte
}

// Image is a sparse memory image with an optional entry point.
type Image struct {
	Header   string
	Segments []Segment
	Entry    uint32
	HasEntry bool
}

func (img *Image) add(addr uint32, data []byte) {
	img.Segments = append(img.Segments, Segment{Address: addr, Data: append([]byte(nil), data...)})
}

// normalize sorts segments and merges adjacent ones.
func (img *Image) normalize() {
	sort.SliceStable(img.Segments, func(i, j int) bool {
		return img.Segments[i].Address < img.Segments[j].Address
	})
	var merged []Segment
	for _, s := range img.Segments {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Address+uint32(len(last.Data)) == s.Address {
				last.Data = append(last.Data, s.Data...)
				continue
			}
		}
		merged = append(merged, s)
	}
	img.Segments = merged
}

// Size returns the number of data bytes in the image.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}

// Mapper converts a file address to a buffer offset; ok is false when the
// address lies outside the target region.
type Mapper func(addr uint32) (off uint32, ok bool)

// Load copies the image into buf through mapper and returns the touched
// offset range [lo, hi). Unmappable addresses fail with target.ErrInvalid.
func (img *Image) Load(buf []byte, mapper Mapper) (lo, hi uint32, err error) {
	lo, hi = ^uint32(0), 0
	for _, s := range img.Segments {
		for i, b := range s.Data {
			addr := s.Address + uint32(i)
			off, ok := mapper(addr)
			if !ok || off >= uint32(len(buf)) {
				return 0, 0, fmt.Errorf("address 0x%06x outside target memory: %w", addr, target.ErrInvalid)
			}
			buf[off] = b
			if off < lo {
				lo = off
			}
			if off+1 > hi {
				hi = off + 1
			}
		}
	}
	if hi == 0 {
		return 0, 0, fmt.Errorf("image holds no data: %w", target.ErrInvalid)
	}
	return lo, hi, nil
}

// FromBuffer builds an image from a memory buffer. addr maps buffer offsets
// to file addresses; 256-byte blocks holding only 0xFF are skipped unless
// includeErased is set.
func FromBuffer(buf []byte, addr func(off uint32) uint32, includeErased bool) *Image {
	img := &Image{}
	for off := 0; off < len(buf); off += BlockSize {
		end := off + BlockSize
		if end > len(buf) {
			end = len(buf)
		}
		block := buf[off:end]
		if !includeErased && Erased(block) {
			continue
		}
		img.add(addr(uint32(off)), block)
	}
	img.normalize()
	return img
}

// Erased reports whether every byte is 0xFF.
func Erased(b []byte) bool {
	for _, v := range b {
		if v != 0xff {
			return false
		}
	}
	return true
}

// ReadIntelHex parses Intel HEX through gohex.
func ReadIntelHex(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("%v: %w", err, target.ErrInvalid)
	}
	img := &Image{}
	for _, s := range mem.GetDataSegments() {
		img.add(s.Address, s.Data)
	}
	if entry, ok := mem.GetStartAddress(); ok {
		img.Entry, img.HasEntry = entry, true
	}
	img.normalize()
	return img, nil
}

// WriteIntelHex writes the image as Intel HEX through gohex.
func WriteIntelHex(w io.Writer, img *Image) error {
	mem := gohex.NewMemory()
	for _, s := range img.Segments {
		if err := mem.AddBinary(s.Address, s.Data); err != nil {
			return err
		}
	}
	if img.HasEntry {
		mem.SetStartAddress(img.Entry)
	}
	return mem.DumpIntelHex(w, 16)
}

// IsIntelHex reports whether a file name selects the Intel HEX format.
func IsIntelHex(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".hex", ".ihx":
		return true
	}
	return false
}

// ReadFile reads an image, choosing the format by file extension.
func ReadFile(name string) (*Image, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	var img *Image
	if IsIntelHex(name) {
		img, err = ReadIntelHex(f)
	} else {
		img, err = ReadSRecord(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return img, nil
}

// WriteFile writes an image, choosing the format by file extension.
func WriteFile(name string, img *Image) error {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if IsIntelHex(name) {
		err = WriteIntelHex(f, img)
	} else {
		err = WriteSRecord(f, img)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
