package targetdesc

import (
	"strconv"
	"strings"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/pkg/errors"
)

// Entry is one key/value line of a description file.
type Entry struct {
	Key   string
	Value string
	Line  int
}

// Description is an ordered key/value table loaded from a target
// description file. Keys may repeat; First/Next walk the repeats in file
// order. A Description is read-only once loaded except for its cursor.
type Description struct {
	Name string
	Path string

	entries   []Entry
	cursorKey string
	cursor    int
}

// New builds a description from entries, mainly for tests.
func New(name string, entries ...Entry) *Description {
	return &Description{Name: name, entries: append([]Entry(nil), entries...)}
}

// Entries returns a copy of all entries in file order.
func (d *Description) Entries() []Entry {
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Info returns the value of the first entry named key.
func (d *Description) Info(key string) (string, bool) {
	for _, e := range d.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// InfoDefault is Info with a fallback value.
func (d *Description) InfoDefault(key, def string) string {
	if v, ok := d.Info(key); ok {
		return v
	}
	return def
}

// First positions the cursor on the first entry named key and returns it.
func (d *Description) First(key string) (string, bool) {
	d.cursorKey = key
	d.cursor = -1
	return d.Next()
}

// Next returns the following entry with the key given to First.
func (d *Description) Next() (string, bool) {
	for i := d.cursor + 1; i < len(d.entries); i++ {
		if d.entries[i].Key == d.cursorKey {
			d.cursor = i
			return d.entries[i].Value, true
		}
	}
	d.cursor = len(d.entries)
	return "", false
}

// Values returns every value recorded under key, in file order.
func (d *Description) Values(key string) []string {
	var out []string
	for v, ok := d.First(key); ok; v, ok = d.Next() {
		out = append(out, v)
	}
	return out
}

// Param parses the first value of key as an unsigned number (decimal, 0x
// hex or 0 octal, with optional k/K and M suffixes for sizes). Missing keys
// yield def; malformed values yield target.ErrInvalid.
func (d *Description) Param(key string, def uint32) (uint32, error) {
	v, ok := d.Info(key)
	if !ok {
		return def, nil
	}
	n, err := ParseNumber(v)
	if err != nil {
		return 0, errors.Wrapf(target.ErrInvalid, "target description %s: %s %q", d.Name, key, v)
	}
	return n, nil
}

// ParseNumber parses a numeric description value.
func ParseNumber(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		mult, s = 1024, s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mult, s = 1024*1024, s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	n *= mult
	if n > 1<<32-1 {
		return 0, strconv.ErrRange
	}
	return uint32(n), nil
}

// InitByte is one bdm_init_byte entry: a register address and the value
// written to it during connection setup.
type InitByte struct {
	Addr  uint16
	Value byte
}

// InitBytes decodes all bdm_init_byte entries ("<addr> <value>").
func (d *Description) InitBytes() ([]InitByte, error) {
	var out []InitByte
	for _, v := range d.Values("bdm_init_byte") {
		fields := strings.Fields(v)
		if len(fields) != 2 {
			return nil, errors.Wrapf(target.ErrInvalid, "target description %s: bdm_init_byte %q", d.Name, v)
		}
		addr, err1 := strconv.ParseUint(fields[0], 0, 16)
		val, err2 := strconv.ParseUint(fields[1], 0, 8)
		if err1 != nil || err2 != nil {
			return nil, errors.Wrapf(target.ErrInvalid, "target description %s: bdm_init_byte %q", d.Name, v)
		}
		out = append(out, InitByte{Addr: uint16(addr), Value: byte(val)})
	}
	return out, nil
}
