package cmd

import (
	"fmt"
	"strconv"

	"github.com/george-hopkins/hcs12mem-sub000/pkg/target"
	"github.com/spf13/pflag"
)

// operation is one requested action, recorded in command-line order.
type operation struct {
	name string
	arg  string
	run  func(h target.Handler, arg string) error
}

func (o operation) String() string {
	if o.arg == "" {
		return o.name
	}
	return o.name + " " + o.arg
}

// operations collects the operation flags as pflag parses them, which is
// the order they appear on the command line.
var operations []operation

// opFlag is a pflag.Value appending to operations on every occurrence.
type opFlag struct {
	name   string
	argVar string // empty for flags without an argument
	run    func(h target.Handler, arg string) error
}

var _ pflag.Value = (*opFlag)(nil)

func (f *opFlag) String() string { return "" }

func (f *opFlag) Type() string {
	if f.argVar == "" {
		return "bool"
	}
	return f.argVar
}

func (f *opFlag) Set(s string) error {
	if f.argVar == "" {
		on, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		if on {
			operations = append(operations, operation{name: f.name, run: f.run})
		}
		return nil
	}
	if s == "" {
		return fmt.Errorf("%s: missing %s", f.name, f.argVar)
	}
	operations = append(operations, operation{name: f.name, arg: s, run: f.run})
	return nil
}

func noArg(fn func(target.Handler) error) func(target.Handler, string) error {
	return func(h target.Handler, _ string) error { return fn(h) }
}

// opFlags lists the operation flags in help order.
var opFlags = []struct {
	long, short string
	flag        *opFlag
	usage       string
}{
	{"ram-run", "R", &opFlag{name: "RAM run", argVar: "file", run: target.Handler.RAMRun}, "load an image into RAM and run it"},
	{"unsecure", "U", &opFlag{name: "unsecure", run: noArg(target.Handler.Unsecure)}, "unsecure the target (erases FLASH and EEPROM)"},
	{"secure", "S", &opFlag{name: "secure", run: noArg(target.Handler.Secure)}, "secure the target"},
	{"reset", "X", &opFlag{name: "reset", run: noArg(target.Handler.Reset)}, "reset the target"},
	{"eeprom-read", "A", &opFlag{name: "EEPROM read", argVar: "file", run: target.Handler.EEPROMRead}, "read EEPROM into a file"},
	{"eeprom-erase", "B", &opFlag{name: "EEPROM erase", run: noArg(target.Handler.EEPROMErase)}, "erase EEPROM"},
	{"eeprom-write", "C", &opFlag{name: "EEPROM write", argVar: "file", run: target.Handler.EEPROMWrite}, "write a file into EEPROM"},
	{"eeprom-protect", "D", &opFlag{name: "EEPROM protect", argVar: "size", run: target.Handler.EEPROMProtect}, "protect the EEPROM top (all, 64B..512B)"},
	{"flash-read", "E", &opFlag{name: "FLASH read", argVar: "file", run: target.Handler.FlashRead}, "read FLASH into a file"},
	{"flash-erase", "F", &opFlag{name: "FLASH erase", run: noArg(target.Handler.FlashErase)}, "erase FLASH"},
	{"flash-write", "G", &opFlag{name: "FLASH write", argVar: "file", run: target.Handler.FlashWrite}, "write a file into FLASH"},
	{"flash-protect", "H", &opFlag{name: "FLASH protect", argVar: "size", run: target.Handler.FlashProtect}, "protect the FLASH top (all, 2K..16K)"},
}

func addOperationFlags(fs *pflag.FlagSet) {
	for _, op := range opFlags {
		f := fs.VarPF(op.flag, op.long, op.short, op.usage)
		if op.flag.argVar == "" {
			f.NoOptDefVal = "true"
		}
	}
}
