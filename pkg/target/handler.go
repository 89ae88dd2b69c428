package target

// Info describes the connected interface as reported by a Handler.
type Info struct {
	Name     string
	Vendor   string
	Firmware string
	Notes    string
}

// Handler is implemented once per transport. Exactly one handler is active
// per run; the command dispatcher calls Open, then the requested operations
// in command-line order, then Close.
type Handler interface {
	Info() Info

	Open() error
	Close() error
	Reset() error

	RAMRun(file string) error
	Secure() error
	Unsecure() error

	EEPROMRead(file string) error
	EEPROMErase() error
	EEPROMWrite(file string) error
	EEPROMProtect(size string) error

	FlashRead(file string) error
	FlashErase() error
	FlashWrite(file string) error
	FlashProtect(size string) error
}

// Progress observes long-running transfers.
type Progress interface {
	Report(op string, done, total int)
}

// NopProgress discards progress reports.
type NopProgress struct{}

func (NopProgress) Report(string, int, int) {}
