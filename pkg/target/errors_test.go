package target

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"invalid", ErrInvalid, syscall.EINVAL},
		{"wrapped timeout", fmt.Errorf("sync: %w", ErrTimeout), syscall.ETIMEDOUT},
		{"pkg/errors wrap", pkgerrors.Wrap(ErrNotSupported, "speed"), syscall.ENOTSUP},
		{"tagged", Wrap("flash erase", ErrNoMem), syscall.ENOMEM},
		{"foreign", errors.New("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap("op", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	err := Wrap("eeprom write", ErrIO)
	if err.Error() != "eeprom write: input/output error" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrIO) {
		t.Errorf("errors.Is(%v, ErrIO) = false", err)
	}
}
