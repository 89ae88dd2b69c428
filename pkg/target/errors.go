package target

import (
	"errors"
	"syscall"
)

// Error taxonomy shared by every driver. Each sentinel corresponds to the
// errno-like code the operation would have reported on the command line.
var (
	ErrInvalid      = errors.New("invalid argument")
	ErrIO           = errors.New("input/output error")
	ErrTimeout      = errors.New("connection timed out")
	ErrNoMem        = errors.New("out of memory")
	ErrNotSupported = errors.New("operation not supported")
)

// Error tags a failure with the operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, otherwise an *Error naming op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Code maps an error chain back to its errno-like value. Errors outside the
// taxonomy map to EIO; nil maps to 0.
func Code(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, ErrTimeout):
		return syscall.ETIMEDOUT
	case errors.Is(err, ErrNoMem):
		return syscall.ENOMEM
	case errors.Is(err, ErrNotSupported):
		return syscall.ENOTSUP
	default:
		return syscall.EIO
	}
}
