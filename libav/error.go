package astilibav

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astimoq"
)

// Errors
var (
	ErrAllocFailed     = errors.New("astilibav: allocation failed")
	ErrDecoderNotFound = errors.New("astilibav: decoder not found")
)

// AvError represents a failed libav call
type AvError struct {
	Err  error
	Func string
}

func newAvError(fn string, err error) *AvError {
	return &AvError{
		Err:  err,
		Func: fn,
	}
}

// Error implements the error interface
func (e *AvError) Error() string {
	return fmt.Sprintf("astilibav: %s failed: %s", e.Func, e.Err)
}

// Unwrap implements the standard error interface
func (e *AvError) Unwrap() error {
	return e.Err
}

// codecError translates libav "try again" and "end of file" errors into their codec counterpart
func codecError(fn string, err error) error {
	switch {
	case errors.Is(err, astiav.ErrEagain):
		return astimoq.ErrCodecWouldBlock
	case errors.Is(err, astiav.ErrEof):
		return astimoq.ErrCodecEOF
	}
	return newAvError(fn, err)
}
