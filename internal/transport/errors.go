// internal/transport/errors.go
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/google/gousb"
	"go.bug.st/serial"
)

var (
	ErrStreamClosed = errors.New("transport: stream closed")
	ErrCanceled     = errors.New("transport: operation cancelled")
)

// ErrorKind classifies transport failures for the retry policy
type ErrorKind int

const (
	// KindRetryable covers timeouts, connection resets and broken pipes.
	KindRetryable ErrorKind = iota
	// KindFatal covers invalid or closed handles and vanished devices.
	// The stream must be closed and reopened.
	KindFatal
)

func (k ErrorKind) String() string {
	if k == KindRetryable {
		return "retryable"
	}
	return "fatal"
}

// IOError is a classified transport failure
type IOError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transport %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ConnectionError reports that a port could not be opened
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transport failure worth retrying
func IsRetryable(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr) && ioErr.Kind == KindRetryable
}

// IsFatal reports whether err leaves the stream unusable
func IsFatal(err error) bool {
	if errors.Is(err, ErrStreamClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var ioErr *IOError
	return errors.As(err, &ioErr) && ioErr.Kind == KindFatal
}

// classify wraps a raw handle error. End of stream is passed through as io.EOF.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return &IOError{Op: op, Kind: kindOf(err), Err: err}
}

func kindOf(err error) ErrorKind {
	if code, ok := serialErrorCode(err); ok {
		switch code {
		case serial.PortClosed, serial.InvalidSerialPort, serial.PortNotFound:
			return KindFatal
		}
		return KindRetryable
	}

	switch {
	case errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, ErrStreamClosed):
		return KindFatal
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice),
		errors.Is(err, gousb.ErrorNotFound):
		return KindFatal
	case errors.Is(err, syscall.EBADF), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO):
		return KindFatal
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, os.ErrDeadlineExceeded):
		return KindRetryable
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.ErrorPipe), errors.Is(err, gousb.TransferStall):
		return KindRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindRetryable
	}

	return KindFatal
}

// serialErrorCode extracts the code of a serial.PortError, which the
// library returns both by value and by pointer.
func serialErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptr *serial.PortError
	if errors.As(err, &ptr) {
		return ptr.Code(), true
	}
	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code(), true
	}
	return 0, false
}
