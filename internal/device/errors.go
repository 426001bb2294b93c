// internal/device/errors.go
package device

import (
	"context"
	"errors"
	"fmt"

	"mfdeploy/internal/transport"
)

var (
	// ErrNoEngine means the session was never connected.
	ErrNoEngine = errors.New("device: not connected")
	// ErrNoResponse means the device stopped answering mid-operation.
	ErrNoResponse = errors.New("device: no response")
	// ErrUserExit means the operation was cancelled.
	ErrUserExit      = errors.New("device: cancelled")
	ErrNotBootloader = errors.New("device: requires bootloader connection")
	ErrNotRuntime    = errors.New("device: requires runtime connection")
)

// FileNotFoundError reports a missing image file
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

// SignatureFailureError reports an image the device refused to validate
type SignatureFailureError struct {
	Path    string
	Address uint32
}

func (e *SignatureFailureError) Error() string {
	return fmt.Sprintf("signature check failed for block 0x%08x (%s)", e.Address, e.Path)
}

// EraseFailureError reports a sector the device refused to erase
type EraseFailureError struct {
	Address uint32
	Length  uint32
}

func (e *EraseFailureError) Error() string {
	return fmt.Sprintf("erase failed at 0x%08x (%d bytes)", e.Address, e.Length)
}

// DeployFailureError reports a rejected write
type DeployFailureError struct {
	Address uint32
}

func (e *DeployFailureError) Error() string {
	return fmt.Sprintf("write failed at 0x%08x", e.Address)
}

// noResponse wraps a transport level failure. The cause stays reachable
// through errors.Unwrap for the debug log.
func noResponse(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrNoResponse)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNoResponse, err)
}

// IsUserExit reports whether err comes from a cancelled operation
func IsUserExit(err error) bool {
	return errors.Is(err, ErrUserExit) || errors.Is(err, context.Canceled)
}

// IsDeviceError reports whether err comes from the device or its transport.
// Such errors carry raw transport text and are shown through UserMessage.
func IsDeviceError(err error) bool {
	var (
		sigErr   *SignatureFailureError
		eraseErr *EraseFailureError
		writeErr *DeployFailureError
		connErr  *transport.ConnectionError
		ioErr    *transport.IOError
	)
	return errors.Is(err, ErrNoEngine) ||
		errors.Is(err, ErrNoResponse) ||
		errors.Is(err, ErrNotBootloader) ||
		errors.Is(err, ErrNotRuntime) ||
		errors.As(err, &sigErr) ||
		errors.As(err, &eraseErr) ||
		errors.As(err, &writeErr) ||
		errors.As(err, &connErr) ||
		errors.As(err, &ioErr)
}

// UserMessage returns the short fixed message shown to users for err
func UserMessage(err error) string {
	var (
		fileErr  *FileNotFoundError
		sigErr   *SignatureFailureError
		eraseErr *EraseFailureError
		writeErr *DeployFailureError
		connErr  *transport.ConnectionError
		ioErr    *transport.IOError
	)

	switch {
	case err == nil:
		return ""
	case IsUserExit(err):
		return "Operation cancelled by user"
	case errors.As(err, &fileErr):
		return "Image file not found"
	case errors.As(err, &sigErr):
		return "Signature check failed"
	case errors.As(err, &eraseErr):
		return "Erase failed"
	case errors.As(err, &writeErr):
		return "Deployment failed"
	case errors.Is(err, ErrNoEngine):
		return "Device is not connected"
	case errors.Is(err, ErrNotBootloader):
		return "Device must be in bootloader mode"
	case errors.Is(err, ErrNotRuntime):
		return "Device must be running the runtime"
	case errors.Is(err, ErrNoResponse):
		return "Device is not responding"
	case errors.As(err, &connErr):
		return "Could not open the device port"
	case errors.As(err, &ioErr):
		return "Device communication failed"
	default:
		return "Device operation failed"
	}
}
