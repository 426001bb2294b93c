package device

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"mfdeploy/internal/transport"
)

func TestUserMessageHidesTransportText(t *testing.T) {
	reset := &transport.IOError{Op: "read", Kind: transport.KindFatal, Err: syscall.ECONNRESET}

	tests := []struct {
		name   string
		err    error
		device bool
		want   string
	}{
		{"no response", noResponse("erase", reset), true, "Device is not responding"},
		{"transport", fmt.Errorf("write chunk: %w", reset), true, "Device communication failed"},
		{"connect", &transport.ConnectionError{Port: "tcp:10.0.0.9:26000", Err: errors.New("dial tcp: i/o timeout")}, true, "Could not open the device port"},
		{"wrong mode", fmt.Errorf("info: %w", ErrNotRuntime), true, "Device must be running the runtime"},
		{"erase", &EraseFailureError{Address: 0x08010000, Length: 0x4000}, true, "Erase failed"},
		{"missing file", &FileNotFoundError{Path: "app.hex"}, false, "Image file not found"},
		{"other", errors.New("line 3: bad checksum"), false, "Device operation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDeviceError(tt.err); got != tt.device {
				t.Errorf("IsDeviceError() = %v, want %v", got, tt.device)
			}
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
