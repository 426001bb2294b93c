package model

import "testing"

func TestParsePortSpec(t *testing.T) {
	tests := []struct {
		spec     string
		kind     PortKind
		uniqueID string
		display  string
		wantErr  bool
	}{
		{spec: "serial:COM3", kind: PortKindSerial, uniqueID: "COM3", display: "COM3"},
		{spec: "serial:/dev/ttyUSB0@9600", kind: PortKindSerial, uniqueID: "/dev/ttyUSB0", display: "/dev/ttyUSB0"},
		{spec: "tcp:192.168.1.50", kind: PortKindTCP, uniqueID: "192.168.1.50:26000", display: "192.168.1.50"},
		{spec: "tcp:10.0.0.7:27000", kind: PortKindTCP, uniqueID: "10.0.0.7:27000", display: "10.0.0.7"},
		{spec: "usb:Board_1a2b", kind: PortKindUSB, uniqueID: "Board_1a2b", display: "Board_1a2b"},
		{spec: "COM3", wantErr: true},
		{spec: "serial:COM3@fast", wantErr: true},
		{spec: "tcp:device.local", wantErr: true},
		{spec: "tcp:10.0.0.7:70000", wantErr: true},
		{spec: "bluetooth:aa", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			p, err := ParsePortSpec(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePortSpec(%q) = %+v, want error", tt.spec, p)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePortSpec(%q) error = %v", tt.spec, err)
			}
			if p.Kind != tt.kind || p.UniqueID != tt.uniqueID || p.DisplayName != tt.display {
				t.Errorf("ParsePortSpec(%q) = %+v", tt.spec, p)
			}
		})
	}
}

func TestPortSpecRoundTrip(t *testing.T) {
	ports := []PortDefinition{
		NewSerialPort("COM7", 921600),
		NewTCPPort("192.168.1.50", 26000, "00:11:22:33:44:55"),
		NewTCPPort("fe80::1", 26001, ""),
		NewUSBPort(USBParams{VendorID: 0x1234, ProductID: 0x5678, Product: "Board", SerialNumber: "A1"}),
	}

	for _, want := range ports {
		t.Run(want.Spec(), func(t *testing.T) {
			got, err := ParsePortSpec(want.Spec())
			if err != nil {
				t.Fatalf("ParsePortSpec(%q) error = %v", want.Spec(), err)
			}
			if got.Kind != want.Kind || got.UniqueID != want.UniqueID {
				t.Errorf("round trip = %+v, want %+v", got, want)
			}
			if got.Kind == PortKindSerial && got.Serial.BaudRate != want.Serial.BaudRate {
				t.Errorf("baud = %d, want %d", got.Serial.BaudRate, want.Serial.BaudRate)
			}
		})
	}
}

func TestNewUSBPortDisplayName(t *testing.T) {
	p := NewUSBPort(USBParams{VendorID: 0x1234, ProductID: 0x5678, Product: "Board", SerialNumber: "A1"})
	if p.UniqueID != "12345678a1" {
		t.Errorf("UniqueID = %q", p.UniqueID)
	}
	if p.DisplayName != "Board_12345678a1" {
		t.Errorf("DisplayName = %q", p.DisplayName)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
