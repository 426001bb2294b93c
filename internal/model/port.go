// internal/model/port.go
package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PortKind represents how the device is reached
type PortKind string

const (
	PortKindSerial PortKind = "SERIAL"
	PortKindUSB    PortKind = "USB"
	PortKindTCP    PortKind = "TCP"
)

const (
	DefaultSerialBaudRate = 115200
	DefaultTCPPort        = 26000
)

// SerialParams holds serial connection parameters
type SerialParams struct {
	PortName string `json:"port_name"`
	BaudRate int    `json:"baud_rate"`
}

// USBParams holds the identity of a USB device as reported by enumeration
type USBParams struct {
	Bus          int    `json:"bus"`
	Address      int    `json:"address"`
	VendorID     uint16 `json:"vendor_id"`
	ProductID    uint16 `json:"product_id"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	DeviceHash   string `json:"device_hash"`
}

// TCPParams holds a TCP endpoint and the MAC address reported by discovery, if any
type TCPParams struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
	MAC  string `json:"mac,omitempty"`
}

// PortDefinition identifies a connection target. Kind selects which of the
// parameter blocks is populated. Values are built by the New*Port
// constructors and are not modified afterwards.
type PortDefinition struct {
	Kind        PortKind      `json:"kind"`
	DisplayName string        `json:"display_name"`
	UniqueID    string        `json:"unique_id"`
	Serial      *SerialParams `json:"serial,omitempty"`
	USB         *USBParams    `json:"usb,omitempty"`
	TCP         *TCPParams    `json:"tcp,omitempty"`
}

// NewSerialPort creates a serial port definition
func NewSerialPort(portName string, baudRate int) PortDefinition {
	if baudRate <= 0 {
		baudRate = DefaultSerialBaudRate
	}

	return PortDefinition{
		Kind:        PortKindSerial,
		DisplayName: portName,
		UniqueID:    portName,
		Serial: &SerialParams{
			PortName: portName,
			BaudRate: baudRate,
		},
	}
}

// NewTCPPort creates a TCP port definition. mac may be empty.
func NewTCPPort(ip string, port int, mac string) PortDefinition {
	if port <= 0 {
		port = DefaultTCPPort
	}

	displayName := ip
	if mac != "" {
		displayName = fmt.Sprintf("%s - (%s)", ip, mac)
	}

	return PortDefinition{
		Kind:        PortKindTCP,
		DisplayName: displayName,
		UniqueID:    net.JoinHostPort(ip, strconv.Itoa(port)),
		TCP: &TCPParams{
			IP:   ip,
			Port: port,
			MAC:  mac,
		},
	}
}

// NewUSBPort creates a USB port definition. The device hash is derived
// from the identity when the caller leaves it empty.
func NewUSBPort(params USBParams) PortDefinition {
	if params.DeviceHash == "" {
		params.DeviceHash = USBDeviceHash(params)
	}

	name := params.Product
	if name == "" {
		name = "USB"
	}

	return PortDefinition{
		Kind:        PortKindUSB,
		DisplayName: name + "_" + params.DeviceHash,
		UniqueID:    params.DeviceHash,
		USB:         &params,
	}
}

// USBDeviceHash returns a stable identifier for a USB device. Devices that
// report a serial number keep their hash across re-enumeration; the others
// fall back to bus and address.
func USBDeviceHash(params USBParams) string {
	if params.SerialNumber != "" {
		return fmt.Sprintf("%04x%04x%s", params.VendorID, params.ProductID, strings.ToLower(params.SerialNumber))
	}
	return fmt.Sprintf("%04x%04x-%03d%03d", params.VendorID, params.ProductID, params.Bus, params.Address)
}

// WithDisplayName returns a copy carrying a different display name
func (p PortDefinition) WithDisplayName(name string) PortDefinition {
	p.DisplayName = name
	return p
}

// Resolved reports whether the definition carries the parameters needed
// to open it. USB definitions parsed from a unique id are unresolved until
// the device is found by enumeration.
func (p PortDefinition) Resolved() bool {
	switch p.Kind {
	case PortKindSerial:
		return p.Serial != nil
	case PortKindUSB:
		return p.USB != nil
	case PortKindTCP:
		return p.TCP != nil
	default:
		return false
	}
}

// Validate checks that the parameters match the kind
func (p PortDefinition) Validate() error {
	switch p.Kind {
	case PortKindSerial:
		if p.Serial == nil || p.Serial.PortName == "" {
			return fmt.Errorf("serial port name is required")
		}
	case PortKindTCP:
		if p.TCP == nil || net.ParseIP(p.TCP.IP) == nil {
			return fmt.Errorf("tcp port requires a valid IP address")
		}
		if p.TCP.Port <= 0 || p.TCP.Port > 65535 {
			return fmt.Errorf("invalid tcp port: %d", p.TCP.Port)
		}
	case PortKindUSB:
		if p.USB == nil && p.UniqueID == "" {
			return fmt.Errorf("usb port requires a device hash or unique id")
		}
	default:
		return fmt.Errorf("unsupported port kind: %q", p.Kind)
	}
	return nil
}

func (p PortDefinition) String() string {
	return fmt.Sprintf("%s:%s", strings.ToLower(string(p.Kind)), p.DisplayName)
}

// Spec returns the port spec that ParsePortSpec turns back into this port
func (p PortDefinition) Spec() string {
	switch {
	case p.Kind == PortKindSerial && p.Serial != nil:
		return fmt.Sprintf("serial:%s@%d", p.Serial.PortName, p.Serial.BaudRate)
	case p.Kind == PortKindTCP && p.TCP != nil:
		return "tcp:" + net.JoinHostPort(p.TCP.IP, strconv.Itoa(p.TCP.Port))
	default:
		return fmt.Sprintf("%s:%s", strings.ToLower(string(p.Kind)), p.UniqueID)
	}
}

// ParsePortSpec parses the command line port syntax:
//
//	serial:<name>[@baud]
//	tcp:<ip>[:port]
//	usb:<unique id or display name>
func ParsePortSpec(spec string) (PortDefinition, error) {
	kind, rest, ok := strings.Cut(spec, ":")
	if !ok || rest == "" {
		return PortDefinition{}, fmt.Errorf("invalid port spec %q: expected <kind>:<address>", spec)
	}

	switch strings.ToLower(kind) {
	case "serial", "com":
		name, baudStr, hasBaud := strings.Cut(rest, "@")
		baud := DefaultSerialBaudRate
		if hasBaud {
			b, err := strconv.Atoi(baudStr)
			if err != nil || b <= 0 {
				return PortDefinition{}, fmt.Errorf("invalid baud rate %q", baudStr)
			}
			baud = b
		}
		return NewSerialPort(name, baud), nil

	case "tcp":
		host, portStr, err := net.SplitHostPort(rest)
		if err != nil {
			host, portStr = rest, ""
		}
		if net.ParseIP(host) == nil {
			return PortDefinition{}, fmt.Errorf("invalid IP address %q", host)
		}
		port := DefaultTCPPort
		if portStr != "" {
			p, err := strconv.Atoi(portStr)
			if err != nil || p <= 0 || p > 65535 {
				return PortDefinition{}, fmt.Errorf("invalid tcp port %q", portStr)
			}
			port = p
		}
		return NewTCPPort(host, port, ""), nil

	case "usb":
		return PortDefinition{
			Kind:        PortKindUSB,
			DisplayName: rest,
			UniqueID:    rest,
		}, nil

	default:
		return PortDefinition{}, fmt.Errorf("unsupported port kind %q", kind)
	}
}
