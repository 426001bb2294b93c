// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

// Scanner lists the serial ports of the host
type Scanner struct {
	logger   *zap.Logger
	baudRate int
	list     func() ([]*enumerator.PortDetails, error)
}

// NewScanner creates a serial scanner whose ports open at baudRate
func NewScanner(logger *zap.Logger, baudRate int) *Scanner {
	return &Scanner{
		logger:   logger.With(zap.String("scanner", "serial")),
		baudRate: baudRate,
		list:     listPorts,
	}
}

// listPorts prefers the detailed enumerator and falls back to plain names
func listPorts() ([]*enumerator.PortDetails, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		return details, nil
	}

	names, plainErr := serial.GetPortsList()
	if plainErr != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", plainErr)
	}
	out := make([]*enumerator.PortDetails, 0, len(names))
	for _, name := range names {
		out = append(out, &enumerator.PortDetails{Name: name})
	}
	return out, nil
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable reports true; every platform has a serial port list
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan returns one port per serial device, sorted by name
func (s *Scanner) Scan(ctx context.Context) ([]model.PortDefinition, error) {
	details, err := s.list()
	if err != nil {
		return nil, err
	}

	ports := make([]model.PortDefinition, 0, len(details))
	for _, d := range details {
		if err := ctx.Err(); err != nil {
			return ports, err
		}
		if d == nil || d.Name == "" {
			continue
		}

		port := model.NewSerialPort(d.Name, s.baudRate)
		if d.IsUSB {
			s.logger.Debug("USB serial adapter",
				zap.String("port", d.Name),
				zap.String("vid", d.VID),
				zap.String("pid", d.PID),
				zap.String("serial_number", d.SerialNumber),
			)
			if d.Product != "" {
				port = port.WithDisplayName(fmt.Sprintf("%s (%s)", d.Name, d.Product))
			}
		}
		ports = append(ports, port)
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].UniqueID < ports[j].UniqueID })

	s.logger.Info("Serial scan completed", zap.Int("ports_found", len(ports)))
	return ports, nil
}
