// internal/discovery/usb/scanner.go
package usb

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"mfdeploy/internal/discovery"
	"mfdeploy/internal/model"
	"mfdeploy/internal/transport"
)

// Scanner implements USB device scanning
type Scanner struct {
	logger    *zap.Logger
	config    *Config
	enumerate func(ctx context.Context) ([]model.USBParams, error)
}

// Config for USB scanner. An empty VendorIDs list accepts every device;
// KnownOnly restricts the scan to the vendors in the known vendor table.
type Config struct {
	ScanTimeout   time.Duration
	VendorIDs     []uint16
	KnownOnly     bool
	EnableDebug   bool
	MaxConcurrent int
}

// NewScanner creates a new USB scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if config == nil {
		config = &Config{}
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = 10 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}

	s := &Scanner{
		logger: logger.With(zap.String("scanner", "usb")),
		config: config,
	}
	s.enumerate = s.enumerateDevices
	return s
}

// GetScannerType returns scanner type identifier
func (s *Scanner) GetScannerType() string {
	return "usb"
}

// IsAvailable checks if USB scanning is available on this system
func (s *Scanner) IsAvailable() bool {
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		return true
	default:
		s.logger.Warn("USB scanning support unknown for OS", zap.String("os", runtime.GOOS))
		return false
	}
}

// Scan enumerates USB devices. Ports are ordered by bus and address and
// repeated display names get a numeric suffix.
func (s *Scanner) Scan(ctx context.Context) ([]model.PortDefinition, error) {
	startTime := time.Now()

	scanCtx, cancel := context.WithTimeout(ctx, s.config.ScanTimeout)
	defer cancel()

	found, err := s.enumerate(scanCtx)
	if err != nil {
		return nil, fmt.Errorf("device enumeration failed: %w", err)
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].Bus != found[j].Bus {
			return found[i].Bus < found[j].Bus
		}
		return found[i].Address < found[j].Address
	})

	ports := make([]model.PortDefinition, 0, len(found))
	for _, params := range found {
		ports = append(ports, model.NewUSBPort(annotate(params)))
	}
	ports = discovery.DedupDisplayNames(ports)

	s.logger.Info("USB scan completed",
		zap.Int("ports_found", len(ports)),
		zap.Duration("scan_duration", time.Since(startTime)),
	)
	return ports, nil
}

// accepts applies the vendor filter
func (s *Scanner) accepts(desc *gousb.DeviceDesc) bool {
	if s.config.KnownOnly {
		if _, ok := LookupVendor(uint16(desc.Vendor)); !ok {
			return false
		}
	}
	if len(s.config.VendorIDs) == 0 {
		return true
	}
	for _, id := range s.config.VendorIDs {
		if uint16(desc.Vendor) == id {
			return true
		}
	}
	return false
}

func (s *Scanner) enumerateDevices(ctx context.Context) ([]model.USBParams, error) {
	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			s.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()

	if s.config.EnableDebug {
		usbCtx.Debug(3)
	}

	devices, err := usbCtx.OpenDevices(s.accepts)
	defer s.closeAllDevices(devices)
	if err != nil {
		if len(devices) == 0 {
			return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
		}
		s.logger.Warn("Some USB devices could not be opened", zap.Error(err))
	}

	s.logger.Debug("Found USB devices to examine", zap.Int("device_count", len(devices)))
	return s.describeConcurrently(ctx, devices)
}

// describeConcurrently reads string descriptors with a bounded worker pool
func (s *Scanner) describeConcurrently(ctx context.Context, devices []*gousb.Device) ([]model.USBParams, error) {
	if len(devices) == 0 {
		return []model.USBParams{}, nil
	}

	deviceChan := make(chan *gousb.Device, len(devices))
	resultChan := make(chan model.USBParams, len(devices))

	workers := min(s.config.MaxConcurrent, len(devices))
	for i := 0; i < workers; i++ {
		go func() {
			for dev := range deviceChan {
				resultChan <- transport.DescribeUSBDevice(dev)
			}
		}()
	}
	for _, dev := range devices {
		deviceChan <- dev
	}
	close(deviceChan)

	// Devices are closed by the caller, so every worker must finish first.
	found := make([]model.USBParams, 0, len(devices))
	for range devices {
		found = append(found, <-resultChan)
	}
	return found, ctx.Err()
}

func (s *Scanner) closeAllDevices(devices []*gousb.Device) {
	for i, device := range devices {
		if device == nil {
			continue
		}
		if err := device.Close(); err != nil {
			s.logger.Warn("Failed to close USB device",
				zap.Int("device_index", i),
				zap.Error(err),
			)
		}
	}
}
