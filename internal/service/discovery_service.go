// internal/service/discovery_service.go
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mfdeploy/internal/config"
	"mfdeploy/internal/discovery"
	"mfdeploy/internal/discovery/serial"
	"mfdeploy/internal/discovery/tcp"
	"mfdeploy/internal/discovery/usb"
	"mfdeploy/internal/model"
	"mfdeploy/internal/utils"
)

// DiscoveryService enumerates the ports devices can be reached on
type DiscoveryService struct {
	scannerManager *discovery.ScannerManager
	config         *config.Config
	logger         *utils.ServiceLogger
}

// NewDiscoveryService creates a discovery service with the scanners enabled
// in config
func NewDiscoveryService(config *config.Config, logger *zap.Logger) *DiscoveryService {
	ds := &DiscoveryService{
		scannerManager: discovery.NewScannerManager(logger),
		config:         config,
		logger:         utils.NewServiceLogger(logger, "discovery-service"),
	}

	ds.initializeScanners()

	return ds
}

// NewDiscoveryServiceWithScanners creates a discovery service over the given
// scanners instead of the configured ones
func NewDiscoveryServiceWithScanners(config *config.Config, logger *zap.Logger, scanners ...discovery.PortScanner) *DiscoveryService {
	ds := &DiscoveryService{
		scannerManager: discovery.NewScannerManager(logger),
		config:         config,
		logger:         utils.NewServiceLogger(logger, "discovery-service"),
	}
	for _, s := range scanners {
		ds.scannerManager.RegisterScanner(s)
	}
	return ds
}

// initializeScanners registers all enabled scanners
func (ds *DiscoveryService) initializeScanners() {
	cfg := ds.config.Discovery

	if cfg.Serial.Enabled {
		ds.scannerManager.RegisterScanner(serial.NewScanner(ds.logger.Logger, ds.config.Device.Ports.Serial.BaudRate))
	}

	if cfg.USB.Enabled {
		ds.scannerManager.RegisterScanner(usb.NewScanner(ds.logger.Logger, &usb.Config{
			ScanTimeout: cfg.Timeout,
			VendorIDs:   cfg.USB.VendorIDs,
			KnownOnly:   cfg.USB.KnownVendorsOnly,
		}))
	}

	if cfg.TCP.Enabled {
		tcpConfig := tcp.DefaultConfig()
		if cfg.TCP.RequestGroup != "" {
			tcpConfig.RequestGroup = cfg.TCP.RequestGroup
		}
		if cfg.TCP.ResponseGroup != "" {
			tcpConfig.ResponseGroup = cfg.TCP.ResponseGroup
		}
		if cfg.TCP.Port > 0 {
			tcpConfig.Port = cfg.TCP.Port
		}
		if cfg.TCP.Token != "" {
			tcpConfig.Token = cfg.TCP.Token
		}
		if cfg.TCP.ReceiveTimeout > 0 {
			tcpConfig.ReceiveTimeout = cfg.TCP.ReceiveTimeout
		}
		if p := ds.config.Device.Ports.TCP.Port; p > 0 {
			tcpConfig.DevicePort = p
		}
		ds.scannerManager.RegisterScanner(tcp.NewScanner(ds.logger.Logger, tcpConfig, nil))
	}

	ds.logger.Info("Discovery scanners initialized",
		zap.Strings("available_scanners", ds.scannerManager.GetAvailableScanners()),
	)
}

// ScanPorts lists the ports of one kind, or of every kind for "all" or ""
func (ds *DiscoveryService) ScanPorts(ctx context.Context, kind string) ([]model.PortDefinition, error) {
	if ds.config.Discovery.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ds.config.Discovery.Timeout)
		defer cancel()
	}

	ds.logger.Info("Starting port scan", zap.String("kind", kind))

	var (
		ports []model.PortDefinition
		err   error
	)
	switch kind {
	case "", "all":
		ports, err = ds.scannerManager.ScanAll(ctx)
	case "serial", "usb", "tcp":
		ports, err = ds.scannerManager.ScanByType(ctx, kind)
	default:
		return nil, fmt.Errorf("unsupported scan type: %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	ds.logger.Info("Port scan completed",
		zap.Int("ports_found", len(ports)),
		zap.String("kind", kind),
	)

	return ports, nil
}

// AvailableScanners returns the names of the usable scanners
func (ds *DiscoveryService) AvailableScanners() []string {
	return ds.scannerManager.GetAvailableScanners()
}

// ResolvePort parses a port spec and, for USB specs, looks the device up
// by unique id or display name. Serial and TCP specs need no lookup.
func (ds *DiscoveryService) ResolvePort(ctx context.Context, spec string) (model.PortDefinition, error) {
	port, err := model.ParsePortSpec(spec)
	if err != nil {
		return model.PortDefinition{}, err
	}
	if port.Kind == model.PortKindSerial && port.Serial != nil && !strings.Contains(spec, "@") {
		if baud := ds.config.Device.Ports.Serial.BaudRate; baud > 0 {
			port.Serial.BaudRate = baud
		}
	}
	if port.Resolved() {
		return port, nil
	}

	found, err := ds.scannerManager.Find(ctx, port.Kind, port.UniqueID)
	if err != nil {
		return model.PortDefinition{}, fmt.Errorf("failed to resolve port %q: %w", spec, err)
	}
	return found, nil
}
