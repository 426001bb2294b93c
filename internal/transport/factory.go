// internal/transport/factory.go
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"mfdeploy/internal/config"
	"mfdeploy/internal/model"
)

// Options configures how ports are opened
type Options struct {
	Logger            *zap.Logger
	SerialReadTimeout time.Duration
	TCPConnectTimeout time.Duration
	TCPPollInterval   time.Duration
	USBReadTimeout    time.Duration
	USBConfig         int
	USBInterface      int

	// Dialer replaces net.Dialer for TCP ports when set.
	Dialer func(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultOptions returns the options used when no configuration is loaded
func DefaultOptions() Options {
	return Options{
		Logger:            zap.NewNop(),
		SerialReadTimeout: 50 * time.Millisecond,
		TCPConnectTimeout: 2 * time.Second,
		TCPPollInterval:   50 * time.Millisecond,
		USBReadTimeout:    50 * time.Millisecond,
		USBConfig:         1,
		USBInterface:      0,
	}
}

// OptionsFromConfig builds options from the device port configuration
func OptionsFromConfig(cfg config.DevicePortConfig, logger *zap.Logger) Options {
	opts := DefaultOptions()
	opts.Logger = logger
	if cfg.Serial.ReadTimeout > 0 {
		opts.SerialReadTimeout = cfg.Serial.ReadTimeout
	}
	if cfg.TCP.ConnectTimeout > 0 {
		opts.TCPConnectTimeout = cfg.TCP.ConnectTimeout
	}
	if cfg.USB.ReadTimeout > 0 {
		opts.USBReadTimeout = cfg.USB.ReadTimeout
	}
	if cfg.USB.Config > 0 {
		opts.USBConfig = cfg.USB.Config
	}
	opts.USBInterface = cfg.USB.Interface
	return opts
}

// Open opens a stream for port. Every failure is returned as a
// *ConnectionError.
func Open(ctx context.Context, port model.PortDefinition, opts Options) (*Stream, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("port_kind", string(port.Kind)),
		zap.String("port_id", port.UniqueID),
	)

	if err := port.Validate(); err != nil {
		return nil, &ConnectionError{Port: port.String(), Err: err}
	}

	var (
		h   Handle
		err error
	)

	switch port.Kind {
	case model.PortKindSerial:
		h, err = openSerial(port.Serial, opts, logger)
	case model.PortKindTCP:
		h, err = openTCP(ctx, port.TCP, opts, logger)
	case model.PortKindUSB:
		h, err = openUSB(port, opts, logger)
	default:
		err = fmt.Errorf("unsupported port kind: %s", port.Kind)
	}

	if err != nil {
		logger.Warn("Failed to open port", zap.Error(err))
		return nil, &ConnectionError{Port: port.String(), Err: err}
	}

	return NewStream(h, port.Kind, logger), nil
}
