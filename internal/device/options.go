// internal/device/options.go
package device

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mfdeploy/internal/config"
	"mfdeploy/internal/model"
	"mfdeploy/internal/transport"
	"mfdeploy/internal/wireprotocol"
)

// Stream is an opened connection the session can run an engine on
type Stream interface {
	wireprotocol.Conn
	Close() error
}

// StreamOpener opens a stream for a port
type StreamOpener func(ctx context.Context, port model.PortDefinition) (Stream, error)

// TransportOpener opens ports through transport.Open
func TransportOpener(opts transport.Options) StreamOpener {
	return func(ctx context.Context, port model.PortDefinition) (Stream, error) {
		s, err := transport.Open(ctx, port, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Settings holds the session tuning knobs
type Settings struct {
	PingTimeout    time.Duration
	RequestTimeout time.Duration
	RequestRetries int
	EraseTimeout   time.Duration
	ChunkSize      int

	// BootloaderRetries polls of BootloaderInterval each after a reboot
	// into the bootloader.
	BootloaderRetries  int
	BootloaderInterval time.Duration
	// BootloaderConnectTimeout bounds reconnecting on a separate
	// bootloader port. Some boards take a long time to reset.
	BootloaderConnectTimeout time.Duration

	ReconnectAttempts int
	ReconnectInterval time.Duration
}

// DefaultSettings returns the stock tuning
func DefaultSettings() Settings {
	return Settings{
		PingTimeout:              100 * time.Millisecond,
		RequestTimeout:           2 * time.Second,
		RequestRetries:           2,
		EraseTimeout:             30 * time.Second,
		ChunkSize:                1024,
		BootloaderRetries:        40,
		BootloaderInterval:       500 * time.Millisecond,
		BootloaderConnectTimeout: 60 * time.Second,
		ReconnectAttempts:        10,
		ReconnectInterval:        500 * time.Millisecond,
	}
}

// withDefaults replaces unset durations and chunk size with the stock
// values. Zero retry counts are kept.
func (st Settings) withDefaults() Settings {
	def := DefaultSettings()
	if st.PingTimeout <= 0 {
		st.PingTimeout = def.PingTimeout
	}
	if st.RequestTimeout <= 0 {
		st.RequestTimeout = def.RequestTimeout
	}
	if st.EraseTimeout <= 0 {
		st.EraseTimeout = def.EraseTimeout
	}
	if st.ChunkSize <= 0 {
		st.ChunkSize = def.ChunkSize
	}
	if st.BootloaderInterval <= 0 {
		st.BootloaderInterval = def.BootloaderInterval
	}
	if st.BootloaderConnectTimeout <= 0 {
		st.BootloaderConnectTimeout = def.BootloaderConnectTimeout
	}
	if st.ReconnectInterval <= 0 {
		st.ReconnectInterval = def.ReconnectInterval
	}
	return st
}

// Option configures a Session
type Option func(*Session)

// WithBootloaderPort sets the port the device answers on in bootloader mode
func WithBootloaderPort(port model.PortDefinition) Option {
	return func(s *Session) {
		p := port
		s.bootPort = &p
	}
}

// WithLogger sets the session logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.baseLogger = logger
		}
	}
}

// WithSessionID tags log lines and events with id
func WithSessionID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// WithStreamOpener replaces the transport used to open ports
func WithStreamOpener(opener StreamOpener) Option {
	return func(s *Session) {
		if opener != nil {
			s.opener = opener
		}
	}
}

// WithSettings replaces every tuning knob. Unset durations fall back to
// DefaultSettings.
func WithSettings(settings Settings) Option {
	return func(s *Session) {
		s.settings = settings.withDefaults()
	}
}

// WithChunkSize sets the flash write size
func WithChunkSize(size int) Option {
	return func(s *Session) {
		if size > 0 {
			s.settings.ChunkSize = size
		}
	}
}

// WithBootloaderRetry sets how long to poll for the bootloader after a reboot
func WithBootloaderRetry(retries int, interval time.Duration) Option {
	return func(s *Session) {
		s.settings.BootloaderRetries = retries
		s.settings.BootloaderInterval = interval
	}
}

// WithPingTimeout sets the per-ping wait used while connecting
func WithPingTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.settings.PingTimeout = timeout
		}
	}
}

// SettingsFromConfig maps the device configuration section
func SettingsFromConfig(cfg config.DeviceConfig) Settings {
	s := DefaultSettings()
	if cfg.PingTimeout > 0 {
		s.PingTimeout = cfg.PingTimeout
	}
	if cfg.RequestTimeout > 0 {
		s.RequestTimeout = cfg.RequestTimeout
	}
	if cfg.RequestRetries >= 0 {
		s.RequestRetries = cfg.RequestRetries
	}
	if cfg.EraseTimeout > 0 {
		s.EraseTimeout = cfg.EraseTimeout
	}
	if cfg.ChunkSize > 0 {
		s.ChunkSize = cfg.ChunkSize
	}
	if cfg.BootloaderRetries > 0 {
		s.BootloaderRetries = cfg.BootloaderRetries
	}
	if cfg.BootloaderInterval > 0 {
		s.BootloaderInterval = cfg.BootloaderInterval
	}
	if cfg.BootloaderConnectTimeout > 0 {
		s.BootloaderConnectTimeout = cfg.BootloaderConnectTimeout
	}
	if cfg.ReconnectAttempts > 0 {
		s.ReconnectAttempts = cfg.ReconnectAttempts
	}
	if cfg.ReconnectInterval > 0 {
		s.ReconnectInterval = cfg.ReconnectInterval
	}
	return s
}
