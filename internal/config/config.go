// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Device    DeviceConfig    `mapstructure:"device"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxUploadMB  int64         `mapstructure:"max_upload_mb"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DatabaseConfig represents the operation history store. When Enabled is
// false the history is kept in memory.
type DatabaseConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	DBName        string        `mapstructure:"dbname"`
	SSLMode       string        `mapstructure:"sslmode"`
	MaxOpenConns  int           `mapstructure:"max_open_conns"`
	MaxIdleConns  int           `mapstructure:"max_idle_conns"`
	MaxLifetime   time.Duration `mapstructure:"max_lifetime"`
	MigrationsDir string        `mapstructure:"migrations_dir"`
	AutoMigrate   bool          `mapstructure:"auto_migrate"`

	// Retention and CleanupInterval apply to the in-memory history too
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// DeviceConfig holds the session and wire protocol tuning knobs
type DeviceConfig struct {
	ConnectTimeout           time.Duration    `mapstructure:"connect_timeout"`
	PingTimeout              time.Duration    `mapstructure:"ping_timeout"`
	RequestTimeout           time.Duration    `mapstructure:"request_timeout"`
	EraseTimeout             time.Duration    `mapstructure:"erase_timeout"`
	RequestRetries           int              `mapstructure:"request_retries"`
	BootloaderRetries        int              `mapstructure:"bootloader_retries"`
	BootloaderInterval       time.Duration    `mapstructure:"bootloader_interval"`
	BootloaderConnectTimeout time.Duration    `mapstructure:"bootloader_connect_timeout"`
	ChunkSize                int              `mapstructure:"chunk_size"`
	ReconnectAttempts        int              `mapstructure:"reconnect_attempts"`
	ReconnectInterval        time.Duration    `mapstructure:"reconnect_interval"`
	MaxConcurrentSessions    int              `mapstructure:"max_concurrent_sessions"`
	Ports                    DevicePortConfig `mapstructure:"ports"`
}

// DevicePortConfig represents default port configurations
type DevicePortConfig struct {
	Serial SerialPortConfig `mapstructure:"serial"`
	TCP    TCPPortConfig    `mapstructure:"tcp"`
	USB    USBPortConfig    `mapstructure:"usb"`
}

// SerialPortConfig represents serial port configuration
type SerialPortConfig struct {
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// TCPPortConfig represents TCP port configuration
type TCPPortConfig struct {
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// USBPortConfig represents USB port configuration
type USBPortConfig struct {
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	Config      int           `mapstructure:"config"`
	Interface   int           `mapstructure:"interface"`
}

// DiscoveryConfig represents port discovery configuration
type DiscoveryConfig struct {
	Timeout time.Duration      `mapstructure:"timeout"`
	Serial  SerialDiscovery    `mapstructure:"serial"`
	USB     USBDiscovery       `mapstructure:"usb"`
	TCP     TCPDiscoveryConfig `mapstructure:"tcp"`
}

// SerialDiscovery configures serial enumeration
type SerialDiscovery struct {
	Enabled bool `mapstructure:"enabled"`
}

// USBDiscovery configures USB enumeration. VendorIDs filters devices;
// an empty list accepts every device. KnownVendorsOnly drops devices whose
// vendor is not in the built-in board vendor table.
type USBDiscovery struct {
	Enabled          bool     `mapstructure:"enabled"`
	VendorIDs        []uint16 `mapstructure:"vendor_ids"`
	KnownVendorsOnly bool     `mapstructure:"known_vendors_only"`
}

// TCPDiscoveryConfig configures the UDP multicast handshake
type TCPDiscoveryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RequestGroup   string        `mapstructure:"request_group"`
	ResponseGroup  string        `mapstructure:"response_group"`
	Port           int           `mapstructure:"port"`
	Token          string        `mapstructure:"token"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
}

// flagBindings maps CLI flag names onto configuration keys
var flagBindings = map[string]string{
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"timeout":    "device.connect_timeout",
	"chunk-size": "device.chunk_size",
}

// Load loads configuration from file, environment variables and, when
// given, command line flags. A missing config file is not an error unless
// configFile names it explicitly.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// Environment variable support
	v.SetEnvPrefix("MFDEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, key := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "mfdeploy")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.max_upload_mb", 32)

	v.SetDefault("security.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "mfdeploy")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.migrations_dir", "migrations")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.retention", "720h")
	v.SetDefault("database.cleanup_interval", "1h")

	// Device defaults
	v.SetDefault("device.connect_timeout", "5s")
	v.SetDefault("device.ping_timeout", "100ms")
	v.SetDefault("device.request_timeout", "2s")
	v.SetDefault("device.erase_timeout", "30s")
	v.SetDefault("device.request_retries", 2)
	v.SetDefault("device.bootloader_retries", 40)
	v.SetDefault("device.bootloader_interval", "500ms")
	v.SetDefault("device.bootloader_connect_timeout", "60s")
	v.SetDefault("device.chunk_size", 1024)
	v.SetDefault("device.reconnect_attempts", 10)
	v.SetDefault("device.reconnect_interval", "500ms")
	v.SetDefault("device.max_concurrent_sessions", 8)

	v.SetDefault("device.ports.serial.baud_rate", 115200)
	v.SetDefault("device.ports.serial.read_timeout", "50ms")
	v.SetDefault("device.ports.tcp.port", 26000)
	v.SetDefault("device.ports.tcp.connect_timeout", "2s")
	v.SetDefault("device.ports.usb.read_timeout", "50ms")
	v.SetDefault("device.ports.usb.config", 1)
	v.SetDefault("device.ports.usb.interface", 0)

	// Discovery defaults
	v.SetDefault("discovery.timeout", "10s")
	v.SetDefault("discovery.serial.enabled", true)
	v.SetDefault("discovery.usb.enabled", true)
	v.SetDefault("discovery.usb.vendor_ids", []uint16{})
	v.SetDefault("discovery.usb.known_vendors_only", false)
	v.SetDefault("discovery.tcp.enabled", true)
	v.SetDefault("discovery.tcp.request_group", "234.102.98.44")
	v.SetDefault("discovery.tcp.response_group", "234.102.98.45")
	v.SetDefault("discovery.tcp.port", 26001)
	v.SetDefault("discovery.tcp.token", "DOTNETMF")
	v.SetDefault("discovery.tcp.receive_timeout", "3s")
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Database.Enabled && config.Database.Host == "" {
		return fmt.Errorf("database.host is required when database is enabled")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	if config.Device.ChunkSize <= 0 || config.Device.ChunkSize > 65528 {
		return fmt.Errorf("device.chunk_size must be between 1 and 65528, got %d", config.Device.ChunkSize)
	}
	if config.Device.BootloaderRetries <= 0 {
		return fmt.Errorf("device.bootloader_retries must be positive")
	}
	if config.Device.PingTimeout <= 0 {
		return fmt.Errorf("device.ping_timeout must be positive")
	}
	if config.Device.RequestRetries < 0 {
		return fmt.Errorf("device.request_retries must not be negative")
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
