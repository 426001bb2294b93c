// internal/discovery/tcp/scanner.go
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

// recordSize is the length of one discovery record: an IPv4 address in
// network order, a little-endian MAC length and a 64 byte MAC buffer.
const (
	recordSize = 72
	maxMACLen  = 64
)

// Config for the multicast handshake
type Config struct {
	RequestGroup   string
	ResponseGroup  string
	Port           int
	Token          string
	ReceiveTimeout time.Duration
	TTL            int
	DevicePort     int
}

// DefaultConfig returns the groups and token devices listen for
func DefaultConfig() Config {
	return Config{
		RequestGroup:   "234.102.98.44",
		ResponseGroup:  "234.102.98.45",
		Port:           26001,
		Token:          "DOTNETMF",
		ReceiveTimeout: 3 * time.Second,
		TTL:            1,
		DevicePort:     model.DefaultTCPPort,
	}
}

// LocalInterface is an IPv4 address of a multicast capable interface
type LocalInterface struct {
	Iface *net.Interface
	Addr  net.IP
}

// Response is one datagram received during a probe
type Response struct {
	From net.IP
	Data []byte
}

// Prober sends the discovery token on one interface and collects replies
type Prober interface {
	Probe(ctx context.Context, local LocalInterface) ([]Response, error)
}

// Scanner finds devices with the UDP multicast handshake
type Scanner struct {
	logger     *zap.Logger
	config     Config
	prober     Prober
	interfaces func() ([]LocalInterface, error)
}

// NewScanner creates a TCP scanner. A nil prober uses real multicast.
func NewScanner(logger *zap.Logger, config Config, prober Prober) *Scanner {
	def := DefaultConfig()
	if config.RequestGroup == "" {
		config.RequestGroup = def.RequestGroup
	}
	if config.ResponseGroup == "" {
		config.ResponseGroup = def.ResponseGroup
	}
	if config.Port <= 0 {
		config.Port = def.Port
	}
	if config.Token == "" {
		config.Token = def.Token
	}
	if config.ReceiveTimeout <= 0 {
		config.ReceiveTimeout = def.ReceiveTimeout
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.DevicePort <= 0 {
		config.DevicePort = def.DevicePort
	}

	s := &Scanner{
		logger:     logger.With(zap.String("scanner", "tcp")),
		config:     config,
		prober:     prober,
		interfaces: localInterfaces,
	}
	if s.prober == nil {
		s.prober = &multicastProber{config: config, logger: s.logger}
	}
	return s
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "tcp"
}

// IsAvailable reports whether a multicast capable interface exists
func (s *Scanner) IsAvailable() bool {
	ifaces, err := s.interfaces()
	return err == nil && len(ifaces) > 0
}

// Scan probes every local IPv4 interface. Each responding address yields
// one port, annotated with its MAC address when a reply carried one.
func (s *Scanner) Scan(ctx context.Context) ([]model.PortDefinition, error) {
	ifaces, err := s.interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	var order []string
	macs := make(map[string]string)

	for _, local := range ifaces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		responses, err := s.prober.Probe(ctx, local)
		if err != nil {
			s.logger.Debug("Discovery probe failed",
				zap.String("interface", local.Addr.String()),
				zap.Error(err),
			)
		}

		var data []byte
		for _, r := range responses {
			ip := r.From.String()
			if _, seen := macs[ip]; !seen {
				macs[ip] = ""
				order = append(order, ip)
			}
			data = append(data, r.Data...)
		}

		for _, rec := range parseRecords(data) {
			ip := rec.ip.String()
			if _, responded := macs[ip]; responded && rec.mac != "" {
				macs[ip] = rec.mac
			}
		}
	}

	ports := make([]model.PortDefinition, 0, len(order))
	for _, ip := range order {
		ports = append(ports, model.NewTCPPort(ip, s.config.DevicePort, macs[ip]))
	}

	s.logger.Info("TCP discovery completed", zap.Int("ports_found", len(ports)))
	return ports, nil
}

type record struct {
	ip  net.IP
	mac string
}

// parseRecords decodes the concatenated discovery records of one
// interface. Trailing bytes shorter than a record are ignored.
func parseRecords(data []byte) []record {
	var out []record
	for len(data) >= recordSize {
		raw := data[:recordSize]
		data = data[recordSize:]

		macLen := binary.LittleEndian.Uint32(raw[4:8])
		if macLen == 0 || macLen > maxMACLen {
			continue
		}
		parts := make([]string, macLen)
		for i := range parts {
			parts[i] = fmt.Sprintf("%02x", raw[8+i])
		}
		out = append(out, record{
			ip:  net.IPv4(raw[0], raw[1], raw[2], raw[3]),
			mac: strings.Join(parts, "-"),
		})
	}
	return out
}

// localInterfaces lists the IPv4 addresses of up, multicast capable,
// non-loopback interfaces.
func localInterfaces() ([]LocalInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []LocalInterface
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				out = append(out, LocalInterface{Iface: iface, Addr: ip4})
			}
		}
	}
	return out, nil
}
