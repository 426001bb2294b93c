// internal/discovery/tcp/multicast.go
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// multicastProber implements Prober over real sockets
type multicastProber struct {
	config Config
	logger *zap.Logger
}

// Probe joins the response group on the interface, sends the token to the
// request group and reads replies until the receive window closes. The
// window restarts at half its length after every reply.
func (p *multicastProber) Probe(ctx context.Context, local LocalInterface) ([]Response, error) {
	requestGroup := net.ParseIP(p.config.RequestGroup)
	responseGroup := net.ParseIP(p.config.ResponseGroup)
	if requestGroup == nil || responseGroup == nil {
		return nil, fmt.Errorf("invalid discovery groups %q / %q", p.config.RequestGroup, p.config.ResponseGroup)
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(p.config.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on discovery port: %w", err)
	}
	defer conn.Close()

	recv := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: responseGroup}
	if err := recv.JoinGroup(local.Iface, group); err != nil {
		return nil, fmt.Errorf("failed to join %s on %s: %w", responseGroup, local.Iface.Name, err)
	}
	defer recv.LeaveGroup(local.Iface, group)

	if err := p.send(local, requestGroup); err != nil {
		return nil, err
	}

	// Unblock the read when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	var responses []Response
	window := p.config.ReceiveTimeout
	buf := make([]byte, 1024)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
			return responses, err
		}
		n, _, src, err := recv.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return responses, ctx.Err()
			}
			return responses, err
		}

		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		responses = append(responses, Response{
			From: udp.IP.To4(),
			Data: append([]byte(nil), buf[:n]...),
		})
		p.logger.Debug("Discovery reply", zap.Stringer("from", udp.IP), zap.Int("bytes", n))
		window = p.config.ReceiveTimeout / 2
	}
}

func (p *multicastProber) send(local LocalInterface, group net.IP) error {
	conn, err := net.ListenPacket("udp4", net.JoinHostPort(local.Addr.String(), "0"))
	if err != nil {
		return fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastInterface(local.Iface); err != nil {
		return fmt.Errorf("failed to select multicast interface: %w", err)
	}
	if err := pc.SetMulticastTTL(p.config.TTL); err != nil {
		return fmt.Errorf("failed to set multicast TTL: %w", err)
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		p.logger.Debug("Failed to disable multicast loopback", zap.Error(err))
	}

	dst := &net.UDPAddr{IP: group, Port: p.config.Port}
	if _, err := pc.WriteTo([]byte(p.config.Token), nil, dst); err != nil {
		return fmt.Errorf("failed to send discovery token: %w", err)
	}
	return nil
}
