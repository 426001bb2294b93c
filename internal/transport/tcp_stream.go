// internal/transport/tcp_stream.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

// connHandle adapts a net.Conn to the Handle polling contract
type connHandle struct {
	conn net.Conn
	poll time.Duration
}

// NewConnHandle wraps conn so that reads give up after poll without data
func NewConnHandle(conn net.Conn, poll time.Duration) Handle {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &connHandle{conn: conn, poll: poll}
}

func (h *connHandle) Read(p []byte) (int, error) {
	if err := h.conn.SetReadDeadline(time.Now().Add(h.poll)); err != nil {
		return 0, err
	}
	n, err := h.conn.Read(p)
	if err != nil && isTimeout(err) {
		return n, nil
	}
	return n, err
}

func (h *connHandle) Write(p []byte) (int, error) {
	return h.conn.Write(p)
}

// Interrupt wakes a Read blocked in the current poll interval
func (h *connHandle) Interrupt() error {
	return h.conn.SetReadDeadline(time.Now())
}

func (h *connHandle) Close() error {
	return h.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// openTCP dials the device endpoint with Nagle disabled
func openTCP(ctx context.Context, params *model.TCPParams, opts Options, logger *zap.Logger) (Handle, error) {
	address := net.JoinHostPort(params.IP, strconv.Itoa(params.Port))

	logger.Info("Opening TCP connection", zap.String("address", address))

	dial := opts.Dialer
	if dial == nil {
		dialer := &net.Dialer{Timeout: opts.TCPConnectTimeout}
		dial = dialer.DialContext
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.TCPConnectTimeout)
	defer cancel()

	conn, err := dial(dialCtx, "tcp", address)
	if err != nil {
		if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("connect failed: timed out after %s", opts.TCPConnectTimeout)
		}
		return nil, fmt.Errorf("connect failed: %w", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}

	logger.Info("TCP connection opened successfully")
	return NewConnHandle(conn, opts.TCPPollInterval), nil
}
