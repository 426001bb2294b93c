// internal/transport/stream.go
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

const pumpBufferSize = 4096

// Handle is the platform side of a stream. Read returns (0, nil) when its
// poll interval elapses without data so the pump can observe Close. The
// stream never calls Close while a Read is in flight.
type Handle interface {
	io.ReadWriteCloser
}

// Interrupter is implemented by handles that can cut a pending Read short
// instead of waiting out the poll interval.
type Interrupter interface {
	Interrupt() error
}

// Stats provides stream-level statistics
type Stats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}

// Stream is a cancellable byte stream over an opened port. A pump
// goroutine drains the handle into an inbound buffer; reads are served
// from that buffer so AvailableCharacters never blocks. Every Read and
// Write is tracked in the stream's Registry until it completes or is
// cancelled.
type Stream struct {
	handle   Handle
	kind     model.PortKind
	logger   *zap.Logger
	registry *Registry

	mu      sync.Mutex
	inbound bytes.Buffer
	notify  chan struct{}
	readErr error
	stats   Stats

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	pumpDone  chan struct{}
}

// NewStream wraps an opened handle and starts its pump
func NewStream(h Handle, kind model.PortKind, logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Stream{
		handle:   h,
		kind:     kind,
		logger:   logger.With(zap.String("protocol", string(kind))),
		registry: NewRegistry(),
		notify:   make(chan struct{}),
		closed:   make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	s.stats.IsConnected = true
	s.stats.LastActivity = time.Now()

	go s.pump()
	return s
}

// Kind returns the port kind the stream was opened for
func (s *Stream) Kind() model.PortKind {
	return s.kind
}

// pump copies handle data into the inbound buffer until the handle fails
// or the stream closes. Retryable failures are retried with a short
// backoff; after maxTransientErrors in a row they are treated as fatal.
func (s *Stream) pump() {
	defer close(s.pumpDone)

	const maxTransientErrors = 5
	buf := make([]byte, pumpBufferSize)
	transient := 0

	for {
		select {
		case <-s.closed:
			s.setReadErr(ErrStreamClosed)
			return
		default:
		}

		n, err := s.handle.Read(buf)
		if n > 0 {
			transient = 0
			s.appendInbound(buf[:n])
		}
		if err == nil {
			continue
		}

		err = classify("read", err)
		if IsRetryable(err) && transient < maxTransientErrors {
			transient++
			s.logger.Debug("Transient read error, retrying",
				zap.Error(err),
				zap.Int("attempt", transient),
			)
			select {
			case <-s.closed:
			case <-time.After(time.Duration(transient) * 10 * time.Millisecond):
			}
			continue
		}

		select {
		case <-s.closed:
			err = ErrStreamClosed
		default:
			s.logger.Warn("Stream read loop stopped", zap.Error(err))
		}
		s.setReadErr(err)
		return
	}
}

func (s *Stream) appendInbound(p []byte) {
	s.mu.Lock()
	s.inbound.Write(p)
	s.stats.BytesRead += int64(len(p))
	s.stats.LastActivity = time.Now()
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// unreadLocked puts bytes taken by a read that lost to cancellation back
// at the front of the inbound buffer.
func (s *Stream) unreadLocked(b []byte) {
	rest := append(append([]byte(nil), b...), s.inbound.Bytes()...)
	s.inbound.Reset()
	s.inbound.Write(rest)
}

func (s *Stream) setReadErr(err error) {
	s.mu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.stats.IsConnected = false
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

// AvailableCharacters returns the number of buffered bytes ready to read
func (s *Stream) AvailableCharacters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound.Len()
}

// Read copies buffered data into p, waiting until at least one byte is
// available, ctx is done, the request is cancelled or the stream fails.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if s.isClosed() {
		return 0, ErrStreamClosed
	}

	req := s.registry.Begin(OpRead)

	for req.Status() == StatusPending {
		s.mu.Lock()
		if s.inbound.Len() > 0 {
			n, _ := s.inbound.Read(p)
			if req.Complete(StatusCompleted, n, nil) {
				s.stats.OperationCount++
			} else {
				s.unreadLocked(p[:n])
			}
			s.mu.Unlock()
			break
		}
		if s.readErr != nil {
			err := s.readErr
			s.stats.ErrorCount++
			s.mu.Unlock()
			req.Complete(StatusFailed, 0, err)
			break
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-notify:
		case <-req.Done():
		case <-ctx.Done():
			req.Complete(StatusCancelled, 0, ctx.Err())
		}
	}

	<-req.Done()
	return req.Result()
}

// Write sends p on the handle. A cancelled write may still reach the
// device; its late completion is discarded.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	if s.isClosed() {
		return 0, ErrStreamClosed
	}

	req := s.registry.Begin(OpWrite)
	startTime := time.Now()
	data := append([]byte(nil), p...)

	go func() {
		n, err := s.handle.Write(data)
		if err == nil && n != len(data) {
			err = fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
		}
		if err != nil {
			req.Complete(StatusFailed, n, classify("write", err))
			return
		}
		req.Complete(StatusCompleted, n, nil)
	}()

	select {
	case <-req.Done():
	case <-ctx.Done():
		req.Complete(StatusCancelled, 0, ctx.Err())
	}

	n, err := req.Result()

	s.mu.Lock()
	if err != nil {
		s.stats.ErrorCount++
	} else {
		s.stats.BytesWritten += int64(n)
		s.stats.OperationCount++
		s.stats.LastActivity = time.Now()
		s.updateAverageLatency(time.Since(startTime))
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("Stream write failed", zap.Error(err))
	}
	return n, err
}

// CancelPendingIO completes every outstanding request with a cancelled
// status, newest first, and returns the number cancelled.
func (s *Stream) CancelPendingIO() int {
	n := s.registry.CancelAll()
	if n > 0 {
		s.logger.Debug("Cancelled pending IO", zap.Int("requests", n))
	}
	return n
}

// Outstanding returns the number of in-flight requests
func (s *Stream) Outstanding() int {
	return s.registry.Outstanding()
}

// Err returns the error that stopped the read pump, if any
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Stats returns a snapshot of the stream statistics
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close cancels outstanding requests, waits for the pump to leave the
// handle and then releases it. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.CancelPendingIO()

		if in, ok := s.handle.(Interrupter); ok {
			if err := in.Interrupt(); err != nil {
				s.logger.Debug("Failed to interrupt pending read", zap.Error(err))
			}
		}
		<-s.pumpDone

		if err := s.handle.Close(); err != nil && !errors.Is(err, ErrStreamClosed) {
			s.closeErr = fmt.Errorf("failed to close %s stream: %w", s.kind, err)
		}

		s.logger.Debug("Stream closed")
	})
	return s.closeErr
}

// updateAverageLatency updates the running average latency
func (s *Stream) updateAverageLatency(newLatency time.Duration) {
	if s.stats.AverageLatency == 0 {
		s.stats.AverageLatency = newLatency
	} else {
		s.stats.AverageLatency = (s.stats.AverageLatency + newLatency) / 2
	}
}
