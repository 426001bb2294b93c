// internal/wireprotocol/engine.go
package wireprotocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mfdeploy/internal/transport"
)

// Conn is the byte stream the engine runs on. *transport.Stream
// implements it.
type Conn interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	CancelPendingIO() int
}

// Options configures an Engine
type Options struct {
	Logger         *zap.Logger
	RequestTimeout time.Duration
	RequestRetries int
	EraseTimeout   time.Duration

	// OnMessage receives text the device sends with Message requests.
	OnMessage func(text string)
	// OnNoise receives bytes that were not part of any packet.
	OnNoise func(data []byte)
}

// DefaultOptions returns the engine defaults
func DefaultOptions() Options {
	return Options{
		Logger:         zap.NewNop(),
		RequestTimeout: 2 * time.Second,
		RequestRetries: 2,
		EraseTimeout:   30 * time.Second,
	}
}

// Engine frames requests over a Conn and pairs them with replies. One
// request is outstanding at a time.
type Engine struct {
	conn   Conn
	opts   Options
	logger *zap.Logger

	reqMu sync.Mutex

	mu           sync.Mutex
	seq          uint16
	pending      map[uint16]chan *Packet
	source       ConnectionSource
	connected    bool
	capabilities *Capabilities

	ctx      context.Context
	cancel   context.CancelFunc
	recvDone chan struct{}
	recvErr  error
	stopOnce sync.Once
}

// NewEngine starts the receive loop on conn
func NewEngine(conn Conn, opts Options) *Engine {
	defaults := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	if opts.RequestRetries < 0 {
		opts.RequestRetries = 0
	}
	if opts.EraseTimeout <= 0 {
		opts.EraseTimeout = defaults.EraseTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("component", "engine")),
		pending:  make(map[uint16]chan *Packet),
		source:   SourceUnknown,
		ctx:      ctx,
		cancel:   cancel,
		recvDone: make(chan struct{}),
	}

	go e.receiveLoop()
	return e
}

// Stop ends the receive loop and cancels any IO still pending on the
// connection. The connection itself is left open for its owner to close.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.conn.CancelPendingIO()
		<-e.recvDone

		e.mu.Lock()
		e.connected = false
		e.source = SourceNoConnection
		e.capabilities = nil
		e.mu.Unlock()
	})
}

// Done is closed when the receive loop has exited
func (e *Engine) Done() <-chan struct{} {
	return e.recvDone
}

// Err returns the error that stopped the receive loop
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recvErr
}

func (e *Engine) receiveLoop() {
	defer close(e.recvDone)

	var scanner FrameScanner
	buf := make([]byte, 4096)

	for {
		n, err := e.conn.Read(e.ctx, buf)
		if n > 0 {
			scanner.Feed(buf[:n])
			for {
				frame, ok := scanner.Next()
				if !ok {
					break
				}
				if frame.Packet != nil {
					e.dispatch(frame.Packet)
				} else if e.opts.OnNoise != nil {
					e.opts.OnNoise(frame.Noise)
				}
			}
		}
		if err == nil {
			continue
		}

		if e.ctx.Err() != nil {
			e.setRecvErr(ErrEngineStopped)
			return
		}
		// Another caller flushed pending IO on the stream; keep listening.
		if errors.Is(err, transport.ErrCanceled) {
			continue
		}

		e.logger.Warn("Receive loop stopped", zap.Error(err))
		e.setRecvErr(err)
		return
	}
}

func (e *Engine) setRecvErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recvErr == nil {
		e.recvErr = err
	}
	e.connected = false
}

func (e *Engine) dispatch(pkt *Packet) {
	if pkt.IsReply() {
		e.mu.Lock()
		ch, ok := e.pending[pkt.Header.SeqReply]
		if ok {
			delete(e.pending, pkt.Header.SeqReply)
		}
		e.mu.Unlock()

		if ok {
			ch <- pkt
		} else {
			e.logger.Debug("Dropping unmatched reply",
				zap.Uint32("command", pkt.Header.Command),
				zap.Uint16("seq_reply", pkt.Header.SeqReply),
			)
		}
		return
	}

	switch pkt.Header.Command {
	case CmdMessage:
		if e.opts.OnMessage != nil {
			e.opts.OnMessage(string(pkt.Payload))
		}
		if pkt.Header.Flags&FlagNonCritical == 0 {
			e.reply(pkt, FlagACK, nil)
		}
	case CmdPing:
		payload := (&payloadWriter{}).u32(PingSourceHost).u32(0).Bytes()
		e.reply(pkt, FlagACK, payload)
	default:
		e.logger.Debug("Ignoring device request", zap.Uint32("command", pkt.Header.Command))
	}
}

// reply answers a request the device sent. It runs on the receive
// goroutine, so it writes without waiting on the request lock.
func (e *Engine) reply(req *Packet, flags uint32, payload []byte) {
	data, err := Encode(req.Header.Command, e.nextSeq(), req.Header.Seq, FlagReply|flags, payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
	defer cancel()
	if _, err := e.conn.Write(ctx, data); err != nil {
		e.logger.Debug("Failed to answer device request", zap.Error(err))
	}
}

func (e *Engine) nextSeq() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// exchange sends one request and waits up to timeout for its reply
func (e *Engine) exchange(ctx context.Context, cmd, flags uint32, payload []byte, timeout time.Duration) result {
	select {
	case <-e.recvDone:
		err := e.Err()
		if err == nil {
			err = ErrEngineStopped
		}
		return result{outcome: OutcomeFatal, err: err}
	default:
	}

	ch := make(chan *Packet, 1)

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.pending[seq] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, seq)
		e.mu.Unlock()
	}()

	data, err := Encode(cmd, seq, 0, flags, payload)
	if err != nil {
		return result{outcome: OutcomeFatal, err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	_, err = e.conn.Write(writeCtx, data)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return result{outcome: OutcomeFatal, err: ctx.Err()}
		case errors.Is(err, context.DeadlineExceeded), transport.IsRetryable(err):
			return result{outcome: OutcomeTimeout, err: err}
		default:
			return result{outcome: OutcomeFatal, err: err}
		}
	}

	select {
	case reply := <-ch:
		return result{reply: reply, outcome: OutcomeSuccess}
	case <-timer.C:
		return result{outcome: OutcomeTimeout, err: ErrNoReply}
	case <-ctx.Done():
		return result{outcome: OutcomeFatal, err: ctx.Err()}
	case <-e.recvDone:
		err := e.Err()
		if err == nil {
			err = ErrEngineStopped
		}
		return result{outcome: OutcomeFatal, err: err}
	}
}

// request runs exchange, retrying timed-out attempts up to retries more
// times.
func (e *Engine) request(ctx context.Context, cmd, flags uint32, payload []byte, timeout time.Duration, retries int) result {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()

	var res result
	for attempt := 0; attempt <= retries; attempt++ {
		res = e.exchange(ctx, cmd, flags, payload, timeout)
		if res.outcome != OutcomeTimeout {
			return res
		}
		e.logger.Debug("Request timed out",
			zap.Uint32("command", cmd),
			zap.Int("attempt", attempt+1),
			zap.Int("retries", retries),
		)
	}
	return res
}

// call is request with the engine's default budget
func (e *Engine) call(ctx context.Context, cmd uint32, payload []byte) (*Packet, error) {
	res := e.request(ctx, cmd, 0, payload, e.opts.RequestTimeout, e.opts.RequestRetries)
	if err := res.asError(cmd); err != nil {
		if res.outcome == OutcomeFatal && ctx.Err() == nil {
			e.markDisconnected()
		}
		return nil, err
	}
	return res.reply, nil
}

func (e *Engine) markDisconnected() {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
}

// IsConnected reports whether the last ping succeeded and nothing has
// invalidated the link since.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// ConnectionSource returns the mode detected by the last successful ping
func (e *Engine) ConnectionSource() ConnectionSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return SourceNoConnection
	}
	return e.source
}

func (e *Engine) ping(ctx context.Context, timeout time.Duration) (*PingReply, result) {
	payload := (&payloadWriter{}).u32(PingSourceHost).u32(0).Bytes()
	res := e.request(ctx, CmdPing, 0, payload, timeout, 0)
	if res.outcome != OutcomeSuccess {
		return nil, res
	}
	reply, err := decodePing(res.reply.Payload)
	if err != nil {
		return nil, result{outcome: OutcomeTimeout, err: err}
	}
	return &reply, res
}

// TryToConnect pings the device up to retries+1 times, waiting up to
// timeout for each reply. When expected is not SourceUnknown, a reply from
// any other source counts as a miss. Without force an already connected
// engine returns true immediately.
func (e *Engine) TryToConnect(ctx context.Context, retries int, timeout time.Duration, force bool, expected ConnectionSource) bool {
	if !force && e.IsConnected() {
		return true
	}
	if retries < 0 {
		retries = 0
	}

	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		start := time.Now()
		reply, res := e.ping(ctx, timeout)
		if res.outcome == OutcomeFatal {
			e.markDisconnected()
			return false
		}

		if reply != nil && (expected == SourceUnknown || reply.Source == expected) {
			e.mu.Lock()
			if e.source != reply.Source || !e.connected {
				e.capabilities = nil
			}
			e.source = reply.Source
			e.connected = true
			e.mu.Unlock()

			e.logger.Debug("Connected", zap.Stringer("source", reply.Source))
			return true
		}

		// A mismatching reply came back early; keep the attempt cadence.
		if remaining := timeout - time.Since(start); reply != nil && remaining > 0 && attempt < retries {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(remaining):
			}
		}
	}

	e.markDisconnected()
	return false
}

// TryToReconnect polls the device after a reboot until it answers
func (e *Engine) TryToReconnect(ctx context.Context, attempts int, interval time.Duration) bool {
	for i := 0; i < attempts; i++ {
		if e.TryToConnect(ctx, 0, interval, true, SourceUnknown) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// GetConnectionSource pings the device and returns its reply
func (e *Engine) GetConnectionSource(ctx context.Context) (*PingReply, error) {
	reply, res := e.ping(ctx, e.opts.RequestTimeout)
	if reply == nil {
		if res.outcome == OutcomeSuccess {
			res.outcome = OutcomeTimeout
		}
		return nil, res.asError(CmdPing)
	}
	return reply, nil
}

// GetFlashSectorMap reads the device flash layout
func (e *Engine) GetFlashSectorMap(ctx context.Context) ([]FlashSector, error) {
	reply, err := e.call(ctx, CmdFlashSectorMap, nil)
	if err != nil {
		return nil, err
	}
	sectors, err := decodeFlashSectorMap(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode flash sector map: %w", err)
	}
	return sectors, nil
}

// EraseMemory erases [address, address+length). The runtime must be
// paused by the caller first.
func (e *Engine) EraseMemory(ctx context.Context, address, length uint32) (bool, error) {
	payload := (&payloadWriter{}).u32(address).u32(length).Bytes()
	res := e.request(ctx, CmdEraseMemory, 0, payload, e.opts.EraseTimeout, e.opts.RequestRetries)
	if err := res.asError(CmdEraseMemory); err != nil {
		return false, err
	}
	return res.reply.Acked(), nil
}

// WriteMemory programs data at address. The region must have been erased.
func (e *Engine) WriteMemory(ctx context.Context, address uint32, data []byte) (bool, error) {
	if len(data) > MaxPayload-8 {
		return false, fmt.Errorf("write of %d bytes exceeds packet limit", len(data))
	}
	payload := (&payloadWriter{}).u32(address).u32(uint32(len(data))).raw(data).Bytes()
	reply, err := e.call(ctx, CmdWriteMemory, payload)
	if err != nil {
		return false, err
	}
	return reply.Acked(), nil
}

// CheckSignature asks the device to verify the written image against the
// key at keyIndex.
func (e *Engine) CheckSignature(ctx context.Context, signature []byte, keyIndex uint32) (bool, error) {
	payload := (&payloadWriter{}).u32(keyIndex).u32(uint32(len(signature))).raw(signature).Bytes()
	reply, err := e.call(ctx, CmdCheckSignature, payload)
	if err != nil {
		return false, err
	}
	return reply.Acked(), nil
}

// ExecuteMemory jumps to address; 0 selects the default entry point
func (e *Engine) ExecuteMemory(ctx context.Context, address uint32) (bool, error) {
	payload := (&payloadWriter{}).u32(address).Bytes()
	reply, err := e.call(ctx, CmdExecute, payload)
	if err != nil {
		return false, err
	}
	return reply.Acked(), nil
}

// RebootDevice restarts the device. The device may go down before it
// replies, so a missing reply is not an error. The connection is
// invalidated either way.
func (e *Engine) RebootDevice(ctx context.Context, option RebootOption) error {
	payload := (&payloadWriter{}).u32(option.flags()).Bytes()
	res := e.request(ctx, CmdReboot, 0, payload, e.opts.RequestTimeout, 0)

	e.mu.Lock()
	e.connected = false
	e.capabilities = nil
	e.mu.Unlock()

	if res.outcome == OutcomeFatal {
		return res.asError(CmdReboot)
	}
	return nil
}

// GetOemInfo reads the bootloader identification
func (e *Engine) GetOemInfo(ctx context.Context) (*OemInfo, error) {
	reply, err := e.call(ctx, CmdOemInfo, nil)
	if err != nil {
		return nil, err
	}
	info, err := decodeOemInfo(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode oem info: %w", err)
	}
	return info, nil
}
