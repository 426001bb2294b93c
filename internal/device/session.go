// internal/device/session.go
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mfdeploy/internal/model"
	"mfdeploy/internal/transport"
	"mfdeploy/internal/utils"
	"mfdeploy/internal/wireprotocol"
)

// State is the session connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedBootloader
	StateConnectedRuntime
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnectedBootloader:
		return "connected_bootloader"
	case StateConnectedRuntime:
		return "connected_runtime"
	default:
		return "disconnected"
	}
}

// EventType identifies a session event
type EventType int

const (
	EventStateChanged EventType = iota
	EventProgress
	EventDebugText
)

// Progress is one progress report of a long operation
type Progress struct {
	Value  int64
	Total  int64
	Status string
}

// Event is delivered to session observers
type Event struct {
	Type     EventType
	State    State
	Progress Progress
	Text     string
}

// Observer receives session events. It is called synchronously from the
// goroutine that produced the event and must not block.
type Observer func(Event)

// Session drives one device over one engine and port at a time
type Session struct {
	id         string
	port       model.PortDefinition
	bootPort   *model.PortDefinition
	settings   Settings
	opener     StreamOpener
	baseLogger *zap.Logger
	logger     *utils.SessionLogger

	// opMu serialises device operations
	opMu sync.Mutex

	mu        sync.Mutex
	active    model.PortDefinition
	stream    Stream
	engine    *wireprotocol.Engine
	state     State
	info      *Info
	observers map[int]Observer
	nextObs   int
	abort     chan struct{}
}

// NewSession creates a disconnected session for port
func NewSession(port model.PortDefinition, opts ...Option) *Session {
	s := &Session{
		port:       port,
		active:     port,
		settings:   DefaultSettings(),
		baseLogger: zap.NewNop(),
		observers:  make(map[int]Observer),
		abort:      make(chan struct{}),
	}
	s.opener = TransportOpener(transport.DefaultOptions())

	for _, opt := range opts {
		opt(s)
	}
	s.settings = s.settings.withDefaults()

	s.logger = utils.NewSessionLogger(s.baseLogger, s.id, port)
	return s
}

// ID returns the session id given by WithSessionID
func (s *Session) ID() string { return s.id }

// Port returns the port the session was created for
func (s *Session) Port() model.PortDefinition { return s.port }

// BootloaderPort returns the separate bootloader port, if any
func (s *Session) BootloaderPort() *model.PortDefinition { return s.bootPort }

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the device answered the last ping
func (s *Session) IsConnected() bool {
	e := s.currentEngine()
	return e != nil && e.IsConnected()
}

// Subscribe registers an observer. The returned function removes it and
// may be called more than once.
func (s *Session) Subscribe(o Observer) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	obs := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()

	for _, o := range obs {
		o(ev)
	}
}

func (s *Session) progress(value, total int64, status string) {
	s.emit(Event{Type: EventProgress, Progress: Progress{Value: value, Total: total, Status: status}})
}

func (s *Session) debugText(text string) {
	s.logger.DeviceOutput().Debug(text)
	s.emit(Event{Type: EventDebugText, Text: text})
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	if changed {
		s.info = nil
	}
	s.mu.Unlock()

	if changed {
		s.logger.Debug("Session state changed", zap.Stringer("state", state))
		s.emit(Event{Type: EventStateChanged, State: state})
	}
}

// refreshState derives the state from the engine's last ping
func (s *Session) refreshState() {
	e := s.currentEngine()
	if e == nil {
		s.setState(StateDisconnected)
		return
	}
	switch e.ConnectionSource() {
	case wireprotocol.SourceTinyBooter:
		s.setState(StateConnectedBootloader)
	case wireprotocol.SourceTinyCLR:
		s.setState(StateConnectedRuntime)
	default:
		s.setState(StateConnecting)
	}
}

func (s *Session) currentEngine() *wireprotocol.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Cancel sets the shared abort signal. Every running and future operation
// fails with ErrUserExit until ResetCancel is called.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.abort:
	default:
		close(s.abort)
	}
}

// ResetCancel clears the abort signal
func (s *Session) ResetCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.abort:
		s.abort = make(chan struct{})
	default:
	}
}

func (s *Session) abortChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

// checkCancel returns ErrUserExit once the abort signal or ctx fired
func (s *Session) checkCancel(ctx context.Context) error {
	select {
	case <-s.abortChan():
		return ErrUserExit
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUserExit, err)
	}
	return nil
}

// opContext returns a context that is also cancelled by the abort signal
func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	abort := s.abortChan()
	go func() {
		select {
		case <-abort:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// failure maps an engine error: cancellation wins over a lost device
func (s *Session) failure(ctx context.Context, op string, err error) error {
	if cerr := s.checkCancel(ctx); cerr != nil {
		return cerr
	}
	s.logger.Debug("Device request failed", zap.String("op", op), zap.Error(err))
	return noResponse(op, err)
}

// requireEngine returns the engine or ErrNoEngine
func (s *Session) requireEngine() (*wireprotocol.Engine, error) {
	e := s.currentEngine()
	if e == nil {
		return nil, ErrNoEngine
	}
	return e, nil
}

// attach opens pd and starts an engine on it
func (s *Session) attach(ctx context.Context, pd model.PortDefinition) error {
	stream, err := s.opener(ctx, pd)
	if err != nil {
		s.logger.LogConnection("open", pd.String(), err)
		return err
	}

	engine := wireprotocol.NewEngine(stream, wireprotocol.Options{
		Logger:         s.logger.Logger,
		RequestTimeout: s.settings.RequestTimeout,
		RequestRetries: s.settings.RequestRetries,
		EraseTimeout:   s.settings.EraseTimeout,
		OnMessage:      s.debugText,
		OnNoise:        func(b []byte) { s.debugText(string(b)) },
	})

	s.mu.Lock()
	s.stream = stream
	s.engine = engine
	s.active = pd
	s.mu.Unlock()

	s.logger.LogConnection("open", pd.String(), nil)
	s.setState(StateConnecting)
	return nil
}

// detach stops the engine and closes the stream
func (s *Session) detach() {
	s.mu.Lock()
	engine, stream := s.engine, s.stream
	s.engine, s.stream = nil, nil
	s.active = s.port
	s.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			s.logger.Debug("Failed to close stream", zap.Error(err))
		}
	}
	s.setState(StateDisconnected)
}

// Connect opens the port and pings the device for up to timeout. With a
// distinct bootloader port the budget is split across both ports. Without
// tryConnect the port is only opened.
func (s *Session) Connect(ctx context.Context, timeout time.Duration, tryConnect bool) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.connect(ctx, timeout, tryConnect)
}

func (s *Session) connect(ctx context.Context, timeout time.Duration, tryConnect bool) (bool, error) {
	retries := int(timeout / (100 * time.Millisecond))
	if retries == 0 {
		retries = 1
	}

	ports := []model.PortDefinition{s.port}
	if s.bootPort != nil && s.bootPort.UniqueID != s.port.UniqueID {
		retries = max(retries/2, 1)
		ports = append(ports, *s.bootPort)
	}

	// A port that opened but stayed silent means no response, not a
	// connection error from another port.
	var (
		openErr error
		opened  bool
	)
	for _, pd := range ports {
		if err := s.checkCancel(ctx); err != nil {
			s.detach()
			return false, err
		}

		if s.currentEngine() == nil {
			if err := s.attach(ctx, pd); err != nil {
				openErr = err
				continue
			}
		}
		opened = true

		engine := s.currentEngine()
		if engine.IsConnected() {
			break
		}
		if !tryConnect {
			break
		}

		for j := retries; j > 0; j -= 5 {
			if engine.TryToConnect(ctx, 5, s.settings.PingTimeout, true, wireprotocol.SourceUnknown) {
				break
			}
			if err := s.checkCancel(ctx); err != nil {
				s.detach()
				return false, err
			}
		}
		if engine.IsConnected() {
			break
		}
		s.detach()
	}

	engine := s.currentEngine()
	s.refreshState()
	if engine == nil {
		if opened {
			return false, nil
		}
		return false, openErr
	}
	if engine.IsConnected() {
		s.logger.LogConnection("connect", engine.ConnectionSource().String(), nil)
	}
	return !tryConnect || engine.IsConnected(), nil
}

// Disconnect stops the engine and releases the port
func (s *Session) Disconnect() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.detach()
}

// Close is Disconnect for use with defer
func (s *Session) Close() error {
	s.Disconnect()
	return nil
}

// Ping asks the device which mode it is in
func (s *Session) Ping(ctx context.Context) (wireprotocol.ConnectionSource, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	engine, err := s.requireEngine()
	if err != nil {
		return wireprotocol.SourceNoConnection, err
	}
	reply, err := engine.GetConnectionSource(ctx)
	if err != nil {
		return wireprotocol.SourceNoConnection, s.failure(ctx, "ping", err)
	}
	return reply.Source, nil
}

// ConnectToTinyBooter brings the device into the bootloader. It returns
// true immediately when the device is already there.
func (s *Session) ConnectToTinyBooter(ctx context.Context) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.connectToTinyBooter(ctx)
}

func (s *Session) connectToTinyBooter(ctx context.Context) (bool, error) {
	if s.currentEngine() == nil {
		pd := s.port
		if s.bootPort != nil {
			pd = *s.bootPort
		}
		if err := s.attach(ctx, pd); err == nil {
			s.currentEngine().TryToConnect(ctx, 5, s.settings.PingTimeout, true, wireprotocol.SourceUnknown)
		}
	}

	engine := s.currentEngine()
	if engine == nil {
		return false, nil
	}
	if engine.ConnectionSource() == wireprotocol.SourceTinyBooter {
		s.refreshState()
		return true, nil
	}

	s.progress(0, 1, "Connecting to bootloader")
	if err := engine.RebootDevice(ctx, wireprotocol.RebootEnterBootloader); err != nil {
		s.logger.Debug("Reboot into bootloader failed", zap.Error(err))
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active.Kind != model.PortKindSerial && s.bootPort != nil && s.bootPort.UniqueID != active.UniqueID {
		s.detach()
		s.mu.Lock()
		s.active = *s.bootPort
		s.mu.Unlock()

		if err := s.attach(ctx, *s.bootPort); err != nil {
			s.logger.Warn("Unable to open bootloader port", zap.Error(err))
			return false, nil
		}
		engine = s.currentEngine()
		budget := s.settings.BootloaderConnectTimeout
		retries := max(1, int(budget/s.settings.PingTimeout))
		if !s.pollConnect(ctx, engine, retries, s.settings.PingTimeout) {
			if err := s.checkCancel(ctx); err != nil {
				return false, err
			}
			s.logger.Warn("Unable to connect to bootloader port")
			return false, nil
		}
	}

	for i := 0; i < s.settings.BootloaderRetries; i++ {
		if err := s.checkCancel(ctx); err != nil {
			return false, err
		}
		if engine.TryToConnect(ctx, 0, s.settings.BootloaderInterval, true, wireprotocol.SourceUnknown) {
			reply, err := engine.GetConnectionSource(ctx)
			s.refreshState()
			if err != nil {
				return false, nil
			}
			return reply.Source == wireprotocol.SourceTinyBooter, nil
		}
	}

	s.logger.Warn("Unable to connect to bootloader",
		zap.Int("attempts", s.settings.BootloaderRetries),
		zap.Duration("interval", s.settings.BootloaderInterval),
	)
	s.refreshState()
	return false, nil
}

// pollConnect pings in single attempts so the abort signal is seen
// between them.
func (s *Session) pollConnect(ctx context.Context, engine *wireprotocol.Engine, attempts int, timeout time.Duration) bool {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if s.checkCancel(ctx) != nil {
			return false
		}
		if engine.TryToConnect(ctx, 0, timeout, true, wireprotocol.SourceUnknown) {
			return true
		}
	}
	return false
}

// IsClrDebuggerEnabled reports whether the runtime accepts debugger
// commands, which is required to write flash without the bootloader.
func (s *Session) IsClrDebuggerEnabled(ctx context.Context) bool {
	engine := s.currentEngine()
	if engine == nil || engine.ConnectionSource() != wireprotocol.SourceTinyCLR {
		return false
	}
	caps, err := engine.Capabilities(ctx)
	if err != nil {
		s.logger.Debug("Capability query failed", zap.Error(err))
		return false
	}
	return caps.Has(wireprotocol.CapSourceLevelDebugging)
}

// Execute starts the image at entryPoint. In the runtime the new
// deployment is picked up by rebooting the runtime instead.
func (s *Session) Execute(ctx context.Context, entryPoint uint32) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	engine, err := s.requireEngine()
	if err != nil {
		return false, err
	}

	reply, err := engine.GetConnectionSource(ctx)
	if err != nil {
		return false, s.failure(ctx, "execute", err)
	}

	if reply.Source == wireprotocol.SourceTinyBooter {
		ok, err := engine.ExecuteMemory(ctx, entryPoint)
		if err != nil {
			return false, s.failure(ctx, "execute", err)
		}
		return ok, nil
	}

	if err := engine.RebootDevice(ctx, wireprotocol.RebootClrOnly); err != nil {
		return false, s.failure(ctx, "reboot", err)
	}
	s.refreshState()
	return true, nil
}

// Reboot restarts the device. A warm reboot restarts the runtime, waits
// for it and resumes execution; if that fails the session reconnects.
func (s *Session) Reboot(ctx context.Context, cold bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	engine, err := s.requireEngine()
	if err != nil {
		return err
	}

	opt := wireprotocol.RebootClrWaitForDebugger
	if cold {
		opt = wireprotocol.RebootNoReconnect
	}
	if err := engine.RebootDevice(ctx, opt); err != nil {
		return s.failure(ctx, "reboot", err)
	}
	if cold {
		s.refreshState()
		return nil
	}

	ok := engine.TryToReconnect(ctx, s.settings.ReconnectAttempts, s.settings.ReconnectInterval)
	if ok && engine.ConnectionSource() == wireprotocol.SourceTinyCLR {
		if _, err := engine.ResumeExecution(ctx); err != nil {
			ok = false
		}
	}
	if !ok {
		s.detach()
		if _, err := s.connect(ctx, time.Second, true); err != nil {
			return err
		}
	}
	s.refreshState()
	return nil
}

// GetOemMonitorInfo returns the bootloader identification
func (s *Session) GetOemMonitorInfo(ctx context.Context) (*wireprotocol.OemInfo, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	engine, err := s.requireEngine()
	if err != nil {
		return nil, err
	}
	if !engine.IsConnected() || engine.ConnectionSource() != wireprotocol.SourceTinyBooter {
		return nil, ErrNotBootloader
	}
	info, err := engine.GetOemInfo(ctx)
	if err != nil {
		return nil, s.failure(ctx, "oem info", err)
	}
	return info, nil
}
