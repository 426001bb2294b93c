// internal/service/session_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mfdeploy/internal/config"
	"mfdeploy/internal/device"
	"mfdeploy/internal/model"
	"mfdeploy/internal/transport"
	"mfdeploy/internal/utils"
	"mfdeploy/internal/wireprotocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionLimit    = errors.New("too many open sessions")
	ErrSessionBusy     = errors.New("session is running another job")
	ErrNotResponding   = errors.New("device did not respond")
	ErrServiceClosed   = errors.New("session service is closed")
)

// progressSaveInterval bounds how often a running job writes progress to
// the repository
const progressSaveInterval = 500 * time.Millisecond

// job is the operation a session is currently running
type job struct {
	op        *model.DeviceOperation
	opLogger  *utils.OperationLogger
	done      chan struct{}
	lastSaved time.Time
}

// managedSession is an open device session owned by the service
type managedSession struct {
	id          uuid.UUID
	createdAt   time.Time
	session     *device.Session
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu  sync.Mutex
	job *job
}

func (ms *managedSession) currentJob() *job {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.job
}

// SessionSummary describes an open session
type SessionSummary struct {
	ID               uuid.UUID              `json:"id"`
	Port             model.PortDefinition   `json:"port"`
	BootloaderPort   *model.PortDefinition  `json:"bootloader_port,omitempty"`
	State            string                 `json:"state"`
	Connected        bool                   `json:"connected"`
	CreatedAt        time.Time              `json:"created_at"`
	CurrentOperation *model.DeviceOperation `json:"current_operation,omitempty"`
}

// OpenSessionRequest represents a request to connect to a device
type OpenSessionRequest struct {
	Port           string `json:"port" binding:"required"`
	BootloaderPort string `json:"bootloader_port,omitempty"`
	TimeoutMs      int    `json:"timeout_ms,omitempty"`
}

// DeployRequest describes an image upload. Cleanup runs once the job ends.
type DeployRequest struct {
	ImagePath     string
	SignaturePath string
	Execute       bool
	Cleanup       func()
}

// SessionService owns the open device sessions and runs jobs on them
type SessionService struct {
	discovery  *DiscoveryService
	operations *OperationService
	bus        *EventBus
	config     *config.Config
	opener     device.StreamOpener
	baseLogger *zap.Logger
	logger     *utils.ServiceLogger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*managedSession
	pending  int
	closed   bool

	jobs sync.WaitGroup
}

// NewSessionService creates a session service. A nil opener opens ports
// through the transport package.
func NewSessionService(
	discovery *DiscoveryService,
	operations *OperationService,
	bus *EventBus,
	config *config.Config,
	logger *zap.Logger,
	opener device.StreamOpener,
) *SessionService {
	if opener == nil {
		opener = device.TransportOpener(transport.OptionsFromConfig(config.Device.Ports, logger))
	}
	return &SessionService{
		discovery:  discovery,
		operations: operations,
		bus:        bus,
		config:     config,
		opener:     opener,
		baseLogger: logger,
		logger:     utils.NewServiceLogger(logger, "session-service"),
		sessions:   make(map[uuid.UUID]*managedSession),
	}
}

// reserve takes a slot under the concurrent session limit
func (s *SessionService) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}
	limit := s.config.Device.MaxConcurrentSessions
	if limit > 0 && len(s.sessions)+s.pending >= limit {
		return fmt.Errorf("%w (limit %d)", ErrSessionLimit, limit)
	}
	s.pending++
	return nil
}

func (s *SessionService) release() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

// OpenSession resolves the port, connects and registers a new session
func (s *SessionService) OpenSession(ctx context.Context, req *OpenSessionRequest) (*SessionSummary, error) {
	if err := s.reserve(); err != nil {
		return nil, err
	}
	defer s.release()

	port, err := s.discovery.ResolvePort(ctx, req.Port)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	opts := []device.Option{
		device.WithSessionID(id.String()),
		device.WithLogger(s.baseLogger),
		device.WithSettings(device.SettingsFromConfig(s.config.Device)),
		device.WithStreamOpener(s.opener),
	}
	if req.BootloaderPort != "" {
		bootPort, err := s.discovery.ResolvePort(ctx, req.BootloaderPort)
		if err != nil {
			return nil, fmt.Errorf("invalid bootloader port: %w", err)
		}
		opts = append(opts, device.WithBootloaderPort(bootPort))
	}

	timeout := s.config.Device.ConnectTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	session := device.NewSession(port, opts...)
	ok, err := session.Connect(ctx, timeout, true)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if !ok {
		session.Close()
		return nil, fmt.Errorf("%w on %s", ErrNotResponding, port)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	ms := &managedSession{
		id:        id,
		createdAt: time.Now(),
		session:   session,
		ctx:       sessCtx,
		cancel:    cancel,
	}
	ms.unsubscribe = session.Subscribe(s.bridge(ms))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.shutdown(ms)
		return nil, ErrServiceClosed
	}
	s.sessions[id] = ms
	s.mu.Unlock()

	s.bus.Publish(model.NewDeviceEvent(model.EventSessionConnected, id, model.JSONObject{
		"port":  port.UniqueID,
		"state": session.State().String(),
	}))
	s.logger.Info("Session opened",
		zap.String("session_id", id.String()),
		zap.String("port", port.String()),
		zap.String("state", session.State().String()),
	)

	return s.summary(ms), nil
}

// bridge forwards session events to the event bus
func (s *SessionService) bridge(ms *managedSession) device.Observer {
	return func(ev device.Event) {
		switch ev.Type {
		case device.EventStateChanged:
			s.bus.Publish(model.NewDeviceEvent(model.EventSessionState, ms.id, model.JSONObject{
				"state": ev.State.String(),
			}))

		case device.EventProgress:
			j := ms.currentJob()
			data := model.JSONObject{
				"value":   ev.Progress.Value,
				"total":   ev.Progress.Total,
				"status":  ev.Progress.Status,
				"percent": percent(ev.Progress.Value, ev.Progress.Total),
			}
			event := model.NewDeviceEvent(model.EventOperationProgress, ms.id, data)
			if j != nil {
				event.OperationID = &j.op.ID
				s.recordProgress(j, ev.Progress)
			}
			s.bus.Publish(event)

		case device.EventDebugText:
			s.bus.Publish(model.NewDeviceEvent(model.EventDeviceOutput, ms.id, model.JSONObject{
				"text": ev.Text,
			}))
		}
	}
}

func percent(value, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(value) * 100 / float64(total)
}

// recordProgress runs on the job goroutine, which owns j.op
func (s *SessionService) recordProgress(j *job, p device.Progress) {
	j.op.BytesDone = p.Value
	j.op.BytesTotal = p.Total
	j.op.StatusText = p.Status
	j.opLogger.Progress(p.Status, p.Value, p.Total)

	if time.Since(j.lastSaved) >= progressSaveInterval || (p.Total > 0 && p.Value >= p.Total) {
		j.lastSaved = time.Now()
		s.operations.SaveProgress(context.Background(), j.op)
	}
}

func (s *SessionService) lookup(id uuid.UUID) (*managedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return ms, nil
}

func (s *SessionService) summary(ms *managedSession) *SessionSummary {
	sum := &SessionSummary{
		ID:             ms.id,
		Port:           ms.session.Port(),
		BootloaderPort: ms.session.BootloaderPort(),
		State:          ms.session.State().String(),
		Connected:      ms.session.IsConnected(),
		CreatedAt:      ms.createdAt,
	}
	if j := ms.currentJob(); j != nil {
		if op, err := s.operations.GetOperation(context.Background(), j.op.ID); err == nil {
			sum.CurrentOperation = op
		}
	}
	return sum
}

// GetSession returns one session
func (s *SessionService) GetSession(id uuid.UUID) (*SessionSummary, error) {
	ms, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.summary(ms), nil
}

// ListSessions returns every open session, oldest first
func (s *SessionService) ListSessions() []*SessionSummary {
	s.mu.RLock()
	all := make([]*managedSession, 0, len(s.sessions))
	for _, ms := range s.sessions {
		all = append(all, ms)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })

	out := make([]*SessionSummary, 0, len(all))
	for _, ms := range all {
		out = append(out, s.summary(ms))
	}
	return out
}

// CloseSession cancels any running job, waits for it and disconnects
func (s *SessionService) CloseSession(id uuid.UUID) error {
	s.mu.Lock()
	ms, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.shutdown(ms)
	return nil
}

// shutdown stops ms. The session is no longer reachable through the map.
func (s *SessionService) shutdown(ms *managedSession) {
	ms.cancel()
	ms.session.Cancel()
	if j := ms.currentJob(); j != nil {
		<-j.done
	}
	ms.unsubscribe()
	ms.session.Close()

	s.bus.Publish(model.NewDeviceEvent(model.EventSessionDisconnected, ms.id, nil))
	s.logger.Info("Session closed", zap.String("session_id", ms.id.String()))
}

// Close shuts every session down. It returns once all jobs have ended.
func (s *SessionService) Close() {
	s.mu.Lock()
	s.closed = true
	all := make([]*managedSession, 0, len(s.sessions))
	for id, ms := range s.sessions {
		all = append(all, ms)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, ms := range all {
		s.shutdown(ms)
	}
	s.jobs.Wait()
}

// Cancel raises the abort signal of a session. It reports whether a job
// was running.
func (s *SessionService) Cancel(id uuid.UUID) (bool, error) {
	ms, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	running := ms.currentJob() != nil
	if running {
		ms.session.Cancel()
		s.logger.Info("Job cancellation requested", zap.String("session_id", id.String()))
	}
	return running, nil
}

// begin claims the session for a job and records the operation
func (s *SessionService) begin(ctx context.Context, ms *managedSession, opType model.OperationType, params model.JSONObject) (*job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.job != nil {
		return nil, ErrSessionBusy
	}

	op, err := s.operations.Begin(ctx, ms.id, opType, ms.session.Port(), params)
	if err != nil {
		return nil, err
	}

	j := &job{
		op:       op,
		opLogger: utils.NewOperationLogger(s.logger.Logger, string(opType), op.ID.String()),
		done:     make(chan struct{}),
	}
	ms.job = j
	ms.session.ResetCancel()

	j.opLogger.Start(zap.String("session_id", ms.id.String()), zap.Any("parameters", params))
	started := model.NewDeviceEvent(model.EventOperationStarted, ms.id, model.JSONObject{
		"operation_type": string(opType),
	})
	started.OperationID = &op.ID
	s.bus.Publish(started)

	return j, nil
}

// finish records the outcome and frees the session
func (s *SessionService) finish(ms *managedSession, j *job, err error) {
	s.operations.Complete(context.Background(), j.op, err)

	eventType := model.EventOperationCompleted
	data := model.JSONObject{
		"operation_type": string(j.op.OperationType),
		"status":         string(j.op.Status),
	}
	if j.op.EntryPoint != nil {
		data["entry_point"] = fmt.Sprintf("0x%08x", *j.op.EntryPoint)
	}
	if err != nil {
		eventType = model.EventOperationFailed
		data["error"] = device.UserMessage(err)
		j.opLogger.Error(err)
	} else {
		j.opLogger.Success()
	}

	ev := model.NewDeviceEvent(eventType, ms.id, data)
	ev.OperationID = &j.op.ID
	s.bus.Publish(ev)

	ms.mu.Lock()
	ms.job = nil
	ms.mu.Unlock()
	close(j.done)
}

// runAsync starts fn on its own goroutine and returns the pending record
func (s *SessionService) runAsync(ctx context.Context, id uuid.UUID, opType model.OperationType, params model.JSONObject, fn func(ctx context.Context, ms *managedSession, op *model.DeviceOperation) error) (*model.DeviceOperation, error) {
	ms, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	j, err := s.begin(ctx, ms, opType, params)
	if err != nil {
		return nil, err
	}

	snapshot := *j.op
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		s.finish(ms, j, fn(ms.ctx, ms, j.op))
	}()

	return &snapshot, nil
}

// runSync runs fn on the caller's goroutine and returns the final record
func (s *SessionService) runSync(ctx context.Context, id uuid.UUID, opType model.OperationType, params model.JSONObject, fn func(ctx context.Context, ms *managedSession, op *model.DeviceOperation) error) (*model.DeviceOperation, error) {
	ms, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	j, err := s.begin(ctx, ms, opType, params)
	if err != nil {
		return nil, err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	stopOnClose := context.AfterFunc(ms.ctx, stop)
	defer stopOnClose()

	err = fn(runCtx, ms, j.op)
	s.finish(ms, j, err)

	result := *j.op
	return &result, err
}

// idle returns the session when it is not running a job
func (s *SessionService) idle(id uuid.UUID) (*managedSession, error) {
	ms, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if ms.currentJob() != nil {
		return nil, ErrSessionBusy
	}
	return ms, nil
}

// Erase starts an erase job
func (s *SessionService) Erase(ctx context.Context, id uuid.UUID, regions []string) (*model.DeviceOperation, error) {
	var options device.EraseOption
	for _, name := range regions {
		opt, err := device.ParseEraseOption(name)
		if err != nil {
			return nil, err
		}
		options |= opt
	}

	params := model.JSONObject{"options": options.String()}
	if options == 0 {
		params["options"] = device.EraseAll.String()
	}

	return s.runAsync(ctx, id, model.OperationTypeErase, params, func(ctx context.Context, ms *managedSession, op *model.DeviceOperation) error {
		return ms.session.Erase(ctx, options)
	})
}

// Deploy starts a deploy job. With req.Execute the image is started at its
// entry point after a successful write.
func (s *SessionService) Deploy(ctx context.Context, id uuid.UUID, req *DeployRequest) (*model.DeviceOperation, error) {
	params := model.JSONObject{
		"image":     req.ImagePath,
		"signature": req.SignaturePath,
		"execute":   req.Execute,
	}

	op, err := s.runAsync(ctx, id, model.OperationTypeDeploy, params, func(ctx context.Context, ms *managedSession, op *model.DeviceOperation) error {
		if req.Cleanup != nil {
			defer req.Cleanup()
		}

		entry, err := ms.session.Deploy(ctx, req.ImagePath, req.SignaturePath)
		if err != nil {
			return err
		}
		ep := int64(entry)
		op.EntryPoint = &ep

		if !req.Execute || entry == 0 {
			return nil
		}
		ok, err := ms.session.Execute(ctx, entry)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("device rejected execute at 0x%08x", entry)
		}
		return nil
	})
	if err != nil && req.Cleanup != nil {
		req.Cleanup()
	}
	return op, err
}

// Execute starts the code at entryPoint
func (s *SessionService) Execute(ctx context.Context, id uuid.UUID, entryPoint uint32) (*model.DeviceOperation, error) {
	params := model.JSONObject{"entry_point": fmt.Sprintf("0x%08x", entryPoint)}

	return s.runSync(ctx, id, model.OperationTypeExecute, params, func(ctx context.Context, ms *managedSession, op *model.DeviceOperation) error {
		ep := int64(entryPoint)
		op.EntryPoint = &ep

		ok, err := ms.session.Execute(ctx, entryPoint)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("device rejected execute at 0x%08x", entryPoint)
		}
		return nil
	})
}

// Reboot restarts the device, cold or back into the runtime
func (s *SessionService) Reboot(ctx context.Context, id uuid.UUID, cold bool) (*model.DeviceOperation, error) {
	params := model.JSONObject{"cold": cold}

	return s.runSync(ctx, id, model.OperationTypeReboot, params, func(ctx context.Context, ms *managedSession, op *model.DeviceOperation) error {
		return ms.session.Reboot(ctx, cold)
	})
}

// Ping reports which firmware answers on the session
func (s *SessionService) Ping(ctx context.Context, id uuid.UUID) (wireprotocol.ConnectionSource, error) {
	ms, err := s.idle(id)
	if err != nil {
		return wireprotocol.SourceUnknown, err
	}
	return ms.session.Ping(ctx)
}

// DeviceInfo returns the runtime description of the device
func (s *SessionService) DeviceInfo(ctx context.Context, id uuid.UUID) (*device.Info, error) {
	ms, err := s.idle(id)
	if err != nil {
		return nil, err
	}
	return ms.session.DeviceInfo(ctx)
}

// OemInfo returns the bootloader OEM string and version
func (s *SessionService) OemInfo(ctx context.Context, id uuid.UUID) (*wireprotocol.OemInfo, error) {
	ms, err := s.idle(id)
	if err != nil {
		return nil, err
	}
	return ms.session.GetOemMonitorInfo(ctx)
}
