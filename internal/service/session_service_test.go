package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"mfdeploy/internal/config"
	"mfdeploy/internal/device"
	"mfdeploy/internal/model"
	"mfdeploy/internal/repository"
	"mfdeploy/internal/wireprotocol"
	"mfdeploy/internal/wireprotocol/wiretest"
)

func testConfig() *config.Config {
	return &config.Config{
		Device: config.DeviceConfig{
			ConnectTimeout:        500 * time.Millisecond,
			PingTimeout:           40 * time.Millisecond,
			RequestTimeout:        300 * time.Millisecond,
			EraseTimeout:          300 * time.Millisecond,
			RequestRetries:        0,
			BootloaderRetries:     20,
			BootloaderInterval:    50 * time.Millisecond,
			ChunkSize:             256,
			ReconnectAttempts:     20,
			ReconnectInterval:     50 * time.Millisecond,
			MaxConcurrentSessions: 1,
		},
	}
}

type testEnv struct {
	sessions   *SessionService
	operations *OperationService
	bus        *EventBus
	dev        *wiretest.Device
}

func newTestEnv(t *testing.T, source uint32) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := testConfig()
	dev := wiretest.New(source, wiretest.DefaultSectors())

	opener := func(ctx context.Context, port model.PortDefinition) (device.Stream, error) {
		return dev.Connect(logger), nil
	}

	bus := NewEventBus(logger)
	operations := NewOperationService(repository.NewMemoryOperationRepository(logger), logger)
	discovery := NewDiscoveryServiceWithScanners(cfg, logger)
	sessions := NewSessionService(discovery, operations, bus, cfg, logger, opener)
	t.Cleanup(func() {
		sessions.Close()
		bus.Close()
	})

	return &testEnv{sessions: sessions, operations: operations, bus: bus, dev: dev}
}

func (e *testEnv) open(t *testing.T) uuid.UUID {
	t.Helper()
	sum, err := e.sessions.OpenSession(context.Background(), &OpenSessionRequest{Port: "tcp:192.168.1.50"})
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	return sum.ID
}

// waitFinal waits for the terminal event of an operation
func waitFinal(t *testing.T, events <-chan model.DeviceEvent, opID uuid.UUID) model.DeviceEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.OperationID == nil || *ev.OperationID != opID {
				continue
			}
			if ev.EventType == model.EventOperationCompleted || ev.EventType == model.EventOperationFailed {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for operation to finish")
		}
	}
}

func writeImage(t *testing.T, entry uint32, addr uint32, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}

	var content string
	for off := 0; off < len(data); off += 32 {
		end := min(off+32, len(data))
		content += srecLine('3', addr+uint32(off), data[off:end]) + "\n"
	}
	content += srecLine('7', entry, nil) + "\n"

	path := filepath.Join(t.TempDir(), "image.hex")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func srecLine(typ byte, addr uint32, data []byte) string {
	raw := []byte{byte(4 + len(data) + 1), byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	raw = append(raw, data...)
	var sum byte
	for _, b := range raw {
		sum += b
	}
	return fmt.Sprintf("S%c%X", typ, append(raw, ^sum))
}

func TestOpenSessionLimit(t *testing.T) {
	env := newTestEnv(t, wireprotocol.PingSourceTinyBooter)
	id := env.open(t)

	sum, err := env.sessions.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sum.State != device.StateConnectedBootloader.String() || !sum.Connected {
		t.Errorf("summary = %+v", sum)
	}

	if _, err := env.sessions.OpenSession(context.Background(), &OpenSessionRequest{Port: "tcp:192.168.1.51"}); !errors.Is(err, ErrSessionLimit) {
		t.Errorf("second OpenSession() error = %v, want ErrSessionLimit", err)
	}

	if err := env.sessions.CloseSession(id); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if _, err := env.sessions.GetSession(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession(closed) error = %v", err)
	}
	if len(env.sessions.ListSessions()) != 0 {
		t.Error("ListSessions() not empty after close")
	}
}

func TestOpenSessionNotResponding(t *testing.T) {
	env := newTestEnv(t, wireprotocol.PingSourceTinyBooter)
	env.dev.SetSilent(true)

	_, err := env.sessions.OpenSession(context.Background(), &OpenSessionRequest{Port: "tcp:192.168.1.50", TimeoutMs: 100})
	if !errors.Is(err, ErrNotResponding) {
		t.Fatalf("OpenSession() error = %v, want ErrNotResponding", err)
	}

	// The failed attempt must not hold a slot.
	env.dev.SetSilent(false)
	env.open(t)
}

func TestDeployJob(t *testing.T) {
	env := newTestEnv(t, wireprotocol.PingSourceTinyBooter)
	id := env.open(t)

	events, unsubscribe := env.bus.Subscribe(EventFilter{SessionID: &id})
	defer unsubscribe()

	gate := make(chan struct{})
	var gated atomic.Bool
	env.dev.OnRequest(func(r wiretest.Request) {
		if r.Command == wireprotocol.CmdWriteMemory && gated.CompareAndSwap(false, true) {
			<-gate
		}
	})

	var cleaned atomic.Bool
	image := writeImage(t, 0x08010001, 0x08010000, 1000)
	op, err := env.sessions.Deploy(context.Background(), id, &DeployRequest{
		ImagePath: image,
		Cleanup:   func() { cleaned.Store(true) },
	})
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if op.Status != model.OperationStatusProcessing || op.OperationType != model.OperationTypeDeploy {
		t.Errorf("pending operation = %+v", op)
	}

	if _, err := env.sessions.Erase(context.Background(), id, nil); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("Erase() during deploy error = %v, want ErrSessionBusy", err)
	}
	if _, err := env.sessions.Ping(context.Background(), id); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("Ping() during deploy error = %v, want ErrSessionBusy", err)
	}
	close(gate)

	final := waitFinal(t, events, op.ID)
	if final.EventType != model.EventOperationCompleted {
		t.Fatalf("final event = %+v", final)
	}
	if !cleaned.Load() {
		t.Error("upload cleanup did not run")
	}

	stored, err := env.operations.GetOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOperation() error = %v", err)
	}
	if stored.Status != model.OperationStatusSuccess {
		t.Errorf("status = %s", stored.Status)
	}
	if stored.BytesDone != 1000 || stored.BytesTotal != 1000 {
		t.Errorf("progress = %d/%d", stored.BytesDone, stored.BytesTotal)
	}
	if stored.EntryPoint == nil || *stored.EntryPoint != 0x08010001 {
		t.Errorf("entry point = %v", stored.EntryPoint)
	}
	if stored.CompletedAt == nil || stored.DurationMs == nil {
		t.Error("completion time not recorded")
	}

	if n := len(env.dev.Commands(wireprotocol.CmdWriteMemory)); n != 4 {
		t.Errorf("writes = %d, want 4", n)
	}
}

func TestCancelDeployJob(t *testing.T) {
	env := newTestEnv(t, wireprotocol.PingSourceTinyBooter)
	id := env.open(t)

	events, unsubscribe := env.bus.Subscribe(EventFilter{SessionID: &id})
	defer unsubscribe()

	var writes atomic.Int32
	env.dev.OnRequest(func(r wiretest.Request) {
		if r.Command == wireprotocol.CmdWriteMemory && writes.Add(1) == 2 {
			if running, err := env.sessions.Cancel(id); err != nil || !running {
				t.Errorf("Cancel() = %v, %v", running, err)
			}
		}
	})

	image := writeImage(t, 0, 0x08010000, 10*256)
	op, err := env.sessions.Deploy(context.Background(), id, &DeployRequest{ImagePath: image})
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	final := waitFinal(t, events, op.ID)
	if final.EventType != model.EventOperationFailed {
		t.Fatalf("final event = %s", final.EventType)
	}

	stored, _ := env.operations.GetOperation(context.Background(), op.ID)
	if stored.Status != model.OperationStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", stored.Status)
	}
	if stored.StatusText != "Operation cancelled by user" {
		t.Errorf("status text = %q", stored.StatusText)
	}
	if got := len(env.dev.Commands(wireprotocol.CmdWriteMemory)); got >= 10 {
		t.Errorf("writes = %d, want the deploy to stop early", got)
	}

	// The abort signal is cleared for the next job.
	env.dev.OnRequest(nil)
	next, err := env.sessions.Erase(context.Background(), id, []string{"deployment"})
	if err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	if final := waitFinal(t, events, next.ID); final.EventType != model.EventOperationCompleted {
		t.Errorf("erase after cancel = %s (%v)", final.EventType, final.Data)
	}
}

func TestSyncJobsAndQueries(t *testing.T) {
	env := newTestEnv(t, wireprotocol.PingSourceTinyBooter)
	id := env.open(t)

	source, err := env.sessions.Ping(context.Background(), id)
	if err != nil || source != wireprotocol.SourceTinyBooter {
		t.Errorf("Ping() = %v, %v", source, err)
	}

	oem, err := env.sessions.OemInfo(context.Background(), id)
	if err != nil {
		t.Fatalf("OemInfo() error = %v", err)
	}
	if oem.Info != "wiretest bootloader" {
		t.Errorf("oem info = %q", oem.Info)
	}

	op, err := env.sessions.Execute(context.Background(), id, 0x08010001)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if op.Status != model.OperationStatusSuccess || op.EntryPoint == nil {
		t.Errorf("execute operation = %+v", op)
	}

	session := id
	ops, page, err := env.operations.ListOperations(context.Background(), &OperationFilter{SessionID: &session})
	if err != nil || len(ops) != 1 || page.Total != 1 {
		t.Errorf("ListOperations() = %d ops, %+v, %v", len(ops), page, err)
	}

	if _, err := env.sessions.Execute(context.Background(), uuid.New(), 0); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Execute(unknown) error = %v", err)
	}
	if _, err := env.sessions.Erase(context.Background(), id, []string{"bogus"}); err == nil {
		t.Error("Erase(bogus region) returned no error")
	}
}

func TestCloseWaitsForJobs(t *testing.T) {
	env := newTestEnv(t, wireprotocol.PingSourceTinyBooter)
	id := env.open(t)

	image := writeImage(t, 0, 0x08010000, 20*256)
	op, err := env.sessions.Deploy(context.Background(), id, &DeployRequest{ImagePath: image})
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	env.sessions.Close()

	stored, err := env.operations.GetOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.IsCompleted() {
		t.Errorf("operation still %s after Close", stored.Status)
	}
	if _, err := env.sessions.OpenSession(context.Background(), &OpenSessionRequest{Port: "tcp:192.168.1.50"}); !errors.Is(err, ErrServiceClosed) {
		t.Errorf("OpenSession() after Close error = %v", err)
	}
}
