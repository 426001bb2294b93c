package wireprotocol_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"mfdeploy/internal/wireprotocol"
	"mfdeploy/internal/wireprotocol/wiretest"
)

type harness struct {
	dev    *wiretest.Device
	engine *wireprotocol.Engine

	mu      sync.Mutex
	noise   []byte
	message chan string
}

func newHarness(t *testing.T, source uint32) *harness {
	t.Helper()

	h := &harness{
		dev:     wiretest.New(source, wiretest.DefaultSectors()),
		message: make(chan string, 4),
	}
	logger := zaptest.NewLogger(t)
	stream := h.dev.Connect(logger)

	h.engine = wireprotocol.NewEngine(stream, wireprotocol.Options{
		Logger:         logger,
		RequestTimeout: 150 * time.Millisecond,
		RequestRetries: 1,
		EraseTimeout:   300 * time.Millisecond,
		OnMessage:      func(text string) { h.message <- text },
		OnNoise: func(b []byte) {
			h.mu.Lock()
			h.noise = append(h.noise, b...)
			h.mu.Unlock()
		},
	})

	t.Cleanup(func() {
		h.engine.Stop()
		stream.Close()
	})
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if !h.engine.TryToConnect(context.Background(), 2, 150*time.Millisecond, true, wireprotocol.SourceUnknown) {
		t.Fatal("TryToConnect() = false")
	}
}

func TestTryToConnectDetectsSource(t *testing.T) {
	tests := []struct {
		wire uint32
		want wireprotocol.ConnectionSource
	}{
		{wireprotocol.PingSourceTinyBooter, wireprotocol.SourceTinyBooter},
		{wireprotocol.PingSourceTinyCLR, wireprotocol.SourceTinyCLR},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			h := newHarness(t, tt.wire)
			h.connect(t)

			if got := h.engine.ConnectionSource(); got != tt.want {
				t.Errorf("ConnectionSource() = %s, want %s", got, tt.want)
			}
			if !h.engine.IsConnected() {
				t.Error("IsConnected() = false")
			}
		})
	}
}

func TestTryToConnectZeroRetriesIsBounded(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyCLR)
	h.dev.SetSilent(true)

	timeout := 100 * time.Millisecond
	start := time.Now()
	ok := h.engine.TryToConnect(context.Background(), 0, timeout, true, wireprotocol.SourceUnknown)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("TryToConnect() = true against a silent device")
	}
	if elapsed < timeout {
		t.Errorf("returned after %s, before the ping timeout", elapsed)
	}
	if elapsed > timeout+250*time.Millisecond {
		t.Errorf("returned after %s, want about one ping timeout", elapsed)
	}
	if n := len(h.dev.Commands(wireprotocol.CmdPing)); n != 1 {
		t.Errorf("pings sent = %d, want 1", n)
	}
	if h.engine.ConnectionSource() != wireprotocol.SourceNoConnection {
		t.Errorf("ConnectionSource() = %s", h.engine.ConnectionSource())
	}
}

func TestTryToConnectSourceMismatch(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyCLR)

	ok := h.engine.TryToConnect(context.Background(), 2, 30*time.Millisecond, true, wireprotocol.SourceTinyBooter)
	if ok {
		t.Fatal("TryToConnect() = true for the wrong source")
	}
	if n := len(h.dev.Commands(wireprotocol.CmdPing)); n != 3 {
		t.Errorf("pings sent = %d, want 3", n)
	}
}

func TestTryToConnectWithoutForceSkipsPing(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyBooter)
	h.connect(t)
	before := len(h.dev.Commands(wireprotocol.CmdPing))

	h.dev.SetSilent(true)
	if !h.engine.TryToConnect(context.Background(), 0, 50*time.Millisecond, false, wireprotocol.SourceUnknown) {
		t.Fatal("TryToConnect(force=false) = false while connected")
	}
	if after := len(h.dev.Commands(wireprotocol.CmdPing)); after != before {
		t.Errorf("pings sent = %d, want %d", after, before)
	}
}

func TestRequestTimeoutRetries(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyBooter)
	h.dev.SetSilent(true)

	_, err := h.engine.GetFlashSectorMap(context.Background())
	if !errors.Is(err, wireprotocol.ErrNoReply) {
		t.Fatalf("GetFlashSectorMap() error = %v, want ErrNoReply", err)
	}

	var reqErr *wireprotocol.RequestError
	if !errors.As(err, &reqErr) || reqErr.Outcome != wireprotocol.OutcomeTimeout {
		t.Errorf("error = %#v, want timeout RequestError", err)
	}
	if n := len(h.dev.Commands(wireprotocol.CmdFlashSectorMap)); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestGetFlashSectorMap(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyBooter)
	h.connect(t)

	sectors, err := h.engine.GetFlashSectorMap(context.Background())
	if err != nil {
		t.Fatalf("GetFlashSectorMap() error = %v", err)
	}
	want := wiretest.DefaultSectors()
	if len(sectors) != len(want) {
		t.Fatalf("sectors = %d, want %d", len(sectors), len(want))
	}
	for i := range want {
		if sectors[i] != want[i] {
			t.Errorf("sector %d = %+v, want %+v", i, sectors[i], want[i])
		}
	}
}

func TestEraseThenWrite(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyBooter)
	h.connect(t)
	ctx := context.Background()
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	ok, err := h.engine.WriteMemory(ctx, 0x08010000, data)
	if err != nil || ok {
		t.Fatalf("WriteMemory() before erase = %v, %v; want false, nil", ok, err)
	}

	if ok, err := h.engine.EraseMemory(ctx, 0x08010000, 0x8000); err != nil || !ok {
		t.Fatalf("EraseMemory() = %v, %v", ok, err)
	}
	if ok, err := h.engine.WriteMemory(ctx, 0x08010000, data); err != nil || !ok {
		t.Fatalf("WriteMemory() = %v, %v", ok, err)
	}

	written := h.dev.Written()
	if len(written) != 1 || !bytes.Equal(written[0].Data, data) {
		t.Errorf("written = %+v", written)
	}
}

func TestNegativeReply(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyBooter)
	h.connect(t)
	h.dev.Nack(wireprotocol.CmdCheckSignature)

	ok, err := h.engine.CheckSignature(context.Background(), []byte{1, 2, 3}, 0)
	if err != nil {
		t.Fatalf("CheckSignature() error = %v", err)
	}
	if ok {
		t.Error("CheckSignature() = true for a NACK")
	}
}

func TestRebootAndReconnect(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyCLR)
	h.dev.RebootDelay = 50 * time.Millisecond
	h.connect(t)
	ctx := context.Background()

	if err := h.engine.RebootDevice(ctx, wireprotocol.RebootEnterBootloader); err != nil {
		t.Fatalf("RebootDevice() error = %v", err)
	}
	if h.engine.IsConnected() {
		t.Error("IsConnected() = true after reboot")
	}

	reboots := h.dev.Commands(wireprotocol.CmdReboot)
	if len(reboots) != 1 {
		t.Fatalf("reboot requests = %d", len(reboots))
	}
	if flags, _ := wireprotocol.DecodeU32(reboots[0].Payload); flags != wireprotocol.RebootFlagEnterBootloader {
		t.Errorf("reboot flags = %d", flags)
	}

	if !h.engine.TryToReconnect(ctx, 10, 50*time.Millisecond) {
		t.Fatal("TryToReconnect() = false")
	}
	if got := h.engine.ConnectionSource(); got != wireprotocol.SourceTinyBooter {
		t.Errorf("ConnectionSource() = %s, want TinyBooter", got)
	}
}

func TestDeviceMessagesAndNoise(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyCLR)
	h.connect(t)

	h.dev.SendMessage("Hello from device", true)
	select {
	case msg := <-h.message:
		if msg != "Hello from device" {
			t.Errorf("message = %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	h.dev.SendNoise([]byte("raw text\r\n"))
	deadline := time.Now().Add(time.Second)
	for {
		h.mu.Lock()
		got := string(h.noise)
		h.mu.Unlock()
		if got == "raw text\r\n" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("noise = %q", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRuntimeIntrospection(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyCLR)
	h.dev.Capabilities = wireprotocol.Capabilities{
		Flags: wireprotocol.CapSourceLevelDebugging | wireprotocol.CapAppDomains,
		Hal:   wireprotocol.HalSystemInfo{Vendor: "Acme", SKU: 3},
		Clr: wireprotocol.ClrInfo{
			Version:         wireprotocol.Version{Major: 4, Minor: 3},
			TargetFramework: wireprotocol.Version{Major: 4, Minor: 3, Build: 1},
		},
		Solution: wireprotocol.SolutionInfo{Vendor: "Solution"},
	}
	h.dev.AppDomains = []wireprotocol.AppDomainInfo{{ID: 1, Name: "default", Assemblies: []uint32{1, 2}}}
	h.dev.Assemblies = []wireprotocol.AssemblyInfo{
		{Index: 1, Name: "mscorlib", Version: wireprotocol.Version{Major: 4, Minor: 3}},
		{Index: 2, Name: "App"},
	}
	h.connect(t)
	ctx := context.Background()

	caps, err := h.engine.Capabilities(ctx)
	if err != nil {
		t.Fatalf("Capabilities() error = %v", err)
	}
	if !caps.Has(wireprotocol.CapSourceLevelDebugging) || caps.Hal.Vendor != "Acme" || caps.Solution.Vendor != "Solution" {
		t.Errorf("capabilities = %+v", caps)
	}
	if caps.Clr.TargetFramework.String() != "4.3.1.0" {
		t.Errorf("target framework = %s", caps.Clr.TargetFramework)
	}

	if _, err := h.engine.Capabilities(ctx); err != nil {
		t.Fatalf("Capabilities() second call error = %v", err)
	}
	if n := len(h.dev.Commands(wireprotocol.CmdQueryCapabilities)); n != 4 {
		t.Errorf("capability queries = %d, want 4 (cached)", n)
	}

	ids, err := h.engine.GetAppDomains(ctx)
	if err != nil || len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("GetAppDomains() = %v, %v", ids, err)
	}
	ad, err := h.engine.ResolveAppDomain(ctx, 1)
	if err != nil {
		t.Fatalf("ResolveAppDomain() error = %v", err)
	}
	if ad.Name != "default" || len(ad.Assemblies) != 2 {
		t.Errorf("app domain = %+v", ad)
	}

	asms, err := h.engine.ResolveAllAssemblies(ctx)
	if err != nil {
		t.Fatalf("ResolveAllAssemblies() error = %v", err)
	}
	if len(asms) != 2 || asms[0].Name != "mscorlib" || asms[0].Version.Major != 4 {
		t.Errorf("assemblies = %+v", asms)
	}

	if ok, err := h.engine.PauseExecution(ctx); err != nil || !ok || !h.dev.Paused() {
		t.Errorf("PauseExecution() = %v, %v; paused = %v", ok, err, h.dev.Paused())
	}
	if ok, err := h.engine.ResumeExecution(ctx); err != nil || !ok || h.dev.Paused() {
		t.Errorf("ResumeExecution() = %v, %v; paused = %v", ok, err, h.dev.Paused())
	}
}

func TestRuntimeCommandsNeedRuntime(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyBooter)
	h.connect(t)

	if _, err := h.engine.Capabilities(context.Background()); !errors.Is(err, wireprotocol.ErrNotConnected) {
		t.Errorf("Capabilities() error = %v, want ErrNotConnected", err)
	}
	if _, err := h.engine.PauseExecution(context.Background()); !errors.Is(err, wireprotocol.ErrNotConnected) {
		t.Errorf("PauseExecution() error = %v, want ErrNotConnected", err)
	}
}

func TestOemInfo(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyBooter)
	h.connect(t)

	info, err := h.engine.GetOemInfo(context.Background())
	if err != nil {
		t.Fatalf("GetOemInfo() error = %v", err)
	}
	if info.Info != "wiretest bootloader" || info.Version.String() != "4.3.1.0" {
		t.Errorf("oem info = %+v", info)
	}
}

func TestStoppedEngineFailsFast(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyBooter)
	h.connect(t)
	h.engine.Stop()

	select {
	case <-h.engine.Done():
	default:
		t.Fatal("Done() not closed after Stop")
	}

	_, err := h.engine.GetFlashSectorMap(context.Background())
	var reqErr *wireprotocol.RequestError
	if !errors.As(err, &reqErr) || reqErr.Outcome != wireprotocol.OutcomeFatal {
		t.Errorf("GetFlashSectorMap() error = %v, want fatal RequestError", err)
	}
	if h.engine.IsConnected() {
		t.Error("IsConnected() = true after Stop")
	}
}

func TestContextCancelStopsRequest(t *testing.T) {
	h := newHarness(t, wireprotocol.PingSourceTinyBooter)
	h.connect(t)
	h.dev.SetSilent(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.engine.EraseMemory(ctx, 0x08010000, 0x8000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("EraseMemory() error = %v, want DeadlineExceeded", err)
	}
}
