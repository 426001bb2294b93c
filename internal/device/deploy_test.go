package device

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mfdeploy/internal/wireprotocol"
	"mfdeploy/internal/wireprotocol/wiretest"
)

type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (l *progressLog) observe(ev Event) {
	if ev.Type != EventProgress {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, ev.Progress)
	l.mu.Unlock()
}

func (l *progressLog) with(prefix string) []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Progress
	for _, p := range l.events {
		if strings.HasPrefix(p.Status, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// indexOf returns the position of the first request matching fn, or -1
func indexOf(reqs []wiretest.Request, fn func(wiretest.Request) bool) int {
	for i, r := range reqs {
		if fn(r) {
			return i
		}
	}
	return -1
}

func TestDeployWritesAfterErase(t *testing.T) {
	dev := wiretest.New(wireprotocol.PingSourceTinyBooter, wiretest.DefaultSectors())
	s, _ := newTestSession(t, dev)
	connectSession(t, s)

	var progress progressLog
	defer s.Subscribe(progress.observe)()

	image := writeImage(t, 0x08010001, block(0x08010000, 3000))
	entry, err := s.Deploy(context.Background(), image, "")
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if entry != 0x08010001 {
		t.Errorf("entry point = 0x%x", entry)
	}

	written := dev.Written()
	wantAddrs := []uint32{0x08010000, 0x08010400, 0x08010800}
	if len(written) != len(wantAddrs) {
		t.Fatalf("writes = %d, want %d", len(written), len(wantAddrs))
	}
	for i, w := range written {
		if w.Address != wantAddrs[i] {
			t.Errorf("write[%d] address = 0x%x, want 0x%x", i, w.Address, wantAddrs[i])
		}
	}
	if written[2].Length != 3000-2048 {
		t.Errorf("last chunk length = %d", written[2].Length)
	}

	reqs := dev.Requests()
	for i, r := range reqs {
		if r.Command != wireprotocol.CmdWriteMemory {
			continue
		}
		wr, _ := wireprotocol.DecodeWriteRequest(r.Payload)
		erasedBefore := indexOf(reqs[:i], func(e wiretest.Request) bool {
			if e.Command != wireprotocol.CmdEraseMemory {
				return false
			}
			er, _ := wireprotocol.DecodeEraseRequest(e.Payload)
			return wr.Address >= er.Address && wr.Address+wr.Length <= er.Address+er.Length
		})
		if erasedBefore < 0 {
			t.Errorf("write at 0x%x was not preceded by an erase", wr.Address)
		}
	}

	sigs := dev.Commands(wireprotocol.CmdCheckSignature)
	if len(sigs) != 1 {
		t.Fatalf("signature checks = %d, want 1", len(sigs))
	}
	_, sig, _ := wireprotocol.DecodeSignatureRequest(sigs[0].Payload)
	if !bytes.Equal(sig, make([]byte, emptySignatureSize)) {
		t.Errorf("signature = %x, want %d zero bytes", sig, emptySignatureSize)
	}

	flashing := progress.with("Flashing")
	if len(flashing) != 3 {
		t.Fatalf("flashing progress events = %d, want 3", len(flashing))
	}
	last := flashing[len(flashing)-1]
	if last.Value != 3000 || last.Total != 3000 {
		t.Errorf("final progress = %d/%d", last.Value, last.Total)
	}
	for i := 1; i < len(flashing); i++ {
		if flashing[i].Value <= flashing[i-1].Value {
			t.Errorf("progress not increasing: %v", flashing)
		}
	}
}

func TestDeployFailedEraseSkipsWrites(t *testing.T) {
	dev := wiretest.New(wireprotocol.PingSourceTinyBooter, wiretest.DefaultSectors())
	dev.NackEraseAt(0x08010100)
	s, _ := newTestSession(t, dev)
	connectSession(t, s)

	image := writeImage(t, 0, block(0x08010100, 512))
	_, err := s.Deploy(context.Background(), image, "")

	var eraseErr *EraseFailureError
	if !errors.As(err, &eraseErr) {
		t.Fatalf("Deploy() error = %v, want EraseFailureError", err)
	}
	if eraseErr.Address != 0x08010100 {
		t.Errorf("failed address = 0x%x", eraseErr.Address)
	}
	if n := len(dev.Commands(wireprotocol.CmdWriteMemory)); n != 0 {
		t.Errorf("write requests = %d, want 0", n)
	}
	if UserMessage(err) != "Erase failed" {
		t.Errorf("UserMessage() = %q", UserMessage(err))
	}
}

func TestDeployBlockOutsideDeploymentUsesBootloader(t *testing.T) {
	dev := wiretest.New(wireprotocol.PingSourceTinyCLR, wiretest.DefaultSectors())
	dev.Capabilities.Flags = wireprotocol.CapSourceLevelDebugging
	dev.RebootDelay = 30 * time.Millisecond
	s, _ := newTestSession(t, dev)
	connectSession(t, s)

	image := writeImage(t, 0, block(0x08010000, 512), block(0x08008000, 512))
	if _, err := s.Deploy(context.Background(), image, ""); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	reqs := dev.Requests()
	reboot := indexOf(reqs, func(r wiretest.Request) bool { return r.Command == wireprotocol.CmdReboot })
	if reboot < 0 {
		t.Fatal("no reboot into the bootloader")
	}
	if flags, _ := wireprotocol.DecodeU32(reqs[reboot].Payload); flags != wireprotocol.RebootFlagEnterBootloader {
		t.Errorf("reboot flags = %d", flags)
	}

	writes := dev.Commands(wireprotocol.CmdWriteMemory)
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}
	for _, w := range writes {
		if w.Source != wireprotocol.PingSourceTinyBooter {
			wr, _ := wireprotocol.DecodeWriteRequest(w.Payload)
			t.Errorf("write at 0x%x sent while device source = %d", wr.Address, w.Source)
		}
	}
	firstWrite := indexOf(reqs, func(r wiretest.Request) bool { return r.Command == wireprotocol.CmdWriteMemory })
	if firstWrite < reboot {
		t.Errorf("write (request %d) before reboot (request %d)", firstWrite, reboot)
	}
	if s.State() != StateConnectedBootloader {
		t.Errorf("State() = %s", s.State())
	}
}

func TestDeployCancelBetweenChunks(t *testing.T) {
	dev := wiretest.New(wireprotocol.PingSourceTinyBooter, wiretest.DefaultSectors())
	s, _ := newTestSession(t, dev, WithChunkSize(256))
	connectSession(t, s)

	defer s.Subscribe(func(ev Event) {
		if ev.Type == EventProgress && strings.HasPrefix(ev.Progress.Status, "Flashing") && ev.Progress.Value == 3*256 {
			s.Cancel()
		}
	})()

	image := writeImage(t, 0, block(0x08010000, 10*256))
	_, err := s.Deploy(context.Background(), image, "")
	if !errors.Is(err, ErrUserExit) {
		t.Fatalf("Deploy() error = %v, want ErrUserExit", err)
	}
	if !IsUserExit(err) {
		t.Error("IsUserExit() = false")
	}
	if n := len(dev.Commands(wireprotocol.CmdWriteMemory)); n != 3 {
		t.Errorf("write requests = %d, want 3", n)
	}
	if n := len(dev.Commands(wireprotocol.CmdCheckSignature)); n != 0 {
		t.Errorf("signature checks = %d, want 0", n)
	}

	// Still cancelled until reset.
	if _, err := s.Deploy(context.Background(), image, ""); !errors.Is(err, ErrUserExit) {
		t.Errorf("second Deploy() error = %v, want ErrUserExit", err)
	}
}

func TestDeployRejected(t *testing.T) {
	tests := []struct {
		name  string
		nack  uint32
		check func(t *testing.T, err error)
	}{
		{
			name: "write",
			nack: wireprotocol.CmdWriteMemory,
			check: func(t *testing.T, err error) {
				var target *DeployFailureError
				if !errors.As(err, &target) || target.Address != 0x08010000 {
					t.Errorf("error = %v, want DeployFailureError at 0x08010000", err)
				}
			},
		},
		{
			name: "signature",
			nack: wireprotocol.CmdCheckSignature,
			check: func(t *testing.T, err error) {
				var target *SignatureFailureError
				if !errors.As(err, &target) || target.Address != 0x08010000 {
					t.Errorf("error = %v, want SignatureFailureError at 0x08010000", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := wiretest.New(wireprotocol.PingSourceTinyBooter, wiretest.DefaultSectors())
			dev.Nack(tt.nack)
			s, _ := newTestSession(t, dev)
			connectSession(t, s)

			image := writeImage(t, 0, block(0x08010000, 100))
			_, err := s.Deploy(context.Background(), image, "")
			tt.check(t, err)
		})
	}
}

func TestDeployLostDevice(t *testing.T) {
	dev := wiretest.New(wireprotocol.PingSourceTinyBooter, wiretest.DefaultSectors())
	s, _ := newTestSession(t, dev)
	connectSession(t, s)

	dev.OnRequest(func(r wiretest.Request) {
		if r.Command == wireprotocol.CmdWriteMemory {
			dev.SetSilent(true)
		}
	})

	image := writeImage(t, 0, block(0x08010000, 100))
	_, err := s.Deploy(context.Background(), image, "")
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Deploy() error = %v, want ErrNoResponse", err)
	}
	if !errors.Is(err, wireprotocol.ErrNoReply) {
		t.Errorf("cause not kept: %v", err)
	}
}
