package discovery

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

type stubScanner struct {
	kind      string
	available bool
	ports     []model.PortDefinition
	err       error
}

func (s *stubScanner) Scan(ctx context.Context) ([]model.PortDefinition, error) { return s.ports, s.err }
func (s *stubScanner) GetScannerType() string                                  { return s.kind }
func (s *stubScanner) IsAvailable() bool                                       { return s.available }

func TestScanAll(t *testing.T) {
	sm := NewScannerManager(zap.NewNop())
	sm.RegisterScanner(&stubScanner{kind: "serial", available: true, ports: []model.PortDefinition{model.NewSerialPort("COM3", 0)}})
	sm.RegisterScanner(&stubScanner{kind: "usb", available: true, err: errors.New("boom")})
	sm.RegisterScanner(&stubScanner{kind: "tcp", available: false, ports: []model.PortDefinition{model.NewTCPPort("10.0.0.1", 0, "")}})

	ports, err := sm.ScanAll(context.Background())
	if err != nil {
		t.Fatalf("ScanAll() error = %v", err)
	}
	if len(ports) != 1 || ports[0].UniqueID != "COM3" {
		t.Errorf("ScanAll() = %+v", ports)
	}

	if got := sm.GetAvailableScanners(); len(got) != 2 || got[0] != "serial" || got[1] != "usb" {
		t.Errorf("GetAvailableScanners() = %v", got)
	}

	if _, err := sm.ScanByType(context.Background(), "tcp"); err == nil {
		t.Error("ScanByType(unavailable) returned no error")
	}
	if _, err := sm.ScanByType(context.Background(), "bluetooth"); err == nil {
		t.Error("ScanByType(unknown) returned no error")
	}
	if _, err := sm.ScanByType(context.Background(), "usb"); err == nil {
		t.Error("ScanByType(failing) returned no error")
	}
}

func TestFind(t *testing.T) {
	usbPort := model.NewUSBPort(model.USBParams{Product: "Board", DeviceHash: "abc"})
	sm := NewScannerManager(zap.NewNop())
	sm.RegisterScanner(&stubScanner{kind: "usb", available: true, ports: []model.PortDefinition{usbPort}})

	for _, name := range []string{"abc", "Board_abc"} {
		got, err := sm.Find(context.Background(), model.PortKindUSB, name)
		if err != nil || got.UniqueID != "abc" {
			t.Errorf("Find(%q) = %+v, %v", name, got, err)
		}
	}
	if _, err := sm.Find(context.Background(), model.PortKindUSB, "missing"); err == nil {
		t.Error("Find(missing) returned no error")
	}
}

func TestDedupDisplayNames(t *testing.T) {
	in := []model.PortDefinition{
		model.NewSerialPort("A", 0),
		model.NewSerialPort("B", 0),
		model.NewSerialPort("A", 0),
		model.NewSerialPort("A", 0),
	}
	out := DedupDisplayNames(in)

	want := []string{"A", "B", "A (2)", "A (3)"}
	for i, p := range out {
		if p.DisplayName != want[i] {
			t.Errorf("out[%d] = %q, want %q", i, p.DisplayName, want[i])
		}
	}
	if in[2].DisplayName != "A" {
		t.Error("input slice was modified")
	}
}

func TestDedupDisplayNamesSkipsExistingSuffix(t *testing.T) {
	in := []model.PortDefinition{
		model.NewSerialPort("a", 0),
		model.NewSerialPort("a", 0),
		model.NewSerialPort("a (2)", 0),
		model.NewSerialPort("a", 0),
	}
	out := DedupDisplayNames(in)

	want := []string{"a", "a (3)", "a (2)", "a (4)"}
	seen := make(map[string]bool)
	for i, p := range out {
		if p.DisplayName != want[i] {
			t.Errorf("out[%d] = %q, want %q", i, p.DisplayName, want[i])
		}
		if seen[p.DisplayName] {
			t.Errorf("duplicate display name %q", p.DisplayName)
		}
		seen[p.DisplayName] = true
	}
}
