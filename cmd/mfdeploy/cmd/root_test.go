package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"mfdeploy/internal/device"
	"mfdeploy/internal/model"
	"mfdeploy/internal/wireprotocol"
	"mfdeploy/internal/wireprotocol/wiretest"
)

func run(t *testing.T, dev *wiretest.Device, args ...string) (string, error) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	o := &rootOptions{
		opener: func(ctx context.Context, port model.PortDefinition) (device.Stream, error) {
			return dev.Connect(logger), nil
		},
	}

	var out bytes.Buffer
	root := newRootCommand(o)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeImage(t *testing.T, entry, addr uint32, size int) string {
	t.Helper()
	line := func(typ byte, addr uint32, data []byte) string {
		raw := []byte{byte(4 + len(data) + 1), byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
		raw = append(raw, data...)
		var sum byte
		for _, b := range raw {
			sum += b
		}
		return fmt.Sprintf("S%c%X\n", typ, append(raw, ^sum))
	}

	var content strings.Builder
	data := make([]byte, size)
	for off := 0; off < size; off += 32 {
		end := min(off+32, size)
		content.WriteString(line('3', addr+uint32(off), data[off:end]))
	}
	content.WriteString(line('7', entry, nil))

	path := filepath.Join(t.TempDir(), "app.hex")
	if err := os.WriteFile(path, []byte(content.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDeviceCommands(t *testing.T) {
	image := writeImage(t, 0x08010001, 0x08010000, 512)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"ping", []string{"ping"}, []string{"TinyBooter"}},
		{"oeminfo", []string{"oeminfo"}, []string{"wiretest bootloader", "Version"}},
		{"erase all", []string{"erase"}, []string{"Erased deployment"}},
		{"erase region", []string{"erase", "--region", "deployment"}, []string{"Erased deployment"}},
		{"execute", []string{"execute", "0x08010001"}, []string{"Executing at 0x08010001"}},
		{"deploy", []string{"deploy", image}, []string{"entry point 0x08010001"}},
		{"deploy and execute", []string{"deploy", image, "--execute"}, []string{"entry point 0x08010001", "Executing at 0x08010001"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := wiretest.New(wireprotocol.PingSourceTinyBooter, wiretest.DefaultSectors())
			out, err := run(t, dev, append([]string{"--port", "tcp:192.168.1.50"}, tt.args...)...)
			if err != nil {
				t.Fatalf("%v: error = %v\noutput:\n%s", tt.args, err, out)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("%v: output missing %q:\n%s", tt.args, want, out)
				}
			}
		})
	}
}

func TestDeployWritesImage(t *testing.T) {
	dev := wiretest.New(wireprotocol.PingSourceTinyBooter, wiretest.DefaultSectors())
	image := writeImage(t, 0x08010001, 0x08010000, 2048)

	if out, err := run(t, dev, "--port", "tcp:192.168.1.50", "--chunk-size", "512", "deploy", image); err != nil {
		t.Fatalf("deploy error = %v\n%s", err, out)
	}
	if got := len(dev.Commands(wireprotocol.CmdWriteMemory)); got != 4 {
		t.Errorf("write commands = %d, want 4", got)
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing port", []string{"ping"}, "--port is required"},
		{"bad port", []string{"--port", "tcp:nowhere", "ping"}, "invalid IP address"},
		{"bad region", []string{"--port", "tcp:192.168.1.50", "erase", "--region", "everything"}, "everything"},
		{"bad address", []string{"--port", "tcp:192.168.1.50", "execute", "main"}, "invalid address"},
		{"runtime only", []string{"--port", "tcp:192.168.1.50", "info"}, "Device must be running the runtime"},
		{"bad kind", []string{"ports", "--kind", "bluetooth"}, "unsupported scan type"},
		{"bad chunk size", []string{"--chunk-size", "70000", "ping"}, "chunk_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := wiretest.New(wireprotocol.PingSourceTinyBooter, wiretest.DefaultSectors())
			_, err := run(t, dev, tt.args...)
			if err == nil {
				t.Fatalf("%v: expected an error", tt.args)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("%v: error = %v, want it to mention %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestDeviceErrorsShowFixedMessage(t *testing.T) {
	dev := wiretest.New(wireprotocol.PingSourceTinyBooter, wiretest.DefaultSectors())
	_, err := run(t, dev, "--port", "tcp:192.168.1.50", "info")
	if err == nil {
		t.Fatal("expected an error")
	}
	if err.Error() != "Device must be running the runtime" {
		t.Errorf("error = %q, want only the fixed message", err.Error())
	}
}

func TestUnresponsiveDevice(t *testing.T) {
	dev := wiretest.New(wireprotocol.PingSourceTinyBooter, wiretest.DefaultSectors())
	dev.SetSilent(true)

	_, err := run(t, dev, "--port", "tcp:192.168.1.50", "--timeout", "200ms", "ping")
	if err == nil || !strings.Contains(err.Error(), "did not respond") {
		t.Errorf("error = %v, want did not respond", err)
	}
}
