package device

import (
	"testing"
	"time"

	"mfdeploy/internal/config"
	"mfdeploy/internal/model"
)

func TestSettingsFallBackToDefaults(t *testing.T) {
	s := NewSession(model.NewSerialPort("COM3", 0), WithSettings(Settings{BootloaderRetries: 3}))
	def := DefaultSettings()

	if s.settings.PingTimeout != def.PingTimeout {
		t.Errorf("PingTimeout = %v, want %v", s.settings.PingTimeout, def.PingTimeout)
	}
	if s.settings.BootloaderConnectTimeout != def.BootloaderConnectTimeout {
		t.Errorf("BootloaderConnectTimeout = %v, want %v", s.settings.BootloaderConnectTimeout, def.BootloaderConnectTimeout)
	}
	if s.settings.ChunkSize != def.ChunkSize {
		t.Errorf("ChunkSize = %d, want %d", s.settings.ChunkSize, def.ChunkSize)
	}
	if s.settings.BootloaderRetries != 3 || s.settings.RequestRetries != 0 {
		t.Errorf("retry counts changed: %+v", s.settings)
	}
}

func TestSettingsFromConfig(t *testing.T) {
	st := SettingsFromConfig(config.DeviceConfig{
		PingTimeout:              20 * time.Millisecond,
		BootloaderConnectTimeout: 90 * time.Second,
		RequestRetries:           -1,
	})

	if st.PingTimeout != 20*time.Millisecond {
		t.Errorf("PingTimeout = %v", st.PingTimeout)
	}
	if st.BootloaderConnectTimeout != 90*time.Second {
		t.Errorf("BootloaderConnectTimeout = %v, want 90s", st.BootloaderConnectTimeout)
	}
	if st.RequestRetries != DefaultSettings().RequestRetries {
		t.Errorf("RequestRetries = %d", st.RequestRetries)
	}
}
