// internal/device/erase.go
package device

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mfdeploy/internal/wireprotocol"
)

// EraseOption selects flash regions; options combine bitwise
type EraseOption int

const (
	EraseDeployment EraseOption = 1 << iota
	EraseUserStorage
	EraseFileSystem

	EraseAll = EraseDeployment | EraseUserStorage | EraseFileSystem
)

// ParseEraseOption maps a region name to its option
func ParseEraseOption(name string) (EraseOption, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "deployment":
		return EraseDeployment, nil
	case "user_storage", "userstorage", "storage":
		return EraseUserStorage, nil
	case "file_system", "filesystem", "fs":
		return EraseFileSystem, nil
	case "all":
		return EraseAll, nil
	}
	return 0, fmt.Errorf("unknown erase region %q", name)
}

func (o EraseOption) String() string {
	var parts []string
	if o&EraseDeployment != 0 {
		parts = append(parts, "deployment")
	}
	if o&EraseUserStorage != 0 {
		parts = append(parts, "user_storage")
	}
	if o&EraseFileSystem != 0 {
		parts = append(parts, "file_system")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// matches reports whether a sector falls in the selected regions
func (o EraseOption) matches(sector wireprotocol.FlashSector) bool {
	switch sector.Kind() {
	case wireprotocol.FlashUsageDeployment:
		return o&EraseDeployment != 0
	case wireprotocol.FlashUsageStorageA, wireprotocol.FlashUsageStorageB:
		return o&EraseUserStorage != 0
	case wireprotocol.FlashUsageFileSystem:
		return o&EraseFileSystem != 0
	}
	return false
}

// Erase clears the selected flash regions, all of them when options is
// zero. Progress is reported once per erased sector.
func (s *Session) Erase(ctx context.Context, options EraseOption) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return s.erase(ctx, options, false)
}

// erase runs the erase sequence. Within a deploy the device is left in the
// mode the writes need instead of being resumed afterwards.
func (s *Session) erase(ctx context.Context, options EraseOption, withinDeploy bool) error {
	if options == 0 {
		options = EraseAll
	}

	engine, err := s.requireEngine()
	if err != nil {
		return err
	}
	if !engine.TryToConnect(ctx, 5, s.settings.PingTimeout, true, wireprotocol.SourceUnknown) {
		return s.failure(ctx, "connect", nil)
	}
	s.refreshState()

	reset := false
	if !s.IsClrDebuggerEnabled(ctx) {
		reset = engine.ConnectionSource() == wireprotocol.SourceTinyCLR
		if _, err := s.connectToTinyBooter(ctx); err != nil {
			return err
		}
		if engine, err = s.requireEngine(); err != nil {
			return err
		}
	}

	sectors, err := engine.GetFlashSectorMap(ctx)
	if err != nil {
		return s.failure(ctx, "flash sector map", err)
	}

	ping, err := engine.GetConnectionSource(ctx)
	if err != nil {
		return s.failure(ctx, "ping", err)
	}
	runtime := ping.Source == wireprotocol.SourceTinyCLR
	if runtime {
		if _, err := engine.PauseExecution(ctx); err != nil {
			return s.failure(ctx, "pause", err)
		}
	}

	var selected []wireprotocol.FlashSector
	for _, sec := range sectors {
		if err := s.checkCancel(ctx); err != nil {
			return err
		}
		if options.matches(sec) {
			selected = append(selected, sec)
		}
	}

	s.logger.Info("Erasing flash",
		zap.Stringer("regions", options),
		zap.Int("sectors", len(selected)),
	)

	total := int64(len(selected))
	var failed *EraseFailureError
	for i, sec := range selected {
		if err := s.checkCancel(ctx); err != nil {
			return err
		}
		ok, err := engine.EraseMemory(ctx, sec.Start, sec.Length)
		if err != nil {
			return s.failure(ctx, "erase", err)
		}
		if !ok && failed == nil {
			failed = &EraseFailureError{Address: sec.Start, Length: sec.Length}
		}
		s.progress(int64(i+1), total, fmt.Sprintf("Erasing sector 0x%08x", sec.Start))
	}

	if withinDeploy {
		if failed != nil {
			return failed
		}
		return nil
	}

	if reset {
		if _, err := engine.ExecuteMemory(ctx, 0); err != nil {
			s.logger.Debug("Resume after erase failed", zap.Error(err))
		}
	}
	if runtime {
		s.progress(0, 0, "Rebooting")
		if err := engine.RebootDevice(ctx, wireprotocol.RebootClrOnly); err != nil {
			return s.failure(ctx, "reboot", err)
		}
		if engine.TryToReconnect(ctx, s.settings.ReconnectAttempts, s.settings.ReconnectInterval) {
			if _, err := engine.ResumeExecution(ctx); err != nil {
				s.logger.Debug("Resume after reboot failed", zap.Error(err))
			}
		}
	}
	s.refreshState()

	if failed != nil {
		return failed
	}
	return nil
}
