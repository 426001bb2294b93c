// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

// PortScanner enumerates the ports of one kind
type PortScanner interface {
	Scan(ctx context.Context) ([]model.PortDefinition, error)
	GetScannerType() string
	IsAvailable() bool
}

// ScannerManager runs the registered scanners
type ScannerManager struct {
	mu       sync.RWMutex
	scanners map[string]PortScanner
	order    []string
	logger   *zap.Logger
}

// NewScannerManager creates an empty scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		scanners: make(map[string]PortScanner),
		logger:   logger,
	}
}

// RegisterScanner adds or replaces the scanner for its type
func (sm *ScannerManager) RegisterScanner(scanner PortScanner) {
	scannerType := scanner.GetScannerType()

	sm.mu.Lock()
	if _, exists := sm.scanners[scannerType]; !exists {
		sm.order = append(sm.order, scannerType)
	}
	sm.scanners[scannerType] = scanner
	sm.mu.Unlock()

	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

func (sm *ScannerManager) registered() []PortScanner {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]PortScanner, 0, len(sm.order))
	for _, t := range sm.order {
		out = append(out, sm.scanners[t])
	}
	return out
}

// ScanAll runs every available scanner in registration order. A failing
// scanner is logged and skipped; an empty result is not an error.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]model.PortDefinition, error) {
	ports := []model.PortDefinition{}

	for _, scanner := range sm.registered() {
		scannerType := scanner.GetScannerType()
		if err := ctx.Err(); err != nil {
			return ports, err
		}
		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		found, err := scanner.Scan(ctx)
		if err != nil {
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}

		ports = append(ports, found...)
		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("ports_found", len(found)),
		)
	}

	return ports, nil
}

// ScanByType runs a single scanner
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]model.PortDefinition, error) {
	sm.mu.RLock()
	scanner, exists := sm.scanners[scannerType]
	sm.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("scanner type not found: %s", scannerType)
	}
	if !scanner.IsAvailable() {
		return nil, fmt.Errorf("scanner not available: %s", scannerType)
	}

	ports, err := scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s ports: %w", scannerType, err)
	}
	if ports == nil {
		ports = []model.PortDefinition{}
	}
	return ports, nil
}

// GetAvailableScanners returns the sorted types of the usable scanners
func (sm *ScannerManager) GetAvailableScanners() []string {
	available := []string{}
	for _, scanner := range sm.registered() {
		if scanner.IsAvailable() {
			available = append(available, scanner.GetScannerType())
		}
	}
	sort.Strings(available)
	return available
}

// Find scans for a port whose unique id or display name is name
func (sm *ScannerManager) Find(ctx context.Context, kind model.PortKind, name string) (model.PortDefinition, error) {
	ports, err := sm.ScanAll(ctx)
	if err != nil {
		return model.PortDefinition{}, err
	}
	for _, p := range ports {
		if p.Kind == kind && (p.UniqueID == name || p.DisplayName == name) {
			return p, nil
		}
	}
	return model.PortDefinition{}, fmt.Errorf("%s port %q not found", kind, name)
}

// DedupDisplayNames renames repeated display names to "name (2)",
// "name (3)" and so on, keeping the first occurrence unchanged. A suffix
// that is already some port's name is skipped.
func DedupDisplayNames(ports []model.PortDefinition) []model.PortDefinition {
	taken := make(map[string]bool, len(ports))
	for _, p := range ports {
		taken[p.DisplayName] = true
	}

	used := make(map[string]bool, len(ports))
	next := make(map[string]int)
	out := make([]model.PortDefinition, 0, len(ports))
	for _, p := range ports {
		name := p.DisplayName
		if used[name] {
			n := max(next[name], 2)
			candidate := fmt.Sprintf("%s (%d)", name, n)
			for taken[candidate] || used[candidate] {
				n++
				candidate = fmt.Sprintf("%s (%d)", name, n)
			}
			next[name] = n + 1
			p = p.WithDisplayName(candidate)
			name = candidate
		}
		used[name] = true
		out = append(out, p)
	}
	return out
}
