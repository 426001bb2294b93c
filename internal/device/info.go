// internal/device/info.go
package device

import (
	"context"

	"mfdeploy/internal/wireprotocol"
)

// Info describes a device running the runtime
type Info struct {
	Capabilities wireprotocol.CapabilityFlags `json:"capabilities"`
	Hal          wireprotocol.HalSystemInfo   `json:"hal"`
	Clr          wireprotocol.ClrInfo         `json:"clr"`
	Solution     wireprotocol.SolutionInfo    `json:"solution"`
	AppDomains   []wireprotocol.AppDomainInfo `json:"app_domains"`
	Assemblies   []wireprotocol.AssemblyInfo  `json:"assemblies"`
}

// DeviceInfo gathers the runtime description. The result is cached until
// the connection state changes.
func (s *Session) DeviceInfo(ctx context.Context) (*Info, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	cached := s.info
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	engine, err := s.runtimeEngine()
	if err != nil {
		return nil, err
	}
	caps, err := engine.Capabilities(ctx)
	if err != nil {
		return nil, s.failure(ctx, "capabilities", err)
	}

	info := &Info{
		Capabilities: caps.Flags,
		Hal:          caps.Hal,
		Clr:          caps.Clr,
		Solution:     caps.Solution,
	}

	if err := s.forEachAppDomain(ctx, engine, caps, func(ad wireprotocol.AppDomainInfo) error {
		info.AppDomains = append(info.AppDomains, ad)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := s.forEachAssembly(ctx, engine, caps, func(a wireprotocol.AssemblyInfo) error {
		info.Assemblies = append(info.Assemblies, a)
		return nil
	}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	return info, nil
}

func (s *Session) runtimeEngine() (*wireprotocol.Engine, error) {
	engine, err := s.requireEngine()
	if err != nil {
		return nil, err
	}
	if !engine.IsConnected() || engine.ConnectionSource() != wireprotocol.SourceTinyCLR {
		return nil, ErrNotRuntime
	}
	return engine, nil
}

// ForEachAppDomain calls fn for every app domain. Runtimes without app
// domain support yield nothing.
func (s *Session) ForEachAppDomain(ctx context.Context, fn func(wireprotocol.AppDomainInfo) error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	engine, err := s.runtimeEngine()
	if err != nil {
		return err
	}
	caps, err := engine.Capabilities(ctx)
	if err != nil {
		return s.failure(ctx, "capabilities", err)
	}
	return s.forEachAppDomain(ctx, engine, caps, fn)
}

func (s *Session) forEachAppDomain(ctx context.Context, engine *wireprotocol.Engine, caps *wireprotocol.Capabilities, fn func(wireprotocol.AppDomainInfo) error) error {
	if !caps.Has(wireprotocol.CapAppDomains) {
		return nil
	}
	ids, err := engine.GetAppDomains(ctx)
	if err != nil {
		return s.failure(ctx, "app domains", err)
	}
	for _, id := range ids {
		ad, err := engine.ResolveAppDomain(ctx, id)
		if err != nil {
			return s.failure(ctx, "resolve app domain", err)
		}
		if err := fn(*ad); err != nil {
			return err
		}
	}
	return nil
}

// ForEachAssembly calls fn for every loaded assembly, annotated with the
// names of the app domains that load it.
func (s *Session) ForEachAssembly(ctx context.Context, fn func(wireprotocol.AssemblyInfo) error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	engine, err := s.runtimeEngine()
	if err != nil {
		return err
	}
	caps, err := engine.Capabilities(ctx)
	if err != nil {
		return s.failure(ctx, "capabilities", err)
	}
	return s.forEachAssembly(ctx, engine, caps, fn)
}

func (s *Session) forEachAssembly(ctx context.Context, engine *wireprotocol.Engine, caps *wireprotocol.Capabilities, fn func(wireprotocol.AssemblyInfo) error) error {
	loadedBy := make(map[uint32][]string)
	if err := s.forEachAppDomain(ctx, engine, caps, func(ad wireprotocol.AppDomainInfo) error {
		for _, idx := range ad.Assemblies {
			loadedBy[idx] = append(loadedBy[idx], ad.Name)
		}
		return nil
	}); err != nil {
		return err
	}

	assemblies, err := engine.ResolveAllAssemblies(ctx)
	if err != nil {
		return s.failure(ctx, "resolve assemblies", err)
	}
	for _, a := range assemblies {
		a.AppDomains = loadedBy[a.Index]
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}
