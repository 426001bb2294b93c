// internal/wireprotocol/debug.go
package wireprotocol

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Runtime-only debugging commands. These fail with ErrNotConnected when
// the device is not running the runtime.

func (e *Engine) requireRuntime() error {
	if e.ConnectionSource() != SourceTinyCLR {
		return ErrNotConnected
	}
	return nil
}

func (e *Engine) changeConditions(ctx context.Context, set, reset uint32) (bool, error) {
	if err := e.requireRuntime(); err != nil {
		return false, err
	}
	payload := (&payloadWriter{}).u32(set).u32(reset).Bytes()
	reply, err := e.call(ctx, CmdChangeConditions, payload)
	if err != nil {
		return false, err
	}
	return reply.Acked(), nil
}

// PauseExecution stops the managed runtime
func (e *Engine) PauseExecution(ctx context.Context) (bool, error) {
	return e.changeConditions(ctx, ConditionStopped, 0)
}

// ResumeExecution restarts a paused runtime
func (e *Engine) ResumeExecution(ctx context.Context) (bool, error) {
	return e.changeConditions(ctx, 0, ConditionStopped)
}

func (e *Engine) queryCapability(ctx context.Context, kind uint32) (*payloadReader, error) {
	reply, err := e.call(ctx, CmdQueryCapabilities, (&payloadWriter{}).u32(kind).Bytes())
	if err != nil {
		return nil, err
	}
	if !reply.Acked() {
		return nil, fmt.Errorf("capability query %d rejected", kind)
	}
	return newPayloadReader(reply.Payload), nil
}

// Capabilities queries the runtime description once per connection
func (e *Engine) Capabilities(ctx context.Context) (*Capabilities, error) {
	if err := e.requireRuntime(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	cached := e.capabilities
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	caps := &Capabilities{}

	r, err := e.queryCapability(ctx, CapabilityQueryFlags)
	if err != nil {
		return nil, err
	}
	caps.Flags = CapabilityFlags(r.u32())
	if r.err != nil {
		return nil, fmt.Errorf("failed to decode capability flags: %w", r.err)
	}

	if r, err = e.queryCapability(ctx, CapabilityQueryHalInfo); err != nil {
		return nil, err
	}
	caps.Hal = HalSystemInfo{
		Version:      r.version(),
		Vendor:       r.str(vendorFieldSize),
		OemCode:      r.u8(),
		ModelCode:    r.u8(),
		SKU:          r.u16(),
		ModuleSerial: r.raw(moduleSerialSize),
		SystemSerial: r.raw(systemSerialSize),
	}
	if r.err != nil {
		return nil, fmt.Errorf("failed to decode hal info: %w", r.err)
	}

	if r, err = e.queryCapability(ctx, CapabilityQueryClrInfo); err != nil {
		return nil, err
	}
	caps.Clr = ClrInfo{Version: r.version(), Vendor: r.str(vendorFieldSize), TargetFramework: r.version()}
	if r.err != nil {
		return nil, fmt.Errorf("failed to decode clr info: %w", r.err)
	}

	if r, err = e.queryCapability(ctx, CapabilityQuerySolution); err != nil {
		return nil, err
	}
	caps.Solution = SolutionInfo{Version: r.version(), Vendor: r.str(vendorFieldSize)}
	if r.err != nil {
		return nil, fmt.Errorf("failed to decode solution info: %w", r.err)
	}

	e.mu.Lock()
	e.capabilities = caps
	e.mu.Unlock()
	return caps, nil
}

func (e *Engine) indexList(ctx context.Context, cmd uint32) ([]uint32, error) {
	if err := e.requireRuntime(); err != nil {
		return nil, err
	}
	reply, err := e.call(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}
	return newPayloadReader(reply.Payload).u32s(), nil
}

// GetAppDomains lists the ids of the loaded app domains
func (e *Engine) GetAppDomains(ctx context.Context) ([]uint32, error) {
	return e.indexList(ctx, CmdTypeSysAppDomains)
}

// ResolveAppDomain returns the name, state and assemblies of one app domain
func (e *Engine) ResolveAppDomain(ctx context.Context, id uint32) (*AppDomainInfo, error) {
	if err := e.requireRuntime(); err != nil {
		return nil, err
	}
	reply, err := e.call(ctx, CmdResolveAppDomain, (&payloadWriter{}).u32(id).Bytes())
	if err != nil {
		return nil, err
	}
	r := newPayloadReader(reply.Payload)
	info := &AppDomainInfo{ID: id, State: r.u32(), Name: r.str(nameFieldSize)}
	info.Assemblies = r.u32s()
	if r.err != nil {
		return nil, fmt.Errorf("failed to decode app domain %d: %w", id, r.err)
	}
	return info, nil
}

// ResolveAllAssemblies resolves every loaded assembly. Assemblies the
// device does not answer for are skipped.
func (e *Engine) ResolveAllAssemblies(ctx context.Context) ([]AssemblyInfo, error) {
	indexes, err := e.indexList(ctx, CmdTypeSysAssemblies)
	if err != nil {
		return nil, err
	}

	out := make([]AssemblyInfo, 0, len(indexes))
	for _, idx := range indexes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		reply, err := e.call(ctx, CmdResolveAssembly, (&payloadWriter{}).u32(idx).Bytes())
		if err != nil {
			return nil, err
		}
		if !reply.Acked() {
			e.logger.Debug("Assembly not resolved", zap.Uint32("index", idx))
			continue
		}
		r := newPayloadReader(reply.Payload)
		info := AssemblyInfo{Index: idx, Flags: r.u32(), Version: r.version(), Name: r.str(nameFieldSize)}
		if r.err != nil {
			return nil, fmt.Errorf("failed to decode assembly %d: %w", idx, r.err)
		}
		out = append(out, info)
	}
	return out, nil
}
