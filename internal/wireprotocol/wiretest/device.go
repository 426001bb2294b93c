// internal/wireprotocol/wiretest/device.go

// Package wiretest provides an in-memory device that speaks the device side
// of the wire protocol, for tests of the engine and the layers above it.
package wiretest

import (
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mfdeploy/internal/model"
	"mfdeploy/internal/transport"
	"mfdeploy/internal/wireprotocol"
)

// Request is one host request as the device saw it
type Request struct {
	Command uint32
	Seq     uint16
	// Source is the device mode when the request arrived.
	Source  uint32
	Payload []byte
}

// Device simulates a board with a flash map, a bootloader and a runtime
type Device struct {
	mu        sync.Mutex
	writeMu   sync.Mutex
	conns     map[net.Conn]struct{}
	source    uint32
	sectors   []wireprotocol.FlashSector
	erased    []wireprotocol.MemoryRequest
	written   []wireprotocol.MemoryRequest
	requests  []Request
	seq       uint16
	paused    bool
	silent    bool
	downUntil time.Time
	nack      map[uint32]bool
	nackErase map[uint32]bool
	onRequest func(Request)

	// RebootDelay keeps the device silent after a reboot.
	RebootDelay time.Duration

	Oem          wireprotocol.OemInfo
	Capabilities wireprotocol.Capabilities
	AppDomains   []wireprotocol.AppDomainInfo
	Assemblies   []wireprotocol.AssemblyInfo
}

// New returns a device in the given mode with the given flash map
func New(source uint32, sectors []wireprotocol.FlashSector) *Device {
	return &Device{
		conns:     make(map[net.Conn]struct{}),
		source:    source,
		sectors:   sectors,
		nack:      make(map[uint32]bool),
		nackErase: make(map[uint32]bool),
		Oem: wireprotocol.OemInfo{
			Version: wireprotocol.Version{Major: 4, Minor: 3, Build: 1},
			Info:    "wiretest bootloader",
		},
	}
}

// DefaultSectors is a small flash map covering every erase scope
func DefaultSectors() []wireprotocol.FlashSector {
	return []wireprotocol.FlashSector{
		{Start: 0x08000000, Length: 0x4000, Usage: wireprotocol.FlashUsageBootstrap},
		{Start: 0x08004000, Length: 0x4000, Usage: wireprotocol.FlashUsageConfig},
		{Start: 0x08008000, Length: 0x8000, Usage: wireprotocol.FlashUsageCode},
		{Start: 0x08010000, Length: 0x8000, Usage: wireprotocol.FlashUsageDeployment},
		{Start: 0x08018000, Length: 0x8000, Usage: wireprotocol.FlashUsageDeployment},
		{Start: 0x08020000, Length: 0x4000, Usage: wireprotocol.FlashUsageStorageA},
		{Start: 0x08024000, Length: 0x4000, Usage: wireprotocol.FlashUsageStorageB},
		{Start: 0x08028000, Length: 0x8000, Usage: wireprotocol.FlashUsageFileSystem},
	}
}

// Connect serves the device on one end of a pipe and returns a stream on
// the other end.
func (d *Device) Connect(logger *zap.Logger) *transport.Stream {
	host, dev := net.Pipe()
	go d.Serve(dev)
	return transport.NewStream(transport.NewConnHandle(host, 5*time.Millisecond), model.PortKindTCP, logger)
}

// Serve answers requests on conn until it is closed
func (d *Device) Serve(conn net.Conn) {
	d.mu.Lock()
	d.conns[conn] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		conn.Close()
	}()

	var scanner wireprotocol.FrameScanner
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			scanner.Feed(buf[:n])
			for {
				frame, ok := scanner.Next()
				if !ok {
					break
				}
				if frame.Packet != nil {
					d.handle(conn, frame.Packet)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// SetSource switches the device mode
func (d *Device) SetSource(source uint32) {
	d.mu.Lock()
	d.source = source
	d.mu.Unlock()
}

// Source returns the current device mode
func (d *Device) Source() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.source
}

// SetSilent makes the device drop every request
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	d.silent = silent
	d.mu.Unlock()
}

// Nack makes the device answer cmd negatively
func (d *Device) Nack(cmd uint32) {
	d.mu.Lock()
	d.nack[cmd] = true
	d.mu.Unlock()
}

// NackEraseAt rejects erase requests starting at addr
func (d *Device) NackEraseAt(addr uint32) {
	d.mu.Lock()
	d.nackErase[addr] = true
	d.mu.Unlock()
}

// OnRequest installs a hook called for every request before it is
// answered. It runs on the serving goroutine.
func (d *Device) OnRequest(fn func(Request)) {
	d.mu.Lock()
	d.onRequest = fn
	d.mu.Unlock()
}

// Paused reports whether the runtime was stopped by the host
func (d *Device) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Requests returns every request seen so far
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// Commands returns the requests for cmd
func (d *Device) Commands(cmd uint32) []Request {
	var out []Request
	for _, r := range d.Requests() {
		if r.Command == cmd {
			out = append(out, r)
		}
	}
	return out
}

// Erased returns the erase requests the device accepted
func (d *Device) Erased() []wireprotocol.MemoryRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]wireprotocol.MemoryRequest(nil), d.erased...)
}

// Written returns the write requests the device accepted
func (d *Device) Written() []wireprotocol.MemoryRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]wireprotocol.MemoryRequest(nil), d.written...)
}

// SendMessage pushes a debug text message to every connected host
func (d *Device) SendMessage(text string, critical bool) {
	flags := wireprotocol.FlagNonCritical
	if critical {
		flags = 0
	}

	d.mu.Lock()
	d.seq++
	seq := d.seq
	conns := make([]net.Conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	data, err := wireprotocol.Encode(wireprotocol.CmdMessage, seq, 0, flags, []byte(text))
	if err != nil {
		return
	}
	for _, c := range conns {
		d.write(c, data)
	}
}

// SendNoise writes raw bytes that are not part of any packet
func (d *Device) SendNoise(b []byte) {
	d.mu.Lock()
	conns := make([]net.Conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		d.write(c, b)
	}
}

func (d *Device) write(conn io.Writer, data []byte) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	conn.Write(data)
}

func (d *Device) handle(conn net.Conn, pkt *wireprotocol.Packet) {
	if pkt.IsReply() {
		return
	}

	d.mu.Lock()
	req := Request{
		Command: pkt.Header.Command,
		Seq:     pkt.Header.Seq,
		Source:  d.source,
		Payload: pkt.Payload,
	}
	d.requests = append(d.requests, req)
	hook := d.onRequest
	drop := d.silent || time.Now().Before(d.downUntil)
	d.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if drop {
		return
	}

	ack, payload, after := d.execute(req)
	flags := wireprotocol.FlagReply | wireprotocol.FlagACK
	if !ack {
		flags = wireprotocol.FlagReply | wireprotocol.FlagNACK
	}

	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	data, err := wireprotocol.Encode(req.Command, seq, req.Seq, flags, payload)
	if err == nil {
		d.write(conn, data)
	}
	if after != nil {
		after()
	}
}

// execute applies a request to the device model and returns the reply and
// an optional state change that takes effect once the reply is sent.
func (d *Device) execute(req Request) (ack bool, payload []byte, after func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.nack[req.Command] {
		return false, nil, nil
	}

	switch req.Command {
	case wireprotocol.CmdPing:
		return true, wireprotocol.EncodePingReply(d.source, 0), nil

	case wireprotocol.CmdFlashSectorMap:
		return true, wireprotocol.EncodeFlashSectorMap(d.sectors), nil

	case wireprotocol.CmdOemInfo:
		return true, wireprotocol.EncodeOemInfo(d.Oem), nil

	case wireprotocol.CmdEraseMemory:
		er, err := wireprotocol.DecodeEraseRequest(req.Payload)
		if err != nil || d.nackErase[er.Address] {
			return false, nil, nil
		}
		d.erased = append(d.erased, er)
		return true, nil, nil

	case wireprotocol.CmdWriteMemory:
		wr, err := wireprotocol.DecodeWriteRequest(req.Payload)
		if err != nil || !d.isErasedLocked(wr.Address, wr.Length) {
			return false, nil, nil
		}
		d.written = append(d.written, wr)
		return true, nil, nil

	case wireprotocol.CmdCheckSignature:
		if _, _, err := wireprotocol.DecodeSignatureRequest(req.Payload); err != nil {
			return false, nil, nil
		}
		return true, nil, nil

	case wireprotocol.CmdExecute:
		if d.source == wireprotocol.PingSourceTinyBooter {
			return true, nil, func() { d.SetSource(wireprotocol.PingSourceTinyCLR) }
		}
		return true, nil, nil

	case wireprotocol.CmdReboot:
		flags, err := wireprotocol.DecodeU32(req.Payload)
		if err != nil {
			return false, nil, nil
		}
		next := wireprotocol.PingSourceTinyCLR
		if flags&wireprotocol.RebootFlagEnterBootloader != 0 {
			next = wireprotocol.PingSourceTinyBooter
		}
		return true, nil, func() {
			d.mu.Lock()
			d.source = next
			d.paused = false
			d.downUntil = time.Now().Add(d.RebootDelay)
			d.mu.Unlock()
		}

	case wireprotocol.CmdChangeConditions:
		if d.source != wireprotocol.PingSourceTinyCLR {
			return false, nil, nil
		}
		set, reset, err := wireprotocol.DecodeConditions(req.Payload)
		if err != nil {
			return false, nil, nil
		}
		if set&wireprotocol.ConditionStopped != 0 {
			d.paused = true
		}
		if reset&wireprotocol.ConditionStopped != 0 {
			d.paused = false
		}
		return true, nil, nil

	case wireprotocol.CmdQueryCapabilities:
		kind, err := wireprotocol.DecodeU32(req.Payload)
		if err != nil {
			return false, nil, nil
		}
		switch kind {
		case wireprotocol.CapabilityQueryFlags:
			return true, wireprotocol.EncodeCapabilityFlags(d.Capabilities.Flags), nil
		case wireprotocol.CapabilityQueryHalInfo:
			return true, wireprotocol.EncodeHalInfo(d.Capabilities.Hal), nil
		case wireprotocol.CapabilityQueryClrInfo:
			return true, wireprotocol.EncodeClrInfo(d.Capabilities.Clr), nil
		case wireprotocol.CapabilityQuerySolution:
			return true, wireprotocol.EncodeSolutionInfo(d.Capabilities.Solution), nil
		}
		return false, nil, nil

	case wireprotocol.CmdTypeSysAppDomains:
		ids := make([]uint32, 0, len(d.AppDomains))
		for _, ad := range d.AppDomains {
			ids = append(ids, ad.ID)
		}
		return true, wireprotocol.EncodeIndexList(ids), nil

	case wireprotocol.CmdResolveAppDomain:
		id, err := wireprotocol.DecodeU32(req.Payload)
		if err != nil {
			return false, nil, nil
		}
		for _, ad := range d.AppDomains {
			if ad.ID == id {
				return true, wireprotocol.EncodeAppDomain(ad), nil
			}
		}
		return false, nil, nil

	case wireprotocol.CmdTypeSysAssemblies:
		idx := make([]uint32, 0, len(d.Assemblies))
		for _, a := range d.Assemblies {
			idx = append(idx, a.Index)
		}
		return true, wireprotocol.EncodeIndexList(idx), nil

	case wireprotocol.CmdResolveAssembly:
		idx, err := wireprotocol.DecodeU32(req.Payload)
		if err != nil {
			return false, nil, nil
		}
		for _, a := range d.Assemblies {
			if a.Index == idx {
				return true, wireprotocol.EncodeAssembly(a), nil
			}
		}
		return false, nil, nil
	}

	return false, nil, nil
}

func (d *Device) isErasedLocked(addr, length uint32) bool {
	end := uint64(addr) + uint64(length)
	for _, e := range d.erased {
		if addr >= e.Address && end <= uint64(e.Address)+uint64(e.Length) {
			return true
		}
	}
	return false
}
