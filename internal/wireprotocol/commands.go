// internal/wireprotocol/commands.go
package wireprotocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Monitor commands, served by both the bootloader and the runtime
const (
	CmdPing               uint32 = 0x00000000
	CmdMessage            uint32 = 0x00000001
	CmdReadMemory         uint32 = 0x00000002
	CmdWriteMemory        uint32 = 0x00000003
	CmdCheckSignature     uint32 = 0x00000004
	CmdEraseMemory        uint32 = 0x00000005
	CmdExecute            uint32 = 0x00000006
	CmdReboot             uint32 = 0x00000007
	CmdMemoryMap          uint32 = 0x00000008
	CmdProgramExit        uint32 = 0x00000009
	CmdDeploymentMap      uint32 = 0x0000000B
	CmdFlashSectorMap     uint32 = 0x0000000C
	CmdSignatureKeyUpdate uint32 = 0x0000000D
	CmdOemInfo            uint32 = 0x0000000E
)

// Debugging commands, served by the runtime only
const (
	CmdChangeConditions     uint32 = 0x00020001
	CmdQueryCapabilities    uint32 = 0x00020008
	CmdTypeSysAssemblies    uint32 = 0x00020040
	CmdTypeSysAppDomains    uint32 = 0x00020044
	CmdResolveAssembly      uint32 = 0x00020050
	CmdResolveAppDomain     uint32 = 0x00020058
	ConditionStopped        uint32 = 0x00000002
	CapabilityQueryFlags    uint32 = 1
	CapabilityQueryHalInfo  uint32 = 5
	CapabilityQueryClrInfo  uint32 = 6
	CapabilityQuerySolution uint32 = 7
)

// Ping sources as reported on the wire
const (
	PingSourceTinyCLR    uint32 = 0
	PingSourceTinyBooter uint32 = 1
	PingSourceHost       uint32 = 2
)

// Wire reboot flags
const (
	RebootFlagNormal          uint32 = 0
	RebootFlagEnterBootloader uint32 = 1
	RebootFlagClrOnly         uint32 = 2
	RebootFlagWaitForDebugger uint32 = 4
)

const (
	vendorFieldSize   = 64
	nameFieldSize     = 512
	oemStringSize     = 64
	moduleSerialSize  = 32
	systemSerialSize  = 16
	flashSectorRecord = 12
)

// ConnectionSource is the device mode detected by ping
type ConnectionSource int

const (
	SourceUnknown ConnectionSource = iota
	SourceTinyBooter
	SourceTinyCLR
	SourceNoConnection
)

func (c ConnectionSource) String() string {
	switch c {
	case SourceTinyBooter:
		return "TinyBooter"
	case SourceTinyCLR:
		return "TinyCLR"
	case SourceNoConnection:
		return "NoConnection"
	default:
		return "Unknown"
	}
}

// RebootOption selects how the device restarts
type RebootOption int

const (
	RebootEnterBootloader RebootOption = iota
	RebootClrOnly
	RebootClrWaitForDebugger
	RebootNoReconnect
)

func (o RebootOption) flags() uint32 {
	switch o {
	case RebootEnterBootloader:
		return RebootFlagEnterBootloader
	case RebootClrOnly:
		return RebootFlagClrOnly
	case RebootClrWaitForDebugger:
		return RebootFlagClrOnly | RebootFlagWaitForDebugger
	default:
		return RebootFlagNormal
	}
}

// PingReply is the decoded answer to a ping
type PingReply struct {
	Source ConnectionSource
	Flags  uint32
}

// FlashUsage classifies a flash sector
type FlashUsage uint32

const (
	FlashUsageMask       FlashUsage = 0xF0
	FlashUsageBootstrap  FlashUsage = 0x10
	FlashUsageCode       FlashUsage = 0x20
	FlashUsageConfig     FlashUsage = 0x30
	FlashUsageFileSystem FlashUsage = 0x40
	FlashUsageDeployment FlashUsage = 0x50
	FlashUsageUpdate     FlashUsage = 0x60
	FlashUsageSimpleA    FlashUsage = 0x90
	FlashUsageSimpleB    FlashUsage = 0xA0
	FlashUsageStorageA   FlashUsage = 0xE0
	FlashUsageStorageB   FlashUsage = 0xF0
)

func (u FlashUsage) String() string {
	switch u & FlashUsageMask {
	case FlashUsageBootstrap:
		return "bootstrap"
	case FlashUsageCode:
		return "code"
	case FlashUsageConfig:
		return "config"
	case FlashUsageFileSystem:
		return "filesystem"
	case FlashUsageDeployment:
		return "deployment"
	case FlashUsageUpdate:
		return "update"
	case FlashUsageSimpleA:
		return "simple_a"
	case FlashUsageSimpleB:
		return "simple_b"
	case FlashUsageStorageA:
		return "storage_a"
	case FlashUsageStorageB:
		return "storage_b"
	default:
		return fmt.Sprintf("reserved(0x%02x)", uint32(u&FlashUsageMask))
	}
}

// FlashSector is one entry of the device flash map
type FlashSector struct {
	Start  uint32     `json:"start"`
	Length uint32     `json:"length"`
	Usage  FlashUsage `json:"usage"`
}

// Kind returns the usage class without attribute bits
func (s FlashSector) Kind() FlashUsage {
	return s.Usage & FlashUsageMask
}

// Contains reports whether addr falls inside the sector
func (s FlashSector) Contains(addr uint32) bool {
	return addr >= s.Start && uint64(addr) < uint64(s.Start)+uint64(s.Length)
}

// Version is a four part version number
type Version struct {
	Major    uint16 `json:"major"`
	Minor    uint16 `json:"minor"`
	Build    uint16 `json:"build"`
	Revision uint16 `json:"revision"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// OemInfo is the bootloader's monitor identification
type OemInfo struct {
	Version Version `json:"version"`
	Info    string  `json:"info"`
}

// CapabilityFlags are the runtime feature bits
type CapabilityFlags uint32

const (
	CapFloatingPoint         CapabilityFlags = 0x01
	CapSourceLevelDebugging  CapabilityFlags = 0x02
	CapAppDomains            CapabilityFlags = 0x04
	CapExceptionFilters      CapabilityFlags = 0x08
	CapIncrementalDeployment CapabilityFlags = 0x10
	CapSoftReboot            CapabilityFlags = 0x20
	CapProfiling             CapabilityFlags = 0x40
)

// HalSystemInfo describes the hardware abstraction layer
type HalSystemInfo struct {
	Version      Version `json:"version"`
	Vendor       string  `json:"vendor"`
	OemCode      uint8   `json:"oem_code"`
	ModelCode    uint8   `json:"model_code"`
	SKU          uint16  `json:"sku"`
	ModuleSerial []byte  `json:"module_serial"`
	SystemSerial []byte  `json:"system_serial"`
}

// ClrInfo describes the runtime build
type ClrInfo struct {
	Version         Version `json:"version"`
	Vendor          string  `json:"vendor"`
	TargetFramework Version `json:"target_framework"`
}

// SolutionInfo describes the firmware solution
type SolutionInfo struct {
	Version Version `json:"version"`
	Vendor  string  `json:"vendor"`
}

// Capabilities is everything the runtime reports about itself
type Capabilities struct {
	Flags    CapabilityFlags `json:"flags"`
	Hal      HalSystemInfo   `json:"hal"`
	Clr      ClrInfo         `json:"clr"`
	Solution SolutionInfo    `json:"solution"`
}

// Has reports whether every bit of f is set
func (c *Capabilities) Has(f CapabilityFlags) bool {
	return c != nil && c.Flags&f == f
}

// AppDomainInfo is a resolved app domain
type AppDomainInfo struct {
	ID         uint32   `json:"id"`
	State      uint32   `json:"state"`
	Name       string   `json:"name"`
	Assemblies []uint32 `json:"assemblies"`
}

// AssemblyInfo is a resolved assembly
type AssemblyInfo struct {
	Index      uint32   `json:"index"`
	Flags      uint32   `json:"flags"`
	Name       string   `json:"name"`
	Version    Version  `json:"version"`
	AppDomains []string `json:"app_domains,omitempty"`
}

// payloadWriter builds little-endian payloads
type payloadWriter struct {
	buf bytes.Buffer
}

func (w *payloadWriter) u32(v uint32) *payloadWriter {
	binary.Write(&w.buf, binary.LittleEndian, v)
	return w
}

func (w *payloadWriter) u8(v uint8) *payloadWriter {
	w.buf.WriteByte(v)
	return w
}

func (w *payloadWriter) u16(v uint16) *payloadWriter {
	binary.Write(&w.buf, binary.LittleEndian, v)
	return w
}

// str writes s into a zero-padded field of n bytes, truncating if needed
func (w *payloadWriter) str(s string, n int) *payloadWriter {
	field := make([]byte, n)
	copy(field, s)
	w.buf.Write(field)
	return w
}

func (w *payloadWriter) version(v Version) *payloadWriter {
	return w.u16(v.Major).u16(v.Minor).u16(v.Build).u16(v.Revision)
}

func (w *payloadWriter) u32s(vs []uint32) *payloadWriter {
	for _, v := range vs {
		w.u32(v)
	}
	return w
}

func (w *payloadWriter) raw(b []byte) *payloadWriter {
	w.buf.Write(b)
	return w
}

func (w *payloadWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// payloadReader decodes little-endian payloads and remembers the first
// short read.
type payloadReader struct {
	b   []byte
	off int
	err error
}

func newPayloadReader(b []byte) *payloadReader {
	return &payloadReader{b: b}
}

func (r *payloadReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.b)-r.off < n {
		r.err = fmt.Errorf("payload too short: need %d bytes at offset %d, have %d", n, r.off, len(r.b)-r.off)
		return false
	}
	return true
}

func (r *payloadReader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *payloadReader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *payloadReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *payloadReader) raw(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := append([]byte(nil), r.b[r.off:r.off+n]...)
	r.off += n
	return v
}

func (r *payloadReader) str(n int) string {
	b := r.raw(n)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (r *payloadReader) version() Version {
	return Version{Major: r.u16(), Minor: r.u16(), Build: r.u16(), Revision: r.u16()}
}

// u32s reads the rest of the payload as a uint32 list
func (r *payloadReader) u32s() []uint32 {
	var out []uint32
	for r.err == nil && len(r.b)-r.off >= 4 {
		out = append(out, r.u32())
	}
	return out
}

func decodePing(payload []byte) (PingReply, error) {
	r := newPayloadReader(payload)
	src := r.u32()
	flags := r.u32()
	if r.err != nil {
		return PingReply{}, r.err
	}

	reply := PingReply{Flags: flags}
	switch src {
	case PingSourceTinyCLR:
		reply.Source = SourceTinyCLR
	case PingSourceTinyBooter:
		reply.Source = SourceTinyBooter
	default:
		reply.Source = SourceUnknown
	}
	return reply, nil
}

func decodeFlashSectorMap(payload []byte) ([]FlashSector, error) {
	if len(payload)%flashSectorRecord != 0 {
		return nil, fmt.Errorf("flash sector map length %d is not a multiple of %d", len(payload), flashSectorRecord)
	}
	r := newPayloadReader(payload)
	sectors := make([]FlashSector, 0, len(payload)/flashSectorRecord)
	for i := 0; i < len(payload)/flashSectorRecord; i++ {
		sectors = append(sectors, FlashSector{
			Start:  r.u32(),
			Length: r.u32(),
			Usage:  FlashUsage(r.u32()),
		})
	}
	return sectors, r.err
}

func decodeOemInfo(payload []byte) (*OemInfo, error) {
	r := newPayloadReader(payload)
	info := &OemInfo{Version: r.version(), Info: r.str(oemStringSize)}
	return info, r.err
}
