// internal/wireprotocol/payloads.go
package wireprotocol

// Device side payload builders. Simulators and device-side tooling use
// these to answer host requests in the layout the engine decodes.

// EncodePingReply builds a ping reply for the given wire source
func EncodePingReply(source, flags uint32) []byte {
	return (&payloadWriter{}).u32(source).u32(flags).Bytes()
}

// EncodeFlashSectorMap builds a flash sector map reply
func EncodeFlashSectorMap(sectors []FlashSector) []byte {
	w := &payloadWriter{}
	for _, s := range sectors {
		w.u32(s.Start).u32(s.Length).u32(uint32(s.Usage))
	}
	return w.Bytes()
}

// EncodeOemInfo builds an OEM info reply
func EncodeOemInfo(info OemInfo) []byte {
	return (&payloadWriter{}).version(info.Version).str(info.Info, oemStringSize).Bytes()
}

// EncodeCapabilityFlags builds the reply to a capability flags query
func EncodeCapabilityFlags(flags CapabilityFlags) []byte {
	return (&payloadWriter{}).u32(uint32(flags)).Bytes()
}

// EncodeHalInfo builds the reply to a HAL info query
func EncodeHalInfo(info HalSystemInfo) []byte {
	module := make([]byte, moduleSerialSize)
	copy(module, info.ModuleSerial)
	system := make([]byte, systemSerialSize)
	copy(system, info.SystemSerial)

	return (&payloadWriter{}).
		version(info.Version).
		str(info.Vendor, vendorFieldSize).
		u8(info.OemCode).
		u8(info.ModelCode).
		u16(info.SKU).
		raw(module).
		raw(system).
		Bytes()
}

// EncodeClrInfo builds the reply to a CLR info query
func EncodeClrInfo(info ClrInfo) []byte {
	return (&payloadWriter{}).
		version(info.Version).
		str(info.Vendor, vendorFieldSize).
		version(info.TargetFramework).
		Bytes()
}

// EncodeSolutionInfo builds the reply to a solution info query
func EncodeSolutionInfo(info SolutionInfo) []byte {
	return (&payloadWriter{}).version(info.Version).str(info.Vendor, vendorFieldSize).Bytes()
}

// EncodeIndexList builds a list of app domain ids or assembly indexes
func EncodeIndexList(ids []uint32) []byte {
	return (&payloadWriter{}).u32s(ids).Bytes()
}

// EncodeAppDomain builds a resolved app domain reply
func EncodeAppDomain(info AppDomainInfo) []byte {
	return (&payloadWriter{}).u32(info.State).str(info.Name, nameFieldSize).u32s(info.Assemblies).Bytes()
}

// EncodeAssembly builds a resolved assembly reply
func EncodeAssembly(info AssemblyInfo) []byte {
	return (&payloadWriter{}).u32(info.Flags).version(info.Version).str(info.Name, nameFieldSize).Bytes()
}

// MemoryRequest is the decoded body of an erase, write or execute request
type MemoryRequest struct {
	Address uint32
	Length  uint32
	Data    []byte
}

// DecodeEraseRequest parses an erase request body
func DecodeEraseRequest(payload []byte) (MemoryRequest, error) {
	r := newPayloadReader(payload)
	req := MemoryRequest{Address: r.u32(), Length: r.u32()}
	return req, r.err
}

// DecodeWriteRequest parses a write request body
func DecodeWriteRequest(payload []byte) (MemoryRequest, error) {
	r := newPayloadReader(payload)
	req := MemoryRequest{Address: r.u32(), Length: r.u32()}
	req.Data = r.raw(int(req.Length))
	return req, r.err
}

// DecodeExecuteRequest parses an execute request body
func DecodeExecuteRequest(payload []byte) (uint32, error) {
	r := newPayloadReader(payload)
	addr := r.u32()
	return addr, r.err
}

// DecodeSignatureRequest parses a signature check request body
func DecodeSignatureRequest(payload []byte) (keyIndex uint32, signature []byte, err error) {
	r := newPayloadReader(payload)
	keyIndex = r.u32()
	n := r.u32()
	signature = r.raw(int(n))
	return keyIndex, signature, r.err
}

// DecodeU32 parses a request whose body is a single uint32: reboot flags,
// capability query kind, app domain id or assembly index.
func DecodeU32(payload []byte) (uint32, error) {
	r := newPayloadReader(payload)
	v := r.u32()
	return v, r.err
}

// DecodeConditions parses a change conditions request body
func DecodeConditions(payload []byte) (set, reset uint32, err error) {
	r := newPayloadReader(payload)
	set = r.u32()
	reset = r.u32()
	return set, reset, r.err
}
