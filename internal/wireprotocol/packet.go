// internal/wireprotocol/packet.go
package wireprotocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
)

const (
	HeaderSize = 32
	MaxPayload = 64 * 1024
)

// Signature marks the start of every packet on the wire
var Signature = [8]byte{'M', 'S', 'd', 'b', 'g', 'V', '1', 0}

// Packet flags
const (
	FlagNonCritical uint32 = 0x0001
	FlagReply       uint32 = 0x0002
	FlagBadHeader   uint32 = 0x0004
	FlagBadPayload  uint32 = 0x0008
	FlagNACK        uint32 = 0x4000
	FlagACK         uint32 = 0x8000
)

var (
	ErrShortHeader     = errors.New("wireprotocol: short header")
	ErrBadSignature    = errors.New("wireprotocol: bad signature")
	ErrBadHeaderCRC    = errors.New("wireprotocol: header crc mismatch")
	ErrBadPayloadCRC   = errors.New("wireprotocol: payload crc mismatch")
	ErrPayloadTooLarge = errors.New("wireprotocol: payload too large")
)

// Header is the fixed little-endian packet header
type Header struct {
	CRCHeader uint32
	CRCData   uint32
	Command   uint32
	Seq       uint16
	SeqReply  uint16
	Flags     uint32
	Size      uint32
}

// Packet is one complete wire message
type Packet struct {
	Header  Header
	Payload []byte
}

// IsReply reports whether the packet answers an earlier request
func (p *Packet) IsReply() bool {
	return p.Header.Flags&FlagReply != 0
}

// Acked reports a positive reply: ACK set and NACK clear
func (p *Packet) Acked() bool {
	return p.Header.Flags&FlagACK != 0 && p.Header.Flags&FlagNACK == 0
}

// Encode serialises the packet, filling in size and both checksums
func Encode(cmd uint32, seq, seqReply uint16, flags uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:8], Signature[:])
	binary.LittleEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(buf[16:20], cmd)
	binary.LittleEndian.PutUint16(buf[20:22], seq)
	binary.LittleEndian.PutUint16(buf[22:24], seqReply)
	binary.LittleEndian.PutUint32(buf[24:28], flags)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	binary.LittleEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(buf[:HeaderSize]))
	return buf, nil
}

// DecodeHeader parses and verifies a header
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	if !bytes.Equal(b[0:8], Signature[:]) {
		return Header{}, ErrBadSignature
	}

	h := Header{
		CRCHeader: binary.LittleEndian.Uint32(b[8:12]),
		CRCData:   binary.LittleEndian.Uint32(b[12:16]),
		Command:   binary.LittleEndian.Uint32(b[16:20]),
		Seq:       binary.LittleEndian.Uint16(b[20:22]),
		SeqReply:  binary.LittleEndian.Uint16(b[22:24]),
		Flags:     binary.LittleEndian.Uint32(b[24:28]),
		Size:      binary.LittleEndian.Uint32(b[28:32]),
	}

	var check [HeaderSize]byte
	copy(check[:], b[:HeaderSize])
	binary.LittleEndian.PutUint32(check[8:12], 0)
	if crc32.ChecksumIEEE(check[:]) != h.CRCHeader {
		return Header{}, ErrBadHeaderCRC
	}
	if h.Size > MaxPayload {
		return Header{}, ErrPayloadTooLarge
	}
	return h, nil
}

// Frame is one unit extracted from the inbound byte stream: either a
// packet or a run of bytes that did not belong to any packet.
type Frame struct {
	Packet *Packet
	Noise  []byte
}

// FrameScanner splits a byte stream into packets. Bytes that precede a
// signature are returned as noise; devices print plain text on the same
// channel.
type FrameScanner struct {
	buf []byte
}

// Feed appends received bytes
func (s *FrameScanner) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Buffered returns the number of bytes not yet consumed
func (s *FrameScanner) Buffered() int {
	return len(s.buf)
}

// Next returns the next frame, or false when more input is needed
func (s *FrameScanner) Next() (Frame, bool) {
	for {
		idx := bytes.Index(s.buf, Signature[:])
		if idx < 0 {
			// Keep a possible partial signature at the tail.
			keep := partialSignature(s.buf)
			if len(s.buf) == keep {
				return Frame{}, false
			}
			noise := s.take(len(s.buf) - keep)
			return Frame{Noise: noise}, true
		}
		if idx > 0 {
			return Frame{Noise: s.take(idx)}, true
		}

		if len(s.buf) < HeaderSize {
			return Frame{}, false
		}

		h, err := DecodeHeader(s.buf)
		if err != nil {
			// Corrupt header: skip the signature byte and resync.
			s.take(1)
			continue
		}

		total := HeaderSize + int(h.Size)
		if len(s.buf) < total {
			return Frame{}, false
		}

		raw := s.take(total)
		payload := raw[HeaderSize:]
		if crc32.ChecksumIEEE(payload) != h.CRCData {
			continue
		}

		return Frame{Packet: &Packet{Header: h, Payload: payload}}, true
	}
}

// partialSignature returns the length of the longest suffix of b that is
// a proper prefix of Signature.
func partialSignature(b []byte) int {
	n := len(Signature) - 1
	if len(b) < n {
		n = len(b)
	}
	for ; n > 0; n-- {
		if bytes.Equal(b[len(b)-n:], Signature[:n]) {
			return n
		}
	}
	return 0
}

func (s *FrameScanner) take(n int) []byte {
	out := make([]byte, n)
	copy(out, s.buf[:n])
	s.buf = append(s.buf[:0], s.buf[n:]...)
	return out
}
