/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCrcMismatch is returned when a stored header or payload CRC does not
// verify against the computed one.
var ErrCrcMismatch = errors.New("wire: crc mismatch")

// ErrWireFormat is returned for a message type code that is unknown or of the
// wrong class (PD vs MD), and for a payload+CRC section too short to hold a
// CRC. The header decoders do not check the protocol version field, nor the
// dataset length against the frame size.
var ErrWireFormat = errors.New("wire: malformed frame")

// Header is the common TRDP prefix shared by every message, Table in
// IEC 61375-2-3.
type Header struct {
	SequenceCounter uint32
	ProtocolVersion uint16
	MsgType         MsgType
	ComID           uint32
	EtbTopoCount    uint32
	OpTrnTopoCount  uint32
	DatasetLength   uint32
}

func encodeHeader(h *Header, b []byte) {
	binary.BigEndian.PutUint32(b[0:], h.SequenceCounter)
	binary.BigEndian.PutUint16(b[4:], h.ProtocolVersion)
	binary.BigEndian.PutUint16(b[6:], uint16(h.MsgType))
	binary.BigEndian.PutUint32(b[8:], h.ComID)
	binary.BigEndian.PutUint32(b[12:], h.EtbTopoCount)
	binary.BigEndian.PutUint32(b[16:], h.OpTrnTopoCount)
	binary.BigEndian.PutUint32(b[20:], h.DatasetLength)
}

func decodeHeader(h *Header, b []byte) {
	h.SequenceCounter = binary.BigEndian.Uint32(b[0:])
	h.ProtocolVersion = binary.BigEndian.Uint16(b[4:])
	h.MsgType = MsgType(binary.BigEndian.Uint16(b[6:]))
	h.ComID = binary.BigEndian.Uint32(b[8:])
	h.EtbTopoCount = binary.BigEndian.Uint32(b[12:])
	h.OpTrnTopoCount = binary.BigEndian.Uint32(b[16:])
	h.DatasetLength = binary.BigEndian.Uint32(b[20:])
}

// PDHeader is the full 40-byte header of a PD frame: common prefix plus the
// reserved word, reply ComId/IP (used for pulled-data requests) and the
// header FCS.
type PDHeader struct {
	Header
	Reserved  uint32
	ReplyComID uint32
	ReplyIP   uint32
	FCS       uint32
}

// EncodePDHeader writes h into b, which must be at least PDHeaderSize bytes,
// computing and filling in the header FCS. Returns PDHeaderSize.
func EncodePDHeader(h *PDHeader, b []byte) (int, error) {
	if len(b) < PDHeaderSize {
		return 0, fmt.Errorf("wire: buffer too small for PD header: %d < %d", len(b), PDHeaderSize)
	}
	encodeHeader(&h.Header, b)
	binary.BigEndian.PutUint32(b[24:], h.Reserved)
	binary.BigEndian.PutUint32(b[28:], h.ReplyComID)
	binary.BigEndian.PutUint32(b[32:], h.ReplyIP)
	h.FCS = FCS(b[0:36])
	binary.BigEndian.PutUint32(b[36:], h.FCS)
	return PDHeaderSize, nil
}

// DecodePDHeader parses a PD header from b and verifies its FCS.
func DecodePDHeader(b []byte) (*PDHeader, error) {
	if len(b) < PDHeaderSize {
		return nil, fmt.Errorf("wire: short PD header: %d < %d", len(b), PDHeaderSize)
	}
	h := &PDHeader{}
	decodeHeader(&h.Header, b)
	h.Reserved = binary.BigEndian.Uint32(b[24:])
	h.ReplyComID = binary.BigEndian.Uint32(b[28:])
	h.ReplyIP = binary.BigEndian.Uint32(b[32:])
	h.FCS = binary.BigEndian.Uint32(b[36:])
	if computed := FCS(b[0:36]); computed != h.FCS {
		return nil, fmt.Errorf("%w: PD header got 0x%08x want 0x%08x", ErrCrcMismatch, h.FCS, computed)
	}
	if !h.MsgType.Valid() || !h.MsgType.IsPD() {
		return nil, fmt.Errorf("%w: unexpected PD message type %s", ErrWireFormat, h.MsgType)
	}
	return h, nil
}

// MDHeader is the full 116-byte header of an MD frame.
type MDHeader struct {
	Header
	ReplyStatus  int32
	SessionID    [SessionIDSize]byte
	ReplyTimeout uint32
	SourceURI    [URISize]byte
	DestURI      [URISize]byte
	FCS          uint32
}

// EncodeMDHeader writes h into b, which must be at least MDHeaderSize bytes,
// computing and filling in the header FCS. Returns MDHeaderSize.
func EncodeMDHeader(h *MDHeader, b []byte) (int, error) {
	if len(b) < MDHeaderSize {
		return 0, fmt.Errorf("wire: buffer too small for MD header: %d < %d", len(b), MDHeaderSize)
	}
	encodeHeader(&h.Header, b)
	binary.BigEndian.PutUint32(b[24:], uint32(h.ReplyStatus))
	copy(b[28:44], h.SessionID[:])
	binary.BigEndian.PutUint32(b[44:], h.ReplyTimeout)
	copy(b[48:80], h.SourceURI[:])
	copy(b[80:112], h.DestURI[:])
	h.FCS = FCS(b[0:112])
	binary.BigEndian.PutUint32(b[112:], h.FCS)
	return MDHeaderSize, nil
}

// DecodeMDHeader parses an MD header from b and verifies its FCS.
func DecodeMDHeader(b []byte) (*MDHeader, error) {
	if len(b) < MDHeaderSize {
		return nil, fmt.Errorf("wire: short MD header: %d < %d", len(b), MDHeaderSize)
	}
	h := &MDHeader{}
	decodeHeader(&h.Header, b)
	h.ReplyStatus = int32(binary.BigEndian.Uint32(b[24:]))
	copy(h.SessionID[:], b[28:44])
	h.ReplyTimeout = binary.BigEndian.Uint32(b[44:])
	copy(h.SourceURI[:], b[48:80])
	copy(h.DestURI[:], b[80:112])
	h.FCS = binary.BigEndian.Uint32(b[112:])
	if computed := FCS(b[0:112]); computed != h.FCS {
		return nil, fmt.Errorf("%w: MD header got 0x%08x want 0x%08x", ErrCrcMismatch, h.FCS, computed)
	}
	if !h.MsgType.Valid() || !h.MsgType.IsMD() {
		return nil, fmt.Errorf("%w: unexpected MD message type %s", ErrWireFormat, h.MsgType)
	}
	return h, nil
}

// SourceURIString returns the NUL-padded source URI as a Go string.
func (h *MDHeader) SourceURIString() string { return cstring(h.SourceURI[:]) }

// DestURIString returns the NUL-padded destination URI as a Go string.
func (h *MDHeader) DestURIString() string { return cstring(h.DestURI[:]) }

// SetSourceURI copies s into the fixed-width, NUL-padded source URI field.
func (h *MDHeader) SetSourceURI(s string) error { return setCString(h.SourceURI[:], s) }

// SetDestURI copies s into the fixed-width, NUL-padded destination URI field.
func (h *MDHeader) SetDestURI(s string) error { return setCString(h.DestURI[:], s) }

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func setCString(dst []byte, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("wire: %q too long for %d-byte field", s, len(dst))
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
	return nil
}

// VerifyPayloadCRC checks the last 4 bytes of padded against the CRC of the
// preceding bytes. padded must include the trailing CRC word.
func VerifyPayloadCRC(padded []byte) error {
	if len(padded) < 4 {
		return fmt.Errorf("%w: payload+CRC section shorter than 4 bytes", ErrWireFormat)
	}
	body, stored := padded[:len(padded)-4], binary.BigEndian.Uint32(padded[len(padded)-4:])
	if computed := FCS(body); computed != stored {
		return fmt.Errorf("%w: payload got 0x%08x want 0x%08x", ErrCrcMismatch, stored, computed)
	}
	return nil
}

// VerifyPayloadCRCWithSeed is VerifyPayloadCRC for SDTv2's SC-32, which seeds
// the CRC register with the telegram's Safe Message Identifier instead of
// the fixed seed the plain payload CRC uses.
func VerifyPayloadCRCWithSeed(padded []byte, seed uint32) error {
	if len(padded) < 4 {
		return fmt.Errorf("%w: payload+CRC section shorter than 4 bytes", ErrWireFormat)
	}
	body, stored := padded[:len(padded)-4], binary.BigEndian.Uint32(padded[len(padded)-4:])
	if computed := FCSWithSeed(body, seed); computed != stored {
		return fmt.Errorf("%w: SC-32 got 0x%08x want 0x%08x", ErrCrcMismatch, stored, computed)
	}
	return nil
}

// AppendPayloadCRC appends the big-endian CRC-32 of payload to it, returning
// the combined slice.
func AppendPayloadCRC(payload []byte) []byte {
	var crcBytes [4]byte
	binary.BigEndian.PutUint32(crcBytes[:], FCS(payload))
	return append(payload, crcBytes[:]...)
}
