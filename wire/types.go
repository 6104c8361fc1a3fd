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

/*
Package wire implements the TRDP common header and its PD/MD tails: fixed
24/40/116-byte layouts, big-endian encode/decode, and the header/payload
CRC-32 (IEEE 802.3) that guards them. It is the codec leaf of the stack -
everything above it (the marshaller, the PD and MD engines) is built on top
of the Header/PDHeader/MDHeader types defined here.
*/
package wire

import "fmt"

// MsgType is the two-ASCII-character message type code carried at header
// offset 6. Kept as a tagged variant (not a raw [2]byte) so the PD and MD
// state machines can switch over it exhaustively.
type MsgType uint16

// Message type wire codes, exactly as specified: two ASCII bytes, case sensitive.
const (
	MsgPD MsgType = 'P'<<8 | 'd' // push Process Data
	MsgPP MsgType = 'P'<<8 | 'p' // pulled PD reply
	MsgPR MsgType = 'P'<<8 | 'r' // PD request
	MsgMN MsgType = 'M'<<8 | 'n' // MD notification
	MsgMR MsgType = 'M'<<8 | 'r' // MD request
	MsgMP MsgType = 'M'<<8 | 'p' // MD reply, no confirm required
	MsgMQ MsgType = 'M'<<8 | 'q' // MD reply, confirm required
	MsgMC MsgType = 'M'<<8 | 'c' // MD confirm
	MsgME MsgType = 'M'<<8 | 'e' // MD error
)

var msgTypeNames = map[MsgType]string{
	MsgPD: "Pd", MsgPP: "Pp", MsgPR: "Pr",
	MsgMN: "Mn", MsgMR: "Mr", MsgMP: "Mp", MsgMQ: "Mq", MsgMC: "Mc", MsgME: "Me",
}

func (m MsgType) String() string {
	if s, ok := msgTypeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(0x%04x)", uint16(m))
}

// IsPD reports whether the type belongs to the Process Data class.
func (m MsgType) IsPD() bool {
	switch m {
	case MsgPD, MsgPP, MsgPR:
		return true
	}
	return false
}

// IsMD reports whether the type belongs to the Message Data class.
func (m MsgType) IsMD() bool {
	switch m {
	case MsgMN, MsgMR, MsgMP, MsgMQ, MsgMC, MsgME:
		return true
	}
	return false
}

// Valid reports whether m is one of the nine defined message type codes.
func (m MsgType) Valid() bool {
	_, ok := msgTypeNames[m]
	return ok
}

// Protocol version this stack speaks, encoded as major<<8|minor at header offset 4.
const (
	MajorVersion uint8 = 2
	MinorVersion uint8 = 0
)

// ProtocolVersion is the wire-format value of the version field we emit.
var ProtocolVersion = uint16(MajorVersion)<<8 | uint16(MinorVersion)

// Default UDP/TCP port numbers.
const (
	PortPD = 17224
	PortMD = 17225
)

// CommonHeaderSize is the size, in bytes, of the fields shared by every
// message type: sequence counter, version, type, ComId, both topocounts and
// the dataset length.
const CommonHeaderSize = 24

// PDHeaderSize is the total size of a PD frame's header (common prefix plus
// the PD-specific tail, up to and including the header FCS).
const PDHeaderSize = 40

// MDHeaderSize is the total size of an MD frame's header (common prefix plus
// the MD-specific tail, up to and including the header FCS).
const MDHeaderSize = 116

// SessionIDSize is the length in bytes of an MD session UUID.
const SessionIDSize = 16

// URISize is the fixed, NUL-padded ASCII width of the MD source/destination URI fields.
const URISize = 32
