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
	"hash/crc32"
)

// FCS computes the IEEE 802.3 CRC-32 over buf, seeded with 0xFFFFFFFF and
// with the final result XORed with 0xFFFFFFFF - exactly what crc32.ChecksumIEEE
// already does, since that is how the Ethernet FCS algorithm is defined.
func FCS(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}

// PutFCS writes the big-endian FCS of buf into the first 4 bytes of b.
func PutFCS(b []byte, buf []byte) {
	binary.BigEndian.PutUint32(b, FCS(buf))
}

// FCSWithSeed computes the same IEEE 802.3 CRC-32 polynomial as FCS, but
// starting the running register from seed instead of the fixed 0xFFFFFFFF.
// This is SDTv2's SC-32 payload-safety CRC (see SPEC_FULL.md's SUPPLEMENTED
// FEATURES), seeded per telegram with a Safe Message Identifier rather than
// the fixed seed used for header/payload framing.
func FCSWithSeed(buf []byte, seed uint32) uint32 {
	// crc32.Update inverts its argument to get the register value, so pass
	// ^seed to start the register from seed itself.
	return crc32.Update(^seed, crc32.IEEETable, buf)
}

// PutFCSWithSeed writes the big-endian, seed-started FCS of buf into the
// first 4 bytes of b.
func PutFCSWithSeed(b []byte, buf []byte, seed uint32) {
	binary.BigEndian.PutUint32(b, FCSWithSeed(buf, seed))
}

// PadLen rounds n up to the next multiple of 4, as the wire frame's payload
// section is always zero-padded to a 4-byte boundary.
func PadLen(n int) int {
	if rem := n % 4; rem != 0 {
		return n + (4 - rem)
	}
	return n
}
