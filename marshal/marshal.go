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
Package marshal converts between a host-endian application buffer and the
network-endian wire representation a Dataset describes. It is the one
component every publisher, subscriber and MD session call into on their hot
path, so it never allocates beyond the caller-supplied buffers except where
the dictionary walk itself must recurse.
*/
package marshal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/railtwin/trdp/dataset"
	"github.com/railtwin/trdp/hostendian"
)

// ErrBufferOverflow is returned when a source or destination buffer is too
// short to hold the element currently being transferred.
var ErrBufferOverflow = errors.New("marshal: buffer overflow")

// ErrStructureMismatch is returned when a TypeId cannot be resolved against
// the dictionary, or a dataset's declared length disagrees with its content.
var ErrStructureMismatch = errors.New("marshal: structure mismatch")

// Cache lets a repeated caller - typically a publisher re-marshalling the
// same ComId every cycle - skip the dictionary lookup after the first call.
type Cache struct {
	ds *dataset.Dataset
}

// Resolve returns the dataset for id, consulting cache first and populating
// it on a miss. Passing a nil cache simply performs the dictionary lookup.
func Resolve(dict *dataset.Dictionary, id dataset.TypeID, cache *Cache) (*dataset.Dataset, error) {
	if cache != nil && cache.ds != nil && cache.ds.ID == id {
		return cache.ds, nil
	}
	ds, ok := dict.Dataset(id)
	if !ok {
		return nil, fmt.Errorf("%w: dataset %d not found", ErrStructureMismatch, id)
	}
	if cache != nil {
		cache.ds = ds
	}
	return ds, nil
}

// Marshal converts host into ds's wire-format encoding, writing into wire
// (sized ahead of time with ComputeWireSize) and returning the number of
// bytes written. Partial writes into wire are possible on error; the caller
// must treat wire as invalid if err != nil.
func Marshal(dict *dataset.Dictionary, ds *dataset.Dataset, host, wire []byte) (int, error) {
	var hostOff, wireOff int
	if err := transcode(dict, ds, host, wire, &hostOff, &wireOff, true); err != nil {
		return 0, err
	}
	return wireOff, nil
}

// Unmarshal converts wire into ds's host-buffer representation, writing into
// host and returning the number of bytes written.
func Unmarshal(dict *dataset.Dictionary, ds *dataset.Dataset, wire, host []byte) (int, error) {
	var hostOff, wireOff int
	if err := transcode(dict, ds, host, wire, &hostOff, &wireOff, false); err != nil {
		return 0, err
	}
	return hostOff, nil
}

// ComputeWireSize returns the number of bytes ds would occupy on the wire for
// the given host buffer, without writing anywhere. If host is nil, every
// variable array is assumed to have zero current count and the minimum
// possible size is returned; a wire decode must instead use actual counts
// read off the wire.
func ComputeWireSize(dict *dataset.Dictionary, ds *dataset.Dataset, host []byte) (int, error) {
	var hostOff, wireOff int
	if err := sizeWalk(dict, ds, host, &hostOff, &wireOff); err != nil {
		return 0, err
	}
	return wireOff, nil
}

// transcode walks ds's elements in order, transferring bytes between host
// and wire representations. hostToWire selects the direction; hostOff/wireOff
// are advanced as elements are consumed, and variable array lengths are
// taken from the integer-typed scalar element immediately preceding them.
func transcode(dict *dataset.Dictionary, ds *dataset.Dataset, host, wire []byte, hostOff, wireOff *int, hostToWire bool) error {
	var lastInt int64
	for i := range ds.Elements {
		e := &ds.Elements[i]
		count, err := elementCount(e, lastInt)
		if err != nil {
			return err
		}

		if e.TypeID.IsCompound() {
			nested, ok := dict.Dataset(e.TypeID)
			if !ok {
				return fmt.Errorf("%w: dataset %d referenced by %q not found", ErrStructureMismatch, e.TypeID, e.Name)
			}
			align := alignment(e.TypeID)
			for n := 0; n < count; n++ {
				*hostOff = alignOffset(*hostOff, align)
				if err := transcode(dict, nested, host, wire, hostOff, wireOff, hostToWire); err != nil {
					return err
				}
			}
			continue
		}

		w, ok := dataset.PrimitiveWidth(e.TypeID)
		if !ok {
			return fmt.Errorf("%w: unknown primitive TypeId %d for %q", ErrStructureMismatch, e.TypeID, e.Name)
		}
		align := alignment(e.TypeID)
		for n := 0; n < count; n++ {
			*hostOff = alignOffset(*hostOff, align)
			v, err := transferPrimitive(e, host, wire, *hostOff, *wireOff, hostToWire)
			if err != nil {
				return err
			}
			if isIntegerType(e.TypeID) {
				lastInt = v
			}
			*hostOff += w
			*wireOff += w
		}
	}
	return nil
}

// sizeWalk mirrors transcode but never writes: it only accumulates the wire
// size, optionally consulting host to learn variable array lengths.
func sizeWalk(dict *dataset.Dictionary, ds *dataset.Dataset, host []byte, hostOff, wireOff *int) error {
	haveHost := host != nil
	var lastInt int64
	for i := range ds.Elements {
		e := &ds.Elements[i]
		var count int
		if e.IsVariable() {
			if haveHost {
				count = int(lastInt)
				if count < 0 {
					return fmt.Errorf("%w: negative array length for %q", ErrStructureMismatch, e.Name)
				}
			}
		} else {
			count = int(e.ArraySize)
		}

		if e.TypeID.IsCompound() {
			nested, ok := dict.Dataset(e.TypeID)
			if !ok {
				return fmt.Errorf("%w: dataset %d referenced by %q not found", ErrStructureMismatch, e.TypeID, e.Name)
			}
			align := alignment(e.TypeID)
			for n := 0; n < count; n++ {
				*hostOff = alignOffset(*hostOff, align)
				if err := sizeWalk(dict, nested, host, hostOff, wireOff); err != nil {
					return err
				}
			}
			continue
		}

		w, ok := dataset.PrimitiveWidth(e.TypeID)
		if !ok {
			return fmt.Errorf("%w: unknown primitive TypeId %d for %q", ErrStructureMismatch, e.TypeID, e.Name)
		}
		align := alignment(e.TypeID)
		for n := 0; n < count; n++ {
			*hostOff = alignOffset(*hostOff, align)
			if haveHost && isIntegerType(e.TypeID) {
				if *hostOff+w > len(host) {
					return fmt.Errorf("%w: host buffer too short for %q at offset %d", ErrBufferOverflow, e.Name, *hostOff)
				}
				lastInt = readHostInt(host[*hostOff : *hostOff+w])
			}
			*hostOff += w
			*wireOff += w
		}
	}
	return nil
}

func elementCount(e *dataset.Element, lastInt int64) (int, error) {
	if !e.IsVariable() {
		return int(e.ArraySize), nil
	}
	if lastInt < 0 {
		return 0, fmt.Errorf("%w: negative array length for %q", ErrStructureMismatch, e.Name)
	}
	return int(lastInt), nil
}

func isIntegerType(id dataset.TypeID) bool {
	switch id {
	case dataset.BOOL8, dataset.INT8, dataset.INT16, dataset.INT32, dataset.INT64,
		dataset.UINT8, dataset.UINT16, dataset.UINT32, dataset.UINT64:
		return true
	}
	return false
}

func alignment(id dataset.TypeID) int {
	switch id {
	case dataset.UTF16, dataset.INT16, dataset.UINT16:
		return 2
	case dataset.INT32, dataset.UINT32, dataset.REAL32, dataset.TIMEDATE32, dataset.TIMEDATE48, dataset.TIMEDATE64:
		return 4
	case dataset.INT64, dataset.UINT64, dataset.REAL64:
		return 8
	}
	if id.IsCompound() {
		// Nested datasets start on a 4-byte boundary whatever their members
		// are, since the walk does not look ahead at the nested dataset's
		// widest member; each member is then aligned to its own width.
		return 4
	}
	return 1
}

func alignOffset(off, a int) int {
	if a <= 1 {
		return off
	}
	if rem := off % a; rem != 0 {
		return off + (a - rem)
	}
	return off
}

func readHostInt(hb []byte) int64 {
	switch len(hb) {
	case 1:
		return int64(hb[0])
	case 2:
		return int64(hostendian.Order.Uint16(hb))
	case 4:
		return int64(hostendian.Order.Uint32(hb))
	case 8:
		return int64(hostendian.Order.Uint64(hb))
	}
	return 0
}

func wireOrder(e *dataset.Element) binary.ByteOrder {
	if e.Endian == dataset.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// transferPrimitive moves one primitive element occurrence's bytes between
// host and wire, converting byte order, and returns its decoded integer
// value when it is an integer-kinded element (for variable-array tracking).
func transferPrimitive(e *dataset.Element, host, wire []byte, hostOff, wireOff int, hostToWire bool) (int64, error) {
	w, ok := dataset.PrimitiveWidth(e.TypeID)
	if !ok {
		return 0, fmt.Errorf("%w: unknown primitive TypeId %d", ErrStructureMismatch, e.TypeID)
	}
	if hostOff+w > len(host) {
		return 0, fmt.Errorf("%w: host buffer too short for %s at offset %d", ErrBufferOverflow, e.TypeID, hostOff)
	}
	if wireOff+w > len(wire) {
		return 0, fmt.Errorf("%w: wire buffer too short for %s at offset %d", ErrBufferOverflow, e.TypeID, wireOff)
	}

	hb := host[hostOff : hostOff+w]
	wb := wire[wireOff : wireOff+w]
	wo := wireOrder(e)

	switch e.TypeID {
	case dataset.CHAR8, dataset.BOOL8, dataset.INT8, dataset.UINT8:
		if hostToWire {
			wb[0] = hb[0]
		} else {
			hb[0] = wb[0]
		}
		return int64(wb[0]), nil
	case dataset.TIMEDATE48:
		if err := transferWord(hb[0:4], wb[0:4], hostToWire, wo); err != nil {
			return 0, err
		}
		return 0, transferWord(hb[4:6], wb[4:6], hostToWire, wo)
	case dataset.TIMEDATE64:
		if err := transferWord(hb[0:4], wb[0:4], hostToWire, wo); err != nil {
			return 0, err
		}
		return 0, transferWord(hb[4:8], wb[4:8], hostToWire, wo)
	default:
		return transferWordValue(hb, wb, hostToWire, wo, isIntegerType(e.TypeID))
	}
}

// transferWord swaps a 2/4/8-byte word between host-native and the chosen
// wire byte order. Floats ride along unchanged as raw IEEE-754 bit patterns -
// only the byte order changes, never the bits.
func transferWord(hb, wb []byte, hostToWire bool, wo binary.ByteOrder) error {
	_, err := transferWordValue(hb, wb, hostToWire, wo, false)
	return err
}

func transferWordValue(hb, wb []byte, hostToWire bool, wo binary.ByteOrder, wantValue bool) (int64, error) {
	switch len(hb) {
	case 2:
		if hostToWire {
			v := hostendian.Order.Uint16(hb)
			wo.PutUint16(wb, v)
			if wantValue {
				return int64(v), nil
			}
			return 0, nil
		}
		v := wo.Uint16(wb)
		hostendian.Order.PutUint16(hb, v)
		if wantValue {
			return int64(v), nil
		}
		return 0, nil
	case 4:
		if hostToWire {
			v := hostendian.Order.Uint32(hb)
			wo.PutUint32(wb, v)
			if wantValue {
				return int64(v), nil
			}
			return 0, nil
		}
		v := wo.Uint32(wb)
		hostendian.Order.PutUint32(hb, v)
		if wantValue {
			return int64(v), nil
		}
		return 0, nil
	case 8:
		if hostToWire {
			v := hostendian.Order.Uint64(hb)
			wo.PutUint64(wb, v)
			if wantValue {
				return int64(v), nil
			}
			return 0, nil
		}
		v := wo.Uint64(wb)
		hostendian.Order.PutUint64(hb, v)
		if wantValue {
			return int64(v), nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: unsupported word width %d", ErrStructureMismatch, len(hb))
}
