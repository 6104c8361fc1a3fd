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

package marshal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/railtwin/trdp/dataset"
	"github.com/railtwin/trdp/hostendian"
)

// variableArrayDataset is A=UINT16 scalar followed by B=UINT32[N], matching
// the worked example of a scalar-prefixed variable array.
func variableArrayDataset() *dataset.Dataset {
	return &dataset.Dataset{
		ID:   1000,
		Name: "variableArray",
		Elements: []dataset.Element{
			{Name: "A", TypeID: dataset.UINT16, ArraySize: 1},
			{Name: "B", TypeID: dataset.UINT32, ArraySize: 0},
		},
	}
}

func TestMarshalVariableArrayScenario(t *testing.T) {
	dict := dataset.NewDictionary()
	ds := variableArrayDataset()
	require.NoError(t, dict.Register(ds))
	require.NoError(t, dict.Validate())

	host := make([]byte, 16)
	hostendian.Order.PutUint16(host[0:2], 3)
	hostendian.Order.PutUint32(host[4:8], 0x11)
	hostendian.Order.PutUint32(host[8:12], 0x22)
	hostendian.Order.PutUint32(host[12:16], 0x33)

	size, err := ComputeWireSize(dict, ds, host)
	require.NoError(t, err)
	require.Equal(t, 14, size)

	wire := make([]byte, size)
	n, err := Marshal(dict, ds, host, wire)
	require.NoError(t, err)
	require.Equal(t, 14, n)

	want := []byte{
		0x00, 0x03,
		0x00, 0x00, 0x00, 0x11,
		0x00, 0x00, 0x00, 0x22,
		0x00, 0x00, 0x00, 0x33,
	}
	require.Equal(t, want, wire)
}

func TestUnmarshalVariableArrayScenario(t *testing.T) {
	dict := dataset.NewDictionary()
	ds := variableArrayDataset()
	require.NoError(t, dict.Register(ds))

	wire := []byte{
		0x00, 0x03,
		0x00, 0x00, 0x00, 0x11,
		0x00, 0x00, 0x00, 0x22,
		0x00, 0x00, 0x00, 0x33,
	}
	host := make([]byte, 16)
	n, err := Unmarshal(dict, ds, wire, host)
	require.NoError(t, err)
	require.Equal(t, 16, n)

	require.EqualValues(t, 3, hostendian.Order.Uint16(host[0:2]))
	require.EqualValues(t, 0x11, hostendian.Order.Uint32(host[4:8]))
	require.EqualValues(t, 0x22, hostendian.Order.Uint32(host[8:12]))
	require.EqualValues(t, 0x33, hostendian.Order.Uint32(host[12:16]))
}

func TestComputeWireSizeWithNilHostAssumesZeroCount(t *testing.T) {
	dict := dataset.NewDictionary()
	ds := variableArrayDataset()
	require.NoError(t, dict.Register(ds))

	size, err := ComputeWireSize(dict, ds, nil)
	require.NoError(t, err)
	require.Equal(t, 2, size) // just A, B assumed empty
}

func TestMarshalBufferOverflow(t *testing.T) {
	dict := dataset.NewDictionary()
	ds := variableArrayDataset()
	require.NoError(t, dict.Register(ds))

	host := make([]byte, 16)
	hostendian.Order.PutUint16(host[0:2], 1)
	hostendian.Order.PutUint32(host[4:8], 0xaa)

	wire := make([]byte, 4) // too small for A (2) + one B (4) = 6
	_, err := Marshal(dict, ds, host, wire)
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestMarshalRoundTripThroughNestedDataset(t *testing.T) {
	dict := dataset.NewDictionary()
	require.NoError(t, dict.Register(&dataset.Dataset{
		ID:   1001,
		Name: "point",
		Elements: []dataset.Element{
			{Name: "x", TypeID: dataset.INT16, ArraySize: 1},
			{Name: "y", TypeID: dataset.INT16, ArraySize: 1},
		},
	}))
	outer := &dataset.Dataset{
		ID:   1000,
		Name: "track",
		Elements: []dataset.Element{
			{Name: "count", TypeID: dataset.UINT8, ArraySize: 1},
			{Name: "points", TypeID: 1001, ArraySize: 0},
		},
	}
	require.NoError(t, dict.Register(outer))
	require.NoError(t, dict.Validate())

	host := make([]byte, 32)
	host[0] = 2
	hostendian.Order.PutUint16(host[4:6], 10)
	hostendian.Order.PutUint16(host[6:8], 20)
	hostendian.Order.PutUint16(host[8:10], 30)
	hostendian.Order.PutUint16(host[10:12], 40)

	size, err := ComputeWireSize(dict, outer, host)
	require.NoError(t, err)
	require.Equal(t, 9, size) // 1 (count) + 2*4 (two points)

	wire := make([]byte, size)
	n, err := Marshal(dict, outer, host, wire)
	require.NoError(t, err)
	require.Equal(t, size, n)
	require.Equal(t, []byte{2, 0, 10, 0, 20, 0, 30, 0, 40}, wire)

	roundTrip := make([]byte, len(host))
	_, err = Unmarshal(dict, outer, wire, roundTrip)
	require.NoError(t, err)
	require.Equal(t, host[:12], roundTrip[:12])
}

func TestMarshalLittleEndianElement(t *testing.T) {
	dict := dataset.NewDictionary()
	ds := &dataset.Dataset{
		ID:   1000,
		Name: "leValue",
		Elements: []dataset.Element{
			{Name: "v", TypeID: dataset.UINT32, ArraySize: 1, Endian: dataset.LittleEndian},
		},
	}
	require.NoError(t, dict.Register(ds))

	host := make([]byte, 4)
	hostendian.Order.PutUint32(host, 0x01020304)

	wire := make([]byte, 4)
	_, err := Marshal(dict, ds, host, wire)
	require.NoError(t, err)
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, wire)
}

func TestMarshalUnknownPrimitiveIsStructureMismatch(t *testing.T) {
	dict := dataset.NewDictionary()
	ds := &dataset.Dataset{
		ID:   1000,
		Name: "bogus",
		Elements: []dataset.Element{
			{Name: "v", TypeID: dataset.TypeID(99), ArraySize: 1},
		},
	}
	require.NoError(t, dict.Register(ds))

	_, err := ComputeWireSize(dict, ds, make([]byte, 8))
	require.ErrorIs(t, err, ErrStructureMismatch)
}

func TestResolveCache(t *testing.T) {
	dict := dataset.NewDictionary()
	ds := &dataset.Dataset{ID: 1000, Name: "cached"}
	require.NoError(t, dict.Register(ds))

	var cache Cache
	got, err := Resolve(dict, 1000, &cache)
	require.NoError(t, err)
	require.Same(t, ds, got)

	got2, err := Resolve(dict, 1000, &cache)
	require.NoError(t, err)
	require.Same(t, ds, got2)

	_, err = Resolve(dict, 9999, &cache)
	require.ErrorIs(t, err, ErrStructureMismatch)
}
