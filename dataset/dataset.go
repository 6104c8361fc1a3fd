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
Package dataset implements the in-memory dataset dictionary: the registry of
structured types a session marshals payloads against. It is populated once,
at session open, by whatever external collaborator parses the XML
configuration (out of scope here - see the session's Config), and is
read-only for the remainder of the session's life.
*/
package dataset

import "fmt"

// TypeID identifies either a primitive wire kind (1-16) or, for values >=
// FirstDatasetID, a compound dataset defined in the same dictionary.
type TypeID uint32

// Primitive type IDs, Table 3 of the TRDP user manual.
const (
	BOOL8      TypeID = 1 // alias BITSET8
	BITSET8    TypeID = 1
	CHAR8      TypeID = 2
	UTF16      TypeID = 3
	INT8       TypeID = 4
	INT16      TypeID = 5
	INT32      TypeID = 6
	INT64      TypeID = 7
	UINT8      TypeID = 8
	UINT16     TypeID = 9
	UINT32     TypeID = 10
	UINT64     TypeID = 11
	REAL32     TypeID = 12
	REAL64     TypeID = 13
	TIMEDATE32 TypeID = 14
	TIMEDATE48 TypeID = 15
	TIMEDATE64 TypeID = 16
)

// FirstDatasetID is the lowest TypeID that denotes a compound dataset rather
// than a primitive.
const FirstDatasetID TypeID = 1000

// IsPrimitive reports whether id names one of the sixteen built-in kinds.
func (id TypeID) IsPrimitive() bool {
	return id >= BOOL8 && id <= TIMEDATE64
}

// IsCompound reports whether id names a dataset defined elsewhere in the dictionary.
func (id TypeID) IsCompound() bool {
	return id >= FirstDatasetID
}

var primitiveWidths = map[TypeID]int{
	BOOL8: 1, CHAR8: 1, UTF16: 2,
	INT8: 1, INT16: 2, INT32: 4, INT64: 8,
	UINT8: 1, UINT16: 2, UINT32: 4, UINT64: 8,
	REAL32: 4, REAL64: 8,
	TIMEDATE32: 4, TIMEDATE48: 6, TIMEDATE64: 8,
}

var primitiveNames = map[TypeID]string{
	BOOL8: "BOOL8/BITSET8", CHAR8: "CHAR8", UTF16: "UTF16",
	INT8: "INT8", INT16: "INT16", INT32: "INT32", INT64: "INT64",
	UINT8: "UINT8", UINT16: "UINT16", UINT32: "UINT32", UINT64: "UINT64",
	REAL32: "REAL32", REAL64: "REAL64",
	TIMEDATE32: "TIMEDATE32", TIMEDATE48: "TIMEDATE48", TIMEDATE64: "TIMEDATE64",
}

// PrimitiveWidth returns the fixed wire width, in bytes, of a primitive TypeID.
func PrimitiveWidth(id TypeID) (int, bool) {
	w, ok := primitiveWidths[id]
	return w, ok
}

func (id TypeID) String() string {
	if n, ok := primitiveNames[id]; ok {
		return n
	}
	return fmt.Sprintf("Dataset(%d)", uint32(id))
}

// Endian is the per-element byte order tag. The base sixteen primitives are
// always big-endian on the wire; the dissector's little-endian variants
// (INT32_LE, REAL64_LE, ...) are expressed by setting this to LittleEndian
// on the element rather than by minting new TypeIDs.
type Endian uint8

// Endian tag values.
const (
	BigEndian Endian = iota
	LittleEndian
)

// Element describes one field of a Dataset: its type, cardinality and
// optional scaling/unit metadata.
type Element struct {
	Name   string // optional; "" if the dictionary carries none
	TypeID TypeID
	Endian Endian

	// ArraySize is the cardinality: 1 = scalar, N>1 = fixed array, 0 = a
	// variable-size array whose runtime length is read off the
	// immediately preceding integer-typed scalar element.
	ArraySize uint32

	Unit string // optional; "" if none

	HasScale bool
	Scale    float64
	HasOffset bool
	Offset   int32
}

// IsVariable reports whether the element's length is determined at runtime.
func (e *Element) IsVariable() bool { return e.ArraySize == 0 }

// Apply converts a raw decoded value into its scaled, offset engineering
// value: scale*raw + offset. Elements with neither scale nor offset return v unchanged.
func (e *Element) Apply(v float64) float64 {
	scale := 1.0
	if e.HasScale {
		scale = e.Scale
	}
	offset := 0.0
	if e.HasOffset {
		offset = float64(e.Offset)
	}
	return scale*v + offset
}

// Dataset is a named, ordered sequence of Elements - a compound TypeID's definition.
type Dataset struct {
	ID       TypeID
	Name     string
	Elements []Element
}

// Dictionary is the registry of all datasets known to a session, plus the
// ComId -> DatasetId bindings used to resolve an incoming/outgoing telegram's
// payload schema. It is built once at session open and is safe to share
// lock-free thereafter: nothing mutates it after Validate succeeds.
type Dictionary struct {
	datasets map[TypeID]*Dataset
	comIDs   map[uint32]TypeID
}

// NewDictionary returns an empty dictionary ready for Register/BindComID calls.
func NewDictionary() *Dictionary {
	return &Dictionary{
		datasets: make(map[TypeID]*Dataset),
		comIDs:   make(map[uint32]TypeID),
	}
}

// Register adds (or replaces) a dataset definition. It does not validate
// cross-references; call Validate once the whole dictionary is loaded.
func (d *Dictionary) Register(ds *Dataset) error {
	if !ds.ID.IsCompound() {
		return fmt.Errorf("dataset: id %d is reserved for primitive types, compound datasets start at %d", ds.ID, FirstDatasetID)
	}
	d.datasets[ds.ID] = ds
	return nil
}

// BindComID maps a ComId to the DatasetId defining its payload schema.
func (d *Dictionary) BindComID(comID uint32, datasetID TypeID) error {
	if _, ok := d.datasets[datasetID]; !ok {
		return fmt.Errorf("dataset: ComId %d refers to unknown dataset %d", comID, datasetID)
	}
	d.comIDs[comID] = datasetID
	return nil
}

// Dataset looks up a dataset by its TypeID.
func (d *Dictionary) Dataset(id TypeID) (*Dataset, bool) {
	ds, ok := d.datasets[id]
	return ds, ok
}

// DatasetForComID resolves the dataset bound to a ComId.
func (d *Dictionary) DatasetForComID(comID uint32) (*Dataset, bool) {
	id, ok := d.comIDs[comID]
	if !ok {
		return nil, false
	}
	return d.Dataset(id)
}

// Validate walks every registered dataset and checks the three dictionary
// invariants: no element directly recurses into its enclosing dataset, every
// referenced TypeId resolves (primitive or defined dataset), and every
// variable-size array is preceded by an integer-typed scalar length element.
func (d *Dictionary) Validate() error {
	for id, ds := range d.datasets {
		if err := d.validateDataset(ds, id); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dictionary) validateDataset(ds *Dataset, enclosing TypeID) error {
	for i, el := range ds.Elements {
		if el.TypeID.IsCompound() {
			if el.TypeID == enclosing {
				return fmt.Errorf("dataset %d: element %d (%q) directly recurses into its enclosing dataset", ds.ID, i, el.Name)
			}
			if _, ok := d.datasets[el.TypeID]; !ok {
				return fmt.Errorf("dataset %d: element %d (%q) refers to undefined dataset %d", ds.ID, i, el.Name, el.TypeID)
			}
		} else if !el.TypeID.IsPrimitive() {
			return fmt.Errorf("dataset %d: element %d (%q) has invalid TypeId %d", ds.ID, i, el.Name, el.TypeID)
		}
		if el.IsVariable() {
			if i == 0 {
				return fmt.Errorf("dataset %d: element %d (%q) is a variable array with no preceding length element", ds.ID, i, el.Name)
			}
			prev := ds.Elements[i-1]
			if !isInteger(prev.TypeID) || prev.ArraySize != 1 {
				return fmt.Errorf("dataset %d: element %d (%q) must be preceded by an integer scalar supplying its length", ds.ID, i, el.Name)
			}
		}
	}
	return nil
}

func isInteger(id TypeID) bool {
	switch id {
	case BOOL8, INT8, INT16, INT32, INT64, UINT8, UINT16, UINT32, UINT64:
		return true
	}
	return false
}
