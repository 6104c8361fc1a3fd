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

package dataset

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// yamlDictionary is the on-disk shape of a dataset dictionary. The wire
// format XML dissector configuration this would normally come from is out
// of scope (see the package doc comment); YAML is used here instead since
// it is already the session's own configuration format.
type yamlDictionary struct {
	Datasets []yamlDataset `yaml:"datasets"`
	ComIDs   []yamlComID   `yaml:"com_ids"`
}

type yamlDataset struct {
	ID       TypeID        `yaml:"id"`
	Name     string        `yaml:"name"`
	Elements []yamlElement `yaml:"elements"`
}

type yamlElement struct {
	Name      string  `yaml:"name"`
	TypeID    TypeID  `yaml:"type_id"`
	Endian    string  `yaml:"endian"` // "", "big" or "little"
	ArraySize uint32  `yaml:"array_size"`
	Unit      string  `yaml:"unit"`
	Scale     *float64 `yaml:"scale"`
	Offset    *int32   `yaml:"offset"`
}

type yamlComID struct {
	ComID     uint32 `yaml:"com_id"`
	DatasetID TypeID `yaml:"dataset_id"`
}

// LoadDictionaryYAML reads a dataset dictionary and its ComId bindings from
// a YAML file and validates the result.
func LoadDictionaryYAML(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var y yamlDictionary
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("dataset: parsing %s: %w", path, err)
	}

	d := NewDictionary()
	for _, yds := range y.Datasets {
		ds := &Dataset{ID: yds.ID, Name: yds.Name}
		for _, ye := range yds.Elements {
			e := Element{
				Name:      ye.Name,
				TypeID:    ye.TypeID,
				ArraySize: ye.ArraySize,
				Unit:      ye.Unit,
			}
			switch ye.Endian {
			case "", "big":
				e.Endian = BigEndian
			case "little":
				e.Endian = LittleEndian
			default:
				return nil, fmt.Errorf("dataset: dataset %d element %q: unknown endian %q", yds.ID, ye.Name, ye.Endian)
			}
			if ye.Scale != nil {
				e.HasScale = true
				e.Scale = *ye.Scale
			}
			if ye.Offset != nil {
				e.HasOffset = true
				e.Offset = *ye.Offset
			}
			ds.Elements = append(ds.Elements, e)
		}
		if err := d.Register(ds); err != nil {
			return nil, fmt.Errorf("dataset: registering dataset %d: %w", yds.ID, err)
		}
	}
	for _, yc := range y.ComIDs {
		if err := d.BindComID(yc.ComID, yc.DatasetID); err != nil {
			return nil, err
		}
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("dataset: validating %s: %w", path, err)
	}
	return d, nil
}
