// Copyright 2023 The AppScale Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package datastore

import (
	"encoding/json"

	"github.com/appscale/gts/dberrors"
)

// Direction of an index property.
type Direction string

// Index directions, as serialized into the coordination store.
const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// IndexProperty is one column of a composite index definition.
type IndexProperty struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
}

// CompositeIndex is an admin-managed multi-property index definition. It is
// persisted as JSON under the project's indexes node and consumed by the
// query engine to decide eligibility.
type CompositeIndex struct {
	ID       int64           `json:"id"`
	Kind     string          `json:"kind"`
	Ancestor bool            `json:"ancestor"`
	Ready    bool            `json:"ready"`
	Props    []IndexProperty `json:"properties"`
}

// PropertyNames returns the ordered list of indexed property names.
func (ci *CompositeIndex) PropertyNames() []string {
	names := make([]string, len(ci.Props))
	for i, p := range ci.Props {
		names[i] = p.Name
	}
	return names
}

// EncodeIndexes serializes a project's index definitions for storage.
func EncodeIndexes(indexes []CompositeIndex) ([]byte, error) {
	if indexes == nil {
		indexes = []CompositeIndex{}
	}
	blob, err := json.Marshal(indexes)
	if err != nil {
		return nil, dberrors.Internal("encoding index definitions: %s", err)
	}
	return blob, nil
}

// DecodeIndexes parses stored index definitions. Empty input yields an
// empty list.
func DecodeIndexes(blob []byte) ([]CompositeIndex, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var indexes []CompositeIndex
	if err := json.Unmarshal(blob, &indexes); err != nil {
		return nil, dberrors.Internal("decoding index definitions: %s", err)
	}
	return indexes, nil
}
