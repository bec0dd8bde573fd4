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
	"encoding/base64"
	"encoding/json"

	"github.com/appscale/gts/dberrors"
)

// Operator is a filter comparison operator.
type Operator int

// Filter operators. Exists filters are placeholders contributed by index
// definitions; they never constrain results on their own.
const (
	OpLessThan Operator = iota + 1
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpEqual
	OpExists
)

func (op Operator) String() string {
	switch op {
	case OpLessThan:
		return "<"
	case OpLessThanOrEqual:
		return "<="
	case OpGreaterThan:
		return ">"
	case OpGreaterThanOrEqual:
		return ">="
	case OpEqual:
		return "="
	case OpExists:
		return "exists"
	}
	return "?"
}

// Inequality reports whether the operator constrains a range.
func (op Operator) Inequality() bool {
	switch op {
	case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual:
		return true
	}
	return false
}

// KeyProperty is the reserved property name carrying the entity key.
const KeyProperty = "__key__"

// ScatterProperty is the reserved property the groomer populates on a
// sample of entities so split points can be computed over key ranges.
const ScatterProperty = "__scatter__"

// ReservedPropertyName reports whether name is a reserved (double
// underscore delimited) property.
func ReservedPropertyName(name string) bool {
	return len(name) > 4 && name[:2] == "__" && name[len(name)-2:] == "__"
}

// Filter constrains a single property. Key filters use KeyProperty and a
// KeyValue.
type Filter struct {
	Property string
	Op       Operator
	Value    Value
}

// Order is one sort order clause.
type Order struct {
	Property  string
	Direction Direction
}

// Query describes a datastore query.
type Query struct {
	App       string
	Namespace string
	Kind      string // "" for kindless
	Ancestor  *Key

	Filters []Filter
	Orders  []Order

	// Projection lists properties to synthesize from index data instead of
	// fetching full entities. GroupBy marks the distinct-on subset.
	Projection []string
	GroupBy    []string

	Limit    int // <= 0 means unbounded (capped by the engine)
	HasLimit bool
	Offset   int

	StartCursor *Cursor
	EndCursor   *Cursor
	Compile     bool

	// Txn ties the query to a transaction; only ancestor queries may set it.
	Txn int64

	// CompositeID references an explicit composite index chosen by the
	// caller; 0 means none.
	CompositeID int64

	KeysOnly bool
}

// Cursor marks a resumption point in a query's result stream. LastRow is
// the raw index row key of the last result; LastPath is the encoded entity
// path, used by strategies that track positions by entity rather than by
// index row.
type Cursor struct {
	LastRow   []byte `json:"last_row,omitempty"`
	LastPath  []byte `json:"last_path,omitempty"`
	Inclusive bool   `json:"inclusive,omitempty"`
}

// Encode serializes the cursor for transport.
func (c *Cursor) Encode() string {
	blob, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(blob)
}

// DecodeCursor parses a cursor produced by Encode.
func DecodeCursor(s string) (*Cursor, error) {
	blob, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, dberrors.BadRequest("malformed cursor: %s", err)
	}
	c := &Cursor{}
	if err := json.Unmarshal(blob, c); err != nil {
		return nil, dberrors.BadRequest("malformed cursor: %s", err)
	}
	return c, nil
}
