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

package codec

import (
	"bytes"
	"strconv"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
)

// PropertyIndexKey builds a row key for the ascending or descending
// property table:
//
//	app \x00 ns \x00 kind \x00 prop \x00 value \x00 path
//
// where value is the escaped encoded property value, complemented for the
// descending table.
func PropertyIndexKey(k datastore.Key, prop string, v datastore.Value, descending bool) []byte {
	val := EncodeIndexValue(v)
	if descending {
		val = ReverseLex(val)
	}
	return join(
		TablePrefix(k.App, k.Namespace),
		[]byte(k.Kind()),
		[]byte(prop),
		val,
		EncodePath(k.Path),
	)
}

// IndexKeyPrefix builds the scan prefix covering every entry of one
// property on one kind: "prefix \x00 kind \x00 prop \x00". Append a value
// (and more) to narrow the range further.
func IndexKeyPrefix(prefix []byte, kind, prop string) []byte {
	var buf bytes.Buffer
	buf.Write(prefix)
	buf.WriteByte(KeyDelimiter)
	buf.WriteString(kind)
	buf.WriteByte(KeyDelimiter)
	buf.WriteString(prop)
	buf.WriteByte(KeyDelimiter)
	return buf.Bytes()
}

// IndexEntry is a parsed property index row key.
type IndexEntry struct {
	App       string
	Namespace string
	Kind      string
	Property  string
	// Value is the escaped encoded value exactly as embedded in the row
	// key (still complemented for descending rows).
	Value []byte
	// Path is the encoded path of the referenced entity.
	Path []byte
}

// ReferencedKey returns the entities-table row key of the entity this
// entry points at.
func (e *IndexEntry) ReferencedKey() []byte {
	return join(TablePrefix(e.App, e.Namespace), e.Path)
}

// DecodeValue decodes the entry's property value, undoing the descending
// complement when asked.
func (e *IndexEntry) DecodeValue(descending bool) (datastore.Value, error) {
	val := e.Value
	if descending {
		val = ReverseLex(val)
	}
	return DecodeIndexValue(val)
}

// ParseIndexEntry splits a property index row key. Descending values may
// contain delimiter bytes after complementing, so everything between the
// fourth delimiter and the final path token is treated as the value.
func ParseIndexEntry(row []byte) (*IndexEntry, error) {
	tokens := bytes.Split(row, []byte{KeyDelimiter})
	if len(tokens) < 6 {
		return nil, dberrors.CorruptIndexEntry("short index row %q", row)
	}
	return &IndexEntry{
		App:       string(tokens[0]),
		Namespace: string(tokens[1]),
		Kind:      string(tokens[2]),
		Property:  string(tokens[3]),
		Value:     bytes.Join(tokens[4:len(tokens)-1], []byte{KeyDelimiter}),
		Path:      tokens[len(tokens)-1],
	}, nil
}

// CompositeKeysForEntity builds every composite-table row key an entity
// owns under one index definition: one row per element of the cartesian
// product of the indexed properties' values. An entity missing any indexed
// property owns no rows.
func CompositeKeysForEntity(index *datastore.CompositeIndex, e *datastore.Entity) [][]byte {
	props := e.IndexedProperties()
	choices := make([][][]byte, len(index.Props))
	for i, ip := range index.Props {
		values := props[ip.Name]
		if len(values) == 0 {
			return nil
		}
		encoded := make([][]byte, len(values))
		for j, v := range values {
			val := EncodeIndexValue(v)
			if ip.Direction == datastore.Descending {
				val = ReverseLex(val)
			}
			encoded[j] = val
		}
		choices[i] = encoded
	}

	pre := CompositeKeyPrefix(index, e.Key)
	path := EncodePath(e.Key.Path)

	keys := [][]byte{}
	indices := make([]int, len(choices))
	for {
		var buf bytes.Buffer
		buf.Write(pre)
		for i, c := range indices {
			buf.Write(choices[i][c])
			buf.WriteByte(KeyDelimiter)
		}
		buf.Write(path)
		keys = append(keys, buf.Bytes())

		// Advance the cartesian product odometer.
		i := len(indices) - 1
		for ; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(choices[i]) {
				break
			}
			indices[i] = 0
		}
		if i < 0 {
			return keys
		}
	}
}

// CompositeKeyPrefix builds the fixed prefix of an entity's composite
// rows: "app \x00 ns \x00 index_id \x00 [ancestor-path \x00]".
func CompositeKeyPrefix(index *datastore.CompositeIndex, k datastore.Key) []byte {
	var buf bytes.Buffer
	buf.Write(TablePrefix(k.App, k.Namespace))
	buf.WriteByte(KeyDelimiter)
	buf.WriteString(strconv.FormatInt(index.ID, 10))
	buf.WriteByte(KeyDelimiter)
	if index.Ancestor {
		buf.Write(EncodePath(k.Path[:1]))
		buf.WriteByte(KeyDelimiter)
	}
	return buf.Bytes()
}

// CompositeQueryPrefix builds the scan prefix for a composite query:
// like CompositeKeyPrefix but taking the ancestor from the query.
func CompositeQueryPrefix(index *datastore.CompositeIndex, app, namespace string, ancestor *datastore.Key) []byte {
	var buf bytes.Buffer
	buf.Write(TablePrefix(app, namespace))
	buf.WriteByte(KeyDelimiter)
	buf.WriteString(strconv.FormatInt(index.ID, 10))
	buf.WriteByte(KeyDelimiter)
	if index.Ancestor && ancestor != nil {
		buf.Write(EncodePath(ancestor.Path))
		buf.WriteByte(KeyDelimiter)
	}
	return buf.Bytes()
}

// CompositeRowIndexID extracts the index definition id from a composite
// row key. It needs no definition, so callers can tell which index a row
// belongs to before they know whether that index still exists.
func CompositeRowIndexID(row []byte) (int64, error) {
	tokens := bytes.SplitN(row, []byte{KeyDelimiter}, 4)
	if len(tokens) < 4 {
		return 0, dberrors.CorruptIndexEntry("short composite row %q", row)
	}
	id, err := strconv.ParseInt(string(tokens[2]), 10, 64)
	if err != nil {
		return 0, dberrors.CorruptIndexEntry("bad composite index id %q", tokens[2])
	}
	return id, nil
}

// CompositeEntry is a parsed composite index row key.
type CompositeEntry struct {
	App       string
	Namespace string
	IndexID   int64
	Ancestor  []byte // encoded root path, nil when the index has none
	// Values holds the directed encoded values, one per index property.
	Values [][]byte
	Path   []byte
}

// ParseCompositeEntry splits a composite row key against its definition.
// Directed values can embed delimiter bytes; parsing walks greedily and
// validates each candidate value by decoding it, extending the slice on
// failure, mirroring how rows are written.
func ParseCompositeEntry(index *datastore.CompositeIndex, row []byte) (*CompositeEntry, error) {
	tokens := bytes.Split(row, []byte{KeyDelimiter})
	minTokens := 3 + len(index.Props) + 1
	if index.Ancestor {
		minTokens++
	}
	if len(tokens) < minTokens {
		return nil, dberrors.CorruptIndexEntry("short composite row %q", row)
	}
	entry := &CompositeEntry{
		App:       string(tokens[0]),
		Namespace: string(tokens[1]),
	}
	id, err := strconv.ParseInt(string(tokens[2]), 10, 64)
	if err != nil {
		return nil, dberrors.CorruptIndexEntry("bad composite index id %q", tokens[2])
	}
	entry.IndexID = id
	tokens = tokens[3:]
	if index.Ancestor {
		entry.Ancestor = tokens[0]
		tokens = tokens[1:]
	}
	entry.Path = tokens[len(tokens)-1]
	valueTokens := tokens[:len(tokens)-1]

	pos := 0
	for _, ip := range index.Props {
		if pos >= len(valueTokens) {
			return nil, dberrors.CorruptIndexEntry("composite row %q is missing values", row)
		}
		// With no extra tokens, the mapping is one token per value.
		if len(valueTokens) == len(index.Props) {
			entry.Values = append(entry.Values, valueTokens[pos])
			pos++
			continue
		}
		// Otherwise grow the slice until the directed value decodes.
		end := pos + 1
		for {
			candidate := bytes.Join(valueTokens[pos:end], []byte{KeyDelimiter})
			directed := candidate
			if ip.Direction == datastore.Descending {
				directed = ReverseLex(candidate)
			}
			if _, err := DecodeIndexValue(directed); err == nil {
				entry.Values = append(entry.Values, candidate)
				pos = end
				break
			}
			end++
			if end > len(valueTokens) {
				return nil, dberrors.CorruptIndexEntry("undecodable composite value in %q", row)
			}
		}
	}
	return entry, nil
}
