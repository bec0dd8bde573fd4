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

// Package codec implements the order-preserving byte encodings for entity
// paths, property values and index row keys.
//
// Row keys are built from fields joined by a delimiter byte that is
// forbidden in kinds and property names; raw value bytes that may contain
// the delimiter are escaped first so splitting a key on the delimiter stays
// unambiguous. Descending indexes store the bitwise complement of the
// ascending encoding so the same ascending column-family mechanics serve
// both directions.
package codec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
)

// Delimiter scheme. These byte values are load-bearing: rows written by
// previous deployments must keep sorting and splitting the same way.
const (
	// KeyDelimiter joins row key fields.
	KeyDelimiter = byte(0x00)
	// KindSeparator joins and terminates path elements.
	KindSeparator = byte(0x01)
	// IDSeparator splits a path element's kind from its id or name.
	IDSeparator = ":"
	// IDKeyLength is the zero-padded width of numeric ids, chosen so the
	// lexicographic order of padded ids matches numeric order.
	IDKeyLength = 10
)

// TerminatingBytes sorts after every legal encoded value and closes range
// scans.
var TerminatingBytes = []byte{0xFF, 0xFF, 0xFF, 0xFF}

// MinIndexValue sorts before every legal escaped value byte.
const MinIndexValue = byte(0x01)

// EncodePath encodes an ancestor path: "kind:id" pairs joined and
// terminated by the kind separator, numeric ids zero padded.
func EncodePath(p datastore.Path) []byte {
	var buf bytes.Buffer
	for _, e := range p {
		buf.WriteString(e.Kind)
		buf.WriteString(IDSeparator)
		if e.Name != "" {
			buf.WriteString(e.Name)
		} else {
			buf.WriteString(PadID(e.ID))
		}
		buf.WriteByte(KindSeparator)
	}
	return buf.Bytes()
}

// PadID renders a numeric id at fixed width.
func PadID(id int64) string {
	return fmt.Sprintf("%0*d", IDKeyLength, id)
}

// DecodePath parses an encoded path. Malformed input reports
// CorruptIndexEntry; callers treat the referencing entry as invalid.
func DecodePath(b []byte) (datastore.Path, error) {
	s := string(b)
	if s == "" {
		return nil, dberrors.CorruptIndexEntry("empty path")
	}
	if s[len(s)-1] != KindSeparator {
		return nil, dberrors.CorruptIndexEntry("unterminated path %q", s)
	}
	var path datastore.Path
	for _, tok := range strings.Split(s[:len(s)-1], string(KindSeparator)) {
		kind, id, ok := strings.Cut(tok, IDSeparator)
		if !ok || kind == "" {
			return nil, dberrors.CorruptIndexEntry("bad path element %q", tok)
		}
		elem := datastore.Element{Kind: kind}
		// Scattered ids overflow the pad width, so longer all-digit
		// segments are still numeric.
		if len(id) >= IDKeyLength && isDigits(id) {
			n, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return nil, dberrors.CorruptIndexEntry("bad numeric id %q", id)
			}
			elem.ID = n
		} else {
			elem.Name = id
		}
		path = append(path, elem)
	}
	return path, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// KindFromEncodedPath extracts the leaf kind of an encoded path.
func KindFromEncodedPath(b []byte) (string, error) {
	path, err := DecodePath(b)
	if err != nil {
		return "", err
	}
	return path[len(path)-1].Kind, nil
}

// TablePrefix is the per-app, per-namespace row key prefix.
func TablePrefix(app, namespace string) []byte {
	var buf bytes.Buffer
	buf.WriteString(app)
	buf.WriteByte(KeyDelimiter)
	buf.WriteString(namespace)
	return buf.Bytes()
}

// EntityTableKey is the row key of an entity in the entities table.
func EntityTableKey(k datastore.Key) []byte {
	return join(TablePrefix(k.App, k.Namespace), EncodePath(k.Path))
}

// SplitEntityTableKey recovers the key components from an entities table
// row key.
func SplitEntityTableKey(row []byte) (datastore.Key, error) {
	parts := bytes.SplitN(row, []byte{KeyDelimiter}, 3)
	if len(parts) != 3 {
		return datastore.Key{}, dberrors.CorruptIndexEntry("bad entity row key %q", row)
	}
	path, err := DecodePath(parts[2])
	if err != nil {
		return datastore.Key{}, err
	}
	return datastore.Key{App: string(parts[0]), Namespace: string(parts[1]), Path: path}, nil
}

// KindTableKey is the row key in the kind table: the leaf kind leads so a
// kind scan is a contiguous range, followed by the full encoded path.
func KindTableKey(k datastore.Key) []byte {
	var buf bytes.Buffer
	buf.WriteString(k.Path[len(k.Path)-1].Kind)
	buf.WriteByte(KindSeparator)
	buf.Write(EncodePath(k.Path))
	return join(TablePrefix(k.App, k.Namespace), buf.Bytes())
}

// AncestorPaths returns the encoded proper ancestor paths of a path, from
// root to immediate parent.
func AncestorPaths(p datastore.Path) [][]byte {
	var out [][]byte
	for i := 1; i < len(p); i++ {
		out = append(out, EncodePath(p[:i]))
	}
	return out
}

// join concatenates fields with the key delimiter.
func join(fields ...[]byte) []byte {
	return bytes.Join(fields, []byte{KeyDelimiter})
}
