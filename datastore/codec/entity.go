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

	"go.chromium.org/luci/common/data/cmpbin"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
)

// Property flag bits in the entity blob.
const (
	flagMultiple   = byte(1 << 0)
	flagNoIndex    = byte(1 << 1)
	flagIndexValue = byte(1 << 2)
)

// EncodeEntity serializes an entity to the opaque blob stored in the
// entities table and the transaction log. The encoding is deterministic:
// re-deriving mutations from a logged blob reproduces the same bytes.
func EncodeEntity(e *datastore.Entity) []byte {
	var buf bytes.Buffer
	cmpbin.WriteString(&buf, e.Key.App)
	cmpbin.WriteString(&buf, e.Key.Namespace)
	cmpbin.WriteBytes(&buf, EncodePath(e.Key.Path))
	cmpbin.WriteUint(&buf, uint64(len(e.Properties)))
	for _, p := range e.Properties {
		cmpbin.WriteString(&buf, p.Name)
		var flags byte
		if p.Multiple {
			flags |= flagMultiple
		}
		if p.NoIndex {
			flags |= flagNoIndex
		}
		if p.IndexValue {
			flags |= flagIndexValue
		}
		buf.WriteByte(flags)
		cmpbin.WriteBytes(&buf, EncodeValue(p.Value))
	}
	return buf.Bytes()
}

// DecodeEntity parses an entity blob.
func DecodeEntity(blob []byte) (*datastore.Entity, error) {
	buf := bytes.NewBuffer(blob)
	app, _, err := cmpbin.ReadString(buf)
	if err != nil {
		return nil, dberrors.CorruptIndexEntry("bad entity blob: %s", err)
	}
	ns, _, err := cmpbin.ReadString(buf)
	if err != nil {
		return nil, dberrors.CorruptIndexEntry("bad entity blob: %s", err)
	}
	encPath, _, err := cmpbin.ReadBytes(buf)
	if err != nil {
		return nil, dberrors.CorruptIndexEntry("bad entity blob: %s", err)
	}
	path, err := DecodePath(encPath)
	if err != nil {
		return nil, err
	}
	count, _, err := cmpbin.ReadUint(buf)
	if err != nil {
		return nil, dberrors.CorruptIndexEntry("bad entity blob: %s", err)
	}
	if count > 1<<20 {
		return nil, dberrors.CorruptIndexEntry("unreasonable property count %d", count)
	}
	ent := &datastore.Entity{
		Key: datastore.Key{App: app, Namespace: ns, Path: path},
	}
	for i := uint64(0); i < count; i++ {
		name, _, err := cmpbin.ReadString(buf)
		if err != nil {
			return nil, dberrors.CorruptIndexEntry("bad entity property: %s", err)
		}
		flags, err := buf.ReadByte()
		if err != nil {
			return nil, dberrors.CorruptIndexEntry("bad entity property flags: %s", err)
		}
		raw, _, err := cmpbin.ReadBytes(buf)
		if err != nil {
			return nil, dberrors.CorruptIndexEntry("bad entity value: %s", err)
		}
		val, err := DecodeValue(raw)
		if err != nil {
			return nil, err
		}
		ent.Properties = append(ent.Properties, datastore.Property{
			Name:       name,
			Value:      val,
			Multiple:   flags&flagMultiple != 0,
			NoIndex:    flags&flagNoIndex != 0,
			IndexValue: flags&flagIndexValue != 0,
		})
	}
	return ent, nil
}
