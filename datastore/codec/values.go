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
	"time"

	"go.chromium.org/luci/common/data/cmpbin"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
)

// Type tag bytes, in index sort order. Ints and timestamps share a tag so
// they interleave numerically; the payload carries a trailing discriminator
// byte to keep decoding exact. Byte strings and text share a tag the same
// way.
const (
	tagNull     = byte(0x10)
	tagNumeric  = byte(0x20) // int64 or time, as sortable microseconds
	tagBool     = byte(0x30)
	tagText     = byte(0x40) // bytes or string
	tagFloat    = byte(0x50)
	tagGeoPoint = byte(0x60)
	tagUser     = byte(0x70)
	tagKey      = byte(0x80)
)

// Discriminators within a shared tag.
const (
	subInt    = byte(0)
	subTime   = byte(1)
	subBytes  = byte(0)
	subString = byte(1)
)

// EncodeValue produces the order-preserving byte encoding of a property
// value. The output may contain any byte; escape it with Escape before
// embedding it in a delimited index row key.
func EncodeValue(v datastore.Value) []byte {
	var buf bytes.Buffer
	switch v.Type() {
	case datastore.TypeNull:
		buf.WriteByte(tagNull)
	case datastore.TypeInt:
		buf.WriteByte(tagNumeric)
		cmpbin.WriteInt(&buf, v.Int())
		buf.WriteByte(subInt)
	case datastore.TypeTime:
		buf.WriteByte(tagNumeric)
		cmpbin.WriteInt(&buf, v.Time().UnixMicro())
		buf.WriteByte(subTime)
	case datastore.TypeBool:
		buf.WriteByte(tagBool)
		if v.Bool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case datastore.TypeBytes:
		buf.WriteByte(tagText)
		cmpbin.WriteBytes(&buf, v.Bytes())
		buf.WriteByte(subBytes)
	case datastore.TypeString:
		buf.WriteByte(tagText)
		cmpbin.WriteString(&buf, v.Str())
		buf.WriteByte(subString)
	case datastore.TypeFloat:
		buf.WriteByte(tagFloat)
		cmpbin.WriteFloat64(&buf, v.Float())
	case datastore.TypeGeoPoint:
		buf.WriteByte(tagGeoPoint)
		cmpbin.WriteFloat64(&buf, v.GeoPoint().Lat)
		cmpbin.WriteFloat64(&buf, v.GeoPoint().Lng)
	case datastore.TypeUser:
		buf.WriteByte(tagUser)
		cmpbin.WriteString(&buf, v.Email())
	case datastore.TypeKey:
		buf.WriteByte(tagKey)
		k := v.KeyRef()
		cmpbin.WriteString(&buf, k.App)
		cmpbin.WriteString(&buf, k.Namespace)
		cmpbin.WriteBytes(&buf, EncodePath(k.Path))
	}
	return buf.Bytes()
}

// DecodeValue parses the output of EncodeValue.
func DecodeValue(b []byte) (datastore.Value, error) {
	if len(b) == 0 {
		return datastore.Value{}, dberrors.CorruptIndexEntry("empty value")
	}
	buf := bytes.NewBuffer(b[1:])
	switch b[0] {
	case tagNull:
		return datastore.NullValue(), nil
	case tagNumeric:
		n, _, err := cmpbin.ReadInt(buf)
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("bad numeric value: %s", err)
		}
		sub, err := buf.ReadByte()
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("truncated numeric value")
		}
		if sub == subTime {
			return datastore.TimeValue(time.UnixMicro(n).UTC()), nil
		}
		return datastore.IntValue(n), nil
	case tagBool:
		sub, err := buf.ReadByte()
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("truncated bool")
		}
		return datastore.BoolValue(sub != 0), nil
	case tagText:
		raw, _, err := cmpbin.ReadBytes(buf)
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("bad text value: %s", err)
		}
		sub, err := buf.ReadByte()
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("truncated text value")
		}
		if sub == subString {
			return datastore.StringValue(string(raw)), nil
		}
		return datastore.BytesValue(raw), nil
	case tagFloat:
		f, _, err := cmpbin.ReadFloat64(buf)
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("bad float value: %s", err)
		}
		return datastore.FloatValue(f), nil
	case tagGeoPoint:
		lat, _, err := cmpbin.ReadFloat64(buf)
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("bad geopoint: %s", err)
		}
		lng, _, err := cmpbin.ReadFloat64(buf)
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("bad geopoint: %s", err)
		}
		return datastore.GeoPointValue(lat, lng), nil
	case tagUser:
		email, _, err := cmpbin.ReadString(buf)
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("bad user value: %s", err)
		}
		return datastore.UserValue(email), nil
	case tagKey:
		app, _, err := cmpbin.ReadString(buf)
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("bad key value: %s", err)
		}
		ns, _, err := cmpbin.ReadString(buf)
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("bad key value: %s", err)
		}
		encPath, _, err := cmpbin.ReadBytes(buf)
		if err != nil {
			return datastore.Value{}, dberrors.CorruptIndexEntry("bad key value: %s", err)
		}
		path, err := DecodePath(encPath)
		if err != nil {
			return datastore.Value{}, err
		}
		return datastore.KeyValue(datastore.Key{App: app, Namespace: ns, Path: path}), nil
	}
	return datastore.Value{}, dberrors.CorruptIndexEntry("unknown value tag %#x", b[0])
}

// Escape rewrites encoded value bytes so they contain neither the key
// delimiter nor a bare kind separator: 0x01 becomes 0x01 0x02, then 0x00
// becomes 0x01 0x01. The rewrite preserves lexicographic order.
func Escape(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case KindSeparator:
			out = append(out, KindSeparator, 0x02)
		case KeyDelimiter:
			out = append(out, KindSeparator, KindSeparator)
		default:
			out = append(out, c)
		}
	}
	return out
}

// Unescape inverts Escape.
func Unescape(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != KindSeparator {
			out = append(out, b[i])
			continue
		}
		i++
		if i >= len(b) {
			return nil, dberrors.CorruptIndexEntry("dangling escape byte")
		}
		switch b[i] {
		case KindSeparator:
			out = append(out, KeyDelimiter)
		case 0x02:
			out = append(out, KindSeparator)
		default:
			return nil, dberrors.CorruptIndexEntry("bad escape sequence %#x", b[i])
		}
	}
	return out, nil
}

// EncodeIndexValue is the escaped form of EncodeValue, safe to embed in an
// index row key.
func EncodeIndexValue(v datastore.Value) []byte {
	return Escape(EncodeValue(v))
}

// DecodeIndexValue inverts EncodeIndexValue.
func DecodeIndexValue(b []byte) (datastore.Value, error) {
	raw, err := Unescape(b)
	if err != nil {
		return datastore.Value{}, err
	}
	return DecodeValue(raw)
}

// ReverseLex complements every byte so ascending lexicographic order over
// the result equals descending order over the input. Self-inverse.
func ReverseLex(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = 0xFF - c
	}
	return out
}

// writeEpoch anchors write timestamps derived from transaction ids. It
// must stay fixed forever: entity rows are written USING TIMESTAMP so a
// higher txid always wins a Cassandra cell-level conflict.
var writeEpoch = time.Date(2022, time.February, 1, 0, 0, 0, 0, time.UTC)

// WriteTimestampMicros derives the Cassandra write timestamp for a
// mutation performed by txid.
func WriteTimestampMicros(txid int64) int64 {
	return writeEpoch.UnixMicro() + txid
}
