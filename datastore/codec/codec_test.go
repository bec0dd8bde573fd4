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
	"testing"
	"time"

	"github.com/appscale/gts/datastore"

	. "github.com/smartystreets/goconvey/convey"
)

func TestPathEncoding(t *testing.T) {
	t.Parallel()

	Convey("paths round-trip", t, func() {
		paths := []datastore.Path{
			{{Kind: "Greeting", ID: 42}},
			{{Kind: "Parent", ID: 1}, {Kind: "Child", Name: "bob"}},
			{{Kind: "K", Name: "with:colon"}},
		}
		for _, p := range paths {
			enc := EncodePath(p)
			dec, err := DecodePath(enc)
			So(err, ShouldBeNil)
			So(dec, ShouldResemble, p)
		}
	})

	Convey("scattered ids stay numeric", t, func() {
		// Scattered allocations start above 2^52, wider than the pad
		// width for sequential ids.
		p := datastore.Path{{Kind: "Item", ID: int64(1)<<52 + 7}}
		dec, err := DecodePath(EncodePath(p))
		So(err, ShouldBeNil)
		So(dec[0].ID, ShouldEqual, int64(1)<<52+7)
		So(dec[0].Name, ShouldBeEmpty)
	})

	Convey("numeric ids sort numerically", t, func() {
		a := EncodePath(datastore.Path{{Kind: "K", ID: 9}})
		b := EncodePath(datastore.Path{{Kind: "K", ID: 10}})
		c := EncodePath(datastore.Path{{Kind: "K", ID: 100}})
		So(bytes.Compare(a, b), ShouldEqual, -1)
		So(bytes.Compare(b, c), ShouldEqual, -1)
	})

	Convey("malformed paths are corrupt, not fatal", t, func() {
		_, err := DecodePath([]byte("no terminator"))
		So(err, ShouldNotBeNil)
		_, err = DecodePath(nil)
		So(err, ShouldNotBeNil)
	})

	Convey("kind extraction and ancestors", t, func() {
		p := datastore.Path{{Kind: "A", ID: 1}, {Kind: "B", ID: 2}, {Kind: "C", ID: 3}}
		kind, err := KindFromEncodedPath(EncodePath(p))
		So(err, ShouldBeNil)
		So(kind, ShouldEqual, "C")

		anc := AncestorPaths(p)
		So(len(anc), ShouldEqual, 2)
		So(anc[0], ShouldResemble, EncodePath(p[:1]))
		So(anc[1], ShouldResemble, EncodePath(p[:2]))
	})

	Convey("entity table keys split back", t, func() {
		k := datastore.Key{App: "app", Namespace: "ns", Path: datastore.Path{{Kind: "K", ID: 7}}}
		got, err := SplitEntityTableKey(EntityTableKey(k))
		So(err, ShouldBeNil)
		So(got, ShouldResemble, k)
	})
}

func TestEscaping(t *testing.T) {
	t.Parallel()

	Convey("escape round-trips and preserves order", t, func() {
		inputs := [][]byte{
			{},
			{0x00},
			{0x01},
			{0x00, 0x01, 0x02},
			{0x01, 0x01, 0x01},
			[]byte("plain ascii"),
			{0xFE, 0x00, 0xFF},
		}
		for _, in := range inputs {
			out, err := Unescape(Escape(in))
			So(err, ShouldBeNil)
			So(out, ShouldResemble, in)
			So(bytes.IndexByte(Escape(in), KeyDelimiter), ShouldEqual, -1)
		}

		// Pairwise order preservation.
		for _, a := range inputs {
			for _, b := range inputs {
				want := bytes.Compare(a, b)
				got := bytes.Compare(Escape(a), Escape(b))
				So(sign(got), ShouldEqual, sign(want))
			}
		}
	})

	Convey("bad escapes are corrupt", t, func() {
		_, err := Unescape([]byte{0x01})
		So(err, ShouldNotBeNil)
		_, err = Unescape([]byte{0x01, 0x55})
		So(err, ShouldNotBeNil)
	})
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func TestValueEncoding(t *testing.T) {
	t.Parallel()

	samples := []datastore.Value{
		datastore.NullValue(),
		datastore.IntValue(-1 << 40),
		datastore.IntValue(-1),
		datastore.IntValue(0),
		datastore.IntValue(1),
		datastore.IntValue(1 << 40),
		datastore.TimeValue(time.UnixMicro(1 << 41).UTC()),
		datastore.BoolValue(false),
		datastore.BoolValue(true),
		datastore.BytesValue([]byte("aa")),
		datastore.BytesValue([]byte("ab")),
		datastore.StringValue(""),
		datastore.StringValue("hello"),
		datastore.StringValue("hello\x00world\x01!"),
		datastore.FloatValue(-2.5),
		datastore.FloatValue(0),
		datastore.FloatValue(3.75),
		datastore.GeoPointValue(-45, 120),
		datastore.UserValue("a@example.com"),
		datastore.KeyValue(datastore.Key{App: "a", Namespace: "n", Path: datastore.Path{{Kind: "K", ID: 2}}}),
	}

	Convey("round-trip", t, func() {
		for _, v := range samples {
			got, err := DecodeValue(EncodeValue(v))
			So(err, ShouldBeNil)
			So(got.Equal(v), ShouldBeTrue)
			So(got.Type(), ShouldEqual, v.Type())

			got, err = DecodeIndexValue(EncodeIndexValue(v))
			So(err, ShouldBeNil)
			So(got.Equal(v), ShouldBeTrue)
		}
	})

	Convey("encoded order matches value order", t, func() {
		for _, a := range samples {
			for _, b := range samples {
				if a.Type().String() != b.Type().String() {
					continue
				}
				want := a.Compare(b)
				got := bytes.Compare(EncodeIndexValue(a), EncodeIndexValue(b))
				So(sign(got), ShouldEqual, sign(want))
			}
		}
	})

	Convey("reverse lex inverts order and itself", t, func() {
		for _, a := range samples {
			ea := EncodeIndexValue(a)
			So(ReverseLex(ReverseLex(ea)), ShouldResemble, ea)
			for _, b := range samples {
				eb := EncodeIndexValue(b)
				So(sign(bytes.Compare(ReverseLex(ea), ReverseLex(eb))), ShouldEqual, -sign(bytes.Compare(ea, eb)))
			}
		}
	})

	Convey("corrupt values never decode", t, func() {
		_, err := DecodeValue(nil)
		So(err, ShouldNotBeNil)
		_, err = DecodeValue([]byte{0xEE, 0x01})
		So(err, ShouldNotBeNil)
		_, err = DecodeValue([]byte{tagNumeric})
		So(err, ShouldNotBeNil)
	})
}

func TestIndexRowKeys(t *testing.T) {
	t.Parallel()

	key := datastore.Key{App: "app", Namespace: "ns", Path: datastore.Path{{Kind: "Pet", ID: 5}}}

	Convey("ascending entries parse back", t, func() {
		row := PropertyIndexKey(key, "color", datastore.StringValue("red"), false)
		entry, err := ParseIndexEntry(row)
		So(err, ShouldBeNil)
		So(entry.App, ShouldEqual, "app")
		So(entry.Namespace, ShouldEqual, "ns")
		So(entry.Kind, ShouldEqual, "Pet")
		So(entry.Property, ShouldEqual, "color")
		So(entry.Path, ShouldResemble, EncodePath(key.Path))
		So(entry.ReferencedKey(), ShouldResemble, EntityTableKey(key))

		v, err := entry.DecodeValue(false)
		So(err, ShouldBeNil)
		So(v.Str(), ShouldEqual, "red")
	})

	Convey("descending values survive embedded delimiters", t, func() {
		// Complementing the escaped value reintroduces 0x00 bytes; the
		// parser must reassemble the value around them.
		row := PropertyIndexKey(key, "name", datastore.StringValue("\xfe\xff"), true)
		entry, err := ParseIndexEntry(row)
		So(err, ShouldBeNil)
		v, err := entry.DecodeValue(true)
		So(err, ShouldBeNil)
		So(v.Str(), ShouldEqual, "\xfe\xff")
	})

	Convey("descending order is inverted", t, func() {
		lo := PropertyIndexKey(key, "n", datastore.IntValue(1), true)
		hi := PropertyIndexKey(key, "n", datastore.IntValue(2), true)
		So(bytes.Compare(hi, lo), ShouldEqual, -1)
	})

	Convey("prefix covers all values of a property", t, func() {
		prefix := IndexKeyPrefix(TablePrefix("app", "ns"), "Pet", "color")
		row := PropertyIndexKey(key, "color", datastore.StringValue("red"), false)
		So(bytes.HasPrefix(row, prefix), ShouldBeTrue)
	})
}

func TestCompositeKeys(t *testing.T) {
	t.Parallel()

	index := &datastore.CompositeIndex{
		ID:   123,
		Kind: "Pet",
		Props: []datastore.IndexProperty{
			{Name: "color", Direction: datastore.Ascending},
			{Name: "age", Direction: datastore.Descending},
		},
	}
	key := datastore.Key{App: "app", Namespace: "", Path: datastore.Path{{Kind: "Pet", ID: 5}}}

	Convey("cartesian product over repeated values", t, func() {
		e := &datastore.Entity{
			Key: key,
			Properties: []datastore.Property{
				{Name: "color", Value: datastore.StringValue("red"), Multiple: true},
				{Name: "color", Value: datastore.StringValue("blue"), Multiple: true},
				{Name: "age", Value: datastore.IntValue(4)},
			},
		}
		keys := CompositeKeysForEntity(index, e)
		So(len(keys), ShouldEqual, 2)
		for _, row := range keys {
			entry, err := ParseCompositeEntry(index, row)
			So(err, ShouldBeNil)
			So(entry.IndexID, ShouldEqual, 123)
			So(len(entry.Values), ShouldEqual, 2)
			So(entry.Path, ShouldResemble, EncodePath(key.Path))
		}
	})

	Convey("missing property yields no rows", t, func() {
		e := &datastore.Entity{
			Key:        key,
			Properties: []datastore.Property{{Name: "color", Value: datastore.StringValue("red")}},
		}
		So(CompositeKeysForEntity(index, e), ShouldBeNil)
	})

	Convey("ancestor indexes embed the group root", t, func() {
		anc := &datastore.CompositeIndex{
			ID: 9, Kind: "Child", Ancestor: true,
			Props: []datastore.IndexProperty{{Name: "x", Direction: datastore.Ascending}},
		}
		child := datastore.Key{App: "app", Path: datastore.Path{{Kind: "Parent", ID: 1}, {Kind: "Child", ID: 2}}}
		e := &datastore.Entity{
			Key:        child,
			Properties: []datastore.Property{{Name: "x", Value: datastore.IntValue(1)}},
		}
		rows := CompositeKeysForEntity(anc, e)
		So(len(rows), ShouldEqual, 1)
		entry, err := ParseCompositeEntry(anc, rows[0])
		So(err, ShouldBeNil)
		So(entry.Ancestor, ShouldResemble, EncodePath(child.Path[:1]))
	})
}

func TestEntityBlob(t *testing.T) {
	t.Parallel()

	Convey("entities round-trip deterministically", t, func() {
		e := &datastore.Entity{
			Key: datastore.Key{App: "app", Namespace: "ns", Path: datastore.Path{{Kind: "Pet", Name: "rex"}}},
			Properties: []datastore.Property{
				{Name: "color", Value: datastore.StringValue("red"), Multiple: true},
				{Name: "color", Value: datastore.StringValue("blue"), Multiple: true},
				{Name: "bio", Value: datastore.BytesValue([]byte{0, 1, 2}), NoIndex: true},
				{Name: "born", Value: datastore.TimeValue(time.UnixMicro(1234567).UTC())},
			},
		}
		blob := EncodeEntity(e)
		So(EncodeEntity(e), ShouldResemble, blob)

		got, err := DecodeEntity(blob)
		So(err, ShouldBeNil)
		So(got, ShouldResemble, e)

		_, err = DecodeEntity([]byte("garbage"))
		So(err, ShouldNotBeNil)
	})
}

func TestWriteTimestamp(t *testing.T) {
	t.Parallel()

	Convey("write timestamps increase with txid", t, func() {
		So(WriteTimestampMicros(2), ShouldBeGreaterThan, WriteTimestampMicros(1))
		So(WriteTimestampMicros(1), ShouldBeGreaterThan, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro())
	})
}
