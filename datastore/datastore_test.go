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
	"testing"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/appscale/gts/dberrors"

	. "github.com/smartystreets/goconvey/convey"
)

func TestKeys(t *testing.T) {
	t.Parallel()

	Convey("key validation", t, func() {
		good := Key{App: "guestbook", Path: Path{{Kind: "Greeting", ID: 5}}}
		So(ValidateKey(good, false), ShouldBeNil)

		Convey("missing app", func() {
			err := ValidateKey(Key{Path: Path{{Kind: "A", ID: 1}}}, false)
			So(errors.Is(err, dberrors.ErrBadRequest), ShouldBeTrue)
		})

		Convey("empty path", func() {
			err := ValidateKey(Key{App: "a"}, false)
			So(errors.Is(err, dberrors.ErrBadRequest), ShouldBeTrue)
		})

		Convey("id and name both set", func() {
			bad := Key{App: "a", Path: Path{{Kind: "A", ID: 1, Name: "x"}}}
			So(ValidateKey(bad, false), ShouldNotBeNil)
		})

		Convey("incomplete leaf", func() {
			k := Key{App: "a", Path: Path{{Kind: "A"}}}
			So(ValidateKey(k, false), ShouldNotBeNil)
			So(ValidateKey(k, true), ShouldBeNil)
		})

		Convey("delimiter bytes are rejected", func() {
			for _, path := range []Path{
				{{Kind: "A", Name: "a\x01b"}},
				{{Kind: "A", Name: "a\x00b"}},
				{{Kind: "A\x01B", ID: 1}},
				{{Kind: "A:B", ID: 1}},
			} {
				err := ValidateKey(Key{App: "a", Path: path}, false)
				So(errors.Is(err, dberrors.ErrBadRequest), ShouldBeTrue)
			}
			// A colon in a name is legal and round-trips.
			So(ValidateKey(Key{App: "a", Path: Path{{Kind: "A", Name: "a:b"}}}, false), ShouldBeNil)
		})

		Convey("incomplete ancestor is always invalid", func() {
			k := Key{App: "a", Path: Path{{Kind: "A"}, {Kind: "B", ID: 2}}}
			So(ValidateKey(k, true), ShouldNotBeNil)
		})
	})

	Convey("group roots", t, func() {
		parent := Key{App: "a", Path: Path{{Kind: "Parent", ID: 1}}}
		child := Key{App: "a", Path: Path{{Kind: "Parent", ID: 1}, {Kind: "Child", Name: "c"}}}
		other := Key{App: "a", Path: Path{{Kind: "Parent", ID: 2}}}

		So(child.Group(), ShouldResemble, parent)
		So(child.Kind(), ShouldEqual, "Child")

		ent := &Entity{Key: child}
		roots := GroupRoots([]EntityRef{parent, ent, other, child})
		So(len(roots), ShouldEqual, 2)
		So(roots[0], ShouldResemble, parent)
		So(roots[1], ShouldResemble, other)
	})
}

func TestValueOrdering(t *testing.T) {
	t.Parallel()

	Convey("cross-type ordering is fixed", t, func() {
		ordered := []Value{
			NullValue(),
			IntValue(-5),
			TimeValue(time.Unix(10, 0)),
			BoolValue(false),
			BoolValue(true),
			BytesValue([]byte("aa")),
			StringValue("ab"),
			FloatValue(-1.5),
			FloatValue(2.25),
			GeoPointValue(-10, 4),
			UserValue("a@example.com"),
			KeyValue(Key{App: "a", Path: Path{{Kind: "K", ID: 1}}}),
		}
		for i := 0; i < len(ordered); i++ {
			for j := 0; j < len(ordered); j++ {
				c := ordered[i].Compare(ordered[j])
				switch {
				case i < j:
					So(c, ShouldBeLessThanOrEqualTo, 0)
				case i > j:
					So(c, ShouldBeGreaterThanOrEqualTo, 0)
				default:
					So(c, ShouldEqual, 0)
				}
			}
		}
	})

	Convey("ints and times share a bucket", t, func() {
		ts := TimeValue(time.UnixMicro(1000))
		So(IntValue(999).Compare(ts), ShouldEqual, -1)
		So(IntValue(1000).Compare(ts), ShouldEqual, 0)
		So(IntValue(1001).Compare(ts), ShouldEqual, 1)
	})

	Convey("equality ignores multiplicity but not type", t, func() {
		So(StringValue("x").Equal(StringValue("x")), ShouldBeTrue)
		So(StringValue("x").Equal(BytesValue([]byte("x"))), ShouldBeTrue) // same bucket, same bytes
		So(IntValue(1).Equal(FloatValue(1)), ShouldBeFalse)
	})
}

func TestEntityProperties(t *testing.T) {
	t.Parallel()

	Convey("indexed property expansion", t, func() {
		e := &Entity{
			Key: Key{App: "a", Path: Path{{Kind: "Pet", ID: 3}}},
			Properties: []Property{
				{Name: "color", Value: StringValue("red"), Multiple: true},
				{Name: "color", Value: StringValue("blue"), Multiple: true},
				{Name: "bio", Value: StringValue("long text"), NoIndex: true},
				{Name: "age", Value: IntValue(4)},
			},
		}
		idx := e.IndexedProperties()
		So(len(idx), ShouldEqual, 2)
		So(len(idx["color"]), ShouldEqual, 2)
		So(idx["age"][0].Int(), ShouldEqual, 4)
		So(idx["bio"], ShouldBeNil)
		So(len(e.PropertyValues("color")), ShouldEqual, 2)
	})
}

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()

	Convey("cursors round-trip", t, func() {
		c := &Cursor{LastRow: []byte("row\x00key"), LastPath: []byte("path"), Inclusive: true}
		decoded, err := DecodeCursor(c.Encode())
		So(err, ShouldBeNil)
		So(decoded, ShouldResemble, c)

		_, err = DecodeCursor("!!! not base64 !!!")
		So(errors.Is(err, dberrors.ErrBadRequest), ShouldBeTrue)
	})
}
