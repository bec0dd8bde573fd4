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
	"bytes"
	"fmt"
	"strings"
	"time"
)

// ValueType enumerates property value types in their index sort order:
// values of a lower type always sort before values of a higher type,
// regardless of content. Integers and timestamps share a bucket.
type ValueType int

// Value types, in index ordering.
const (
	TypeNull ValueType = iota
	TypeInt
	TypeTime
	TypeBool
	TypeBytes
	TypeString
	TypeFloat
	TypeGeoPoint
	TypeUser
	TypeKey
)

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInt:
		return "int"
	case TypeTime:
		return "time"
	case TypeBool:
		return "bool"
	case TypeBytes:
		return "bytes"
	case TypeString:
		return "string"
	case TypeFloat:
		return "float"
	case TypeGeoPoint:
		return "geopoint"
	case TypeUser:
		return "user"
	case TypeKey:
		return "key"
	}
	return fmt.Sprintf("ValueType(%d)", int(t))
}

// rank maps a type to its ordering bucket. Int and Time compare against
// each other; Bytes and String compare as raw bytes.
func (t ValueType) rank() int {
	switch t {
	case TypeNull:
		return 0
	case TypeInt, TypeTime:
		return 1
	case TypeBool:
		return 2
	case TypeBytes, TypeString:
		return 3
	case TypeFloat:
		return 4
	case TypeGeoPoint:
		return 5
	case TypeUser:
		return 6
	case TypeKey:
		return 7
	}
	return 8
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Lat float64
	Lng float64
}

// Value is a single property value. The zero Value is null.
type Value struct {
	typ  ValueType
	i    int64
	f    float64
	s    string // string, bytes and user email payloads
	b    bool
	t    time.Time
	geo  GeoPoint
	kref *Key
}

// Constructors.

// NullValue returns the null value.
func NullValue() Value { return Value{} }

// IntValue wraps an int64.
func IntValue(v int64) Value { return Value{typ: TypeInt, i: v} }

// TimeValue wraps a timestamp. Stored at microsecond precision, UTC.
func TimeValue(v time.Time) Value {
	return Value{typ: TypeTime, t: v.UTC().Truncate(time.Microsecond)}
}

// BoolValue wraps a bool.
func BoolValue(v bool) Value { return Value{typ: TypeBool, b: v} }

// BytesValue wraps a short byte string.
func BytesValue(v []byte) Value { return Value{typ: TypeBytes, s: string(v)} }

// StringValue wraps a string.
func StringValue(v string) Value { return Value{typ: TypeString, s: v} }

// FloatValue wraps a float64.
func FloatValue(v float64) Value { return Value{typ: TypeFloat, f: v} }

// GeoPointValue wraps a lat/lng pair.
func GeoPointValue(lat, lng float64) Value {
	return Value{typ: TypeGeoPoint, geo: GeoPoint{Lat: lat, Lng: lng}}
}

// UserValue wraps a user identified by email. Only the email participates
// in ordering and equality, mirroring how user values are indexed.
func UserValue(email string) Value { return Value{typ: TypeUser, s: email} }

// KeyValue wraps a reference to another entity.
func KeyValue(k Key) Value {
	copied := k
	return Value{typ: TypeKey, kref: &copied}
}

// Accessors.

// Type returns the value's type tag.
func (v Value) Type() ValueType { return v.typ }

// Int returns the int64 payload.
func (v Value) Int() int64 { return v.i }

// Time returns the timestamp payload.
func (v Value) Time() time.Time { return v.t }

// Bool returns the bool payload.
func (v Value) Bool() bool { return v.b }

// Bytes returns the byte-string payload.
func (v Value) Bytes() []byte { return []byte(v.s) }

// Str returns the string payload.
func (v Value) Str() string { return v.s }

// Float returns the float64 payload.
func (v Value) Float() float64 { return v.f }

// GeoPoint returns the lat/lng payload.
func (v Value) GeoPoint() GeoPoint { return v.geo }

// Email returns the user email payload.
func (v Value) Email() string { return v.s }

// KeyRef returns the key payload, or a zero Key for non-key values.
func (v Value) KeyRef() Key {
	if v.kref == nil {
		return Key{}
	}
	return *v.kref
}

func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "null"
	case TypeInt:
		return fmt.Sprintf("%d", v.i)
	case TypeTime:
		return v.t.Format(time.RFC3339Nano)
	case TypeBool:
		return fmt.Sprintf("%t", v.b)
	case TypeBytes, TypeString:
		return fmt.Sprintf("%q", v.s)
	case TypeFloat:
		return fmt.Sprintf("%g", v.f)
	case TypeGeoPoint:
		return fmt.Sprintf("(%g,%g)", v.geo.Lat, v.geo.Lng)
	case TypeUser:
		return v.s
	case TypeKey:
		return v.KeyRef().String()
	}
	return "?"
}

// Equal reports exact equality, including type.
func (v Value) Equal(o Value) bool { return v.Compare(o) == 0 }

// Compare orders two values by the index ordering: first by type bucket,
// then by content within the bucket.
func (v Value) Compare(o Value) int {
	if r1, r2 := v.typ.rank(), o.typ.rank(); r1 != r2 {
		return cmpInt(int64(r1), int64(r2))
	}
	switch v.typ.rank() {
	case 0: // null
		return 0
	case 1: // int / time as microseconds
		return cmpInt(v.asMicros(), o.asMicros())
	case 2:
		if v.b == o.b {
			return 0
		}
		if !v.b {
			return -1
		}
		return 1
	case 3:
		return bytes.Compare([]byte(v.s), []byte(o.s))
	case 4:
		switch {
		case v.f < o.f:
			return -1
		case v.f > o.f:
			return 1
		}
		return 0
	case 5:
		if c := cmpFloat(v.geo.Lat, o.geo.Lat); c != 0 {
			return c
		}
		return cmpFloat(v.geo.Lng, o.geo.Lng)
	case 6:
		return strings.Compare(v.s, o.s)
	case 7:
		return strings.Compare(v.KeyRef().String(), o.KeyRef().String())
	}
	return 0
}

func (v Value) asMicros() int64 {
	if v.typ == TypeTime {
		return v.t.UnixMicro()
	}
	return v.i
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Property is a named value on an entity. Repeated properties appear as
// multiple Property records with the same name and Multiple set.
type Property struct {
	Name     string
	Value    Value
	Multiple bool
	// NoIndex marks raw properties that never get index rows.
	NoIndex bool
	// IndexValue marks a synthesized projection result extracted from an
	// index row rather than a stored value.
	IndexValue bool
}

// Entity is a stored record: a key plus its properties.
type Entity struct {
	Key        Key
	Properties []Property
}

// RefKey implements EntityRef.
func (e *Entity) RefKey() Key { return e.Key }

// IndexedProperties returns the name -> values mapping of properties that
// receive index rows, expanding repeated properties.
func (e *Entity) IndexedProperties() map[string][]Value {
	out := map[string][]Value{}
	for _, p := range e.Properties {
		if p.NoIndex {
			continue
		}
		out[p.Name] = append(out[p.Name], p.Value)
	}
	return out
}

// PropertyValues returns all values for a named property, in order.
func (e *Entity) PropertyValues(name string) []Value {
	var out []Value
	for _, p := range e.Properties {
		if p.Name == name {
			out = append(out, p.Value)
		}
	}
	return out
}
