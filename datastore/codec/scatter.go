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
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/appscale/gts/datastore"
)

// scatterSampleRate picks roughly one entity in 128 for the scatter
// property, enough for key-space sampling without bloating the indexes.
const scatterSampleRate = 128

// ScatterValue returns the synthetic scatter property value for an entity
// path, and whether the entity is sampled at all. The value is the path's
// hash, so scatter index rows order entities pseudo-randomly regardless of
// how their keys cluster.
func ScatterValue(p datastore.Path) (datastore.Value, bool) {
	h := murmur3.Sum64(EncodePath(p))
	if h%scatterSampleRate != 0 {
		return datastore.Value{}, false
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h)
	return datastore.BytesValue(buf[:]), true
}
