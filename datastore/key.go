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

// Package datastore holds the entity data model: keys, ancestor paths,
// property values with their index ordering, entities and composite index
// definitions.
package datastore

import (
	"fmt"
	"strings"

	"github.com/appscale/gts/dberrors"
)

// Element is one (kind, id-or-name) pair in an ancestor path. Exactly one
// of ID and Name is set on a complete element.
type Element struct {
	Kind string
	ID   int64
	Name string
}

// Incomplete reports whether the element still needs an auto-assigned ID.
func (e Element) Incomplete() bool {
	return e.ID == 0 && e.Name == ""
}

func (e Element) String() string {
	if e.Name != "" {
		return fmt.Sprintf("%s,%q", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s,%d", e.Kind, e.ID)
}

// Path is an ordered ancestor chain; the first element is the entity group
// root.
type Path []Element

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, e := range p {
		parts[i] = e.String()
	}
	return strings.Join(parts, "/")
}

// Equal reports element-wise equality.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Key identifies an entity.
type Key struct {
	App       string
	Namespace string
	Path      Path
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.App, k.Namespace, k.Path)
}

// Equal reports full equality of two keys.
func (k Key) Equal(o Key) bool {
	return k.App == o.App && k.Namespace == o.Namespace && k.Path.Equal(o.Path)
}

// Kind returns the kind of the entity the key names (the last path
// element's kind), or "" for an empty path.
func (k Key) Kind() string {
	if len(k.Path) == 0 {
		return ""
	}
	return k.Path[len(k.Path)-1].Kind
}

// Group returns the entity group root key: the same app and namespace with
// only the first path element. All locking and cross-group bookkeeping is
// keyed by this root, never by the full path.
func (k Key) Group() Key {
	root := Key{App: k.App, Namespace: k.Namespace}
	if len(k.Path) > 0 {
		root.Path = Path{k.Path[0]}
	}
	return root
}

// RefKey implements EntityRef.
func (k Key) RefKey() Key { return k }

// reservedKeyBytes are codec delimiters; a kind or name containing one
// would make its encoded path ambiguous.
const reservedKeyBytes = "\x00\x01"

// ValidateKey checks a key for structural problems: an empty app or path,
// an element with no kind, an element with both an id and a name, a
// negative id, or a kind or name containing a codec delimiter byte.
// Unless allowIncomplete is set, the final element must have an id or a
// name.
func ValidateKey(k Key, allowIncomplete bool) error {
	if k.App == "" {
		return dberrors.BadRequest("key has no app id")
	}
	if len(k.Path) == 0 {
		return dberrors.BadRequest("key has an empty path")
	}
	for i, e := range k.Path {
		if e.Kind == "" {
			return dberrors.BadRequest("path element %d has no kind", i)
		}
		if strings.ContainsAny(e.Kind, reservedKeyBytes+":") {
			return dberrors.BadRequest("kind %q contains a reserved byte", e.Kind)
		}
		if strings.ContainsAny(e.Name, reservedKeyBytes) {
			return dberrors.BadRequest("name %q contains a reserved byte", e.Name)
		}
		if e.ID != 0 && e.Name != "" {
			return dberrors.BadRequest("element %q has both an id and a name", e.Kind)
		}
		if e.ID < 0 {
			return dberrors.BadRequest("element %q has a negative id", e.Kind)
		}
		if e.Incomplete() && (i != len(k.Path)-1 || !allowIncomplete) {
			return dberrors.BadRequest("element %q is incomplete", e.Kind)
		}
	}
	return nil
}

// EntityRef is a tagged reference to an entity: either a bare Key or a full
// *Entity. Group-root extraction works uniformly on both.
type EntityRef interface {
	RefKey() Key
}

// GroupRoots returns the deduplicated entity group roots for a set of
// references, preserving first-seen order.
func GroupRoots(refs []EntityRef) []Key {
	var roots []Key
	seen := map[string]struct{}{}
	for _, ref := range refs {
		root := ref.RefKey().Group()
		id := root.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		roots = append(roots, root)
	}
	return roots
}
