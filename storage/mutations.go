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

package storage

import (
	"bytes"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
)

// Op is a mutation operation.
type Op int

// Mutation operations.
const (
	OpPut Op = iota
	OpDelete
)

// Mutation is one row-level change. The populated payload fields depend on
// the table: entity puts carry Entity and Txid, index puts carry
// Reference, group update rows carry Txid only.
type Mutation struct {
	Table string
	Key   []byte
	Op    Op

	Entity    []byte
	Reference []byte
	Txid      int64
}

// Size approximates the wire size of the mutation, used against
// LargeBatchThreshold.
func (m *Mutation) Size() int {
	return len(m.Table) + len(m.Key) + len(m.Entity) + len(m.Reference) + 8
}

// BatchSize totals the approximate size of a mutation set.
func BatchSize(muts []Mutation) int {
	total := 0
	for i := range muts {
		total += muts[i].Size()
	}
	return total
}

// MutationsForPut computes the full set of row changes needed to store
// entity under txid. current is the stored value being overwritten, nil
// for a fresh write; stale index rows for values the new entity no longer
// has are deleted first.
func MutationsForPut(entity *datastore.Entity, txid int64, current *datastore.Entity, composites []datastore.CompositeIndex) []Mutation {
	var muts []Mutation
	if current != nil {
		muts = append(muts, IndexDeletions(current, entity, composites)...)
	}

	entityKey := codec.EntityTableKey(entity.Key)
	muts = append(muts, Mutation{
		Table:  EntitiesTable,
		Key:    entityKey,
		Op:     OpPut,
		Entity: codec.EncodeEntity(entity),
		Txid:   txid,
	})
	muts = append(muts, Mutation{
		Table:     KindsTable,
		Key:       codec.KindTableKey(entity.Key),
		Op:        OpPut,
		Reference: entityKey,
	})

	for name, values := range entity.IndexedProperties() {
		for _, v := range values {
			muts = append(muts, Mutation{
				Table:     AscPropertyTable,
				Key:       codec.PropertyIndexKey(entity.Key, name, v, false),
				Op:        OpPut,
				Reference: entityKey,
			})
			muts = append(muts, Mutation{
				Table:     DscPropertyTable,
				Key:       codec.PropertyIndexKey(entity.Key, name, v, true),
				Op:        OpPut,
				Reference: entityKey,
			})
		}
	}

	for i := range composites {
		for _, row := range codec.CompositeKeysForEntity(&composites[i], entity) {
			muts = append(muts, Mutation{
				Table:     CompositeTable,
				Key:       row,
				Op:        OpPut,
				Reference: entityKey,
			})
		}
	}
	return muts
}

// DeletionsForEntity computes the row deletions that remove a stored
// entity and every index entry derived from it.
func DeletionsForEntity(entity *datastore.Entity, composites []datastore.CompositeIndex) []Mutation {
	var muts []Mutation
	for name, values := range entity.IndexedProperties() {
		for _, v := range values {
			muts = append(muts, Mutation{
				Table: AscPropertyTable,
				Key:   codec.PropertyIndexKey(entity.Key, name, v, false),
				Op:    OpDelete,
			})
			muts = append(muts, Mutation{
				Table: DscPropertyTable,
				Key:   codec.PropertyIndexKey(entity.Key, name, v, true),
				Op:    OpDelete,
			})
		}
	}
	for i := range composites {
		for _, row := range codec.CompositeKeysForEntity(&composites[i], entity) {
			muts = append(muts, Mutation{Table: CompositeTable, Key: row, Op: OpDelete})
		}
	}
	muts = append(muts, Mutation{Table: KindsTable, Key: codec.KindTableKey(entity.Key), Op: OpDelete})
	muts = append(muts, Mutation{Table: EntitiesTable, Key: codec.EntityTableKey(entity.Key), Op: OpDelete})
	return muts
}

// IndexDeletions computes deletions for index entries the old entity owns
// that the new entity does not. Composite indexes whose definitions share
// no property with the changed set are skipped entirely.
func IndexDeletions(old, new *datastore.Entity, composites []datastore.CompositeIndex) []Mutation {
	var muts []Mutation
	changed := map[string]bool{}
	newProps := new.IndexedProperties()
	for name, values := range old.IndexedProperties() {
		kept := newProps[name]
		for _, v := range values {
			stillThere := false
			for _, nv := range kept {
				if v.Equal(nv) && v.Type() == nv.Type() {
					stillThere = true
					break
				}
			}
			if stillThere {
				continue
			}
			changed[name] = true
			muts = append(muts, Mutation{
				Table: AscPropertyTable,
				Key:   codec.PropertyIndexKey(old.Key, name, v, false),
				Op:    OpDelete,
			})
			muts = append(muts, Mutation{
				Table: DscPropertyTable,
				Key:   codec.PropertyIndexKey(old.Key, name, v, true),
				Op:    OpDelete,
			})
		}
	}
	// Also treat properties added by the new entity as changed so
	// composite entries involving them are reconsidered.
	for name := range newProps {
		if _, ok := old.IndexedProperties()[name]; !ok {
			changed[name] = true
		}
	}

	for i := range composites {
		index := &composites[i]
		touched := false
		for _, p := range index.Props {
			if changed[p.Name] {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		newRows := map[string]bool{}
		for _, row := range codec.CompositeKeysForEntity(index, new) {
			newRows[string(row)] = true
		}
		for _, row := range codec.CompositeKeysForEntity(index, old) {
			if !newRows[string(row)] {
				muts = append(muts, Mutation{Table: CompositeTable, Key: row, Op: OpDelete})
			}
		}
	}
	return muts
}

// GroupUpdateMutation stamps an entity group's last-update row with txid.
func GroupUpdateMutation(group datastore.Key, txid int64) Mutation {
	return Mutation{
		Table: GroupUpdatesTable,
		Key:   codec.EntityTableKey(group),
		Op:    OpPut,
		Txid:  txid,
	}
}

// ValidIndexEntry reports whether a property index entry matches the
// current state of the entity it references. entities maps entity-table
// row keys to decoded entities; a missing reference means the entity was
// deleted or belonged to an invalid transaction. Entries for reserved
// properties are always considered valid.
func ValidIndexEntry(entry *codec.IndexEntry, entities map[string]*datastore.Entity, descending bool) (bool, error) {
	if datastore.ReservedPropertyName(entry.Property) {
		return true, nil
	}
	ent, ok := entities[string(entry.ReferencedKey())]
	if !ok {
		return false, nil
	}
	indexValue, err := entry.DecodeValue(descending)
	if err != nil {
		return false, err
	}
	for _, v := range ent.PropertyValues(entry.Property) {
		if v.Type() == datastore.TypeUser && indexValue.Type() == datastore.TypeUser {
			if v.Email() == indexValue.Email() {
				return true, nil
			}
			continue
		}
		if v.Equal(indexValue) {
			return true, nil
		}
	}
	return false, nil
}

// ReferencesEntity reports whether a kind-table row key references the
// given entity-table row key.
func ReferencesEntity(kindRowReference, entityRowKey []byte) bool {
	return bytes.Equal(kindRowReference, entityRowKey)
}
