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

package groomer

import (
	"bytes"
	"context"

	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/storage"
)

// staleEntry is an index row the unlocked scan flagged for deletion.
type staleEntry struct {
	row   []byte
	entry *codec.IndexEntry
}

// decodeRecords turns fetched entity records into decoded entities keyed
// by row key, dropping undecodable ones.
func decodeRecords(ctx context.Context, records map[string]storage.EntityRecord) map[string]*datastore.Entity {
	out := make(map[string]*datastore.Entity, len(records))
	for rowKey, rec := range records {
		if len(rec.Entity) == 0 {
			continue
		}
		ent, err := codec.DecodeEntity(rec.Entity)
		if err != nil {
			logging.Warningf(ctx, "Skipping undecodable entity %q: %s", rowKey, err)
			continue
		}
		out[rowKey] = ent
	}
	return out
}

// cleanPropertyIndex scans one property index table and deletes entries
// whose referenced entity is gone or no longer carries the indexed value.
// Detection happens unlocked; each group's confirmed candidates are
// re-validated under that group's lock before anything is deleted, since
// a writer may have legitimately recreated the state in between.
func (g *Groomer) cleanPropertyIndex(ctx context.Context, project, table string, descending bool, cursor []byte, save func([]byte) error) error {
	start, end := projectBounds(project)
	startIncl := true
	if len(cursor) > 0 {
		start = cursor
		startIncl = false
	}
	removed := 0
	for {
		rows, err := g.db.RangeQuery(ctx, table, start, end, pageSize, startIncl, true)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		var refs [][]byte
		for _, row := range rows {
			refs = append(refs, row.Reference)
		}
		records, err := g.db.BatchGetRows(ctx, refs)
		if err != nil {
			return err
		}
		ents := decodeRecords(ctx, records)

		// Group candidates by the entity group whose lock protects them.
		byGroup := map[string][]staleEntry{}
		groups := map[string]datastore.Key{}
		for _, row := range rows {
			entry, err := codec.ParseIndexEntry(row.Key)
			if err != nil {
				logging.Warningf(ctx, "Skipping unparsable index row %q: %s", row.Key, err)
				continue
			}
			valid, err := storage.ValidIndexEntry(entry, ents, descending)
			if err == nil && valid {
				continue
			}
			path, err := codec.DecodePath(entry.Path)
			if err != nil {
				continue
			}
			key := datastore.Key{App: entry.App, Namespace: entry.Namespace, Path: path}
			group := key.Group()
			id := string(codec.EntityTableKey(group))
			byGroup[id] = append(byGroup[id], staleEntry{row: row.Key, entry: entry})
			groups[id] = group
		}

		for id, candidates := range byGroup {
			n, err := g.removeStaleEntries(ctx, project, table, groups[id], candidates, descending)
			if err != nil {
				return err
			}
			removed += n
		}

		if err := save(rows[len(rows)-1].Key); err != nil {
			return err
		}
		if len(rows) < pageSize {
			break
		}
		start = rows[len(rows)-1].Key
		startIncl = false
	}
	if removed > 0 {
		logging.Infof(ctx, "Removed %d stale entries from %s for %s", removed, table, project)
	}
	return nil
}

// removeStaleEntries re-validates candidates under the group lock and
// deletes the ones still stale.
func (g *Groomer) removeStaleEntries(ctx context.Context, project, table string, group datastore.Key, candidates []staleEntry, descending bool) (int, error) {
	removed := 0
	err := g.withGroupLock(ctx, project, group, func(txid int64) error {
		var refs [][]byte
		seen := map[string]bool{}
		for _, c := range candidates {
			ref := c.entry.ReferencedKey()
			if seen[string(ref)] {
				continue
			}
			seen[string(ref)] = true
			refs = append(refs, ref)
		}
		records, err := g.db.BatchGetRows(ctx, refs)
		if err != nil {
			return err
		}
		ents := decodeRecords(ctx, records)

		var muts []storage.Mutation
		for _, c := range candidates {
			valid, err := storage.ValidIndexEntry(c.entry, ents, descending)
			if err == nil && valid {
				continue
			}
			muts = append(muts, storage.Mutation{Table: table, Key: c.row, Op: storage.OpDelete})
		}
		if len(muts) == 0 {
			return nil
		}
		removed = len(muts)
		return g.db.ApplyMutations(ctx, muts, txid)
	})
	return removed, err
}

// cleanKindIndex deletes kind table rows whose referenced entity no longer
// exists, with the same lock-and-revalidate dance as the property tables.
func (g *Groomer) cleanKindIndex(ctx context.Context, project string, cursor []byte, save func([]byte) error) error {
	start, end := projectBounds(project)
	startIncl := true
	if len(cursor) > 0 {
		start = cursor
		startIncl = false
	}
	removed := 0
	for {
		rows, err := g.db.RangeQuery(ctx, storage.KindsTable, start, end, pageSize, startIncl, true)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		var refs [][]byte
		for _, row := range rows {
			refs = append(refs, row.Reference)
		}
		records, err := g.db.BatchGetRows(ctx, refs)
		if err != nil {
			return err
		}

		type orphan struct {
			row, ref []byte
		}
		byGroup := map[string][]orphan{}
		groups := map[string]datastore.Key{}
		for _, row := range rows {
			if rec, ok := records[string(row.Reference)]; ok && len(rec.Entity) > 0 {
				continue
			}
			key, err := codec.SplitEntityTableKey(row.Reference)
			if err != nil {
				logging.Warningf(ctx, "Skipping kind row with bad reference %q: %s", row.Reference, err)
				continue
			}
			group := key.Group()
			id := string(codec.EntityTableKey(group))
			byGroup[id] = append(byGroup[id], orphan{row: row.Key, ref: row.Reference})
			groups[id] = group
		}

		for id, orphans := range byGroup {
			err := g.withGroupLock(ctx, project, groups[id], func(txid int64) error {
				var refs [][]byte
				for _, o := range orphans {
					refs = append(refs, o.ref)
				}
				records, err := g.db.BatchGetRows(ctx, refs)
				if err != nil {
					return err
				}
				var muts []storage.Mutation
				for _, o := range orphans {
					if rec, ok := records[string(o.ref)]; ok && len(rec.Entity) > 0 {
						continue
					}
					muts = append(muts, storage.Mutation{Table: storage.KindsTable, Key: o.row, Op: storage.OpDelete})
				}
				if len(muts) == 0 {
					return nil
				}
				removed += len(muts)
				return g.db.ApplyMutations(ctx, muts, txid)
			})
			if err != nil {
				return err
			}
		}

		if err := save(rows[len(rows)-1].Key); err != nil {
			return err
		}
		if len(rows) < pageSize {
			break
		}
		start = rows[len(rows)-1].Key
		startIncl = false
	}
	if removed > 0 {
		logging.Infof(ctx, "Removed %d orphaned kind rows for %s", removed, project)
	}
	return nil
}

// cleanCompositeIndexes sweeps the composite table. Rows whose index
// definition was deleted are removed unlocked: nothing writes under a
// dead definition, and a recreated index gets a fresh id. Rows of a live
// definition whose referenced entity is gone or no longer derives them
// get the usual lock-and-revalidate treatment.
func (g *Groomer) cleanCompositeIndexes(ctx context.Context, project string, cursor []byte, save func([]byte) error) error {
	defined, err := g.indexes.ProjectIndexes(ctx, project)
	if err != nil {
		return err
	}
	byID := make(map[int64]*datastore.CompositeIndex, len(defined))
	for i := range defined {
		byID[defined[i].ID] = &defined[i]
	}

	start, end := projectBounds(project)
	startIncl := true
	if len(cursor) > 0 {
		start = cursor
		startIncl = false
	}
	removed := 0
	for {
		rows, err := g.db.RangeQuery(ctx, storage.CompositeTable, start, end, pageSize, startIncl, true)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		var refs [][]byte
		for _, row := range rows {
			refs = append(refs, row.Reference)
		}
		records, err := g.db.BatchGetRows(ctx, refs)
		if err != nil {
			return err
		}
		ents := decodeRecords(ctx, records)

		type candidate struct {
			row, ref []byte
			index    *datastore.CompositeIndex
		}
		var orphaned []storage.Mutation
		byGroup := map[string][]candidate{}
		groups := map[string]datastore.Key{}
		for _, row := range rows {
			id, err := codec.CompositeRowIndexID(row.Key)
			if err != nil {
				logging.Warningf(ctx, "Skipping unparsable composite row %q: %s", row.Key, err)
				continue
			}
			index, ok := byID[id]
			if !ok {
				orphaned = append(orphaned, storage.Mutation{
					Table: storage.CompositeTable, Key: row.Key, Op: storage.OpDelete})
				continue
			}
			if ent, ok := ents[string(row.Reference)]; ok && ownsCompositeRow(index, ent, row.Key) {
				continue
			}
			key, err := codec.SplitEntityTableKey(row.Reference)
			if err != nil {
				logging.Warningf(ctx, "Skipping composite row with bad reference %q: %s", row.Reference, err)
				continue
			}
			group := key.Group()
			gid := string(codec.EntityTableKey(group))
			byGroup[gid] = append(byGroup[gid], candidate{row: row.Key, ref: row.Reference, index: index})
			groups[gid] = group
		}

		if len(orphaned) > 0 {
			if err := g.db.ApplyMutations(ctx, orphaned, 0); err != nil {
				return err
			}
			removed += len(orphaned)
		}

		for gid, candidates := range byGroup {
			err := g.withGroupLock(ctx, project, groups[gid], func(txid int64) error {
				var refs [][]byte
				seen := map[string]bool{}
				for _, c := range candidates {
					if seen[string(c.ref)] {
						continue
					}
					seen[string(c.ref)] = true
					refs = append(refs, c.ref)
				}
				records, err := g.db.BatchGetRows(ctx, refs)
				if err != nil {
					return err
				}
				ents := decodeRecords(ctx, records)

				var muts []storage.Mutation
				for _, c := range candidates {
					if ent, ok := ents[string(c.ref)]; ok && ownsCompositeRow(c.index, ent, c.row) {
						continue
					}
					muts = append(muts, storage.Mutation{
						Table: storage.CompositeTable, Key: c.row, Op: storage.OpDelete})
				}
				if len(muts) == 0 {
					return nil
				}
				removed += len(muts)
				return g.db.ApplyMutations(ctx, muts, txid)
			})
			if err != nil {
				return err
			}
		}

		if err := save(rows[len(rows)-1].Key); err != nil {
			return err
		}
		if len(rows) < pageSize {
			break
		}
		start = rows[len(rows)-1].Key
		startIncl = false
	}
	if removed > 0 {
		logging.Infof(ctx, "Removed %d stale composite rows for %s", removed, project)
	}
	return nil
}

// ownsCompositeRow reports whether the entity still derives row under the
// index definition.
func ownsCompositeRow(index *datastore.CompositeIndex, ent *datastore.Entity, row []byte) bool {
	for _, k := range codec.CompositeKeysForEntity(index, ent) {
		if bytes.Equal(k, row) {
			return true
		}
	}
	return false
}

// populateScatter writes scatter property index rows for the sampled slice
// of a project's entities. Rewriting an existing row is a no-op, so the
// task is idempotent and needs no locking.
func (g *Groomer) populateScatter(ctx context.Context, project string, cursor []byte, save func([]byte) error) error {
	start, end := projectBounds(project)
	startIncl := true
	if len(cursor) > 0 {
		start = cursor
		startIncl = false
	}
	written := 0
	for {
		rows, err := g.db.ScanEntities(ctx, start, end, pageSize, startIncl)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			key, err := codec.SplitEntityTableKey(row.Key)
			if err != nil {
				continue
			}
			value, sampled := codec.ScatterValue(key.Path)
			if !sampled {
				continue
			}
			muts := []storage.Mutation{
				{
					Table:     storage.AscPropertyTable,
					Key:       codec.PropertyIndexKey(key, datastore.ScatterProperty, value, false),
					Op:        storage.OpPut,
					Reference: row.Key,
				},
				{
					Table:     storage.DscPropertyTable,
					Key:       codec.PropertyIndexKey(key, datastore.ScatterProperty, value, true),
					Op:        storage.OpPut,
					Reference: row.Key,
				},
			}
			if err := g.db.ApplyMutations(ctx, muts, row.Txid); err != nil {
				return err
			}
			written++
		}

		if err := save(rows[len(rows)-1].Key); err != nil {
			return err
		}
		if len(rows) < pageSize {
			break
		}
		start = rows[len(rows)-1].Key
		startIncl = false
	}
	if written > 0 {
		logging.Infof(ctx, "Wrote %d scatter rows for %s", written, project)
	}
	return nil
}
