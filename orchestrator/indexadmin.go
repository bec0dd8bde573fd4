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

package orchestrator

import (
	"context"

	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/storage"
)

// backfillPageSize bounds one page of the entity scan during a composite
// index backfill.
const backfillPageSize = 100

// GetIndexes returns a project's composite index definitions.
func (o *Orchestrator) GetIndexes(ctx context.Context, project string) ([]datastore.CompositeIndex, error) {
	return o.indexes.ProjectIndexes(ctx, project)
}

// UpdateIndexes merges new composite index definitions into the project,
// assigning IDs where missing, then backfills and readies each new index.
func (o *Orchestrator) UpdateIndexes(ctx context.Context, project string, indexes []datastore.CompositeIndex) error {
	existing, err := o.indexes.ProjectIndexes(ctx, project)
	if err != nil {
		return err
	}
	nextID := int64(1)
	for _, ci := range existing {
		if ci.ID >= nextID {
			nextID = ci.ID + 1
		}
	}
	var added []datastore.CompositeIndex
	for _, ci := range indexes {
		if ci.ID == 0 {
			ci.ID = nextID
			nextID++
		}
		ci.Ready = false
		added = append(added, ci)
	}
	if err := o.indexes.AddIndexes(project, added); err != nil {
		return err
	}

	for _, ci := range added {
		if err := o.backfillIndex(ctx, project, &ci); err != nil {
			return err
		}
		if err := o.indexes.SetIndexReady(project, ci.ID); err != nil {
			return err
		}
		logging.Infof(ctx, "Index %d on %s/%s is ready", ci.ID, project, ci.Kind)
	}
	return nil
}

// DeleteIndex removes a composite index definition. Orphaned rows are
// swept by the groomer.
func (o *Orchestrator) DeleteIndex(ctx context.Context, project string, id int64) error {
	return o.indexes.DeleteIndex(project, id)
}

// projectScanBounds returns row-key bounds covering every entity of a
// project across all namespaces. The app prefix always ends at the key
// delimiter, so bumping it by one bounds the range.
func projectScanBounds(project string) (start, end []byte) {
	start = append([]byte(project), codec.KeyDelimiter)
	end = append([]byte(project), codec.KeyDelimiter+1)
	return start, end
}

// backfillIndex writes composite rows for every existing entity the new
// index covers. Rows reuse each entity's stored transaction ID so their
// cell timestamps line up with the entity version they derive from.
func (o *Orchestrator) backfillIndex(ctx context.Context, project string, index *datastore.CompositeIndex) error {
	start, end := projectScanBounds(project)
	startInclusive := true
	for {
		rows, err := o.db.ScanEntities(ctx, start, end, backfillPageSize, startInclusive)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			ent, err := codec.DecodeEntity(row.Entity)
			if err != nil {
				logging.Warningf(ctx, "Skipping undecodable entity %q during backfill: %s", row.Key, err)
				continue
			}
			if ent.Key.Kind() != index.Kind {
				continue
			}
			var muts []storage.Mutation
			for _, rowKey := range codec.CompositeKeysForEntity(index, ent) {
				muts = append(muts, storage.Mutation{
					Table:     storage.CompositeTable,
					Key:       rowKey,
					Op:        storage.OpPut,
					Reference: row.Key,
				})
			}
			if len(muts) == 0 {
				continue
			}
			if err := o.db.ApplyMutations(ctx, muts, row.Txid); err != nil {
				return err
			}
		}
		if len(rows) < backfillPageSize {
			return nil
		}
		start = rows[len(rows)-1].Key
		startInclusive = false
	}
}
