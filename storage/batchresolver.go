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
	"context"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
)

// BatchResolver finishes large batches whose driver died. A batch that
// passed its commit point is rolled forward by replaying the logged
// old/new values; one that did not is simply discarded, since the data
// tables were never touched.
type BatchResolver struct {
	db *Datastore
}

// NewBatchResolver wraps a datastore.
func NewBatchResolver(db *Datastore) *BatchResolver {
	return &BatchResolver{db: db}
}

type loggedMutation struct {
	key      datastore.Key
	oldValue *datastore.Entity
	newValue *datastore.Entity
}

// Resolve brings an interrupted transaction's batch to a terminal state.
// composites must cover the indexes defined for the app so replayed writes
// regenerate the same index rows. Returns nil when there was no batch.
func (r *BatchResolver) Resolve(ctx context.Context, app string, txid int64, composites []datastore.CompositeIndex) error {
	txKey := TxPartition(app, txid)
	var (
		applied bool
		owner   uuid.UUID
	)
	err := r.db.session.Query(ctx,
		`SELECT applied, op_id FROM "batch_status" WHERE txid_hash = ?`, txKey).
		SerialConsistency(gocql.Serial).Scan(&applied, &owner)
	switch {
	case notFound(err):
		return nil
	case err != nil:
		return dberrors.Connection("batch status read: %s", err)
	}

	batch := NewLargeBatch(r.db, app, txid)
	if err := batch.Claim(ctx, owner); err != nil {
		return errors.Fmt("claiming batch for txn %d: %w", txid, err)
	}

	if applied {
		logging.Infof(ctx, "Rolling forward applied batch for txn %d", txid)
		if err := r.rollForward(ctx, app, txid, composites); err != nil {
			return err
		}
	} else {
		logging.Infof(ctx, "Discarding unapplied batch for txn %d", txid)
	}

	if err := batch.ClearLog(ctx); err != nil {
		return err
	}
	return batch.Cleanup(ctx)
}

// Cleanup removes any batch state for a transaction known to be finished.
func (r *BatchResolver) Cleanup(ctx context.Context, app string, txid int64) error {
	txKey := TxPartition(app, txid)
	if err := r.db.session.Query(ctx,
		`DELETE FROM "batches" WHERE txid_hash = ?`, txKey).Exec(); err != nil {
		return dberrors.Connection("batch log delete: %s", err)
	}
	if err := r.db.session.Query(ctx,
		`DELETE FROM "batch_status" WHERE txid_hash = ?`, txKey).Exec(); err != nil {
		return dberrors.Connection("batch status delete: %s", err)
	}
	return nil
}

func (r *BatchResolver) rollForward(ctx context.Context, app string, txid int64, composites []datastore.CompositeIndex) error {
	logged, err := r.fetchLog(ctx, app, txid)
	if err != nil {
		return err
	}
	var muts []Mutation
	groups := map[string]datastore.Key{}
	for _, lm := range logged {
		if lm.newValue != nil {
			muts = append(muts, MutationsForPut(lm.newValue, txid, lm.oldValue, composites)...)
		} else if lm.oldValue != nil {
			muts = append(muts, DeletionsForEntity(lm.oldValue, composites)...)
		}
		group := lm.key.Group()
		groups[string(codec.EntityTableKey(group))] = group
	}
	for _, group := range groups {
		muts = append(muts, GroupUpdateMutation(group, txid))
	}
	return r.db.ApplyMutations(ctx, muts, txid)
}

func (r *BatchResolver) fetchLog(ctx context.Context, app string, txid int64) ([]loggedMutation, error) {
	iter := r.db.session.Query(ctx,
		`SELECT namespace, path, old_value, new_value FROM "batches" WHERE txid_hash = ?`,
		TxPartition(app, txid)).Idempotent(true).Iter()

	var out []loggedMutation
	var (
		ns               string
		path, oldB, newB []byte
	)
	for iter.Scan(&ns, &path, &oldB, &newB) {
		decodedPath, err := codec.DecodePath(path)
		if err != nil {
			iter.Close()
			return nil, err
		}
		lm := loggedMutation{key: datastore.Key{App: app, Namespace: ns, Path: decodedPath}}
		if len(oldB) > 0 {
			if lm.oldValue, err = codec.DecodeEntity(oldB); err != nil {
				iter.Close()
				return nil, err
			}
		}
		if len(newB) > 0 {
			if lm.newValue, err = codec.DecodeEntity(newB); err != nil {
				iter.Close()
				return nil, err
			}
		}
		out = append(out, lm)
		ns, path, oldB, newB = "", nil, nil, nil
	}
	if err := iter.Close(); err != nil {
		return nil, dberrors.Connection("batch log read: %s", err)
	}
	return out, nil
}
