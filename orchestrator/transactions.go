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
	"errors"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/coordination"
	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
	"github.com/appscale/gts/storage"
)

// checkOpenTransaction verifies that txid names a live, non-blacklisted
// transaction.
func (o *Orchestrator) checkOpenTransaction(project string, txid int64) error {
	if txid <= 0 {
		return dberrors.BadRequest("invalid transaction handle %d", txid)
	}
	blacklisted, err := o.coord.IsBlacklisted(project, txid)
	if err != nil {
		return err
	}
	if blacklisted {
		return dberrors.Blacklisted("txn %d has been invalidated", txid)
	}
	exists, err := o.txm.TransactionExists(project, txid)
	if err != nil {
		return err
	}
	if !exists {
		return dberrors.BadRequest("txn %d does not exist", txid)
	}
	return nil
}

// BeginTransaction opens a transaction and logs its start, snapshotting
// the transactions currently in progress.
func (o *Orchestrator) BeginTransaction(ctx context.Context, project string, xg bool) (int64, error) {
	inProgress, err := o.txm.GetOpenTransactions(project)
	if err != nil {
		return 0, err
	}
	txid, err := o.txm.CreateTransactionID(project)
	if err != nil {
		return 0, err
	}
	if err := o.db.StartTransaction(ctx, project, txid, xg, inProgress); err != nil {
		if delErr := o.txm.DeleteTransactionID(project, txid); delErr != nil {
			logging.Warningf(ctx, "Discarding txn %d: %s", txid, delErr)
		}
		return 0, err
	}
	return txid, nil
}

// AddActions stages tasks to enqueue if the transaction commits.
func (o *Orchestrator) AddActions(ctx context.Context, project string, txid int64, tasks [][]byte) error {
	if err := o.checkOpenTransaction(project, txid); err != nil {
		return err
	}
	staged, err := o.db.TransactionalTasksCount(ctx, project, txid)
	if err != nil {
		return err
	}
	if staged+len(tasks) > storage.MaxActionsPerTxn {
		return dberrors.ExcessiveTasks("txn %d would stage %d tasks", txid, staged+len(tasks))
	}
	return o.db.AddTransactionalTasks(ctx, project, txid, tasks)
}

// Commit applies everything a transaction staged. On success the staged
// task payloads are returned for enqueueing.
func (o *Orchestrator) Commit(ctx context.Context, project string, txid int64) ([][]byte, error) {
	if err := o.checkOpenTransaction(project, txid); err != nil {
		return nil, err
	}
	meta, err := o.db.GetTransactionMetadata(ctx, project, txid)
	if err != nil {
		return nil, err
	}
	if clock.Now(ctx).Sub(meta.Start) > storage.MaxTxDuration {
		if failErr := o.coord.NotifyFailed(project, txid); failErr != nil {
			logging.Warningf(ctx, "Invalidating expired txn %d: %s", txid, failErr)
		}
		return nil, dberrors.Timeout("txn %d exceeded its lifetime", txid)
	}

	groups, err := commitGroups(meta)
	if err != nil {
		return nil, err
	}
	if len(groups) > 1 && !meta.XG {
		return nil, dberrors.BadRequest("txn %d touches %d groups but is not cross-group", txid, len(groups))
	}

	// An empty transaction needs no locks or writes.
	if len(groups) == 0 {
		if err := o.finishTransaction(ctx, project, txid); err != nil {
			return nil, err
		}
		return meta.Tasks, nil
	}

	lock := coordination.NewEntityLock(o.conn, groups, txid)
	if err := o.txm.SetGroups(project, txid, lock.LockPaths()); err != nil {
		return nil, err
	}
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}

	err = o.applyTransaction(ctx, project, txid, meta, groups)
	// A batch stuck before its commit point keeps the lock so the
	// transaction GC resolves it before anyone touches the groups.
	if errors.Is(err, dberrors.ErrBatchNotApplied) {
		return nil, err
	}
	if relErr := lock.Release(); relErr != nil {
		logging.Warningf(ctx, "Releasing lock for txn %d: %s", txid, relErr)
	}
	if err != nil {
		if failErr := o.coord.NotifyFailed(project, txid); failErr != nil {
			logging.Warningf(ctx, "Invalidating failed txn %d: %s", txid, failErr)
		}
		return nil, err
	}

	if err := o.finishTransaction(ctx, project, txid); err != nil {
		return nil, err
	}
	return meta.Tasks, nil
}

// commitGroups collects the entity groups a transaction touched, enforcing
// the cross-group cap.
func commitGroups(meta *storage.TxMetadata) ([]datastore.Key, error) {
	var refs []datastore.EntityRef
	for _, ent := range meta.Puts {
		refs = append(refs, ent)
	}
	for _, key := range meta.Deletes {
		refs = append(refs, key)
	}
	for _, key := range meta.Reads {
		refs = append(refs, key)
	}
	groups := datastore.GroupRoots(refs)
	if len(groups) > storage.MaxGroupsForXG {
		return nil, dberrors.TooManyGroups("transaction touches %d entity groups", len(groups))
	}
	return groups, nil
}

func (o *Orchestrator) applyTransaction(ctx context.Context, project string, txid int64, meta *storage.TxMetadata, groups []datastore.Key) error {
	// Another transaction that committed to any of these groups after
	// this one started, or that started alongside it, is a conflict.
	updates, err := o.db.GroupUpdates(ctx, groups)
	if err != nil {
		return err
	}
	inProgress := map[int64]bool{}
	for _, other := range meta.InProgress {
		inProgress[other] = true
	}
	for _, last := range updates {
		if last > txid || inProgress[last] {
			return dberrors.ConcurrentModification("group updated by txn %d during txn %d", last, txid)
		}
	}

	composites, err := o.indexes.ProjectIndexes(ctx, project)
	if err != nil {
		return err
	}

	var rowKeys [][]byte
	for rowKey := range meta.Puts {
		rowKeys = append(rowKeys, []byte(rowKey))
	}
	for _, key := range meta.Deletes {
		rowKeys = append(rowKeys, codec.EntityTableKey(key))
	}
	current, err := o.db.BatchGetRows(ctx, rowKeys)
	if err != nil {
		return err
	}

	var changes []storage.LoggedChange
	var muts []storage.Mutation
	for _, ent := range meta.Puts {
		old, err := decodeCurrent(current, ent.Key)
		if err != nil {
			return err
		}
		changes = append(changes, storage.LoggedChange{Key: ent.Key, Old: old, New: ent})
		muts = append(muts, storage.MutationsForPut(ent, txid, old, composites)...)
	}
	for _, key := range meta.Deletes {
		old, err := decodeCurrent(current, key)
		if err != nil {
			return err
		}
		if old == nil {
			continue
		}
		changes = append(changes, storage.LoggedChange{Key: key, Old: old})
		muts = append(muts, storage.DeletionsForEntity(old, composites)...)
	}
	if len(muts) == 0 {
		return nil
	}

	// Register each touched key's previous version before writing, so a
	// failure past this point lets readers resolve around this
	// transaction's writes.
	for _, change := range changes {
		prev := int64(0)
		if rec, ok := current[string(codec.EntityTableKey(change.Key))]; ok {
			prev = rec.Txid
		}
		if err := o.coord.RegisterUpdatedKey(project, txid, prev, change.Key); err != nil {
			return err
		}
	}

	for _, group := range groups {
		muts = append(muts, storage.GroupUpdateMutation(group, txid))
	}

	if storage.BatchSize(muts) > storage.LargeBatchThreshold {
		return o.db.ApplyLargeBatch(ctx, project, txid, changes, muts)
	}
	return o.db.NormalBatch(ctx, muts, txid)
}

// finishTransaction clears a committed transaction's log and node.
func (o *Orchestrator) finishTransaction(ctx context.Context, project string, txid int64) error {
	if err := o.db.DeleteTransactionLog(ctx, project, txid); err != nil {
		return err
	}
	return o.txm.DeleteTransactionID(project, txid)
}

// Rollback abandons a transaction: its staged writes are discarded and
// the handle is invalidated.
func (o *Orchestrator) Rollback(ctx context.Context, project string, txid int64) error {
	if txid <= 0 {
		return dberrors.BadRequest("invalid transaction handle %d", txid)
	}
	if err := o.coord.NotifyFailed(project, txid); err != nil {
		return err
	}
	return o.db.DeleteTransactionLog(ctx, project, txid)
}
