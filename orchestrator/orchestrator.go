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

// Package orchestrator ties the Cassandra and ZooKeeper layers into the
// datastore's public operations: puts, gets, deletes, transactions,
// queries, ID allocation and composite index administration.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/coordination"
	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
	"github.com/appscale/gts/storage"
)

// Storage is what the orchestrator needs from the Cassandra layer.
// *storage.Datastore implements it.
type Storage interface {
	BatchGetEntities(ctx context.Context, keys []datastore.Key) (map[string]storage.EntityRecord, error)
	BatchGetRows(ctx context.Context, rowKeys [][]byte) (map[string]storage.EntityRecord, error)
	GroupUpdates(ctx context.Context, groups []datastore.Key) (map[string]int64, error)
	RangeQuery(ctx context.Context, table string, start, end []byte, limit int, startInclusive, endInclusive bool) ([]storage.IndexRow, error)
	ScanEntities(ctx context.Context, start, end []byte, limit int, startInclusive bool) ([]storage.EntityRow, error)
	NormalBatch(ctx context.Context, muts []storage.Mutation, txid int64) error
	ApplyMutations(ctx context.Context, muts []storage.Mutation, txid int64) error
	ApplyLargeBatch(ctx context.Context, app string, txid int64, changes []storage.LoggedChange, muts []storage.Mutation) error

	StartTransaction(ctx context.Context, app string, txid int64, xg bool, inProgress []int64) error
	PutEntitiesTx(ctx context.Context, app string, txid int64, entities []*datastore.Entity) error
	DeleteEntitiesTx(ctx context.Context, app string, txid int64, keys []datastore.Key) error
	RecordReads(ctx context.Context, app string, txid int64, keys []datastore.Key) error
	AddTransactionalTasks(ctx context.Context, app string, txid int64, tasks [][]byte) error
	TransactionalTasksCount(ctx context.Context, app string, txid int64) (int, error)
	GetTransactionMetadata(ctx context.Context, app string, txid int64) (*storage.TxMetadata, error)
	DeleteTransactionLog(ctx context.Context, app string, txid int64) error
}

// IDAllocator reserves counter blocks. *storage.EntityIDAllocator
// implements it.
type IDAllocator interface {
	AllocateSize(ctx context.Context, size, minCounter int64) (start, end int64, err error)
	AllocateMax(ctx context.Context, max int64) (start, end int64, err error)
	SetMinCounter(ctx context.Context, counter int64) error
}

// ScatterSource hands out scattered entity IDs. *storage.ScatteredAllocator
// implements it.
type ScatterSource interface {
	Next(ctx context.Context) (int64, error)
	SetMinScattered(ctx context.Context, counter int64) error
}

// Options wires an Orchestrator.
type Options struct {
	Storage     Storage
	Conn        coordination.Conn
	TxManager   *coordination.TransactionManager
	Coordinator *coordination.Coordinator
	Indexes     *coordination.IndexManager

	// NewSequential and NewScattered build per-project allocators.
	NewSequential func(project string) IDAllocator
	NewScattered  func(project string) ScatterSource
}

// Orchestrator is the datastore front-end.
type Orchestrator struct {
	db      Storage
	conn    coordination.Conn
	txm     *coordination.TransactionManager
	coord   *coordination.Coordinator
	indexes *coordination.IndexManager

	newSequential func(project string) IDAllocator
	newScattered  func(project string) ScatterSource

	mu         sync.Mutex
	sequential map[string]IDAllocator
	scattered  map[string]ScatterSource
}

// New builds an orchestrator over a live Cassandra session wrapper and
// ZooKeeper connection.
func New(db *storage.Datastore, conn coordination.Conn) *Orchestrator {
	txm := coordination.NewTransactionManager(conn)
	return NewWithOptions(Options{
		Storage:     db,
		Conn:        conn,
		TxManager:   txm,
		Coordinator: coordination.NewCoordinator(conn, txm),
		Indexes:     coordination.NewIndexManager(conn),
		NewSequential: func(project string) IDAllocator {
			return storage.NewEntityIDAllocator(db, project)
		},
		NewScattered: func(project string) ScatterSource {
			return storage.NewScatteredAllocator(db, project)
		},
	})
}

// NewWithOptions builds an orchestrator from explicit parts.
func NewWithOptions(opts Options) *Orchestrator {
	return &Orchestrator{
		db:            opts.Storage,
		conn:          opts.Conn,
		txm:           opts.TxManager,
		coord:         opts.Coordinator,
		indexes:       opts.Indexes,
		newSequential: opts.NewSequential,
		newScattered:  opts.NewScattered,
		sequential:    map[string]IDAllocator{},
		scattered:     map[string]ScatterSource{},
	}
}

func (o *Orchestrator) sequentialFor(project string) IDAllocator {
	o.mu.Lock()
	defer o.mu.Unlock()
	alloc, ok := o.sequential[project]
	if !ok {
		alloc = o.newSequential(project)
		o.sequential[project] = alloc
	}
	return alloc
}

func (o *Orchestrator) scatteredFor(project string) ScatterSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	alloc, ok := o.scattered[project]
	if !ok {
		alloc = o.newScattered(project)
		o.scattered[project] = alloc
	}
	return alloc
}

// completeKeys fills in auto-assigned IDs for incomplete keys and raises
// allocator floors for explicitly numbered ones.
func (o *Orchestrator) completeKeys(ctx context.Context, project string, entities []*datastore.Entity) error {
	for _, ent := range entities {
		last := len(ent.Key.Path) - 1
		element := &ent.Key.Path[last]
		if element.Incomplete() {
			id, err := o.scatteredFor(project).Next(ctx)
			if err != nil {
				return err
			}
			element.ID = id
			continue
		}
		if element.ID == 0 {
			continue
		}
		if counter, ok := storage.FromScatteredID(element.ID); ok {
			if err := o.scatteredFor(project).SetMinScattered(ctx, counter); err != nil {
				return err
			}
		} else if err := o.sequentialFor(project).SetMinCounter(ctx, element.ID); err != nil {
			return err
		}
	}
	return nil
}

// Put stores entities. Outside a transaction the write is applied
// immediately under entity group locks; with txid set it is staged on the
// open transaction. The returned keys carry any auto-assigned IDs.
func (o *Orchestrator) Put(ctx context.Context, project string, entities []*datastore.Entity, txid int64) ([]datastore.Key, error) {
	for _, ent := range entities {
		if err := datastore.ValidateKey(ent.Key, true); err != nil {
			return nil, err
		}
	}
	if err := o.completeKeys(ctx, project, entities); err != nil {
		return nil, err
	}
	keys := make([]datastore.Key, len(entities))
	for i, ent := range entities {
		keys[i] = ent.Key
	}

	if txid != 0 {
		if err := o.checkOpenTransaction(project, txid); err != nil {
			return nil, err
		}
		return keys, o.db.PutEntitiesTx(ctx, project, txid, entities)
	}

	refs := make([]datastore.EntityRef, len(entities))
	for i, ent := range entities {
		refs[i] = ent
	}
	err := o.applyDirect(ctx, project, refs, func(current map[string]storage.EntityRecord, txn int64, composites []datastore.CompositeIndex) ([]storage.LoggedChange, []storage.Mutation, error) {
		var changes []storage.LoggedChange
		var muts []storage.Mutation
		for _, ent := range entities {
			old, err := decodeCurrent(current, ent.Key)
			if err != nil {
				return nil, nil, err
			}
			changes = append(changes, storage.LoggedChange{Key: ent.Key, Old: old, New: ent})
			muts = append(muts, storage.MutationsForPut(ent, txn, old, composites)...)
		}
		return changes, muts, nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Delete removes entities by key. Like Put, either immediate or staged on
// an open transaction.
func (o *Orchestrator) Delete(ctx context.Context, project string, keys []datastore.Key, txid int64) error {
	for _, key := range keys {
		if err := datastore.ValidateKey(key, false); err != nil {
			return err
		}
	}
	if txid != 0 {
		if err := o.checkOpenTransaction(project, txid); err != nil {
			return err
		}
		return o.db.DeleteEntitiesTx(ctx, project, txid, keys)
	}

	refs := make([]datastore.EntityRef, len(keys))
	for i, key := range keys {
		refs[i] = key
	}
	return o.applyDirect(ctx, project, refs, func(current map[string]storage.EntityRecord, txn int64, composites []datastore.CompositeIndex) ([]storage.LoggedChange, []storage.Mutation, error) {
		var changes []storage.LoggedChange
		var muts []storage.Mutation
		for _, key := range keys {
			old, err := decodeCurrent(current, key)
			if err != nil {
				return nil, nil, err
			}
			if old == nil {
				continue
			}
			changes = append(changes, storage.LoggedChange{Key: key, Old: old})
			muts = append(muts, storage.DeletionsForEntity(old, composites)...)
		}
		return changes, muts, nil
	})
}

func decodeCurrent(current map[string]storage.EntityRecord, key datastore.Key) (*datastore.Entity, error) {
	rec, ok := current[string(codec.EntityTableKey(key))]
	if !ok || len(rec.Entity) == 0 {
		return nil, nil
	}
	return codec.DecodeEntity(rec.Entity)
}

// applyDirect runs a non-transactional mutation set: fresh txid, entity
// group locks, current-value fetch, derived mutations plus group stamps,
// then a normal or large batch depending on size.
func (o *Orchestrator) applyDirect(ctx context.Context, project string, refs []datastore.EntityRef, derive func(map[string]storage.EntityRecord, int64, []datastore.CompositeIndex) ([]storage.LoggedChange, []storage.Mutation, error)) error {
	txid, err := o.txm.CreateTransactionID(project)
	if err != nil {
		return err
	}

	groups := datastore.GroupRoots(refs)
	lock := coordination.NewEntityLock(o.conn, groups, txid)
	if err := lock.Acquire(ctx); err != nil {
		if delErr := o.txm.DeleteTransactionID(project, txid); delErr != nil {
			logging.Warningf(ctx, "Discarding txn %d: %s", txid, delErr)
		}
		return err
	}

	err = func() error {
		composites, err := o.indexes.ProjectIndexes(ctx, project)
		if err != nil {
			return err
		}
		rowKeys := make([][]byte, len(refs))
		for i, ref := range refs {
			rowKeys[i] = codec.EntityTableKey(ref.RefKey())
		}
		current, err := o.db.BatchGetRows(ctx, rowKeys)
		if err != nil {
			return err
		}
		changes, muts, err := derive(current, txid, composites)
		if err != nil {
			return err
		}
		if len(muts) == 0 {
			return nil
		}
		for _, group := range groups {
			muts = append(muts, storage.GroupUpdateMutation(group, txid))
		}
		if storage.BatchSize(muts) > storage.LargeBatchThreshold {
			return o.db.ApplyLargeBatch(ctx, project, txid, changes, muts)
		}
		return o.db.NormalBatch(ctx, muts, txid)
	}()

	// A batch that failed before its commit point leaves state only the
	// transaction GC may resolve; the lock stays held so nothing writes
	// the groups in the meantime.
	if errors.Is(err, dberrors.ErrBatchNotApplied) {
		return err
	}
	if relErr := lock.Release(); relErr != nil {
		logging.Warningf(ctx, "Releasing lock for txn %d: %s", txid, relErr)
	}
	if err == nil {
		if delErr := o.txm.DeleteTransactionID(project, txid); delErr != nil {
			logging.Warningf(ctx, "Discarding txn %d: %s", txid, delErr)
		}
	}
	return err
}

// Get fetches entities by key. Missing entities come back as nil in the
// same positions. Inside a transaction the read groups are recorded for
// commit-time conflict checks.
func (o *Orchestrator) Get(ctx context.Context, project string, keys []datastore.Key, txid int64) ([]*datastore.Entity, error) {
	for _, key := range keys {
		if err := datastore.ValidateKey(key, false); err != nil {
			return nil, err
		}
	}
	if txid != 0 {
		if err := o.checkOpenTransaction(project, txid); err != nil {
			return nil, err
		}
		if err := o.db.RecordReads(ctx, project, txid, keys); err != nil {
			return nil, err
		}
	}
	records, err := o.db.BatchGetEntities(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*datastore.Entity, len(keys))
	blacklisted := map[int64]bool{}
	for i, key := range keys {
		rec, ok := records[string(codec.EntityTableKey(key))]
		if !ok || len(rec.Entity) == 0 {
			continue
		}
		if rec.Txid != 0 {
			bl, seen := blacklisted[rec.Txid]
			if !seen {
				var err error
				if bl, err = o.coord.IsBlacklisted(project, rec.Txid); err != nil {
					return nil, err
				}
				blacklisted[rec.Txid] = bl
			}
			if bl {
				valid, err := o.coord.ValidTransactionID(project, rec.Txid, key)
				if err != nil {
					return nil, err
				}
				// A key with no valid version before the invalidated
				// write reads as absent.
				if valid == 0 {
					continue
				}
				logging.Warningf(ctx, "Entity %s carries invalidated txn %d, last valid version %d", key, rec.Txid, valid)
			}
		}
		ent, err := codec.DecodeEntity(rec.Entity)
		if err != nil {
			return nil, err
		}
		out[i] = ent
	}
	return out, nil
}

// AllocateIDs reserves a block of sequential IDs for a project.
func (o *Orchestrator) AllocateIDs(ctx context.Context, project string, size int64) (start, end int64, err error) {
	return o.sequentialFor(project).AllocateSize(ctx, size, 0)
}

// AllocateMaxID reserves every sequential ID up to max.
func (o *Orchestrator) AllocateMaxID(ctx context.Context, project string, max int64) (start, end int64, err error) {
	return o.sequentialFor(project).AllocateMax(ctx, max)
}

// ReserveIDs marks explicitly chosen IDs as used so automatic allocation
// never hands them out.
func (o *Orchestrator) ReserveIDs(ctx context.Context, project string, ids []int64) error {
	var maxSequential int64
	for _, id := range ids {
		if counter, ok := storage.FromScatteredID(id); ok {
			if err := o.scatteredFor(project).SetMinScattered(ctx, counter); err != nil {
				return err
			}
			continue
		}
		if id > maxSequential {
			maxSequential = id
		}
	}
	if maxSequential > 0 {
		return o.sequentialFor(project).SetMinCounter(ctx, maxSequential)
	}
	return nil
}
