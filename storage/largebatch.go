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

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
)

// logChunkSize bounds how many rows go into one logged batch when writing
// the large-batch mutation log.
const logChunkSize = 25

// LargeBatch drives the commit of a mutation set too large for a single
// atomic batch. The status row is the commit point: once the applied flag
// flips via compare-and-swap, the transaction is durable and any process
// can finish writing the mutations from the logged old/new values.
type LargeBatch struct {
	db    *Datastore
	app   string
	txid  int64
	opID  uuid.UUID
	txKey []byte
}

// NewLargeBatch prepares a large batch owned by a fresh operation ID.
func NewLargeBatch(db *Datastore, app string, txid int64) *LargeBatch {
	return &LargeBatch{
		db:    db,
		app:   app,
		txid:  txid,
		opID:  uuid.New(),
		txKey: TxPartition(app, txid),
	}
}

// OpID identifies the process driving this batch attempt.
func (b *LargeBatch) OpID() uuid.UUID { return b.opID }

// IsApplied reports whether the batch has passed its commit point. Reads
// at serial consistency to observe in-flight CAS writes.
func (b *LargeBatch) IsApplied(ctx context.Context) (bool, error) {
	var applied bool
	err := b.db.session.Query(ctx,
		`SELECT applied FROM "batch_status" WHERE txid_hash = ?`, b.txKey).
		SerialConsistency(gocql.Serial).Scan(&applied)
	switch {
	case notFound(err):
		return false, nil
	case err != nil:
		return false, dberrors.Connection("batch status read: %s", err)
	}
	return applied, nil
}

// Start inserts the status row. Fails with ErrBatchNotOwned if a status
// row for this transaction already exists, meaning another process got
// there first.
func (b *LargeBatch) Start(ctx context.Context) error {
	var (
		prevApplied bool
		prevOp      uuid.UUID
	)
	applied, err := b.db.session.Query(ctx,
		`INSERT INTO "batch_status" (txid_hash, applied, op_id) VALUES (?, False, ?) IF NOT EXISTS`,
		b.txKey, b.opID).ScanCAS(&prevApplied, &prevOp)
	if err != nil {
		return dberrors.Connection("batch status insert: %s", err)
	}
	if !applied {
		return dberrors.BatchNotOwned("batch for txn %d already started by %s", b.txid, prevOp)
	}
	return nil
}

// LoggedChange is one entity-level change recorded in the batch log. A nil
// New records a deletion, a nil Old a fresh write.
type LoggedChange struct {
	Key datastore.Key
	Old *datastore.Entity
	New *datastore.Entity
}

// LogMutations writes the old/new entity pairs the batch will apply, so an
// interrupted apply can be replayed.
func (b *LargeBatch) LogMutations(ctx context.Context, changes []LoggedChange) error {
	stmt := `INSERT INTO "batches" (txid_hash, namespace, path, old_value, new_value) VALUES (?, ?, ?, ?, ?)`
	var stmts []BatchStmt
	flush := func() error {
		if len(stmts) == 0 {
			return nil
		}
		if err := b.db.session.ExecuteBatch(ctx, true, stmts); err != nil {
			return dberrors.Connection("batch log write: %s", err)
		}
		stmts = stmts[:0]
		return nil
	}
	for _, change := range changes {
		var oldBlob, newBlob []byte
		if change.Old != nil {
			oldBlob = codec.EncodeEntity(change.Old)
		}
		if change.New != nil {
			newBlob = codec.EncodeEntity(change.New)
		}
		stmts = append(stmts, BatchStmt{Stmt: stmt, Values: []any{
			b.txKey, change.Key.Namespace, codec.EncodePath(change.Key.Path), oldBlob, newBlob,
		}})
		if len(stmts) >= logChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// SetApplied flips the applied flag, committing the transaction. Only the
// owning operation may flip it.
func (b *LargeBatch) SetApplied(ctx context.Context) error {
	var (
		prevApplied bool
		prevOp      uuid.UUID
	)
	applied, err := b.db.session.Query(ctx,
		`UPDATE "batch_status" SET applied = True WHERE txid_hash = ? IF applied = False AND op_id = ?`,
		b.txKey, b.opID).ScanCAS(&prevApplied, &prevOp)
	if err != nil {
		return dberrors.Connection("batch status update: %s", err)
	}
	if !applied {
		return dberrors.BatchNotOwned("could not commit batch for txn %d: applied=%t op=%s",
			b.txid, prevApplied, prevOp)
	}
	return nil
}

// Cleanup removes the status row after the mutations are fully applied.
// Conditional on ownership so a claimed batch cannot be cleaned by its
// original, stalled driver.
func (b *LargeBatch) Cleanup(ctx context.Context) error {
	var prevOp uuid.UUID
	applied, err := b.db.session.Query(ctx,
		`DELETE FROM "batch_status" WHERE txid_hash = ? IF op_id = ?`,
		b.txKey, b.opID).ScanCAS(&prevOp)
	if err != nil {
		return dberrors.Connection("batch status delete: %s", err)
	}
	if !applied {
		return dberrors.BatchNotOwned("batch for txn %d now owned by %s", b.txid, prevOp)
	}
	return nil
}

// ClearLog removes the logged mutation rows.
func (b *LargeBatch) ClearLog(ctx context.Context) error {
	err := b.db.session.Query(ctx,
		`DELETE FROM "batches" WHERE txid_hash = ?`, b.txKey).Exec()
	if err != nil {
		return dberrors.Connection("batch log delete: %s", err)
	}
	return nil
}

// ApplyLargeBatch drives a mutation set through the whole large-batch
// protocol: status row, mutation log, commit point, apply, cleanup.
// Failures before the commit point return ErrBatchNotApplied — no data
// changed, but the batch state must be resolved before the groups can be
// written again. Failures after it return ErrFailedBatch; the data is
// committed and the transaction GC will finish applying it.
func (d *Datastore) ApplyLargeBatch(ctx context.Context, app string, txid int64, changes []LoggedChange, muts []Mutation) error {
	batch := NewLargeBatch(d, app, txid)
	if err := batch.Start(ctx); err != nil {
		return dberrors.BatchNotApplied("starting batch for txn %d: %s", txid, err)
	}
	if err := batch.LogMutations(ctx, changes); err != nil {
		return dberrors.BatchNotApplied("logging batch for txn %d: %s", txid, err)
	}
	if err := batch.SetApplied(ctx); err != nil {
		return dberrors.BatchNotApplied("committing batch for txn %d: %s", txid, err)
	}
	if err := d.ApplyMutations(ctx, muts, txid); err != nil {
		return dberrors.FailedBatch("applying txn %d: %s", txid, err)
	}
	if err := batch.ClearLog(ctx); err != nil {
		return dberrors.FailedBatch("clearing batch log for txn %d: %s", txid, err)
	}
	if err := batch.Cleanup(ctx); err != nil {
		return dberrors.FailedBatch("cleaning up batch for txn %d: %s", txid, err)
	}
	return nil
}

// Claim transfers ownership of an existing batch to this operation ID.
// Used by the resolver to take over a batch whose driver died.
func (b *LargeBatch) Claim(ctx context.Context, from uuid.UUID) error {
	var prevOp uuid.UUID
	applied, err := b.db.session.Query(ctx,
		`UPDATE "batch_status" SET op_id = ? WHERE txid_hash = ? IF op_id = ?`,
		b.opID, b.txKey, from).ScanCAS(&prevOp)
	if err != nil {
		return dberrors.Connection("batch claim: %s", err)
	}
	if !applied {
		return dberrors.BatchNotOwned("batch for txn %d now owned by %s", b.txid, prevOp)
	}
	return nil
}
