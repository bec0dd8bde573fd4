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
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
	"golang.org/x/sync/errgroup"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
)

// batchGetConcurrency bounds parallel point reads in a batch get.
const batchGetConcurrency = 16

// Datastore issues reads and writes against the Cassandra tables.
type Datastore struct {
	session Session
}

// NewDatastore wraps a session.
func NewDatastore(session Session) *Datastore {
	return &Datastore{session: session}
}

func readRetry() retry.Iterator {
	return &retry.ExponentialBackoff{
		Limited: retry.Limited{
			Delay:   50 * time.Millisecond,
			Retries: 4,
		},
		Multiplier: 2,
	}
}

// EntityRecord is one row of the entities table.
type EntityRecord struct {
	Key    []byte
	Entity []byte
	Txid   int64
}

// BatchGetEntities reads the entities table rows for keys. The result maps
// row keys to records; rows that do not exist are absent from the map.
func (d *Datastore) BatchGetEntities(ctx context.Context, keys []datastore.Key) (map[string]EntityRecord, error) {
	rowKeys := make([][]byte, len(keys))
	for i, k := range keys {
		rowKeys[i] = codec.EntityTableKey(k)
	}
	return d.BatchGetRows(ctx, rowKeys)
}

// BatchGetRows reads entities-table rows by raw row key.
func (d *Datastore) BatchGetRows(ctx context.Context, rowKeys [][]byte) (map[string]EntityRecord, error) {
	records := make([]EntityRecord, len(rowKeys))
	found := make([]bool, len(rowKeys))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(batchGetConcurrency)
	for i, rowKey := range rowKeys {
		eg.Go(func() error {
			return retry.Retry(ctx, transient.Only(readRetry), func() error {
				rec := EntityRecord{Key: rowKey}
				err := d.session.Query(ctx,
					`SELECT entity, txid FROM "entities" WHERE key = ?`, rowKey).
					Idempotent(true).Scan(&rec.Entity, &rec.Txid)
				switch {
				case err == nil:
					records[i] = rec
					found[i] = true
					return nil
				case notFound(err):
					return nil
				default:
					return dberrors.Connection("entity fetch: %s", err)
				}
			}, retry.LogCallback(ctx, "batch-get"))
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]EntityRecord, len(rowKeys))
	for i := range records {
		if found[i] {
			out[string(records[i].Key)] = records[i]
		}
	}
	return out, nil
}

// notFound recognizes the driver's empty-result error from Scan.
func notFound(err error) bool {
	return errors.Is(err, gocql.ErrNotFound)
}

// GroupUpdates returns the last-commit transaction ID recorded for each
// entity group. Groups with no record are absent from the result.
func (d *Datastore) GroupUpdates(ctx context.Context, groups []datastore.Key) (map[string]int64, error) {
	out := make(map[string]int64, len(groups))
	for _, group := range groups {
		rowKey := codec.EntityTableKey(group)
		var last int64
		err := retry.Retry(ctx, transient.Only(readRetry), func() error {
			err := d.session.Query(ctx,
				`SELECT last_update FROM "group_updates" WHERE "group" = ?`, rowKey).
				Idempotent(true).Scan(&last)
			if err != nil && !notFound(err) {
				return dberrors.Connection("group update fetch: %s", err)
			}
			if notFound(err) {
				last = -1
			}
			return nil
		}, retry.LogCallback(ctx, "group-updates"))
		if err != nil {
			return nil, err
		}
		if last >= 0 {
			out[string(rowKey)] = last
		}
	}
	return out, nil
}

// IndexRow is one row of an index table.
type IndexRow struct {
	Key       []byte
	Reference []byte
}

// RangeQuery walks an index table between two row keys, in key order. The
// schema requires a byte-ordered partitioner so token bounds follow key
// order.
func (d *Datastore) RangeQuery(ctx context.Context, table string, start, end []byte, limit int, startInclusive, endInclusive bool) ([]IndexRow, error) {
	startOp, endOp := ">=", "<="
	if !startInclusive {
		startOp = ">"
	}
	if !endInclusive {
		endOp = "<"
	}
	stmt := fmt.Sprintf(
		`SELECT key, reference FROM %q WHERE token(key) %s token(?) AND token(key) %s token(?) LIMIT %d`,
		table, startOp, endOp, limit)

	var rows []IndexRow
	err := retry.Retry(ctx, transient.Only(readRetry), func() error {
		rows = rows[:0]
		iter := d.session.Query(ctx, stmt, start, end).Idempotent(true).Iter()
		var key, ref []byte
		for iter.Scan(&key, &ref) {
			rows = append(rows, IndexRow{
				Key:       append([]byte(nil), key...),
				Reference: append([]byte(nil), ref...),
			})
			key, ref = nil, nil
		}
		if err := iter.Close(); err != nil {
			return dberrors.Connection("range query on %s: %s", table, err)
		}
		return nil
	}, retry.LogCallback(ctx, "range-query"))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// EntityRow is one row of an entity-bearing table scan.
type EntityRow struct {
	Key    []byte
	Entity []byte
	Txid   int64
}

// ScanEntities walks the entities table between two row keys. Used by the
// groomer and by kindless queries.
func (d *Datastore) ScanEntities(ctx context.Context, start, end []byte, limit int, startInclusive bool) ([]EntityRow, error) {
	startOp := ">="
	if !startInclusive {
		startOp = ">"
	}
	stmt := fmt.Sprintf(
		`SELECT key, entity, txid FROM "entities" WHERE token(key) %s token(?) AND token(key) <= token(?) LIMIT %d`,
		startOp, limit)

	var rows []EntityRow
	err := retry.Retry(ctx, transient.Only(readRetry), func() error {
		rows = rows[:0]
		iter := d.session.Query(ctx, stmt, start, end).Idempotent(true).Iter()
		var row EntityRow
		for iter.Scan(&row.Key, &row.Entity, &row.Txid) {
			rows = append(rows, EntityRow{
				Key:    append([]byte(nil), row.Key...),
				Entity: append([]byte(nil), row.Entity...),
				Txid:   row.Txid,
			})
			row = EntityRow{}
		}
		if err := iter.Close(); err != nil {
			return dberrors.Connection("entity scan: %s", err)
		}
		return nil
	}, retry.LogCallback(ctx, "entity-scan"))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// statementFor renders a mutation as CQL.
func statementFor(m *Mutation) (string, []any) {
	if m.Op == OpDelete {
		keyColumn := "key"
		if m.Table == GroupUpdatesTable {
			keyColumn = `"group"`
		}
		return fmt.Sprintf(`DELETE FROM %q WHERE %s = ?`, m.Table, keyColumn), []any{m.Key}
	}
	switch m.Table {
	case EntitiesTable:
		return `INSERT INTO "entities" (key, entity, txid) VALUES (?, ?, ?)`,
			[]any{m.Key, m.Entity, m.Txid}
	case GroupUpdatesTable:
		return `INSERT INTO "group_updates" ("group", last_update) VALUES (?, ?)`,
			[]any{m.Key, m.Txid}
	default:
		return fmt.Sprintf(`INSERT INTO %q (key, reference) VALUES (?, ?)`, m.Table),
			[]any{m.Key, m.Reference}
	}
}

// NormalBatch applies a mutation set atomically with one logged batch. The
// cell timestamps are derived from txid so later transactions always win
// over earlier ones regardless of apply order.
func (d *Datastore) NormalBatch(ctx context.Context, muts []Mutation, txid int64) error {
	ts := codec.WriteTimestampMicros(txid)
	stmts := make([]BatchStmt, len(muts))
	for i := range muts {
		stmt, values := statementFor(&muts[i])
		stmts[i] = BatchStmt{Stmt: stmt, Values: values, TimestampMicros: ts}
	}
	if err := d.session.ExecuteBatch(ctx, true, stmts); err != nil {
		return dberrors.FailedBatch("logged batch of %d mutations: %s", len(muts), err)
	}
	return nil
}

// ApplyMutations applies a mutation set statement by statement, outside any
// batch. Used when replaying a large batch, where the status row provides
// the atomicity.
func (d *Datastore) ApplyMutations(ctx context.Context, muts []Mutation, txid int64) error {
	ts := codec.WriteTimestampMicros(txid)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(batchGetConcurrency)
	for i := range muts {
		stmt, values := statementFor(&muts[i])
		eg.Go(func() error {
			err := retry.Retry(ctx, transient.Only(readRetry), func() error {
				if err := d.session.Query(ctx, stmt, values...).Idempotent(true).WithTimestamp(ts).Exec(); err != nil {
					return dberrors.Connection("mutation: %s", err)
				}
				return nil
			}, retry.LogCallback(ctx, "apply-mutations"))
			return err
		})
	}
	return eg.Wait()
}

// txTTLSeconds is the transaction log row TTL. Twice the transaction
// lifetime so the garbage collector can still read what an expired
// transaction staged.
var txTTLSeconds = int(2 * MaxTxDuration / time.Second)

// StartTransaction logs the opening of a transaction.
func (d *Datastore) StartTransaction(ctx context.Context, app string, txid int64, xg bool, inProgress []int64) error {
	stmt := fmt.Sprintf(
		`INSERT INTO "transactions" (txid_hash, operation, namespace, path, start_time, is_xg, in_progress)
		 VALUES (?, ?, ?, ?, ?, ?, ?) USING TTL %d`, txTTLSeconds)
	err := d.session.Query(ctx, stmt,
		TxPartition(app, txid), TxOpStart, "", []byte{},
		clock.Now(ctx).UTC(), xg, packTxids(inProgress)).Exec()
	if err != nil {
		return dberrors.Connection("log transaction start: %s", err)
	}
	return nil
}

// PutEntitiesTx stages entity writes on an open transaction.
func (d *Datastore) PutEntitiesTx(ctx context.Context, app string, txid int64, entities []*datastore.Entity) error {
	stmt := fmt.Sprintf(
		`INSERT INTO "transactions" (txid_hash, operation, namespace, path, entity)
		 VALUES (?, ?, ?, ?, ?) USING TTL %d`, txTTLSeconds)
	partition := TxPartition(app, txid)
	stmts := make([]BatchStmt, len(entities))
	for i, e := range entities {
		stmts[i] = BatchStmt{Stmt: stmt, Values: []any{
			partition, TxOpMutate, e.Key.Namespace, codec.EncodePath(e.Key.Path), codec.EncodeEntity(e),
		}}
	}
	if err := d.session.ExecuteBatch(ctx, true, stmts); err != nil {
		return dberrors.Connection("stage puts: %s", err)
	}
	return nil
}

// DeleteEntitiesTx stages entity deletions on an open transaction. A
// deletion is a mutate row with no entity payload.
func (d *Datastore) DeleteEntitiesTx(ctx context.Context, app string, txid int64, keys []datastore.Key) error {
	stmt := fmt.Sprintf(
		`INSERT INTO "transactions" (txid_hash, operation, namespace, path, entity)
		 VALUES (?, ?, ?, ?, NULL) USING TTL %d`, txTTLSeconds)
	partition := TxPartition(app, txid)
	stmts := make([]BatchStmt, len(keys))
	for i, k := range keys {
		stmts[i] = BatchStmt{Stmt: stmt, Values: []any{
			partition, TxOpMutate, k.Namespace, codec.EncodePath(k.Path),
		}}
	}
	if err := d.session.ExecuteBatch(ctx, true, stmts); err != nil {
		return dberrors.Connection("stage deletes: %s", err)
	}
	return nil
}

// RecordReads logs the entity groups a transaction has read, so commit can
// check them for conflicting writes.
func (d *Datastore) RecordReads(ctx context.Context, app string, txid int64, keys []datastore.Key) error {
	stmt := fmt.Sprintf(
		`INSERT INTO "transactions" (txid_hash, operation, namespace, path)
		 VALUES (?, ?, ?, ?) USING TTL %d`, txTTLSeconds)
	partition := TxPartition(app, txid)
	seen := map[string]bool{}
	var stmts []BatchStmt
	for _, k := range keys {
		group := k.Group()
		enc := codec.EncodePath(group.Path)
		id := group.Namespace + "\x00" + string(enc)
		if seen[id] {
			continue
		}
		seen[id] = true
		stmts = append(stmts, BatchStmt{Stmt: stmt, Values: []any{
			partition, TxOpRead, group.Namespace, enc,
		}})
	}
	if err := d.session.ExecuteBatch(ctx, true, stmts); err != nil {
		return dberrors.Connection("record reads: %s", err)
	}
	return nil
}

// TransactionalTasksCount returns how many tasks are staged on a
// transaction.
func (d *Datastore) TransactionalTasksCount(ctx context.Context, app string, txid int64) (int, error) {
	var count int
	err := d.session.Query(ctx,
		`SELECT count(*) FROM "transactions" WHERE txid_hash = ? AND operation = ?`,
		TxPartition(app, txid), TxOpEnqueueTask).Idempotent(true).Scan(&count)
	if err != nil {
		return 0, dberrors.Connection("count tasks: %s", err)
	}
	return count, nil
}

// AddTransactionalTasks stages tasks to enqueue when the transaction
// commits. Payloads are opaque to the storage layer.
func (d *Datastore) AddTransactionalTasks(ctx context.Context, app string, txid int64, tasks [][]byte) error {
	stmt := fmt.Sprintf(
		`INSERT INTO "transactions" (txid_hash, operation, namespace, path, task)
		 VALUES (?, ?, ?, ?, ?) USING TTL %d`, txTTLSeconds)
	partition := TxPartition(app, txid)
	stmts := make([]BatchStmt, len(tasks))
	for i, task := range tasks {
		stmts[i] = BatchStmt{Stmt: stmt, Values: []any{
			partition, TxOpEnqueueTask, "", []byte(fmt.Sprintf("task%d", i)), task,
		}}
	}
	if err := d.session.ExecuteBatch(ctx, true, stmts); err != nil {
		return dberrors.Connection("stage tasks: %s", err)
	}
	return nil
}

// TxMetadata is everything a transaction has logged: what it staged, what
// it read, and how it started.
type TxMetadata struct {
	Start      time.Time
	XG         bool
	InProgress []int64

	// Puts maps entity-table row keys to the staged entity. Deletes lists
	// keys staged for deletion. A key staged twice keeps the last write.
	Puts    map[string]*datastore.Entity
	Deletes []datastore.Key
	// Reads lists the entity groups the transaction read.
	Reads []datastore.Key

	Tasks [][]byte
}

// GetTransactionMetadata reads back the full transaction log for txid.
// Returns ErrBadRequest if no start row exists, which also covers logs
// that expired.
func (d *Datastore) GetTransactionMetadata(ctx context.Context, app string, txid int64) (*TxMetadata, error) {
	meta := &TxMetadata{Puts: map[string]*datastore.Entity{}}
	started := false

	err := retry.Retry(ctx, transient.Only(readRetry), func() error {
		*meta = TxMetadata{Puts: map[string]*datastore.Entity{}}
		started = false
		iter := d.session.Query(ctx,
			`SELECT operation, namespace, path, start_time, is_xg, in_progress, entity, task
			 FROM "transactions" WHERE txid_hash = ?`, TxPartition(app, txid)).
			Idempotent(true).Iter()

		var (
			op, ns       string
			path, entity []byte
			task, inProg []byte
			start        time.Time
			xg           bool
		)
		for iter.Scan(&op, &ns, &path, &start, &xg, &inProg, &entity, &task) {
			switch op {
			case TxOpStart:
				started = true
				meta.Start = start
				meta.XG = xg
				meta.InProgress = unpackTxids(inProg)
			case TxOpMutate:
				decodedPath, err := codec.DecodePath(path)
				if err != nil {
					logging.Errorf(ctx, "Skipping undecodable staged path for txn %d: %s", txid, err)
					continue
				}
				key := datastore.Key{App: app, Namespace: ns, Path: decodedPath}
				if len(entity) == 0 {
					meta.Deletes = append(meta.Deletes, key)
				} else {
					ent, err := codec.DecodeEntity(entity)
					if err != nil {
						return err
					}
					meta.Puts[string(codec.EntityTableKey(key))] = ent
				}
			case TxOpRead:
				decodedPath, err := codec.DecodePath(path)
				if err != nil {
					logging.Errorf(ctx, "Skipping undecodable read path for txn %d: %s", txid, err)
					continue
				}
				meta.Reads = append(meta.Reads, datastore.Key{App: app, Namespace: ns, Path: decodedPath})
			case TxOpEnqueueTask:
				meta.Tasks = append(meta.Tasks, append([]byte(nil), task...))
			}
			op, ns = "", ""
			path, entity, task, inProg = nil, nil, nil, nil
			start, xg = time.Time{}, false
		}
		if err := iter.Close(); err != nil {
			return dberrors.Connection("transaction metadata: %s", err)
		}
		return nil
	}, retry.LogCallback(ctx, "tx-metadata"))
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, dberrors.BadRequest("transaction %d does not exist", txid)
	}
	return meta, nil
}

// DeleteTransactionLog discards the logged rows for a finished
// transaction.
func (d *Datastore) DeleteTransactionLog(ctx context.Context, app string, txid int64) error {
	err := d.session.Query(ctx,
		`DELETE FROM "transactions" WHERE txid_hash = ?`, TxPartition(app, txid)).Exec()
	if err != nil {
		return dberrors.Connection("clear transaction log: %s", err)
	}
	return nil
}

func packTxids(ids []int64) []byte {
	out := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint64(out[8*i:], uint64(id))
	}
	return out
}

func unpackTxids(blob []byte) []int64 {
	out := make([]int64, 0, len(blob)/8)
	for i := 0; i+8 <= len(blob); i += 8 {
		out = append(out, int64(binary.BigEndian.Uint64(blob[i:])))
	}
	return out
}
