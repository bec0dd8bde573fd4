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

// Package txgroomer garbage-collects transactions that outlived the
// maximum transaction duration: it resolves any interrupted large batch,
// unblocks writers stuck behind the dead transaction's group locks, and
// discards the transaction's coordination nodes and log rows.
//
// Workers shard the txid space among themselves through ephemeral
// registration nodes, so a fleet of them divides the work and a crashed
// worker's share is picked up automatically.
package txgroomer

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/coordination"
	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
	"github.com/appscale/gts/storage"
)

// registryRoot holds the worker pool's ephemeral registration nodes.
const registryRoot = "/appscale/datastore/tx_groomer"

// penaltyInterval separates retries after a failed cycle.
const penaltyInterval = time.Minute

// Storage is what the transaction GC needs from the Cassandra layer.
// *storage.Datastore implements it.
type Storage interface {
	GetTransactionMetadata(ctx context.Context, app string, txid int64) (*storage.TxMetadata, error)
	DeleteTransactionLog(ctx context.Context, app string, txid int64) error
}

// Resolver finishes interrupted large batches. *storage.BatchResolver
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, app string, txid int64, composites []datastore.CompositeIndex) error
	Cleanup(ctx context.Context, app string, txid int64) error
}

// Options wires a Worker.
type Options struct {
	Storage   Storage
	Conn      coordination.Conn
	TxManager *coordination.TransactionManager
	Indexes   *coordination.IndexManager
	Resolver  Resolver
	Projects  []string
}

// Worker is one member of the transaction GC pool.
type Worker struct {
	db       Storage
	conn     coordination.Conn
	txm      *coordination.TransactionManager
	indexes  *coordination.IndexManager
	resolver Resolver
	projects []string

	node string
}

// New builds a worker. Call Run to register it and start collecting.
func New(opts Options) *Worker {
	return &Worker{
		db:       opts.Storage,
		conn:     opts.Conn,
		txm:      opts.TxManager,
		indexes:  opts.Indexes,
		resolver: opts.Resolver,
		projects: opts.Projects,
	}
}

// Run registers the worker and cycles until the context is cancelled. A
// failed cycle is logged and retried after a fixed penalty interval.
func (w *Worker) Run(ctx context.Context) error {
	for {
		sleep, err := w.Cycle(ctx)
		if err != nil {
			logging.Errorf(ctx, "Transaction GC cycle failed: %s", err)
			sleep = penaltyInterval
		}
		if clock.Sleep(ctx, sleep).Incomplete() {
			return ctx.Err()
		}
	}
}

// register creates this worker's ephemeral pool membership node.
func (w *Worker) register() error {
	if err := coordination.EnsurePath(w.conn, registryRoot); err != nil {
		return err
	}
	node, err := w.conn.Create(registryRoot+"/"+uuid.New().String()+"-", nil,
		zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return dberrors.Connection("registering transaction GC worker: %s", err)
	}
	w.node = node
	return nil
}

// workerSequence extracts the sequence suffix zk appended to a
// registration node name.
func workerSequence(name string) (int64, error) {
	i := strings.LastIndexByte(name, '-')
	if i < 0 {
		return 0, dberrors.Internal("unsequenced worker node %q", name)
	}
	return strconv.ParseInt(name[i+1:], 10, 64)
}

// assignment returns this worker's index within the registered pool,
// ordered by registration sequence.
func (w *Worker) assignment() (index, count int, err error) {
	children, _, err := w.conn.Children(registryRoot)
	if err != nil {
		return 0, 0, dberrors.Connection("listing GC workers: %s", err)
	}
	type member struct {
		name string
		seq  int64
	}
	var pool []member
	for _, child := range children {
		seq, err := workerSequence(child)
		if err != nil {
			continue
		}
		pool = append(pool, member{name: child, seq: seq})
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].seq < pool[j].seq })

	own := w.node[strings.LastIndexByte(w.node, '/')+1:]
	for i, m := range pool {
		if m.name == own {
			return i, len(pool), nil
		}
	}
	return 0, 0, dberrors.Internal("worker registration %s disappeared", w.node)
}

// Cycle runs one collection pass over every project and returns how long
// to sleep before the next: the oldest still-valid transaction's time to
// expiry plus half the maximum duration, so the pool speeds up as
// transactions approach their deadline.
func (w *Worker) Cycle(ctx context.Context) (time.Duration, error) {
	if w.node == "" {
		if err := w.register(); err != nil {
			return 0, err
		}
	}
	index, count, err := w.assignment()
	if err != nil {
		// A lost session dropped our ephemeral node; re-register next cycle.
		w.node = ""
		return 0, err
	}

	var oldestExpiry time.Time
	for _, project := range w.projects {
		expiry, err := w.CleanProject(ctx, project, index, count)
		if err != nil {
			return 0, err
		}
		if !expiry.IsZero() && (oldestExpiry.IsZero() || expiry.Before(oldestExpiry)) {
			oldestExpiry = expiry
		}
	}

	sleep := storage.MaxTxDuration / 2
	if now := clock.Now(ctx); !oldestExpiry.IsZero() && oldestExpiry.After(now) {
		sleep = oldestExpiry.Sub(now) + storage.MaxTxDuration/2
	}
	return sleep, nil
}

// CleanProject collects this worker's share of a project's expired
// transactions and returns the earliest expiry among the still-valid ones,
// zero if there are none.
func (w *Worker) CleanProject(ctx context.Context, project string, index, count int) (time.Time, error) {
	txids, err := w.txm.GetOpenTransactions(project)
	if err != nil {
		return time.Time{}, err
	}

	var oldestExpiry time.Time
	cleaned := 0
	for _, txid := range txids {
		if txid <= 0 {
			// Unusable counter nodes only accumulate; discard them.
			if txid < 0 {
				if err := w.txm.DeleteTransactionID(project, txid); err != nil {
					logging.Warningf(ctx, "Discarding unusable txn node %d: %s", txid, err)
				}
			}
			continue
		}
		if count > 1 && int(txid%int64(count)) != index {
			continue
		}

		start, ok, err := w.txStart(ctx, project, txid)
		if err != nil {
			return time.Time{}, err
		}
		if !ok {
			continue
		}
		expiry := start.Add(storage.MaxTxDuration)
		if clock.Now(ctx).Before(expiry) {
			if oldestExpiry.IsZero() || expiry.Before(oldestExpiry) {
				oldestExpiry = expiry
			}
			continue
		}

		if err := w.collect(ctx, project, txid); err != nil {
			return time.Time{}, err
		}
		cleaned++
	}
	if cleaned > 0 {
		logging.Infof(ctx, "Collected %d expired transactions for %s", cleaned, project)
	}
	return oldestExpiry, nil
}

// txStart determines when a transaction began. Transactions that never
// logged a start row (pure lock holders) are aged by their coordination
// node's creation time. ok is false when the transaction vanished while we
// were looking.
func (w *Worker) txStart(ctx context.Context, project string, txid int64) (time.Time, bool, error) {
	meta, err := w.db.GetTransactionMetadata(ctx, project, txid)
	switch {
	case err == nil:
		return meta.Start, true, nil
	case !errors.Is(err, dberrors.ErrBadRequest):
		return time.Time{}, false, err
	}

	node, err := w.txm.NodePath(project, txid)
	if err != nil {
		return time.Time{}, false, err
	}
	exists, st, err := w.conn.Exists(node)
	if err != nil {
		return time.Time{}, false, dberrors.Connection("checking txn %d: %s", txid, err)
	}
	if !exists {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(st.Ctime), true, nil
}

// collect resolves and discards one expired transaction: finish or discard
// its large batch, remove its lock contenders so blocked writers wake up,
// then drop its coordination node and log rows.
func (w *Worker) collect(ctx context.Context, project string, txid int64) error {
	composites, err := w.indexes.ProjectIndexes(ctx, project)
	if err != nil {
		return err
	}
	if err := w.resolver.Resolve(ctx, project, txid, composites); err != nil {
		return err
	}

	lockPaths, err := w.txm.GetGroups(project, txid)
	if err != nil {
		return err
	}
	for _, lockPath := range lockPaths {
		if err := coordination.RemoveContenders(w.conn, lockPath, txid); err != nil {
			return err
		}
	}

	if err := w.txm.DeleteTransactionID(project, txid); err != nil {
		return err
	}
	if err := w.db.DeleteTransactionLog(ctx, project, txid); err != nil {
		return err
	}
	return w.resolver.Cleanup(ctx, project, txid)
}
