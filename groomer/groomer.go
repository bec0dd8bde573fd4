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

// Package groomer repairs datastore consistency in the background: it
// removes index entries whose referenced entity was deleted or no longer
// carries the indexed value, and populates the scatter property for a
// sample of entities.
//
// Index rows are written before the entity row in a batch and deleted
// after it, so a crashed writer can leave entries behind that nothing
// will ever clean up inline. The groomer detects them with an unlocked
// scan, then takes the entity group lock and re-validates before deleting
// so it never races a live writer.
package groomer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-zookeeper/zk"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/coordination"
	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
	"github.com/appscale/gts/storage"
)

// Coordination tree nodes owned by the groomer.
const (
	lockNode  = "/appscale/datastore/groomer/lock"
	stateRoot = "/appscale/datastore/groomer/state"
)

const (
	// pageSize bounds one scanned batch of index or entity rows.
	pageSize = 100
	// DefaultInterval separates full grooming passes.
	DefaultInterval = 2 * time.Hour
)

// Storage is what the groomer needs from the Cassandra layer.
// *storage.Datastore implements it.
type Storage interface {
	BatchGetRows(ctx context.Context, rowKeys [][]byte) (map[string]storage.EntityRecord, error)
	RangeQuery(ctx context.Context, table string, start, end []byte, limit int, startInclusive, endInclusive bool) ([]storage.IndexRow, error)
	ScanEntities(ctx context.Context, start, end []byte, limit int, startInclusive bool) ([]storage.EntityRow, error)
	ApplyMutations(ctx context.Context, muts []storage.Mutation, txid int64) error
}

// Options wires a Groomer.
type Options struct {
	Storage   Storage
	Conn      coordination.Conn
	TxManager *coordination.TransactionManager
	Indexes   *coordination.IndexManager

	// Interval between passes; DefaultInterval when zero.
	Interval time.Duration
}

// Groomer is the background consistency-repair worker.
type Groomer struct {
	db       Storage
	conn     coordination.Conn
	txm      *coordination.TransactionManager
	indexes  *coordination.IndexManager
	interval time.Duration
}

// New builds a groomer.
func New(opts Options) *Groomer {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Groomer{
		db:       opts.Storage,
		conn:     opts.Conn,
		txm:      opts.TxManager,
		indexes:  opts.Indexes,
		interval: interval,
	}
}

// Run grooms the given projects in a loop until the context is cancelled.
// A failed pass is logged and retried on the next cycle.
func (g *Groomer) Run(ctx context.Context, projects []string) error {
	for {
		if err := g.GroomAll(ctx, projects); err != nil {
			logging.Errorf(ctx, "Grooming pass failed: %s", err)
		}
		if clock.Sleep(ctx, g.interval).Incomplete() {
			return ctx.Err()
		}
	}
}

// GroomAll runs one full pass over every project, under the fleet-wide
// groomer lock. If another groomer holds the lock the pass is skipped.
func (g *Groomer) GroomAll(ctx context.Context, projects []string) error {
	release, held, err := g.acquireRunLock()
	if err != nil {
		return err
	}
	if !held {
		logging.Infof(ctx, "Another groomer is running, skipping this pass")
		return nil
	}
	defer release()

	for _, project := range projects {
		if err := g.GroomProject(ctx, project); err != nil {
			logging.Errorf(ctx, "Grooming %s: %s", project, err)
		}
	}
	return nil
}

// acquireRunLock creates the ephemeral groomer lock node. held is false
// when another process owns it.
func (g *Groomer) acquireRunLock() (release func(), held bool, err error) {
	if err := coordination.EnsurePath(g.conn, stateRoot); err != nil {
		return nil, false, err
	}
	_, err = g.conn.Create(lockNode, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dberrors.Connection("creating groomer lock: %s", err)
	}
	return func() {
		if err := g.conn.Delete(lockNode, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			logging.Errorf(context.Background(), "Releasing groomer lock: %s", err)
		}
	}, true, nil
}

// progress is the persisted resumption point of one project's pass.
type progress struct {
	Task   string `json:"task"`
	Cursor []byte `json:"cursor"`
}

func stateNode(project string) string {
	return stateRoot + "/" + project
}

func (g *Groomer) loadProgress(project string) (*progress, error) {
	data, _, err := g.conn.Get(stateNode(project))
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return nil, nil
	case err != nil:
		return nil, dberrors.Connection("reading groomer state for %s: %s", project, err)
	}
	var p progress
	if err := json.Unmarshal(data, &p); err != nil {
		// Unreadable state just restarts the pass from the top.
		logging.Warningf(context.Background(), "Discarding corrupt groomer state for %s: %s", project, err)
		return nil, nil
	}
	return &p, nil
}

func (g *Groomer) saveProgress(project string, p *progress) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return dberrors.Internal("encoding groomer state: %s", err)
	}
	node := stateNode(project)
	_, err = g.conn.Create(node, blob, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = g.conn.Set(node, blob, -1)
	}
	if err != nil {
		return dberrors.Connection("writing groomer state for %s: %s", project, err)
	}
	return nil
}

func (g *Groomer) clearProgress(project string) error {
	err := g.conn.Delete(stateNode(project), -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return dberrors.Connection("clearing groomer state for %s: %s", project, err)
	}
	return nil
}

// task is one resumable step of a grooming pass.
type task struct {
	name string
	run  func(ctx context.Context, project string, cursor []byte, save func([]byte) error) error
}

func (g *Groomer) tasks() []task {
	return []task{
		{"clean-asc-indexes", func(ctx context.Context, project string, cursor []byte, save func([]byte) error) error {
			return g.cleanPropertyIndex(ctx, project, storage.AscPropertyTable, false, cursor, save)
		}},
		{"clean-dsc-indexes", func(ctx context.Context, project string, cursor []byte, save func([]byte) error) error {
			return g.cleanPropertyIndex(ctx, project, storage.DscPropertyTable, true, cursor, save)
		}},
		{"clean-kind-indexes", g.cleanKindIndex},
		{"clean-composite-indexes", g.cleanCompositeIndexes},
		{"populate-scatter", g.populateScatter},
	}
}

// GroomProject runs the task sequence for one project, resuming from any
// persisted progress. Progress survives a failed or interrupted pass so
// the next one continues roughly where this one stopped.
func (g *Groomer) GroomProject(ctx context.Context, project string) error {
	saved, err := g.loadProgress(project)
	if err != nil {
		return err
	}

	tasks := g.tasks()
	first := 0
	var cursor []byte
	if saved != nil {
		for i, t := range tasks {
			if t.name == saved.Task {
				first = i
				cursor = saved.Cursor
				break
			}
		}
	}

	for i := first; i < len(tasks); i++ {
		t := tasks[i]
		save := func(c []byte) error {
			return g.saveProgress(project, &progress{Task: t.name, Cursor: c})
		}
		logging.Debugf(ctx, "Groomer task %s on %s", t.name, project)
		if err := t.run(ctx, project, cursor, save); err != nil {
			return err
		}
		cursor = nil
	}
	return g.clearProgress(project)
}

// projectBounds covers every row of a project across all namespaces. The
// app prefix always ends at the key delimiter, so bumping it by one bounds
// the range.
func projectBounds(project string) (start, end []byte) {
	start = append([]byte(project), 0x00)
	end = append([]byte(project), 0x01)
	return start, end
}

// withGroupLock runs fn while holding the entity group lock, using a fresh
// transaction ID as the lock owner.
func (g *Groomer) withGroupLock(ctx context.Context, project string, group datastore.Key, fn func(txid int64) error) error {
	txid, err := g.txm.CreateTransactionID(project)
	if err != nil {
		return err
	}
	lock := coordination.NewEntityLock(g.conn, []datastore.Key{group}, txid)
	if err := lock.Acquire(ctx); err != nil {
		if delErr := g.txm.DeleteTransactionID(project, txid); delErr != nil {
			logging.Warningf(ctx, "Discarding groomer txn %d: %s", txid, delErr)
		}
		return err
	}
	err = fn(txid)
	if relErr := lock.Release(); relErr != nil {
		logging.Warningf(ctx, "Releasing groomer lock for txn %d: %s", txid, relErr)
	}
	if delErr := g.txm.DeleteTransactionID(project, txid); delErr != nil {
		logging.Warningf(ctx, "Discarding groomer txn %d: %s", txid, delErr)
	}
	return err
}
