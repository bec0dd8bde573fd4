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
	"bytes"
	"context"
	"sort"
	"sync"

	"go.chromium.org/luci/common/clock"

	"github.com/appscale/gts/coordination"
	"github.com/appscale/gts/coordination/zkmem"
	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
	"github.com/appscale/gts/storage"
)

// fakeStorage is an in-memory Storage backed by byte-sorted tables,
// standing in for a byte-ordered Cassandra keyspace.
type fakeStorage struct {
	mu       sync.Mutex
	entities map[string]storage.EntityRecord
	indexes  map[string]map[string][]byte // table -> row key -> reference
	groups   map[string]int64

	txMeta map[int64]*storage.TxMetadata

	largeBatches int
	rangeQueries int

	// batchErr, when set, fails NormalBatch without applying anything.
	batchErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		entities: map[string]storage.EntityRecord{},
		indexes:  map[string]map[string][]byte{},
		groups:   map[string]int64{},
		txMeta:   map[int64]*storage.TxMetadata{},
	}
}

func (s *fakeStorage) table(name string) map[string][]byte {
	t, ok := s.indexes[name]
	if !ok {
		t = map[string][]byte{}
		s.indexes[name] = t
	}
	return t
}

func (s *fakeStorage) BatchGetEntities(ctx context.Context, keys []datastore.Key) (map[string]storage.EntityRecord, error) {
	rowKeys := make([][]byte, len(keys))
	for i, k := range keys {
		rowKeys[i] = codec.EntityTableKey(k)
	}
	return s.BatchGetRows(ctx, rowKeys)
}

func (s *fakeStorage) BatchGetRows(ctx context.Context, rowKeys [][]byte) (map[string]storage.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]storage.EntityRecord{}
	for _, rowKey := range rowKeys {
		if rec, ok := s.entities[string(rowKey)]; ok {
			out[string(rowKey)] = rec
		}
	}
	return out, nil
}

func (s *fakeStorage) GroupUpdates(ctx context.Context, groups []datastore.Key) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{}
	for _, group := range groups {
		rowKey := codec.EntityTableKey(group)
		if last, ok := s.groups[string(rowKey)]; ok {
			out[string(rowKey)] = last
		}
	}
	return out, nil
}

// inBounds applies range bounds the way the token-ordered tables do.
func inBounds(key []byte, start, end []byte, startIncl, endIncl bool) bool {
	cs := bytes.Compare(key, start)
	if cs < 0 || (cs == 0 && !startIncl) {
		return false
	}
	ce := bytes.Compare(key, end)
	if ce > 0 || (ce == 0 && !endIncl) {
		return false
	}
	return true
}

func (s *fakeStorage) RangeQuery(ctx context.Context, table string, start, end []byte, limit int, startInclusive, endInclusive bool) ([]storage.IndexRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rangeQueries++
	keys := make([]string, 0, len(s.indexes[table]))
	for k := range s.indexes[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []storage.IndexRow
	for _, k := range keys {
		if !inBounds([]byte(k), start, end, startInclusive, endInclusive) {
			continue
		}
		out = append(out, storage.IndexRow{
			Key:       []byte(k),
			Reference: append([]byte(nil), s.indexes[table][k]...),
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStorage) ScanEntities(ctx context.Context, start, end []byte, limit int, startInclusive bool) ([]storage.EntityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entities))
	for k := range s.entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []storage.EntityRow
	for _, k := range keys {
		if !inBounds([]byte(k), start, end, startInclusive, true) {
			continue
		}
		rec := s.entities[k]
		out = append(out, storage.EntityRow{Key: []byte(k), Entity: rec.Entity, Txid: rec.Txid})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStorage) apply(muts []storage.Mutation, txid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range muts {
		switch m.Table {
		case storage.EntitiesTable:
			if m.Op == storage.OpDelete {
				delete(s.entities, string(m.Key))
			} else {
				s.entities[string(m.Key)] = storage.EntityRecord{Key: m.Key, Entity: m.Entity, Txid: m.Txid}
			}
		case storage.GroupUpdatesTable:
			if m.Op == storage.OpDelete {
				delete(s.groups, string(m.Key))
			} else {
				s.groups[string(m.Key)] = m.Txid
			}
		default:
			t := s.table(m.Table)
			if m.Op == storage.OpDelete {
				delete(t, string(m.Key))
			} else {
				t[string(m.Key)] = m.Reference
			}
		}
	}
}

func (s *fakeStorage) NormalBatch(ctx context.Context, muts []storage.Mutation, txid int64) error {
	s.mu.Lock()
	err := s.batchErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.apply(muts, txid)
	return nil
}

func (s *fakeStorage) ApplyMutations(ctx context.Context, muts []storage.Mutation, txid int64) error {
	s.apply(muts, txid)
	return nil
}

func (s *fakeStorage) ApplyLargeBatch(ctx context.Context, app string, txid int64, changes []storage.LoggedChange, muts []storage.Mutation) error {
	s.mu.Lock()
	s.largeBatches++
	s.mu.Unlock()
	s.apply(muts, txid)
	return nil
}

func (s *fakeStorage) StartTransaction(ctx context.Context, app string, txid int64, xg bool, inProgress []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txMeta[txid] = &storage.TxMetadata{
		Start:      clock.Now(ctx).UTC(),
		XG:         xg,
		InProgress: inProgress,
		Puts:       map[string]*datastore.Entity{},
	}
	return nil
}

func (s *fakeStorage) meta(txid int64) (*storage.TxMetadata, error) {
	m, ok := s.txMeta[txid]
	if !ok {
		return nil, dberrors.BadRequest("transaction %d does not exist", txid)
	}
	return m, nil
}

func (s *fakeStorage) PutEntitiesTx(ctx context.Context, app string, txid int64, entities []*datastore.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.meta(txid)
	if err != nil {
		return err
	}
	for _, ent := range entities {
		m.Puts[string(codec.EntityTableKey(ent.Key))] = ent
	}
	return nil
}

func (s *fakeStorage) DeleteEntitiesTx(ctx context.Context, app string, txid int64, keys []datastore.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.meta(txid)
	if err != nil {
		return err
	}
	m.Deletes = append(m.Deletes, keys...)
	return nil
}

func (s *fakeStorage) RecordReads(ctx context.Context, app string, txid int64, keys []datastore.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.meta(txid)
	if err != nil {
		return err
	}
	for _, k := range keys {
		m.Reads = append(m.Reads, k.Group())
	}
	return nil
}

func (s *fakeStorage) AddTransactionalTasks(ctx context.Context, app string, txid int64, tasks [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.meta(txid)
	if err != nil {
		return err
	}
	m.Tasks = append(m.Tasks, tasks...)
	return nil
}

func (s *fakeStorage) TransactionalTasksCount(ctx context.Context, app string, txid int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.meta(txid)
	if err != nil {
		return 0, err
	}
	return len(m.Tasks), nil
}

func (s *fakeStorage) GetTransactionMetadata(ctx context.Context, app string, txid int64) (*storage.TxMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta(txid)
}

func (s *fakeStorage) DeleteTransactionLog(ctx context.Context, app string, txid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txMeta, txid)
	return nil
}

// fakeSequential hands out a simple monotonic counter.
type fakeSequential struct {
	mu   sync.Mutex
	next int64
}

func (f *fakeSequential) AllocateSize(ctx context.Context, size, minCounter int64) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if minCounter > f.next {
		f.next = minCounter
	}
	start := f.next + 1
	f.next += size
	return start, f.next, nil
}

func (f *fakeSequential) AllocateMax(ctx context.Context, max int64) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := f.next + 1
	if max > f.next {
		f.next = max
	}
	return start, f.next, nil
}

func (f *fakeSequential) SetMinCounter(ctx context.Context, counter int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if counter > f.next {
		f.next = counter
	}
	return nil
}

// fakeScattered hands out scattered-looking IDs from a counter.
type fakeScattered struct {
	mu      sync.Mutex
	counter int64
	minSeen int64
}

func (f *fakeScattered) Next(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	return storage.ToScatteredID(f.counter), nil
}

func (f *fakeScattered) SetMinScattered(ctx context.Context, counter int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if counter > f.minSeen {
		f.minSeen = counter
	}
	return nil
}

// testEnv wires an orchestrator over the fakes and an in-memory ZooKeeper.
type testEnv struct {
	o     *Orchestrator
	db    *fakeStorage
	conn  *zkmem.Conn
	coord *coordination.Coordinator
}

func newTestEnv() *testEnv {
	db := newFakeStorage()
	conn := zkmem.New()
	txm := coordination.NewTransactionManager(conn)
	coord := coordination.NewCoordinator(conn, txm)
	o := NewWithOptions(Options{
		Storage:     db,
		Conn:        conn,
		TxManager:   txm,
		Coordinator: coord,
		Indexes:     coordination.NewIndexManager(conn),
		NewSequential: func(project string) IDAllocator {
			return &fakeSequential{}
		},
		NewScattered: func(project string) ScatterSource {
			return &fakeScattered{}
		},
	})
	return &testEnv{o: o, db: db, conn: conn, coord: coord}
}

// guestEntity builds a guestbook Greeting under an optional parent name.
func guestEntity(name string, props ...datastore.Property) *datastore.Entity {
	return &datastore.Entity{
		Key: datastore.Key{
			App:       "guestbook",
			Namespace: "",
			Path:      datastore.Path{{Kind: "Greeting", Name: name}},
		},
		Properties: props,
	}
}

func childEntity(parent, name string, props ...datastore.Property) *datastore.Entity {
	return &datastore.Entity{
		Key: datastore.Key{
			App:       "guestbook",
			Namespace: "",
			Path: datastore.Path{
				{Kind: "Guestbook", Name: parent},
				{Kind: "Greeting", Name: name},
			},
		},
		Properties: props,
	}
}
