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

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
	"github.com/appscale/gts/orchestrator"
)

// fakeBackend records calls and replays canned results.
type fakeBackend struct {
	putEntities []*datastore.Entity
	putTxn      int64
	putKeys     []datastore.Key

	getKeys     []datastore.Key
	getEntities []*datastore.Entity

	deleted []datastore.Key

	query       *datastore.Query
	queryResult *orchestrator.QueryResult

	txid       int64
	xg         bool
	committed  []int64
	commitErr  error
	rolledBack []int64
	tasks      [][]byte

	allocSize   int64
	allocMax    int64
	reservedIDs []int64

	indexes   []datastore.CompositeIndex
	deletedID int64
}

func (f *fakeBackend) Put(ctx context.Context, project string, entities []*datastore.Entity, txid int64) ([]datastore.Key, error) {
	f.putEntities, f.putTxn = entities, txid
	return f.putKeys, nil
}

func (f *fakeBackend) Get(ctx context.Context, project string, keys []datastore.Key, txid int64) ([]*datastore.Entity, error) {
	f.getKeys = keys
	return f.getEntities, nil
}

func (f *fakeBackend) Delete(ctx context.Context, project string, keys []datastore.Key, txid int64) error {
	f.deleted = keys
	return nil
}

func (f *fakeBackend) RunQuery(ctx context.Context, q *datastore.Query) (*orchestrator.QueryResult, error) {
	f.query = q
	return f.queryResult, nil
}

func (f *fakeBackend) BeginTransaction(ctx context.Context, project string, xg bool) (int64, error) {
	f.xg = xg
	return f.txid, nil
}

func (f *fakeBackend) Commit(ctx context.Context, project string, txid int64) ([][]byte, error) {
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	f.committed = append(f.committed, txid)
	return f.tasks, nil
}

func (f *fakeBackend) Rollback(ctx context.Context, project string, txid int64) error {
	f.rolledBack = append(f.rolledBack, txid)
	return nil
}

func (f *fakeBackend) AddActions(ctx context.Context, project string, txid int64, tasks [][]byte) error {
	f.tasks = tasks
	return nil
}

func (f *fakeBackend) AllocateIDs(ctx context.Context, project string, size int64) (int64, int64, error) {
	f.allocSize = size
	return 1, size, nil
}

func (f *fakeBackend) AllocateMaxID(ctx context.Context, project string, max int64) (int64, int64, error) {
	f.allocMax = max
	return 1, max, nil
}

func (f *fakeBackend) ReserveIDs(ctx context.Context, project string, ids []int64) error {
	f.reservedIDs = ids
	return nil
}

func (f *fakeBackend) GetIndexes(ctx context.Context, project string) ([]datastore.CompositeIndex, error) {
	return f.indexes, nil
}

func (f *fakeBackend) UpdateIndexes(ctx context.Context, project string, indexes []datastore.CompositeIndex) error {
	f.indexes = append(f.indexes, indexes...)
	return nil
}

func (f *fakeBackend) DeleteIndex(ctx context.Context, project string, id int64) error {
	f.deletedID = id
	return nil
}

// fakeQueue records enqueued task payloads.
type fakeQueue struct {
	enqueued [][]byte
}

func (q *fakeQueue) Enqueue(ctx context.Context, project string, tasks [][]byte) error {
	q.enqueued = append(q.enqueued, tasks...)
	return nil
}

func greetingKey(name string) datastore.Key {
	return datastore.Key{
		App:  "guestbook",
		Path: datastore.Path{{Kind: "Greeting", Name: name}},
	}
}

func greeting(name string, stars int64) *datastore.Entity {
	return &datastore.Entity{
		Key: greetingKey(name),
		Properties: []datastore.Property{
			{Name: "stars", Value: datastore.IntValue(stars)},
		},
	}
}

type testEnv struct {
	svc     *Service
	backend *fakeBackend
	server  *httptest.Server
}

func newTestEnv() *testEnv {
	backend := &fakeBackend{}
	svc := New(backend)
	return &testEnv{svc: svc, backend: backend, server: httptest.NewServer(svc.Handler())}
}

// call POSTs a framed method call and decodes the reply envelope into body.
func (e *testEnv) call(method string, req, body any) (dberrors.Code, string) {
	payload, err := json.Marshal(req)
	So(err, ShouldBeNil)

	httpReq, err := http.NewRequest(http.MethodPost, e.server.URL+"/",
		bytes.NewReader(EncodeEnvelope(method, payload)))
	So(err, ShouldBeNil)
	httpReq.Header.Set(ProtocolVersionHeader, ProtocolVersion)

	resp, err := e.server.Client().Do(httpReq)
	So(err, ShouldBeNil)
	defer resp.Body.Close()

	var env struct {
		Error  dberrors.Code   `json:"error"`
		Detail string          `json:"detail"`
		Body   json.RawMessage `json:"body"`
	}
	So(json.NewDecoder(resp.Body).Decode(&env), ShouldBeNil)
	if body != nil && len(env.Body) > 0 {
		So(json.Unmarshal(env.Body, body), ShouldBeNil)
	}
	return env.Error, env.Detail
}

func (e *testEnv) postJSON(path string, req, body any) dberrors.Code {
	payload, err := json.Marshal(req)
	So(err, ShouldBeNil)
	resp, err := e.server.Client().Post(e.server.URL+path, "application/json", bytes.NewReader(payload))
	So(err, ShouldBeNil)
	defer resp.Body.Close()

	var env struct {
		Error dberrors.Code   `json:"error"`
		Body  json.RawMessage `json:"body"`
	}
	So(json.NewDecoder(resp.Body).Decode(&env), ShouldBeNil)
	if body != nil && len(env.Body) > 0 {
		So(json.Unmarshal(env.Body, body), ShouldBeNil)
	}
	return env.Error
}

func TestDatastoreCalls(t *testing.T) {
	t.Parallel()

	Convey("With a service over a fake backend", t, func() {
		env := newTestEnv()
		Reset(env.server.Close)

		Convey("Put decodes entities and returns keys", func() {
			ent := greeting("g1", 4)
			env.backend.putKeys = []datastore.Key{ent.Key}

			var resp putResponse
			code, _ := env.call("Put", &putRequest{
				App:      "guestbook",
				Entities: [][]byte{codec.EncodeEntity(ent)},
				Txn:      7,
			}, &resp)

			So(code, ShouldEqual, dberrors.CodeOK)
			So(resp.Keys, ShouldHaveLength, 1)
			So(resp.Keys[0].Equal(ent.Key), ShouldBeTrue)
			So(env.backend.putTxn, ShouldEqual, 7)
			So(env.backend.putEntities, ShouldHaveLength, 1)
			So(env.backend.putEntities[0].Key.Equal(ent.Key), ShouldBeTrue)
			So(env.backend.putEntities[0].Properties[0].Value.Int(), ShouldEqual, 4)
		})

		Convey("Put rejects an undecodable entity", func() {
			code, detail := env.call("Put", &putRequest{
				App:      "guestbook",
				Entities: [][]byte{{0xff, 0xfe}},
			}, nil)
			So(code, ShouldEqual, dberrors.CodeBadRequest)
			So(detail, ShouldNotBeEmpty)
		})

		Convey("Get aligns missing entities with null slots", func() {
			ent := greeting("g1", 4)
			env.backend.getEntities = []*datastore.Entity{ent, nil}

			var resp getResponse
			code, _ := env.call("Get", &getRequest{
				App:  "guestbook",
				Keys: []datastore.Key{ent.Key, greetingKey("g2")},
			}, &resp)

			So(code, ShouldEqual, dberrors.CodeOK)
			So(resp.Entities, ShouldHaveLength, 2)
			So(resp.Entities[1], ShouldBeNil)
			decoded, err := codec.DecodeEntity(resp.Entities[0])
			So(err, ShouldBeNil)
			So(decoded.Key.Equal(ent.Key), ShouldBeTrue)
			So(env.backend.getKeys, ShouldHaveLength, 2)
		})

		Convey("Delete forwards keys", func() {
			code, _ := env.call("Delete", &deleteRequest{
				App:  "guestbook",
				Keys: []datastore.Key{greetingKey("g1")},
			}, nil)
			So(code, ShouldEqual, dberrors.CodeOK)
			So(env.backend.deleted, ShouldHaveLength, 1)
		})

		Convey("RunQuery decodes filters, orders and cursors", func() {
			ent := greeting("g1", 4)
			cursor := &datastore.Cursor{LastPath: codec.EncodePath(ent.Key.Path)}
			env.backend.queryResult = &orchestrator.QueryResult{
				Results: []*datastore.Entity{ent},
				Cursor:  cursor,
				More:    true,
			}

			var resp runQueryResponse
			code, _ := env.call("RunQuery", &runQueryRequest{Query: wireQuery{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []wireFilter{{
					Property: "stars",
					Op:       datastore.OpGreaterThan,
					Value:    codec.EncodeIndexValue(datastore.IntValue(2)),
				}},
				Orders:      []wireOrder{{Property: "stars"}},
				StartCursor: cursor.Encode(),
				Limit:       5,
				HasLimit:    true,
				Compile:     true,
			}}, &resp)

			So(code, ShouldEqual, dberrors.CodeOK)
			q := env.backend.query
			So(q.Kind, ShouldEqual, "Greeting")
			So(q.Filters, ShouldHaveLength, 1)
			So(q.Filters[0].Op, ShouldEqual, datastore.OpGreaterThan)
			So(q.Filters[0].Value.Int(), ShouldEqual, 2)
			So(q.Orders[0].Direction, ShouldEqual, datastore.Ascending)
			So(q.StartCursor.LastPath, ShouldResemble, codec.EncodePath(ent.Key.Path))
			So(q.Limit, ShouldEqual, 5)

			So(resp.More, ShouldBeTrue)
			So(resp.Cursor, ShouldEqual, cursor.Encode())
			decoded, err := codec.DecodeEntity(resp.Results[0])
			So(err, ShouldBeNil)
			So(decoded.Key.Equal(ent.Key), ShouldBeTrue)
		})

		Convey("Transactions round-trip", func() {
			queue := &fakeQueue{}
			env.svc.SetTaskQueue(queue)
			env.backend.txid = 42
			var begin beginTransactionResponse
			code, _ := env.call("BeginTransaction", &beginTransactionRequest{App: "guestbook", XG: true}, &begin)
			So(code, ShouldEqual, dberrors.CodeOK)
			So(begin.Txn, ShouldEqual, 42)
			So(env.backend.xg, ShouldBeTrue)

			code, _ = env.call("AddActions", &addActionsRequest{
				App: "guestbook", Txn: 42, Tasks: [][]byte{[]byte("task")},
			}, nil)
			So(code, ShouldEqual, dberrors.CodeOK)

			var commit commitResponse
			code, _ = env.call("Commit", &commitRequest{App: "guestbook", Txn: 42}, &commit)
			So(code, ShouldEqual, dberrors.CodeOK)
			So(env.backend.committed, ShouldResemble, []int64{42})
			So(commit.Tasks, ShouldResemble, [][]byte{[]byte("task")})
			So(queue.enqueued, ShouldResemble, [][]byte{[]byte("task")})

			code, _ = env.call("Rollback", &rollbackRequest{App: "guestbook", Txn: 42}, nil)
			So(code, ShouldEqual, dberrors.CodeOK)
			So(env.backend.rolledBack, ShouldResemble, []int64{42})
		})

		Convey("Commit conflicts map to the concurrency wire code", func() {
			env.backend.commitErr = dberrors.ConcurrentModification("lost the race")
			code, detail := env.call("Commit", &commitRequest{App: "guestbook", Txn: 9}, nil)
			So(code, ShouldEqual, dberrors.CodeConcurrentTransaction)
			So(detail, ShouldContainSubstring, "lost the race")
		})

		Convey("AllocateIds picks the block or max strategy", func() {
			var resp allocateIDsResponse
			code, _ := env.call("AllocateIds", &allocateIDsRequest{App: "guestbook", Size: 10}, &resp)
			So(code, ShouldEqual, dberrors.CodeOK)
			So(env.backend.allocSize, ShouldEqual, 10)
			So(resp.End, ShouldEqual, 10)

			code, _ = env.call("AllocateIds", &allocateIDsRequest{App: "guestbook", Max: 500}, &resp)
			So(code, ShouldEqual, dberrors.CodeOK)
			So(env.backend.allocMax, ShouldEqual, 500)

			code, _ = env.call("AllocateIds", &allocateIDsRequest{App: "guestbook"}, nil)
			So(code, ShouldEqual, dberrors.CodeBadRequest)
		})

		Convey("Index administration round-trips", func() {
			index := datastore.CompositeIndex{
				Kind: "Greeting",
				Props: []datastore.IndexProperty{
					{Name: "color"},
					{Name: "stars", Direction: datastore.Descending},
				},
			}

			var created createIndexResponse
			code, _ := env.call("CreateIndex", &createIndexRequest{App: "guestbook", Index: index}, &created)
			So(code, ShouldEqual, dberrors.CodeOK)
			So(created.ID, ShouldBeGreaterThan, 0)
			So(env.backend.indexes, ShouldHaveLength, 1)
			So(env.backend.indexes[0].ID, ShouldEqual, created.ID)

			index.ID = created.ID
			index.Ancestor = true
			code, _ = env.call("UpdateIndex", &updateIndexRequest{App: "guestbook", Index: index}, nil)
			So(code, ShouldEqual, dberrors.CodeOK)

			var indices getIndicesResponse
			code, _ = env.call("GetIndices", &getIndicesRequest{App: "guestbook"}, &indices)
			So(code, ShouldEqual, dberrors.CodeOK)
			So(indices.Indexes, ShouldHaveLength, 2)

			code, _ = env.call("DeleteIndex", &deleteIndexRequest{App: "guestbook", ID: created.ID}, nil)
			So(code, ShouldEqual, dberrors.CodeOK)
			So(env.backend.deletedID, ShouldEqual, created.ID)
		})

		Convey("UpdateIndex without an id is rejected", func() {
			code, _ := env.call("UpdateIndex", &updateIndexRequest{
				App:   "guestbook",
				Index: datastore.CompositeIndex{Kind: "Greeting"},
			}, nil)
			So(code, ShouldEqual, dberrors.CodeBadRequest)
		})

		Convey("Unknown methods are rejected", func() {
			code, _ := env.call("Bogus", struct{}{}, nil)
			So(code, ShouldEqual, dberrors.CodeBadRequest)
		})
	})
}

func TestProtocolEdges(t *testing.T) {
	t.Parallel()

	Convey("With a service over a fake backend", t, func() {
		env := newTestEnv()
		Reset(env.server.Close)

		Convey("A missing protocol version is rejected", func() {
			resp, err := env.server.Client().Post(env.server.URL+"/", "application/octet-stream",
				bytes.NewReader(EncodeEnvelope("Get", []byte("{}"))))
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			var env2 responseEnvelope
			So(json.NewDecoder(resp.Body).Decode(&env2), ShouldBeNil)
			So(env2.Error, ShouldEqual, dberrors.CodeBadRequest)
		})

		Convey("A truncated envelope is rejected", func() {
			req, err := http.NewRequest(http.MethodPost, env.server.URL+"/", bytes.NewReader([]byte{0, 0}))
			So(err, ShouldBeNil)
			req.Header.Set(ProtocolVersionHeader, ProtocolVersion)
			resp, err := env.server.Client().Do(req)
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			var env2 responseEnvelope
			So(json.NewDecoder(resp.Body).Decode(&env2), ShouldBeNil)
			So(env2.Error, ShouldEqual, dberrors.CodeBadRequest)
		})

		Convey("GET on the call endpoint is not allowed", func() {
			resp, err := env.server.Client().Get(env.server.URL + "/")
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()

	Convey("With a service over a fake backend", t, func() {
		env := newTestEnv()
		Reset(env.server.Close)

		Convey("Read-only mode rejects writes but not reads", func() {
			var state readOnlyResponse
			So(env.postJSON("/read-only", &readOnlyRequest{ReadOnly: true}, &state), ShouldEqual, dberrors.CodeOK)
			So(state.ReadOnly, ShouldBeTrue)
			So(env.svc.ReadOnly(), ShouldBeTrue)

			code, _ := env.call("Put", &putRequest{App: "guestbook"}, nil)
			So(code, ShouldEqual, dberrors.CodeCapabilityDisabled)

			code, _ = env.call("Get", &getRequest{App: "guestbook"}, nil)
			So(code, ShouldEqual, dberrors.CodeOK)

			So(env.postJSON("/read-only", &readOnlyRequest{}, nil), ShouldEqual, dberrors.CodeOK)
			code, _ = env.call("Put", &putRequest{App: "guestbook"}, nil)
			So(code, ShouldEqual, dberrors.CodeOK)
		})

		Convey("Reserving keys collects every numeric path ID", func() {
			key := datastore.Key{
				App: "guestbook",
				Path: datastore.Path{
					{Kind: "Guestbook", ID: 12},
					{Kind: "Greeting", ID: 34},
				},
			}
			code := env.postJSON("/reserve-keys", &reserveKeysRequest{
				App:  "guestbook",
				Keys: []datastore.Key{key, greetingKey("named")},
			}, nil)
			So(code, ShouldEqual, dberrors.CodeOK)
			So(env.backend.reservedIDs, ShouldResemble, []int64{12, 34})
		})

		Convey("Clear is refused on distributed deployments", func() {
			resp, err := env.server.Client().Post(env.server.URL+"/clear", "application/json", nil)
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusNotImplemented)
			var env2 responseEnvelope
			So(json.NewDecoder(resp.Body).Decode(&env2), ShouldBeNil)
			So(env2.Error, ShouldEqual, dberrors.CodeCapabilityDisabled)
		})
	})
}
