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

// Package service exposes the datastore over HTTP. Every call is a POST
// with a length-prefixed method name followed by a JSON payload, and
// every reply is a JSON envelope carrying a wire error code so that
// datastore failures travel in-band rather than as HTTP statuses.
package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
	"github.com/appscale/gts/orchestrator"
)

// Datastore is the backend the service fronts. *orchestrator.Orchestrator
// implements it.
type Datastore interface {
	Put(ctx context.Context, project string, entities []*datastore.Entity, txid int64) ([]datastore.Key, error)
	Get(ctx context.Context, project string, keys []datastore.Key, txid int64) ([]*datastore.Entity, error)
	Delete(ctx context.Context, project string, keys []datastore.Key, txid int64) error
	RunQuery(ctx context.Context, q *datastore.Query) (*orchestrator.QueryResult, error)

	BeginTransaction(ctx context.Context, project string, xg bool) (int64, error)
	Commit(ctx context.Context, project string, txid int64) ([][]byte, error)
	Rollback(ctx context.Context, project string, txid int64) error
	AddActions(ctx context.Context, project string, txid int64, tasks [][]byte) error

	AllocateIDs(ctx context.Context, project string, size int64) (start, end int64, err error)
	AllocateMaxID(ctx context.Context, project string, max int64) (start, end int64, err error)
	ReserveIDs(ctx context.Context, project string, ids []int64) error

	GetIndexes(ctx context.Context, project string) ([]datastore.CompositeIndex, error)
	UpdateIndexes(ctx context.Context, project string, indexes []datastore.CompositeIndex) error
	DeleteIndex(ctx context.Context, project string, id int64) error
}

// TaskQueue receives the task payloads a committed transaction staged.
type TaskQueue interface {
	Enqueue(ctx context.Context, project string, tasks [][]byte) error
}

// loggedTaskQueue is the default sink: it records what a real queue
// client would have enqueued.
type loggedTaskQueue struct{}

func (loggedTaskQueue) Enqueue(ctx context.Context, project string, tasks [][]byte) error {
	logging.Infof(ctx, "Would enqueue %d tasks for %s", len(tasks), project)
	return nil
}

// Service serves the datastore wire protocol.
type Service struct {
	ds Datastore
	tq TaskQueue

	mu       sync.RWMutex
	readOnly bool
}

// New wraps a backend in a wire service.
func New(ds Datastore) *Service {
	return &Service{ds: ds, tq: loggedTaskQueue{}}
}

// SetTaskQueue replaces the default logging task sink.
func (s *Service) SetTaskQueue(tq TaskQueue) {
	s.tq = tq
}

// ReadOnly reports whether writes are currently rejected.
func (s *Service) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

// SetReadOnly toggles write rejection.
func (s *Service) SetReadOnly(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = v
}

// Handler returns the service's HTTP routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleCall)
	mux.HandleFunc("/read-only", s.handleReadOnly)
	mux.HandleFunc("/reserve-keys", s.handleReserveKeys)
	mux.HandleFunc("/clear", s.handleClear)
	return mux
}

// mutators lists the methods rejected while the service is read-only.
var mutators = map[string]bool{
	"Put":         true,
	"Delete":      true,
	"Commit":      true,
	"AddActions":  true,
	"AllocateIds": true,
	"CreateIndex": true,
	"UpdateIndex": true,
	"DeleteIndex": true,
}

func writeEnvelope(w http.ResponseWriter, err error, body any) {
	env := responseEnvelope{Error: dberrors.WireCode(err), Body: body}
	if err != nil {
		env.Detail = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&env)
}

func (s *Service) handleCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		writeEnvelope(w, dberrors.BadRequest("datastore calls must be POSTed"), nil)
		return
	}
	if v := r.Header.Get(ProtocolVersionHeader); v != ProtocolVersion {
		writeEnvelope(w, dberrors.BadRequest("unsupported protocol version %q", v), nil)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeEnvelope(w, dberrors.BadRequest("reading request: %s", err), nil)
		return
	}
	method, payload, err := DecodeEnvelope(raw)
	if err != nil {
		writeEnvelope(w, err, nil)
		return
	}

	if mutators[method] && s.ReadOnly() {
		writeEnvelope(w, dberrors.CapabilityDisabled("datastore is in read-only mode"), nil)
		return
	}

	body, err := s.dispatch(ctx, method, payload)
	if err != nil {
		logging.Warningf(ctx, "%s failed: %s", method, err)
	}
	writeEnvelope(w, err, body)
}

func (s *Service) dispatch(ctx context.Context, method string, payload []byte) (any, error) {
	switch method {
	case "Put":
		return s.put(ctx, payload)
	case "Get":
		return s.get(ctx, payload)
	case "Delete":
		return s.del(ctx, payload)
	case "RunQuery":
		return s.runQuery(ctx, payload)
	case "BeginTransaction":
		return s.beginTransaction(ctx, payload)
	case "Commit":
		return s.commit(ctx, payload)
	case "Rollback":
		return s.rollback(ctx, payload)
	case "AllocateIds":
		return s.allocateIDs(ctx, payload)
	case "AddActions":
		return s.addActions(ctx, payload)
	case "CreateIndex":
		return s.createIndex(ctx, payload)
	case "UpdateIndex":
		return s.updateIndex(ctx, payload)
	case "DeleteIndex":
		return s.deleteIndex(ctx, payload)
	case "GetIndices":
		return s.getIndices(ctx, payload)
	}
	return nil, dberrors.BadRequest("unknown method %q", method)
}

func decodePayload(payload []byte, req any) error {
	if err := json.Unmarshal(payload, req); err != nil {
		return dberrors.BadRequest("malformed payload: %s", err)
	}
	return nil
}

func (s *Service) put(ctx context.Context, payload []byte) (any, error) {
	var req putRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	entities, err := decodeEntities(req.Entities)
	if err != nil {
		return nil, err
	}
	keys, err := s.ds.Put(ctx, req.App, entities, req.Txn)
	if err != nil {
		return nil, err
	}
	return &putResponse{Keys: keys}, nil
}

func (s *Service) get(ctx context.Context, payload []byte) (any, error) {
	var req getRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	entities, err := s.ds.Get(ctx, req.App, req.Keys, req.Txn)
	if err != nil {
		return nil, err
	}
	return &getResponse{Entities: encodeEntities(entities)}, nil
}

func (s *Service) del(ctx context.Context, payload []byte) (any, error) {
	var req deleteRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	return nil, s.ds.Delete(ctx, req.App, req.Keys, req.Txn)
}

func (s *Service) runQuery(ctx context.Context, payload []byte) (any, error) {
	var req runQueryRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	q, err := decodeQuery(&req.Query)
	if err != nil {
		return nil, err
	}
	res, err := s.ds.RunQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	resp := &runQueryResponse{Results: encodeEntities(res.Results), More: res.More}
	if res.Cursor != nil {
		resp.Cursor = res.Cursor.Encode()
	}
	return resp, nil
}

func (s *Service) beginTransaction(ctx context.Context, payload []byte) (any, error) {
	var req beginTransactionRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	txid, err := s.ds.BeginTransaction(ctx, req.App, req.XG)
	if err != nil {
		return nil, err
	}
	return &beginTransactionResponse{Txn: txid}, nil
}

func (s *Service) commit(ctx context.Context, payload []byte) (any, error) {
	var req commitRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	tasks, err := s.ds.Commit(ctx, req.App, req.Txn)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		if qErr := s.tq.Enqueue(ctx, req.App, tasks); qErr != nil {
			logging.Warningf(ctx, "Enqueueing %d tasks for txn %d: %s", len(tasks), req.Txn, qErr)
		}
	}
	return &commitResponse{Tasks: tasks}, nil
}

func (s *Service) rollback(ctx context.Context, payload []byte) (any, error) {
	var req rollbackRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	return nil, s.ds.Rollback(ctx, req.App, req.Txn)
}

func (s *Service) allocateIDs(ctx context.Context, payload []byte) (any, error) {
	var req allocateIDsRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	var start, end int64
	var err error
	switch {
	case req.Max > 0:
		start, end, err = s.ds.AllocateMaxID(ctx, req.App, req.Max)
	case req.Size > 0:
		start, end, err = s.ds.AllocateIDs(ctx, req.App, req.Size)
	default:
		return nil, dberrors.BadRequest("allocation needs a size or a max")
	}
	if err != nil {
		return nil, err
	}
	return &allocateIDsResponse{Start: start, End: end}, nil
}

func (s *Service) addActions(ctx context.Context, payload []byte) (any, error) {
	var req addActionsRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	return nil, s.ds.AddActions(ctx, req.App, req.Txn, req.Tasks)
}

// newIndexID derives a fresh composite index ID from a time-based UUID.
func newIndexID() (int64, error) {
	u, err := uuid.NewUUID()
	if err != nil {
		return 0, dberrors.Internal("generating index id: %s", err)
	}
	return int64(u.Time()), nil
}

func (s *Service) createIndex(ctx context.Context, payload []byte) (any, error) {
	var req createIndexRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	id, err := newIndexID()
	if err != nil {
		return nil, err
	}
	req.Index.ID = id
	if err := s.ds.UpdateIndexes(ctx, req.App, []datastore.CompositeIndex{req.Index}); err != nil {
		return nil, err
	}
	return &createIndexResponse{ID: id}, nil
}

func (s *Service) updateIndex(ctx context.Context, payload []byte) (any, error) {
	var req updateIndexRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	if req.Index.ID == 0 {
		return nil, dberrors.BadRequest("index updates need an id")
	}
	return nil, s.ds.UpdateIndexes(ctx, req.App, []datastore.CompositeIndex{req.Index})
}

func (s *Service) deleteIndex(ctx context.Context, payload []byte) (any, error) {
	var req deleteIndexRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	return nil, s.ds.DeleteIndex(ctx, req.App, req.ID)
}

func (s *Service) getIndices(ctx context.Context, payload []byte) (any, error) {
	var req getIndicesRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	indexes, err := s.ds.GetIndexes(ctx, req.App)
	if err != nil {
		return nil, err
	}
	return &getIndicesResponse{Indexes: indexes}, nil
}

// handleReadOnly toggles the write gate. GET reports the current state.
func (s *Service) handleReadOnly(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeEnvelope(w, nil, &readOnlyResponse{ReadOnly: s.ReadOnly()})
	case http.MethodPost:
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeEnvelope(w, dberrors.BadRequest("reading request: %s", err), nil)
			return
		}
		var req readOnlyRequest
		if err := decodePayload(raw, &req); err != nil {
			writeEnvelope(w, err, nil)
			return
		}
		s.SetReadOnly(req.ReadOnly)
		logging.Infof(r.Context(), "Read-only mode set to %t", req.ReadOnly)
		writeEnvelope(w, nil, &readOnlyResponse{ReadOnly: req.ReadOnly})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		writeEnvelope(w, dberrors.BadRequest("unsupported method %s", r.Method), nil)
	}
}

// handleReserveKeys marks every numeric ID in the given keys as used, so
// the allocators never hand them out again.
func (s *Service) handleReserveKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		writeEnvelope(w, dberrors.BadRequest("unsupported method %s", r.Method), nil)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeEnvelope(w, dberrors.BadRequest("reading request: %s", err), nil)
		return
	}
	var req reserveKeysRequest
	if err := decodePayload(raw, &req); err != nil {
		writeEnvelope(w, err, nil)
		return
	}
	var ids []int64
	for _, key := range req.Keys {
		for _, elem := range key.Path {
			if elem.ID != 0 {
				ids = append(ids, elem.ID)
			}
		}
	}
	writeEnvelope(w, s.ds.ReserveIDs(r.Context(), req.App, ids), nil)
}

// handleClear exists for protocol compatibility with single-node
// development servers. A distributed deployment has no truncate
// primitive, so the call is refused rather than half-done.
func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
	writeEnvelope(w, dberrors.CapabilityDisabled("clear is not available on distributed deployments"), nil)
}
