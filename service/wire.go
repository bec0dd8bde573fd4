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
	"encoding/binary"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
)

// Envelope headers. Requests carry the protocol version and get wire
// errors back in-band, so the HTTP status stays 200 for handled calls.
const (
	ProtocolVersionHeader = "X-Protocol-Version"
	ProtocolVersion       = "1"
)

// EncodeEnvelope frames a method call: big-endian length-prefixed method
// name followed by the JSON payload.
func EncodeEnvelope(method string, payload []byte) []byte {
	out := make([]byte, 4, 4+len(method)+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(method)))
	out = append(out, method...)
	return append(out, payload...)
}

// DecodeEnvelope splits a framed request body.
func DecodeEnvelope(body []byte) (method string, payload []byte, err error) {
	if len(body) < 4 {
		return "", nil, dberrors.BadRequest("truncated request envelope")
	}
	n := binary.BigEndian.Uint32(body)
	if uint32(len(body)-4) < n {
		return "", nil, dberrors.BadRequest("truncated method name")
	}
	return string(body[4 : 4+n]), body[4+n:], nil
}

// responseEnvelope wraps every reply: a wire error code, free-text detail,
// and the method-specific body.
type responseEnvelope struct {
	Error  dberrors.Code `json:"error"`
	Detail string        `json:"detail,omitempty"`
	Body   any           `json:"body,omitempty"`
}

// Entities cross the wire in their storage encoding; keys and index
// definitions are plain JSON structs.

type putRequest struct {
	App      string   `json:"app"`
	Entities [][]byte `json:"entities"`
	Txn      int64    `json:"txn,omitempty"`
}

type putResponse struct {
	Keys []datastore.Key `json:"keys"`
}

type getRequest struct {
	App  string          `json:"app"`
	Keys []datastore.Key `json:"keys"`
	Txn  int64           `json:"txn,omitempty"`
}

type getResponse struct {
	// Entities aligns with the requested keys; missing ones are null.
	Entities [][]byte `json:"entities"`
}

type deleteRequest struct {
	App  string          `json:"app"`
	Keys []datastore.Key `json:"keys"`
	Txn  int64           `json:"txn,omitempty"`
}

type beginTransactionRequest struct {
	App string `json:"app"`
	XG  bool   `json:"xg,omitempty"`
}

type beginTransactionResponse struct {
	Txn int64 `json:"txn"`
}

type commitRequest struct {
	App string `json:"app"`
	Txn int64  `json:"txn"`
}

type commitResponse struct {
	Tasks [][]byte `json:"tasks,omitempty"`
}

type rollbackRequest struct {
	App string `json:"app"`
	Txn int64  `json:"txn"`
}

type allocateIDsRequest struct {
	App string `json:"app"`
	// Size reserves a block of that many IDs; Max instead reserves every ID
	// up to the given value. Exactly one should be set.
	Size int64 `json:"size,omitempty"`
	Max  int64 `json:"max,omitempty"`
}

type allocateIDsResponse struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type addActionsRequest struct {
	App   string   `json:"app"`
	Txn   int64    `json:"txn"`
	Tasks [][]byte `json:"tasks"`
}

type createIndexRequest struct {
	App   string                   `json:"app"`
	Index datastore.CompositeIndex `json:"index"`
}

type createIndexResponse struct {
	ID int64 `json:"id"`
}

type updateIndexRequest struct {
	App   string                   `json:"app"`
	Index datastore.CompositeIndex `json:"index"`
}

type deleteIndexRequest struct {
	App string `json:"app"`
	ID  int64  `json:"id"`
}

type getIndicesRequest struct {
	App string `json:"app"`
}

type getIndicesResponse struct {
	Indexes []datastore.CompositeIndex `json:"indexes"`
}

// wireFilter carries the filter value in its index encoding, the only
// canonical byte form every value type shares.
type wireFilter struct {
	Property string             `json:"property"`
	Op       datastore.Operator `json:"op"`
	Value    []byte             `json:"value,omitempty"`
}

type wireOrder struct {
	Property  string              `json:"property"`
	Direction datastore.Direction `json:"direction,omitempty"`
}

type wireQuery struct {
	App       string         `json:"app"`
	Namespace string         `json:"namespace,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Ancestor  *datastore.Key `json:"ancestor,omitempty"`

	Filters []wireFilter `json:"filters,omitempty"`
	Orders  []wireOrder  `json:"orders,omitempty"`

	Projection []string `json:"projection,omitempty"`
	GroupBy    []string `json:"group_by,omitempty"`

	Limit    int  `json:"limit,omitempty"`
	HasLimit bool `json:"has_limit,omitempty"`
	Offset   int  `json:"offset,omitempty"`

	StartCursor string `json:"start_cursor,omitempty"`
	EndCursor   string `json:"end_cursor,omitempty"`
	Compile     bool   `json:"compile,omitempty"`

	Txn         int64 `json:"txn,omitempty"`
	CompositeID int64 `json:"composite_id,omitempty"`
	KeysOnly    bool  `json:"keys_only,omitempty"`
}

type runQueryRequest struct {
	Query wireQuery `json:"query"`
}

type runQueryResponse struct {
	Results [][]byte `json:"results,omitempty"`
	Cursor  string   `json:"cursor,omitempty"`
	More    bool     `json:"more"`
}

type reserveKeysRequest struct {
	App  string          `json:"app"`
	Keys []datastore.Key `json:"keys"`
}

type readOnlyRequest struct {
	ReadOnly bool `json:"read_only"`
}

type readOnlyResponse struct {
	ReadOnly bool `json:"read_only"`
}

// decodeQuery converts a wire query into the engine's form.
func decodeQuery(wq *wireQuery) (*datastore.Query, error) {
	q := &datastore.Query{
		App:         wq.App,
		Namespace:   wq.Namespace,
		Kind:        wq.Kind,
		Ancestor:    wq.Ancestor,
		Projection:  wq.Projection,
		GroupBy:     wq.GroupBy,
		Limit:       wq.Limit,
		HasLimit:    wq.HasLimit,
		Offset:      wq.Offset,
		Compile:     wq.Compile,
		Txn:         wq.Txn,
		CompositeID: wq.CompositeID,
		KeysOnly:    wq.KeysOnly,
	}
	for _, f := range wq.Filters {
		filter := datastore.Filter{Property: f.Property, Op: f.Op}
		if f.Op != datastore.OpExists {
			v, err := codec.DecodeIndexValue(f.Value)
			if err != nil {
				return nil, dberrors.BadRequest("undecodable filter value on %s: %s", f.Property, err)
			}
			filter.Value = v
		}
		q.Filters = append(q.Filters, filter)
	}
	for _, o := range wq.Orders {
		dir := o.Direction
		if dir == "" {
			dir = datastore.Ascending
		}
		q.Orders = append(q.Orders, datastore.Order{Property: o.Property, Direction: dir})
	}
	if wq.StartCursor != "" {
		c, err := datastore.DecodeCursor(wq.StartCursor)
		if err != nil {
			return nil, err
		}
		q.StartCursor = c
	}
	if wq.EndCursor != "" {
		c, err := datastore.DecodeCursor(wq.EndCursor)
		if err != nil {
			return nil, err
		}
		q.EndCursor = c
	}
	return q, nil
}

// decodeEntities parses wire entity blobs.
func decodeEntities(blobs [][]byte) ([]*datastore.Entity, error) {
	out := make([]*datastore.Entity, len(blobs))
	for i, blob := range blobs {
		ent, err := codec.DecodeEntity(blob)
		if err != nil {
			return nil, dberrors.BadRequest("undecodable entity %d: %s", i, err)
		}
		out[i] = ent
	}
	return out, nil
}

// encodeEntities renders entities for the wire, preserving nil slots.
func encodeEntities(entities []*datastore.Entity) [][]byte {
	out := make([][]byte, len(entities))
	for i, ent := range entities {
		if ent != nil {
			out[i] = codec.EncodeEntity(ent)
		}
	}
	return out
}
