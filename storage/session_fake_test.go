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
	"reflect"
	"sync"

	"github.com/gocql/gocql"
)

// fakeResult scripts the outcome of one statement.
type fakeResult struct {
	err     error
	scan    []any   // copied into Scan dest
	applied bool    // ScanCAS outcome
	cas     []any   // previous values returned by a failed CAS
	rows    [][]any // Iter rows
	iterErr error
}

// fakeSession routes every statement through a handler and records what
// was executed.
type fakeSession struct {
	mu      sync.Mutex
	handler func(stmt string, values []any) fakeResult

	stmts   []string
	values  [][]any
	batches [][]BatchStmt

	batchErr error
}

func (f *fakeSession) Query(ctx context.Context, stmt string, values ...any) Query {
	f.mu.Lock()
	f.stmts = append(f.stmts, stmt)
	f.values = append(f.values, values)
	f.mu.Unlock()
	return &fakeQuery{session: f, stmt: stmt, vals: values}
}

func (f *fakeSession) ExecuteBatch(ctx context.Context, logged bool, stmts []BatchStmt) error {
	f.mu.Lock()
	f.batches = append(f.batches, stmts)
	f.mu.Unlock()
	return f.batchErr
}

func (f *fakeSession) result(stmt string, values []any) fakeResult {
	if f.handler == nil {
		return fakeResult{}
	}
	return f.handler(stmt, values)
}

type fakeQuery struct {
	session *fakeSession
	stmt    string
	vals    []any
}

func (q *fakeQuery) Consistency(gocql.Consistency) Query             { return q }
func (q *fakeQuery) SerialConsistency(gocql.SerialConsistency) Query { return q }
func (q *fakeQuery) Idempotent(bool) Query                           { return q }
func (q *fakeQuery) WithTimestamp(int64) Query                       { return q }

func (q *fakeQuery) Exec() error {
	return q.session.result(q.stmt, q.vals).err
}

func (q *fakeQuery) Scan(dest ...any) error {
	res := q.session.result(q.stmt, q.vals)
	if res.err != nil {
		return res.err
	}
	copyRow(dest, res.scan)
	return nil
}

func (q *fakeQuery) ScanCAS(dest ...any) (bool, error) {
	res := q.session.result(q.stmt, q.vals)
	if res.err != nil {
		return false, res.err
	}
	if !res.applied {
		copyRow(dest, res.cas)
	}
	return res.applied, nil
}

func (q *fakeQuery) Iter() Iter {
	res := q.session.result(q.stmt, q.vals)
	return &fakeIter{rows: res.rows, err: res.iterErr}
}

type fakeIter struct {
	rows [][]any
	err  error
}

func (it *fakeIter) Scan(dest ...any) bool {
	if len(it.rows) == 0 {
		return false
	}
	copyRow(dest, it.rows[0])
	it.rows = it.rows[1:]
	return true
}

func (it *fakeIter) Close() error { return it.err }

func copyRow(dest, src []any) {
	for i := range dest {
		if i >= len(src) {
			return
		}
		switch d := dest[i].(type) {
		case *[]byte:
			*d = src[i].([]byte)
		case *int64:
			*d = src[i].(int64)
		case *int:
			*d = src[i].(int)
		case *bool:
			*d = src[i].(bool)
		case *string:
			*d = src[i].(string)
		default:
			// The uuid and time destinations used by production code.
			copyReflect(dest[i], src[i])
		}
	}
}

func copyReflect(dst, src any) {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || src == nil {
		return
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
	}
}
