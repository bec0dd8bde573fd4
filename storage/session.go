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
)

// Session is the subset of the Cassandra driver the storage layer uses.
// Production code wraps *gocql.Session; tests substitute an in-memory
// fake.
type Session interface {
	// Query prepares one statement bound to ctx.
	Query(ctx context.Context, stmt string, values ...any) Query
	// ExecuteBatch runs a set of statements as one batch: logged batches
	// are atomic, unlogged ones are not.
	ExecuteBatch(ctx context.Context, logged bool, stmts []BatchStmt) error
}

// Query is a bound statement.
type Query interface {
	// Consistency overrides the quorum default.
	Consistency(c gocql.Consistency) Query
	// SerialConsistency selects the consistency for LWT reads.
	SerialConsistency(c gocql.SerialConsistency) Query
	// Idempotent marks the statement safe for driver-level retry.
	Idempotent(ok bool) Query
	// WithTimestamp sets the cell write timestamp in microseconds.
	WithTimestamp(micros int64) Query
	Exec() error
	Scan(dest ...any) error
	// ScanCAS runs a conditional statement, reporting whether it applied
	// and filling dest with the previous values when it did not.
	ScanCAS(dest ...any) (applied bool, err error)
	Iter() Iter
}

// Iter walks a result set.
type Iter interface {
	Scan(dest ...any) bool
	Close() error
}

// BatchStmt is one statement in a batch.
type BatchStmt struct {
	Stmt   string
	Values []any
	// TimestampMicros, when non-zero, sets the cell write timestamp.
	TimestampMicros int64
}

// WrapSession adapts a live gocql session.
func WrapSession(s *gocql.Session) Session { return gocqlSession{s} }

type gocqlSession struct {
	s *gocql.Session
}

func (g gocqlSession) Query(ctx context.Context, stmt string, values ...any) Query {
	return gocqlQuery{g.s.Query(stmt, values...).WithContext(ctx).Consistency(gocql.Quorum)}
}

func (g gocqlSession) ExecuteBatch(ctx context.Context, logged bool, stmts []BatchStmt) error {
	if len(stmts) == 0 {
		return nil
	}
	typ := gocql.LoggedBatch
	if !logged {
		typ = gocql.UnloggedBatch
	}
	batch := g.s.NewBatch(typ).WithContext(ctx)
	batch.Cons = gocql.Quorum
	for _, s := range stmts {
		entry := gocql.BatchEntry{Stmt: s.Stmt, Args: s.Values}
		batch.Entries = append(batch.Entries, entry)
	}
	if ts := stmts[0].TimestampMicros; ts != 0 {
		batch = batch.WithTimestamp(ts)
	}
	return g.s.ExecuteBatch(batch)
}

type gocqlQuery struct {
	q *gocql.Query
}

func (g gocqlQuery) Consistency(c gocql.Consistency) Query {
	return gocqlQuery{g.q.Consistency(c)}
}

func (g gocqlQuery) SerialConsistency(c gocql.SerialConsistency) Query {
	return gocqlQuery{g.q.SerialConsistency(c)}
}

func (g gocqlQuery) Idempotent(ok bool) Query {
	return gocqlQuery{g.q.Idempotent(ok)}
}

func (g gocqlQuery) WithTimestamp(micros int64) Query {
	return gocqlQuery{g.q.WithTimestamp(micros)}
}

func (g gocqlQuery) Exec() error              { return g.q.Exec() }
func (g gocqlQuery) Scan(dest ...any) error   { return g.q.Scan(dest...) }
func (g gocqlQuery) Iter() Iter               { return g.q.Iter() }
func (g gocqlQuery) ScanCAS(dest ...any) (bool, error) {
	return g.q.ScanCAS(dest...)
}
