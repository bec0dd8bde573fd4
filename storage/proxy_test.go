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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
)

func TestStatementFor(t *testing.T) {
	t.Parallel()

	Convey("statementFor", t, func() {
		Convey("entity puts carry blob and txid", func() {
			stmt, values := statementFor(&Mutation{
				Table: EntitiesTable, Key: []byte("k"), Op: OpPut, Entity: []byte("e"), Txid: 9,
			})
			So(stmt, ShouldContainSubstring, `INSERT INTO "entities"`)
			So(values, ShouldResemble, []any{[]byte("k"), []byte("e"), int64(9)})
		})

		Convey("index puts carry the reference", func() {
			stmt, values := statementFor(&Mutation{
				Table: AscPropertyTable, Key: []byte("k"), Op: OpPut, Reference: []byte("r"),
			})
			So(stmt, ShouldContainSubstring, `INSERT INTO "asc_property"`)
			So(values, ShouldResemble, []any{[]byte("k"), []byte("r")})
		})

		Convey("group updates use the quoted group column", func() {
			stmt, _ := statementFor(&Mutation{Table: GroupUpdatesTable, Key: []byte("g"), Op: OpPut, Txid: 9})
			So(stmt, ShouldContainSubstring, `"group"`)

			stmt, _ = statementFor(&Mutation{Table: GroupUpdatesTable, Key: []byte("g"), Op: OpDelete})
			So(stmt, ShouldContainSubstring, `WHERE "group" = ?`)
		})

		Convey("deletes target the row key", func() {
			stmt, values := statementFor(&Mutation{Table: DscPropertyTable, Key: []byte("k"), Op: OpDelete})
			So(stmt, ShouldEqual, `DELETE FROM "dsc_property" WHERE key = ?`)
			So(values, ShouldResemble, []any{[]byte("k")})
		})
	})
}

func TestBatchGetRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	Convey("BatchGetRows", t, func() {
		present := []byte("present-row")
		missing := []byte("missing-row")

		session := &fakeSession{}
		session.handler = func(stmt string, values []any) fakeResult {
			if bytes.Equal(values[0].([]byte), present) {
				return fakeResult{scan: []any{[]byte("blob"), int64(7)}}
			}
			return fakeResult{err: gocql.ErrNotFound}
		}
		db := NewDatastore(session)

		records, err := db.BatchGetRows(ctx, [][]byte{present, missing})
		So(err, ShouldBeNil)
		So(len(records), ShouldEqual, 1)
		So(records[string(present)].Entity, ShouldResemble, []byte("blob"))
		So(records[string(present)].Txid, ShouldEqual, 7)
	})
}

func TestGroupUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	Convey("GroupUpdates skips groups with no record", t, func() {
		stamped := datastore.Key{App: "guestbook", Path: datastore.Path{{Kind: "G", Name: "a"}}}
		fresh := datastore.Key{App: "guestbook", Path: datastore.Path{{Kind: "G", Name: "b"}}}

		session := &fakeSession{}
		session.handler = func(stmt string, values []any) fakeResult {
			if bytes.Equal(values[0].([]byte), codec.EntityTableKey(stamped)) {
				return fakeResult{scan: []any{int64(33)}}
			}
			return fakeResult{err: gocql.ErrNotFound}
		}
		db := NewDatastore(session)

		updates, err := db.GroupUpdates(ctx, []datastore.Key{stamped, fresh})
		So(err, ShouldBeNil)
		So(updates, ShouldResemble, map[string]int64{
			string(codec.EntityTableKey(stamped)): 33,
		})
	})
}

func TestRangeQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	Convey("RangeQuery", t, func() {
		session := &fakeSession{}
		session.handler = func(stmt string, values []any) fakeResult {
			return fakeResult{rows: [][]any{
				{[]byte("row1"), []byte("ref1")},
				{[]byte("row2"), []byte("ref2")},
			}}
		}
		db := NewDatastore(session)

		rows, err := db.RangeQuery(ctx, AscPropertyTable, []byte("a"), []byte("z"), 10, true, false)
		So(err, ShouldBeNil)
		So(len(rows), ShouldEqual, 2)
		So(rows[0], ShouldResemble, IndexRow{Key: []byte("row1"), Reference: []byte("ref1")})

		Convey("exclusive bounds show up in the statement", func() {
			So(session.stmts[0], ShouldContainSubstring, ">= token(?)")
			So(session.stmts[0], ShouldContainSubstring, "< token(?)")
		})
	})
}

func TestTransactionLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	Convey("GetTransactionMetadata", t, func() {
		put := testEntity("staged",
			datastore.Property{Name: "stars", Value: datastore.IntValue(4)})
		deleted := datastore.Key{App: "guestbook", Path: datastore.Path{{Kind: "Greeting", Name: "gone"}}}
		readGroup := datastore.Key{App: "guestbook", Path: datastore.Path{{Kind: "Greeting", Name: "seen"}}}
		started := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)

		row := func(op, ns string, path, entity, task, inProg []byte, start time.Time, xg bool) []any {
			return []any{op, ns, path, start, xg, inProg, entity, task}
		}

		session := &fakeSession{}
		session.handler = func(stmt string, values []any) fakeResult {
			if !strings.Contains(stmt, "SELECT operation") {
				return fakeResult{applied: true}
			}
			return fakeResult{rows: [][]any{
				row(TxOpStart, "", []byte{}, []byte(nil), []byte(nil), packTxids([]int64{3, 9}), started, true),
				row(TxOpMutate, "", codec.EncodePath(put.Key.Path), codec.EncodeEntity(put), []byte(nil), []byte(nil), time.Time{}, false),
				row(TxOpMutate, "", codec.EncodePath(deleted.Path), []byte(nil), []byte(nil), []byte(nil), time.Time{}, false),
				row(TxOpRead, "", codec.EncodePath(readGroup.Path), []byte(nil), []byte(nil), []byte(nil), time.Time{}, false),
				row(TxOpEnqueueTask, "", []byte("task0"), []byte(nil), []byte("payload"), []byte(nil), time.Time{}, false),
			}}
		}
		db := NewDatastore(session)

		meta, err := db.GetTransactionMetadata(ctx, "guestbook", 42)
		So(err, ShouldBeNil)
		So(meta.Start.Equal(started), ShouldBeTrue)
		So(meta.XG, ShouldBeTrue)
		So(meta.InProgress, ShouldResemble, []int64{3, 9})
		So(len(meta.Puts), ShouldEqual, 1)
		So(meta.Puts[string(codec.EntityTableKey(put.Key))].Key, ShouldResemble, put.Key)
		So(meta.Deletes, ShouldResemble, []datastore.Key{deleted})
		So(meta.Reads, ShouldResemble, []datastore.Key{readGroup})
		So(meta.Tasks, ShouldResemble, [][]byte{[]byte("payload")})
	})

	Convey("a missing start row is a bad request", t, func() {
		session := &fakeSession{}
		session.handler = func(stmt string, values []any) fakeResult {
			return fakeResult{}
		}
		db := NewDatastore(session)

		_, err := db.GetTransactionMetadata(ctx, "guestbook", 42)
		So(dberrors.WireCode(err), ShouldEqual, dberrors.CodeBadRequest)
	})

	Convey("RecordReads deduplicates entity groups", t, func() {
		session := &fakeSession{}
		db := NewDatastore(session)

		child := datastore.Key{App: "guestbook", Path: datastore.Path{
			{Kind: "Greeting", Name: "root"}, {Kind: "Reply", ID: 4},
		}}
		root := datastore.Key{App: "guestbook", Path: datastore.Path{{Kind: "Greeting", Name: "root"}}}

		So(db.RecordReads(ctx, "guestbook", 42, []datastore.Key{child, root}), ShouldBeNil)
		So(len(session.batches), ShouldEqual, 1)
		So(len(session.batches[0]), ShouldEqual, 1)
	})
}

func TestTxidPacking(t *testing.T) {
	t.Parallel()

	Convey("txid packing round-trips", t, func() {
		ids := []int64{1, 500, 1 << 40}
		So(unpackTxids(packTxids(ids)), ShouldResemble, ids)
		So(packTxids(nil), ShouldBeEmpty)
		So(unpackTxids(nil), ShouldBeEmpty)
	})
}
