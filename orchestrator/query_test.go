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
	"context"
	"errors"
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
	"github.com/appscale/gts/storage"
)

// seedGreetings stores five root greetings with assorted properties.
func seedGreetings(ctx context.Context, env *testEnv) []*datastore.Entity {
	colors := []string{"red", "blue", "red", "blue", "red"}
	ents := make([]*datastore.Entity, 5)
	for i := range ents {
		props := []datastore.Property{
			{Name: "stars", Value: datastore.IntValue(int64(i + 1))},
			{Name: "color", Value: datastore.StringValue(colors[i])},
		}
		if colors[i] == "red" {
			props = append(props, datastore.Property{Name: "author", Value: datastore.StringValue("me")})
		}
		ents[i] = guestEntity(fmt.Sprintf("g%d", i+1), props...)
	}
	if _, err := env.o.Put(ctx, "guestbook", ents, 0); err != nil {
		panic(err)
	}
	return ents
}

func names(results []*datastore.Entity) []string {
	out := make([]string, len(results))
	for i, e := range results {
		out[i] = e.Key.Path[len(e.Key.Path)-1].Name
	}
	return out
}

func TestRunQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	Convey("With a seeded orchestrator", t, func() {
		env := newTestEnv()
		o := env.o
		seedGreetings(ctx, env)

		Convey("A kind query returns everything in key order", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{App: "guestbook", Kind: "Greeting"})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g1", "g2", "g3", "g4", "g5"})
			So(res.More, ShouldBeFalse)
		})

		Convey("Keys-only strips properties", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{App: "guestbook", Kind: "Greeting", KeysOnly: true})
			So(err, ShouldBeNil)
			So(res.Results, ShouldHaveLength, 5)
			So(res.Results[0].Properties, ShouldBeEmpty)
		})

		Convey("A __key__ filter narrows a kind query", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: datastore.KeyProperty,
					Op:       datastore.OpGreaterThan,
					Value:    datastore.KeyValue(guestEntity("g3").Key),
				}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g4", "g5"})
		})

		Convey("Descending key order reverses a kind query", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:    "guestbook",
				Kind:   "Greeting",
				Orders: []datastore.Order{{Property: datastore.KeyProperty, Direction: datastore.Descending}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g5", "g4", "g3", "g2", "g1"})
		})

		Convey("An equality filter runs off the property table", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("red"),
				}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g1", "g3", "g5"})
		})

		Convey("An inequality filter walks the value range", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: "stars", Op: datastore.OpGreaterThan, Value: datastore.IntValue(2),
				}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g3", "g4", "g5"})
		})

		Convey("Bounded inequalities intersect", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{
					{Property: "stars", Op: datastore.OpGreaterThanOrEqual, Value: datastore.IntValue(2)},
					{Property: "stars", Op: datastore.OpLessThan, Value: datastore.IntValue(4)},
				},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g2", "g3"})
		})

		Convey("A descending order uses the complemented table", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: "stars", Op: datastore.OpGreaterThan, Value: datastore.IntValue(2),
				}},
				Orders: []datastore.Order{{Property: "stars", Direction: datastore.Descending}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g5", "g4", "g3"})
		})

		Convey("Projection synthesizes results from index values", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: "stars", Op: datastore.OpGreaterThanOrEqual, Value: datastore.IntValue(4),
				}},
				Projection: []string{"stars"},
			})
			So(err, ShouldBeNil)
			So(res.Results, ShouldHaveLength, 2)
			So(res.Results[0].Properties[0].IndexValue, ShouldBeTrue)
			So(res.Results[0].Properties[0].Value.Int(), ShouldEqual, 4)
			So(res.Results[1].Properties[0].Value.Int(), ShouldEqual, 5)
		})

		Convey("Group-by deduplicates projected values", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: "color", Op: datastore.OpGreaterThan, Value: datastore.StringValue(""),
				}},
				Projection: []string{"color"},
				GroupBy:    []string{"color"},
			})
			So(err, ShouldBeNil)
			So(res.Results, ShouldHaveLength, 2)
			So(res.Results[0].Properties[0].Value.Str(), ShouldEqual, "blue")
			So(res.Results[1].Properties[0].Value.Str(), ShouldEqual, "red")
		})

		Convey("A zigzag join intersects equality ranges", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{
					{Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("red")},
					{Property: "author", Op: datastore.OpEqual, Value: datastore.StringValue("me")},
				},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g1", "g3", "g5"})
		})

		Convey("A zigzag join with a selective filter converges", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{
					{Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("red")},
					{Property: "stars", Op: datastore.OpEqual, Value: datastore.IntValue(3)},
				},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g3"})
		})

		Convey("A kindless query walks the entities table", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App: "guestbook",
				Filters: []datastore.Filter{{
					Property: datastore.KeyProperty,
					Op:       datastore.OpGreaterThan,
					Value:    datastore.KeyValue(guestEntity("g3").Key),
				}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g4", "g5"})
		})

		Convey("Limit, offset and More interact", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App: "guestbook", Kind: "Greeting",
				HasLimit: true, Limit: 2, Offset: 1,
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g2", "g3"})
			So(res.More, ShouldBeTrue)
		})

		Convey("A compiled query resumes from its cursor", func() {
			first, err := o.RunQuery(ctx, &datastore.Query{
				App: "guestbook", Kind: "Greeting",
				HasLimit: true, Limit: 2, Compile: true,
			})
			So(err, ShouldBeNil)
			So(names(first.Results), ShouldResemble, []string{"g1", "g2"})
			So(first.Cursor, ShouldNotBeNil)

			second, err := o.RunQuery(ctx, &datastore.Query{
				App: "guestbook", Kind: "Greeting",
				HasLimit: true, Limit: 2,
				StartCursor: first.Cursor,
			})
			So(err, ShouldBeNil)
			So(names(second.Results), ShouldResemble, []string{"g3", "g4"})
		})

		Convey("Stale index entries are dropped and the scan widens", func() {
			ghost := guestEntity("ghost",
				datastore.Property{Name: "color", Value: datastore.StringValue("red")})
			// An index row whose entity was never written.
			env.db.apply(storage.MutationsForPut(ghost, 99, nil, nil)[2:], 99)

			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("red"),
				}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g1", "g3", "g5"})
		})

		Convey("A query nothing can serve reports the missing index", func() {
			_, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("red"),
				}},
				Orders: []datastore.Order{{Property: "author", Direction: datastore.Ascending}},
			})
			So(errors.Is(err, dberrors.ErrNeedsIndex), ShouldBeTrue)
		})

		Convey("Inequality filters on two properties are rejected", func() {
			_, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{
					{Property: "stars", Op: datastore.OpGreaterThan, Value: datastore.IntValue(1)},
					{Property: "color", Op: datastore.OpLessThan, Value: datastore.StringValue("z")},
				},
			})
			So(errors.Is(err, dberrors.ErrBadRequest), ShouldBeTrue)
		})

		Convey("Component count is capped", func() {
			q := &datastore.Query{App: "guestbook", Kind: "Greeting"}
			for i := 0; i <= maxQueryComponents; i++ {
				q.Filters = append(q.Filters, datastore.Filter{
					Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("red"),
				})
			}
			_, err := o.RunQuery(ctx, q)
			So(errors.Is(err, dberrors.ErrBadRequest), ShouldBeTrue)
		})
	})
}

func TestAncestorAndTransactionQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	Convey("With a seeded group", t, func() {
		env := newTestEnv()
		o := env.o

		children := []*datastore.Entity{
			childEntity("book", "c1", datastore.Property{Name: "stars", Value: datastore.IntValue(1)}),
			childEntity("book", "c2", datastore.Property{Name: "stars", Value: datastore.IntValue(3)}),
			childEntity("book", "c3", datastore.Property{Name: "stars", Value: datastore.IntValue(2)}),
		}
		_, err := o.Put(ctx, "guestbook", children, 0)
		So(err, ShouldBeNil)

		ancestor := datastore.Key{App: "guestbook", Path: datastore.Path{{Kind: "Guestbook", Name: "book"}}}

		Convey("An ancestor query filters and sorts in memory", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:      "guestbook",
				Kind:     "Greeting",
				Ancestor: &ancestor,
				Filters: []datastore.Filter{{
					Property: "stars", Op: datastore.OpGreaterThanOrEqual, Value: datastore.IntValue(2),
				}},
				Orders: []datastore.Order{{Property: "stars", Direction: datastore.Ascending}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"c3", "c2"})
		})

		Convey("A kindless ancestor query returns the subtree", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:      "guestbook",
				Ancestor: &ancestor,
			})
			So(err, ShouldBeNil)
			So(res.Results, ShouldHaveLength, 3)
		})

		Convey("A transactional query records its read", func() {
			txid, err := o.BeginTransaction(ctx, "guestbook", false)
			So(err, ShouldBeNil)

			res, err := o.RunQuery(ctx, &datastore.Query{
				App:      "guestbook",
				Kind:     "Greeting",
				Ancestor: &ancestor,
				Txn:      txid,
			})
			So(err, ShouldBeNil)
			So(res.Results, ShouldHaveLength, 3)
			So(env.db.txMeta[txid].Reads, ShouldHaveLength, 1)
		})

		Convey("Transactional queries require an ancestor", func() {
			txid, err := o.BeginTransaction(ctx, "guestbook", false)
			So(err, ShouldBeNil)

			_, err = o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Txn:  txid,
			})
			So(errors.Is(err, dberrors.ErrBadRequest), ShouldBeTrue)
		})
	})
}

func TestCompositeQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	Convey("With a composite index over color and stars", t, func() {
		env := newTestEnv()
		o := env.o
		seedGreetings(ctx, env)

		err := o.UpdateIndexes(ctx, "guestbook", []datastore.CompositeIndex{{
			Kind: "Greeting",
			Props: []datastore.IndexProperty{
				{Name: "color", Direction: datastore.Ascending},
				{Name: "stars", Direction: datastore.Descending},
			},
		}})
		So(err, ShouldBeNil)

		Convey("Backfill made the index servable for existing entities", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("red"),
				}},
				Orders: []datastore.Order{{Property: "stars", Direction: datastore.Descending}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g5", "g3", "g1"})
		})

		Convey("New writes maintain the composite rows", func() {
			ent := guestEntity("g6",
				datastore.Property{Name: "stars", Value: datastore.IntValue(9)},
				datastore.Property{Name: "color", Value: datastore.StringValue("red")})
			_, err := o.Put(ctx, "guestbook", []*datastore.Entity{ent}, 0)
			So(err, ShouldBeNil)

			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("red"),
				}},
				Orders: []datastore.Order{{Property: "stars", Direction: datastore.Descending}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g6", "g5", "g3", "g1"})
		})

		Convey("An explicit index id short-circuits planning", func() {
			indexes, err := o.GetIndexes(ctx, "guestbook")
			So(err, ShouldBeNil)
			So(indexes, ShouldHaveLength, 1)

			res, err := o.RunQuery(ctx, &datastore.Query{
				App:         "guestbook",
				Kind:        "Greeting",
				CompositeID: indexes[0].ID,
				Filters: []datastore.Filter{{
					Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("blue"),
				}},
				Orders: []datastore.Order{{Property: "stars", Direction: datastore.Descending}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g4", "g2"})
		})

		Convey("An unknown explicit index id is an error", func() {
			_, err := o.RunQuery(ctx, &datastore.Query{
				App:         "guestbook",
				Kind:        "Greeting",
				CompositeID: 42,
			})
			So(errors.Is(err, dberrors.ErrNeedsIndex), ShouldBeTrue)
		})

		Convey("The inequality column narrows the composite range", func() {
			res, err := o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{
					{Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("red")},
					{Property: "stars", Op: datastore.OpLessThan, Value: datastore.IntValue(5)},
				},
				Orders: []datastore.Order{{Property: "stars", Direction: datastore.Descending}},
			})
			So(err, ShouldBeNil)
			So(names(res.Results), ShouldResemble, []string{"g3", "g1"})
		})

		Convey("Deleting the definition makes the query unservable", func() {
			indexes, err := o.GetIndexes(ctx, "guestbook")
			So(err, ShouldBeNil)
			So(o.DeleteIndex(ctx, "guestbook", indexes[0].ID), ShouldBeNil)

			_, err = o.RunQuery(ctx, &datastore.Query{
				App:  "guestbook",
				Kind: "Greeting",
				Filters: []datastore.Filter{{
					Property: "color", Op: datastore.OpEqual, Value: datastore.StringValue("red"),
				}},
				Orders: []datastore.Order{{Property: "stars", Direction: datastore.Descending}},
			})
			So(errors.Is(err, dberrors.ErrNeedsIndex), ShouldBeTrue)
		})
	})
}
