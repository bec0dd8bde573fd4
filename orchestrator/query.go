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

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
)

const (
	// maxQueryResults caps how many results any single query returns.
	maxQueryResults = 10000
	// maxQueryComponents caps filters plus orders on one query.
	maxQueryComponents = 100
)

// QueryResult is the outcome of running a query: the result entities
// (full, keys-only or projected, per the query), an optional resumption
// cursor and whether more results may exist past it.
type QueryResult struct {
	Results []*datastore.Entity
	Cursor  *datastore.Cursor
	More    bool
}

// queryPlan is a validated, normalized query.
type queryPlan struct {
	q       *datastore.Query
	project string
	prefix  []byte // app \x00 namespace

	// propFilters groups non-key filters by property. keyFilters are the
	// __key__ constraints; their values are already keys.
	propFilters map[string][]datastore.Filter
	keyFilters  []datastore.Filter

	eqProps  []string // properties with at least one equality filter
	ineqProp string   // the single inequality property, or ""

	fetchCount int // offset + limit, capped
}

// filtersOn returns the plan's filters for one property.
func (p *queryPlan) filtersOn(prop string) []datastore.Filter {
	return p.propFilters[prop]
}

// allFilters returns every filter, key and property alike, for in-memory
// revalidation of fetched entities.
func (p *queryPlan) allFilters() []datastore.Filter {
	return p.q.Filters
}

// buildPlan validates a query and normalizes it for the strategies.
func buildPlan(q *datastore.Query) (*queryPlan, error) {
	if q.App == "" {
		return nil, dberrors.BadRequest("query has no app id")
	}
	if len(q.Filters)+len(q.Orders) > maxQueryComponents {
		return nil, dberrors.BadRequest("query has %d components; the maximum is %d",
			len(q.Filters)+len(q.Orders), maxQueryComponents)
	}
	if q.Txn != 0 && q.Ancestor == nil {
		return nil, dberrors.BadRequest("queries inside transactions must have an ancestor")
	}
	if q.KeysOnly && len(q.Projection) > 0 {
		return nil, dberrors.BadRequest("projection and keys-only cannot be combined")
	}
	for _, g := range q.GroupBy {
		found := false
		for _, prop := range q.Projection {
			if g == prop {
				found = true
				break
			}
		}
		if !found {
			return nil, dberrors.BadRequest("group-by property %q is not projected", g)
		}
	}
	if q.Offset < 0 {
		return nil, dberrors.BadRequest("negative query offset")
	}

	p := &queryPlan{
		q:           q,
		project:     q.App,
		prefix:      codec.TablePrefix(q.App, q.Namespace),
		propFilters: map[string][]datastore.Filter{},
	}
	eqSeen := map[string]bool{}
	for _, f := range q.Filters {
		if f.Property == datastore.KeyProperty {
			if f.Value.Type() != datastore.TypeKey {
				return nil, dberrors.BadRequest("__key__ filter with a non-key value")
			}
			p.keyFilters = append(p.keyFilters, f)
			continue
		}
		p.propFilters[f.Property] = append(p.propFilters[f.Property], f)
		switch {
		case f.Op == datastore.OpEqual:
			if !eqSeen[f.Property] {
				eqSeen[f.Property] = true
				p.eqProps = append(p.eqProps, f.Property)
			}
		case f.Op.Inequality():
			if p.ineqProp != "" && p.ineqProp != f.Property {
				return nil, dberrors.BadRequest(
					"inequality filters on both %q and %q; only one property may have them",
					p.ineqProp, f.Property)
			}
			p.ineqProp = f.Property
		}
	}
	if p.ineqProp != "" && len(q.Orders) > 0 && q.Orders[0].Property != p.ineqProp {
		return nil, dberrors.BadRequest(
			"the first sort order must be on %q, the inequality property", p.ineqProp)
	}
	if q.Kind == "" {
		if len(p.propFilters) > 0 {
			return nil, dberrors.BadRequest("kindless queries only support __key__ filters")
		}
		for _, ord := range q.Orders {
			if ord.Property != datastore.KeyProperty {
				return nil, dberrors.BadRequest("kindless queries only sort by __key__")
			}
		}
	}

	limit := q.Limit
	if !q.HasLimit || limit <= 0 || limit > maxQueryResults {
		limit = maxQueryResults
	}
	p.fetchCount = q.Offset + limit
	if p.fetchCount > maxQueryResults {
		p.fetchCount = maxQueryResults
	}
	return p, nil
}

// matchedRow is one validated query result before assembly: the index row
// it came from, the referenced entity's encoded path and key, the decoded
// entity when the strategy fetched it, and any property values recovered
// from the index row itself.
type matchedRow struct {
	row    []byte
	path   []byte
	key    datastore.Key
	ent    *datastore.Entity
	values map[string]datastore.Value
}

// RunQuery plans and executes a query.
func (o *Orchestrator) RunQuery(ctx context.Context, q *datastore.Query) (*QueryResult, error) {
	p, err := buildPlan(q)
	if err != nil {
		return nil, err
	}

	if q.Txn != 0 {
		if err := o.checkOpenTransaction(p.project, q.Txn); err != nil {
			return nil, err
		}
		if err := o.db.RecordReads(ctx, p.project, q.Txn, []datastore.Key{*q.Ancestor}); err != nil {
			return nil, err
		}
		rows, err := o.ancestorScan(ctx, p)
		if err != nil {
			return nil, err
		}
		return o.assemble(p, rows)
	}

	rows, err := o.planRows(ctx, p)
	if err != nil {
		return nil, err
	}
	return o.assemble(p, rows)
}

// planRows picks the cheapest applicable strategy and runs it. Strategies
// report inapplicability so the next one can be tried; a query nothing can
// serve needs a composite index.
func (o *Orchestrator) planRows(ctx context.Context, p *queryPlan) ([]matchedRow, error) {
	if p.q.CompositeID != 0 {
		indexes, err := o.indexes.ProjectIndexes(ctx, p.project)
		if err != nil {
			return nil, err
		}
		for i := range indexes {
			if indexes[i].ID == p.q.CompositeID {
				return o.compositeScan(ctx, p, &indexes[i])
			}
		}
		return nil, dberrors.NeedsIndex("no composite index with id %d", p.q.CompositeID)
	}

	if p.q.Kind == "" {
		return o.kindlessScan(ctx, p)
	}
	if rows, ok, err := o.singlePropertyScan(ctx, p); ok || err != nil {
		return rows, err
	}
	if rows, ok, err := o.kindScan(ctx, p); ok || err != nil {
		return rows, err
	}
	if rows, ok, err := o.zigzagScan(ctx, p); ok || err != nil {
		return rows, err
	}

	indexes, err := o.indexes.ProjectIndexes(ctx, p.project)
	if err != nil {
		return nil, err
	}
	if index := matchCompositeIndex(indexes, p); index != nil {
		return o.compositeScan(ctx, p, index)
	}
	if p.q.Ancestor != nil {
		return o.ancestorScan(ctx, p)
	}
	return nil, dberrors.NeedsIndex("no index can serve this query on kind %q", p.q.Kind)
}

// assemble turns matched rows into the final result set: path dedup,
// distinct handling, offset, projection or keys-only shaping, cursor.
func (o *Orchestrator) assemble(p *queryPlan, rows []matchedRow) (*QueryResult, error) {
	// An entity with repeated values can match an inequality range more
	// than once. Projection queries intentionally keep one result per
	// index entry; everything else collapses to one per entity.
	if len(p.q.Projection) == 0 {
		seen := map[string]bool{}
		kept := rows[:0]
		for _, row := range rows {
			if seen[string(row.path)] {
				continue
			}
			seen[string(row.path)] = true
			kept = append(kept, row)
		}
		rows = kept
	}

	if len(p.q.GroupBy) > 0 {
		seen := map[string]bool{}
		kept := rows[:0]
		for _, row := range rows {
			id, ok := distinctKey(p.q.GroupBy, row)
			if !ok {
				continue
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			kept = append(kept, row)
		}
		rows = kept
	}

	more := len(rows) >= p.fetchCount
	if p.q.Offset > 0 {
		if p.q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[p.q.Offset:]
		}
	}

	out := &QueryResult{More: more}
	for _, row := range rows {
		switch {
		case len(p.q.Projection) > 0:
			ent, ok := projectRow(p.q.Projection, row)
			if !ok {
				continue
			}
			out.Results = append(out.Results, ent)
		case p.q.KeysOnly || row.ent == nil:
			out.Results = append(out.Results, &datastore.Entity{Key: row.key})
		default:
			out.Results = append(out.Results, row.ent)
		}
	}

	if p.q.Compile && len(rows) > 0 {
		last := rows[len(rows)-1]
		out.Cursor = &datastore.Cursor{LastRow: last.row, LastPath: last.path}
	}
	return out, nil
}

// rowValue recovers one named property value for a matched row, preferring
// values decoded from the index row over a stored entity lookup.
func rowValue(row matchedRow, name string) (datastore.Value, bool) {
	if v, ok := row.values[name]; ok {
		return v, true
	}
	if row.ent != nil {
		if vals := row.ent.PropertyValues(name); len(vals) > 0 {
			return vals[0], true
		}
	}
	return datastore.Value{}, false
}

// projectRow synthesizes a projection result entity.
func projectRow(projection []string, row matchedRow) (*datastore.Entity, bool) {
	props := make([]datastore.Property, 0, len(projection))
	for _, name := range projection {
		v, ok := rowValue(row, name)
		if !ok {
			return nil, false
		}
		props = append(props, datastore.Property{Name: name, Value: v, IndexValue: true})
	}
	return &datastore.Entity{Key: row.key, Properties: props}, true
}

// distinctKey builds the dedup identity of a row under a group-by clause.
func distinctKey(groupBy []string, row matchedRow) (string, bool) {
	var buf bytes.Buffer
	for _, name := range groupBy {
		v, ok := rowValue(row, name)
		if !ok {
			return "", false
		}
		buf.Write(codec.EncodeIndexValue(v))
		buf.WriteByte(codec.KeyDelimiter)
	}
	return buf.String(), true
}

// opSatisfied reports whether a comparison outcome satisfies an operator.
func opSatisfied(cmp int, op datastore.Operator) bool {
	switch op {
	case datastore.OpLessThan:
		return cmp < 0
	case datastore.OpLessThanOrEqual:
		return cmp <= 0
	case datastore.OpGreaterThan:
		return cmp > 0
	case datastore.OpGreaterThanOrEqual:
		return cmp >= 0
	case datastore.OpEqual:
		return cmp == 0
	case datastore.OpExists:
		return true
	}
	return false
}

// matchesFilters re-checks every filter against a stored entity. Repeated
// properties match a filter if any of their values does.
func matchesFilters(ent *datastore.Entity, filters []datastore.Filter) bool {
	for _, f := range filters {
		if f.Property == datastore.KeyProperty {
			cmp := bytes.Compare(codec.EncodePath(ent.Key.Path), codec.EncodePath(f.Value.KeyRef().Path))
			if !opSatisfied(cmp, f.Op) {
				return false
			}
			continue
		}
		values := ent.PropertyValues(f.Property)
		if f.Op == datastore.OpExists {
			if len(values) == 0 {
				return false
			}
			continue
		}
		matched := false
		for _, v := range values {
			if opSatisfied(v.Compare(f.Value), f.Op) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// matchesKeyFilters checks the __key__ filters against an encoded path.
func matchesKeyFilters(path []byte, filters []datastore.Filter) bool {
	for _, f := range filters {
		cmp := bytes.Compare(path, codec.EncodePath(f.Value.KeyRef().Path))
		if !opSatisfied(cmp, f.Op) {
			return false
		}
	}
	return true
}

// sortRows orders rows by the query's sort clauses, breaking ties by path
// so results are stable and resumable.
func sortRows(rows []matchedRow, orders []datastore.Order) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		for _, ord := range orders {
			if ord.Property == datastore.KeyProperty {
				if cmp := bytes.Compare(a.path, b.path); cmp != 0 {
					if ord.Direction == datastore.Descending {
						return cmp > 0
					}
					return cmp < 0
				}
				continue
			}
			av, aok := rowValue(a, ord.Property)
			bv, bok := rowValue(b, ord.Property)
			if !aok || !bok {
				if aok != bok {
					return aok
				}
				continue
			}
			if cmp := av.Compare(bv); cmp != 0 {
				if ord.Direction == datastore.Descending {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return bytes.Compare(a.path, b.path) < 0
	})
}
