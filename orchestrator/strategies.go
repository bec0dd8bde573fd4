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

	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/datastore/codec"
	"github.com/appscale/gts/dberrors"
	"github.com/appscale/gts/storage"
)

const (
	// entityScanPageSize bounds one page of an entities-table walk.
	entityScanPageSize = 100
	// zigzagPageSize bounds one page of each cursor in a zigzag merge join.
	zigzagPageSize = 64
)

// rowRange is a half-bounded-to-bounded slice of an index table's key
// space. Filters narrow it; a range that closes to nothing yields no rows.
type rowRange struct {
	start, end         []byte
	startIncl, endIncl bool
}

// newRowRange covers every row sharing a prefix.
func newRowRange(prefix []byte) rowRange {
	return rowRange{
		start:     append([]byte(nil), prefix...),
		end:       append(append([]byte(nil), prefix...), codec.TerminatingBytes...),
		startIncl: true,
		endIncl:   true,
	}
}

func (r *rowRange) tightenStart(b []byte, inclusive bool) {
	switch cmp := bytes.Compare(b, r.start); {
	case cmp > 0:
		r.start = append([]byte(nil), b...)
		r.startIncl = inclusive
	case cmp == 0:
		r.startIncl = r.startIncl && inclusive
	}
}

func (r *rowRange) tightenEnd(b []byte, inclusive bool) {
	switch cmp := bytes.Compare(b, r.end); {
	case cmp < 0:
		r.end = append([]byte(nil), b...)
		r.endIncl = inclusive
	case cmp == 0:
		r.endIncl = r.endIncl && inclusive
	}
}

func (r *rowRange) empty() bool {
	cmp := bytes.Compare(r.start, r.end)
	return cmp > 0 || (cmp == 0 && !(r.startIncl && r.endIncl))
}

// applyCursors narrows a range to the slice between a query's cursors.
func applyCursors(r *rowRange, q *datastore.Query) {
	if c := q.StartCursor; c != nil && len(c.LastRow) > 0 {
		r.tightenStart(c.LastRow, c.Inclusive)
	}
	if c := q.EndCursor; c != nil && len(c.LastRow) > 0 {
		r.tightenEnd(c.LastRow, c.Inclusive)
	}
}

// mirrorOp flips an inequality for complemented value encodings: in a
// descending column the bigger value owns the smaller bytes.
func mirrorOp(op datastore.Operator) datastore.Operator {
	switch op {
	case datastore.OpLessThan:
		return datastore.OpGreaterThan
	case datastore.OpLessThanOrEqual:
		return datastore.OpGreaterThanOrEqual
	case datastore.OpGreaterThan:
		return datastore.OpLessThan
	case datastore.OpGreaterThanOrEqual:
		return datastore.OpLessThanOrEqual
	}
	return op
}

// tightenForFilter narrows an index range with one property filter. prefix
// is the fixed row-key prefix up to the value bytes. Escaped value
// encodings never contain the key delimiter, so the delimiter bounds the
// rows of one exact value and the terminating bytes close them off.
func tightenForFilter(r *rowRange, prefix []byte, f datastore.Filter, descending bool) {
	enc := codec.EncodeIndexValue(f.Value)
	op := f.Op
	if descending {
		enc = codec.ReverseLex(enc)
		op = mirrorOp(op)
	}
	valueStart := append(append([]byte(nil), prefix...), enc...)
	valueRows := append(append([]byte(nil), valueStart...), codec.KeyDelimiter)
	valueEnd := append(append([]byte(nil), valueRows...), codec.TerminatingBytes...)

	switch op {
	case datastore.OpEqual:
		r.tightenStart(valueRows, true)
		r.tightenEnd(valueEnd, true)
	case datastore.OpGreaterThan:
		r.tightenStart(valueEnd, true)
	case datastore.OpGreaterThanOrEqual:
		r.tightenStart(valueStart, true)
	case datastore.OpLessThan:
		r.tightenEnd(valueStart, false)
	case datastore.OpLessThanOrEqual:
		r.tightenEnd(valueEnd, true)
	}
}

// entitiesForRows fetches and decodes the entities referenced by a page of
// index rows, keyed by entities-table row key. Deleted entities are simply
// absent; undecodable ones are dropped with a warning.
func (o *Orchestrator) entitiesForRows(ctx context.Context, rows []storage.IndexRow) (map[string]*datastore.Entity, error) {
	var refs [][]byte
	seen := map[string]bool{}
	for _, row := range rows {
		if len(row.Reference) == 0 || seen[string(row.Reference)] {
			continue
		}
		seen[string(row.Reference)] = true
		refs = append(refs, row.Reference)
	}
	records, err := o.db.BatchGetRows(ctx, refs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*datastore.Entity, len(records))
	for rowKey, rec := range records {
		if len(rec.Entity) == 0 {
			continue
		}
		ent, err := codec.DecodeEntity(rec.Entity)
		if err != nil {
			logging.Warningf(ctx, "Dropping undecodable entity %q from query results: %s", rowKey, err)
			continue
		}
		out[rowKey] = ent
	}
	return out, nil
}

// rowCheck validates one fetched index row against the referenced
// entities, returning nil to drop it as stale.
type rowCheck func(row storage.IndexRow, ents map[string]*datastore.Entity) (*matchedRow, error)

// scanValidated pages through an index range collecting validated rows.
// Entries referencing entities that were deleted or whose values moved on
// are dropped, and the next page grows by the number dropped so progress
// does not stall against a swath of stale rows. A page that fails to
// advance the scan position means the table is feeding us the same rows
// forever; that is reported rather than looped on.
func (o *Orchestrator) scanValidated(ctx context.Context, table string, r rowRange, count int, check rowCheck) ([]matchedRow, error) {
	if r.empty() || count <= 0 {
		return nil, nil
	}
	var out []matchedRow
	start := append([]byte(nil), r.start...)
	startIncl := r.startIncl
	padding := 0
	for len(out) < count {
		fetch := count - len(out) + padding
		rows, err := o.db.RangeQuery(ctx, table, start, r.end, fetch, startIncl, r.endIncl)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		ents, err := o.entitiesForRows(ctx, rows)
		if err != nil {
			return nil, err
		}
		invalid := 0
		for _, row := range rows {
			m, err := check(row, ents)
			if err != nil {
				return nil, err
			}
			if m == nil {
				invalid++
				continue
			}
			out = append(out, *m)
			if len(out) == count {
				break
			}
		}
		if len(out) >= count || len(rows) < fetch {
			break
		}
		next := rows[len(rows)-1].Key
		if !startIncl && bytes.Equal(next, start) {
			return nil, dberrors.Internal("scan of %s failed to advance past %q", table, start)
		}
		start = append([]byte(nil), next...)
		startIncl = false
		padding += invalid
	}
	return out, nil
}

// singlePropertyScan serves queries whose filters and orders touch exactly
// one property, straight off the ascending or descending property table.
func (o *Orchestrator) singlePropertyScan(ctx context.Context, p *queryPlan) ([]matchedRow, bool, error) {
	if p.q.Ancestor != nil || len(p.propFilters) != 1 {
		return nil, false, nil
	}
	var prop string
	for name := range p.propFilters {
		prop = name
	}
	filters := p.propFilters[prop]

	// Two different equality values on a repeated property intersect two
	// disjoint ranges; that is the zigzag join's job.
	var eqValues []datastore.Value
	for _, f := range filters {
		if f.Op != datastore.OpEqual {
			continue
		}
		fresh := true
		for _, v := range eqValues {
			if v.Equal(f.Value) {
				fresh = false
				break
			}
		}
		if fresh {
			eqValues = append(eqValues, f.Value)
		}
	}
	if len(eqValues) > 1 {
		return nil, false, nil
	}

	descending := false
	switch orders := p.q.Orders; {
	case len(orders) == 0:
	case orders[0].Property != prop:
		return nil, false, nil
	case len(orders) == 1:
		descending = orders[0].Direction == datastore.Descending
	case len(orders) == 2 && orders[0].Direction == datastore.Ascending &&
		orders[1].Property == datastore.KeyProperty && orders[1].Direction == datastore.Ascending:
		// Value then key ascending is the table's native order.
	default:
		return nil, false, nil
	}

	table := storage.AscPropertyTable
	if descending {
		table = storage.DscPropertyTable
	}
	prefix := codec.IndexKeyPrefix(p.prefix, p.q.Kind, prop)
	r := newRowRange(prefix)
	for _, f := range filters {
		if f.Op != datastore.OpExists {
			tightenForFilter(&r, prefix, f, descending)
		}
	}
	applyCursors(&r, p.q)

	check := func(row storage.IndexRow, ents map[string]*datastore.Entity) (*matchedRow, error) {
		entry, err := codec.ParseIndexEntry(row.Key)
		if err != nil {
			logging.Warningf(ctx, "Dropping unparsable index row %q: %s", row.Key, err)
			return nil, nil
		}
		valid, err := storage.ValidIndexEntry(entry, ents, descending)
		if err != nil || !valid {
			return nil, nil
		}
		if !matchesKeyFilters(entry.Path, p.keyFilters) {
			return nil, nil
		}
		path, err := codec.DecodePath(entry.Path)
		if err != nil {
			return nil, nil
		}
		m := &matchedRow{
			row:  row.Key,
			path: entry.Path,
			key:  datastore.Key{App: p.q.App, Namespace: p.q.Namespace, Path: path},
			ent:  ents[string(row.Reference)],
		}
		if v, err := entry.DecodeValue(descending); err == nil {
			m.values = map[string]datastore.Value{prop: v}
		}
		return m, nil
	}
	rows, err := o.scanValidated(ctx, table, r, p.fetchCount, check)
	return rows, true, err
}

// kindRegion is the kind table prefix covering every entity of one kind.
func kindRegion(prefix []byte, kind string) []byte {
	base := append([]byte(nil), prefix...)
	base = append(base, codec.KeyDelimiter)
	base = append(base, kind...)
	return append(base, codec.KindSeparator)
}

// kindScan serves queries with no property filters off the kind table,
// including ancestor-restricted ones. Key order is the table's native
// order; descending key order walks the whole range and reverses it.
func (o *Orchestrator) kindScan(ctx context.Context, p *queryPlan) ([]matchedRow, bool, error) {
	if len(p.propFilters) > 0 {
		return nil, false, nil
	}
	descending := false
	switch orders := p.q.Orders; {
	case len(orders) == 0:
	case len(orders) == 1 && orders[0].Property == datastore.KeyProperty:
		descending = orders[0].Direction == datastore.Descending
	default:
		return nil, false, nil
	}

	base := kindRegion(p.prefix, p.q.Kind)
	r := newRowRange(base)
	if p.q.Ancestor != nil {
		sub := append(append([]byte(nil), base...), codec.EncodePath(p.q.Ancestor.Path)...)
		r.tightenStart(sub, true)
		r.tightenEnd(append(append([]byte(nil), sub...), codec.TerminatingBytes...), true)
	}
	for _, f := range p.keyFilters {
		bound := append(append([]byte(nil), base...), codec.EncodePath(f.Value.KeyRef().Path)...)
		switch f.Op {
		case datastore.OpEqual:
			r.tightenStart(bound, true)
			r.tightenEnd(bound, true)
		case datastore.OpGreaterThan:
			r.tightenStart(bound, false)
		case datastore.OpGreaterThanOrEqual:
			r.tightenStart(bound, true)
		case datastore.OpLessThan:
			r.tightenEnd(bound, false)
		case datastore.OpLessThanOrEqual:
			r.tightenEnd(bound, true)
		}
	}
	// Walking backwards, a resumption point bounds the top of the range.
	if c := p.q.StartCursor; c != nil && len(c.LastRow) > 0 {
		if descending {
			r.tightenEnd(c.LastRow, c.Inclusive)
		} else {
			r.tightenStart(c.LastRow, c.Inclusive)
		}
	}
	if c := p.q.EndCursor; c != nil && len(c.LastRow) > 0 {
		if descending {
			r.tightenStart(c.LastRow, c.Inclusive)
		} else {
			r.tightenEnd(c.LastRow, c.Inclusive)
		}
	}

	check := func(row storage.IndexRow, ents map[string]*datastore.Entity) (*matchedRow, error) {
		ent := ents[string(row.Reference)]
		if ent == nil {
			return nil, nil
		}
		encPath := row.Key[len(base):]
		return &matchedRow{
			row:  row.Key,
			path: append([]byte(nil), encPath...),
			key:  ent.Key,
			ent:  ent,
		}, nil
	}

	count := p.fetchCount
	if descending {
		count = maxQueryResults
	}
	rows, err := o.scanValidated(ctx, storage.KindsTable, r, count, check)
	if err != nil {
		return nil, true, err
	}
	if descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
		if len(rows) > p.fetchCount {
			rows = rows[:p.fetchCount]
		}
	}
	return rows, true, nil
}

// scanEntityRows pages through an entities-table range, handing each
// decodable row to collect until it reports done or the range runs out.
func (o *Orchestrator) scanEntityRows(ctx context.Context, r rowRange, collect func(row storage.EntityRow, ent *datastore.Entity) (done bool)) error {
	if r.empty() {
		return nil
	}
	start := append([]byte(nil), r.start...)
	startIncl := r.startIncl
	for {
		rows, err := o.db.ScanEntities(ctx, start, r.end, entityScanPageSize, startIncl)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !r.endIncl && bytes.Equal(row.Key, r.end) {
				return nil
			}
			if len(row.Entity) == 0 {
				continue
			}
			ent, err := codec.DecodeEntity(row.Entity)
			if err != nil {
				logging.Warningf(ctx, "Skipping undecodable entity %q during scan: %s", row.Key, err)
				continue
			}
			if collect(row, ent) {
				return nil
			}
		}
		if len(rows) < entityScanPageSize {
			return nil
		}
		start = append([]byte(nil), rows[len(rows)-1].Key...)
		startIncl = false
	}
}

// kindlessScan walks the entities table directly, constrained only by
// __key__ filters and an optional ancestor.
func (o *Orchestrator) kindlessScan(ctx context.Context, p *queryPlan) ([]matchedRow, error) {
	for _, ord := range p.q.Orders {
		if ord.Direction == datastore.Descending {
			return nil, dberrors.BadRequest("kindless queries only support ascending key order")
		}
	}
	base := append(append([]byte(nil), p.prefix...), codec.KeyDelimiter)
	r := newRowRange(base)
	if p.q.Ancestor != nil {
		sub := append(append([]byte(nil), base...), codec.EncodePath(p.q.Ancestor.Path)...)
		r.tightenStart(sub, true)
		r.tightenEnd(append(append([]byte(nil), sub...), codec.TerminatingBytes...), true)
	}
	for _, f := range p.keyFilters {
		bound := append(append([]byte(nil), base...), codec.EncodePath(f.Value.KeyRef().Path)...)
		switch f.Op {
		case datastore.OpEqual:
			r.tightenStart(bound, true)
			r.tightenEnd(bound, true)
		case datastore.OpGreaterThan:
			r.tightenStart(bound, false)
		case datastore.OpGreaterThanOrEqual:
			r.tightenStart(bound, true)
		case datastore.OpLessThan:
			r.tightenEnd(bound, false)
		case datastore.OpLessThanOrEqual:
			r.tightenEnd(bound, true)
		}
	}
	applyCursors(&r, p.q)

	var out []matchedRow
	err := o.scanEntityRows(ctx, r, func(row storage.EntityRow, ent *datastore.Entity) bool {
		out = append(out, matchedRow{
			row:  row.Key,
			path: append([]byte(nil), row.Key[len(base):]...),
			key:  ent.Key,
			ent:  ent,
		})
		return len(out) >= p.fetchCount
	})
	return out, err
}

// ancestorScan fetches an ancestor's whole subtree off the entities table
// and filters and sorts it in memory. This is the fallback for ancestor
// queries nothing else serves, and the only strategy allowed inside a
// transaction: a group is small by contract, so reading it whole is cheap
// and gives the transaction a consistent snapshot to filter.
func (o *Orchestrator) ancestorScan(ctx context.Context, p *queryPlan) ([]matchedRow, error) {
	base := append(append([]byte(nil), p.prefix...), codec.KeyDelimiter)
	sub := append(append([]byte(nil), base...), codec.EncodePath(p.q.Ancestor.Path)...)
	r := newRowRange(sub)
	applyCursors(&r, p.q)

	// With sort orders the whole subtree must be seen before any row can
	// be emitted.
	collectCap := p.fetchCount
	if len(p.q.Orders) > 0 {
		collectCap = maxQueryResults
	}

	var out []matchedRow
	err := o.scanEntityRows(ctx, r, func(row storage.EntityRow, ent *datastore.Entity) bool {
		if p.q.Kind != "" && ent.Key.Kind() != p.q.Kind {
			return false
		}
		if !matchesFilters(ent, p.allFilters()) {
			return false
		}
		for _, ord := range p.q.Orders {
			if ord.Property != datastore.KeyProperty && len(ent.PropertyValues(ord.Property)) == 0 {
				return false
			}
		}
		out = append(out, matchedRow{
			row:  row.Key,
			path: append([]byte(nil), row.Key[len(base):]...),
			key:  ent.Key,
			ent:  ent,
		})
		return len(out) >= collectCap
	})
	if err != nil {
		return nil, err
	}
	sortRows(out, p.q.Orders)
	if len(out) > p.fetchCount {
		out = out[:p.fetchCount]
	}
	return out, nil
}

// rangeIterator walks one equality range of the ascending property table,
// buffering pages and supporting forward seeks by entity path. The zigzag
// join owns one per equality filter.
type rangeIterator struct {
	o           *Orchestrator
	table       string
	valuePrefix []byte // fixed prefix ending where the path bytes start
	end         []byte

	start     []byte
	startIncl bool
	buf       []storage.IndexRow
	pos       int
	exhausted bool
}

func newRangeIterator(o *Orchestrator, table string, valuePrefix []byte) *rangeIterator {
	return &rangeIterator{
		o:           o,
		table:       table,
		valuePrefix: valuePrefix,
		end:         append(append([]byte(nil), valuePrefix...), codec.TerminatingBytes...),
		start:       append([]byte(nil), valuePrefix...),
		startIncl:   true,
	}
}

// peek returns the current row without consuming it, or nil at the end of
// the range.
func (it *rangeIterator) peek(ctx context.Context) (*storage.IndexRow, error) {
	for it.pos >= len(it.buf) {
		if it.exhausted {
			return nil, nil
		}
		rows, err := it.o.db.RangeQuery(ctx, it.table, it.start, it.end, zigzagPageSize, it.startIncl, true)
		if err != nil {
			return nil, err
		}
		if len(rows) < zigzagPageSize {
			it.exhausted = true
		}
		if len(rows) == 0 {
			return nil, nil
		}
		it.start = append([]byte(nil), rows[len(rows)-1].Key...)
		it.startIncl = false
		it.buf = rows
		it.pos = 0
	}
	return &it.buf[it.pos], nil
}

// path returns the entity path suffix of the current buffered row.
func (it *rangeIterator) path() []byte {
	return it.buf[it.pos].Key[len(it.valuePrefix):]
}

func (it *rangeIterator) advance() {
	it.pos++
}

// seek positions the iterator at the first row whose path is >= path. The
// jump straight to the target row key is what lets the join skip runs of
// non-matching entities instead of scanning through them.
func (it *rangeIterator) seek(path []byte) {
	for it.pos < len(it.buf) && bytes.Compare(it.path(), path) < 0 {
		it.pos++
	}
	if it.pos < len(it.buf) || it.exhausted {
		return
	}
	it.start = append(append([]byte(nil), it.valuePrefix...), path...)
	it.startIncl = true
	it.buf = nil
	it.pos = 0
}

// seekPast positions the iterator just after a previously returned path.
func (it *rangeIterator) seekPast(path []byte, inclusive bool) {
	it.start = append(append([]byte(nil), it.valuePrefix...), path...)
	it.startIncl = inclusive
	it.buf = nil
	it.pos = 0
	it.exhausted = false
}

// zigzagScan serves multi-equality queries by merge-joining one index
// range per (property, value) pair. All ranges share the entity path as
// their key suffix, so advancing every cursor to the largest path seen
// converges on the entities present in all of them, in key order.
func (o *Orchestrator) zigzagScan(ctx context.Context, p *queryPlan) ([]matchedRow, bool, error) {
	if p.q.Ancestor != nil || p.ineqProp != "" || len(p.propFilters) == 0 {
		return nil, false, nil
	}
	var eqFilters []datastore.Filter
	for _, fs := range p.propFilters {
		for _, f := range fs {
			if f.Op != datastore.OpEqual {
				return nil, false, nil
			}
			eqFilters = append(eqFilters, f)
		}
	}
	if len(eqFilters) < 2 {
		return nil, false, nil
	}
	if len(p.q.Orders) > 1 {
		return nil, false, nil
	}
	if len(p.q.Orders) == 1 {
		ord := p.q.Orders[0]
		if ord.Property != datastore.KeyProperty || ord.Direction == datastore.Descending {
			return nil, false, nil
		}
	}

	iters := make([]*rangeIterator, len(eqFilters))
	for i, f := range eqFilters {
		prefix := codec.IndexKeyPrefix(p.prefix, p.q.Kind, f.Property)
		valuePrefix := append(append([]byte(nil), prefix...), codec.EncodeIndexValue(f.Value)...)
		valuePrefix = append(valuePrefix, codec.KeyDelimiter)
		iters[i] = newRangeIterator(o, storage.AscPropertyTable, valuePrefix)
	}
	if c := p.q.StartCursor; c != nil && len(c.LastPath) > 0 {
		for _, it := range iters {
			it.seekPast(c.LastPath, c.Inclusive)
		}
	}

	var out []matchedRow
	for len(out) < p.fetchCount {
		// Align every cursor on one candidate path.
		var target []byte
		aligned := true
		for _, it := range iters {
			row, err := it.peek(ctx)
			if err != nil {
				return nil, true, err
			}
			if row == nil {
				return out, true, nil
			}
			path := it.path()
			switch {
			case target == nil:
				target = path
			case bytes.Compare(path, target) > 0:
				target = path
				aligned = false
			case !bytes.Equal(path, target):
				aligned = false
			}
		}
		if !aligned {
			for _, it := range iters {
				it.seek(target)
			}
			continue
		}

		candidate := *iters[0].peekBuffered()
		if matchesKeyFilters(target, p.keyFilters) {
			ents, err := o.entitiesForRows(ctx, []storage.IndexRow{candidate})
			if err != nil {
				return nil, true, err
			}
			ent := ents[string(candidate.Reference)]
			if ent != nil && matchesFilters(ent, p.allFilters()) {
				path, err := codec.DecodePath(target)
				if err == nil {
					out = append(out, matchedRow{
						row:  candidate.Key,
						path: append([]byte(nil), target...),
						key:  datastore.Key{App: p.q.App, Namespace: p.q.Namespace, Path: path},
						ent:  ent,
					})
				}
			}
		}
		for _, it := range iters {
			it.advance()
		}
	}
	return out, true, nil
}

// peekBuffered returns the current row, which peek must already have
// buffered.
func (it *rangeIterator) peekBuffered() *storage.IndexRow {
	return &it.buf[it.pos]
}

// matchCompositeIndex finds a ready composite index able to serve the
// query: its leading columns cover the equality properties in some order,
// and the remaining columns line up with the inequality and sort clauses.
func matchCompositeIndex(indexes []datastore.CompositeIndex, p *queryPlan) *datastore.CompositeIndex {
	for i := range indexes {
		ci := &indexes[i]
		if !ci.Ready || ci.Kind != p.q.Kind || ci.Ancestor != (p.q.Ancestor != nil) {
			continue
		}
		if indexServes(ci, p) {
			return ci
		}
	}
	return nil
}

func indexServes(ci *datastore.CompositeIndex, p *queryPlan) bool {
	eq := map[string]bool{}
	for _, prop := range p.eqProps {
		eq[prop] = true
	}
	used := map[string]bool{}
	i := 0
	for ; i < len(ci.Props); i++ {
		name := ci.Props[i].Name
		if !eq[name] || used[name] {
			break
		}
		used[name] = true
	}
	if len(used) != len(eq) {
		return false
	}
	rest := ci.Props[i:]

	if len(p.q.Orders) > 0 {
		if len(rest) != len(p.q.Orders) {
			return false
		}
		for j, ord := range p.q.Orders {
			if rest[j].Name != ord.Property || rest[j].Direction != ord.Direction {
				return false
			}
		}
		return true
	}
	if p.ineqProp != "" {
		return len(rest) == 1 && rest[0].Name == p.ineqProp
	}
	return len(rest) == 0
}

// compositeScan serves a query from one composite index: equality values
// pin the row prefix, the inequality narrows the next column, and every
// surviving row is revalidated against its referenced entity.
func (o *Orchestrator) compositeScan(ctx context.Context, p *queryPlan, ci *datastore.CompositeIndex) ([]matchedRow, error) {
	if !ci.Ready {
		return nil, dberrors.NeedsIndex("composite index %d is still building", ci.ID)
	}
	if ci.Kind != p.q.Kind {
		return nil, dberrors.NeedsIndex("composite index %d indexes kind %q, not %q", ci.ID, ci.Kind, p.q.Kind)
	}
	if ci.Ancestor && p.q.Ancestor == nil {
		return nil, dberrors.BadRequest("composite index %d requires an ancestor", ci.ID)
	}

	pre := codec.CompositeQueryPrefix(ci, p.q.App, p.q.Namespace, p.q.Ancestor)
	k := 0
	for ; k < len(ci.Props); k++ {
		var eqValue datastore.Value
		pinned := false
		for _, f := range p.filtersOn(ci.Props[k].Name) {
			if f.Op == datastore.OpEqual {
				eqValue = f.Value
				pinned = true
				break
			}
		}
		if !pinned {
			break
		}
		enc := codec.EncodeIndexValue(eqValue)
		if ci.Props[k].Direction == datastore.Descending {
			enc = codec.ReverseLex(enc)
		}
		pre = append(pre, enc...)
		pre = append(pre, codec.KeyDelimiter)
	}

	r := newRowRange(pre)
	if p.ineqProp != "" && k < len(ci.Props) && ci.Props[k].Name == p.ineqProp {
		desc := ci.Props[k].Direction == datastore.Descending
		for _, f := range p.filtersOn(p.ineqProp) {
			if f.Op.Inequality() {
				tightenForFilter(&r, pre, f, desc)
			}
		}
	}
	applyCursors(&r, p.q)

	def := *ci
	check := func(row storage.IndexRow, ents map[string]*datastore.Entity) (*matchedRow, error) {
		entry, err := codec.ParseCompositeEntry(&def, row.Key)
		if err != nil {
			logging.Warningf(ctx, "Dropping unparsable composite row %q: %s", row.Key, err)
			return nil, nil
		}
		ent := ents[string(row.Reference)]
		if ent == nil || ent.Key.Kind() != def.Kind {
			return nil, nil
		}
		if !matchesFilters(ent, p.allFilters()) {
			return nil, nil
		}
		if !matchesKeyFilters(entry.Path, p.keyFilters) {
			return nil, nil
		}
		path, err := codec.DecodePath(entry.Path)
		if err != nil {
			return nil, nil
		}
		values := map[string]datastore.Value{}
		for j, ip := range def.Props {
			if j >= len(entry.Values) {
				break
			}
			directed := entry.Values[j]
			if ip.Direction == datastore.Descending {
				directed = codec.ReverseLex(directed)
			}
			if v, err := codec.DecodeIndexValue(directed); err == nil {
				values[ip.Name] = v
			}
		}
		return &matchedRow{
			row:    row.Key,
			path:   entry.Path,
			key:    datastore.Key{App: entry.App, Namespace: entry.Namespace, Path: path},
			ent:    ent,
			values: values,
		}, nil
	}
	return o.scanValidated(ctx, storage.CompositeTable, r, p.fetchCount, check)
}
