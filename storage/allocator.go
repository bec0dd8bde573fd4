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
	"math/bits"
	"sync"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/appscale/gts/dberrors"
)

// The entity ID space is split in two: counters up to maxSequentialCounter
// are handed out in order, and everything above comes from bit-reversing a
// second counter so consecutive allocations land far apart.
const (
	maxSequentialBit     = 52
	maxSequentialCounter = int64(1)<<maxSequentialBit - 1
	maxScatteredCounter  = int64(1)<<(maxSequentialBit-1) - 1
	scatterShift         = 64 - maxSequentialBit + 1
)

// scatteredBlockSize is how many scattered counters a server reserves at
// once.
const scatteredBlockSize = 10000

// casRetries bounds attempts at the reservation compare-and-swap.
const casRetries = 5

// ToScatteredID maps a scattered counter to its entity ID.
func ToScatteredID(counter int64) int64 {
	return maxSequentialCounter + 1 + int64(bits.Reverse64(uint64(counter)<<scatterShift))
}

// FromScatteredID inverts ToScatteredID. Returns false for IDs in the
// sequential range.
func FromScatteredID(id int64) (int64, bool) {
	if id <= maxSequentialCounter {
		return 0, false
	}
	return int64(bits.Reverse64(uint64(id-maxSequentialCounter-1)) >> scatterShift), true
}

// EntityIDAllocator reserves blocks of entity IDs for a project using a
// conditionally updated counter row. Safe for concurrent use across
// servers; each reservation is a compare-and-swap on last_reserved.
type EntityIDAllocator struct {
	db        *Datastore
	project   string
	scattered bool
	max       int64

	mu      sync.Mutex
	ensured bool
}

// NewEntityIDAllocator returns the sequential allocator for a project.
func NewEntityIDAllocator(db *Datastore, project string) *EntityIDAllocator {
	return &EntityIDAllocator{db: db, project: project, max: maxSequentialCounter}
}

func newScatteredIDAllocator(db *Datastore, project string) *EntityIDAllocator {
	return &EntityIDAllocator{db: db, project: project, scattered: true, max: maxScatteredCounter}
}

func (a *EntityIDAllocator) ensureEntry(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ensured {
		return nil
	}
	_, err := a.db.session.Query(ctx,
		`INSERT INTO "reserved_ids" (project, scattered, last_reserved, op_id)
		 VALUES (?, ?, 0, ?) IF NOT EXISTS`,
		a.project, a.scattered, uuid.New()).ScanCAS()
	if err != nil {
		return dberrors.Connection("counter init: %s", err)
	}
	a.ensured = true
	return nil
}

func (a *EntityIDAllocator) lastReserved(ctx context.Context) (int64, error) {
	var last int64
	err := a.db.session.Query(ctx,
		`SELECT last_reserved FROM "reserved_ids" WHERE project = ? AND scattered = ?`,
		a.project, a.scattered).SerialConsistency(gocql.Serial).Scan(&last)
	if err != nil {
		return 0, dberrors.Connection("counter read: %s", err)
	}
	return last, nil
}

// AllocateSize reserves a contiguous block of size counters, returning its
// inclusive bounds. minCounter, when positive, forces the block to start
// past it.
func (a *EntityIDAllocator) AllocateSize(ctx context.Context, size, minCounter int64) (start, end int64, err error) {
	if size <= 0 {
		return 0, 0, dberrors.BadRequest("allocation size must be positive, got %d", size)
	}
	if err := a.ensureEntry(ctx); err != nil {
		return 0, 0, err
	}
	for attempt := 0; attempt < casRetries; attempt++ {
		last, err := a.lastReserved(ctx)
		if err != nil {
			return 0, 0, err
		}
		base := last
		if minCounter > base {
			base = minCounter
		}
		next := base + size
		if next > a.max {
			return 0, 0, dberrors.BadRequest("counter for %s exhausted", a.project)
		}
		opID := uuid.New()
		var (
			prevLast int64
			prevOp   uuid.UUID
		)
		applied, err := a.db.session.Query(ctx,
			`UPDATE "reserved_ids" SET last_reserved = ?, op_id = ?
			 WHERE project = ? AND scattered = ? IF last_reserved = ?`,
			next, opID, a.project, a.scattered, last).ScanCAS(&prevLast, &prevOp)
		if err != nil {
			return 0, 0, dberrors.Connection("counter update: %s", err)
		}
		// A timed-out write may still have landed; the operation ID tells
		// us whether the row is ours.
		if applied || prevOp == opID {
			return base + 1, next, nil
		}
	}
	return 0, 0, dberrors.Internal("could not reserve a counter block for %s", a.project)
}

// AllocateMax reserves every counter up to max, returning the newly
// reserved range. An empty range (start > end) means max was already
// reserved.
func (a *EntityIDAllocator) AllocateMax(ctx context.Context, max int64) (start, end int64, err error) {
	if max > a.max {
		return 0, 0, dberrors.BadRequest("requested max %d beyond counter space", max)
	}
	if err := a.ensureEntry(ctx); err != nil {
		return 0, 0, err
	}
	last, err := a.lastReserved(ctx)
	if err != nil {
		return 0, 0, err
	}
	if last >= max {
		return max + 1, max, nil
	}
	if err := a.SetMinCounter(ctx, max); err != nil {
		return 0, 0, err
	}
	return last + 1, max, nil
}

// SetMinCounter ensures the counter has consumed everything up to counter,
// so future automatic allocations never collide with explicitly written
// IDs.
func (a *EntityIDAllocator) SetMinCounter(ctx context.Context, counter int64) error {
	if err := a.ensureEntry(ctx); err != nil {
		return err
	}
	_, err := a.db.session.Query(ctx,
		`UPDATE "reserved_ids" SET last_reserved = ?, op_id = ?
		 WHERE project = ? AND scattered = ? IF last_reserved < ?`,
		counter, uuid.New(), a.project, a.scattered, counter).ScanCAS()
	if err != nil {
		return dberrors.Connection("counter raise: %s", err)
	}
	// Not applied just means the counter is already past the floor.
	return nil
}

// ScatteredAllocator hands out scattered entity IDs one at a time from
// locally cached counter blocks.
type ScatteredAllocator struct {
	alloc *EntityIDAllocator

	mu   sync.Mutex
	next int64
	end  int64
}

// NewScatteredAllocator returns the scattered allocator for a project.
func NewScatteredAllocator(db *Datastore, project string) *ScatteredAllocator {
	return &ScatteredAllocator{alloc: newScatteredIDAllocator(db, project), next: 1, end: 0}
}

// Next returns a fresh scattered entity ID, reserving a new block when the
// cached one runs out.
func (s *ScatteredAllocator) Next(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next > s.end {
		start, end, err := s.alloc.AllocateSize(ctx, scatteredBlockSize, 0)
		if err != nil {
			return 0, err
		}
		s.next, s.end = start, end
	}
	id := ToScatteredID(s.next)
	s.next++
	return id, nil
}

// InvalidateBlock discards the cached block, forcing the next allocation
// to reserve a fresh one.
func (s *ScatteredAllocator) InvalidateBlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next, s.end = 1, 0
}

// SetMinScattered raises the scattered counter floor for an explicitly
// written scattered ID.
func (s *ScatteredAllocator) SetMinScattered(ctx context.Context, counter int64) error {
	return s.alloc.SetMinCounter(ctx, counter)
}
