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

package coordination

import (
	"context"
	"errors"
	"sync"

	"github.com/go-zookeeper/zk"
	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
)

// casAttempts bounds versioned read-modify-write retries on the indexes
// node.
const casAttempts = 5

// IndexManager keeps each project's composite index definitions in a
// single JSON node and serves them from a watched cache.
type IndexManager struct {
	conn Conn

	mu    sync.Mutex
	cache map[string][]datastore.CompositeIndex
}

// NewIndexManager wraps a connection.
func NewIndexManager(conn Conn) *IndexManager {
	return &IndexManager{conn: conn, cache: map[string][]datastore.CompositeIndex{}}
}

// ProjectIndexes returns the project's index definitions. The first read
// installs a watch; later calls are served from cache until the node
// changes.
func (m *IndexManager) ProjectIndexes(ctx context.Context, project string) ([]datastore.CompositeIndex, error) {
	m.mu.Lock()
	cached, ok := m.cache[project]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}

	data, _, events, err := m.conn.GetW(indexesNode(project))
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return nil, nil
	case err != nil:
		return nil, dberrors.Connection("reading indexes for %s: %s", project, err)
	}
	indexes, err := datastore.DecodeIndexes(data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[project] = indexes
	m.mu.Unlock()

	go func() {
		select {
		case <-events:
			logging.Debugf(ctx, "Index definitions for %s changed, dropping cache", project)
			m.Invalidate(project)
		case <-ctx.Done():
		}
	}()
	return indexes, nil
}

// Invalidate drops the cached definitions for a project.
func (m *IndexManager) Invalidate(project string) {
	m.mu.Lock()
	delete(m.cache, project)
	m.mu.Unlock()
}

// mutate applies fn to the project's definitions under a versioned
// compare-and-swap.
func (m *IndexManager) mutate(project string, fn func([]datastore.CompositeIndex) ([]datastore.CompositeIndex, error)) error {
	node := indexesNode(project)
	for attempt := 0; attempt < casAttempts; attempt++ {
		data, stat, err := m.conn.Get(node)
		version := int32(-1)
		var current []datastore.CompositeIndex
		switch {
		case errors.Is(err, zk.ErrNoNode):
			version = -1
		case err != nil:
			return dberrors.Connection("reading indexes for %s: %s", project, err)
		default:
			version = stat.Version
			if current, err = datastore.DecodeIndexes(data); err != nil {
				return err
			}
		}

		updated, err := fn(current)
		if err != nil {
			return err
		}
		blob, err := datastore.EncodeIndexes(updated)
		if err != nil {
			return err
		}

		if version == -1 {
			if err := EnsurePath(m.conn, node); err != nil {
				return err
			}
			if _, err := m.conn.Set(node, blob, -1); err != nil {
				return dberrors.Connection("writing indexes for %s: %s", project, err)
			}
		} else {
			_, err = m.conn.Set(node, blob, version)
			if errors.Is(err, zk.ErrBadVersion) {
				continue
			}
			if err != nil {
				return dberrors.Connection("writing indexes for %s: %s", project, err)
			}
		}
		m.Invalidate(project)
		return nil
	}
	return dberrors.Internal("too much contention on indexes for %s", project)
}

// AddIndexes merges new definitions into the project's list. Definitions
// whose ID is already present are left untouched.
func (m *IndexManager) AddIndexes(project string, indexes []datastore.CompositeIndex) error {
	return m.mutate(project, func(current []datastore.CompositeIndex) ([]datastore.CompositeIndex, error) {
		present := map[int64]bool{}
		for _, ci := range current {
			present[ci.ID] = true
		}
		for _, ci := range indexes {
			if ci.ID == 0 {
				return nil, dberrors.BadRequest("index on %s has no id", ci.Kind)
			}
			if present[ci.ID] {
				continue
			}
			current = append(current, ci)
			present[ci.ID] = true
		}
		return current, nil
	})
}

// SetIndexReady marks a definition as backfilled and usable by queries.
func (m *IndexManager) SetIndexReady(project string, id int64) error {
	return m.mutate(project, func(current []datastore.CompositeIndex) ([]datastore.CompositeIndex, error) {
		for i := range current {
			if current[i].ID == id {
				current[i].Ready = true
				return current, nil
			}
		}
		return nil, dberrors.BadRequest("project %s has no index %d", project, id)
	})
}

// DeleteIndex removes a definition.
func (m *IndexManager) DeleteIndex(project string, id int64) error {
	return m.mutate(project, func(current []datastore.CompositeIndex) ([]datastore.CompositeIndex, error) {
		for i := range current {
			if current[i].ID == id {
				return append(current[:i], current[i+1:]...), nil
			}
		}
		return nil, dberrors.BadRequest("project %s has no index %d", project, id)
	})
}
