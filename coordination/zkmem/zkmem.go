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

// Package zkmem is an in-memory stand-in for a ZooKeeper connection, used
// by tests. It supports the node flags and watch events the coordination
// layer relies on: persistent and ephemeral nodes, sequence suffixes, and
// exists/data watches fired on create, set and delete.
package zkmem

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

type node struct {
	data      []byte
	version   int32
	ephemeral bool
	nextSeq   int64
	created   time.Time
	children  map[string]*node
}

// Conn is an in-memory ZooKeeper tree.
type Conn struct {
	mu       sync.Mutex
	root     *node
	watchers map[string][]chan zk.Event
}

// New returns an empty tree.
func New() *Conn {
	return &Conn{
		root:     &node{children: map[string]*node{}},
		watchers: map[string][]chan zk.Event{},
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (c *Conn) lookup(path string) *node {
	n := c.root
	for _, part := range splitPath(path) {
		next, ok := n.children[part]
		if !ok {
			return nil
		}
		n = next
	}
	return n
}

func (c *Conn) notify(path string, typ zk.EventType) {
	for _, ch := range c.watchers[path] {
		ch <- zk.Event{Type: typ, Path: path}
	}
	delete(c.watchers, path)
}

// Create adds a node. Sequence nodes get a zero-padded counter suffix
// scoped to the parent.
func (c *Conn) Create(path string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := splitPath(path)
	if len(parts) == 0 {
		return "", zk.ErrNodeExists
	}
	parent := c.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := parent.children[part]
		if !ok {
			return "", zk.ErrNoNode
		}
		parent = next
	}

	name := parts[len(parts)-1]
	if flags&zk.FlagSequence != 0 {
		name = fmt.Sprintf("%s%010d", name, parent.nextSeq)
		parent.nextSeq++
	} else if _, ok := parent.children[name]; ok {
		return "", zk.ErrNodeExists
	}
	parent.children[name] = &node{
		data:      append([]byte(nil), data...),
		ephemeral: flags&zk.FlagEphemeral != 0,
		created:   time.Now(),
		children:  map[string]*node{},
	}
	created := "/" + strings.Join(append(parts[:len(parts)-1], name), "/")
	c.notify(created, zk.EventNodeCreated)
	return created, nil
}

// Delete removes a node. version -1 skips the version check.
func (c *Conn) Delete(path string, version int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := splitPath(path)
	if len(parts) == 0 {
		return zk.ErrNoNode
	}
	parent := c.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := parent.children[part]
		if !ok {
			return zk.ErrNoNode
		}
		parent = next
	}
	name := parts[len(parts)-1]
	n, ok := parent.children[name]
	if !ok {
		return zk.ErrNoNode
	}
	if len(n.children) > 0 {
		return zk.ErrNotEmpty
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	delete(parent.children, name)
	c.notify(path, zk.EventNodeDeleted)
	return nil
}

func stat(n *node) *zk.Stat {
	return &zk.Stat{
		Version:     n.version,
		NumChildren: int32(len(n.children)),
		Ctime:       n.created.UnixMilli(),
	}
}

// Exists reports node presence.
func (c *Conn) Exists(path string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.lookup(path)
	if n == nil {
		return false, nil, nil
	}
	return true, stat(n), nil
}

// ExistsW is Exists plus a one-shot watch on the node.
func (c *Conn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan zk.Event, 1)
	c.watchers[path] = append(c.watchers[path], ch)
	n := c.lookup(path)
	if n == nil {
		return false, nil, ch, nil
	}
	return true, stat(n), ch, nil
}

// Get reads a node's data.
func (c *Conn) Get(path string) ([]byte, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.lookup(path)
	if n == nil {
		return nil, nil, zk.ErrNoNode
	}
	return append([]byte(nil), n.data...), stat(n), nil
}

// GetW is Get plus a one-shot watch on the node.
func (c *Conn) GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.lookup(path)
	if n == nil {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 1)
	c.watchers[path] = append(c.watchers[path], ch)
	return append([]byte(nil), n.data...), stat(n), ch, nil
}

// Children lists a node's children in sorted order.
func (c *Conn) Children(path string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.lookup(path)
	if n == nil {
		return nil, nil, zk.ErrNoNode
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, stat(n), nil
}

// Set replaces a node's data. version -1 skips the version check.
func (c *Conn) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.lookup(path)
	if n == nil {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return nil, zk.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.version++
	c.notify(path, zk.EventNodeDataChanged)
	return stat(n), nil
}
