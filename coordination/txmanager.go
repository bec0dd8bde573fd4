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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"

	"github.com/appscale/gts/dberrors"
)

// Transaction counters live in per-project containers of persistent
// sequence nodes. ZooKeeper sequence counters are signed 32-bit; when one
// container approaches the cap a new container opens and later IDs carry
// the next container's offset.
const (
	maxSequenceCounter = int64(1)<<31 - 1
	containerSize      = int64(1) << 31
	counterPrefix      = "tx"
)

// TransactionManager hands out transaction IDs and tracks which are open.
type TransactionManager struct {
	conn Conn

	mu        sync.Mutex
	container map[string]int // project -> active container index (1-based)
}

// NewTransactionManager wraps a connection.
func NewTransactionManager(conn Conn) *TransactionManager {
	return &TransactionManager{conn: conn, container: map[string]int{}}
}

func containerName(index int) string {
	if index <= 1 {
		return "txids"
	}
	return fmt.Sprintf("txids%d", index)
}

func containerPath(project string, index int) string {
	return projectNode(project) + "/" + containerName(index)
}

// containerIndexFor maps a txid back to its container and counter.
func containerIndexFor(txid int64) (index int, counter int64) {
	index = int(txid/containerSize) + 1
	counter = txid % containerSize
	if counter == 0 {
		// Counter containerSize-aligned IDs belong to the previous container.
		index--
		counter = containerSize
	}
	return index, counter
}

func offsetFor(index int) int64 {
	return int64(index-1) * containerSize
}

func txidOffsetNode(project string) string {
	return projectNode(project) + "/txid_offset"
}

// ManualOffset reads the project's administrative ID offset. Every issued
// txid carries it, so setting a larger offset fast-forwards the whole
// sequence. Zero when the node has never been set.
func (m *TransactionManager) ManualOffset(project string) (int64, error) {
	data, _, err := m.conn.Get(txidOffsetNode(project))
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return 0, nil
	case err != nil:
		return 0, dberrors.Connection("reading txid offset: %s", err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	offset, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || offset < 0 {
		return 0, dberrors.Internal("corrupt txid offset node %q", data)
	}
	return offset, nil
}

// SetManualOffset fast-forwards the project's transaction ID sequence so
// every ID issued afterwards exceeds the given offset.
func (m *TransactionManager) SetManualOffset(project string, offset int64) error {
	if err := EnsurePath(m.conn, projectNode(project)); err != nil {
		return err
	}
	blob := []byte(strconv.FormatInt(offset, 10))
	node := txidOffsetNode(project)
	_, err := m.conn.Create(node, blob, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = m.conn.Set(node, blob, -1)
	}
	if err != nil {
		return dberrors.Connection("setting txid offset: %s", err)
	}
	return nil
}

// CreateTransactionID allocates a fresh transaction ID for the project.
func (m *TransactionManager) CreateTransactionID(project string) (int64, error) {
	manual, err := m.ManualOffset(project)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	active := m.container[project]
	m.mu.Unlock()
	if active == 0 {
		active = 1
	}

	for {
		base := containerPath(project, active)
		if err := EnsurePath(m.conn, base); err != nil {
			return 0, err
		}
		node, err := m.conn.Create(base+"/"+counterPrefix, nil,
			zk.FlagSequence, zk.WorldACL(zk.PermAll))
		if err != nil {
			return 0, dberrors.Connection("creating transaction node: %s", err)
		}
		counter, err := sequenceCounter(node)
		if err != nil {
			return 0, err
		}
		// Counter zero would make a txid indistinguishable from "no
		// transaction"; discard it and draw again. An overflowed or
		// exhausted counter rolls to the next container.
		if counter == 0 {
			if delErr := m.conn.Delete(node, -1); delErr != nil && !errors.Is(delErr, zk.ErrNoNode) {
				return 0, dberrors.Connection("discarding counter node: %s", delErr)
			}
			continue
		}
		if counter < 0 || counter >= maxSequenceCounter {
			if delErr := m.conn.Delete(node, -1); delErr != nil && !errors.Is(delErr, zk.ErrNoNode) {
				return 0, dberrors.Connection("discarding counter node: %s", delErr)
			}
			active++
			m.mu.Lock()
			if m.container[project] < active {
				m.container[project] = active
			}
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		if m.container[project] < active {
			m.container[project] = active
		}
		m.mu.Unlock()
		return manual + offsetFor(active) + counter, nil
	}
}

func sequenceCounter(node string) (int64, error) {
	name := node[strings.LastIndexByte(node, '/')+1:]
	if !strings.HasPrefix(name, counterPrefix) {
		return 0, dberrors.Internal("unexpected counter node %q", node)
	}
	counter, err := strconv.ParseInt(name[len(counterPrefix):], 10, 64)
	if err != nil {
		return 0, dberrors.Internal("unparsable counter node %q", node)
	}
	return counter, nil
}

// NodePath returns the coordination node for a transaction ID, reversing
// the manual offset and container arithmetic of CreateTransactionID.
func (m *TransactionManager) NodePath(project string, txid int64) (string, error) {
	manual, err := m.ManualOffset(project)
	if err != nil {
		return "", err
	}
	index, counter := containerIndexFor(txid - manual)
	return fmt.Sprintf("%s/%s%010d", containerPath(project, index), counterPrefix, counter), nil
}

// DeleteTransactionID discards a transaction's node and everything staged
// under it.
func (m *TransactionManager) DeleteTransactionID(project string, txid int64) error {
	node, err := m.NodePath(project, txid)
	if err != nil {
		return err
	}
	return DeleteRecursive(m.conn, node)
}

// GetOpenTransactions lists the project's open transaction IDs in
// ascending order. Nodes with unusable counters are reported as negative
// IDs so the caller can clean them up.
func (m *TransactionManager) GetOpenTransactions(project string) ([]int64, error) {
	manual, err := m.ManualOffset(project)
	if err != nil {
		return nil, err
	}
	var txids []int64
	for index := 1; ; index++ {
		children, _, err := m.conn.Children(containerPath(project, index))
		if errors.Is(err, zk.ErrNoNode) {
			break
		}
		if err != nil {
			return nil, dberrors.Connection("listing transactions: %s", err)
		}
		for _, child := range children {
			if !strings.HasPrefix(child, counterPrefix) {
				continue
			}
			counter, err := strconv.ParseInt(child[len(counterPrefix):], 10, 64)
			if err != nil {
				continue
			}
			txid := offsetFor(index) + counter
			if txid > 0 {
				txid += manual
			}
			txids = append(txids, txid)
		}
	}
	sort.Slice(txids, func(i, j int) bool { return txids[i] < txids[j] })
	return txids, nil
}

// SetGroups records the entity group lock paths a transaction intends to
// write, so the transaction GC can unblock those groups if the
// transaction dies.
func (m *TransactionManager) SetGroups(project string, txid int64, lockPaths []string) error {
	blob, err := json.Marshal(lockPaths)
	if err != nil {
		return dberrors.Internal("encoding group list: %s", err)
	}
	txNode, err := m.NodePath(project, txid)
	if err != nil {
		return err
	}
	node := txNode + "/groups"
	_, err = m.conn.Create(node, blob, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = m.conn.Set(node, blob, -1)
	}
	if err != nil {
		return dberrors.Connection("recording groups for txn %d: %s", txid, err)
	}
	return nil
}

// GetGroups reads back the group lock paths staged with SetGroups. A
// transaction that never declared groups yields an empty list.
func (m *TransactionManager) GetGroups(project string, txid int64) ([]string, error) {
	txNode, err := m.NodePath(project, txid)
	if err != nil {
		return nil, err
	}
	data, _, err := m.conn.Get(txNode + "/groups")
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return nil, nil
	case err != nil:
		return nil, dberrors.Connection("reading groups for txn %d: %s", txid, err)
	}
	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		return nil, dberrors.Internal("decoding group list for txn %d: %s", txid, err)
	}
	return paths, nil
}

// TransactionExists reports whether the transaction's node is still
// present.
func (m *TransactionManager) TransactionExists(project string, txid int64) (bool, error) {
	node, err := m.NodePath(project, txid)
	if err != nil {
		return false, err
	}
	exists, _, err := m.conn.Exists(node)
	if err != nil {
		return false, dberrors.Connection("checking txn %d: %s", txid, err)
	}
	return exists, nil
}
