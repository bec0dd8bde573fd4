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
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/go-zookeeper/zk"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
)

// XGListSeparator joins lock paths in a cross-group list node.
const XGListSeparator = "!XG_LIST!"

// xgNode is the child of a transaction node holding its cross-group list.
const xgNode = "xg"

// Coordinator is the legacy transaction bookkeeping: per-group lock nodes
// holding the owning txid, the blacklist of failed transactions, the
// valid-version list used to read around blacklisted writes, and
// cross-group lock lists.
type Coordinator struct {
	conn Conn
	txm  *TransactionManager
}

// NewCoordinator wraps a connection.
func NewCoordinator(conn Conn, txm *TransactionManager) *Coordinator {
	return &Coordinator{conn: conn, txm: txm}
}

// AcquireLock takes the legacy lock node for an entity group on behalf of
// txid. Reacquiring a lock the transaction already holds succeeds; a
// second, different group requires the transaction to be cross-group and
// within the group cap.
func (c *Coordinator) AcquireLock(project string, txid int64, group datastore.Key, xg bool) error {
	lockPath := GroupLockPath(group) + "/legacy"
	held, err := c.heldLocks(project, txid)
	if err != nil {
		return err
	}
	for _, h := range held {
		if h == lockPath {
			return nil
		}
	}
	if len(held) > 0 {
		if !xg {
			return dberrors.BadRequest("txn %d already holds a lock on another group", txid)
		}
		if len(held) >= storageMaxGroups {
			return dberrors.TooManyGroups("txn %d already touches %d groups", txid, len(held))
		}
	}

	if err := EnsurePath(c.conn, GroupLockPath(group)); err != nil {
		return err
	}
	_, err = c.conn.Create(lockPath,
		[]byte(strconv.FormatInt(txid, 10)),
		zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		data, _, getErr := c.conn.Get(lockPath)
		if getErr == nil && string(data) == strconv.FormatInt(txid, 10) {
			return c.registerLock(project, txid, lockPath, held)
		}
		return dberrors.ConcurrentModification("group %s is locked by another transaction", group)
	}
	if err != nil {
		return dberrors.Connection("acquiring legacy lock: %s", err)
	}
	return c.registerLock(project, txid, lockPath, held)
}

// storageMaxGroups mirrors the cross-group cap enforced at commit.
const storageMaxGroups = 25

func (c *Coordinator) registerLock(project string, txid int64, lockPath string, held []string) error {
	for _, h := range held {
		if h == lockPath {
			return nil
		}
	}
	held = append(held, lockPath)
	txNode, err := c.txm.NodePath(project, txid)
	if err != nil {
		return err
	}
	node := txNode + "/" + xgNode
	blob := []byte(strings.Join(held, XGListSeparator))
	_, err = c.conn.Create(node, blob, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = c.conn.Set(node, blob, -1)
	}
	if err != nil {
		return dberrors.Connection("recording lock list for txn %d: %s", txid, err)
	}
	return nil
}

// heldLocks returns the lock paths txid currently holds.
func (c *Coordinator) heldLocks(project string, txid int64) ([]string, error) {
	txNode, err := c.txm.NodePath(project, txid)
	if err != nil {
		return nil, err
	}
	data, _, err := c.conn.Get(txNode + "/" + xgNode)
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return nil, nil
	case err != nil:
		return nil, dberrors.Connection("reading lock list for txn %d: %s", txid, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return strings.Split(string(data), XGListSeparator), nil
}

// ReleaseLocks drops every legacy lock txid holds and removes its
// transaction node.
func (c *Coordinator) ReleaseLocks(project string, txid int64) error {
	held, err := c.heldLocks(project, txid)
	if err != nil {
		return err
	}
	want := strconv.FormatInt(txid, 10)
	for _, lockPath := range held {
		data, _, err := c.conn.Get(lockPath)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return dberrors.Connection("reading %s: %s", lockPath, err)
		}
		if string(data) != want {
			continue
		}
		if err := c.conn.Delete(lockPath, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			return dberrors.Connection("releasing %s: %s", lockPath, err)
		}
	}
	return c.txm.DeleteTransactionID(project, txid)
}

// NotifyFailed invalidates a transaction: it publishes the valid version
// pointers the transaction registered for its keys, blacklists it, and
// releases whatever it held. Safe to call repeatedly.
func (c *Coordinator) NotifyFailed(project string, txid int64) error {
	if err := c.publishValidVersions(project, txid); err != nil {
		return err
	}
	if err := EnsurePath(c.conn, blacklistNode(project)); err != nil {
		return err
	}
	_, err := c.conn.Create(
		blacklistNode(project)+"/"+strconv.FormatInt(txid, 10),
		nil, 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return dberrors.Connection("blacklisting txn %d: %s", txid, err)
	}
	return c.ReleaseLocks(project, txid)
}

// IsBlacklisted reports whether a transaction has been invalidated.
func (c *Coordinator) IsBlacklisted(project string, txid int64) (bool, error) {
	exists, _, err := c.conn.Exists(blacklistNode(project) + "/" + strconv.FormatInt(txid, 10))
	if err != nil {
		return false, dberrors.Connection("blacklist check for txn %d: %s", txid, err)
	}
	return exists, nil
}

// updatedNode is the child of a transaction node holding its per-key
// valid version pointers.
const updatedNode = "updated"

func keyHash(key datastore.Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return hex.EncodeToString(sum[:])
}

func validVersionNode(project string, key datastore.Key) string {
	return validListNode(project) + "/" + keyHash(key)
}

// RegisterUpdatedKey records, on the transaction's own node, the last
// version of key written by a valid transaction. The pointer stays
// private to the transaction; NotifyFailed publishes it so readers that
// hit the invalidated version can fall back.
func (c *Coordinator) RegisterUpdatedKey(project string, txid, validTxid int64, key datastore.Key) error {
	txNode, err := c.txm.NodePath(project, txid)
	if err != nil {
		return err
	}
	if err := EnsurePath(c.conn, txNode+"/"+updatedNode); err != nil {
		return err
	}
	node := txNode + "/" + updatedNode + "/" + keyHash(key)
	blob := []byte(strconv.FormatInt(validTxid, 10))
	_, err = c.conn.Create(node, blob, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = c.conn.Set(node, blob, -1)
	}
	if err != nil {
		return dberrors.Connection("recording updated key for txn %d: %s", txid, err)
	}
	return nil
}

// publishValidVersions copies a failed transaction's per-key pointers
// into the project's valid version registry. A transaction that
// registered nothing, or whose node is already gone, publishes nothing.
func (c *Coordinator) publishValidVersions(project string, txid int64) error {
	txNode, err := c.txm.NodePath(project, txid)
	if err != nil {
		return err
	}
	children, _, err := c.conn.Children(txNode + "/" + updatedNode)
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return nil
	case err != nil:
		return dberrors.Connection("listing updated keys for txn %d: %s", txid, err)
	}
	if len(children) == 0 {
		return nil
	}
	if err := EnsurePath(c.conn, validListNode(project)); err != nil {
		return err
	}
	for _, child := range children {
		data, _, err := c.conn.Get(txNode + "/" + updatedNode + "/" + child)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return dberrors.Connection("reading updated key %s: %s", child, err)
		}
		node := validListNode(project) + "/" + child
		_, err = c.conn.Create(node, data, 0, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			_, err = c.conn.Set(node, data, -1)
		}
		if err != nil {
			return dberrors.Connection("publishing valid version: %s", err)
		}
	}
	return nil
}

// ValidTransactionID resolves the version a reader should trust for key:
// txid itself when it is not blacklisted, otherwise the registered valid
// version, or zero when none exists.
func (c *Coordinator) ValidTransactionID(project string, txid int64, key datastore.Key) (int64, error) {
	blacklisted, err := c.IsBlacklisted(project, txid)
	if err != nil {
		return 0, err
	}
	if !blacklisted {
		return txid, nil
	}
	data, _, err := c.conn.Get(validVersionNode(project, key))
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return 0, nil
	case err != nil:
		return 0, dberrors.Connection("valid version lookup: %s", err)
	}
	valid, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, dberrors.Internal("corrupt valid version node for %s", key)
	}
	return valid, nil
}
