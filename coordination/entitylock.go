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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
)

// LockTimeout bounds one entity lock acquisition.
const LockTimeout = 10 * time.Second

const contenderSeparator = "__lock__"

// yieldInterval separates retries after withdrawing in favor of an older
// transaction.
const yieldInterval = 100 * time.Millisecond

// acquireSlot serializes lock acquisition within one server process, so
// local transactions enqueue their contender nodes one at a time.
var acquireSlot = make(chan struct{}, 1)

// EntityLock serializes writes to a set of entity groups. Each group has a
// lock node; contenders enqueue ephemeral sequence nodes under it and the
// lowest sequence holds the lock. Multi-group acquisition always walks the
// group paths in sorted order, so two transactions contending for the same
// set of groups can never deadlock.
type EntityLock struct {
	conn  Conn
	txid  int64
	paths []string

	contenders []string
}

// NewEntityLock prepares a lock over the given group roots for txid.
func NewEntityLock(conn Conn, groups []datastore.Key, txid int64) *EntityLock {
	paths := make([]string, len(groups))
	for i, group := range groups {
		paths[i] = GroupLockPath(group)
	}
	sort.Strings(paths)
	return &EntityLock{conn: conn, txid: txid, paths: paths}
}

// Acquire takes every group lock, blocking until each is held or the
// timeout lapses. On failure any partially acquired locks are released.
// When an older transaction is queued ahead on one of the groups, the
// lock withdraws its contenders so the older transaction can make
// progress, then contends again.
func (l *EntityLock) Acquire(ctx context.Context) error {
	ctx, cancel := clock.WithTimeout(ctx, LockTimeout)
	defer cancel()

	select {
	case acquireSlot <- struct{}{}:
	case <-ctx.Done():
		return dberrors.LockTimeout("txn %d waiting for local acquisition slot", l.txid)
	}
	defer func() { <-acquireSlot }()

	for {
		retry, err := l.tryAcquire(ctx)
		if err != nil {
			if relErr := l.Release(); relErr != nil {
				logging.Warningf(ctx, "Releasing partial lock for txn %d: %s", l.txid, relErr)
			}
			return err
		}
		if !retry {
			return nil
		}
		if err := l.Release(); err != nil {
			return err
		}
		if clock.Sleep(ctx, yieldInterval).Incomplete() {
			return dberrors.LockTimeout("txn %d yielding on %s", l.txid, strings.Join(l.paths, ", "))
		}
	}
}

// tryAcquire enqueues on every group in order. retry is true when the
// attempt must be withdrawn in favor of an older transaction.
func (l *EntityLock) tryAcquire(ctx context.Context) (retry bool, err error) {
	for _, path := range l.paths {
		retry, err := l.acquireOne(ctx, path)
		if retry || err != nil {
			return retry, err
		}
	}
	return false, nil
}

func (l *EntityLock) acquireOne(ctx context.Context, lockPath string) (retry bool, err error) {
	if err := EnsurePath(l.conn, lockPath); err != nil {
		return false, err
	}
	prefix := uuid.New().String() + contenderSeparator
	node, err := l.conn.Create(
		lockPath+"/"+prefix,
		[]byte(strconv.FormatInt(l.txid, 10)),
		zk.FlagEphemeral|zk.FlagSequence,
		zk.WorldACL(zk.PermAll))
	if err != nil {
		return false, dberrors.Connection("creating lock contender: %s", err)
	}
	l.contenders = append(l.contenders, node)

	for {
		ahead, err := l.lockState(lockPath, node)
		if err != nil {
			return false, err
		}
		if len(ahead) == 0 {
			return false, nil
		}
		// Holding one group while waiting on another can deadlock with a
		// transaction walking the groups the other way in an older
		// deployment's order. Yield to any older transaction ahead of us.
		if len(l.paths) > 1 {
			yield, err := l.olderAhead(lockPath, ahead)
			if err != nil {
				return false, err
			}
			if yield {
				return true, nil
			}
		}
		predecessor := lockPath + "/" + ahead[len(ahead)-1]
		exists, _, events, err := l.conn.ExistsW(predecessor)
		if err != nil {
			return false, dberrors.Connection("watching %s: %s", predecessor, err)
		}
		if !exists {
			continue
		}
		select {
		case <-events:
		case <-ctx.Done():
			return false, dberrors.LockTimeout("txn %d waiting on %s", l.txid, lockPath)
		}
	}
}

// lockState lists the contenders queued ahead of node, in sequence order.
// An empty result means node holds the lock.
func (l *EntityLock) lockState(lockPath, node string) (ahead []string, err error) {
	children, _, err := l.conn.Children(lockPath)
	if err != nil {
		return nil, dberrors.Connection("listing contenders: %s", err)
	}
	type contender struct {
		name string
		seq  int64
	}
	var contenders []contender
	for _, child := range children {
		seq, err := contenderSequence(child)
		if err != nil {
			continue
		}
		contenders = append(contenders, contender{name: child, seq: seq})
	}
	sort.Slice(contenders, func(i, j int) bool { return contenders[i].seq < contenders[j].seq })

	own := node[strings.LastIndexByte(node, '/')+1:]
	for i, c := range contenders {
		if c.name == own {
			for _, a := range contenders[:i] {
				ahead = append(ahead, a.name)
			}
			return ahead, nil
		}
	}
	return nil, dberrors.Internal("lock contender %s disappeared", node)
}

// olderAhead reports whether any contender queued ahead belongs to a
// transaction older than ours. Contenders that vanish mid-read or carry
// unparsable data are skipped.
func (l *EntityLock) olderAhead(lockPath string, ahead []string) (bool, error) {
	for _, name := range ahead {
		data, _, err := l.conn.Get(lockPath + "/" + name)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return false, dberrors.Connection("reading contender %s: %s", name, err)
		}
		txid, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			continue
		}
		if txid < l.txid {
			return true, nil
		}
	}
	return false, nil
}

func contenderSequence(name string) (int64, error) {
	i := strings.LastIndex(name, contenderSeparator)
	if i < 0 {
		return 0, fmt.Errorf("no sequence in %q", name)
	}
	return strconv.ParseInt(name[i+len(contenderSeparator):], 10, 64)
}

// Release drops every contender node this lock created. Safe to call after
// a partial acquire.
func (l *EntityLock) Release() error {
	var firstErr error
	for _, node := range l.contenders {
		err := l.conn.Delete(node, -1)
		if err != nil && !errors.Is(err, zk.ErrNoNode) && firstErr == nil {
			firstErr = dberrors.Connection("releasing %s: %s", node, err)
		}
	}
	l.contenders = nil
	return firstErr
}

// LockPaths returns the sorted group lock paths this lock covers.
func (l *EntityLock) LockPaths() []string {
	return append([]string(nil), l.paths...)
}

// RemoveContenders deletes another transaction's contender nodes under a
// group lock path. The transaction GC uses this to unblock writers stuck
// behind an expired transaction.
func RemoveContenders(conn Conn, lockPath string, txid int64) error {
	children, _, err := conn.Children(lockPath)
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return nil
	case err != nil:
		return dberrors.Connection("listing contenders: %s", err)
	}
	want := strconv.FormatInt(txid, 10)
	for _, child := range children {
		node := lockPath + "/" + child
		data, _, err := conn.Get(node)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return dberrors.Connection("reading contender %s: %s", node, err)
		}
		if string(data) != want {
			continue
		}
		if err := conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			return dberrors.Connection("removing contender %s: %s", node, err)
		}
	}
	return nil
}
