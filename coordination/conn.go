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

// Package coordination is the ZooKeeper layer: entity group locks,
// transaction ID allocation, the transaction blacklist and cross-group
// bookkeeping, and composite index definitions.
package coordination

import (
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-zookeeper/zk"

	"github.com/appscale/gts/datastore"
	"github.com/appscale/gts/dberrors"
)

// Conn is the subset of the ZooKeeper client the coordination layer uses.
// *zk.Conn satisfies it; tests substitute an in-memory fake.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
}

// Coordination tree layout.
const (
	appsRoot     = "/appscale/apps"
	projectsRoot = "/appscale/projects"
	groomerRoot  = "/appscale/datastore/tx_groomer"
)

func projectNode(project string) string   { return appsRoot + "/" + project }
func locksNode(project string) string     { return projectNode(project) + "/locks" }
func txidsNode(project string) string     { return projectNode(project) + "/txids" }
func blacklistNode(project string) string { return projectNode(project) + "/blacklist" }
func validListNode(project string) string { return projectNode(project) + "/validlist" }
func indexesNode(project string) string   { return projectsRoot + "/" + project + "/indexes" }

// GroupLockPath maps an entity group root to its lock node. Namespaces and
// names are escaped so they stay single path components.
func GroupLockPath(group datastore.Key) string {
	element := group.Path[0]
	var id string
	if element.Name != "" {
		id = url.PathEscape(element.Name)
	} else {
		id = strconv.FormatInt(element.ID, 10)
	}
	ns := group.Namespace
	if ns == "" {
		ns = ":default"
	}
	return strings.Join([]string{
		locksNode(group.App), url.PathEscape(ns), element.Kind + ":" + id,
	}, "/")
}

// EnsurePath creates path and any missing parents as persistent nodes.
func EnsurePath(conn Conn, path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		_, err := conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return dberrors.Connection("creating %s: %s", current, err)
		}
	}
	return nil
}

// DeleteRecursive removes a node and everything below it. Missing nodes
// are not an error.
func DeleteRecursive(conn Conn, path string) error {
	children, _, err := conn.Children(path)
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return nil
	case err != nil:
		return dberrors.Connection("listing %s: %s", path, err)
	}
	// Deepest first.
	sort.Strings(children)
	for _, child := range children {
		if err := DeleteRecursive(conn, path+"/"+child); err != nil {
			return err
		}
	}
	if err := conn.Delete(path, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return dberrors.Connection("deleting %s: %s", path, err)
	}
	return nil
}
