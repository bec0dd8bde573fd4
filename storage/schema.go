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

	"github.com/appscale/gts/dberrors"
)

// schemaStatements creates every table the datastore uses. Key-value
// tables hold opaque byte keys ordered by the cluster's byte-ordered
// partitioner; the bookkeeping tables are partitioned conventionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS "entities" (
		key blob PRIMARY KEY,
		entity blob,
		txid bigint
	)`,
	`CREATE TABLE IF NOT EXISTS "kinds" (
		key blob PRIMARY KEY,
		reference blob
	)`,
	`CREATE TABLE IF NOT EXISTS "asc_property" (
		key blob PRIMARY KEY,
		reference blob
	)`,
	`CREATE TABLE IF NOT EXISTS "dsc_property" (
		key blob PRIMARY KEY,
		reference blob
	)`,
	`CREATE TABLE IF NOT EXISTS "composite_indexes" (
		key blob PRIMARY KEY,
		reference blob
	)`,
	`CREATE TABLE IF NOT EXISTS "metadata" (
		key blob PRIMARY KEY,
		reference blob
	)`,
	`CREATE TABLE IF NOT EXISTS "group_updates" (
		"group" blob PRIMARY KEY,
		last_update bigint
	)`,
	`CREATE TABLE IF NOT EXISTS "transactions" (
		txid_hash blob,
		operation text,
		namespace text,
		path blob,
		start_time timestamp,
		is_xg boolean,
		in_progress blob,
		entity blob,
		task blob,
		PRIMARY KEY (txid_hash, operation, namespace, path)
	)`,
	`CREATE TABLE IF NOT EXISTS "batch_status" (
		txid_hash blob PRIMARY KEY,
		applied boolean,
		op_id uuid
	)`,
	`CREATE TABLE IF NOT EXISTS "batches" (
		txid_hash blob,
		namespace text,
		path blob,
		old_value blob,
		new_value blob,
		PRIMARY KEY (txid_hash, namespace, path)
	)`,
	`CREATE TABLE IF NOT EXISTS "reserved_ids" (
		project text,
		scattered boolean,
		last_reserved bigint,
		op_id uuid,
		PRIMARY KEY (project, scattered)
	)`,
}

// InitSchema creates any missing tables. Safe to run on every startup;
// existing tables are left untouched.
func (d *Datastore) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := d.session.Query(ctx, stmt).Exec(); err != nil {
			return dberrors.Connection("creating schema: %s", err)
		}
	}
	return nil
}
