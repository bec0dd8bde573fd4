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

// Package storage is the Cassandra layer: the table catalog, batched
// entity reads and writes, index range scans, the transaction metadata
// log, mutation derivation, and the large-batch commit protocol.
//
// The schema relies on the cluster using a byte-ordered partitioner, so
// token-bounded scans walk rows in key order, and on single-partition
// conditional writes (LWT) for every compare-and-swap.
package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/spaolacci/murmur3"
)

// Data tables.
const (
	EntitiesTable    = "entities"
	KindsTable       = "kinds"
	AscPropertyTable = "asc_property"
	DscPropertyTable = "dsc_property"
	CompositeTable   = "composite_indexes"
	MetadataTable    = "metadata"
)

// Bookkeeping tables.
const (
	GroupUpdatesTable = "group_updates"
	BatchStatusTable  = "batch_status"
	BatchesTable      = "batches"
	TransactionsTable = "transactions"
	ReservedIDsTable  = "reserved_ids"
)

// Transaction log operation names.
const (
	TxOpStart       = "start"
	TxOpMutate      = "mutate"
	TxOpRead        = "read"
	TxOpEnqueueTask = "enqueue_task"
)

// MaxTxDuration is how long a transaction may stay open before the GC may
// resolve it. Log rows carry twice this as their TTL so an expired
// transaction's evidence outlives the transaction itself.
const MaxTxDuration = 60 * time.Second

// MaxGroupsForXG caps the entity groups one cross-group transaction may
// touch.
const MaxGroupsForXG = 25

// LargeBatchThreshold is the mutation payload size above which a commit
// goes through the resumable large-batch protocol instead of a single
// atomic batch statement.
const LargeBatchThreshold = 5 << 10

// MaxActionsPerTxn caps tasks staged on one transaction.
const MaxActionsPerTxn = 5

// TxPartition derives the partition key grouping all batch-protocol rows
// of one transaction.
func TxPartition(app string, txid int64) []byte {
	h := murmur3.Sum64([]byte(fmt.Sprintf("%s^^%d", app, txid)))
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, h)
	return key
}
