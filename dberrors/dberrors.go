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

// Package dberrors defines the datastore failure taxonomy and its mapping to
// the wire-level error codes clients understand.
//
// Malformed requests, conflicts and missing indexes are terminal and are
// never retried. Infrastructure failures carry transient.Tag so callers can
// retry them with transient.Only policies.
package dberrors

import (
	"fmt"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// Code is the wire-level error code reported to clients.
type Code int

// Wire error codes.
const (
	CodeOK                        Code = 0
	CodeBadRequest                Code = 1
	CodeConcurrentTransaction     Code = 2
	CodeInternalError             Code = 3
	CodeNeedIndex                 Code = 4
	CodeTimeout                   Code = 5
	CodePermissionDenied          Code = 6
	CodeCommittedButStillApplying Code = 7
	CodeCapabilityDisabled        Code = 8
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeBadRequest:
		return "BAD_REQUEST"
	case CodeConcurrentTransaction:
		return "CONCURRENT_TRANSACTION"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeNeedIndex:
		return "NEED_INDEX"
	case CodeTimeout:
		return "TIMEOUT"
	case CodePermissionDenied:
		return "PERMISSION_DENIED"
	case CodeCommittedButStillApplying:
		return "COMMITTED_BUT_STILL_APPLYING"
	case CodeCapabilityDisabled:
		return "CAPABILITY_DISABLED"
	}
	return "UNKNOWN"
}

// Error is a datastore failure with a wire code attached.
type Error struct {
	Code Code
	Kind string // stable failure class, eg. "failed batch"
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Msg
}

// Is makes all errors of the same Kind match each other, so sentinel
// comparisons like errors.Is(err, ErrFailedBatch) work regardless of the
// message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks. Construct new instances of these classes
// with the functions below so messages can vary.
var (
	ErrBadRequest             = &Error{Code: CodeBadRequest, Kind: "bad request"}
	ErrConcurrentModification = &Error{Code: CodeConcurrentTransaction, Kind: "concurrent modification"}
	ErrInternal               = &Error{Code: CodeInternalError, Kind: "internal error"}
	ErrNeedsIndex             = &Error{Code: CodeNeedIndex, Kind: "needs index"}
	ErrTimeout                = &Error{Code: CodeTimeout, Kind: "timeout"}
	ErrTooManyGroups          = &Error{Code: CodeBadRequest, Kind: "too many groups"}
	ErrExcessiveTasks         = &Error{Code: CodeBadRequest, Kind: "excessive tasks"}
	ErrFailedBatch            = &Error{Code: CodeInternalError, Kind: "failed batch"}
	ErrBatchNotApplied        = &Error{Code: CodeInternalError, Kind: "batch not applied"}
	ErrBatchNotOwned          = &Error{Code: CodeInternalError, Kind: "batch not owned"}
	ErrLockTimeout            = &Error{Code: CodeTimeout, Kind: "lock timeout"}
	ErrBlacklisted            = &Error{Code: CodeBadRequest, Kind: "transaction blacklisted"}
	ErrConnection             = &Error{Code: CodeInternalError, Kind: "datastore connection error"}
	ErrCapabilityDisabled     = &Error{Code: CodeCapabilityDisabled, Kind: "capability disabled"}
	ErrCorruptIndexEntry      = &Error{Code: CodeInternalError, Kind: "corrupt index entry"}
)

func derive(sentinel *Error, msg string) *Error {
	return &Error{Code: sentinel.Code, Kind: sentinel.Kind, Msg: msg}
}

// BadRequest reports a malformed request. Never retried.
func BadRequest(format string, args ...any) error {
	return derive(ErrBadRequest, fmt.Sprintf(format, args...))
}

// ConcurrentModification reports a commit-time conflict.
func ConcurrentModification(format string, args ...any) error {
	return derive(ErrConcurrentModification, fmt.Sprintf(format, args...))
}

// Internal reports an infrastructure failure. Tagged transient so retry
// policies built on transient.Only will retry it.
func Internal(format string, args ...any) error {
	return transient.Tag.Apply(derive(ErrInternal, fmt.Sprintf(format, args...)))
}

// NeedsIndex reports that no index can satisfy a query.
func NeedsIndex(format string, args ...any) error {
	return derive(ErrNeedsIndex, fmt.Sprintf(format, args...))
}

// Timeout reports that an operation exceeded its deadline.
func Timeout(format string, args ...any) error {
	return derive(ErrTimeout, fmt.Sprintf(format, args...))
}

// TooManyGroups reports a cross-group transaction exceeding the group cap.
func TooManyGroups(format string, args ...any) error {
	return derive(ErrTooManyGroups, fmt.Sprintf(format, args...))
}

// ExcessiveTasks reports too many tasks added to one transaction.
func ExcessiveTasks(format string, args ...any) error {
	return derive(ErrExcessiveTasks, fmt.Sprintf(format, args...))
}

// FailedBatch reports that a large batch is owned by another process.
func FailedBatch(format string, args ...any) error {
	return derive(ErrFailedBatch, fmt.Sprintf(format, args...))
}

// BatchNotApplied reports a large batch that failed before its applied flag
// was flipped; the staged state is safe to discard.
func BatchNotApplied(format string, args ...any) error {
	return derive(ErrBatchNotApplied, fmt.Sprintf(format, args...))
}

// BatchNotOwned reports a CAS loss while claiming or updating a batch.
func BatchNotOwned(format string, args ...any) error {
	return derive(ErrBatchNotOwned, fmt.Sprintf(format, args...))
}

// LockTimeout reports a failure to acquire an entity group lock in time.
func LockTimeout(format string, args ...any) error {
	return derive(ErrLockTimeout, fmt.Sprintf(format, args...))
}

// Blacklisted reports use of a transaction that has been invalidated.
func Blacklisted(format string, args ...any) error {
	return derive(ErrBlacklisted, fmt.Sprintf(format, args...))
}

// Connection reports a Cassandra connectivity failure. Transient.
func Connection(format string, args ...any) error {
	return transient.Tag.Apply(derive(ErrConnection, fmt.Sprintf(format, args...)))
}

// CapabilityDisabled reports a write attempted while in read-only mode.
func CapabilityDisabled(format string, args ...any) error {
	return derive(ErrCapabilityDisabled, fmt.Sprintf(format, args...))
}

// CorruptIndexEntry reports an index row that cannot be decoded. Callers
// must treat the entry as invalid, never crash.
func CorruptIndexEntry(format string, args ...any) error {
	return derive(ErrCorruptIndexEntry, fmt.Sprintf(format, args...))
}

// WireCode extracts the wire error code for err. Unrecognized errors map to
// INTERNAL_ERROR.
func WireCode(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}
