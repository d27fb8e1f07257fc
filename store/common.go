// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

// Package store implements the revision-tracked, shareable collection
// store that backs a calendaring/contacts server: per-owner Homes holding
// Collections of ObjectResources, an append-only revision log answering
// incremental sync queries, and a bind state machine for sharing
// collections (and contact groups) between homes.
package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/davstore/davstore/private/tagsql"
)

var mon = monkit.Package()

// withRows ensures that rows get properly closed after the callback.
func withRows(rows tagsql.Rows, err error) func(func(tagsql.Rows) error) error {
	return func(callback func(tagsql.Rows) error) error {
		if err != nil {
			return err
		}
		err := callback(rows)
		return errs.Combine(err, rows.Err(), rows.Close())
	}
}

var (
	// Error is the default error for the store.
	Error = errs.Class("store")

	// ErrNameNotAllowed is used when a resource name is not acceptable.
	ErrNameNotAllowed = errs.Class("resource name not allowed")
	// ErrNameConflict is used when a collection or object name is already in use.
	ErrNameConflict = errs.Class("name already exists")
	// ErrUIDConflict is used when an object UID is already in use.
	ErrUIDConflict = errs.Class("uid already exists")
	// ErrInvalidObjectData is returned when a component fails validation.
	ErrInvalidObjectData = errs.Class("invalid object data")
	// ErrHomeNotFound is used when a home does not exist.
	ErrHomeNotFound = errs.Class("home not found")
	// ErrUnknownOwner is used when the directory service does not know the owner.
	ErrUnknownOwner = errs.Class("unknown owner")
	// ErrCollectionNotFound is used when a collection does not exist.
	ErrCollectionNotFound = errs.Class("collection not found")
	// ErrObjectNotFound is used when an object resource does not exist.
	ErrObjectNotFound = errs.Class("object not found")
	// ErrQuotaExceeded is used when an operation would exceed the home quota.
	ErrQuotaExceeded = errs.Class("quota exceeded")
	// ErrTooManyResources is used when a collection has reached its resource limit.
	ErrTooManyResources = errs.Class("too many resources")
	// ErrInvalidSyncToken is used when a sync token cannot be parsed or does
	// not belong to the queried entity.
	ErrInvalidSyncToken = errs.Class("invalid sync token")
	// ErrShareNotAllowed is used when a sharing operation is not permitted.
	ErrShareNotAllowed = errs.Class("share not allowed")
	// ErrAllRetriesFailed is used when a subtransaction exhausts its retries.
	ErrAllRetriesFailed = errs.Class("all retries failed")
	// ErrCorruption is used when the database state violates an invariant
	// that this layer relies on.
	ErrCorruption = errs.Class("data corruption")
)

// BindMode is the access level granted by a bind row.
type BindMode int

// Valid bind modes. An owner's bind row always has BindModeOwn.
const (
	BindModeOwn   BindMode = 1
	BindModeRead  BindMode = 2
	BindModeWrite BindMode = 3
	// BindModeIndirect marks a collection bind that exists only because
	// one or more groups inside the collection are shared with the home.
	// It is never granted directly.
	BindModeIndirect BindMode = 4
)

// String returns the wire name of the bind mode.
func (mode BindMode) String() string {
	switch mode {
	case BindModeOwn:
		return "own"
	case BindModeRead:
		return "read-only"
	case BindModeWrite:
		return "read-write"
	case BindModeIndirect:
		return "indirect"
	default:
		return fmt.Sprintf("bindmode(%d)", int(mode))
	}
}

// BindStatus is the invitation lifecycle state of a bind row.
type BindStatus int

// Valid bind statuses. An owner's bind row always has BindStatusAccepted.
const (
	BindStatusInvited  BindStatus = 1
	BindStatusAccepted BindStatus = 2
	BindStatusDeclined BindStatus = 3
	BindStatusInvalid  BindStatus = 4
)

// String returns the wire name of the bind status.
func (status BindStatus) String() string {
	switch status {
	case BindStatusInvited:
		return "invited"
	case BindStatusAccepted:
		return "accepted"
	case BindStatusDeclined:
		return "declined"
	case BindStatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("bindstatus(%d)", int(status))
	}
}

// Kind distinguishes ordinary object resources from shareable groups.
type Kind int

const (
	// KindNormal is an ordinary object resource (event, contact).
	KindNormal Kind = 0
	// KindGroup is a contact group, which may carry its own bind rows and
	// versioned membership edges.
	KindGroup Kind = 1
)

// Depth selects how much detail a changes-since query reports.
type Depth int

const (
	// Depth1 coalesces resource-level changes into "the collection changed".
	Depth1 Depth = 1
	// DepthInfinity reports individual resource names.
	DepthInfinity Depth = -1
)

// SyncToken identifies a point in the revision log for one home or one
// collection. The zero token means "since the beginning". Its string form
// is opaque to callers.
type SyncToken struct {
	ResourceID int64
	Revision   int64
}

// String renders the token in its opaque wire form.
func (t SyncToken) String() string {
	return fmt.Sprintf("%d#%d", t.ResourceID, t.Revision)
}

// IsZero reports whether the token means "since the beginning".
func (t SyncToken) IsZero() bool { return t == SyncToken{} }

// ParseSyncToken parses the opaque wire form of a sync token. The empty
// string parses to the zero token.
func ParseSyncToken(s string) (SyncToken, error) {
	if s == "" {
		return SyncToken{}, nil
	}
	idpart, revpart, ok := strings.Cut(s, "#")
	if !ok {
		return SyncToken{}, ErrInvalidSyncToken.New("%q", s)
	}
	id, err := strconv.ParseInt(idpart, 10, 64)
	if err != nil {
		return SyncToken{}, ErrInvalidSyncToken.New("%q", s)
	}
	rev, err := strconv.ParseInt(revpart, 10, 64)
	if err != nil || id < 0 || rev < 0 {
		return SyncToken{}, ErrInvalidSyncToken.New("%q", s)
	}
	return SyncToken{ResourceID: id, Revision: rev}, nil
}

// ValidResourceName reports whether a name is acceptable for a collection
// or object resource.
func ValidResourceName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}
