// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import "context"

// Component is the content-model contract consumed by object resource
// creation. The store does not interpret payloads beyond this interface;
// parsing and validation rules live with the caller (see the icalendar
// package for the calendar implementation).
type Component interface {
	// UID returns the stable identity of the component.
	UID() string
	// Validate reports whether the component is well formed.
	Validate() error
	// Data returns the serialized payload to persist.
	Data() []byte
}

// GroupComponent is implemented by components that model a shareable
// group of other resources. Group objects can be shared on their own and
// carry a membership edge log (see SetGroupMembers).
type GroupComponent interface {
	Component
	IsGroup() bool
}

// Notifier delivers a change notification for one home. Notify is only
// ever scheduled to run after the mutating transaction has committed.
type Notifier interface {
	Notify(ctx context.Context)
}

// NotifierFactory constructs notifiers per owner.
type NotifierFactory interface {
	NewNotifier(ownerUID string) Notifier
}

// Directory resolves owner UIDs to directory records. The store only
// needs existence checks before provisioning a home.
type Directory interface {
	RecordExists(ctx context.Context, ownerUID string) (bool, error)
}
