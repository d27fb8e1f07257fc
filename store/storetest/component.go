// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package storetest

import "github.com/zeebo/errs"

// Component is a minimal store.Component for tests: the payload is taken
// at face value and only UID presence is validated.
type Component struct {
	ComponentUID string
	Payload      []byte
	Group        bool
}

// UID implements store.Component.
func (c Component) UID() string { return c.ComponentUID }

// Validate implements store.Component.
func (c Component) Validate() error {
	if c.ComponentUID == "" {
		return errs.New("component without uid")
	}
	return nil
}

// Data implements store.Component.
func (c Component) Data() []byte { return c.Payload }

// IsGroup implements store.GroupComponent.
func (c Component) IsGroup() bool { return c.Group }
