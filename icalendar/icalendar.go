// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

// Package icalendar adapts iCalendar data to the store's component
// contract. A calendar object resource is one VCALENDAR stream whose
// scheduling components all carry the same UID, per CalDAV.
package icalendar

import (
	"bytes"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/zeebo/errs"
)

// Error is the default error class of the icalendar package.
var Error = errs.Class("icalendar")

// Object is a parsed calendar object resource. It implements
// store.Component.
type Object struct {
	raw      []byte
	calendar *ical.Calendar
	uid      string
}

// Parse decodes an iCalendar stream into an Object.
func Parse(data []byte) (*Object, error) {
	calendar, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	object := &Object{raw: data, calendar: calendar}
	object.uid, err = singleUID(calendar)
	if err != nil {
		return nil, err
	}
	return object, nil
}

// FromCalendar wraps an in-memory calendar, serializing it once.
func FromCalendar(calendar *ical.Calendar) (*Object, error) {
	uid, err := singleUID(calendar)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(calendar); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Object{raw: buf.Bytes(), calendar: calendar, uid: uid}, nil
}

// UID returns the shared UID of the object's scheduling components.
func (object *Object) UID() string { return object.uid }

// Data returns the serialized iCalendar stream.
func (object *Object) Data() []byte { return object.raw }

// Calendar returns the decoded calendar.
func (object *Object) Calendar() *ical.Calendar { return object.calendar }

// Validate checks the CalDAV object resource constraints: at least one
// scheduling component, and a single UID across all of them.
func (object *Object) Validate() error {
	if object.uid == "" {
		return Error.New("calendar object without uid")
	}
	_, err := singleUID(object.calendar)
	return err
}

// ComponentType returns the name of the scheduling component the object
// holds, such as VEVENT or VTODO.
func (object *Object) ComponentType() string {
	for _, child := range object.calendar.Children {
		if isSchedulingComponent(child.Name) {
			return child.Name
		}
	}
	return ""
}

// singleUID extracts the UID shared by every scheduling component,
// rejecting streams that mix UIDs or carry none.
func singleUID(calendar *ical.Calendar) (string, error) {
	var uid string
	var found bool
	for _, child := range calendar.Children {
		if !isSchedulingComponent(child.Name) {
			continue
		}
		prop := child.Props.Get(ical.PropUID)
		if prop == nil || prop.Value == "" {
			return "", Error.New("component %s without uid", child.Name)
		}
		if found && prop.Value != uid {
			return "", Error.New("more than one uid in calendar object")
		}
		uid, found = prop.Value, true
	}
	if !found {
		return "", Error.New("no scheduling component in calendar object")
	}
	return uid, nil
}

func isSchedulingComponent(name string) bool {
	switch strings.ToUpper(name) {
	case ical.CompEvent, ical.CompToDo, ical.CompJournal, ical.CompFreeBusy:
		return true
	default:
		return false
	}
}
