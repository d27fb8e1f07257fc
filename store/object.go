// Copyright (C) 2026 The davstore Authors.
// See LICENSE for copying information.

package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/davstore/davstore/private/dbutil/pgutil"
)

// ObjectResource is a single named resource inside a collection. The
// payload is loaded lazily; metadata (uid, kind, md5, size, timestamps)
// is always available.
type ObjectResource struct {
	collection *Collection

	id       int64
	name     string
	uid      string
	kind     Kind
	md5      string
	size     int64
	created  time.Time
	modified time.Time

	payload       []byte
	payloadLoaded bool
}

// ID returns the opaque resource id of the object.
func (object *ObjectResource) ID() int64 { return object.id }

// Name returns the resource name of the object within its collection.
func (object *ObjectResource) Name() string { return object.name }

// UID returns the semantic UID carried by the object's component data.
func (object *ObjectResource) UID() string { return object.uid }

// Kind reports whether the object is a plain resource or a shareable group.
func (object *ObjectResource) Kind() Kind { return object.kind }

// MD5 returns the hex digest of the stored payload.
func (object *ObjectResource) MD5() string { return object.md5 }

// Size returns the payload size in bytes.
func (object *ObjectResource) Size() int64 { return object.size }

// Created returns the creation timestamp of the object.
func (object *ObjectResource) Created() time.Time { return object.created }

// Modified returns the last-modified timestamp of the object.
func (object *ObjectResource) Modified() time.Time { return object.modified }

// Collection returns the view of the collection the object was loaded
// through.
func (object *ObjectResource) Collection() *Collection { return object.collection }

// Data returns the raw payload, loading it on first use.
func (object *ObjectResource) Data(ctx context.Context) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	if object.payloadLoaded {
		return object.payload, nil
	}
	err = object.collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT payload FROM objects WHERE resource_id = $1
	`, object.id).Scan(&object.payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCorruption.New("object %d has no row", object.id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	object.payloadLoaded = true
	return object.payload, nil
}

const objectColumns = `resource_id, resource_name, uid, kind, md5, size, created, modified`

func scanObject(collection *Collection, scan func(...interface{}) error) (*ObjectResource, error) {
	object := &ObjectResource{collection: collection}
	err := scan(&object.id, &object.name, &object.uid, &object.kind,
		&object.md5, &object.size, &object.created, &object.modified)
	if err != nil {
		return nil, err
	}
	return object, nil
}

func (collection *Collection) rememberObject(object *ObjectResource) *ObjectResource {
	if collection.objects == nil {
		collection.objects = make(map[string]*ObjectResource)
	}
	collection.objects[object.name] = object
	return object
}

// ObjectResources returns every object visible through this view of the
// collection, ordered by name.
func (collection *Collection) ObjectResources(ctx context.Context) (_ []*ObjectResource, err error) {
	defer mon.Task()(&ctx)(&err)

	names, err := collection.ListObjectResourceNames(ctx)
	if err != nil {
		return nil, err
	}
	objects := make([]*ObjectResource, 0, len(names))
	for _, name := range names {
		object, err := collection.ObjectResourceWithName(ctx, name)
		if err != nil {
			return nil, err
		}
		objects = append(objects, object)
	}
	return objects, nil
}

// ObjectResourceWithName returns the object with the given resource name.
func (collection *Collection) ObjectResourceWithName(ctx context.Context, name string) (_ *ObjectResource, err error) {
	defer mon.Task()(&ctx)(&err)

	if object, ok := collection.objects[name]; ok {
		return object, nil
	}
	if err := collection.checkVisible(ctx, name); err != nil {
		return nil, err
	}
	object, err := scanObject(collection, collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT `+objectColumns+` FROM objects
		WHERE collection_resource_id = $1 AND resource_name = $2
	`, collection.id, name).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrObjectNotFound.New("%q", name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collection.rememberObject(object), nil
}

// ObjectResourceWithUID returns the object with the given UID.
func (collection *Collection) ObjectResourceWithUID(ctx context.Context, uid string) (_ *ObjectResource, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := scanObject(collection, collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT `+objectColumns+` FROM objects
		WHERE collection_resource_id = $1 AND uid = $2
	`, collection.id, uid).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrObjectNotFound.New("uid %q", uid)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := collection.checkVisible(ctx, object.name); err != nil {
		return nil, err
	}
	return collection.rememberObject(object), nil
}

// ObjectResourceWithID returns the object with the given resource id.
func (collection *Collection) ObjectResourceWithID(ctx context.Context, id int64) (_ *ObjectResource, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := scanObject(collection, collection.home.tx.tx.QueryRowContext(ctx, `
		SELECT `+objectColumns+` FROM objects
		WHERE collection_resource_id = $1 AND resource_id = $2
	`, collection.id, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrObjectNotFound.New("id %d", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := collection.checkVisible(ctx, object.name); err != nil {
		return nil, err
	}
	return collection.rememberObject(object), nil
}

// CreateObjectResourceWithName stores a new object under the given name.
// The component supplies the payload, its UID and its validation; quota
// and per-collection limits are enforced against the owner home.
func (collection *Collection) CreateObjectResourceWithName(ctx context.Context, name string, component Component) (_ *ObjectResource, err error) {
	defer mon.Task()(&ctx)(&err)

	if !collection.writeable() {
		return nil, ErrShareNotAllowed.New("collection %d is not writeable", collection.id)
	}
	if !ValidResourceName(name) {
		return nil, ErrNameNotAllowed.New("%q", name)
	}
	if err := component.Validate(); err != nil {
		return nil, ErrInvalidObjectData.Wrap(err)
	}

	switch _, err := collection.ObjectResourceWithName(ctx, name); {
	case err == nil:
		return nil, ErrNameConflict.New("%q", name)
	case !ErrObjectNotFound.Has(err):
		return nil, err
	}
	uid := component.UID()
	switch _, err := collection.ObjectResourceWithUID(ctx, uid); {
	case err == nil:
		return nil, ErrUIDConflict.New("%q", uid)
	case !ErrObjectNotFound.Has(err):
		return nil, err
	}

	if limit := collection.home.tx.db.config.MaxResourcesPerCollection; limit > 0 {
		count, err := collection.CountObjectResources(ctx)
		if err != nil {
			return nil, err
		}
		if count >= int64(limit) {
			return nil, ErrTooManyResources.New("collection %d holds %d resources", collection.id, count)
		}
	}

	data := component.Data()
	owner, err := collection.ownerView(ctx)
	if err != nil {
		return nil, err
	}
	if err := owner.home.CheckQuota(ctx, int64(len(data))); err != nil {
		return nil, err
	}

	digest := md5.Sum(data)
	object := &ObjectResource{
		collection:    collection,
		name:          name,
		uid:           uid,
		kind:          componentKind(component),
		md5:           hex.EncodeToString(digest[:]),
		size:          int64(len(data)),
		payload:       data,
		payloadLoaded: true,
	}
	err = collection.home.tx.tx.QueryRowContext(ctx, `
		INSERT INTO objects (collection_resource_id, resource_name, uid, kind, payload, md5, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING resource_id, created, modified
	`, collection.id, name, uid, object.kind, data, object.md5, object.size).Scan(
		&object.id, &object.created, &object.modified)
	if err != nil {
		if pgutil.IsUniqueViolation(err) {
			// A concurrent writer beat the pre-checks.
			return nil, ErrUIDConflict.Wrap(err)
		}
		return nil, Error.Wrap(err)
	}

	if err := collection.insertRevision(ctx, name); err != nil {
		return nil, err
	}
	owner.home.adjustQuota(ctx, object.size)
	collection.bumpModified(ctx)
	collection.home.notifyChanged()
	return collection.rememberObject(object), nil
}

// Update replaces the object's payload with new component data. The UID
// of a stored object is immutable.
func (object *ObjectResource) Update(ctx context.Context, component Component) (err error) {
	defer mon.Task()(&ctx)(&err)

	collection := object.collection
	if ok, err := collection.objectWriteable(ctx, object.name); err != nil {
		return err
	} else if !ok {
		return ErrShareNotAllowed.New("object %q is not writeable", object.name)
	}
	if err := component.Validate(); err != nil {
		return ErrInvalidObjectData.Wrap(err)
	}
	if uid := component.UID(); uid != object.uid {
		return ErrUIDConflict.New("uid %q does not match stored %q", uid, object.uid)
	}

	data := component.Data()
	delta := int64(len(data)) - object.size
	owner, err := collection.ownerView(ctx)
	if err != nil {
		return err
	}
	if delta > 0 {
		if err := owner.home.CheckQuota(ctx, delta); err != nil {
			return err
		}
	}

	digest := md5.Sum(data)
	newMD5 := hex.EncodeToString(digest[:])
	err = collection.home.tx.tx.QueryRowContext(ctx, `
		UPDATE objects SET payload = $2, md5 = $3, size = $4, modified = now()
		WHERE resource_id = $1
		RETURNING modified
	`, object.id, data, newMD5, int64(len(data))).Scan(&object.modified)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCorruption.New("object %d has no row", object.id)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	object.payload = data
	object.payloadLoaded = true
	object.md5 = newMD5
	object.size = int64(len(data))

	if err := collection.updateRevision(ctx, object.name); err != nil {
		return err
	}
	if delta != 0 {
		owner.home.adjustQuota(ctx, delta)
	}
	collection.bumpModified(ctx)
	collection.home.notifyChanged()
	return nil
}

// Remove deletes the object and tombstones its name in the revision log.
func (object *ObjectResource) Remove(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	collection := object.collection
	if ok, err := collection.objectWriteable(ctx, object.name); err != nil {
		return err
	} else if !ok {
		return ErrShareNotAllowed.New("object %q is not writeable", object.name)
	}

	if object.kind == KindGroup {
		if err := object.removeGroupState(ctx); err != nil {
			return err
		}
	}

	if err := collection.deleteRevision(ctx, object.name); err != nil {
		return err
	}
	if _, err := collection.home.tx.tx.ExecContext(ctx,
		`DELETE FROM objects WHERE resource_id = $1`, object.id); err != nil {
		return Error.Wrap(err)
	}

	owner, err := collection.ownerView(ctx)
	if err != nil {
		return err
	}
	owner.home.adjustQuota(ctx, -object.size)
	delete(collection.objects, object.name)
	collection.bumpModified(ctx)
	collection.home.notifyChanged()
	return nil
}

// MoveTo relocates the object into another collection, optionally under a
// new name. Source gets a deletion in its revision log, destination an
// insertion, and quota moves between the owner homes when they differ.
func (object *ObjectResource) MoveTo(ctx context.Context, dest *Collection, newName string) (err error) {
	defer mon.Task()(&ctx)(&err)

	source := object.collection
	if !source.writeable() || !dest.writeable() {
		return ErrShareNotAllowed.New("both collections must be writeable")
	}
	if newName == "" {
		newName = object.name
	}
	if !ValidResourceName(newName) {
		return ErrNameNotAllowed.New("%q", newName)
	}
	if source.id == dest.id && newName == object.name {
		return nil
	}

	switch _, err := dest.ObjectResourceWithName(ctx, newName); {
	case err == nil:
		return ErrNameConflict.New("%q", newName)
	case !ErrObjectNotFound.Has(err):
		return err
	}
	if source.id != dest.id {
		switch _, err := dest.ObjectResourceWithUID(ctx, object.uid); {
		case err == nil:
			return ErrUIDConflict.New("%q", object.uid)
		case !ErrObjectNotFound.Has(err):
			return err
		}
	}

	if err := source.deleteRevision(ctx, object.name); err != nil {
		return err
	}
	oldName := object.name
	_, err = source.home.tx.tx.ExecContext(ctx, `
		UPDATE objects SET collection_resource_id = $2, resource_name = $3, modified = now()
		WHERE resource_id = $1
	`, object.id, dest.id, newName)
	if err != nil {
		return Error.Wrap(err)
	}
	object.name = newName
	object.collection = dest
	if err := dest.insertRevision(ctx, newName); err != nil {
		return err
	}

	if source.id != dest.id {
		sourceOwner, err := source.ownerView(ctx)
		if err != nil {
			return err
		}
		destOwner, err := dest.ownerView(ctx)
		if err != nil {
			return err
		}
		if sourceOwner.home.id != destOwner.home.id {
			if err := destOwner.home.CheckQuota(ctx, object.size); err != nil {
				return err
			}
			sourceOwner.home.adjustQuota(ctx, -object.size)
			destOwner.home.adjustQuota(ctx, object.size)
		}
	}

	delete(source.objects, oldName)
	dest.rememberObject(object)
	source.bumpModified(ctx)
	dest.bumpModified(ctx)
	source.home.notifyChanged()
	if dest.home != source.home {
		dest.home.notifyChanged()
	}
	return nil
}

// checkVisible rejects access to objects hidden from a group-limited
// sharee view. Owned and fully shared views see everything.
func (collection *Collection) checkVisible(ctx context.Context, name string) error {
	restricted, names, err := collection.visibleNamesIfGroupLimited(ctx)
	if err != nil {
		return err
	}
	if !restricted {
		return nil
	}
	for _, visible := range names {
		if visible == name {
			return nil
		}
	}
	return ErrObjectNotFound.New("%q", name)
}

func componentKind(component Component) Kind {
	if grouper, ok := component.(GroupComponent); ok && grouper.IsGroup() {
		return KindGroup
	}
	return KindNormal
}
