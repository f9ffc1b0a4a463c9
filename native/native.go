// Package native is the boundary between the sync engine and a device
// store that other applications read and write (a platform calendar
// database, a vdir tree, ...).
//
// Every write made through an Adapter is a synchronization-authority write:
// it must not set the record's dirty flag, so the device never mistakes a
// mirrored change for a user edit.
package native

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a collection or record does not exist.
var ErrNotFound = errors.New("native: not found")

// Record is a native-store entry.
type Record struct {
	ID  string
	UID string
	// Body is the raw iCalendar or vCard text.
	Body []byte
	// Dirty is set by the device when a user edits the record. Adapters
	// without a dirty concept always report false.
	Dirty bool
	// Deleted marks a record the device retains after a user deletion.
	Deleted  bool
	Modified time.Time
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// CollectionSpec describes the native counterpart of a store collection.
type CollectionSpec struct {
	// ID is the previously assigned native id, empty on first mirror.
	ID          string
	Service     string
	DisplayName string
	Color       string
}

// Adapter is the engine's view of the device store.
type Adapter interface {
	// EnsureCollection returns the native id for spec: the collection with
	// spec.ID, else an existing one with the same display name and service,
	// else a new one.
	EnsureCollection(ctx context.Context, spec CollectionSpec) (string, error)
	Get(ctx context.Context, collectionID, id string) (*Record, error)
	FindByUID(ctx context.Context, collectionID, uid string) (*Record, error)
	// List returns every live record of a collection.
	List(ctx context.Context, collectionID string) ([]*Record, error)
	// ListChangedSince returns records modified after since, including
	// retained deletion markers. A zero since lists everything.
	ListChangedSince(ctx context.Context, collectionID string, since time.Time) ([]*Record, error)
	// Upsert writes rec and returns its id. An empty rec.ID creates a record.
	Upsert(ctx context.Context, collectionID string, rec *Record) (string, error)
	// Delete removes a record; deleting a missing record succeeds.
	Delete(ctx context.Context, collectionID, id string) error
	// ClearDirty acknowledges a user edit once it has been taken into the
	// local store. Retained deletion markers are purged.
	ClearDirty(ctx context.Context, collectionID, id string) error
	SupportsDirty() bool
}
