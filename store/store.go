// Package store defines the local durable record store: accounts, their
// collections and the items inside them, plus the pending-change and
// tombstone bookkeeping the reconciliation engine relies on.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a write would break a uniqueness rule:
// one item per UID per collection, one item per non-empty href.
var ErrDuplicate = errors.New("store: duplicate")

// Service names the protocol a collection speaks.
type Service string

const (
	CalDAV  Service = "caldav"
	CardDAV Service = "carddav"
)

// Account is one server login.
type Account struct {
	ID       int64
	Name     string
	Origin   string
	Username string

	CalendarBase string
	ContactsBase string
	PrincipalURL string
	CalendarHome string
	ContactsHome string
	DisplayName  string

	// EndpointsCheckedAt is zero until discovery has run once.
	EndpointsCheckedAt time.Time
}

// Base returns the discovered endpoint for svc.
func (a *Account) Base(svc Service) string {
	if svc == CardDAV {
		return a.ContactsBase
	}
	return a.CalendarBase
}

// Home returns the home-set URL for svc.
func (a *Account) Home(svc Service) string {
	if svc == CardDAV {
		return a.ContactsHome
	}
	return a.CalendarHome
}

// SetHome records the home-set URL for svc.
func (a *Account) SetHome(svc Service, url string) {
	if svc == CardDAV {
		a.ContactsHome = url
	} else {
		a.CalendarHome = url
	}
}

// Collection is a calendar or address book on the server.
type Collection struct {
	ID          int64
	AccountID   int64
	Service     Service
	URL         string
	DisplayName string
	Description string
	Color       string
	ChangeToken string
	CanWrite    bool
	CanDelete   bool

	// NativeID is empty until the collection has been mirrored once.
	NativeID      string
	SyncEnabled   bool
	MirrorEnabled bool
	// Unlisted is set when discovery disabled the collection because the
	// server stopped listing it. Relisting enables it again.
	Unlisted bool
	// NativeScannedAt is the time of the last reverse scan.
	NativeScannedAt time.Time
}

// Conflict marks an item whose pending change could not be applied.
type Conflict string

const (
	NoConflict    Conflict = ""
	RemoteChanged Conflict = "remote-changed"
	RemoteDeleted Conflict = "remote-deleted"
	AlreadyExists Conflict = "already-exists"
)

// Item is a single event or contact.
type Item struct {
	ID           int64
	CollectionID int64
	UID          string
	// Href is empty until the first successful create on the server.
	Href string
	ETag string
	Body []byte

	Dirty     bool
	DeletedAt *time.Time
	NativeID  string
	Conflict  Conflict
	UpdatedAt time.Time
}

// Deleted reports whether the item carries a tombstone.
func (i *Item) Deleted() bool { return i.DeletedAt != nil }

// Clone returns a deep copy.
func (i *Item) Clone() *Item {
	c := *i
	c.Body = append([]byte(nil), i.Body...)
	if i.DeletedAt != nil {
		t := *i.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Store is the persistence contract used by the engine. Every Save is
// atomic for the row it writes.
type Store interface {
	SaveAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetAccountByName(ctx context.Context, name string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)

	// SaveCollection inserts, or updates the row with the same account and
	// URL, and sets c.ID.
	SaveCollection(ctx context.Context, c *Collection) error
	GetCollection(ctx context.Context, id int64) (*Collection, error)
	ListCollections(ctx context.Context, accountID int64) ([]*Collection, error)
	FindCollectionByNativeID(ctx context.Context, nativeID string) (*Collection, error)

	// SaveItem inserts, or updates the row with the same collection and
	// UID, and sets it.ID.
	SaveItem(ctx context.Context, it *Item) error
	GetItem(ctx context.Context, id int64) (*Item, error)
	GetItemByUID(ctx context.Context, collectionID int64, uid string) (*Item, error)
	ListItems(ctx context.Context, collectionID int64) ([]*Item, error)
	ListDirtyItems(ctx context.Context, collectionID int64) ([]*Item, error)
	// ListConflicts returns items with a conflict marker; accountID 0
	// means every account.
	ListConflicts(ctx context.Context, accountID int64) ([]*Item, error)
	PurgeItem(ctx context.Context, id int64) error

	Close() error
}
