package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cyp0633/davsync/davclient"
	"github.com/cyp0633/davsync/guard"
	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/record"
	"github.com/cyp0633/davsync/store"
)

// Resolution picks the side that wins a conflict.
type Resolution int

const (
	// KeepLocal keeps the local edit; the next push overwrites the server.
	KeepLocal Resolution = iota
	// KeepRemote drops the local edit in favor of the server copy.
	KeepRemote
)

// ParseResolution maps "local" and "remote".
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "local":
		return KeepLocal, nil
	case "remote":
		return KeepRemote, nil
	}
	return 0, fmt.Errorf("engine: unknown resolution %q", s)
}

// locked runs fn on the collection while its scope is held.
func (e *Engine) locked(ctx context.Context, collectionID int64, fn func(col *store.Collection) error) error {
	col, err := e.store.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	release, err := e.lock.Acquire(ctx, guard.Scope{AccountID: col.AccountID, CollectionID: col.ID})
	if err != nil {
		return err
	}
	defer release()
	return fn(col)
}

// EditItem records a user edit. A body without a UID is given one. The item
// is pushed on the next pass.
func (e *Engine) EditItem(ctx context.Context, collectionID int64, body []byte) (*store.Item, error) {
	var out *store.Item
	err := e.locked(ctx, collectionID, func(col *store.Collection) error {
		format := record.FormatFor(string(col.Service))
		meta, err := record.Inspect(format, body)
		if err != nil {
			return err
		}
		if meta.UID == "" {
			meta.UID = uuid.NewString()
			if body, err = record.SetUID(format, body, meta.UID); err != nil {
				return err
			}
		}

		it, err := e.store.GetItemByUID(ctx, col.ID, meta.UID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			it = &store.Item{CollectionID: col.ID, UID: meta.UID}
		case err != nil:
			return err
		}
		it.Body = body
		it.Dirty = true
		it.DeletedAt = nil
		if err := e.store.SaveItem(ctx, it); err != nil {
			return err
		}
		out = it
		return nil
	})
	return out, err
}

// DeleteItem records a user deletion as a dirty tombstone. An item never
// pushed nor mirrored is purged right away.
func (e *Engine) DeleteItem(ctx context.Context, collectionID int64, uid string) error {
	return e.locked(ctx, collectionID, func(col *store.Collection) error {
		it, err := e.store.GetItemByUID(ctx, col.ID, uid)
		if err != nil {
			return err
		}
		if it.Deleted() {
			return nil
		}
		if it.Href == "" && it.NativeID == "" {
			return e.store.PurgeItem(ctx, it.ID)
		}
		now := e.now()
		it.DeletedAt = &now
		it.Dirty = true
		return e.store.SaveItem(ctx, it)
	})
}

// Conflicts lists items carrying a conflict marker. A zero accountID lists
// every account.
func (e *Engine) Conflicts(ctx context.Context, accountID int64) ([]*store.Item, error) {
	return e.store.ListConflicts(ctx, accountID)
}

// ResolveConflict clears the conflict marker of an item. KeepLocal refreshes
// the remote ETag so the next push overwrites the server copy, or recreates
// it when it was deleted. KeepRemote replaces the local edit with the
// server copy.
func (e *Engine) ResolveConflict(ctx context.Context, itemID int64, r Resolution) error {
	it, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if it.Conflict == store.NoConflict {
		return nil
	}
	return e.locked(ctx, it.CollectionID, func(col *store.Collection) error {
		// Reload under the lock.
		it, err := e.store.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		a, err := e.store.GetAccount(ctx, col.AccountID)
		if err != nil {
			return err
		}

		var remote *davclient.Object
		if it.Href != "" && it.Conflict != store.RemoteDeleted {
			hc, err := e.clients(ctx, a)
			if err != nil {
				return err
			}
			dav, err := davclient.NewDAVClient(hc, davclient.Service(col.Service), col.URL)
			if err != nil {
				return err
			}
			res := dav.Get(ctx, it.Href, "")
			switch {
			case res.IsOk():
				obj := res.MustGet()
				remote = &obj
			case davresult.KindOf(res.Error()) != davresult.KindNotFound:
				return res.Error()
			}
		}

		logger := e.logger.With(slog.String("uid", it.UID), slog.String("conflict", string(it.Conflict)))
		it.Conflict = store.NoConflict
		switch r {
		case KeepLocal:
			if remote == nil {
				it.Href = ""
				it.ETag = ""
			} else {
				it.ETag = remote.ETag
			}
			it.Dirty = true
			logger.Info("conflict resolved, keeping local")
		case KeepRemote:
			if remote == nil && it.NativeID == "" {
				logger.Info("conflict resolved, dropping item deleted on server")
				return e.store.PurgeItem(ctx, it.ID)
			}
			if remote == nil {
				now := e.now()
				it.DeletedAt = &now
				it.Href = ""
				it.ETag = ""
				it.Dirty = false
			} else {
				it.Body = remote.Body
				it.ETag = remote.ETag
				it.DeletedAt = nil
				it.Dirty = false
			}
			logger.Info("conflict resolved, keeping remote")
		default:
			return fmt.Errorf("engine: unknown resolution %d", r)
		}
		return e.store.SaveItem(ctx, it)
	})
}
