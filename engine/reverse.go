package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cyp0633/davsync/guard"
	"github.com/cyp0633/davsync/internal/record"
	"github.com/cyp0633/davsync/native"
	"github.com/cyp0633/davsync/store"
)

// ReverseSync takes the native changes of a debounced batch into the store
// as pending local edits. It never talks to the server; the next pass pushes
// what it recorded.
func (e *Engine) ReverseSync(ctx context.Context, batch guard.Batch) error {
	if e.native == nil {
		return nil
	}
	var errs []error
	for _, nativeID := range batch.Collections() {
		col, err := e.store.FindCollectionByNativeID(ctx, nativeID)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Debug("change for unmirrored collection", slog.String("native_id", nativeID))
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !col.MirrorEnabled {
			continue
		}

		scope := guard.Scope{AccountID: col.AccountID, CollectionID: col.ID}
		_, _, err = e.lock.Run(ctx, scope, guard.Block, func(ctx context.Context) (any, error) {
			// Reload under the lock; a pass may have changed it meanwhile.
			col, err := e.store.GetCollection(ctx, col.ID)
			if err != nil {
				return nil, err
			}
			rep := &Report{AccountID: col.AccountID, CollectionID: col.ID, started: e.now()}
			if err := e.reverse(ctx, col, rep); err != nil {
				return rep, err
			}
			e.logger.Info("native changes taken",
				slog.Int64("collection", col.ID),
				slog.Int("imported", rep.Imported),
				slog.Int("removed", rep.NativeRemoved),
			)
			return rep, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reverse sync of collection %d: %w", col.ID, err))
		}
	}
	return errors.Join(errs...)
}

// reverse scans the native collection of col. Edits become dirty items and
// records missing from the id set become dirty tombstones.
func (e *Engine) reverse(ctx context.Context, col *store.Collection, rep *Report) error {
	nat := e.native
	scanStart := e.now()

	current, err := nat.List(ctx, col.NativeID)
	if errors.Is(err, native.ErrNotFound) {
		e.logger.Warn("native collection missing", slog.String("native_id", col.NativeID))
		return nil
	}
	if err != nil {
		return err
	}

	var changed []*native.Record
	if nat.SupportsDirty() {
		all, err := nat.ListChangedSince(ctx, col.NativeID, time.Time{})
		if err != nil {
			return err
		}
		for _, r := range all {
			if r.Dirty {
				changed = append(changed, r)
			}
		}
	} else {
		changed, err = nat.ListChangedSince(ctx, col.NativeID, col.NativeScannedAt)
		if err != nil {
			return err
		}
	}

	items, err := e.store.ListItems(ctx, col.ID)
	if err != nil {
		return err
	}
	byNative := make(map[string]*store.Item)
	byUID := make(map[string]*store.Item)
	for _, it := range items {
		if it.NativeID != "" {
			byNative[it.NativeID] = it
		}
		byUID[it.UID] = it
	}

	format := record.FormatFor(string(col.Service))
	for _, rec := range changed {
		if err := ctx.Err(); err != nil {
			return err
		}
		it := byNative[rec.ID]
		if it == nil && rec.UID != "" {
			it = byUID[rec.UID]
		}

		if rec.Deleted {
			if it != nil && !it.Deleted() {
				if err := e.removeNative(ctx, it, rep); err != nil {
					return err
				}
			}
			if err := e.clearDirty(ctx, col.NativeID, rec.ID); err != nil {
				return err
			}
			continue
		}

		imported, err := e.importNative(ctx, col, format, it, rec)
		if err != nil {
			var ie ItemError
			if errors.As(err, &ie) {
				rep.Errors = append(rep.Errors, ie)
				continue
			}
			return err
		}
		if imported != nil {
			byNative[rec.ID] = imported
			byUID[imported.UID] = imported
			rep.Imported++
		}
		if err := e.clearDirty(ctx, col.NativeID, rec.ID); err != nil {
			return err
		}
	}

	present := make(map[string]bool, len(current))
	for _, r := range current {
		present[r.ID] = true
	}
	for _, it := range byNative {
		if it.Deleted() || present[it.NativeID] || it.NativeID == "" {
			continue
		}
		if err := e.removeNative(ctx, it, rep); err != nil {
			return err
		}
	}

	col.NativeScannedAt = scanStart
	return e.store.SaveCollection(ctx, col)
}

// importNative stores a native record as a dirty item. It returns nil when
// the store already holds the same body.
func (e *Engine) importNative(ctx context.Context, col *store.Collection, format record.Format, it *store.Item, rec *native.Record) (*store.Item, error) {
	body := rec.Body
	uid := rec.UID
	if uid == "" {
		// Apps that drop the UID still need one on the server.
		if it != nil {
			uid = it.UID
		} else {
			uid = uuid.NewString()
		}
		stamped, err := record.SetUID(format, body, uid)
		if err != nil {
			return nil, ItemError{UID: uid, Op: "import", Err: err}
		}
		body = stamped
	} else if _, err := record.Inspect(format, body); err != nil {
		return nil, ItemError{UID: uid, Op: "import", Err: err}
	}

	if it != nil && !it.Deleted() && record.Equal(it.Body, body) {
		if it.NativeID != rec.ID {
			it.NativeID = rec.ID
			if err := e.store.SaveItem(ctx, it); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	if it == nil {
		it = &store.Item{CollectionID: col.ID, UID: uid}
	}
	it.Body = body
	it.Dirty = true
	it.NativeID = rec.ID
	it.DeletedAt = nil
	if err := e.store.SaveItem(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

// removeNative turns a device deletion into a pending tombstone.
func (e *Engine) removeNative(ctx context.Context, it *store.Item, rep *Report) error {
	now := e.now()
	it.DeletedAt = &now
	it.NativeID = ""
	if it.Conflict == store.RemoteDeleted {
		// Gone on both sides.
		it.Conflict = store.NoConflict
		it.Dirty = false
	} else {
		it.Dirty = true
	}
	if err := e.store.SaveItem(ctx, it); err != nil {
		return err
	}
	rep.NativeRemoved++
	return nil
}

func (e *Engine) clearDirty(ctx context.Context, collectionID, id string) error {
	if !e.native.SupportsDirty() {
		return nil
	}
	end := e.selfWrite.Begin()
	defer end()
	return e.native.ClearDirty(ctx, collectionID, id)
}
