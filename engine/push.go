package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/store"
)

// push sends every dirty item to the server with conditional requests.
// Items carrying a conflict marker stay put until resolved.
func (p *pass) push(ctx context.Context) error {
	dirty, err := p.e.store.ListDirtyItems(ctx, p.col.ID)
	if err != nil {
		return err
	}
	for _, it := range dirty {
		if err := ctx.Err(); err != nil {
			return err
		}
		if it.Conflict != store.NoConflict {
			p.report.conflict(it.UID)
			continue
		}
		if !p.col.CanWrite {
			p.report.itemError(it, "push", errReadOnly)
			continue
		}

		var err error
		switch {
		case it.Deleted():
			err = p.pushDelete(ctx, it)
		case it.Href == "":
			err = p.pushCreate(ctx, it)
		default:
			err = p.pushUpdate(ctx, it)
		}
		if err == nil {
			continue
		}
		// Store failures end the pass; protocol failures only the item.
		var de *davresult.Error
		if fatal(err) || !errors.As(err, &de) {
			return err
		}
		p.logger.Warn("push failed", slog.String("uid", it.UID), slog.String("error", err.Error()))
		p.report.itemError(it, "push", err)
	}
	return nil
}

var errReadOnly = errors.New("collection is read-only")

func (p *pass) pushDelete(ctx context.Context, it *store.Item) error {
	if it.Href != "" {
		res := p.dav.Delete(ctx, it.Href, it.ETag)
		if res.IsError() {
			err := res.Error()
			if davresult.KindOf(err) == davresult.KindPreconditionFailed {
				return p.setConflict(ctx, it, store.RemoteChanged)
			}
			if davresult.KindOf(err) != davresult.KindNotFound {
				return err
			}
		}
		p.report.Deleted++
	}
	return p.settleTombstone(ctx, it)
}

// settleTombstone drops a tombstone the server no longer needs. When the
// item is still mirrored, the mirror phase removes the native record and
// purges it.
func (p *pass) settleTombstone(ctx context.Context, it *store.Item) error {
	if it.NativeID != "" && p.mirrors() {
		it.Dirty = false
		it.Href = ""
		it.ETag = ""
		return p.e.store.SaveItem(ctx, it)
	}
	if err := p.e.store.PurgeItem(ctx, it.ID); err != nil {
		return err
	}
	p.report.Purged++
	return nil
}

func (p *pass) pushCreate(ctx context.Context, it *store.Item) error {
	res := p.dav.Create(ctx, it.UID, it.Body)
	if res.IsError() {
		err := res.Error()
		if davresult.KindOf(err) == davresult.KindAlreadyExists {
			it.Href = p.dav.HrefFor(it.UID)
			return p.setConflict(ctx, it, store.AlreadyExists)
		}
		return err
	}
	obj := res.MustGet()
	it.Href = obj.Href
	it.ETag = obj.ETag
	it.Dirty = false
	if err := p.e.store.SaveItem(ctx, it); err != nil {
		return err
	}
	p.report.Created++
	return nil
}

func (p *pass) pushUpdate(ctx context.Context, it *store.Item) error {
	res := p.dav.Update(ctx, it.Href, it.ETag, it.Body)
	if res.IsError() {
		err := res.Error()
		switch davresult.KindOf(err) {
		case davresult.KindPreconditionFailed:
			return p.setConflict(ctx, it, store.RemoteChanged)
		case davresult.KindNotFound:
			if p.e.policy == Recreate {
				it.Href = ""
				it.ETag = ""
				return p.e.store.SaveItem(ctx, it)
			}
			return p.setConflict(ctx, it, store.RemoteDeleted)
		}
		return err
	}
	obj := res.MustGet()
	it.ETag = obj.ETag
	it.Dirty = false
	if err := p.e.store.SaveItem(ctx, it); err != nil {
		return err
	}
	p.report.Updated++
	return nil
}
