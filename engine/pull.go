package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/samber/mo"

	"github.com/cyp0633/davsync/davclient"
	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/record"
	"github.com/cyp0633/davsync/store"
)

var errMissingResponse = errors.New("no response for href in multiget")

// index is the local view of a collection used to diff against the server.
type index struct {
	byHref map[string]*store.Item
	byUID  map[string]*store.Item
}

func newIndex(items []*store.Item) *index {
	idx := &index{byHref: make(map[string]*store.Item), byUID: make(map[string]*store.Item)}
	for _, it := range items {
		idx.add(it)
	}
	return idx
}

func (idx *index) add(it *store.Item) {
	if it.Href != "" {
		idx.byHref[it.Href] = it
	}
	idx.byUID[it.UID] = it
}

func (idx *index) href(h string) mo.Option[*store.Item] {
	if it, ok := idx.byHref[h]; ok {
		return mo.Some(it)
	}
	return mo.None[*store.Item]()
}

func (idx *index) uid(u string) mo.Option[*store.Item] {
	if it, ok := idx.byUID[u]; ok {
		return mo.Some(it)
	}
	return mo.None[*store.Item]()
}

// pull compares change tokens and, when they differ, applies the remote
// listing to the store.
func (p *pass) pull(ctx context.Context) error {
	tokenRes := p.dav.ChangeToken(ctx)
	if tokenRes.IsError() {
		return tokenRes.Error()
	}
	token := tokenRes.MustGet()
	if token != "" && token == p.col.ChangeToken {
		p.report.ShortCircuit = true
		p.logger.Debug("change token unchanged", slog.String("token", token))
		return nil
	}

	p.enter(PullApply)
	listing := p.dav.ListETags(ctx)
	if listing.IsError() {
		return listing.Error()
	}
	remote := listing.MustGet()

	items, err := p.e.store.ListItems(ctx, p.col.ID)
	if err != nil {
		return err
	}
	idx := newIndex(items)

	complete := true
	var fetch []string
	for href, etag := range remote {
		local, ok := idx.href(href).Get()
		switch {
		case !ok:
			fetch = append(fetch, href)
		case local.Deleted():
			// Tombstones are never revived by a pull.
		case local.ETag == etag:
		case local.Dirty:
			if err := p.markRemoteChanged(ctx, local); err != nil {
				return err
			}
		default:
			fetch = append(fetch, href)
		}
	}

	for _, it := range items {
		if it.Href == "" || it.Deleted() {
			continue
		}
		if _, ok := remote[it.Href]; ok {
			continue
		}
		if err := p.remoteGone(ctx, it); err != nil {
			return err
		}
	}

	for start := 0; start < len(fetch); start += p.e.pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+p.e.pageSize, len(fetch))
		chunk := fetch[start:end]

		res := p.dav.Multiget(ctx, chunk)
		if res.IsError() {
			if fatal(res.Error()) {
				return res.Error()
			}
			complete = false
			p.logger.Warn("batch fetch failed", slog.Int("hrefs", len(chunk)), slog.String("error", res.Error().Error()))
			for _, h := range chunk {
				p.report.Errors = append(p.report.Errors, ItemError{Href: h, Op: "fetch", Err: res.Error()})
			}
			continue
		}
		pending := make(map[string]bool, len(chunk))
		for _, h := range chunk {
			pending[h] = true
		}
		for _, obj := range res.MustGet() {
			if err := ctx.Err(); err != nil {
				return err
			}
			delete(pending, obj.Href)
			ok, err := p.apply(ctx, idx, obj)
			if err != nil {
				return err
			}
			if !ok {
				complete = false
			}
		}
		// Hrefs the server left out of the multistatus are fetched again
		// next pass.
		for _, h := range chunk {
			if !pending[h] {
				continue
			}
			complete = false
			p.report.Errors = append(p.report.Errors, ItemError{Href: h, Op: "fetch", Err: errMissingResponse})
		}
	}

	if !complete {
		p.logger.Warn("pull incomplete, change token not saved")
		return nil
	}
	if token != p.col.ChangeToken {
		p.col.ChangeToken = token
		if err := p.e.store.SaveCollection(ctx, p.col); err != nil {
			return err
		}
	}
	return nil
}

// apply upserts one fetched object. It returns false when the object could
// not be taken and should be fetched again next pass.
func (p *pass) apply(ctx context.Context, idx *index, obj davclient.Object) (bool, error) {
	if !obj.OK() {
		p.report.Errors = append(p.report.Errors, ItemError{
			Href: obj.Href, Op: "fetch", Err: davresult.FromStatus("REPORT "+obj.Href, obj.Status),
		})
		return false, nil
	}
	p.report.Fetched++

	meta, err := record.Inspect(record.FormatFor(string(p.col.Service)), obj.Body)
	if err != nil {
		p.report.Skipped++
		p.logger.Warn("skipping malformed resource", slog.String("href", obj.Href), slog.String("error", err.Error()))
		return true, nil
	}
	uid := meta.UID
	if uid == "" {
		uid = strings.TrimSuffix(path.Base(obj.Href), path.Ext(obj.Href))
	}

	it, found := idx.href(obj.Href).Get()
	if !found {
		it, found = idx.uid(uid).Get()
	}
	if found {
		switch {
		case it.Deleted():
			return true, nil
		case it.Href != "" && it.Href != obj.Href:
			p.report.Errors = append(p.report.Errors, ItemError{
				UID: uid, Href: obj.Href, Op: "fetch",
				Err: fmt.Errorf("uid already stored at %s", it.Href),
			})
			return true, nil
		case it.Dirty:
			// A local create raced a remote one with the same UID.
			conflict := store.RemoteChanged
			if it.Href == "" {
				conflict = store.AlreadyExists
				it.Href = obj.Href
			}
			it.ETag = obj.ETag
			if err := p.setConflict(ctx, it, conflict); err != nil {
				return false, err
			}
			return true, nil
		}
	} else {
		it = &store.Item{CollectionID: p.col.ID, UID: uid}
	}

	it.Href = obj.Href
	it.ETag = obj.ETag
	it.Body = obj.Body
	it.Dirty = false
	it.Conflict = store.NoConflict
	if err := p.e.store.SaveItem(ctx, it); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			p.report.itemError(it, "fetch", err)
			return true, nil
		}
		return false, err
	}
	idx.add(it)
	p.report.Upserted++
	return true, nil
}

// remoteGone handles a known href that is no longer listed by the server.
// A clean item becomes a tombstone when the mirror still has to remove its
// native record, and is purged otherwise.
func (p *pass) remoteGone(ctx context.Context, it *store.Item) error {
	if !it.Dirty && (it.NativeID == "" || !p.mirrors()) {
		if err := p.e.store.PurgeItem(ctx, it.ID); err != nil {
			return err
		}
		p.report.Tombstoned++
		return nil
	}
	if !it.Dirty {
		now := p.e.now()
		it.DeletedAt = &now
		it.Conflict = store.NoConflict
		if err := p.e.store.SaveItem(ctx, it); err != nil {
			return err
		}
		p.report.Tombstoned++
		return nil
	}

	if p.e.policy == Recreate {
		p.logger.Info("remote copy deleted, recreating local edit", slog.String("uid", it.UID))
		it.Href = ""
		it.ETag = ""
		it.Conflict = store.NoConflict
		return p.e.store.SaveItem(ctx, it)
	}
	return p.setConflict(ctx, it, store.RemoteDeleted)
}

func (p *pass) markRemoteChanged(ctx context.Context, it *store.Item) error {
	if it.Conflict == store.RemoteChanged {
		p.report.conflict(it.UID)
		return nil
	}
	return p.setConflict(ctx, it, store.RemoteChanged)
}

func (p *pass) setConflict(ctx context.Context, it *store.Item, c store.Conflict) error {
	p.logger.Warn("conflict", slog.String("uid", it.UID), slog.String("conflict", string(c)))
	it.Conflict = c
	p.report.conflict(it.UID)
	return p.e.store.SaveItem(ctx, it)
}
