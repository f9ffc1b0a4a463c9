package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/cyp0633/davsync/internal/record"
	"github.com/cyp0633/davsync/native"
	"github.com/cyp0633/davsync/store"
)

// heuristicWindow is how far apart two event starts may be and still count
// as the same event when matching records that carry no usable UID.
const heuristicWindow = time.Minute

// mirror writes the store's view of the collection into the native store.
// Every write is made under the self-write marker so the change feed it
// triggers is not taken for a user edit.
func (p *pass) mirror(ctx context.Context) error {
	end := p.e.selfWrite.Begin()
	defer end()

	nat := p.e.native
	id, err := nat.EnsureCollection(ctx, native.CollectionSpec{
		ID:          p.col.NativeID,
		Service:     string(p.col.Service),
		DisplayName: p.col.DisplayName,
		Color:       p.col.Color,
	})
	if err != nil {
		return err
	}
	if id != p.col.NativeID {
		p.col.NativeID = id
		if err := p.e.store.SaveCollection(ctx, p.col); err != nil {
			return err
		}
	}

	items, err := p.e.store.ListItems(ctx, p.col.ID)
	if err != nil {
		return err
	}
	recs, err := nat.List(ctx, id)
	if err != nil {
		return err
	}
	m := &matcher{
		format:  record.FormatFor(string(p.col.Service)),
		recs:    recs,
		claimed: make(map[string]bool),
		known:   make(map[string]bool),
		fold:    cases.Fold(),
	}
	for _, it := range items {
		if it.NativeID != "" {
			m.claimed[it.NativeID] = true
		}
		m.known[it.UID] = true
	}

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if it.Deleted() {
			err = p.mirrorTombstone(ctx, it)
		} else {
			err = p.mirrorItem(ctx, m, it)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("mirror failed", slog.String("uid", it.UID), slog.String("error", err.Error()))
		p.report.itemError(it, "mirror", err)
	}
	return nil
}

func (p *pass) mirrorTombstone(ctx context.Context, it *store.Item) error {
	if it.NativeID != "" {
		if err := p.e.native.Delete(ctx, p.col.NativeID, it.NativeID); err != nil {
			return err
		}
		p.report.NativeDeleted++
	}
	if it.Dirty {
		// Still waiting for the server delete.
		if it.NativeID == "" {
			return nil
		}
		it.NativeID = ""
		return p.e.store.SaveItem(ctx, it)
	}
	if err := p.e.store.PurgeItem(ctx, it.ID); err != nil {
		return err
	}
	p.report.Purged++
	return nil
}

func (p *pass) mirrorItem(ctx context.Context, m *matcher, it *store.Item) error {
	rec, gone, err := p.match(ctx, m, it)
	if err != nil {
		return err
	}
	if gone {
		// Deleted on the device after the reverse scan; the next scan
		// turns it into a tombstone.
		return nil
	}
	if rec != nil {
		m.claimed[rec.ID] = true
		if rec.Dirty {
			return nil
		}
		if record.Equal(rec.Body, it.Body) {
			if it.NativeID == rec.ID {
				return nil
			}
			it.NativeID = rec.ID
			return p.e.store.SaveItem(ctx, it)
		}
	}

	out := &native.Record{UID: it.UID, Body: it.Body}
	if rec != nil {
		out.ID = rec.ID
	}
	id, err := p.e.native.Upsert(ctx, p.col.NativeID, out)
	if err != nil {
		return err
	}
	m.claimed[id] = true
	p.report.Mirrored++
	if it.NativeID != id {
		it.NativeID = id
		return p.e.store.SaveItem(ctx, it)
	}
	return nil
}

// match finds the native counterpart of it. gone is set when the item was
// mirrored before and its record no longer exists.
func (p *pass) match(ctx context.Context, m *matcher, it *store.Item) (rec *native.Record, gone bool, err error) {
	nat := p.e.native
	if it.NativeID != "" {
		rec, err := nat.Get(ctx, p.col.NativeID, it.NativeID)
		if err == nil {
			return rec, false, nil
		}
		if errors.Is(err, native.ErrNotFound) {
			return nil, true, nil
		}
		return nil, false, err
	}

	rec, err = nat.FindByUID(ctx, p.col.NativeID, it.UID)
	switch {
	case err == nil && !m.claimed[rec.ID]:
		return rec, false, nil
	case err != nil && !errors.Is(err, native.ErrNotFound):
		return nil, false, err
	}
	return m.heuristic(it), false, nil
}

// matcher pairs store items with native records that lost or never had a
// UID, typically ones created by an app that does not keep it.
type matcher struct {
	format  record.Format
	recs    []*native.Record
	claimed map[string]bool
	known   map[string]bool
	fold    cases.Caser
}

// heuristic matches on title, and for events on start time, among
// unclaimed records whose UID the store does not know. It is a best-effort
// fallback only: a match is taken only when it is unique, and a UID match
// always wins over it.
func (m *matcher) heuristic(it *store.Item) *native.Record {
	want, err := record.Inspect(m.format, it.Body)
	if err != nil || want.Title == "" {
		return nil
	}
	title := m.key(want.Title)

	var found *native.Record
	for _, rec := range m.recs {
		if m.claimed[rec.ID] || (rec.UID != "" && m.known[rec.UID]) {
			continue
		}
		got, err := record.Inspect(m.format, rec.Body)
		if err != nil || m.key(got.Title) != title {
			continue
		}
		if m.format == record.ICalendar && !near(want.Start, got.Start) {
			continue
		}
		if found != nil {
			return nil
		}
		found = rec
	}
	return found
}

func (m *matcher) key(s string) string {
	return m.fold.String(norm.NFC.String(s))
}

func near(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() && b.IsZero()
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= heuristicWindow
}
