package guard

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Change is one native-store notification. RecordID is empty when the
// platform only reports that something in the collection changed.
type Change struct {
	CollectionID string
	RecordID     string
}

// Batch is the collapsed set of changes from one quiet window: at most one
// Change per native collection, carrying a RecordID only when exactly one
// record of that collection changed.
type Batch []Change

// Collections returns the native collection ids in the batch.
func (b Batch) Collections() []string {
	out := make([]string, 0, len(b))
	for _, c := range b {
		out = append(out, c.CollectionID)
	}
	return out
}

// Handler receives one Batch per quiet window.
type Handler func(ctx context.Context, b Batch) error

// Debouncer groups native notifications and invokes its handler once per
// window with no new events.
type Debouncer struct {
	window  time.Duration
	marker  *SelfWrite
	handler Handler
	logger  *slog.Logger

	mu         sync.Mutex
	pending    map[string]map[string]struct{}
	suppressed int
	notify     chan struct{}
}

// NewDebouncer returns a debouncer. marker may be nil, in which case no
// notification is suppressed.
func NewDebouncer(window time.Duration, marker *SelfWrite, handler Handler, logger *slog.Logger) *Debouncer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Debouncer{
		window:  window,
		marker:  marker,
		handler: handler,
		logger:  logger,
		pending: make(map[string]map[string]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Notify records a change. It returns false when the change was dropped
// because a self write is in progress.
func (d *Debouncer) Notify(c Change) bool {
	if d.marker != nil && d.marker.Active() {
		d.mu.Lock()
		d.suppressed++
		d.mu.Unlock()
		d.logger.Debug("native change ignored during self write",
			slog.String("collection", c.CollectionID), slog.String("record", c.RecordID))
		return false
	}

	d.mu.Lock()
	recs, ok := d.pending[c.CollectionID]
	if !ok {
		recs = make(map[string]struct{})
		d.pending[c.CollectionID] = recs
	}
	recs[c.RecordID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
		// Already signaled.
	}
	return true
}

// Suppressed returns how many notifications were dropped as self writes.
func (d *Debouncer) Suppressed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

// Flush returns and clears the pending batch, nil when empty.
func (d *Debouncer) Flush() Batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return nil
	}
	b := make(Batch, 0, len(d.pending))
	for col, recs := range d.pending {
		c := Change{CollectionID: col}
		if _, whole := recs[""]; !whole && len(recs) == 1 {
			for id := range recs {
				c.RecordID = id
			}
		}
		b = append(b, c)
	}
	sort.Slice(b, func(i, j int) bool { return b[i].CollectionID < b[j].CollectionID })
	d.pending = make(map[string]map[string]struct{})
	return b
}

// Run drives the window timer until ctx is done. Handler errors are logged
// and do not stop the loop. Events still pending at cancellation are
// discarded; the next reverse scan picks them up from the native store.
func (d *Debouncer) Run(ctx context.Context) error {
	timer := time.NewTimer(d.window)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if b := d.Flush(); b != nil {
				d.logger.Debug("debouncer stopped with pending changes", slog.Int("collections", len(b)))
			}
			return ctx.Err()

		case <-d.notify:
			// Restart the quiet window on every event.
			timer.Reset(d.window)

		case <-timer.C:
			b := d.Flush()
			if b == nil {
				continue
			}
			d.logger.Info("native changes settled", slog.Int("collections", len(b)))
			if err := d.handler(ctx, b); err != nil {
				d.logger.Warn("reverse sync failed", slog.String("error", err.Error()))
			}
		}
	}
}
