// Package memory is an in-process native store. It models a device
// database with dirty flags and change notifications, and is what the
// engine tests mirror into.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyp0633/davsync/guard"
	"github.com/cyp0633/davsync/native"
)

// Options configures the simulated device.
type Options struct {
	// Dirty enables the dirty-flag concept. Without it user edits are only
	// visible through modification times and the id set.
	Dirty bool
	// RetainDeleted keeps a deletion marker after a user delete instead of
	// purging the record.
	RetainDeleted bool
	Now           func() time.Time
}

type collection struct {
	spec    native.CollectionSpec
	records map[string]*native.Record
}

// Store is safe for concurrent use.
type Store struct {
	opts Options

	mu          sync.Mutex
	collections map[string]*collection
	listeners   []func(guard.Change)
	writes      int
}

var _ native.Adapter = (*Store)(nil)

func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{opts: opts, collections: make(map[string]*collection)}
}

// Subscribe registers fn for every change, including synchronization
// writes, as platform change feeds do.
func (s *Store) Subscribe(fn func(guard.Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) emit(c guard.Change) {
	s.mu.Lock()
	ls := append([]func(guard.Change){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(c)
	}
}

// Writes counts synchronization-authority writes.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) SupportsDirty() bool { return s.opts.Dirty }

func (s *Store) EnsureCollection(_ context.Context, spec native.CollectionSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[spec.ID]; ok && spec.ID != "" {
		c.spec.DisplayName = spec.DisplayName
		c.spec.Color = spec.Color
		return spec.ID, nil
	}
	if spec.DisplayName != "" {
		for id, c := range s.collections {
			if c.spec.DisplayName == spec.DisplayName && c.spec.Service == spec.Service {
				return id, nil
			}
		}
	}
	id := uuid.NewString()
	spec.ID = id
	s.collections[id] = &collection{spec: spec, records: make(map[string]*native.Record)}
	return id, nil
}

// DisplayName returns the name a collection was mirrored with.
func (s *Store) DisplayName(collectionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[collectionID]; ok {
		return c.spec.DisplayName
	}
	return ""
}

func (s *Store) get(collectionID string) (*collection, error) {
	c, ok := s.collections[collectionID]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", collectionID, native.ErrNotFound)
	}
	return c, nil
}

func (s *Store) Get(_ context.Context, collectionID, id string) (*native.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(collectionID)
	if err != nil {
		return nil, err
	}
	r, ok := c.records[id]
	if !ok || r.Deleted {
		return nil, fmt.Errorf("record %s: %w", id, native.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) FindByUID(_ context.Context, collectionID, uid string) (*native.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(collectionID)
	if err != nil {
		return nil, err
	}
	for _, r := range c.records {
		if r.UID == uid && uid != "" && !r.Deleted {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("record with uid %s: %w", uid, native.ErrNotFound)
}

func (s *Store) List(_ context.Context, collectionID string) ([]*native.Record, error) {
	return s.list(collectionID, func(r *native.Record) bool { return !r.Deleted })
}

func (s *Store) ListChangedSince(_ context.Context, collectionID string, since time.Time) ([]*native.Record, error) {
	return s.list(collectionID, func(r *native.Record) bool { return since.IsZero() || r.Modified.After(since) })
}

func (s *Store) list(collectionID string, keep func(*native.Record) bool) ([]*native.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(collectionID)
	if err != nil {
		return nil, err
	}
	var out []*native.Record
	for _, r := range c.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Upsert(_ context.Context, collectionID string, rec *native.Record) (string, error) {
	s.mu.Lock()
	c, err := s.get(collectionID)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	r := rec.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Dirty = false
	r.Deleted = false
	r.Modified = s.opts.Now()
	c.records[r.ID] = r
	s.writes++
	s.mu.Unlock()

	s.emit(guard.Change{CollectionID: collectionID, RecordID: r.ID})
	return r.ID, nil
}

func (s *Store) Delete(_ context.Context, collectionID, id string) error {
	s.mu.Lock()
	c, err := s.get(collectionID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	_, existed := c.records[id]
	delete(c.records, id)
	if existed {
		s.writes++
	}
	s.mu.Unlock()

	if existed {
		s.emit(guard.Change{CollectionID: collectionID, RecordID: id})
	}
	return nil
}

func (s *Store) ClearDirty(_ context.Context, collectionID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(collectionID)
	if err != nil {
		return err
	}
	r, ok := c.records[id]
	if !ok {
		return nil
	}
	if r.Deleted {
		delete(c.records, id)
		return nil
	}
	r.Dirty = false
	return nil
}

// Edit simulates a user creating or changing a record on the device. It
// returns the record id.
func (s *Store) Edit(collectionID string, rec *native.Record) (string, error) {
	s.mu.Lock()
	c, err := s.get(collectionID)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	r := rec.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Dirty = s.opts.Dirty
	r.Deleted = false
	r.Modified = s.opts.Now()
	c.records[r.ID] = r
	s.mu.Unlock()

	s.emit(guard.Change{CollectionID: collectionID, RecordID: r.ID})
	return r.ID, nil
}

// Remove simulates a user deleting a record on the device.
func (s *Store) Remove(collectionID, id string) error {
	s.mu.Lock()
	c, err := s.get(collectionID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	r, ok := c.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("record %s: %w", id, native.ErrNotFound)
	}
	if s.opts.RetainDeleted {
		r.Deleted = true
		r.Dirty = s.opts.Dirty
		r.Modified = s.opts.Now()
	} else {
		delete(c.records, id)
	}
	s.mu.Unlock()

	s.emit(guard.Change{CollectionID: collectionID, RecordID: id})
	return nil
}
