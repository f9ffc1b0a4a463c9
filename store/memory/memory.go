// Package memory is an in-process store.Store used by tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyp0633/davsync/store"
)

type Store struct {
	mu          sync.RWMutex
	nextID      int64
	accounts    map[int64]*store.Account
	collections map[int64]*store.Collection
	items       map[int64]*store.Item
	now         func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:    make(map[int64]*store.Account),
		collections: make(map[int64]*store.Collection),
		items:       make(map[int64]*store.Item),
		now:         time.Now,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Close() error { return nil }

func (s *Store) SaveAccount(_ context.Context, a *store.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.accounts {
		if existing.Name == a.Name {
			a.ID = id
		}
	}
	if a.ID == 0 {
		a.ID = s.id()
	}
	c := *a
	s.accounts[a.ID] = &c
	return nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (*store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, store.ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (s *Store) GetAccountByName(_ context.Context, name string) (*store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Name == name {
			c := *a
			return &c, nil
		}
	}
	return nil, fmt.Errorf("account %s: %w", name, store.ErrNotFound)
}

func (s *Store) ListAccounts(_ context.Context) ([]*store.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveCollection(_ context.Context, c *store.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[c.AccountID]; !ok {
		return fmt.Errorf("account %d: %w", c.AccountID, store.ErrNotFound)
	}
	for id, existing := range s.collections {
		if existing.AccountID == c.AccountID && existing.URL == c.URL {
			c.ID = id
		}
	}
	if c.ID == 0 {
		c.ID = s.id()
	}
	cp := *c
	s.collections[c.ID] = &cp
	return nil
}

func (s *Store) GetCollection(_ context.Context, id int64) (*store.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[id]
	if !ok {
		return nil, fmt.Errorf("collection %d: %w", id, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCollections(_ context.Context, accountID int64) ([]*store.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Collection
	for _, c := range s.collections {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindCollectionByNativeID(_ context.Context, nativeID string) (*store.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *store.Collection
	for _, c := range s.collections {
		if c.NativeID == nativeID && nativeID != "" && (found == nil || c.ID < found.ID) {
			found = c
		}
	}
	if found == nil {
		return nil, fmt.Errorf("collection with native id %s: %w", nativeID, store.ErrNotFound)
	}
	cp := *found
	return &cp, nil
}

func (s *Store) SaveItem(_ context.Context, it *store.Item) error {
	if it.UID == "" {
		return fmt.Errorf("store: saving item without uid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[it.CollectionID]; !ok {
		return fmt.Errorf("collection %d: %w", it.CollectionID, store.ErrNotFound)
	}

	var id int64
	for eid, existing := range s.items {
		if existing.CollectionID != it.CollectionID {
			continue
		}
		if existing.UID == it.UID {
			id = eid
			continue
		}
		if it.Href != "" && existing.Href == it.Href {
			return fmt.Errorf("%w: href %s already held by %s", store.ErrDuplicate, it.Href, existing.UID)
		}
	}
	if id == 0 {
		id = s.id()
	}
	it.ID = id
	it.UpdatedAt = s.now()
	s.items[id] = it.Clone()
	return nil
}

func (s *Store) GetItem(_ context.Context, id int64) (*store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	return it.Clone(), nil
}

func (s *Store) GetItemByUID(_ context.Context, collectionID int64, uid string) (*store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.items {
		if it.CollectionID == collectionID && it.UID == uid {
			return it.Clone(), nil
		}
	}
	return nil, fmt.Errorf("item %s: %w", uid, store.ErrNotFound)
}

func (s *Store) ListItems(_ context.Context, collectionID int64) ([]*store.Item, error) {
	return s.filter(func(it *store.Item) bool { return it.CollectionID == collectionID }), nil
}

func (s *Store) ListDirtyItems(_ context.Context, collectionID int64) ([]*store.Item, error) {
	return s.filter(func(it *store.Item) bool { return it.CollectionID == collectionID && it.Dirty }), nil
}

func (s *Store) ListConflicts(_ context.Context, accountID int64) ([]*store.Item, error) {
	s.mu.RLock()
	owner := make(map[int64]int64, len(s.collections))
	for id, c := range s.collections {
		owner[id] = c.AccountID
	}
	s.mu.RUnlock()
	return s.filter(func(it *store.Item) bool {
		return it.Conflict != store.NoConflict && (accountID == 0 || owner[it.CollectionID] == accountID)
	}), nil
}

func (s *Store) PurgeItem(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	delete(s.items, id)
	return nil
}

func (s *Store) filter(keep func(*store.Item) bool) []*store.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Item
	for _, it := range s.items {
		if keep(it) {
			out = append(out, it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
