// Package guard serializes reconciliation passes per scope and keeps the
// engine's own native-store writes from feeding back into reverse sync.
package guard

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Granularity selects how wide a lock scope is.
type Granularity int

const (
	// PerAccount serializes every pass of an account.
	PerAccount Granularity = iota
	// PerCollection lets passes for different collections of one account
	// run side by side.
	PerCollection
)

// ParseGranularity maps the configuration names "account" and "collection".
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "", "account":
		return PerAccount, nil
	case "collection":
		return PerCollection, nil
	}
	return 0, fmt.Errorf("guard: unknown lock scope %q", s)
}

// Mode is what a request does when its scope is busy.
type Mode int

const (
	// Block waits for the running pass to finish, then runs its own.
	Block Mode = iota
	// Coalesce joins the running pass and shares its result.
	Coalesce
)

// ParseMode maps the configuration names "block" and "coalesce".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "coalesce":
		return Coalesce, nil
	}
	return 0, fmt.Errorf("guard: unknown lock mode %q", s)
}

// Scope identifies what a pass touches.
type Scope struct {
	AccountID    int64
	CollectionID int64
}

func (s Scope) String() string {
	return fmt.Sprintf("%d/%d", s.AccountID, s.CollectionID)
}

// ScopeLock is a set of mutexes keyed by Scope. The zero value is not
// usable; call NewScopeLock.
type ScopeLock struct {
	granularity Granularity

	mu      sync.Mutex
	held    map[Scope]chan struct{}
	flights map[string]*flight

	group singleflight.Group
}

func NewScopeLock(g Granularity) *ScopeLock {
	return &ScopeLock{
		granularity: g,
		held:        make(map[Scope]chan struct{}),
		flights:     make(map[string]*flight),
	}
}

func (l *ScopeLock) key(s Scope) Scope {
	if l.granularity == PerAccount {
		s.CollectionID = 0
	}
	return s
}

// Acquire blocks until scope is free or ctx is done. The returned release
// is safe to call more than once.
func (l *ScopeLock) Acquire(ctx context.Context, scope Scope) (release func(), err error) {
	k := l.key(scope)
	for {
		l.mu.Lock()
		busy, ok := l.held[k]
		if !ok {
			done := make(chan struct{})
			l.held[k] = done
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, k)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-busy:
		}
	}
}

// Held reports whether scope is currently locked.
func (l *ScopeLock) Held(scope Scope) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[l.key(scope)]
	return ok
}

// Run executes fn while holding scope. In Coalesce mode a caller that
// arrives while a Coalesce pass for the same scope is running waits for it
// and receives its result with shared set to true. Coalescing always keys on
// the full scope, so under PerAccount a sibling collection still waits on
// the account lock and then runs its own pass.
//
// A coalesced pass runs detached from any single caller and is cancelled
// only once every caller waiting on it has gone.
func (l *ScopeLock) Run(ctx context.Context, scope Scope, mode Mode, fn func(ctx context.Context) (any, error)) (v any, shared bool, err error) {
	if mode == Block {
		v, err = l.exclusive(ctx, scope, fn)
		return v, false, err
	}
	return l.coalesce(ctx, scope, fn)
}

func (l *ScopeLock) exclusive(ctx context.Context, scope Scope, fn func(ctx context.Context) (any, error)) (any, error) {
	release, err := l.Acquire(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer release()
	return fn(ctx)
}

// flight is the context of one coalesced pass and the callers waiting on it.
// abandoned is set when the last waiter left before the pass finished.
type flight struct {
	ctx       context.Context
	cancel    context.CancelFunc
	waiters   int
	abandoned bool
}

func (l *ScopeLock) coalesce(ctx context.Context, scope Scope, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	k := scope.String()
	for {
		l.mu.Lock()
		f := l.flights[k]
		if f == nil {
			fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			f = &flight{ctx: fctx, cancel: cancel}
			l.flights[k] = f
		}
		f.waiters++
		ch := l.group.DoChan(k, func() (any, error) {
			defer func() {
				l.mu.Lock()
				if l.flights[k] == f {
					delete(l.flights, k)
				}
				l.mu.Unlock()
				f.cancel()
			}()
			return l.exclusive(f.ctx, scope, fn)
		})
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			l.leave(f, true)
			return nil, false, ctx.Err()
		case res := <-ch:
			retry := l.leave(f, false) && res.Err != nil && ctx.Err() == nil
			if !retry {
				return res.Val, res.Shared, res.Err
			}
			// The pass was cancelled because everyone else gave up on it.
		}
	}
}

// leave drops a waiter from f and cancels the pass when the last waiter
// gives up on it. It reports whether f had been abandoned.
func (l *ScopeLock) leave(f *flight, gaveUp bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	f.waiters--
	if f.waiters == 0 && gaveUp {
		f.abandoned = true
		f.cancel()
	}
	return f.abandoned
}
