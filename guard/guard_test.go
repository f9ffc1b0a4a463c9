package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExclusive(t *testing.T) {
	l := NewScopeLock(PerCollection)
	scope := Scope{AccountID: 1, CollectionID: 2}

	release, err := l.Acquire(context.Background(), scope)
	require.NoError(t, err)
	assert.True(t, l.Held(scope))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, scope)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // idempotent
	assert.False(t, l.Held(scope))

	release, err = l.Acquire(context.Background(), scope)
	require.NoError(t, err)
	release()
}

func TestGranularity(t *testing.T) {
	tests := []struct {
		name        string
		granularity Granularity
		wantBlocked bool
	}{
		{"per account blocks sibling collection", PerAccount, true},
		{"per collection allows sibling collection", PerCollection, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewScopeLock(tt.granularity)
			release, err := l.Acquire(context.Background(), Scope{AccountID: 1, CollectionID: 1})
			require.NoError(t, err)
			defer release()

			assert.Equal(t, tt.wantBlocked, l.Held(Scope{AccountID: 1, CollectionID: 2}))
			assert.False(t, l.Held(Scope{AccountID: 2, CollectionID: 1}), "other accounts are independent")
		})
	}
}

func TestRunBlockSerializes(t *testing.T) {
	l := NewScopeLock(PerAccount)
	scope := Scope{AccountID: 7}

	var (
		mu     sync.Mutex
		events []string
		active atomic.Int32
		maxAct atomic.Int32
	)
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	started := make(chan struct{})
	unblock := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, err := l.Run(context.Background(), scope, Block, func(ctx context.Context) (any, error) {
			if n := active.Add(1); n > maxAct.Load() {
				maxAct.Store(n)
			}
			record("first-start")
			close(started)
			<-unblock
			record("first-end")
			active.Add(-1)
			return nil, nil
		})
		assert.NoError(t, err)
	}()

	<-started
	go func() {
		defer wg.Done()
		v, shared, err := l.Run(context.Background(), scope, Block, func(ctx context.Context) (any, error) {
			if n := active.Add(1); n > maxAct.Load() {
				maxAct.Store(n)
			}
			record("second")
			active.Add(-1)
			return "done", nil
		})
		assert.NoError(t, err)
		assert.False(t, shared)
		assert.Equal(t, "done", v)
	}()

	time.Sleep(20 * time.Millisecond)
	close(unblock)
	wg.Wait()

	assert.Equal(t, []string{"first-start", "first-end", "second"}, events)
	assert.Equal(t, int32(1), maxAct.Load())
}

func TestRunCoalesce(t *testing.T) {
	l := NewScopeLock(PerCollection)
	scope := Scope{AccountID: 1, CollectionID: 1}

	var calls atomic.Int32
	started := make(chan struct{})
	unblock := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-unblock
		return 42, nil
	}

	type result struct {
		v      any
		shared bool
		err    error
	}
	results := make(chan result, 2)
	go func() {
		v, shared, err := l.Run(context.Background(), scope, Coalesce, fn)
		results <- result{v, shared, err}
	}()
	<-started
	go func() {
		v, shared, err := l.Run(context.Background(), scope, Coalesce, fn)
		results <- result{v, shared, err}
	}()

	time.Sleep(30 * time.Millisecond)
	close(unblock)

	for range 2 {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, 42, r.v)
		assert.True(t, r.shared)
	}
	assert.Equal(t, int32(1), calls.Load(), "the second request is satisfied by the running pass")
	assert.False(t, l.Held(scope))
}

func TestRunCoalesceKeepsCollectionsApart(t *testing.T) {
	l := NewScopeLock(PerAccount)
	a := Scope{AccountID: 1, CollectionID: 1}
	b := Scope{AccountID: 1, CollectionID: 2}

	started := make(chan struct{})
	unblock := make(chan struct{})
	first := make(chan any, 1)
	go func() {
		v, _, err := l.Run(context.Background(), a, Coalesce, func(ctx context.Context) (any, error) {
			close(started)
			<-unblock
			return "a", nil
		})
		assert.NoError(t, err)
		first <- v
	}()
	<-started

	var sawA atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, shared, err := l.Run(context.Background(), b, Coalesce, func(ctx context.Context) (any, error) {
			sawA.Store(l.Held(a))
			return "b", nil
		})
		assert.NoError(t, err)
		assert.False(t, shared)
		assert.Equal(t, "b", v)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("sibling collection ran while the account was locked")
	default:
	}
	close(unblock)
	<-done
	assert.Equal(t, "a", <-first)
	assert.True(t, sawA.Load(), "the account lock is held by the sibling's own pass")
}

func TestRunCoalesceOutlivesCancelledCaller(t *testing.T) {
	l := NewScopeLock(PerCollection)
	scope := Scope{AccountID: 1, CollectionID: 1}

	started := make(chan struct{})
	unblock := make(chan struct{})
	var calls atomic.Int32
	fn := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-unblock:
			return 42, nil
		}
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := l.Run(leaderCtx, scope, Coalesce, fn)
		leaderErr <- err
	}()
	<-started

	joined := make(chan any, 1)
	go func() {
		v, shared, err := l.Run(context.Background(), scope, Coalesce, fn)
		assert.NoError(t, err)
		assert.True(t, shared)
		joined <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	time.Sleep(10 * time.Millisecond)
	close(unblock)

	assert.Equal(t, 42, <-joined)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunCoalesceCancelsAbandonedPass(t *testing.T) {
	l := NewScopeLock(PerCollection)
	scope := Scope{AccountID: 1, CollectionID: 1}

	stopped := make(chan error, 1)
	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _, _ = l.Run(ctx, scope, Coalesce, func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			stopped <- ctx.Err()
			return nil, ctx.Err()
		})
	}()
	<-started
	cancel()

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pass kept running with nobody waiting")
	}
}

func TestRunReleasesOnError(t *testing.T) {
	l := NewScopeLock(PerAccount)
	scope := Scope{AccountID: 3}
	boom := errors.New("boom")

	_, _, err := l.Run(context.Background(), scope, Block, func(ctx context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, l.Held(scope))

	assert.Panics(t, func() {
		_, _, _ = l.Run(context.Background(), scope, Block, func(ctx context.Context) (any, error) {
			panic("pass crashed")
		})
	})
	assert.False(t, l.Held(scope), "release runs on panic")
}

func TestParse(t *testing.T) {
	g, err := ParseGranularity("collection")
	require.NoError(t, err)
	assert.Equal(t, PerCollection, g)
	_, err = ParseGranularity("global")
	assert.Error(t, err)

	m, err := ParseMode("coalesce")
	require.NoError(t, err)
	assert.Equal(t, Coalesce, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Block, m)
	_, err = ParseMode("drop")
	assert.Error(t, err)
}

func TestSelfWriteNests(t *testing.T) {
	var m SelfWrite
	assert.False(t, m.Active())

	outer := m.Begin()
	inner := m.Begin()
	assert.Equal(t, 2, m.Depth())
	inner()
	inner()
	assert.True(t, m.Active(), "outer still open")
	outer()
	assert.False(t, m.Active())
	assert.Equal(t, 0, m.Depth())
}

func TestSelfWriteClearedOnPanic(t *testing.T) {
	var m SelfWrite
	func() {
		defer func() { _ = recover() }()
		end := m.Begin()
		defer end()
		panic("mirror failed")
	}()
	assert.False(t, m.Active())
}

func TestSelfWriteGrace(t *testing.T) {
	now := time.Unix(1000, 0)
	m := SelfWrite{Grace: time.Second, now: func() time.Time { return now }}

	m.Begin()()
	assert.True(t, m.Active(), "inside grace")
	now = now.Add(2 * time.Second)
	assert.False(t, m.Active())
}

func TestFlushCollapses(t *testing.T) {
	d := NewDebouncer(time.Second, nil, nil, nil)
	d.Notify(Change{CollectionID: "a", RecordID: "1"})
	d.Notify(Change{CollectionID: "a", RecordID: "1"})
	d.Notify(Change{CollectionID: "b", RecordID: "1"})
	d.Notify(Change{CollectionID: "b", RecordID: "2"})
	d.Notify(Change{CollectionID: "c", RecordID: "9"})
	d.Notify(Change{CollectionID: "c"})

	b := d.Flush()
	assert.Equal(t, Batch{
		{CollectionID: "a", RecordID: "1"},
		{CollectionID: "b"},
		{CollectionID: "c"},
	}, b)
	assert.Equal(t, []string{"a", "b", "c"}, b.Collections())
	assert.Nil(t, d.Flush())
}

func TestDebouncerOneBatchPerWindow(t *testing.T) {
	batches := make(chan Batch, 4)
	d := NewDebouncer(30*time.Millisecond, nil, func(ctx context.Context, b Batch) error {
		batches <- b
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := range 10 {
		d.Notify(Change{CollectionID: "cal", RecordID: "evt"})
		if i%3 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	select {
	case b := <-batches:
		assert.Equal(t, Batch{{CollectionID: "cal", RecordID: "evt"}}, b)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	select {
	case b := <-batches:
		t.Fatalf("unexpected second batch %v", b)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDebouncerIgnoresSelfWrites(t *testing.T) {
	var marker SelfWrite
	d := NewDebouncer(time.Second, &marker, nil, nil)

	end := marker.Begin()
	assert.False(t, d.Notify(Change{CollectionID: "cal", RecordID: "mirrored"}))
	end()
	assert.True(t, d.Notify(Change{CollectionID: "cal", RecordID: "user-edit"}))

	assert.Equal(t, 1, d.Suppressed())
	assert.Equal(t, Batch{{CollectionID: "cal", RecordID: "user-edit"}}, d.Flush())
}

func TestDebouncerHandlerErrorKeepsRunning(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(10*time.Millisecond, nil, func(ctx context.Context, b Batch) error {
		calls.Add(1)
		return errors.New("store offline")
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Notify(Change{CollectionID: "x"})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	d.Notify(Change{CollectionID: "x"})
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}
