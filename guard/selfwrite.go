package guard

import (
	"sync"
	"sync/atomic"
	"time"
)

// SelfWrite marks the window during which the engine writes to the native
// store. Change notifications that arrive inside it are the engine's own.
//
// Some platforms deliver notifications after the write call returns, so the
// marker stays active for Grace after the last writer ends.
type SelfWrite struct {
	Grace time.Duration

	depth   atomic.Int32
	lastEnd atomic.Int64
	now     func() time.Time
}

// Begin raises the marker. The returned end lowers it; call it from a defer
// so every exit path clears the marker. Calls nest.
func (m *SelfWrite) Begin() (end func()) {
	m.depth.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			m.lastEnd.Store(m.clock().UnixNano())
			m.depth.Add(-1)
		})
	}
}

// Active reports whether a self write is in progress or ended within Grace.
func (m *SelfWrite) Active() bool {
	if m.depth.Load() > 0 {
		return true
	}
	if m.Grace <= 0 {
		return false
	}
	last := m.lastEnd.Load()
	return last != 0 && m.clock().Sub(time.Unix(0, last)) < m.Grace
}

// Depth returns the number of open Begin calls.
func (m *SelfWrite) Depth() int {
	return int(m.depth.Load())
}

func (m *SelfWrite) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}
