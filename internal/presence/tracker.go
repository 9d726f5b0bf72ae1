// Package presence derives online/offline state from last-activity
// timestamps. The tracker is purely in-memory: it is rebuilt empty on
// restart, which loses nothing but ephemeral liveness.
package presence

import (
	"sync"
	"time"
)

// DefaultWindow is how long after the last activity a user still counts as
// online. Staleness is computed lazily at read time; there is no sweeper.
const DefaultWindow = 45 * time.Second

type Tracker struct {
	mu       sync.RWMutex
	window   time.Duration
	lastSeen map[int64]time.Time
	now      func() time.Time
}

func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window:   window,
		lastSeen: make(map[int64]time.Time),
		now:      time.Now,
	}
}

// Touch records activity for a user. Called on connect and on every inbound
// frame, not only on connect.
func (t *Tracker) Touch(userID int64) {
	t.mu.Lock()
	t.lastSeen[userID] = t.now()
	t.mu.Unlock()
}

// LastSeen returns the recorded timestamp and whether one exists.
func (t *Tracker) LastSeen(userID int64) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastSeen[userID]
	return ts, ok
}

func (t *Tracker) IsOnline(userID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastSeen[userID]
	return ok && t.now().Sub(ts) < t.window
}
