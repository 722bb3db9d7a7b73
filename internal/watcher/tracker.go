package watcher

import (
	"path/filepath"
	"sync"
	"time"
)

// MoveTracker remembers paths the organizer is about to touch. Events on
// those paths within the grace period are the daemon's own doing and are
// dropped instead of being fed back into the pipeline.
type MoveTracker struct {
	grace time.Duration
	now   func() time.Time

	mu       sync.Mutex
	expected map[string]time.Time
}

// NewMoveTracker creates a tracker that suppresses events for grace.
func NewMoveTracker(grace time.Duration) *MoveTracker {
	return &MoveTracker{
		grace:    grace,
		now:      time.Now,
		expected: make(map[string]time.Time),
	}
}

// Expect records paths that are about to be created or removed.
func (t *MoveTracker) Expect(paths ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, p := range paths {
		t.expected[filepath.Clean(p)] = now
	}
}

// Suppressed reports whether an event on path should be ignored. A path
// stays suppressed for the whole grace period so that every event of one
// move is dropped.
func (t *MoveTracker) Suppressed(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.expected[filepath.Clean(path)]
	return ok && t.now().Sub(at) <= t.grace
}

// Prune forgets expired entries and returns how many remain.
func (t *MoveTracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for p, at := range t.expected {
		if now.Sub(at) > t.grace {
			delete(t.expected, p)
		}
	}
	return len(t.expected)
}
