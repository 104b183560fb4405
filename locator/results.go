package locator

import (
	"context"
	"sync"
	"time"

	"github.com/viamrobotics/taglocator/spatialmath"
)

// Results is the store one locate worker writes and any number of publishers
// read. Every write replaces the whole (timestamp, poses) pair under a single
// lock acquisition and wakes all waiters, so readers only ever observe the
// exact state left by one completed locate cycle.
type Results struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ts    time.Time
	poses map[string]*spatialmath.Pose
}

// NewResults creates an empty store with the zero timestamp.
func NewResults() *Results {
	r := &Results{poses: map[string]*spatialmath.Pose{}}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Update atomically replaces the store contents and wakes every waiter,
// including when poses is empty: downstream readers observe loss of track as
// a fresh timestamp over an empty map.
func (r *Results) Update(ts time.Time, poses map[string]*spatialmath.Pose) {
	if poses == nil {
		poses = map[string]*spatialmath.Pose{}
	}
	r.mu.Lock()
	r.ts = ts
	r.poses = poses
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Snapshot returns the current timestamp and pose map. The map is replaced
// wholesale on every update, never mutated, so callers may read the returned
// one freely but must not modify it.
func (r *Results) Snapshot() (time.Time, map[string]*spatialmath.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ts, r.poses
}

// Wait blocks until the store timestamp differs from last, returning the
// fresh snapshot. Cancelling ctx unblocks the wait and returns the context's
// error. The cancellation hook holds the lock while broadcasting so a waiter
// between its predicate check and the park cannot miss the wake.
func (r *Results) Wait(ctx context.Context, last time.Time) (time.Time, map[string]*spatialmath.Pose, error) {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cond.Broadcast()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.ts.Equal(last) {
		if err := ctx.Err(); err != nil {
			return time.Time{}, nil, err
		}
		r.cond.Wait()
	}
	return r.ts, r.poses, nil
}
