package slam

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
)

// Snapshot is a copy of the map state for display: every frame pose and
// every point position, in registry order.
type Snapshot struct {
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Poses     []Matrix4   `json:"poses"`
	Points    []r3.Vector `json:"points"`
}

// SnapshotChannel is a single-slot, last-write-wins handoff between one
// producer (Map.ExportSnapshot) and one consumer (a render loop). Publishing
// never blocks and silently replaces an unread snapshot.
type SnapshotChannel struct {
	mu      sync.Mutex
	latest  Snapshot
	has     bool
	unread  bool
	dropped uint64

	ready     chan struct{}
	readyOnce sync.Once
}

// NewSnapshotChannel returns an empty channel.
func NewSnapshotChannel() *SnapshotChannel {
	return &SnapshotChannel{ready: make(chan struct{})}
}

// Publish stores s, replacing any snapshot that has not been read yet.
func (c *SnapshotChannel) Publish(s Snapshot) {
	c.mu.Lock()
	if c.unread {
		c.dropped++
	}
	c.latest = s
	c.has = true
	c.unread = true
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
}

// Latest returns the newest snapshot without blocking. ok is false until
// the first Publish.
func (c *SnapshotChannel) Latest() (s Snapshot, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread = false
	return c.latest, c.has
}

// Wait blocks until a snapshot has been published at least once, then
// returns the newest one. Only the first call can actually block.
func (c *SnapshotChannel) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-c.ready:
		s, _ := c.Latest()
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Pending reports whether a published snapshot has not been read yet.
func (c *SnapshotChannel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// Dropped counts snapshots replaced before the consumer read them.
func (c *SnapshotChannel) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
