package slam

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotChannel_LastWriteWins(t *testing.T) {
	m := newTwoFrameMap(t)

	m.ExportSnapshot()
	m.points[0].Position = r3.Vector{Z: 42}
	m.ExportSnapshot()

	got, err := m.Snapshots().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Seq)
	assert.Equal(t, r3.Vector{Z: 42}, got.Points[0])
	assert.Equal(t, uint64(1), m.Snapshots().Dropped())
	assert.False(t, m.Snapshots().Pending())
}

func TestSnapshotChannel_LatestBeforePublish(t *testing.T) {
	c := NewSnapshotChannel()
	_, ok := c.Latest()
	assert.False(t, ok)
	assert.False(t, c.Pending())
}

func TestSnapshotChannel_WaitBlocksUntilFirstPublish(t *testing.T) {
	c := NewSnapshotChannel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan Snapshot, 1)
	go func() {
		s, err := c.Wait(context.Background())
		if err == nil {
			done <- s
		}
	}()

	c.Publish(Snapshot{Seq: 3})
	select {
	case s := <-done:
		assert.Equal(t, uint64(3), s.Seq)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Publish")
	}

	// later reads never block and reuse the last value
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	s, err := c.Wait(ctx2)
	if err == nil {
		assert.Equal(t, uint64(3), s.Seq)
	}
	s, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), s.Seq)
}

func TestSnapshotChannel_ConcurrentPublishers(t *testing.T) {
	c := NewSnapshotChannel()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			c.Publish(Snapshot{Seq: seq})
		}(uint64(i))
	}
	wg.Wait()

	s, ok := c.Latest()
	require.True(t, ok)
	assert.NotZero(t, s.Seq)
	assert.Equal(t, uint64(49), c.Dropped())
}
