package slam

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(seq uint64, points int) Snapshot {
	s := Snapshot{
		Seq:       seq,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Poses:     []Matrix4{IdentityPose().Matrix()},
		Points:    make([]r3.Vector, points),
	}
	for i := range s.Points {
		s.Points[i] = r3.Vector{X: float64(i), Z: 5}
	}
	return s
}

func TestNewSnapshotPublisher(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	p := NewSnapshotPublisher(nil, "", 0)
	require.NotNil(t, p)

	assert.Equal(t, "sparsemap", p.publishPrefix)
	assert.Equal(t, byte(0), p.qos)
	assert.True(t, p.retain, "Default retain should be true")
	assert.Equal(t, "sparsemap/snapshot", p.SnapshotTopic())
	assert.Equal(t, "sparsemap/stats", p.StatsTopic())
	assert.False(t, p.Pending())
}

func TestNewSnapshotPublisher_PrefixFromEnv(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "fromenv")
	assert.Equal(t, "fromenv/snapshot", NewSnapshotPublisher(nil, "", 0).SnapshotTopic())
	assert.Equal(t, "explicit/snapshot", NewSnapshotPublisher(nil, "explicit", 0).SnapshotTopic())
}

func TestSnapshotPublisher_FlushPublishesRetained(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewSnapshotPublisher(mock, "test", 0)

	m := newTwoFrameMap(t)
	s := m.ExportSnapshot()
	p.Offer(s, NewStatsReport(m, s.Seq, nil))
	assert.True(t, p.Pending())

	require.NoError(t, p.Flush())
	assert.False(t, p.Pending())
	assert.Equal(t, uint64(1), p.Published())

	msgs := mock.MessagesOn("test/snapshot")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Retain)
	assert.Equal(t, byte(0), msgs[0].QoS)

	var got Snapshot
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, s.Seq, got.Seq)
	assert.Equal(t, s.Poses, got.Poses)
	assert.Equal(t, s.Points, got.Points)

	payload, ok := mock.Retained("test/stats")
	require.True(t, ok)
	var stats StatsReport
	require.NoError(t, json.Unmarshal(payload, &stats))
	assert.Equal(t, s.Seq, stats.Seq)
	assert.Equal(t, MapStats{Frames: 2, Points: 2, Observations: 3}, stats.Map)
	assert.Nil(t, stats.LastOptimize)

	// nothing pending is a no-op
	require.NoError(t, p.Flush())
	assert.Len(t, mock.PublishedMessages(), 2)
}

func TestSnapshotPublisher_OfferKeepsNewest(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewSnapshotPublisher(mock, "test", 0)

	for seq := uint64(1); seq <= 5; seq++ {
		p.Offer(testSnapshot(seq, int(seq)), StatsReport{Seq: seq})
	}
	require.NoError(t, p.Flush())

	msgs := mock.MessagesOn("test/snapshot")
	require.Len(t, msgs, 1)
	var got Snapshot
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, uint64(5), got.Seq)
	assert.Len(t, got.Points, 5)
}

func TestSnapshotPublisher_NotConnectedKeepsPending(t *testing.T) {
	mock := NewMockClient()
	p := NewSnapshotPublisher(mock, "test", 0)

	p.Offer(testSnapshot(1, 1), StatsReport{Seq: 1})
	err := p.Flush()
	assert.ErrorIs(t, err, errNotConnected)
	assert.True(t, p.Pending())
	assert.Equal(t, uint64(0), p.Published())

	mock.SetConnected(true)
	require.NoError(t, p.Flush())
	assert.False(t, p.Pending())
	assert.Len(t, mock.MessagesOn("test/snapshot"), 1)
}

func TestSnapshotPublisher_NilClient(t *testing.T) {
	p := NewSnapshotPublisher(nil, "test", 0)
	p.Offer(testSnapshot(1, 0), StatsReport{})
	assert.ErrorIs(t, p.Flush(), errNotConnected)
}

func TestSnapshotPublisher_PublishError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishError(errors.New("broker full"))
	p := NewSnapshotPublisher(mock, "test", 0)

	p.Offer(testSnapshot(1, 1), StatsReport{Seq: 1})
	err := p.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test/snapshot")
	assert.True(t, p.Pending())
}

func TestSnapshotPublisher_RunThrottles(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewSnapshotPublisher(mock, "test", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Offer(testSnapshot(1, 1), StatsReport{Seq: 1})
	require.Eventually(t, func() bool { return p.Published() == 1 }, 2*time.Second, 5*time.Millisecond)

	// the limiter holds everything else back for an hour; only the newest
	// would go out
	for seq := uint64(2); seq <= 10; seq++ {
		p.Offer(testSnapshot(seq, 1), StatsReport{Seq: seq})
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(1), p.Published())
	assert.True(t, p.Pending())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSnapshotPublisher_RunUnthrottled(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	p := NewSnapshotPublisher(mock, "test", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	for seq := uint64(1); seq <= 3; seq++ {
		p.Offer(testSnapshot(seq, 1), StatsReport{Seq: seq})
		require.Eventually(t, func() bool { return !p.Pending() }, 2*time.Second, 5*time.Millisecond)
	}

	payload, ok := mock.Retained("test/snapshot")
	require.True(t, ok)
	var got Snapshot
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, uint64(3), got.Seq)
}

func TestSnapshotPublisher_PublishTimeout(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetPublishTimeout(true)
	p := NewSnapshotPublisher(mock, "test", 0)

	p.Offer(testSnapshot(1, 1), StatsReport{Seq: 1})
	err := p.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, uint64(0), p.Published())
	assert.True(t, p.Pending())

	mock.SetPublishTimeout(false)
	require.NoError(t, p.Flush())
	assert.Equal(t, uint64(1), p.Published())
}

func TestSnapshotPublisher_RunRetriesWithoutNewOffer(t *testing.T) {
	mock := NewMockClient()
	p := NewSnapshotPublisher(mock, "test", 0)
	p.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	// the broker is down for the only offer an idle map makes
	p.Offer(testSnapshot(1, 1), StatsReport{Seq: 1})
	time.Sleep(30 * time.Millisecond)
	assert.True(t, p.Pending())

	mock.SetConnected(true)
	require.Eventually(t, func() bool { return p.Published() == 1 }, 2*time.Second, 5*time.Millisecond)

	payload, ok := mock.Retained("test/snapshot")
	require.True(t, ok)
	var got Snapshot
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, uint64(1), got.Seq)
}
