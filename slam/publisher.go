package slam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// StatsReport is the payload of the stats topic and the /stats endpoint.
type StatsReport struct {
	Seq             uint64          `json:"seq"`
	Timestamp       time.Time       `json:"timestamp"`
	Map             MapStats        `json:"map"`
	ReprojectionRMS float64         `json:"reprojectionRms"`
	LastOptimize    *OptimizeResult `json:"lastOptimize,omitempty"`
}

// NewStatsReport summarises m after the export that produced seq.
func NewStatsReport(m *Map, seq uint64, last *OptimizeResult) StatsReport {
	rms, _ := m.ReprojectionRMS()
	return StatsReport{
		Seq:             seq,
		Timestamp:       time.Now(),
		Map:             m.Stats(),
		ReprojectionRMS: rms,
		LastOptimize:    last,
	}
}

var errNotConnected = errors.New("MQTT client not connected")

const (
	defaultPublishTimeout = 2 * time.Second
	defaultRetryDelay     = 5 * time.Second
)

// SnapshotPublisher publishes snapshots to <prefix>/snapshot and stats to
// <prefix>/stats, both retained so late subscribers see the newest state.
// Offers are coalesced: only the newest pending snapshot is sent, at most
// once per interval.
type SnapshotPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	limiter       *rate.Limiter
	timeout       time.Duration
	retryDelay    time.Duration

	mu           sync.Mutex
	pending      *Snapshot
	pendingStats *StatsReport
	published    uint64
	notify       chan struct{}

	logger zerolog.Logger
}

// NewSnapshotPublisher creates a publisher. An empty prefix falls back to
// MQTT_PUBLISH_PREFIX, then "sparsemap". A non-positive interval disables
// throttling. If client is nil, publishing is disabled.
func NewSnapshotPublisher(client mqtt.Client, prefix string, interval time.Duration) *SnapshotPublisher {
	if prefix == "" {
		prefix = os.Getenv("MQTT_PUBLISH_PREFIX")
	}
	if prefix == "" {
		prefix = "sparsemap"
	}

	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	return &SnapshotPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		limiter:       rate.NewLimiter(limit, 1),
		timeout:       defaultPublishTimeout,
		retryDelay:    defaultRetryDelay,
		notify:        make(chan struct{}, 1),
		logger:        Logger().With().Str("component", "publisher").Logger(),
	}
}

// SnapshotTopic is where snapshots are published.
func (p *SnapshotPublisher) SnapshotTopic() string { return p.publishPrefix + "/snapshot" }

// StatsTopic is where stats reports are published.
func (p *SnapshotPublisher) StatsTopic() string { return p.publishPrefix + "/stats" }

// Offer queues s for publishing, replacing any snapshot not yet sent. It
// never blocks; Run does the sending.
func (p *SnapshotPublisher) Offer(s Snapshot, stats StatsReport) {
	p.mu.Lock()
	p.pending = &s
	p.pendingStats = &stats
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Pending reports whether an offered snapshot is waiting to be sent.
func (p *SnapshotPublisher) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

// Published counts snapshots actually sent.
func (p *SnapshotPublisher) Published() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// Run sends offered snapshots, waiting on the rate limiter between sends,
// until ctx is cancelled. A snapshot that failed to send is retried after
// retryDelay even if nothing new is offered.
func (p *SnapshotPublisher) Run(ctx context.Context) error {
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.notify:
		case <-retry:
		}
		retry = nil

		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("waiting for publish slot: %w", err)
		}
		if err := p.Flush(); err != nil {
			if !errors.Is(err, errNotConnected) {
				p.logger.Warn().Err(err).Msg("snapshot publish failed")
			}
			if p.Pending() {
				retry = time.After(p.retryDelay)
			}
		}
	}
}

// Flush sends the pending snapshot now, ignoring the rate limit. It is a
// no-op when nothing is pending. A snapshot that fails to send stays
// pending unless a newer one has been offered meanwhile.
func (p *SnapshotPublisher) Flush() error {
	p.mu.Lock()
	s, stats := p.pending, p.pendingStats
	p.pending, p.pendingStats = nil, nil
	p.mu.Unlock()

	if s == nil {
		return nil
	}

	err := p.publish(*s, *stats)
	p.mu.Lock()
	if err != nil {
		if p.pending == nil {
			p.pending, p.pendingStats = s, stats
		}
	} else {
		p.published++
	}
	p.mu.Unlock()
	return err
}

func (p *SnapshotPublisher) publish(s Snapshot, stats StatsReport) error {
	if p.client == nil || !p.client.IsConnected() {
		return errNotConnected
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := p.send(p.SnapshotTopic(), payload); err != nil {
		return err
	}

	payload, err = json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	if err := p.send(p.StatsTopic(), payload); err != nil {
		return err
	}

	p.logger.Debug().Uint64("seq", s.Seq).Int("frames", len(s.Poses)).Int("points", len(s.Points)).Msg("snapshot published")
	return nil
}

func (p *SnapshotPublisher) send(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publishing to %s: timed out after %s", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}
