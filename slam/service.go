package slam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrServiceStopped is returned by Submit and RequestOptimize once Run has
// returned.
var ErrServiceStopped = errors.New("service stopped")

// ingestQueueSize bounds the messages waiting for the owner goroutine.
const ingestQueueSize = 256

// ServiceStatus is the service's view of the map, refreshed on every export.
type ServiceStatus struct {
	StatsReport
	Ingested  uint64 `json:"ingested"`
	Rejected  uint64 `json:"rejected"`
	// OptimizeFailures counts optimize attempts that failed since the last
	// success. It keeps growing while the map cannot be optimized, for
	// example after an overwrite left a stale observation.
	OptimizeFailures uint64 `json:"optimizeFailures"`
	LastError        string `json:"lastError,omitempty"`
}

type optimizeRequest struct {
	reply chan optimizeReply
}

type optimizeReply struct {
	result *OptimizeResult
	err    error
}

// Service owns a Map on a single goroutine. Ingested messages, periodic and
// requested optimizations and snapshot exports are all serialised there;
// every other goroutine only sees snapshots.
type Service struct {
	m         *Map
	cfg       *Config
	render    *RenderLoop
	publisher *SnapshotPublisher

	ingest   chan IngestMessage
	requests chan optimizeRequest
	done     chan struct{}
	stopOnce sync.Once

	mu           sync.RWMutex
	status       ServiceStatus
	latest       Snapshot
	hasSnapshot  bool
	lastOptimize *OptimizeResult

	logger zerolog.Logger
}

// NewService wires m to a render loop drawing cfg.Render and, when
// publisher is non-nil, to MQTT snapshot publishing. m must not be used by
// the caller afterwards.
func NewService(cfg *Config, m *Map, publisher *SnapshotPublisher) (*Service, error) {
	drawer, err := NewDrawer(cfg.Render)
	if err != nil {
		return nil, err
	}
	return &Service{
		m:         m,
		cfg:       cfg,
		render:    NewRenderLoop(m.Snapshots(), drawer, cfg.Snapshot.RenderInterval, cfg.Snapshot.Output),
		publisher: publisher,
		ingest:    make(chan IngestMessage, ingestQueueSize),
		requests:  make(chan optimizeRequest),
		done:      make(chan struct{}),
		logger:    Logger().With().Str("component", "service").Logger(),
	}, nil
}

// RenderLoop returns the loop drawing this service's snapshots.
func (s *Service) RenderLoop() *RenderLoop { return s.render }

// Submit queues msg for the owner goroutine. It blocks while the queue is
// full. Usable as an IngestHandler via HandleIngest.
func (s *Service) Submit(msg IngestMessage) error {
	select {
	case <-s.done:
		return ErrServiceStopped
	default:
	}
	select {
	case s.ingest <- msg:
		return nil
	case <-s.done:
		return ErrServiceStopped
	}
}

// HandleIngest adapts Submit to IngestHandler.
func (s *Service) HandleIngest(msg IngestMessage) {
	if err := s.Submit(msg); err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("dropping ingest message")
	}
}

// RequestOptimize runs Optimize on the owner goroutine now, regardless of
// optimize.minFrames, and waits for the result.
func (s *Service) RequestOptimize(ctx context.Context) (*OptimizeResult, error) {
	req := optimizeRequest{reply: make(chan optimizeReply, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return nil, ErrServiceStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the latest status.
func (s *Service) Status() ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Latest returns the most recently exported snapshot.
func (s *Service) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasSnapshot
}

// Run drives the owner goroutine, the render loop and the publisher until
// ctx is cancelled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.done) })

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.render.Run(ctx) })
	if s.publisher != nil {
		g.Go(func() error { return s.publisher.Run(ctx) })
	}
	g.Go(func() error { return s.loop(ctx) })

	return g.Wait()
}

func (s *Service) loop(ctx context.Context) error {
	s.export()

	var tick <-chan time.Time
	if s.cfg.Optimize.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Optimize.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-s.ingest:
			s.apply(msg)
			s.drain()
			s.export()

		case req := <-s.requests:
			res, err := s.optimize()
			req.reply <- optimizeReply{result: res, err: err}

		case <-tick:
			if n := s.m.NumFrames(); n < s.cfg.Optimize.MinFrames {
				s.logger.Debug().Int("frames", n).Int("minFrames", s.cfg.Optimize.MinFrames).Msg("skipping optimize")
				continue
			}
			if _, err := s.optimize(); err != nil {
				s.logger.Warn().Err(err).Uint64("consecutiveFailures", s.Status().OptimizeFailures).Msg("optimize cycle skipped")
			}
		}
	}
}

// drain applies whatever else is already queued so a burst exports once.
func (s *Service) drain() {
	for {
		select {
		case msg := <-s.ingest:
			s.apply(msg)
		default:
			return
		}
	}
}

func (s *Service) apply(msg IngestMessage) {
	err := msg.Apply(s.m)

	s.mu.Lock()
	if err != nil {
		s.status.Rejected++
		s.status.LastError = err.Error()
	} else {
		s.status.Ingested++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("ingest rejected")
	}
}

// optimize runs Optimize and, on success, saves the map when a state path
// is configured. A failed save does not fail the optimize: the map has
// already changed, so the result is returned with SaveError set.
func (s *Service) optimize() (*OptimizeResult, error) {
	res, err := s.m.Optimize()
	if err != nil {
		s.mu.Lock()
		s.status.OptimizeFailures++
		s.status.LastError = err.Error()
		s.mu.Unlock()
		return nil, err
	}

	var saveErr error
	if path := s.cfg.Map.StatePath; path != "" {
		if err := SaveMap(path, s.m); err != nil {
			s.logger.Error().Err(err).Str("path", path).Msg("saving map failed")
			saveErr = fmt.Errorf("saving map: %w", err)
			res.SaveError = saveErr.Error()
		}
	}

	s.mu.Lock()
	s.lastOptimize = res
	s.status.OptimizeFailures = 0
	if saveErr != nil {
		s.status.LastError = saveErr.Error()
	}
	s.mu.Unlock()
	s.export()

	return res, nil
}

func (s *Service) export() {
	snap := s.m.ExportSnapshot()

	s.mu.Lock()
	stats := NewStatsReport(s.m, snap.Seq, s.lastOptimize)
	s.status.StatsReport = stats
	s.latest = snap
	s.hasSnapshot = true
	s.mu.Unlock()

	if s.publisher != nil {
		s.publisher.Offer(snap, stats)
	}
}
