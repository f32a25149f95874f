// Package slam keeps a sparse reconstruction map of camera frames and 3D
// points and refines it with full-batch bundle adjustment.
package slam

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Map owns every Frame and Point of a reconstruction session. Ids are
// indices into two append-only registries and are never reused.
//
// A Map is not safe for concurrent use; callers that share one across
// goroutines must serialise access, including around Optimize.
type Map struct {
	frames []*Frame
	points []*Point

	policy    ConflictPolicy
	solver    Solver
	builder   *ProblemBuilder
	snapshots *SnapshotChannel
	seq       uint64
	logger    zerolog.Logger
}

// MapOption configures a Map.
type MapOption func(*Map)

// WithSolver injects the nonlinear least-squares backend.
func WithSolver(s Solver) MapOption {
	return func(m *Map) { m.solver = s }
}

// WithConflictPolicy selects how AddObservation treats occupied slots.
func WithConflictPolicy(p ConflictPolicy) MapOption {
	return func(m *Map) { m.policy = p }
}

// WithSnapshotChannel sets the channel ExportSnapshot publishes to.
func WithSnapshotChannel(c *SnapshotChannel) MapOption {
	return func(m *Map) { m.snapshots = c }
}

// WithLogger sets the map's logger.
func WithLogger(l zerolog.Logger) MapOption {
	return func(m *Map) { m.logger = l }
}

// NewMap creates an empty map. Without options it uses the
// LevenbergMarquardt solver, ConflictOverwrite and a fresh snapshot channel.
func NewMap(opts ...MapOption) *Map {
	m := &Map{
		policy:  ConflictOverwrite,
		builder: NewProblemBuilder(),
		logger:  Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.solver == nil {
		m.solver = NewLevenbergMarquardt()
	}
	if m.snapshots == nil {
		m.snapshots = NewSnapshotChannel()
	}
	return m
}

// Frames returns the frame registry in creation order. The slice is a copy;
// the frames are shared.
func (m *Map) Frames() []*Frame {
	out := make([]*Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

// Points returns the point registry in creation order.
func (m *Map) Points() []*Point {
	out := make([]*Point, len(m.points))
	copy(out, m.points)
	return out
}

// Frame returns the frame with the given id.
func (m *Map) Frame(id int) (*Frame, bool) {
	if id < 0 || id >= len(m.frames) {
		return nil, false
	}
	return m.frames[id], true
}

// Point returns the point with the given id.
func (m *Map) Point(id int) (*Point, bool) {
	if id < 0 || id >= len(m.points) {
		return nil, false
	}
	return m.points[id], true
}

// NumFrames returns the frame count.
func (m *Map) NumFrames() int { return len(m.frames) }

// NumPoints returns the point count.
func (m *Map) NumPoints() int { return len(m.points) }

// ConflictPolicy returns the slot conflict policy.
func (m *Map) ConflictPolicy() ConflictPolicy { return m.policy }

// Snapshots returns the channel ExportSnapshot publishes to.
func (m *Map) Snapshots() *SnapshotChannel { return m.snapshots }

// OptimizeResult summarises a successful Optimize call.
type OptimizeResult struct {
	Problem  ProblemSize   `json:"problem"`
	Solve    SolveStats    `json:"solve"`
	Duration time.Duration `json:"duration"`
	// SaveError is set by callers that persist the map after a successful
	// optimize and failed to; the refined estimates are in the map anyway.
	SaveError string `json:"saveError,omitempty"`
}

// Optimize runs full-batch bundle adjustment over every frame, point and
// observation for MaxIterations iterations and writes the refined poses and
// positions back. Write-back happens only after the whole solve succeeded:
// on any error the map is left exactly as it was.
func (m *Map) Optimize() (*OptimizeResult, error) {
	start := time.Now()

	g := m.solver.NewGraph()
	size, err := m.builder.Build(m, g)
	if err != nil {
		return nil, fmt.Errorf("building problem: %w", err)
	}

	stats, err := g.Optimize(MaxIterations)
	if err != nil {
		return nil, solverFailure(err)
	}

	poses := make([]Pose, len(m.frames))
	for i, f := range m.frames {
		pose, err := g.PoseEstimate(FrameVertexID(f.ID))
		if err != nil {
			return nil, solverFailure(fmt.Errorf("reading pose of frame %d: %w", f.ID, err))
		}
		if !pose.IsFinite() {
			return nil, solverFailure(fmt.Errorf("non-finite pose estimate for frame %d", f.ID))
		}
		poses[i] = pose
	}

	positions := make([]r3.Vector, len(m.points))
	for i, p := range m.points {
		pos, err := g.PointEstimate(PointVertexID(p.ID))
		if err != nil {
			return nil, solverFailure(fmt.Errorf("reading position of point %d: %w", p.ID, err))
		}
		if !finiteVector(pos) {
			return nil, solverFailure(fmt.Errorf("non-finite position estimate for point %d", p.ID))
		}
		positions[i] = pos
	}

	for i, f := range m.frames {
		f.Pose = poses[i]
	}
	for i, p := range m.points {
		p.Position = positions[i]
	}

	res := &OptimizeResult{Problem: size, Solve: stats, Duration: time.Since(start)}
	m.logger.Info().
		Int("frames", size.PoseVertices).
		Int("points", size.PointVertices).
		Int("edges", size.Edges).
		Float64("initialCost", stats.InitialCost).
		Float64("finalCost", stats.FinalCost).
		Dur("took", res.Duration).
		Msg("bundle adjustment finished")

	return res, nil
}

// ExportSnapshot copies every pose and position, in registry order, and
// publishes the copy to the map's snapshot channel.
func (m *Map) ExportSnapshot() Snapshot {
	m.seq++
	s := Snapshot{
		Seq:       m.seq,
		Timestamp: time.Now(),
		Poses:     make([]Matrix4, len(m.frames)),
		Points:    make([]r3.Vector, len(m.points)),
	}
	for i, f := range m.frames {
		s.Poses[i] = f.Pose.Matrix()
	}
	for i, p := range m.points {
		s.Points[i] = p.Position
	}

	m.snapshots.Publish(s)
	return s
}

// Validate checks both directions of every frame/point link and returns
// all violations combined. A nil result means every observation has a slot
// pointing back at its point and every claimed slot is backed by an
// observation.
func (m *Map) Validate() error {
	var errs error
	for _, p := range m.points {
		for _, o := range p.obs {
			if _, err := lookupMeasurement(m, p, o); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	for _, f := range m.frames {
		for idx, owner := range f.slots {
			if owner == NoPoint {
				continue
			}
			if owner < 0 || owner >= len(m.points) {
				errs = multierr.Append(errs, &ConsistencyError{
					PointID: owner, FrameID: f.ID, Index: idx,
					Reason: "slot names an unknown point",
				})
				continue
			}
			if !m.points[owner].hasObservation(f.ID, idx) {
				errs = multierr.Append(errs, &ConsistencyError{
					PointID: owner, FrameID: f.ID, Index: idx,
					Reason: "slot owner has no matching observation",
				})
			}
		}
	}
	return errs
}

// MapStats counts the registry contents.
type MapStats struct {
	Frames       int `json:"frames"`
	Points       int `json:"points"`
	Observations int `json:"observations"`
	Stale        int `json:"stale"`
}

// Stats returns registry counts. Stale counts observations whose frame slot
// no longer points back at their point.
func (m *Map) Stats() MapStats {
	s := MapStats{Frames: len(m.frames), Points: len(m.points)}
	for _, p := range m.points {
		s.Observations += len(p.obs)
		for _, o := range p.obs {
			if _, err := lookupMeasurement(m, p, o); err != nil {
				s.Stale++
			}
		}
	}
	return s
}

// ReprojectionRMS returns the root-mean-square pixel distance between each
// consistent observation and the projection of its point, and the number of
// observations that contributed.
func (m *Map) ReprojectionRMS() (float64, int) {
	var sum float64
	var n int
	for _, p := range m.points {
		for _, o := range p.obs {
			uv, err := lookupMeasurement(m, p, o)
			if err != nil {
				continue
			}
			f := m.frames[o.FrameID]
			proj, ok := CameraFromIntrinsics(f.k).Project(f.Pose.Transform(p.Position))
			if !ok {
				continue
			}
			du, dv := proj[0]-uv[0], proj[1]-uv[1]
			sum += du*du + dv*dv
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return math.Sqrt(sum / float64(n)), n
}
