package slam

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
)

const (
	// MaxIterations is the LM iteration budget of every Optimize call.
	MaxIterations = 20

	// PointVertexOffset separates point vertex ids from frame vertex ids.
	// Frame vertex ids occupy [0, PointVertexOffset).
	PointVertexOffset = 0x10000

	// Chi2TwoDOF99 is the 99% quantile of a chi-squared distribution with two
	// degrees of freedom; its square root is the Huber threshold in pixels.
	Chi2TwoDOF99 = 5.991

	// MonocularBaseline is the placeholder stereo baseline of every camera.
	MonocularBaseline = 1.0
)

// Edge is a binary reprojection edge between a point vertex and a pose
// vertex.
type Edge struct {
	Point       int
	Pose        int
	Measurement orb.Point
	Information [2][2]float64

	// HuberDelta is the robust kernel threshold; zero or less disables it.
	HuberDelta float64
}

// SolveStats describes a finished solve.
type SolveStats struct {
	Iterations   int     `json:"iterations"`
	Accepted     int     `json:"accepted"`
	InitialCost  float64 `json:"initialCost"`
	FinalCost    float64 `json:"finalCost"`
	SkippedEdges int     `json:"skippedEdges"`
}

// Graph is one optimization problem instance of a Solver.
type Graph interface {
	AddPoseVertex(id int, pose Pose, cam CameraModel) error
	AddPointVertex(id int, position r3.Vector, marginalized bool) error
	SetFixed(id int, fixed bool) error
	AddEdge(e Edge) error

	// Optimize runs exactly the given number of iterations. Faults are
	// reported wrapped in ErrSolverFailure.
	Optimize(iterations int) (SolveStats, error)

	PoseEstimate(id int) (Pose, error)
	PointEstimate(id int) (r3.Vector, error)
}

// Solver creates problem instances.
type Solver interface {
	NewGraph() Graph
}

// FrameVertexID is the solver vertex id of a frame.
func FrameVertexID(frameID int) int { return frameID }

// PointVertexID is the solver vertex id of a point.
func PointVertexID(pointID int) int { return pointID + PointVertexOffset }

// ProblemSize counts what ProblemBuilder put into a graph.
type ProblemSize struct {
	PoseVertices  int `json:"poseVertices"`
	PointVertices int `json:"pointVertices"`
	Edges         int `json:"edges"`
	Fixed         int `json:"fixed"`
}

// ProblemBuilder translates a Map into a vertex/edge graph: one pose vertex
// per frame (frame 0 fixed as the gauge), one marginalized point vertex per
// point and one Huber-weighted reprojection edge per observation.
type ProblemBuilder struct {
	HuberDelta  float64
	Information [2][2]float64

	logger zerolog.Logger
}

// NewProblemBuilder returns a builder with unit information and the
// sqrt(5.991) Huber threshold.
func NewProblemBuilder() *ProblemBuilder {
	return &ProblemBuilder{
		HuberDelta:  math.Sqrt(Chi2TwoDOF99),
		Information: [2][2]float64{{1, 0}, {0, 1}},
		logger:      Logger(),
	}
}

// Build adds every frame, point and observation of m to g. It stops at the
// first inconsistency; the graph is then incomplete and must be discarded.
func (b *ProblemBuilder) Build(m *Map, g Graph) (ProblemSize, error) {
	var size ProblemSize

	if len(m.frames) >= PointVertexOffset {
		return size, fmt.Errorf("%d frames exceed the vertex id space (%d)", len(m.frames), PointVertexOffset)
	}

	for _, f := range m.frames {
		id := FrameVertexID(f.ID)
		if err := g.AddPoseVertex(id, f.Pose, CameraFromIntrinsics(f.k)); err != nil {
			return size, fmt.Errorf("adding pose vertex %d: %w", id, err)
		}
		size.PoseVertices++

		if f.ID == 0 {
			if err := g.SetFixed(id, true); err != nil {
				return size, fmt.Errorf("fixing gauge vertex %d: %w", id, err)
			}
			size.Fixed++
		}
	}

	for _, p := range m.points {
		vid := PointVertexID(p.ID)
		if err := g.AddPointVertex(vid, p.Position, true); err != nil {
			return size, fmt.Errorf("adding point vertex %d: %w", vid, err)
		}
		size.PointVertices++

		// one edge per observation, even when two keypoints of the same
		// frame belong to this point
		for _, o := range p.obs {
			uv, err := lookupMeasurement(m, p, o)
			if err != nil {
				return size, err
			}

			e := Edge{
				Point:       vid,
				Pose:        FrameVertexID(o.FrameID),
				Measurement: uv,
				Information: b.Information,
				HuberDelta:  b.HuberDelta,
			}
			if err := g.AddEdge(e); err != nil {
				return size, fmt.Errorf("adding edge point %d -> frame %d: %w", p.ID, o.FrameID, err)
			}
			size.Edges++
		}
	}

	b.logger.Debug().
		Int("poses", size.PoseVertices).
		Int("points", size.PointVertices).
		Int("edges", size.Edges).
		Msg("problem built")

	return size, nil
}

// lookupMeasurement returns the pixel of observation o after proving that
// the frame's slot points back at p.
func lookupMeasurement(m *Map, p *Point, o Observation) (orb.Point, error) {
	if o.FrameID < 0 || o.FrameID >= len(m.frames) {
		return orb.Point{}, &ConsistencyError{
			PointID: p.ID, FrameID: o.FrameID, Index: o.Keypoint,
			Reason: fmt.Sprintf("unknown frame (map has %d)", len(m.frames)),
		}
	}
	f := m.frames[o.FrameID]

	owner, err := f.Slot(o.Keypoint)
	if err != nil {
		return orb.Point{}, err
	}
	switch owner {
	case p.ID:
		return f.keypoints[o.Keypoint], nil
	case NoPoint:
		return orb.Point{}, &ConsistencyError{
			PointID: p.ID, FrameID: f.ID, Index: o.Keypoint,
			Reason: "frame slot is empty",
		}
	default:
		return orb.Point{}, &ConsistencyError{
			PointID: p.ID, FrameID: f.ID, Index: o.Keypoint,
			Reason: fmt.Sprintf("frame slot is claimed by point %d", owner),
		}
	}
}
