package slam

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func expectBuild(g *mockGraph) {
	g.On("AddPoseVertex", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	g.On("SetFixed", 0, true).Return(nil)
	g.On("AddPointVertex", mock.Anything, mock.Anything, true).Return(nil)
	g.On("AddEdge", mock.Anything).Return(nil)
}

func TestMap_OptimizeWritesBack(t *testing.T) {
	g := &mockGraph{}
	m := newTwoFrameMap(t, WithSolver(graphSolver{g}))

	moved := PoseFromCenter(IdentityRotation(), r3.Vector{X: 1.1})
	expectBuild(g)
	g.On("Optimize", MaxIterations).Return(SolveStats{Iterations: MaxIterations, InitialCost: 9, FinalCost: 1}, nil).Once()
	g.On("PoseEstimate", 0).Return(IdentityPose(), nil)
	g.On("PoseEstimate", 1).Return(moved, nil)
	g.On("PointEstimate", PointVertexID(0)).Return(r3.Vector{Z: 5.5}, nil)
	g.On("PointEstimate", PointVertexID(1)).Return(r3.Vector{X: 1, Z: 6.5}, nil)

	res, err := m.Optimize()
	require.NoError(t, err)
	g.AssertExpectations(t)

	assert.Equal(t, MaxIterations, res.Solve.Iterations)
	assert.Equal(t, 3, res.Problem.Edges)
	assert.Equal(t, moved, m.frames[1].Pose)
	assert.Equal(t, r3.Vector{Z: 5.5}, m.points[0].Position)
	assert.Equal(t, r3.Vector{X: 1, Z: 6.5}, m.points[1].Position)
}

func TestMap_OptimizeFailureLeavesMapUntouched(t *testing.T) {
	tests := []struct {
		name   string
		expect func(g *mockGraph)
	}{
		{
			name: "solver error",
			expect: func(g *mockGraph) {
				g.On("Optimize", MaxIterations).Return(SolveStats{}, errors.New("diverged"))
			},
		},
		{
			name: "non-finite point estimate",
			expect: func(g *mockGraph) {
				g.On("Optimize", MaxIterations).Return(SolveStats{}, nil)
				g.On("PoseEstimate", mock.Anything).Return(PoseFromCenter(IdentityRotation(), r3.Vector{Y: 3}), nil)
				g.On("PointEstimate", PointVertexID(0)).Return(r3.Vector{Z: 1}, nil)
				g.On("PointEstimate", PointVertexID(1)).Return(r3.Vector{Z: math.Inf(1)}, nil)
			},
		},
		{
			name: "non-finite pose estimate",
			expect: func(g *mockGraph) {
				g.On("Optimize", MaxIterations).Return(SolveStats{}, nil)
				g.On("PoseEstimate", 0).Return(IdentityPose(), nil)
				g.On("PoseEstimate", 1).Return(Pose{T: r3.Vector{X: math.NaN()}}, nil)
			},
		},
		{
			name: "missing estimate",
			expect: func(g *mockGraph) {
				g.On("Optimize", MaxIterations).Return(SolveStats{}, nil)
				g.On("PoseEstimate", mock.Anything).Return(Pose{}, errors.New("no such vertex"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &mockGraph{}
			m := newTwoFrameMap(t, WithSolver(graphSolver{g}))
			expectBuild(g)
			tt.expect(g)

			poses := []Pose{m.frames[0].Pose, m.frames[1].Pose}
			positions := []r3.Vector{m.points[0].Position, m.points[1].Position}

			_, err := m.Optimize()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSolverFailure), "got %v", err)

			assert.Equal(t, poses, []Pose{m.frames[0].Pose, m.frames[1].Pose})
			assert.Equal(t, positions, []r3.Vector{m.points[0].Position, m.points[1].Position})
		})
	}
}

func TestMap_OptimizeConsistencyErrorSkipsSolver(t *testing.T) {
	g := &mockGraph{}
	m := newTwoFrameMap(t, WithSolver(graphSolver{g}))
	expectBuild(g)

	intruder := NewPoint(m, r3.Vector{Z: 3})
	require.NoError(t, intruder.AddObservation(m.frames[0], 0))

	poses := []Pose{m.frames[0].Pose, m.frames[1].Pose}
	positions := []r3.Vector{m.points[0].Position, m.points[1].Position, m.points[2].Position}

	_, err := m.Optimize()
	require.Error(t, err)

	var cerr *ConsistencyError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 0, cerr.PointID)
	assert.Equal(t, 0, cerr.FrameID)
	assert.False(t, errors.Is(err, ErrSolverFailure))

	g.AssertNotCalled(t, "Optimize", mock.Anything)
	assert.Equal(t, poses, []Pose{m.frames[0].Pose, m.frames[1].Pose})
	assert.Equal(t, positions, []r3.Vector{m.points[0].Position, m.points[1].Position, m.points[2].Position})
}

func TestMap_ExportSnapshot(t *testing.T) {
	m := newTwoFrameMap(t)

	s := m.ExportSnapshot()
	assert.Equal(t, uint64(1), s.Seq)
	require.Len(t, s.Poses, 2)
	require.Len(t, s.Points, 2)
	assert.Equal(t, m.frames[1].Pose.Matrix(), s.Poses[1])
	assert.Equal(t, m.points[1].Position, s.Points[1])

	// later edits do not reach an exported snapshot
	m.points[1].Position = r3.Vector{X: 99}
	latest, ok := m.Snapshots().Latest()
	require.True(t, ok)
	assert.Equal(t, r3.Vector{X: 1, Y: 0.5, Z: 6}, latest.Points[1])
}

func TestMap_ValidateAggregates(t *testing.T) {
	m := newTwoFrameMap(t)
	require.NoError(t, m.Validate())

	// two independent violations
	m.points[0].obs = append(m.points[0].obs, Observation{FrameID: 5, Keypoint: 0})
	m.frames[1].slots[2] = 1

	err := m.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConsistency))
	assert.Contains(t, err.Error(), "unknown frame")
	assert.Contains(t, err.Error(), "no matching observation")
}

func TestMap_ReprojectionRMS(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.PixelNoise = 0
	cfg.PointNoise = 0
	scene, err := NewSyntheticScene(cfg)
	require.NoError(t, err)

	rms, n := scene.Map.ReprojectionRMS()
	assert.Equal(t, cfg.Frames*cfg.Points, n)
	assert.InDelta(t, 0, rms, 1e-9)

	rms, n = NewMap().ReprojectionRMS()
	assert.Equal(t, 0, n)
	assert.Equal(t, 0.0, rms)
}

func TestMap_Defaults(t *testing.T) {
	m := NewMap()
	assert.Equal(t, ConflictOverwrite, m.ConflictPolicy())
	assert.NotNil(t, m.Snapshots())
	_, ok := m.solver.(*LevenbergMarquardt)
	assert.True(t, ok)

	ch := NewSnapshotChannel()
	m = NewMap(WithConflictPolicy(ConflictReject), WithSnapshotChannel(ch))
	assert.Equal(t, ConflictReject, m.ConflictPolicy())
	assert.Same(t, ch, m.Snapshots())
}
