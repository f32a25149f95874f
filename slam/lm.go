package slam

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

const (
	// minDiagonal keeps damping effective on rows the data leaves empty, such
	// as the depth of a point seen by a single frame.
	minDiagonal = 1e-6

	// minStep below which an iteration is considered stationary.
	minStep = 1e-12
)

// IterationStats is reported to LevenbergMarquardt.Observer after every
// iteration.
type IterationStats struct {
	Iteration int
	Cost      float64
	Lambda    float64
	Accepted  bool
}

// LevenbergMarquardt is a sparse bundle adjustment engine. Marginalized
// point vertices are eliminated with a Schur complement so that only the
// reduced camera system is factorized. Every iteration linearizes once and
// retries with growing damping until the robust cost decreases.
type LevenbergMarquardt struct {
	InitialLambda float64
	MinLambda     float64
	MaxLambda     float64

	// MaxTrials bounds the damping retries inside one iteration.
	MaxTrials int

	// Observer, when set, is called after every iteration.
	Observer func(IterationStats)

	logger zerolog.Logger
}

// NewLevenbergMarquardt returns an engine with conventional damping
// settings.
func NewLevenbergMarquardt() *LevenbergMarquardt {
	return &LevenbergMarquardt{
		InitialLambda: 1e-3,
		MinLambda:     1e-6,
		MaxLambda:     1e16,
		MaxTrials:     10,
		logger:        Logger(),
	}
}

// NewGraph implements Solver.
func (s *LevenbergMarquardt) NewGraph() Graph {
	return &lmGraph{
		cfg:    *s,
		poses:  make(map[int]*lmPose),
		points: make(map[int]*lmPoint),
	}
}

type lmPose struct {
	id    int
	idx   int
	pose  Pose
	cam   CameraModel
	fixed bool
	col   int
}

type lmPoint struct {
	id           int
	idx          int
	pos          r3.Vector
	marginalized bool
	fixed        bool
	col          int
	marg         int
	edges        []int
}

type lmEdge struct {
	Edge
	pose  int
	point int
}

type lmGraph struct {
	cfg LevenbergMarquardt

	poses      map[int]*lmPose
	points     map[int]*lmPoint
	poseOrder  []*lmPose
	pointOrder []*lmPoint
	edges      []lmEdge

	dim   int
	nMarg int
}

func (g *lmGraph) hasVertex(id int) bool {
	_, p := g.poses[id]
	_, q := g.points[id]
	return p || q
}

func (g *lmGraph) AddPoseVertex(id int, pose Pose, cam CameraModel) error {
	if g.hasVertex(id) {
		return fmt.Errorf("vertex %d already exists", id)
	}
	v := &lmPose{id: id, idx: len(g.poseOrder), pose: pose, cam: cam}
	g.poses[id] = v
	g.poseOrder = append(g.poseOrder, v)
	return nil
}

func (g *lmGraph) AddPointVertex(id int, position r3.Vector, marginalized bool) error {
	if g.hasVertex(id) {
		return fmt.Errorf("vertex %d already exists", id)
	}
	v := &lmPoint{id: id, idx: len(g.pointOrder), pos: position, marginalized: marginalized}
	g.points[id] = v
	g.pointOrder = append(g.pointOrder, v)
	return nil
}

func (g *lmGraph) SetFixed(id int, fixed bool) error {
	if v, ok := g.poses[id]; ok {
		v.fixed = fixed
		return nil
	}
	if v, ok := g.points[id]; ok {
		v.fixed = fixed
		return nil
	}
	return fmt.Errorf("vertex %d not found", id)
}

func (g *lmGraph) AddEdge(e Edge) error {
	pv, ok := g.poses[e.Pose]
	if !ok {
		return fmt.Errorf("edge pose vertex %d not found", e.Pose)
	}
	pt, ok := g.points[e.Point]
	if !ok {
		return fmt.Errorf("edge point vertex %d not found", e.Point)
	}
	pt.edges = append(pt.edges, len(g.edges))
	g.edges = append(g.edges, lmEdge{Edge: e, pose: pv.idx, point: pt.idx})
	return nil
}

func (g *lmGraph) PoseEstimate(id int) (Pose, error) {
	v, ok := g.poses[id]
	if !ok {
		return Pose{}, fmt.Errorf("pose vertex %d not found", id)
	}
	return v.pose, nil
}

func (g *lmGraph) PointEstimate(id int) (r3.Vector, error) {
	v, ok := g.points[id]
	if !ok {
		return r3.Vector{}, fmt.Errorf("point vertex %d not found", id)
	}
	return v.pos, nil
}

// layout assigns columns of the reduced system: 6 per free pose, 3 per free
// point that is not marginalized. Marginalized points get a block index.
func (g *lmGraph) layout() {
	g.dim, g.nMarg = 0, 0
	for _, v := range g.poseOrder {
		v.col = -1
		if !v.fixed {
			v.col = g.dim
			g.dim += 6
		}
	}
	for _, p := range g.pointOrder {
		p.col, p.marg = -1, -1
		switch {
		case p.fixed:
		case p.marginalized:
			p.marg = g.nMarg
			g.nMarg++
		default:
			p.col = g.dim
			g.dim += 3
		}
	}
}

// Optimize runs exactly iterations LM iterations. There is no convergence
// exit: once the cost stops decreasing the remaining iterations leave the
// estimate unchanged.
func (g *lmGraph) Optimize(iterations int) (SolveStats, error) {
	g.layout()

	poses := make([]Pose, len(g.poseOrder))
	for i, v := range g.poseOrder {
		poses[i] = v.pose
	}
	points := make([]r3.Vector, len(g.pointOrder))
	for i, p := range g.pointOrder {
		points[i] = p.pos
	}

	cost, skipped := g.cost(poses, points)
	stats := SolveStats{InitialCost: cost, SkippedEdges: skipped}
	if !finite(cost) {
		return stats, solverFailure(errors.New("initial cost is not finite"))
	}

	lambda := g.cfg.InitialLambda
	for it := 1; it <= iterations; it++ {
		stats.Iterations = it
		sys := g.linearize(poses, points)

		accepted, factorized := false, false
		for trial := 0; trial < g.cfg.MaxTrials; trial++ {
			dx, dp, ok := g.solveStep(sys, lambda)
			if !ok {
				if lambda >= g.cfg.MaxLambda {
					break
				}
				lambda = math.Min(lambda*10, g.cfg.MaxLambda)
				continue
			}
			factorized = true
			if stepNorm(dx, dp) < minStep {
				break
			}

			np, npts := g.applyStep(poses, points, dx, dp)
			nc, nskip := g.cost(np, npts)
			if finite(nc) && nc < cost && nskip <= skipped {
				poses, points, cost, skipped = np, npts, nc, nskip
				lambda = math.Max(lambda/10, g.cfg.MinLambda)
				accepted = true
				stats.Accepted++
				break
			}
			if lambda >= g.cfg.MaxLambda {
				break
			}
			lambda = math.Min(lambda*10, g.cfg.MaxLambda)
		}

		if !factorized {
			return stats, solverFailure(fmt.Errorf("iteration %d: normal equations are not positive definite (lambda %.3g)", it, lambda))
		}

		g.cfg.logger.Debug().
			Int("iteration", it).
			Float64("cost", cost).
			Float64("lambda", lambda).
			Bool("accepted", accepted).
			Msg("lm iteration")
		if g.cfg.Observer != nil {
			g.cfg.Observer(IterationStats{Iteration: it, Cost: cost, Lambda: lambda, Accepted: accepted})
		}
	}

	for i, v := range g.poseOrder {
		v.pose = poses[i]
	}
	for i, p := range g.pointOrder {
		p.pos = points[i]
	}

	stats.FinalCost = cost
	stats.SkippedEdges = skipped
	return stats, nil
}

// cost returns the total robust cost and the number of edges whose point
// sits on the camera plane.
func (g *lmGraph) cost(poses []Pose, points []r3.Vector) (float64, int) {
	var total float64
	var skipped int
	for i := range g.edges {
		e := &g.edges[i]
		cam := g.poseOrder[e.pose].cam
		uv, ok := cam.Project(poses[e.pose].Transform(points[e.point]))
		if !ok {
			skipped++
			continue
		}
		r := [2]float64{uv[0] - e.Measurement[0], uv[1] - e.Measurement[1]}
		total += huberRho(chi2(r, e.Information), e.HuberDelta)
	}
	return total, skipped
}

type lmSystem struct {
	h []float64
	g []float64

	hpp [][9]float64
	gp  [][3]float64

	// w holds the 6x3 pose/point coupling of edges between a free pose and
	// a marginalized point.
	w    [][18]float64
	hasW []bool
}

func (g *lmGraph) linearize(poses []Pose, points []r3.Vector) *lmSystem {
	d := g.dim
	sys := &lmSystem{
		h:    make([]float64, d*d),
		g:    make([]float64, d),
		hpp:  make([][9]float64, g.nMarg),
		gp:   make([][3]float64, g.nMarg),
		w:    make([][18]float64, len(g.edges)),
		hasW: make([]bool, len(g.edges)),
	}

	for ei := range g.edges {
		e := &g.edges[ei]
		pv := g.poseOrder[e.pose]
		pt := g.pointOrder[e.point]
		pose := poses[e.pose]

		xc := pose.Transform(points[e.point])
		if math.Abs(xc.Z) < minProjectionDepth {
			continue
		}
		cam := pv.cam
		iz := 1 / xc.Z
		jproj := [2][3]float64{
			{cam.Fx * iz, 0, -cam.Fx * xc.X * iz * iz},
			{0, cam.Fy * iz, -cam.Fy * xc.Y * iz * iz},
		}
		r := [2]float64{
			cam.Fx*xc.X*iz + cam.Cx - e.Measurement[0],
			cam.Fy*xc.Y*iz + cam.Cy - e.Measurement[1],
		}

		wt := huberWeight(chi2(r, e.Information), e.HuberDelta)
		var wi [2][2]float64
		for k := 0; k < 2; k++ {
			for l := 0; l < 2; l++ {
				wi[k][l] = wt * e.Information[k][l]
			}
		}
		wr := [2]float64{
			wi[0][0]*r[0] + wi[0][1]*r[1],
			wi[1][0]*r[0] + wi[1][1]*r[1],
		}

		// d(Xc)/d(omega) = -[Xc]x, d(Xc)/d(upsilon) = I.
		var jc [2][6]float64
		for k := 0; k < 2; k++ {
			a := jproj[k]
			jc[k][0] = -a[1]*xc.Z + a[2]*xc.Y
			jc[k][1] = a[0]*xc.Z - a[2]*xc.X
			jc[k][2] = -a[0]*xc.Y + a[1]*xc.X
			jc[k][3], jc[k][4], jc[k][5] = a[0], a[1], a[2]
		}
		// d(Xc)/d(Xw) = R.
		var jp [2][3]float64
		for k := 0; k < 2; k++ {
			for c := 0; c < 3; c++ {
				jp[k][c] = jproj[k][0]*pose.R[0][c] + jproj[k][1]*pose.R[1][c] + jproj[k][2]*pose.R[2][c]
			}
		}

		jcS := [2][]float64{jc[0][:], jc[1][:]}
		jpS := [2][]float64{jp[0][:], jp[1][:]}
		wjc := weigh(wi, jcS)
		wjp := weigh(wi, jpS)

		if pv.col >= 0 {
			c := pv.col
			accumulate(jcS, wjc, func(a, b int, v float64) { sys.h[(c+a)*d+c+b] += v })
			for a := 0; a < 6; a++ {
				sys.g[c+a] -= jc[0][a]*wr[0] + jc[1][a]*wr[1]
			}
		}

		switch {
		case pt.col >= 0:
			p := pt.col
			accumulate(jpS, wjp, func(a, b int, v float64) { sys.h[(p+a)*d+p+b] += v })
			for a := 0; a < 3; a++ {
				sys.g[p+a] -= jp[0][a]*wr[0] + jp[1][a]*wr[1]
			}
			if pv.col >= 0 {
				c := pv.col
				accumulate(jcS, wjp, func(a, b int, v float64) {
					sys.h[(c+a)*d+p+b] += v
					sys.h[(p+b)*d+c+a] += v
				})
			}
		case pt.marg >= 0:
			m := pt.marg
			accumulate(jpS, wjp, func(a, b int, v float64) { sys.hpp[m][a*3+b] += v })
			for a := 0; a < 3; a++ {
				sys.gp[m][a] -= jp[0][a]*wr[0] + jp[1][a]*wr[1]
			}
			if pv.col >= 0 {
				accumulate(jcS, wjp, func(a, b int, v float64) { sys.w[ei][a*3+b] += v })
				sys.hasW[ei] = true
			}
		}
	}
	return sys
}

// solveStep solves the damped normal equations for one λ. Marginalized
// points are eliminated first; their updates are recovered by back
// substitution.
func (g *lmGraph) solveStep(sys *lmSystem, lambda float64) ([]float64, [][3]float64, bool) {
	d := g.dim
	a := make([]float64, len(sys.h))
	copy(a, sys.h)
	rhs := make([]float64, d)
	copy(rhs, sys.g)
	for i := 0; i < d; i++ {
		a[i*d+i] += lambda * math.Max(sys.h[i*d+i], minDiagonal)
	}

	inv := make([][9]float64, g.nMarg)
	for _, pt := range g.pointOrder {
		if pt.marg < 0 {
			continue
		}
		m := pt.marg
		hd := sys.hpp[m]
		for i := 0; i < 3; i++ {
			hd[i*3+i] += lambda * math.Max(sys.hpp[m][i*3+i], minDiagonal)
		}
		hinv, ok := invert3(hd)
		if !ok {
			return nil, nil, false
		}
		inv[m] = hinv

		gp := sys.gp[m]
		for _, e1 := range pt.edges {
			if !sys.hasW[e1] {
				continue
			}
			c1 := g.poseOrder[g.edges[e1].pose].col
			v := mul63x33(sys.w[e1], hinv)
			for r := 0; r < 6; r++ {
				rhs[c1+r] -= v[r*3]*gp[0] + v[r*3+1]*gp[1] + v[r*3+2]*gp[2]
			}
			for _, e2 := range pt.edges {
				if !sys.hasW[e2] {
					continue
				}
				c2 := g.poseOrder[g.edges[e2].pose].col
				w2 := &sys.w[e2]
				for r := 0; r < 6; r++ {
					for c := 0; c < 6; c++ {
						a[(c1+r)*d+c2+c] -= v[r*3]*w2[c*3] + v[r*3+1]*w2[c*3+1] + v[r*3+2]*w2[c*3+2]
					}
				}
			}
		}
	}

	dx := make([]float64, d)
	if d > 0 {
		var chol mat.Cholesky
		if ok := chol.Factorize(mat.NewSymDense(d, a)); !ok {
			return nil, nil, false
		}
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, mat.NewVecDense(d, rhs)); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) {
				return nil, nil, false
			}
		}
		for i := range dx {
			dx[i] = x.AtVec(i)
			if !finite(dx[i]) {
				return nil, nil, false
			}
		}
	}

	dp := make([][3]float64, g.nMarg)
	for _, pt := range g.pointOrder {
		if pt.marg < 0 {
			continue
		}
		m := pt.marg
		t := sys.gp[m]
		for _, ei := range pt.edges {
			if !sys.hasW[ei] {
				continue
			}
			c := g.poseOrder[g.edges[ei].pose].col
			w := &sys.w[ei]
			for k := 0; k < 3; k++ {
				for r := 0; r < 6; r++ {
					t[k] -= w[r*3+k] * dx[c+r]
				}
			}
		}
		hinv := inv[m]
		for k := 0; k < 3; k++ {
			dp[m][k] = hinv[k*3]*t[0] + hinv[k*3+1]*t[1] + hinv[k*3+2]*t[2]
			if !finite(dp[m][k]) {
				return nil, nil, false
			}
		}
	}
	return dx, dp, true
}

func (g *lmGraph) applyStep(poses []Pose, points []r3.Vector, dx []float64, dp [][3]float64) ([]Pose, []r3.Vector) {
	np := make([]Pose, len(poses))
	copy(np, poses)
	for i, v := range g.poseOrder {
		if c := v.col; c >= 0 {
			np[i] = poses[i].Retract(
				r3.Vector{X: dx[c], Y: dx[c+1], Z: dx[c+2]},
				r3.Vector{X: dx[c+3], Y: dx[c+4], Z: dx[c+5]},
			)
		}
	}

	npts := make([]r3.Vector, len(points))
	copy(npts, points)
	for i, p := range g.pointOrder {
		switch {
		case p.col >= 0:
			npts[i] = points[i].Add(r3.Vector{X: dx[p.col], Y: dx[p.col+1], Z: dx[p.col+2]})
		case p.marg >= 0:
			d := dp[p.marg]
			npts[i] = points[i].Add(r3.Vector{X: d[0], Y: d[1], Z: d[2]})
		}
	}
	return np, npts
}

func stepNorm(dx []float64, dp [][3]float64) float64 {
	var m float64
	for _, v := range dx {
		m = math.Max(m, math.Abs(v))
	}
	for _, d := range dp {
		for _, v := range d {
			m = math.Max(m, math.Abs(v))
		}
	}
	return m
}

func chi2(r [2]float64, info [2][2]float64) float64 {
	return r[0]*(info[0][0]*r[0]+info[0][1]*r[1]) + r[1]*(info[1][0]*r[0]+info[1][1]*r[1])
}

// huberRho is the Huber loss of a squared error s with threshold delta.
func huberRho(s, delta float64) float64 {
	if delta <= 0 || s <= delta*delta {
		return s
	}
	return 2*delta*math.Sqrt(s) - delta*delta
}

// huberWeight is dρ/ds, the IRLS weight of a squared error s.
func huberWeight(s, delta float64) float64 {
	if delta <= 0 || s <= delta*delta {
		return 1
	}
	return delta / math.Sqrt(s)
}

func weigh(wi [2][2]float64, j [2][]float64) [2][]float64 {
	n := len(j[0])
	out := [2][]float64{make([]float64, n), make([]float64, n)}
	for k := 0; k < 2; k++ {
		for b := 0; b < n; b++ {
			out[k][b] = wi[k][0]*j[0][b] + wi[k][1]*j[1][b]
		}
	}
	return out
}

// accumulate emits (Aᵀ·WB)[a][b] for every a, b.
func accumulate(ja, wjb [2][]float64, add func(a, b int, v float64)) {
	for a := range ja[0] {
		for b := range wjb[0] {
			add(a, b, ja[0][a]*wjb[0][b]+ja[1][a]*wjb[1][b])
		}
	}
}

func mul63x33(w [18]float64, m [9]float64) [18]float64 {
	var out [18]float64
	for r := 0; r < 6; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = w[r*3]*m[c] + w[r*3+1]*m[3+c] + w[r*3+2]*m[6+c]
		}
	}
	return out
}

func invert3(m [9]float64) ([9]float64, bool) {
	a, b, c := m[0], m[1], m[2]
	d, e, f := m[3], m[4], m[5]
	g, h, i := m[6], m[7], m[8]

	c00 := e*i - f*h
	c01 := -(d*i - f*g)
	c02 := d*h - e*g
	det := a*c00 + b*c01 + c*c02
	if det == 0 || !finite(det) {
		return [9]float64{}, false
	}
	s := 1 / det
	return [9]float64{
		c00 * s, -(b*i - c*h) * s, (b*f - c*e) * s,
		c01 * s, (a*i - c*g) * s, -(a*f - c*d) * s,
		c02 * s, -(a*h - b*g) * s, (a*e - b*d) * s,
	}, true
}
