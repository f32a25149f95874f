package slam

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

// SyntheticConfig describes a generated scene: a row of cameras along +X,
// all looking down +Z, and a cloud of points in front of them.
type SyntheticConfig struct {
	Frames     int        `yaml:"frames" json:"frames"`
	Points     int        `yaml:"points" json:"points"`
	Baseline   float64    `yaml:"baseline" json:"baseline"`
	PixelNoise float64    `yaml:"pixelNoise" json:"pixelNoise"`
	PointNoise float64    `yaml:"pointNoise" json:"pointNoise"`
	PoseNoise  float64    `yaml:"poseNoise" json:"poseNoise"`
	MinDepth   float64    `yaml:"minDepth" json:"minDepth"`
	MaxDepth   float64    `yaml:"maxDepth" json:"maxDepth"`
	Seed       uint64     `yaml:"seed" json:"seed"`
	K          Intrinsics `yaml:"-" json:"-"`
}

// DefaultSyntheticConfig returns a small well-conditioned scene.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Frames:     3,
		Points:     20,
		Baseline:   1,
		PixelNoise: 0.1,
		PointNoise: 0.03,
		MinDepth:   4,
		MaxDepth:   8,
		Seed:       1,
		K:          NewIntrinsics(500, 500, 320, 240),
	}
}

// Validate rejects configurations that cannot produce a usable scene.
func (c SyntheticConfig) Validate() error {
	switch {
	case c.Frames < 1:
		return errors.New("synthetic scene needs at least one frame")
	case c.Points < 0:
		return errors.New("synthetic point count must not be negative")
	case c.MinDepth <= 0 || c.MaxDepth < c.MinDepth:
		return fmt.Errorf("invalid depth range [%g, %g]", c.MinDepth, c.MaxDepth)
	case c.PixelNoise < 0 || c.PointNoise < 0 || c.PoseNoise < 0:
		return errors.New("noise levels must not be negative")
	case c.K.Fx() <= 0 || c.K.Fy() <= 0:
		return errors.New("focal lengths must be positive")
	}
	return nil
}

// SyntheticScene is a generated map together with its ground truth.
type SyntheticScene struct {
	Map        *Map
	TruePoses  []Pose
	TruePoints []r3.Vector
}

// NewSyntheticScene builds a map in which every point is observed by every
// frame. Keypoint i of each frame belongs to point i. Frame 0 starts at its
// true pose; the others get PoseNoise of translation error, and every point
// starts PointNoise away from the truth per axis.
func NewSyntheticScene(cfg SyntheticConfig, opts ...MapOption) (*SyntheticScene, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	uniform := func(lo, hi float64) float64 { return lo + (hi-lo)*rng.Float64() }

	s := &SyntheticScene{
		Map:        NewMap(opts...),
		TruePoses:  make([]Pose, cfg.Frames),
		TruePoints: make([]r3.Vector, cfg.Points),
	}

	span := cfg.Baseline * float64(cfg.Frames-1)
	for i := range s.TruePoints {
		s.TruePoints[i] = r3.Vector{
			X: uniform(-1, span+1),
			Y: uniform(-1, 1),
			Z: uniform(cfg.MinDepth, cfg.MaxDepth),
		}
	}

	cam := CameraFromIntrinsics(cfg.K)
	for f := 0; f < cfg.Frames; f++ {
		truth := PoseFromCenter(IdentityRotation(), r3.Vector{X: cfg.Baseline * float64(f)})
		s.TruePoses[f] = truth

		kps := make([]orb.Point, cfg.Points)
		for i, x := range s.TruePoints {
			uv, ok := cam.Project(truth.Transform(x))
			if !ok {
				return nil, fmt.Errorf("point %d projects onto the plane of frame %d", i, f)
			}
			kps[i] = orb.Point{
				uv[0] + rng.NormFloat64()*cfg.PixelNoise,
				uv[1] + rng.NormFloat64()*cfg.PixelNoise,
			}
		}

		start := truth
		if f > 0 && cfg.PoseNoise > 0 {
			start.T = start.T.Add(r3.Vector{
				X: rng.NormFloat64() * cfg.PoseNoise,
				Y: rng.NormFloat64() * cfg.PoseNoise,
				Z: rng.NormFloat64() * cfg.PoseNoise,
			})
		}
		NewFrame(s.Map, start, cfg.K, kps)
	}

	for i, x := range s.TruePoints {
		start := x.Add(r3.Vector{
			X: uniform(-cfg.PointNoise, cfg.PointNoise),
			Y: uniform(-cfg.PointNoise, cfg.PointNoise),
			Z: uniform(-cfg.PointNoise, cfg.PointNoise),
		})
		p := NewPoint(s.Map, start)
		for _, f := range s.Map.frames {
			if err := p.AddObservation(f, i); err != nil {
				return nil, fmt.Errorf("linking point %d to frame %d: %w", i, f.ID, err)
			}
		}
	}

	return s, nil
}

// PointErrors returns the distance of every point from its true position.
func (s *SyntheticScene) PointErrors() []float64 {
	out := make([]float64, len(s.TruePoints))
	for i, p := range s.Map.points {
		out[i] = p.Position.Sub(s.TruePoints[i]).Norm()
	}
	return out
}

// PoseErrors returns the distance of every camera centre from the truth.
func (s *SyntheticScene) PoseErrors() []float64 {
	out := make([]float64, len(s.TruePoses))
	for i, f := range s.Map.frames {
		out[i] = f.Pose.Center().Sub(s.TruePoses[i].Center()).Norm()
	}
	return out
}
