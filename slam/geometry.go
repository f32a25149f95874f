package slam

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

// Matrix4 is a row-major 4x4 homogeneous transform.
type Matrix4 [4][4]float64

// Rotation is a row-major 3x3 rotation matrix.
type Rotation [3][3]float64

// IdentityRotation returns the identity rotation.
func IdentityRotation() Rotation {
	return Rotation{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Apply rotates v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// Mul returns r·o.
func (r Rotation) Mul(o Rotation) Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[i][0]*o[0][j] + r[i][1]*o[1][j] + r[i][2]*o[2][j]
		}
	}
	return out
}

// Transpose returns rᵀ, which is also the inverse rotation.
func (r Rotation) Transpose() Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[j][i]
		}
	}
	return out
}

// ExpRotation maps an axis-angle vector to a rotation (Rodrigues' formula).
func ExpRotation(w r3.Vector) Rotation {
	theta := w.Norm()
	if theta < 1e-12 {
		return Rotation{
			{1, -w.Z, w.Y},
			{w.Z, 1, -w.X},
			{-w.Y, w.X, 1},
		}
	}
	k := w.Mul(1 / theta)
	s, c := math.Sin(theta), math.Cos(theta)
	v := 1 - c
	return Rotation{
		{c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s},
		{k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s},
		{k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v},
	}
}

// Pose is a rigid transform taking world coordinates into the camera frame:
// Xc = R·Xw + T.
type Pose struct {
	R Rotation  `json:"r"`
	T r3.Vector `json:"t"`
}

// IdentityPose returns a camera at the world origin looking down +Z.
func IdentityPose() Pose {
	return Pose{R: IdentityRotation()}
}

// PoseFromCenter builds the pose of a camera with orientation r (world to
// camera) whose optical centre sits at c in world coordinates.
func PoseFromCenter(r Rotation, c r3.Vector) Pose {
	return Pose{R: r, T: r.Apply(c).Mul(-1)}
}

// Transform maps a world point into the camera frame.
func (p Pose) Transform(x r3.Vector) r3.Vector {
	return p.R.Apply(x).Add(p.T)
}

// Center returns the optical centre in world coordinates.
func (p Pose) Center() r3.Vector {
	return p.R.Transpose().Apply(p.T).Mul(-1)
}

// Direction returns the optical axis in world coordinates.
func (p Pose) Direction() r3.Vector {
	return r3.Vector{X: p.R[2][0], Y: p.R[2][1], Z: p.R[2][2]}
}

// Retract applies a left perturbation: R' = Exp(ω)·R, T' = Exp(ω)·T + υ.
func (p Pose) Retract(omega, upsilon r3.Vector) Pose {
	dr := ExpRotation(omega)
	return Pose{R: dr.Mul(p.R), T: dr.Apply(p.T).Add(upsilon)}
}

// Matrix returns the homogeneous form of the pose.
func (p Pose) Matrix() Matrix4 {
	return Matrix4{
		{p.R[0][0], p.R[0][1], p.R[0][2], p.T.X},
		{p.R[1][0], p.R[1][1], p.R[1][2], p.T.Y},
		{p.R[2][0], p.R[2][1], p.R[2][2], p.T.Z},
		{0, 0, 0, 1},
	}
}

// IsFinite reports whether every component is a finite number.
func (p Pose) IsFinite() bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if !finite(p.R[i][j]) {
				return false
			}
		}
	}
	return finiteVector(p.T)
}

// PoseFromMatrix extracts the rotation and translation blocks of m. The
// bottom row is ignored; use ValidateRigid to reject malformed input.
func PoseFromMatrix(m Matrix4) Pose {
	return Pose{
		R: Rotation{
			{m[0][0], m[0][1], m[0][2]},
			{m[1][0], m[1][1], m[1][2]},
			{m[2][0], m[2][1], m[2][2]},
		},
		T: r3.Vector{X: m[0][3], Y: m[1][3], Z: m[2][3]},
	}
}

// ValidateRigid checks that m is a proper rigid transform within tol.
func ValidateRigid(m Matrix4, tol float64) error {
	if m[3][0] != 0 || m[3][1] != 0 || m[3][2] != 0 || m[3][3] != 1 {
		return fmt.Errorf("bottom row must be [0 0 0 1], got %v", m[3])
	}
	p := PoseFromMatrix(m)
	if !p.IsFinite() {
		return fmt.Errorf("transform has non-finite entries")
	}
	rrt := p.R.Mul(p.R.Transpose())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(rrt[i][j]-want) > tol {
				return fmt.Errorf("rotation block is not orthonormal (R·Rᵀ[%d][%d] = %.6f)", i, j, rrt[i][j])
			}
		}
	}
	if det3(p.R) < 0 {
		return fmt.Errorf("rotation block is a reflection")
	}
	return nil
}

// Intrinsics is a 3x3 pinhole camera matrix
//
//	| fx  0 cx |
//	|  0 fy cy |
//	|  0  0  1 |
type Intrinsics [3][3]float64

// NewIntrinsics builds a pinhole matrix without skew.
func NewIntrinsics(fx, fy, cx, cy float64) Intrinsics {
	return Intrinsics{{fx, 0, cx}, {0, fy, cy}, {0, 0, 1}}
}

func (k Intrinsics) Fx() float64 { return k[0][0] }
func (k Intrinsics) Fy() float64 { return k[1][1] }
func (k Intrinsics) Cx() float64 { return k[0][2] }
func (k Intrinsics) Cy() float64 { return k[1][2] }

// CameraModel is the per-pose camera description handed to a Solver.
// Baseline is carried for stereo-capable solvers; monocular maps always use
// MonocularBaseline.
type CameraModel struct {
	Fx       float64 `json:"fx"`
	Fy       float64 `json:"fy"`
	Cx       float64 `json:"cx"`
	Cy       float64 `json:"cy"`
	Baseline float64 `json:"baseline"`
}

// CameraFromIntrinsics derives the monocular camera model of k.
func CameraFromIntrinsics(k Intrinsics) CameraModel {
	return CameraModel{Fx: k.Fx(), Fy: k.Fy(), Cx: k.Cx(), Cy: k.Cy(), Baseline: MonocularBaseline}
}

// minProjectionDepth guards the division in Project.
const minProjectionDepth = 1e-9

// Project maps a camera-frame point to pixel coordinates. It returns false
// when the point lies on the camera plane.
func (c CameraModel) Project(xc r3.Vector) (orb.Point, bool) {
	if math.Abs(xc.Z) < minProjectionDepth {
		return orb.Point{}, false
	}
	return orb.Point{
		c.Fx*xc.X/xc.Z + c.Cx,
		c.Fy*xc.Y/xc.Z + c.Cy,
	}, true
}

func det3(r Rotation) float64 {
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteVector(v r3.Vector) bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}
