package slam

import (
	"fmt"
	"strings"

	"github.com/golang/geo/r3"
)

// Observation links a point to keypoint Keypoint of frame FrameID.
type Observation struct {
	FrameID  int `json:"frame" yaml:"frame"`
	Keypoint int `json:"keypoint" yaml:"keypoint"`
}

// Point is a 3D landmark observed in one or more frames.
type Point struct {
	ID int

	// Position is overwritten by Map.Optimize.
	Position r3.Vector

	obs []Observation
	m   *Map
}

// NewPoint registers a new point with m. The position is stored verbatim;
// non-finite values are accepted here and rejected later by the solver.
func NewPoint(m *Map, position r3.Vector) *Point {
	p := &Point{
		ID:       len(m.points),
		Position: position,
		m:        m,
	}
	m.points = append(m.points, p)
	return p
}

// AddObservation records that this point was seen at keypoint idx of f and
// claims the frame's slot for it.
//
// When the slot already belongs to another point the map's ConflictPolicy
// decides: ConflictOverwrite takes the slot and leaves the previous owner
// with an observation whose slot no longer points back at it,
// ConflictReject returns a *SlotConflictError and changes nothing, and
// ConflictReassign takes the slot and removes the stale observation from the
// previous owner. Recording an observation the point already holds is a
// no-op.
func (p *Point) AddObservation(f *Frame, idx int) error {
	if f == nil {
		return fmt.Errorf("point %d: nil frame", p.ID)
	}
	if f.m != p.m {
		return &ConsistencyError{PointID: p.ID, FrameID: f.ID, Index: idx, Reason: "frame belongs to a different map"}
	}
	if err := f.checkIndex(idx); err != nil {
		return err
	}

	owner := f.slots[idx]
	if owner == p.ID && p.hasObservation(f.ID, idx) {
		return nil
	}
	if owner != NoPoint && owner != p.ID {
		switch p.m.policy {
		case ConflictReject:
			return &SlotConflictError{FrameID: f.ID, Index: idx, Owner: owner, Claimant: p.ID}
		case ConflictReassign:
			p.m.points[owner].dropObservation(f.ID, idx)
			p.m.logger.Debug().Int("frame", f.ID).Int("keypoint", idx).
				Int("from", owner).Int("to", p.ID).Msg("slot reassigned")
		default:
			p.m.logger.Debug().Int("frame", f.ID).Int("keypoint", idx).
				Int("from", owner).Int("to", p.ID).Msg("slot overwritten, previous owner left stale")
		}
	}

	f.slots[idx] = p.ID
	p.obs = append(p.obs, Observation{FrameID: f.ID, Keypoint: idx})
	return nil
}

// Observations returns a copy of the observation list in insertion order.
func (p *Point) Observations() []Observation {
	out := make([]Observation, len(p.obs))
	copy(out, p.obs)
	return out
}

// Frames returns the frame id of every observation, in observation order.
func (p *Point) Frames() []int {
	out := make([]int, len(p.obs))
	for i, o := range p.obs {
		out[i] = o.FrameID
	}
	return out
}

// Indices returns the keypoint index of every observation, in observation
// order.
func (p *Point) Indices() []int {
	out := make([]int, len(p.obs))
	for i, o := range p.obs {
		out[i] = o.Keypoint
	}
	return out
}

// NumObservations returns the observation count.
func (p *Point) NumObservations() int { return len(p.obs) }

func (p *Point) hasObservation(frameID, idx int) bool {
	for _, o := range p.obs {
		if o.FrameID == frameID && o.Keypoint == idx {
			return true
		}
	}
	return false
}

func (p *Point) dropObservation(frameID, idx int) {
	kept := p.obs[:0]
	for _, o := range p.obs {
		if o.FrameID != frameID || o.Keypoint != idx {
			kept = append(kept, o)
		}
	}
	p.obs = kept
}

// ConflictPolicy decides what AddObservation does when a keypoint slot is
// already owned by another point.
type ConflictPolicy int

const (
	ConflictOverwrite ConflictPolicy = iota
	ConflictReject
	ConflictReassign
)

func (c ConflictPolicy) String() string {
	switch c {
	case ConflictOverwrite:
		return "overwrite"
	case ConflictReject:
		return "reject"
	case ConflictReassign:
		return "reassign"
	default:
		return fmt.Sprintf("ConflictPolicy(%d)", int(c))
	}
}

// ParseConflictPolicy accepts "overwrite", "reject" or "reassign". The empty
// string selects ConflictOverwrite.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overwrite":
		return ConflictOverwrite, nil
	case "reject":
		return ConflictReject, nil
	case "reassign":
		return ConflictReassign, nil
	default:
		return ConflictOverwrite, fmt.Errorf("unknown conflict policy %q (want overwrite, reject or reassign)", s)
	}
}
