package slam

import "github.com/paulmach/orb"

// NoPoint marks a keypoint slot that no point has claimed.
const NoPoint = -1

// Frame is one camera pose together with the keypoints detected in it.
// Frames are created by upstream tracking and registered with exactly one
// Map at construction time.
type Frame struct {
	ID int

	// Pose is overwritten by Map.Optimize.
	Pose Pose

	k         Intrinsics
	keypoints []orb.Point
	slots     []int
	m         *Map
}

// NewFrame registers a new frame with m and returns it. The keypoints are
// copied; the slot array is sized to match and starts empty.
func NewFrame(m *Map, pose Pose, k Intrinsics, keypoints []orb.Point) *Frame {
	kps := make([]orb.Point, len(keypoints))
	copy(kps, keypoints)

	slots := make([]int, len(kps))
	for i := range slots {
		slots[i] = NoPoint
	}

	f := &Frame{
		ID:        len(m.frames),
		Pose:      pose,
		k:         k,
		keypoints: kps,
		slots:     slots,
		m:         m,
	}
	m.frames = append(m.frames, f)

	m.logger.Debug().Int("frame", f.ID).Int("keypoints", len(kps)).Msg("frame registered")
	return f
}

// Intrinsics returns the camera matrix the frame was created with.
func (f *Frame) Intrinsics() Intrinsics { return f.k }

// NumKeypoints returns the fixed keypoint count.
func (f *Frame) NumKeypoints() int { return len(f.keypoints) }

// Keypoint returns the pixel coordinate at idx.
func (f *Frame) Keypoint(idx int) (orb.Point, error) {
	if err := f.checkIndex(idx); err != nil {
		return orb.Point{}, err
	}
	return f.keypoints[idx], nil
}

// Keypoints returns a copy of the keypoint list.
func (f *Frame) Keypoints() []orb.Point {
	out := make([]orb.Point, len(f.keypoints))
	copy(out, f.keypoints)
	return out
}

// Slot returns the id of the point claiming keypoint idx, or NoPoint.
func (f *Frame) Slot(idx int) (int, error) {
	if err := f.checkIndex(idx); err != nil {
		return NoPoint, err
	}
	return f.slots[idx], nil
}

// Slots returns a copy of the slot array.
func (f *Frame) Slots() []int {
	out := make([]int, len(f.slots))
	copy(out, f.slots)
	return out
}

func (f *Frame) checkIndex(idx int) error {
	if idx < 0 || idx >= len(f.keypoints) {
		return &IndexRangeError{FrameID: f.ID, Index: idx, Len: len(f.keypoints)}
	}
	return nil
}
