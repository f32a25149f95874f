package slam

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexRange matches every *IndexRangeError.
	ErrIndexRange = errors.New("keypoint index out of range")

	// ErrConsistency matches every *ConsistencyError.
	ErrConsistency = errors.New("observation bookkeeping inconsistent")

	// ErrSlotConflict matches every *SlotConflictError.
	ErrSlotConflict = errors.New("keypoint slot already claimed")

	// ErrSolverFailure is wrapped around any fault reported by a Solver,
	// including non-finite results and an exhausted damping schedule.
	ErrSolverFailure = errors.New("solver failure")
)

// IndexRangeError is returned when a keypoint index falls outside a frame's
// keypoint list.
type IndexRangeError struct {
	FrameID int
	Index   int
	Len     int
}

func (e *IndexRangeError) Error() string {
	return fmt.Sprintf("keypoint index %d out of range [0,%d) in frame %d", e.Index, e.Len, e.FrameID)
}

func (e *IndexRangeError) Is(target error) bool { return target == ErrIndexRange }

// ConsistencyError reports a disagreement between a point's observation
// record and the slot of the frame it names.
type ConsistencyError struct {
	PointID int
	FrameID int
	Index   int
	Reason  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("point %d observation (frame %d, keypoint %d): %s", e.PointID, e.FrameID, e.Index, e.Reason)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

// SlotConflictError is returned under ConflictReject when a point tries to
// claim a keypoint slot another point already owns.
type SlotConflictError struct {
	FrameID  int
	Index    int
	Owner    int
	Claimant int
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("frame %d keypoint %d is owned by point %d, point %d cannot claim it",
		e.FrameID, e.Index, e.Owner, e.Claimant)
}

func (e *SlotConflictError) Is(target error) bool { return target == ErrSlotConflict }

// solverFailure wraps err so that errors.Is(err, ErrSolverFailure) holds
// without losing the underlying cause.
func solverFailure(err error) error {
	if err == nil || errors.Is(err, ErrSolverFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSolverFailure, err)
}
