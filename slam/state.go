package slam

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
)

const mapDocumentVersion = 1

// rigidTolerance bounds the drift of a stored rotation from orthonormality.
const rigidTolerance = 1e-6

type mapDocument struct {
	Version        int           `json:"version"`
	ConflictPolicy string        `json:"conflictPolicy"`
	Frames         []frameRecord `json:"frames"`
	Points         []pointRecord `json:"points"`
}

type frameRecord struct {
	ID        int         `json:"id"`
	Pose      Matrix4     `json:"pose"`
	K         Intrinsics  `json:"k"`
	Keypoints []orb.Point `json:"keypoints"`
	Slots     []int       `json:"slots"`
}

type pointRecord struct {
	ID           int           `json:"id"`
	Position     r3.Vector     `json:"position"`
	Observations []Observation `json:"observations"`
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder(w io.Writer) (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		enc := v.(*zstd.Encoder)
		enc.Reset(w)
		return enc, nil
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder(r io.Reader) (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		dec := v.(*zstd.Decoder)
		if err := dec.Reset(r); err != nil {
			return nil, err
		}
		return dec, nil
	}
	return zstd.NewReader(r)
}

// EncodeMap writes m as zstd-compressed JSON. Both link directions are
// stored as they are, so stale observations survive a round trip.
func EncodeMap(w io.Writer, m *Map) error {
	doc := mapDocument{
		Version:        mapDocumentVersion,
		ConflictPolicy: m.policy.String(),
		Frames:         make([]frameRecord, len(m.frames)),
		Points:         make([]pointRecord, len(m.points)),
	}
	for i, f := range m.frames {
		doc.Frames[i] = frameRecord{
			ID:        f.ID,
			Pose:      f.Pose.Matrix(),
			K:         f.k,
			Keypoints: f.Keypoints(),
			Slots:     f.Slots(),
		}
	}
	for i, p := range m.points {
		doc.Points[i] = pointRecord{
			ID:           p.ID,
			Position:     p.Position,
			Observations: p.Observations(),
		}
	}

	enc, err := getZstdEncoder(w)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	defer zstdEncoderPool.Put(enc)

	if err := json.NewEncoder(enc).Encode(&doc); err != nil {
		enc.Close()
		return fmt.Errorf("encoding map: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flushing zstd stream: %w", err)
	}
	return nil
}

// DecodeMap reads a map written by EncodeMap. The stored conflict policy is
// applied first; opts may override it.
func DecodeMap(r io.Reader, opts ...MapOption) (*Map, error) {
	dec, err := getZstdDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer zstdDecoderPool.Put(dec)

	var doc mapDocument
	if err := json.NewDecoder(dec).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding map: %w", err)
	}
	if doc.Version != mapDocumentVersion {
		return nil, fmt.Errorf("unsupported map document version %d", doc.Version)
	}

	policy, err := ParseConflictPolicy(doc.ConflictPolicy)
	if err != nil {
		return nil, fmt.Errorf("decoding map: %w", err)
	}
	m := NewMap(append([]MapOption{WithConflictPolicy(policy)}, opts...)...)

	for i, rec := range doc.Frames {
		if rec.ID != i {
			return nil, fmt.Errorf("frame record %d has id %d", i, rec.ID)
		}
		if err := ValidateRigid(rec.Pose, rigidTolerance); err != nil {
			return nil, fmt.Errorf("frame %d pose: %w", rec.ID, err)
		}
		if len(rec.Slots) != len(rec.Keypoints) {
			return nil, fmt.Errorf("frame %d has %d slots for %d keypoints", rec.ID, len(rec.Slots), len(rec.Keypoints))
		}
		NewFrame(m, PoseFromMatrix(rec.Pose), rec.K, rec.Keypoints)
	}

	for i, rec := range doc.Points {
		if rec.ID != i {
			return nil, fmt.Errorf("point record %d has id %d", i, rec.ID)
		}
		p := NewPoint(m, rec.Position)
		for _, o := range rec.Observations {
			f, ok := m.Frame(o.FrameID)
			if !ok {
				return nil, &ConsistencyError{PointID: p.ID, FrameID: o.FrameID, Index: o.Keypoint, Reason: "unknown frame"}
			}
			if err := f.checkIndex(o.Keypoint); err != nil {
				return nil, err
			}
			p.obs = append(p.obs, o)
		}
	}

	for i, rec := range doc.Frames {
		f := m.frames[i]
		for idx, owner := range rec.Slots {
			if owner != NoPoint && (owner < 0 || owner >= len(m.points)) {
				return nil, &ConsistencyError{PointID: owner, FrameID: f.ID, Index: idx, Reason: "slot names an unknown point"}
			}
			f.slots[idx] = owner
		}
	}

	return m, nil
}

// SaveMap writes m to path atomically.
func SaveMap(path string, m *Map) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".sparsemap-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := EncodeMap(tmp, m); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming map file: %w", err)
	}

	m.logger.Debug().Str("path", path).Int("frames", len(m.frames)).Int("points", len(m.points)).Msg("map saved")
	return nil
}

// LoadMap reads a map saved with SaveMap.
func LoadMap(path string, opts ...MapOption) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening map file: %w", err)
	}
	defer f.Close()

	m, err := DecodeMap(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return m, nil
}
