package slam

import (
	"fmt"
	"image/color"
	"io"
	"strings"

	"github.com/paulmach/orb"
)

// SnapshotDrawer renders a snapshot as a top-down view.
type SnapshotDrawer interface {
	Draw(w io.Writer, s Snapshot) error
	ContentType() string
}

// NewDrawer returns the drawer for cfg.Format.
func NewDrawer(cfg RenderConfig) (SnapshotDrawer, error) {
	switch strings.ToLower(cfg.Format) {
	case FormatSVG, "":
		return NewVectorRenderer(cfg, false), nil
	case FormatPNG:
		return NewVectorRenderer(cfg, true), nil
	case FormatRaster:
		return NewRasterRenderer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown render format %q", cfg.Format)
	}
}

// camera is a frame reduced to what a top-down view shows.
type camera struct {
	center orb.Point
	dir    orb.Point
}

// view projects world coordinates onto the ground plane: world X to the
// right, world Z (the initial viewing direction) up.
type view struct {
	bound   orb.Bound
	padding float64
	cameras []camera
	points  []orb.Point
}

func newView(s Snapshot, padding float64) view {
	v := view{padding: padding}

	var all orb.MultiPoint
	for _, m := range s.Poses {
		p := PoseFromMatrix(m)
		if !p.IsFinite() {
			continue
		}
		c, d := p.Center(), p.Direction()
		cam := camera{center: orb.Point{c.X, c.Z}, dir: orb.Point{d.X, d.Z}}
		v.cameras = append(v.cameras, cam)
		all = append(all, cam.center)
	}
	for _, x := range s.Points {
		if !finiteVector(x) {
			continue
		}
		pt := orb.Point{x.X, x.Z}
		v.points = append(v.points, pt)
		all = append(all, pt)
	}

	if len(all) == 0 {
		v.bound = orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
		return v
	}
	v.bound = all.Bound()
	if v.bound.Right()-v.bound.Left() < 1 {
		v.bound = v.bound.Pad(0.5)
	}
	if v.bound.Top()-v.bound.Bottom() < 1 {
		v.bound = v.bound.Pad(0.5)
	}
	return v
}

// size is the padded extent in world units.
func (v view) size() (w, h float64) {
	return v.bound.Right() - v.bound.Left() + 2*v.padding,
		v.bound.Top() - v.bound.Bottom() + 2*v.padding
}

// local maps a ground-plane point to padded coordinates with the origin at
// the bottom-left corner.
func (v view) local(p orb.Point) (x, y float64) {
	return p[0] - v.bound.Left() + v.padding, p[1] - v.bound.Bottom() + v.padding
}

// gridLines returns the world coordinates of grid lines covering the view.
func (v view) gridLines(spacing float64) (xs, ys []float64) {
	if spacing <= 0 {
		return nil, nil
	}
	x0 := v.bound.Left() - v.padding
	y0 := v.bound.Bottom() - v.padding
	x1 := v.bound.Right() + v.padding
	y1 := v.bound.Top() + v.padding
	for x := snapCoord(x0, spacing); x <= x1; x += spacing {
		if x >= x0 {
			xs = append(xs, x)
		}
	}
	for y := snapCoord(y0, spacing); y <= y1; y += spacing {
		if y >= y0 {
			ys = append(ys, y)
		}
	}
	return xs, ys
}

type palette struct {
	background, point, camera, path color.RGBA
}

func newPalette(cfg RenderConfig) palette {
	return palette{
		background: colorOr(cfg.Background, color.RGBA{255, 255, 255, 255}),
		point:      colorOr(cfg.PointColor, color.RGBA{31, 119, 180, 255}),
		camera:     colorOr(cfg.CameraColor, color.RGBA{214, 39, 40, 255}),
		path:       colorOr(cfg.PathColor, color.RGBA{127, 127, 127, 255}),
	}
}

// parseHexColor parses "#RRGGBB" or "RRGGBB".
func parseHexColor(hex string) (color.RGBA, error) {
	s := strings.TrimPrefix(hex, "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("color %q is not #RRGGBB", hex)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("color %q is not #RRGGBB", hex)
	}
	return color.RGBA{r, g, b, 255}, nil
}

func colorOr(hex string, fallback color.RGBA) color.RGBA {
	if c, err := parseHexColor(hex); err == nil {
		return c
	}
	return fallback
}
