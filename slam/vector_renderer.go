package slam

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// snapCoord rounds a coordinate to the nearest multiple of the given increment.
// An increment of 0 disables snapping and returns the coordinate unchanged.
func snapCoord(coord, increment float64) float64 {
	if increment <= 0 {
		return coord
	}
	return math.Round(coord/increment) * increment
}

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

var gridColor = color.NRGBA{0, 0, 0, 40}

// VectorRenderer draws snapshots with tdewolff/canvas, as SVG or as a
// rasterized PNG.
type VectorRenderer struct {
	Scale       float64           // millimetres per world unit
	Padding     float64           // world units
	Resolution  canvas.Resolution // PNG output only
	GridSpacing float64           // world units, 0 disables
	PNG         bool

	colors palette
}

// NewVectorRenderer creates a vector renderer from cfg.
func NewVectorRenderer(cfg RenderConfig, asPNG bool) *VectorRenderer {
	res := cfg.Resolution
	if res <= 0 {
		res = 300
	}
	scale := cfg.Scale
	if scale <= 0 {
		scale = 40
	}
	return &VectorRenderer{
		Scale:       scale,
		Padding:     cfg.Padding,
		Resolution:  canvas.DPI(res),
		GridSpacing: cfg.GridSpacing,
		PNG:         asPNG,
		colors:      newPalette(cfg),
	}
}

// ContentType implements SnapshotDrawer.
func (r *VectorRenderer) ContentType() string {
	if r.PNG {
		return "image/png"
	}
	return "image/svg+xml"
}

// Draw implements SnapshotDrawer.
func (r *VectorRenderer) Draw(w io.Writer, s Snapshot) error {
	if r.PNG {
		return r.RenderToPNG(w, s)
	}
	return r.RenderToSVG(w, s)
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the snapshot as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer, s Snapshot) error {
	v := newView(s, r.Padding)
	width, height := v.size()

	svgRenderer := svg.New(w, width*r.Scale, height*r.Scale, nil)
	r.renderToCanvas(svgRenderer, v)
	return svgRenderer.Close()
}

// RenderToPNG writes the snapshot as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer, s Snapshot) error {
	v := newView(s, r.Padding)
	width, height := v.size()

	rast := rasterizer.New(width*r.Scale, height*r.Scale, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, v)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, v view) {
	width, height := v.size()
	toCanvas := func(p orb.Point) (float64, float64) {
		x, y := v.local(p)
		return x * r.Scale, y * r.Scale
	}

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: r.colors.background}
	bgStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(width*r.Scale, height*r.Scale), bgStyle, canvas.Identity)

	gridStyle := canvas.DefaultStyle
	gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	gridStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(gridColor)}
	gridStyle.StrokeWidth = 0.2
	xs, ys := v.gridLines(r.GridSpacing)
	for _, x := range xs {
		x0, y0 := toCanvas(orb.Point{x, v.bound.Bottom() - v.padding})
		x1, y1 := toCanvas(orb.Point{x, v.bound.Top() + v.padding})
		line := &canvas.Path{}
		line.MoveTo(x0, y0)
		line.LineTo(x1, y1)
		renderer.RenderPath(line, gridStyle, canvas.Identity)
	}
	for _, y := range ys {
		x0, y0 := toCanvas(orb.Point{v.bound.Left() - v.padding, y})
		x1, y1 := toCanvas(orb.Point{v.bound.Right() + v.padding, y})
		line := &canvas.Path{}
		line.MoveTo(x0, y0)
		line.LineTo(x1, y1)
		renderer.RenderPath(line, gridStyle, canvas.Identity)
	}

	// camera trajectory in frame order
	if len(v.cameras) > 1 {
		pathStyle := canvas.DefaultStyle
		pathStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		pathStyle.Stroke = canvas.Paint{Color: r.colors.path}
		pathStyle.StrokeWidth = 0.4
		pathStyle.Dashes = []float64{1.5, 1}
		traj := &canvas.Path{}
		for i, c := range v.cameras {
			x, y := toCanvas(c.center)
			if i == 0 {
				traj.MoveTo(x, y)
			} else {
				traj.LineTo(x, y)
			}
		}
		renderer.RenderPath(traj, pathStyle, canvas.Identity)
	}

	pointStyle := canvas.DefaultStyle
	pointStyle.Fill = canvas.Paint{Color: r.colors.point}
	pointStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, p := range v.points {
		x, y := toCanvas(p)
		renderer.RenderPath(canvas.Circle(0.6).Translate(x, y), pointStyle, canvas.Identity)
	}

	camStyle := canvas.DefaultStyle
	camStyle.Fill = canvas.Paint{Color: r.colors.camera}
	camStyle.Stroke = canvas.Paint{Color: canvas.Black}
	camStyle.StrokeWidth = 0.2
	for _, c := range v.cameras {
		tip, left, right := cameraTriangle(c, 0.25)
		tri := &canvas.Path{}
		tri.MoveTo(toCanvas(tip))
		tri.LineTo(toCanvas(left))
		tri.LineTo(toCanvas(right))
		tri.Close()
		renderer.RenderPath(tri, camStyle, canvas.Identity)
	}
}

// cameraTriangle returns a triangle of the given size in world units whose
// tip points along the camera's ground-plane viewing direction.
func cameraTriangle(c camera, size float64) (tip, left, right orb.Point) {
	dx, dy := c.dir[0], c.dir[1]
	n := math.Hypot(dx, dy)
	if n < 1e-9 {
		// looking straight up or down
		dx, dy, n = 0, 1, 1
	}
	dx, dy = dx/n, dy/n
	px, py := -dy, dx

	tip = orb.Point{c.center[0] + dx*size, c.center[1] + dy*size}
	back := orb.Point{c.center[0] - dx*size*0.5, c.center[1] - dy*size*0.5}
	left = orb.Point{back[0] + px*size*0.6, back[1] + py*size*0.6}
	right = orb.Point{back[0] - px*size*0.6, back[1] - py*size*0.6}
	return tip, left, right
}
