package slam

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// legendHeight is the strip reserved below the map for the text legend.
const legendHeight = 20

// RasterRenderer draws snapshots directly into an image.RGBA with a
// bitmap-font legend.
type RasterRenderer struct {
	Scale       float64 // pixels per world unit
	Padding     float64 // world units
	GridSpacing float64 // world units, 0 disables
	MaxSize     int     // clamp on either image dimension

	colors palette
}

// NewRasterRenderer creates a raster renderer from cfg.
func NewRasterRenderer(cfg RenderConfig) *RasterRenderer {
	scale := cfg.Scale
	if scale <= 0 {
		scale = 40
	}
	return &RasterRenderer{
		Scale:       scale,
		Padding:     cfg.Padding,
		GridSpacing: cfg.GridSpacing,
		MaxSize:     4096,
		colors:      newPalette(cfg),
	}
}

// ContentType implements SnapshotDrawer.
func (r *RasterRenderer) ContentType() string { return "image/png" }

// Draw implements SnapshotDrawer.
func (r *RasterRenderer) Draw(w io.Writer, s Snapshot) error {
	return png.Encode(w, r.Render(s))
}

// Render draws s and returns the image.
func (r *RasterRenderer) Render(s Snapshot) *image.RGBA {
	v := newView(s, r.Padding)
	ww, wh := v.size()

	scale := r.Scale
	if r.MaxSize > 0 {
		if limit := float64(r.MaxSize) / math.Max(ww, wh); scale > limit {
			scale = limit
		}
	}
	width := int(math.Ceil(ww * scale))
	mapHeight := int(math.Ceil(wh * scale))
	height := mapHeight + legendHeight

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, r.colors.background)
		}
	}

	// image rows grow downwards, world Z grows upwards
	toPixel := func(p orb.Point) (int, int) {
		x, y := v.local(p)
		return int(math.Round(x * scale)), mapHeight - 1 - int(math.Round(y*scale))
	}

	xs, ys := v.gridLines(r.GridSpacing)
	for _, x := range xs {
		px, _ := toPixel(orb.Point{x, v.bound.Bottom()})
		for py := 0; py < mapHeight; py++ {
			blendPixel(img, px, py, gridColor)
		}
	}
	for _, y := range ys {
		_, py := toPixel(orb.Point{v.bound.Left(), y})
		for px := 0; px < width; px++ {
			blendPixel(img, px, py, gridColor)
		}
	}

	for i := 1; i < len(v.cameras); i++ {
		x0, y0 := toPixel(v.cameras[i-1].center)
		x1, y1 := toPixel(v.cameras[i].center)
		drawLine(img, x0, y0, x1, y1, r.colors.path)
	}

	for _, p := range v.points {
		x, y := toPixel(p)
		drawCircle(img, x, y, 2, r.colors.point)
	}

	camSize := math.Max(0.25, 6/scale)
	for _, c := range v.cameras {
		tip, left, right := cameraTriangle(c, camSize)
		ax, ay := toPixel(tip)
		bx, by := toPixel(left)
		cx, cy := toPixel(right)
		fillTriangle(img, image.Pt(ax, ay), image.Pt(bx, by), image.Pt(cx, cy), r.colors.camera)
	}

	legend := fmt.Sprintf("seq %d  frames %d  points %d", s.Seq, len(s.Poses), len(s.Points))
	drawText(img, 4, height-6, legend, color.RGBA{0, 0, 0, 255})

	return img
}

func inBounds(img *image.RGBA, x, y int) bool {
	return x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y
}

// blendColors alpha-blends fg over a premultiplied background
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	var bgNRGBA color.NRGBA
	switch bg.A {
	case 0:
		bgNRGBA = color.NRGBA{0, 0, 0, 0}
	case 255:
		bgNRGBA = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		alpha32 := uint32(bg.A)
		bgNRGBA = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / alpha32),
			G: uint8((uint32(bg.G) * 255) / alpha32),
			B: uint8((uint32(bg.B) * 255) / alpha32),
			A: bg.A,
		}
	}

	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bgNRGBA.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bgNRGBA.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bgNRGBA.B)*invAlpha),
		A: 255,
	}
}

func blendPixel(img *image.RGBA, x, y int, c color.NRGBA) {
	if !inBounds(img, x, y) {
		return
	}
	img.Set(x, y, blendColors(img.RGBAAt(x, y), c))
}

func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius && inBounds(img, cx+dx, cy+dy) {
				img.SetRGBA(cx+dx, cy+dy, c)
			}
		}
	}
}

// drawLine is Bresenham's line algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		if inBounds(img, x0, y0) {
			img.SetRGBA(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

// fillTriangle fills the triangle abc using edge functions over its
// bounding box.
func fillTriangle(img *image.RGBA, a, b, c image.Point, col color.RGBA) {
	edge := func(p, q, r image.Point) int {
		return (q.X-p.X)*(r.Y-p.Y) - (q.Y-p.Y)*(r.X-p.X)
	}
	area := edge(a, b, c)
	if area == 0 {
		drawLine(img, a.X, a.Y, b.X, b.Y, col)
		drawLine(img, b.X, b.Y, c.X, c.Y, col)
		return
	}

	minX, maxX := min(a.X, b.X, c.X), max(a.X, b.X, c.X)
	minY, maxY := min(a.Y, b.Y, c.Y), max(a.Y, b.Y, c.Y)
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			p := image.Pt(x, y)
			w0, w1, w2 := edge(b, c, p), edge(c, a, p), edge(a, b, p)
			inside := (w0 >= 0 && w1 >= 0 && w2 >= 0) || (w0 <= 0 && w1 <= 0 && w2 <= 0)
			if inside && inBounds(img, x, y) {
				img.SetRGBA(x, y, col)
			}
		}
	}
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
