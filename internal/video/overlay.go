package video

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"sentinai/internal/pipeline"
)

// Status dot colours: free / classifier busy
var (
	statusFree = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	statusBusy = color.RGBA{R: 255, G: 165, B: 0, A: 255}
)

// Annotator draws per-track boxes coloured by threat level, the track label
// and a status dot showing whether the classifier is busy
type Annotator struct {
	Thickness int
}

// NewAnnotator creates an annotator with the default box thickness
func NewAnnotator() *Annotator {
	return &Annotator{Thickness: 3}
}

// Annotate implements pipeline.FrameAnnotator. The source frame is not modified.
func (a *Annotator) Annotate(frame *pipeline.FrameData, detections []pipeline.Detection, states map[int]pipeline.ThreatSnapshot, busy bool) image.Image {
	if frame == nil || frame.Image == nil {
		return nil
	}

	bounds := frame.Image.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, frame.Image, bounds.Min, draw.Src)

	for _, det := range detections {
		c, text := pipeline.ColorIdle, pipeline.AnalyzingLabel
		if state, ok := states[det.TrackID]; ok {
			c, text = pipeline.LevelColor(state.Level), state.Label
		}

		r := det.BBox.Rect()
		drawBox(rgba, r.Min.X, r.Min.Y, r.Dx(), r.Dy(), c, a.Thickness)
		drawLabel(rgba, r.Min.X, r.Min.Y-15, fmt.Sprintf("ID #%d | %s", det.TrackID, asciiOnly(text)), c)
	}

	dot := statusFree
	if busy {
		dot = statusBusy
	}
	drawDot(rgba, bounds.Min.X+30, bounds.Min.Y+30, 10, dot)
	return rgba
}

// drawBox draws a rectangle on the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(bounds) {
			img.SetRGBA(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i <= x+w; i++ {
			set(i, y+t)
			set(i, y+h-t)
		}
		for j := y; j <= y+h; j++ {
			set(x+t, j)
			set(x+w-t, j)
		}
	}
}

// drawLabel draws text on a filled background in the track colour
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}

	textWidth := len(label) * 7
	bg := image.Rect(x-2, y-2, x+textWidth+2, y+14).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(c), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

// drawDot draws a filled circle
func drawDot(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	bounds := img.Bounds()
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			p := image.Pt(cx+dx, cy+dy)
			if p.In(bounds) {
				img.SetRGBA(p.X, p.Y, c)
			}
		}
	}
}

// basicfont only covers ASCII
func asciiOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

var _ pipeline.FrameAnnotator = (*Annotator)(nil)
