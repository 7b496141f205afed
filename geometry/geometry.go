// Package geometry computes where a resized master image and its watermark
// land on the output page. Nothing here touches pixels or files.
package geometry

import (
	"image"
	"strings"
)

// Gravity is a compass keyword list such as "SouthEast" or "north". Matching
// is a case-insensitive substring test, so "northwest" has both north and
// west.
type Gravity string

func (g Gravity) has(dir string) bool {
	return strings.Contains(strings.ToLower(string(g)), dir)
}

func (g Gravity) North() bool { return g.has("north") }
func (g Gravity) South() bool { return g.has("south") }
func (g Gravity) East() bool  { return g.has("east") }
func (g Gravity) West() bool  { return g.has("west") }

// Extension grows the canvas beside the image to make room for a watermark.
type Extension struct {
	Enabled bool
	AddX    int
	AddY    int
}

// Input describes one render pass.
type Input struct {
	// Source image size in pixels.
	SrcW, SrcH int
	// Size bounds both page dimensions. <= 0 keeps the source size.
	Size int
	// Watermark reports whether a watermark is drawn for this Size. The
	// canvas is only extended when it is.
	Watermark bool
	Extension Extension
	Gravity   Gravity
}

// Page is the computed layout.
type Page struct {
	Width, Height int
	// Image is where the resized master is drawn.
	Image image.Rectangle
	// Scale maps source pixels to page pixels.
	Scale float64
	// Extended is set when the canvas carries extension margins.
	Extended bool
}

// Size returns the page size as a point.
func (p Page) Size() image.Point { return image.Pt(p.Width, p.Height) }

// WatermarkEnabled reports whether a watermark applies at size.
func WatermarkEnabled(enabled bool, size, minSize int) bool {
	return enabled && size >= minSize
}

// Compute fits the source image (plus extension margins) inside Size,
// preserving the aspect ratio. Width is clamped first; the height clamp then
// runs on the result, so at most one of them ends up binding.
func Compute(in Input) Page {
	var offX, offY int
	extended := in.Watermark && in.Extension.Enabled
	if extended {
		offX, offY = in.Extension.AddX, in.Extension.AddY
	}

	pageW, pageH := in.SrcW+offX, in.SrcH+offY
	imgW, imgH := in.SrcW, in.SrcH
	scale := 1.0

	if in.Size > 0 && pageW > in.Size {
		pageW = in.Size
		imgW = max(pageW-offX, 1)
		scale = float64(imgW) / float64(in.SrcW)
		imgH = max(int(float64(in.SrcH)*scale), 1)
		pageH = imgH + offY
	}
	if in.Size > 0 && pageH > in.Size {
		pageH = in.Size
		imgH = max(pageH-offY, 1)
		scale = float64(imgH) / float64(in.SrcH)
		imgW = max(int(float64(in.SrcW)*scale), 1)
		pageW = imgW + offX
	}

	var x, y int
	if extended {
		if in.Gravity.West() {
			x = offX
		}
		if in.Gravity.North() {
			y = offY
		}
	}
	return Page{
		Width:    pageW,
		Height:   pageH,
		Image:    image.Rect(x, y, x+imgW, y+imgH),
		Scale:    scale,
		Extended: extended,
	}
}

// Mode selects how a watermark is drawn.
type Mode string

const (
	ModeText  Mode = "text"
	ModeImage Mode = "image"
)

// Placement is the watermark anchor computed by Place.
type Placement struct {
	Gravity Gravity
	OffX    int
	OffY    int
	Mode    Mode
}

// Place returns the watermark rectangle for a w×h mark on a page of the
// given size. In text mode the rectangle's Min.Y is the baseline; in image
// mode it is the top edge.
func Place(page image.Point, w, h int, p Placement) image.Rectangle {
	var x, y int
	switch {
	case p.Gravity.West():
		x = p.OffX
	case p.Gravity.East():
		x = page.X - w - p.OffX - 1
	default:
		x = page.X/2 - w/2 + p.OffX
	}
	switch {
	case p.Gravity.North():
		y = p.OffY + h
	case p.Gravity.South():
		y = page.Y - p.OffY - 1
	default:
		y = page.Y/2 - h/2 + p.OffY
	}
	if strings.EqualFold(string(p.Mode), string(ModeImage)) {
		y -= h
	}
	return image.Rect(x, y, x+w, y+h)
}
