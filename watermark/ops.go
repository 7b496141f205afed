// Package watermark builds and executes the drawing operations that mark a
// rendered page. A Compositor only describes the work as an ordered Ops
// list; Execute rasterizes it onto the page canvas.
package watermark

import (
	"image/color"

	"github.com/hazyhaar/mediaserver/geometry"
)

// Op is one drawing operation.
type Op interface{ op() }

// Overlay composites an image file scaled to W×H.
type Overlay struct {
	Path      string
	W, H      int
	Placement geometry.Placement
	// Opacity in percent.
	Opacity int
}

// Text draws Content in the given font file (empty means the built-in
// font) at Size pixels.
type Text struct {
	Content   string
	Font      string
	Size      int
	Color     color.RGBA
	Placement geometry.Placement
}

// Append stacks the image file next to the canvas. North and south stack
// vertically, west and east alone stack horizontally, anything else puts it
// below.
type Append struct {
	Path       string
	Background color.RGBA
	Gravity    geometry.Gravity
}

// Flatten removes transparency by compositing over Background.
type Flatten struct {
	Background color.RGBA
}

func (Overlay) op() {}
func (Text) op()    {}
func (Append) op()  {}
func (Flatten) op() {}

// Ops is an ordered operation list.
type Ops struct {
	list []Op
}

func (o *Ops) Add(ops ...Op) { o.list = append(o.list, ops...) }
func (o *Ops) List() []Op    { return o.list }
func (o *Ops) Len() int      { return len(o.list) }

// Compositor adds the operations for one page. source is the master file
// and size the derivative's bounding size. Implementations never fail: a
// misconfigured or unreadable watermark is logged and skipped.
type Compositor interface {
	Apply(ops *Ops, source string, size int)
}

// Nop never marks anything.
type Nop struct{}

func (Nop) Apply(*Ops, string, int) {}
