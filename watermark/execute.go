package watermark

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/hazyhaar/mediaserver/geometry"
	"github.com/hazyhaar/mediaserver/textfont"
)

// Execute runs ops against canvas. Append operations grow the canvas, so the
// result may be a different image; shift is where the original canvas origin
// ended up inside it. On error the canvas built so far is returned along
// with the error.
func Execute(canvas *image.RGBA, ops *Ops, logger *slog.Logger) (*image.RGBA, image.Point, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var shift image.Point
	for _, op := range ops.List() {
		switch o := op.(type) {
		case Overlay:
			if err := drawOverlay(canvas, o); err != nil {
				return canvas, shift, err
			}
		case Text:
			if err := drawText(canvas, o); err != nil {
				return canvas, shift, err
			}
		case Append:
			next, at, err := appendImage(canvas, o)
			if err != nil {
				return canvas, shift, err
			}
			canvas = next
			shift = shift.Add(at)
		case Flatten:
			canvas = flatten(canvas, o.Background)
		default:
			logger.Warn("watermark: unknown op", "op", fmt.Sprintf("%T", op))
		}
	}
	return canvas, shift, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func drawOverlay(canvas *image.RGBA, o Overlay) error {
	src, err := loadImage(o.Path)
	if err != nil {
		return fmt.Errorf("watermark: overlay: %w", err)
	}
	mark := image.NewRGBA(image.Rect(0, 0, o.W, o.H))
	draw.BiLinear.Scale(mark, mark.Bounds(), src, src.Bounds(), draw.Src, nil)

	r := geometry.Place(canvas.Bounds().Size(), o.W, o.H, o.Placement)
	alpha := uint8(min(max(o.Opacity, 0), 100) * 255 / 100)
	draw.DrawMask(canvas, r, mark, image.Point{}, image.NewUniform(color.Alpha{A: alpha}), image.Point{}, draw.Over)
	return nil
}

func drawText(canvas *image.RGBA, t Text) error {
	f, err := textfont.LoadOrDefault(t.Font)
	if err != nil {
		return fmt.Errorf("watermark: text font: %w", err)
	}
	face, err := f.Face(float64(t.Size))
	if err != nil {
		return err
	}
	defer face.Close()

	bounds, _ := font.BoundString(face, t.Content)
	w := (bounds.Max.X - bounds.Min.X).Ceil()
	h := (bounds.Max.Y - bounds.Min.Y).Ceil()
	r := geometry.Place(canvas.Bounds().Size(), w, h, t.Placement)

	d := font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(t.Color),
		Face: face,
		Dot:  fixed.P(r.Min.X, r.Min.Y),
	}
	d.DrawString(t.Content)
	return nil
}

// appendImage returns the grown canvas and the offset of the old canvas
// inside it.
func appendImage(canvas *image.RGBA, a Append) (*image.RGBA, image.Point, error) {
	logo, err := loadImage(a.Path)
	if err != nil {
		return nil, image.Point{}, fmt.Errorf("watermark: append: %w", err)
	}
	cs, ls := canvas.Bounds().Size(), logo.Bounds().Size()

	var size, canvasAt, logoAt image.Point
	vertical := a.Gravity.North() || a.Gravity.South() || !(a.Gravity.West() || a.Gravity.East())
	if vertical {
		size = image.Pt(max(cs.X, ls.X), cs.Y+ls.Y)
		canvasAt.X = align(size.X, cs.X, a.Gravity)
		logoAt.X = align(size.X, ls.X, a.Gravity)
		if a.Gravity.North() {
			canvasAt.Y = ls.Y
		} else {
			logoAt.Y = cs.Y
		}
	} else {
		size = image.Pt(cs.X+ls.X, max(cs.Y, ls.Y))
		canvasAt.Y = (size.Y - cs.Y) / 2
		logoAt.Y = (size.Y - ls.Y) / 2
		if a.Gravity.West() {
			canvasAt.X = ls.X
		} else {
			logoAt.X = cs.X
		}
	}

	out := image.NewRGBA(image.Rectangle{Max: size})
	draw.Draw(out, out.Bounds(), image.NewUniform(a.Background), image.Point{}, draw.Src)
	draw.Draw(out, image.Rectangle{Min: canvasAt, Max: canvasAt.Add(cs)}, canvas, canvas.Bounds().Min, draw.Src)
	draw.Draw(out, image.Rectangle{Min: logoAt, Max: logoAt.Add(ls)}, logo, logo.Bounds().Min, draw.Over)
	return out, canvasAt, nil
}

// align places a strip of width w inside total following the horizontal
// part of g.
func align(total, w int, g geometry.Gravity) int {
	switch {
	case g.West():
		return 0
	case g.East():
		return total - w
	default:
		return (total - w) / 2
	}
}

func flatten(canvas *image.RGBA, bg color.RGBA) *image.RGBA {
	out := image.NewRGBA(canvas.Bounds())
	draw.Draw(out, out.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), canvas, canvas.Bounds().Min, draw.Over)
	return out
}
