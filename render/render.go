// Package render turns one master image into a finished derivative page:
// fitted to the requested size, watermarked, and optionally carrying the
// positions of an invisible OCR text layer.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/hazyhaar/mediaserver/geometry"
	"github.com/hazyhaar/mediaserver/ocr"
	"github.com/hazyhaar/mediaserver/textfont"
	"github.com/hazyhaar/mediaserver/watermark"
)

// Options configures a Renderer. Watermark is copied; changing it later has
// no effect on the renderer.
type Options struct {
	Watermark  watermark.Config
	Compositor watermark.Compositor
	Logger     *slog.Logger
}

// Renderer is safe for concurrent use.
type Renderer struct {
	wm         watermark.Config
	compositor watermark.Compositor
	logger     *slog.Logger
}

func New(opts Options) *Renderer {
	if opts.Compositor == nil {
		opts.Compositor = watermark.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Renderer{wm: opts.Watermark, compositor: opts.Compositor, logger: opts.Logger}
}

// Request names the master and the derivative size. Fulltext is an optional
// OCR file; Font must be set when it is.
type Request struct {
	Source   string
	Fulltext string
	Size     int
	Font     *textfont.Font
}

// Page is a rendered derivative page.
type Page struct {
	// Image is opaque; the alpha channel is always 0xff.
	Image *image.RGBA
	// Geometry reflects the final canvas, including any appended logo.
	Geometry geometry.Page
	SrcW     int
	SrcH     int
	// Text is nil when no text layer was requested or it could not be built.
	Text *TextLayer
}

// Render produces the page. An unreadable master is an error; watermark and
// OCR problems are logged and the page is returned without them.
func (r *Renderer) Render(ctx context.Context, req Request) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := decodeFile(req.Source)
	if err != nil {
		return nil, fmt.Errorf("render: source: %w", err)
	}
	sb := src.Bounds()

	active := r.wm.Active(req.Size)
	g := geometry.Compute(geometry.Input{
		SrcW:      sb.Dx(),
		SrcH:      sb.Dy(),
		Size:      req.Size,
		Watermark: active,
		Extension: r.wm.Extension(),
		Gravity:   r.wm.Gravity,
	})

	bg := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	if g.Extended {
		bg = watermark.ParseRGB(r.wm.CanvasExtension.BackgroundRGB)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.BiLinear.Scale(canvas, g.Image, src, sb, draw.Over, nil)

	if active {
		var ops watermark.Ops
		r.compositor.Apply(&ops, req.Source, req.Size)
		out, shift, err := watermark.Execute(canvas, &ops, r.logger)
		if err != nil {
			r.logger.Warn("render: watermark failed", "source", req.Source, "error", err)
		}
		canvas = out
		g.Image = g.Image.Add(shift)
		g.Width, g.Height = canvas.Bounds().Dx(), canvas.Bounds().Dy()
	}

	page := &Page{Image: canvas, Geometry: g, SrcW: sb.Dx(), SrcH: sb.Dy()}
	if req.Fulltext != "" && req.Font != nil {
		words, err := ocr.Read(req.Fulltext)
		if err != nil {
			r.logger.Warn("render: OCR text layer skipped", "fulltext", req.Fulltext, "error", err)
		} else {
			page.Text = BuildTextLayer(page, words.Words(), req.Font, r.logger)
		}
	}
	return page, nil
}

// EncodeJPEG writes the page image. quality <= 0 uses the jpeg default.
func (p *Page) EncodeJPEG(w io.Writer, quality int) error {
	var opts *jpeg.Options
	if quality > 0 {
		opts = &jpeg.Options{Quality: min(quality, 100)}
	}
	return jpeg.Encode(w, p.Image, opts)
}

func decodeFile(path string) (image.Image, error) {
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
