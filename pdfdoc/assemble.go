// Package pdfdoc assembles rendered pages into the finished derivative: a
// multi-page PDF with an embedded Unicode font and invisible OCR text, or a
// single JPEG.
package pdfdoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/mediaserver/render"
	"github.com/hazyhaar/mediaserver/textfont"
)

// PageSource is one master image and its optional OCR file.
type PageSource struct {
	Source   string
	Fulltext string
}

// Document is everything needed to build one derivative.
type Document struct {
	Pages []PageSource
	Size  int
	Meta  Metadata
	TOC   []TOCItem
}

// Options configures an Assembler.
type Options struct {
	Renderer *render.Renderer
	// Font carries the OCR text layer. nil disables the text layer.
	Font *textfont.Font
	// JPEGQuality for page images and JPEG derivatives. Default 85.
	JPEGQuality int
	// Concurrency bounds parallel page rendering. Default GOMAXPROCS.
	Concurrency int
	// Validate runs pdfcpu validation on every PDF before it is handed out.
	Validate bool
	// Optimize rewrites the PDF through pdfcpu.
	Optimize bool
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Renderer == nil {
		o.Renderer = render.New(render.Options{Logger: o.Logger})
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = 85
	}
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.GOMAXPROCS(0)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Assembler is safe for concurrent use.
type Assembler struct {
	opts Options
}

func New(opts Options) *Assembler {
	opts.defaults()
	return &Assembler{opts: opts}
}

// WritePDF renders every page and writes the PDF to path. Pages are rendered
// in parallel but written in order. On failure path is removed.
func (a *Assembler) WritePDF(ctx context.Context, path string, doc Document) (err error) {
	if len(doc.Pages) == 0 {
		return errors.New("pdfdoc: document has no pages")
	}
	defer func() {
		if err != nil {
			os.Remove(path)
		}
	}()

	pages, err := a.renderAll(ctx, doc, a.opts.Font)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pdfdoc: %w", err)
	}
	w := NewWriter(f, a.opts.Font)
	for _, p := range pages {
		if err := w.AddPage(p); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Close(ctx, doc.Meta, doc.TOC); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("pdfdoc: %w", err)
	}

	if a.opts.Optimize {
		if err := Optimize(path); err != nil {
			return err
		}
	}
	if a.opts.Validate {
		if err := Validate(path); err != nil {
			return err
		}
	}
	a.opts.Logger.Debug("pdfdoc: pdf written", "path", path, "pages", len(pages), "size", doc.Size)
	return nil
}

// WriteJPEG renders the single page of doc to path.
func (a *Assembler) WriteJPEG(ctx context.Context, path string, doc Document) (err error) {
	if len(doc.Pages) != 1 {
		return fmt.Errorf("pdfdoc: jpeg needs exactly one page, got %d", len(doc.Pages))
	}
	defer func() {
		if err != nil {
			os.Remove(path)
		}
	}()
	p, err := a.opts.Renderer.Render(ctx, render.Request{Source: doc.Pages[0].Source, Size: doc.Size})
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pdfdoc: %w", err)
	}
	if err := p.EncodeJPEG(f, a.opts.JPEGQuality); err != nil {
		f.Close()
		return fmt.Errorf("pdfdoc: encode: %w", err)
	}
	return f.Close()
}

func (a *Assembler) renderAll(ctx context.Context, doc Document, font *textfont.Font) ([]PageImage, error) {
	out := make([]PageImage, len(doc.Pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, ps := range doc.Pages {
		g.Go(func() error {
			req := render.Request{Source: ps.Source, Size: doc.Size}
			if font != nil {
				req.Fulltext, req.Font = ps.Fulltext, font
			}
			p, err := a.opts.Renderer.Render(gctx, req)
			if err != nil {
				return fmt.Errorf("pdfdoc: page %d: %w", i+1, err)
			}
			var buf bytes.Buffer
			if err := p.EncodeJPEG(&buf, a.opts.JPEGQuality); err != nil {
				return fmt.Errorf("pdfdoc: page %d: encode: %w", i+1, err)
			}
			b := p.Image.Bounds()
			out[i] = PageImage{JPEG: buf.Bytes(), Width: b.Dx(), Height: b.Dy(), Text: p.Text}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
