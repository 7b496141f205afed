package render

import (
	"log/slog"

	"github.com/hazyhaar/mediaserver/ocr"
	"github.com/hazyhaar/mediaserver/textfont"
)

// DefaultFontSize is used until a word with a height sets one.
const DefaultFontSize = 12.0

// TextLayer positions OCR words in PDF user space (origin bottom-left).
// Start is the absolute first text position; each Run moves relative to the
// previous one, the way the Td operator does.
type TextLayer struct {
	StartX, StartY float64
	Runs           []Run
}

// Run is one placed word.
type Run struct {
	Text string
	// Dx, Dy is the offset from the previous run's origin.
	Dx, Dy float64
	Size   float64
	// HScale is the horizontal scaling in percent that stretches the
	// natural glyph width onto the OCR box.
	HScale float64
}

// BuildTextLayer scales the word boxes by the page's scale factor. Words the
// font cannot measure are skipped.
func BuildTextLayer(p *Page, words []ocr.Word, f *textfont.Font, logger *slog.Logger) *TextLayer {
	if logger == nil {
		logger = slog.Default()
	}
	g := p.Geometry
	scale := g.Scale
	tl := &TextLayer{
		StartX: float64(g.Image.Min.X),
		StartY: float64(p.SrcH)*scale + float64(g.Height-g.Image.Dy()-g.Image.Min.Y),
	}

	size := DefaultFontSize
	var last ocr.Word
	for _, w := range words {
		if w.H > 0 {
			size = float64(w.H) * scale * 1.1
		}
		natural, err := f.StringWidth(w.Text)
		if err != nil || natural <= 0 {
			logger.Debug("render: dropping OCR word", "word", w.Text, "error", err)
			continue
		}
		width := natural / 1000 * size
		tl.Runs = append(tl.Runs, Run{
			Text:   w.Text,
			Dx:     float64(w.X-last.X) * scale,
			Dy:     float64((last.Y+last.H)-(w.Y+w.H)) * scale,
			Size:   size,
			HScale: 100 * float64(w.W) * scale / width,
		})
		last = w
	}
	return tl
}
