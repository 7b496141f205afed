// Package textfont wraps a TrueType font for the two places the server needs
// one: drawing a text watermark and embedding an invisible OCR text layer in
// PDFs. Widths follow the PDF convention of 1/1000 em.
package textfont

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
)

// Font is a parsed TrueType font. It is safe for concurrent use.
type Font struct {
	data []byte
	sf   *sfnt.Font
	name string
	upem sfnt.Units
}

// Metrics describe the font for a PDF FontDescriptor, in 1/1000 em.
type Metrics struct {
	Ascent      int
	Descent     int
	CapHeight   int
	BBox        [4]int
	ItalicAngle float64
}

// Parse reads TrueType data. The slice is kept for embedding.
func Parse(data []byte) (*Font, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("textfont: empty font data")
	}
	sf, err := sfnt.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("textfont: parse: %w", err)
	}
	upem := sf.UnitsPerEm()
	if upem == 0 {
		return nil, fmt.Errorf("textfont: invalid units per em")
	}
	var buf sfnt.Buffer
	name, _ := sf.Name(&buf, sfnt.NameIDPostScript)
	name = strings.Map(func(r rune) rune {
		if r <= ' ' || r > '~' || strings.ContainsRune("()<>[]{}/%#", r) {
			return -1
		}
		return r
	}, name)
	if name == "" {
		name = "EmbeddedTT"
	}
	return &Font{data: data, sf: sf, name: name, upem: upem}, nil
}

// Load parses the font file at path.
func Load(path string) (*Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("textfont: %w", err)
	}
	return Parse(data)
}

var defaultFont = sync.OnceValue(func() *Font {
	f, err := Parse(goregular.TTF)
	if err != nil {
		panic("textfont: goregular: " + err.Error())
	}
	return f
})

// Default is Go Regular, which covers Latin, Greek and Cyrillic.
func Default() *Font { return defaultFont() }

// LoadOrDefault loads path, or returns Default when path is empty.
func LoadOrDefault(path string) (*Font, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return Load(path)
}

// Name is the PostScript name, stripped of characters PDF names cannot carry.
func (f *Font) Name() string { return f.name }

// Data is the raw font file.
func (f *Font) Data() []byte { return f.data }

// NumGlyphs is the number of glyphs in the font.
func (f *Font) NumGlyphs() int { return f.sf.NumGlyphs() }

// GlyphIndex maps r to a glyph. A rune the font lacks is an error.
func (f *Font) GlyphIndex(r rune) (sfnt.GlyphIndex, error) {
	var buf sfnt.Buffer
	gid, err := f.sf.GlyphIndex(&buf, r)
	if err != nil {
		return 0, fmt.Errorf("textfont: glyph %q: %w", r, err)
	}
	if gid == 0 {
		return 0, fmt.Errorf("textfont: no glyph for %q in %s", r, f.name)
	}
	return gid, nil
}

// Glyphs maps every rune of s.
func (f *Font) Glyphs(s string) ([]sfnt.GlyphIndex, error) {
	out := make([]sfnt.GlyphIndex, 0, len(s))
	for _, r := range s {
		gid, err := f.GlyphIndex(r)
		if err != nil {
			return nil, err
		}
		out = append(out, gid)
	}
	return out, nil
}

// Advance returns the advance width of gid in 1/1000 em.
func (f *Font) Advance(gid sfnt.GlyphIndex) (float64, error) {
	var buf sfnt.Buffer
	adv, err := f.sf.GlyphAdvance(&buf, gid, fixed.Int26_6(f.upem<<6), font.HintingNone)
	if err != nil {
		return 0, fmt.Errorf("textfont: advance %d: %w", gid, err)
	}
	return f.scale(adv), nil
}

// StringWidth is the sum of advances of s in 1/1000 em.
func (f *Font) StringWidth(s string) (float64, error) {
	gids, err := f.Glyphs(s)
	if err != nil {
		return 0, err
	}
	var w float64
	for _, gid := range gids {
		a, err := f.Advance(gid)
		if err != nil {
			return 0, err
		}
		w += a
	}
	return w, nil
}

// Face returns a rasterizing face at size pixels (72 DPI). Faces are not
// safe for concurrent use; take one per render.
func (f *Font) Face(size float64) (font.Face, error) {
	face, err := opentype.NewFace(f.sf, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("textfont: face: %w", err)
	}
	return face, nil
}

// Metrics reads ascent, descent and bounds.
func (f *Font) Metrics() Metrics {
	var buf sfnt.Buffer
	ppem := fixed.Int26_6(f.upem << 6)
	m, _ := f.sf.Metrics(&buf, ppem, font.HintingNone)
	b, _ := f.sf.Bounds(&buf, ppem, font.HintingNone)
	out := Metrics{
		Ascent:  f.round(m.Ascent),
		Descent: -f.round(m.Descent),
		BBox: [4]int{
			f.round(b.Min.X), -f.round(b.Max.Y),
			f.round(b.Max.X), -f.round(b.Min.Y),
		},
	}
	out.CapHeight = out.Ascent
	if m.CapHeight > 0 {
		out.CapHeight = f.round(m.CapHeight)
	}
	if post := f.sf.PostTable(); post != nil {
		out.ItalicAngle = post.ItalicAngle
	}
	return out
}

func (f *Font) scale(v fixed.Int26_6) float64 {
	return float64(v) * 1000 / (64 * float64(f.upem))
}

func (f *Font) round(v fixed.Int26_6) int {
	return int(math.Round(f.scale(v)))
}
