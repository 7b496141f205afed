package pdfdoc

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/wudi/pdfkit/builder"
	"github.com/wudi/pdfkit/contentstream"
	"github.com/wudi/pdfkit/fonts"
	"github.com/wudi/pdfkit/ir/semantic"
	"github.com/wudi/pdfkit/writer"

	"github.com/hazyhaar/mediaserver/render"
	"github.com/hazyhaar/mediaserver/textfont"
)

// Producer is written to the Info dictionary and the XMP packet.
const Producer = "mediaserver"

const fontResource = "F1"

// Metadata goes into the Info dictionary, the XMP packet and the output
// intent. Empty fields are omitted.
type Metadata struct {
	Title   string
	Author  string
	Created time.Time
	// ICCProfile is an RGB profile embedded as the document output intent.
	ICCProfile []byte
}

// TOCItem is a bookmark. Page is 1-based; items pointing outside the
// document are dropped with their children.
type TOCItem struct {
	Title    string
	Page     int
	Children []TOCItem
}

// PageImage is one encoded page. Width and Height are the JPEG pixel size,
// which is also the page size in points.
type PageImage struct {
	JPEG   []byte
	Width  int
	Height int
	Text   *render.TextLayer
}

// Writer collects pages and lays the document out with the pdfkit builder
// on Close. Page images keep their JPEG encoding.
type Writer struct {
	w      io.Writer
	font   *textfont.Font
	pages  []PageImage
	closed bool
}

// NewWriter returns a writer for w. font may be nil when no page carries
// text.
func NewWriter(w io.Writer, font *textfont.Font) *Writer {
	return &Writer{w: w, font: font}
}

// AddPage appends a page.
func (pw *Writer) AddPage(p PageImage) error {
	if pw.closed {
		return errors.New("pdfdoc: writer closed")
	}
	if len(p.JPEG) == 0 || p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("pdfdoc: page %d: empty image", len(pw.pages)+1)
	}
	pw.pages = append(pw.pages, p)
	return nil
}

// Close builds and writes the document. It does not close the underlying
// writer.
func (pw *Writer) Close(ctx context.Context, meta Metadata, toc []TOCItem) error {
	if pw.closed {
		return errors.New("pdfdoc: writer closed")
	}
	pw.closed = true
	if len(pw.pages) == 0 {
		return errors.New("pdfdoc: document has no pages")
	}

	doc, err := pw.build(meta, toc)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	cfg := writer.Config{Version: writer.PDF17, Compression: 6}
	if err := writer.NewWriter().Write(ctx, doc, &buf, cfg); err != nil {
		return fmt.Errorf("pdfdoc: write: %w", err)
	}
	return markJPEGImages(buf.Bytes(), pw.w)
}

func (pw *Writer) build(meta Metadata, toc []TOCItem) (*semantic.Document, error) {
	b := builder.NewBuilder()
	withText := pw.font != nil && pw.hasText()
	if withText {
		f, err := pw.loadFont()
		if err != nil {
			return nil, err
		}
		b.RegisterFont(fontResource, f)
	}

	for _, p := range pw.pages {
		w, h := float64(p.Width), float64(p.Height)
		img := &semantic.Image{
			Width:            p.Width,
			Height:           p.Height,
			ColorSpace:       &semantic.DeviceColorSpace{Name: "DeviceRGB"},
			BitsPerComponent: 8,
			Data:             p.JPEG,
		}
		pb := b.NewPage(w, h).DrawImage(img, 0, 0, w, h, builder.ImageOptions{})
		if withText && p.Text != nil {
			pw.drawText(pb, p.Text)
		}
		pb.Finish()
	}

	for _, o := range outline(toc, len(pw.pages)) {
		b.AddOutline(o)
	}
	b.SetInfo(&semantic.DocumentInfo{
		Title:    pdfString(meta.Title),
		Author:   pdfString(meta.Author),
		Creator:  Producer,
		Producer: Producer,
	})
	b.SetMetadata(xmpPacket(meta))

	doc, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("pdfdoc: build: %w", err)
	}
	if len(meta.ICCProfile) > 0 {
		doc.OutputIntents = append(doc.OutputIntents, semantic.OutputIntent{
			S:                         "GTS_PDFA1",
			OutputConditionIdentifier: "sRGB",
			Info:                      "sRGB",
			DestOutputProfile:         meta.ICCProfile,
		})
	}
	return doc, nil
}

func (pw *Writer) hasText() bool {
	for _, p := range pw.pages {
		if p.Text != nil && len(p.Text.Runs) > 0 {
			return true
		}
	}
	return false
}

// loadFont embeds the whole TrueType program as a Type0 font. The builder
// encodes text through the font's ToUnicode map, which keeps one code point
// per glyph, so glyphs shared by several code points are pinned to the ones
// the text layer uses.
func (pw *Writer) loadFont() (*semantic.Font, error) {
	f, err := fonts.LoadTrueType(pw.font.Name(), pw.font.Data())
	if err != nil {
		return nil, fmt.Errorf("pdfdoc: font: %w", err)
	}
	if f.ToUnicode == nil {
		f.ToUnicode = make(map[int][]rune)
	}
	pinned := make(map[int]bool)
	for _, p := range pw.pages {
		if p.Text == nil {
			continue
		}
		for _, run := range p.Text.Runs {
			for _, r := range run.Text {
				gid, err := pw.font.GlyphIndex(r)
				if err != nil || pinned[int(gid)] {
					continue
				}
				pinned[int(gid)] = true
				f.ToUnicode[int(gid)] = []rune{r}
			}
		}
	}
	return f, nil
}

// drawText writes the invisible text layer. Render mode 3 neither fills nor
// strokes, so the glyphs are selectable and searchable only. Run offsets
// are relative to the previous run.
func (pw *Writer) drawText(pb builder.PageBuilder, tl *render.TextLayer) {
	x, y := tl.StartX, tl.StartY
	for _, run := range tl.Runs {
		x += run.Dx
		y += run.Dy
		if gids, err := pw.font.Glyphs(run.Text); err != nil || len(gids) == 0 {
			continue
		}
		pb.DrawText(run.Text, round3(x), round3(y), builder.TextOptions{
			Font:         fontResource,
			FontSize:     round3(run.Size),
			HorizScaling: round3(run.HScale),
			RenderMode:   contentstream.TextInvisible,
		})
	}
}

func outline(items []TOCItem, pages int) []builder.Outline {
	var out []builder.Outline
	for _, it := range items {
		if it.Page < 1 || it.Page > pages {
			continue
		}
		out = append(out, builder.Outline{
			Title:     pdfString(it.Title),
			PageIndex: it.Page - 1,
			Children:  outline(it.Children, pages),
		})
	}
	return out
}

// markJPEGImages reads the document back through pdfcpu, flags every
// unfiltered image stream as DCT and writes the result to w. Page images
// are handed to the builder as their JPEG bytes.
func markJPEGImages(src []byte, w io.Writer) error {
	pctx, err := api.ReadContext(bytes.NewReader(src), config())
	if err != nil {
		return fmt.Errorf("pdfdoc: reread: %w", err)
	}
	for _, entry := range pctx.Table {
		if entry == nil || entry.Free {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok || !sd.Image() {
			continue
		}
		if _, found := sd.Find("Filter"); found {
			continue
		}
		width, height := sd.IntEntry("Width"), sd.IntEntry("Height")
		if width == nil || height == nil {
			continue
		}
		dct, err := model.CreateDCTImageStreamDict(pctx.XRefTable, sd.Raw, *width, *height, 8, "DeviceRGB")
		if err != nil {
			return fmt.Errorf("pdfdoc: image: %w", err)
		}
		entry.Object = *dct
	}
	if err := api.WriteContext(pctx, w); err != nil {
		return fmt.Errorf("pdfdoc: write: %w", err)
	}
	return nil
}

// pdfString keeps ASCII as is and encodes anything else as UTF-16BE with a
// byte order mark.
func pdfString(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return types.EncodeUTF16String(s)
		}
	}
	return s
}

// xmpPacket carries the creation date, which the Info dictionary loses
// when pdfcpu rewrites it.
func xmpPacket(meta Metadata) []byte {
	created := meta.Created
	if created.IsZero() {
		created = time.Now()
	}
	var b bytes.Buffer
	b.WriteString("<?xpacket begin=\"\uFEFF\" id=\"W5M0MpCehiHzreSzNTczkc9d\"?>\n" +
		"<x:xmpmeta xmlns:x=\"adobe:ns:meta/\">\n" +
		"<rdf:RDF xmlns:rdf=\"http://www.w3.org/1999/02/22-rdf-syntax-ns#\">\n" +
		"<rdf:Description rdf:about=\"\" xmlns:xmp=\"http://ns.adobe.com/xap/1.0/\"" +
		" xmlns:pdf=\"http://ns.adobe.com/pdf/1.3/\" xmlns:dc=\"http://purl.org/dc/elements/1.1/\">\n")
	fmt.Fprintf(&b, "<xmp:CreateDate>%s</xmp:CreateDate>\n", created.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "<xmp:CreatorTool>%s</xmp:CreatorTool>\n<pdf:Producer>%s</pdf:Producer>\n", Producer, Producer)
	if meta.Title != "" {
		b.WriteString("<dc:title><rdf:Alt><rdf:li xml:lang=\"x-default\">")
		xml.EscapeText(&b, []byte(meta.Title))
		b.WriteString("</rdf:li></rdf:Alt></dc:title>\n")
	}
	if meta.Author != "" {
		b.WriteString("<dc:creator><rdf:Seq><rdf:li>")
		xml.EscapeText(&b, []byte(meta.Author))
		b.WriteString("</rdf:li></rdf:Seq></dc:creator>\n")
	}
	b.WriteString("</rdf:Description>\n</rdf:RDF>\n</x:xmpmeta>\n<?xpacket end=\"w\"?>")
	return b.Bytes()
}

// round3 rounds to three decimals so content stream numbers stay out of
// exponent notation.
func round3(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	r := math.Round(v*1000) / 1000
	if r == 0 {
		return 0
	}
	return r
}
