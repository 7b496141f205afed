package pdfdoc

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/mediaserver/render"
	"github.com/hazyhaar/mediaserver/textfont"
)

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xc0
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const hocrPage = `<html><body><div class="ocr_page" title="bbox 0 0 200 100">
<p class="ocr_par"><span class="ocr_line" title="bbox 10 10 190 30">
<span class="ocrx_word" title="bbox 10 10 60 30">Hello</span>
<span class="ocrx_word" title="bbox 70 10 130 30">world</span>
</span></p></div></body></html>`

func writerFixture(t *testing.T, w *Writer) {
	t.Helper()
	text := &render.TextLayer{StartX: 0, StartY: 100, Runs: []render.Run{
		{Text: "Hello", Dx: 10, Dy: -30, Size: 20, HScale: 90},
		{Text: "world", Dx: 60, Dy: 0, Size: 20, HScale: 95},
	}}
	for i := 0; i < 3; i++ {
		p := PageImage{JPEG: jpegBytes(t, 200, 100), Width: 200, Height: 100}
		if i == 0 {
			p.Text = text
		}
		if err := w.AddPage(p); err != nil {
			t.Fatal(err)
		}
	}
}

var fixtureTOC = []TOCItem{
	{Title: "Chapitre 1", Page: 1, Children: []TOCItem{{Title: "Section é", Page: 2}}},
	{Title: "Out of range", Page: 9},
	{Title: "Anhang", Page: 3},
}

func TestWriter_ValidPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pdf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(f, textfont.Default())
	writerFixture(t, w)
	meta := Metadata{Title: "Faust – Der Tragödie erster Teil", Author: "Goethe", Created: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	if err := w.Close(context.Background(), meta, fixtureTOC); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := Inspect(path)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.PageCount != 3 {
		t.Fatalf("pages: got %d, want 3", info.PageCount)
	}
	if info.JPEGImages != 3 {
		t.Fatalf("page images must stay JPEG, got %d DCT streams", info.JPEGImages)
	}
	if !bytes.Contains(info.Contents[0], []byte("3 Tr")) || !bytes.Contains(info.Contents[0], []byte("90 Tz")) {
		t.Fatalf("first page lacks scaled invisible text: %s", info.Contents[0])
	}
	if err := Validate(path); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(raw, []byte("%PDF-")) || !bytes.Contains(raw, []byte("%%EOF")) {
		t.Fatal("bad header or trailer")
	}
	if !bytes.Contains(raw, []byte("<xmp:CreateDate>2024-03-01T12:00:00Z</xmp:CreateDate>")) {
		t.Fatal("expected creation date in the XMP packet")
	}
}

func TestWriter_Build(t *testing.T) {
	w := NewWriter(io.Discard, textfont.Default())
	writerFixture(t, w)
	doc, err := w.build(Metadata{Title: "Faust – Teil 1", ICCProfile: []byte("icc")}, fixtureTOC)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Pages) != 3 {
		t.Fatalf("pages %d", len(doc.Pages))
	}
	if f := doc.Pages[0].Resources.Fonts[fontResource]; f == nil || f.Subtype != "Type0" {
		t.Fatalf("first page font: %+v", f)
	}
	if n := len(doc.Pages[1].Resources.Fonts); n != 0 {
		t.Fatalf("second page has %d fonts", n)
	}
	if len(doc.Outlines) != 2 || len(doc.Outlines[0].Children) != 1 {
		t.Fatalf("outline: %+v", doc.Outlines)
	}
	if got := doc.Outlines[0].Children[0]; got.PageIndex != 1 || !strings.HasPrefix(got.Title, "\xfe\xff") {
		t.Fatalf("child: %+v", got)
	}
	if doc.Outlines[1].Title != "Anhang" || doc.Outlines[1].PageIndex != 2 {
		t.Fatalf("second item: %+v", doc.Outlines[1])
	}
	if !strings.HasPrefix(doc.Info.Title, "\xfe\xff") || doc.Info.Producer != Producer {
		t.Fatalf("info: %+v", doc.Info)
	}
	if len(doc.OutputIntents) != 1 || string(doc.OutputIntents[0].DestOutputProfile) != "icc" {
		t.Fatalf("output intents: %+v", doc.OutputIntents)
	}
}

func TestWriter_NoTextNoFont(t *testing.T) {
	w := NewWriter(io.Discard, textfont.Default())
	if err := w.AddPage(PageImage{JPEG: jpegBytes(t, 10, 10), Width: 10, Height: 10}); err != nil {
		t.Fatal(err)
	}
	doc, err := w.build(Metadata{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(doc.Pages[0].Resources.Fonts); n != 0 {
		t.Fatalf("font registered without text: %d", n)
	}
	if doc.Info.Title != "" || len(doc.Outlines) != 0 {
		t.Fatalf("unexpected info or outline: %+v", doc.Info)
	}
}

func TestWriter_Errors(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	if err := w.AddPage(PageImage{}); err == nil {
		t.Fatal("empty page should fail")
	}
	if err := w.Close(context.Background(), Metadata{}, nil); err == nil {
		t.Fatal("closing an empty document should fail")
	}
	if err := w.AddPage(PageImage{JPEG: []byte{1}, Width: 1, Height: 1}); err == nil {
		t.Fatal("add after close should fail")
	}
}

func TestLoadFont_PinsTextRunes(t *testing.T) {
	tf := textfont.Default()
	w := NewWriter(io.Discard, tf)
	w.pages = []PageImage{{Text: &render.TextLayer{Runs: []render.Run{{Text: "é"}}}}}
	f, err := w.loadFont()
	if err != nil {
		t.Fatal(err)
	}
	gid, err := tf.GlyphIndex('é')
	if err != nil {
		t.Fatal(err)
	}
	if got := f.ToUnicode[int(gid)]; len(got) != 1 || got[0] != 'é' {
		t.Fatalf("ToUnicode[%d] = %q", gid, got)
	}
}

func TestPDFString(t *testing.T) {
	if got := pdfString("Faust"); got != "Faust" {
		t.Fatalf("ascii: %q", got)
	}
	if got := pdfString("é"); got != "\xfe\xff\x00\xe9" {
		t.Fatalf("utf-16: %q", got)
	}
}

func TestRound3(t *testing.T) {
	cases := map[float64]float64{0: 0, 1.5: 1.5, -0.0001: 0, 12.34567: 12.346, 100: 100}
	for in, want := range cases {
		got := round3(in)
		if got != want || math.Signbit(got) {
			t.Errorf("round3(%v): got %v, want %v", in, got, want)
		}
	}
	if round3(math.NaN()) != 0 {
		t.Error("NaN should round to 0")
	}
}

func TestAssembler_WritePDF(t *testing.T) {
	dir := t.TempDir()
	ocrPath := filepath.Join(dir, "p1.html")
	if err := os.WriteFile(ocrPath, []byte(hocrPage), 0o644); err != nil {
		t.Fatal(err)
	}
	doc := Document{
		Pages: []PageSource{
			{Source: writePNG(t, dir, "p1.png", 200, 100), Fulltext: ocrPath},
			{Source: writePNG(t, dir, "p2.png", 200, 100)},
		},
		Size: 100,
		Meta: Metadata{Title: "Test"},
		TOC:  []TOCItem{{Title: "Start", Page: 1}},
	}
	a := New(Options{Font: textfont.Default(), Validate: true, Concurrency: 2})
	out := filepath.Join(dir, "doc.pdf")
	if err := a.WritePDF(context.Background(), out, doc); err != nil {
		t.Fatal(err)
	}
	info, err := Inspect(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.PageCount != 2 {
		t.Fatalf("pages: %d", info.PageCount)
	}
	if c := info.Contents[0]; len(c) > 0 && !bytes.Contains(c, []byte("3 Tr")) {
		t.Fatalf("first page lacks invisible text: %s", c)
	}
	if c := info.Contents[1]; len(c) > 0 && bytes.Contains(c, []byte("BT")) {
		t.Fatalf("second page should have no text: %s", c)
	}
}

func TestAssembler_FailureRemovesOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(out, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	doc := Document{Pages: []PageSource{
		{Source: writePNG(t, dir, "ok.png", 20, 20)},
		{Source: filepath.Join(dir, "missing.png")},
	}, Size: 20}
	if err := New(Options{}).WritePDF(context.Background(), out, doc); err == nil {
		t.Fatal("expected error for missing master")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatal("partial output must be removed")
	}
}

func TestAssembler_WriteJPEG(t *testing.T) {
	dir := t.TempDir()
	a := New(Options{JPEGQuality: 90})
	src := writePNG(t, dir, "p.png", 300, 150)

	out := filepath.Join(dir, "p.jpg")
	if err := a.WriteJPEG(context.Background(), out, Document{Pages: []PageSource{{Source: src}}, Size: 150}); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 150 || cfg.Height != 75 {
		t.Fatalf("size: %dx%d", cfg.Width, cfg.Height)
	}

	two := Document{Pages: []PageSource{{Source: src}, {Source: src}}, Size: 150}
	if err := a.WriteJPEG(context.Background(), filepath.Join(dir, "x.jpg"), two); err == nil {
		t.Fatal("jpeg with two pages should fail")
	}
}
