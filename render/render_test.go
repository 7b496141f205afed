package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/mediaserver/geometry"
	"github.com/hazyhaar/mediaserver/ocr"
	"github.com/hazyhaar/mediaserver/textfont"
	"github.com/hazyhaar/mediaserver/watermark"
)

func writeImage(t *testing.T, dir, name string, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
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

const altoPage = `<alto><Layout><Page><PrintSpace><TextBlock><TextLine>
<String CONTENT="first" HPOS="100" VPOS="200" WIDTH="50" HEIGHT="20"/>
<String CONTENT="中" HPOS="160" VPOS="200" WIDTH="20" HEIGHT="20"/>
<String CONTENT="second" HPOS="180" VPOS="204" WIDTH="60" HEIGHT="20"/>
</TextLine></TextBlock></PrintSpace></Page></Layout></alto>`

func TestRender_FitsSizeAndIsOpaque(t *testing.T) {
	dir := t.TempDir()
	src := writeImage(t, dir, "m.png", 400, 300, color.NRGBA{0, 128, 0, 128})

	page, err := New(Options{}).Render(context.Background(), Request{Source: src, Size: 200})
	if err != nil {
		t.Fatal(err)
	}
	if page.Image.Bounds().Size() != image.Pt(200, 150) {
		t.Fatalf("size: %v", page.Image.Bounds())
	}
	if page.Geometry.Scale != 0.5 || page.SrcW != 400 || page.SrcH != 300 {
		t.Fatalf("geometry: %+v", page.Geometry)
	}
	for i := 3; i < len(page.Image.Pix); i += 4 {
		if page.Image.Pix[i] != 0xff {
			t.Fatal("rendered page must be opaque")
		}
	}
	if page.Text != nil {
		t.Fatal("no text layer requested")
	}

	var buf bytes.Buffer
	if err := page.EncodeJPEG(&buf, 80); err != nil {
		t.Fatal(err)
	}
	if _, err := jpeg.DecodeConfig(&buf); err != nil {
		t.Fatalf("jpeg output: %v", err)
	}
}

func TestRender_MissingSourceIsFatal(t *testing.T) {
	_, err := New(Options{}).Render(context.Background(), Request{Source: filepath.Join(t.TempDir(), "x.png"), Size: 100})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRender_ExtensionAndAppendedLogo(t *testing.T) {
	dir := t.TempDir()
	src := writeImage(t, dir, "m.png", 400, 200, color.White)
	logo := writeImage(t, dir, "logo.png", 40, 10, color.Black)

	cfg := watermark.Config{
		Enabled:         true,
		Gravity:         "north",
		ImageMode:       watermark.ImageMode{Path: logo},
		CanvasExtension: watermark.CanvasExtension{Enabled: true, AddY: 20, BackgroundRGB: "255,0,0"},
	}
	r := New(Options{Watermark: cfg, Compositor: watermark.NewAppending(cfg, nil)})
	page, err := r.Render(context.Background(), Request{Source: src, Size: 400})
	if err != nil {
		t.Fatal(err)
	}
	// 400x200 image, 20px extension on top, 10px logo appended above.
	if page.Image.Bounds().Size() != image.Pt(400, 230) {
		t.Fatalf("size: %v", page.Image.Bounds().Size())
	}
	if page.Geometry.Image != image.Rect(0, 30, 400, 230) {
		t.Fatalf("image rect after shift: %v", page.Geometry.Image)
	}
	if got := page.Image.RGBAAt(5, 15); got != (color.RGBA{255, 0, 0, 255}) {
		t.Fatalf("extension background: %v", got)
	}
}

func TestRender_BrokenWatermarkIsCosmetic(t *testing.T) {
	dir := t.TempDir()
	src := writeImage(t, dir, "m.png", 100, 100, color.White)
	cfg := watermark.Config{Enabled: true}
	comp := compositorFunc(func(ops *watermark.Ops, _ string, _ int) {
		ops.Add(watermark.Overlay{Path: filepath.Join(dir, "gone.png"), W: 5, H: 5})
	})
	page, err := New(Options{Watermark: cfg, Compositor: comp}).Render(context.Background(), Request{Source: src, Size: 100})
	if err != nil {
		t.Fatalf("watermark failure must not fail the render: %v", err)
	}
	if page.Image.Bounds().Dx() != 100 {
		t.Fatal("page lost")
	}
}

type compositorFunc func(*watermark.Ops, string, int)

func (f compositorFunc) Apply(ops *watermark.Ops, source string, size int) { f(ops, source, size) }

func TestRender_TextLayer(t *testing.T) {
	dir := t.TempDir()
	src := writeImage(t, dir, "m.png", 1000, 800, color.White)
	ft := filepath.Join(dir, "p1.xml")
	if err := os.WriteFile(ft, []byte(altoPage), 0o644); err != nil {
		t.Fatal(err)
	}

	page, err := New(Options{}).Render(context.Background(), Request{
		Source: src, Fulltext: ft, Size: 500, Font: textfont.Default(),
	})
	if err != nil {
		t.Fatal(err)
	}
	tl := page.Text
	if tl == nil {
		t.Fatal("text layer missing")
	}
	if tl.StartX != 0 || tl.StartY != 400 {
		t.Fatalf("start: %f,%f", tl.StartX, tl.StartY)
	}
	if len(tl.Runs) != 2 {
		t.Fatalf("runs: %+v (CJK word must be dropped)", tl.Runs)
	}

	f := textfont.Default()
	first := tl.Runs[0]
	if first.Dx != 50 || first.Dy != -110 || math.Abs(first.Size-11) > 1e-9 {
		t.Fatalf("first run: %+v", first)
	}
	nat, _ := f.StringWidth("first")
	if want := 100 * 50 * 0.5 / (nat / 1000 * 11); math.Abs(first.HScale-want) > 1e-9 {
		t.Fatalf("hscale: %f, want %f", first.HScale, want)
	}
	second := tl.Runs[1]
	if second.Dx != 40 || second.Dy != -2 {
		t.Fatalf("second run relative to first: %+v", second)
	}
}

func TestRender_UnreadableOCRIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	src := writeImage(t, dir, "m.png", 100, 100, color.White)
	page, err := New(Options{}).Render(context.Background(), Request{
		Source: src, Fulltext: filepath.Join(dir, "missing.xml"), Size: 100, Font: textfont.Default(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if page.Text != nil {
		t.Fatal("text layer should be absent")
	}
}

func TestBuildTextLayer_HalfScale(t *testing.T) {
	page := &Page{
		Geometry: geometry.Page{Width: 500, Height: 400, Image: image.Rect(0, 0, 500, 400), Scale: 0.5},
		SrcH:     800,
	}
	words := []ocr.Word{{Text: "a", X: 100, Y: 200, W: 50, H: 20}}
	tl := BuildTextLayer(page, words, textfont.Default(), nil)
	r := tl.Runs[0]
	if r.Dx != 50 || r.Dy != -110 {
		t.Fatalf("run: %+v", r)
	}
}
