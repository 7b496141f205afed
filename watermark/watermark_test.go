package watermark

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/mediaserver/geometry"
)

func writePNG(t *testing.T, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(t.TempDir(), "logo.png")
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

func whiteCanvas(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestParseRGB(t *testing.T) {
	tests := []struct {
		in   string
		want color.RGBA
	}{
		{"255,0,10", color.RGBA{255, 0, 10, 255}},
		{" 1 , 2 , 3 ", color.RGBA{1, 2, 3, 255}},
		{"300,-5,128", color.RGBA{255, 0, 128, 255}},
		{"1,2", DefaultColor},
		{"", DefaultColor},
		{"a,b,c", DefaultColor},
		{"1,2,3,4", color.RGBA{1, 2, 3, 255}},
	}
	for _, tt := range tests {
		if got := ParseRGB(tt.in); got != tt.want {
			t.Errorf("ParseRGB(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.Defaults()
	if c.RenderMode != geometry.ModeText || c.ImageMode.Opacity != 100 || c.TextMode.Size != 16 {
		t.Fatalf("defaults: %+v", c)
	}
}

func TestScaling_NoOpWhenInactive(t *testing.T) {
	cfg := Config{Enabled: false, MinSize: 100, RenderMode: geometry.ModeText}
	cfg.TextMode.Content = "(c)"
	var ops Ops
	NewScaling(cfg, 1000, nil).Apply(&ops, "m.tif", 2000)
	if ops.Len() != 0 {
		t.Fatal("disabled watermark added ops")
	}

	cfg.Enabled = true
	NewScaling(cfg, 1000, nil).Apply(&ops, "m.tif", 99)
	if ops.Len() != 0 {
		t.Fatal("size below minimum added ops")
	}
}

func TestScaling_TextMode(t *testing.T) {
	cfg := Config{
		Enabled:    true,
		RenderMode: "TEXT",
		Gravity:    "southeast",
		OffsetX:    20,
		OffsetY:    10,
		TextMode:   TextMode{Content: "Library", Size: 40, ColorRGB: "10,20,30"},
	}
	var ops Ops
	NewScaling(cfg, 1000, nil).Apply(&ops, "m.tif", 500)
	if ops.Len() != 1 {
		t.Fatalf("got %d ops", ops.Len())
	}
	txt, ok := ops.List()[0].(Text)
	if !ok {
		t.Fatalf("got %T", ops.List()[0])
	}
	if txt.Size != 20 || txt.Placement.OffX != 10 || txt.Placement.OffY != 5 {
		t.Fatalf("scaled text: %+v", txt)
	}
	if txt.Color != (color.RGBA{10, 20, 30, 255}) || txt.Placement.Mode != geometry.ModeText {
		t.Fatalf("text attributes: %+v", txt)
	}
}

func TestScaling_ImageMode(t *testing.T) {
	logo := writePNG(t, 200, 100, color.Black)
	cfg := Config{
		Enabled:    true,
		RenderMode: geometry.ModeImage,
		Gravity:    "northwest",
		OffsetX:    40,
		ImageMode:  ImageMode{Path: logo, Opacity: 50},
	}
	var ops Ops
	NewScaling(cfg, 1000, nil).Apply(&ops, "m.tif", 250)
	ov, ok := ops.List()[0].(Overlay)
	if !ok {
		t.Fatalf("got %T", ops.List()[0])
	}
	if ov.W != 50 || ov.H != 25 || ov.Placement.OffX != 10 || ov.Opacity != 50 {
		t.Fatalf("scaled overlay: %+v", ov)
	}
}

func TestScaling_UnreadableImageIsSkipped(t *testing.T) {
	logger, buf := captureLogger()
	cfg := Config{
		Enabled:    true,
		RenderMode: geometry.ModeImage,
		ImageMode:  ImageMode{Path: filepath.Join(t.TempDir(), "missing.png")},
	}
	var ops Ops
	NewScaling(cfg, 1000, logger).Apply(&ops, "m.tif", 1000)
	if ops.Len() != 0 {
		t.Fatal("missing watermark image must not add ops")
	}
	if !strings.Contains(buf.String(), "watermark: image unreadable") {
		t.Fatalf("expected a warning, got %s", buf.String())
	}
}

func TestAppending(t *testing.T) {
	logger, buf := captureLogger()
	cfg := Config{Enabled: true, Gravity: "south"}
	cfg.CanvasExtension.BackgroundRGB = "0,0,255"

	var ops Ops
	NewAppending(cfg, logger).Apply(&ops, "m.tif", 1000)
	if ops.Len() != 0 || !strings.Contains(buf.String(), "image path is empty") {
		t.Fatalf("blank path: ops=%d log=%s", ops.Len(), buf.String())
	}

	cfg.ImageMode.Path = filepath.Join(t.TempDir(), "nope.png")
	NewAppending(cfg, logger).Apply(&ops, "m.tif", 1000)
	if ops.Len() != 0 {
		t.Fatal("unreadable path must not add ops")
	}

	cfg.ImageMode.Path = t.TempDir()
	NewAppending(cfg, logger).Apply(&ops, "m.tif", 1000)
	if ops.Len() != 0 {
		t.Fatal("directory path must not add ops")
	}

	cfg.ImageMode.Path = writePNG(t, 10, 10, color.Black)
	NewAppending(cfg, logger).Apply(&ops, "m.tif", 1000)
	if ops.Len() != 2 {
		t.Fatalf("got %d ops, want append+flatten", ops.Len())
	}
	app := ops.List()[0].(Append)
	if app.Background != (color.RGBA{0, 0, 255, 255}) || app.Gravity != "south" {
		t.Fatalf("append op: %+v", app)
	}
	if _, ok := ops.List()[1].(Flatten); !ok {
		t.Fatal("second op must be Flatten")
	}
}

func TestExecute_Overlay(t *testing.T) {
	logo := writePNG(t, 10, 10, color.RGBA{255, 0, 0, 255})
	var ops Ops
	ops.Add(Overlay{
		Path: logo, W: 20, H: 20, Opacity: 100,
		Placement: geometry.Placement{Gravity: "northwest", Mode: geometry.ModeImage},
	})
	out, shift, err := Execute(whiteCanvas(100, 100), &ops, nil)
	if err != nil {
		t.Fatal(err)
	}
	if shift != (image.Point{}) || out.Bounds().Dx() != 100 {
		t.Fatalf("overlay must not resize: %v %v", out.Bounds(), shift)
	}
	if got := out.RGBAAt(10, 10); got.R != 255 || got.G != 0 {
		t.Fatalf("pixel inside mark: %v", got)
	}
	if got := out.RGBAAt(50, 50); got != (color.RGBA{255, 255, 255, 255}) {
		t.Fatalf("pixel outside mark: %v", got)
	}
}

func TestExecute_OverlayOpacity(t *testing.T) {
	logo := writePNG(t, 4, 4, color.RGBA{0, 0, 0, 255})
	var ops Ops
	ops.Add(Overlay{
		Path: logo, W: 10, H: 10, Opacity: 50,
		Placement: geometry.Placement{Gravity: "northwest", Mode: geometry.ModeImage},
	})
	out, _, err := Execute(whiteCanvas(20, 20), &ops, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g := out.RGBAAt(5, 5).G; g < 100 || g > 160 {
		t.Fatalf("half opacity black on white should be grey, got %d", g)
	}
}

func TestExecute_Text(t *testing.T) {
	var ops Ops
	ops.Add(Text{
		Content:   "MARK",
		Size:      30,
		Color:     color.RGBA{0, 0, 0, 255},
		Placement: geometry.Placement{Gravity: "center", Mode: geometry.ModeText},
	})
	out, _, err := Execute(whiteCanvas(200, 100), &ops, nil)
	if err != nil {
		t.Fatal(err)
	}
	dark := 0
	for i := 0; i < len(out.Pix); i += 4 {
		if out.Pix[i] < 128 {
			dark++
		}
	}
	if dark == 0 {
		t.Fatal("text was not drawn")
	}
}

func TestExecute_AppendStacking(t *testing.T) {
	logo := writePNG(t, 30, 10, color.RGBA{255, 0, 0, 255})
	tests := []struct {
		gravity geometry.Gravity
		size    image.Point
		shift   image.Point
	}{
		{"north", image.Pt(100, 60), image.Pt(0, 10)},
		{"south", image.Pt(100, 60), image.Pt(0, 0)},
		{"", image.Pt(100, 60), image.Pt(0, 0)},
		{"west", image.Pt(130, 50), image.Pt(30, 0)},
		{"east", image.Pt(130, 50), image.Pt(0, 0)},
	}
	for _, tt := range tests {
		var ops Ops
		bg := color.RGBA{0, 0, 255, 255}
		ops.Add(Append{Path: logo, Background: bg, Gravity: tt.gravity}, Flatten{Background: bg})
		out, shift, err := Execute(whiteCanvas(100, 50), &ops, nil)
		if err != nil {
			t.Fatalf("%q: %v", tt.gravity, err)
		}
		if out.Bounds().Size() != tt.size || shift != tt.shift {
			t.Errorf("%q: size %v shift %v, want %v %v", tt.gravity, out.Bounds().Size(), shift, tt.size, tt.shift)
		}
		if got := out.RGBAAt(shift.X+1, shift.Y+1); got != (color.RGBA{255, 255, 255, 255}) {
			t.Errorf("%q: original canvas not at shift, pixel %v", tt.gravity, got)
		}
	}
}

func TestExecute_MissingFileReturnsError(t *testing.T) {
	var ops Ops
	ops.Add(Overlay{Path: filepath.Join(t.TempDir(), "x.png"), W: 1, H: 1})
	canvas := whiteCanvas(10, 10)
	out, _, err := Execute(canvas, &ops, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if out != canvas {
		t.Fatal("canvas should be returned unchanged on error")
	}
}
