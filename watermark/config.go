package watermark

import "github.com/hazyhaar/mediaserver/geometry"

// Config is the watermark section of the conversion settings. It is copied
// into each render and never mutated afterwards.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// MinSize disables the mark on derivatives smaller than this.
	MinSize    int              `yaml:"min_size"`
	RenderMode geometry.Mode    `yaml:"render_mode"` // text | image
	Gravity    geometry.Gravity `yaml:"gravity"`
	OffsetX    int              `yaml:"offset_x"`
	OffsetY    int              `yaml:"offset_y"`

	TextMode        TextMode        `yaml:"text_mode"`
	ImageMode       ImageMode       `yaml:"image_mode"`
	CanvasExtension CanvasExtension `yaml:"canvas_extension"`
}

type TextMode struct {
	Content string `yaml:"content"`
	// Font is a TrueType file; empty uses the built-in Go Regular.
	Font     string `yaml:"font"`
	ColorRGB string `yaml:"color_rgb"`
	Size     int    `yaml:"size"`
}

type ImageMode struct {
	Path string `yaml:"path"`
	// Opacity in percent.
	Opacity int `yaml:"opacity"`
}

type CanvasExtension struct {
	Enabled       bool   `yaml:"enabled"`
	AddX          int    `yaml:"add_x"`
	AddY          int    `yaml:"add_y"`
	BackgroundRGB string `yaml:"background_rgb"`
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.RenderMode == "" {
		c.RenderMode = geometry.ModeText
	}
	if c.Gravity == "" {
		c.Gravity = "southeast"
	}
	if c.TextMode.Size <= 0 {
		c.TextMode.Size = 16
	}
	if c.TextMode.ColorRGB == "" {
		c.TextMode.ColorRGB = "32,32,32"
	}
	if c.ImageMode.Opacity <= 0 {
		c.ImageMode.Opacity = 100
	}
	if c.CanvasExtension.BackgroundRGB == "" {
		c.CanvasExtension.BackgroundRGB = "255,255,255"
	}
}

// Active reports whether a mark is drawn on a derivative of the given size.
func (c Config) Active(size int) bool {
	return geometry.WatermarkEnabled(c.Enabled, size, c.MinSize)
}

// Extension converts the canvas settings for geometry.Compute.
func (c Config) Extension() geometry.Extension {
	return geometry.Extension{
		Enabled: c.CanvasExtension.Enabled,
		AddX:    c.CanvasExtension.AddX,
		AddY:    c.CanvasExtension.AddY,
	}
}
