package conversion

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/hazyhaar/mediaserver/watermark"
)

// Compositor names.
const (
	CompositorScaling = "scaling"
	CompositorAppend  = "append"
)

// Config is the conversion section of the server configuration.
type Config struct {
	// SaveConverted keeps derivatives in the cache. When false every
	// conversion goes to a temporary file that is removed once opened.
	SaveConverted bool `yaml:"save_converted"`
	// Workers bounds parallel page rendering per document.
	Workers      int              `yaml:"workers"`
	JPEG         JPEGConfig       `yaml:"jpeg"`
	PDF          PDFConfig        `yaml:"pdf"`
	Watermark    watermark.Config `yaml:"watermark"`
	Compositor   string           `yaml:"compositor"` // scaling | append
	SizePatterns []string         `yaml:"size_patterns"`
}

type JPEGConfig struct {
	DefaultSize int `yaml:"default_size"`
	Quality     int `yaml:"quality"`
}

type PDFConfig struct {
	DefaultSize int `yaml:"default_size"`
	Quality     int `yaml:"quality"`
	// Font carries the OCR text layer; empty uses Go Regular.
	Font string `yaml:"font"`
	// ICCProfile is embedded as the output intent when set.
	ICCProfile string `yaml:"icc_profile"`
	Validate   bool   `yaml:"validate"`
	Optimize   bool   `yaml:"optimize"`
}

// DefaultSizePattern takes the size from the last directory of the URL
// path, as in ".../jpeg/1000/00000001.jpg".
const DefaultSizePattern = `.*/(\d+)/[^/]+`

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.JPEG.DefaultSize <= 0 {
		c.JPEG.DefaultSize = 1000
	}
	if c.JPEG.Quality <= 0 {
		c.JPEG.Quality = 85
	}
	if c.PDF.DefaultSize <= 0 {
		c.PDF.DefaultSize = 2000
	}
	if c.PDF.Quality <= 0 {
		c.PDF.Quality = 80
	}
	if c.Compositor == "" {
		c.Compositor = CompositorScaling
	}
	if len(c.SizePatterns) == 0 {
		c.SizePatterns = []string{DefaultSizePattern}
	}
	c.Watermark.Defaults()
}

// CompilePatterns compiles the size patterns. Each must match a whole
// request URL and capture the size in group 1.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("conversion: size pattern %q: %w", p, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("conversion: size pattern %q has no capture group", p)
		}
		out = append(out, re)
	}
	return out, nil
}

// ExtractSize returns the size captured by the first pattern matching the
// whole url, or 0.
func ExtractSize(patterns []*regexp.Regexp, url string) int {
	for _, re := range patterns {
		m := re.FindStringSubmatch(url)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return 0
		}
		return n
	}
	return 0
}
