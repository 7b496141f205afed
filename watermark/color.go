package watermark

import (
	"image/color"
	"strconv"
	"strings"
)

// DefaultColor replaces colors that do not parse.
var DefaultColor = color.RGBA{R: 32, G: 32, B: 32, A: 255}

// ParseRGB reads "R,G,B". Components are clamped to 0..255. Fewer than three
// components or a non-integer gives DefaultColor.
func ParseRGB(s string) color.RGBA {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return DefaultColor
	}
	var c [3]uint8
	for i := range c {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return DefaultColor
		}
		c[i] = uint8(min(max(v, 0), 255))
	}
	return color.RGBA{R: c[0], G: c[1], B: c[2], A: 255}
}
