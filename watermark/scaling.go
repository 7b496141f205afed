package watermark

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"strings"

	"github.com/hazyhaar/mediaserver/geometry"
)

// Scaling overlays the mark on the page, shrinking its size and offsets in
// proportion to the derivative size against RefSize, so a thumbnail gets a
// thumbnail-sized mark.
type Scaling struct {
	cfg     Config
	refSize int
	logger  *slog.Logger
}

// NewScaling returns a Scaling compositor. refSize is the size at which the
// configured dimensions apply unchanged, normally the default JPEG size.
func NewScaling(cfg Config, refSize int, logger *slog.Logger) *Scaling {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scaling{cfg: cfg, refSize: refSize, logger: logger}
}

// ScaleFactor is size/refSize in percent.
func (s *Scaling) ScaleFactor(size int) float64 {
	if s.refSize <= 0 {
		return 100
	}
	return float64(size) / float64(s.refSize) * 100
}

func scaled(v int, factor float64) int {
	return int(float64(v) / 100 * factor)
}

func (s *Scaling) Apply(ops *Ops, source string, size int) {
	if !s.cfg.Active(size) {
		s.logger.Debug("watermark: skipped", "source", source, "size", size, "min_size", s.cfg.MinSize)
		return
	}
	factor := s.ScaleFactor(size)
	place := geometry.Placement{
		Gravity: s.cfg.Gravity,
		OffX:    scaled(s.cfg.OffsetX, factor),
		OffY:    scaled(s.cfg.OffsetY, factor),
	}

	switch strings.ToLower(string(s.cfg.RenderMode)) {
	case string(geometry.ModeImage):
		w, h, err := imageSize(s.cfg.ImageMode.Path)
		if err != nil {
			s.logger.Warn("watermark: image unreadable", "path", s.cfg.ImageMode.Path, "error", err)
			return
		}
		place.Mode = geometry.ModeImage
		ops.Add(Overlay{
			Path:      s.cfg.ImageMode.Path,
			W:         max(scaled(w, factor), 1),
			H:         max(scaled(h, factor), 1),
			Placement: place,
			Opacity:   s.cfg.ImageMode.Opacity,
		})
	case string(geometry.ModeText):
		if s.cfg.TextMode.Content == "" {
			s.logger.Warn("watermark: empty text content", "source", source)
			return
		}
		place.Mode = geometry.ModeText
		ops.Add(Text{
			Content:   s.cfg.TextMode.Content,
			Font:      s.cfg.TextMode.Font,
			Size:      max(scaled(s.cfg.TextMode.Size, factor), 1),
			Color:     ParseRGB(s.cfg.TextMode.ColorRGB),
			Placement: place,
		})
	default:
		s.logger.Warn("watermark: unknown render mode", "mode", s.cfg.RenderMode)
	}
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	c, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return c.Width, c.Height, nil
}
