package watermark

import (
	"log/slog"
	"os"
	"strings"
)

// Appending adds the logo image beside the page instead of drawing over it.
// It is cheaper than Scaling but the logo keeps its native size.
type Appending struct {
	cfg    Config
	logger *slog.Logger
}

func NewAppending(cfg Config, logger *slog.Logger) *Appending {
	if logger == nil {
		logger = slog.Default()
	}
	return &Appending{cfg: cfg, logger: logger}
}

func (a *Appending) Apply(ops *Ops, source string, size int) {
	if !a.cfg.Active(size) {
		return
	}
	path := a.cfg.ImageMode.Path
	if strings.TrimSpace(path) == "" {
		a.logger.Error("watermark: enabled but image path is empty", "source", source)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		a.logger.Error("watermark: image cannot be read", "path", path, "error", err)
		return
	}
	st, err := f.Stat()
	f.Close()
	if err != nil || !st.Mode().IsRegular() {
		a.logger.Error("watermark: image is not a regular file", "path", path)
		return
	}

	bg := ParseRGB(a.cfg.CanvasExtension.BackgroundRGB)
	ops.Add(
		Append{Path: path, Background: bg, Gravity: a.cfg.Gravity},
		Flatten{Background: bg},
	)
}
