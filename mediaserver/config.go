package mediaserver

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/conversion"
	"github.com/hazyhaar/mediaserver/fileserver"
	"github.com/hazyhaar/mediaserver/geometry"
	"github.com/hazyhaar/mediaserver/horosafe"
	"github.com/hazyhaar/mediaserver/structure"
	"github.com/hazyhaar/mediaserver/workactions"
)

// ErrConfiguration marks a configuration the server refuses to start with.
var ErrConfiguration = errors.New("mediaserver: invalid configuration")

// Config holds all media server configuration.
type Config struct {
	DBPath string `yaml:"db_path"`
	// ObservabilityDBPath holds business events and metrics. Empty
	// disables both.
	ObservabilityDBPath string                     `yaml:"observability_db_path"`
	Fileserver          fileserver.Config          `yaml:"fileserver"`
	Conversion          conversion.Config          `yaml:"conversion"`
	Mets                structure.Reader           `yaml:"mets"`
	Indexing            workactions.IndexingConfig `yaml:"indexing"`
	Actions             actions.SweepConfig        `yaml:"actions"`
	Queue               QueueConfig                `yaml:"queue"`
	Retention           RetentionConfig            `yaml:"retention"`
}

// QueueConfig tunes the dispatch queue.
type QueueConfig struct {
	Visibility   time.Duration `yaml:"visibility"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// RetentionConfig trims the observability database. Zero days keeps
// everything.
type RetentionConfig struct {
	Interval      time.Duration `yaml:"interval"`
	EventLogsDays int           `yaml:"event_logs_days"`
	MetricsDays   int           `yaml:"metrics_days"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "mediaserver.db"
	}
	if c.Fileserver.CachePath == "" {
		c.Fileserver.CachePath = "cache"
	}
	c.Fileserver.Defaults()
	c.Conversion.Defaults()
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = 24 * time.Hour
	}
}

// LoadConfigFile reads a YAML config file, fills defaults and validates it.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfiguration, path, err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first problem that would make the server misbehave
// at run time. Every error wraps ErrConfiguration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}

	if c.Fileserver.RootURL == "" {
		return invalid("fileserver.root_url is required")
	}
	if err := horosafe.ValidateHTTPURL(c.Fileserver.RootURL); err != nil {
		return invalid("fileserver.root_url: %v", err)
	}
	if _, err := fileserver.ParseNetworks(c.Fileserver.AllowedNetworks); err != nil {
		return invalid("fileserver.allowed_networks: %v", err)
	}
	if p := c.Fileserver.DisabledWorkImage; p != "" && !readable(p) {
		return invalid("fileserver.disabled_work_image %q is not readable", p)
	}

	if _, err := conversion.CompilePatterns(c.Conversion.SizePatterns); err != nil {
		return invalid("conversion.size_patterns: %v", err)
	}
	switch c.Conversion.Compositor {
	case "", conversion.CompositorScaling, conversion.CompositorAppend:
	default:
		return invalid("conversion.compositor %q: want %s or %s",
			c.Conversion.Compositor, conversion.CompositorScaling, conversion.CompositorAppend)
	}
	if wm := c.Conversion.Watermark; wm.Enabled {
		switch wm.RenderMode {
		case geometry.ModeImage:
			if wm.ImageMode.Path == "" || !readable(wm.ImageMode.Path) {
				return invalid("conversion.watermark.image_mode.path %q is not readable", wm.ImageMode.Path)
			}
		case geometry.ModeText, "":
			if f := wm.TextMode.Font; f != "" && !readable(f) {
				return invalid("conversion.watermark.text_mode.font %q is not readable", f)
			}
		default:
			return invalid("conversion.watermark.render_mode %q", wm.RenderMode)
		}
	}
	for name, p := range map[string]string{
		"conversion.pdf.font":        c.Conversion.PDF.Font,
		"conversion.pdf.icc_profile": c.Conversion.PDF.ICCProfile,
	} {
		if p != "" && !readable(p) {
			return invalid("%s %q is not readable", name, p)
		}
	}

	if c.Indexing.URL != "" {
		if err := horosafe.ValidateHTTPURL(c.Indexing.URL); err != nil {
			return invalid("indexing.url: %v", err)
		}
	}
	return nil
}

func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// ParseAge parses "<n>[s|m|h|d]". A bare number counts seconds; anything
// else time.ParseDuration accepts is taken as is.
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty age")
	}
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil || days < 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}
