// Package conversion produces derivatives for a work: single files named by
// a request URL and the full PDF of all pages. Production goes through the
// cache guard so concurrent requests for one derivative render it once.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/mediaserver/cacheguard"
	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/observability"
	"github.com/hazyhaar/mediaserver/pdfdoc"
	"github.com/hazyhaar/mediaserver/render"
	"github.com/hazyhaar/mediaserver/structure"
	"github.com/hazyhaar/mediaserver/textfont"
	"github.com/hazyhaar/mediaserver/watermark"
)

var (
	// ErrNotFound: the work, its METS file or a master file is missing.
	ErrNotFound = errors.New("conversion: not found")
	// ErrValidation: a required parameter is missing or malformed.
	ErrValidation = errors.New("conversion: invalid request")
	// ErrConversion: rendering or assembly failed.
	ErrConversion = errors.New("conversion: failed")
)

// MIME types with a converter.
const (
	MIMEJPEG = "image/jpeg"
	MIMEPDF  = "application/pdf"
)

// Options wires a Converter. Guard is required when Config.SaveConverted is
// set.
type Options struct {
	Config  Config
	Guard   *cacheguard.Guard
	Reader  structure.Reader
	RootURL string
	Metrics *observability.MetricsManager
	Logger  *slog.Logger
	Now     func() time.Time
}

// Converter is safe for concurrent use.
type Converter struct {
	cfg      Config
	guard    *cacheguard.Guard
	reader   structure.Reader
	rootURL  string
	patterns []*regexp.Regexp
	icc      []byte
	jpeg     *pdfdoc.Assembler
	pdf      *pdfdoc.Assembler
	metrics  *observability.MetricsManager
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Converter. Configuration problems (bad size pattern,
// unreadable font or ICC profile) are reported here, not per request.
func New(opts Options) (*Converter, error) {
	cfg := opts.Config
	cfg.Defaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.SaveConverted && opts.Guard == nil {
		return nil, errors.New("conversion: caching enabled without a cache guard")
	}
	patterns, err := CompilePatterns(cfg.SizePatterns)
	if err != nil {
		return nil, err
	}
	font, err := textfont.LoadOrDefault(cfg.PDF.Font)
	if err != nil {
		return nil, fmt.Errorf("conversion: pdf font: %w", err)
	}
	var icc []byte
	if cfg.PDF.ICCProfile != "" {
		if icc, err = os.ReadFile(cfg.PDF.ICCProfile); err != nil {
			return nil, fmt.Errorf("conversion: icc profile: %w", err)
		}
	}

	c := &Converter{
		cfg:      cfg,
		guard:    opts.Guard,
		reader:   opts.Reader,
		rootURL:  opts.RootURL,
		patterns: patterns,
		icc:      icc,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	c.jpeg = pdfdoc.New(pdfdoc.Options{
		Renderer:    c.renderer(cfg.JPEG.DefaultSize),
		JPEGQuality: cfg.JPEG.Quality,
		Logger:      opts.Logger,
	})
	c.pdf = pdfdoc.New(pdfdoc.Options{
		Renderer:    c.renderer(cfg.PDF.DefaultSize),
		Font:        font,
		JPEGQuality: cfg.PDF.Quality,
		Concurrency: cfg.Workers,
		Validate:    cfg.PDF.Validate,
		Optimize:    cfg.PDF.Optimize,
		Logger:      opts.Logger,
	})
	return c, nil
}

func (c *Converter) renderer(refSize int) *render.Renderer {
	var comp watermark.Compositor
	switch c.cfg.Compositor {
	case CompositorAppend:
		comp = watermark.NewAppending(c.cfg.Watermark, c.logger)
	default:
		comp = watermark.NewScaling(c.cfg.Watermark, refSize, c.logger)
	}
	return render.New(render.Options{Watermark: c.cfg.Watermark, Compositor: comp, Logger: c.logger})
}

// Derivative is an open derivative file. Close it when done.
type Derivative struct {
	io.ReadCloser
	MIME string
	// Produced is true when this call rendered the file.
	Produced bool
}

// ConvertFile converts the master behind params["requestUrl"] to the format
// of the requested file. params["derivativePath"] is the cache key.
func (c *Converter) ConvertFile(ctx context.Context, work *catalog.Work, params map[string]string) (*Derivative, error) {
	requestURL := strings.TrimSpace(params["requestUrl"])
	key := strings.TrimSpace(params["derivativePath"])
	if requestURL == "" || key == "" {
		return nil, fmt.Errorf("%w: requestUrl and derivativePath are required", ErrValidation)
	}
	if work == nil {
		return nil, fmt.Errorf("%w: no work", ErrValidation)
	}

	metsFile := structure.MetsFile(work)
	lines, err := c.reader.Read(metsFile, structure.Query{Mode: structure.ModeFile, RequestURL: requestURL})
	if err != nil {
		return nil, c.readErr(err)
	}
	pages, err := c.pages(work, lines)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no source for %s in %s", ErrNotFound, requestURL, metsFile)
	}

	page := pages[0]
	target := page.TargetMIME
	if m := strings.TrimSpace(params["target_mime"]); m != "" {
		target = m
	}
	size := paramSize(params)
	if size <= 0 {
		size = ExtractSize(c.patterns, requestURL)
	}
	if size <= 0 {
		size = c.defaultSize(target)
	}
	doc := pdfdoc.Document{Pages: []pdfdoc.PageSource{pageSource(page)}, Size: size}

	var produce cacheguard.ProduceFunc
	switch target {
	case MIMEJPEG:
		produce = func(ctx context.Context, tmp string) error { return c.jpeg.WriteJPEG(ctx, tmp, doc) }
	case MIMEPDF:
		doc.Meta = pdfdoc.Metadata{Created: c.now(), ICCProfile: c.icc}
		produce = func(ctx context.Context, tmp string) error { return c.pdf.WritePDF(ctx, tmp, doc) }
	default:
		return nil, fmt.Errorf("%w: no converter for MIME type %q", ErrValidation, target)
	}

	c.logger.Info("conversion: converting file", "work_id", work.ID, "master", page.Master.Path, "mime", target, "size", size)
	return c.run(ctx, key, target, produce)
}

// ConvertFull builds the PDF of every page of the work, with METS metadata
// and bookmarks. params["derivativePath"] is the cache key.
func (c *Converter) ConvertFull(ctx context.Context, work *catalog.Work, params map[string]string) (*Derivative, error) {
	key := strings.TrimSpace(params["derivativePath"])
	if key == "" {
		return nil, fmt.Errorf("%w: derivativePath is required", ErrValidation)
	}
	if work == nil {
		return nil, fmt.Errorf("%w: no work", ErrValidation)
	}

	metsFile := structure.MetsFile(work)
	lines, err := c.reader.Read(metsFile, structure.Query{Mode: structure.ModePages})
	if err != nil {
		return nil, c.readErr(err)
	}
	pages, err := c.pages(work, lines)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no source urls in %s", ErrNotFound, metsFile)
	}
	metaLines, err := c.reader.Read(metsFile, structure.Query{Mode: structure.ModeMetadata})
	if err != nil {
		return nil, c.readErr(err)
	}
	meta := structure.Parse(metaLines)
	toc, err := structure.ReadTOC(metsFile)
	if err != nil {
		return nil, c.readErr(err)
	}

	size := paramSize(params)
	if size <= 0 {
		size = c.cfg.PDF.DefaultSize
	}
	doc := pdfdoc.Document{
		Size: size,
		Meta: pdfdoc.Metadata{
			Title:      meta["title"],
			Author:     strings.Join(structure.Values(meta["author"]), "; "),
			Created:    c.now(),
			ICCProfile: c.icc,
		},
		TOC: bookmarks(toc, pageIndex(pages)),
	}
	for _, p := range pages {
		doc.Pages = append(doc.Pages, pageSource(p))
	}

	c.logger.Info("conversion: converting full pdf", "work_id", work.ID, "pages", len(pages))
	return c.run(ctx, key, MIMEPDF, func(ctx context.Context, tmp string) error {
		return c.pdf.WritePDF(ctx, tmp, doc)
	})
}

// run produces the derivative under key, or into a throwaway file when
// caching is off, and opens it.
func (c *Converter) run(ctx context.Context, key, mime string, fn cacheguard.ProduceFunc) (*Derivative, error) {
	start := time.Now()
	var (
		path     string
		produced bool
		err      error
	)
	if c.cfg.SaveConverted {
		path, produced, err = c.guard.Produce(ctx, key, fn)
	} else {
		path, err = c.produceTemp(ctx, mime, fn)
		produced = err == nil
	}
	c.metrics.Duration(observability.MetricConversionDurationMs, start, map[string]string{
		"mime": mime, "produced": fmt.Sprint(produced), "success": fmt.Sprint(err == nil),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConversion, key, err)
	}
	if !produced {
		c.metrics.RecordSimple(observability.MetricCacheHit, 1, "count")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConversion, key, err)
	}
	if !c.cfg.SaveConverted {
		c.logger.Debug("conversion: removing uncached file", "path", path)
		os.Remove(path)
	}
	return &Derivative{ReadCloser: f, MIME: mime, Produced: produced}, nil
}

func (c *Converter) produceTemp(ctx context.Context, mime string, fn cacheguard.ProduceFunc) (string, error) {
	ext := ".jpg"
	if mime == MIMEPDF {
		ext = ".pdf"
	}
	f, err := os.CreateTemp("", "derivative_*"+ext)
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	if err := fn(ctx, path); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// paramSize reads params["size"]; missing or malformed values give 0.
func paramSize(params map[string]string) int {
	n, err := strconv.Atoi(strings.TrimSpace(params["size"]))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func (c *Converter) defaultSize(mime string) int {
	if mime == MIMEPDF {
		return c.cfg.PDF.DefaultSize
	}
	return c.cfg.JPEG.DefaultSize
}

// pages resolves page lines to local files and checks every master is a
// readable regular file.
func (c *Converter) pages(work *catalog.Work, lines []string) ([]structure.PageEntry, error) {
	entries, err := structure.PageEntries(structure.Parse(lines), structure.WorkResolver(c.rootURL, work))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	for _, e := range entries {
		st, err := os.Stat(e.Master.Path)
		if err != nil || !st.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: master file %s does not exist or cannot be read", ErrNotFound, e.Master.Path)
		}
	}
	return entries, nil
}

func (c *Converter) readErr(err error) error {
	if errors.Is(err, structure.ErrMissing) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrConversion, err)
}

func pageSource(e structure.PageEntry) pdfdoc.PageSource {
	ps := pdfdoc.PageSource{Source: e.Master.Path}
	if e.Fulltext != nil {
		ps.Fulltext = e.Fulltext.Path
	}
	return ps
}

// pageIndex maps METS page orders to 1-based PDF page numbers.
func pageIndex(pages []structure.PageEntry) map[int]int {
	idx := make(map[int]int, len(pages))
	for i, p := range pages {
		idx[p.Order] = i + 1
	}
	return idx
}

func bookmarks(items []structure.TOCItem, idx map[int]int) []pdfdoc.TOCItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]pdfdoc.TOCItem, 0, len(items))
	for _, it := range items {
		out = append(out, pdfdoc.TOCItem{
			Title:    it.Title,
			Page:     idx[it.Page],
			Children: bookmarks(it.Children, idx),
		})
	}
	return out
}
