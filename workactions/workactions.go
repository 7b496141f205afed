// Package workactions holds the built-in actions of the media server and
// binds them into an actions.Registry under their configured names.
package workactions

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/cacheguard"
	"github.com/hazyhaar/mediaserver/conversion"
	"github.com/hazyhaar/mediaserver/structure"
)

// Registry names.
const (
	CacheDelete           = "cacheDeleteAction"
	SetAllowedNetwork     = "setAllowedNetworkAction"
	WorkLock              = "workLockAction"
	ViewerIndexing        = "viewerIndexingAction"
	PreproduceDerivatives = "preproduceDerivativesAction"
	PreproduceFullPDF     = "preproduceFullPdfAction"
	SingleFileConvert     = "singleFileConvertAction"
	FullPDFConvert        = "fullPdfConvertAction"

	// Converter bindings. They are not actions.
	SingleFileConverter = "singleFileConverter"
	FullPDFConverter    = "fullPdfConverter"
)

// Works updates work records.
type Works interface {
	SetEnabled(ctx context.Context, id string, enabled bool) error
	SetAllowedNetwork(ctx context.Context, id, network string) error
	SetIndexTime(ctx context.Context, id string, at time.Time) error
}

// IndexingConfig points at the viewer's indexing endpoint.
type IndexingConfig struct {
	URL string `yaml:"url"`
	// MetsURLArg is the query argument carrying the METS URL.
	MetsURLArg string        `yaml:"mets_url_arg"`
	Timeout    time.Duration `yaml:"timeout"`
	// Retries is the number of extra attempts after a failed call.
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// The viewer is skipped for BreakerReset after BreakerThreshold
	// consecutive failures.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

func (c *IndexingConfig) defaults() {
	if c.MetsURLArg == "" {
		c.MetsURLArg = "id"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = time.Minute
	}
}

// Deps are the collaborators of the built-in actions.
type Deps struct {
	Converter *conversion.Converter
	Guard     *cacheguard.Guard
	Works     Works
	Reader    structure.Reader
	// RootURL is the public URL of the file server, ending in '/'.
	RootURL    string
	Indexing   IndexingConfig
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

func (d *Deps) defaults() {
	d.Indexing.defaults()
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: d.Indexing.Timeout}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Register binds every built-in action and the two converters.
func Register(reg *actions.Registry, d Deps) {
	d.defaults()
	single := &singleFileConvert{conv: d.Converter}
	full := &fullPDFConvert{conv: d.Converter}

	reg.Register(CacheDelete, &cacheDelete{guard: d.Guard, logger: d.Logger})
	reg.Register(SetAllowedNetwork, &setAllowedNetwork{works: d.Works, logger: d.Logger})
	reg.Register(WorkLock, &workLock{works: d.Works, logger: d.Logger})
	reg.Register(ViewerIndexing, &viewerIndexing{
		cfg:     d.Indexing,
		rootURL: d.RootURL,
		call:    indexingCall(d.Indexing, d.HTTPClient, d.Logger),
		works:   d.Works,
		logger:  d.Logger,
		now:     d.Now,
	})
	reg.Register(PreproduceDerivatives, &preproduceDerivatives{
		reader: d.Reader, rootURL: d.RootURL, convert: single, logger: d.Logger,
	})
	reg.Register(PreproduceFullPDF, &preproduceFullPDF{
		reader: d.Reader, rootURL: d.RootURL, convert: full, logger: d.Logger,
	})
	reg.Register(SingleFileConvert, single)
	reg.Register(FullPDFConvert, full)

	reg.Bind(SingleFileConverter, d.Converter)
	reg.Bind(FullPDFConverter, d.Converter)
}
