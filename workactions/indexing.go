package workactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/horosafe"
	"github.com/hazyhaar/pkg/connectivity"
)

// ErrIndexing is returned when the viewer rejects a work.
var ErrIndexing = errors.New("workactions: indexing failed")

// viewerIndexing asks the viewer to index the METS file of a work and
// records the index time on success.
type viewerIndexing struct {
	cfg     IndexingConfig
	rootURL string
	call    connectivity.Handler
	works   Works
	logger  *slog.Logger
	now     func() time.Time
}

// MetsURL is the public URL of the METS file of a work.
func MetsURL(rootURL, workID string) string {
	return strings.TrimRight(rootURL, "/") + "/" + workID + "/" + workID + ".xml"
}

// indexingCall builds the viewer client: the payload is the request URL,
// the response is the body. The breaker is shared by every call.
func indexingCall(cfg IndexingConfig, client *http.Client, logger *slog.Logger) connectivity.Handler {
	cb := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(cfg.BreakerThreshold),
		connectivity.WithBreakerResetTimeout(cfg.BreakerReset),
	)
	return connectivity.Chain(
		connectivity.Recovery(logger),
		connectivity.WithCircuitBreaker(cb, ViewerIndexing),
		connectivity.WithRetry(cfg.Retries, cfg.RetryBackoff, logger),
		connectivity.Timeout(cfg.Timeout),
	)(httpGet(client))
}

func httpGet(client *http.Client) connectivity.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, string(payload), nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, _ := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
		if resp.StatusCode > 299 {
			return nil, fmt.Errorf("%w: http status %d: %s", ErrIndexing, resp.StatusCode, snippet(body))
		}
		return body, nil
	}
}

func (a *viewerIndexing) Perform(ctx context.Context, work *catalog.Work, params actions.Params) (any, error) {
	if err := horosafe.ValidateHTTPURL(a.cfg.URL); err != nil {
		return nil, fmt.Errorf("workactions: indexing url: %w", err)
	}
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set(a.cfg.MetsURLArg, MetsURL(a.rootURL, work.ID))
	u.RawQuery = q.Encode()

	a.logger.Debug("indexing: calling viewer", "work_id", work.ID, "url", u.String())
	if _, err := a.call(ctx, []byte(u.String())); err != nil {
		return nil, fmt.Errorf("workactions: index %s: %w", work.ID, err)
	}
	at := a.now()
	if err := a.works.SetIndexTime(ctx, work.ID, at); err != nil {
		return nil, err
	}
	work.IndexTime = &at
	a.logger.Info("indexing: work indexed", "work_id", work.ID)
	return at, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
