package mediaserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/observability"
	"github.com/hazyhaar/mediaserver/structure/structuretest"
	"github.com/hazyhaar/mediaserver/workactions"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &Config{
		DBPath:              filepath.Join(dir, "db", "mediaserver.db"),
		ObservabilityDBPath: filepath.Join(dir, "db", "observability.db"),
	}
	cfg.Fileserver.RootURL = structuretest.RootURL
	cfg.Fileserver.CachePath = filepath.Join(dir, "cache")
	cfg.Conversion.SaveConverted = true
	cfg.Actions.Interval = 50 * time.Millisecond
	cfg.Queue.PollInterval = 10 * time.Millisecond
	return cfg
}

// testServer opens a server with works ppn1 and ppn2 of two pages each.
func testServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	works := t.TempDir()
	for _, id := range []string{"ppn1", "ppn2"} {
		w := structuretest.WriteWork(t, works, id, 2)
		if err := s.Works().Upsert(context.Background(), w); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fileserver.RootURL = ""
	if _, err := New(cfg, nil); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v", err)
	}
}

func TestServer_HTTP(t *testing.T) {
	s := testServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ppn1/" + structuretest.JPEG(2))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" || len(body) == 0 {
		t.Fatalf("status %d, type %q, %d bytes", resp.StatusCode, resp.Header.Get("Content-Type"), len(body))
	}
	if _, ok := s.Guard().Lookup("ppn1/" + structuretest.JPEG(2)); !ok {
		t.Fatal("derivative not cached")
	}

	resp, err = http.Get(ts.URL + "/nope/x.jpg")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown work: %d", resp.StatusCode)
	}
}

func TestServer_Perform(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()

	out, err := s.Perform(ctx, []string{"ppn*"}, workactions.SetAllowedNetwork, actions.Params{"network": "intranet"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("outcomes: %+v", out)
	}
	for _, id := range []string{"ppn1", "ppn2"} {
		w, _ := s.Works().Get(ctx, id)
		if w.AllowedNetwork != "intranet" {
			t.Errorf("%s: network %q", id, w.AllowedNetwork)
		}
	}

	out, err = s.Perform(ctx, []string{"ppn1"}, workactions.SingleFileConvert, actions.Params{
		"derivativePath": "ppn1/" + structuretest.JPEG(1),
		"requestUrl":     structuretest.URL("ppn1", structuretest.JPEG(1)),
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	info, ok := out[0].Result.(DerivativeInfo)
	if !ok || info.MIME != "image/jpeg" || !info.Produced {
		t.Fatalf("result: %#v", out[0].Result)
	}

	if _, err := s.Perform(ctx, []string{"zzz*"}, workactions.CacheDelete, nil, false); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("no match: got %v", err)
	}
	if _, err := s.Perform(ctx, []string{"ppn1"}, "noSuchAction", nil, true); !errors.Is(err, actions.ErrNotFound) {
		t.Fatalf("unknown action: got %v", err)
	}
}

func TestServer_Perform_ContinueOnError(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()
	// workLockAction fails without its parameters.
	out, err := s.Perform(ctx, []string{"ppn1", "ppn2"}, workactions.WorkLock, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Error == "" || out[1].Error == "" {
		t.Fatalf("outcomes: %+v", out)
	}
	out, err = s.Perform(ctx, []string{"ppn1", "ppn2"}, workactions.WorkLock, nil, false)
	if err == nil || len(out) != 1 {
		t.Fatalf("stop on error: %v, %+v", err, out)
	}
}

func TestServer_RequestAndPerformRequested(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()

	recs, err := s.Request(ctx, []string{"ppn?"}, workactions.CacheDelete, nil)
	if err != nil || len(recs) != 2 {
		t.Fatalf("request: %v, %d records", err, len(recs))
	}
	recs, err = s.Request(ctx, []string{"ppn1"}, workactions.CacheDelete, nil)
	if err != nil || len(recs) != 0 {
		t.Fatalf("duplicate request: %v, %d records", err, len(recs))
	}

	out, err := s.PerformAllRequested(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].RecordID == "" {
		t.Fatalf("outcomes: %+v", out)
	}
	pending, _ := s.Coordinator().GetUnperformed(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending: %d", len(pending))
	}
	w, _ := s.Works().Get(ctx, "ppn2")
	if _, err := s.Coordinator().LastPerformed(ctx, w, workactions.CacheDelete); err != nil {
		t.Fatal(err)
	}
}

func TestServer_ClearCache(t *testing.T) {
	s := testServer(t)
	root := s.Guard().Root()
	for _, p := range []string{"ppn1/jpeg/200/a.jpg", "ppn2/jpeg/200/b.jpg"} {
		full := filepath.Join(root, p)
		os.MkdirAll(filepath.Dir(full), 0o755)
		os.WriteFile(full, []byte("x"), 0o644)
	}

	stats, err := s.ClearCache(context.Background(), "ppn1", 0)
	if err != nil || stats.Files != 1 {
		t.Fatalf("work: %+v, %v", stats, err)
	}
	evs, err := s.events.Events(context.Background(), "ppn1", 10)
	if err != nil || len(evs) != 1 || evs[0].EventType != observability.EventCacheCleared {
		t.Fatalf("events: %+v, %v", evs, err)
	}
	stats, err = s.ClearCache(context.Background(), "", time.Hour)
	if err != nil || stats.Files != 0 {
		t.Fatalf("recent files kept: %+v, %v", stats, err)
	}
	if stats, err = s.ClearCache(context.Background(), "", 0); err != nil || stats.Files != 1 {
		t.Fatalf("all: %+v, %v", stats, err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("cache root removed: %v", err)
	}
}

func TestServer_StartRunsRequestedActions(t *testing.T) {
	s := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.Request(ctx, []string{"ppn1"}, workactions.SetAllowedNetwork, actions.Params{"network": "lab"}); err != nil {
		t.Fatal(err)
	}
	s.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w, _ := s.Works().Get(ctx, "ppn1"); w != nil && w.AllowedNetwork == "lab" {
			pending, _ := s.Coordinator().GetUnperformed(ctx)
			if len(pending) == 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("requested action was not performed by the sweeper")
}
