package fileserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/cacheguard"
	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/conversion"
	"github.com/hazyhaar/mediaserver/dbopen"
	"github.com/hazyhaar/mediaserver/structure/structuretest"
	"github.com/hazyhaar/mediaserver/workactions"
)

type fixture struct {
	handler http.Handler
	works   *catalog.Store
	guard   *cacheguard.Guard
	work    *catalog.Work
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(catalog.Schema), dbopen.WithSchema(actions.Schema))
	works := &catalog.Store{DB: db}
	w := structuretest.WriteWork(t, t.TempDir(), "ppn1", 2)
	if err := works.Upsert(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	guard := cacheguard.New(t.TempDir(), cacheguard.Options{PollInterval: 5 * time.Millisecond})
	conv, err := conversion.New(conversion.Options{
		Config:  conversion.Config{SaveConverted: true},
		Guard:   guard,
		RootURL: structuretest.RootURL,
	})
	if err != nil {
		t.Fatal(err)
	}
	reg := actions.NewRegistry()
	workactions.Register(reg, workactions.Deps{Converter: conv, Guard: guard, Works: works, RootURL: structuretest.RootURL})
	coord := actions.NewCoordinator(actions.Options{Store: &actions.Store{DB: db}, Registry: reg, Works: works})

	cfg.RootURL = structuretest.RootURL
	srv, err := New(Options{Config: cfg, Works: works, Actions: coord, Guard: guard})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{handler: srv.Handler(), works: works, guard: guard, work: w}
}

func (f *fixture) get(path, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.get("/health", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"ok"`)) {
		t.Fatalf("%d %s", rec.Code, rec.Body)
	}
}

func TestServe_OriginalFile(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.get("/ppn1/orig/00000001.png", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type %q", ct)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestServe_ConvertsThenServesFromCache(t *testing.T) {
	f := newFixture(t, Config{})
	url := "/ppn1/" + structuretest.JPEG(1)

	rec := f.get(url, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("content type %q", ct)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	if err != nil || cfg.Width != 200 {
		t.Fatalf("jpeg %+v, %v", cfg, err)
	}
	first := rec.Body.Bytes()

	key := "ppn1/" + structuretest.JPEG(1)
	cached, ok := f.guard.Lookup(key)
	if !ok {
		t.Fatal("derivative not cached")
	}
	old := time.Now().Add(-48 * time.Hour)
	os.Chtimes(cached, old, old)

	rec = f.get(url, "")
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), first) {
		t.Fatalf("cached: %d", rec.Code)
	}
	st, _ := os.Stat(cached)
	if !st.ModTime().After(old.Add(time.Hour)) {
		t.Fatal("cache hit should touch the file")
	}
}

func TestServe_NotFound(t *testing.T) {
	f := newFixture(t, Config{})
	for _, p := range []string{"/ghost/a.jpg", "/ppn1/jpeg/200/99999999.jpg"} {
		if rec := f.get(p, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: status %d", p, rec.Code)
		}
	}
}

func TestServe_AllowedNetwork(t *testing.T) {
	f := newFixture(t, Config{AllowedNetworks: map[string][]string{"intranet": {"10.0.0.0/8"}}})
	ctx := context.Background()
	f.works.SetAllowedNetwork(ctx, "ppn1", "intranet")

	if rec := f.get("/ppn1/orig/00000001.png", "10.1.2.3, 172.16.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("inside: %d", rec.Code)
	}
	if rec := f.get("/ppn1/orig/00000001.png", "192.168.1.1"); rec.Code != http.StatusForbidden {
		t.Fatalf("outside: %d", rec.Code)
	}
	if rec := f.get("/ppn1/ppn1.xml", "192.168.1.1"); rec.Code != http.StatusOK {
		t.Fatalf("mets from outside: %d", rec.Code)
	}

	f.works.SetAllowedNetwork(ctx, "ppn1", "nowhere")
	if rec := f.get("/ppn1/orig/00000001.png", "10.1.2.3"); rec.Code != http.StatusForbidden {
		t.Fatalf("unknown network: %d", rec.Code)
	}
}

func TestServe_DisabledWork(t *testing.T) {
	f := newFixture(t, Config{})
	f.works.SetEnabled(context.Background(), "ppn1", false)
	if rec := f.get("/ppn1/orig/00000001.png", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}

	img := filepath.Join(t.TempDir(), "disabled.png")
	os.WriteFile(img, []byte("locked"), 0o644)
	f = newFixture(t, Config{DisabledWorkImage: img})
	f.works.SetEnabled(context.Background(), "ppn1", false)
	rec := f.get("/ppn1/orig/00000001.png", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "locked" {
		t.Fatalf("disabled image: %d %q", rec.Code, rec.Body)
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("x: %w", catalog.ErrWorkNotFound):  http.StatusNotFound,
		fmt.Errorf("x: %w", conversion.ErrNotFound):   http.StatusNotFound,
		fmt.Errorf("x: %w", ErrForbidden):             http.StatusForbidden,
		fmt.Errorf("x: %w", conversion.ErrValidation): http.StatusBadRequest,
		fmt.Errorf("x: %w", conversion.ErrConversion): http.StatusInternalServerError,
		errors.New("boom"):                            http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := StatusOf(err); got != want {
			t.Errorf("%v: got %d, want %d", err, got, want)
		}
	}
}

func TestParseNetworks(t *testing.T) {
	n, err := ParseNetworks(map[string][]string{"lab": {"192.168.0.0/16", "10.0.0.7", "2001:db8::/32"}})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		addr   string
		inside bool
	}{
		{"192.168.4.4", true},
		{"10.0.0.7", true},
		{"10.0.0.8", false},
		{"::ffff:192.168.1.1", true},
		{"2001:db8::1", true},
	}
	for _, c := range cases {
		inside, known := n.Contains("lab", netip.MustParseAddr(c.addr))
		if !known || inside != c.inside {
			t.Errorf("%s: inside=%v known=%v", c.addr, inside, known)
		}
	}
	if _, known := n.Contains("other", netip.MustParseAddr("10.0.0.7")); known {
		t.Fatal("other is not configured")
	}
	if _, err := ParseNetworks(map[string][]string{"bad": {"10.0.0.0/33"}}); err == nil {
		t.Fatal("expected error for bad prefix")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:4711"
	if got := ClientIP(r); got != "198.51.100.7" {
		t.Fatalf("remote: %q", got)
	}
	r.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := ClientIP(r); got != "203.0.113.9" {
		t.Fatalf("forwarded: %q", got)
	}
}
