// Package fileserver serves the files of works over HTTP: originals from
// the work directory, derivatives from the cache, and anything else by
// running the conversion action on demand.
package fileserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/cacheguard"
	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/conversion"
	"github.com/hazyhaar/mediaserver/horosafe"
)

// ErrForbidden is returned when the client may not see a work.
var ErrForbidden = errors.New("fileserver: forbidden")

// Works resolves work ids.
type Works interface {
	Get(ctx context.Context, id string) (*catalog.Work, error)
}

// Performer runs an action synchronously.
type Performer interface {
	PerformImmediately(ctx context.Context, work *catalog.Work, name string, params actions.Params) (any, error)
}

// Options wires a Server. Works, Actions and Guard are required.
type Options struct {
	Config  Config
	Works   Works
	Actions Performer
	Guard   *cacheguard.Guard
	Logger  *slog.Logger
}

type Server struct {
	cfg      Config
	networks Networks
	works    Works
	actions  Performer
	guard    *cacheguard.Guard
	logger   *slog.Logger
}

// New validates the network configuration and returns a Server.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	cfg.Defaults()
	networks, err := ParseNetworks(cfg.AllowedNetworks)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		networks: networks,
		works:    opts.Works,
		actions:  opts.Actions,
		guard:    opts.Guard,
		logger:   opts.Logger,
	}, nil
}

// Handler returns the routes:
//
//	GET /health
//	GET /{workID}/*
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(headToGet)
	r.Use(cors)
	r.Use(requestContext(s.logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/{workID}/*", s.serveWorkFile)
	return r
}

func (s *Server) serveWorkFile(w http.ResponseWriter, r *http.Request) {
	workID := chi.URLParam(r, "workID")
	rest := chi.URLParam(r, "*")
	if horosafe.ValidateIdentifier(workID) != nil || rest == "" {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	work, err := s.works.Get(ctx, workID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.checkAccess(r, work, rest); err != nil {
		if s.cfg.DisabledWorkImage != "" {
			s.logger.Info("fileserver: serving disabled work image", "work_id", workID, "client", ClientIP(r))
			s.serveFile(w, r, s.cfg.DisabledWorkImage)
			return
		}
		s.fail(w, r, err)
		return
	}

	// Original files of the work.
	p, err := horosafe.SafePath(work.Path, rest)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if isFile(p) {
		s.serveFile(w, r, p)
		return
	}

	// Cached derivatives.
	key := workID + "/" + rest
	if p, ok := s.guard.Lookup(key); ok {
		if err := s.guard.Touch(key); err != nil {
			s.logger.Warn("fileserver: touch failed", "key", key, "error", err)
		}
		s.serveFile(w, r, p)
		return
	}

	res, err := s.actions.PerformImmediately(ctx, work, s.cfg.ConvertAction, actions.Params{
		"derivativePath": key,
		"requestUrl":     s.cfg.RootURL + key,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.serveResult(w, r, res, rest)
}

// checkAccess fails with ErrForbidden when the work is disabled or limited
// to a network the client is not in. The METS file of a network-limited
// work stays public.
func (s *Server) checkAccess(r *http.Request, work *catalog.Work, rest string) error {
	if !work.Enabled {
		return fmt.Errorf("%w: work %s is disabled", ErrForbidden, work.ID)
	}
	if work.AllowedNetwork == "" {
		return nil
	}
	inside, known := s.networks.Contains(work.AllowedNetwork, clientAddr(r))
	if !known {
		return fmt.Errorf("%w: unknown network %q", ErrForbidden, work.AllowedNetwork)
	}
	if inside || rest == work.ID+".xml" {
		return nil
	}
	return fmt.Errorf("%w: client %s not in network %q", ErrForbidden, ClientIP(r), work.AllowedNetwork)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, p string) {
	f, err := os.Open(p)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", conversion.ErrNotFound, err))
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, path.Base(p), st.ModTime(), f)
}

func (s *Server) serveResult(w http.ResponseWriter, r *http.Request, res any, name string) {
	if c, ok := res.(io.Closer); ok {
		defer c.Close()
	}
	var body io.Reader
	ctype := mime.TypeByExtension(path.Ext(name))
	switch v := res.(type) {
	case *conversion.Derivative:
		body, ctype = v, v.MIME
	case io.Reader:
		body = v
	default:
		s.fail(w, r, fmt.Errorf("fileserver: action %s returned %T", s.cfg.ConvertAction, res))
		return
	}
	if ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("fileserver: write failed", "path", r.URL.Path, "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status >= 500 {
		s.logger.Error("fileserver: request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Info("fileserver: request refused", "path", r.URL.Path, "status", status, "error", err)
	}
	http.Error(w, http.StatusText(status), status)
}

// StatusOf maps an error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, catalog.ErrWorkNotFound), errors.Is(err, conversion.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, conversion.ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
