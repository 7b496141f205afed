package fileserver

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/hazyhaar/mediaserver/idgen"
	"github.com/hazyhaar/pkg/kit"
)

// headToGet lets HEAD requests reach the GET routes; net/http drops the body.
func headToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// cors opens every file to every origin; access is decided per work.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

// requestContext tags the request with an id, the http transport and the
// client address, and logs it.
func requestContext(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := idgen.Request()
			w.Header().Set("X-Request-ID", reqID)

			ctx := kit.WithRequestID(r.Context(), reqID)
			ctx = kit.WithTransport(ctx, "http")
			ctx = kit.WithRemoteAddr(ctx, ClientIP(r))
			logger.Debug("fileserver: request", "request_id", reqID, "method", r.Method, "path", r.URL.Path, "client", ClientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP returns the first X-Forwarded-For entry, or the remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientAddr(r *http.Request) netip.Addr {
	a, err := netip.ParseAddr(ClientIP(r))
	if err != nil {
		return netip.Addr{}
	}
	return a
}
