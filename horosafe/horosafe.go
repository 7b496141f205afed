// Package horosafe holds the input guards shared by the fileserver, the cache
// and the actions: path traversal checks for derivative paths, work id
// validation, URL scheme checks and bounded reads of remote responses.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
)

// MaxResponseBody caps reads of remote HTTP responses (1 MiB).
const MaxResponseBody int64 = 1 << 20

// ErrPathTraversal is returned when a relative path escapes its base.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ErrUnsafeScheme is returned for URLs that are not http or https.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// SafePath joins base and rel and checks the result stays under base.
// A leading slash in rel is accepted, so "/w1/jpeg/p1.jpg" and
// "w1/jpeg/p1.jpg" resolve to the same file.
func SafePath(base, rel string) (string, error) {
	for _, seg := range strings.FieldsFunc(rel, isSep) {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}
	root := filepath.Clean(base)
	joined := filepath.Join(root, filepath.Clean("/"+filepath.ToSlash(rel)))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

func isSep(r rune) bool { return r == '/' || r == '\\' }

// ValidateIdentifier accepts work ids made of letters, digits, '_', '-' and
// '.', at most 256 bytes, and not "." or "..".
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: identifier too long (max 256)")
	}
	if s == "." || s == ".." {
		return fmt.Errorf("horosafe: identifier %q not allowed", s)
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// ValidateHTTPURL checks that raw parses as an absolute http(s) URL with a
// host. Private addresses are allowed: the viewer indexer usually lives on
// the internal network.
func ValidateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return fmt.Errorf("horosafe: URL %q has no host", raw)
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("horosafe: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
