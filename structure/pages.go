package structure

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/horosafe"
)

// ErrUnresolvable is returned for file URLs that map to no local file.
var ErrUnresolvable = errors.New("structure: url cannot be mapped to a file")

// File is a METS file reference resolved to the local file system.
type File struct {
	URL  string
	Path string
	MIME string
}

// PageEntry is one physical page of a file or pages query.
type PageEntry struct {
	Order  int
	Master File
	// TargetMIME is the format of the requested file. Empty for pages
	// queries.
	TargetMIME string
	Fulltext   *File
}

// Resolver maps a file URL to a local path.
type Resolver func(url string) (string, error)

// WorkResolver resolves "file://" URLs to their path and URLs below
// {rootURL}{work.ID} to the same relative path below work.Path.
func WorkResolver(rootURL string, w *catalog.Work) Resolver {
	prefix := rootURL + w.ID
	return func(url string) (string, error) {
		if p, ok := strings.CutPrefix(url, "file://"); ok {
			return p, nil
		}
		if rest, ok := strings.CutPrefix(url, prefix); ok && rootURL != "" && (rest == "" || rest[0] == '/') {
			p, err := horosafe.SafePath(w.Path, rest)
			if err != nil {
				return "", fmt.Errorf("%w: %s: %v", ErrUnresolvable, url, err)
			}
			return p, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnresolvable, url)
	}
}

// PageEntries converts the Parse result of a file or pages query into
// entries sorted by page order. Keys that are not page orders are skipped.
func PageEntries(m map[string]string, resolve Resolver) ([]PageEntry, error) {
	var entries []PageEntry
	for k, v := range m {
		order, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		parts := strings.SplitN(v, "|", 4)
		for len(parts) < 4 {
			parts = append(parts, "")
		}
		e := PageEntry{Order: order, TargetMIME: parts[2]}
		if parts[0] == "" {
			return nil, fmt.Errorf("structure: page %d has no master file", order)
		}
		if e.Master, err = resolveFile(resolve, parts[0], parts[1]); err != nil {
			return nil, err
		}
		if parts[3] != "" {
			ft, err := resolveFile(resolve, parts[3], "")
			if err != nil {
				return nil, err
			}
			e.Fulltext = &ft
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Order < entries[j].Order })
	return entries, nil
}

func resolveFile(resolve Resolver, url, mime string) (File, error) {
	p, err := resolve(url)
	if err != nil {
		return File{}, err
	}
	return File{URL: url, Path: p, MIME: mime}, nil
}
